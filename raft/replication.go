package raft

import (
	"fmt"
	"time"

	"github.com/antithesishq/antithesis-sdk-go/assert"
	"golang.org/x/exp/slices"
)

// sendAppendEntries runs one replication round: AppendEntries to every peer
// that may be missing entries, a Heartbeat to the ones known to be caught up.
// Unreachable peers only get Heartbeats until a send to them succeeds.
func (rn *RaftNodeImpl) sendAppendEntries() {
	appendIndex := rn.storage.AppendIndex()
	for _, peerId := range rn.membership.CurrentMembers().Sorted() {
		if peerId == rn.id {
			continue
		}
		followerState := rn.followerState(peerId)
		if followerState.matchIndex >= appendIndex || !rn.reachable(peerId) {
			if time.Since(followerState.lastSent) < rn.cfg.HeartbeatInterval/2 {
				continue
			}
			rn.sendHeartbeat(peerId, followerState)
			continue
		}
		if !rn.sendAppendEntriesToFollower(peerId, followerState) {
			return
		}
	}
}

func (rn *RaftNodeImpl) reachable(peerId MemberId) bool {
	tracker, ok := rn.membership.(ReachabilityTracker)
	return !ok || tracker.Reachable(peerId)
}

// followerState returns the bookkeeping for a peer, creating it for members added after election.
func (rn *RaftNodeImpl) followerState(peerId MemberId) *FollowerState {
	followerState, exists := rn.followersStateMap[peerId]
	if !exists {
		followerState = &FollowerState{
			nextIndex:  rn.storage.AppendIndex() + 1,
			matchIndex: 0,
		}
		rn.followersStateMap[peerId] = followerState
	}
	return followerState
}

func (rn *RaftNodeImpl) sendHeartbeat(peerId MemberId, followerState *FollowerState) {
	commitIndexTerm, err := rn.termAt(rn.commitIndex)
	if err != nil {
		rn.fail(fmt.Errorf("failed to read term at commit index %d: %w", rn.commitIndex, err))
		return
	}
	rn.sendMessage(peerId, &Heartbeat{
		From:            rn.id,
		LeaderTerm:      rn.currentTerm,
		CommitIndex:     rn.commitIndex,
		CommitIndexTerm: commitIndexTerm,
	})
	followerState.lastSent = time.Now()
}

// sendAppendEntriesToFollower sends the entries from the peer's nextIndex, or
// LogCompactionInfo if they were pruned. It returns false if the node halted.
func (rn *RaftNodeImpl) sendAppendEntriesToFollower(peerId MemberId, followerState *FollowerState) bool {
	prevIndex := rn.storage.PrevIndex()
	if followerState.nextIndex <= prevIndex {
		rn.logger.Debug("peer needs pruned entries", "peer", peerId, "nextIndex", followerState.nextIndex, "prevIndex", prevIndex)
		rn.sendMessage(peerId, &LogCompactionInfo{
			From:       rn.id,
			LeaderTerm: rn.currentTerm,
			PrevIndex:  prevIndex,
		})
		followerState.lastSent = time.Now()
		return true
	}

	prevLogIndex := followerState.nextIndex - 1
	prevLogTerm, err := rn.termAt(prevLogIndex)
	if err != nil {
		rn.fail(fmt.Errorf("failed to read term at index %d: %w", prevLogIndex, err))
		return false
	}
	entries, err := rn.storage.EntriesFrom(followerState.nextIndex, rn.cfg.MaxEntriesPerAppend)
	if err != nil {
		rn.fail(fmt.Errorf("failed to read entries from %d: %w", followerState.nextIndex, err))
		return false
	}

	rn.sendMessage(peerId, &AppendEntriesRequest{
		From:         rn.id,
		Term:         rn.currentTerm,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		LeaderCommit: rn.commitIndex,
		Entries:      entries,
	})
	followerState.lastSent = time.Now()
	return true
}

// appendAsLeader appends content at the next index and ships it to every peer
// that already holds everything before it.
func (rn *RaftNodeImpl) appendAsLeader(content ReplicatedContent) (LogIndex, bool) {
	index := rn.storage.AppendIndex() + 1
	if err := rn.storage.Append(index, rn.currentTerm, content); err != nil {
		rn.fail(fmt.Errorf("failed to append entry at index %d: %w", index, err))
		return 0, false
	}
	rn.logger.Debug("appended entry", "index", index, "term", rn.currentTerm)

	for _, peerId := range rn.membership.CurrentMembers().Sorted() {
		if peerId == rn.id {
			continue
		}
		followerState := rn.followerState(peerId)
		// lagging peers are served by the replication round and by their responses
		if followerState.nextIndex != index {
			continue
		}
		if !rn.sendAppendEntriesToFollower(peerId, followerState) {
			return 0, false
		}
	}
	rn.advanceLeaderCommitIndex()
	return index, !rn.halted()
}

func (rn *RaftNodeImpl) handleNewEntryRequest(newEntryRequest *NewEntryRequest) {
	if rn.state != Leader {
		// forwarding once is enough, a second hop would chase a stale leader
		rn.logger.Debug("dropping forwarded entry, not the leader", "from", newEntryRequest.From, "leader", rn.leader)
		return
	}
	rn.appendAsLeader(newEntryRequest.Content)
}

// acceptLeader records the sender as leader of the current term and restarts the election timer.
func (rn *RaftNodeImpl) acceptLeader(leaderId MemberId) bool {
	switch rn.state {
	case Leader:
		assert.Unreachable(
			"Two leaders in the same term",
			map[string]any{
				"term":        rn.currentTerm,
				"self":        rn.id.String(),
				"otherLeader": leaderId.String(),
			},
		)
		rn.fail(fmt.Errorf("%s claims leadership of term %d held by this node", leaderId, rn.currentTerm))
		return false
	case Candidate:
		rn.logger.Info("another candidate won the election", "leader", leaderId, "term", rn.currentTerm)
		rn.becomeFollower(leaderId)
	default:
		if rn.leader != leaderId {
			rn.logger.Info("following new leader", "leader", leaderId, "term", rn.currentTerm)
		}
		rn.leader = leaderId
		rn.resetElectionTimer()
	}
	return true
}

// rejectStale tells a leader of an older term about ours so it steps down.
func (rn *RaftNodeImpl) rejectStale(to MemberId) {
	rn.sendMessage(to, &AppendEntriesResponse{
		From:        rn.id,
		Term:        rn.currentTerm,
		Success:     false,
		MatchIndex:  NoMatchHint,
		AppendIndex: rn.storage.AppendIndex(),
	})
}

func (rn *RaftNodeImpl) handleAppendEntriesRequest(appendEntriesRequest *AppendEntriesRequest) {
	leaderId := appendEntriesRequest.From
	if appendEntriesRequest.Term < rn.currentTerm {
		rn.logger.Debug("rejecting AppendEntries from a stale leader", "from", leaderId, "requestTerm", appendEntriesRequest.Term)
		rn.rejectStale(leaderId)
		return
	}
	if !rn.acceptLeader(leaderId) {
		return
	}

	reject := func(hint LogIndex) {
		rn.sendMessage(leaderId, &AppendEntriesResponse{
			From:        rn.id,
			Term:        rn.currentTerm,
			Success:     false,
			MatchIndex:  hint,
			AppendIndex: rn.storage.AppendIndex(),
		})
	}

	entries := appendEntriesRequest.Entries
	nextIndex := appendEntriesRequest.PrevLogIndex + 1
	prevIndex := rn.storage.PrevIndex()
	appendIndex := rn.storage.AppendIndex()

	if appendEntriesRequest.PrevLogIndex < prevIndex {
		// everything up to the log base was applied, so it matches any current leader
		skip := min(LogIndex(len(entries)), prevIndex-appendEntriesRequest.PrevLogIndex)
		entries = entries[skip:]
		nextIndex += skip
	} else {
		// check if log state is consistent with leader
		if appendEntriesRequest.PrevLogIndex > appendIndex {
			rn.logger.Debug("no entry at prevLogIndex", "prevLogIndex", appendEntriesRequest.PrevLogIndex, "appendIndex", appendIndex)
			reject(appendIndex)
			return
		}
		prevLogTerm, err := rn.termAt(appendEntriesRequest.PrevLogIndex)
		if err != nil {
			rn.fail(fmt.Errorf("failed to read term at index %d: %w", appendEntriesRequest.PrevLogIndex, err))
			return
		}
		if prevLogTerm != appendEntriesRequest.PrevLogTerm {
			rn.logger.Debug("term mismatch at prevLogIndex", "prevLogIndex", appendEntriesRequest.PrevLogIndex, "expected", appendEntriesRequest.PrevLogTerm, "actual", prevLogTerm)
			reject(rn.conflictHint(appendEntriesRequest.PrevLogIndex, prevLogTerm))
			return
		}
	}

	// append entries from request
	for i, entry := range entries {
		logEntryIdx := nextIndex + LogIndex(i)
		if logEntryIdx <= appendIndex {
			existingTerm, err := rn.termAt(logEntryIdx)
			if err != nil {
				rn.fail(fmt.Errorf("failed to read term at index %d: %w", logEntryIdx, err))
				return
			}
			if existingTerm == entry.Term {
				continue
			}
			if logEntryIdx <= rn.commitIndex {
				assert.Unreachable(
					"Truncating a committed entry",
					map[string]any{
						"index":       logEntryIdx,
						"commitIndex": rn.commitIndex,
						"leader":      leaderId.String(),
					},
				)
				rn.fail(fmt.Errorf("leader %s conflicts with committed entry %d", leaderId, logEntryIdx))
				return
			}
			rn.logger.Debug("deleting conflicting entries", "from", logEntryIdx, "existingTerm", existingTerm, "leaderTerm", entry.Term)
			if err := rn.storage.TruncateFrom(logEntryIdx); err != nil {
				rn.fail(fmt.Errorf("failed to truncate log from %d: %w", logEntryIdx, err))
				return
			}
			appendIndex = logEntryIdx - 1
		}
		if err := rn.storage.Append(logEntryIdx, entry.Term, entry.Content); err != nil {
			rn.fail(fmt.Errorf("failed to append entry at index %d: %w", logEntryIdx, err))
			return
		}
		appendIndex = logEntryIdx
	}

	indexOfLastNewEntry := appendEntriesRequest.PrevLogIndex + LogIndex(len(appendEntriesRequest.Entries))
	if appendEntriesRequest.LeaderCommit > rn.commitIndex {
		rn.advanceCommitIndex(min(appendEntriesRequest.LeaderCommit, indexOfLastNewEntry))
		if rn.halted() {
			return
		}
	}

	rn.sendMessage(leaderId, &AppendEntriesResponse{
		From:        rn.id,
		Term:        rn.currentTerm,
		Success:     true,
		MatchIndex:  indexOfLastNewEntry,
		AppendIndex: indexOfLastNewEntry,
	})
}

// conflictHint walks back over the conflicting term so the leader can skip it
// in one round trip. Nothing at or below the commit index can conflict.
func (rn *RaftNodeImpl) conflictHint(index LogIndex, conflictTerm Term) LogIndex {
	floor := max(rn.commitIndex, rn.storage.PrevIndex())
	hint := index - 1
	for hint > floor {
		term, err := rn.termAt(hint)
		if err != nil || term != conflictTerm {
			break
		}
		hint--
	}
	return max(hint, floor)
}

func (rn *RaftNodeImpl) handleAppendEntriesResponse(appendEntriesResponse *AppendEntriesResponse) {
	if appendEntriesResponse.Term < rn.currentTerm {
		rn.logger.Debug("ignoring AppendEntries response with a lower term", "from", appendEntriesResponse.From, "term", appendEntriesResponse.Term)
		return
	}
	if rn.state != Leader {
		rn.logger.Debug("ignoring AppendEntries response, not leader", "from", appendEntriesResponse.From)
		return
	}

	peerId := appendEntriesResponse.From
	followerState := rn.followerState(peerId)

	if appendEntriesResponse.Success {
		if appendEntriesResponse.MatchIndex > rn.storage.AppendIndex() {
			rn.logger.Warn("peer acknowledged entries beyond the end of the log", "peer", peerId, "matchIndex", appendEntriesResponse.MatchIndex)
			return
		}
		// responses may arrive out of order, matchIndex never moves back
		if appendEntriesResponse.MatchIndex > followerState.matchIndex {
			followerState.matchIndex = appendEntriesResponse.MatchIndex
			rn.advanceLeaderCommitIndex()
			if rn.halted() {
				return
			}
		}
		followerState.nextIndex = followerState.matchIndex + 1
		if followerState.nextIndex <= rn.storage.AppendIndex() {
			rn.sendAppendEntriesToFollower(peerId, followerState)
		}
		return
	}

	// log doesn't match, retry from an earlier index
	previousNextIndex := followerState.nextIndex
	nextIndex := min(
		followerState.nextIndex-1,
		appendEntriesResponse.MatchIndex+1,
		appendEntriesResponse.AppendIndex+1,
	)
	followerState.nextIndex = max(nextIndex, followerState.matchIndex+1, 1)
	rn.logger.Debug("AppendEntries rejected",
		"peer", peerId,
		"hint", appendEntriesResponse.MatchIndex,
		"peerAppendIndex", appendEntriesResponse.AppendIndex,
		"nextIndex", followerState.nextIndex,
	)
	if followerState.nextIndex == previousNextIndex {
		// nothing new to try until the next round
		return
	}
	rn.sendAppendEntriesToFollower(peerId, followerState)
}

// advanceLeaderCommitIndex commits the highest index stored on a quorum,
// provided its entry is from the current term. Older entries are committed
// only as a consequence.
func (rn *RaftNodeImpl) advanceLeaderCommitIndex() {
	members := rn.membership.CurrentMembers()
	if len(members) == 0 {
		return
	}
	matchIndexes := make([]LogIndex, 0, len(members))
	for memberId := range members {
		if memberId == rn.id {
			matchIndexes = append(matchIndexes, rn.storage.AppendIndex())
			continue
		}
		matchIndexes = append(matchIndexes, rn.followerState(memberId).matchIndex)
	}
	slices.Sort(matchIndexes)
	// highest index that at least a quorum of members has reached
	quorumIndex := matchIndexes[len(matchIndexes)-Quorum(len(matchIndexes))]
	if quorumIndex <= rn.commitIndex {
		return
	}

	term, err := rn.termAt(quorumIndex)
	if err != nil {
		rn.fail(fmt.Errorf("failed to read term at index %d: %w", quorumIndex, err))
		return
	}
	if term != rn.currentTerm {
		rn.logger.Debug("cannot commit entry from a previous term directly", "index", quorumIndex, "entryTerm", term)
		return
	}
	rn.advanceCommitIndex(quorumIndex)
}

func (rn *RaftNodeImpl) handleHeartbeat(heartbeat *Heartbeat) {
	if heartbeat.LeaderTerm < rn.currentTerm {
		rn.logger.Debug("rejecting heartbeat from a stale leader", "from", heartbeat.From, "leaderTerm", heartbeat.LeaderTerm)
		rn.rejectStale(heartbeat.From)
		return
	}
	if !rn.acceptLeader(heartbeat.From) {
		return
	}

	if heartbeat.CommitIndex <= rn.commitIndex || heartbeat.CommitIndex > rn.storage.AppendIndex() {
		return
	}
	term, err := rn.termAt(heartbeat.CommitIndex)
	if err != nil {
		rn.fail(fmt.Errorf("failed to read term at index %d: %w", heartbeat.CommitIndex, err))
		return
	}
	// a matching term at the commit index means our log matches the leader's up to it
	if term == heartbeat.CommitIndexTerm {
		rn.advanceCommitIndex(heartbeat.CommitIndex)
	}
}

func (rn *RaftNodeImpl) handleLogCompactionInfo(info *LogCompactionInfo) {
	if info.LeaderTerm < rn.currentTerm {
		rn.rejectStale(info.From)
		return
	}
	if !rn.acceptLeader(info.From) {
		return
	}
	if rn.commitIndex >= info.PrevIndex {
		// committed entries match the leader's log, so nextIndex can move past its base
		rn.sendMessage(info.From, &AppendEntriesResponse{
			From:        rn.id,
			Term:        rn.currentTerm,
			Success:     true,
			MatchIndex:  rn.commitIndex,
			AppendIndex: rn.storage.AppendIndex(),
		})
		return
	}
	rn.logger.Warn("leader compacted past this log, catch-up required",
		"leader", info.From,
		"leaderPrevIndex", info.PrevIndex,
		"commitIndex", rn.commitIndex,
	)
	if rn.cfg.OnCatchupRequired != nil {
		rn.cfg.OnCatchupRequired(info.From, info.PrevIndex)
	}
}
