package raft

import (
	"fmt"

	"github.com/antithesishq/antithesis-sdk-go/assert"
)

func (rn *RaftNodeImpl) handleElectionTimeout() {
	switch rn.state {
	case Leader:
		// the timer is stopped on ascension, a leftover fire means nothing
		rn.logger.Debug("ignoring election timeout as leader")
	case Follower:
		rn.logger.Info("election timeout, no contact from a leader", "leader", rn.leader)
		rn.convertToCandidate()
	case Candidate:
		rn.logger.Info("election timeout without quorum, restarting election", "votes", len(rn.voteMap))
		rn.convertToCandidate()
	}
}

// convertToCandidate starts an election for the next term.
func (rn *RaftNodeImpl) convertToCandidate() {
	newTerm := rn.currentTerm + 1
	// vote for self
	if !rn.persistTermAndVote(newTerm, rn.id) {
		return
	}

	rn.state = Candidate
	rn.leader = NoMember
	rn.followersStateMap = nil
	rn.stopHeartbeats()

	// reset vote map
	rn.voteMap = map[MemberId]bool{rn.id: true}
	// a fresh random timeout spreads out competing candidates
	rn.resetElectionTimer()

	rn.logger.Info("starting election", "term", newTerm)

	if rn.hasVoteQuorum() {
		rn.ascendToLeader()
		return
	}
	rn.requestVotes()
}

func (rn *RaftNodeImpl) requestVotes() {
	lastLogIndex, lastLogTerm, ok := rn.lastLogIndexAndTerm()
	if !ok {
		return
	}
	for _, peerId := range rn.membership.CurrentMembers().Sorted() {
		if peerId == rn.id {
			continue
		}
		rn.sendMessage(peerId, &VoteRequest{
			From:         rn.id,
			Term:         rn.currentTerm,
			Candidate:    rn.id,
			LastLogIndex: lastLogIndex,
			LastLogTerm:  lastLogTerm,
		})
	}
}

// hasVoteQuorum counts granted votes from current members only.
func (rn *RaftNodeImpl) hasVoteQuorum() bool {
	members := rn.membership.CurrentMembers()
	votes := 0
	for voterId, granted := range rn.voteMap {
		if granted && members.Contains(voterId) {
			votes++
		}
	}
	return votes >= Quorum(len(members))
}

func (rn *RaftNodeImpl) handleVoteRequest(voteRequest *VoteRequest) {
	lastLogIndex, lastLogTerm, ok := rn.lastLogIndexAndTerm()
	if !ok {
		return
	}

	voteGranted := false
	switch {
	case voteRequest.Term < rn.currentTerm:
		rn.logger.Debug("vote not granted, stale term", "candidate", voteRequest.Candidate, "requestTerm", voteRequest.Term, "currentTerm", rn.currentTerm)
	case !rn.votedFor.IsZero() && rn.votedFor != voteRequest.Candidate:
		rn.logger.Debug("vote not granted, already voted", "candidate", voteRequest.Candidate, "votedFor", rn.votedFor, "term", rn.currentTerm)
	case lastLogTerm > voteRequest.LastLogTerm:
		rn.logger.Debug("vote not granted, candidate log has an older last term", "candidate", voteRequest.Candidate, "lastLogTerm", lastLogTerm, "candidateLastLogTerm", voteRequest.LastLogTerm)
	case lastLogTerm == voteRequest.LastLogTerm && lastLogIndex > voteRequest.LastLogIndex:
		rn.logger.Debug("vote not granted, candidate log is shorter", "candidate", voteRequest.Candidate, "lastLogIndex", lastLogIndex, "candidateLastLogIndex", voteRequest.LastLogIndex)
	default:
		// granting again to the same candidate is a retry, nothing new to persist
		if rn.votedFor != voteRequest.Candidate {
			if !rn.persistTermAndVote(rn.currentTerm, voteRequest.Candidate) {
				return
			}
		}
		voteGranted = true
		// give the candidate time to win before starting our own election
		rn.resetElectionTimer()
		rn.logger.Info("granted vote", "candidate", voteRequest.Candidate, "term", rn.currentTerm)
	}

	rn.sendMessage(voteRequest.From, &VoteResponse{
		From:        rn.id,
		Term:        rn.currentTerm,
		VoteGranted: voteGranted,
	})
}

func (rn *RaftNodeImpl) handleVoteResponse(voteResponse *VoteResponse) {
	if voteResponse.Term < rn.currentTerm {
		rn.logger.Debug("ignoring vote response from previous term", "from", voteResponse.From, "term", voteResponse.Term)
		return
	}
	if rn.state != Candidate {
		rn.logger.Debug("ignoring vote response, not a candidate", "from", voteResponse.From)
		return
	}
	if !voteResponse.VoteGranted {
		rn.logger.Debug("vote denied", "from", voteResponse.From)
		return
	}
	if rn.voteMap[voteResponse.From] {
		rn.logger.Debug("duplicate vote", "from", voteResponse.From)
		return
	}

	rn.logger.Debug("recording vote", "from", voteResponse.From)
	rn.voteMap[voteResponse.From] = true

	if rn.hasVoteQuorum() {
		rn.ascendToLeader()
	}
}

func (rn *RaftNodeImpl) ascendToLeader() {
	if rn.state != Candidate {
		assert.Unreachable(
			"Transition to leader from a state other than candidate",
			map[string]any{
				"state": rn.state.String(),
				"term":  rn.currentTerm,
			},
		)
		rn.fail(fmt.Errorf("%s attempted to transition to leader when not previously a candidate", rn.state))
		return
	}

	// transition to leader
	rn.state = Leader
	rn.leader = rn.id
	rn.voteMap = nil
	rn.stopElectionTimer()

	appendIndex := rn.storage.AppendIndex()
	rn.followersStateMap = make(map[MemberId]*FollowerState)
	for peerId := range rn.membership.CurrentMembers() {
		if peerId == rn.id {
			continue
		}
		rn.followersStateMap[peerId] = &FollowerState{
			nextIndex:  appendIndex + 1,
			matchIndex: 0,
		}
	}

	assert.Sometimes(true, "Leader elected", map[string]any{"term": rn.currentTerm})
	rn.logger.Info("became leader", "term", rn.currentTerm, "appendIndex", appendIndex)

	rn.startHeartbeats()
	// announce leadership right away, the responses tell us where each peer stands
	for _, peerId := range rn.membership.CurrentMembers().Sorted() {
		if peerId == rn.id {
			continue
		}
		if !rn.sendAppendEntriesToFollower(peerId, rn.followerState(peerId)) {
			return
		}
	}
	// a single member cluster commits on its own
	rn.advanceLeaderCommitIndex()
}

// stepdownDueToHigherTerm adopts term as a follower of an unknown leader. It
// is triggered by any message with a higher term, regardless of state.
func (rn *RaftNodeImpl) stepdownDueToHigherTerm(term Term) bool {
	previousState := rn.state
	previousTerm := rn.currentTerm
	if !rn.persistTermAndVote(term, NoMember) {
		return false
	}
	rn.becomeFollower(NoMember)
	rn.logger.Info("stepped down due to higher term", "previousState", previousState, "previousTerm", previousTerm, "term", term)
	return true
}

// becomeFollower drops candidate and leader bookkeeping for the current term.
func (rn *RaftNodeImpl) becomeFollower(leader MemberId) {
	if rn.state == Leader {
		rn.stopHeartbeats()
	}
	rn.state = Follower
	rn.leader = leader
	rn.voteMap = nil
	rn.followersStateMap = nil
	rn.resetElectionTimer()
}
