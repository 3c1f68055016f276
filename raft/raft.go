package raft

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antithesishq/antithesis-sdk-go/assert"
	"github.com/antithesishq/antithesis-sdk-go/random"
	"github.com/hashicorp/go-hclog"

	"core-raft/network"
	"core-raft/state"
)

// upper bound on a single blocking wait of the event loop, so Stop is noticed
const processTimeout = 100 * time.Millisecond

// Outbox accepts messages for delivery to a peer. Send must not block.
type Outbox interface {
	Send(to MemberId, msg Message)
}

type ProposeResult struct {
	// index and term the entry was appended at, set when this node is the leader
	Index LogIndex
	Term  Term
	// the proposal was handed to Leader, its outcome is not tracked here
	Forwarded bool
	Leader    MemberId
}

type Status struct {
	Id          MemberId
	StoreId     StoreId
	State       RaftState
	Term        Term
	VotedFor    MemberId
	Leader      MemberId
	CommitIndex LogIndex
	LastApplied LogIndex
	AppendIndex LogIndex
	PrevIndex   LogIndex
}

// RaftNodeImpl is one replica of one store. All raft state is owned by the
// event loop goroutine, other goroutines reach it through the inbound queues.
type RaftNodeImpl struct {
	id      MemberId
	storeId StoreId
	cfg     Config
	logger  hclog.Logger

	stateMachine state.StateMachine
	storage      RaftLog
	membership   MembershipProvider
	codec        *Codec

	outbox     Outbox
	dispatcher *Dispatcher

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	quitCh    chan struct{}
	doneCh    chan struct{}

	inboundMessages chan Message
	localRequests   chan func()

	electionTimeoutTimer    *time.Timer
	sendAppendEntriesTicker *time.Ticker

	// -- RAFT -- //
	state RaftState
	// durable, cached from storage
	currentTerm Term
	votedFor    MemberId
	// last known leader for currentTerm
	leader MemberId

	// Candidate
	voteMap map[MemberId]bool

	// Leader only
	followersStateMap map[MemberId]*FollowerState

	// All servers
	// index of highest log entry known to be committed
	commitIndex LogIndex
	// index of highest log entry applied to state machine
	lastApplied LogIndex

	haltMu  sync.Mutex
	haltErr error
}

func NewRaftNodeImpl(
	id MemberId,
	storeId StoreId,
	stateMachine state.StateMachine,
	storage RaftLog,
	membership MembershipProvider,
	net network.Network,
	cfg Config,
) (*RaftNodeImpl, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if id.IsZero() {
		return nil, fmt.Errorf("%w: node id is required", ErrInvalidConfig)
	}

	logger := cfg.logger().With("id", id.String(), "store", storeId.String())
	codec := NewCodec(cfg.contentMarshal())
	dispatcher := NewDispatcher(net, codec, storeId, cfg.OutboundQueueSize, logger)
	if tracker, ok := membership.(ReachabilityTracker); ok {
		dispatcher.TrackReachability(tracker)
	}

	rn := &RaftNodeImpl{
		id:           id,
		storeId:      storeId,
		cfg:          cfg,
		logger:       logger,
		stateMachine: stateMachine,
		storage:      storage,
		membership:   membership,
		codec:        codec,
		outbox:       dispatcher,
		dispatcher:   dispatcher,
		quitCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),

		inboundMessages: make(chan Message, cfg.InboundQueueSize),
		localRequests:   make(chan func(), cfg.InboundQueueSize),

		electionTimeoutTimer:    time.NewTimer(cfg.MaxElectionTimeout),
		sendAppendEntriesTicker: time.NewTicker(cfg.HeartbeatInterval),

		state: Follower,
	}
	rn.sendAppendEntriesTicker.Stop()

	if err := rn.loadPersistedState(); err != nil {
		return nil, err
	}
	return rn, nil
}

// loadPersistedState restores term and vote and re-derives the commit point
// from the log base and whatever the state machine already applied.
func (rn *RaftNodeImpl) loadPersistedState() error {
	persisted, err := rn.storage.LoadPersisted()
	if err != nil {
		return fmt.Errorf("failed to load persisted state: %w", err)
	}
	rn.currentTerm = persisted.Term
	rn.votedFor = persisted.VotedFor

	base := persisted.PrevIndex
	applied := LogIndex(rn.stateMachine.Applied())
	switch {
	case applied < base:
		return fmt.Errorf("state machine applied %d entries but the log starts after %d", applied, base)
	case applied > persisted.AppendIndex():
		return fmt.Errorf("state machine applied %d entries but the log ends at %d, restore snapshots with RestoreSnapshot", applied, persisted.AppendIndex())
	}
	rn.commitIndex = applied
	rn.lastApplied = applied

	rn.logger.Info("loaded persisted state",
		"term", rn.currentTerm,
		"votedFor", rn.votedFor,
		"prevIndex", base,
		"appendIndex", persisted.AppendIndex(),
		"applied", applied,
	)
	return nil
}

func (rn *RaftNodeImpl) Id() MemberId {
	return rn.id
}

func (rn *RaftNodeImpl) StoreId() StoreId {
	return rn.storeId
}

func (rn *RaftNodeImpl) Start() {
	rn.startOnce.Do(func() {
		rn.started.Store(true)
		if rn.dispatcher != nil {
			rn.dispatcher.Start()
		}
		rn.resetElectionTimer()
		go func() {
			defer close(rn.doneCh)
			for {
				select {
				case <-rn.quitCh:
					return
				default:
					rn.processOneTransistion()
					if rn.Err() != nil {
						return
					}
				}
			}
		}()
	})
}

// Stop ends the event loop and the dispatcher. The log is left open for the caller to close.
func (rn *RaftNodeImpl) Stop() {
	rn.stopOnce.Do(func() {
		close(rn.quitCh)
		if rn.started.Load() {
			<-rn.doneCh
		}
		rn.electionTimeoutTimer.Stop()
		rn.sendAppendEntriesTicker.Stop()
		if rn.dispatcher != nil {
			rn.dispatcher.Stop()
		}
	})
}

// Err reports why the node halted, nil while it is healthy.
func (rn *RaftNodeImpl) Err() error {
	rn.haltMu.Lock()
	defer rn.haltMu.Unlock()
	return rn.haltErr
}

// fail takes the node out of the cluster. Durable state can no longer be
// trusted to match what peers were told, so the node stops answering.
func (rn *RaftNodeImpl) fail(err error) {
	rn.haltMu.Lock()
	defer rn.haltMu.Unlock()
	if rn.haltErr != nil {
		return
	}
	rn.haltErr = fmt.Errorf("%w: %w", ErrNodeHalted, err)
	rn.logger.Error("halting node", "error", err)
	rn.electionTimeoutTimer.Stop()
	rn.sendAppendEntriesTicker.Stop()
}

func (rn *RaftNodeImpl) halted() bool {
	return rn.Err() != nil
}

func (rn *RaftNodeImpl) processOneTransistion() {
	rn.processOneTransistionInternal(processTimeout)
}

// processOneTransistionInternal handles at most one event, waiting up to timeout for it.
func (rn *RaftNodeImpl) processOneTransistionInternal(timeout time.Duration) {
	if rn.halted() {
		return
	}
	select {
	case <-rn.electionTimeoutTimer.C:
		rn.handleElectionTimeout()
	case <-rn.sendAppendEntriesTicker.C:
		if rn.state == Leader {
			rn.sendAppendEntries()
		}
	case msg := <-rn.inboundMessages:
		rn.handleMessage(msg)
	case request := <-rn.localRequests:
		request()
	case <-time.After(timeout):
		// nothing to do
	}
}

func (rn *RaftNodeImpl) handleMessage(msg Message) {
	from := msg.Sender()
	if from == rn.id {
		rn.logger.Warn("ignoring message from self", "type", msg.Type())
		return
	}
	if !rn.isKnownPeer(from) {
		rn.logger.Debug("ignoring message from unknown peer", "type", msg.Type(), "from", from)
		return
	}

	// any message with a higher term demotes us before it is handled
	if term, ok := messageTerm(msg); ok && term > rn.currentTerm {
		rn.logger.Debug("message with a higher term", "type", msg.Type(), "from", from, "currentTerm", rn.currentTerm, "messageTerm", term)
		if !rn.stepdownDueToHigherTerm(term) {
			return
		}
	}

	switch m := msg.(type) {
	case *VoteRequest:
		rn.handleVoteRequest(m)
	case *VoteResponse:
		rn.handleVoteResponse(m)
	case *AppendEntriesRequest:
		rn.handleAppendEntriesRequest(m)
	case *AppendEntriesResponse:
		rn.handleAppendEntriesResponse(m)
	case *NewEntryRequest:
		rn.handleNewEntryRequest(m)
	case *Heartbeat:
		rn.handleHeartbeat(m)
	case *LogCompactionInfo:
		rn.handleLogCompactionInfo(m)
	default:
		assert.Unreachable(
			"Unhandled message variant",
			map[string]any{
				"type": fmt.Sprintf("%T", msg),
			},
		)
		rn.logger.Error("unhandled message variant", "type", fmt.Sprintf("%T", msg))
	}
}

func (rn *RaftNodeImpl) isKnownPeer(peerId MemberId) bool {
	return rn.membership.CurrentMembers().Contains(peerId)
}

func (rn *RaftNodeImpl) sendMessage(to MemberId, msg Message) {
	rn.logger.Trace("sending message", "type", msg.Type(), "to", to)
	rn.outbox.Send(to, msg)
}

// Receive decodes a frame from the transport and queues it for the event loop.
// The returned error tells the transport what to do with the connection, see IsConnectionFatal.
func (rn *RaftNodeImpl) Receive(frame []byte) error {
	storeId, msg, err := rn.codec.Decode(frame)
	if err != nil {
		if errors.Is(err, ErrPayload) {
			rn.logger.Warn("dropping message with bad payload", "error", err)
		}
		return err
	}
	if storeId != rn.storeId {
		return fmt.Errorf("%w: got %s, hosting %s", ErrStoreIdMismatch, storeId, rn.storeId)
	}
	return rn.Step(msg)
}

// Step queues a decoded message. A full queue drops the message, raft retries on its own.
func (rn *RaftNodeImpl) Step(msg Message) error {
	select {
	case <-rn.quitCh:
		return ErrNodeStopped
	default:
	}
	select {
	case rn.inboundMessages <- msg:
		return nil
	default:
		rn.logger.Warn("inbound queue full, dropping message", "type", msg.Type(), "from", msg.Sender())
		return nil
	}
}

// submit runs request on the event loop and waits for it to finish.
func (rn *RaftNodeImpl) submit(ctx context.Context, request func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		request()
	}
	select {
	case rn.localRequests <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-rn.quitCh:
		return ErrNodeStopped
	case <-rn.doneCh:
		return rn.stoppedErr()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-rn.doneCh:
		return rn.stoppedErr()
	}
}

func (rn *RaftNodeImpl) stoppedErr() error {
	if err := rn.Err(); err != nil {
		return err
	}
	return ErrNodeStopped
}

// Propose submits content for replication. The leader appends it and returns its
// index, a follower hands it to the leader it knows of.
func (rn *RaftNodeImpl) Propose(ctx context.Context, content ReplicatedContent) (ProposeResult, error) {
	var (
		result    ProposeResult
		resultErr error
	)
	if err := rn.submit(ctx, func() {
		result, resultErr = rn.propose(content)
	}); err != nil {
		return ProposeResult{}, err
	}
	return result, resultErr
}

func (rn *RaftNodeImpl) propose(content ReplicatedContent) (ProposeResult, error) {
	if err := rn.Err(); err != nil {
		return ProposeResult{}, err
	}
	switch {
	case rn.state == Leader:
		index, ok := rn.appendAsLeader(content)
		if !ok {
			return ProposeResult{}, rn.Err()
		}
		return ProposeResult{Index: index, Term: rn.currentTerm, Leader: rn.id}, nil
	case rn.leader.IsZero():
		return ProposeResult{}, ErrNoLeader
	case !rn.cfg.ForwardProposals:
		return ProposeResult{}, &NotLeaderError{Leader: rn.leader}
	default:
		rn.sendMessage(rn.leader, &NewEntryRequest{From: rn.id, Content: content})
		return ProposeResult{Forwarded: true, Leader: rn.leader}, nil
	}
}

func (rn *RaftNodeImpl) Status(ctx context.Context) (Status, error) {
	var status Status
	if err := rn.submit(ctx, func() {
		status = rn.status()
	}); err != nil {
		return Status{}, err
	}
	return status, nil
}

func (rn *RaftNodeImpl) status() Status {
	return Status{
		Id:          rn.id,
		StoreId:     rn.storeId,
		State:       rn.state,
		Term:        rn.currentTerm,
		VotedFor:    rn.votedFor,
		Leader:      rn.leader,
		CommitIndex: rn.commitIndex,
		LastApplied: rn.lastApplied,
		AppendIndex: rn.storage.AppendIndex(),
		PrevIndex:   rn.storage.PrevIndex(),
	}
}

// Prune compacts the log up to upTo, which must already be applied.
func (rn *RaftNodeImpl) Prune(ctx context.Context, upTo LogIndex) error {
	var pruneErr error
	if err := rn.submit(ctx, func() {
		pruneErr = rn.prune(upTo)
	}); err != nil {
		return err
	}
	return pruneErr
}

func (rn *RaftNodeImpl) prune(upTo LogIndex) error {
	if upTo > rn.lastApplied {
		return fmt.Errorf("%w: cannot prune to %d, last applied is %d", ErrIndexOutOfRange, upTo, rn.lastApplied)
	}
	if err := rn.storage.Prune(upTo); err != nil {
		rn.fail(fmt.Errorf("failed to prune log: %w", err))
		return rn.Err()
	}
	rn.logger.Info("pruned log", "prevIndex", rn.storage.PrevIndex())
	return nil
}

// persistTermAndVote makes term and vote durable before the cached copies change.
func (rn *RaftNodeImpl) persistTermAndVote(term Term, votedFor MemberId) bool {
	if term < rn.currentTerm {
		assert.Unreachable(
			"Term decreasing",
			map[string]any{
				"currentTerm": rn.currentTerm,
				"newTerm":     term,
			},
		)
	}
	if err := rn.storage.PersistTermAndVote(term, votedFor); err != nil {
		rn.fail(fmt.Errorf("failed to persist term %d and vote %s: %w", term, votedFor, err))
		return false
	}
	rn.currentTerm = term
	rn.votedFor = votedFor
	return true
}

// termAt returns the term of the entry at index, the log base included.
func (rn *RaftNodeImpl) termAt(index LogIndex) (Term, error) {
	if index == rn.storage.PrevIndex() {
		return rn.storage.PrevTerm(), nil
	}
	entry, err := rn.storage.EntryAt(index)
	if err != nil {
		return 0, err
	}
	return entry.Term, nil
}

func (rn *RaftNodeImpl) lastLogIndexAndTerm() (LogIndex, Term, bool) {
	lastIndex := rn.storage.AppendIndex()
	lastTerm, err := rn.termAt(lastIndex)
	if err != nil {
		rn.fail(fmt.Errorf("failed to read last log entry %d: %w", lastIndex, err))
		return 0, 0, false
	}
	return lastIndex, lastTerm, true
}

func (rn *RaftNodeImpl) randomElectionTimeout() time.Duration {
	spread := uint64(rn.cfg.MaxElectionTimeout - rn.cfg.MinElectionTimeout)
	return rn.cfg.MinElectionTimeout + time.Duration(random.GetRandom()%spread)
}

func (rn *RaftNodeImpl) resetElectionTimer() {
	resetTimer(rn.electionTimeoutTimer, rn.randomElectionTimeout())
}

func (rn *RaftNodeImpl) stopElectionTimer() {
	stopTimer(rn.electionTimeoutTimer)
}

func (rn *RaftNodeImpl) startHeartbeats() {
	rn.sendAppendEntriesTicker.Reset(rn.cfg.HeartbeatInterval)
}

func (rn *RaftNodeImpl) stopHeartbeats() {
	rn.sendAppendEntriesTicker.Stop()
	// drop a tick that fired before Stop
	select {
	case <-rn.sendAppendEntriesTicker.C:
	default:
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}

// applyCommitted hands every committed but unapplied entry to the state machine, in order.
func (rn *RaftNodeImpl) applyCommitted() {
	for rn.lastApplied < rn.commitIndex {
		entries, err := rn.storage.EntriesFrom(rn.lastApplied+1, int(rn.commitIndex-rn.lastApplied))
		if err != nil {
			rn.fail(fmt.Errorf("failed to read committed entries from %d: %w", rn.lastApplied+1, err))
			return
		}
		if len(entries) == 0 {
			rn.fail(fmt.Errorf("commit index %d beyond append index %d", rn.commitIndex, rn.storage.AppendIndex()))
			return
		}
		for _, entry := range entries {
			data, err := rn.codec.content.Marshal(entry.Content)
			if err != nil {
				rn.fail(fmt.Errorf("failed to marshal entry %d for the state machine: %w", rn.lastApplied+1, err))
				return
			}
			index := rn.lastApplied + 1
			rn.logger.Trace("applying entry to state machine", "index", index, "term", entry.Term)
			rn.stateMachine.Apply(int64(index), data)
			rn.lastApplied = index
		}
	}
}

// advanceCommitIndex moves commitIndex forward to index and applies what became committed.
func (rn *RaftNodeImpl) advanceCommitIndex(index LogIndex) {
	if index <= rn.commitIndex {
		return
	}
	if appendIndex := rn.storage.AppendIndex(); index > appendIndex {
		assert.Unreachable(
			"Commit index beyond the end of the log",
			map[string]any{
				"commitIndex": index,
				"appendIndex": appendIndex,
			},
		)
		rn.fail(fmt.Errorf("commit index %d is greater than last log index %d", index, appendIndex))
		return
	}
	rn.logger.Debug("advancing commit index", "from", rn.commitIndex, "to", index)
	rn.commitIndex = index
	rn.applyCommitted()
}
