package server

import (
	"context"
	"fmt"
	"io"

	"github.com/hashicorp/go-hclog"

	"core-raft/raft"
	"core-raft/state"
)

// receiver interface
type RaftNode interface {
	Start()
	Stop()
	Propose(ctx context.Context, content raft.ReplicatedContent) (raft.ProposeResult, error)
	Status(ctx context.Context) (raft.Status, error)
	Prune(ctx context.Context, upTo raft.LogIndex) error
	Snapshot(ctx context.Context, w io.Writer) (raft.SnapshotMeta, error)
	Receive(frame []byte) error
	Err() error
}

type ServerImpl struct {
	Id string
	// raft node
	raftNode RaftNode
	// state machine
	StateMachine state.StateMachine

	logger hclog.Logger
}

func NewServer(id string, raftNode RaftNode, stateMachine state.StateMachine, logger hclog.Logger) *ServerImpl {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &ServerImpl{
		Id:           id,
		raftNode:     raftNode,
		StateMachine: stateMachine,
		logger:       logger.Named("server").With("id", id),
	}
}

func (s *ServerImpl) Propose(ctx context.Context, data []byte) (raft.ProposeResult, error) {
	return s.raftNode.Propose(ctx, raft.BytesContent(data))
}

func (s *ServerImpl) Status(ctx context.Context) (raft.Status, error) {
	return s.raftNode.Status(ctx)
}

// Err reports why the raft node halted, if it did.
func (s *ServerImpl) Err() error {
	return s.raftNode.Err()
}

func (s *ServerImpl) Start() {
	s.logger.Info("starting server")
	s.raftNode.Start()
}

func (s *ServerImpl) Stop() {
	s.logger.Info("stopping server")
	s.raftNode.Stop()
}

// Receive makes the server a network device for its raft node.
func (s *ServerImpl) Receive(frame []byte) error {
	return s.raftNode.Receive(frame)
}

// Compact writes a snapshot to w, then prunes the log up to the last entry
// the snapshot covers. It returns that index.
// If w is an io.Closer it is closed before anything is pruned.
func (s *ServerImpl) Compact(ctx context.Context, w io.Writer) (raft.LogIndex, error) {
	meta, err := s.raftNode.Snapshot(ctx, w)
	if err != nil {
		return 0, fmt.Errorf("failed to snapshot: %w", err)
	}
	if c, ok := w.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return 0, fmt.Errorf("failed to save snapshot: %w", err)
		}
	}
	if meta.Index == 0 {
		return 0, nil
	}
	if err := s.raftNode.Prune(ctx, meta.Index); err != nil {
		return 0, fmt.Errorf("failed to prune log to %d: %w", meta.Index, err)
	}
	s.logger.Info("compacted log", "prevIndex", meta.Index, "prevTerm", meta.Term)
	return meta.Index, nil
}
