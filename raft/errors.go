package raft

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocol is matched by every *ProtocolError. The connection that produced it must be closed.
	ErrProtocol = errors.New("raft: protocol violation")

	// ErrIncompleteFrame means the frame ended early, the transport should buffer more bytes.
	ErrIncompleteFrame = errors.New("raft: incomplete frame")

	// ErrPayload is matched by every *PayloadError. Only the offending message is lost.
	ErrPayload = errors.New("raft: payload marshal failure")

	// ErrStoreIdMismatch is returned when a message addresses a database this node does not host.
	ErrStoreIdMismatch = errors.New("raft: store id mismatch")

	// ErrNotLeader is returned when a write is attempted on a node that is not the leader.
	ErrNotLeader = errors.New("raft: not the leader")

	// ErrNoLeader is returned when a proposal arrives and no leader is known.
	ErrNoLeader = errors.New("raft: no known leader")

	// ErrNodeStopped is returned when an operation is attempted on a stopped node.
	ErrNodeStopped = errors.New("raft: node stopped")

	// ErrNodeHalted is returned after a persistence failure took the node out of the cluster.
	ErrNodeHalted = errors.New("raft: node halted")

	// ErrIndexOutOfRange is returned when reading past the end of the log.
	ErrIndexOutOfRange = errors.New("raft: log index out of range")

	// ErrCompacted is returned when reading an entry that was pruned.
	ErrCompacted = errors.New("raft: log index compacted")

	// ErrNonContiguous is returned when appending anywhere but right after the last entry.
	ErrNonContiguous = errors.New("raft: non-contiguous append")

	// ErrInvalidConfig is returned when configuration is invalid.
	ErrInvalidConfig = errors.New("raft: invalid configuration")
)

type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", ErrProtocol, e.Reason)
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// ConnectionFatal lets transports that cannot import this package recognize the error.
func (e *ProtocolError) ConnectionFatal() bool {
	return true
}

func protocolErrorf(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

type PayloadError struct {
	MessageType MessageType
	Err         error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("%s in %s: %s", ErrPayload, e.MessageType, e.Err)
}

func (e *PayloadError) Is(target error) bool {
	return target == ErrPayload
}

func (e *PayloadError) Unwrap() error {
	return e.Err
}

// NotLeaderError tells a client where to retry, Leader is NoMember when unknown.
type NotLeaderError struct {
	Leader MemberId
}

func (e *NotLeaderError) Error() string {
	if e.Leader.IsZero() {
		return ErrNotLeader.Error()
	}
	return fmt.Sprintf("%s, leader is %s", ErrNotLeader, e.Leader)
}

func (e *NotLeaderError) Is(target error) bool {
	return target == ErrNotLeader
}

// IsConnectionFatal reports whether the connection that delivered a frame must be torn down.
func IsConnectionFatal(err error) bool {
	return errors.Is(err, ErrProtocol)
}
