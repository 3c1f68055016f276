package state

import "io"

// StateMachine consumes committed log entries.
type StateMachine interface {
	// index of the last applied entry, 0 before the first
	Applied() int64

	// META
	GetId() string

	// should only be called by raft layer, with consecutive indexes
	Apply(index int64, entry []byte)

	CreateSnapshot(writer io.Writer) error

	InstallSnapshot(reader io.Reader) error
}
