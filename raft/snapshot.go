package raft

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"core-raft/state"
)

// SnapshotMeta identifies the last entry a snapshot covers.
type SnapshotMeta struct {
	Index LogIndex
	Term  Term
}

// snapshot layout: index:int64 | term:int64 | state machine snapshot
const snapshotHeaderSize = 16

func writeSnapshotHeader(w io.Writer, meta SnapshotMeta) error {
	header := make([]byte, 0, snapshotHeaderSize)
	header = binary.BigEndian.AppendUint64(header, uint64(meta.Index))
	header = binary.BigEndian.AppendUint64(header, uint64(meta.Term))
	_, err := w.Write(header)
	return err
}

func readSnapshotHeader(r io.Reader) (SnapshotMeta, error) {
	header := make([]byte, snapshotHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return SnapshotMeta{}, fmt.Errorf("failed to read snapshot header: %w", err)
	}
	meta := SnapshotMeta{
		Index: LogIndex(binary.BigEndian.Uint64(header[:8])),
		Term:  Term(binary.BigEndian.Uint64(header[8:])),
	}
	if meta.Index < 0 || meta.Term < 0 || (meta.Index > 0 && meta.Term == 0) {
		return SnapshotMeta{}, fmt.Errorf("corrupt snapshot header: index %d, term %d", meta.Index, meta.Term)
	}
	return meta, nil
}

// Snapshot writes the state machine to w, prefixed with the index and term of
// the last applied entry. It is taken on the event loop, so nothing is
// applied while it runs.
func (rn *RaftNodeImpl) Snapshot(ctx context.Context, w io.Writer) (SnapshotMeta, error) {
	var (
		meta    SnapshotMeta
		buf     bytes.Buffer
		snapErr error
	)
	if err := rn.submit(ctx, func() {
		meta, snapErr = rn.snapshot(&buf)
	}); err != nil {
		return SnapshotMeta{}, err
	}
	if snapErr != nil {
		return SnapshotMeta{}, snapErr
	}
	if _, err := io.Copy(w, &buf); err != nil {
		return SnapshotMeta{}, fmt.Errorf("failed to write snapshot: %w", err)
	}
	return meta, nil
}

func (rn *RaftNodeImpl) snapshot(w io.Writer) (SnapshotMeta, error) {
	term, err := rn.termAt(rn.lastApplied)
	if err != nil {
		return SnapshotMeta{}, fmt.Errorf("failed to read term at index %d: %w", rn.lastApplied, err)
	}
	meta := SnapshotMeta{Index: rn.lastApplied, Term: term}
	if err := writeSnapshotHeader(w, meta); err != nil {
		return SnapshotMeta{}, err
	}
	if err := rn.stateMachine.CreateSnapshot(w); err != nil {
		return SnapshotMeta{}, fmt.Errorf("failed to snapshot state machine: %w", err)
	}
	return meta, nil
}

// RestoreSnapshot installs a snapshot written by Snapshot into sm before a
// node is created over log. If log does not hold the snapshot's last entry,
// it is discarded and restarts from the snapshot.
func RestoreSnapshot(r io.Reader, sm state.StateMachine, log RaftLog) (SnapshotMeta, error) {
	meta, err := readSnapshotHeader(r)
	if err != nil {
		return SnapshotMeta{}, err
	}
	if meta.Index < log.PrevIndex() {
		return SnapshotMeta{}, fmt.Errorf("snapshot at %d is older than the log base %d", meta.Index, log.PrevIndex())
	}
	if err := sm.InstallSnapshot(r); err != nil {
		return SnapshotMeta{}, err
	}
	if applied := LogIndex(sm.Applied()); applied != meta.Index {
		return SnapshotMeta{}, fmt.Errorf("corrupt snapshot: header at %d, state machine at %d", meta.Index, applied)
	}

	holds, err := logHolds(log, meta)
	if err != nil {
		return SnapshotMeta{}, err
	}
	if !holds {
		if err := log.ResetTo(meta.Index, meta.Term); err != nil {
			return SnapshotMeta{}, fmt.Errorf("failed to reset log to snapshot: %w", err)
		}
	}
	return meta, nil
}

// logHolds reports whether the entry at meta.Index is in log with meta.Term.
func logHolds(log RaftLog, meta SnapshotMeta) (bool, error) {
	if meta.Index == log.PrevIndex() {
		return meta.Term == log.PrevTerm(), nil
	}
	entry, err := log.EntryAt(meta.Index)
	if errors.Is(err, ErrIndexOutOfRange) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return entry.Term == meta.Term, nil
}
