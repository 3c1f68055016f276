package raft

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/antithesishq/antithesis-sdk-go/assert"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

var (
	TermKey      = []byte("meta/term")
	VoteKey      = []byte("meta/vote")
	PrevIndexKey = []byte("meta/prevIndex")
	PrevTermKey  = []byte("meta/prevTerm")
	AppendIdxKey = []byte("meta/appendIndex")

	entryKeyPrefix = []byte("entry/")
)

// BadgerStore is a RaftLog kept in badger, either on disk or in memory.
// Log positions are cached in memory and written in the same transaction as
// the entries they describe.
type BadgerStore struct {
	db      *badger.DB
	content ContentMarshal

	mu          sync.RWMutex
	prevIndex   LogIndex
	prevTerm    Term
	appendIndex LogIndex
}

func NewDiskStore(replicaId string, baseDir string, content ContentMarshal, logger hclog.Logger) (*BadgerStore, error) {
	dbPath := filepath.Join(baseDir, replicaId)
	opts := badger.DefaultOptions(dbPath).
		WithSyncWrites(true).
		WithLogger(newBadgerLogger(logger))
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database at %s: %w", dbPath, err)
	}
	return openStore(db, content)
}

func NewInMemoryStore(content ContentMarshal, logger hclog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(newBadgerLogger(logger))
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to init memory store: %w", err)
	}
	return openStore(db, content)
}

func openStore(db *badger.DB, content ContentMarshal) (*BadgerStore, error) {
	if content == nil {
		content = BytesMarshal{}
	}
	store := &BadgerStore{
		db:      db,
		content: content,
	}
	err := db.View(func(txn *badger.Txn) error {
		var err error
		var v int64
		if v, err = getInt64(txn, PrevIndexKey); err != nil {
			return err
		}
		store.prevIndex = LogIndex(v)
		if v, err = getInt64(txn, PrevTermKey); err != nil {
			return err
		}
		store.prevTerm = Term(v)
		if v, err = getInt64(txn, AppendIdxKey); err != nil {
			return err
		}
		store.appendIndex = max(LogIndex(v), store.prevIndex)
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load log positions: %w", err)
	}
	return store, nil
}

func (store *BadgerStore) Close() error {
	return store.db.Close()
}

func (store *BadgerStore) AppendIndex() LogIndex {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return store.appendIndex
}

func (store *BadgerStore) PrevIndex() LogIndex {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return store.prevIndex
}

func (store *BadgerStore) PrevTerm() Term {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return store.prevTerm
}

func (store *BadgerStore) Append(index LogIndex, term Term, content ReplicatedContent) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if index != store.appendIndex+1 {
		return fmt.Errorf("%w: index %d after append index %d", ErrNonContiguous, index, store.appendIndex)
	}
	if term <= 0 {
		assert.Unreachable(
			"Append entry with non-positive term",
			map[string]any{
				"index": index,
				"term":  term,
			},
		)
		return fmt.Errorf("append entry with term %d at index %d", term, index)
	}

	value, err := store.encodeEntry(term, content)
	if err != nil {
		return err
	}

	if err := store.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(idxToKey(index), value); err != nil {
			return fmt.Errorf("failed to append entry at index %d: %w", index, err)
		}
		return setInt64(txn, AppendIdxKey, int64(index))
	}); err != nil {
		return fmt.Errorf("failed to append entry: %w", err)
	}
	store.appendIndex = index
	return nil
}

func (store *BadgerStore) TruncateFrom(index LogIndex) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if index <= store.prevIndex {
		assert.Unreachable(
			"Truncating compacted entries",
			map[string]any{
				"index":     index,
				"prevIndex": store.prevIndex,
			},
		)
		return fmt.Errorf("%w: cannot truncate from %d, log base is %d", ErrCompacted, index, store.prevIndex)
	}
	if index > store.appendIndex {
		return nil
	}

	// move the end first: entries past it are unreachable, and Append overwrites them
	if err := store.db.Update(func(txn *badger.Txn) error {
		return setInt64(txn, AppendIdxKey, int64(index-1))
	}); err != nil {
		return fmt.Errorf("failed to truncate: %w", err)
	}
	oldAppendIndex := store.appendIndex
	store.appendIndex = index - 1
	if err := store.deleteRange(index, oldAppendIndex); err != nil {
		return fmt.Errorf("failed to truncate: %w", err)
	}
	return nil
}

func (store *BadgerStore) EntryAt(index LogIndex) (RaftLogEntry, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	if index <= store.prevIndex {
		return RaftLogEntry{}, fmt.Errorf("%w: index %d, log base is %d", ErrCompacted, index, store.prevIndex)
	}
	if index > store.appendIndex {
		return RaftLogEntry{}, fmt.Errorf("%w: index %d, append index is %d", ErrIndexOutOfRange, index, store.appendIndex)
	}

	var entry RaftLogEntry
	err := store.db.View(func(txn *badger.Txn) error {
		var err error
		entry, err = store.readEntry(txn, index)
		return err
	})
	if err != nil {
		return RaftLogEntry{}, err
	}
	return entry, nil
}

func (store *BadgerStore) EntriesFrom(index LogIndex, limit int) ([]RaftLogEntry, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	if index <= store.prevIndex {
		return nil, fmt.Errorf("%w: index %d, log base is %d", ErrCompacted, index, store.prevIndex)
	}
	if index > store.appendIndex {
		return nil, nil
	}
	last := store.appendIndex
	if limit > 0 && index+LogIndex(limit)-1 < last {
		last = index + LogIndex(limit) - 1
	}

	entries := make([]RaftLogEntry, 0, last-index+1)
	err := store.db.View(func(txn *badger.Txn) error {
		for idx := index; idx <= last; idx++ {
			entry, err := store.readEntry(txn, idx)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get entries: %w", err)
	}
	return entries, nil
}

func (store *BadgerStore) Prune(index LogIndex) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if index <= store.prevIndex {
		return nil
	}
	if index > store.appendIndex {
		return fmt.Errorf("%w: cannot prune to %d, append index is %d", ErrIndexOutOfRange, index, store.appendIndex)
	}

	var newPrevTerm Term
	if err := store.db.View(func(txn *badger.Txn) error {
		last, err := store.readEntry(txn, index)
		if err != nil {
			return err
		}
		newPrevTerm = last.Term
		return nil
	}); err != nil {
		return fmt.Errorf("failed to prune: %w", err)
	}
	// move the base first: entries at or below it are never read again
	if err := store.setBase(index, newPrevTerm, store.appendIndex); err != nil {
		return fmt.Errorf("failed to prune: %w", err)
	}
	oldPrevIndex := store.prevIndex
	store.prevIndex = index
	store.prevTerm = newPrevTerm
	if err := store.deleteRange(oldPrevIndex+1, index); err != nil {
		return fmt.Errorf("failed to prune: %w", err)
	}
	return nil
}

func (store *BadgerStore) ResetTo(index LogIndex, term Term) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if index < store.prevIndex {
		return fmt.Errorf("%w: cannot reset to %d, log base is %d", ErrCompacted, index, store.prevIndex)
	}
	if term < 0 || (index > 0 && term <= 0) {
		return fmt.Errorf("reset log to %d with term %d", index, term)
	}
	if err := store.setBase(index, term, index); err != nil {
		return fmt.Errorf("failed to reset log: %w", err)
	}
	oldPrevIndex, oldAppendIndex := store.prevIndex, store.appendIndex
	store.prevIndex = index
	store.prevTerm = term
	store.appendIndex = index
	if err := store.deleteRange(oldPrevIndex+1, oldAppendIndex); err != nil {
		return fmt.Errorf("failed to reset log: %w", err)
	}
	return nil
}

// setBase stores the log positions in one transaction.
func (store *BadgerStore) setBase(prevIndex LogIndex, prevTerm Term, appendIndex LogIndex) error {
	return store.db.Update(func(txn *badger.Txn) error {
		if err := setInt64(txn, PrevIndexKey, int64(prevIndex)); err != nil {
			return err
		}
		if err := setInt64(txn, PrevTermKey, int64(prevTerm)); err != nil {
			return err
		}
		return setInt64(txn, AppendIdxKey, int64(appendIndex))
	})
}

// deleteRange removes the entries in [from, to]. The write batch commits in
// as many transactions as the range needs, so callers must have moved the log
// positions past the range first.
func (store *BadgerStore) deleteRange(from, to LogIndex) error {
	if from > to {
		return nil
	}
	wb := store.db.NewWriteBatch()
	defer wb.Cancel()
	for idx := from; idx <= to; idx++ {
		if err := wb.Delete(idxToKey(idx)); err != nil {
			return fmt.Errorf("failed to delete key at index %d: %w", idx, err)
		}
	}
	return wb.Flush()
}

func (store *BadgerStore) PersistTermAndVote(term Term, votedFor MemberId) error {
	if err := store.db.Update(func(txn *badger.Txn) error {
		current, err := getInt64(txn, TermKey)
		if err != nil {
			return err
		}
		if Term(current) > term {
			assert.Unreachable(
				"Attempting to decrease term",
				map[string]any{
					"currentTerm": current,
					"newTerm":     term,
				},
			)
			return fmt.Errorf("attempting to decrease term from %d to %d", current, term)
		}
		if err := setInt64(txn, TermKey, int64(term)); err != nil {
			return err
		}
		if votedFor.IsZero() {
			return txn.Set(VoteKey, []byte{})
		}
		return txn.Set(VoteKey, votedFor[:])
	}); err != nil {
		return fmt.Errorf("failed to commit term and vote: %w", err)
	}
	return nil
}

func (store *BadgerStore) LoadPersisted() (PersistedState, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	state := PersistedState{
		PrevIndex: store.prevIndex,
		PrevTerm:  store.prevTerm,
		Entries:   make([]RaftLogEntry, 0, store.appendIndex-store.prevIndex),
	}
	err := store.db.View(func(txn *badger.Txn) error {
		term, err := getInt64(txn, TermKey)
		if err != nil {
			return err
		}
		state.Term = Term(term)

		item, err := txn.Get(VoteKey)
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("failed to get vote: %w", err)
		}
		if err == nil {
			vote, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to read vote: %w", err)
			}
			if len(vote) > 0 {
				id, err := uuid.FromBytes(vote)
				if err != nil {
					return fmt.Errorf("corrupt vote: %w", err)
				}
				state.VotedFor = MemberId(id)
			}
		}

		for idx := store.prevIndex + 1; idx <= store.appendIndex; idx++ {
			entry, err := store.readEntry(txn, idx)
			if err != nil {
				return err
			}
			state.Entries = append(state.Entries, entry)
		}
		return nil
	})
	if err != nil {
		return PersistedState{}, fmt.Errorf("failed to load persisted state: %w", err)
	}
	return state, nil
}

func (store *BadgerStore) readEntry(txn *badger.Txn, index LogIndex) (RaftLogEntry, error) {
	item, err := txn.Get(idxToKey(index))
	if err != nil {
		return RaftLogEntry{}, fmt.Errorf("failed to get store entry at index %d: %w", index, err)
	}
	var entry RaftLogEntry
	if err := item.Value(func(val []byte) error {
		entry, err = store.decodeEntry(val)
		return err
	}); err != nil {
		return RaftLogEntry{}, fmt.Errorf("failed to load entry at index %d: %w", index, err)
	}
	return entry, nil
}

// entry value: term:int64 | marshaled content
func (store *BadgerStore) encodeEntry(term Term, content ReplicatedContent) ([]byte, error) {
	data, err := store.content.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entry content: %w", err)
	}
	value := make([]byte, 8, 8+len(data))
	binary.BigEndian.PutUint64(value, uint64(term))
	return append(value, data...), nil
}

func (store *BadgerStore) decodeEntry(value []byte) (RaftLogEntry, error) {
	if len(value) < 8 {
		return RaftLogEntry{}, fmt.Errorf("entry value too short: %d bytes", len(value))
	}
	// item values are only valid inside the transaction, the marshal must copy
	content, err := store.content.Unmarshal(value[8:])
	if err != nil {
		return RaftLogEntry{}, fmt.Errorf("failed to unmarshal entry content: %w", err)
	}
	return RaftLogEntry{
		Term:    Term(binary.BigEndian.Uint64(value[:8])),
		Content: content,
	}, nil
}

// big-endian keys keep entries in index order for badger iterators
func idxToKey(idx LogIndex) []byte {
	key := make([]byte, len(entryKeyPrefix)+8)
	copy(key, entryKeyPrefix)
	binary.BigEndian.PutUint64(key[len(entryKeyPrefix):], uint64(idx))
	return key
}

func getInt64(txn *badger.Txn, key []byte) (int64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		// key doesn't exist yet
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get %s: %w", key, err)
	}
	var v int64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt value for %s: %d bytes", key, len(val))
		}
		v = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return v, err
}

func setInt64(txn *badger.Txn, key []byte, v int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	if err := txn.Set(key, buf); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// badgerLogger routes badger's internal logging into hclog.
type badgerLogger struct {
	logger hclog.Logger
}

func newBadgerLogger(logger hclog.Logger) badger.Logger {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &badgerLogger{logger: logger.Named("badger")}
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Trace(fmt.Sprintf(format, args...))
}
