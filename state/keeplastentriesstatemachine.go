package state

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/antithesishq/antithesis-sdk-go/assert"
	"github.com/hashicorp/go-hclog"
)

// KeepLastEntriesStateMachine retains the most recent n applied entries.
// Replicas that applied the same log hold the same tail, which makes it a
// cheap consistency check.
type KeepLastEntriesStateMachine struct {
	Id     string
	logger hclog.Logger

	sync.RWMutex

	// state
	capacity int
	applied  int64
	// entries[i] was applied at index applied-len(entries)+1+i
	entries [][]byte
}

func NewKeepLastEntriesStateMachine(id string, n int, logger hclog.Logger) *KeepLastEntriesStateMachine {
	if n < 1 {
		n = 1
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &KeepLastEntriesStateMachine{
		Id:       id,
		logger:   logger.Named("state").With("id", id),
		capacity: n,
		entries:  make([][]byte, 0, n),
	}
}

func (sm *KeepLastEntriesStateMachine) GetId() string {
	return sm.Id
}

func (sm *KeepLastEntriesStateMachine) Applied() int64 {
	sm.RLock()
	defer sm.RUnlock()
	return sm.applied
}

func (sm *KeepLastEntriesStateMachine) Apply(index int64, entry []byte) {
	sm.Lock()
	defer sm.Unlock()

	if index != sm.applied+1 {
		assert.Unreachable(
			"Out of order apply",
			map[string]any{
				"id":      sm.Id,
				"index":   index,
				"applied": sm.applied,
			},
		)
		panic(fmt.Sprintf("state machine %s: applying index %d after %d", sm.Id, index, sm.applied))
	}

	sm.logger.Trace("applying entry", "index", index, "size", len(entry))
	if len(sm.entries) == sm.capacity {
		copy(sm.entries, sm.entries[1:])
		sm.entries = sm.entries[:len(sm.entries)-1]
	}
	sm.entries = append(sm.entries, append([]byte(nil), entry...))
	sm.applied = index
}

// GetTailEntries returns up to the last n entries and the index of the first one returned.
func (sm *KeepLastEntriesStateMachine) GetTailEntries(n int) ([][]byte, int64) {
	sm.RLock()
	defer sm.RUnlock()

	n = min(n, len(sm.entries))
	tail := make([][]byte, n)
	for i, entry := range sm.entries[len(sm.entries)-n:] {
		tail[i] = append([]byte(nil), entry...)
	}
	return tail, sm.applied - int64(n) + 1
}

type keepLastEntriesSnapshot struct {
	Capacity int      `json:"capacity"`
	Applied  int64    `json:"applied"`
	Entries  [][]byte `json:"entries"`
}

func (sm *KeepLastEntriesStateMachine) CreateSnapshot(writer io.Writer) error {
	sm.RLock()
	snapshot := keepLastEntriesSnapshot{
		Capacity: sm.capacity,
		Applied:  sm.applied,
		Entries:  sm.entries,
	}
	err := json.NewEncoder(writer).Encode(&snapshot)
	sm.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

func (sm *KeepLastEntriesStateMachine) InstallSnapshot(reader io.Reader) error {
	var snapshot keepLastEntriesSnapshot
	if err := json.NewDecoder(reader).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	if snapshot.Applied < int64(len(snapshot.Entries)) {
		return fmt.Errorf("corrupt snapshot: %d entries but only %d applied", len(snapshot.Entries), snapshot.Applied)
	}

	sm.Lock()
	defer sm.Unlock()
	entries := snapshot.Entries
	if len(entries) > sm.capacity {
		entries = entries[len(entries)-sm.capacity:]
	}
	sm.entries = make([][]byte, 0, sm.capacity)
	sm.entries = append(sm.entries, entries...)
	sm.applied = snapshot.Applied
	sm.logger.Info("installed snapshot", "applied", sm.applied, "entries", len(sm.entries))
	return nil
}
