package state

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateSnapshotAndRestore(t *testing.T) {

	n := 5
	applyCounts := []int{
		0,
		1,
		100,
		n - 1,
		n,
		n + 1,
		n + 10,
		n * 2,
	}

	for _, applyCount := range applyCounts {
		t.Run(fmt.Sprintf("applied=%d", applyCount), func(t *testing.T) {

			oldSm := NewKeepLastEntriesStateMachine("old", n, nil)

			rng := rand.New(rand.NewSource(12345))
			buffer := make([]byte, 8)

			for i := 0; i < applyCount; i++ {
				_, err := rng.Read(buffer)
				require.NoError(t, err)
				oldSm.Apply(int64(i+1), buffer)
			}

			var snapshot bytes.Buffer
			require.NoError(t, oldSm.CreateSnapshot(&snapshot))

			newSm := NewKeepLastEntriesStateMachine("new", n, nil)
			require.NoError(t, newSm.InstallSnapshot(&snapshot))

			newSmEntries, newSmOffset := newSm.GetTailEntries(n)
			oldSmEntries, oldSmOffset := oldSm.GetTailEntries(n)

			require.Equal(t, oldSmOffset, newSmOffset)
			require.Equal(t, oldSmEntries, newSmEntries)
			require.Equal(t, oldSm.Applied(), newSm.Applied())
			require.Equal(t, int64(applyCount), newSm.Applied())
		})
	}
}

func TestKeepsOnlyTail(t *testing.T) {
	sm := NewKeepLastEntriesStateMachine("sm", 3, nil)
	for i := 1; i <= 5; i++ {
		sm.Apply(int64(i), []byte{byte(i)})
	}

	entries, offset := sm.GetTailEntries(10)
	require.Equal(t, int64(3), offset)
	require.Equal(t, [][]byte{{3}, {4}, {5}}, entries)

	entries, offset = sm.GetTailEntries(2)
	require.Equal(t, int64(4), offset)
	require.Equal(t, [][]byte{{4}, {5}}, entries)
}

func TestApplyCopiesEntry(t *testing.T) {
	sm := NewKeepLastEntriesStateMachine("sm", 3, nil)
	buffer := []byte("abc")
	sm.Apply(1, buffer)
	buffer[0] = 'x'

	entries, _ := sm.GetTailEntries(1)
	require.Equal(t, []byte("abc"), entries[0])
}

func TestApplyOutOfOrderPanics(t *testing.T) {
	sm := NewKeepLastEntriesStateMachine("sm", 3, nil)
	sm.Apply(1, []byte("a"))
	require.Panics(t, func() {
		sm.Apply(3, []byte("c"))
	})
}

func TestInstallSnapshotRejectsGarbage(t *testing.T) {
	sm := NewKeepLastEntriesStateMachine("sm", 3, nil)
	require.Error(t, sm.InstallSnapshot(bytes.NewBufferString("not a snapshot")))
	require.Error(t, sm.InstallSnapshot(bytes.NewBufferString(`{"applied":1,"entries":["YQ==","Yg=="]}`)))
	require.Equal(t, int64(0), sm.Applied())
}
