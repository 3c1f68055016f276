package checks

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ServerStateSnapshot is the tail of a replica's applied entries, Entries[0] was applied at Offset.
type ServerStateSnapshot struct {
	Entries [][]byte
	Offset  int64
}

func (s ServerStateSnapshot) lastIndex() int64 {
	return s.Offset + int64(len(s.Entries)) - 1
}

// ServersConsistencyCheck verifies replicas applied the same entries at the
// same indexes, over the last n indexes applied anywhere. A replica that
// applied nothing in that window is lagging.
func ServersConsistencyCheck(serverSnapshotMap map[string]ServerStateSnapshot, n int) error {
	maxIndex := int64(-1)
	for _, serverSnap := range serverSnapshotMap {
		maxIndex = max(serverSnap.lastIndex(), maxIndex)
	}
	minIndex := maxIndex - int64(n)

	for _, serverId := range sortedKeys(serverSnapshotMap) {
		if serverSnapshotMap[serverId].lastIndex() < minIndex {
			return fmt.Errorf("server %s is lagging, applied up to %d, window starts at %d", serverId, serverSnapshotMap[serverId].lastIndex(), minIndex)
		}
	}

	for i := minIndex; i <= maxIndex; i++ {
		var comparisonEntry []byte
		var comparisonServer string
		for _, serverId := range sortedKeys(serverSnapshotMap) {
			serverSnap := serverSnapshotMap[serverId]
			if i < serverSnap.Offset || i > serverSnap.lastIndex() {
				continue
			}
			targetEntry := serverSnap.Entries[i-serverSnap.Offset]
			if comparisonServer == "" {
				comparisonEntry = targetEntry
				comparisonServer = serverId
			} else if !bytes.Equal(targetEntry, comparisonEntry) {
				return fmt.Errorf(
					"entry mismatch at index %d, expected (%s) %s, got (%s) %s",
					i,
					comparisonServer,
					base64.StdEncoding.EncodeToString(comparisonEntry),
					serverId,
					base64.StdEncoding.EncodeToString(targetEntry),
				)
			}
		}
	}

	return nil
}

// LeaderObservation records that Leader believed itself leader during Term.
type LeaderObservation struct {
	Term   int64
	Leader string
}

// ElectionSafety verifies at most one leader per term.
func ElectionSafety(observations []LeaderObservation) error {
	leaders := make(map[int64]string)
	for _, observation := range observations {
		leader, exists := leaders[observation.Term]
		if !exists {
			leaders[observation.Term] = observation.Leader
			continue
		}
		if leader != observation.Leader {
			return fmt.Errorf("two leaders in term %d: %s and %s", observation.Term, leader, observation.Leader)
		}
	}
	return nil
}

type LogEntry struct {
	Term int64
	Data []byte
}

// ReplicaLog is a replica's log from Offset on, Entries[0] is at index Offset.
type ReplicaLog struct {
	Entries []LogEntry
	Offset  int64
}

// LogMatching verifies that two logs agreeing on the term at an index agree
// on every entry up to it, within the range both logs still hold.
func LogMatching(logs map[string]ReplicaLog) error {
	ids := sortedKeys(logs)
	for a := 0; a < len(ids); a++ {
		for b := a + 1; b < len(ids); b++ {
			if err := matchPair(ids[a], logs[ids[a]], ids[b], logs[ids[b]]); err != nil {
				return err
			}
		}
	}
	return nil
}

func matchPair(idA string, logA ReplicaLog, idB string, logB ReplicaLog) error {
	first := max(logA.Offset, logB.Offset)
	last := min(logA.Offset+int64(len(logA.Entries)), logB.Offset+int64(len(logB.Entries))) - 1

	// find the highest index where both logs agree on the term
	agreed := int64(-1)
	for i := last; i >= first; i-- {
		if logA.Entries[i-logA.Offset].Term == logB.Entries[i-logB.Offset].Term {
			agreed = i
			break
		}
	}
	for i := first; i <= agreed; i++ {
		entryA := logA.Entries[i-logA.Offset]
		entryB := logB.Entries[i-logB.Offset]
		if entryA.Term != entryB.Term || !bytes.Equal(entryA.Data, entryB.Data) {
			return fmt.Errorf(
				"logs of %s and %s agree on term %d at index %d but differ at index %d: (%d, %s) vs (%d, %s)",
				idA, idB,
				logA.Entries[agreed-logA.Offset].Term, agreed,
				i,
				entryA.Term, base64.StdEncoding.EncodeToString(entryA.Data),
				entryB.Term, base64.StdEncoding.EncodeToString(entryB.Data),
			)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}
