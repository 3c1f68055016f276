package raft

import (
	"sync"

	"golang.org/x/exp/slices"
)

// MembershipProvider supplies the voting members, self included. The node
// asks for a fresh snapshot every time it counts votes or replicas.
type MembershipProvider interface {
	CurrentMembers() MemberSet
}

type MemberSet map[MemberId]struct{}

func NewMemberSet(ids ...MemberId) MemberSet {
	set := make(MemberSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (s MemberSet) Contains(id MemberId) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in a stable order.
func (s MemberSet) Sorted() []MemberId {
	ids := make([]MemberId, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b MemberId) int {
		return compareMemberIds(a, b)
	})
	return ids
}

func compareMemberIds(a, b MemberId) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Quorum is the majority of n members.
func Quorum(n int) int {
	return n/2 + 1
}

// ReachabilityTracker records whether sends to a member succeed. The node
// still counts unreachable members toward quorum.
type ReachabilityTracker interface {
	MarkReachable(id MemberId, reachable bool)
	Reachable(id MemberId) bool
}

type MemberInfo struct {
	Reachable bool
}

// MembershipTable is a MembershipProvider maintained by the surrounding server.
type MembershipTable struct {
	mu      sync.RWMutex
	members map[MemberId]MemberInfo
}

func NewMembershipTable() *MembershipTable {
	return &MembershipTable{
		members: make(map[MemberId]MemberInfo),
	}
}

// NewStaticMembership builds a table from a fixed member list, all reachable.
func NewStaticMembership(ids ...MemberId) *MembershipTable {
	table := NewMembershipTable()
	for _, id := range ids {
		table.Set(id, MemberInfo{Reachable: true})
	}
	return table
}

func (t *MembershipTable) Set(id MemberId, info MemberInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.members[id] = info
}

func (t *MembershipTable) Remove(id MemberId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.members, id)
}

func (t *MembershipTable) MarkReachable(id MemberId, reachable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if info, ok := t.members[id]; ok {
		info.Reachable = reachable
		t.members[id] = info
	}
}

// Reachable is true for members never marked unreachable, unknown ones included.
func (t *MembershipTable) Reachable(id MemberId) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.members[id]
	return !ok || info.Reachable
}

func (t *MembershipTable) Get(id MemberId) (MemberInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.members[id]
	return info, ok
}

func (t *MembershipTable) CurrentMembers() MemberSet {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set := make(MemberSet, len(t.members))
	for id := range t.members {
		set[id] = struct{}{}
	}
	return set
}

func (t *MembershipTable) QuorumSize() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Quorum(len(t.members))
}
