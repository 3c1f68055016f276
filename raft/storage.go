package raft

// RaftLog is the durable state of a node: the replicated log plus term and vote.
// Every mutating call must be durable when it returns, the node acknowledges
// peers only after it does.
type RaftLog interface {
	// Append stores an entry at index, which must be AppendIndex()+1.
	Append(index LogIndex, term Term, content ReplicatedContent) error
	// TruncateFrom removes index and every entry after it.
	TruncateFrom(index LogIndex) error
	EntryAt(index LogIndex) (RaftLogEntry, error)
	// EntriesFrom returns up to limit entries starting at index.
	EntriesFrom(index LogIndex, limit int) ([]RaftLogEntry, error)

	// AppendIndex is the index of the last entry, or PrevIndex() when there are none.
	AppendIndex() LogIndex
	// PrevIndex is the log base: the last pruned index, 0 for a fresh log.
	PrevIndex() LogIndex
	PrevTerm() Term
	// Prune drops every entry up to and including index, making it the new base.
	Prune(index LogIndex) error
	// ResetTo discards the whole log and restarts it at base (index, term),
	// for a node restored from a snapshot its log does not reach.
	ResetTo(index LogIndex, term Term) error

	// PersistTermAndVote stores both together, votedFor may be NoMember.
	PersistTermAndVote(term Term, votedFor MemberId) error
	LoadPersisted() (PersistedState, error)

	Close() error
}

type PersistedState struct {
	Term      Term
	VotedFor  MemberId
	PrevIndex LogIndex
	PrevTerm  Term
	// entries after PrevIndex, Entries[0] is at PrevIndex+1
	Entries []RaftLogEntry
}

func (ps PersistedState) AppendIndex() LogIndex {
	return ps.PrevIndex + LogIndex(len(ps.Entries))
}
