package raft

import "fmt"

// MessageType ordinals are part of the wire format, never reorder them.
type MessageType int32

const (
	VoteRequestType MessageType = iota
	VoteResponseType
	AppendEntriesRequestType
	AppendEntriesResponseType
	NewEntryRequestType
	HeartbeatType
	LogCompactionInfoType

	messageTypeCount
)

func (mt MessageType) String() string {
	switch mt {
	case VoteRequestType:
		return "VOTE_REQUEST"
	case VoteResponseType:
		return "VOTE_RESPONSE"
	case AppendEntriesRequestType:
		return "APPEND_ENTRIES_REQUEST"
	case AppendEntriesResponseType:
		return "APPEND_ENTRIES_RESPONSE"
	case NewEntryRequestType:
		return "NEW_ENTRY_REQUEST"
	case HeartbeatType:
		return "HEARTBEAT"
	case LogCompactionInfoType:
		return "LOG_COMPACTION_INFO"
	default:
		return fmt.Sprintf("MessageType(%d)", int32(mt))
	}
}

func (mt MessageType) Valid() bool {
	return mt >= 0 && mt < messageTypeCount
}

// Message is one of the seven raft message variants below. The set is closed:
// isMessage keeps other packages from adding variants that the codec and the
// node would not know how to handle.
type Message interface {
	Type() MessageType
	Sender() MemberId
	isMessage()
}

type VoteRequest struct {
	From         MemberId
	Term         Term
	Candidate    MemberId
	LastLogIndex LogIndex
	LastLogTerm  Term
}

type VoteResponse struct {
	From        MemberId
	Term        Term
	VoteGranted bool
}

type AppendEntriesRequest struct {
	From         MemberId
	Term         Term
	PrevLogIndex LogIndex
	PrevLogTerm  Term
	LeaderCommit LogIndex
	Entries      []RaftLogEntry
}

type AppendEntriesResponse struct {
	From    MemberId
	Term    Term
	Success bool
	// on success, the last index known to match the leader.
	// on failure, the index the leader can safely retry after, or NoMatchHint
	MatchIndex LogIndex
	// on success equal to MatchIndex, on failure the responder's last log index
	AppendIndex LogIndex
}

type NewEntryRequest struct {
	From    MemberId
	Content ReplicatedContent
}

type Heartbeat struct {
	From            MemberId
	LeaderTerm      Term
	CommitIndex     LogIndex
	CommitIndexTerm Term
}

type LogCompactionInfo struct {
	From       MemberId
	LeaderTerm Term
	PrevIndex  LogIndex
}

func (*VoteRequest) Type() MessageType           { return VoteRequestType }
func (*VoteResponse) Type() MessageType          { return VoteResponseType }
func (*AppendEntriesRequest) Type() MessageType  { return AppendEntriesRequestType }
func (*AppendEntriesResponse) Type() MessageType { return AppendEntriesResponseType }
func (*NewEntryRequest) Type() MessageType       { return NewEntryRequestType }
func (*Heartbeat) Type() MessageType             { return HeartbeatType }
func (*LogCompactionInfo) Type() MessageType     { return LogCompactionInfoType }

func (m *VoteRequest) Sender() MemberId           { return m.From }
func (m *VoteResponse) Sender() MemberId          { return m.From }
func (m *AppendEntriesRequest) Sender() MemberId  { return m.From }
func (m *AppendEntriesResponse) Sender() MemberId { return m.From }
func (m *NewEntryRequest) Sender() MemberId       { return m.From }
func (m *Heartbeat) Sender() MemberId             { return m.From }
func (m *LogCompactionInfo) Sender() MemberId     { return m.From }

func (*VoteRequest) isMessage()           {}
func (*VoteResponse) isMessage()          {}
func (*AppendEntriesRequest) isMessage()  {}
func (*AppendEntriesResponse) isMessage() {}
func (*NewEntryRequest) isMessage()       {}
func (*Heartbeat) isMessage()             {}
func (*LogCompactionInfo) isMessage()     {}

// messageTerm returns the term carried by a message, NewEntryRequest carries none.
func messageTerm(msg Message) (Term, bool) {
	switch m := msg.(type) {
	case *VoteRequest:
		return m.Term, true
	case *VoteResponse:
		return m.Term, true
	case *AppendEntriesRequest:
		return m.Term, true
	case *AppendEntriesResponse:
		return m.Term, true
	case *Heartbeat:
		return m.LeaderTerm, true
	case *LogCompactionInfo:
		return m.LeaderTerm, true
	default:
		return 0, false
	}
}
