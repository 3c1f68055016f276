package raft

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/antithesishq/antithesis-sdk-go/random"
	"github.com/google/uuid"
)

type RaftState uint64

const (
	Follower RaftState = iota
	Candidate
	Leader
)

func (rs RaftState) String() string {
	switch rs {
	case Follower:
		return "FOLLOWER"
	case Candidate:
		return "CANDIDATE"
	case Leader:
		return "LEADER"
	default:
		return "unknown state"
	}
}

// Term is a logical election epoch, at most one leader wins each term.
type Term int64

// LogIndex is a position in the replicated log. Index 0 is the base of an empty log.
type LogIndex int64

const (
	NoPreviousTerm  Term     = 0
	NoPreviousIndex LogIndex = 0
	// used as a failed AppendEntries hint when the follower has nothing better to offer
	NoMatchHint LogIndex = -1
)

// MemberId identifies a cluster member.
type MemberId uuid.UUID

var NoMember = MemberId(uuid.Nil)

func NewMemberId() MemberId {
	return MemberId(uuid.New())
}

func ParseMemberId(s string) (MemberId, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return NoMember, fmt.Errorf("invalid member id %q: %w", s, err)
	}
	return MemberId(id), nil
}

func (m MemberId) String() string {
	return uuid.UUID(m).String()
}

func (m MemberId) IsZero() bool {
	return m == NoMember
}

// StoreId identifies the database instance a message belongs to.
type StoreId struct {
	CreationTime int64
	RandomId     int64
	UpgradeTime  int64
	UpgradeId    int64
}

func NewStoreId() StoreId {
	now := time.Now().UnixMilli()
	return StoreId{
		CreationTime: now,
		RandomId:     int64(random.GetRandom() >> 1),
		UpgradeTime:  now,
		UpgradeId:    1,
	}
}

func (s StoreId) IsZero() bool {
	return s == StoreId{}
}

func (s StoreId) String() string {
	// unsigned, so negative fields do not add a separator
	return fmt.Sprintf("%x-%x-%x-%x", uint64(s.CreationTime), uint64(s.RandomId), uint64(s.UpgradeTime), uint64(s.UpgradeId))
}

// ParseStoreId parses the format produced by StoreId.String.
func ParseStoreId(s string) (StoreId, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 4 {
		return StoreId{}, fmt.Errorf("invalid store id %q: expected 4 parts, got %d", s, len(parts))
	}
	var fields [4]int64
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 64)
		if err != nil {
			return StoreId{}, fmt.Errorf("invalid store id %q: %w", s, err)
		}
		fields[i] = int64(v)
	}
	return StoreId{
		CreationTime: fields[0],
		RandomId:     fields[1],
		UpgradeTime:  fields[2],
		UpgradeId:    fields[3],
	}, nil
}

// ReplicatedContent is the opaque payload carried by log entries.
type ReplicatedContent any

// BytesContent is the default ReplicatedContent, paired with BytesMarshal.
type BytesContent []byte

type RaftLogEntry struct {
	Term    Term
	Content ReplicatedContent
}

// FollowerState is the leader's bookkeeping for one peer.
type FollowerState struct {
	// index of next log entry to send to the peer
	nextIndex LogIndex
	// index of highest log entry known to be replicated on the peer
	matchIndex LogIndex
	// when AppendEntries or Heartbeat was last sent to the peer
	lastSent time.Time
}
