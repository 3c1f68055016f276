package raft

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	codec := NewCodec(nil)
	from := NewMemberId()
	candidate := NewMemberId()

	messages := []Message{
		&VoteRequest{From: from, Term: 7, Candidate: candidate, LastLogIndex: 42, LastLogTerm: 6},
		&VoteResponse{From: from, Term: 7, VoteGranted: true},
		&VoteResponse{From: from, Term: 8, VoteGranted: false},
		&AppendEntriesRequest{From: from, Term: 3, PrevLogIndex: 10, PrevLogTerm: 2, LeaderCommit: 9},
		&AppendEntriesRequest{From: from, Term: 3, PrevLogIndex: 10, PrevLogTerm: 2, LeaderCommit: 9, Entries: []RaftLogEntry{
			entry(2, "a"),
			entry(3, "bb"),
			entry(3, "ccc"),
		}},
		&AppendEntriesResponse{From: from, Term: 3, Success: true, MatchIndex: 13, AppendIndex: 13},
		&AppendEntriesResponse{From: from, Term: 4, Success: false, MatchIndex: NoMatchHint, AppendIndex: 2},
		&NewEntryRequest{From: from, Content: BytesContent("payload")},
		&Heartbeat{From: from, LeaderTerm: 5, CommitIndex: 100, CommitIndexTerm: 4},
		&LogCompactionInfo{From: from, LeaderTerm: 5, PrevIndex: 64},
		// anonymous sender
		&VoteResponse{From: NoMember, Term: 1, VoteGranted: true},
	}
	storeIds := []StoreId{
		testStoreId,
		// absent store id
		{},
	}

	for _, storeId := range storeIds {
		for _, msg := range messages {
			t.Run(msg.Type().String(), func(t *testing.T) {
				frame, err := codec.Encode(msg, storeId)
				require.NoError(t, err)

				decodedStoreId, decoded, err := codec.Decode(frame)
				require.NoError(t, err)
				require.Equal(t, storeId, decodedStoreId)
				require.Equal(t, msg, decoded)
			})
		}
	}
}

func TestCodecCanonicalForm(t *testing.T) {
	codec := NewCodec(nil)
	from := NewMemberId()

	cases := []struct {
		description string
		msg         Message
		decoded     Message
	}{
		{
			"empty entry list decodes as nil",
			&AppendEntriesRequest{From: from, Term: 1, Entries: []RaftLogEntry{}},
			&AppendEntriesRequest{From: from, Term: 1},
		},
		{
			"empty content decodes as nil",
			&NewEntryRequest{From: from, Content: BytesContent{}},
			&NewEntryRequest{From: from},
		},
		{
			"nil content",
			&NewEntryRequest{From: from},
			&NewEntryRequest{From: from},
		},
		{
			"byte slice decodes as BytesContent",
			&NewEntryRequest{From: from, Content: []byte("x")},
			&NewEntryRequest{From: from, Content: BytesContent("x")},
		},
	}

	for _, c := range cases {
		t.Run(c.description, func(t *testing.T) {
			frame, err := codec.Encode(c.msg, testStoreId)
			require.NoError(t, err)
			_, decoded, err := codec.Decode(frame)
			require.NoError(t, err)
			require.Equal(t, c.decoded, decoded)
		})
	}
}

func TestCodecTruncatedFrame(t *testing.T) {
	codec := NewCodec(nil)
	from := NewMemberId()
	messages := []Message{
		&VoteRequest{From: from, Term: 7, Candidate: from, LastLogIndex: 42, LastLogTerm: 6},
		&NewEntryRequest{From: from, Content: BytesContent("payload")},
		&Heartbeat{From: from, LeaderTerm: 5, CommitIndex: 100, CommitIndexTerm: 4},
		&AppendEntriesRequest{From: from, Term: 3, PrevLogIndex: 10, PrevLogTerm: 2, LeaderCommit: 9, Entries: []RaftLogEntry{
			entry(2, "a"),
			entry(3, "bb"),
		}},
	}

	for _, msg := range messages {
		frame, err := codec.Encode(msg, testStoreId)
		require.NoError(t, err)
		for cut := 0; cut < len(frame); cut++ {
			_, _, err := codec.Decode(frame[:cut])
			require.ErrorIs(t, err, ErrIncompleteFrame, "%s cut at %d", msg.Type(), cut)
			require.False(t, IsConnectionFatal(err))
		}
	}
}

func TestCodecProtocolViolations(t *testing.T) {
	codec := NewCodec(nil)
	from := NewMemberId()

	encode := func(msg Message) []byte {
		frame, err := codec.Encode(msg, testStoreId)
		require.NoError(t, err)
		return frame
	}

	// store id presence, four int64s, the type and the sender
	const headerSize = 1 + 32 + 4 + 1 + 16

	cases := []struct {
		description string
		frame       func() []byte
	}{
		{
			"unknown message type",
			func() []byte {
				frame := encode(&VoteResponse{From: from, Term: 1})
				frame[36] = 99
				return frame
			},
		},
		{
			"invalid presence marker",
			func() []byte {
				frame := encode(&VoteResponse{From: from, Term: 1})
				frame[0] = 7
				return frame
			},
		},
		{
			"invalid boolean",
			func() []byte {
				frame := encode(&VoteResponse{From: from, Term: 1, VoteGranted: true})
				frame[len(frame)-1] = 2
				return frame
			},
		},
		{
			"trailing bytes",
			func() []byte {
				return append(encode(&Heartbeat{From: from, LeaderTerm: 1}), 0)
			},
		},
		{
			"entry count beyond any batch",
			func() []byte {
				frame := encode(&AppendEntriesRequest{From: from, Term: 1})
				frame[headerSize+4*8+4] = 1
				return frame
			},
		},
		{
			"negative entry count",
			func() []byte {
				frame := encode(&AppendEntriesRequest{From: from, Term: 1})
				frame[headerSize+4*8] = 0xff
				return frame
			},
		},
		{
			"negative content length",
			func() []byte {
				frame := encode(&NewEntryRequest{From: from, Content: BytesContent("x")})
				frame[headerSize] = 0xff
				return frame
			},
		},
	}

	for _, c := range cases {
		t.Run(c.description, func(t *testing.T) {
			_, _, err := codec.Decode(c.frame())
			require.ErrorIs(t, err, ErrProtocol)
			require.True(t, IsConnectionFatal(err))
			var protocolErr *ProtocolError
			require.ErrorAs(t, err, &protocolErr)
		})
	}
}

type failingMarshal struct {
	err error
}

func (m failingMarshal) Marshal(ReplicatedContent) ([]byte, error) {
	return nil, m.err
}

func (m failingMarshal) Unmarshal([]byte) (ReplicatedContent, error) {
	return nil, m.err
}

func TestCodecPayloadErrors(t *testing.T) {
	marshalErr := errors.New("unknown schema")
	from := NewMemberId()
	msg := &NewEntryRequest{From: from, Content: BytesContent("x")}

	t.Run("encode", func(t *testing.T) {
		_, err := NewCodec(failingMarshal{err: marshalErr}).Encode(msg, testStoreId)
		require.ErrorIs(t, err, ErrPayload)
		require.ErrorIs(t, err, marshalErr)
	})

	t.Run("decode", func(t *testing.T) {
		frame, err := NewCodec(nil).Encode(msg, testStoreId)
		require.NoError(t, err)

		_, _, err = NewCodec(failingMarshal{err: marshalErr}).Decode(frame)
		require.ErrorIs(t, err, ErrPayload)
		require.ErrorIs(t, err, marshalErr)
		require.False(t, IsConnectionFatal(err))

		var payloadErr *PayloadError
		require.ErrorAs(t, err, &payloadErr)
		require.Equal(t, NewEntryRequestType, payloadErr.MessageType)
	})

	t.Run("unsupported content type", func(t *testing.T) {
		_, err := NewCodec(nil).Encode(&NewEntryRequest{From: from, Content: 42}, testStoreId)
		require.ErrorIs(t, err, ErrPayload)
	})
}
