package raft

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// ContentMarshal converts ReplicatedContent to and from bytes. It is pluggable per deployment.
type ContentMarshal interface {
	Marshal(content ReplicatedContent) ([]byte, error)
	Unmarshal(data []byte) (ReplicatedContent, error)
}

// BytesMarshal handles BytesContent and plain []byte. Decoded content is
// always BytesContent, and empty content decodes as nil.
type BytesMarshal struct{}

func (BytesMarshal) Marshal(content ReplicatedContent) ([]byte, error) {
	switch c := content.(type) {
	case BytesContent:
		return c, nil
	case []byte:
		return c, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported content type %T", content)
	}
}

func (BytesMarshal) Unmarshal(data []byte) (ReplicatedContent, error) {
	if len(data) == 0 {
		return nil, nil
	}
	return BytesContent(append([]byte(nil), data...)), nil
}

// Codec translates between wire frames and messages.
//
// Frame layout, big-endian:
//
//	storeId | type:int32 | from:member | payload
//
// The caller must hand Decode exactly one complete frame.
type Codec struct {
	content ContentMarshal
}

func NewCodec(content ContentMarshal) *Codec {
	if content == nil {
		content = BytesMarshal{}
	}
	return &Codec{content: content}
}

const (
	// smallest possible encoded entry: term + zero-length content
	minEntrySize = 8 + 4
	// no leader batches anywhere near this many entries
	maxEntriesPerFrame = 1 << 20
)

func (c *Codec) Encode(msg Message, storeId StoreId) ([]byte, error) {
	w := &frameWriter{buf: make([]byte, 0, 64)}
	w.putStoreId(storeId)
	w.putInt32(int32(msg.Type()))
	w.putMember(msg.Sender())

	switch m := msg.(type) {
	case *VoteRequest:
		w.putMember(m.Candidate)
		w.putInt64(int64(m.Term))
		w.putInt64(int64(m.LastLogIndex))
		w.putInt64(int64(m.LastLogTerm))
	case *VoteResponse:
		w.putInt64(int64(m.Term))
		w.putBool(m.VoteGranted)
	case *AppendEntriesRequest:
		w.putInt64(int64(m.Term))
		w.putInt64(int64(m.PrevLogIndex))
		w.putInt64(int64(m.PrevLogTerm))
		w.putInt64(int64(m.LeaderCommit))
		w.putInt64(int64(len(m.Entries)))
		for _, entry := range m.Entries {
			w.putInt64(int64(entry.Term))
			if err := c.putContent(w, m.Type(), entry.Content); err != nil {
				return nil, err
			}
		}
	case *AppendEntriesResponse:
		w.putInt64(int64(m.Term))
		w.putBool(m.Success)
		w.putInt64(int64(m.MatchIndex))
		w.putInt64(int64(m.AppendIndex))
	case *NewEntryRequest:
		if err := c.putContent(w, m.Type(), m.Content); err != nil {
			return nil, err
		}
	case *Heartbeat:
		w.putInt64(int64(m.LeaderTerm))
		w.putInt64(int64(m.CommitIndexTerm))
		w.putInt64(int64(m.CommitIndex))
	case *LogCompactionInfo:
		w.putInt64(int64(m.LeaderTerm))
		w.putInt64(int64(m.PrevIndex))
	default:
		return nil, fmt.Errorf("cannot encode message of type %T", msg)
	}
	return w.buf, nil
}

func (c *Codec) putContent(w *frameWriter, mt MessageType, content ReplicatedContent) error {
	data, err := c.content.Marshal(content)
	if err != nil {
		return &PayloadError{MessageType: mt, Err: err}
	}
	if len(data) > math.MaxInt32 {
		return &PayloadError{MessageType: mt, Err: fmt.Errorf("content too large: %d bytes", len(data))}
	}
	w.putInt32(int32(len(data)))
	w.buf = append(w.buf, data...)
	return nil
}

// Decode parses one complete frame. Errors are classified as:
// ErrIncompleteFrame (buffer more), *ProtocolError (close the connection)
// or *PayloadError (drop this message only).
func (c *Codec) Decode(frame []byte) (StoreId, Message, error) {
	r := &frameReader{buf: frame}

	storeId, err := r.getStoreId()
	if err != nil {
		return StoreId{}, nil, err
	}

	wireType, err := r.getInt32()
	if err != nil {
		return StoreId{}, nil, err
	}
	messageType := MessageType(wireType)
	if !messageType.Valid() {
		return StoreId{}, nil, protocolErrorf("unknown message type %d", wireType)
	}

	from, err := r.getMember()
	if err != nil {
		return StoreId{}, nil, err
	}

	msg, err := c.decodePayload(r, messageType, from)
	if err != nil {
		return StoreId{}, nil, err
	}

	if r.remaining() != 0 {
		return StoreId{}, nil, protocolErrorf("%d trailing bytes after %s", r.remaining(), messageType)
	}
	return storeId, msg, nil
}

func (c *Codec) decodePayload(r *frameReader, messageType MessageType, from MemberId) (Message, error) {
	switch messageType {
	case VoteRequestType:
		candidate, err := r.getMember()
		if err != nil {
			return nil, err
		}
		vals, err := r.getInt64s(3)
		if err != nil {
			return nil, err
		}
		return &VoteRequest{
			From:         from,
			Candidate:    candidate,
			Term:         Term(vals[0]),
			LastLogIndex: LogIndex(vals[1]),
			LastLogTerm:  Term(vals[2]),
		}, nil

	case VoteResponseType:
		term, err := r.getInt64()
		if err != nil {
			return nil, err
		}
		granted, err := r.getBool()
		if err != nil {
			return nil, err
		}
		return &VoteResponse{From: from, Term: Term(term), VoteGranted: granted}, nil

	case AppendEntriesRequestType:
		vals, err := r.getInt64s(5)
		if err != nil {
			return nil, err
		}
		count := vals[4]
		if count < 0 || count > maxEntriesPerFrame {
			return nil, protocolErrorf("impossible entry count %d", count)
		}
		req := &AppendEntriesRequest{
			From:         from,
			Term:         Term(vals[0]),
			PrevLogIndex: LogIndex(vals[1]),
			PrevLogTerm:  Term(vals[2]),
			LeaderCommit: LogIndex(vals[3]),
		}
		if count > 0 {
			// a short frame may still be arriving, size the slice by what is buffered
			req.Entries = make([]RaftLogEntry, 0, min(count, int64(r.remaining()/minEntrySize)))
		}
		for i := int64(0); i < count; i++ {
			entryTerm, err := r.getInt64()
			if err != nil {
				return nil, err
			}
			content, err := c.getContent(r, messageType)
			if err != nil {
				return nil, err
			}
			req.Entries = append(req.Entries, RaftLogEntry{Term: Term(entryTerm), Content: content})
		}
		return req, nil

	case AppendEntriesResponseType:
		term, err := r.getInt64()
		if err != nil {
			return nil, err
		}
		success, err := r.getBool()
		if err != nil {
			return nil, err
		}
		vals, err := r.getInt64s(2)
		if err != nil {
			return nil, err
		}
		return &AppendEntriesResponse{
			From:        from,
			Term:        Term(term),
			Success:     success,
			MatchIndex:  LogIndex(vals[0]),
			AppendIndex: LogIndex(vals[1]),
		}, nil

	case NewEntryRequestType:
		content, err := c.getContent(r, messageType)
		if err != nil {
			return nil, err
		}
		return &NewEntryRequest{From: from, Content: content}, nil

	case HeartbeatType:
		vals, err := r.getInt64s(3)
		if err != nil {
			return nil, err
		}
		return &Heartbeat{
			From:            from,
			LeaderTerm:      Term(vals[0]),
			CommitIndexTerm: Term(vals[1]),
			CommitIndex:     LogIndex(vals[2]),
		}, nil

	case LogCompactionInfoType:
		vals, err := r.getInt64s(2)
		if err != nil {
			return nil, err
		}
		return &LogCompactionInfo{From: from, LeaderTerm: Term(vals[0]), PrevIndex: LogIndex(vals[1])}, nil

	default:
		return nil, protocolErrorf("unknown message type %d", int32(messageType))
	}
}

func (c *Codec) getContent(r *frameReader, mt MessageType) (ReplicatedContent, error) {
	length, err := r.getInt32()
	if err != nil {
		return nil, err
	}
	if length < 0 {
		return nil, protocolErrorf("negative content length %d", length)
	}
	data, err := r.next(int(length))
	if err != nil {
		return nil, err
	}
	content, err := c.content.Unmarshal(data)
	if err != nil {
		return nil, &PayloadError{MessageType: mt, Err: err}
	}
	return content, nil
}

type frameWriter struct {
	buf []byte
}

func (w *frameWriter) putInt64(v int64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v))
}

func (w *frameWriter) putInt32(v int32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v))
}

func (w *frameWriter) putBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *frameWriter) putMember(m MemberId) {
	if m.IsZero() {
		w.buf = append(w.buf, 0)
		return
	}
	w.buf = append(w.buf, 1)
	w.buf = append(w.buf, m[:]...)
}

func (w *frameWriter) putStoreId(s StoreId) {
	if s.IsZero() {
		w.buf = append(w.buf, 0)
		return
	}
	w.buf = append(w.buf, 1)
	w.putInt64(s.CreationTime)
	w.putInt64(s.RandomId)
	w.putInt64(s.UpgradeTime)
	w.putInt64(s.UpgradeId)
}

type frameReader struct {
	buf []byte
	off int
}

func (r *frameReader) remaining() int {
	return len(r.buf) - r.off
}

func (r *frameReader) next(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrIncompleteFrame, n, r.off, r.remaining())
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *frameReader) getInt64() (int64, error) {
	b, err := r.next(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func (r *frameReader) getInt64s(n int) ([]int64, error) {
	vals := make([]int64, n)
	for i := range vals {
		v, err := r.getInt64()
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return vals, nil
}

func (r *frameReader) getInt32() (int32, error) {
	b, err := r.next(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

func (r *frameReader) getBool() (bool, error) {
	b, err := r.next(1)
	if err != nil {
		return false, err
	}
	switch b[0] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, protocolErrorf("invalid boolean byte 0x%02x at offset %d", b[0], r.off-1)
	}
}

func (r *frameReader) getPresence() (bool, error) {
	present, err := r.next(1)
	if err != nil {
		return false, err
	}
	switch present[0] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, protocolErrorf("invalid presence marker 0x%02x at offset %d", present[0], r.off-1)
	}
}

func (r *frameReader) getMember() (MemberId, error) {
	present, err := r.getPresence()
	if err != nil || !present {
		return NoMember, err
	}
	b, err := r.next(16)
	if err != nil {
		return NoMember, err
	}
	id, err := uuid.FromBytes(b)
	if err != nil {
		return NoMember, protocolErrorf("invalid member id: %s", err)
	}
	return MemberId(id), nil
}

func (r *frameReader) getStoreId() (StoreId, error) {
	present, err := r.getPresence()
	if err != nil || !present {
		return StoreId{}, err
	}
	vals, err := r.getInt64s(4)
	if err != nil {
		return StoreId{}, err
	}
	return StoreId{
		CreationTime: vals[0],
		RandomId:     vals[1],
		UpgradeTime:  vals[2],
		UpgradeId:    vals[3],
	}, nil
}
