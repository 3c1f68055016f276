package raft

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"core-raft/network"
)

type recordingDevice struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (d *recordingDevice) Receive(frame []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames = append(d.frames, frame)
	return d.err
}

func (d *recordingDevice) received() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.frames...)
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ids := memberIds(2)
	net := network.NewPerfectNetwork(nil)
	device := &recordingDevice{}
	require.NoError(t, net.RegisterNode(ids[1].String(), device))

	codec := NewCodec(nil)
	dispatcher := NewDispatcher(net.Endpoint(ids[0].String()), codec, testStoreId, 16, nil)
	dispatcher.Start()
	defer dispatcher.Stop()

	sent := []Message{
		&VoteRequest{From: ids[0], Term: 1, Candidate: ids[0]},
		&Heartbeat{From: ids[0], LeaderTerm: 1},
		&NewEntryRequest{From: ids[0], Content: BytesContent("v")},
	}
	for _, msg := range sent {
		dispatcher.Send(ids[1], msg)
	}

	require.Eventually(t, func() bool {
		return len(device.received()) == len(sent)
	}, time.Second, time.Millisecond)

	for i, frame := range device.received() {
		storeId, msg, err := codec.Decode(frame)
		require.NoError(t, err)
		require.Equal(t, testStoreId, storeId)
		require.Equal(t, sent[i], msg)
	}
	require.Equal(t, uint64(0), dispatcher.Dropped())
	require.Equal(t, uint64(0), dispatcher.Failed())
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	ids := memberIds(2)
	dispatcher := NewDispatcher(network.NewPerfectNetwork(nil), NewCodec(nil), testStoreId, 1, nil)

	// not started, nothing drains the queue
	dispatcher.Send(ids[1], &Heartbeat{From: ids[0], LeaderTerm: 1})
	dispatcher.Send(ids[1], &Heartbeat{From: ids[0], LeaderTerm: 1})
	require.Equal(t, uint64(1), dispatcher.Dropped())

	// stopping a dispatcher that never started returns right away
	dispatcher.Stop()
}

func TestDispatcherCountsFailures(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ids := memberIds(2)
	dispatcher := NewDispatcher(network.NewPerfectNetwork(nil), NewCodec(failingMarshal{err: ErrPayload}), testStoreId, 16, nil)
	dispatcher.Start()
	defer dispatcher.Stop()

	// nobody registered under the id
	dispatcher.Send(ids[1], &Heartbeat{From: ids[0], LeaderTerm: 1})
	// content the codec cannot marshal
	dispatcher.Send(ids[1], &NewEntryRequest{From: ids[0], Content: BytesContent("v")})

	require.Eventually(t, func() bool {
		return dispatcher.Failed() == 2
	}, time.Second, time.Millisecond)
}

func TestDispatcherTracksReachability(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ids := memberIds(2)
	net := network.NewPerfectNetwork(nil)
	require.NoError(t, net.RegisterNode(ids[1].String(), &recordingDevice{}))
	table := NewStaticMembership(ids...)

	dispatcher := NewDispatcher(net.Endpoint(ids[0].String()), NewCodec(nil), testStoreId, 16, nil)
	dispatcher.TrackReachability(table)
	dispatcher.Start()
	defer dispatcher.Stop()

	net.Isolate(ids[1].String())
	dispatcher.Send(ids[1], &Heartbeat{From: ids[0], LeaderTerm: 1})
	require.Eventually(t, func() bool {
		return !table.Reachable(ids[1])
	}, time.Second, time.Millisecond)

	net.Heal()
	dispatcher.Send(ids[1], &Heartbeat{From: ids[0], LeaderTerm: 1})
	require.Eventually(t, func() bool {
		return table.Reachable(ids[1])
	}, time.Second, time.Millisecond)
}
