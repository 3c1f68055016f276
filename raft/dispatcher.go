package raft

import (
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"core-raft/network"
)

type outboundMessage struct {
	to  MemberId
	msg Message
}

// Dispatcher encodes outgoing messages and hands them to the network on its
// own goroutine. Send never blocks: when the queue is full the message is
// dropped and the next replication round sends it again.
type Dispatcher struct {
	network network.Network
	codec   *Codec
	storeId StoreId
	logger  hclog.Logger
	// optional, told about every send outcome
	reachability ReachabilityTracker

	queue chan outboundMessage

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	quitCh    chan struct{}
	doneCh    chan struct{}

	dropped atomic.Uint64
	failed  atomic.Uint64
}

func NewDispatcher(net network.Network, codec *Codec, storeId StoreId, queueSize int, logger hclog.Logger) *Dispatcher {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Dispatcher{
		network: net,
		codec:   codec,
		storeId: storeId,
		logger:  logger.Named("dispatcher"),
		queue:   make(chan outboundMessage, queueSize),
		quitCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// TrackReachability reports send outcomes to tracker. Call it before Start.
func (d *Dispatcher) TrackReachability(tracker ReachabilityTracker) {
	d.reachability = tracker
}

func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		d.started.Store(true)
		go d.run()
	})
}

// Stop discards whatever is still queued.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.quitCh)
		if d.started.Load() {
			<-d.doneCh
		}
	})
}

func (d *Dispatcher) Send(to MemberId, msg Message) {
	select {
	case d.queue <- outboundMessage{to: to, msg: msg}:
	default:
		d.dropped.Add(1)
		d.logger.Warn("outbound queue full, dropping message", "type", msg.Type(), "to", to)
	}
}

// Dropped counts messages discarded because the queue was full.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Failed counts messages that could not be encoded or sent.
func (d *Dispatcher) Failed() uint64 {
	return d.failed.Load()
}

func (d *Dispatcher) run() {
	defer close(d.doneCh)
	for {
		select {
		case <-d.quitCh:
			return
		case out := <-d.queue:
			d.deliver(out)
		}
	}
}

func (d *Dispatcher) deliver(out outboundMessage) {
	frame, err := d.codec.Encode(out.msg, d.storeId)
	if err != nil {
		d.failed.Add(1)
		d.logger.Error("failed to encode message", "type", out.msg.Type(), "to", out.to, "error", err)
		return
	}
	if err := d.network.Send(out.to.String(), frame); err != nil {
		// peers are retried by the next replication or election round
		d.failed.Add(1)
		d.logger.Debug("failed to send message", "type", out.msg.Type(), "to", out.to, "error", err)
		d.markReachable(out.to, false)
		return
	}
	d.markReachable(out.to, true)
}

func (d *Dispatcher) markReachable(id MemberId, reachable bool) {
	if d.reachability != nil {
		d.reachability.MarkReachable(id, reachable)
	}
}
