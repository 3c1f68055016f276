package network

import (
	"fmt"
	"sync"
	"time"

	"github.com/antithesishq/antithesis-sdk-go/random"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const messageQueueBufferSz = 1000
const messageQueueWorkerBackoffDuration = 10 * time.Millisecond

// PseudoAsyncNetwork queues frames per destination and delivers them from a
// single worker, dropping packetLoss percent of them.
type PseudoAsyncNetwork struct {
	nodes         map[string]NetworkDevice
	messageQueues map[string]chan []byte
	packetLoss    uint64
	logger        hclog.Logger

	closeOnce sync.Once
	quitCh    chan struct{}
	doneCh    chan struct{}

	sync.RWMutex
}

// packetLoss is an integer between 0-100
func NewPseudoAsyncNetwork(packetLoss int, logger hclog.Logger) (*PseudoAsyncNetwork, error) {
	if packetLoss < 0 || packetLoss > 100 {
		return nil, fmt.Errorf("bad packet loss value %d", packetLoss)
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	asyncNetwork := &PseudoAsyncNetwork{
		nodes:         make(map[string]NetworkDevice),
		messageQueues: make(map[string]chan []byte),
		packetLoss:    uint64(packetLoss),
		logger:        logger.Named("async-network"),
		quitCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go asyncNetwork.run()
	return asyncNetwork, nil
}

// message queue worker
func (net *PseudoAsyncNetwork) run() {
	defer close(net.doneCh)
	for {
		select {
		case <-net.quitCh:
			return
		default:
		}

		allQueuesEmpty := true
		for _, id := range net.nodeIds() {
			net.RLock()
			messageQueue := net.messageQueues[id]
			device := net.nodes[id]
			net.RUnlock()

			select {
			case message := <-messageQueue:
				allQueuesEmpty = false
				if random.GetRandom()%100 < net.packetLoss {
					net.logger.Trace("dropping packet", "to", id)
					continue
				}
				if err := device.Receive(message); err != nil {
					net.logger.Debug("device rejected frame", "to", id, "error", err, "fatal", IsConnectionFatal(err))
				}
			default:
			}
		}
		if allQueuesEmpty {
			select {
			case <-net.quitCh:
				return
			case <-time.After(messageQueueWorkerBackoffDuration):
			}
		}
	}
}

func (net *PseudoAsyncNetwork) nodeIds() []string {
	net.RLock()
	defer net.RUnlock()
	ids := maps.Keys(net.nodes)
	slices.Sort(ids)
	return ids
}

func (net *PseudoAsyncNetwork) Send(id string, msg []byte) error {
	select {
	case <-net.quitCh:
		return ErrClosed
	default:
	}
	net.RLock()
	messageQueue, exists := net.messageQueues[id]
	net.RUnlock()
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	select {
	case messageQueue <- msg:
		return nil
	default:
		return fmt.Errorf("%w: message queue (%s) is full", ErrQueueFull, id)
	}
}

func (net *PseudoAsyncNetwork) RegisterNode(id string, networkDevice NetworkDevice) error {
	net.Lock()
	defer net.Unlock()
	if _, exists := net.nodes[id]; exists {
		return fmt.Errorf("node %s already registered", id)
	}
	net.nodes[id] = networkDevice
	net.messageQueues[id] = make(chan []byte, messageQueueBufferSz)
	return nil
}

// Close stops the worker, frames still queued are lost.
func (net *PseudoAsyncNetwork) Close() {
	net.closeOnce.Do(func() {
		close(net.quitCh)
		<-net.doneCh
	})
}
