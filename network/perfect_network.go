package network

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
)

type link struct {
	from string
	to   string
}

// PerfectNetwork delivers every frame synchronously and in order, unless a
// node was isolated or a link was severed by a connection-fatal error.
type PerfectNetwork struct {
	nodes    map[string]NetworkDevice
	isolated map[string]bool
	severed  map[link]bool
	logger   hclog.Logger
	sync.RWMutex
}

func NewPerfectNetwork(logger hclog.Logger) *PerfectNetwork {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &PerfectNetwork{
		nodes:    make(map[string]NetworkDevice),
		isolated: make(map[string]bool),
		severed:  make(map[link]bool),
		logger:   logger.Named("perfect-network"),
	}
}

// Endpoint is the view of the network from one node, frames sent through it are attributed to from.
func (net *PerfectNetwork) Endpoint(from string) Network {
	return &endpoint{net: net, from: from}
}

func (net *PerfectNetwork) RegisterNode(id string, networkDevice NetworkDevice) error {
	net.Lock()
	defer net.Unlock()
	if _, exists := net.nodes[id]; exists {
		return fmt.Errorf("node %s already registered", id)
	}
	net.nodes[id] = networkDevice
	return nil
}

// Send delivers a frame from an anonymous sender.
func (net *PerfectNetwork) Send(id string, msg []byte) error {
	return net.deliver("", id, msg)
}

// Isolate cuts a node off from every other node until Heal.
func (net *PerfectNetwork) Isolate(id string) {
	net.Lock()
	defer net.Unlock()
	net.isolated[id] = true
	net.logger.Info("isolated node", "node", id)
}

// Heal restores every isolated node and severed link.
func (net *PerfectNetwork) Heal() {
	net.Lock()
	defer net.Unlock()
	net.isolated = make(map[string]bool)
	net.severed = make(map[link]bool)
	net.logger.Info("healed network")
}

func (net *PerfectNetwork) LinkUp(from, to string) bool {
	net.RLock()
	defer net.RUnlock()
	return !net.isolated[from] && !net.isolated[to] && !net.severed[link{from, to}]
}

func (net *PerfectNetwork) deliver(from, to string, msg []byte) error {
	net.RLock()
	device, exists := net.nodes[to]
	down := net.isolated[from] || net.isolated[to] || net.severed[link{from, to}]
	net.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownNode, to)
	}
	if down {
		return fmt.Errorf("%w: %s -> %s", ErrLinkDown, from, to)
	}

	err := device.Receive(msg)
	if err != nil && IsConnectionFatal(err) {
		net.Lock()
		net.severed[link{from, to}] = true
		net.Unlock()
		net.logger.Warn("severing link after protocol violation", "from", from, "to", to, "error", err)
	}
	return err
}

type endpoint struct {
	net  *PerfectNetwork
	from string
}

func (e *endpoint) Send(id string, msg []byte) error {
	return e.net.deliver(e.from, id, msg)
}

func (e *endpoint) RegisterNode(id string, networkDevice NetworkDevice) error {
	return e.net.RegisterNode(id, networkDevice)
}
