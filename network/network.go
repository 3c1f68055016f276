package network

import (
	"errors"
)

var (
	ErrUnknownNode = errors.New("network: unknown node")
	ErrLinkDown    = errors.New("network: link down")
	ErrQueueFull   = errors.New("network: queue full")
	ErrClosed      = errors.New("network: closed")
)

// NetworkDevice consumes frames addressed to one node. An error for which
// IsConnectionFatal holds tears down the link the frame arrived on.
type NetworkDevice interface {
	Receive(msg []byte) error
}

type Network interface {
	Send(id string, msg []byte) error
	RegisterNode(id string, networkDevice NetworkDevice) error
}

// IsConnectionFatal reports whether a device rejected a frame in a way that
// makes the sending link unusable. Devices signal it with a ConnectionFatal method.
func IsConnectionFatal(err error) bool {
	var fatal interface{ ConnectionFatal() bool }
	return errors.As(err, &fatal) && fatal.ConnectionFatal()
}
