package raft

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Router delivers frames to the node hosting their store, for processes that
// replicate several stores over one transport endpoint.
type Router struct {
	codec  *Codec
	logger hclog.Logger

	mu    sync.RWMutex
	nodes map[StoreId]*RaftNodeImpl
}

func NewRouter(content ContentMarshal, logger hclog.Logger) *Router {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Router{
		codec:  NewCodec(content),
		logger: logger.Named("router"),
		nodes:  make(map[StoreId]*RaftNodeImpl),
	}
}

func (r *Router) Register(node *RaftNodeImpl) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.nodes[node.storeId]; exists {
		return fmt.Errorf("store %s already registered", node.storeId)
	}
	r.nodes[node.storeId] = node
	return nil
}

func (r *Router) Unregister(storeId StoreId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, storeId)
}

// Receive decodes a frame once and steps the node that hosts its store.
// A foreign store is rejected with ErrStoreIdMismatch, the connection stays usable.
func (r *Router) Receive(frame []byte) error {
	storeId, msg, err := r.codec.Decode(frame)
	if err != nil {
		if errors.Is(err, ErrPayload) {
			r.logger.Warn("dropping message with bad payload", "error", err)
		}
		return err
	}

	r.mu.RLock()
	node, exists := r.nodes[storeId]
	r.mu.RUnlock()
	if !exists {
		r.logger.Debug("no node for store", "store", storeId, "type", msg.Type(), "from", msg.Sender())
		return fmt.Errorf("%w: no node hosts store %s", ErrStoreIdMismatch, storeId)
	}
	return node.Step(msg)
}
