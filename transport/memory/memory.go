// Package memory implements transport.Transport as an in-process hub.
//
// Delivery is synchronous: Publish invokes every subscribed handler before
// returning. That makes multi-"process" tests deterministic and is good
// enough for single-process deployments where the broadcast channel is only
// a formality.
package memory

import (
	"context"
	"sync"

	tr "github.com/unkn0wn-root/meshcache/transport"
)

type Hub struct {
	mu     sync.RWMutex
	subs   map[string][]*subscription
	closed bool
}

var _ tr.Transport = (*Hub)(nil)

func New() *Hub {
	return &Hub{subs: make(map[string][]*subscription)}
}

func (h *Hub) Publish(_ context.Context, channel string, payload []byte) error {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return nil
	}
	// snapshot so handlers may subscribe/unsubscribe during delivery
	subs := make([]*subscription, len(h.subs[channel]))
	copy(subs, h.subs[channel])
	h.mu.RUnlock()

	for _, s := range subs {
		s.deliver(channel, payload)
	}
	return nil
}

func (h *Hub) Subscribe(_ context.Context, channel string, fn tr.Handler) (tr.Subscription, error) {
	s := &subscription{hub: h, channel: channel, fn: fn}
	h.mu.Lock()
	h.subs[channel] = append(h.subs[channel], s)
	h.mu.Unlock()
	return s, nil
}

func (h *Hub) Close(_ context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.subs = make(map[string][]*subscription)
	h.mu.Unlock()
	return nil
}

type subscription struct {
	hub     *Hub
	channel string
	fn      tr.Handler

	mu      sync.Mutex
	removed bool
}

func (s *subscription) deliver(channel string, payload []byte) {
	s.mu.Lock()
	removed := s.removed
	s.mu.Unlock()
	if !removed {
		s.fn(channel, payload)
	}
}

func (s *subscription) Unsubscribe(context.Context) error {
	s.mu.Lock()
	s.removed = true
	s.mu.Unlock()

	h := s.hub
	h.mu.Lock()
	list := h.subs[s.channel]
	for i, cur := range list {
		if cur == s {
			h.subs[s.channel] = append(list[:i], list[i+1:]...)
			break
		}
	}
	h.mu.Unlock()
	return nil
}
