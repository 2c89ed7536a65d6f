// Package asynchook decouples hook callbacks from the hot paths that fire
// them.
//
// Wrap a real Hooks implementation to move its work onto a small worker
// pool; when the queue is full, events are dropped rather than blocking an
// emit or a flush.
//
//	raw := myMetricsHooks{}
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
package asynchook

import (
	"sync"

	"github.com/unkn0wn-root/meshcache"
)

type Hooks struct {
	inner meshcache.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ meshcache.Hooks = (*Hooks)(nil)

func New(inner meshcache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) ListenerError(typ string, err error) {
	h.try(func() { h.inner.ListenerError(typ, err) })
}

func (h *Hooks) EnvelopeDropped(ch, reason string) {
	h.try(func() { h.inner.EnvelopeDropped(ch, reason) })
}

func (h *Hooks) FlushError(queue, key string, err error) {
	h.try(func() { h.inner.FlushError(queue, key, err) })
}

func (h *Hooks) OwnershipYielded(queue, key, claimant string) {
	h.try(func() { h.inner.OwnershipYielded(queue, key, claimant) })
}

func (h *Hooks) SelfHealEntry(cache, key, reason string) {
	h.try(func() { h.inner.SelfHealEntry(cache, key, reason) })
}
