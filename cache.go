package meshcache

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Forever marks an entry as live until explicitly cleared. Use it for
// expensive process-wide constants.
const Forever = time.Duration(math.MaxInt64)

// Fetcher resolves a cache miss against the backing store. ok=false means the
// backing fact does not exist; the cache records it as known absent.
// Fetchers must be safe to retry.
type Fetcher[V any] func(ctx context.Context, key string) (V, bool, error)

// BulkFetcher resolves many misses in one round-trip. Keys missing from the
// returned map are recorded as known absent.
type BulkFetcher[V any] func(ctx context.Context, keys []string) (map[string]V, error)

// ValueFetcher resolves the miss of a single-value cache.
type ValueFetcher[V any] func(ctx context.Context) (V, bool, error)

// Presence is the answer of the "maybe" accessor on broadcast-synchronized
// caches: it distinguishes a confirmed-absent fact from one never looked up.
type Presence int

const (
	PresenceUnknown Presence = iota // never fetched, or expired since
	PresenceAbsent                  // fetched; the backing store had nothing
	PresenceHit
)

type entry[V any] struct {
	value     V
	absent    bool
	expiresAt time.Time // zero => never expires
}

func (e entry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// memtable is the process-local entry map shared by every cache variant.
// An expired entry is never returned by lookup; the caller re-fetches.
type memtable[V any] struct {
	mu       sync.RWMutex
	entries  map[string]entry[V]
	clk      clock.Clock
	lifetime time.Duration
}

func newMemtable[V any](clk clock.Clock, lifetime time.Duration) (*memtable[V], error) {
	if lifetime <= 0 {
		return nil, fmt.Errorf("meshcache: lifetime must be positive (use Forever for no expiry)")
	}
	return &memtable[V]{
		entries:  make(map[string]entry[V]),
		clk:      clk,
		lifetime: lifetime,
	}, nil
}

func (m *memtable[V]) expiry() time.Time {
	if m.lifetime == Forever {
		return time.Time{}
	}
	return m.clk.Now().Add(m.lifetime)
}

func (m *memtable[V]) lookup(key string) (entry[V], bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || e.expired(m.clk.Now()) {
		return entry[V]{}, false
	}
	return e, true
}

func (m *memtable[V]) store(key string, v V) {
	m.mu.Lock()
	m.entries[key] = entry[V]{value: v, expiresAt: m.expiry()}
	m.mu.Unlock()
}

// storeAbsent records a confirmed miss so the fetcher is not retried until
// the negative entry expires.
func (m *memtable[V]) storeAbsent(key string) {
	m.mu.Lock()
	m.entries[key] = entry[V]{absent: true, expiresAt: m.expiry()}
	m.mu.Unlock()
}

func (m *memtable[V]) remove(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

func (m *memtable[V]) reset() {
	m.mu.Lock()
	m.entries = make(map[string]entry[V])
	m.mu.Unlock()
}

// purge drops only expired entries. Cheap; driven by the registry's shared
// GC timer.
func (m *memtable[V]) purge() {
	now := m.clk.Now()
	m.mu.Lock()
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
		}
	}
	m.mu.Unlock()
}

func (m *memtable[V]) presence(key string) (V, Presence) {
	var zero V
	e, ok := m.lookup(key)
	switch {
	case !ok:
		return zero, PresenceUnknown
	case e.absent:
		return zero, PresenceAbsent
	default:
		return e.value, PresenceHit
	}
}
