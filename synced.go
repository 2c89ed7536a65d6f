package meshcache

import (
	"context"
	"encoding/json"
	"fmt"

	cod "github.com/unkn0wn-root/meshcache/codec"
)

// cacheSignal is the body of a synced cache's bus events.
// Op "set" carries the codec-encoded value so peers can refresh in place;
// "delete" and "clear" make peers drop their copies.
type cacheSignal struct {
	Op    string `json:"op"`
	Key   string `json:"key,omitempty"`
	Value []byte `json:"value,omitempty"`
}

const (
	opSet    = "set"
	opDelete = "delete"
	opClear  = "clear"
)

// SyncedKVOptions configure a broadcast-synchronized keyed cache.
type SyncedKVOptions[V any] struct {
	KVOptions[V]

	// Bus carries the invalidation/update events. Required.
	Bus *Bus
	// Codec encodes values into set events so peers refresh instead of
	// dropping. Optional; without it every local mutation makes peers drop.
	Codec cod.Codec[V]
}

// SyncedValueOptions configure a broadcast-synchronized single-value cache.
type SyncedValueOptions[V any] struct {
	ValueOptions[V]

	Bus   *Bus
	Codec cod.Codec[V]
}

// SyncedKVCache is a process-local keyed cache whose mutations propagate to
// every process over the broadcast channel, so staleness never waits on TTL.
type SyncedKVCache[V any] struct {
	*LocalKVCache[V]

	bus   *Bus
	codec cod.Codec[V]
	typ   string
	sub   *Subscription
}

// NewSyncedKVCache constructs and registers a broadcast-synchronized keyed
// cache. The cache subscribes to its own event type on the bus; remote
// events refresh or drop local entries, local echoes are filtered out.
func NewSyncedKVCache[V any](r *Registry, name string, opts SyncedKVOptions[V]) (*SyncedKVCache[V], error) {
	if opts.Bus == nil {
		return nil, fmt.Errorf("meshcache: synced cache %q: bus is required", name)
	}
	kv, err := newLocalKV(r, name, opts.KVOptions)
	if err != nil {
		return nil, err
	}
	c := &SyncedKVCache[V]{
		LocalKVCache: kv,
		bus:          opts.Bus,
		codec:        opts.Codec,
		typ:          "cache." + name,
	}
	if err := r.register(c); err != nil {
		return nil, err
	}
	// the emitting process already mutated its own copy
	c.sub = c.bus.On(c.typ, c.onSignal, IgnoreLocal())
	return c, nil
}

// Set stores value locally and tells every other process, with the encoded
// value when a codec is configured so peers refresh rather than drop.
func (c *SyncedKVCache[V]) Set(ctx context.Context, key string, value V) error {
	c.mem.store(key, value)
	sig := cacheSignal{Op: opDelete, Key: key}
	if c.codec != nil {
		b, err := c.codec.Encode(value)
		if err != nil {
			return fmt.Errorf("meshcache: %q: encode update: %w", c.name, err)
		}
		sig = cacheSignal{Op: opSet, Key: key, Value: b}
	}
	return c.signal(ctx, sig)
}

// Delete drops the entry here and in every other process.
func (c *SyncedKVCache[V]) Delete(ctx context.Context, key string) error {
	c.mem.remove(key)
	return c.signal(ctx, cacheSignal{Op: opDelete, Key: key})
}

// Clear fully invalidates the cache cluster-wide.
func (c *SyncedKVCache[V]) Clear(ctx context.Context) error {
	c.mem.reset()
	return c.signal(ctx, cacheSignal{Op: opClear})
}

// Maybe distinguishes a confirmed-absent fact from one never looked up.
func (c *SyncedKVCache[V]) Maybe(key string) (V, Presence) {
	return c.mem.presence(key)
}

func (c *SyncedKVCache[V]) Dispose(ctx context.Context) error {
	c.bus.Off(c.sub)
	return c.LocalKVCache.Dispose(ctx)
}

func (c *SyncedKVCache[V]) signal(ctx context.Context, sig cacheSignal) error {
	body, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	return c.bus.Emit(ctx, c.typ, body)
}

// onSignal applies a peer's mutation to the local copy. Never re-emits; that
// would echo-storm the channel.
func (c *SyncedKVCache[V]) onSignal(_ context.Context, ev Event) error {
	var sig cacheSignal
	if err := json.Unmarshal(ev.Body, &sig); err != nil {
		return fmt.Errorf("meshcache: %q: bad cache signal: %w", c.name, err)
	}
	switch sig.Op {
	case opSet:
		if c.codec == nil || sig.Value == nil {
			c.mem.remove(sig.Key)
			return nil
		}
		v, err := c.codec.Decode(sig.Value)
		if err != nil {
			// can't refresh; dropping keeps us merely stale-free
			c.mem.remove(sig.Key)
			return fmt.Errorf("meshcache: %q: decode update: %w", c.name, err)
		}
		c.mem.store(sig.Key, v)
	case opDelete:
		c.mem.remove(sig.Key)
	case opClear:
		c.mem.reset()
	}
	return nil
}

// SyncedValueCache is the single-value shape of SyncedKVCache.
type SyncedValueCache[V any] struct {
	kv *SyncedKVCache[V]
}

// NewSyncedValueCache constructs and registers a broadcast-synchronized
// single-value cache.
func NewSyncedValueCache[V any](r *Registry, name string, opts SyncedValueOptions[V]) (*SyncedValueCache[V], error) {
	if opts.Bus == nil {
		return nil, fmt.Errorf("meshcache: synced cache %q: bus is required", name)
	}
	kv, err := newLocalKV(r, name, KVOptions[V]{
		Lifetime: opts.Lifetime,
		Fetcher:  adaptValueFetcher(opts.Fetcher),
	})
	if err != nil {
		return nil, err
	}
	inner := &SyncedKVCache[V]{
		LocalKVCache: kv,
		bus:          opts.Bus,
		codec:        opts.Codec,
		typ:          "cache." + name,
	}
	c := &SyncedValueCache[V]{kv: inner}
	if err := r.register(c); err != nil {
		return nil, err
	}
	inner.sub = inner.bus.On(inner.typ, inner.onSignal, IgnoreLocal())
	return c, nil
}

func (c *SyncedValueCache[V]) managedName() string { return c.kv.name }

func (c *SyncedValueCache[V]) Fetch(ctx context.Context) (V, error) {
	return c.kv.Fetch(ctx, valueSlot)
}

func (c *SyncedValueCache[V]) Set(ctx context.Context, value V) error {
	return c.kv.Set(ctx, valueSlot, value)
}

func (c *SyncedValueCache[V]) Delete(ctx context.Context) error {
	return c.kv.Delete(ctx, valueSlot)
}

// Maybe distinguishes a confirmed-absent value from one never looked up.
func (c *SyncedValueCache[V]) Maybe() (V, Presence) {
	return c.kv.Maybe(valueSlot)
}

func (c *SyncedValueCache[V]) Clear(ctx context.Context) error   { return c.kv.Clear(ctx) }
func (c *SyncedValueCache[V]) GC(ctx context.Context) error      { return c.kv.GC(ctx) }
func (c *SyncedValueCache[V]) Dispose(ctx context.Context) error { return c.kv.Dispose(ctx) }
