package meshcache

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// KVOptions configure a keyed-map cache.
type KVOptions[V any] struct {
	// Lifetime is how long an entry stays fresh. Forever disables expiry.
	Lifetime time.Duration
	// Fetcher resolves misses. Optional; without it a miss is a NotFoundError
	// and the cache is fed through Set only.
	Fetcher Fetcher[V]
	// BulkFetcher batches the misses of FetchMany into one call. Optional;
	// without it FetchMany falls back to per-key fetches.
	BulkFetcher BulkFetcher[V]
}

// ValueOptions configure a single-value cache.
type ValueOptions[V any] struct {
	Lifetime time.Duration
	Fetcher  ValueFetcher[V]
}

// LocalKVCache is the plain process-local keyed cache: staleness is resolved
// only by expiry, with no cross-process signal.
type LocalKVCache[V any] struct {
	name  string
	mem   *memtable[V]
	fetch Fetcher[V]
	bulk  BulkFetcher[V]
	sf    singleflight.Group
}

// NewLocalKVCache constructs and registers a local keyed cache.
func NewLocalKVCache[V any](r *Registry, name string, opts KVOptions[V]) (*LocalKVCache[V], error) {
	c, err := newLocalKV(r, name, opts)
	if err != nil {
		return nil, err
	}
	if err := r.register(c); err != nil {
		return nil, err
	}
	return c, nil
}

func newLocalKV[V any](r *Registry, name string, opts KVOptions[V]) (*LocalKVCache[V], error) {
	mem, err := newMemtable[V](r.clk, opts.Lifetime)
	if err != nil {
		return nil, err
	}
	return &LocalKVCache[V]{
		name:  name,
		mem:   mem,
		fetch: opts.Fetcher,
		bulk:  opts.BulkFetcher,
	}, nil
}

func (c *LocalKVCache[V]) managedName() string { return c.name }

// Fetch returns the unexpired cached value or resolves the miss through the
// fetcher. Concurrent misses for the same key collapse into one in-flight
// fetch; every caller receives the same resolved value.
func (c *LocalKVCache[V]) Fetch(ctx context.Context, key string) (V, error) {
	if e, ok := c.mem.lookup(key); ok {
		return c.unwrap(key, e)
	}
	return c.resolve(ctx, key)
}

func (c *LocalKVCache[V]) unwrap(key string, e entry[V]) (V, error) {
	if e.absent {
		var zero V
		return zero, &NotFoundError{Cache: c.name, Key: key}
	}
	return e.value, nil
}

func (c *LocalKVCache[V]) resolve(ctx context.Context, key string) (V, error) {
	v, err, _ := c.sf.Do(key, func() (any, error) {
		// another flight may have landed while we queued
		if e, ok := c.mem.lookup(key); ok {
			return c.unwrap(key, e)
		}
		if c.fetch == nil {
			return nil, &NotFoundError{Cache: c.name, Key: key}
		}
		val, ok, err := c.fetch(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			c.mem.storeAbsent(key)
			return nil, &NotFoundError{Cache: c.name, Key: key}
		}
		c.mem.store(key, val)
		return val, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// FetchMany returns a key→value map, batching misses into one bulk-fetcher
// call where configured. Keys the bulk fetcher does not return are recorded
// as known absent and simply omitted from the result.
func (c *LocalKVCache[V]) FetchMany(ctx context.Context, keys []string) (map[string]V, error) {
	out := make(map[string]V, len(keys))
	seen := make(map[string]struct{}, len(keys))
	var missing []string
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		e, ok := c.mem.lookup(k)
		switch {
		case ok && e.absent:
			// known absent; skip without re-fetching
		case ok:
			out[k] = e.value
		default:
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	if c.bulk != nil {
		got, err := c.bulk(ctx, missing)
		if err != nil {
			return out, err
		}
		for _, k := range missing {
			if v, ok := got[k]; ok {
				c.mem.store(k, v)
				out[k] = v
			} else {
				c.mem.storeAbsent(k)
			}
		}
		return out, nil
	}

	for _, k := range missing {
		v, err := c.resolve(ctx, k)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return out, err
		}
		out[k] = v
	}
	return out, nil
}

// Set stores value directly, bypassing the fetcher.
func (c *LocalKVCache[V]) Set(key string, value V) { c.mem.store(key, value) }

// Delete drops one entry.
func (c *LocalKVCache[V]) Delete(key string) { c.mem.remove(key) }

// Clear fully invalidates the cache.
func (c *LocalKVCache[V]) Clear(context.Context) error {
	c.mem.reset()
	return nil
}

// GC purges only expired entries.
func (c *LocalKVCache[V]) GC(context.Context) error {
	c.mem.purge()
	return nil
}

func (c *LocalKVCache[V]) Dispose(context.Context) error {
	c.mem.reset()
	return nil
}

// LocalValueCache is the single-value shape of LocalKVCache: one slot, same
// fetch/expiry contract.
type LocalValueCache[V any] struct {
	kv *LocalKVCache[V]
}

// valueSlot is the fixed key backing single-value caches.
const valueSlot = "@"

// NewLocalValueCache constructs and registers a local single-value cache.
func NewLocalValueCache[V any](r *Registry, name string, opts ValueOptions[V]) (*LocalValueCache[V], error) {
	kv, err := newLocalKV(r, name, KVOptions[V]{
		Lifetime: opts.Lifetime,
		Fetcher:  adaptValueFetcher(opts.Fetcher),
	})
	if err != nil {
		return nil, err
	}
	c := &LocalValueCache[V]{kv: kv}
	if err := r.register(c); err != nil {
		return nil, err
	}
	return c, nil
}

func adaptValueFetcher[V any](f ValueFetcher[V]) Fetcher[V] {
	if f == nil {
		return nil
	}
	return func(ctx context.Context, _ string) (V, bool, error) { return f(ctx) }
}

func (c *LocalValueCache[V]) managedName() string { return c.kv.name }

func (c *LocalValueCache[V]) Fetch(ctx context.Context) (V, error) {
	return c.kv.Fetch(ctx, valueSlot)
}

func (c *LocalValueCache[V]) Set(value V) { c.kv.Set(valueSlot, value) }
func (c *LocalValueCache[V]) Delete()     { c.kv.Delete(valueSlot) }

func (c *LocalValueCache[V]) Clear(ctx context.Context) error   { return c.kv.Clear(ctx) }
func (c *LocalValueCache[V]) GC(ctx context.Context) error      { return c.kv.GC(ctx) }
func (c *LocalValueCache[V]) Dispose(ctx context.Context) error { return c.kv.Dispose(ctx) }
