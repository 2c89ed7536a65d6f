package meshcache

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	cod "github.com/unkn0wn-root/meshcache/codec"
	pr "github.com/unkn0wn-root/meshcache/provider"
)

// StoreKVOptions configure a store-backed keyed cache.
type StoreKVOptions[V any] struct {
	KVOptions[V]

	// Provider is the shared byte store behind the local tier. Required.
	Provider pr.Provider
	// Codec encodes values for the shared tier. Required.
	Codec cod.Codec[V]
	// StoreLifetime is the shared tier's TTL. 0 => Lifetime.
	StoreLifetime time.Duration
	// CloseProvider releases the provider on Dispose. Set it only when this
	// cache exclusively owns the provider; one shared across caches belongs
	// to whoever constructed it.
	CloseProvider bool
}

// StoreValueOptions configure a store-backed single-value cache.
type StoreValueOptions[V any] struct {
	ValueOptions[V]

	Provider      pr.Provider
	Codec         cod.Codec[V]
	StoreLifetime time.Duration
	CloseProvider bool
}

// StoreKVCache layers a process-local memtable over a shared byte store.
// Reads try memory, then the store, then the fetcher; hits warm the tiers
// above them. Corrupt store bytes are deleted on read, never surfaced.
type StoreKVCache[V any] struct {
	name       string
	mem        *memtable[V]
	fetch      Fetcher[V]
	bulk       BulkFetcher[V]
	sf         singleflight.Group
	store      pr.Provider
	codec      cod.Codec[V]
	storeTTL   time.Duration
	closeStore bool
	hooks      Hooks
	log        Logger
}

// NewStoreKVCache constructs and registers a store-backed keyed cache.
func NewStoreKVCache[V any](r *Registry, name string, opts StoreKVOptions[V]) (*StoreKVCache[V], error) {
	c, err := newStoreKV(r, name, opts)
	if err != nil {
		return nil, err
	}
	if err := r.register(c); err != nil {
		return nil, err
	}
	return c, nil
}

func newStoreKV[V any](r *Registry, name string, opts StoreKVOptions[V]) (*StoreKVCache[V], error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("meshcache: store cache %q: provider is required", name)
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("meshcache: store cache %q: codec is required", name)
	}
	mem, err := newMemtable[V](r.clk, opts.Lifetime)
	if err != nil {
		return nil, err
	}
	return &StoreKVCache[V]{
		name:       name,
		mem:        mem,
		fetch:      opts.Fetcher,
		bulk:       opts.BulkFetcher,
		store:      opts.Provider,
		codec:      opts.Codec,
		storeTTL:   coalesce(opts.StoreLifetime, opts.Lifetime),
		closeStore: opts.CloseProvider,
		hooks:      r.hooks,
		log:        r.log,
	}, nil
}

func (c *StoreKVCache[V]) managedName() string { return c.name }

func (c *StoreKVCache[V]) storageKey(key string) string {
	return "kv:" + c.name + ":" + key
}

// providerTTL maps Forever onto the provider's "no expiry" convention.
func (c *StoreKVCache[V]) providerTTL() time.Duration {
	if c.storeTTL == Forever {
		return 0
	}
	return c.storeTTL
}

// Fetch returns the cached value from the nearest tier, collapsing
// concurrent misses for the same key into one resolution.
func (c *StoreKVCache[V]) Fetch(ctx context.Context, key string) (V, error) {
	if e, ok := c.mem.lookup(key); ok {
		return c.unwrap(key, e)
	}
	v, err, _ := c.sf.Do(key, func() (any, error) {
		if e, ok := c.mem.lookup(key); ok {
			return c.unwrap(key, e)
		}
		if v, ok := c.fromStore(ctx, key); ok {
			c.mem.store(key, v)
			return v, nil
		}
		return c.fromFetcher(ctx, key)
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

func (c *StoreKVCache[V]) unwrap(key string, e entry[V]) (V, error) {
	if e.absent {
		var zero V
		return zero, &NotFoundError{Cache: c.name, Key: key}
	}
	return e.value, nil
}

// fromStore reads the shared tier. A store outage degrades to a plain
// fetch-through; corrupt bytes self-heal by deletion.
func (c *StoreKVCache[V]) fromStore(ctx context.Context, key string) (V, bool) {
	var zero V
	sk := c.storageKey(key)
	raw, ok, err := c.store.Get(ctx, sk)
	if err != nil {
		c.log.Warn("shared store read failed; falling through", Fields{"cache": c.name, "key": key, "err": err})
		return zero, false
	}
	if !ok {
		return zero, false
	}
	v, err := c.codec.Decode(raw)
	if err != nil {
		_ = c.store.Del(ctx, sk)
		c.hooks.SelfHealEntry(c.name, key, "value_decode")
		return zero, false
	}
	return v, true
}

func (c *StoreKVCache[V]) fromFetcher(ctx context.Context, key string) (any, error) {
	if c.fetch == nil {
		return nil, &NotFoundError{Cache: c.name, Key: key}
	}
	v, ok, err := c.fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		c.mem.storeAbsent(key)
		return nil, &NotFoundError{Cache: c.name, Key: key}
	}
	c.mem.store(key, v)
	c.warmStore(ctx, key, v)
	return v, nil
}

// warmStore seeds the shared tier best-effort; a rejected write only costs a
// future re-fetch.
func (c *StoreKVCache[V]) warmStore(ctx context.Context, key string, v V) {
	b, err := c.codec.Encode(v)
	if err != nil {
		c.log.Warn("encode for shared store failed", Fields{"cache": c.name, "key": key, "err": err})
		return
	}
	if _, err := c.store.Set(ctx, c.storageKey(key), b, c.providerTTL()); err != nil {
		c.log.Warn("shared store write failed", Fields{"cache": c.name, "key": key, "err": err})
	}
}

// FetchMany serves hits from memory, then the shared tier, then one
// bulk-fetcher call for what remains. Keys the bulk fetcher does not return
// are recorded as known absent.
func (c *StoreKVCache[V]) FetchMany(ctx context.Context, keys []string) (map[string]V, error) {
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
		case ok:
			out[k] = e.value
		default:
			missing = append(missing, k)
		}
	}

	var unresolved []string
	for _, k := range missing {
		if v, ok := c.fromStore(ctx, k); ok {
			c.mem.store(k, v)
			out[k] = v
		} else {
			unresolved = append(unresolved, k)
		}
	}
	if len(unresolved) == 0 {
		return out, nil
	}

	if c.bulk != nil {
		got, err := c.bulk(ctx, unresolved)
		if err != nil {
			return out, err
		}
		for _, k := range unresolved {
			if v, ok := got[k]; ok {
				c.mem.store(k, v)
				c.warmStore(ctx, k, v)
				out[k] = v
			} else {
				c.mem.storeAbsent(k)
			}
		}
		return out, nil
	}

	for _, k := range unresolved {
		v, err := c.Fetch(ctx, k)
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

// Set writes both tiers directly, bypassing the fetcher.
func (c *StoreKVCache[V]) Set(ctx context.Context, key string, value V) error {
	c.mem.store(key, value)
	b, err := c.codec.Encode(value)
	if err != nil {
		return fmt.Errorf("meshcache: %q: encode: %w", c.name, err)
	}
	_, err = c.store.Set(ctx, c.storageKey(key), b, c.providerTTL())
	return err
}

// Delete removes the entry from both tiers.
func (c *StoreKVCache[V]) Delete(ctx context.Context, key string) error {
	c.mem.remove(key)
	return c.store.Del(ctx, c.storageKey(key))
}

// Clear invalidates the local tier. Shared-tier entries are namespaced and
// age out on their own TTL; the Provider contract has no scan-and-delete.
func (c *StoreKVCache[V]) Clear(context.Context) error {
	c.mem.reset()
	return nil
}

// GC purges only expired local entries; the shared tier expires server-side.
func (c *StoreKVCache[V]) GC(context.Context) error {
	c.mem.purge()
	return nil
}

// Dispose drops the local tier. The provider is closed only when this cache
// owns it (CloseProvider); a shared provider outlives its caches.
func (c *StoreKVCache[V]) Dispose(ctx context.Context) error {
	c.mem.reset()
	if c.closeStore {
		return c.store.Close(ctx)
	}
	return nil
}

// StoreValueCache is the single-value shape of StoreKVCache.
type StoreValueCache[V any] struct {
	kv *StoreKVCache[V]
}

// NewStoreValueCache constructs and registers a store-backed single-value
// cache.
func NewStoreValueCache[V any](r *Registry, name string, opts StoreValueOptions[V]) (*StoreValueCache[V], error) {
	kv, err := newStoreKV(r, name, StoreKVOptions[V]{
		KVOptions: KVOptions[V]{
			Lifetime: opts.Lifetime,
			Fetcher:  adaptValueFetcher(opts.Fetcher),
		},
		Provider:      opts.Provider,
		Codec:         opts.Codec,
		StoreLifetime: opts.StoreLifetime,
		CloseProvider: opts.CloseProvider,
	})
	if err != nil {
		return nil, err
	}
	c := &StoreValueCache[V]{kv: kv}
	if err := r.register(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *StoreValueCache[V]) managedName() string { return c.kv.name }

func (c *StoreValueCache[V]) Fetch(ctx context.Context) (V, error) {
	return c.kv.Fetch(ctx, valueSlot)
}

func (c *StoreValueCache[V]) Set(ctx context.Context, value V) error {
	return c.kv.Set(ctx, valueSlot, value)
}

func (c *StoreValueCache[V]) Delete(ctx context.Context) error {
	return c.kv.Delete(ctx, valueSlot)
}

func (c *StoreValueCache[V]) Clear(ctx context.Context) error   { return c.kv.Clear(ctx) }
func (c *StoreValueCache[V]) GC(ctx context.Context) error      { return c.kv.GC(ctx) }
func (c *StoreValueCache[V]) Dispose(ctx context.Context) error { return c.kv.Dispose(ctx) }
