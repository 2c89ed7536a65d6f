// Package meshcache keeps cached reads and batched writes coherent across a
// cluster of processes sharing one backing store and one broadcast channel.
//
// Components:
//   - Bus: process-wide pub/sub with cluster fan-out over a single shared
//     broadcast channel; origin tags suppress a process's own echoes.
//   - Registry: the sole factory and owner of every cache and queue in the
//     process, with one shared GC timer and one dispose path.
//   - Cache variants: local TTL-only, store-backed (local tier over a shared
//     byte Provider), and broadcast-synchronized (mutations propagate over
//     the Bus), each in single-value and keyed-map shapes.
//   - Queue: coalesces per-key deltas over a timeout window into one flush,
//     negotiating at most one owning process per key via claim/release
//     messages on the Bus.
//
// The ownership protocol is advisory, not linearizable: it tolerates brief,
// self-correcting inconsistency instead of guaranteeing strict ordering. A
// stale or duplicate claim/release is always a safe no-op.
//
// Wiring:
//
//	hub := memory.New() // or transport/redis over a shared Redis
//	bus, _ := meshcache.NewBus(meshcache.BusOptions{Transport: hub})
//	reg := meshcache.NewRegistry(meshcache.RegistryOptions{})
//	defer reg.Dispose(ctx)
//
//	users, _ := meshcache.NewSyncedKVCache[User](reg, "user", meshcache.SyncedKVOptions[User]{
//	    KVOptions: meshcache.KVOptions[User]{Lifetime: 5 * time.Minute, Fetcher: loadUser},
//	    Bus:       bus,
//	    Codec:     codec.JSON[User]{},
//	})
package meshcache
