package meshcache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	cod "github.com/unkn0wn-root/meshcache/codec"
)

// Collapse merges a new enqueued value into the pending one: sum counters,
// take the max timestamp, OR booleans. It must be pure.
type Collapse[V any] func(old, new V) V

// Perform persists one coalesced value. It runs once per flush window per
// key, possibly under a concurrency limit, and must be safe to retry.
type Perform[V any] func(ctx context.Context, key string, value V) error

// queueSignal is the body of a queue's bus messages, scoped by queue name
// through the event type. Forwarded values travel codec-encoded in Value and
// are re-hydrated on the receiving side.
type queueSignal struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	To    string `json:"to,omitempty"`
	Value []byte `json:"value,omitempty"`
}

const (
	sigClaim   = "claim"
	sigRelease = "release"
	sigForward = "forward"
)

// QueueOptions configure a coalesced write queue.
type QueueOptions[V any] struct {
	// Timeout is the coalescing window: the delay between a key's first
	// enqueue and its flush. Required.
	Timeout time.Duration
	// Collapse merges values enqueued within one window. Required.
	Collapse Collapse[V]
	// Perform persists the coalesced value. Required.
	Perform Perform[V]
	// Bus carries the claim/release/forward protocol. Required.
	Bus *Bus
	// Codec moves values between processes. Required; the generic channel
	// only carries JSON-safe bytes, so Decode is what restores rich fields.
	Codec cod.Codec[V]
	// OnError observes per-key flush failures, with the coalesced value that
	// failed to persist. The queue never retries on its own; re-enqueue the
	// value to try again on a fresh window. Optional.
	OnError func(key string, value V, err error)
	// FlushConcurrency bounds simultaneous Perform calls. 0 => 4.
	FlushConcurrency int
}

// Queue coalesces per-key deltas over a timeout window into one Perform
// call, while negotiating at most one owning process per key across the
// cluster. Per key this process is UNOWNED (no state), OWNED-LOCAL (a
// pending job with a running timer), or DEFERRED (another process owns the
// key and local enqueues are forwarded to it).
//
// The protocol is advisory, not linearizable: a brief window can leave two
// processes owning a key, or none. Competing claims are resolved by origin
// order (the lower-ordered process keeps the key), so the window converges
// under message reordering and duplication; it never corrupts the merged
// value.
type Queue[V any] struct {
	name     string
	timeout  time.Duration
	collapse Collapse[V]
	perform  Perform[V]
	onError  func(key string, value V, err error)
	limit    int

	bus     *Bus
	codec   cod.Codec[V]
	clk     clock.Clock
	log     Logger
	hooks   Hooks
	limiter *semaphore.Weighted

	mu       sync.Mutex
	jobs     map[string]*coalescedJob[V]
	deferred map[string]string // key -> owner origin
	disposed bool

	typ string
	sub *Subscription
}

type coalescedJob[V any] struct {
	value V
	timer *clock.Timer
}

// NewQueue constructs and registers a coalesced write queue. name scopes its
// protocol messages; two queues with different names never interact.
func NewQueue[V any](r *Registry, name string, opts QueueOptions[V]) (*Queue[V], error) {
	switch {
	case opts.Timeout <= 0:
		return nil, fmt.Errorf("meshcache: queue %q: timeout is required", name)
	case opts.Collapse == nil:
		return nil, fmt.Errorf("meshcache: queue %q: collapse is required", name)
	case opts.Perform == nil:
		return nil, fmt.Errorf("meshcache: queue %q: perform is required", name)
	case opts.Bus == nil:
		return nil, fmt.Errorf("meshcache: queue %q: bus is required", name)
	case opts.Codec == nil:
		return nil, fmt.Errorf("meshcache: queue %q: codec is required", name)
	}

	q := &Queue[V]{
		name:     name,
		timeout:  opts.Timeout,
		collapse: opts.Collapse,
		perform:  opts.Perform,
		onError:  opts.OnError,
		limit:    coalesce(opts.FlushConcurrency, 4),
		bus:      opts.Bus,
		codec:    opts.Codec,
		clk:      r.clk,
		log:      r.log,
		hooks:    r.hooks,
		jobs:     make(map[string]*coalescedJob[V]),
		deferred: make(map[string]string),
		typ:      "queue." + name,
	}
	q.limiter = semaphore.NewWeighted(int64(q.limit))
	if err := r.register(q); err != nil {
		return nil, err
	}
	// own claims/releases were handled at emit time
	q.sub = q.bus.On(q.typ, q.onSignal, IgnoreLocal())
	return q, nil
}

func (q *Queue[V]) managedName() string { return q.name }

// Enqueue merges value into the key's pending job. The first enqueue for an
// unowned key claims it cluster-wide and starts the flush timer; enqueues
// for a key owned elsewhere are forwarded to the owner instead of queued.
func (q *Queue[V]) Enqueue(ctx context.Context, key string, value V) error {
	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		return ErrDisposed
	}
	if owner, ok := q.deferred[key]; ok {
		q.mu.Unlock()
		return q.forward(ctx, key, value, owner)
	}
	if j, ok := q.jobs[key]; ok {
		j.value = q.collapse(j.value, value)
		q.mu.Unlock()
		return nil
	}
	j := &coalescedJob[V]{value: value}
	q.jobs[key] = j
	j.timer = q.clk.AfterFunc(q.timeout, func() {
		q.flush(context.Background(), key)
	})
	q.mu.Unlock()

	return q.signal(ctx, queueSignal{Op: sigClaim, Key: key})
}

// Delete cancels the key's pending job without flushing and releases the
// key. No-op when this process does not own the key.
func (q *Queue[V]) Delete(ctx context.Context, key string) error {
	q.mu.Lock()
	j, owned := q.jobs[key]
	if owned {
		j.timer.Stop()
		delete(q.jobs, key)
	}
	q.mu.Unlock()
	if !owned {
		return nil
	}
	return q.signal(ctx, queueSignal{Op: sigRelease, Key: key})
}

// flush is the timer path: take the job out of the pending map first (a
// failed perform must never reprocess stale in-memory state), release the
// key, then persist.
func (q *Queue[V]) flush(ctx context.Context, key string) {
	q.mu.Lock()
	j, ok := q.jobs[key]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.jobs, key)
	q.mu.Unlock()

	if err := q.signal(ctx, queueSignal{Op: sigRelease, Key: key}); err != nil {
		q.log.Warn("release broadcast failed", Fields{"queue": q.name, "key": key, "err": err})
	}

	if err := q.limiter.Acquire(ctx, 1); err != nil {
		q.fail(key, j.value, err)
		return
	}
	err := q.perform(ctx, key, j.value)
	q.limiter.Release(1)
	if err != nil {
		q.fail(key, j.value, err)
	}
}

func (q *Queue[V]) fail(key string, value V, err error) {
	q.hooks.FlushError(q.name, key, err)
	q.log.Error("flush failed", Fields{"queue": q.name, "key": key, "err": err})
	if q.onError != nil {
		q.onError(key, value, err)
	}
}

// PerformAllNow drains the entire local pending set and flushes it
// immediately, used at shutdown. It returns one success flag per drained
// job; a failed flush never aborts its siblings.
func (q *Queue[V]) PerformAllNow(ctx context.Context) []bool {
	type drained struct {
		key   string
		value V
	}
	q.mu.Lock()
	jobs := make([]drained, 0, len(q.jobs))
	for key, j := range q.jobs {
		j.timer.Stop()
		jobs = append(jobs, drained{key: key, value: j.value})
	}
	q.jobs = make(map[string]*coalescedJob[V])
	q.mu.Unlock()

	for _, d := range jobs {
		if err := q.signal(ctx, queueSignal{Op: sigRelease, Key: d.key}); err != nil {
			q.log.Warn("release broadcast failed", Fields{"queue": q.name, "key": d.key, "err": err})
		}
	}

	results := make([]bool, len(jobs))
	g := new(errgroup.Group)
	g.SetLimit(q.limit)
	for i, d := range jobs {
		i, d := i, d
		g.Go(func() error {
			if err := q.perform(ctx, d.key, d.value); err != nil {
				q.fail(d.key, d.value, err)
				return nil
			}
			results[i] = true
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Dispose stops all timers, releases every owned key, and drops pending
// state without flushing. Run PerformAllNow first when the pending writes
// matter. Idempotent.
func (q *Queue[V]) Dispose(ctx context.Context) error {
	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		return nil
	}
	q.disposed = true
	owned := make([]string, 0, len(q.jobs))
	for key, j := range q.jobs {
		j.timer.Stop()
		owned = append(owned, key)
	}
	q.jobs = make(map[string]*coalescedJob[V])
	q.deferred = make(map[string]string)
	q.mu.Unlock()

	// peers holding these keys deferred to us must be freed to claim again,
	// or their future enqueues are forwarded into the void
	var errs []error
	for _, key := range owned {
		if err := q.signal(ctx, queueSignal{Op: sigRelease, Key: key}); err != nil {
			errs = append(errs, err)
		}
	}
	q.bus.Off(q.sub)
	return aggregate("queue dispose", errs)
}

func (q *Queue[V]) forward(ctx context.Context, key string, value V, owner string) error {
	b, err := q.codec.Encode(value)
	if err != nil {
		return fmt.Errorf("meshcache: queue %q: encode forward: %w", q.name, err)
	}
	return q.signal(ctx, queueSignal{Op: sigForward, Key: key, To: owner, Value: b})
}

func (q *Queue[V]) signal(ctx context.Context, sig queueSignal) error {
	body, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	return q.bus.Emit(ctx, q.typ, body)
}

// onSignal drives the per-key state machine from peer messages. Stale and
// duplicate messages are safe no-ops.
func (q *Queue[V]) onSignal(ctx context.Context, ev Event) error {
	var sig queueSignal
	if err := json.Unmarshal(ev.Body, &sig); err != nil {
		return fmt.Errorf("meshcache: queue %q: bad signal: %w", q.name, err)
	}

	switch sig.Op {
	case sigClaim:
		// Competing claims break the tie by origin order so symmetric claims
		// cannot both yield and strand the key. The lower-ordered process
		// keeps the key and re-asserts its claim; the higher-ordered one
		// yields, hands its accumulated value over, and defers. Exactly one
		// of them flushes the merged value.
		q.mu.Lock()
		j, owned := q.jobs[sig.Key]
		if owned && ev.Origin >= q.bus.Origin() {
			q.mu.Unlock()
			return q.signal(ctx, queueSignal{Op: sigClaim, Key: sig.Key})
		}
		var pending V
		if owned {
			j.timer.Stop()
			delete(q.jobs, sig.Key)
			pending = j.value
		}
		q.deferred[sig.Key] = ev.Origin
		q.mu.Unlock()

		if owned {
			q.hooks.OwnershipYielded(q.name, sig.Key, ev.Origin)
			q.log.Debug("yielded key to competing claim", Fields{"queue": q.name, "key": sig.Key, "claimant": ev.Origin})
			return q.forward(ctx, sig.Key, pending, ev.Origin)
		}

	case sigRelease:
		// Only clears the deferred mark; a release for a key we never
		// deferred is ignored.
		q.mu.Lock()
		delete(q.deferred, sig.Key)
		q.mu.Unlock()

	case sigForward:
		if sig.To != q.bus.Origin() {
			return nil
		}
		v, err := q.codec.Decode(sig.Value)
		if err != nil {
			return fmt.Errorf("meshcache: queue %q: decode forward: %w", q.name, err)
		}
		// Fresh local enqueue wherever it lands: if we still own the key it
		// merges, if we released it re-claims, if ownership moved again it
		// forwards on.
		return q.Enqueue(ctx, sig.Key, v)
	}
	return nil
}
