package meshcache

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const defaultGCInterval = 5 * time.Minute

// managed is anything owned by a Registry. Caches additionally implement
// collectible; queues only need disposal.
type managed interface {
	managedName() string
	Dispose(ctx context.Context) error
}

type collectible interface {
	GC(ctx context.Context) error
	Clear(ctx context.Context) error
}

// RegistryOptions configure a Registry; the zero value works.
type RegistryOptions struct {
	Clock      clock.Clock   // nil => wall clock; tests inject clock.NewMock()
	GCInterval time.Duration // 0 => 5m
	Logger     Logger
	Hooks      Hooks
}

// Registry is the sole factory and owner of every cache and queue in the
// process. Construct one per process, pass it to every consumer at wiring
// time, and bind Dispose to the process shutdown hook.
type Registry struct {
	clk      clock.Clock
	interval time.Duration
	log      Logger
	hooks    Hooks

	mu       sync.Mutex
	items    map[string]managed
	timer    *clock.Timer
	running  bool
	disposed bool
}

func NewRegistry(opts RegistryOptions) *Registry {
	r := &Registry{
		interval: coalesce(opts.GCInterval, defaultGCInterval),
		log:      coalesce[Logger](opts.Logger, NopLogger{}),
		hooks:    coalesce[Hooks](opts.Hooks, NopHooks{}),
		items:    make(map[string]managed),
	}
	r.clk = opts.Clock
	if r.clk == nil {
		r.clk = clock.New()
	}
	return r
}

// register adds m under its unique name. Called by the cache and queue
// constructors; the first registration lazily starts the shared GC timer,
// which is never restarted once running.
func (r *Registry) register(m managed) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return ErrDisposed
	}
	name := m.managedName()
	if _, exists := r.items[name]; exists {
		return &DuplicateNameError{Name: name}
	}
	r.items[name] = m
	if !r.running {
		r.running = true
		r.timer = r.clk.AfterFunc(r.interval, r.gcTick)
	}
	return nil
}

func (r *Registry) gcTick() {
	if err := r.GC(context.Background()); err != nil {
		r.log.Error("periodic gc pass failed", Fields{"err": err})
	}
}

// GC runs an expired-entry purge on every managed cache. The shared timer is
// stopped for the duration of the pass and re-armed afterwards, so a slow
// pass cannot double-fire. Failures are collected; every cache gets its turn.
func (r *Registry) GC(ctx context.Context) error {
	return r.sweep(ctx, "gc", func(c collectible) error { return c.GC(ctx) })
}

// Clear fully invalidates every managed cache. Same timer discipline as GC.
func (r *Registry) Clear(ctx context.Context) error {
	return r.sweep(ctx, "clear", func(c collectible) error { return c.Clear(ctx) })
}

func (r *Registry) sweep(ctx context.Context, op string, fn func(collectible) error) error {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return ErrDisposed
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	targets := make([]managed, 0, len(r.items))
	for _, m := range r.items {
		targets = append(targets, m)
	}
	r.mu.Unlock()

	var errs []error
	for _, m := range targets {
		c, ok := m.(collectible)
		if !ok {
			continue
		}
		if err := fn(c); err != nil {
			errs = append(errs, err)
		}
	}

	r.mu.Lock()
	if !r.disposed && r.running {
		r.timer = r.clk.AfterFunc(r.interval, r.gcTick)
	}
	r.mu.Unlock()
	return aggregate("registry "+op, errs)
}

// Dispose stops the shared timer, disposes every cache and queue, and empties
// the registry. Idempotent: repeat calls are no-ops because nothing remains.
func (r *Registry) Dispose(ctx context.Context) error {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return nil
	}
	r.disposed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	targets := make([]managed, 0, len(r.items))
	for _, m := range r.items {
		targets = append(targets, m)
	}
	r.items = make(map[string]managed)
	r.mu.Unlock()

	var errs []error
	for _, m := range targets {
		if err := m.Dispose(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return aggregate("registry dispose", errs)
}
