package meshcache

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/meshcache/internal/wire"
	tr "github.com/unkn0wn-root/meshcache/transport"
)

// Event is one bus delivery. Origin is the sending process's tag; Local is
// true when the event was emitted in this process, false when it arrived over
// the broadcast channel. Remote handlers use Local to avoid re-propagating
// and causing echo storms.
type Event struct {
	Type   string
	Body   []byte
	Origin string
	Local  bool
}

// Listener handles one event. Errors are collected per emission and surfaced
// in aggregate; one failing listener never prevents its siblings from running.
type Listener func(ctx context.Context, ev Event) error

type listenerSettings struct {
	ignoreLocal  bool
	ignoreRemote bool
}

type SubscribeOption func(*listenerSettings)

// IgnoreLocal skips delivery of events emitted by this process.
func IgnoreLocal() SubscribeOption { return func(s *listenerSettings) { s.ignoreLocal = true } }

// IgnoreRemote skips delivery of events received over the broadcast channel.
func IgnoreRemote() SubscribeOption { return func(s *listenerSettings) { s.ignoreRemote = true } }

// Subscription is the handle returned by On and accepted by Off. Registering
// the same function twice yields two independent subscriptions.
type Subscription struct {
	typ string
	fn  Listener
	listenerSettings
}

// BusOptions configure a Bus. Only Transport is required.
type BusOptions struct {
	Transport tr.Transport // required; the one shared broadcast pair
	Channel   string       // broadcast channel name; "" => "meshcache"
	Origin    string       // process identity tag; "" => random
	Logger    Logger
	Hooks     Hooks
}

// Bus is the process-wide pub/sub hub. Emit delivers to local listeners and
// always fans out over the shared broadcast channel, tagged with this
// process's origin so the echo is dropped on the way back in.
type Bus struct {
	channel string
	origin  string
	tp      tr.Transport
	log     Logger
	hooks   Hooks

	mu        sync.RWMutex
	listeners map[string][]*Subscription
	closed    bool

	sub tr.Subscription
}

// NewBus constructs the hub and attaches it to the broadcast channel.
func NewBus(opts BusOptions) (*Bus, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("meshcache: bus transport is required")
	}
	b := &Bus{
		channel:   coalesce(opts.Channel, "meshcache"),
		origin:    coalesce(opts.Origin, uuid.NewString()),
		tp:        opts.Transport,
		log:       coalesce[Logger](opts.Logger, NopLogger{}),
		hooks:     coalesce[Hooks](opts.Hooks, NopHooks{}),
		listeners: make(map[string][]*Subscription),
	}
	sub, err := opts.Transport.Subscribe(context.Background(), b.channel, b.onBroadcast)
	if err != nil {
		return nil, fmt.Errorf("meshcache: bus subscribe: %w", err)
	}
	b.sub = sub
	return b, nil
}

// Origin returns this process's identity tag.
func (b *Bus) Origin() string { return b.origin }

// On registers fn for events of the given type and returns its handle.
func (b *Bus) On(typ string, fn Listener, opts ...SubscribeOption) *Subscription {
	s := &Subscription{typ: typ, fn: fn}
	for _, o := range opts {
		o(&s.listenerSettings)
	}
	b.mu.Lock()
	b.listeners[typ] = append(b.listeners[typ], s)
	b.mu.Unlock()
	return s
}

// Off removes the subscription. Unknown handles are ignored.
func (b *Bus) Off(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	list := b.listeners[sub.typ]
	for i, cur := range list {
		if cur == sub {
			b.listeners[sub.typ] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.listeners[sub.typ]) == 0 {
		delete(b.listeners, sub.typ)
	}
	b.mu.Unlock()
}

// Emit delivers to local listeners and publishes to the broadcast channel.
// Publication happens even with zero local listeners; other processes may
// care. Listener failures are aggregated and returned after all have run.
func (b *Bus) Emit(ctx context.Context, typ string, body []byte) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrDisposed
	}

	var errs []error
	if err := b.dispatch(ctx, Event{Type: typ, Body: body, Origin: b.origin, Local: true}); err != nil {
		errs = append(errs, err)
	}

	env, err := wire.Encode(b.channel, wire.Message{Type: typ, Origin: b.origin, Body: body})
	if err != nil {
		errs = append(errs, err)
	} else if err := b.tp.Publish(ctx, b.channel, env); err != nil {
		errs = append(errs, fmt.Errorf("publish %q: %w", typ, err))
	}
	return aggregate("emit "+typ, errs)
}

// onBroadcast handles raw payloads from the transport. Own echoes are
// dropped; they were already handled at emit time.
func (b *Bus) onBroadcast(channel string, payload []byte) {
	env, err := wire.Decode(payload)
	if err != nil {
		b.hooks.EnvelopeDropped(channel, "corrupt")
		b.log.Warn("dropped corrupt broadcast envelope", Fields{"channel": channel})
		return
	}
	if env.Channel != b.channel {
		b.hooks.EnvelopeDropped(channel, "channel_mismatch")
		return
	}
	m := env.Message
	if m.Origin == b.origin {
		return
	}
	ev := Event{Type: m.Type, Body: m.Body, Origin: m.Origin, Local: false}
	if err := b.dispatch(context.Background(), ev); err != nil {
		b.log.Error("remote event listener failed", Fields{"type": m.Type, "err": err})
	}
}

// dispatch invokes every matching listener and waits for all of them. Errors
// are collected, never short-circuited.
func (b *Bus) dispatch(ctx context.Context, ev Event) error {
	b.mu.RLock()
	var targets []*Subscription
	for _, s := range b.listeners[ev.Type] {
		if ev.Local && s.ignoreLocal {
			continue
		}
		if !ev.Local && s.ignoreRemote {
			continue
		}
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		return nil
	}

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		errs []error
	)
	for _, s := range targets {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.fn(ctx, ev); err != nil {
				b.hooks.ListenerError(ev.Type, err)
				emu.Lock()
				errs = append(errs, err)
				emu.Unlock()
			}
		}()
	}
	wg.Wait()
	return aggregate("dispatch "+ev.Type, errs)
}

// Close detaches from the broadcast channel and drops all listeners.
// Idempotent.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.listeners = make(map[string][]*Subscription)
	b.mu.Unlock()
	return b.sub.Unsubscribe(ctx)
}
