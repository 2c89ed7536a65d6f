package meshcache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/unkn0wn-root/meshcache/internal/wire"
	"github.com/unkn0wn-root/meshcache/transport/memory"
)

func newTestBus(t *testing.T, hub *memory.Hub, origin string) *Bus {
	t.Helper()
	b, err := NewBus(BusOptions{Transport: hub, Origin: origin})
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

// ==============================
// Local delivery
// ==============================

func TestEmitDeliversLocally(t *testing.T) {
	ctx := context.Background()
	b := newTestBus(t, memory.New(), "a")

	var got atomic.Int32
	b.On("ping", func(_ context.Context, ev Event) error {
		if !ev.Local {
			t.Errorf("expected local event, got remote from %q", ev.Origin)
		}
		if string(ev.Body) != "x" {
			t.Errorf("body = %q, want %q", ev.Body, "x")
		}
		got.Add(1)
		return nil
	})

	if err := b.Emit(ctx, "ping", []byte("x")); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if got.Load() != 1 {
		t.Fatalf("listener ran %d times, want 1", got.Load())
	}
}

func TestEmitAggregatesListenerErrors(t *testing.T) {
	ctx := context.Background()
	b := newTestBus(t, memory.New(), "a")

	errBoom := errors.New("boom")
	var survivors atomic.Int32
	b.On("ev", func(context.Context, Event) error { return errBoom })
	b.On("ev", func(context.Context, Event) error { survivors.Add(1); return nil })
	b.On("ev", func(context.Context, Event) error { return fmt.Errorf("second: %w", errBoom) })

	err := b.Emit(ctx, "ev", nil)
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	// one failing listener never blocks its siblings
	if survivors.Load() != 1 {
		t.Fatalf("healthy listener ran %d times, want 1", survivors.Load())
	}
	if !errors.Is(err, errBoom) {
		t.Fatalf("aggregate should wrap listener errors, got %v", err)
	}
}

func TestEmitPublishesWithoutLocalListeners(t *testing.T) {
	ctx := context.Background()
	hub := memory.New()
	b := newTestBus(t, hub, "a")

	var published atomic.Int32
	if _, err := hub.Subscribe(ctx, "meshcache", func(_ string, payload []byte) {
		env, err := wire.Decode(payload)
		if err != nil {
			t.Errorf("Decode: %v", err)
			return
		}
		if env.Message.Type == "lonely" {
			published.Add(1)
		}
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// zero local listeners for "lonely"; other processes may still care
	if err := b.Emit(ctx, "lonely", []byte("v")); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if published.Load() != 1 {
		t.Fatalf("broadcast published %d times, want 1", published.Load())
	}
}

// ==============================
// Cross-process delivery and echo suppression
// ==============================

func TestRemoteDeliveryAndEchoSuppression(t *testing.T) {
	ctx := context.Background()
	hub := memory.New()
	a := newTestBus(t, hub, "proc-a")
	b := newTestBus(t, hub, "proc-b")

	var aGot, bGot atomic.Int32
	a.On("ev", func(_ context.Context, ev Event) error {
		if !ev.Local {
			t.Errorf("a should only see its own emit locally")
		}
		aGot.Add(1)
		return nil
	})
	b.On("ev", func(_ context.Context, ev Event) error {
		if ev.Local {
			t.Errorf("b should see a remote event")
		}
		if ev.Origin != "proc-a" {
			t.Errorf("origin = %q, want proc-a", ev.Origin)
		}
		bGot.Add(1)
		return nil
	})

	if err := a.Emit(ctx, "ev", []byte("v")); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	// a's own echo must be dropped: exactly one delivery per bus
	if aGot.Load() != 1 || bGot.Load() != 1 {
		t.Fatalf("deliveries a=%d b=%d, want 1 and 1", aGot.Load(), bGot.Load())
	}
}

func TestOriginFilters(t *testing.T) {
	ctx := context.Background()
	hub := memory.New()
	a := newTestBus(t, hub, "a")
	b := newTestBus(t, hub, "b")

	var localOnly, remoteOnly atomic.Int32
	a.On("ev", func(context.Context, Event) error { localOnly.Add(1); return nil }, IgnoreRemote())
	a.On("ev", func(context.Context, Event) error { remoteOnly.Add(1); return nil }, IgnoreLocal())

	if err := a.Emit(ctx, "ev", nil); err != nil {
		t.Fatalf("Emit a: %v", err)
	}
	if err := b.Emit(ctx, "ev", nil); err != nil {
		t.Fatalf("Emit b: %v", err)
	}
	if localOnly.Load() != 1 {
		t.Fatalf("IgnoreRemote listener ran %d times, want 1", localOnly.Load())
	}
	if remoteOnly.Load() != 1 {
		t.Fatalf("IgnoreLocal listener ran %d times, want 1", remoteOnly.Load())
	}
}

// ==============================
// Subscription handles
// ==============================

func TestOffRemovesOnlyThatSubscription(t *testing.T) {
	ctx := context.Background()
	b := newTestBus(t, memory.New(), "a")

	var n atomic.Int32
	fn := func(context.Context, Event) error { n.Add(1); return nil }
	// same function registered twice: two independent handles
	s1 := b.On("ev", fn)
	b.On("ev", fn)

	b.Off(s1)
	if err := b.Emit(ctx, "ev", nil); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if n.Load() != 1 {
		t.Fatalf("listener ran %d times after Off, want 1", n.Load())
	}
	b.Off(s1) // repeat Off is a no-op
	b.Off(nil)
}

func TestCorruptBroadcastDropped(t *testing.T) {
	ctx := context.Background()
	hub := memory.New()
	b := newTestBus(t, hub, "a")

	var n atomic.Int32
	b.On("ev", func(context.Context, Event) error { n.Add(1); return nil })

	if err := hub.Publish(ctx, "meshcache", []byte("not an envelope")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if n.Load() != 0 {
		t.Fatalf("corrupt payload reached a listener")
	}
}

func TestBusCloseIdempotent(t *testing.T) {
	ctx := context.Background()
	b, err := NewBus(BusOptions{Transport: memory.New()})
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}
	if err := b.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(ctx); err != nil {
		t.Fatalf("repeat Close: %v", err)
	}
	if err := b.Emit(ctx, "ev", nil); !errors.Is(err, ErrDisposed) {
		t.Fatalf("Emit after Close = %v, want ErrDisposed", err)
	}
}
