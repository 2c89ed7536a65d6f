package meshcache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	tr "github.com/unkn0wn-root/meshcache/transport"
)

// proc bundles the per-"process" wiring: one bus with its own origin plus
// one registry, all sharing the test's hub and virtual clock.
type proc struct {
	bus *Bus
	reg *Registry
}

func newProc(t *testing.T, hub tr.Transport, clk clock.Clock, origin string) *proc {
	t.Helper()
	bus, err := NewBus(BusOptions{Transport: hub, Origin: origin})
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}
	reg := NewRegistry(RegistryOptions{Clock: clk})
	t.Cleanup(func() {
		_ = reg.Dispose(context.Background())
		_ = bus.Close(context.Background())
	})
	return &proc{bus: bus, reg: reg}
}

type user struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// callRecorder counts invocations and remembers arguments across goroutines.
type callRecorder struct {
	mu    sync.Mutex
	calls int
	keys  []string
}

func (r *callRecorder) record(key string) {
	r.mu.Lock()
	r.calls++
	r.keys = append(r.keys, key)
	r.mu.Unlock()
}

func (r *callRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func testClock() *clock.Mock {
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	return clk
}
