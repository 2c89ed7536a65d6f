package meshcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(RegistryOptions{Clock: testClock()})
	t.Cleanup(func() { _ = r.Dispose(context.Background()) })
	return r
}

// ==============================
// Fetch contract
// ==============================

func TestFetchMissResolvesAndCaches(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	rec := &callRecorder{}
	c, err := NewLocalKVCache[user](r, "user", KVOptions[user]{
		Lifetime: time.Minute,
		Fetcher: func(_ context.Context, key string) (user, bool, error) {
			rec.record(key)
			return user{ID: key, Name: "Ada"}, true, nil
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := c.Fetch(ctx, "u1")
	if err != nil || got.Name != "Ada" {
		t.Fatalf("Fetch: got=%v err=%v", got, err)
	}
	if _, err := c.Fetch(ctx, "u1"); err != nil {
		t.Fatalf("cached Fetch: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("fetcher ran %d times, want 1", rec.count())
	}
}

func TestFetchExpiryTriggersRefetch(t *testing.T) {
	ctx := context.Background()
	clk := testClock()
	r := NewRegistry(RegistryOptions{Clock: clk})
	defer r.Dispose(ctx)

	rec := &callRecorder{}
	c, _ := NewLocalKVCache[int](r, "n", KVOptions[int]{
		Lifetime: time.Second,
		Fetcher: func(_ context.Context, key string) (int, bool, error) {
			rec.record(key)
			return rec.count(), true, nil
		},
	})

	if v, _ := c.Fetch(ctx, "k"); v != 1 {
		t.Fatalf("first fetch = %d, want 1", v)
	}
	clk.Add(1500 * time.Millisecond)
	// an expired entry is never returned; the miss re-fetches
	if v, _ := c.Fetch(ctx, "k"); v != 2 {
		t.Fatalf("post-expiry fetch = %d, want 2", v)
	}
}

func TestForeverLifetimeNeverExpires(t *testing.T) {
	ctx := context.Background()
	clk := testClock()
	r := NewRegistry(RegistryOptions{Clock: clk})
	defer r.Dispose(ctx)

	rec := &callRecorder{}
	c, _ := NewLocalValueCache[string](r, "const", ValueOptions[string]{
		Lifetime: Forever,
		Fetcher: func(context.Context) (string, bool, error) {
			rec.record("")
			return "instance-meta", true, nil
		},
	})

	if _, err := c.Fetch(ctx); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	clk.Add(1000 * time.Hour)
	if err := r.GC(ctx); err != nil {
		t.Fatalf("GC: %v", err)
	}
	if _, err := c.Fetch(ctx); err != nil {
		t.Fatalf("Fetch after GC: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("fetcher ran %d times, want 1 (Forever caches until cleared)", rec.count())
	}

	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := c.Fetch(ctx); err != nil {
		t.Fatalf("Fetch after Clear: %v", err)
	}
	if rec.count() != 2 {
		t.Fatalf("explicit Clear did not force a re-fetch")
	}
}

func TestFetchNotFound(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	rec := &callRecorder{}
	c, _ := NewLocalKVCache[user](r, "user", KVOptions[user]{
		Lifetime: time.Minute,
		Fetcher: func(_ context.Context, key string) (user, bool, error) {
			rec.record(key)
			return user{}, false, nil
		},
	})

	_, err := c.Fetch(ctx, "ghost")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("Fetch = %v, want NotFoundError", err)
	}
	if nf.Key != "ghost" || nf.Cache != "user" {
		t.Fatalf("NotFoundError = %+v", nf)
	}
	// the miss is recorded as known absent; the fact won't spontaneously appear
	if _, err := c.Fetch(ctx, "ghost"); !IsNotFound(err) {
		t.Fatalf("repeat Fetch = %v, want not found", err)
	}
	if rec.count() != 1 {
		t.Fatalf("fetcher ran %d times for a known-absent key, want 1", rec.count())
	}
}

// TestConcurrentFetchSingleFlight: N concurrent fetches for the same missing
// key invoke the fetcher exactly once and all resolve to the same value.
func TestConcurrentFetchSingleFlight(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	rec := &callRecorder{}
	release := make(chan struct{})
	c, _ := NewLocalKVCache[user](r, "user", KVOptions[user]{
		Lifetime: time.Minute,
		Fetcher: func(_ context.Context, key string) (user, bool, error) {
			rec.record(key)
			<-release // hold every concurrent caller in one flight
			return user{ID: key, Name: "Ada"}, true, nil
		},
	})

	const n = 16
	var wg sync.WaitGroup
	results := make([]user, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Fetch(ctx, "u1")
		}()
	}
	close(release)
	wg.Wait()

	if rec.count() != 1 {
		t.Fatalf("fetcher ran %d times, want 1", rec.count())
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil || results[i] != (user{ID: "u1", Name: "Ada"}) {
			t.Fatalf("caller %d: got=%v err=%v", i, results[i], errs[i])
		}
	}
}

// ==============================
// FetchMany
// ==============================

func TestFetchManyBatchesMisses(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	var bulkCalls int
	var bulkKeys []string
	c, _ := NewLocalKVCache[user](r, "user", KVOptions[user]{
		Lifetime: time.Minute,
		BulkFetcher: func(_ context.Context, keys []string) (map[string]user, error) {
			bulkCalls++
			bulkKeys = append([]string(nil), keys...)
			out := make(map[string]user)
			for _, k := range keys {
				if k != "ghost" {
					out[k] = user{ID: k}
				}
			}
			return out, nil
		},
	})

	c.Set("u1", user{ID: "u1", Name: "warm"})
	got, err := c.FetchMany(ctx, []string{"u1", "u2", "u3", "ghost", "u2"})
	if err != nil {
		t.Fatalf("FetchMany: %v", err)
	}
	if bulkCalls != 1 {
		t.Fatalf("bulk fetcher ran %d times, want 1", bulkCalls)
	}
	if len(bulkKeys) != 3 { // u2, u3, ghost — u1 was warm, dup u2 collapsed
		t.Fatalf("bulk keys = %v, want the 3 distinct misses", bulkKeys)
	}
	if len(got) != 3 || got["u1"].Name != "warm" || got["u2"].ID != "u2" {
		t.Fatalf("result = %v", got)
	}

	// "ghost" is now known absent: a second pass must not re-fetch it
	if _, err := c.FetchMany(ctx, []string{"ghost"}); err != nil {
		t.Fatalf("second FetchMany: %v", err)
	}
	if bulkCalls != 1 {
		t.Fatalf("known-absent key was re-fetched")
	}
}

func TestFetchManyWithoutBulkFetcherFallsBack(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	rec := &callRecorder{}
	c, _ := NewLocalKVCache[int](r, "n", KVOptions[int]{
		Lifetime: time.Minute,
		Fetcher: func(_ context.Context, key string) (int, bool, error) {
			rec.record(key)
			if key == "missing" {
				return 0, false, nil
			}
			return len(key), true, nil
		},
	})

	got, err := c.FetchMany(ctx, []string{"a", "bb", "missing"})
	if err != nil {
		t.Fatalf("FetchMany: %v", err)
	}
	if len(got) != 2 || got["a"] != 1 || got["bb"] != 2 {
		t.Fatalf("result = %v", got)
	}
	if rec.count() != 3 {
		t.Fatalf("fetcher ran %d times, want 3", rec.count())
	}
}

// ==============================
// Direct mutation
// ==============================

func TestSetDeleteBypassFetcher(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	c, _ := NewLocalKVCache[int](r, "n", KVOptions[int]{Lifetime: Forever})
	c.Set("k", 42)
	if v, err := c.Fetch(ctx, "k"); err != nil || v != 42 {
		t.Fatalf("Fetch after Set: v=%d err=%v", v, err)
	}
	c.Delete("k")
	if _, err := c.Fetch(ctx, "k"); !IsNotFound(err) {
		t.Fatalf("Fetch after Delete = %v, want not found", err)
	}
}
