// Package redis implements transport.Transport over Redis Pub/Sub.
package redis

import (
	"context"
	"errors"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	tr "github.com/unkn0wn-root/meshcache/transport"
)

var ErrNilClient = errors.New("redis transport: nil client")

type Redis struct {
	rdb         goredis.UniversalClient
	closeClient bool

	mu   sync.Mutex
	subs []*subscription
}

var _ tr.Transport = (*Redis)(nil)

type Config struct {
	Client      goredis.UniversalClient
	CloseClient bool // set true only if this transport exclusively owns the client
}

func New(cfg Config) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Redis{rdb: cfg.Client, closeClient: cfg.CloseClient}, nil
}

func (t *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return t.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe opens one Redis subscription and pumps messages to fn on a
// dedicated goroutine. The pump exits when the subscription closes.
func (t *Redis) Subscribe(ctx context.Context, channel string, fn tr.Handler) (tr.Subscription, error) {
	ps := t.rdb.Subscribe(ctx, channel)
	// force the SUBSCRIBE round-trip so wiring errors surface here, not on
	// the first missed message
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	s := &subscription{ps: ps}
	s.done.Add(1)
	go func() {
		defer s.done.Done()
		for msg := range ps.Channel() {
			fn(msg.Channel, []byte(msg.Payload))
		}
	}()

	t.mu.Lock()
	t.subs = append(t.subs, s)
	t.mu.Unlock()
	return s, nil
}

// Close detaches all subscriptions and, when this transport owns the client,
// closes it. Safe to call multiple times.
func (t *Redis) Close(ctx context.Context) error {
	t.mu.Lock()
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.Unsubscribe(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if t.closeClient {
		if err := t.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type subscription struct {
	ps   *goredis.PubSub
	once sync.Once
	done sync.WaitGroup
	err  error
}

func (s *subscription) Unsubscribe(context.Context) error {
	s.once.Do(func() {
		s.err = s.ps.Close()
		s.done.Wait()
	})
	return s.err
}
