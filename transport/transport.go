// Package transport defines the broadcast primitive carrying all
// cross-process signaling for one deployment.
//
// One shared publish/subscribe pair is reused by every cache and queue in a
// process, to bound connection usage. Delivery is at-least-once with no
// global order across processes; everything layered on top must stay
// convergent under reordering and duplication.
package transport

import "context"

// Handler receives raw payloads published to a channel. It must not block;
// slow work belongs on the handler's own goroutine.
type Handler func(channel string, payload []byte)

// Transport is a minimal broadcast channel.
// Implementations must be safe for concurrent use and must deliver published
// payloads byte-for-byte, including back to the publishing process.
type Transport interface {
	// Publish sends payload to every subscriber of channel, the publisher's
	// own subscriptions included.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe registers h for payloads on channel. The returned
	// Subscription detaches h; it is safe to call Unsubscribe more than once.
	Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error)

	// Close releases resources. Active subscriptions stop receiving.
	Close(ctx context.Context) error
}

type Subscription interface {
	Unsubscribe(ctx context.Context) error
}
