package meshcache

// Hooks are lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The bus, caches and queues call them on hot paths.
// See hooks/async for a drop-oldest async wrapper.
type Hooks interface {
	// A bus listener returned an error. The error is also surfaced to the
	// emitter in aggregate; this hook exists for counting/sampling.
	ListenerError(eventType string, err error)

	// An incoming broadcast envelope could not be decoded and was dropped.
	// reason ∈ {"corrupt", "channel_mismatch"}
	EnvelopeDropped(channel, reason string)

	// A queue flush's perform callback failed for one key.
	FlushError(queue, key string, err error)

	// This process held a pending job for key and yielded it to a competing
	// claimant. The accumulated value was forwarded.
	OwnershipYielded(queue, key, claimant string)

	// A store-backed cache deleted an entry on read.
	// reason ∈ {"corrupt", "value_decode"}
	SelfHealEntry(cache, key, reason string)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) ListenerError(string, error)             {}
func (NopHooks) EnvelopeDropped(string, string)          {}
func (NopHooks) FlushError(string, string, error)        {}
func (NopHooks) OwnershipYielded(string, string, string) {}
func (NopHooks) SelfHealEntry(string, string, string)    {}
