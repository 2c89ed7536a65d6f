// Package codec (de)serializes cache and queue values.
//
// A Codec[V] is used wherever a value leaves the process: the shared store
// tier of a store-backed cache, the update events of a broadcast-synchronized
// cache, and the forwarded payloads of a coalesced write queue. The broadcast
// channel itself only carries JSON-safe envelopes; Decode is the re-hydration
// step that restores rich fields (timestamps and the like) on the far side.
package codec

// Codec encodes/decodes values V to []byte for storage and transport.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
