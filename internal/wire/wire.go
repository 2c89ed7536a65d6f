// Package wire frames broadcast envelopes for the shared channel.
//
// Envelope: { channel, message: { type, origin, body } }
//
// The channel only carries JSON-safe data; rich value types travel inside
// body as codec-encoded bytes and are re-hydrated by the receiver. Decode is
// strict: an envelope missing its type or origin is corrupt and dropped by
// the caller, never partially processed.
package wire

import (
	"encoding/json"
	"errors"
)

var ErrCorrupt = errors.New("wire: corrupt envelope")

// Message is the inner payload of an envelope. Origin carries the sender's
// process identity so receivers can drop their own echoes.
type Message struct {
	Type   string `json:"type"`
	Origin string `json:"origin"`
	Body   []byte `json:"body,omitempty"`
}

type Envelope struct {
	Channel string  `json:"channel"`
	Message Message `json:"message"`
}

func Encode(channel string, m Message) ([]byte, error) {
	if channel == "" || m.Type == "" || m.Origin == "" {
		return nil, ErrCorrupt
	}
	return json.Marshal(Envelope{Channel: channel, Message: m})
}

func Decode(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, ErrCorrupt
	}
	if e.Channel == "" || e.Message.Type == "" || e.Message.Origin == "" {
		return Envelope{}, ErrCorrupt
	}
	return e, nil
}
