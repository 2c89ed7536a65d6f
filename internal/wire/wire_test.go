package wire

import (
	"bytes"
	"errors"
	"testing"
)

func mustDecode(t *testing.T, b []byte) Envelope {
	t.Helper()
	e, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	return e
}

func TestEnvelopeRoundTrip(t *testing.T) {
	cases := []Message{
		{Type: "cache.user", Origin: "proc-a"},
		{Type: "queue.updateUser", Origin: "proc-b", Body: []byte("hello")},
		{Type: "x", Origin: "y", Body: []byte{0, 1, 2, 0xFF}},
	}
	for _, m := range cases {
		enc, err := Encode("mesh", m)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		e := mustDecode(t, enc)
		if e.Channel != "mesh" || e.Message.Type != m.Type || e.Message.Origin != m.Origin {
			t.Fatalf("header mismatch: got %+v want %+v", e.Message, m)
		}
		if !bytes.Equal(e.Message.Body, m.Body) {
			t.Fatalf("body mismatch: got %x want %x", e.Message.Body, m.Body)
		}
	}
}

func TestEncodeRejectsIncomplete(t *testing.T) {
	if _, err := Encode("", Message{Type: "t", Origin: "o"}); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("missing channel: got %v", err)
	}
	if _, err := Encode("c", Message{Origin: "o"}); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("missing type: got %v", err)
	}
	if _, err := Encode("c", Message{Type: "t"}); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("missing origin: got %v", err)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	bad := [][]byte{
		nil,
		[]byte("not json"),
		[]byte(`{}`),
		[]byte(`{"channel":"c","message":{"origin":"o"}}`),
		[]byte(`{"channel":"c","message":{"type":"t"}}`),
	}
	for _, b := range bad {
		if _, err := Decode(b); !errors.Is(err, ErrCorrupt) {
			t.Fatalf("expected ErrCorrupt for %q, got %v", b, err)
		}
	}
}
