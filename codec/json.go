package codec

import "encoding/json"

// JSON serializes values with encoding/json. The zero value is ready to use.
// time.Time fields round-trip as RFC 3339 strings and decode back into
// time.Time, which makes JSON a safe default for forwarded queue payloads.
type JSON[V any] struct{}

func (JSON[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }
func (JSON[V]) Decode(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}
