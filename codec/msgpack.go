package codec

import "github.com/vmihailenco/msgpack/v5"

// Msgpack is a Codec that serializes snapshot values using
// vmihailenco/msgpack/v5. The zero value is ready to use.
//
// Noticeably more compact than JSON when a dehydrated snapshot carries many
// entries. Struct tags differ from JSON; use `msgpack:"fieldName"` tags for
// explicit control, and keep the same codec across dehydrate and hydrate or
// restored payloads fail to decode and are dropped.
type Msgpack[V any] struct{}

func (Msgpack[V]) Encode(v V) ([]byte, error) {
	return msgpack.Marshal(v)
}
func (Msgpack[V]) Decode(b []byte) (V, error) {
	var v V
	err := msgpack.Unmarshal(b, &v)
	return v, err
}
