// Package codec (de)serializes cached values V <-> []byte for snapshot
// persistence. Pick one codec per client; mixing codecs across dehydrate
// and hydrate corrupts payload decoding and the entries are dropped.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
