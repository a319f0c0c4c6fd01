// Package wire frames dehydrated cache snapshots for persistence providers.
// The format is strict: decoders reject unknown versions, bad bounds, and
// trailing bytes, so foreign or corrupt blobs surface as errors and the
// caller can self-heal by dropping them.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version      byte = 1
	kindSnapshot byte = 1
)

var (
	ErrCorrupt = errors.New("querycache: corrupt snapshot")
	magic4     = [...]byte{'Q', 'R', 'Y', 'C'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Entry is one dehydrated cache entry: its canonical key, the unix-nano
// timestamp of its last successful fetch, and the codec-encoded value.
type Entry struct {
	Key       string
	FetchedAt int64
	Payload   []byte
}

// Snapshot layout:
//
//	magic(4) | ver(1) | kind(1=snapshot) | n(u32 be)
//	keyLen(u16 be) | key(keyLen) | fetchedAt(i64 be) | vlen(u32 be) | payload(vlen) * n
func EncodeSnapshot(items []Entry) ([]byte, error) {
	total := 4 + 1 + 1 + 4
	for _, it := range items {
		if l := len(it.Key); l == 0 || l > 0xFFFF {
			return nil, errors.New("querycache: invalid key length in snapshot")
		}
		total += 2 + len(it.Key) + 8 + 4 + len(it.Payload)
	}

	var buf bytes.Buffer
	buf.Grow(total)

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindSnapshot)

	var u8 [8]byte
	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint32(u4[:], uint32(len(items)))
	buf.Write(u4[:])

	for _, it := range items {
		binary.BigEndian.PutUint16(u2[:], uint16(len(it.Key)))
		buf.Write(u2[:])
		buf.WriteString(it.Key)

		binary.BigEndian.PutUint64(u8[:], uint64(it.FetchedAt))
		buf.Write(u8[:])

		binary.BigEndian.PutUint32(u4[:], uint32(len(it.Payload)))
		buf.Write(u4[:])
		buf.Write(it.Payload)
	}

	return buf.Bytes(), nil
}

func DecodeSnapshot(b []byte) ([]Entry, error) {
	const hdr = 4 + 1 + 1 + 4
	if len(b) < hdr || !hasMagic(b) || b[4] != version || b[5] != kindSnapshot {
		return nil, ErrCorrupt
	}

	off := 6

	n := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if n < 0 {
		return nil, ErrCorrupt
	}

	items := make([]Entry, 0, min(n, 1024)) // bogus n must not preallocate huge capacity
	for i := 0; i < n; i++ {
		if off+2 > len(b) {
			return nil, ErrCorrupt
		}
		klen := int(binary.BigEndian.Uint16(b[off : off+2]))
		off += 2
		if klen <= 0 || klen > len(b)-off {
			return nil, ErrCorrupt
		}

		keyBytes := b[off : off+klen]
		off += klen

		if off+8 > len(b) {
			return nil, ErrCorrupt
		}
		fetchedAt := int64(binary.BigEndian.Uint64(b[off : off+8]))
		off += 8

		if off+4 > len(b) {
			return nil, ErrCorrupt
		}
		vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
		off += 4
		if vlen < 0 || vlen > len(b)-off {
			return nil, ErrCorrupt
		}

		payload := b[off : off+vlen]
		off += vlen

		items = append(items, Entry{
			Key:       string(keyBytes),
			FetchedAt: fetchedAt,
			Payload:   payload,
		})
	}

	if off != len(b) { // strict framing: no trailing bytes
		return nil, ErrCorrupt
	}

	return items, nil
}
