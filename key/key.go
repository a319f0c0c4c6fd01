// Package key models hierarchical cache keys: ordered sequences of
// primitive segments (strings, numbers, or plain structured records).
//
// Canonicalization encodes every segment with deterministic CBOR
// (RFC 8949 Core Deterministic), so structurally equal segments produce
// identical bytes regardless of map construction order. Segments are then
// framed with length prefixes; keys never collide on reserved characters
// because comparison is structural, not textual.
//
// A key is a prefix of another iff its segment sequence is a leading
// subsequence of the other's. Canonical forms preserve this: prefix checks
// compare encoded segments one by one.
package key

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Key is an ordered sequence of segments addressing one cache entry.
// Every external input that affects a fetched result belongs in the key.
type Key []any

// ErrEmptyKey is returned when a key with no segments is canonicalized.
var ErrEmptyKey = errors.New("key: empty key")

// InvalidKeyError reports a segment that cannot be canonicalized
// (for example a func or chan value).
type InvalidKeyError struct {
	Index   int
	Segment any
	Err     error
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("key: segment %d (%T) not canonicalizable: %v", e.Index, e.Segment, e.Err)
}

func (e *InvalidKeyError) Unwrap() error { return e.Err }

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	eo := cbor.CoreDetEncOptions()
	eo.Time = cbor.TimeRFC3339Nano
	em, err := eo.EncMode()
	if err != nil {
		panic(err)
	}
	dm, err := (cbor.DecOptions{}).DecMode()
	if err != nil {
		panic(err)
	}
	encMode = em
	decMode = dm
}

// Canonical is the stable, comparable form of a Key. The zero value is not
// valid; construct with Canonicalize.
type Canonical struct {
	segs []string // deterministic CBOR, one element per segment
	str  string   // length-prefixed concatenation of segs
}

// Canonicalize encodes k into its canonical form. Equal keys (by structure,
// including nested records compared by value) canonicalize identically.
func Canonicalize(k Key) (Canonical, error) {
	if len(k) == 0 {
		return Canonical{}, &InvalidKeyError{Index: -1, Err: ErrEmptyKey}
	}
	segs := make([]string, len(k))
	total := 0
	for i, seg := range k {
		b, err := encMode.Marshal(seg)
		if err != nil {
			return Canonical{}, &InvalidKeyError{Index: i, Segment: seg, Err: err}
		}
		segs[i] = string(b)
		total += 4 + len(b)
	}
	var sb strings.Builder
	sb.Grow(total)
	var u4 [4]byte
	for _, s := range segs {
		binary.BigEndian.PutUint32(u4[:], uint32(len(s)))
		sb.Write(u4[:])
		sb.WriteString(s)
	}
	return Canonical{segs: segs, str: sb.String()}, nil
}

// MustCanonicalize is Canonicalize that panics on error. Handy for
// package-level variables in tests and examples.
func MustCanonicalize(k Key) Canonical {
	c, err := Canonicalize(k)
	if err != nil {
		panic(err)
	}
	return c
}

// Parse reconstructs a Key from a canonical string, e.g. one read back from
// a persisted snapshot. Re-canonicalizing the result yields an equal
// Canonical.
func Parse(canonical string) (Key, Canonical, error) {
	var (
		segs []string
		k    Key
	)
	b := []byte(canonical)
	off := 0
	for off < len(b) {
		if off+4 > len(b) {
			return nil, Canonical{}, errors.New("key: truncated canonical form")
		}
		n := int(binary.BigEndian.Uint32(b[off : off+4]))
		off += 4
		if n < 0 || n > len(b)-off {
			return nil, Canonical{}, errors.New("key: corrupt canonical form")
		}
		raw := b[off : off+n]
		off += n
		var seg any
		if err := decMode.Unmarshal(raw, &seg); err != nil {
			return nil, Canonical{}, fmt.Errorf("key: segment decode: %w", err)
		}
		segs = append(segs, string(raw))
		k = append(k, seg)
	}
	if len(k) == 0 {
		return nil, Canonical{}, ErrEmptyKey
	}
	return k, Canonical{segs: segs, str: canonical}, nil
}

// String returns the canonical byte form. Opaque; stable across processes
// for structurally equal keys.
func (c Canonical) String() string { return c.str }

// Len returns the number of segments.
func (c Canonical) Len() int { return len(c.segs) }

// Equal reports structural equality of two canonical keys.
func (c Canonical) Equal(other Canonical) bool { return c.str == other.str }

// IsPrefixOf reports whether every segment of c equals the corresponding
// leading segment of other. A key is a prefix of itself.
func (c Canonical) IsPrefixOf(other Canonical) bool {
	if len(c.segs) > len(other.segs) {
		return false
	}
	for i, s := range c.segs {
		if other.segs[i] != s {
			return false
		}
	}
	return true
}
