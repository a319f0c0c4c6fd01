package querycache

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/unkn0wn-root/querycache/key"
)

// DataStatus describes whether an entry holds usable data.
type DataStatus uint8

const (
	// DataPending - no usable data yet.
	DataPending DataStatus = iota
	// DataSuccess - data present and trusted.
	DataSuccess
	// DataError - last fetch failed; Data may still hold a previous
	// successful value.
	DataError
)

func (s DataStatus) String() string {
	switch s {
	case DataPending:
		return "pending"
	case DataSuccess:
		return "success"
	case DataError:
		return "error"
	default:
		return "unknown"
	}
}

// ActivityStatus describes whether a fetch is in flight for an entry.
type ActivityStatus uint8

const (
	ActivityIdle ActivityStatus = iota
	ActivityLoading
)

func (s ActivityStatus) String() string {
	if s == ActivityLoading {
		return "loading"
	}
	return "idle"
}

// Snapshot is an immutable view of one cache entry, delivered to observers
// and returned by fetch calls.
//
// Status==DataSuccess together with Activity==ActivityLoading is the
// stale-while-revalidate signal: trusted data is being refreshed in the
// background.
type Snapshot[V any] struct {
	Key           key.Key
	Data          V
	HasData       bool
	Status        DataStatus
	Activity      ActivityStatus
	Err           error
	LastFetchedAt time.Time
	Observers     int

	// Placeholder is true when Data came from FetchOptions.Placeholder
	// rather than the cache; placeholder values are never stored.
	Placeholder bool

	// seq orders deliveries to one observer; newer snapshots win over
	// stragglers. Assigned under the client lock.
	seq uint64
}

// entry is the single mutable record per canonical key. All fields are
// guarded by Client.mu.
type entry[V any] struct {
	key       key.Key
	canonical key.Canonical

	data    V
	hasData bool
	status  DataStatus
	err     error

	lastFetchedAt time.Time // zero => stale
	staleTime     time.Duration

	// most recent fetch function and options; invalidation-triggered
	// refetches reuse them
	fetch     FetchFunc[V]
	fetchOpts FetchOptions[V]

	// at most one in-flight fetch per key; gen is the generation token a
	// flight must still hold at completion for its result to be applied
	flight *flight[V]
	gen    uint64

	observers int
	gcTimer   clockwork.Timer
}

// flight is one in-flight fetch attempt. done is closed exactly once on
// settlement; waiters then re-read the entry.
type flight[V any] struct {
	token  uint64
	done   chan struct{}
	val    V
	err    error
	cancel context.CancelFunc
}
