package querycache

import (
	"errors"
	"fmt"

	"github.com/unkn0wn-root/querycache/key"
)

var (
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("querycache: client is closed")

	// ErrCancelled marks a fetch whose completion was superseded by
	// cancellation or a newer write. Never surfaced to callers as a
	// failure; the superseding operation discards it silently.
	ErrCancelled = errors.New("querycache: fetch superseded")

	// ErrNoFetcher is returned when a fetch is required for a key that has
	// no fetch function, neither passed in nor remembered from an earlier
	// call.
	ErrNoFetcher = errors.New("querycache: no fetch function for key")

	// ErrNoPersistence is returned by Dehydrate/Hydrate when the client was
	// built without a Persistence configuration.
	ErrNoPersistence = errors.New("querycache: persistence not configured")
)

// FetchError wraps a fetch-function failure for a key. The entry transitions
// to DataError but retains its previous data, if any, for display continuity.
type FetchError struct {
	Key key.Key
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %v failed: %v", e.Key, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// MutationError wraps a mutation failure. Stage is "mutate" when the
// optimistic hook failed before the operation ran, "run" when the operation
// itself failed (after rollback evaluation and settlement completed).
type MutationError struct {
	Stage string
	Err   error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("mutation %s failed: %v", e.Stage, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }
