package querycache

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/unkn0wn-root/querycache/codec"
	"github.com/unkn0wn-root/querycache/provider"
)

// FetchFunc loads the authoritative value for a key. The context carries
// cooperative cancellation: it is cancelled when the fetch is superseded
// (by Cancel, an optimistic write, or client teardown).
type FetchFunc[V any] func(ctx context.Context) (V, error)

// FetchOptions tune a single EnsureFresh/ForceFetch call. The zero value
// inherits the client defaults.
type FetchOptions[V any] struct {
	// StaleTime is how long a successful fetch stays fresh.
	// 0 inherits Options.DefaultStaleTime; negative forces always-stale.
	StaleTime time.Duration

	// Retry overrides the client retry policy for this key.
	Retry *Retry

	// Placeholder supplies a display fallback derived from the previous
	// snapshot while the entry has no usable data. The value is returned
	// flagged as Snapshot.Placeholder and never written into the cache.
	Placeholder func(prev Snapshot[V]) (V, bool)
}

// InvalidateOptions scope an Invalidate call.
type InvalidateOptions[V any] struct {
	// Exact restricts matching to the identical canonical key. Default is
	// hierarchical: every entry whose key has the given prefix matches.
	Exact bool

	// Predicate further filters matched entries; nil matches all.
	Predicate func(Snapshot[V]) bool

	// MarkOnly marks matched entries stale without refetching observed
	// ones; they refetch lazily on next access.
	MarkOnly bool
}

// CancelOptions scope a Cancel call.
type CancelOptions struct {
	Exact bool
}

// Persistence wires snapshot dehydrate/hydrate to a byte store.
type Persistence[V any] struct {
	// Required
	Provider provider.Provider
	Codec    codec.Codec[V]

	Namespace string        // storage isolation; "" => "default"
	TTL       time.Duration // provider TTL for the snapshot blob; 0 => no expiry
	MaxAge    time.Duration // hydrate drops entries fetched longer ago; 0 => no limit
}

// Options tune the behavior of a Client. All fields are optional.
type Options[V any] struct {
	Logger Logger          // if nil, NopLogger is used
	Hooks  Hooks           // if nil, NopHooks is used
	Clock  clockwork.Clock // if nil, the real clock; fake clocks drive tests

	DefaultStaleTime time.Duration // 0 => always stale
	GCDelay          time.Duration // unobserved-entry grace period; 0 => 5m
	Retry            Retry         // default fetch retry policy; zero => single attempt

	// Equal decides whether the cache still holds exactly the optimistic
	// value during rollback. nil => reflect.DeepEqual.
	Equal func(a, b V) bool

	// Persistence enables Dehydrate/Hydrate. The client owns the provider
	// and closes it on Close.
	Persistence *Persistence[V]
}

const defaultGCDelay = 5 * time.Minute

// New constructs a Client.
func New[V any](opts Options[V]) (*Client[V], error) {
	if opts.Persistence != nil {
		if opts.Persistence.Provider == nil {
			return nil, fmt.Errorf("querycache: persistence provider is required")
		}
		if opts.Persistence.Codec == nil {
			return nil, fmt.Errorf("querycache: persistence codec is required")
		}
	}

	c := &Client[V]{
		entries: make(map[string]*entry[V]),
		bus:     newBus[V](),
		persist: opts.Persistence,
	}

	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	c.gcDelay = coalesce[time.Duration](opts.GCDelay, defaultGCDelay)
	c.staleTime = opts.DefaultStaleTime
	c.retry = opts.Retry

	if opts.Clock != nil {
		c.clock = opts.Clock
	} else {
		c.clock = clockwork.NewRealClock()
	}

	if opts.Equal != nil {
		c.equal = opts.Equal
	} else {
		c.equal = func(a, b V) bool { return reflect.DeepEqual(a, b) }
	}

	c.baseCtx, c.baseStop = context.WithCancel(context.Background())
	return c, nil
}

// Client is a key-addressed asynchronous cache for values of type V.
// All access to the shared cache state funnels through its methods; the
// zero value is not usable, construct with New.
type Client[V any] struct {
	mu      sync.Mutex
	entries map[string]*entry[V]
	closed  bool
	seq     uint64 // snapshot ordering; bumped per snapshot under mu

	bus *bus[V]

	log   Logger
	hooks Hooks
	clock clockwork.Clock

	staleTime time.Duration
	gcDelay   time.Duration
	retry     Retry
	equal     func(a, b V) bool
	persist   *Persistence[V]

	baseCtx  context.Context
	baseStop context.CancelFunc
	flightWg sync.WaitGroup
}

// Close tears the client down: cancels in-flight fetches, stops GC timers,
// clears subscriptions, and closes the persistence provider if one is
// configured. Blocks until in-flight fetch goroutines settle or ctx expires.
func (c *Client[V]) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, e := range c.entries {
		if fl := e.flight; fl != nil {
			e.gen++
			e.flight = nil
			fl.cancel()
		}
		if e.gcTimer != nil {
			e.gcTimer.Stop()
			e.gcTimer = nil
		}
	}
	c.mu.Unlock()

	c.baseStop()

	settled := make(chan struct{})
	go func() {
		c.flightWg.Wait()
		close(settled)
	}()
	select {
	case <-settled:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.bus.clear()

	c.mu.Lock()
	c.entries = make(map[string]*entry[V])
	c.mu.Unlock()

	if c.persist != nil {
		return c.persist.Provider.Close(ctx)
	}
	return nil
}
