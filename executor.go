package querycache

import (
	"context"
	"errors"

	"github.com/unkn0wn-root/querycache/key"
)

// EnsureFresh returns the entry for k, fetching only when needed.
//
//  1. Fresh trusted data inside its staleness window is returned as-is.
//  2. If a fetch is already in flight for k, the call attaches to it
//     instead of issuing a duplicate (at most one in-flight fetch per key).
//  3. Otherwise a new fetch starts; on success the entry becomes trusted
//     and its freshness window restarts, on failure the entry records the
//     error but retains its previous data.
//
// fetch may be nil if an earlier call registered one for k. The function
// and options are remembered per key so invalidation can refetch.
func (c *Client[V]) EnsureFresh(ctx context.Context, k key.Key, fetch FetchFunc[V], opts FetchOptions[V]) (Snapshot[V], error) {
	return c.fetchKey(ctx, k, fetch, opts, false)
}

// ForceFetch fetches k unconditionally, skipping the freshness check. It
// still attaches to an in-flight fetch rather than issuing a duplicate.
func (c *Client[V]) ForceFetch(ctx context.Context, k key.Key, fetch FetchFunc[V], opts FetchOptions[V]) (Snapshot[V], error) {
	return c.fetchKey(ctx, k, fetch, opts, true)
}

func (c *Client[V]) fetchKey(ctx context.Context, k key.Key, fetch FetchFunc[V], opts FetchOptions[V], force bool) (Snapshot[V], error) {
	can, err := key.Canonicalize(k)
	if err != nil {
		return Snapshot[V]{}, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Snapshot[V]{}, ErrClosed
	}
	e := c.ensureEntryLocked(k, can)
	if fetch != nil {
		e.fetch = fetch
		e.fetchOpts = opts
	}
	if st := opts.StaleTime; st != 0 {
		if st < 0 {
			e.staleTime = 0
		} else {
			e.staleTime = st
		}
	}

	if !force && e.status == DataSuccess && c.freshLocked(e) {
		c.touchGCLocked(e) // reads count as activity
		snap := c.snapshotLocked(e)
		c.mu.Unlock()
		return snap, nil
	}

	if fl := e.flight; fl != nil {
		c.mu.Unlock()
		c.hooks.FetchDeduplicated(can.String())
		return c.awaitFlight(ctx, can, fl, opts)
	}

	if e.fetch == nil {
		snap := c.snapshotLocked(e)
		c.mu.Unlock()
		return c.withPlaceholder(snap, opts), &FetchError{Key: k, Err: ErrNoFetcher}
	}

	fl := c.startFlightLocked(e)
	snap := c.snapshotLocked(e)
	c.mu.Unlock()

	c.publish(can, snap) // loading transition
	c.hooks.FetchStarted(can.String(), force)
	return c.awaitFlight(ctx, can, fl, opts)
}

// startFlightLocked begins a new in-flight fetch for e. The flight captures
// the entry's next generation token; only a completion still holding the
// current token is applied.
func (c *Client[V]) startFlightLocked(e *entry[V]) *flight[V] {
	fctx, cancel := context.WithCancel(c.baseCtx)
	e.gen++
	fl := &flight[V]{
		token:  e.gen,
		done:   make(chan struct{}),
		cancel: cancel,
	}
	e.flight = fl

	fn := e.fetch
	pol := c.resolveRetry(e.fetchOpts.Retry)
	can := e.canonical

	c.flightWg.Add(1)
	go func() {
		defer c.flightWg.Done()
		val, err := c.runWithRetry(fctx, can, fn, pol)
		c.settleFlight(fctx, can, fl, val, err)
		cancel()
	}()
	return fl
}

// settleFlight applies a completed fetch to the cache, unless the flight's
// token was superseded, in which case the result is discarded.
func (c *Client[V]) settleFlight(fctx context.Context, can key.Canonical, fl *flight[V], val V, err error) {
	now := c.clock.Now()

	c.mu.Lock()
	e, ok := c.entries[can.String()]
	if !ok || e.gen != fl.token {
		c.mu.Unlock()
		fl.err = ErrCancelled
		close(fl.done)
		reason := "superseded"
		if !ok {
			reason = "entry_gone"
		}
		c.hooks.FetchDiscarded(can.String(), reason)
		c.log.Debug("fetch result discarded", Fields{"key": can.String(), "reason": reason})
		return
	}

	if err != nil && fctx.Err() != nil {
		// cooperative cancellation beat the token bump
		e.flight = nil
		c.touchGCLocked(e)
		snap := c.snapshotLocked(e)
		c.mu.Unlock()
		fl.err = ErrCancelled
		close(fl.done)
		c.publish(can, snap)
		c.hooks.FetchDiscarded(can.String(), "cancelled")
		return
	}

	e.flight = nil
	c.touchGCLocked(e)
	if err != nil {
		ferr := &FetchError{Key: e.key, Err: err}
		e.status = DataError // previous data, if any, is retained
		e.err = ferr
		snap := c.snapshotLocked(e)
		c.mu.Unlock()
		fl.err = ferr
		close(fl.done)
		c.publish(can, snap)
		c.log.Warn("fetch failed", Fields{"key": can.String(), "err": err})
		return
	}

	e.data = val
	e.hasData = true
	e.status = DataSuccess
	e.err = nil
	e.lastFetchedAt = now
	snap := c.snapshotLocked(e)
	c.mu.Unlock()

	fl.val = val
	close(fl.done)
	c.publish(can, snap)
}

// awaitFlight blocks until the flight settles or ctx expires, then returns
// the entry's current snapshot. All waiters observe the same outcome.
// A superseded flight resolves without error; its waiters see whatever
// state superseded it.
func (c *Client[V]) awaitFlight(ctx context.Context, can key.Canonical, fl *flight[V], opts FetchOptions[V]) (Snapshot[V], error) {
	select {
	case <-fl.done:
	case <-ctx.Done():
		return Snapshot[V]{}, ctx.Err()
	}

	c.mu.Lock()
	var snap Snapshot[V]
	if e, ok := c.entries[can.String()]; ok {
		snap = c.snapshotLocked(e)
	}
	c.mu.Unlock()

	snap = c.withPlaceholder(snap, opts)
	if fl.err != nil && !errors.Is(fl.err, ErrCancelled) {
		return snap, fl.err
	}
	return snap, nil
}

func (c *Client[V]) withPlaceholder(snap Snapshot[V], opts FetchOptions[V]) Snapshot[V] {
	if snap.HasData || opts.Placeholder == nil {
		return snap
	}
	if v, ok := opts.Placeholder(snap); ok {
		snap.Data = v
		snap.Placeholder = true
	}
	return snap
}

// Cancel cooperatively cancels in-flight fetches for k (exact) or for every
// key under the k prefix. Cancelled completions are discarded; entry data
// is left untouched.
func (c *Client[V]) Cancel(k key.Key, opts CancelOptions) error {
	can, err := key.Canonicalize(k)
	if err != nil {
		return err
	}

	type pending struct {
		can  key.Canonical
		snap Snapshot[V]
	}
	var pubs []pending

	c.mu.Lock()
	for _, e := range c.matchLocked(can, opts.Exact) {
		fl := e.flight
		if fl == nil {
			continue
		}
		e.gen++
		e.flight = nil
		fl.cancel()
		c.touchGCLocked(e)
		pubs = append(pubs, pending{can: e.canonical, snap: c.snapshotLocked(e)})
	}
	c.mu.Unlock()

	for _, p := range pubs {
		c.publish(p.can, p.snap)
	}
	return nil
}
