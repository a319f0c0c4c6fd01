package querycache

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/querycache/key"
)

// Invalidate marks entries stale, scoped by exact key or key prefix
// (["products"] covers ["products","detail","42"]). Matched entries with
// active observers are refetched through the deduplicated fetch path and
// Invalidate returns only after those refetches settle, so callers can
// chain invalidation with subsequent state transitions deterministically.
// Entries without observers are merely marked stale and refetch lazily on
// next access.
//
// Refetch failures are recorded on the entries, not returned; the error
// reports context cancellation only.
func (c *Client[V]) Invalidate(ctx context.Context, k key.Key, opts InvalidateOptions[V]) error {
	can, err := key.Canonicalize(k)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	var refetch []key.Key
	for _, e := range c.matchLocked(can, opts.Exact) {
		if opts.Predicate != nil && !opts.Predicate(c.snapshotLocked(e)) {
			continue
		}
		e.lastFetchedAt = time.Time{}
		c.touchGCLocked(e)
		if !opts.MarkOnly && e.observers > 0 && e.fetch != nil {
			refetch = append(refetch, e.key)
		}
	}
	c.mu.Unlock()

	c.log.Debug("invalidated keys", Fields{"prefix": can.String(), "refetching": len(refetch)})

	if len(refetch) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, rk := range refetch {
		rk := rk
		g.Go(func() error {
			_, err := c.ForceFetch(gctx, rk, nil, FetchOptions[V]{})
			var fe *FetchError
			if err != nil && !errors.As(err, &fe) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
