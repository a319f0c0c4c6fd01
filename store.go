package querycache

import (
	"sort"
	"time"

	"github.com/unkn0wn-root/querycache/key"
)

// ensureEntryLocked returns the entry for can, creating it lazily.
func (c *Client[V]) ensureEntryLocked(k key.Key, can key.Canonical) *entry[V] {
	if e, ok := c.entries[can.String()]; ok {
		return e
	}
	e := &entry[V]{
		key:       append(key.Key(nil), k...),
		canonical: can,
		status:    DataPending,
		staleTime: c.staleTime,
	}
	c.entries[can.String()] = e
	c.scheduleGCLocked(e) // unobserved from birth; grace period starts now
	return e
}

// matchLocked returns entries matched by can: the identical key when exact,
// otherwise every entry whose key has can as a prefix. Prefix matching is
// structural, segment by segment; no string concatenation is involved.
func (c *Client[V]) matchLocked(can key.Canonical, exact bool) []*entry[V] {
	if exact {
		if e, ok := c.entries[can.String()]; ok {
			return []*entry[V]{e}
		}
		return nil
	}
	var out []*entry[V]
	for _, e := range c.entries {
		if can.IsPrefixOf(e.canonical) {
			out = append(out, e)
		}
	}
	return out
}

func (c *Client[V]) snapshotLocked(e *entry[V]) Snapshot[V] {
	c.seq++
	s := Snapshot[V]{
		seq:           c.seq,
		Key:           append(key.Key(nil), e.key...),
		Data:          e.data,
		HasData:       e.hasData,
		Status:        e.status,
		Err:           e.err,
		LastFetchedAt: e.lastFetchedAt,
		Observers:     e.observers,
	}
	if e.flight != nil {
		s.Activity = ActivityLoading
	}
	return s
}

// freshLocked reports whether the entry's last successful fetch is still
// inside its staleness window. staleTime 0 means always stale.
func (c *Client[V]) freshLocked(e *entry[V]) bool {
	if e.lastFetchedAt.IsZero() || e.staleTime <= 0 {
		return false
	}
	return c.clock.Since(e.lastFetchedAt) < e.staleTime
}

func (c *Client[V]) publish(can key.Canonical, snap Snapshot[V]) {
	c.bus.publish(can.String(), snap)
}

// Peek returns the current snapshot for k without fetching.
func (c *Client[V]) Peek(k key.Key) (Snapshot[V], bool, error) {
	can, err := key.Canonicalize(k)
	if err != nil {
		return Snapshot[V]{}, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[can.String()]
	if !ok {
		return Snapshot[V]{}, false, nil
	}
	return c.snapshotLocked(e), true, nil
}

// SetData writes v for k as trusted data, as if it had just been fetched.
// The write is atomic per key and wins over concurrent writers by
// completion order; it does not cancel an in-flight fetch (use
// ApplyOptimistic for the cancel-then-write pattern).
func (c *Client[V]) SetData(k key.Key, v V) (Snapshot[V], error) {
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
	e.data = v
	e.hasData = true
	e.status = DataSuccess
	e.err = nil
	e.lastFetchedAt = c.clock.Now()
	c.touchGCLocked(e)
	snap := c.snapshotLocked(e)
	c.mu.Unlock()

	c.publish(can, snap)
	return snap, nil
}

// SeedInitial seeds k with data as if it had been fetched at fetchedAt
// (zero => now). A no-op when the entry already holds data or has a fetch
// in flight; live state always wins over seeds.
func (c *Client[V]) SeedInitial(k key.Key, v V, fetchedAt time.Time) error {
	can, err := key.Canonicalize(k)
	if err != nil {
		return err
	}
	if fetchedAt.IsZero() {
		fetchedAt = c.clock.Now()
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	e := c.ensureEntryLocked(k, can)
	if e.hasData || e.flight != nil {
		c.mu.Unlock()
		return nil
	}
	e.data = v
	e.hasData = true
	e.status = DataSuccess
	e.err = nil
	e.lastFetchedAt = fetchedAt
	c.touchGCLocked(e)
	snap := c.snapshotLocked(e)
	c.mu.Unlock()

	c.publish(can, snap)
	return nil
}

// Delete removes the entry for k, discarding any in-flight fetch.
// Observers receive an empty pending snapshot.
func (c *Client[V]) Delete(k key.Key) error {
	can, err := key.Canonicalize(k)
	if err != nil {
		return err
	}
	c.mu.Lock()
	e, ok := c.entries[can.String()]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	if fl := e.flight; fl != nil {
		e.gen++
		e.flight = nil
		fl.cancel()
	}
	if e.gcTimer != nil {
		e.gcTimer.Stop()
	}
	delete(c.entries, can.String())
	c.seq++
	tomb := Snapshot[V]{Key: append(key.Key(nil), k...), Status: DataPending, seq: c.seq}
	c.mu.Unlock()

	c.publish(can, tomb)
	return nil
}

// SelectByPrefix returns snapshots of every entry whose key has the given
// prefix, ordered by canonical key for determinism.
func (c *Client[V]) SelectByPrefix(prefix key.Key) ([]Snapshot[V], error) {
	can, err := key.Canonicalize(prefix)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	matched := c.matchLocked(can, false)
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].canonical.String() < matched[j].canonical.String()
	})
	out := make([]Snapshot[V], 0, len(matched))
	for _, e := range matched {
		out = append(out, c.snapshotLocked(e))
	}
	c.mu.Unlock()
	return out, nil
}
