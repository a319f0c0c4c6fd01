package querycache

import (
	"context"
	"fmt"
	"time"

	"github.com/unkn0wn-root/querycache/internal/wire"
	"github.com/unkn0wn-root/querycache/key"
)

func (c *Client[V]) snapshotStorageKey() string {
	ns := coalesce[string](c.persist.Namespace, "default")
	return "snapshot:" + ns
}

// Dehydrate persists every trusted entry as one snapshot blob through the
// configured provider. Pending and errored entries are skipped; they carry
// nothing worth restoring.
func (c *Client[V]) Dehydrate(ctx context.Context) error {
	p := c.persist
	if p == nil {
		return ErrNoPersistence
	}

	type item struct {
		canonical string
		data      V
		fetchedAt int64
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	items := make([]item, 0, len(c.entries))
	for _, e := range c.entries {
		if !e.hasData || e.status != DataSuccess || e.lastFetchedAt.IsZero() {
			continue
		}
		items = append(items, item{
			canonical: e.canonical.String(),
			data:      e.data,
			fetchedAt: e.lastFetchedAt.UnixNano(),
		})
	}
	c.mu.Unlock()

	entries := make([]wire.Entry, 0, len(items))
	for _, it := range items {
		payload, err := p.Codec.Encode(it.data)
		if err != nil {
			return fmt.Errorf("querycache: dehydrate encode: %w", err)
		}
		entries = append(entries, wire.Entry{
			Key:       it.canonical,
			FetchedAt: it.fetchedAt,
			Payload:   payload,
		})
	}

	blob, err := wire.EncodeSnapshot(entries)
	if err != nil {
		return fmt.Errorf("querycache: dehydrate: %w", err)
	}

	ok, err := p.Provider.Set(ctx, c.snapshotStorageKey(), blob, int64(len(blob)), p.TTL)
	if err != nil {
		return fmt.Errorf("querycache: dehydrate store: %w", err)
	}
	if !ok {
		c.log.Debug("snapshot rejected by provider (pressure)", Fields{"entries": len(entries)})
	}
	return nil
}

// Hydrate seeds the cache from a previously dehydrated snapshot. Entries
// that fail key or payload decoding are dropped individually; a corrupt
// blob is deleted from the provider (self-heal) and hydration reports
// success with nothing restored. Live entries always win over hydrated
// ones, and entries older than Persistence.MaxAge are discarded.
func (c *Client[V]) Hydrate(ctx context.Context) error {
	p := c.persist
	if p == nil {
		return ErrNoPersistence
	}

	raw, ok, err := p.Provider.Get(ctx, c.snapshotStorageKey())
	if err != nil {
		return fmt.Errorf("querycache: hydrate load: %w", err)
	}
	if !ok {
		return nil
	}

	items, err := wire.DecodeSnapshot(raw)
	if err != nil {
		_ = p.Provider.Del(ctx, c.snapshotStorageKey())
		c.hooks.HydrateSelfHeal("corrupt")
		c.log.Warn("dropped corrupt snapshot", Fields{"err": err})
		return nil
	}

	var cutoff int64
	if p.MaxAge > 0 {
		cutoff = c.clock.Now().Add(-p.MaxAge).UnixNano()
	}

	type seeded struct {
		can  key.Canonical
		snap Snapshot[V]
	}
	var pubs []seeded

	for _, it := range items {
		if cutoff != 0 && it.FetchedAt < cutoff {
			c.hooks.HydrateSelfHeal("expired")
			continue
		}
		k, can, err := key.Parse(it.Key)
		if err != nil {
			c.hooks.HydrateSelfHeal("key_decode")
			continue
		}
		v, err := p.Codec.Decode(it.Payload)
		if err != nil {
			c.hooks.HydrateSelfHeal("value_decode")
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		e := c.ensureEntryLocked(k, can)
		if e.hasData || e.flight != nil {
			c.mu.Unlock()
			continue
		}
		e.data = v
		e.hasData = true
		e.status = DataSuccess
		e.err = nil
		e.lastFetchedAt = time.Unix(0, it.FetchedAt)
		c.touchGCLocked(e)
		pubs = append(pubs, seeded{can: can, snap: c.snapshotLocked(e)})
		c.mu.Unlock()
	}

	for _, s := range pubs {
		c.publish(s.can, s.snap)
	}
	c.log.Debug("hydrated snapshot", Fields{"restored": len(pubs), "total": len(items)})
	return nil
}
