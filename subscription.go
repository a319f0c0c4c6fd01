package querycache

import (
	"sync"

	"github.com/unkn0wn-root/querycache/key"
)

// subscriber is one registered observer callback. Deliveries are serialized
// per subscriber and ordered by snapshot sequence number, so a straggling
// publish can never make observed state regress.
type subscriber[V any] struct {
	mu   sync.Mutex
	fn   func(Snapshot[V])
	last uint64
}

func (s *subscriber[V]) deliver(snap Snapshot[V]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.seq <= s.last {
		return
	}
	s.last = snap.seq
	s.fn(snap)
}

// bus tracks per-key observers and delivers snapshots on change. It has its
// own lock so callbacks never run under the store lock and may re-enter the
// client freely.
type bus[V any] struct {
	mu   sync.Mutex
	subs map[string]map[uint64]*subscriber[V]
	next uint64
}

func newBus[V any]() *bus[V] {
	return &bus[V]{subs: make(map[string]map[uint64]*subscriber[V])}
}

func (b *bus[V]) add(canonical string, fn func(Snapshot[V])) (uint64, *subscriber[V]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	m, ok := b.subs[canonical]
	if !ok {
		m = make(map[uint64]*subscriber[V])
		b.subs[canonical] = m
	}
	s := &subscriber[V]{fn: fn}
	m[id] = s
	return id, s
}

func (b *bus[V]) remove(canonical string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.subs[canonical]; ok {
		delete(m, id)
		if len(m) == 0 {
			delete(b.subs, canonical)
		}
	}
}

func (b *bus[V]) publish(canonical string, snap Snapshot[V]) {
	b.mu.Lock()
	m := b.subs[canonical]
	subs := make([]*subscriber[V], 0, len(m))
	for _, s := range m {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.deliver(snap)
	}
}

func (b *bus[V]) clear() {
	b.mu.Lock()
	b.subs = make(map[string]map[uint64]*subscriber[V])
	b.mu.Unlock()
}

// Subscribe registers fn as an observer of k. fn receives the current
// snapshot immediately and every subsequent change. The returned function
// unsubscribes; it is idempotent. When the last observer of an entry
// leaves, the entry becomes eligible for garbage collection after the GC
// grace period.
func (c *Client[V]) Subscribe(k key.Key, fn func(Snapshot[V])) (func(), error) {
	can, err := key.Canonicalize(k)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	e := c.ensureEntryLocked(k, can)
	e.observers++
	if e.gcTimer != nil {
		e.gcTimer.Stop()
		e.gcTimer = nil
	}
	snap := c.snapshotLocked(e)
	// registered under the store lock: no publish for a newer state can slip
	// in before this observer is visible to the bus
	id, sub := c.bus.add(can.String(), fn)
	c.mu.Unlock()

	sub.deliver(snap)

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			c.bus.remove(can.String(), id)
			c.mu.Lock()
			if e, ok := c.entries[can.String()]; ok {
				e.observers--
				if e.observers <= 0 {
					e.observers = 0
					c.scheduleGCLocked(e)
				}
			}
			c.mu.Unlock()
		})
	}
	return unsubscribe, nil
}

// touchGCLocked restarts the inactivity grace timer for an unobserved entry.
// Called on every entry write so active-but-unobserved entries stay cached.
func (c *Client[V]) touchGCLocked(e *entry[V]) {
	if e.observers == 0 {
		c.scheduleGCLocked(e)
	}
}

// scheduleGCLocked arms the eviction timer for an entry with zero observers.
// The timer re-checks under the lock; a new observer, a write (which re-arms
// a fresh timer), or an in-flight fetch in the meantime wins.
func (c *Client[V]) scheduleGCLocked(e *entry[V]) {
	if c.closed {
		return
	}
	canonical := e.canonical.String()
	if e.gcTimer != nil {
		e.gcTimer.Stop()
	}
	e.gcTimer = c.clock.AfterFunc(c.gcDelay, func() {
		c.mu.Lock()
		cur, ok := c.entries[canonical]
		if !ok || cur.observers > 0 || cur.flight != nil {
			// settlement re-arms the timer for the flight case
			c.mu.Unlock()
			return
		}
		delete(c.entries, canonical)
		c.mu.Unlock()

		c.hooks.EntryEvicted(canonical)
		c.log.Debug("entry evicted after gc grace period", Fields{"key": canonical})
	})
}
