package querycache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/unkn0wn-root/querycache/key"
)

// ==============================
// Invalidation
// ==============================

// TestInvalidatePrefix verifies hierarchical matching: invalidating a prefix
// refetches observed descendants, marks unobserved ones stale, and leaves
// unrelated keys alone.
func TestInvalidatePrefix(t *testing.T) {
	ctx := context.Background()
	fc := clockwork.NewFakeClock()
	c := newTestClient(t, func(o *Options[user]) { o.Clock = fc })

	var p1, p2, u1 atomic.Int32
	mkFetch := func(n *atomic.Int32, name string) FetchFunc[user] {
		return func(ctx context.Context) (user, error) {
			n.Add(1)
			return user{Name: name}, nil
		}
	}

	opts := FetchOptions[user]{StaleTime: time.Hour}
	if _, err := c.EnsureFresh(ctx, key.Key{"products", "detail", 1}, mkFetch(&p1, "p1"), opts); err != nil {
		t.Fatalf("EnsureFresh p1: %v", err)
	}
	if _, err := c.EnsureFresh(ctx, key.Key{"products", "detail", 2}, mkFetch(&p2, "p2"), opts); err != nil {
		t.Fatalf("EnsureFresh p2: %v", err)
	}
	if _, err := c.EnsureFresh(ctx, key.Key{"users", 1}, mkFetch(&u1, "u1"), opts); err != nil {
		t.Fatalf("EnsureFresh u1: %v", err)
	}

	// Only product 1 has an observer; product 2 should merely go stale.
	unsub, err := c.Subscribe(key.Key{"products", "detail", 1}, func(Snapshot[user]) {})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	if err := c.Invalidate(ctx, key.Key{"products"}, InvalidateOptions[user]{}); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	if got := p1.Load(); got != 2 {
		t.Fatalf("observed entry refetched %d times, want 2", got)
	}
	if got := p2.Load(); got != 1 {
		t.Fatalf("unobserved entry refetched: %d calls", got)
	}
	if got := u1.Load(); got != 1 {
		t.Fatalf("unrelated entry refetched: %d calls", got)
	}

	// The unobserved descendant is stale now: next access refetches despite
	// the one-hour window.
	snap, ok, err := c.Peek(key.Key{"products", "detail", 2})
	if err != nil || !ok {
		t.Fatalf("Peek: ok=%v err=%v", ok, err)
	}
	if !snap.LastFetchedAt.IsZero() {
		t.Fatalf("unobserved entry not marked stale: %v", snap.LastFetchedAt)
	}
	if _, err := c.EnsureFresh(ctx, key.Key{"products", "detail", 2}, nil, opts); err != nil {
		t.Fatalf("EnsureFresh after invalidate: %v", err)
	}
	if got := p2.Load(); got != 2 {
		t.Fatalf("lazy refetch did not run: %d calls", got)
	}
}

// TestInvalidateExact verifies Exact matches the identical key only, never
// descendants.
func TestInvalidateExact(t *testing.T) {
	ctx := context.Background()
	fc := clockwork.NewFakeClock()
	c := newTestClient(t, func(o *Options[user]) { o.Clock = fc })

	opts := FetchOptions[user]{StaleTime: time.Hour}
	fetch := func(ctx context.Context) (user, error) { return user{}, nil }
	if _, err := c.EnsureFresh(ctx, key.Key{"products"}, fetch, opts); err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}
	if _, err := c.EnsureFresh(ctx, key.Key{"products", "detail", 1}, fetch, opts); err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}

	if err := c.Invalidate(ctx, key.Key{"products"}, InvalidateOptions[user]{Exact: true}); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	parent, _, _ := c.Peek(key.Key{"products"})
	child, _, _ := c.Peek(key.Key{"products", "detail", 1})
	if !parent.LastFetchedAt.IsZero() {
		t.Fatalf("exact target not invalidated")
	}
	if child.LastFetchedAt.IsZero() {
		t.Fatalf("exact invalidation leaked to descendant")
	}
}

// TestInvalidateMarkOnly verifies MarkOnly skips the refetch even for
// observed entries.
func TestInvalidateMarkOnly(t *testing.T) {
	ctx := context.Background()
	fc := clockwork.NewFakeClock()
	c := newTestClient(t, func(o *Options[user]) { o.Clock = fc })

	var calls atomic.Int32
	fetch := func(ctx context.Context) (user, error) {
		calls.Add(1)
		return user{}, nil
	}
	k := key.Key{"user", 1}
	if _, err := c.EnsureFresh(ctx, k, fetch, FetchOptions[user]{StaleTime: time.Hour}); err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}
	unsub, err := c.Subscribe(k, func(Snapshot[user]) {})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	if err := c.Invalidate(ctx, k, InvalidateOptions[user]{Exact: true, MarkOnly: true}); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("MarkOnly refetched: %d calls", got)
	}
	snap, _, _ := c.Peek(k)
	if !snap.LastFetchedAt.IsZero() {
		t.Fatalf("entry not marked stale")
	}
}

// TestInvalidatePredicate verifies the predicate filters matched entries.
func TestInvalidatePredicate(t *testing.T) {
	ctx := context.Background()
	fc := clockwork.NewFakeClock()
	c := newTestClient(t, func(o *Options[user]) { o.Clock = fc })

	if _, err := c.SetData(key.Key{"user", 1}, user{ID: "1", Name: "keep"}); err != nil {
		t.Fatalf("SetData: %v", err)
	}
	if _, err := c.SetData(key.Key{"user", 2}, user{ID: "2", Name: "drop"}); err != nil {
		t.Fatalf("SetData: %v", err)
	}

	err := c.Invalidate(ctx, key.Key{"user"}, InvalidateOptions[user]{
		Predicate: func(s Snapshot[user]) bool { return s.Data.Name == "drop" },
	})
	if err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	kept, _, _ := c.Peek(key.Key{"user", 1})
	dropped, _, _ := c.Peek(key.Key{"user", 2})
	if kept.LastFetchedAt.IsZero() {
		t.Fatalf("predicate mismatch was invalidated")
	}
	if !dropped.LastFetchedAt.IsZero() {
		t.Fatalf("predicate match was not invalidated")
	}
}

// TestInvalidateAwaitsRefetch verifies Invalidate returns only after the
// triggered refetches settle, so the new value is immediately visible.
func TestInvalidateAwaitsRefetch(t *testing.T) {
	ctx := context.Background()
	fc := clockwork.NewFakeClock()
	c := newTestClient(t, func(o *Options[user]) { o.Clock = fc })

	var gen atomic.Int32
	fetch := func(ctx context.Context) (user, error) {
		n := gen.Add(1)
		if n == 1 {
			return user{Name: "v1"}, nil
		}
		return user{Name: "v2"}, nil
	}
	k := key.Key{"doc", 7}
	if _, err := c.EnsureFresh(ctx, k, fetch, FetchOptions[user]{StaleTime: time.Hour}); err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}
	unsub, err := c.Subscribe(k, func(Snapshot[user]) {})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	if err := c.Invalidate(ctx, k, InvalidateOptions[user]{Exact: true}); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	snap, _, _ := c.Peek(k)
	if snap.Data.Name != "v2" || snap.Activity != ActivityIdle {
		t.Fatalf("refetch not settled before return: %+v", snap)
	}
}

// TestInvalidateRefetchFailureNotReturned verifies a failing refetch is
// recorded on the entry, not surfaced by Invalidate.
func TestInvalidateRefetchFailureNotReturned(t *testing.T) {
	ctx := context.Background()
	fc := clockwork.NewFakeClock()
	c := newTestClient(t, func(o *Options[user]) { o.Clock = fc })

	var calls atomic.Int32
	fetch := func(ctx context.Context) (user, error) {
		if calls.Add(1) == 1 {
			return user{Name: "ok"}, nil
		}
		return user{}, context.DeadlineExceeded
	}
	k := key.Key{"doc", 7}
	if _, err := c.EnsureFresh(ctx, k, fetch, FetchOptions[user]{StaleTime: time.Hour}); err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}
	unsub, err := c.Subscribe(k, func(Snapshot[user]) {})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	if err := c.Invalidate(ctx, k, InvalidateOptions[user]{Exact: true}); err != nil {
		t.Fatalf("Invalidate surfaced refetch failure: %v", err)
	}

	snap, _, _ := c.Peek(k)
	if snap.Status != DataError || snap.Err == nil {
		t.Fatalf("failure not recorded on entry: %+v", snap)
	}
	if snap.Data.Name != "ok" {
		t.Fatalf("previous data lost: %+v", snap.Data)
	}
}

// TestInvalidateIdempotent verifies invalidating an already-stale entry is
// harmless.
func TestInvalidateIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, nil)

	if _, err := c.SetData(key.Key{"user", 1}, user{ID: "1"}); err != nil {
		t.Fatalf("SetData: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := c.Invalidate(ctx, key.Key{"user", 1}, InvalidateOptions[user]{Exact: true}); err != nil {
			t.Fatalf("Invalidate #%d: %v", i, err)
		}
	}
	if err := c.Invalidate(ctx, key.Key{"nothing", "here"}, InvalidateOptions[user]{}); err != nil {
		t.Fatalf("Invalidate on unknown key: %v", err)
	}
}
