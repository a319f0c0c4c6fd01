package querycache

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/unkn0wn-root/querycache/key"
)

// ==============================
// Store-level operations
// ==============================

// TestPeekUnknownKey verifies Peek reports absence without creating entries.
func TestPeekUnknownKey(t *testing.T) {
	c := newTestClient(t, nil)
	if _, ok, err := c.Peek(key.Key{"nope"}); err != nil || ok {
		t.Fatalf("Peek: ok=%v err=%v", ok, err)
	}
	// still absent afterwards
	if _, ok, _ := c.Peek(key.Key{"nope"}); ok {
		t.Fatalf("Peek created an entry")
	}
}

// TestSetDataTrusted verifies SetData behaves like a just-settled fetch.
func TestSetDataTrusted(t *testing.T) {
	ctx := context.Background()
	fc := clockwork.NewFakeClock()
	c := newTestClient(t, func(o *Options[user]) { o.Clock = fc })

	k := key.Key{"user", 1}
	snap, err := c.SetData(k, user{ID: "1", Name: "Ada"})
	if err != nil {
		t.Fatalf("SetData: %v", err)
	}
	if snap.Status != DataSuccess || !snap.LastFetchedAt.Equal(fc.Now()) {
		t.Fatalf("snapshot: %+v", snap)
	}

	// a fresh-window read is served from the written value without fetching
	called := false
	fetch := func(ctx context.Context) (user, error) { called = true; return user{}, nil }
	got, err := c.EnsureFresh(ctx, k, fetch, FetchOptions[user]{StaleTime: time.Hour})
	if err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}
	if called || got.Data.Name != "Ada" {
		t.Fatalf("called=%v data=%+v", called, got.Data)
	}
}

// TestSeedInitialYieldsToLiveData verifies seeding never overwrites existing
// data and respects the provided fetch time.
func TestSeedInitialYieldsToLiveData(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := newTestClient(t, func(o *Options[user]) { o.Clock = fc })

	k := key.Key{"user", 1}
	past := fc.Now().Add(-10 * time.Minute)
	if err := c.SeedInitial(k, user{Name: "seed"}, past); err != nil {
		t.Fatalf("SeedInitial: %v", err)
	}
	snap, _, _ := c.Peek(k)
	if snap.Data.Name != "seed" || !snap.LastFetchedAt.Equal(past) {
		t.Fatalf("seeded snapshot: %+v", snap)
	}

	if _, err := c.SetData(k, user{Name: "live"}); err != nil {
		t.Fatalf("SetData: %v", err)
	}
	if err := c.SeedInitial(k, user{Name: "seed2"}, time.Time{}); err != nil {
		t.Fatalf("SeedInitial: %v", err)
	}
	snap, _, _ = c.Peek(k)
	if snap.Data.Name != "live" {
		t.Fatalf("seed overwrote live data: %+v", snap.Data)
	}
}

// TestSelectByPrefix verifies hierarchical listing with deterministic order.
func TestSelectByPrefix(t *testing.T) {
	c := newTestClient(t, nil)

	for _, k := range []key.Key{
		{"products", "detail", 1},
		{"products", "detail", 2},
		{"products", "list"},
		{"users", 1},
	} {
		if _, err := c.SetData(k, user{}); err != nil {
			t.Fatalf("SetData(%v): %v", k, err)
		}
	}

	snaps, err := c.SelectByPrefix(key.Key{"products"})
	if err != nil {
		t.Fatalf("SelectByPrefix: %v", err)
	}
	if len(snaps) != 3 {
		t.Fatalf("matched %d entries, want 3", len(snaps))
	}

	again, err := c.SelectByPrefix(key.Key{"products"})
	if err != nil {
		t.Fatalf("SelectByPrefix: %v", err)
	}
	for i := range snaps {
		a := mustCanonical(t, snaps[i].Key)
		b := mustCanonical(t, again[i].Key)
		if !a.Equal(b) {
			t.Fatalf("ordering not deterministic at %d", i)
		}
	}

	none, err := c.SelectByPrefix(key.Key{"missing"})
	if err != nil {
		t.Fatalf("SelectByPrefix: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("unexpected matches: %d", len(none))
	}
}

func mustCanonical(t *testing.T, k key.Key) key.Canonical {
	t.Helper()
	can, err := key.Canonicalize(k)
	if err != nil {
		t.Fatalf("Canonicalize(%v): %v", k, err)
	}
	return can
}

// TestInvalidKeyRejected verifies key errors surface through client
// operations.
func TestInvalidKeyRejected(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, nil)

	if _, err := c.SetData(key.Key{}, user{}); err == nil {
		t.Fatalf("empty key accepted by SetData")
	}
	if _, err := c.EnsureFresh(ctx, key.Key{"x", func() {}}, nil, FetchOptions[user]{}); err == nil {
		t.Fatalf("non-canonicalizable key accepted by EnsureFresh")
	}
	if err := c.Invalidate(ctx, key.Key{}, InvalidateOptions[user]{}); err == nil {
		t.Fatalf("empty key accepted by Invalidate")
	}
}
