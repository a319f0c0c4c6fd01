package querycache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/unkn0wn-root/querycache/codec"
	pr "github.com/unkn0wn-root/querycache/provider"
)

type user struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type memEntry struct {
	v   []byte
	exp time.Time // zero => no TTL
}

type memProvider struct {
	mu sync.Mutex
	m  map[string]memEntry
}

var _ pr.Provider = (*memProvider)(nil)

func newMemProvider() *memProvider { return &memProvider{m: make(map[string]memEntry)} }

func (p *memProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.m[key]
	if !ok {
		return nil, false, nil
	}
	if !e.exp.IsZero() && time.Now().After(e.exp) {
		delete(p.m, key)
		return nil, false, nil
	}
	return e.v, true, nil
}

func (p *memProvider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	p.m[key] = memEntry{v: value, exp: exp}
	return true, nil
}

func (p *memProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, key)
	return nil
}

func (p *memProvider) Close(_ context.Context) error { return nil }

func (p *memProvider) has(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.m[key]
	return ok
}

// hookCounts is a point-in-time copy of recorded hook events.
type hookCounts struct {
	started    int
	dedup      int
	discarded  map[string]int // by reason
	retries    int
	evicted    int
	rolledBack int
	skipped    int
	hookErrs   map[string]int // by stage
	selfHeal   map[string]int // by reason
}

// recHooks records hook events so tests can assert on them.
type recHooks struct {
	NopHooks

	mu sync.Mutex
	c  hookCounts
}

func newRecHooks() *recHooks {
	return &recHooks{c: hookCounts{
		discarded: make(map[string]int),
		hookErrs:  make(map[string]int),
		selfHeal:  make(map[string]int),
	}}
}

func (h *recHooks) FetchStarted(string, bool) {
	h.mu.Lock()
	h.c.started++
	h.mu.Unlock()
}

func (h *recHooks) FetchDeduplicated(string) {
	h.mu.Lock()
	h.c.dedup++
	h.mu.Unlock()
}

func (h *recHooks) FetchDiscarded(_ string, reason string) {
	h.mu.Lock()
	h.c.discarded[reason]++
	h.mu.Unlock()
}

func (h *recHooks) FetchRetryScheduled(string, int, time.Duration) {
	h.mu.Lock()
	h.c.retries++
	h.mu.Unlock()
}

func (h *recHooks) EntryEvicted(string) {
	h.mu.Lock()
	h.c.evicted++
	h.mu.Unlock()
}

func (h *recHooks) RollbackApplied(string) {
	h.mu.Lock()
	h.c.rolledBack++
	h.mu.Unlock()
}

func (h *recHooks) RollbackSkipped(string) {
	h.mu.Lock()
	h.c.skipped++
	h.mu.Unlock()
}

func (h *recHooks) MutationHookError(stage string, _ error) {
	h.mu.Lock()
	h.c.hookErrs[stage]++
	h.mu.Unlock()
}

func (h *recHooks) HydrateSelfHeal(reason string) {
	h.mu.Lock()
	h.c.selfHeal[reason]++
	h.mu.Unlock()
}

func (h *recHooks) counts() hookCounts {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.c
	out.discarded = make(map[string]int, len(h.c.discarded))
	out.hookErrs = make(map[string]int, len(h.c.hookErrs))
	out.selfHeal = make(map[string]int, len(h.c.selfHeal))
	for k, v := range h.c.discarded {
		out.discarded[k] = v
	}
	for k, v := range h.c.hookErrs {
		out.hookErrs[k] = v
	}
	for k, v := range h.c.selfHeal {
		out.selfHeal[k] = v
	}
	return out
}

func newTestClient(t *testing.T, optsOpt func(*Options[user])) *Client[user] {
	t.Helper()
	var opts Options[user]
	if optsOpt != nil {
		optsOpt(&opts)
	}
	c, err := New[user](opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c
}

func newPersistClient(t *testing.T, mp pr.Provider, clk clockwork.Clock, maxAge time.Duration) *Client[user] {
	t.Helper()
	return newTestClient(t, func(o *Options[user]) {
		o.Clock = clk
		o.Persistence = &Persistence[user]{
			Provider:  mp,
			Codec:     codec.JSON[user]{},
			Namespace: "test",
			MaxAge:    maxAge,
		}
	})
}

// waitUntil polls cond until it holds or the deadline passes. Used where a
// transition happens on another goroutine (flight settlement, GC timers).
func waitUntil(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %v", d)
}
