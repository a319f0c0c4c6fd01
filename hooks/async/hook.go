// Package asynchook decouples hook callbacks from the cache hot path with a
// bounded queue and a small worker pool. Events are dropped, never blocked
// on, when the queue is full.
//
// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    DedupEvery:   10, // sample logs: ~every 10th dedup
//	    DiscardEvery: 1,  // log every discarded fetch
//	})
//
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	cache, _ := querycache.New[User](querycache.Options[User]{
//	    Hooks: hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"
	"time"

	"github.com/unkn0wn-root/querycache"
)

type Hooks struct {
	inner querycache.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ querycache.Hooks = (*Hooks)(nil)

func New(inner querycache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) FetchStarted(k string, forced bool) { h.try(func() { h.inner.FetchStarted(k, forced) }) }
func (h *Hooks) FetchDeduplicated(k string)         { h.try(func() { h.inner.FetchDeduplicated(k) }) }
func (h *Hooks) EntryEvicted(k string)              { h.try(func() { h.inner.EntryEvicted(k) }) }
func (h *Hooks) RollbackApplied(k string)           { h.try(func() { h.inner.RollbackApplied(k) }) }
func (h *Hooks) RollbackSkipped(k string)           { h.try(func() { h.inner.RollbackSkipped(k) }) }
func (h *Hooks) HydrateSelfHeal(reason string)      { h.try(func() { h.inner.HydrateSelfHeal(reason) }) }
func (h *Hooks) FetchDiscarded(k, reason string) {
	h.try(func() { h.inner.FetchDiscarded(k, reason) })
}
func (h *Hooks) FetchRetryScheduled(k string, attempt int, delay time.Duration) {
	h.try(func() { h.inner.FetchRetryScheduled(k, attempt, delay) })
}
func (h *Hooks) MutationHookError(stage string, err error) {
	h.try(func() { h.inner.MutationHookError(stage, err) })
}
