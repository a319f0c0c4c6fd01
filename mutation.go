package querycache

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"github.com/unkn0wn-root/querycache/key"
)

// MutationState tracks one mutation invocation:
// idle → running → (optimistic-applied)? → settling → done.
type MutationState uint8

const (
	MutationIdle MutationState = iota
	MutationRunning
	MutationOptimisticApplied
	MutationSettling
	MutationDone
)

func (s MutationState) String() string {
	switch s {
	case MutationIdle:
		return "idle"
	case MutationRunning:
		return "running"
	case MutationOptimisticApplied:
		return "optimistic-applied"
	case MutationSettling:
		return "settling"
	case MutationDone:
		return "done"
	default:
		return "unknown"
	}
}

// MutationContext captures one optimistic patch so it can be verified and
// rolled back. Owned exclusively by the mutation invocation that created
// it; discarded when the mutation settles.
type MutationContext[V any] struct {
	Key         key.Key
	Previous    V
	HadPrevious bool
	Optimistic  V
}

// MutationConfig declares one write operation against the external system.
type MutationConfig[V, Vars, R any] struct {
	// Run executes the write. Required.
	Run func(ctx context.Context, vars Vars) (R, error)

	// OnMutate runs before the write. It may apply an optimistic patch
	// (typically via Client.ApplyOptimistic) and return the context that
	// makes the patch reversible. Returning (nil, nil) skips optimism.
	// An error here aborts the mutation before Run.
	OnMutate func(ctx context.Context, vars Vars) (*MutationContext[V], error)

	// OnSuccess runs after a successful write, before settlement.
	OnSuccess func(ctx context.Context, result R, vars Vars, mctx *MutationContext[V]) error

	// OnError runs after a failed write, after rollback evaluation.
	OnError func(ctx context.Context, runErr error, vars Vars, mctx *MutationContext[V]) error

	// OnSettled always runs, success or failure. Errors from OnSuccess,
	// OnError and OnSettled are reported through Hooks.MutationHookError
	// but never prevent settlement.
	OnSettled func(ctx context.Context, result R, runErr error, vars Vars, mctx *MutationContext[V]) error

	// Invalidates lists keys invalidated (exact) at settlement, on top of
	// the optimistic patch's own key. Reconciles the cache with server
	// truth regardless of outcome.
	Invalidates []key.Key

	// Retry overrides the write retry policy. Default: single attempt.
	Retry *Retry
}

// Mutation is a reusable, concurrency-safe handle for one kind of write
// operation. Each Do call is an independent invocation with its own state
// machine and MutationContext.
type Mutation[V, Vars, R any] struct {
	c   *Client[V]
	cfg MutationConfig[V, Vars, R]
}

func NewMutation[V, Vars, R any](c *Client[V], cfg MutationConfig[V, Vars, R]) (*Mutation[V, Vars, R], error) {
	if c == nil {
		return nil, fmt.Errorf("querycache: mutation requires a client")
	}
	if cfg.Run == nil {
		return nil, fmt.Errorf("querycache: mutation requires a Run function")
	}
	return &Mutation[V, Vars, R]{c: c, cfg: cfg}, nil
}

// mutationRun is the per-invocation state machine.
type mutationRun[V, Vars, R any] struct {
	m     *Mutation[V, Vars, R]
	state MutationState
	mctx  *MutationContext[V]
}

func (r *mutationRun[V, Vars, R]) to(s MutationState) {
	r.state = s
	r.m.c.log.Debug("mutation state", Fields{"state": s.String()})
}

// Do runs the mutation once. The write's error is surfaced to the caller
// only after rollback evaluation, hooks, and settlement invalidation have
// completed; settlement always executes.
func (m *Mutation[V, Vars, R]) Do(ctx context.Context, vars Vars) (R, error) {
	var zero R
	r := &mutationRun[V, Vars, R]{m: m, state: MutationIdle}
	r.to(MutationRunning)

	if m.cfg.OnMutate != nil {
		mctx, err := m.cfg.OnMutate(ctx, vars)
		if err != nil {
			r.to(MutationDone)
			return zero, &MutationError{Stage: "mutate", Err: err}
		}
		if mctx != nil {
			r.mctx = mctx
			r.to(MutationOptimisticApplied)
		}
	}

	res, runErr := m.runWrite(ctx, vars)

	r.to(MutationSettling)
	if runErr != nil {
		if r.mctx != nil {
			if _, err := m.c.RollbackOptimistic(r.mctx); err != nil {
				m.c.log.Error("rollback failed", Fields{"err": err})
			}
		}
		if m.cfg.OnError != nil {
			if herr := m.cfg.OnError(ctx, runErr, vars, r.mctx); herr != nil {
				m.c.reportHookError("error", herr)
			}
		}
	} else if m.cfg.OnSuccess != nil {
		if herr := m.cfg.OnSuccess(ctx, res, vars, r.mctx); herr != nil {
			m.c.reportHookError("success", herr)
		}
	}

	if m.cfg.OnSettled != nil {
		if herr := m.cfg.OnSettled(ctx, res, runErr, vars, r.mctx); herr != nil {
			m.c.reportHookError("settled", herr)
		}
	}

	m.settleInvalidate(ctx, r.mctx)
	r.to(MutationDone)

	if runErr != nil {
		return zero, &MutationError{Stage: "run", Err: runErr}
	}
	return res, nil
}

// runWrite executes the write with the same clock-driven backoff fetches
// use, so a Retry policy means the same thing on both paths.
func (m *Mutation[V, Vars, R]) runWrite(ctx context.Context, vars Vars) (R, error) {
	var zero R
	pol := m.c.resolveRetry(m.cfg.Retry)
	attempts := pol.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	b := &backoff.Backoff{
		Min:    pol.BaseDelay,
		Max:    pol.MaxDelay,
		Factor: pol.Factor,
		Jitter: pol.Jitter,
	}
	var lastErr error
	for attempt := 1; ; attempt++ {
		res, err := m.cfg.Run(ctx, vars)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return zero, err
		}
		if attempt >= attempts {
			break
		}
		d := b.Duration()
		m.c.log.Debug("mutation retry scheduled", Fields{"attempt": attempt, "delay": d})
		select {
		case <-m.c.clock.After(d):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, lastErr
}

// settleInvalidate reconciles the cache with server truth after settlement:
// the optimistic patch's key plus any configured keys are invalidated
// exactly, refetching observed entries.
func (m *Mutation[V, Vars, R]) settleInvalidate(ctx context.Context, mctx *MutationContext[V]) {
	keys := make([]key.Key, 0, len(m.cfg.Invalidates)+1)
	if mctx != nil {
		keys = append(keys, mctx.Key)
	}
	keys = append(keys, m.cfg.Invalidates...)
	for _, k := range keys {
		if err := m.c.Invalidate(ctx, k, InvalidateOptions[V]{Exact: true}); err != nil {
			m.c.log.Warn("settlement invalidation failed", Fields{"key": fmt.Sprint(k), "err": err})
		}
	}
}

func (c *Client[V]) reportHookError(stage string, err error) {
	c.hooks.MutationHookError(stage, err)
	c.log.Warn("mutation hook failed", Fields{"stage": stage, "err": err})
}

// ApplyOptimistic writes an expected outcome for k ahead of its
// authoritative write. Any in-flight fetch for k is cancelled first so its
// eventual completion cannot overwrite the patch. The returned context
// makes the patch reversible via RollbackOptimistic.
func (c *Client[V]) ApplyOptimistic(k key.Key, v V) (*MutationContext[V], error) {
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
	if fl := e.flight; fl != nil {
		e.gen++
		e.flight = nil
		fl.cancel()
	}
	mctx := &MutationContext[V]{
		Key:        append(key.Key(nil), k...),
		Optimistic: v,
	}
	if e.hasData {
		mctx.Previous = e.data
		mctx.HadPrevious = true
	}
	e.data = v
	e.hasData = true
	e.status = DataSuccess
	e.err = nil
	e.lastFetchedAt = c.clock.Now()
	c.touchGCLocked(e)
	snap := c.snapshotLocked(e)
	c.mu.Unlock()

	c.publish(can, snap)
	return mctx, nil
}

// RollbackOptimistic restores the pre-patch value, but only when the cache
// still holds exactly the optimistic value the patch wrote
// (compare-and-restore). A newer write from any other fetch or mutation
// supersedes the patch and the cache is left untouched. Reports whether the
// restore was applied.
func (c *Client[V]) RollbackOptimistic(mctx *MutationContext[V]) (bool, error) {
	if mctx == nil {
		return false, nil
	}
	can, err := key.Canonicalize(mctx.Key)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	e, ok := c.entries[can.String()]
	if !ok || !e.hasData || !c.equal(e.data, mctx.Optimistic) {
		c.mu.Unlock()
		c.hooks.RollbackSkipped(can.String())
		c.log.Debug("rollback skipped; optimistic value superseded", Fields{"key": can.String()})
		return false, nil
	}
	if mctx.HadPrevious {
		e.data = mctx.Previous
		e.status = DataSuccess
	} else {
		var zero V
		e.data = zero
		e.hasData = false
		e.status = DataPending
	}
	e.err = nil
	e.lastFetchedAt = time.Time{} // restored value's age is unknown
	c.touchGCLocked(e)
	snap := c.snapshotLocked(e)
	c.mu.Unlock()

	c.publish(can, snap)
	c.hooks.RollbackApplied(can.String())
	return true, nil
}
