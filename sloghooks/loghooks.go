package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/querycache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	DedupEvery   uint64
	DiscardEvery uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	dedupCtr   atomic.Uint64
	discardCtr atomic.Uint64
}

var _ querycache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) FetchStarted(canonicalKey string, forced bool) {
	if h.l == nil {
		return
	}
	h.l.Debug("querycache.fetch_started",
		"key", h.redact(canonicalKey),
		"forced", forced)
}

func (h *Hooks) FetchDeduplicated(canonicalKey string) {
	if h.l == nil || !sample(h.opts.DedupEvery, &h.dedupCtr) {
		return
	}
	h.l.Debug("querycache.fetch_deduplicated",
		"key", h.redact(canonicalKey))
}

func (h *Hooks) FetchDiscarded(canonicalKey, reason string) {
	if h.l == nil || !sample(h.opts.DiscardEvery, &h.discardCtr) {
		return
	}
	h.l.Debug("querycache.fetch_discarded",
		"key", h.redact(canonicalKey),
		"reason", reason)
}

func (h *Hooks) FetchRetryScheduled(canonicalKey string, attempt int, delay time.Duration) {
	if h.l == nil {
		return
	}
	h.l.Info("querycache.fetch_retry",
		"key", h.redact(canonicalKey),
		"attempt", attempt,
		"delay", delay)
}

func (h *Hooks) EntryEvicted(canonicalKey string) {
	if h.l == nil {
		return
	}
	h.l.Debug("querycache.entry_evicted",
		"key", h.redact(canonicalKey))
}

func (h *Hooks) RollbackApplied(canonicalKey string) {
	if h.l == nil {
		return
	}
	h.l.Info("querycache.rollback_applied",
		"key", h.redact(canonicalKey))
}

func (h *Hooks) RollbackSkipped(canonicalKey string) {
	if h.l == nil {
		return
	}
	h.l.Info("querycache.rollback_skipped",
		"key", h.redact(canonicalKey),
		"msg", "optimistic value superseded by newer write; cache left untouched")
}

func (h *Hooks) MutationHookError(stage string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("querycache.mutation_hook_error",
		"stage", stage,
		"err", err)
}

func (h *Hooks) HydrateSelfHeal(reason string) {
	if h.l == nil {
		return
	}
	h.l.Warn("querycache.hydrate_self_heal",
		"reason", reason)
}
