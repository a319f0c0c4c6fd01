package querycache

import "time"

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The cache calls them on hot paths.
type Hooks interface {
	// A fetch was started for a key. forced is true for forced refetches.
	FetchStarted(canonicalKey string, forced bool)

	// A caller attached to an already in-flight fetch instead of starting
	// its own.
	FetchDeduplicated(canonicalKey string)

	// A completed fetch was discarded because its generation token was
	// superseded. reason ∈ {"superseded", "cancelled", "entry_gone"}
	FetchDiscarded(canonicalKey string, reason string)

	// A failed fetch attempt will be retried after delay.
	FetchRetryScheduled(canonicalKey string, attempt int, delay time.Duration)

	// An unobserved entry was removed after the GC grace period.
	EntryEvicted(canonicalKey string)

	// A failed mutation restored the pre-optimistic value.
	RollbackApplied(canonicalKey string)

	// A failed mutation left the cache untouched because a newer write
	// superseded its optimistic value.
	RollbackSkipped(canonicalKey string)

	// A mutation lifecycle hook (OnSuccess/OnError/OnSettled) returned an
	// error. stage ∈ {"success", "error", "settled"}. Settlement still ran.
	MutationHookError(stage string, err error)

	// A persisted snapshot entry was dropped during hydrate.
	// reason ∈ {"corrupt", "key_decode", "value_decode", "expired"}
	HydrateSelfHeal(reason string)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) FetchStarted(string, bool)                       {}
func (NopHooks) FetchDeduplicated(string)                        {}
func (NopHooks) FetchDiscarded(string, string)                   {}
func (NopHooks) FetchRetryScheduled(string, int, time.Duration)  {}
func (NopHooks) EntryEvicted(string)                             {}
func (NopHooks) RollbackApplied(string)                          {}
func (NopHooks) RollbackSkipped(string)                          {}
func (NopHooks) MutationHookError(string, error)                 {}
func (NopHooks) HydrateSelfHeal(string)                          {}
