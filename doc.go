// Package querycache implements a client-side asynchronous data cache:
// it fetches server-owned data, stores it under hierarchical keys, tracks
// freshness, serves it to concurrent observers, and coordinates mutations
// with optimistic updates and race-safe rollback.
//
// Components:
//   - key.Key / key.Canonical: hierarchical keys, canonicalized with
//     deterministic CBOR so equal keys always collide and prefix matching
//     is structural (["products"] covers ["products","detail","42"]).
//   - Client[V]: the owned cache instance. Entries are created lazily on
//     first use and garbage-collected after their last observer leaves.
//   - Mutation[V, Vars, R]: one write operation with optional optimistic
//     patch, compare-and-restore rollback, and settlement invalidation.
//   - provider.Provider + codec.Codec[V]: optional snapshot persistence
//     (e.g. Ristretto, BigCache, Redis).
//
// Fetch pattern:
//
//	snap, err := c.EnsureFresh(ctx, key.Key{"user", 7}, fetchUser, querycache.FetchOptions[User]{
//	    StaleTime: time.Minute,
//	})
//
// Concurrent EnsureFresh calls for one key share a single in-flight fetch.
// Each in-flight fetch carries a generation token; cancellation or an
// optimistic write supersedes the token and the fetch's eventual completion
// is discarded instead of clobbering newer state.
//
// Invalidation marks entries stale by exact key or key prefix, refetches
// entries that currently have observers, and returns once those refetches
// settle:
//
//	_ = c.Invalidate(ctx, key.Key{"products"}, querycache.InvalidateOptions[User]{})
package querycache
