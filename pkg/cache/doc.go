// Package cache stores the files goals produce so later goals, or later runs
// of the same goal, can restore them instead of recomputing them.
//
// A cache entry pairs a classifier with a file selector (glob patterns or a
// whole directory). Classifiers may contain placeholders that are resolved
// against the push and goal:
//
//	${workspace} ${owner} ${repo} ${branch} ${sha} ${goal} ${environment}
//
// The resolved classifier is sanitized to a single safe path segment and
// namespaced by workspace before it reaches an ArchiveStore, so
// "npm-${branch}" on branch "feature/login" in workspace T123 is stored under
// "T123/npm-feature_login".
//
// Archives are written with the external tar tool when available and with an
// in-process zip writer otherwise. Extraction detects the format from the
// archive itself.
//
// # Stores
//
// FileStore keeps archives under a local directory. SFTPStore keeps them on a
// remote host. Both write to a temporary name and rename into place, and both
// report a missing archive as a goal.KindCacheMiss error.
//
// # Fallbacks
//
// Restore runs fallbacks, in order, whenever retrieval fails. A fallback can
// retrieve another classifier (e.g., the default branch's archive) or run a
// command that rebuilds the files, and can be gated on a push test:
//
//	err := c.Restore(ctx, scope, "npm-${branch}",
//		cache.ClassifierFallback("main", "npm-main", nil),
//		cache.ScriptFallback("install", "npm ci", nil),
//	)
package cache
