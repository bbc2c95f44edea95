package memoize

import "context"

// callOverrides carries the per-call options that ride on a context
// instead of the wrapped function's fixed argument list: ignore_cache,
// overwrite_cache, verbose, allow_none. None of these are ever
// forwarded to the wrapped function itself.
type callOverrides struct {
	ignoreCache    bool
	overwriteCache bool
	verbose        bool
	allowNoneSet   bool
	allowNone      bool
}

type overridesKey struct{}

func overridesFrom(ctx context.Context) callOverrides {
	v, _ := ctx.Value(overridesKey{}).(callOverrides)
	return v
}

func withOverrides(ctx context.Context, mutate func(*callOverrides)) context.Context {
	o := overridesFrom(ctx)
	mutate(&o)
	return context.WithValue(ctx, overridesKey{}, o)
}

// WithIgnoreCache marks the call to skip both the read and the write
// path entirely: the wrapped function always runs, and its result is
// never published back to the Store.
func WithIgnoreCache(ctx context.Context) context.Context {
	return withOverrides(ctx, func(o *callOverrides) { o.ignoreCache = true })
}

// WithOverwriteCache marks the call to skip the read path but still
// publish the freshly computed result, replacing whatever was stored.
// If both ignore-cache and overwrite-cache are set, ignore-cache wins
// (spec.md's tie-break).
func WithOverwriteCache(ctx context.Context) context.Context {
	return withOverrides(ctx, func(o *callOverrides) { o.overwriteCache = true })
}

// WithVerbose marks the call for one extra log line on entry, giving its
// arguments and overrides. The decision path taken afterwards (hit,
// miss, stale, coalesced, etc) is not logged.
func WithVerbose(ctx context.Context) context.Context {
	return withOverrides(ctx, func(o *callOverrides) { o.verbose = true })
}

// WithAllowNone overrides, for this call only, whether a nil/zero
// result is eligible to be cached as a completed "no value" entry
// rather than treated as not-yet-computed.
func WithAllowNone(ctx context.Context, allow bool) context.Context {
	return withOverrides(ctx, func(o *callOverrides) {
		o.allowNoneSet = true
		o.allowNone = allow
	})
}
