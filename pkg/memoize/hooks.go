package memoize

import (
	"context"
	"sort"
)

// Hook defines a memoization event hook with optional priority and
// condition, mirroring the teacher's obcache.Hook shape generalized
// from cache-key events to memoized-call events.
type Hook struct {
	// Priority determines execution order (higher values execute first).
	Priority int

	// Condition optionally filters hook execution; if it returns false
	// the hook is skipped for that call.
	Condition func(ctx context.Context, funcName string) bool

	// Handler is the actual hook function. Set exactly one of OnHit,
	// OnMiss, OnStale, OnError, OnRecompute.
	OnHit       func(ctx context.Context, funcName string, value any)
	OnMiss      func(ctx context.Context, funcName string)
	OnStale     func(ctx context.Context, funcName string, value any)
	OnError     func(ctx context.Context, funcName string, err error)
	OnRecompute func(ctx context.Context, funcName string)
}

// Hooks contains all registered memoization event hooks for a Memoize.
type Hooks struct {
	onHit       []Hook
	onMiss      []Hook
	onStale     []Hook
	onError     []Hook
	onRecompute []Hook
}

// NewHooks creates an empty Hooks instance.
func NewHooks() *Hooks { return &Hooks{} }

// HookOption configures a hook at registration time.
type HookOption func(*Hook)

// WithPriority sets the hook's execution priority (higher runs first).
func WithPriority(priority int) HookOption {
	return func(h *Hook) { h.Priority = priority }
}

// WithCondition sets a predicate that must be true for the hook to run.
func WithCondition(cond func(ctx context.Context, funcName string) bool) HookOption {
	return func(h *Hook) { h.Condition = cond }
}

// AddOnHit registers a hook run when a call is served from the cache
// without recomputation.
func (h *Hooks) AddOnHit(fn func(ctx context.Context, funcName string, value any), opts ...HookOption) {
	hook := Hook{OnHit: fn}
	for _, opt := range opts {
		opt(&hook)
	}
	h.onHit = append(h.onHit, hook)
}

// AddOnMiss registers a hook run when this call has claimed the key and
// the wrapped function is about to be invoked (no usable entry, or a
// stale entry being recomputed synchronously).
func (h *Hooks) AddOnMiss(fn func(ctx context.Context, funcName string), opts ...HookOption) {
	hook := Hook{OnMiss: fn}
	for _, opt := range opts {
		opt(&hook)
	}
	h.onMiss = append(h.onMiss, hook)
}

// AddOnStale registers a hook run when a stale value is returned to the
// caller while a background recomputation is dispatched.
func (h *Hooks) AddOnStale(fn func(ctx context.Context, funcName string, value any), opts ...HookOption) {
	hook := Hook{OnStale: fn}
	for _, opt := range opts {
		opt(&hook)
	}
	h.onStale = append(h.onStale, hook)
}

// AddOnError registers a hook run when the wrapped function returns an
// error or panics.
func (h *Hooks) AddOnError(fn func(ctx context.Context, funcName string, err error), opts ...HookOption) {
	hook := Hook{OnError: fn}
	for _, opt := range opts {
		opt(&hook)
	}
	h.onError = append(h.onError, hook)
}

// AddOnRecompute registers a hook run just before a background
// recomputation begins executing.
func (h *Hooks) AddOnRecompute(fn func(ctx context.Context, funcName string), opts ...HookOption) {
	hook := Hook{OnRecompute: fn}
	for _, opt := range opts {
		opt(&hook)
	}
	h.onRecompute = append(h.onRecompute, hook)
}

func (h *Hooks) invokeOnHit(ctx context.Context, funcName string, value any) {
	if h == nil {
		return
	}
	h.invoke(ctx, h.onHit, funcName, func(hook Hook) { hook.OnHit(ctx, funcName, value) })
}

func (h *Hooks) invokeOnMiss(ctx context.Context, funcName string) {
	if h == nil {
		return
	}
	h.invoke(ctx, h.onMiss, funcName, func(hook Hook) { hook.OnMiss(ctx, funcName) })
}

func (h *Hooks) invokeOnStale(ctx context.Context, funcName string, value any) {
	if h == nil {
		return
	}
	h.invoke(ctx, h.onStale, funcName, func(hook Hook) { hook.OnStale(ctx, funcName, value) })
}

func (h *Hooks) invokeOnError(ctx context.Context, funcName string, err error) {
	if h == nil {
		return
	}
	h.invoke(ctx, h.onError, funcName, func(hook Hook) { hook.OnError(ctx, funcName, err) })
}

func (h *Hooks) invokeOnRecompute(ctx context.Context, funcName string) {
	if h == nil {
		return
	}
	h.invoke(ctx, h.onRecompute, funcName, func(hook Hook) { hook.OnRecompute(ctx, funcName) })
}

func (h *Hooks) invoke(ctx context.Context, hooks []Hook, funcName string, execute func(Hook)) {
	if len(hooks) == 0 {
		return
	}
	if len(hooks) > 1 {
		sorted := make([]Hook, len(hooks))
		copy(sorted, hooks)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })
		hooks = sorted
	}
	for _, hook := range hooks {
		if hook.Condition == nil || hook.Condition(ctx, funcName) {
			execute(hook)
		}
	}
}
