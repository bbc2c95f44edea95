package memoize

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/vnykmshr/memoize-go/internal/fingerprint"
	"github.com/vnykmshr/memoize-go/internal/singleflight"
	"github.com/vnykmshr/memoize-go/internal/store"
	"github.com/vnykmshr/memoize-go/pkg/compression"
	"github.com/vnykmshr/memoize-go/pkg/metrics"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Memoized wraps a function value with persistent, stale-aware
// memoization. Fn has the exact same signature as the function passed
// to Wrap and can be called directly; every attached method
// (ClearCache, Precache, ...) lives on Memoized itself, since a
// reflect.MakeFunc proxy cannot carry exported methods of its own
// (spec.md §9's "the wrapped callable has clear_cache() attached to
// it" becomes, in Go, "keep the *Memoized[F] around, not just Fn").
type Memoized[F any] struct {
	// Fn is the callable proxy: invoke it exactly like the function
	// passed to Wrap.
	Fn F

	underlying reflect.Value
	hasCtx     bool
	resultTy   reflect.Type

	memo     *Memoize
	funcID   string
	params   StaticParams
	store    store.Store
	storeErr error

	compressor  compression.Compressor
	compMinSize int

	sf singleflight.Group[fingerprint.Key, callResult]
}

type callResult struct {
	value any
	err   error
}

// Wrap decorates fn with memoization. fn must return exactly two
// values, the second of type error — the conventional Go result shape
// and this module's stand-in for spec.md's "surface syntax of the host
// language" (left out-of-scope; Go has no decorators, so Wrap plus the
// reflect.MakeFunc proxy is the closest idiomatic equivalent). If fn's
// first parameter is context.Context, per-call overrides
// (WithIgnoreCache, WithOverwriteCache, WithVerbose, WithAllowNone) can
// ride on it when calling Fn; otherwise they reach the call only by
// passing such a context to CallContext directly.
func Wrap[F any](m *Memoize, fn F, opts ...Option) *Memoized[F] {
	fv := reflect.ValueOf(fn)
	ft := fv.Type()
	if ft.Kind() != reflect.Func {
		panic("memoize: Wrap requires a function value")
	}
	if ft.NumOut() != 2 || !ft.Out(1).Implements(errorType) {
		panic("memoize: Wrap requires fn to return (T, error)")
	}

	p := defaultStaticParams()
	for _, opt := range opts {
		opt(&p)
	}

	funcID := p.Name
	if funcID == "" {
		funcID = functionIdentity(fv)
	}

	w := &Memoized[F]{
		underlying: fv,
		hasCtx:     ft.NumIn() > 0 && ft.In(0) == contextType,
		resultTy:   ft.Out(0),
		memo:       m,
		funcID:     funcID,
		params:     p,
	}

	st, err := m.storeFor(funcID, p)
	if err != nil {
		w.storeErr = err
		w.warnf("backend unavailable, running uncached: %v", err)
	} else {
		w.store = st
	}

	compressor, cerr := compression.NewCompressor(p.Compression)
	if cerr != nil {
		w.warnf("compressor config rejected, storing uncompressed: %v", cerr)
		compressor = compression.NewNoOpCompressor()
	}
	w.compressor = compressor
	if p.Compression != nil {
		w.compMinSize = p.Compression.MinSize
	}

	proxy := reflect.MakeFunc(ft, w.invokeProxy)
	w.Fn = proxy.Interface().(F)
	return w
}

// functionIdentity derives spec.md §3's function identity (F) from
// runtime reflection: the package-and-receiver-qualified function name
// Go's linker already keeps disjoint per declaration site. WithName
// overrides it for closures sharing one declaration site (design note
// in spec.md §9: "expose an explicit ... declared parameter list" —
// WithName is this module's escape hatch when reflection alone can't
// disambiguate).
func functionIdentity(fv reflect.Value) string {
	fn := runtime.FuncForPC(fv.Pointer())
	if fn == nil {
		return fmt.Sprintf("func@%x", fv.Pointer())
	}
	return fn.Name()
}

// invokeProxy is the reflect.MakeFunc body: it unpacks a leading
// context.Context if the signature carries one, forwards the rest as
// args, and repacks CallContext's (any, error) result into the
// caller's exact output types.
func (w *Memoized[F]) invokeProxy(args []reflect.Value) []reflect.Value {
	ctx := context.Background()
	rest := args
	if w.hasCtx {
		if c, ok := args[0].Interface().(context.Context); ok && c != nil {
			ctx = c
		}
		rest = args[1:]
	}

	callArgs := make([]any, len(rest))
	for i, v := range rest {
		callArgs[i] = v.Interface()
	}

	val, err := w.CallContext(ctx, callArgs...)

	out := make([]reflect.Value, 2)
	if val == nil {
		out[0] = reflect.Zero(w.resultTy)
	} else {
		rv := reflect.ValueOf(val)
		if rv.Type() != w.resultTy && rv.Type().ConvertibleTo(w.resultTy) {
			rv = rv.Convert(w.resultTy)
		}
		out[0] = rv
	}
	if err == nil {
		out[1] = reflect.Zero(errorType)
	} else {
		out[1] = reflect.ValueOf(err)
	}
	return out
}

// CallContext runs the memoized call: fingerprint the args, consult
// the decision state machine (spec.md §4.6), and return either a
// cached value or a freshly computed one. Per-call overrides on ctx
// (WithIgnoreCache etc.) are honored here.
func (w *Memoized[F]) CallContext(ctx context.Context, args ...any) (any, error) {
	start := time.Now()
	defer func() { w.memo.recordOperation(metrics.OperationFunctionCall, time.Since(start)) }()

	ov := overridesFrom(ctx)
	if ov.verbose {
		w.warnf("call: args=%v overrides=%+v", args, ov)
	}

	live := w.memo.registry.Snapshot()

	if w.store == nil || !live.CacheOn || ov.ignoreCache {
		return w.invokeFn(ctx, args)
	}

	key, err := w.fingerprint(args)
	if err != nil {
		return nil, err
	}

	if ov.overwriteCache {
		val, err := w.invokeFn(ctx, args)
		if err != nil {
			w.memo.hooks.invokeOnError(ctx, w.funcID, err)
			w.memo.recordResult(metrics.ResultError)
			return nil, err
		}
		w.persist(ctx, key, val, ov, live)
		return val, nil
	}

	res, _, _ := w.sf.Do(key, func() (callResult, error) {
		val, err := w.resolve(ctx, key, args, ov, live)
		return callResult{val, err}, nil
	})
	return res.value, res.err
}

// resolve implements spec.md §4.6's decision states 1-5 against the
// backend for a single (already-fingerprinted) call.
func (w *Memoized[F]) resolve(ctx context.Context, key fingerprint.Key, args []any, ov callOverrides, live LiveParams) (any, error) {
	e, ok, err := w.store.Get(ctx, key)
	if err != nil {
		// spec.md §7: Get failures degrade to a miss, not a hard error.
		w.warnf("get failed, treating as miss: %v", err)
		ok = false
	}

	if ok && e.Completed {
		now := time.Now()
		if !e.IsStaleAfter(now, live.StaleAfter) {
			w.memo.hooks.invokeOnHit(ctx, w.funcID, nil)
			w.memo.recordResult(metrics.ResultHit)
			return w.decode(e.Value)
		}

		if live.ReturnOldOnStale {
			acquired, merr := w.store.MarkStale(ctx, key)
			if merr != nil {
				w.warnf("mark_stale failed: %v", merr)
			}
			if acquired {
				w.dispatchRecompute(key, args)
			}
			w.memo.hooks.invokeOnStale(ctx, w.funcID, nil)
			old, derr := w.decode(e.Value)
			return old, derr
		}
		// Policy is "recompute synchronously": fall through exactly as
		// a cache miss, below.
	} else if ok && !e.Completed && e.InFlight {
		// States 1 (non-acquiring)/4: someone else already claimed this
		// key and has not published a value yet.
		return w.waitOrInvoke(ctx, key, args, live)
	}

	return w.claimAndCompute(ctx, key, args, ov, live)
}

// claimAndCompute implements state 1's acquiring branch: try to become
// the sole producer for key, invoke fn, and publish the result.
func (w *Memoized[F]) claimAndCompute(ctx context.Context, key fingerprint.Key, args []any, ov callOverrides, live LiveParams) (any, error) {
	owner := uuid.NewString()
	acquired, err := w.store.MarkInFlight(ctx, key, owner)
	if err != nil {
		w.warnf("mark_in_flight failed, invoking uncoordinated: %v", err)
		return w.invokeFn(ctx, args)
	}
	if !acquired {
		return w.waitOrInvoke(ctx, key, args, live)
	}

	w.memo.hooks.invokeOnMiss(ctx, w.funcID)
	w.memo.recordResult(metrics.ResultMiss)

	val, err := w.invokeFn(ctx, args)
	if err != nil {
		if cerr := w.store.ClearInFlight(ctx, key, owner); cerr != nil {
			w.warnf("clear_in_flight after error failed: %v", cerr)
		}
		w.memo.hooks.invokeOnError(ctx, w.funcID, err)
		w.memo.recordResult(metrics.ResultError)
		return nil, err
	}
	w.persist(ctx, key, val, ov, live)
	return val, nil
}

// waitOrInvoke implements states 1/4's non-acquiring branch: wait for
// the current producer, or fall through to a direct, uncached
// invocation on timeout.
func (w *Memoized[F]) waitOrInvoke(ctx context.Context, key fingerprint.Key, args []any, live LiveParams) (any, error) {
	e, err := w.store.WaitUntilReady(ctx, key, live.WaitTimeout)
	if err == nil {
		return w.decode(e.Value)
	}
	if errors.Is(err, store.ErrWaitTimeout) || errors.Is(err, store.ErrBackendUnavailable) {
		// The owning producer will Put; we don't, to avoid a second
		// write racing behind it.
		return w.invokeFn(ctx, args)
	}
	return nil, err
}

// dispatchRecompute submits a fire-and-forget refresh to the
// background worker pool (C8). Deduplication already happened via
// MarkStale in the caller; the pool itself never deduplicates
// (spec.md §4.8).
func (w *Memoized[F]) dispatchRecompute(key fingerprint.Key, args []any) {
	submitted := w.memo.workers.TrySubmit(func() {
		ctx := context.Background()
		w.memo.hooks.invokeOnRecompute(ctx, w.funcID)
		val, err := w.invokeFn(ctx, args)
		if err != nil {
			w.warnf("background recompute failed: %v", err)
			w.memo.hooks.invokeOnError(ctx, w.funcID, err)
			return
		}
		live := w.memo.registry.Snapshot()
		w.persist(ctx, key, val, callOverrides{}, live)
	})
	if !submitted {
		w.warnf("background worker pool saturated, dropping stale recompute")
	}
}

// persist applies allow_none policy then writes val to the backend,
// releasing the in-flight marker either way so a caller claiming
// without publishing (null result, serialization failure) never wedges
// a future MarkInFlight.
func (w *Memoized[F]) persist(ctx context.Context, key fingerprint.Key, val any, ov callOverrides, live LiveParams) {
	allowNone := live.AllowNone
	if ov.allowNoneSet {
		allowNone = ov.allowNone
	}
	if isNullValue(val) && !allowNone {
		if err := w.store.ClearInFlight(ctx, key, ""); err != nil {
			w.warnf("clear_in_flight after null result failed: %v", err)
		}
		return
	}

	data, err := w.encode(val)
	if err != nil {
		w.warnf("serialization failed, value not cached: %v", err)
		if cerr := w.store.ClearInFlight(ctx, key, ""); cerr != nil {
			w.warnf("clear_in_flight after serialization failure failed: %v", cerr)
		}
		return
	}
	if err := w.store.Put(ctx, key, data, time.Now()); err != nil {
		w.warnf("put failed: %v", err)
	}
}

// invokeFn calls the wrapped function via reflection, recovering a
// panic into a UserFunctionError rather than crashing the caller.
func (w *Memoized[F]) invokeFn(ctx context.Context, args []any) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newUserFunctionError(r)
		}
	}()

	ft := w.underlying.Type()
	offset := 0
	if w.hasCtx {
		offset = 1
	}
	in := make([]reflect.Value, 0, len(args)+offset)
	if w.hasCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	for i, a := range args {
		in = append(in, argValue(a, ft.In(i+offset)))
	}

	out := w.underlying.Call(in)
	if !out[1].IsNil() {
		err = out[1].Interface().(error)
	}
	val = out[0].Interface()
	return val, err
}

func argValue(a any, pt reflect.Type) reflect.Value {
	if a == nil {
		return reflect.Zero(pt)
	}
	v := reflect.ValueOf(a)
	if v.Type() == pt {
		return v
	}
	if v.Type().AssignableTo(pt) || v.Type().ConvertibleTo(pt) {
		return v.Convert(pt)
	}
	return v
}

// fingerprint derives the cache key for args, eliding the receiver per
// spec.md §4.1 step 2: caching is per function, not per receiver. A
// bound Go method value never carries its receiver as an explicit
// argument in the first place (reflect already curries it away), so
// elision only matters for a method expression (T.Method) wrapped with
// WithReceiver, where the receiver is args[0].
func (w *Memoized[F]) fingerprint(args []any) (fingerprint.Key, error) {
	fpArgs := args
	if w.params.HasReceiver && len(args) > 0 {
		fpArgs = args[1:]
	}
	if w.params.FingerprintFn != nil {
		s, err := w.params.FingerprintFn(fpArgs)
		if err != nil {
			return "", fmt.Errorf("%w: %v", fingerprint.ErrNotFingerprintable, err)
		}
		return fingerprint.Key(s), nil
	}
	return fingerprint.Default(w.params.ParamNames, fpArgs)
}

// encode serializes val and, when it is at least compMinSize bytes,
// compresses it with w.compressor. The leading byte records whether
// compression was applied, since Entry.Value is an opaque blob with no
// side channel for that flag (spec.md §6: "value is an opaque
// serialized blob").
func (w *Memoized[F]) encode(val any) ([]byte, error) {
	data, compressed, err := compression.SerializeAndCompress(val, w.compressor, w.compMinSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrSerialization, err)
	}
	flag := byte(0)
	if compressed {
		flag = 1
	}
	return append([]byte{flag}, data...), nil
}

func (w *Memoized[F]) decode(data []byte) (any, error) {
	if len(data) == 0 {
		return reflect.Zero(w.resultTy).Interface(), nil
	}
	flag, payload := data[0], data[1:]
	out := reflect.New(w.resultTy)
	if err := compression.DecompressAndDeserialize(payload, flag == 1, w.compressor, out.Interface()); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrSerialization, err)
	}
	return out.Elem().Interface(), nil
}

// isNullValue reports whether val is spec.md's "None": a nil pointer,
// map, slice, chan, func, or interface, or — for value types with no
// notion of nil — the type's zero value.
func isNullValue(val any) bool {
	if val == nil {
		return true
	}
	rv := reflect.ValueOf(val)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface, reflect.UnsafePointer:
		return rv.IsNil()
	default:
		return reflect.DeepEqual(val, reflect.Zero(rv.Type()).Interface())
	}
}

// ClearCache implements spec.md's clear_cache(): removes every entry
// under this function's scope.
func (w *Memoized[F]) ClearCache(ctx context.Context) error {
	if w.store == nil {
		return nil
	}
	return w.store.ClearAll(ctx)
}

// ClearCacheByKey implements spec.md's clear_cache_by_key(): removes
// the single entry the given args would fingerprint to.
func (w *Memoized[F]) ClearCacheByKey(ctx context.Context, args ...any) error {
	if w.store == nil {
		return nil
	}
	key, err := w.fingerprint(args)
	if err != nil {
		return err
	}
	return w.store.Clear(ctx, key)
}

// Precache implements spec.md's precache(): inserts value as if fn had
// just computed it for args, without invoking fn. The result is
// indistinguishable from a normal entry after insertion (spec.md §4.6).
func (w *Memoized[F]) Precache(ctx context.Context, value any, args ...any) error {
	if w.store == nil {
		return fmt.Errorf("memoize: precache: %w", store.ErrBackendUnavailable)
	}
	key, err := w.fingerprint(args)
	if err != nil {
		return err
	}
	data, err := w.encode(value)
	if err != nil {
		return err
	}
	return w.store.Put(ctx, key, data, time.Now())
}

// CacheDir implements spec.md's cache_dpath(): returns the file
// backend's on-disk directory. ok is false for any other backend.
func (w *Memoized[F]) CacheDir() (dir string, ok bool) {
	dp, isFile := w.store.(store.DirPather)
	if !isFile {
		return "", false
	}
	return dp.CacheDir(), true
}

func (w *Memoized[F]) warnf(format string, args ...any) {
	logger := w.params.Logger
	if logger == nil {
		logger = w.memo.logger
	}
	logger.Printf("memoize: %s: "+format, append([]any{w.funcID}, args...)...)
}
