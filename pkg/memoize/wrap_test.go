package memoize

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestMemoize() *Memoize {
	return New(WithRegistry(NewRegistry()))
}

func TestBasicHitAvoidsRecompute(t *testing.T) {
	m := newTestMemoize()
	var calls int32
	fn := func(x int) (int, error) {
		atomic.AddInt32(&calls, 1)
		return x * 2, nil
	}
	w := Wrap(m, fn, WithBackend(BackendMemory))

	got, err := w.CallContext(context.Background(), 21)
	if err != nil {
		t.Fatalf("CallContext: %v", err)
	}
	if got.(int) != 42 {
		t.Fatalf("got %v, want 42", got)
	}

	got2, err := w.CallContext(context.Background(), 21)
	if err != nil {
		t.Fatalf("CallContext (second): %v", err)
	}
	if got2.(int) != 42 {
		t.Fatalf("got %v, want 42", got2)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one underlying call, got %d", calls)
	}
}

func TestDistinctArgumentsDoNotShareEntries(t *testing.T) {
	m := newTestMemoize()
	var calls int32
	fn := func(x int) (int, error) {
		atomic.AddInt32(&calls, 1)
		return x * 2, nil
	}
	w := Wrap(m, fn, WithBackend(BackendMemory))

	if _, err := w.CallContext(context.Background(), 1); err != nil {
		t.Fatalf("CallContext: %v", err)
	}
	if _, err := w.CallContext(context.Background(), 2); err != nil {
		t.Fatalf("CallContext: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected two underlying calls for distinct args, got %d", calls)
	}
}

func TestStaleEntryRecomputesSynchronouslyByDefault(t *testing.T) {
	m := newTestMemoize()
	var calls int32
	fn := func() (int, error) {
		n := atomic.AddInt32(&calls, 1)
		return int(n), nil
	}
	w := Wrap(m, fn, WithBackend(BackendMemory))
	m.registry.SetStaleAfter(10 * time.Millisecond)

	first, err := w.CallContext(context.Background())
	if err != nil {
		t.Fatalf("CallContext: %v", err)
	}
	if first.(int) != 1 {
		t.Fatalf("got %v, want 1", first)
	}

	time.Sleep(30 * time.Millisecond)

	second, err := w.CallContext(context.Background())
	if err != nil {
		t.Fatalf("CallContext (after stale): %v", err)
	}
	if second.(int) != 2 {
		t.Fatalf("expected stale entry to trigger recompute returning 2, got %v", second)
	}
}

func TestReturnOldOnStaleServesOldValueAndRefreshesInBackground(t *testing.T) {
	m := newTestMemoize()
	var calls int32
	done := make(chan struct{})
	fn := func() (int, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 2 {
			defer close(done)
		}
		return int(n), nil
	}
	w := Wrap(m, fn, WithBackend(BackendMemory))
	m.registry.SetStaleAfter(10 * time.Millisecond)
	m.registry.SetReturnOldOnStale(true)

	first, err := w.CallContext(context.Background())
	if err != nil {
		t.Fatalf("CallContext: %v", err)
	}
	if first.(int) != 1 {
		t.Fatalf("got %v, want 1", first)
	}

	time.Sleep(30 * time.Millisecond)

	second, err := w.CallContext(context.Background())
	if err != nil {
		t.Fatalf("CallContext (stale): %v", err)
	}
	if second.(int) != 1 {
		t.Fatalf("expected stale call to return old value 1, got %v", second)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for background recompute")
	}

	time.Sleep(10 * time.Millisecond)
	third, err := w.CallContext(context.Background())
	if err != nil {
		t.Fatalf("CallContext (after refresh): %v", err)
	}
	if third.(int) != 2 {
		t.Fatalf("expected refreshed value 2 after background recompute, got %v", third)
	}
}

func TestConcurrentCallsCoalesceIntoOneInvocation(t *testing.T) {
	m := newTestMemoize()
	var calls int32
	release := make(chan struct{})
	fn := func() (int, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return 7, nil
	}
	w := Wrap(m, fn, WithBackend(BackendMemory))

	const n = 10
	var wg sync.WaitGroup
	results := make([]int, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := w.CallContext(context.Background())
			if err == nil {
				results[i] = v.(int)
			}
			errs[i] = err
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d: CallContext: %v", i, err)
		}
		if results[i] != 7 {
			t.Fatalf("goroutine %d: got %v, want 7", i, results[i])
		}
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one underlying invocation across %d concurrent callers, got %d", n, calls)
	}
}

func TestIgnoreCacheAlwaysRecomputesAndNeverPersists(t *testing.T) {
	m := newTestMemoize()
	var calls int32
	fn := func() (int, error) {
		n := atomic.AddInt32(&calls, 1)
		return int(n), nil
	}
	w := Wrap(m, fn, WithBackend(BackendMemory))

	ctx := WithIgnoreCache(context.Background())
	first, err := w.CallContext(ctx)
	if err != nil {
		t.Fatalf("CallContext: %v", err)
	}
	second, err := w.CallContext(ctx)
	if err != nil {
		t.Fatalf("CallContext: %v", err)
	}
	if first.(int) == second.(int) {
		t.Fatalf("expected ignore-cache to recompute every call, got %v twice", first)
	}

	third, err := w.CallContext(context.Background())
	if err != nil {
		t.Fatalf("CallContext (uncached path): %v", err)
	}
	if third.(int) != 3 {
		t.Fatalf("expected a normal cached call after two ignore-cache calls to be the third invocation, got %v", third)
	}
}

func TestParamNamesIdenticalArgsShareOneEntry(t *testing.T) {
	m := newTestMemoize()
	var calls int32
	fn := func(a, b int) (int, error) {
		atomic.AddInt32(&calls, 1)
		return a + b, nil
	}
	w := Wrap(m, fn, WithBackend(BackendMemory), WithParamNames("a", "b"))

	if _, err := w.CallContext(context.Background(), 1, 2); err != nil {
		t.Fatalf("CallContext: %v", err)
	}
	if _, err := w.CallContext(context.Background(), 1, 2); err != nil {
		t.Fatalf("CallContext: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected identical positional args to share one entry, got %d calls", calls)
	}
}

func TestClearCacheByKeyForcesRecompute(t *testing.T) {
	m := newTestMemoize()
	var calls int32
	fn := func(x int) (int, error) {
		atomic.AddInt32(&calls, 1)
		return x, nil
	}
	w := Wrap(m, fn, WithBackend(BackendMemory))

	if _, err := w.CallContext(context.Background(), 5); err != nil {
		t.Fatalf("CallContext: %v", err)
	}
	if err := w.ClearCacheByKey(context.Background(), 5); err != nil {
		t.Fatalf("ClearCacheByKey: %v", err)
	}
	if _, err := w.CallContext(context.Background(), 5); err != nil {
		t.Fatalf("CallContext: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected ClearCacheByKey to force a second invocation, got %d", calls)
	}
}

func TestPrecacheAvoidsInvokingFn(t *testing.T) {
	m := newTestMemoize()
	var calls int32
	fn := func(x int) (int, error) {
		atomic.AddInt32(&calls, 1)
		return x * 100, nil
	}
	w := Wrap(m, fn, WithBackend(BackendMemory))

	if err := w.Precache(context.Background(), 999, 5); err != nil {
		t.Fatalf("Precache: %v", err)
	}
	got, err := w.CallContext(context.Background(), 5)
	if err != nil {
		t.Fatalf("CallContext: %v", err)
	}
	if got.(int) != 999 {
		t.Fatalf("got %v, want precached value 999", got)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("expected Precache to avoid invoking fn entirely, got %d calls", calls)
	}
}

func TestErrorResultIsNeverCached(t *testing.T) {
	m := newTestMemoize()
	var calls int32
	boom := errors.New("boom")
	fn := func() (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, boom
	}
	w := Wrap(m, fn, WithBackend(BackendMemory))

	if _, err := w.CallContext(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("CallContext: got err=%v, want %v", err, boom)
	}
	if _, err := w.CallContext(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("CallContext (second): got err=%v, want %v", err, boom)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected an error result to never be cached, got %d calls for 2 attempts", calls)
	}
}

func TestPanicBecomesUserFunctionError(t *testing.T) {
	m := newTestMemoize()
	fn := func() (int, error) {
		panic("kaboom")
	}
	w := Wrap(m, fn, WithBackend(BackendMemory))

	_, err := w.CallContext(context.Background())
	var ufe *UserFunctionError
	if !errors.As(err, &ufe) {
		t.Fatalf("expected a *UserFunctionError, got %v (%T)", err, err)
	}
}

func TestProxyFnCallableDirectly(t *testing.T) {
	m := newTestMemoize()
	fn := func(x, y int) (int, error) { return x + y, nil }
	w := Wrap(m, fn, WithBackend(BackendMemory))

	got, err := w.Fn(3, 4)
	if err != nil {
		t.Fatalf("Fn: %v", err)
	}
	if got != 7 {
		t.Fatalf("got %v, want 7", got)
	}
}

func TestCacheDirFalseForMemoryBackend(t *testing.T) {
	m := newTestMemoize()
	fn := func() (int, error) { return 1, nil }
	w := Wrap(m, fn, WithBackend(BackendMemory))

	if _, ok := w.CacheDir(); ok {
		t.Fatal("expected CacheDir ok=false for the memory backend")
	}
}

func TestAllowNoneDefaultOffSkipsCachingZeroValue(t *testing.T) {
	m := newTestMemoize()
	var calls int32
	fn := func() (*int, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	}
	w := Wrap(m, fn, WithBackend(BackendMemory))

	if _, err := w.CallContext(context.Background()); err != nil {
		t.Fatalf("CallContext: %v", err)
	}
	if _, err := w.CallContext(context.Background()); err != nil {
		t.Fatalf("CallContext: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected a nil result to re-invoke every call without allow_none, got %d calls", calls)
	}
}

func TestHooksFireOnMissAndHit(t *testing.T) {
	hooks := NewHooks()
	var misses, hits int32
	hooks.AddOnMiss(func(ctx context.Context, funcName string) { atomic.AddInt32(&misses, 1) })
	hooks.AddOnHit(func(ctx context.Context, funcName string, value any) { atomic.AddInt32(&hits, 1) })

	m := New(WithRegistry(NewRegistry()), WithHooks(hooks))
	fn := func() (int, error) { return 1, nil }
	w := Wrap(m, fn, WithBackend(BackendMemory))

	if _, err := w.CallContext(context.Background()); err != nil {
		t.Fatalf("CallContext: %v", err)
	}
	if _, err := w.CallContext(context.Background()); err != nil {
		t.Fatalf("CallContext: %v", err)
	}
	if atomic.LoadInt32(&misses) != 1 {
		t.Fatalf("expected exactly one OnMiss, got %d", misses)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected exactly one OnHit, got %d", hits)
	}
}

func TestContextFirstArgumentCarriesOverrides(t *testing.T) {
	m := newTestMemoize()
	var calls int32
	fn := func(ctx context.Context, x int) (int, error) {
		atomic.AddInt32(&calls, 1)
		return x, nil
	}
	w := Wrap(m, fn, WithBackend(BackendMemory))

	if _, err := w.Fn(context.Background(), 1); err != nil {
		t.Fatalf("Fn: %v", err)
	}
	ctx := WithIgnoreCache(context.Background())
	if _, err := w.Fn(ctx, 1); err != nil {
		t.Fatalf("Fn: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected WithIgnoreCache riding on a leading context.Context to force recompute, got %d calls", calls)
	}
}

// TestReceiverElisionSharesEntryAcrossReceivers covers spec.md §8's
// receiver-elision property: a method expression wrapped with
// WithReceiver caches per function, not per receiver, so two distinct
// receivers called with identical non-self args must hit the same entry.
func TestReceiverElisionSharesEntryAcrossReceivers(t *testing.T) {
	type counter struct{ id int }
	var calls int32
	method := func(c counter, x int) (int, error) {
		atomic.AddInt32(&calls, 1)
		return c.id + x, nil
	}
	m := newTestMemoize()
	w := Wrap(m, method, WithBackend(BackendMemory), WithReceiver(), WithParamNames("x"))

	got1, err := w.CallContext(context.Background(), counter{id: 1}, 10)
	if err != nil {
		t.Fatalf("CallContext: %v", err)
	}
	if got1.(int) != 11 {
		t.Fatalf("got %v, want 11", got1)
	}

	got2, err := w.CallContext(context.Background(), counter{id: 2}, 10)
	if err != nil {
		t.Fatalf("CallContext: %v", err)
	}
	if got2.(int) != 11 {
		t.Fatalf("expected cached result from the first receiver (11), got %v", got2)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one underlying call across distinct receivers, got %d", calls)
	}
}
