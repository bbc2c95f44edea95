// Package singleflight provides in-process call coalescing: concurrent
// callers sharing a key block on one shared execution of fn rather than
// each independently computing it. It only coalesces duplicate calls
// within a single process — cross-process coalescing is the job of the
// store backends' MarkInFlight/WaitUntilReady exchange. pkg/memoize uses
// this as a fast path in front of the backend, so N goroutines racing on
// a cold (F, K) collapse to one backend round trip before any of them
// touch Store.MarkInFlight.
//
// The generic Group[K, V] shape mirrors the teacher's own unexported
// singleflight.Group[string, any], generalized to golang.org/x/sync/singleflight's
// well-known Do/DoChan/Forget API.
package singleflight

import "sync"

// call is an in-flight or completed Do call for one key.
type call[V any] struct {
	wg  sync.WaitGroup
	val V
	err error

	dups int
}

// Group coalesces concurrent calls sharing a key into one execution of
// the supplied function.
type Group[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]*call[V]
}

// Do executes and returns the results of fn, making sure only one
// execution is in flight for a given key at a time. If a duplicate
// comes in while one is in flight, the duplicate waits for the
// original to complete and receives the same results. shared reports
// whether v was given to multiple callers.
func (g *Group[K, V]) Do(key K, fn func() (V, error)) (v V, err error, shared bool) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[K]*call[V])
	}
	if c, ok := g.m[key]; ok {
		c.dups++
		g.mu.Unlock()
		c.wg.Wait()
		return c.val, c.err, true
	}
	c := new(call[V])
	c.wg.Add(1)
	g.m[key] = c
	g.mu.Unlock()

	g.doCall(c, key, fn)
	return c.val, c.err, c.dups > 0
}

// DoChan is like Do but returns a channel that receives the result
// instead of blocking the calling goroutine.
func (g *Group[K, V]) DoChan(key K, fn func() (V, error)) <-chan Result[V] {
	ch := make(chan Result[V], 1)
	go func() {
		v, err, shared := g.Do(key, fn)
		ch <- Result[V]{Val: v, Err: err, Shared: shared}
	}()
	return ch
}

// Result is the value sent on a DoChan channel.
type Result[V any] struct {
	Val    V
	Err    error
	Shared bool
}

func (g *Group[K, V]) doCall(c *call[V], key K, fn func() (V, error)) {
	defer func() {
		g.mu.Lock()
		delete(g.m, key)
		g.mu.Unlock()
		c.wg.Done()
	}()
	c.val, c.err = fn()
}

// Forget tells the Group to forget about a key. Future calls to Do for
// this key will call fn rather than waiting for an earlier call to
// complete, even if that call has not finished yet. Useful when a
// caller knows the in-flight computation's result should not be
// shared.
func (g *Group[K, V]) Forget(key K) {
	g.mu.Lock()
	delete(g.m, key)
	g.mu.Unlock()
}
