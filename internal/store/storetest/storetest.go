// Package storetest exercises the store.Store contract against any
// concrete backend, so internal/store/memory, internal/store/file, and
// internal/store/shared can each run the same conformance table instead
// of duplicating it per backend.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/vnykmshr/memoize-go/internal/fingerprint"
	"github.com/vnykmshr/memoize-go/internal/store"
)

// Conformance runs the shared behavioral contract against s. Callers
// construct s themselves so they can attach backend-specific cleanup.
func Conformance(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("MissingKeyIsNotFound", func(t *testing.T) {
		_, ok, err := s.Get(ctx, fingerprint.Key("nope"))
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if ok {
			t.Fatal("expected ok=false for missing key")
		}
	})

	t.Run("PutThenGetRoundTrips", func(t *testing.T) {
		key := fingerprint.Key("put-get")
		now := time.Now().Truncate(time.Second)
		if err := s.Put(ctx, key, []byte("value"), now); err != nil {
			t.Fatalf("Put: %v", err)
		}
		e, ok, err := s.Get(ctx, key)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !ok {
			t.Fatal("expected ok=true after Put")
		}
		if string(e.Value) != "value" {
			t.Fatalf("Value = %q, want %q", e.Value, "value")
		}
		if !e.Completed || e.InFlight || e.Stale {
			t.Fatalf("unexpected entry flags after Put: %+v", e)
		}
	})

	t.Run("MarkInFlightIsExclusive", func(t *testing.T) {
		key := fingerprint.Key("in-flight")
		acquired, err := s.MarkInFlight(ctx, key, "owner-a")
		if err != nil {
			t.Fatalf("MarkInFlight: %v", err)
		}
		if !acquired {
			t.Fatal("expected first MarkInFlight to acquire")
		}
		acquired2, err := s.MarkInFlight(ctx, key, "owner-b")
		if err != nil {
			t.Fatalf("MarkInFlight (second): %v", err)
		}
		if acquired2 {
			t.Fatal("expected second MarkInFlight on a live claim to fail")
		}
		if err := s.ClearInFlight(ctx, key, "owner-a"); err != nil {
			t.Fatalf("ClearInFlight: %v", err)
		}
		acquired3, err := s.MarkInFlight(ctx, key, "owner-c")
		if err != nil {
			t.Fatalf("MarkInFlight (third): %v", err)
		}
		if !acquired3 {
			t.Fatal("expected MarkInFlight to re-acquire after ClearInFlight")
		}
		_ = s.ClearInFlight(ctx, key, "owner-c")
	})

	t.Run("MarkStaleIsIdempotent", func(t *testing.T) {
		key := fingerprint.Key("stale")
		if err := s.Put(ctx, key, []byte("v"), time.Now()); err != nil {
			t.Fatalf("Put: %v", err)
		}
		first, err := s.MarkStale(ctx, key)
		if err != nil {
			t.Fatalf("MarkStale: %v", err)
		}
		if !first {
			t.Fatal("expected first MarkStale to report acquired=true")
		}
		second, err := s.MarkStale(ctx, key)
		if err != nil {
			t.Fatalf("MarkStale (second): %v", err)
		}
		if second {
			t.Fatal("expected second MarkStale on already-stale entry to report false")
		}
	})

	t.Run("ClearRemovesEntry", func(t *testing.T) {
		key := fingerprint.Key("clear-me")
		if err := s.Put(ctx, key, []byte("v"), time.Now()); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := s.Clear(ctx, key); err != nil {
			t.Fatalf("Clear: %v", err)
		}
		_, ok, err := s.Get(ctx, key)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if ok {
			t.Fatal("expected entry gone after Clear")
		}
	})

	t.Run("ClearAllRemovesEverything", func(t *testing.T) {
		keys := []fingerprint.Key{"ca-1", "ca-2", "ca-3"}
		for _, k := range keys {
			if err := s.Put(ctx, k, []byte("v"), time.Now()); err != nil {
				t.Fatalf("Put(%s): %v", k, err)
			}
		}
		if err := s.ClearAll(ctx); err != nil {
			t.Fatalf("ClearAll: %v", err)
		}
		for _, k := range keys {
			_, ok, err := s.Get(ctx, k)
			if err != nil {
				t.Fatalf("Get(%s): %v", k, err)
			}
			if ok {
				t.Fatalf("expected %s gone after ClearAll", k)
			}
		}
	})

	t.Run("WaitUntilReadyReturnsOnceSettled", func(t *testing.T) {
		key := fingerprint.Key("wait-ready")
		if _, err := s.MarkInFlight(ctx, key, "owner"); err != nil {
			t.Fatalf("MarkInFlight: %v", err)
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			time.Sleep(20 * time.Millisecond)
			_ = s.Put(ctx, key, []byte("final"), time.Now())
		}()
		e, err := s.WaitUntilReady(ctx, key, 2*time.Second)
		<-done
		if err != nil {
			t.Fatalf("WaitUntilReady: %v", err)
		}
		if string(e.Value) != "final" {
			t.Fatalf("Value = %q, want %q", e.Value, "final")
		}
	})

	t.Run("WaitUntilReadyTimesOutOnStuckClaim", func(t *testing.T) {
		key := fingerprint.Key("wait-timeout")
		if _, err := s.MarkInFlight(ctx, key, "owner"); err != nil {
			t.Fatalf("MarkInFlight: %v", err)
		}
		defer s.ClearInFlight(ctx, key, "owner")
		_, err := s.WaitUntilReady(ctx, key, 50*time.Millisecond)
		if err == nil {
			t.Fatal("expected a timeout error for a claim that never settles")
		}
	})
}
