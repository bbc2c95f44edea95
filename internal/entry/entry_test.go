package entry

import (
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e := &Entry{
		Value:      []byte("payload"),
		Timestamp:  time.Now().Truncate(time.Millisecond).UTC(),
		InFlight:   false,
		Stale:      true,
		Completed:  true,
		LeaseOwner: "owner-1",
		LeaseAt:    time.Now().Truncate(time.Millisecond).UTC(),
	}

	data, err := Encode(e)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if string(got.Value) != string(e.Value) {
		t.Errorf("Value = %q, want %q", got.Value, e.Value)
	}
	if !got.Timestamp.Equal(e.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, e.Timestamp)
	}
	if got.Stale != e.Stale || got.Completed != e.Completed {
		t.Errorf("Stale/Completed = %v/%v, want %v/%v", got.Stale, got.Completed, e.Stale, e.Completed)
	}
	if got.LeaseOwner != e.LeaseOwner {
		t.Errorf("LeaseOwner = %q, want %q", got.LeaseOwner, e.LeaseOwner)
	}
}

func TestDecodeCorruptDataErrors(t *testing.T) {
	if _, err := Decode([]byte("not msgpack")); err == nil {
		t.Fatal("expected an error decoding corrupt data")
	}
}

func TestUnknownFieldsPreservedInRemainder(t *testing.T) {
	// Simulate a newer writer's extra field by round-tripping through
	// MarshalMsgpack/UnmarshalMsgpack with a manually-populated Remainder.
	e := Entry{Value: []byte("v"), Completed: true, Remainder: map[string]any{"future_field": "x"}}
	data, err := e.MarshalMsgpack()
	if err != nil {
		t.Fatalf("MarshalMsgpack: %v", err)
	}

	var got Entry
	if err := got.UnmarshalMsgpack(data); err != nil {
		t.Fatalf("UnmarshalMsgpack: %v", err)
	}
	if got.Remainder["future_field"] != "x" {
		t.Fatalf("expected future_field preserved in Remainder, got %v", got.Remainder)
	}
}

func TestIsStaleAfter(t *testing.T) {
	now := time.Now()
	e := &Entry{Timestamp: now.Add(-200 * time.Millisecond)}

	if e.IsStaleAfter(now, 0) {
		t.Error("zero staleAfter should mean infinite freshness, never stale")
	}
	if e.IsStaleAfter(now, 500*time.Millisecond) {
		t.Error("entry younger than staleAfter should not be stale")
	}
	if !e.IsStaleAfter(now, 100*time.Millisecond) {
		t.Error("entry older than staleAfter should be stale")
	}
}

func TestIsStaleAfterNilEntry(t *testing.T) {
	var e *Entry
	if e.IsStaleAfter(time.Now(), time.Millisecond) {
		t.Error("nil entry should never report stale")
	}
}
