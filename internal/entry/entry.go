// Package entry defines the immutable-by-convention record a Store
// persists for one (function identity, fingerprint) pair.
package entry

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Entry is the stored record for one cached call. It is never mutated
// in place by the orchestrator: every transition (publish, claim,
// release, invalidate) produces a fresh Entry and hands it to the Store.
type Entry struct {
	// Value holds the already-serialized call result. A nil slice with
	// Completed true and len(Value) == 0 represents a stored "no value"
	// (allow-none) entry; a nil Entry pointer represents "absent".
	Value []byte `msgpack:"value"`

	// Timestamp is set at completion of the producing call, never at
	// claim time (spec invariant: timestamps never reflect in-flight
	// claims).
	Timestamp time.Time `msgpack:"timestamp"`

	// InFlight is true while a producer holds the key and has not yet
	// published a result.
	InFlight bool `msgpack:"in_flight"`

	// Stale is set once a background recomputation has been dispatched
	// for an already-published value, so a second stale hit doesn't
	// dispatch a duplicate recomputation.
	Stale bool `msgpack:"stale"`

	// Completed distinguishes "never computed" from "computed, value
	// intentionally absent" (e.g. allow_none storing a zero-length
	// result) when Value is empty.
	Completed bool `msgpack:"completed"`

	// LeaseOwner identifies the producer currently holding InFlight, for
	// backends (shared/Redis) that need a compare-and-clear on release
	// rather than an unconditional clear. Empty when InFlight is false.
	LeaseOwner string `msgpack:"lease_owner,omitempty"`

	// LeaseAt records when LeaseOwner acquired the marker, used by
	// lease-based backends to decide whether a marker is reclaimable.
	LeaseAt time.Time `msgpack:"lease_at,omitempty"`

	// Remainder preserves any fields a newer writer produced that this
	// reader doesn't know about, so round-tripping through an older
	// binary doesn't silently drop them.
	Remainder map[string]any `msgpack:"-"`
}

// knownFields lists the msgpack map keys Entry declares, used to split
// an incoming map into typed fields plus Remainder.
var knownFields = map[string]bool{
	"value": true, "timestamp": true, "in_flight": true, "stale": true,
	"completed": true, "lease_owner": true, "lease_at": true,
}

// MarshalMsgpack encodes e as a flat map, merging Remainder's keys back
// in alongside the known fields so a value this binary never understood
// survives a read-modify-write by it.
func (e Entry) MarshalMsgpack() ([]byte, error) {
	m := make(map[string]any, len(knownFields)+len(e.Remainder))
	for k, v := range e.Remainder {
		m[k] = v
	}
	m["value"] = e.Value
	m["timestamp"] = e.Timestamp
	m["in_flight"] = e.InFlight
	m["stale"] = e.Stale
	m["completed"] = e.Completed
	m["lease_owner"] = e.LeaseOwner
	m["lease_at"] = e.LeaseAt
	return msgpack.Marshal(m)
}

// UnmarshalMsgpack decodes a flat map produced by MarshalMsgpack,
// collecting any key it doesn't recognize into Remainder instead of
// failing.
func (e *Entry) UnmarshalMsgpack(data []byte) error {
	var m map[string]any
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return err
	}
	if v, ok := m["value"].([]byte); ok {
		e.Value = v
	}
	if v, ok := m["timestamp"].(time.Time); ok {
		e.Timestamp = v
	}
	if v, ok := m["in_flight"].(bool); ok {
		e.InFlight = v
	}
	if v, ok := m["stale"].(bool); ok {
		e.Stale = v
	}
	if v, ok := m["completed"].(bool); ok {
		e.Completed = v
	}
	if v, ok := m["lease_owner"].(string); ok {
		e.LeaseOwner = v
	}
	if v, ok := m["lease_at"].(time.Time); ok {
		e.LeaseAt = v
	}
	for k, v := range m {
		if !knownFields[k] {
			if e.Remainder == nil {
				e.Remainder = make(map[string]any)
			}
			e.Remainder[k] = v
		}
	}
	return nil
}

// IsStaleAfter reports whether e is older than staleAfter relative to
// now. A zero or negative staleAfter never triggers (infinite freshness);
// callers that want "always stale" should compare against now directly.
func (e *Entry) IsStaleAfter(now time.Time, staleAfter time.Duration) bool {
	if e == nil || staleAfter <= 0 {
		return false
	}
	return now.Sub(e.Timestamp) > staleAfter
}

// Encode serializes e to msgpack bytes for persistence.
func Encode(e *Entry) ([]byte, error) {
	return msgpack.Marshal(e)
}

// Decode deserializes msgpack bytes produced by Encode. A decode error
// should be treated by callers as "entry absent", not propagated as a
// hard failure (corrupt/partial cache files are a miss, not a crash).
func Decode(data []byte) (*Entry, error) {
	var e Entry
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
