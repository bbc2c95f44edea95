// Package fingerprint derives a stable, opaque key from a call's
// argument list.
package fingerprint

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Key is the opaque, equality-comparable, hashable token identifying an
// argument tuple. It is safe to use as a map key and as a filename
// component.
type Key string

// ErrNotFingerprintable is returned when an argument cannot be
// canonicalized (and no custom Func was injected to work around it).
// The orchestrator must not invoke the wrapped function when this is
// returned.
var ErrNotFingerprintable = errors.New("memoize: argument not fingerprintable")

// Func is the pluggable fingerprint producer. Implementations must be
// pure and side-effect free.
type Func func(args []any) (Key, error)

// Default canonicalizes args into a deterministic msgpack byte stream
// and hashes it with xxhash. If paramNames is non-empty it must hold
// one name per element of args: each argument is paired with its name
// and the pairs are sorted by name, so the same name-to-value
// assignment fingerprints identically whatever order the names are
// listed in. A length mismatch yields ErrNotFingerprintable.
func Default(paramNames []string, args []any) (Key, error) {
	canon, err := canonicalize(paramNames, args)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFingerprintable, err)
	}
	data, err := msgpack.Marshal(canon)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFingerprintable, err)
	}
	sum := xxhash.Sum64(data)
	return Key(hex.EncodeToString(encodeUint64(sum))), nil
}

// canonicalize builds the value that actually gets hashed: either the
// raw positional slice, or — when paramNames is supplied — a slice of
// (name, value) pairs sorted by declared parameter name. Receiver
// elision happens at the orchestrator layer (pkg/memoize's
// WithReceiver): by the time args reaches here the receiver has
// already been dropped by the caller.
func canonicalize(paramNames []string, args []any) (any, error) {
	if len(paramNames) == 0 {
		return args, nil
	}
	if len(paramNames) != len(args) {
		return nil, fmt.Errorf("fingerprint: %d param names for %d args", len(paramNames), len(args))
	}
	named := make(map[string]any, len(args))
	for i, name := range paramNames {
		named[name] = args[i]
	}
	keys := make([]string, 0, len(named))
	for k := range named {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]keyValue, len(keys))
	for i, k := range keys {
		ordered[i] = keyValue{Key: k, Value: named[k]}
	}
	return ordered, nil
}

type keyValue struct {
	Key   string `msgpack:"k"`
	Value any    `msgpack:"v"`
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}
