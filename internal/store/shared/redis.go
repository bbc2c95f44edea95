// Package shared implements the distributed/shared-state backend (C5):
// a Redis-hash-per-key document store with Lua-scripted atomic claims,
// used when multiple processes or hosts must agree on who is computing
// a value. Grounded on goforj-cache's store_redis.go for the client
// interface shape and on the lease/claim pattern from spec §4.5.
package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vnykmshr/memoize-go/internal/entry"
	"github.com/vnykmshr/memoize-go/internal/fingerprint"
	"github.com/vnykmshr/memoize-go/internal/store"
)

// Client captures the subset of *redis.Client the shared backend uses,
// so callers can substitute a miniredis or mock client in tests without
// depending on the concrete redis.Client type.
type Client interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Connector lazily produces a Client, letting callers defer dialing
// Redis until the first operation (and retry construction on
// transient DNS/auth failures) instead of failing at decoration time.
type Connector func() (Client, error)

const (
	fieldValue      = "value"
	fieldTimestamp  = "timestamp"
	fieldInFlight   = "in_flight"
	fieldStale      = "stale"
	fieldLeaseOwner = "lease_owner"
	fieldLeaseAt    = "lease_at"
)

// DefaultLeaseTTL bounds how long an in-flight claim survives without a
// renewing owner before another process is allowed to reclaim it —
// guards against a producer crashing mid-computation and wedging every
// other caller behind WaitUntilReady forever.
const DefaultLeaseTTL = 5 * time.Minute

// claimScript atomically claims key's in-flight flag unless an
// unexpired claim already exists, mirroring MarkInFlight's contract
// across every process sharing this Redis keyspace.
const claimScript = `
local key = KEYS[1]
local owner = ARGV[1]
local now = ARGV[2]
local leaseTTL = tonumber(ARGV[3])

local inFlight = redis.call('HGET', key, 'in_flight')
local leaseAt = redis.call('HGET', key, 'lease_at')

if inFlight == '1' and leaseAt then
  local age = tonumber(now) - tonumber(leaseAt)
  if age < leaseTTL then
    return 0
  end
end

redis.call('HSET', key, 'in_flight', '1', 'lease_owner', owner, 'lease_at', now)
return 1
`

// markStaleScript sets stale=1 iff it was not already set, matching
// MarkInFlight's "only the first caller wins" shape.
const markStaleScript = `
local key = KEYS[1]
local stale = redis.call('HGET', key, 'stale')
if stale == '1' then
  return 0
end
redis.call('HSET', key, 'stale', '1')
return 1
`

// Store implements store.Store against a Redis keyspace scoped to one
// function identity via keyPrefix.
type Store struct {
	connect   Connector
	keyPrefix string
	leaseTTL  time.Duration

	client Client // lazily set on first use
}

// Config configures a shared Store.
type Config struct {
	// LeaseTTL bounds an unrenewed in-flight claim's lifetime before it
	// is considered abandoned and reclaimable. Defaults to
	// DefaultLeaseTTL.
	LeaseTTL time.Duration
}

// New constructs a shared Store for funcID. connect is called lazily on
// first use so construction (and thus decoration) never blocks on a
// network round trip.
func New(funcID string, connect Connector, cfg Config) *Store {
	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	return &Store{
		connect:   connect,
		keyPrefix: "memoize:" + funcID + ":",
		leaseTTL:  leaseTTL,
	}
}

func (s *Store) conn() (Client, error) {
	if s.client != nil {
		return s.client, nil
	}
	c, err := s.connect()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrBackendUnavailable, err)
	}
	s.client = c
	return c, nil
}

func (s *Store) redisKey(key fingerprint.Key) string {
	return s.keyPrefix + string(key)
}

func (s *Store) Get(ctx context.Context, key fingerprint.Key) (*entry.Entry, bool, error) {
	c, err := s.conn()
	if err != nil {
		return nil, false, err
	}
	m, err := c.HGetAll(ctx, s.redisKey(key)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", store.ErrBackendUnavailable, err)
	}
	if len(m) == 0 {
		return nil, false, nil
	}
	return decodeHash(m), true, nil
}

func (s *Store) Put(ctx context.Context, key fingerprint.Key, value []byte, ts time.Time) error {
	c, err := s.conn()
	if err != nil {
		return err
	}
	err = c.HSet(ctx, s.redisKey(key),
		fieldValue, value,
		fieldTimestamp, formatTime(ts),
		fieldInFlight, "0",
		fieldStale, "0",
		fieldLeaseOwner, "",
	).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrBackendUnavailable, err)
	}
	return nil
}

func (s *Store) MarkInFlight(ctx context.Context, key fingerprint.Key, owner string) (bool, error) {
	c, err := s.conn()
	if err != nil {
		return false, err
	}
	if owner == "" {
		owner = uuid.NewString()
	}
	res, err := c.Eval(ctx, claimScript,
		[]string{s.redisKey(key)},
		owner, nowUnixMillis(), s.leaseTTL.Milliseconds(),
	).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", store.ErrBackendUnavailable, err)
	}
	claimed, _ := res.(int64)
	return claimed == 1, nil
}

func (s *Store) ClearInFlight(ctx context.Context, key fingerprint.Key, _ string) error {
	c, err := s.conn()
	if err != nil {
		return err
	}
	err = c.HSet(ctx, s.redisKey(key), fieldInFlight, "0", fieldLeaseOwner, "").Err()
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrBackendUnavailable, err)
	}
	return nil
}

func (s *Store) MarkStale(ctx context.Context, key fingerprint.Key) (bool, error) {
	c, err := s.conn()
	if err != nil {
		return false, err
	}
	res, err := c.Eval(ctx, markStaleScript, []string{s.redisKey(key)}).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", store.ErrBackendUnavailable, err)
	}
	marked, _ := res.(int64)
	return marked == 1, nil
}

func (s *Store) Clear(ctx context.Context, key fingerprint.Key) error {
	c, err := s.conn()
	if err != nil {
		return err
	}
	if err := c.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrBackendUnavailable, err)
	}
	return nil
}

func (s *Store) ClearAll(ctx context.Context) error {
	c, err := s.conn()
	if err != nil {
		return err
	}
	pattern := s.keyPrefix + "*"
	var cursor uint64
	for {
		keys, next, err := c.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", store.ErrBackendUnavailable, err)
		}
		if len(keys) > 0 {
			if err := c.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("%w: %v", store.ErrBackendUnavailable, err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// pollInterval bounds how often WaitUntilReady re-reads the hash while
// waiting; the shared backend has no local watcher to short-circuit on,
// unlike the file backend.
const pollInterval = 100 * time.Millisecond

func (s *Store) WaitUntilReady(ctx context.Context, key fingerprint.Key, timeout time.Duration) (*entry.Entry, error) {
	deadline := time.Now().Add(timeout)
	unbounded := timeout <= 0

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		e, ok, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok && !e.InFlight {
			return e, nil
		}
		if !unbounded && time.Now().After(deadline) {
			return nil, store.ErrWaitTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// decodeHash turns a Redis hash back into an Entry. A hash can exist
// purely because MarkInFlight's claimScript created it (in_flight/
// lease_owner/lease_at only, no value/timestamp) — that must decode to
// Completed=false, or a racing Get would hand back a decoded zero value
// instead of waiting for the real result (spec.md §8's coalescing
// invariant). Completed is therefore keyed off timestamp actually parsing, since
// Put is the only path that ever writes it.
func decodeHash(m map[string]string) *entry.Entry {
	e := &entry.Entry{
		Value:      []byte(m[fieldValue]),
		InFlight:   m[fieldInFlight] == "1",
		Stale:      m[fieldStale] == "1",
		LeaseOwner: m[fieldLeaseOwner],
	}
	if ts, err := parseTime(m[fieldTimestamp]); err == nil {
		e.Timestamp = ts
		e.Completed = true
	}
	return e
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("shared: empty timestamp")
	}
	return time.Parse(time.RFC3339Nano, s)
}

func nowUnixMillis() int64 {
	return time.Now().UnixMilli()
}

// NewRedisConnector returns a Connector that dials a single Redis node
// at addr using go-redis' default client options, for the common case
// where callers don't need a custom *redis.Options (cluster, TLS,
// sentinel) threaded through.
func NewRedisConnector(addr, password string, db int) Connector {
	return func() (Client, error) {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, err
		}
		return client, nil
	}
}
