package memoize

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/vnykmshr/memoize-go/internal/store/file"
	"github.com/vnykmshr/memoize-go/internal/store/shared"
	"github.com/vnykmshr/memoize-go/pkg/compression"
)

// BackendType selects which store.Store implementation a Memoize uses.
// It round-trips through YAML as its lowercase string form, so config
// files name backends the same way WithBackend does in code.
type BackendType string

const (
	BackendFile   BackendType = "file"
	BackendShared BackendType = "shared"
	BackendMemory BackendType = "memory"
)

// StaticParams are decorator-time-bound: fixed for the lifetime of one
// Wrap call, never changed afterward. Mirrors the teacher's
// NewDefaultConfig/With... fluent Config, narrowed to memoization
// concerns.
type StaticParams struct {
	Backend       BackendType
	FileRoot      string
	FileSeparate  bool
	FileWatch     bool
	SharedConnect shared.Connector
	SharedLease   time.Duration
	Logger        *log.Logger
	Name          string
	ParamNames    []string
	HasReceiver   bool
	FingerprintFn func(args []any) (string, error)
	Compression   *compression.Config
}

func defaultStaticParams() StaticParams {
	return StaticParams{
		Backend:   BackendFile,
		FileWatch: true,
		Logger:    log.Default(),
	}
}

// LiveParams are process-wide and mutable after a Wrap call has already
// taken effect: staleness policy and the caching on/off toggle.
// Guarded behind an atomic.Pointer so reads never block a writer and
// vice versa, per spec.md's "live parameters take effect on the very
// next call."
type LiveParams struct {
	StaleAfter  time.Duration
	WaitTimeout time.Duration
	CacheOn     bool
	AllowNone   bool

	// ReturnOldOnStale is spec.md's "next_time" policy: a stale hit
	// returns the old value immediately and dispatches a fire-and-forget
	// recomputation instead of recomputing synchronously.
	ReturnOldOnStale bool
}

func defaultLiveParams() LiveParams {
	return LiveParams{CacheOn: true}
}

// Registry holds the process-wide live parameter snapshot a Memoize
// consults on every call. Multiple Memoize instances may share one
// Registry (spec.md's "process-wide configuration"), or each may hold
// its own.
type Registry struct {
	live atomic.Pointer[LiveParams]
}

// NewRegistry constructs a Registry seeded with the default live
// parameters (caching enabled, no staleness policy).
func NewRegistry() *Registry {
	r := &Registry{}
	d := defaultLiveParams()
	r.live.Store(&d)
	return r
}

// Snapshot returns the current live parameters. The returned value is
// never mutated by the Registry after being returned — callers get a
// private copy.
func (r *Registry) Snapshot() LiveParams {
	return *r.live.Load()
}

// SetLiveParams atomically replaces the live parameter snapshot,
// visible to every Memoize sharing this Registry on their very next
// call.
func (r *Registry) SetLiveParams(p LiveParams) {
	cp := p
	r.live.Store(&cp)
}

// EnableCaching turns caching on process-wide without disturbing the
// other live parameters.
func (r *Registry) EnableCaching() {
	p := r.Snapshot()
	p.CacheOn = true
	r.SetLiveParams(p)
}

// DisableCaching turns caching off process-wide: every wrapped function
// invokes directly, bypassing the Store entirely, until re-enabled.
func (r *Registry) DisableCaching() {
	p := r.Snapshot()
	p.CacheOn = false
	r.SetLiveParams(p)
}

// SetStaleAfter updates the staleness window applied to every call
// using this Registry.
func (r *Registry) SetStaleAfter(d time.Duration) {
	p := r.Snapshot()
	p.StaleAfter = d
	r.SetLiveParams(p)
}

// SetWaitTimeout updates wait_for_calc_timeout applied to every call
// using this Registry.
func (r *Registry) SetWaitTimeout(d time.Duration) {
	p := r.Snapshot()
	p.WaitTimeout = d
	r.SetLiveParams(p)
}

// SetAllowNone updates the default allow_none policy. A per-call
// WithAllowNone override still takes precedence over this default.
func (r *Registry) SetAllowNone(allow bool) {
	p := r.Snapshot()
	p.AllowNone = allow
	r.SetLiveParams(p)
}

// SetReturnOldOnStale toggles spec.md's "next_time" policy process-wide.
func (r *Registry) SetReturnOldOnStale(enabled bool) {
	p := r.Snapshot()
	p.ReturnOldOnStale = enabled
	r.SetLiveParams(p)
}

// Option configures a StaticParams at Wrap time.
type Option func(*StaticParams)

// WithBackend selects the storage backend.
func WithBackend(b BackendType) Option {
	return func(p *StaticParams) { p.Backend = b }
}

// WithFileRoot overrides the file backend's root directory.
func WithFileRoot(root string) Option {
	return func(p *StaticParams) { p.FileRoot = root }
}

// WithSeparateFiles selects the file backend's per-entry-file layout
// instead of one shared data file per function.
func WithSeparateFiles(separate bool) Option {
	return func(p *StaticParams) { p.FileSeparate = separate }
}

// WithWatch toggles the file backend's fsnotify-based invalidation.
func WithWatch(enabled bool) Option {
	return func(p *StaticParams) { p.FileWatch = enabled }
}

// WithSharedConnector selects the shared (Redis) backend, overriding
// WithBackend per spec.md §6: presence of a connector factory always
// wins. connect is threaded down to internal/store/shared.New.
func WithSharedConnector(connect shared.Connector) Option {
	return func(p *StaticParams) {
		p.SharedConnect = connect
		p.Backend = BackendShared
	}
}

// WithSharedLease overrides the shared backend's in-flight lease
// duration (default: internal/store/shared.DefaultLeaseTTL).
func WithSharedLease(d time.Duration) Option {
	return func(p *StaticParams) { p.SharedLease = d }
}

// WithLogger overrides the *log.Logger warnings and degraded-backend
// notices are written to.
func WithLogger(l *log.Logger) Option {
	return func(p *StaticParams) { p.Logger = l }
}

// WithName overrides the function identity derived from runtime
// reflection, disambiguating function literals that would otherwise
// collide.
func WithName(name string) Option {
	return func(p *StaticParams) { p.Name = name }
}

// WithParamNames declares one name per fingerprinted argument (after
// receiver elision). The default fingerprint pairs each argument with
// its name and sorts the pairs by name; a call whose argument count
// differs from the number of names fails with ErrNotFingerprintable.
func WithParamNames(names ...string) Option {
	return func(p *StaticParams) { p.ParamNames = names }
}

// WithReceiver marks the wrapped function as a method expression
// (T.Method) whose first argument is the receiver: that argument is left
// out of the fingerprint but still passed to the function.
func WithReceiver() Option {
	return func(p *StaticParams) { p.HasReceiver = true }
}

// WithFingerprintFunc injects a replacement fingerprint function,
// bypassing the default msgpack+xxhash canonicalization entirely.
func WithFingerprintFunc(fn func(args []any) (string, error)) Option {
	return func(p *StaticParams) { p.FingerprintFn = fn }
}

// WithCompression enables large-value compression before storage,
// reusing pkg/compression's threshold-gated gzip/deflate encoders.
func WithCompression(cfg *compression.Config) Option {
	return func(p *StaticParams) { p.Compression = cfg }
}

// fileRootOrDefault resolves the effective file backend root, falling
// back to internal/store/file.DefaultRoot() the same way the backend
// itself would.
func (p StaticParams) fileRootOrDefault() string {
	if p.FileRoot != "" {
		return p.FileRoot
	}
	return file.DefaultRoot()
}
