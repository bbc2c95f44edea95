package memoize

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/vnykmshr/memoize-go/internal/store"
	"github.com/vnykmshr/memoize-go/internal/store/file"
	"github.com/vnykmshr/memoize-go/internal/store/memory"
	"github.com/vnykmshr/memoize-go/internal/store/shared"
	"github.com/vnykmshr/memoize-go/internal/worker"
	"github.com/vnykmshr/memoize-go/pkg/metrics"
)

// Memoize is the shared collaborator every Wrap call attaches to: a
// Registry of live parameters, a Hooks set, a background worker pool
// for stale-recompute dispatch, and an optional metrics exporter.
// Mirrors the teacher's Cache struct (config/hooks/stats/metrics
// fields), narrowed to what a per-function Store-backed memoizer needs
// instead of a single shared key-value store.
type Memoize struct {
	registry *Registry
	hooks    *Hooks
	logger   *log.Logger
	workers  *worker.Pool

	metricsExporter metrics.Exporter
	metricsLabels   metrics.Labels

	mu     sync.Mutex
	stores map[string]store.Store // funcID -> already-constructed Store, reused across repeated Wrap calls on the same identity
}

// MemoizeOption configures a Memoize at construction time.
type MemoizeOption func(*Memoize)

// WithRegistry attaches a Registry, letting multiple Memoize instances
// (e.g. across packages of one binary) share one live-parameter
// snapshot instead of each drifting independently.
func WithRegistry(r *Registry) MemoizeOption {
	return func(m *Memoize) { m.registry = r }
}

// WithHooks attaches a Hooks set.
func WithHooks(h *Hooks) MemoizeOption {
	return func(m *Memoize) { m.hooks = h }
}

// WithMemoizeLogger overrides the default logger used for warnings not
// tied to any single Wrap call (e.g. worker pool shutdown errors).
func WithMemoizeLogger(l *log.Logger) MemoizeOption {
	return func(m *Memoize) { m.logger = l }
}

// WithWorkerPool overrides the background pool used to run
// fire-and-forget stale recomputations.
func WithWorkerPool(p *worker.Pool) MemoizeOption {
	return func(m *Memoize) { m.workers = p }
}

// WithMetrics attaches a metrics exporter (Prometheus, OpenTelemetry, or
// a no-op) plus static labels applied to every recorded operation.
func WithMetrics(exporter metrics.Exporter, labels metrics.Labels) MemoizeOption {
	return func(m *Memoize) {
		m.metricsExporter = exporter
		m.metricsLabels = labels
	}
}

// New constructs a Memoize. Absent options, it uses a fresh Registry
// with caching enabled, no hooks, the default logger, the process-wide
// worker.Default() pool, and a no-op metrics exporter.
func New(opts ...MemoizeOption) *Memoize {
	m := &Memoize{
		registry: NewRegistry(),
		logger:   log.Default(),
		workers:  worker.Default(),
		stores:   make(map[string]store.Store),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metricsExporter == nil {
		m.metricsExporter = metrics.NewNoOpExporter()
	}
	return m
}

// Registry returns the live-parameter registry this Memoize consults.
func (m *Memoize) Registry() *Registry { return m.registry }

// storeFor returns the Store for funcID, constructing it from p on
// first use and reusing it for every subsequent call sharing that
// identity — mirrors spec.md §4.6's "one Store instance per function
// identity, constructed once."
func (m *Memoize) storeFor(funcID string, p StaticParams) (store.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stores[funcID]; ok {
		return s, nil
	}
	s, err := newStore(funcID, p)
	if err != nil {
		return nil, err
	}
	m.stores[funcID] = s
	return s, nil
}

func newStore(funcID string, p StaticParams) (store.Store, error) {
	if p.SharedConnect != nil {
		return shared.New(funcID, p.SharedConnect, shared.Config{LeaseTTL: p.SharedLease}), nil
	}
	switch p.Backend {
	case BackendShared:
		return nil, fmt.Errorf("memoize: backend %q selected without WithSharedConnector", BackendShared)
	case BackendMemory:
		return memory.New(), nil
	case BackendFile, "":
		return file.New(funcID, file.Config{
			Root:          p.fileRootOrDefault(),
			SeparateFiles: p.FileSeparate,
			Watch:         p.FileWatch,
			Logger:        p.Logger,
		})
	default:
		return nil, fmt.Errorf("memoize: unknown backend %q", p.Backend)
	}
}

// Close releases every Store this Memoize has constructed and waits for
// outstanding background recomputations to finish or ctx to expire.
func (m *Memoize) Close(ctx context.Context) error {
	m.mu.Lock()
	stores := make([]store.Store, 0, len(m.stores))
	for _, s := range m.stores {
		stores = append(stores, s)
	}
	m.stores = make(map[string]store.Store)
	m.mu.Unlock()

	var firstErr error
	for _, s := range stores {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := m.workers.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if m.metricsExporter != nil {
		_ = m.metricsExporter.Close()
	}
	return firstErr
}

func (m *Memoize) recordOperation(op metrics.Operation, d time.Duration) {
	if m.metricsExporter != nil {
		_ = m.metricsExporter.RecordCacheOperation(op, d, m.metricsLabels)
	}
}

func (m *Memoize) recordResult(r metrics.Result) {
	if m.metricsExporter != nil {
		_ = m.metricsExporter.IncrementCounter(string(r), m.metricsLabels)
	}
}
