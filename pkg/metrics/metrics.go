// Package metrics defines the observability surface pkg/memoize records
// operations through: a small Exporter interface plus Prometheus and
// OpenTelemetry implementations, grounded on the teacher's own
// prometheus/client_golang and go.opentelemetry.io/otel/metric direct
// dependencies (declared in its go.mod, exercised here since the
// retrieved pack carried no exporter source of its own).
package metrics

import (
	"time"
)

// Labels are free-form string tags attached to every exported metric.
type Labels map[string]string

// Operation names a kind of memoization operation being timed.
type Operation string

const (
	OperationGet          Operation = "get"
	OperationSet          Operation = "set"
	OperationDelete       Operation = "delete"
	OperationInvalidate   Operation = "invalidate"
	OperationEvict        Operation = "evict"
	OperationCleanup      Operation = "cleanup"
	OperationFunctionCall Operation = "function_call"
)

// Result classifies the outcome of a memoized call for metrics purposes.
type Result string

const (
	ResultHit   Result = "hit"
	ResultMiss  Result = "miss"
	ResultError Result = "error"
)

// Stats is the read-only snapshot an Exporter pulls counters from when
// periodically exporting aggregate state.
type Stats interface {
	Hits() int64
	Misses() int64
	Evictions() int64
	Invalidations() int64
	KeyCount() int64
	InFlight() int64
	HitRate() float64
}

// Exporter is the observability backend contract: Prometheus, OTel, a
// no-op, or a fan-out MultiExporter all implement this.
type Exporter interface {
	ExportStats(stats Stats, labels Labels) error
	RecordCacheOperation(operation Operation, duration time.Duration, labels Labels) error
	IncrementCounter(name string, labels Labels) error
	RecordHistogram(name string, value float64, labels Labels) error
	SetGauge(name string, value float64, labels Labels) error
	Close() error
}

// MetricNames are the fully-qualified metric names an Exporter should
// register under, derived from a Config's namespace.
type MetricNames struct {
	CacheHitsTotal          string
	CacheMissesTotal        string
	CacheEvictionsTotal     string
	CacheInvalidationsTotal string
	CacheOperationsTotal    string
	CacheErrorsTotal        string
	CacheOperationDuration  string
	CacheKeySize            string
	CacheValueSize          string
	CacheKeysCount          string
	CacheInFlightRequests   string
	CacheHitRate            string
}

// DefaultNamespace prefixes every metric name absent an explicit
// Config.Namespace.
const DefaultNamespace = "memoize"

// DefaultMetricNames returns the metric names under DefaultNamespace.
func DefaultMetricNames() MetricNames {
	return metricNamesFor(DefaultNamespace)
}

func metricNamesFor(namespace string) MetricNames {
	return MetricNames{
		CacheHitsTotal:          namespace + "_hits_total",
		CacheMissesTotal:        namespace + "_misses_total",
		CacheEvictionsTotal:     namespace + "_evictions_total",
		CacheInvalidationsTotal: namespace + "_invalidations_total",
		CacheOperationsTotal:    namespace + "_operations_total",
		CacheErrorsTotal:        namespace + "_errors_total",
		CacheOperationDuration:  namespace + "_operation_duration_seconds",
		CacheKeySize:            namespace + "_key_size_bytes",
		CacheValueSize:          namespace + "_value_size_bytes",
		CacheKeysCount:          namespace + "_keys_count",
		CacheInFlightRequests:   namespace + "_inflight_requests",
		CacheHitRate:            namespace + "_hit_rate",
	}
}

// Config configures an Exporter's namespace, static labels, and
// periodic-reporting behavior. Mirrors the teacher's fluent
// NewDefaultConfig().With...() builder convention.
type Config struct {
	Enabled                bool
	Namespace              string
	Labels                 Labels
	ReportingInterval      time.Duration
	IncludeDetailedTimings bool
	IncludeKeyValueSizes   bool
}

// NewDefaultConfig returns a Config with metrics enabled, the default
// namespace, an empty label set, and a 30s reporting interval.
func NewDefaultConfig() *Config {
	return &Config{
		Enabled:           true,
		Namespace:         DefaultNamespace,
		Labels:            Labels{},
		ReportingInterval: 30 * time.Second,
	}
}

func (c *Config) WithNamespace(ns string) *Config {
	c.Namespace = ns
	return c
}

func (c *Config) WithLabels(l Labels) *Config {
	c.Labels = l
	return c
}

func (c *Config) WithReportingInterval(d time.Duration) *Config {
	c.ReportingInterval = d
	return c
}

func (c *Config) WithDetailedTimings(enabled bool) *Config {
	c.IncludeDetailedTimings = enabled
	return c
}

func (c *Config) WithKeyValueSizes(enabled bool) *Config {
	c.IncludeKeyValueSizes = enabled
	return c
}

// MetricNames resolves this Config's metric names, falling back to
// DefaultNamespace when Namespace is unset.
func (c *Config) MetricNames() MetricNames {
	ns := c.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	return metricNamesFor(ns)
}

// NoOpExporter discards every metric. Used when metrics are disabled or
// unconfigured, so pkg/memoize never needs a nil check on the hot path.
type NoOpExporter struct{}

func NewNoOpExporter() *NoOpExporter { return &NoOpExporter{} }

func (*NoOpExporter) ExportStats(Stats, Labels) error                          { return nil }
func (*NoOpExporter) RecordCacheOperation(Operation, time.Duration, Labels) error { return nil }
func (*NoOpExporter) IncrementCounter(string, Labels) error                    { return nil }
func (*NoOpExporter) RecordHistogram(string, float64, Labels) error            { return nil }
func (*NoOpExporter) SetGauge(string, float64, Labels) error                   { return nil }
func (*NoOpExporter) Close() error                                             { return nil }

// MultiExporter fans every call out to each wrapped Exporter in order,
// calling all of them even if one errors, and returning the first error
// encountered (if any) once every exporter has been invoked.
type MultiExporter struct {
	exporters []Exporter
}

func NewMultiExporter(exporters ...Exporter) *MultiExporter {
	return &MultiExporter{exporters: exporters}
}

func (m *MultiExporter) ExportStats(stats Stats, labels Labels) error {
	var errs []error
	for _, e := range m.exporters {
		if err := e.ExportStats(stats, labels); err != nil {
			errs = append(errs, err)
		}
	}
	return firstOf(errs)
}

func (m *MultiExporter) RecordCacheOperation(operation Operation, duration time.Duration, labels Labels) error {
	var errs []error
	for _, e := range m.exporters {
		if err := e.RecordCacheOperation(operation, duration, labels); err != nil {
			errs = append(errs, err)
		}
	}
	return firstOf(errs)
}

func (m *MultiExporter) IncrementCounter(name string, labels Labels) error {
	var errs []error
	for _, e := range m.exporters {
		if err := e.IncrementCounter(name, labels); err != nil {
			errs = append(errs, err)
		}
	}
	return firstOf(errs)
}

func (m *MultiExporter) RecordHistogram(name string, value float64, labels Labels) error {
	var errs []error
	for _, e := range m.exporters {
		if err := e.RecordHistogram(name, value, labels); err != nil {
			errs = append(errs, err)
		}
	}
	return firstOf(errs)
}

func (m *MultiExporter) SetGauge(name string, value float64, labels Labels) error {
	var errs []error
	for _, e := range m.exporters {
		if err := e.SetGauge(name, value, labels); err != nil {
			errs = append(errs, err)
		}
	}
	return firstOf(errs)
}

func (m *MultiExporter) Close() error {
	var errs []error
	for _, e := range m.exporters {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return firstOf(errs)
}

func firstOf(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errs[0]
}
