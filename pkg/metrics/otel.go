package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelExporter records memoization metrics through an OpenTelemetry
// metric.Meter, grounded on the teacher's direct go.opentelemetry.io/otel
// and go.opentelemetry.io/otel/metric dependency (no exporter source was
// retrieved with the pack; instruments below follow the otel/metric
// Meter.Int64Counter/Float64Histogram API directly).
type OTelExporter struct {
	hits          metric.Int64Counter
	misses        metric.Int64Counter
	evictions     metric.Int64Counter
	invalidations metric.Int64Counter
	operations    metric.Int64Counter
	errorsTotal   metric.Int64Counter
	duration      metric.Float64Histogram
	keysCount     metric.Int64Gauge
	inFlight      metric.Int64Gauge
	hitRate       metric.Float64Gauge
	counters      metric.Int64Counter
	histograms    metric.Float64Histogram
	gauges        metric.Float64Gauge
}

// NewOTelExporter constructs every instrument this exporter needs on
// meter, named per cfg's namespace (defaulting to DefaultNamespace).
func NewOTelExporter(meter metric.Meter, cfg *Config) (*OTelExporter, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	names := cfg.MetricNames()
	ns := cfg.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}

	var err error
	e := &OTelExporter{}
	if e.hits, err = meter.Int64Counter(names.CacheHitsTotal); err != nil {
		return nil, err
	}
	if e.misses, err = meter.Int64Counter(names.CacheMissesTotal); err != nil {
		return nil, err
	}
	if e.evictions, err = meter.Int64Counter(names.CacheEvictionsTotal); err != nil {
		return nil, err
	}
	if e.invalidations, err = meter.Int64Counter(names.CacheInvalidationsTotal); err != nil {
		return nil, err
	}
	if e.operations, err = meter.Int64Counter(names.CacheOperationsTotal); err != nil {
		return nil, err
	}
	if e.errorsTotal, err = meter.Int64Counter(names.CacheErrorsTotal); err != nil {
		return nil, err
	}
	if e.duration, err = meter.Float64Histogram(names.CacheOperationDuration); err != nil {
		return nil, err
	}
	if e.keysCount, err = meter.Int64Gauge(names.CacheKeysCount); err != nil {
		return nil, err
	}
	if e.inFlight, err = meter.Int64Gauge(names.CacheInFlightRequests); err != nil {
		return nil, err
	}
	if e.hitRate, err = meter.Float64Gauge(names.CacheHitRate); err != nil {
		return nil, err
	}
	if e.counters, err = meter.Int64Counter(ns + "_counters"); err != nil {
		return nil, err
	}
	if e.histograms, err = meter.Float64Histogram(ns + "_histograms"); err != nil {
		return nil, err
	}
	if e.gauges, err = meter.Float64Gauge(ns + "_gauges"); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *OTelExporter) ExportStats(stats Stats, labels Labels) error {
	ctx := context.Background()
	attrs := metric.WithAttributes(labelAttrs(labels)...)
	e.hits.Add(ctx, stats.Hits(), attrs)
	e.misses.Add(ctx, stats.Misses(), attrs)
	e.evictions.Add(ctx, stats.Evictions(), attrs)
	e.invalidations.Add(ctx, stats.Invalidations(), attrs)
	e.keysCount.Record(ctx, stats.KeyCount(), attrs)
	e.inFlight.Record(ctx, stats.InFlight(), attrs)
	e.hitRate.Record(ctx, stats.HitRate(), attrs)
	return nil
}

func (e *OTelExporter) RecordCacheOperation(operation Operation, duration time.Duration, labels Labels) error {
	ctx := context.Background()
	attrs := append(labelAttrs(labels), attribute.String("operation", string(operation)))
	e.operations.Add(ctx, 1, metric.WithAttributes(attrs...))
	e.duration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	return nil
}

func (e *OTelExporter) IncrementCounter(name string, labels Labels) error {
	attrs := append(labelAttrs(labels), attribute.String("name", name))
	e.counters.Add(context.Background(), 1, metric.WithAttributes(attrs...))
	return nil
}

func (e *OTelExporter) RecordHistogram(name string, value float64, labels Labels) error {
	attrs := append(labelAttrs(labels), attribute.String("name", name))
	e.histograms.Record(context.Background(), value, metric.WithAttributes(attrs...))
	return nil
}

func (e *OTelExporter) SetGauge(name string, value float64, labels Labels) error {
	attrs := append(labelAttrs(labels), attribute.String("name", name))
	e.gauges.Record(context.Background(), value, metric.WithAttributes(attrs...))
	return nil
}

func (e *OTelExporter) Close() error { return nil }

func labelAttrs(labels Labels) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}
