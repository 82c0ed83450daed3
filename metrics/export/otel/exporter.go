package otel

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/MrEthical07/portalguard"
	"github.com/MrEthical07/portalguard/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNilMeter  = errors.New("otel export: nil meter")
	ErrNilSource = errors.New("otel export: nil metrics source")
)

// BoundKey is the attribute carrying a bucket's upper bound in seconds.
const BoundKey = attribute.Key("le")

// Source is what the exporter observes on every collection. *portalguard.Engine
// implements it.
type Source interface {
	MetricsSnapshot() portalguard.MetricsSnapshot
	AuditDropped() uint64
}

type latency struct {
	buckets metric.Int64ObservableGauge
	samples metric.Int64ObservableCounter
}

// Exporter observes a [Source] through one Meter. Counters map to
// observable counters; each latency histogram maps to a cumulative bucket
// gauge keyed by [BoundKey] plus a sample counter.
type Exporter struct {
	source       Source
	counters     map[portalguard.MetricID]metric.Int64ObservableCounter
	latencies    map[portalguard.MetricID]latency
	bounds       [internaldefs.BucketCount]metric.ObserveOption
	auditDropped metric.Int64ObservableCounter
	registration metric.Registration
}

// NewExporter observes engine through meter until [Exporter.Close].
func NewExporter(meter metric.Meter, engine *portalguard.Engine) (*Exporter, error) {
	if engine == nil {
		return nil, ErrNilSource
	}
	return NewExporterFromSource(meter, engine)
}

func NewExporterFromSource(meter metric.Meter, source Source) (*Exporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	e := &Exporter{
		source:    source,
		counters:  make(map[portalguard.MetricID]metric.Int64ObservableCounter, len(internaldefs.CounterDefs)),
		latencies: make(map[portalguard.MetricID]latency, len(internaldefs.HistogramDefs)),
	}
	for i, le := range internaldefs.UpperBoundsSeconds() {
		e.bounds[i] = metric.WithAttributes(BoundKey.String(strconv.FormatFloat(le, 'g', -1, 64)))
	}
	e.bounds[internaldefs.BucketCount-1] = metric.WithAttributes(BoundKey.String("+Inf"))

	var observed []metric.Observable
	for _, def := range internaldefs.CounterDefs {
		c, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, fmt.Errorf("otel export: counter %s: %w", def.Name, err)
		}
		e.counters[def.ID] = c
		observed = append(observed, c)
	}
	for _, def := range internaldefs.HistogramDefs {
		buckets, err := meter.Int64ObservableGauge(def.Name+"_bucket",
			metric.WithDescription(def.Help+" Cumulative count per upper bound."))
		if err != nil {
			return nil, fmt.Errorf("otel export: buckets %s: %w", def.Name, err)
		}
		samples, err := meter.Int64ObservableCounter(def.Name+"_count",
			metric.WithDescription(def.Help+" Sample count."))
		if err != nil {
			return nil, fmt.Errorf("otel export: samples %s: %w", def.Name, err)
		}
		e.latencies[def.ID] = latency{buckets: buckets, samples: samples}
		observed = append(observed, buckets, samples)
	}
	dropped, err := meter.Int64ObservableCounter(internaldefs.AuditDroppedName,
		metric.WithDescription("Audit events lost to a full buffer."))
	if err != nil {
		return nil, fmt.Errorf("otel export: audit dropped: %w", err)
	}
	e.auditDropped = dropped
	observed = append(observed, dropped)

	reg, err := meter.RegisterCallback(e.observe, observed...)
	if err != nil {
		return nil, fmt.Errorf("otel export: register callback: %w", err)
	}
	e.registration = reg
	return e, nil
}

func (e *Exporter) observe(_ context.Context, o metric.Observer) error {
	snap := e.source.MetricsSnapshot()
	for id, c := range e.counters {
		o.ObserveInt64(c, int64(snap.Counters[id]))
	}
	for id, l := range e.latencies {
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snap.Histograms[id]))
		for i, n := range cumulative {
			o.ObserveInt64(l.buckets, int64(n), e.bounds[i])
		}
		o.ObserveInt64(l.samples, int64(cumulative[len(cumulative)-1]))
	}
	o.ObserveInt64(e.auditDropped, int64(e.source.AuditDropped()))
	return nil
}

// Close unregisters the callback. Safe on a nil Exporter.
func (e *Exporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
