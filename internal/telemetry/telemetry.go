// Package telemetry holds the OpenTelemetry instruments gatekeep records.
package telemetry

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const meterName = "github.com/fentz26/gatekeep"

// Metrics is a set of counters. A nil *Metrics records nothing.
type Metrics struct {
	itemsAdmitted  metric.Int64Counter
	itemsDuplicate metric.Int64Counter
	transitions    metric.Int64Counter
	gateRejections metric.Int64Counter
	executions     metric.Int64Counter
	sourceFailures metric.Int64Counter
}

// New creates the instruments on mp, or on the global provider when mp is nil.
func New(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	m := &Metrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.itemsAdmitted, "gatekeep.items.admitted", "Items admitted by the dedup index"},
		{&m.itemsDuplicate, "gatekeep.items.duplicate", "Items dropped as duplicates"},
		{&m.transitions, "gatekeep.transitions", "Committed stage transitions"},
		{&m.gateRejections, "gatekeep.gate.rejections", "Execution requests refused by the gate"},
		{&m.executions, "gatekeep.executions", "Execution attempts by result"},
		{&m.sourceFailures, "gatekeep.source.failures", "Source fetch failures by kind"},
	}
	for _, c := range counters {
		ctr, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = ctr
	}
	return m, nil
}

// NewWithReader builds a private provider backed by a manual reader, for
// the daemon's /metrics endpoint and for tests.
func NewWithReader() (*Metrics, *sdkmetric.ManualReader, error) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := New(mp)
	if err != nil {
		return nil, nil, err
	}
	return m, reader, nil
}

func (m *Metrics) ItemAdmitted(ctx context.Context, source string) {
	if m != nil {
		m.itemsAdmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	}
}

func (m *Metrics) ItemDuplicate(ctx context.Context, source string) {
	if m != nil {
		m.itemsDuplicate.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	}
}

func (m *Metrics) Transition(ctx context.Context, from, to string) {
	if m != nil {
		m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("from", from), attribute.String("to", to)))
	}
}

func (m *Metrics) GateRejected(ctx context.Context, actionType, reason string) {
	if m != nil {
		m.gateRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("action_type", actionType), attribute.String("reason", reason)))
	}
}

func (m *Metrics) Execution(ctx context.Context, actionType, result string) {
	if m != nil {
		m.executions.Add(ctx, 1, metric.WithAttributes(attribute.String("action_type", actionType), attribute.String("result", result)))
	}
}

func (m *Metrics) SourceFailure(ctx context.Context, source, kind string) {
	if m != nil {
		m.sourceFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source), attribute.String("kind", kind)))
	}
}

// Point is one counter value with its attributes flattened.
type Point struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Value      int64             `json:"value"`
}

// Snapshot collects every int64 sum from reader.
func Snapshot(ctx context.Context, reader *sdkmetric.ManualReader) ([]Point, error) {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}
	var out []Point
	for _, sm := range rm.ScopeMetrics {
		for _, mm := range sm.Metrics {
			sum, ok := mm.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				p := Point{Name: mm.Name, Value: dp.Value, Attributes: map[string]string{}}
				for _, kv := range dp.Attributes.ToSlice() {
					p.Attributes[string(kv.Key)] = kv.Value.Emit()
				}
				out = append(out, p)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Sum adds every point named name whose attributes include attrs.
func Sum(points []Point, name string, attrs map[string]string) int64 {
	var total int64
	for _, p := range points {
		if p.Name != name {
			continue
		}
		match := true
		for k, v := range attrs {
			if p.Attributes[k] != v {
				match = false
				break
			}
		}
		if match {
			total += p.Value
		}
	}
	return total
}
