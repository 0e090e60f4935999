package correlate

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/flowtrace/internal/model"
	"github.com/ashita-ai/flowtrace/internal/telemetry"
)

// metrics holds the correlator's OTEL instruments. Instrument creation errors
// leave the corresponding field nil; recording is best-effort.
type metrics struct {
	started metric.Int64Counter
	ended   metric.Int64Counter
	closed  metric.Int64Counter
	latency metric.Float64Histogram

	inFlight metric.Registration
}

func newMetrics(table *Table) *metrics {
	meter := telemetry.Meter("flowtrace/correlate")
	m := &metrics{}

	m.started, _ = meter.Int64Counter("flowtrace.node_spans.started",
		metric.WithDescription("Node spans opened"),
	)
	m.ended, _ = meter.Int64Counter("flowtrace.node_spans.ended",
		metric.WithDescription("Node spans ended by delivery or error"),
	)
	m.closed, _ = meter.Int64Counter("flowtrace.traces.closed",
		metric.WithDescription("Root spans closed, by close reason"),
	)
	m.latency, _ = meter.Float64Histogram("flowtrace.traces.duration",
		metric.WithDescription("Time from trace start to root span close"),
		metric.WithUnit("ms"),
	)

	inFlight, err := meter.Int64ObservableGauge("flowtrace.traces.in_flight",
		metric.WithDescription("Traces waiting for their node spans to end"),
	)
	if err == nil {
		m.inFlight, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(inFlight, int64(table.Len()))
			return nil
		}, inFlight)
	}
	return m
}

// unregister stops the in-flight gauge from observing the table.
func (m *metrics) unregister() error {
	if m.inFlight == nil {
		return nil
	}
	err := m.inFlight.Unregister()
	m.inFlight = nil
	return err
}

func (m *metrics) spanStarted(ctx context.Context) {
	if m.started != nil {
		m.started.Add(ctx, 1)
	}
}

func (m *metrics) spansEnded(ctx context.Context, status model.TraceStatus) {
	if m.ended != nil {
		m.ended.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	}
}

func (m *metrics) traceClosed(ctx context.Context, s model.TraceSummary) {
	attrs := metric.WithAttributes(
		attribute.String("reason", string(s.CloseReason)),
		attribute.String("status", string(s.Status)),
	)
	if m.closed != nil {
		m.closed.Add(ctx, 1, attrs)
	}
	if m.latency != nil {
		m.latency.Record(ctx, float64(s.Duration().Milliseconds()), attrs)
	}
}
