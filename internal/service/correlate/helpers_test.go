package correlate

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ashita-ai/flowtrace/internal/model"
)

type fakeRecorder struct {
	mu        sync.Mutex
	summaries []model.TraceSummary
}

func (r *fakeRecorder) Record(s model.TraceSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, s)
}

func (r *fakeRecorder) all() []model.TraceSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.TraceSummary(nil), r.summaries...)
}

type harness struct {
	spans    *tracetest.SpanRecorder
	recorder *fakeRecorder
	c        *Correlator
	flow     model.Flow
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	rec := &fakeRecorder{}
	return &harness{
		spans:    sr,
		recorder: rec,
		c:        New(NewTable(), rec, logger),
		flow:     model.Flow{ID: "f1", Name: "FlowA", Tracer: tp.Tracer("FlowA")},
	}
}

func (h *harness) visit(node model.Node, source *model.Node, msg *model.Message) Visit {
	return Visit{Flow: h.flow, Node: node, Source: source, Message: msg}
}

func (h *harness) started(name string) []sdktrace.ReadWriteSpan {
	var out []sdktrace.ReadWriteSpan
	for _, s := range h.spans.Started() {
		if s.Name() == name {
			out = append(out, s)
		}
	}
	return out
}

func (h *harness) ended(name string) []sdktrace.ReadOnlySpan {
	var out []sdktrace.ReadOnlySpan
	for _, s := range h.spans.Ended() {
		if s.Name() == name {
			out = append(out, s)
		}
	}
	return out
}

func attrValue(s sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range s.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

var (
	httpIn    = model.Node{ID: "n-http", Type: "http in", Name: "http-in", FlowID: "f1"}
	transform = model.Node{ID: "n-transform", Type: "function", Name: "transform", FlowID: "f1"}
	splitter  = model.Node{ID: "n-split", Type: "split", Name: "split", FlowID: "f1"}
	worker    = model.Node{ID: "n-worker", Type: "function", Name: "worker", FlowID: "f1"}
	debugNode = model.Node{ID: "n-debug", Type: "debug", Name: "debug", FlowID: "f1"}
)
