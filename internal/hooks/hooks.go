// Package hooks adapts the pipeline host's delivery events to the
// correlator. Hooks never fail the host: an event that cannot be traced is
// logged, counted and dropped.
package hooks

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/flowtrace/internal/flows"
	"github.com/ashita-ai/flowtrace/internal/model"
	"github.com/ashita-ai/flowtrace/internal/service/correlate"
	"github.com/ashita-ai/flowtrace/internal/telemetry"
)

// Reasons reported in Outcome when an event is not instrumented.
const (
	ReasonUnknownFlow   = "unknown_flow"
	ReasonNotIngress    = "not_ingress"
	ReasonNotTraced     = "not_traced"
	ReasonNoTrace       = "no_trace"
	ReasonNoError       = "no_error"
	ReasonNoMessageID   = "missing_message_id"
	ReasonMissingSource = "missing_source"
)

// Outcome tells the host what a hook did. ParentMessageID is the splitter
// stamp the host must copy back onto its message, empty when unset.
type Outcome struct {
	Instrumented    bool
	Reason          string
	ParentMessageID string
}

// Adapter routes host events to the flow registry and the correlator.
type Adapter struct {
	registry   *flows.Registry
	correlator *correlate.Correlator
	logger     *slog.Logger
	dropped    metric.Int64Counter
}

// New creates an Adapter.
func New(registry *flows.Registry, correlator *correlate.Correlator, logger *slog.Logger) *Adapter {
	dropped, _ := telemetry.Meter("flowtrace/hooks").Int64Counter("flowtrace.hooks.dropped",
		metric.WithDescription("Host events dropped without tracing, by reason"),
	)
	return &Adapter{
		registry:   registry,
		correlator: correlator,
		logger:     logger,
		dropped:    dropped,
	}
}

// FlowsStarted registers every flow container among nodes. Other nodes are
// ignored. Returns the number of flows registered.
func (a *Adapter) FlowsStarted(nodes []model.Node) int {
	n := a.registry.RegisterAll(nodes)
	a.logger.Info("hooks: flows started", "nodes", len(nodes), "flows", n)
	return n
}

// FlowsStopped closes every in-flight trace and clears the registry.
// Returns the number of traces closed.
func (a *Adapter) FlowsStopped() int {
	closed := a.correlator.Reset()
	a.registry.Reset()
	a.logger.Info("hooks: flows stopped", "traces_closed", closed)
	return closed
}

// PreRoute handles a message about to leave source. Only ingress nodes start
// traces here; every other node already got its span on receive.
func (a *Adapter) PreRoute(source model.Node, msg *model.Message) Outcome {
	if !source.IsIngress() {
		return a.skip(ReasonNotIngress, msg)
	}
	return a.ensure(source, nil, msg)
}

// PostDeliver handles a message handed from source to destination: the
// source's span ends.
func (a *Adapter) PostDeliver(source, destination model.Node, msg *model.Message) Outcome {
	if msg == nil || msg.ID == "" {
		return a.drop(ReasonNoMessageID, destination, msg)
	}
	if source.ID == "" {
		return a.drop(ReasonMissingSource, destination, msg)
	}
	flow, ok := a.flow(destination, msg)
	if !ok {
		return a.skip(ReasonUnknownFlow, msg)
	}
	if !a.correlator.CloseSourceSpan(correlate.Visit{Flow: flow, Node: destination, Source: &source, Message: msg}) {
		return a.skip(ReasonNotTraced, msg)
	}
	return instrumented(msg)
}

// Receive handles a message arriving at destination: the node gets a span.
func (a *Adapter) Receive(destination model.Node, msg *model.Message) Outcome {
	return a.ensure(destination, nil, msg)
}

// Complete handles a node finishing a message. Only failures act: the node's
// span and the whole trace close with an error. Successful completion is
// left to the sweeper.
func (a *Adapter) Complete(node model.Node, msg *model.Message, errDetail string) Outcome {
	if errDetail == "" {
		return a.skip(ReasonNoError, msg)
	}
	if msg == nil || msg.ID == "" {
		return a.drop(ReasonNoMessageID, node, msg)
	}
	if err := a.correlator.MarkError(msg.ID, node.ID, errDetail); err != nil {
		// correlate.ErrNoTrace: the trace already closed or never started.
		a.logger.Debug("hooks: node error for untraced message", "error", err, "node_id", node.ID)
		return a.skip(ReasonNoTrace, msg)
	}
	return instrumented(msg)
}

func (a *Adapter) ensure(node model.Node, source *model.Node, msg *model.Message) Outcome {
	if msg == nil || msg.ID == "" {
		return a.drop(ReasonNoMessageID, node, msg)
	}
	flow, ok := a.flow(node, msg)
	if !ok {
		return a.skip(ReasonUnknownFlow, msg)
	}
	if !a.correlator.EnsureTrace(correlate.Visit{Flow: flow, Node: node, Source: source, Message: msg}) {
		return a.skip(ReasonNotTraced, msg)
	}
	return instrumented(msg)
}

// flow resolves the flow a node belongs to. An unknown flow is logged and
// counted as a dropped event.
func (a *Adapter) flow(node model.Node, msg *model.Message) (model.Flow, bool) {
	flow, err := a.registry.Lookup(node.FlowID)
	if err != nil {
		a.logger.Warn("hooks: dropping event", "error", err,
			"node_id", node.ID, "node_type", node.Type, "message_id", msg.ID)
		a.count(ReasonUnknownFlow)
		return model.Flow{}, false
	}
	return flow, true
}

func (a *Adapter) drop(reason string, node model.Node, msg *model.Message) Outcome {
	a.logger.Warn("hooks: dropping event", "reason", reason, "node_id", node.ID)
	a.count(reason)
	return a.skip(reason, msg)
}

func (a *Adapter) count(reason string) {
	if a.dropped != nil {
		a.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func (a *Adapter) skip(reason string, msg *model.Message) Outcome {
	o := Outcome{Reason: reason}
	if msg != nil {
		o.ParentMessageID = msg.ParentID
	}
	return o
}

func instrumented(msg *model.Message) Outcome {
	return Outcome{Instrumented: true, ParentMessageID: msg.ParentID}
}
