// Package flows keeps the registry of pipeline flows and their tracers.
package flows

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/flowtrace/internal/model"
)

// ErrUnknownFlow is returned by Lookup when a delivery event references a flow
// that was never registered.
var ErrUnknownFlow = errors.New("flows: unknown flow")

// TracerFactory binds a tracer to a flow name.
type TracerFactory interface {
	TracerFor(flowName string) trace.Tracer
}

// Registry maps flow IDs to registered flows. Populated when the pipeline
// reports its flows started; read-only for the correlator afterwards.
type Registry struct {
	tracers TracerFactory

	mu    sync.RWMutex
	flows map[string]model.Flow
}

// NewRegistry creates an empty registry.
func NewRegistry(tracers TracerFactory) *Registry {
	return &Registry{
		tracers: tracers,
		flows:   make(map[string]model.Flow),
	}
}

// Register records a flow node. It is idempotent: registering an ID that is
// already present returns the existing flow without rebinding its tracer.
func (r *Registry) Register(node model.Node) (model.Flow, error) {
	if node.ID == "" {
		return model.Flow{}, fmt.Errorf("flows: register: node id is required")
	}
	if !node.IsFlow() {
		return model.Flow{}, fmt.Errorf("flows: register %s: node type %q is not a flow", node.ID, node.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if f, ok := r.flows[node.ID]; ok {
		return f, nil
	}
	name := node.DisplayName()
	f := model.Flow{
		ID:     node.ID,
		Name:   name,
		Tracer: r.tracers.TracerFor(name),
	}
	r.flows[node.ID] = f
	return f, nil
}

// RegisterAll registers every flow node among nodes and skips the rest.
// Returns how many flow nodes were registered, counting ones already present.
func (r *Registry) RegisterAll(nodes []model.Node) int {
	n := 0
	for _, node := range nodes {
		if !node.IsFlow() || node.ID == "" {
			continue
		}
		if _, err := r.Register(node); err == nil {
			n++
		}
	}
	return n
}

// Lookup returns the flow with the given ID.
func (r *Registry) Lookup(flowID string) (model.Flow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.flows[flowID]
	if !ok {
		return model.Flow{}, fmt.Errorf("%w: %q", ErrUnknownFlow, flowID)
	}
	return f, nil
}

// List returns all registered flows ordered by ID.
func (r *Registry) List() []model.Flow {
	r.mu.RLock()
	out := make([]model.Flow, 0, len(r.flows))
	for _, f := range r.flows {
		out = append(out, f)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered flows.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.flows)
}

// Reset forgets every flow. Called when the pipeline stops or redeploys.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows = make(map[string]model.Flow)
}
