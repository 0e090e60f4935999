// Package flowtrace is the public API for embedding the flowtrace correlator.
//
// A host either runs the HTTP hook bridge:
//
//	app, err := flowtrace.New(
//	    flowtrace.WithVersion(version),
//	    flowtrace.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// or, when it lives in the same process as the pipeline, calls the hooks
// directly through App.Hooks.
//
// The root package imports internal/*, never the other way around. Public
// types (Node, Message, TraceSummary) are standalone structs; conversions
// live in types.go.
package flowtrace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/flowtrace/api"
	"github.com/ashita-ai/flowtrace/internal/config"
	"github.com/ashita-ai/flowtrace/internal/flows"
	"github.com/ashita-ai/flowtrace/internal/hooks"
	"github.com/ashita-ai/flowtrace/internal/mcp"
	"github.com/ashita-ai/flowtrace/internal/model"
	"github.com/ashita-ai/flowtrace/internal/ratelimit"
	"github.com/ashita-ai/flowtrace/internal/server"
	"github.com/ashita-ai/flowtrace/internal/service/archive"
	"github.com/ashita-ai/flowtrace/internal/service/correlate"
	"github.com/ashita-ai/flowtrace/internal/storage"
	"github.com/ashita-ai/flowtrace/internal/telemetry"
)

// App is the flowtrace lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg        config.Config
	providers  *telemetry.Providers
	registry   *flows.Registry
	correlator *correlate.Correlator
	sweeper    *correlate.Sweeper
	adapter    *hooks.Adapter
	db         *storage.DB     // nil when the archive is disabled
	buf        *archive.Buffer // nil when the archive is disabled
	broker     *server.Broker
	limiter    ratelimit.Limiter // nil when query rate limiting is disabled
	srv        *server.Server
	logger     *slog.Logger
	version    string

	shutdownOnce sync.Once
	shutdownErr  error
}

// New loads configuration, applies options, and wires the correlator, the
// optional archive, and the HTTP hook bridge. Nothing runs until Run.
func New(opts ...Option) (*App, error) {
	var o resolvedOptions
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("flowtrace: load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.sweepInterval > 0 {
		cfg.SweepInterval = o.sweepInterval
	}
	if o.maxTraceAge != nil {
		cfg.MaxTraceAge = *o.maxTraceAge
	}
	if o.archivePath != "" {
		cfg.ArchivePath = o.archivePath
	}

	providers, err := telemetry.Init(context.Background(), telemetry.Settings{
		Endpoint:                  cfg.OTELEndpoint,
		Insecure:                  cfg.OTELInsecure,
		ServiceName:               cfg.ServiceName,
		Version:                   version,
		AttributeValueLengthLimit: cfg.SpanAttributeValueLimit,
		AttributeCountLimit:       cfg.SpanAttributeCountLimit,
		SpanExporter:              o.spanExporter,
		SyncExport:                o.spanExporter != nil,
	})
	if err != nil {
		return nil, fmt.Errorf("flowtrace: telemetry: %w", err)
	}

	var (
		db  *storage.DB
		buf *archive.Buffer
	)
	if cfg.ArchivePath != "" {
		db, err = storage.Open(context.Background(), cfg.ArchivePath, logger)
		if err != nil {
			_ = providers.Shutdown(context.Background())
			return nil, fmt.Errorf("flowtrace: archive: %w", err)
		}
		buf = archive.NewBuffer(db, logger, cfg.ArchiveBufferSize, cfg.ArchiveFlushInterval)
	}

	broker := server.NewBroker(logger)

	recorders := recorderSet{broker}
	if buf != nil {
		recorders = append(recorders, buf)
	}
	for _, h := range o.traceHooks {
		recorders = append(recorders, traceHookRecorder{hook: h})
	}

	registry := flows.NewRegistry(providers)
	table := correlate.NewTable()
	correlator := correlate.New(table, recorders, logger)
	sweeper := correlate.NewSweeper(correlator, logger, cfg.SweepInterval, cfg.MaxTraceAge)
	adapter := hooks.New(registry, correlator, logger)

	// Assign only a non-nil *storage.DB so consumers see a nil interface
	// when the archive is disabled.
	var (
		srvArchive server.Archive
		mcpArchive mcp.Archive
	)
	if db != nil {
		srvArchive, mcpArchive = db, db
	}
	mcpSrv := mcp.New(registry, table, mcpArchive, logger, version)

	var limiter ratelimit.Limiter
	if cfg.QueryRateLimit > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.QueryRateLimit, cfg.QueryRateBurst)
	}

	srv := server.New(server.ServerConfig{
		Hooks:               adapter,
		Registry:            registry,
		Table:               table,
		Logger:              logger,
		Archive:             srvArchive,
		Buffer:              buf,
		Broker:              broker,
		QueryLimiter:        limiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		HookToken:           cfg.HookToken,
		MCPServer:           mcpSrv.MCPServer(),
		OpenAPISpec:         api.OpenAPISpec,
	})

	logger.Info("flowtrace configured",
		"version", version,
		"port", cfg.Port,
		"sweep_interval", cfg.SweepInterval,
		"max_trace_age", cfg.MaxTraceAge,
		"archive", cfg.ArchivePath != "",
		"otlp", cfg.OTELEndpoint != "" || o.spanExporter != nil,
	)

	return &App{
		cfg:        cfg,
		providers:  providers,
		registry:   registry,
		correlator: correlator,
		sweeper:    sweeper,
		adapter:    adapter,
		db:         db,
		buf:        buf,
		broker:     broker,
		limiter:    limiter,
		srv:        srv,
		logger:     logger,
		version:    version,
	}, nil
}

// Run starts the sweeper, the archive flush loop, and the HTTP server, then
// blocks until ctx is cancelled or the server fails. On return, Shutdown has
// already run; callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	a.sweeper.Start(gctx)
	if a.buf != nil {
		a.buf.Start(gctx)
	}

	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("flowtrace: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(context.Background())
	})

	return g.Wait()
}

// Start runs the sweeper and the archive flush loop without the HTTP server.
// Embedders that call Hooks directly use Start instead of Run and must call
// Shutdown when done.
func (a *App) Start(ctx context.Context) {
	a.sweeper.Start(ctx)
	if a.buf != nil {
		a.buf.Start(ctx)
	}
}

// Shutdown stops the app in order:
// (1) stop accepting hook requests and drain in-flight ones,
// (2) stop the sweeper after a final sweep,
// (3) close every trace still open,
// (4) flush closed traces to the archive,
// (5) flush exported spans.
// It then closes the archive. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.shutdownErr = a.shutdown(ctx)
	})
	return a.shutdownErr
}

func (a *App) shutdown(ctx context.Context) error {
	a.logger.Info("flowtrace shutting down")
	var errs []error

	// Phase 1: HTTP drain.
	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	httpCancel()

	// Phase 2: final sweep.
	sweepCtx, sweepCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	a.sweeper.Drain(sweepCtx)
	sweepCancel()

	// Phase 3: close stragglers so their spans are exported.
	if n := a.correlator.Reset(); n > 0 {
		a.logger.Info("closed open traces at shutdown", "count", n)
	}
	if err := a.correlator.Close(); err != nil {
		errs = append(errs, err)
	}

	// Phase 4: archive drain.
	if a.buf != nil {
		bufCtx, bufCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
		a.buf.Drain(bufCtx)
		bufCancel()
		if n := a.buf.Len(); n > 0 {
			a.logger.Error("archive drain incomplete, unflushed traces will be lost", "remaining", n)
			errs = append(errs, fmt.Errorf("archive drain: %d traces not flushed", n))
		}
	}

	// Phase 5: span export.
	otelCtx, otelCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	if err := a.providers.Shutdown(otelCtx); err != nil {
		a.logger.Error("telemetry shutdown error", "error", err)
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}
	otelCancel()

	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if err := a.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("archive close: %w", err))
	}

	a.logger.Info("flowtrace stopped")
	return errors.Join(errs...)
}

// Handler returns the HTTP handler with all routes and middleware, for
// mounting under a host's own server or for tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Hooks returns the in-process hook API backed by this app's correlator.
func (a *App) Hooks() *Hooks {
	return &Hooks{adapter: a.adapter}
}

// Flows returns the names of the registered flows keyed by flow ID.
func (a *App) Flows() map[string]string {
	list := a.registry.List()
	out := make(map[string]string, len(list))
	for _, f := range list {
		out[f.ID] = f.Name
	}
	return out
}

// InFlight returns the number of traces that have not closed yet.
func (a *App) InFlight() int {
	return a.correlator.Table().Len()
}

// Hooks is the in-process counterpart of the HTTP hook bridge. Each method
// mirrors one host event. Methods never fail and never block on I/O, so they
// may be called inline from the pipeline's delivery path.
type Hooks struct {
	adapter *hooks.Adapter
}

// FlowsStarted registers the flow containers among nodes and returns how
// many were registered.
func (h *Hooks) FlowsStarted(nodes []Node) int {
	in := make([]model.Node, len(nodes))
	for i, n := range nodes {
		in[i] = toInternalNode(n)
	}
	return h.adapter.FlowsStarted(in)
}

// FlowsStopped closes every open trace and forgets all flows. Returns the
// number of traces closed.
func (h *Hooks) FlowsStopped() int {
	return h.adapter.FlowsStopped()
}

// PreRoute handles a message leaving source before routing. Only ingress
// nodes start traces here.
func (h *Hooks) PreRoute(source Node, msg *Message) Outcome {
	return h.apply(msg, func(m *model.Message) hooks.Outcome {
		return h.adapter.PreRoute(toInternalNode(source), m)
	})
}

// PostDeliver handles a message handed from source to destination. It may
// set msg.ParentID when source is a splitter.
func (h *Hooks) PostDeliver(source, destination Node, msg *Message) Outcome {
	return h.apply(msg, func(m *model.Message) hooks.Outcome {
		return h.adapter.PostDeliver(toInternalNode(source), toInternalNode(destination), m)
	})
}

// Receive handles a message arriving at destination.
func (h *Hooks) Receive(destination Node, msg *Message) Outcome {
	return h.apply(msg, func(m *model.Message) hooks.Outcome {
		return h.adapter.Receive(toInternalNode(destination), m)
	})
}

// Complete handles node finishing with msg. A non-empty errDetail closes
// the message's trace with error status.
func (h *Hooks) Complete(node Node, msg *Message, errDetail string) Outcome {
	return h.apply(msg, func(m *model.Message) hooks.Outcome {
		return h.adapter.Complete(toInternalNode(node), m, errDetail)
	})
}

func (h *Hooks) apply(msg *Message, fn func(*model.Message) hooks.Outcome) Outcome {
	if msg == nil {
		msg = &Message{}
	}
	m := model.Message{ID: msg.ID, ParentID: msg.ParentID}
	out := fn(&m)
	if out.ParentMessageID != "" {
		msg.ParentID = out.ParentMessageID
	}
	return Outcome{Instrumented: out.Instrumented, Reason: out.Reason}
}

// recorderSet fans a closed trace out to every recorder in order.
type recorderSet []correlate.Recorder

func (rs recorderSet) Record(s model.TraceSummary) {
	for _, r := range rs {
		r.Record(s)
	}
}

// traceHookRecorder adapts a public TraceHook to the correlator's recorder.
type traceHookRecorder struct {
	hook TraceHook
}

func (r traceHookRecorder) Record(s model.TraceSummary) {
	r.hook.OnTraceClosed(toPublicSummary(s))
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
