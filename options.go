package flowtrace

import (
	"log/slog"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all overrides after applying options.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port          int
	logger        *slog.Logger
	version       string
	sweepInterval time.Duration
	maxTraceAge   *time.Duration
	archivePath   string
	spanExporter  sdktrace.SpanExporter
	traceHooks    []TraceHook
}

// WithPort overrides the TCP port from config (FLOWTRACE_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint, logs
// and the service.version of exported spans.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithSweepInterval overrides how often quiescent traces are closed
// (FLOWTRACE_SWEEP_INTERVAL env var).
func WithSweepInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.sweepInterval = d }
}

// WithMaxTraceAge overrides the age after which a stuck trace is expired
// (FLOWTRACE_MAX_TRACE_AGE env var). Zero disables expiry.
func WithMaxTraceAge(d time.Duration) Option {
	return func(o *resolvedOptions) { o.maxTraceAge = &d }
}

// WithArchivePath enables the SQLite trace archive at path
// (FLOWTRACE_ARCHIVE_PATH env var).
func WithArchivePath(path string) Option {
	return func(o *resolvedOptions) { o.archivePath = path }
}

// WithSpanExporter sends spans to exp instead of the OTLP endpoint. Spans
// are exported synchronously as they end, which suits tests and custom
// backends.
func WithSpanExporter(exp sdktrace.SpanExporter) Option {
	return func(o *resolvedOptions) { o.spanExporter = exp }
}

// WithTraceHook registers a hook notified of every closed trace.
func WithTraceHook(hook TraceHook) Option {
	return func(o *resolvedOptions) { o.traceHooks = append(o.traceHooks, hook) }
}
