package flowtrace

// TraceHook receives every closed trace. Multiple hooks may be registered via
// multiple WithTraceHook calls. OnTraceClosed runs on the correlator's path
// and must not block; hand work off to a goroutine or channel.
type TraceHook interface {
	OnTraceClosed(summary TraceSummary)
}
