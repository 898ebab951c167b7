package mcpservice

import "context"

// ProgressReporter emits notifications/progress for the request currently
// being handled. Reports are best-effort; a failed report must not fail the
// tool call.
type ProgressReporter interface {
	Report(ctx context.Context, progress, total float64, message string) error
}

type progressReporterKey struct{}

// WithProgressReporter attaches a ProgressReporter to the context for the
// duration of a request.
func WithProgressReporter(ctx context.Context, r ProgressReporter) context.Context {
	return context.WithValue(ctx, progressReporterKey{}, r)
}

// ProgressReporterFromContext returns the reporter attached to ctx, if any.
func ProgressReporterFromContext(ctx context.Context) (ProgressReporter, bool) {
	r, ok := ctx.Value(progressReporterKey{}).(ProgressReporter)
	return r, ok
}
