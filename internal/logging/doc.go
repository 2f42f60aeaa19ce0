// Package logging provides structured logging on top of Zap.
//
// Loggers are context-aware: every method takes a context.Context and
// prepends the correlation fields found in it (trace_id, span_id, run.id,
// session.id, request.id).
//
//	ctx = logging.WithRunID(ctx, runID)
//	logger.Info(ctx, "run finished", zap.String("outcome", "completed"))
//
// Output goes to stdout, to the OpenTelemetry log pipeline, or both. Stdout
// output passes through a RedactingEncoder that masks values by key name
// (api_key, token, ...) and by pattern (bearer tokens, provider API keys).
// Sampling is per level; Error and above are never sampled.
//
// Tests use NewTestLogger, which records entries for assertions.
package logging
