// Package logging provides structured logging for draftpr.
//
// Logger wraps Zap with a custom Trace level, stdout and OpenTelemetry
// outputs, redaction of sensitive fields, level-aware sampling and
// automatic context fields:
//
//	ctx = logging.WithJobID(ctx, jobID)
//	ctx = logging.WithStage(ctx, "APPLYING")
//	logger.Info(ctx, "transaction started", zap.String("checkpoint", sha))
//
// produces
//
//	{"level":"info","msg":"transaction started","job.id":"...","job.stage":"APPLYING","checkpoint":"..."}
//
// Tests use NewTestLogger, which records entries in memory.
package logging
