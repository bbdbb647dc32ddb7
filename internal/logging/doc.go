// Package logging provides structured logging with OpenTelemetry integration.
//
// Logger wraps Zap with:
//   - a custom Trace level (-2, below Debug)
//   - stdout output and an optional OpenTelemetry log bridge
//   - automatic context fields (trace_id, signal.id, adjustment.id, request.id)
//   - secret redaction by field name and value pattern
//   - level-aware sampling (errors are never sampled)
//
// Components of the kernel take a plain *zap.Logger; pass
// Logger.Underlying() to them and use the context-aware methods at the
// surfaces:
//
//	ctx = logging.WithSignalID(ctx, sig.ID)
//	logger.Info(ctx, "signal routed", zap.String("route", "REVIEW"))
//
// Tests use TestLogger:
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "audit submitted", zap.String("signal_id", "sig-1"))
//	tl.AssertLogged(t, zapcore.InfoLevel, "audit submitted")
//	tl.AssertNoSecrets(t)
package logging
