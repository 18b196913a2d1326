// Package logging provides structured logging with OpenTelemetry integration.
//
// # Overview
//
// The package wraps Zap with:
//   - A Trace level (-2, below Debug)
//   - Stdout, stderr and OpenTelemetry outputs, teed
//   - Context field injection (trace_id, conversation.id, conversation.turn, request.id)
//   - Redaction of credential-looking keys and values
//   - Sampling below Error
//
// # Usage
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg, otelProvider)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithConversationID(ctx, "conv_42")
//	ctx = logging.WithTurn(ctx, 7)
//	logger.Info(ctx, "turn processed", zap.Int("tokens", n))
//
// Components that accept a *zap.Logger get one from Underlying, usually
// with a name segment: logger.Named("memstore").Underlying().
//
// When serving MCP over stdio, set Output.Stdout=false and Output.Stderr=true
// so log lines never interleave with protocol frames.
//
// # Testing
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "offloaded", zap.String("memory_id", id))
//	tl.AssertLogged(t, zapcore.InfoLevel, "offloaded")
//	tl.AssertField(t, "offloaded", "memory_id", id)
package logging
