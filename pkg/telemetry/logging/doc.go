// Package logging configures the process slog logger.
//
// New returns a JSON or text slog.Logger whose handler
//   - masks credentials: authorization headers, tokens, passwords, secret
//     values, JWTs and AWS access key IDs, by attribute name and by
//     scanning string values
//   - adds request_id, principal, trace_id and span_id from the context
//     when logging with the *Context methods
//
// Usage:
//
//	logger, err := logging.New(cfg.Telemetry.Logging, nil)
//	if err != nil {
//	    return err
//	}
//	slog.SetDefault(logger)
//
//	ctx = logging.WithRequestID(ctx, id)
//	slog.InfoContext(ctx, "secret access", "secret_name", name)
//
// Components keep deriving their loggers with
// slog.Default().With("component", ...).
package logging
