// Package logging builds the process logger and carries loggers and run IDs
// through contexts.
//
// Output is JSON by default. LOG_FORMAT=text switches to a colored
// handler for terminals:
//
//	logger := logging.NewLogger()
//	ctx = logging.ContextWithRunID(ctx, uuid.NewString())
//	logging.WithRunID(ctx, logger).Info("retry pass started")
package logging
