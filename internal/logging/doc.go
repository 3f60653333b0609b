// Package logging provides structured, context-aware logging for
// segmentd built on Zap.
//
// The Logger wraps zap.Logger with methods that extract correlation
// data from context: OpenTelemetry trace/span IDs plus the study and
// analysis identifiers flowing through the pipeline. A custom Trace
// level below Debug exists for voxel-granular diagnostics.
//
// Usage:
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg)
//	defer logger.Sync()
//
//	ctx = logging.WithStudyID(ctx, "study-123")
//	logger.Info(ctx, "analysis started", zap.Int("volumes", 3))
package logging
