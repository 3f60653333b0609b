package logging

import (
	"context"
	"fmt"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	// Trace correlation (from OpenTelemetry)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	if studyID := StudyIDFromContext(ctx); studyID != "" {
		fields = append(fields, zap.String("study.id", studyID))
	}

	if analysisID := AnalysisIDFromContext(ctx); analysisID != "" {
		fields = append(fields, zap.String("analysis.id", analysisID))
	}

	return fields
}

// Context key types
type studyCtxKey struct{}
type analysisCtxKey struct{}

const maxIDLen = 128

// idPattern allows alphanumeric, hyphen, underscore.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// validateID validates a study or analysis ID.
func validateID(id, name string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%s contains invalid UTF-8", name)
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("%s exceeds max length %d", name, maxIDLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters (must be alphanumeric, hyphen, underscore)", name)
	}
	return nil
}

// StudyIDFromContext extracts the study ID from context.
func StudyIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(studyCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithStudyID adds a study ID to context.
// Panics if studyID is empty or contains invalid characters.
func WithStudyID(ctx context.Context, studyID string) context.Context {
	if err := validateID(studyID, "studyID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, studyCtxKey{}, studyID)
}

// AnalysisIDFromContext extracts the analysis run ID from context.
func AnalysisIDFromContext(ctx context.Context) string {
	if a, ok := ctx.Value(analysisCtxKey{}).(string); ok {
		return a
	}
	return ""
}

// WithAnalysisID adds an analysis run ID to context.
// Panics if analysisID is empty or contains invalid characters.
func WithAnalysisID(ctx context.Context, analysisID string) context.Context {
	if err := validateID(analysisID, "analysisID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, analysisCtxKey{}, analysisID)
}
