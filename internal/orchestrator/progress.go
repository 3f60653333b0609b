package orchestrator

import "time"

// Stage names the pipeline phase a progress event reports on.
type Stage string

const (
	StagePreprocess Stage = "preprocess"
	StageInference  Stage = "inference"
	StageMetrics    Stage = "metrics"
	StageScoring    Stage = "scoring"
	StageComplete   Stage = "complete"
)

// ProgressEvent is a point-in-time snapshot of a running analysis.
type ProgressEvent struct {
	Stage              Stage         `json:"stage"`
	PercentComplete    float64       `json:"percent_complete"`
	CompletedUnits     int           `json:"completed_units"`
	TotalUnits         int           `json:"total_units"`
	EstimatedRemaining time.Duration `json:"estimated_remaining"`
}

// ProgressFunc receives progress events. Callbacks run on the
// orchestrator's goroutines and must return quickly.
type ProgressFunc func(ProgressEvent)
