package analysis

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/segmentd/internal/mask"
	"github.com/fyrsmithlabs/segmentd/internal/metrics"
	"github.com/fyrsmithlabs/segmentd/internal/scoring"
	"github.com/fyrsmithlabs/segmentd/internal/volume"
)

// ErrInvalidConfig indicates an analysis configuration that cannot
// run.
var ErrInvalidConfig = errors.New("analysis: invalid config")

// Config parameterizes one analysis run.
type Config struct {
	// ConfidenceThreshold binarizes probability maps; voxels at or
	// above the threshold become foreground.
	ConfidenceThreshold float64 `koanf:"confidence_threshold"`
	// Regions enables or disables segmentation targets. Absent
	// regions are disabled.
	Regions map[mask.Region]bool `koanf:"regions"`
	// ResourceBudget bounds concurrent inference calls.
	ResourceBudget int `koanf:"resource_budget"`
	// EnableUpgradeRules turns the dynamic-contrast upgrade on.
	EnableUpgradeRules bool `koanf:"enable_upgrade_rules"`
	// PerCallTimeout bounds each inference call.
	PerCallTimeout time.Duration `koanf:"per_call_timeout"`
	// CanonicalSpacing is the grid volumes are resampled to before
	// inference.
	CanonicalSpacing volume.Spacing `koanf:"canonical_spacing"`
	// SpacingTolerance is the relative per-axis tolerance when
	// checking that study volumes share a frame.
	SpacingTolerance float64 `koanf:"spacing_tolerance"`
	// CorrespondenceOverlap is the bounding-box overlap ratio for
	// cross-sequence lesion matching.
	CorrespondenceOverlap float64 `koanf:"correspondence_overlap"`
	// ManualMasks are reviewer-drawn masks carried into the result
	// untouched; refinement never applies to them.
	ManualMasks []*mask.Mask `koanf:"-"`
}

// DefaultConfig returns the standard run parameters.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: 0.5,
		Regions: map[mask.Region]bool{
			mask.RegionWholeGland:     true,
			mask.RegionPeripheralZone: true,
			mask.RegionTransitionZone: true,
			mask.RegionLesion:         true,
		},
		ResourceBudget:        2,
		EnableUpgradeRules:    true,
		PerCallTimeout:        30 * time.Second,
		CanonicalSpacing:      volume.Spacing{X: 0.5, Y: 0.5, Z: 3.0},
		SpacingTolerance:      0.01,
		CorrespondenceOverlap: 0.3,
	}
}

// EnabledRegions returns the enabled targets in canonical order.
func (c Config) EnabledRegions() []mask.Region {
	var out []mask.Region
	for _, r := range mask.Regions {
		if c.Regions[r] {
			out = append(out, r)
		}
	}
	return out
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("%w: confidence_threshold %g outside [0, 1]", ErrInvalidConfig, c.ConfidenceThreshold)
	}
	if c.ResourceBudget < 1 {
		return fmt.Errorf("%w: resource_budget must be at least 1, got %d", ErrInvalidConfig, c.ResourceBudget)
	}
	if c.PerCallTimeout <= 0 {
		return fmt.Errorf("%w: per_call_timeout must be positive", ErrInvalidConfig)
	}
	if err := c.CanonicalSpacing.Validate(); err != nil {
		return fmt.Errorf("%w: canonical_spacing: %w", ErrInvalidConfig, err)
	}
	if c.SpacingTolerance < 0 {
		return fmt.Errorf("%w: spacing_tolerance must be non-negative", ErrInvalidConfig)
	}
	if c.CorrespondenceOverlap < 0 || c.CorrespondenceOverlap > 1 {
		return fmt.Errorf("%w: correspondence_overlap %g outside [0, 1]", ErrInvalidConfig, c.CorrespondenceOverlap)
	}
	if len(c.EnabledRegions()) == 0 {
		return fmt.Errorf("%w: no regions enabled", ErrInvalidConfig)
	}
	for r := range c.Regions {
		if !r.Valid() {
			return fmt.Errorf("%w: unknown region %q", ErrInvalidConfig, r)
		}
	}
	return nil
}

// Outcome is the terminal state of one segmentation unit.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// RegionStatus records how one (volume, region) unit finished.
type RegionStatus struct {
	VolumeID string      `json:"volume_id"`
	Region   mask.Region `json:"region"`
	Outcome  Outcome     `json:"outcome"`
	// Reason holds the failure cause for failed units.
	Reason string `json:"reason,omitempty"`
	// Retried marks units that went through the reduced-resolution
	// fallback.
	Retried bool `json:"retried,omitempty"`
}

// Assessment labels how complete a run's output is.
type Assessment string

const (
	AssessmentFull          Assessment = "fully_analyzed"
	AssessmentWithOmissions Assessment = "analyzed_with_omissions"
)

// Violation is one validation rule breach. Violations accumulate;
// later rules never clear earlier ones.
type Violation struct {
	Rule        string `json:"rule"`
	Description string `json:"description"`
}

// Result is the full output of one analysis run.
type Result struct {
	ID                   string                     `json:"id"`
	StudyID              string                     `json:"study_id,omitempty"`
	VolumeIDs            []string                   `json:"volume_ids"`
	Masks                []*mask.Mask               `json:"masks"`
	Metrics              map[string]*metrics.Bundle `json:"metrics"`
	ZoneScores           []scoring.ZoneScore        `json:"zone_scores"`
	Assessment           Assessment                 `json:"assessment"`
	Regions              []RegionStatus             `json:"regions"`
	Duration             time.Duration              `json:"duration"`
	RequiresManualReview bool                       `json:"requires_manual_review"`
	Violations           []Violation                `json:"violations,omitempty"`
}

// TopScore returns the highest zone score, or 0 when nothing was
// scored.
func (r *Result) TopScore() int {
	top := 0
	for _, s := range r.ZoneScores {
		if s.Score > top {
			top = s.Score
		}
	}
	return top
}

// MasksFor returns all result masks for a region.
func (r *Result) MasksFor(region mask.Region) []*mask.Mask {
	var out []*mask.Mask
	for _, m := range r.Masks {
		if m.Region == region {
			out = append(out, m)
		}
	}
	return out
}

// HasReviewedMask reports whether the region carries a manual or
// merged mask, i.e. a human has touched it.
func (r *Result) HasReviewedMask(region mask.Region) bool {
	for _, m := range r.MasksFor(region) {
		if m.Method == mask.MethodManual || m.Method == mask.MethodMerged {
			return true
		}
	}
	return false
}

// AddViolation appends a violation and flags the result for manual
// review.
func (r *Result) AddViolation(rule, description string) {
	r.Violations = append(r.Violations, Violation{Rule: rule, Description: description})
	r.RequiresManualReview = true
}
