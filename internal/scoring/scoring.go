package scoring

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/segmentd/internal/mask"
	"github.com/fyrsmithlabs/segmentd/internal/metrics"
	"github.com/fyrsmithlabs/segmentd/internal/volume"
)

// Zone names an anatomical zone with its own scoring rubric.
type Zone string

const (
	ZonePeripheral Zone = "peripheral"
	ZoneTransition Zone = "transition"
)

var (
	// ErrUnknownZone indicates a zone with no registered rubric.
	ErrUnknownZone = errors.New("scoring: unknown zone")
	// ErrMissingSequence indicates the features lack the zone's
	// dominant sequence.
	ErrMissingSequence = errors.New("scoring: dominant sequence features missing")
	// ErrInvalidFeatures indicates a severity outside the 1-5 scale.
	ErrInvalidFeatures = errors.New("scoring: invalid features")
)

// Features summarizes one sequence's reading of a lesion.
type Features struct {
	// Severity is the ordinal 1-5 assessment on this sequence.
	Severity int `json:"severity"`
	// FocalEnhancement applies to dynamic-contrast sequences only.
	FocalEnhancement bool `json:"focal_enhancement,omitempty"`
	// Bounds is the lesion bounding box on this sequence's grid.
	Bounds    mask.Box `json:"bounds"`
	HasBounds bool     `json:"has_bounds"`
}

// FeatureSet maps acquisition sequences to their lesion features.
type FeatureSet map[volume.Sequence]Features

// ZoneScore is the scored outcome for one zone.
type ZoneScore struct {
	Zone           Zone       `json:"zone"`
	Score          int        `json:"score"`
	UpgradeApplied bool       `json:"upgrade_applied"`
	Justification  string     `json:"justification,omitempty"`
	Features       FeatureSet `json:"features"`
}

// JustificationDCEFocalMatch marks a 3 -> 4 upgrade driven by focal
// enhancement spatially matching the dominant-sequence finding.
const JustificationDCEFocalMatch = "dce_focal_match"

// sizeCriterionMM promotes a base score of 4 to 5 when the lesion's
// maximum diameter reaches this size.
const sizeCriterionMM = 15.0

// Config controls scoring behavior.
type Config struct {
	// EnableUpgrade turns the dynamic-contrast upgrade rule on.
	EnableUpgrade bool `koanf:"enable_upgrade"`
	// CorrespondenceOverlap is the minimum bounding-box overlap ratio
	// for two sequences' findings to count as the same lesion.
	CorrespondenceOverlap float64 `koanf:"correspondence_overlap"`
}

// DefaultConfig enables the upgrade rule with a 0.3 overlap ratio.
func DefaultConfig() Config {
	return Config{EnableUpgrade: true, CorrespondenceOverlap: 0.3}
}

// rubric scores a zone from its dominant sequence's features.
type rubric struct {
	dominant volume.Sequence
}

var rubrics = map[Zone]rubric{
	ZonePeripheral: {dominant: volume.SequenceDWI},
	ZoneTransition: {dominant: volume.SequenceT2W},
}

// DominantSequence returns the sequence a zone's rubric reads first.
func DominantSequence(zone Zone) (volume.Sequence, error) {
	r, ok := rubrics[zone]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownZone, zone)
	}
	return r.dominant, nil
}

// ScoreZone runs the zone's rubric over the feature set. The dominant
// sequence sets the base score; a base of 4 promotes to 5 at the size
// criterion; a base of 3 upgrades to 4 when enabled and a focal
// dynamic-contrast finding spatially matches the dominant finding.
// Upgrades never chain: an upgraded 4 is not size-promoted.
func ScoreZone(zone Zone, features FeatureSet, m *metrics.Bundle, cfg Config) (ZoneScore, error) {
	r, ok := rubrics[zone]
	if !ok {
		return ZoneScore{}, fmt.Errorf("%w: %q", ErrUnknownZone, zone)
	}
	dom, ok := features[r.dominant]
	if !ok {
		return ZoneScore{}, fmt.Errorf("%w: zone %s needs %s", ErrMissingSequence, zone, r.dominant)
	}
	if dom.Severity < 1 || dom.Severity > 5 {
		return ZoneScore{}, fmt.Errorf("%w: severity %d outside 1-5", ErrInvalidFeatures, dom.Severity)
	}

	score := dom.Severity
	if score == 4 && m != nil && m.MaxDiameterMM >= sizeCriterionMM {
		score = 5
	}

	out := ZoneScore{Zone: zone, Score: score, Features: features}
	if cfg.EnableUpgrade && score == 3 {
		if dce, ok := features[volume.SequenceDCE]; ok && dce.FocalEnhancement && corresponds(dom, dce, cfg.CorrespondenceOverlap) {
			out.Score = 4
			out.UpgradeApplied = true
			out.Justification = JustificationDCEFocalMatch
		}
	}
	return out, nil
}

// corresponds reports whether two sequence findings describe the same
// lesion. Findings without bounds never correspond.
func corresponds(a, b Features, minOverlap float64) bool {
	if !a.HasBounds || !b.HasBounds {
		return false
	}
	return mask.OverlapRatio(a.Bounds, b.Bounds) >= minOverlap
}
