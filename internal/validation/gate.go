package validation

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/segmentd/internal/analysis"
	"github.com/fyrsmithlabs/segmentd/internal/mask"
)

// Rule names, referenced in violation records.
const (
	RuleLesionVolumeMax   = "lesion_volume_max_ml"
	RuleScoreConfirmation = "score_confirmation_threshold"
	RuleOrganVolumeRange  = "organ_volume_range_ml"
	RuleLowConfidenceBand = "low_confidence_band"
)

// Rules holds the clinical plausibility thresholds.
type Rules struct {
	// LesionVolumeMaxML flags lesions larger than this volume.
	LesionVolumeMaxML float64 `koanf:"lesion_volume_max_ml"`
	// ScoreConfirmationThreshold flags high scores that lack a
	// reviewed lesion mask.
	ScoreConfirmationThreshold int `koanf:"score_confirmation_threshold"`
	// OrganVolumeMinML and OrganVolumeMaxML bound the whole-organ
	// volume.
	OrganVolumeMinML float64 `koanf:"organ_volume_min_ml"`
	OrganVolumeMaxML float64 `koanf:"organ_volume_max_ml"`
	// LowConfidenceBand flags automatic masks below this confidence.
	LowConfidenceBand float64 `koanf:"low_confidence_band"`
}

// DefaultRules returns thresholds tuned for routine studies.
func DefaultRules() Rules {
	return Rules{
		LesionVolumeMaxML:          20,
		ScoreConfirmationThreshold: 4,
		OrganVolumeMinML:           10,
		OrganVolumeMaxML:           300,
		LowConfidenceBand:          0.4,
	}
}

// Validate checks the rule thresholds for consistency.
func (r Rules) Validate() error {
	if r.LesionVolumeMaxML <= 0 {
		return fmt.Errorf("lesion_volume_max_ml must be positive, got %f", r.LesionVolumeMaxML)
	}
	if r.ScoreConfirmationThreshold < 1 || r.ScoreConfirmationThreshold > 5 {
		return fmt.Errorf("score_confirmation_threshold must be in [1, 5], got %d", r.ScoreConfirmationThreshold)
	}
	if r.OrganVolumeMinML <= 0 || r.OrganVolumeMaxML <= r.OrganVolumeMinML {
		return fmt.Errorf("organ volume range [%f, %f] is invalid", r.OrganVolumeMinML, r.OrganVolumeMaxML)
	}
	if r.LowConfidenceBand < 0 || r.LowConfidenceBand > 1 {
		return fmt.Errorf("low_confidence_band must be in [0, 1], got %f", r.LowConfidenceBand)
	}
	return nil
}

// Gate evaluates a result against a rule set.
type Gate struct {
	rules  Rules
	logger *zap.Logger
}

// New builds a Gate.
func New(rules Rules, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{rules: rules, logger: logger}
}

// Apply evaluates every rule against the result, appending violations
// in place. Existing violations and a pre-set manual-review flag are
// preserved; rules are additive.
func (g *Gate) Apply(res *analysis.Result) *analysis.Result {
	g.checkLesionVolume(res)
	g.checkScoreConfirmation(res)
	g.checkOrganVolume(res)
	g.checkConfidence(res)

	if len(res.Violations) > 0 {
		g.logger.Info("validation flagged result for manual review",
			zap.String("result_id", res.ID),
			zap.Int("violations", len(res.Violations)))
	}
	return res
}

func (g *Gate) checkLesionVolume(res *analysis.Result) {
	for _, m := range res.MasksFor(mask.RegionLesion) {
		b, ok := res.Metrics[m.ID]
		if !ok {
			continue
		}
		if b.VolumeML() > g.rules.LesionVolumeMaxML {
			res.AddViolation(RuleLesionVolumeMax,
				fmt.Sprintf("lesion %s is %.1f ml, above the %.1f ml bound",
					m.ID, b.VolumeML(), g.rules.LesionVolumeMaxML))
		}
	}
}

func (g *Gate) checkScoreConfirmation(res *analysis.Result) {
	top := res.TopScore()
	if top >= g.rules.ScoreConfirmationThreshold && !res.HasReviewedMask(mask.RegionLesion) {
		res.AddViolation(RuleScoreConfirmation,
			fmt.Sprintf("top score %d has no reviewed lesion mask", top))
	}
}

func (g *Gate) checkOrganVolume(res *analysis.Result) {
	for _, m := range res.MasksFor(mask.RegionWholeGland) {
		b, ok := res.Metrics[m.ID]
		if !ok {
			continue
		}
		ml := b.VolumeML()
		if ml < g.rules.OrganVolumeMinML || ml > g.rules.OrganVolumeMaxML {
			res.AddViolation(RuleOrganVolumeRange,
				fmt.Sprintf("organ volume %.1f ml outside [%.1f, %.1f] ml",
					ml, g.rules.OrganVolumeMinML, g.rules.OrganVolumeMaxML))
		}
	}
}

func (g *Gate) checkConfidence(res *analysis.Result) {
	for _, m := range res.Masks {
		if m.Method != mask.MethodAutomatic || m.Confidence == nil {
			continue
		}
		if *m.Confidence < g.rules.LowConfidenceBand {
			res.AddViolation(RuleLowConfidenceBand,
				fmt.Sprintf("%s mask %s confidence %.2f (%s) below %.2f",
					m.Region, m.ID, *m.Confidence, ConfidenceBand(*m.Confidence), g.rules.LowConfidenceBand))
		}
	}
}

// ConfidenceBand buckets a confidence score into a reporting label.
func ConfidenceBand(c float64) string {
	switch {
	case c < 0.2:
		return "very_low"
	case c < 0.4:
		return "low"
	case c < 0.6:
		return "moderate"
	case c < 0.8:
		return "high"
	default:
		return "very_high"
	}
}
