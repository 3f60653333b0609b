package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/segmentd/internal/analysis"
	"github.com/fyrsmithlabs/segmentd/internal/mask"
	"github.com/fyrsmithlabs/segmentd/internal/metrics"
	"github.com/fyrsmithlabs/segmentd/internal/scoring"
	"github.com/fyrsmithlabs/segmentd/internal/volume"
)

func newMask(t *testing.T, region mask.Region, method mask.Method, confidence float64) *mask.Mask {
	t.Helper()
	dims := volume.Dims{X: 2, Y: 2, Z: 2}
	m, err := mask.New("vol-1", dims, region, method, make([]uint8, 8))
	require.NoError(t, err)
	if method == mask.MethodAutomatic {
		m, err = m.WithConfidence(confidence)
		require.NoError(t, err)
	}
	return m
}

func cleanResult(t *testing.T) *analysis.Result {
	t.Helper()
	gland := newMask(t, mask.RegionWholeGland, mask.MethodAutomatic, 0.9)
	lesion := newMask(t, mask.RegionLesion, mask.MethodAutomatic, 0.8)
	return &analysis.Result{
		ID:    "res-1",
		Masks: []*mask.Mask{gland, lesion},
		Metrics: map[string]*metrics.Bundle{
			gland.ID:  {VolumeMM3: 40_000}, // 40 ml
			lesion.ID: {VolumeMM3: 1_000},  // 1 ml
		},
		ZoneScores: []scoring.ZoneScore{{Zone: scoring.ZonePeripheral, Score: 3}},
	}
}

func rulesFixture() Rules {
	return Rules{
		LesionVolumeMaxML:          20,
		ScoreConfirmationThreshold: 4,
		OrganVolumeMinML:           10,
		OrganVolumeMaxML:           300,
		LowConfidenceBand:          0.4,
	}
}

// applyRules runs a fresh gate with fixture rules.
func applyRules(t *testing.T, res *analysis.Result) *analysis.Result {
	t.Helper()
	return New(rulesFixture(), zap.NewNop()).Apply(res)
}

func TestGateCleanResultPasses(t *testing.T) {
	res := applyRules(t, cleanResult(t))
	assert.Empty(t, res.Violations)
	assert.False(t, res.RequiresManualReview)
}

func TestGateLesionVolume(t *testing.T) {
	res := cleanResult(t)
	lesion := res.MasksFor(mask.RegionLesion)[0]
	res.Metrics[lesion.ID] = &metrics.Bundle{VolumeMM3: 25_000} // 25 ml

	res = applyRules(t, res)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, RuleLesionVolumeMax, res.Violations[0].Rule)
	assert.True(t, res.RequiresManualReview)
}

func TestGateScoreConfirmation(t *testing.T) {
	res := cleanResult(t)
	res.ZoneScores = []scoring.ZoneScore{{Zone: scoring.ZonePeripheral, Score: 4}}

	res = applyRules(t, res)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, RuleScoreConfirmation, res.Violations[0].Rule)

	// A manual lesion mask satisfies the confirmation requirement.
	res2 := cleanResult(t)
	res2.ZoneScores = res.ZoneScores
	res2.Masks = append(res2.Masks, newMask(t, mask.RegionLesion, mask.MethodManual, 0))
	res2 = applyRules(t, res2)
	assert.Empty(t, res2.Violations)
}

func TestGateOrganVolumeRange(t *testing.T) {
	for name, mm3 := range map[string]float64{"too small": 5_000, "too large": 400_000} {
		t.Run(name, func(t *testing.T) {
			res := cleanResult(t)
			gland := res.MasksFor(mask.RegionWholeGland)[0]
			res.Metrics[gland.ID] = &metrics.Bundle{VolumeMM3: mm3}

			res = applyRules(t, res)
			require.Len(t, res.Violations, 1)
			assert.Equal(t, RuleOrganVolumeRange, res.Violations[0].Rule)
		})
	}
}

func TestGateLowConfidence(t *testing.T) {
	res := cleanResult(t)
	weak := newMask(t, mask.RegionLesion, mask.MethodAutomatic, 0.2)
	res.Masks = append(res.Masks, weak)
	res.Metrics[weak.ID] = &metrics.Bundle{VolumeMM3: 500}

	res = applyRules(t, res)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, RuleLowConfidenceBand, res.Violations[0].Rule)
	assert.Contains(t, res.Violations[0].Description, "low")
}

func TestGateManualMasksSkipConfidenceRule(t *testing.T) {
	res := cleanResult(t)
	res.Masks = append(res.Masks, newMask(t, mask.RegionLesion, mask.MethodManual, 0))

	res = applyRules(t, res)
	assert.Empty(t, res.Violations)
}

func TestGateViolationsAreAdditive(t *testing.T) {
	res := cleanResult(t)
	lesion := res.MasksFor(mask.RegionLesion)[0]
	res.Metrics[lesion.ID] = &metrics.Bundle{VolumeMM3: 25_000}
	res.ZoneScores = []scoring.ZoneScore{{Zone: scoring.ZoneTransition, Score: 5}}
	res.AddViolation("preexisting", "carried in")

	res = applyRules(t, res)
	require.Len(t, res.Violations, 3)
	assert.Equal(t, "preexisting", res.Violations[0].Rule)
	assert.True(t, res.RequiresManualReview)
}

func TestConfidenceBand(t *testing.T) {
	assert.Equal(t, "very_low", ConfidenceBand(0.1))
	assert.Equal(t, "low", ConfidenceBand(0.3))
	assert.Equal(t, "moderate", ConfidenceBand(0.5))
	assert.Equal(t, "high", ConfidenceBand(0.7))
	assert.Equal(t, "very_high", ConfidenceBand(0.95))
}

func TestRulesValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Rules)
		wantErr string
	}{
		{name: "defaults valid", mutate: func(*Rules) {}},
		{
			name:    "lesion max not positive",
			mutate:  func(r *Rules) { r.LesionVolumeMaxML = 0 },
			wantErr: "lesion_volume_max_ml",
		},
		{
			name:    "threshold out of range",
			mutate:  func(r *Rules) { r.ScoreConfirmationThreshold = 6 },
			wantErr: "score_confirmation_threshold",
		},
		{
			name:    "inverted organ range",
			mutate:  func(r *Rules) { r.OrganVolumeMaxML = r.OrganVolumeMinML },
			wantErr: "organ volume range",
		},
		{
			name:    "confidence band above one",
			mutate:  func(r *Rules) { r.LowConfidenceBand = 1.5 },
			wantErr: "low_confidence_band",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules := DefaultRules()
			tt.mutate(&rules)
			err := rules.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
