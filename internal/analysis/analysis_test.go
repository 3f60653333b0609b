package analysis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/segmentd/internal/mask"
	"github.com/fyrsmithlabs/segmentd/internal/scoring"
	"github.com/fyrsmithlabs/segmentd/internal/volume"
)

func TestDefaultConfigIsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"threshold above one", func(c *Config) { c.ConfidenceThreshold = 1.5 }},
		{"negative threshold", func(c *Config) { c.ConfidenceThreshold = -0.1 }},
		{"zero budget", func(c *Config) { c.ResourceBudget = 0 }},
		{"zero timeout", func(c *Config) { c.PerCallTimeout = 0 }},
		{"bad spacing", func(c *Config) { c.CanonicalSpacing.Z = 0 }},
		{"negative tolerance", func(c *Config) { c.SpacingTolerance = -1 }},
		{"bad overlap", func(c *Config) { c.CorrespondenceOverlap = 2 }},
		{"no regions", func(c *Config) { c.Regions = nil }},
		{"unknown region", func(c *Config) { c.Regions["elbow"] = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestEnabledRegionsCanonicalOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Regions = map[mask.Region]bool{
		mask.RegionLesion:     true,
		mask.RegionWholeGland: true,
		mask.RegionPeripheralZone: false,
	}
	assert.Equal(t, []mask.Region{mask.RegionWholeGland, mask.RegionLesion}, cfg.EnabledRegions())
}

func TestTopScore(t *testing.T) {
	r := &Result{}
	assert.Zero(t, r.TopScore())

	r.ZoneScores = []scoring.ZoneScore{
		{Zone: scoring.ZonePeripheral, Score: 3},
		{Zone: scoring.ZoneTransition, Score: 4},
	}
	assert.Equal(t, 4, r.TopScore())
}

func TestHasReviewedMask(t *testing.T) {
	dims := volume.Dims{X: 2, Y: 2, Z: 2}
	auto, err := mask.New("v", dims, mask.RegionLesion, mask.MethodAutomatic, make([]uint8, 8))
	require.NoError(t, err)
	manual, err := mask.New("v", dims, mask.RegionLesion, mask.MethodManual, make([]uint8, 8))
	require.NoError(t, err)

	r := &Result{Masks: []*mask.Mask{auto}}
	assert.False(t, r.HasReviewedMask(mask.RegionLesion))

	r.Masks = append(r.Masks, manual)
	assert.True(t, r.HasReviewedMask(mask.RegionLesion))
	assert.False(t, r.HasReviewedMask(mask.RegionWholeGland))
	assert.Len(t, r.MasksFor(mask.RegionLesion), 2)
}

func TestAddViolationAccumulates(t *testing.T) {
	r := &Result{Duration: time.Second}
	r.AddViolation("rule_a", "first")
	r.AddViolation("rule_b", "second")

	require.Len(t, r.Violations, 2)
	assert.Equal(t, "rule_a", r.Violations[0].Rule)
	assert.True(t, r.RequiresManualReview)
}
