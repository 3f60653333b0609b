package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/segmentd/internal/mask"
	"github.com/fyrsmithlabs/segmentd/internal/metrics"
	"github.com/fyrsmithlabs/segmentd/internal/volume"
)

func box(lo, hi int) mask.Box {
	return mask.Box{Min: [3]int{lo, lo, lo}, Max: [3]int{hi, hi, hi}}
}

func featuresFor(zone Zone, severity int) FeatureSet {
	dom, _ := DominantSequence(zone)
	return FeatureSet{
		dom: {Severity: severity, Bounds: box(0, 9), HasBounds: true},
	}
}

func TestDominantSequence(t *testing.T) {
	dwi, err := DominantSequence(ZonePeripheral)
	require.NoError(t, err)
	assert.Equal(t, volume.SequenceDWI, dwi)

	t2w, err := DominantSequence(ZoneTransition)
	require.NoError(t, err)
	assert.Equal(t, volume.SequenceT2W, t2w)

	_, err = DominantSequence("central")
	assert.ErrorIs(t, err, ErrUnknownZone)
}

func TestScoreMonotonicInSeverity(t *testing.T) {
	for _, zone := range []Zone{ZonePeripheral, ZoneTransition} {
		prev := 0
		for severity := 1; severity <= 5; severity++ {
			s, err := ScoreZone(zone, featuresFor(zone, severity), nil, DefaultConfig())
			require.NoError(t, err)
			assert.GreaterOrEqual(t, s.Score, prev, "zone %s severity %d", zone, severity)
			assert.GreaterOrEqual(t, s.Score, 1)
			assert.LessOrEqual(t, s.Score, 5)
			prev = s.Score
		}
	}
}

func TestScoreUnknownZone(t *testing.T) {
	_, err := ScoreZone("central", featuresFor(ZonePeripheral, 3), nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrUnknownZone)
}

func TestScoreMissingDominantSequence(t *testing.T) {
	features := FeatureSet{
		volume.SequenceDCE: {Severity: 3},
	}
	_, err := ScoreZone(ZonePeripheral, features, nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrMissingSequence)
}

func TestScoreInvalidSeverity(t *testing.T) {
	_, err := ScoreZone(ZonePeripheral, featuresFor(ZonePeripheral, 0), nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrInvalidFeatures)
	_, err = ScoreZone(ZonePeripheral, featuresFor(ZonePeripheral, 6), nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrInvalidFeatures)
}

func TestSizeCriterionPromotesFourToFive(t *testing.T) {
	features := featuresFor(ZonePeripheral, 4)

	small := &metrics.Bundle{MaxDiameterMM: 14.9}
	s, err := ScoreZone(ZonePeripheral, features, small, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 4, s.Score)

	large := &metrics.Bundle{MaxDiameterMM: 15.0}
	s, err = ScoreZone(ZonePeripheral, features, large, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 5, s.Score)
	assert.False(t, s.UpgradeApplied)
}

func withDCE(f FeatureSet, focal bool, b mask.Box) FeatureSet {
	f[volume.SequenceDCE] = Features{Severity: 3, FocalEnhancement: focal, Bounds: b, HasBounds: true}
	return f
}

func TestUpgradeAppliesOnlyToThree(t *testing.T) {
	cfg := DefaultConfig()

	for severity, want := range map[int]int{2: 2, 3: 4, 4: 4} {
		features := withDCE(featuresFor(ZonePeripheral, severity), true, box(0, 9))
		s, err := ScoreZone(ZonePeripheral, features, nil, cfg)
		require.NoError(t, err)
		assert.Equal(t, want, s.Score, "severity %d", severity)
		assert.Equal(t, severity == 3, s.UpgradeApplied, "severity %d", severity)
	}

	s, err := ScoreZone(ZonePeripheral, withDCE(featuresFor(ZonePeripheral, 3), true, box(0, 9)), nil, cfg)
	require.NoError(t, err)
	assert.Equal(t, JustificationDCEFocalMatch, s.Justification)
}

func TestUpgradeNeedsSpatialCorrespondence(t *testing.T) {
	cfg := DefaultConfig()

	// Disjoint boxes: enhancement elsewhere is not the same lesion.
	features := withDCE(featuresFor(ZonePeripheral, 3), true, box(50, 59))
	s, err := ScoreZone(ZonePeripheral, features, nil, cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Score)
	assert.False(t, s.UpgradeApplied)

	// Non-focal enhancement never upgrades.
	features = withDCE(featuresFor(ZonePeripheral, 3), false, box(0, 9))
	s, err = ScoreZone(ZonePeripheral, features, nil, cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Score)
}

func TestUpgradeDisabled(t *testing.T) {
	cfg := Config{EnableUpgrade: false, CorrespondenceOverlap: 0.3}
	features := withDCE(featuresFor(ZonePeripheral, 3), true, box(0, 9))

	s, err := ScoreZone(ZonePeripheral, features, nil, cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Score)
	assert.False(t, s.UpgradeApplied)
}

func TestUpgradedScoreSkipsSizePromotion(t *testing.T) {
	// An upgraded 4 must not chain into a size-based 5.
	features := withDCE(featuresFor(ZonePeripheral, 3), true, box(0, 9))
	big := &metrics.Bundle{MaxDiameterMM: 20}

	s, err := ScoreZone(ZonePeripheral, features, big, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 4, s.Score)
	assert.True(t, s.UpgradeApplied)
}
