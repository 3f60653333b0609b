package inference

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/segmentd/internal/mask"
	"github.com/fyrsmithlabs/segmentd/internal/volume"
)

func testVolume(t *testing.T) *volume.Volume {
	t.Helper()
	dims := volume.Dims{X: 32, Y: 32, Z: 16}
	v, err := volume.New(volume.Meta{
		ID:       "vol-1",
		Sequence: volume.SequenceT2W,
		Spacing:  volume.Spacing{X: 1, Y: 1, Z: 1},
		Dims:     dims,
	}, make([]float32, dims.Count()))
	require.NoError(t, err)
	return v
}

func TestSyntheticPredictShapes(t *testing.T) {
	eng := NewSynthetic()
	vol := testVolume(t)

	for _, region := range mask.Regions {
		pm, err := eng.Predict(context.Background(), vol, region, time.Second)
		require.NoError(t, err, region)
		require.NoError(t, pm.Validate())
		assert.Equal(t, vol.Meta().Dims, pm.Dims)
		for _, p := range pm.Probs {
			assert.GreaterOrEqual(t, p, float32(0))
			assert.LessOrEqual(t, p, float32(1))
		}
	}
}

func TestSyntheticPredictDeterministic(t *testing.T) {
	eng := NewSynthetic()
	vol := testVolume(t)

	a, err := eng.Predict(context.Background(), vol, mask.RegionWholeGland, time.Second)
	require.NoError(t, err)
	b, err := eng.Predict(context.Background(), vol, mask.RegionWholeGland, time.Second)
	require.NoError(t, err)
	assert.Equal(t, a.Probs, b.Probs)
}

func TestSyntheticPredictGlandCenter(t *testing.T) {
	eng := NewSynthetic()
	vol := testVolume(t)

	pm, err := eng.Predict(context.Background(), vol, mask.RegionWholeGland, time.Second)
	require.NoError(t, err)

	d := vol.Meta().Dims
	center := pm.Probs[d.Index(d.X/2, d.Y/2, d.Z/2)]
	corner := pm.Probs[d.Index(0, 0, 0)]
	assert.Greater(t, center, float32(0.9))
	assert.Less(t, corner, float32(0.1))
}

func TestSyntheticPredictCancelled(t *testing.T) {
	eng := NewSynthetic()
	vol := testVolume(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := eng.Predict(ctx, vol, mask.RegionWholeGland, time.Second)
	assert.ErrorIs(t, err, ErrFailure)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(ErrOutOfMemory))
	assert.True(t, Retryable(ErrFailure))
	assert.False(t, Retryable(context.Canceled))
	assert.False(t, Retryable(nil))
}
