package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/segmentd/internal/analysis"
	"github.com/fyrsmithlabs/segmentd/internal/imagestore"
	"github.com/fyrsmithlabs/segmentd/internal/inference"
	"github.com/fyrsmithlabs/segmentd/internal/mask"
	"github.com/fyrsmithlabs/segmentd/internal/volume"
)

// mockEngine routes Predict through a configurable function and tracks
// concurrency.
type mockEngine struct {
	predict func(ctx context.Context, vol *volume.Volume, region mask.Region) (*inference.ProbabilityMap, error)

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
	calls       atomic.Int64
}

func (m *mockEngine) ModelVersion() string { return "mock-1.0.0" }

func (m *mockEngine) Predict(ctx context.Context, vol *volume.Volume, region mask.Region, timeout time.Duration) (*inference.ProbabilityMap, error) {
	m.calls.Add(1)
	cur := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		prev := m.maxInFlight.Load()
		if cur <= prev || m.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}
	return m.predict(ctx, vol, region)
}

// uniformMap fills the volume's grid with one probability.
func uniformMap(vol *volume.Volume, p float32) *inference.ProbabilityMap {
	d := vol.Meta().Dims
	probs := make([]float32, d.Count())
	for i := range probs {
		probs[i] = p
	}
	return &inference.ProbabilityMap{Dims: d, Probs: probs}
}

func studyVolume(t *testing.T, id string, seq volume.Sequence) *volume.Volume {
	t.Helper()
	dims := volume.Dims{X: 8, Y: 8, Z: 4}
	data := make([]float32, dims.Count())
	for i := range data {
		data[i] = float32(i % 7)
	}
	v, err := volume.New(volume.Meta{
		ID:       id,
		StudyID:  "study-1",
		Sequence: seq,
		Spacing:  volume.Spacing{X: 1, Y: 1, Z: 1},
		Dims:     dims,
	}, data)
	require.NoError(t, err)
	return v
}

func testConfig() analysis.Config {
	cfg := analysis.DefaultConfig()
	cfg.CanonicalSpacing = volume.Spacing{X: 1, Y: 1, Z: 1}
	cfg.PerCallTimeout = 5 * time.Second
	return cfg
}

func newTestService(t *testing.T, eng inference.Engine) Service {
	t.Helper()
	svc, err := NewService(eng, zap.NewNop())
	require.NoError(t, err)
	return svc
}

func TestAnalyzeHappyPath(t *testing.T) {
	eng := &mockEngine{predict: func(ctx context.Context, vol *volume.Volume, region mask.Region) (*inference.ProbabilityMap, error) {
		return uniformMap(vol, 0.9), nil
	}}
	svc := newTestService(t, eng)

	vols := []*volume.Volume{
		studyVolume(t, "v-t2w", volume.SequenceT2W),
		studyVolume(t, "v-dwi", volume.SequenceDWI),
	}

	res, err := svc.Analyze(context.Background(), vols, testConfig())
	require.NoError(t, err)

	// 2 volumes x 4 regions.
	assert.Len(t, res.Regions, 8)
	assert.Len(t, res.Masks, 8)
	for _, status := range res.Regions {
		assert.Equal(t, analysis.OutcomeSucceeded, status.Outcome)
	}
	assert.Equal(t, analysis.AssessmentFull, res.Assessment)
	assert.Equal(t, "study-1", res.StudyID)
	assert.Equal(t, []string{"v-t2w", "v-dwi"}, res.VolumeIDs)
	assert.NotEmpty(t, res.ID)
	assert.Positive(t, res.Duration)

	for _, m := range res.Masks {
		assert.Equal(t, mask.MethodAutomatic, m.Method)
		assert.Equal(t, "mock-1.0.0", m.Provenance.ModelVersion)
		require.NotNil(t, m.Confidence)
		assert.InDelta(t, 0.9, *m.Confidence, 1e-6)
		assert.Contains(t, res.Metrics, m.ID)
	}

	// Both zones score from the lesion features.
	assert.Len(t, res.ZoneScores, 2)
}

func TestAnalyzeStatusesPreserveUnitOrder(t *testing.T) {
	eng := &mockEngine{predict: func(ctx context.Context, vol *volume.Volume, region mask.Region) (*inference.ProbabilityMap, error) {
		return uniformMap(vol, 0.8), nil
	}}
	svc := newTestService(t, eng)
	vols := []*volume.Volume{studyVolume(t, "v1", volume.SequenceT2W)}

	res, err := svc.Analyze(context.Background(), vols, testConfig())
	require.NoError(t, err)

	var regions []mask.Region
	for _, s := range res.Regions {
		regions = append(regions, s.Region)
	}
	assert.Equal(t, mask.Regions, regions, "statuses follow canonical enumeration order")
}

func TestAnalyzeRespectsResourceBudget(t *testing.T) {
	eng := &mockEngine{predict: func(ctx context.Context, vol *volume.Volume, region mask.Region) (*inference.ProbabilityMap, error) {
		time.Sleep(20 * time.Millisecond)
		return uniformMap(vol, 0.9), nil
	}}
	svc := newTestService(t, eng)

	cfg := testConfig()
	cfg.ResourceBudget = 2
	vols := []*volume.Volume{
		studyVolume(t, "v1", volume.SequenceT2W),
		studyVolume(t, "v2", volume.SequenceDWI),
		studyVolume(t, "v3", volume.SequenceDCE),
	}

	_, err := svc.Analyze(context.Background(), vols, cfg)
	require.NoError(t, err)
	assert.LessOrEqual(t, eng.maxInFlight.Load(), int64(2))
	assert.Equal(t, int64(12), eng.calls.Load())
}

func TestAnalyzeInclusiveThreshold(t *testing.T) {
	// Exactly-at-threshold probabilities are retained.
	eng := &mockEngine{predict: func(ctx context.Context, vol *volume.Volume, region mask.Region) (*inference.ProbabilityMap, error) {
		pm := uniformMap(vol, 0.49)
		d := vol.Meta().Dims
		// A 2x2x2 block at exactly the threshold.
		for z := 1; z < 3; z++ {
			for y := 3; y < 5; y++ {
				for x := 3; x < 5; x++ {
					pm.Probs[d.Index(x, y, z)] = 0.5
				}
			}
		}
		return pm, nil
	}}
	svc := newTestService(t, eng)

	cfg := testConfig()
	cfg.Regions = map[mask.Region]bool{mask.RegionWholeGland: true}
	vols := []*volume.Volume{studyVolume(t, "v1", volume.SequenceT2W)}

	res, err := svc.Analyze(context.Background(), vols, cfg)
	require.NoError(t, err)
	require.Len(t, res.Masks, 1)
	assert.Equal(t, 8, res.Masks[0].VoxelCount())
	assert.InDelta(t, 0.5, *res.Masks[0].Confidence, 1e-6)
}

func TestAnalyzePartialFailure(t *testing.T) {
	eng := &mockEngine{predict: func(ctx context.Context, vol *volume.Volume, region mask.Region) (*inference.ProbabilityMap, error) {
		if region == mask.RegionTransitionZone {
			return nil, inference.ErrFailure
		}
		return uniformMap(vol, 0.9), nil
	}}
	svc := newTestService(t, eng)
	vols := []*volume.Volume{studyVolume(t, "v1", volume.SequenceT2W)}

	res, err := svc.Analyze(context.Background(), vols, testConfig())
	require.NoError(t, err)

	assert.Equal(t, analysis.AssessmentWithOmissions, res.Assessment)
	assert.Len(t, res.Masks, 3)

	var failed *analysis.RegionStatus
	for i := range res.Regions {
		if res.Regions[i].Outcome == analysis.OutcomeFailed {
			failed = &res.Regions[i]
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, mask.RegionTransitionZone, failed.Region)
	assert.NotEmpty(t, failed.Reason)
	assert.True(t, failed.Retried, "transient failures go through the reduced-resolution retry")
}

func TestAnalyzeAllUnitsFail(t *testing.T) {
	eng := &mockEngine{predict: func(ctx context.Context, vol *volume.Volume, region mask.Region) (*inference.ProbabilityMap, error) {
		return nil, inference.ErrOutOfMemory
	}}
	svc := newTestService(t, eng)
	vols := []*volume.Volume{studyVolume(t, "v1", volume.SequenceT2W)}

	_, err := svc.Analyze(context.Background(), vols, testConfig())
	assert.ErrorIs(t, err, ErrNoRegionsSucceeded)
}

func TestAnalyzeRetryAtReducedResolution(t *testing.T) {
	var firstDims, retryDims volume.Dims
	var mu sync.Mutex
	failedOnce := false

	eng := &mockEngine{predict: func(ctx context.Context, vol *volume.Volume, region mask.Region) (*inference.ProbabilityMap, error) {
		mu.Lock()
		defer mu.Unlock()
		if !failedOnce {
			failedOnce = true
			firstDims = vol.Meta().Dims
			return nil, inference.ErrOutOfMemory
		}
		retryDims = vol.Meta().Dims
		return uniformMap(vol, 0.9), nil
	}}
	svc := newTestService(t, eng)

	cfg := testConfig()
	cfg.Regions = map[mask.Region]bool{mask.RegionWholeGland: true}
	vols := []*volume.Volume{studyVolume(t, "v1", volume.SequenceT2W)}

	res, err := svc.Analyze(context.Background(), vols, cfg)
	require.NoError(t, err)

	assert.Equal(t, volume.Dims{X: 8, Y: 8, Z: 4}, firstDims)
	assert.Equal(t, volume.Dims{X: 4, Y: 4, Z: 2}, retryDims)
	require.Len(t, res.Regions, 1)
	assert.True(t, res.Regions[0].Retried)
	assert.Equal(t, analysis.OutcomeSucceeded, res.Regions[0].Outcome)

	// The mask still lives on the source grid.
	require.Len(t, res.Masks, 1)
	assert.Equal(t, volume.Dims{X: 8, Y: 8, Z: 4}, res.Masks[0].Dims)
}

func TestAnalyzeCancellationDiscardsPartialOutput(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{}, 16)

	eng := &mockEngine{predict: func(ctx context.Context, vol *volume.Volume, region mask.Region) (*inference.ProbabilityMap, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	svc := newTestService(t, eng)

	cfg := testConfig()
	cfg.ResourceBudget = 1
	vols := []*volume.Volume{studyVolume(t, "v1", volume.SequenceT2W)}

	done := make(chan error, 1)
	var res *analysis.Result
	go func() {
		var err error
		res, err = svc.Analyze(ctx, vols, cfg)
		done <- err
	}()

	<-started
	cancel()
	err := <-done
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Nil(t, res)
}

func TestAnalyzeInputMismatch(t *testing.T) {
	eng := &mockEngine{predict: func(ctx context.Context, vol *volume.Volume, region mask.Region) (*inference.ProbabilityMap, error) {
		return uniformMap(vol, 0.9), nil
	}}
	svc := newTestService(t, eng)

	t.Run("no volumes", func(t *testing.T) {
		_, err := svc.Analyze(context.Background(), nil, testConfig())
		assert.ErrorIs(t, err, ErrInputMismatch)
	})

	t.Run("dims differ", func(t *testing.T) {
		a := studyVolume(t, "a", volume.SequenceT2W)
		b, err := volume.New(volume.Meta{
			ID: "b", Sequence: volume.SequenceDWI,
			Spacing: volume.Spacing{X: 1, Y: 1, Z: 1},
			Dims:    volume.Dims{X: 4, Y: 4, Z: 4},
		}, make([]float32, 64))
		require.NoError(t, err)

		_, err = svc.Analyze(context.Background(), []*volume.Volume{a, b}, testConfig())
		assert.ErrorIs(t, err, ErrInputMismatch)
	})

	t.Run("spacing deviates", func(t *testing.T) {
		a := studyVolume(t, "a", volume.SequenceT2W)
		b, err := volume.New(volume.Meta{
			ID: "b", Sequence: volume.SequenceDWI,
			Spacing: volume.Spacing{X: 1.5, Y: 1, Z: 1},
			Dims:    a.Meta().Dims,
		}, make([]float32, a.Meta().Dims.Count()))
		require.NoError(t, err)

		_, err = svc.Analyze(context.Background(), []*volume.Volume{a, b}, testConfig())
		assert.ErrorIs(t, err, ErrInputMismatch)
	})

	t.Run("uniform intensity", func(t *testing.T) {
		dims := volume.Dims{X: 8, Y: 8, Z: 4}
		flat := make([]float32, dims.Count())
		for i := range flat {
			flat[i] = 3.0
		}
		v, err := volume.New(volume.Meta{
			ID: "flat", Sequence: volume.SequenceT2W,
			Spacing: volume.Spacing{X: 1, Y: 1, Z: 1},
			Dims:    dims,
		}, flat)
		require.NoError(t, err)

		_, err = svc.Analyze(context.Background(), []*volume.Volume{v}, testConfig())
		assert.ErrorIs(t, err, ErrDegenerateInput)
	})
}

func TestAnalyzeManualMasksBypassRefinement(t *testing.T) {
	eng := &mockEngine{predict: func(ctx context.Context, vol *volume.Volume, region mask.Region) (*inference.ProbabilityMap, error) {
		return uniformMap(vol, 0.9), nil
	}}
	svc := newTestService(t, eng)

	vols := []*volume.Volume{studyVolume(t, "v1", volume.SequenceT2W)}
	dims := vols[0].Meta().Dims

	// A manual mask with disconnected speckle that refinement would
	// have removed.
	labels := make([]uint8, dims.Count())
	labels[dims.Index(0, 0, 0)] = 1
	labels[dims.Index(7, 7, 3)] = 1
	manual, err := mask.New("v1", dims, mask.RegionLesion, mask.MethodManual, labels)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.ManualMasks = []*mask.Mask{manual}

	res, err := svc.Analyze(context.Background(), vols, cfg)
	require.NoError(t, err)

	found := false
	for _, m := range res.Masks {
		if m.ID == manual.ID {
			found = true
			assert.Same(t, manual, m)
			assert.Equal(t, 2, m.VoxelCount(), "manual mask content untouched")
			assert.Contains(t, res.Metrics, m.ID)
		}
	}
	assert.True(t, found)
}

func TestAnalyzeProgressEvents(t *testing.T) {
	eng := &mockEngine{predict: func(ctx context.Context, vol *volume.Volume, region mask.Region) (*inference.ProbabilityMap, error) {
		return uniformMap(vol, 0.9), nil
	}}
	svc := newTestService(t, eng)

	var mu sync.Mutex
	var events []ProgressEvent
	svc.OnProgress(func(ev ProgressEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	vols := []*volume.Volume{studyVolume(t, "v1", volume.SequenceT2W)}
	_, err := svc.Analyze(context.Background(), vols, testConfig())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, StageComplete, last.Stage)
	assert.Equal(t, 100.0, last.PercentComplete)
	assert.Equal(t, last.TotalUnits, last.CompletedUnits)
}

func TestAnalyzeWithSyntheticEngineEndToEnd(t *testing.T) {
	vols, err := imagestore.GeneratePhantomStudy(imagestore.DefaultPhantomConfig())
	require.NoError(t, err)

	svc := newTestService(t, inference.NewSynthetic())
	cfg := analysis.DefaultConfig()

	res, err := svc.Analyze(context.Background(), vols, cfg)
	require.NoError(t, err)
	assert.Equal(t, analysis.AssessmentFull, res.Assessment)
	assert.NotEmpty(t, res.ZoneScores)

	// The phantom's bright focus must surface as a non-empty lesion.
	lesionFound := false
	for _, m := range res.MasksFor(mask.RegionLesion) {
		if !m.IsEmpty() {
			lesionFound = true
			b := res.Metrics[m.ID]
			require.NotNil(t, b)
			assert.Positive(t, b.VolumeMM3)
			assert.Positive(t, b.Sphericity)
		}
	}
	assert.True(t, lesionFound)
}
