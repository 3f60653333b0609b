package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/segmentd/internal/analysis"
	"github.com/fyrsmithlabs/segmentd/internal/inference"
	"github.com/fyrsmithlabs/segmentd/internal/mask"
	"github.com/fyrsmithlabs/segmentd/internal/metrics"
	"github.com/fyrsmithlabs/segmentd/internal/scoring"
	"github.com/fyrsmithlabs/segmentd/internal/volume"
)

const instrumentationName = "github.com/fyrsmithlabs/segmentd/internal/orchestrator"

// progressEventsPerSecond bounds how often registered callbacks fire;
// terminal events always go through.
const progressEventsPerSecond = 10

var (
	// ErrInputMismatch indicates study volumes that do not share a
	// spatial frame.
	ErrInputMismatch = errors.New("orchestrator: input volumes do not share a frame")
	// ErrCancelled indicates the run was cancelled; partial output is
	// discarded.
	ErrCancelled = errors.New("orchestrator: analysis cancelled")
	// ErrNoRegionsSucceeded indicates every segmentation unit failed.
	ErrNoRegionsSucceeded = errors.New("orchestrator: no regions succeeded")
	// ErrDegenerateInput indicates a volume that carries no usable
	// signal, such as uniform intensity everywhere.
	ErrDegenerateInput = errors.New("orchestrator: degenerate input volume")
)

// Service runs analyses over studies of co-registered volumes.
type Service interface {
	// Analyze segments every enabled region on every study volume,
	// measures and scores the findings, and returns the assembled
	// result. Partial unit failures yield a degraded result; total
	// failure and cancellation yield an error.
	Analyze(ctx context.Context, volumes []*volume.Volume, cfg analysis.Config) (*analysis.Result, error)
	// OnProgress registers a callback for progress events.
	OnProgress(fn ProgressFunc)
}

type service struct {
	engine inference.Engine
	logger *zap.Logger

	tracer  trace.Tracer
	runs    metric.Int64Counter
	retries metric.Int64Counter
	failed  metric.Int64Counter

	mu      sync.Mutex
	onEvent []ProgressFunc
	limiter *rate.Limiter
}

// NewService builds the orchestrator around an inference engine.
func NewService(engine inference.Engine, logger *zap.Logger) (Service, error) {
	if engine == nil {
		return nil, errors.New("orchestrator: engine is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	meter := otel.Meter(instrumentationName)
	runs, err := meter.Int64Counter("orchestrator.analyses",
		metric.WithDescription("Completed analysis runs"))
	if err != nil {
		return nil, fmt.Errorf("create analyses counter: %w", err)
	}
	retries, err := meter.Int64Counter("orchestrator.unit_retries",
		metric.WithDescription("Reduced-resolution inference retries"))
	if err != nil {
		return nil, fmt.Errorf("create retries counter: %w", err)
	}
	failed, err := meter.Int64Counter("orchestrator.unit_failures",
		metric.WithDescription("Segmentation units that failed after retry"))
	if err != nil {
		return nil, fmt.Errorf("create failures counter: %w", err)
	}

	return &service{
		engine:  engine,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		runs:    runs,
		retries: retries,
		failed:  failed,
		limiter: rate.NewLimiter(rate.Limit(progressEventsPerSecond), 1),
	}, nil
}

func (s *service) OnProgress(fn ProgressFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvent = append(s.onEvent, fn)
}

// emit pushes a progress event through the rate limiter. Terminal
// events bypass it.
func (s *service) emit(ev ProgressEvent, terminal bool) {
	if !terminal && !s.limiter.Allow() {
		return
	}
	s.mu.Lock()
	fns := make([]ProgressFunc, len(s.onEvent))
	copy(fns, s.onEvent)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// unit is one (volume, region) segmentation task.
type unit struct {
	vol    *volume.Volume
	pre    *volume.Volume
	region mask.Region
}

type unitResult struct {
	mask    *mask.Mask
	retried bool
	err     error
}

func (s *service) Analyze(ctx context.Context, volumes []*volume.Volume, cfg analysis.Config) (*analysis.Result, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.Analyze")
	defer span.End()
	start := time.Now()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := validateFrame(volumes, cfg.SpacingTolerance); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.emit(ProgressEvent{Stage: StagePreprocess}, false)
	pre := make([]*volume.Volume, len(volumes))
	for i, v := range volumes {
		p, err := preprocess(v, cfg.CanonicalSpacing, cfg.SpacingTolerance)
		if err != nil {
			return nil, fmt.Errorf("preprocess %s: %w", v.Meta().ID, err)
		}
		pre[i] = p
	}

	// Enumerate units in input-volume, canonical-region order. This
	// order is both the FIFO dispatch order and the result order.
	var units []unit
	for i, v := range volumes {
		for _, region := range cfg.EnabledRegions() {
			units = append(units, unit{vol: v, pre: pre[i], region: region})
		}
	}
	span.SetAttributes(
		attribute.Int("units", len(units)),
		attribute.Int("budget", cfg.ResourceBudget),
	)

	results, err := s.runUnits(ctx, units, cfg)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	res, err := s.assemble(volumes, units, results, cfg)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	res.Duration = time.Since(start)
	s.runs.Add(ctx, 1)
	s.emit(ProgressEvent{
		Stage:           StageComplete,
		PercentComplete: 100,
		CompletedUnits:  len(units),
		TotalUnits:      len(units),
	}, true)

	s.logger.Info("analysis complete",
		zap.String("result_id", res.ID),
		zap.String("assessment", string(res.Assessment)),
		zap.Duration("duration", res.Duration),
		zap.Int("masks", len(res.Masks)))
	return res, nil
}

// runUnits dispatches units in submission order under the resource
// budget. Acquiring the semaphore in the loop keeps dispatch FIFO.
func (s *service) runUnits(ctx context.Context, units []unit, cfg analysis.Config) ([]unitResult, error) {
	sem := semaphore.NewWeighted(int64(cfg.ResourceBudget))
	results := make([]unitResult, len(units))
	var wg sync.WaitGroup
	var completed int
	var progressMu sync.Mutex
	startedAt := time.Now()

	for i := range units {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = s.runUnit(ctx, units[i], cfg)

			progressMu.Lock()
			completed++
			done := completed
			progressMu.Unlock()
			elapsed := time.Since(startedAt)
			var remaining time.Duration
			if done > 0 {
				remaining = elapsed / time.Duration(done) * time.Duration(len(units)-done)
			}
			s.emit(ProgressEvent{
				Stage:              StageInference,
				PercentComplete:    100 * float64(done) / float64(len(units)),
				CompletedUnits:     done,
				TotalUnits:         len(units),
				EstimatedRemaining: remaining,
			}, false)
		}(i)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		// Cancelled runs surface no partial output.
		return nil, fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return results, nil
}

// runUnit performs inference for one unit, retrying once at halved
// resolution on a transient engine failure, then thresholds and
// refines the probability map on the source grid.
func (s *service) runUnit(ctx context.Context, u unit, cfg analysis.Config) unitResult {
	ctx, span := s.tracer.Start(ctx, "orchestrator.runUnit",
		trace.WithAttributes(
			attribute.String("volume.id", u.vol.Meta().ID),
			attribute.String("region", string(u.region)),
		))
	defer span.End()

	out := unitResult{}
	pm, err := s.predict(ctx, u.pre, u.region, cfg.PerCallTimeout)
	if err != nil && inference.Retryable(err) && ctx.Err() == nil {
		s.retries.Add(ctx, 1)
		out.retried = true
		s.logger.Warn("retrying unit at reduced resolution",
			zap.String("volume_id", u.vol.Meta().ID),
			zap.String("region", string(u.region)),
			zap.Error(err))

		reduced, derr := downsample(u.pre, 2)
		if derr != nil {
			out.err = derr
			return out
		}
		pm, err = s.predict(ctx, reduced, u.region, cfg.PerCallTimeout)
	}
	if err != nil {
		s.failed.Add(ctx, 1)
		span.SetStatus(codes.Error, err.Error())
		out.err = err
		return out
	}
	if verr := pm.Validate(); verr != nil {
		s.failed.Add(ctx, 1)
		out.err = fmt.Errorf("%w: %w", inference.ErrFailure, verr)
		return out
	}

	m, err := s.binarize(pm, u, cfg.ConfidenceThreshold)
	if err != nil {
		out.err = err
		return out
	}
	out.mask = m
	return out
}

func (s *service) predict(ctx context.Context, vol *volume.Volume, region mask.Region, timeout time.Duration) (*inference.ProbabilityMap, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.engine.Predict(ctx, vol, region, timeout)
}

// binarize maps the probability map back onto the source grid,
// applies the inclusive threshold, and refines the labeling. The mask
// confidence is the mean probability over retained voxels.
func (s *service) binarize(pm *inference.ProbabilityMap, u unit, threshold float64) (*mask.Mask, error) {
	srcMeta := u.vol.Meta()
	probs := mapToGrid(pm.Probs, pm.Dims, srcMeta.Dims)

	labels := make([]uint8, len(probs))
	var sum float64
	var n int
	for i, p := range probs {
		if float64(p) >= threshold {
			labels[i] = 1
			sum += float64(p)
			n++
		}
	}

	m, err := mask.New(srcMeta.ID, srcMeta.Dims, u.region, mask.MethodAutomatic, labels)
	if err != nil {
		return nil, err
	}
	confidence := 0.0
	if n > 0 {
		confidence = sum / float64(n)
	}
	if m, err = m.WithConfidence(confidence); err != nil {
		return nil, err
	}
	m.Provenance = mask.Provenance{
		ModelVersion: s.engine.ModelVersion(),
		CreatedAt:    time.Now().UTC(),
	}
	return mask.Refine(m), nil
}

// assemble builds the result: statuses in unit order, metrics for
// every mask, per-sequence lesion features, and zone scores.
func (s *service) assemble(volumes []*volume.Volume, units []unit, results []unitResult, cfg analysis.Config) (*analysis.Result, error) {
	res := &analysis.Result{
		ID:      uuid.NewString(),
		StudyID: volumes[0].Meta().StudyID,
		Metrics: make(map[string]*metrics.Bundle),
	}
	for _, v := range volumes {
		res.VolumeIDs = append(res.VolumeIDs, v.Meta().ID)
	}

	succeeded := 0
	for i, u := range units {
		r := results[i]
		status := analysis.RegionStatus{
			VolumeID: u.vol.Meta().ID,
			Region:   u.region,
			Retried:  r.retried,
		}
		if r.err != nil {
			status.Outcome = analysis.OutcomeFailed
			status.Reason = r.err.Error()
		} else {
			status.Outcome = analysis.OutcomeSucceeded
			res.Masks = append(res.Masks, r.mask)
			succeeded++
		}
		res.Regions = append(res.Regions, status)
	}
	if succeeded == 0 {
		return nil, ErrNoRegionsSucceeded
	}

	// Reviewer-drawn masks ride along untouched.
	res.Masks = append(res.Masks, cfg.ManualMasks...)

	volsByID := make(map[string]*volume.Volume, len(volumes))
	seqOf := make(map[string]volume.Sequence, len(volumes))
	for _, v := range volumes {
		volsByID[v.Meta().ID] = v
		seqOf[v.Meta().ID] = v.Meta().Sequence
	}

	s.emit(ProgressEvent{Stage: StageMetrics, PercentComplete: 100, TotalUnits: len(units), CompletedUnits: len(units)}, false)
	for _, m := range res.Masks {
		src, ok := volsByID[m.SourceID]
		if !ok || src.Meta().Dims != m.Dims {
			s.logger.Warn("skipping metrics for mask without matching volume",
				zap.String("mask_id", m.ID),
				zap.String("source_id", m.SourceID))
			continue
		}
		b, err := metrics.Compute(m, src)
		if err != nil {
			return nil, fmt.Errorf("measure mask %s: %w", m.ID, err)
		}
		res.Metrics[m.ID] = b
	}

	s.emit(ProgressEvent{Stage: StageScoring, PercentComplete: 100, TotalUnits: len(units), CompletedUnits: len(units)}, false)
	if cfg.Regions[mask.RegionLesion] {
		s.scoreZones(res, seqOf, cfg)
	}

	res.Assessment = analysis.AssessmentFull
	if succeeded < len(units) {
		res.Assessment = analysis.AssessmentWithOmissions
	}

	return res, nil
}

// scoreZones scores each enabled zone from the lesion feature set. A
// zone whose dominant sequence was not acquired is skipped rather than
// failed.
func (s *service) scoreZones(res *analysis.Result, seqOf map[string]volume.Sequence, cfg analysis.Config) {
	lesions := res.MasksFor(mask.RegionLesion)
	features := deriveFeatures(lesions, seqOf)
	if len(features) == 0 {
		return
	}

	scoreCfg := scoring.Config{
		EnableUpgrade:         cfg.EnableUpgradeRules,
		CorrespondenceOverlap: cfg.CorrespondenceOverlap,
	}
	zones := map[scoring.Zone]mask.Region{
		scoring.ZonePeripheral: mask.RegionPeripheralZone,
		scoring.ZoneTransition: mask.RegionTransitionZone,
	}
	for _, zone := range []scoring.Zone{scoring.ZonePeripheral, scoring.ZoneTransition} {
		if !cfg.Regions[zones[zone]] {
			continue
		}
		bundle := s.dominantBundle(zone, lesions, seqOf, res)
		score, err := scoring.ScoreZone(zone, features, bundle, scoreCfg)
		if err != nil {
			s.logger.Warn("skipping zone score",
				zap.String("zone", string(zone)),
				zap.Error(err))
			continue
		}
		res.ZoneScores = append(res.ZoneScores, score)
	}
}

// dominantBundle finds the measurements of the lesion mask on the
// zone's dominant sequence, feeding the size criterion.
func (s *service) dominantBundle(zone scoring.Zone, lesions []*mask.Mask, seqOf map[string]volume.Sequence, res *analysis.Result) *metrics.Bundle {
	dom, err := scoring.DominantSequence(zone)
	if err != nil {
		return nil
	}
	for _, m := range lesions {
		if seqOf[m.SourceID] == dom {
			if b, ok := res.Metrics[m.ID]; ok {
				return b
			}
		}
	}
	return nil
}

// validateFrame checks the study volumes share a grid and, within
// tolerance, a spacing.
func validateFrame(volumes []*volume.Volume, tol float64) error {
	if len(volumes) == 0 {
		return fmt.Errorf("%w: study has no volumes", ErrInputMismatch)
	}
	ref := volumes[0].Meta()
	for _, v := range volumes[1:] {
		meta := v.Meta()
		if meta.Dims != ref.Dims {
			return fmt.Errorf("%w: %s has dims %v, %s has %v",
				ErrInputMismatch, meta.ID, meta.Dims, ref.ID, ref.Dims)
		}
		if !ref.Spacing.WithinTolerance(meta.Spacing, tol) {
			return fmt.Errorf("%w: %s spacing %v deviates from %v",
				ErrInputMismatch, meta.ID, meta.Spacing, ref.Spacing)
		}
	}
	for _, v := range volumes {
		if uniformIntensity(v) {
			return fmt.Errorf("%w: %s has uniform intensity", ErrDegenerateInput, v.Meta().ID)
		}
	}
	return nil
}

// uniformIntensity reports whether every voxel carries the same value.
func uniformIntensity(v *volume.Volume) bool {
	data := v.Data()
	for _, s := range data[1:] {
		if s != data[0] {
			return false
		}
	}
	return true
}
