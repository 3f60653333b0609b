// Package orchestrator coordinates a full analysis run: it validates
// the study's shared frame, preprocesses each volume, dispatches
// bounded-concurrency inference per (volume, region) unit, refines the
// resulting masks, measures them, scores the anatomical zones, and
// assembles the final result. Individual unit failures degrade the
// result instead of aborting the run.
package orchestrator
