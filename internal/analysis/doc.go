// Package analysis defines the request and result types shared by the
// segmentation orchestrator and the validation gate: per-run
// configuration, per-region outcomes, zone scores, and the violations
// that route a result to manual review.
package analysis
