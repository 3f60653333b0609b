// Package scoring assigns the ordinal 1-5 suspicion score for a lesion
// from its per-sequence imaging features and measurements. Each
// anatomical zone has its own rubric with its own dominant sequence;
// a dynamic-contrast upgrade rule can promote an equivocal score when
// focal enhancement spatially matches the dominant-sequence finding.
package scoring
