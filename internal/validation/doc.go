// Package validation applies clinical plausibility rules to a
// completed analysis result. Rules only ever add violations; any
// violation flags the result for manual review.
package validation
