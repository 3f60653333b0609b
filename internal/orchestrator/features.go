package orchestrator

import (
	"github.com/fyrsmithlabs/segmentd/internal/mask"
	"github.com/fyrsmithlabs/segmentd/internal/scoring"
	"github.com/fyrsmithlabs/segmentd/internal/volume"
)

// severityFromConfidence buckets an automatic mask's mean retained
// probability onto the ordinal 1-5 scale.
func severityFromConfidence(c float64) int {
	switch {
	case c < 0.2:
		return 1
	case c < 0.4:
		return 2
	case c < 0.6:
		return 3
	case c < 0.8:
		return 4
	default:
		return 5
	}
}

// deriveFeatures builds the per-sequence lesion feature set from the
// refined lesion masks. When a sequence contributed several lesion
// masks the most severe reading wins. Dynamic-contrast sequences
// report focal enhancement for compact non-empty findings.
func deriveFeatures(lesions []*mask.Mask, seqOf map[string]volume.Sequence) scoring.FeatureSet {
	features := make(scoring.FeatureSet)
	for _, m := range lesions {
		seq, ok := seqOf[m.SourceID]
		if !ok || m.Confidence == nil {
			continue
		}

		f := scoring.Features{Severity: severityFromConfidence(*m.Confidence)}
		if box, ok := m.BoundingBox(); ok {
			f.Bounds = box
			f.HasBounds = true
		}
		if seq == volume.SequenceDCE {
			f.FocalEnhancement = !m.IsEmpty() && f.Severity >= 3
		}

		if prev, ok := features[seq]; !ok || f.Severity > prev.Severity {
			features[seq] = f
		}
	}
	return features
}
