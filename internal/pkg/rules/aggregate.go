package rules

import (
	"sort"

	"tagaudit/internal/pkg/types"
)

// Priority order of detector output.
var Order = []string{
	TagManagerDetector,
	AnalyticsDetector,
	SessionRecordingDetector,
	DuplicateScriptDetector,
	PlacementDetector,
}

// Findings produced by one detector.
type DetectorResult struct {
	Detector string
	Findings []types.Finding
}

// Concatenates detector output in priority order, whatever order the
// results arrive in. Detectors outside Order come last, sorted by name.
// Nothing is de-duplicated.
func Aggregate(results []DetectorResult) []types.Finding {
	rank := make(map[string]int, len(Order))
	for i, name := range Order {
		rank[name] = i
	}

	sorted := make([]DetectorResult, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, iKnown := rank[sorted[i].Detector]
		rj, jKnown := rank[sorted[j].Detector]
		switch {
		case iKnown && jKnown:
			return ri < rj
		case iKnown != jKnown:
			return iKnown
		}
		return sorted[i].Detector < sorted[j].Detector
	})

	findings := []types.Finding{}
	for _, result := range sorted {
		findings = append(findings, result.Findings...)
	}
	return findings
}
