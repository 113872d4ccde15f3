package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"tagaudit/internal/pkg/types"
)

func marker(name string) []types.Finding {
	return []types.Finding{{Description: name}}
}

func descriptions(findings []types.Finding) []string {
	out := []string{}
	for _, f := range findings {
		out = append(out, f.Description)
	}
	return out
}

func TestAggregateOrder(t *testing.T) {
	permutations := [][]string{
		{PlacementDetector, DuplicateScriptDetector, SessionRecordingDetector, AnalyticsDetector, TagManagerDetector},
		{AnalyticsDetector, PlacementDetector, TagManagerDetector, DuplicateScriptDetector, SessionRecordingDetector},
		Order,
	}

	for _, perm := range permutations {
		var results []DetectorResult
		for _, name := range perm {
			results = append(results, DetectorResult{Detector: name, Findings: marker(name)})
		}
		assert.Equal(t, Order, descriptions(Aggregate(results)))
	}
}

func TestAggregateKeepsDetectorInternalOrder(t *testing.T) {
	results := []DetectorResult{
		{Detector: PlacementDetector, Findings: []types.Finding{{Description: "p1"}, {Description: "p2"}}},
		{Detector: "custom", Findings: marker("custom")},
		{Detector: DuplicateScriptDetector, Findings: []types.Finding{{Description: "d1"}, {Description: "d2"}}},
		{Detector: TagManagerDetector},
	}
	assert.Equal(t, []string{"d1", "d2", "p1", "p2", "custom"}, descriptions(Aggregate(results)))
}

func TestAggregateNoDedup(t *testing.T) {
	same := types.Finding{Kind: types.DuplicateTag, Description: "same"}
	results := []DetectorResult{
		{Detector: TagManagerDetector, Findings: []types.Finding{same}},
		{Detector: DuplicateScriptDetector, Findings: []types.Finding{same}},
	}
	assert.Len(t, Aggregate(results), 2)
}

func TestAggregateEmpty(t *testing.T) {
	findings := Aggregate(nil)
	assert.NotNil(t, findings)
	assert.Empty(t, findings)
}
