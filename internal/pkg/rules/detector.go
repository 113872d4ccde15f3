// Package rules holds the detectors that turn a parsed page into
// findings, and the aggregator that orders their output.
package rules

import (
	"fmt"

	"tagaudit/internal/pkg/types"
)

const (
	TagManagerDetector       = "tag_manager"
	AnalyticsDetector        = "analytics"
	SessionRecordingDetector = "session_recording"
	DuplicateScriptDetector  = "duplicate_script"
	PlacementDetector        = "placement"
)

// A stateless rule over one document. Implementations must not modify doc
// and must return the same findings for the same input.
type Detector interface {
	Name() string
	Detect(doc *types.DocumentModel, target types.AuditTarget) ([]types.Finding, error)
}

// Failure inside a single detector. Absorbed by the auditor.
type DetectorError struct {
	Detector string
	Err      error
}

func (e *DetectorError) Error() string {
	return fmt.Sprintf("detector %s: %v", e.Detector, e.Err)
}

func (e *DetectorError) Unwrap() error {
	return e.Err
}

// Returns the full detector set in aggregation order.
func DefaultDetectors() []Detector {
	return []Detector{
		NewPresenceDetector(TagManagerDetector, TagManagerSignature),
		NewPresenceDetector(AnalyticsDetector, AnalyticsSignature),
		NewPresenceDetector(SessionRecordingDetector, SessionRecordingSignature),
		DuplicateScripts{},
		Placement{},
	}
}

// Builds a finding with the table severity and a pending manual fix.
// IDs are assigned later by the auditor.
func newFinding(kind types.IssueKind, family types.TagFamily, description, page string) types.Finding {
	return types.Finding{
		Kind:        kind,
		Family:      family,
		Description: description,
		Severity:    SeverityFor(family, kind),
		Page:        page,
		Fix: types.Fix{
			Status: types.FixPending,
			Method: types.FixManual,
		},
	}
}
