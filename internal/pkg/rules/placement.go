package rules

import (
	"fmt"

	"tagaudit/internal/pkg/types"
)

// Flags tracking scripts that are not in the document head.
type Placement struct{}

func (Placement) Name() string {
	return PlacementDetector
}

// Emits one misconfigured_tag per tracking script outside the head.
func (Placement) Detect(doc *types.DocumentModel, target types.AuditTarget) ([]types.Finding, error) {
	if doc == nil {
		return nil, fmt.Errorf("nil document")
	}

	findings := []types.Finding{}
	for _, script := range doc.Scripts {
		if script.Location == types.LocationHead {
			continue
		}
		family, ok := trackingFamily(script.IdentityKey())
		if !ok {
			continue
		}
		findings = append(findings, newFinding(
			types.MisconfiguredTag,
			family,
			fmt.Sprintf("Tracking script should be placed in the head section (found in %s)", script.Location),
			target.URL,
		))
	}
	return findings, nil
}
