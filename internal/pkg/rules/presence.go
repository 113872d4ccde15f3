package rules

import (
	"fmt"

	"tagaudit/internal/pkg/types"
)

// Checks that a tag family is installed exactly once.
type PresenceDetector struct {
	name      string
	signature Signature
}

func NewPresenceDetector(name string, signature Signature) *PresenceDetector {
	return &PresenceDetector{name: name, signature: signature}
}

func (d *PresenceDetector) Name() string {
	return d.name
}

// Reports missing_tag when nothing matches and a single duplicate_tag
// when more than one element does.
func (d *PresenceDetector) Detect(doc *types.DocumentModel, target types.AuditTarget) ([]types.Finding, error) {
	if doc == nil {
		return nil, fmt.Errorf("nil document")
	}

	matches := 0
	for _, script := range doc.Scripts {
		if d.signature.Matches(script) {
			matches++
		}
	}

	switch {
	case matches == 0:
		return []types.Finding{newFinding(
			types.MissingTag,
			d.signature.Family,
			fmt.Sprintf("%s is not implemented", d.signature.Product),
			target.URL,
		)}, nil
	case matches > 1:
		return []types.Finding{newFinding(
			types.DuplicateTag,
			d.signature.Family,
			fmt.Sprintf("Multiple %s implementations found", d.signature.Product),
			target.URL,
		)}, nil
	}
	return []types.Finding{}, nil
}
