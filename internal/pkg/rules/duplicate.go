package rules

import (
	"fmt"

	"tagaudit/internal/pkg/types"
)

const maxSnippetLength = 80

// Flags identical scripts, regardless of tag family.
type DuplicateScripts struct{}

func (DuplicateScripts) Name() string {
	return DuplicateScriptDetector
}

// Emits one duplicate_tag per identity key seen more than once, in order
// of first occurrence.
func (DuplicateScripts) Detect(doc *types.DocumentModel, target types.AuditTarget) ([]types.Finding, error) {
	if doc == nil {
		return nil, fmt.Errorf("nil document")
	}

	counts := make(map[string]int)
	var order []string
	for _, script := range doc.Scripts {
		key := script.IdentityKey()
		if key == "" {
			continue
		}
		if counts[key] == 0 {
			order = append(order, key)
		}
		counts[key]++
	}

	findings := []types.Finding{}
	for _, key := range order {
		if counts[key] < 2 {
			continue
		}
		findings = append(findings, newFinding(
			types.DuplicateTag,
			types.FamilyNone,
			fmt.Sprintf("Duplicate script found %d times: %s", counts[key], snippet(key)),
			target.URL,
		))
	}
	return findings, nil
}

// Shortens a script key for use in a description.
func snippet(key string) string {
	runes := []rune(key)
	if len(runes) <= maxSnippetLength {
		return key
	}
	return string(runes[:maxSnippetLength]) + "..."
}
