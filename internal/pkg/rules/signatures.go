package rules

import (
	"strings"

	"tagaudit/internal/pkg/types"
)

// Vendor signature of one tag family. Markers are matched as
// case-insensitive substrings.
type Signature struct {
	Family         types.TagFamily
	Product        string
	ContentMarkers []string
	SrcMarkers     []string
}

// Vendor signatures. These track what the vendors ship and are the only
// place to touch when a snippet changes.
var (
	TagManagerSignature = Signature{
		Family:         types.FamilyTagManager,
		Product:        "Google Tag Manager",
		ContentMarkers: []string{"gtm.start"},
		SrcMarkers:     []string{"gtm.js"},
	}
	AnalyticsSignature = Signature{
		Family:         types.FamilyAnalytics,
		Product:        "Google Analytics 4",
		ContentMarkers: []string{"gtag"},
		SrcMarkers:     []string{"gtag/js"},
	}
	SessionRecordingSignature = Signature{
		Family:         types.FamilySessionRecording,
		Product:        "Microsoft Clarity",
		ContentMarkers: []string{"clarity"},
		SrcMarkers:     []string{"clarity"},
	}
)

// Keywords marking a script as tracking-related, checked in order.
var trackingKeywords = []struct {
	keyword string
	family  types.TagFamily
}{
	{"gtag", types.FamilyAnalytics},
	{"gtm", types.FamilyTagManager},
	{"clarity", types.FamilySessionRecording},
}

// Reports whether the element carries this signature in its inline
// content or its src.
func (s Signature) Matches(el types.ScriptElement) bool {
	if el.IsEmpty() {
		return false
	}
	return containsFold(el.Content, s.ContentMarkers) || containsFold(el.Src, s.SrcMarkers)
}

// Returns the family of the first tracking keyword found in key.
func trackingFamily(key string) (types.TagFamily, bool) {
	lower := strings.ToLower(key)
	for _, tk := range trackingKeywords {
		if strings.Contains(lower, tk.keyword) {
			return tk.family, true
		}
	}
	return types.FamilyNone, false
}

func containsFold(s string, markers []string) bool {
	if s == "" {
		return false
	}
	lower := strings.ToLower(s)
	for _, marker := range markers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}
