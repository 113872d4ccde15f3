package rules

import "tagaudit/internal/pkg/types"

type severityKey struct {
	family types.TagFamily
	kind   types.IssueKind
}

// Fixed severity table. Family-specific entries win over the
// family-agnostic ones.
var severities = map[severityKey]types.Severity{
	{types.FamilyTagManager, types.MissingTag}:         types.SeverityHigh,
	{types.FamilyTagManager, types.DuplicateTag}:       types.SeverityHigh,
	{types.FamilyAnalytics, types.MissingTag}:          types.SeverityHigh,
	{types.FamilyAnalytics, types.DuplicateTag}:        types.SeverityHigh,
	{types.FamilySessionRecording, types.MissingTag}:   types.SeverityMedium,
	{types.FamilySessionRecording, types.DuplicateTag}: types.SeverityMedium,
	{types.FamilyNone, types.DuplicateTag}:             types.SeverityMedium,
	{types.FamilyNone, types.MisconfiguredTag}:         types.SeverityMedium,
}

// Looks up the severity for a (family, kind) pair.
func SeverityFor(family types.TagFamily, kind types.IssueKind) types.Severity {
	if severity, ok := severities[severityKey{family, kind}]; ok {
		return severity
	}
	if severity, ok := severities[severityKey{types.FamilyNone, kind}]; ok {
		return severity
	}
	return types.SeverityLow
}
