package types

import "time"

// Kind of issue a detector reports.
type IssueKind string

const (
	MissingTag       IssueKind = "missing_tag"
	DuplicateTag     IssueKind = "duplicate_tag"
	MisconfiguredTag IssueKind = "misconfigured_tag"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Tag family a finding is about. Family-agnostic findings leave it empty.
type TagFamily string

const (
	FamilyNone             TagFamily = ""
	FamilyTagManager       TagFamily = "tag_manager"
	FamilyAnalytics        TagFamily = "analytics"
	FamilySessionRecording TagFamily = "session_recording"
)

type FixStatus string

const (
	FixPending FixStatus = "pending"
	FixApplied FixStatus = "applied"
	FixFailed  FixStatus = "failed"
)

type FixMethod string

const (
	FixManual    FixMethod = "manual"
	FixAutomatic FixMethod = "automatic"
)

// Valid reports whether m is one of the known fix methods.
func (m FixMethod) Valid() bool {
	return m == FixManual || m == FixAutomatic
}

type AuditStatus string

const (
	AuditSuccess    AuditStatus = "success"
	AuditFailed     AuditStatus = "failed"
	AuditInProgress AuditStatus = "in_progress"
)

// Where a script element sits in the document.
type Location string

const (
	LocationHead  Location = "head"
	LocationBody  Location = "body"
	LocationOther Location = "other"
)

// Input to a single audit run.
type AuditTarget struct {
	URL    string `json:"url"`
	Name   string `json:"name"`
	SiteID string `json:"site_id"`
}

// One script-bearing element found in the page.
type ScriptElement struct {
	Content  string   `json:"content"`
	Src      string   `json:"src,omitempty"`
	HasSrc   bool     `json:"has_src"`
	Location Location `json:"location"`
}

// Key used to compare script elements: inline content when present, otherwise src.
func (s ScriptElement) IdentityKey() string {
	if s.Content != "" {
		return s.Content
	}
	return s.Src
}

// Reports whether the element has neither inline content nor a src.
func (s ScriptElement) IsEmpty() bool {
	return s.IdentityKey() == ""
}

// Parsed representation of one fetched page. Read-only once built.
type DocumentModel struct {
	Scripts []ScriptElement `json:"scripts"`
}

// Remediation record attached to a finding.
type Fix struct {
	Status      FixStatus  `json:"status"`
	Method      FixMethod  `json:"method"`
	AppliedDate *time.Time `json:"applied_date,omitempty"`
}

// A single issue discovered on a page.
type Finding struct {
	ID          string    `json:"id"`
	Kind        IssueKind `json:"type"`
	Family      TagFamily `json:"family,omitempty"`
	Description string    `json:"description"`
	Severity    Severity  `json:"severity"`
	Page        string    `json:"page"`
	Fix         Fix       `json:"fix"`
}

// Outcome of one audit run.
type AuditResult struct {
	Date     time.Time   `json:"date"`
	Status   AuditStatus `json:"status"`
	Findings []Finding   `json:"issues"`
}

// Stored audit result belonging to a website.
type AuditRecord struct {
	ID        string      `json:"id"`
	WebsiteID string      `json:"website_id"`
	Result    AuditResult `json:"result"`
}
