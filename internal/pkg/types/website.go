package types

import (
	"fmt"
	"time"
)

// CMS platform a website runs on. Decides how tracking scripts get installed.
type Platform string

const (
	PlatformCustom      Platform = "custom"
	PlatformShopify     Platform = "shopify"
	PlatformWooCommerce Platform = "woocommerce"
	PlatformWordPress   Platform = "wordpress"
	PlatformMagento     Platform = "magento"
)

// Parses a platform name, defaulting an empty value to custom.
func ParsePlatform(value string) (Platform, error) {
	switch p := Platform(value); p {
	case "":
		return PlatformCustom, nil
	case PlatformCustom, PlatformShopify, PlatformWooCommerce, PlatformWordPress, PlatformMagento:
		return p, nil
	}
	return "", fmt.Errorf("unknown platform %q", value)
}

type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationFailed   VerificationStatus = "failed"
)

type VerificationMethod string

const (
	VerifyMetaTag VerificationMethod = "meta_tag"
	VerifyFile    VerificationMethod = "file"
	VerifyDNS     VerificationMethod = "dns"
)

// Parses a verification method, defaulting an empty value to meta_tag.
func ParseVerificationMethod(value string) (VerificationMethod, error) {
	switch m := VerificationMethod(value); m {
	case "":
		return VerifyMetaTag, nil
	case VerifyMetaTag, VerifyFile, VerifyDNS:
		return m, nil
	}
	return "", fmt.Errorf("unknown verification method %q", value)
}

type Verification struct {
	Status     VerificationStatus `json:"status"`
	Code       string             `json:"verification_code"`
	Method     VerificationMethod `json:"verification_method"`
	VerifiedAt *time.Time         `json:"verification_date,omitempty"`
}

type AuditFrequency string

const (
	FrequencyDaily   AuditFrequency = "daily"
	FrequencyWeekly  AuditFrequency = "weekly"
	FrequencyMonthly AuditFrequency = "monthly"
)

// Interval between two scheduled audits.
func (f AuditFrequency) Interval() time.Duration {
	switch f {
	case FrequencyDaily:
		return 24 * time.Hour
	case FrequencyMonthly:
		return 30 * 24 * time.Hour
	default:
		return 7 * 24 * time.Hour
	}
}

// Integer bucket of t for this frequency. Two times in the same bucket
// belong to the same scheduling period.
func (f AuditFrequency) Period(t time.Time) int64 {
	return t.Unix() / int64(f.Interval()/time.Second)
}

type Settings struct {
	AutoFix           bool           `json:"auto_fix"`
	NotificationEmail string         `json:"notification_email,omitempty"`
	AuditFrequency    AuditFrequency `json:"audit_frequency"`
}

// Credentials used by automatic fixes to reach the website's CMS.
type PlatformCredentials struct {
	// Shopify access token, Magento bearer token, or WooCommerce consumer key / WordPress username.
	Token    string `json:"-"`
	Username string `json:"-"`
	Password string `json:"-"`
	// Container / measurement / project IDs used when installing tags.
	TagManagerID string `json:"tag_manager_id,omitempty"`
	AnalyticsID  string `json:"analytics_id,omitempty"`
	ClarityID    string `json:"clarity_id,omitempty"`
}

// A website registered for auditing.
type Website struct {
	ID           string              `json:"id"`
	OwnerID      string              `json:"owner_id"`
	URL          string              `json:"url"`
	Name         string              `json:"name"`
	Platform     Platform            `json:"platform"`
	Verification Verification        `json:"authentication"`
	Settings     Settings            `json:"settings"`
	Credentials  PlatformCredentials `json:"credentials"`
	LastAudit    *AuditRecord        `json:"last_audit,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
}

// Builds the audit input for this website.
func (w Website) Target() AuditTarget {
	return AuditTarget{URL: w.URL, Name: w.Name, SiteID: w.ID}
}

// Reports whether the website is due for a scheduled audit at now.
func (w Website) DueForAudit(now time.Time) bool {
	if w.Verification.Status != VerificationVerified {
		return false
	}
	if w.LastAudit == nil {
		return true
	}
	return now.Sub(w.LastAudit.Result.Date) >= w.Settings.AuditFrequency.Interval()
}
