package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParsePlatform(t *testing.T) {
	p, err := ParsePlatform("")
	assert.NoError(t, err)
	assert.Equal(t, PlatformCustom, p)

	p, err = ParsePlatform("shopify")
	assert.NoError(t, err)
	assert.Equal(t, PlatformShopify, p)

	_, err = ParsePlatform("joomla")
	assert.Error(t, err)
}

func TestScriptElementIdentityKey(t *testing.T) {
	assert.Equal(t, "gtag('config')", ScriptElement{Content: "gtag('config')", Src: "x.js", HasSrc: true}.IdentityKey())
	assert.Equal(t, "x.js", ScriptElement{Src: "x.js", HasSrc: true}.IdentityKey())
	assert.True(t, ScriptElement{}.IsEmpty())
}

func TestDueForAudit(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	site := Website{
		Verification: Verification{Status: VerificationVerified},
		Settings:     Settings{AuditFrequency: FrequencyDaily},
	}

	// Never audited
	assert.True(t, site.DueForAudit(now))

	site.LastAudit = &AuditRecord{Result: AuditResult{Date: now.Add(-2 * time.Hour)}}
	assert.False(t, site.DueForAudit(now))

	site.LastAudit.Result.Date = now.Add(-25 * time.Hour)
	assert.True(t, site.DueForAudit(now))

	site.Verification.Status = VerificationPending
	assert.False(t, site.DueForAudit(now))
}

func TestAuditFrequencyDefaultsToWeekly(t *testing.T) {
	assert.Equal(t, 7*24*time.Hour, AuditFrequency("").Interval())
	assert.Equal(t, 30*24*time.Hour, FrequencyMonthly.Interval())
}
