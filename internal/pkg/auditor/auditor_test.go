package auditor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tagaudit/internal/pkg/fetcher"
	"tagaudit/internal/pkg/rules"
	"tagaudit/internal/pkg/types"
)

const cleanPage = `<html><head><script src="https://www.googletagmanager.com/gtm.js?id=X"></script><script>gtag('config')</script><script>clarity('init')</script></head></html>`

var target = types.AuditTarget{URL: "https://shop.example.com", Name: "Shop", SiteID: "site-1"}

type fakeFetcher struct {
	content string
	err     error
	block   bool
	calls   int32
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string, timeout time.Duration) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.block {
		<-ctx.Done()
		return "", &fetcher.FetchError{Reason: fetcher.ReasonTimeout, URL: url, Err: ctx.Err()}
	}
	return f.content, f.err
}

type stubDetector struct {
	name     string
	findings []types.Finding
	err      error
	panics   bool
	delay    time.Duration
}

func (d stubDetector) Name() string { return d.name }

func (d stubDetector) Detect(doc *types.DocumentModel, target types.AuditTarget) ([]types.Finding, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	if d.panics {
		panic("boom")
	}
	return d.findings, d.err
}

func newTestAuditor(f fetcher.Fetcher, detectors []rules.Detector, timeout time.Duration) (*Auditor, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return New(f, detectors, Options{Timeout: timeout}, logger), hook
}

func TestRunAuditCleanPage(t *testing.T) {
	a, _ := newTestAuditor(&fakeFetcher{content: cleanPage}, nil, time.Second)
	result := a.RunAudit(context.Background(), target)

	assert.Equal(t, types.AuditSuccess, result.Status)
	assert.NotNil(t, result.Findings)
	assert.Empty(t, result.Findings)
	assert.False(t, result.Date.IsZero())
}

func TestRunAuditMissingEverything(t *testing.T) {
	a, _ := newTestAuditor(&fakeFetcher{content: `<html><head></head><body></body></html>`}, nil, time.Second)
	result := a.RunAudit(context.Background(), target)

	require.Equal(t, types.AuditSuccess, result.Status)
	require.Len(t, result.Findings, 3)

	ids := map[string]bool{}
	for _, f := range result.Findings {
		assert.Equal(t, types.MissingTag, f.Kind)
		assert.Equal(t, target.URL, f.Page)
		assert.NotEmpty(t, f.ID)
		ids[f.ID] = true
	}
	assert.Len(t, ids, 3, "finding IDs must be unique")
	assert.Equal(t, types.FamilyTagManager, result.Findings[0].Family)
	assert.Equal(t, types.FamilyAnalytics, result.Findings[1].Family)
	assert.Equal(t, types.FamilySessionRecording, result.Findings[2].Family)
}

func TestRunAuditFetchFailure(t *testing.T) {
	fetchErr := &fetcher.FetchError{Reason: fetcher.ReasonDNS, URL: target.URL, Err: errors.New("no such host")}
	a, hook := newTestAuditor(&fakeFetcher{err: fetchErr}, nil, time.Second)
	result := a.RunAudit(context.Background(), target)

	assert.Equal(t, types.AuditFailed, result.Status)
	assert.NotNil(t, result.Findings)
	assert.Empty(t, result.Findings)

	last := hook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, logrus.WarnLevel, last.Level)
	assert.Equal(t, fetcher.ReasonDNS, last.Data["reason"])
}

func TestRunAuditFetchTimeout(t *testing.T) {
	a, _ := newTestAuditor(&fakeFetcher{block: true}, nil, 50*time.Millisecond)

	start := time.Now()
	result := a.RunAudit(context.Background(), target)

	assert.Equal(t, types.AuditFailed, result.Status)
	assert.Empty(t, result.Findings)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRunAuditInvalidURL(t *testing.T) {
	for _, url := range []string{"", "not a url", "ftp://example.com", "/relative"} {
		f := &fakeFetcher{content: cleanPage}
		a, _ := newTestAuditor(f, nil, time.Second)
		result := a.RunAudit(context.Background(), types.AuditTarget{URL: url})

		assert.Equal(t, types.AuditFailed, result.Status, url)
		assert.Zero(t, atomic.LoadInt32(&f.calls), "fetcher must not be called for %q", url)
	}
}

func TestRunAuditDetectorPanicIsIsolated(t *testing.T) {
	detectors := []rules.Detector{
		stubDetector{name: "second", findings: []types.Finding{{Description: "kept"}}},
		stubDetector{name: "broken", panics: true},
		stubDetector{name: "failing", err: errors.New("bad input")},
	}
	a, hook := newTestAuditor(&fakeFetcher{content: cleanPage}, detectors, time.Second)
	result := a.RunAudit(context.Background(), target)

	assert.Equal(t, types.AuditSuccess, result.Status)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, "kept", result.Findings[0].Description)

	failed := map[string]bool{}
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.ErrorLevel {
			failed[fmt.Sprint(entry.Data["detector"])] = true
		}
	}
	assert.Equal(t, map[string]bool{"broken": true, "failing": true}, failed)
}

func TestRunAuditOrderIndependentOfCompletion(t *testing.T) {
	var detectors []rules.Detector
	for i, name := range rules.Order {
		detectors = append(detectors, stubDetector{
			name:     name,
			findings: []types.Finding{{Description: name}},
			delay:    time.Duration(len(rules.Order)-i) * 10 * time.Millisecond,
		})
	}
	a, _ := newTestAuditor(&fakeFetcher{content: cleanPage}, detectors, time.Second)
	result := a.RunAudit(context.Background(), target)

	require.Len(t, result.Findings, len(rules.Order))
	for i, name := range rules.Order {
		assert.Equal(t, name, result.Findings[i].Description)
	}
}

func TestRunAuditDetectorDeadline(t *testing.T) {
	detectors := []rules.Detector{stubDetector{name: "slow", delay: 500 * time.Millisecond}}
	a, _ := newTestAuditor(&fakeFetcher{content: cleanPage}, detectors, 50*time.Millisecond)

	result := a.RunAudit(context.Background(), target)
	assert.Equal(t, types.AuditFailed, result.Status)
	assert.Empty(t, result.Findings)
}

func TestRunAuditParserPanicYieldsEmptyDocument(t *testing.T) {
	a, _ := newTestAuditor(&fakeFetcher{content: cleanPage}, nil, time.Second)
	a.parse = func(context.Context, string) (*types.DocumentModel, error) {
		panic("parser bug")
	}

	result := a.RunAudit(context.Background(), target)
	assert.Equal(t, types.AuditSuccess, result.Status)
	assert.Len(t, result.Findings, 3)
}

func TestRunAuditLogsStages(t *testing.T) {
	a, hook := newTestAuditor(&fakeFetcher{content: cleanPage}, nil, time.Second)
	a.RunAudit(context.Background(), target)

	var stages []Stage
	for _, entry := range hook.AllEntries() {
		if stage, ok := entry.Data["stage"].(Stage); ok {
			stages = append(stages, stage)
		}
	}
	assert.Equal(t, []Stage{StagePending, StageFetching, StageParsing, StageDetecting, StageSuccess}, stages)
}

func TestRunAuditIsRepeatable(t *testing.T) {
	content := `<html><head><script>gtag('a')</script><script>gtag('a')</script></head><body><script src="https://www.clarity.ms/tag/x"></script></body></html>`
	a, _ := newTestAuditor(&fakeFetcher{content: content}, nil, time.Second)

	first := a.RunAudit(context.Background(), target)
	second := a.RunAudit(context.Background(), target)

	strip := func(findings []types.Finding) []types.Finding {
		out := make([]types.Finding, len(findings))
		for i, f := range findings {
			f.ID = ""
			out[i] = f
		}
		return out
	}
	assert.Equal(t, strip(first.Findings), strip(second.Findings))
}
