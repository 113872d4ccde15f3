// Package auditor runs one audit end to end: fetch, parse, detect and
// aggregate under a single deadline.
package auditor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tagaudit/internal/pkg/fetcher"
	"tagaudit/internal/pkg/parser"
	"tagaudit/internal/pkg/rules"
	"tagaudit/internal/pkg/types"
	"tagaudit/internal/pkg/utils"
)

// Stage of a single audit run.
type Stage string

const (
	StagePending   Stage = "pending"
	StageFetching  Stage = "fetching"
	StageParsing   Stage = "parsing"
	StageDetecting Stage = "detecting"
	StageSuccess   Stage = "success"
	StageFailed    Stage = "failed"
)

const DefaultTimeout = 60 * time.Second

// Runs audits. Safe for concurrent use; audits share nothing.
type Runner interface {
	RunAudit(ctx context.Context, target types.AuditTarget) types.AuditResult
}

type Options struct {
	// Overall deadline for fetch, parse and detect.
	Timeout time.Duration
	// Passed to the fetcher; the overall deadline still applies.
	NavigationTimeout time.Duration
}

type Auditor struct {
	fetcher   fetcher.Fetcher
	detectors []rules.Detector
	opts      Options
	log       *logrus.Entry

	parse func(context.Context, string) (*types.DocumentModel, error)
	now   func() time.Time
	newID func() string
}

// Creates an auditor. A nil detector list means rules.DefaultDetectors.
func New(f fetcher.Fetcher, detectors []rules.Detector, opts Options, logger *logrus.Logger) *Auditor {
	if detectors == nil {
		detectors = rules.DefaultDetectors()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Auditor{
		fetcher:   f,
		detectors: detectors,
		opts:      opts,
		log:       logger.WithField("component", "auditor"),
		parse:     parser.ParseContext,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Audits a single page. Never returns an error: fetch failures and an
// expired deadline yield a failed result with no findings, while a
// broken detector only loses its own findings.
func (a *Auditor) RunAudit(ctx context.Context, target types.AuditTarget) types.AuditResult {
	log := a.log.WithFields(logrus.Fields{
		"url":     target.URL,
		"site_id": target.SiteID,
	})
	startTime := a.now()
	a.enter(log, StagePending)

	if err := utils.ValidateAuditURL(target.URL); err != nil {
		return a.fail(log, startTime, fmt.Errorf("invalid audit target: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()

	a.enter(log, StageFetching)
	content, err := a.fetcher.Fetch(ctx, target.URL, a.opts.NavigationTimeout)
	if err != nil {
		return a.fail(log, startTime, err)
	}
	if err := ctx.Err(); err != nil {
		return a.fail(log, startTime, err)
	}

	a.enter(log, StageParsing)
	doc, err := a.safeParse(ctx, log, content)
	if err != nil {
		return a.fail(log, startTime, err)
	}

	a.enter(log, StageDetecting)
	findings, err := a.detect(ctx, log, doc, target)
	if err != nil {
		return a.fail(log, startTime, err)
	}

	for i := range findings {
		findings[i].ID = a.newID()
	}

	a.enter(log, StageSuccess)
	log.WithFields(logrus.Fields{
		"findings": len(findings),
		"duration": a.now().Sub(startTime),
	}).Info("audit finished")

	return types.AuditResult{
		Date:     startTime,
		Status:   types.AuditSuccess,
		Findings: findings,
	}
}

func (a *Auditor) enter(log *logrus.Entry, stage Stage) {
	log.WithField("stage", stage).Debug("audit stage")
}

func (a *Auditor) fail(log *logrus.Entry, startTime time.Time, err error) types.AuditResult {
	entry := log.WithError(err).WithField("stage", StageFailed)
	var fetchErr *fetcher.FetchError
	if errors.As(err, &fetchErr) {
		entry = entry.WithField("reason", fetchErr.Reason)
	}
	entry.Warn("audit failed")

	return types.AuditResult{
		Date:     startTime,
		Status:   types.AuditFailed,
		Findings: []types.Finding{},
	}
}

// Parses content. Only the deadline can make this fail; a panicking
// parser degrades to an empty document.
func (a *Auditor) safeParse(ctx context.Context, log *logrus.Entry, content string) (doc *types.DocumentModel, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("parser panicked, continuing with an empty document")
			doc, err = &types.DocumentModel{Scripts: []types.ScriptElement{}}, nil
		}
	}()

	doc, err = a.parse(ctx, content)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		doc = &types.DocumentModel{Scripts: []types.ScriptElement{}}
	}
	return doc, nil
}

// Runs every detector concurrently over doc and aggregates their output.
// Detector failures are logged and skipped; only the deadline is fatal.
func (a *Auditor) detect(ctx context.Context, log *logrus.Entry, doc *types.DocumentModel, target types.AuditTarget) ([]types.Finding, error) {
	results := make([]rules.DetectorResult, len(a.detectors))
	g, gctx := errgroup.WithContext(ctx)

	for i, detector := range a.detectors {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			findings, err := runDetector(detector, doc, target)
			if err != nil {
				log.WithError(err).WithField("detector", detector.Name()).Error("detector failed, skipping its findings")
				findings = nil
			}
			results[i] = rules.DetectorResult{Detector: detector.Name(), Findings: findings}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return rules.Aggregate(results), nil
}

// Calls one detector, converting a panic into a DetectorError.
func runDetector(detector rules.Detector, doc *types.DocumentModel, target types.AuditTarget) (findings []types.Finding, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &rules.DetectorError{
				Detector: detector.Name(),
				Err:      fmt.Errorf("panic: %v\n%s", r, debug.Stack()),
			}
		}
	}()

	findings, err = detector.Detect(doc, target)
	if err != nil {
		return nil, &rules.DetectorError{Detector: detector.Name(), Err: err}
	}
	return findings, nil
}
