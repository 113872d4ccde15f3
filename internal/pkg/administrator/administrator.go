// Package administrator re-audits verified websites on their configured
// frequency: it picks due websites on every tick, queues them, and drains
// the queue with a fixed pool of rate-limited workers.
package administrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"tagaudit/internal/pkg/queue"
	"tagaudit/internal/pkg/types"
)

// Source of scheduled work. Implemented by *websites.Service.
type AuditService interface {
	Due(ctx context.Context, now time.Time) ([]types.Website, error)
	RunScheduledAudit(ctx context.Context, id string) (*types.AuditRecord, error)
}

// Remembers which (website, period) pairs were already audited.
// Implemented by *bloomfilter.RunLedger.
type Ledger interface {
	HasRun(websiteID string, period int64) bool
	CheckAndMark(websiteID string, period int64) bool
	Save() error
}

type Options struct {
	Workers       int
	QueueCapacity int
	// Time between two scans for due websites.
	Interval time.Duration
	// Audits dispatched per second across all workers. Zero means unlimited.
	Rate float64
}

type Administrator struct {
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	done    chan struct{}
	started atomic.Bool

	service AuditService
	ledger  Ledger
	jobs    *queue.Queue
	// Jobs queued or running, not yet recorded in the ledger
	inflight map[jobKey]struct{}
	mutex    sync.Mutex
	wake     chan struct{}
	limiter  *rate.Limiter
	clock    clockwork.Clock
	opts     Options
	log      *logrus.Entry
}

func NewAdministrator(service AuditService, ledger Ledger, opts Options, clock clockwork.Clock, logger *logrus.Logger) (*Administrator, error) {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	jobs, err := queue.CreateQueue(opts.QueueCapacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue: %w", err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Administrator{
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		service:  service,
		ledger:   ledger,
		jobs:     jobs,
		inflight: make(map[jobKey]struct{}),
		wake:     make(chan struct{}, opts.QueueCapacity),
		limiter:  rate.NewLimiter(limit, 1),
		clock:    clock,
		opts:     opts,
		log:      logger.WithField("component", "administrator"),
	}, nil
}

// Scans for due websites right away and then on every interval, until
// ShutDown is called.
func (a *Administrator) Run() {
	a.started.Store(true)
	defer close(a.done)
	if a.ctx.Err() != nil {
		return
	}

	a.log.WithFields(logrus.Fields{"workers": a.opts.Workers, "interval": a.opts.Interval}).Info("scheduler started")
	for i := 0; i < a.opts.Workers; i++ {
		a.wg.Add(1)
		go a.auditWorker(i)
	}

	ticker := a.clock.NewTicker(a.opts.Interval)
	defer ticker.Stop()

	a.schedule()
	for {
		select {
		case <-a.ctx.Done():
			a.wg.Wait()
			a.log.Info("scheduler stopped")
			return
		case <-ticker.Chan():
			a.schedule()
		}
	}
}

type jobKey struct {
	websiteID string
	period    int64
}

// Claims a (website, period) pair for the queue. Returns false when it is
// already audited or waiting for a worker.
func (a *Administrator) claim(key jobKey) bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if _, ok := a.inflight[key]; ok {
		return false
	}
	if a.ledger.HasRun(key.websiteID, key.period) {
		return false
	}
	a.inflight[key] = struct{}{}
	return true
}

func (a *Administrator) release(key jobKey) {
	a.mutex.Lock()
	delete(a.inflight, key)
	a.mutex.Unlock()
}

// Queues every due website not yet audited or queued in its current
// period. A full queue ends the scan; the rest is picked up on the next
// tick.
func (a *Administrator) schedule() {
	now := a.clock.Now()
	due, err := a.service.Due(a.ctx, now)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			a.log.WithError(err).Error("listing due websites failed")
		}
		return
	}

	queued := 0
	for _, website := range due {
		period := website.Settings.AuditFrequency.Period(now)
		key := jobKey{websiteID: website.ID, period: period}
		if !a.claim(key) {
			continue
		}

		job := queue.Job{
			WebsiteID:  website.ID,
			Target:     website.Target(),
			Period:     period,
			EnqueuedAt: now,
		}
		if err := a.jobs.Insert(job); err != nil {
			a.release(key)
			a.log.WithField("pending", len(due)-queued).Warn("audit queue full")
			break
		}
		queued++

		select {
		case a.wake <- struct{}{}:
		default:
		}
	}

	if queued > 0 {
		a.log.WithFields(logrus.Fields{"queued": queued, "due": len(due)}).Info("scheduled audits")
	}
}

func (a *Administrator) auditWorker(id int) {
	defer a.wg.Done()
	log := a.log.WithField("worker", id)

	for {
		job, err := a.jobs.Remove()
		if err != nil {
			// Queue is empty, wait for the next job
			select {
			case <-a.ctx.Done():
				return
			case <-a.wake:
				continue
			}
		}

		if err := a.limiter.Wait(a.ctx); err != nil {
			return
		}

		a.runJob(log, job)
	}
}

// Runs one queued audit. Only a completed audit is recorded in the
// ledger; a failed or interrupted one is picked up again on a later scan.
func (a *Administrator) runJob(log *logrus.Entry, job queue.Job) {
	key := jobKey{websiteID: job.WebsiteID, period: job.Period}
	defer a.release(key)

	entry := log.WithFields(logrus.Fields{"website_id": job.WebsiteID, "url": job.Target.URL})
	record, err := a.service.RunScheduledAudit(a.ctx, job.WebsiteID)
	if err != nil {
		entry.WithError(err).Warn("scheduled audit failed")
		return
	}
	a.ledger.CheckAndMark(job.WebsiteID, job.Period)
	entry.WithFields(logrus.Fields{
		"audit_id": record.ID,
		"status":   record.Result.Status,
		"wait":     a.clock.Since(job.EnqueuedAt),
	}).Info("scheduled audit done")
}

// Returns the number of audits waiting for a worker.
func (a *Administrator) Pending() int {
	return a.jobs.Length()
}

// Stops scanning, waits for running audits to finish and persists the
// ledger. Safe to call without Run.
func (a *Administrator) ShutDown() error {
	a.cancel()
	if a.started.Load() {
		<-a.done
	}
	return a.ledger.Save()
}
