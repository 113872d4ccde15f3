package administrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	bloomfilter "tagaudit/internal/pkg/filter"
	"tagaudit/internal/pkg/logging"
	"tagaudit/internal/pkg/types"
)

type fakeService struct {
	mutex   sync.Mutex
	due     []types.Website
	dueErr  error
	runErr  error
	audited []string
	ran     chan string
	// Holds every audit until its context is cancelled
	block bool
}

func (f *fakeService) Due(_ context.Context, _ time.Time) ([]types.Website, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.due, f.dueErr
}

func (f *fakeService) RunScheduledAudit(ctx context.Context, id string) (*types.AuditRecord, error) {
	f.mutex.Lock()
	f.audited = append(f.audited, id)
	err := f.runErr
	f.mutex.Unlock()

	if f.ran != nil {
		f.ran <- id
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return &types.AuditRecord{ID: "audit-" + id, WebsiteID: id, Result: types.AuditResult{Status: types.AuditSuccess}}, nil
}

var startTime = time.Date(2024, 8, 1, 9, 30, 0, 0, time.UTC)

func site(id string, frequency types.AuditFrequency) types.Website {
	return types.Website{
		ID:       id,
		URL:      "https://" + id + ".example.com",
		Settings: types.Settings{AuditFrequency: frequency},
	}
}

func newTestAdministrator(t *testing.T, service *fakeService, capacity int, clock clockwork.Clock) *Administrator {
	t.Helper()
	ledger, err := bloomfilter.NewRunLedger("", 1, 1000, 0.001, logging.Discard())
	if err != nil {
		t.Fatalf("Failed to create ledger: %v", err)
	}
	admin, err := NewAdministrator(service, ledger, Options{Workers: 2, QueueCapacity: capacity, Interval: time.Hour}, clock, logging.Discard())
	if err != nil {
		t.Fatalf("Failed to create administrator: %v", err)
	}
	return admin
}

func TestScheduleOncePerPeriod(t *testing.T) {
	clock := clockwork.NewFakeClockAt(startTime)
	service := &fakeService{due: []types.Website{site("a", types.FrequencyDaily), site("b", types.FrequencyWeekly)}}
	admin := newTestAdministrator(t, service, 10, clock)

	admin.schedule()
	if admin.Pending() != 2 {
		t.Fatalf("Expected 2 queued audits, got %d", admin.Pending())
	}

	// Same period: nothing new
	clock.Advance(time.Hour)
	admin.schedule()
	if admin.Pending() != 2 {
		t.Fatalf("Expected 2 queued audits after rescan, got %d", admin.Pending())
	}

	// Next day: only the daily site starts a new period
	clock.Advance(24 * time.Hour)
	admin.schedule()
	if admin.Pending() != 3 {
		t.Fatalf("Expected 3 queued audits after a day, got %d", admin.Pending())
	}

	job, err := admin.jobs.Remove()
	if err != nil {
		t.Fatalf("Failed to remove job: %v", err)
	}
	if job.WebsiteID != "a" || job.Target.URL != "https://a.example.com" {
		t.Errorf("Unexpected first job %+v", job)
	}
}

func TestScheduleQueueFull(t *testing.T) {
	clock := clockwork.NewFakeClockAt(startTime)
	service := &fakeService{due: []types.Website{site("a", types.FrequencyWeekly), site("b", types.FrequencyWeekly)}}
	admin := newTestAdministrator(t, service, 1, clock)

	admin.schedule()
	if admin.Pending() != 1 {
		t.Fatalf("Expected 1 queued audit, got %d", admin.Pending())
	}

	if _, err := admin.jobs.Remove(); err != nil {
		t.Fatalf("Failed to remove job: %v", err)
	}

	// The site that did not fit was not marked and gets queued now
	admin.schedule()
	job, err := admin.jobs.Remove()
	if err != nil {
		t.Fatalf("Expected the skipped site to be queued: %v", err)
	}
	if job.WebsiteID != "b" {
		t.Errorf("Expected website b, got %s", job.WebsiteID)
	}
}

func TestScheduleDueError(t *testing.T) {
	service := &fakeService{dueErr: errors.New("database is locked")}
	admin := newTestAdministrator(t, service, 10, clockwork.NewFakeClockAt(startTime))

	admin.schedule()
	if admin.Pending() != 0 {
		t.Errorf("Expected empty queue, got %d", admin.Pending())
	}
}

func TestAdministratorRun(t *testing.T) {
	clock := clockwork.NewFakeClockAt(startTime)
	service := &fakeService{
		due: []types.Website{site("a", types.FrequencyDaily)},
		ran: make(chan string, 10),
	}
	ledgerPath := filepath.Join(t.TempDir(), "ledger.bloom")
	ledger, err := bloomfilter.NewRunLedger(ledgerPath, 100, 1000, 0.001, logging.Discard())
	if err != nil {
		t.Fatalf("Failed to create ledger: %v", err)
	}
	admin, err := NewAdministrator(service, ledger, Options{Workers: 2, QueueCapacity: 10, Interval: time.Hour}, clock, logging.Discard())
	if err != nil {
		t.Fatalf("Failed to create administrator: %v", err)
	}

	go admin.Run()

	waitForAudit(t, service.ran, "a")

	// Next day the ticker fires and the site is due again
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("Ticker never started: %v", err)
	}
	clock.Advance(24 * time.Hour)
	waitForAudit(t, service.ran, "a")

	if err := admin.ShutDown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if _, err := os.Stat(ledgerPath); err != nil {
		t.Fatalf("Expected ledger to be saved on shutdown: %v", err)
	}

	reloaded, err := bloomfilter.NewRunLedger(ledgerPath, 100, 1000, 0.001, logging.Discard())
	if err != nil {
		t.Fatalf("Failed to reload ledger: %v", err)
	}
	for _, day := range []time.Time{startTime, startTime.Add(24 * time.Hour)} {
		if !reloaded.HasRun("a", types.FrequencyDaily.Period(day)) {
			t.Errorf("Expected the audit of %s to be recorded", day.Format(time.DateOnly))
		}
	}
}

func TestInterruptedAuditsAreNotRecorded(t *testing.T) {
	clock := clockwork.NewFakeClockAt(startTime)
	service := &fakeService{
		due:   []types.Website{site("a", types.FrequencyMonthly), site("b", types.FrequencyMonthly), site("c", types.FrequencyMonthly)},
		ran:   make(chan string, 10),
		block: true,
	}
	ledgerPath := filepath.Join(t.TempDir(), "ledger.bloom")
	ledger, err := bloomfilter.NewRunLedger(ledgerPath, 1, 1000, 0.001, logging.Discard())
	if err != nil {
		t.Fatalf("Failed to create ledger: %v", err)
	}
	admin, err := NewAdministrator(service, ledger, Options{Workers: 1, QueueCapacity: 10, Interval: time.Hour}, clock, logging.Discard())
	if err != nil {
		t.Fatalf("Failed to create administrator: %v", err)
	}

	go admin.Run()
	waitForAudit(t, service.ran, "a")

	// Stop while a is running and b and c are still queued
	if err := admin.ShutDown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	reloaded, err := bloomfilter.NewRunLedger(ledgerPath, 1, 1000, 0.001, logging.Discard())
	if err != nil {
		t.Fatalf("Failed to reload ledger: %v", err)
	}
	period := types.FrequencyMonthly.Period(startTime)
	for _, id := range []string{"a", "b", "c"} {
		if reloaded.HasRun(id, period) {
			t.Errorf("Expected %s to be audited again after restart", id)
		}
	}
}

func TestFailedAuditIsRetriedNextScan(t *testing.T) {
	clock := clockwork.NewFakeClockAt(startTime)
	service := &fakeService{
		due:    []types.Website{site("a", types.FrequencyWeekly)},
		runErr: errors.New("database is locked"),
	}
	admin := newTestAdministrator(t, service, 10, clock)

	admin.schedule()
	job, err := admin.jobs.Remove()
	if err != nil {
		t.Fatalf("Failed to remove job: %v", err)
	}

	// Queued but not finished: a rescan must not queue it twice
	admin.schedule()
	if admin.Pending() != 0 {
		t.Fatalf("Expected no duplicate while the audit is pending, got %d", admin.Pending())
	}

	admin.runJob(admin.log, job)
	if admin.ledger.HasRun("a", job.Period) {
		t.Fatalf("Expected a failed audit to stay unrecorded")
	}

	admin.schedule()
	if admin.Pending() != 1 {
		t.Fatalf("Expected the failed audit to be queued again, got %d", admin.Pending())
	}

	service.runErr = nil
	job, err = admin.jobs.Remove()
	if err != nil {
		t.Fatalf("Failed to remove job: %v", err)
	}
	admin.runJob(admin.log, job)
	if !admin.ledger.HasRun("a", job.Period) {
		t.Fatalf("Expected a completed audit to be recorded")
	}

	admin.schedule()
	if admin.Pending() != 0 {
		t.Errorf("Expected no new audit in the same period, got %d", admin.Pending())
	}
}

func TestAuditFailureKeepsWorkerAlive(t *testing.T) {
	clock := clockwork.NewFakeClockAt(startTime)
	service := &fakeService{
		due:    []types.Website{site("a", types.FrequencyDaily), site("b", types.FrequencyDaily)},
		runErr: errors.New("website must be verified"),
		ran:    make(chan string, 10),
	}
	admin := newTestAdministrator(t, service, 10, clock)
	admin.opts.Workers = 1

	go admin.Run()
	waitForAudit(t, service.ran, "a")
	waitForAudit(t, service.ran, "b")

	if err := admin.ShutDown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}

func TestShutDownWithoutRun(t *testing.T) {
	admin := newTestAdministrator(t, &fakeService{}, 10, nil)
	if err := admin.ShutDown(); err != nil {
		t.Errorf("Expected clean shutdown, got %v", err)
	}
}

func waitForAudit(t *testing.T, ran <-chan string, want string) {
	t.Helper()
	select {
	case id := <-ran:
		if id != want {
			t.Fatalf("Expected audit of %s, got %s", want, id)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Timed out waiting for audit of %s", want)
	}
}
