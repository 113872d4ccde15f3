// Package websites manages registered websites: registration, ownership
// verification, audit runs with history, and fixes.
package websites

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tagaudit/internal/pkg/auditor"
	"tagaudit/internal/pkg/fixes"
	"tagaudit/internal/pkg/types"
	"tagaudit/internal/pkg/utils"
	"tagaudit/internal/pkg/verify"
)

var (
	ErrNotVerified = errors.New("website must be verified before auditing")
	ErrInvalid     = errors.New("invalid website")
)

// Persistence used by the service. Implemented by *store.Store.
type Store interface {
	CreateWebsite(ctx context.Context, w *types.Website) error
	UpdateWebsite(ctx context.Context, w *types.Website) error
	DeleteWebsite(ctx context.Context, id string) error
	GetWebsite(ctx context.Context, id string) (*types.Website, error)
	ListWebsites(ctx context.Context) ([]types.Website, error)
	SaveAudit(ctx context.Context, record *types.AuditRecord) error
	GetAudit(ctx context.Context, websiteID, auditID string) (*types.AuditRecord, error)
	ListAudits(ctx context.Context, websiteID string, limit int) ([]types.AuditRecord, error)
	UpdateAuditFindings(ctx context.Context, record *types.AuditRecord) error
}

// Ownership check. Implemented by *verify.Verifier.
type Verifier interface {
	Verify(ctx context.Context, siteURL string, method types.VerificationMethod, code string) error
}

type Service struct {
	store    Store
	verifier Verifier
	auditor  auditor.Runner
	fixes    *fixes.Applier
	log      *logrus.Entry
	now      func() time.Time
	newID    func() string
}

func NewService(store Store, verifier Verifier, runner auditor.Runner, applier *fixes.Applier, logger *logrus.Logger) *Service {
	return &Service{
		store:    store,
		verifier: verifier,
		auditor:  runner,
		fixes:    applier,
		log:      logger.WithField("component", "websites"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

type RegisterRequest struct {
	OwnerID     string
	URL         string
	Name        string
	Platform    string
	Settings    *types.Settings
	Credentials types.PlatformCredentials
}

// Registers a website and issues its verification code.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*types.Website, error) {
	normalized, err := utils.NormalizeURL(req.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: url: %v", ErrInvalid, err)
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalid)
	}
	platform, err := types.ParsePlatform(req.Platform)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	code, err := verify.GenerateCode()
	if err != nil {
		return nil, err
	}

	var settings types.Settings
	if req.Settings != nil {
		settings = *req.Settings
	}
	if err := normalizeSettings(&settings); err != nil {
		return nil, err
	}

	website := &types.Website{
		ID:       s.newID(),
		OwnerID:  req.OwnerID,
		URL:      normalized,
		Name:     name,
		Platform: platform,
		Verification: types.Verification{
			Status: types.VerificationPending,
			Code:   code,
			Method: types.VerifyMetaTag,
		},
		Settings:    settings,
		Credentials: req.Credentials,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.CreateWebsite(ctx, website); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"website_id": website.ID, "url": website.URL}).Info("website registered")
	return website, nil
}

func (s *Service) Get(ctx context.Context, id string) (*types.Website, error) {
	return s.store.GetWebsite(ctx, id)
}

// Lists websites, optionally only those of one owner.
func (s *Service) List(ctx context.Context, ownerID string) ([]types.Website, error) {
	all, err := s.store.ListWebsites(ctx)
	if err != nil {
		return nil, err
	}
	if ownerID == "" {
		return all, nil
	}
	owned := []types.Website{}
	for _, w := range all {
		if w.OwnerID == ownerID {
			owned = append(owned, w)
		}
	}
	return owned, nil
}

// Partial settings change. Nil fields keep their stored value.
type SettingsUpdate struct {
	AutoFix           *bool                 `json:"auto_fix"`
	NotificationEmail *string               `json:"notification_email"`
	AuditFrequency    *types.AuditFrequency `json:"audit_frequency"`
}

// Merges update into a website's settings and, when given, replaces its
// platform credentials. An empty notification email clears it.
func (s *Service) UpdateSettings(ctx context.Context, id string, update SettingsUpdate, creds *types.PlatformCredentials) (*types.Website, error) {
	website, err := s.store.GetWebsite(ctx, id)
	if err != nil {
		return nil, err
	}

	settings := website.Settings
	if update.AutoFix != nil {
		settings.AutoFix = *update.AutoFix
	}
	if update.NotificationEmail != nil {
		settings.NotificationEmail = *update.NotificationEmail
	}
	if update.AuditFrequency != nil {
		settings.AuditFrequency = *update.AuditFrequency
	}
	if err := normalizeSettings(&settings); err != nil {
		return nil, err
	}

	website.Settings = settings
	if creds != nil {
		website.Credentials = *creds
	}
	if err := s.store.UpdateWebsite(ctx, website); err != nil {
		return nil, err
	}
	return website, nil
}

// Defaults the audit frequency and checks the notification email.
func normalizeSettings(settings *types.Settings) error {
	switch settings.AuditFrequency {
	case "":
		settings.AuditFrequency = types.FrequencyWeekly
	case types.FrequencyDaily, types.FrequencyWeekly, types.FrequencyMonthly:
	default:
		return fmt.Errorf("%w: unknown audit frequency %q", ErrInvalid, settings.AuditFrequency)
	}

	email := strings.TrimSpace(settings.NotificationEmail)
	if email == "" {
		settings.NotificationEmail = ""
		return nil
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return fmt.Errorf("%w: notification email %q: %v", ErrInvalid, email, err)
	}
	settings.NotificationEmail = addr.Address
	return nil
}

// Deletes a website and its audit history.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteWebsite(ctx, id); err != nil {
		return err
	}
	s.log.WithField("website_id", id).Info("website deleted")
	return nil
}

// Removes a script from the website's platform, typically one installed
// by an automatic fix.
func (s *Service) RemoveScript(ctx context.Context, websiteID, scriptID string) error {
	website, err := s.store.GetWebsite(ctx, websiteID)
	if err != nil {
		return err
	}
	return s.fixes.Remove(ctx, *website, scriptID)
}

// Checks ownership with the given method and records the outcome. A
// failed check is stored and returned as an error wrapping
// verify.ErrNotVerified; the website is returned in both cases.
func (s *Service) Verify(ctx context.Context, id string, method types.VerificationMethod) (*types.Website, error) {
	website, err := s.store.GetWebsite(ctx, id)
	if err != nil {
		return nil, err
	}

	website.Verification.Method = method
	verifyErr := s.verifier.Verify(ctx, website.URL, method, website.Verification.Code)
	if verifyErr != nil && !errors.Is(verifyErr, verify.ErrNotVerified) {
		// Site unreachable: leave the stored state alone
		return website, verifyErr
	}

	if verifyErr == nil {
		verifiedAt := s.now().UTC()
		website.Verification.Status = types.VerificationVerified
		website.Verification.VerifiedAt = &verifiedAt
	} else if website.Verification.Status != types.VerificationVerified {
		website.Verification.Status = types.VerificationFailed
	}

	if err := s.store.UpdateWebsite(ctx, website); err != nil {
		return nil, err
	}
	return website, verifyErr
}

// Audits a verified website and stores the result as its last audit and
// in its history. Websites with auto-fix enabled get missing tags
// installed right away.
func (s *Service) RunAudit(ctx context.Context, id string) (*types.AuditRecord, error) {
	website, err := s.store.GetWebsite(ctx, id)
	if err != nil {
		return nil, err
	}
	if website.Verification.Status != types.VerificationVerified {
		return nil, ErrNotVerified
	}
	return s.audit(ctx, website)
}

func (s *Service) audit(ctx context.Context, website *types.Website) (*types.AuditRecord, error) {
	result := s.auditor.RunAudit(ctx, website.Target())
	record := &types.AuditRecord{
		ID:        s.newID(),
		WebsiteID: website.ID,
		Result:    result,
	}

	if website.Settings.AutoFix && result.Status == types.AuditSuccess {
		s.autoFix(ctx, website, record)
	}

	if err := s.store.SaveAudit(ctx, record); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"website_id": website.ID,
		"audit_id":   record.ID,
		"status":     result.Status,
		"findings":   len(result.Findings),
	}).Info("audit stored")
	return record, nil
}

func (s *Service) autoFix(ctx context.Context, website *types.Website, record *types.AuditRecord) {
	var ids []string
	for _, f := range record.Result.Findings {
		if fixes.AutoFixable(f) {
			ids = append(ids, f.ID)
		}
	}
	if len(ids) == 0 {
		return
	}
	updated, err := s.fixes.Apply(ctx, *website, record.Result.Findings, ids, types.FixAutomatic)
	if err != nil {
		s.log.WithError(err).WithField("website_id", website.ID).Warn("auto-fix skipped")
		return
	}
	record.Result.Findings = updated
}

// Last audit and full history of a website, newest first.
type History struct {
	LastAudit *types.AuditRecord  `json:"last_audit"`
	Audits    []types.AuditRecord `json:"audits"`
}

func (s *Service) History(ctx context.Context, id string, limit int) (*History, error) {
	website, err := s.store.GetWebsite(ctx, id)
	if err != nil {
		return nil, err
	}
	audits, err := s.store.ListAudits(ctx, id, limit)
	if err != nil {
		return nil, err
	}
	return &History{LastAudit: website.LastAudit, Audits: audits}, nil
}

func (s *Service) GetAudit(ctx context.Context, websiteID, auditID string) (*types.AuditRecord, error) {
	return s.store.GetAudit(ctx, websiteID, auditID)
}

// Applies a fix method to findings of a stored audit.
func (s *Service) ApplyFixes(ctx context.Context, websiteID, auditID string, findingIDs []string, method types.FixMethod) (*types.AuditRecord, error) {
	website, err := s.store.GetWebsite(ctx, websiteID)
	if err != nil {
		return nil, err
	}
	record, err := s.store.GetAudit(ctx, websiteID, auditID)
	if err != nil {
		return nil, err
	}

	updated, err := s.fixes.Apply(ctx, *website, record.Result.Findings, findingIDs, method)
	if err != nil {
		return nil, err
	}
	record.Result.Findings = updated
	if err := s.store.UpdateAuditFindings(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// Lists verified websites whose audit frequency makes them due at now.
func (s *Service) Due(ctx context.Context, now time.Time) ([]types.Website, error) {
	all, err := s.store.ListWebsites(ctx)
	if err != nil {
		return nil, err
	}
	due := []types.Website{}
	for _, w := range all {
		if w.DueForAudit(now) {
			due = append(due, w)
		}
	}
	return due, nil
}

// Audits a website picked by the scheduler. Unlike RunAudit it does not
// re-check verification, which Due already did.
func (s *Service) RunScheduledAudit(ctx context.Context, id string) (*types.AuditRecord, error) {
	website, err := s.store.GetWebsite(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.audit(ctx, website)
}
