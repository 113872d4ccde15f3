// Package fixes records remediation of audit findings and, for automatic
// fixes, installs the missing tag through the website's CMS.
package fixes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"tagaudit/internal/pkg/cms"
	"tagaudit/internal/pkg/types"
)

var (
	ErrInvalidMethod  = errors.New("fix method must be manual or automatic")
	ErrUnknownFinding = errors.New("finding not part of this audit")
	ErrNoFindings     = errors.New("no findings selected")
)

// Resolves the installer for a platform, usually cms.ForPlatform.
type InstallerFor func(types.Platform) (cms.Installer, error)

type Applier struct {
	installerFor InstallerFor
	now          func() time.Time
	log          *logrus.Entry
}

func NewApplier(installerFor InstallerFor, logger *logrus.Logger) *Applier {
	return &Applier{
		installerFor: installerFor,
		now:          time.Now,
		log:          logger.WithField("component", "fixes"),
	}
}

// Reports whether a finding can be fixed without a human: only missing
// tags of a known family can be installed.
func AutoFixable(f types.Finding) bool {
	return f.Kind == types.MissingTag && f.Family != types.FamilyNone
}

// Applies method to the findings whose IDs are listed and returns the
// updated copy of findings. Manual fixes are recorded as applied.
// Automatic fixes install the tag and end up applied or failed. The
// input slice is left untouched.
func (a *Applier) Apply(ctx context.Context, site types.Website, findings []types.Finding, ids []string, method types.FixMethod) ([]types.Finding, error) {
	if !method.Valid() {
		return nil, ErrInvalidMethod
	}
	if len(ids) == 0 {
		return nil, ErrNoFindings
	}

	index := make(map[string]int, len(findings))
	for i, f := range findings {
		index[f.ID] = i
	}
	for _, id := range ids {
		if _, ok := index[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownFinding, id)
		}
	}

	updated := make([]types.Finding, len(findings))
	copy(updated, findings)

	log := a.log.WithFields(logrus.Fields{"website_id": site.ID, "method": method})
	for _, id := range ids {
		i := index[id]
		finding := updated[i]

		var fixErr error
		if method == types.FixAutomatic {
			fixErr = a.install(ctx, site, finding)
		}

		finding.Fix = a.record(method, fixErr)
		updated[i] = finding

		entry := log.WithField("finding_id", id)
		if fixErr != nil {
			entry.WithError(fixErr).Warn("fix failed")
		} else {
			entry.Info("fix applied")
		}
	}
	return updated, nil
}

func (a *Applier) install(ctx context.Context, site types.Website, finding types.Finding) error {
	if !AutoFixable(finding) {
		return fmt.Errorf("%s findings need a manual fix: %w", finding.Kind, cms.ErrUnsupported)
	}
	script, err := cms.ScriptFor(finding.Family, site.Credentials)
	if err != nil {
		return err
	}
	installer, err := a.installerFor(site.Platform)
	if err != nil {
		return err
	}
	return installer.Install(ctx, site, script)
}

// Removes a script previously installed on the website's platform.
func (a *Applier) Remove(ctx context.Context, site types.Website, scriptID string) error {
	installer, err := a.installerFor(site.Platform)
	if err != nil {
		return err
	}
	log := a.log.WithFields(logrus.Fields{"website_id": site.ID, "script_id": scriptID})
	if err := installer.Uninstall(ctx, site, scriptID); err != nil {
		log.WithError(err).Warn("script removal failed")
		return err
	}
	log.Info("script removed")
	return nil
}

func (a *Applier) record(method types.FixMethod, err error) types.Fix {
	if err != nil {
		return types.Fix{Status: types.FixFailed, Method: method}
	}
	applied := a.now().UTC()
	return types.Fix{Status: types.FixApplied, Method: method, AppliedDate: &applied}
}
