package fixes

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tagaudit/internal/pkg/cms"
	"tagaudit/internal/pkg/logging"
	"tagaudit/internal/pkg/types"
)

type fakeInstaller struct {
	installed []cms.Script
	removed   []string
	err       error
}

func (f *fakeInstaller) Install(_ context.Context, _ types.Website, script cms.Script) error {
	if f.err != nil {
		return f.err
	}
	f.installed = append(f.installed, script)
	return nil
}

func (f *fakeInstaller) Uninstall(_ context.Context, _ types.Website, scriptID string) error {
	if f.err != nil {
		return f.err
	}
	f.removed = append(f.removed, scriptID)
	return nil
}

var fixedNow = time.Date(2024, 8, 1, 9, 30, 0, 0, time.UTC)

func newTestApplier(installer cms.Installer) *Applier {
	a := NewApplier(func(types.Platform) (cms.Installer, error) { return installer, nil }, logging.Discard())
	a.now = func() time.Time { return fixedNow }
	return a
}

func pending(id string, kind types.IssueKind, family types.TagFamily) types.Finding {
	return types.Finding{
		ID:     id,
		Kind:   kind,
		Family: family,
		Fix:    types.Fix{Status: types.FixPending, Method: types.FixManual},
	}
}

var site = types.Website{
	ID:          "w1",
	URL:         "https://shop.example.com",
	Platform:    types.PlatformShopify,
	Credentials: types.PlatformCredentials{Token: "t", TagManagerID: "GTM-X"},
}

func TestApplyManual(t *testing.T) {
	findings := []types.Finding{
		pending("f1", types.MissingTag, types.FamilyTagManager),
		pending("f2", types.DuplicateTag, types.FamilyNone),
		pending("f3", types.MisconfiguredTag, types.FamilyAnalytics),
	}

	updated, err := newTestApplier(&fakeInstaller{}).Apply(context.Background(), site, findings, []string{"f1", "f3"}, types.FixManual)
	require.NoError(t, err)

	assert.Equal(t, types.FixApplied, updated[0].Fix.Status)
	assert.Equal(t, types.FixManual, updated[0].Fix.Method)
	assert.Equal(t, fixedNow, *updated[0].Fix.AppliedDate)
	assert.Equal(t, types.FixPending, updated[1].Fix.Status)
	assert.Equal(t, types.FixApplied, updated[2].Fix.Status)

	assert.Equal(t, types.FixPending, findings[0].Fix.Status, "input must not be modified")
}

func TestApplyAutomaticInstallsMissingTag(t *testing.T) {
	installer := &fakeInstaller{}
	findings := []types.Finding{
		pending("f1", types.MissingTag, types.FamilyTagManager),
		pending("f2", types.DuplicateTag, types.FamilyNone),
	}

	updated, err := newTestApplier(installer).Apply(context.Background(), site, findings, []string{"f1", "f2"}, types.FixAutomatic)
	require.NoError(t, err)

	require.Len(t, installer.installed, 1)
	assert.Equal(t, "https://www.googletagmanager.com/gtm.js?id=GTM-X", installer.installed[0].Src)

	assert.Equal(t, types.FixApplied, updated[0].Fix.Status)
	assert.Equal(t, types.FixAutomatic, updated[0].Fix.Method)
	assert.Equal(t, types.FixFailed, updated[1].Fix.Status, "duplicates cannot be fixed automatically")
	assert.Nil(t, updated[1].Fix.AppliedDate)
}

func TestApplyAutomaticInstallFailure(t *testing.T) {
	installer := &fakeInstaller{err: errors.New("shopify down")}
	findings := []types.Finding{pending("f1", types.MissingTag, types.FamilyTagManager)}

	updated, err := newTestApplier(installer).Apply(context.Background(), site, findings, []string{"f1"}, types.FixAutomatic)
	require.NoError(t, err)
	assert.Equal(t, types.FixFailed, updated[0].Fix.Status)
}

func TestApplyAutomaticMissingTagID(t *testing.T) {
	installer := &fakeInstaller{}
	findings := []types.Finding{pending("f1", types.MissingTag, types.FamilySessionRecording)}

	updated, err := newTestApplier(installer).Apply(context.Background(), site, findings, []string{"f1"}, types.FixAutomatic)
	require.NoError(t, err)
	assert.Equal(t, types.FixFailed, updated[0].Fix.Status)
	assert.Empty(t, installer.installed)
}

func TestApplyValidation(t *testing.T) {
	a := newTestApplier(&fakeInstaller{})
	findings := []types.Finding{pending("f1", types.MissingTag, types.FamilyTagManager)}

	_, err := a.Apply(context.Background(), site, findings, []string{"f1"}, "magic")
	assert.ErrorIs(t, err, ErrInvalidMethod)

	_, err = a.Apply(context.Background(), site, findings, nil, types.FixManual)
	assert.ErrorIs(t, err, ErrNoFindings)

	_, err = a.Apply(context.Background(), site, findings, []string{"f1", "nope"}, types.FixManual)
	assert.ErrorIs(t, err, ErrUnknownFinding)
}

func TestAutoFixable(t *testing.T) {
	assert.True(t, AutoFixable(pending("a", types.MissingTag, types.FamilyAnalytics)))
	assert.False(t, AutoFixable(pending("b", types.MissingTag, types.FamilyNone)))
	assert.False(t, AutoFixable(pending("c", types.DuplicateTag, types.FamilyAnalytics)))
	assert.False(t, AutoFixable(pending("d", types.MisconfiguredTag, types.FamilyTagManager)))
}

func TestRemove(t *testing.T) {
	installer := &fakeInstaller{}
	require.NoError(t, newTestApplier(installer).Remove(context.Background(), site, "4242"))
	assert.Equal(t, []string{"4242"}, installer.removed)

	failing := &fakeInstaller{err: cms.ErrInvalidScriptID}
	err := newTestApplier(failing).Remove(context.Background(), site, "")
	assert.ErrorIs(t, err, cms.ErrInvalidScriptID)
}
