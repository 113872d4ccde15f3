// Package cms installs tracking scripts through each platform's admin API.
package cms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"tagaudit/internal/pkg/types"
	"tagaudit/internal/pkg/utils"
)

var (
	ErrUnsupported        = errors.New("automatic installation is not supported for this platform")
	ErrMissingCredentials = errors.New("missing platform credentials")
	ErrMissingTagID       = errors.New("no tag id configured for this family")
	ErrInvalidScriptID    = errors.New("invalid script id")
)

const (
	maxRetries   = 3
	retryBackoff = 250 * time.Millisecond
)

// A tracking script to install.
type Script struct {
	Family types.TagFamily
	Title  string
	Src    string
}

// Builds the loader script for a tag family from the website's configured IDs.
func ScriptFor(family types.TagFamily, creds types.PlatformCredentials) (Script, error) {
	switch family {
	case types.FamilyTagManager:
		if creds.TagManagerID == "" {
			return Script{}, fmt.Errorf("%w: %s", ErrMissingTagID, family)
		}
		return Script{Family: family, Title: "Google Tag Manager", Src: "https://www.googletagmanager.com/gtm.js?id=" + creds.TagManagerID}, nil
	case types.FamilyAnalytics:
		if creds.AnalyticsID == "" {
			return Script{}, fmt.Errorf("%w: %s", ErrMissingTagID, family)
		}
		return Script{Family: family, Title: "Google Analytics 4", Src: "https://www.googletagmanager.com/gtag/js?id=" + creds.AnalyticsID}, nil
	case types.FamilySessionRecording:
		if creds.ClarityID == "" {
			return Script{}, fmt.Errorf("%w: %s", ErrMissingTagID, family)
		}
		return Script{Family: family, Title: "Microsoft Clarity", Src: "https://www.clarity.ms/tag/" + creds.ClarityID}, nil
	}
	return Script{}, fmt.Errorf("no installable script for family %q", family)
}

// Installs and removes tracking scripts on a website through its CMS.
type Installer interface {
	Install(ctx context.Context, site types.Website, script Script) error
	// Removes a previously installed script by its platform-side ID.
	Uninstall(ctx context.Context, site types.Website, scriptID string) error
}

// Returns the installer for a platform. Custom sites get an installer
// that always fails with ErrUnsupported.
func ForPlatform(platform types.Platform, client *http.Client) (Installer, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	api := &apiClient{http: client, backoff: retryBackoff}

	switch platform {
	case types.PlatformShopify:
		return &Shopify{api: api}, nil
	case types.PlatformWooCommerce:
		return &WordPress{api: api, platform: platform}, nil
	case types.PlatformWordPress:
		return &WordPress{api: api, platform: platform}, nil
	case types.PlatformMagento:
		return &Magento{api: api}, nil
	case types.PlatformCustom, "":
		return Custom{}, nil
	}
	return nil, fmt.Errorf("unknown platform %q", platform)
}

// Sites without a supported CMS need manual fixes.
type Custom struct{}

func (Custom) Install(context.Context, types.Website, Script) error {
	return ErrUnsupported
}

func (Custom) Uninstall(context.Context, types.Website, string) error {
	return ErrUnsupported
}

// Error returned by a platform API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform API returned %d: %s", e.StatusCode, e.Body)
}

type apiClient struct {
	http    *http.Client
	backoff time.Duration
}

// POSTs payload as JSON to path on the site's origin.
func (c *apiClient) postJSON(ctx context.Context, siteURL, path string, payload any, authorize func(*http.Request)) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	return c.send(ctx, http.MethodPost, siteURL, path, body, authorize)
}

func (c *apiClient) delete(ctx context.Context, siteURL, path string, authorize func(*http.Request)) error {
	return c.send(ctx, http.MethodDelete, siteURL, path, nil, authorize)
}

// Sends one request to path on the site's origin. Server errors and rate
// limiting are retried with exponential backoff.
func (c *apiClient) send(ctx context.Context, method, siteURL, path string, body []byte, authorize func(*http.Request)) error {
	endpoint, err := utils.OriginURL(siteURL, path)
	if err != nil {
		return err
	}

	backoff := retry.WithMaxRetries(maxRetries, retry.NewExponential(c.backoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		authorize(req)

		resp, err := c.http.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			io.Copy(io.Discard, resp.Body)
			return nil
		}

		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(snippet)}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return retry.RetryableError(apiErr)
		}
		return apiErr
	})
}

// Checks that a script ID can be placed in a URL path.
func validScriptID(id string) error {
	if id == "" || strings.ContainsAny(id, "/?#%\\ ") {
		return fmt.Errorf("%w: %q", ErrInvalidScriptID, id)
	}
	return nil
}
