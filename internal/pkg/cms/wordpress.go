package cms

import (
	"context"
	"fmt"
	"net/http"

	"tagaudit/internal/pkg/types"
)

const wordpressScriptsPath = "/wp-json/wp/v2/scripts"

// Installs scripts through the WordPress REST API. WooCommerce stores use
// the same endpoint with their consumer key and secret.
type WordPress struct {
	api      *apiClient
	platform types.Platform
}

type wordpressScript struct {
	Title    string `json:"title"`
	Src      string `json:"src"`
	Position string `json:"position"`
}

func (w *WordPress) Install(ctx context.Context, site types.Website, script Script) error {
	creds := site.Credentials
	if creds.Username == "" || creds.Password == "" {
		return fmt.Errorf("%s: %w: username and password", w.platform, ErrMissingCredentials)
	}

	payload := wordpressScript{Title: script.Title, Src: script.Src, Position: "header"}
	err := w.api.postJSON(ctx, site.URL, wordpressScriptsPath, payload, func(req *http.Request) {
		req.SetBasicAuth(creds.Username, creds.Password)
	})
	if err != nil {
		return fmt.Errorf("%s: adding %s: %w", w.platform, script.Title, err)
	}
	return nil
}

func (w *WordPress) Uninstall(ctx context.Context, site types.Website, scriptID string) error {
	creds := site.Credentials
	if creds.Username == "" || creds.Password == "" {
		return fmt.Errorf("%s: %w: username and password", w.platform, ErrMissingCredentials)
	}
	if err := validScriptID(scriptID); err != nil {
		return fmt.Errorf("%s: %w", w.platform, err)
	}

	err := w.api.delete(ctx, site.URL, wordpressScriptsPath+"/"+scriptID, func(req *http.Request) {
		req.SetBasicAuth(creds.Username, creds.Password)
	})
	if err != nil {
		return fmt.Errorf("%s: removing script %s: %w", w.platform, scriptID, err)
	}
	return nil
}
