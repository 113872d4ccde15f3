package cms

import (
	"context"
	"fmt"
	"net/http"

	"tagaudit/internal/pkg/types"
)

const (
	shopifyScriptTagsPath  = "/admin/api/2024-01/script_tags.json"
	shopifyScriptTagPrefix = "/admin/api/2024-01/script_tags/"
)

// Installs scripts as Shopify ScriptTags.
type Shopify struct {
	api *apiClient
}

type shopifyScriptTag struct {
	Event        string `json:"event"`
	Src          string `json:"src"`
	DisplayScope string `json:"display_scope"`
}

func (s *Shopify) Install(ctx context.Context, site types.Website, script Script) error {
	if site.Credentials.Token == "" {
		return fmt.Errorf("shopify: %w: access token", ErrMissingCredentials)
	}

	payload := map[string]shopifyScriptTag{
		"script_tag": {Event: "onload", Src: script.Src, DisplayScope: "online_store"},
	}
	err := s.api.postJSON(ctx, site.URL, shopifyScriptTagsPath, payload, func(req *http.Request) {
		req.Header.Set("X-Shopify-Access-Token", site.Credentials.Token)
	})
	if err != nil {
		return fmt.Errorf("shopify: adding %s: %w", script.Title, err)
	}
	return nil
}

func (s *Shopify) Uninstall(ctx context.Context, site types.Website, scriptID string) error {
	if site.Credentials.Token == "" {
		return fmt.Errorf("shopify: %w: access token", ErrMissingCredentials)
	}
	if err := validScriptID(scriptID); err != nil {
		return fmt.Errorf("shopify: %w", err)
	}

	path := shopifyScriptTagPrefix + scriptID + ".json"
	err := s.api.delete(ctx, site.URL, path, func(req *http.Request) {
		req.Header.Set("X-Shopify-Access-Token", site.Credentials.Token)
	})
	if err != nil {
		return fmt.Errorf("shopify: removing script tag %s: %w", scriptID, err)
	}
	return nil
}
