package cms

import (
	"context"
	"fmt"
	"net/http"

	"tagaudit/internal/pkg/types"
)

const magentoScriptsPath = "/rest/V1/scripts"

// Installs scripts through the Magento REST API.
type Magento struct {
	api *apiClient
}

type magentoScript struct {
	Name     string `json:"name"`
	Src      string `json:"src"`
	Position string `json:"position"`
}

func (m *Magento) Install(ctx context.Context, site types.Website, script Script) error {
	if site.Credentials.Token == "" {
		return fmt.Errorf("magento: %w: access token", ErrMissingCredentials)
	}

	payload := magentoScript{Name: script.Title, Src: script.Src, Position: "header"}
	err := m.api.postJSON(ctx, site.URL, magentoScriptsPath, payload, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+site.Credentials.Token)
	})
	if err != nil {
		return fmt.Errorf("magento: adding %s: %w", script.Title, err)
	}
	return nil
}

func (m *Magento) Uninstall(ctx context.Context, site types.Website, scriptID string) error {
	if site.Credentials.Token == "" {
		return fmt.Errorf("magento: %w: access token", ErrMissingCredentials)
	}
	if err := validScriptID(scriptID); err != nil {
		return fmt.Errorf("magento: %w", err)
	}

	err := m.api.delete(ctx, site.URL, magentoScriptsPath+"/"+scriptID, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+site.Credentials.Token)
	})
	if err != nil {
		return fmt.Errorf("magento: removing script %s: %w", scriptID, err)
	}
	return nil
}
