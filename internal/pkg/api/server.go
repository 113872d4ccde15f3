// Package api exposes website registration, verification, audits and
// fixes over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"tagaudit/internal/pkg/cms"
	"tagaudit/internal/pkg/fetcher"
	"tagaudit/internal/pkg/fixes"
	"tagaudit/internal/pkg/store"
	"tagaudit/internal/pkg/types"
	"tagaudit/internal/pkg/verify"
	"tagaudit/internal/pkg/websites"
)

const maxBodyBytes = 1 << 20

// Operations served by the API. Implemented by *websites.Service.
type WebsiteService interface {
	Register(ctx context.Context, req websites.RegisterRequest) (*types.Website, error)
	Get(ctx context.Context, id string) (*types.Website, error)
	List(ctx context.Context, ownerID string) ([]types.Website, error)
	UpdateSettings(ctx context.Context, id string, update websites.SettingsUpdate, creds *types.PlatformCredentials) (*types.Website, error)
	Delete(ctx context.Context, id string) error
	RemoveScript(ctx context.Context, websiteID, scriptID string) error
	Verify(ctx context.Context, id string, method types.VerificationMethod) (*types.Website, error)
	RunAudit(ctx context.Context, id string) (*types.AuditRecord, error)
	History(ctx context.Context, id string, limit int) (*websites.History, error)
	GetAudit(ctx context.Context, websiteID, auditID string) (*types.AuditRecord, error)
	ApplyFixes(ctx context.Context, websiteID, auditID string, findingIDs []string, method types.FixMethod) (*types.AuditRecord, error)
}

// Reports storage health for /healthz. Implemented by *store.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	websites WebsiteService
	health   Pinger
	log      *logrus.Logger
}

func New(service WebsiteService, health Pinger, logger *logrus.Logger) *Server {
	return &Server{websites: service, health: health, log: logger}
}

// Routes returns the API router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Route("/websites", func(r chi.Router) {
		r.Post("/", s.handleRegister)
		r.Get("/", s.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetWebsite)
			r.Delete("/", s.handleDeleteWebsite)
			r.Put("/settings", s.handleUpdateSettings)
			r.Post("/verify", s.handleVerify)
			r.Post("/audits", s.handleRunAudit)
			r.Get("/audits", s.handleHistory)
			r.Get("/audits/{auditId}", s.handleGetAudit)
			r.Post("/audits/{auditId}/fix", s.handleFix)
			r.Delete("/scripts/{scriptId}", s.handleRemoveScript)
		})
	})
	return r
}

type credentialsRequest struct {
	Token        string `json:"token"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	TagManagerID string `json:"tagManagerId"`
	AnalyticsID  string `json:"analyticsId"`
	ClarityID    string `json:"clarityId"`
}

func (c *credentialsRequest) toCredentials() *types.PlatformCredentials {
	if c == nil {
		return nil
	}
	return &types.PlatformCredentials{
		Token:        c.Token,
		Username:     c.Username,
		Password:     c.Password,
		TagManagerID: c.TagManagerID,
		AnalyticsID:  c.AnalyticsID,
		ClarityID:    c.ClarityID,
	}
}

type registerRequest struct {
	URL         string              `json:"url"`
	Name        string              `json:"name"`
	Platform    string              `json:"platform"`
	OwnerID     string              `json:"ownerId"`
	Settings    *types.Settings     `json:"settings,omitempty"`
	Credentials *credentialsRequest `json:"credentials,omitempty"`
}

type registerResponse struct {
	Website      *types.Website                      `json:"website"`
	Instructions map[types.VerificationMethod]string `json:"instructions"`
}

type settingsRequest struct {
	Settings    websites.SettingsUpdate `json:"settings"`
	Credentials *credentialsRequest     `json:"credentials,omitempty"`
}

type verifyRequest struct {
	Method string `json:"method"`
}

type verifyResponse struct {
	Website  *types.Website `json:"website"`
	Verified bool           `json:"verified"`
	Reason   string         `json:"reason,omitempty"`
}

type fixRequest struct {
	FindingIDs []string        `json:"findingIds"`
	Method     types.FixMethod `json:"method"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			s.entry(r).WithError(err).Error("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decode(w, r, &req) {
		return
	}

	registration := websites.RegisterRequest{
		OwnerID:  req.OwnerID,
		URL:      req.URL,
		Name:     req.Name,
		Platform: req.Platform,
		Settings: req.Settings,
	}
	if creds := req.Credentials.toCredentials(); creds != nil {
		registration.Credentials = *creds
	}

	website, err := s.websites.Register(r.Context(), registration)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{
		Website:      website,
		Instructions: verify.Instructions(website.Verification.Code),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := s.websites.List(r.Context(), r.URL.Query().Get("ownerId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetWebsite(w http.ResponseWriter, r *http.Request) {
	website, err := s.websites.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, website)
}

func (s *Server) handleDeleteWebsite(w http.ResponseWriter, r *http.Request) {
	if err := s.websites.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if !decode(w, r, &req) {
		return
	}
	website, err := s.websites.UpdateSettings(r.Context(), chi.URLParam(r, "id"), req.Settings, req.Credentials.toCredentials())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, website)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decode(w, r, &req) {
		return
	}
	method, err := types.ParseVerificationMethod(req.Method)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	website, err := s.websites.Verify(r.Context(), chi.URLParam(r, "id"), method)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, verifyResponse{Website: website, Verified: true})
	case errors.Is(err, verify.ErrNotVerified) && website != nil:
		writeJSON(w, http.StatusOK, verifyResponse{Website: website, Verified: false, Reason: err.Error()})
	default:
		s.writeError(w, r, err)
	}
}

func (s *Server) handleRunAudit(w http.ResponseWriter, r *http.Request) {
	record, err := s.websites.RunAudit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	history, err := s.websites.History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	record, err := s.websites.GetAudit(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "auditId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleFix(w http.ResponseWriter, r *http.Request) {
	var req fixRequest
	if !decode(w, r, &req) {
		return
	}
	record, err := s.websites.ApplyFixes(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "auditId"), req.FindingIDs, req.Method)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleRemoveScript(w http.ResponseWriter, r *http.Request) {
	err := s.websites.RemoveScript(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "scriptId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// Maps service errors to status codes.
func statusFor(err error) int {
	var (
		fetchErr *fetcher.FetchError
		apiErr   *cms.APIError
	)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, websites.ErrNotVerified):
		return http.StatusForbidden
	case errors.Is(err, websites.ErrInvalid),
		errors.Is(err, fixes.ErrInvalidMethod),
		errors.Is(err, fixes.ErrUnknownFinding),
		errors.Is(err, fixes.ErrNoFindings),
		errors.Is(err, verify.ErrUnknownMethod),
		errors.Is(err, cms.ErrInvalidScriptID):
		return http.StatusBadRequest
	case errors.Is(err, cms.ErrUnsupported), errors.Is(err, cms.ErrMissingCredentials):
		return http.StatusUnprocessableEntity
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound:
		return http.StatusNotFound
	case errors.As(err, &fetchErr), errors.As(err, &apiErr), errors.Is(err, verify.ErrUnreachable):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	log := s.entry(r).WithError(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed")
	} else {
		log.Debug("request rejected")
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorResponse{Error: msg, RequestID: requestID(r.Context())})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error(), RequestID: requestID(r.Context())})
		return false
	}
	return true
}
