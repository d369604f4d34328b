package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/samber/lo"

	"github.com/mihaisavezi/chat-bridge/internal/apierror"
	"github.com/mihaisavezi/chat-bridge/internal/config"
	"github.com/mihaisavezi/chat-bridge/internal/conversation"
	"github.com/mihaisavezi/chat-bridge/internal/credentials"
	"github.com/mihaisavezi/chat-bridge/internal/history"
	"github.com/mihaisavezi/chat-bridge/internal/logger"
)

const defaultHistoryLimit = 50

// ProviderAdmin is the registry surface the admin API manages.
type ProviderAdmin interface {
	Create(cfg config.ProviderConfig) error
	Update(cfg config.ProviderConfig) error
	Delete(id string) error
	Reload(id string) error
	SetActive(id string) error
	ActiveID() string
	List() []config.ProviderConfig
	Config(id string) (config.ProviderConfig, bool)
}

// ConversationAdmin lists and evicts conversations.
type ConversationAdmin interface {
	List() []conversation.Conversation
	Evict(key string) error
}

// HistoryReader returns recent request summaries, newest first.
type HistoryReader interface {
	Recent(n int) ([]history.Summary, error)
}

type AdminOptions struct {
	Config          *config.Manager
	Providers       ProviderAdmin
	Credentials     *credentials.State
	CredentialsPath string
	Conversations   ConversationAdmin
	// History is optional; without it the history endpoint answers 404.
	History HistoryReader
	Logger  *slog.Logger
}

// AdminHandler exposes provider, credential and conversation management.
// Changes to providers and credentials are persisted so they survive a
// restart.
type AdminHandler struct {
	AdminOptions
}

func NewAdminHandler(opts AdminOptions) *AdminHandler {
	return &AdminHandler{AdminOptions: opts}
}

type providerView struct {
	config.ProviderConfig
	Active bool `json:"active"`
}

type credentialsView struct {
	Set       bool       `json:"set"`
	Token     string     `json:"token,omitempty"`
	Cookies   string     `json:"cookies,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	ExpiresIn string     `json:"expires_in,omitempty"`
	Expired   bool       `json:"expired"`
}

type activeRequest struct {
	ID string `json:"id"`
}

// Routes returns the admin endpoints, rooted at /admin.
func (h *AdminHandler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/providers", h.listProviders)
	mux.HandleFunc("POST /admin/providers", h.createProvider)
	mux.HandleFunc("GET /admin/providers/active", h.getActive)
	mux.HandleFunc("PUT /admin/providers/active", h.setActive)
	mux.HandleFunc("GET /admin/providers/{id}", h.getProvider)
	mux.HandleFunc("PUT /admin/providers/{id}", h.updateProvider)
	mux.HandleFunc("DELETE /admin/providers/{id}", h.deleteProvider)
	mux.HandleFunc("POST /admin/providers/{id}/reload", h.reloadProvider)
	mux.HandleFunc("GET /admin/credentials", h.getCredentials)
	mux.HandleFunc("PUT /admin/credentials", h.setCredentials)
	mux.HandleFunc("DELETE /admin/credentials", h.clearCredentials)
	mux.HandleFunc("GET /admin/conversations", h.listConversations)
	mux.HandleFunc("DELETE /admin/conversations/{key}", h.evictConversation)
	mux.HandleFunc("GET /admin/history", h.listHistory)
	return mux
}

func (h *AdminHandler) view(cfg config.ProviderConfig) providerView {
	return providerView{ProviderConfig: cfg.Masked(), Active: cfg.ID == h.Providers.ActiveID()}
}

func (h *AdminHandler) listProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, lo.Map(h.Providers.List(), func(cfg config.ProviderConfig, _ int) providerView {
		return h.view(cfg)
	}))
}

func (h *AdminHandler) getProvider(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cfg, ok := h.Providers.Config(id)
	if !ok {
		apierror.WriteJSON(w, apierror.NewNotFoundError("provider", id))
		return
	}
	writeJSON(w, http.StatusOK, h.view(cfg))
}

func (h *AdminHandler) createProvider(w http.ResponseWriter, r *http.Request) {
	var cfg config.ProviderConfig
	if err := decodeBody(r, &cfg); err != nil {
		apierror.WriteJSON(w, err)
		return
	}
	cfg = cfg.Normalized()

	if err := h.Providers.Create(cfg); err != nil {
		apierror.WriteJSON(w, err)
		return
	}
	if err := h.persist(func(c *config.Config) {
		c.Providers = append(lo.Reject(c.Providers, func(p config.ProviderConfig, _ int) bool {
			return p.ID == cfg.ID
		}), cfg)
	}); err != nil {
		_ = h.Providers.Delete(cfg.ID)
		h.failed(w, r, err)
		return
	}

	h.Logger.InfoContext(r.Context(), "Provider created via admin API", "provider", cfg.ID)
	writeJSON(w, http.StatusCreated, h.view(cfg))
}

func (h *AdminHandler) updateProvider(w http.ResponseWriter, r *http.Request) {
	var cfg config.ProviderConfig
	if err := decodeBody(r, &cfg); err != nil {
		apierror.WriteJSON(w, err)
		return
	}
	cfg.ID = r.PathValue("id")
	cfg = cfg.Normalized()

	previous, _ := h.Providers.Config(cfg.ID)
	if err := h.Providers.Update(cfg); err != nil {
		apierror.WriteJSON(w, err)
		return
	}
	if err := h.persist(func(c *config.Config) {
		c.Providers = append(lo.Reject(c.Providers, func(p config.ProviderConfig, _ int) bool {
			return p.ID == cfg.ID
		}), cfg)
	}); err != nil {
		_ = h.Providers.Update(previous)
		h.failed(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, h.view(cfg))
}

func (h *AdminHandler) deleteProvider(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Providers.Delete(id); err != nil {
		apierror.WriteJSON(w, err)
		return
	}
	if err := h.persist(func(c *config.Config) {
		c.Providers = lo.Reject(c.Providers, func(p config.ProviderConfig, _ int) bool { return p.ID == id })
		if c.ActiveProvider == id {
			c.ActiveProvider = ""
		}
	}); err != nil {
		h.failed(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) reloadProvider(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Providers.Reload(id); err != nil {
		apierror.WriteJSON(w, err)
		return
	}
	cfg, _ := h.Providers.Config(id)
	writeJSON(w, http.StatusOK, h.view(cfg))
}

func (h *AdminHandler) getActive(w http.ResponseWriter, r *http.Request) {
	id := h.Providers.ActiveID()
	if id == "" {
		apierror.WriteJSON(w, apierror.NewNoProviderError())
		return
	}
	writeJSON(w, http.StatusOK, activeRequest{ID: id})
}

func (h *AdminHandler) setActive(w http.ResponseWriter, r *http.Request) {
	var req activeRequest
	if err := decodeBody(r, &req); err != nil {
		apierror.WriteJSON(w, err)
		return
	}

	if err := h.Providers.SetActive(req.ID); err != nil {
		apierror.WriteJSON(w, err)
		return
	}
	if err := h.persist(func(c *config.Config) { c.ActiveProvider = req.ID }); err != nil {
		h.failed(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, activeRequest{ID: req.ID})
}

func (h *AdminHandler) getCredentials(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.credentialsView())
}

func (h *AdminHandler) credentialsView() credentialsView {
	c, ok := h.Credentials.Load()
	if !ok {
		return credentialsView{}
	}

	now := time.Now()
	v := credentialsView{
		Set:     true,
		Token:   config.MaskString(c.Token),
		Cookies: config.MaskString(c.CookieHeader),
		Expired: c.Expired(now),
	}
	if !c.ExpiresAt.IsZero() {
		v.ExpiresAt = &c.ExpiresAt
		v.ExpiresIn = c.ExpiresAt.Sub(now).Round(time.Second).String()
	}
	return v
}

func (h *AdminHandler) setCredentials(w http.ResponseWriter, r *http.Request) {
	var c credentials.Credentials
	if err := decodeBody(r, &c); err != nil {
		apierror.WriteJSON(w, err)
		return
	}

	if err := h.Credentials.Set(c); err != nil {
		apierror.WriteJSON(w, err)
		return
	}

	if h.CredentialsPath != "" {
		stored, _ := h.Credentials.Load()
		if err := credentials.SaveFile(h.CredentialsPath, stored); err != nil {
			h.failed(w, r, err)
			return
		}
	}

	h.Logger.InfoContext(r.Context(), "Vendor credentials replaced via admin API")
	writeJSON(w, http.StatusOK, h.credentialsView())
}

func (h *AdminHandler) clearCredentials(w http.ResponseWriter, r *http.Request) {
	h.Credentials.Clear()
	if h.CredentialsPath != "" {
		if err := os.Remove(h.CredentialsPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			h.failed(w, r, fmt.Errorf("remove credentials file: %w", err))
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) listConversations(w http.ResponseWriter, r *http.Request) {
	list := h.Conversations.List()
	if list == nil {
		list = []conversation.Conversation{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *AdminHandler) evictConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.Conversations.Evict(r.PathValue("key")); err != nil {
		apierror.WriteJSON(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) listHistory(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		apierror.WriteJSON(w, apierror.NewNotFoundError("history store", "bolt"))
		return
	}

	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			apierror.WriteJSON(w, apierror.NewValidationError("limit must be a positive integer"))
			return
		}
		limit = n
	}

	summaries, err := h.History.Recent(limit)
	if err != nil {
		h.failed(w, r, err)
		return
	}
	if summaries == nil {
		summaries = []history.Summary{}
	}
	writeJSON(w, http.StatusOK, summaries)
}

// persist saves a configuration change made through the API.
func (h *AdminHandler) persist(fn func(c *config.Config)) error {
	if h.Config == nil {
		return nil
	}
	_, err := h.Config.Update(func(c *config.Config) error {
		fn(c)
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist configuration: %w", err)
	}
	return nil
}

func (h *AdminHandler) failed(w http.ResponseWriter, r *http.Request, err error) {
	h.Logger.ErrorContext(r.Context(), "Admin request failed", "path", r.URL.Path, logger.Err(err))
	apierror.WriteJSON(w, err)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apierror.NewValidationError("invalid request body: %v", err)
	}
	return nil
}
