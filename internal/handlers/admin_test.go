package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaisavezi/chat-bridge/internal/config"
	"github.com/mihaisavezi/chat-bridge/internal/conversation"
	"github.com/mihaisavezi/chat-bridge/internal/credentials"
	"github.com/mihaisavezi/chat-bridge/internal/history"
	"github.com/mihaisavezi/chat-bridge/internal/providers"
)

type fakeProvider struct {
	id      string
	healthy bool
}

func (p *fakeProvider) ID() string   { return p.id }
func (p *fakeProvider) Type() string { return "fake" }

func (p *fakeProvider) Chat(context.Context, *openai.ChatCompletionRequest) (*providers.ChatResult, error) {
	return nil, errors.New("not used")
}

func (p *fakeProvider) ListModels(context.Context) ([]openai.Model, error) {
	return []openai.Model{{ID: p.id + "-model", Object: "model", OwnedBy: p.id}}, nil
}

func (p *fakeProvider) HealthCheck(context.Context) providers.HealthStatus {
	if !p.healthy {
		return providers.HealthStatus{Error: "vendor credentials are not set"}
	}
	expires := 90 * time.Minute
	return providers.HealthStatus{Healthy: true, Latency: 12 * time.Millisecond, CredentialsExpireIn: &expires}
}

func fakeFactory(cfg config.ProviderConfig) (providers.Provider, error) {
	return &fakeProvider{id: cfg.ID, healthy: cfg.Setting("down") == ""}, nil
}

func providerConfig(id string, priority int) config.ProviderConfig {
	return config.ProviderConfig{
		ID:       id,
		Type:     config.ProviderTypeWebChat,
		Enabled:  true,
		Priority: priority,
		Settings: map[string]string{config.SettingBaseURL: "https://chat.example.com", "cookie": "session=abcdefghijkl"},
	}
}

type adminFixture struct {
	server        *httptest.Server
	manager       *config.Manager
	registry      *providers.Registry
	creds         *credentials.State
	credsPath     string
	conversations *conversation.Manager
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()

	dir := t.TempDir()
	manager := config.NewManager(dir)
	require.NoError(t, manager.Save(config.Default()))

	registry := providers.NewRegistry(fakeFactory, testLogger())
	creds := credentials.NewState()
	conversations := conversation.NewManager(conversation.NewMemoryStore(), testLogger())
	credsPath := filepath.Join(dir, credentials.DefaultFilename)

	h := NewAdminHandler(AdminOptions{
		Config:          manager,
		Providers:       registry,
		Credentials:     creds,
		CredentialsPath: credsPath,
		Conversations:   conversations,
		Logger:          testLogger(),
	})

	server := httptest.NewServer(h.Routes())
	t.Cleanup(server.Close)

	return &adminFixture{
		server:        server,
		manager:       manager,
		registry:      registry,
		creds:         creds,
		credsPath:     credsPath,
		conversations: conversations,
	}
}

func (f *adminFixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestAdmin_ProviderLifecycle(t *testing.T) {
	f := newAdminFixture(t)

	body, _ := json.Marshal(providerConfig("vendor", 5))
	resp := f.do(t, http.MethodPost, "/admin/providers", string(body))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	created := decode[providerView](t, resp)
	assert.Equal(t, "sess************ijkl", created.Settings["cookie"], "secrets are masked")
	assert.True(t, created.Active, "the only enabled provider is active")

	saved, err := config.NewManager(f.manager.BaseDir()).Load()
	require.NoError(t, err)
	require.Len(t, saved.Providers, 1, "creation is persisted")
	assert.Equal(t, "session=abcdefghijkl", saved.Providers[0].Settings["cookie"])

	resp = f.do(t, http.MethodPost, "/admin/providers", string(body))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/admin/providers/vendor", `{"type":"webchat","enabled":true,"priority":9,"settings":{"base_url":"https://other.example.com"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cfg, _ := f.registry.Config("vendor")
	assert.Equal(t, 9, cfg.Priority)

	resp = f.do(t, http.MethodGet, "/admin/providers/ghost", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/admin/providers/vendor/reload", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/admin/providers/vendor", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, f.registry.List())
	assert.Empty(t, f.manager.Get().Providers)
}

func TestAdmin_InvalidProvider(t *testing.T) {
	f := newAdminFixture(t)

	resp := f.do(t, http.MethodPost, "/admin/providers", `{"id":"x","type":"webchat"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "base_url is required")

	resp = f.do(t, http.MethodPost, "/admin/providers", `{"id":"x","bogus":true}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown fields are rejected")
}

func TestAdmin_ActiveProvider(t *testing.T) {
	f := newAdminFixture(t)
	require.NoError(t, f.registry.Create(providerConfig("a", 1)))
	require.NoError(t, f.registry.Create(providerConfig("b", 2)))
	_, err := f.manager.Update(func(c *config.Config) error {
		c.Providers = f.registry.List()
		return nil
	})
	require.NoError(t, err)

	resp := f.do(t, http.MethodGet, "/admin/providers/active", "")
	assert.Equal(t, "b", decode[activeRequest](t, resp).ID)

	resp = f.do(t, http.MethodPut, "/admin/providers/active", `{"id":"a"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "a", f.registry.ActiveID())
	assert.Equal(t, "a", f.manager.Get().ActiveProvider)

	resp = f.do(t, http.MethodPut, "/admin/providers/active", `{"id":"zzz"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdmin_Credentials(t *testing.T) {
	f := newAdminFixture(t)

	resp := f.do(t, http.MethodGet, "/admin/credentials", "")
	assert.False(t, decode[credentialsView](t, resp).Set)

	expires := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	resp = f.do(t, http.MethodPut, "/admin/credentials", `{"token":"tok-1234567890","cookies":"a=b; c=d","expires_at":"`+expires+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	view := decode[credentialsView](t, resp)
	assert.True(t, view.Set)
	assert.False(t, view.Expired)
	assert.Equal(t, "tok-******7890", view.Token)
	assert.NotEmpty(t, view.ExpiresIn)

	stored, err := credentials.LoadFile(f.credsPath)
	require.NoError(t, err)
	assert.Equal(t, "tok-1234567890", stored.Token)

	resp = f.do(t, http.MethodPut, "/admin/credentials", `{"token":"","cookies":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/admin/credentials", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, ok := f.creds.Load()
	assert.False(t, ok)
	_, err = os.Stat(f.credsPath)
	assert.True(t, os.IsNotExist(err))
}

func TestAdmin_Conversations(t *testing.T) {
	f := newAdminFixture(t)

	req := &openai.ChatCompletionRequest{Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "hi"}}}
	state, err := f.conversations.Resolve(context.Background(), req, func(context.Context) (string, error) {
		return "chat-1", nil
	})
	require.NoError(t, err)

	resp := f.do(t, http.MethodGet, "/admin/conversations", "")
	list := decode[[]conversation.Conversation](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, "chat-1", list[0].VendorChatID)

	resp = f.do(t, http.MethodDelete, "/admin/conversations/"+state.Key, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/admin/conversations/"+state.Key, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type fakeHistory struct{ limit int }

func (h *fakeHistory) Recent(n int) ([]history.Summary, error) {
	h.limit = n
	return []history.Summary{{RequestID: "r1", Status: 200}}, nil
}

func TestAdmin_History(t *testing.T) {
	f := newAdminFixture(t)
	resp := f.do(t, http.MethodGet, "/admin/history", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "no history store configured")

	hist := &fakeHistory{}
	h := NewAdminHandler(AdminOptions{History: hist, Logger: testLogger()})
	server := httptest.NewServer(h.Routes())
	defer server.Close()

	r, err := http.Get(server.URL + "/admin/history?limit=5")
	require.NoError(t, err)
	defer r.Body.Close()
	assert.Equal(t, http.StatusOK, r.StatusCode)
	assert.Equal(t, 5, hist.limit)

	bad, err := http.Get(server.URL + "/admin/history?limit=-1")
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestModels(t *testing.T) {
	registry := providers.NewRegistry(fakeFactory, testLogger())
	h := NewModelsHandler(registry, testLogger())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "no active provider")

	require.NoError(t, registry.Create(providerConfig("a", 1)))
	require.NoError(t, registry.Create(providerConfig("b", 2)))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var list modelList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, "list", list.Object)
	assert.Equal(t, "b-model", list.Data[0].ID)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models?provider=a", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, "a-model", list.Data[0].ID)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models?provider=nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	registry := providers.NewRegistry(fakeFactory, testLogger())
	h := NewHealthHandler(registry, testLogger())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "no_providers")

	require.NoError(t, registry.Create(providerConfig("a", 1)))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, int64(12), resp.Providers["a"].LatencyMS)
	require.NotNil(t, resp.Providers["a"].ExpiresIn)
	assert.Equal(t, "1h30m0s", *resp.Providers["a"].ExpiresIn)

	down := providerConfig("b", 1)
	down.Settings["down"] = "yes"
	require.NoError(t, registry.Create(down))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}
