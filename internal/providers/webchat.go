package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/samber/lo"
	"github.com/sashabaranov/go-openai"

	"github.com/mihaisavezi/chat-bridge/internal/apierror"
	"github.com/mihaisavezi/chat-bridge/internal/config"
	"github.com/mihaisavezi/chat-bridge/internal/conversation"
	"github.com/mihaisavezi/chat-bridge/internal/credentials"
	"github.com/mihaisavezi/chat-bridge/internal/logger"
	"github.com/mihaisavezi/chat-bridge/internal/tokens"
	"github.com/mihaisavezi/chat-bridge/internal/transform"
	"github.com/mihaisavezi/chat-bridge/internal/upstream"
)

const (
	DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36"
	DefaultTimeout   = 5 * time.Minute

	headerRequestID = "X-Request-Id"
	newChatTitle    = "New Chat"
)

// WebChatProvider talks to the vendor's web chat backend. Each OpenAI
// request becomes one vendor turn inside a conversation tracked by the
// conversation manager.
type WebChatProvider struct {
	id           string
	baseURL      string
	defaultModel string
	userAgent    string
	models       []string
	timeout      time.Duration

	creds         *credentials.State
	conversations *conversation.Manager
	client        *retryablehttp.Client
	healthClient  *retryablehttp.Client
	counter       *tokens.Counter
	logger        *slog.Logger
	now           func() time.Time
}

func NewWebChatProvider(cfg config.ProviderConfig, deps Dependencies) (*WebChatProvider, error) {
	baseURL := cfg.BaseURL()
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, apierror.NewValidationError("provider %s: invalid base url %q", cfg.ID, baseURL)
	}
	if deps.Credentials == nil || deps.Conversations == nil {
		return nil, fmt.Errorf("provider %s: credentials and conversations are required", cfg.ID)
	}

	log := deps.logger().With("provider", cfg.ID)

	return &WebChatProvider{
		id:            cfg.ID,
		baseURL:       baseURL,
		defaultModel:  cfg.Setting(config.SettingDefaultModel),
		userAgent:     lo.Ternary(cfg.Setting(config.SettingUserAgent) != "", cfg.Setting(config.SettingUserAgent), DefaultUserAgent),
		models:        cfg.Models,
		timeout:       lo.Ternary(deps.Timeout > 0, deps.Timeout, DefaultTimeout),
		creds:         deps.Credentials,
		conversations: deps.Conversations,
		client:        NewRetryClient(deps.Retry, log),
		healthClient:  NewRetryClient(RetryPolicy{MaxAttempts: 1}, log),
		counter:       deps.Tokens,
		logger:        log,
		now:           time.Now,
	}, nil
}

func (p *WebChatProvider) ID() string   { return p.id }
func (p *WebChatProvider) Type() string { return config.ProviderTypeWebChat }

func (p *WebChatProvider) Chat(ctx context.Context, req *openai.ChatCompletionRequest) (*ChatResult, error) {
	if req == nil {
		return nil, apierror.NewValidationError("empty request")
	}

	// Credentials are checked before anything touches the network.
	creds, err := p.creds.Current(p.now())
	if err != nil {
		return nil, err
	}

	model := lo.Ternary(req.Model != "", req.Model, p.defaultModel)
	if model == "" {
		return nil, apierror.NewValidationError("model is required")
	}
	turn := *req
	turn.Model = model

	ctx, cancel := context.WithTimeout(ctx, p.timeout)

	state, err := p.conversations.Resolve(ctx, &turn, func(ctx context.Context) (string, error) {
		return p.createChat(ctx, creds, model)
	})
	if err != nil {
		cancel()
		return nil, err
	}

	payload, err := transform.BuildVendorRequest(&turn, state)
	if err != nil {
		cancel()
		return nil, err
	}

	resp, err := p.do(ctx, p.client, creds, http.MethodPost, upstream.PathCompletions+"?chat_id="+url.QueryEscape(state.VendorChatID), payload, "text/event-stream")
	if err != nil {
		cancel()
		return nil, err
	}

	body, err := upstream.BodyReader(resp)
	if err != nil {
		resp.Body.Close()
		cancel()
		return nil, apierror.NewTransientUpstreamError(resp.StatusCode, false, err)
	}

	opts := p.options(&turn)
	dec := upstream.NewDecoder(body, p.logger)

	if turn.Stream {
		return &ChatResult{Stream: newWebChatStream(dec, body, cancel, opts, func(parentID string) {
			p.advance(ctx, state, parentID)
		})}, nil
	}

	events := upstream.Collect(dec)
	body.Close()
	cancel()

	completion, err := transform.TransformBufferedResult(events, opts)
	if err != nil {
		return nil, err
	}

	if parentID, ok := createdParent(events); ok {
		p.advance(ctx, state, parentID)
	}
	return &ChatResult{Completion: completion}, nil
}

func (p *WebChatProvider) options(req *openai.ChatCompletionRequest) transform.Options {
	opts := transform.NewOptions(req)
	if p.counter != nil {
		opts.PromptTokens = p.counter.CountMessages(req.Messages)
		opts.CountTokens = p.counter.Count
	}
	return opts
}

// advance moves the conversation forward after a confirmed vendor turn.
func (p *WebChatProvider) advance(ctx context.Context, state conversation.State, parentID string) {
	if err := p.conversations.Advance(state.Key, parentID); err != nil {
		p.logger.WarnContext(ctx, "Failed to advance conversation", "key", state.Key, logger.Err(err))
	}
}

func createdParent(events []upstream.Event) (string, bool) {
	ev, ok := lo.Find(events, func(ev upstream.Event) bool {
		return ev.Kind == upstream.KindConversationCreated && ev.ParentID != ""
	})
	return ev.ParentID, ok
}

func (p *WebChatProvider) createChat(ctx context.Context, creds credentials.Credentials, model string) (string, error) {
	payload := upstream.NewChatRequest{
		Title:     newChatTitle,
		Models:    []string{model},
		ChatMode:  upstream.ChatModeNormal,
		ChatType:  upstream.ChatTypeText,
		Timestamp: p.now().UnixMilli(),
	}

	resp, err := p.do(ctx, p.client, creds, http.MethodPost, upstream.PathNewChat, payload, "application/json")
	if err != nil {
		return "", err
	}

	var out upstream.NewChatResponse
	if err := decodeJSON(resp, &out); err != nil {
		return "", err
	}
	if !out.Success || out.Data.ID == "" {
		return "", apierror.NewTransientUpstreamError(resp.StatusCode, false, errors.New("vendor did not return a chat id"))
	}

	p.logger.DebugContext(ctx, "Created vendor chat", "chat_id", out.Data.ID)
	return out.Data.ID, nil
}

func (p *WebChatProvider) ListModels(ctx context.Context) ([]openai.Model, error) {
	return p.listModels(ctx, p.client)
}

func (p *WebChatProvider) listModels(ctx context.Context, client *retryablehttp.Client) ([]openai.Model, error) {
	creds, err := p.creds.Current(p.now())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.do(ctx, client, creds, http.MethodGet, upstream.PathModels, nil, "application/json")
	if err != nil {
		return nil, err
	}

	var out upstream.ModelsResponse
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}

	models := lo.FilterMap(out.Data, func(m upstream.ModelInfo, _ int) (openai.Model, bool) {
		if len(p.models) > 0 && !lo.Contains(p.models, m.ID) {
			return openai.Model{}, false
		}
		return openai.Model{
			ID:        m.ID,
			Object:    "model",
			CreatedAt: m.Created,
			OwnedBy:   lo.Ternary(m.OwnedBy != "", m.OwnedBy, p.id),
		}, true
	})
	return models, nil
}

// HealthCheck lists models with a single attempt so a failing vendor is
// reported at once.
func (p *WebChatProvider) HealthCheck(ctx context.Context) HealthStatus {
	start := time.Now()

	var expiresIn *time.Duration
	if d, ok := p.creds.TimeUntilExpiry(p.now()); ok {
		expiresIn = &d
	}

	if _, err := p.listModels(ctx, p.healthClient); err != nil {
		status := unhealthy(start, err)
		status.CredentialsExpireIn = expiresIn
		return status
	}

	return HealthStatus{
		Healthy:             true,
		Latency:             time.Since(start),
		CredentialsExpireIn: expiresIn,
	}
}

// do sends one vendor request under client's retry policy and returns a 2xx
// response. Other outcomes are classified into the error taxonomy.
func (p *WebChatProvider) do(ctx context.Context, client *retryablehttp.Client, creds credentials.Credentials, method, path string, payload any, accept string) (*http.Response, error) {
	var body any
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal vendor request: %w", err)
		}
		body = data
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create vendor request: %w", err)
	}

	creds.Apply(req.Header)
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", p.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	requestID, ok := logger.RequestIDFromContext(ctx)
	req.Header.Set(headerRequestID, lo.Ternary(ok, requestID, uuid.NewString()))

	resp, err := client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, ClassifyError(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := ClassifyResponse(resp)
		p.logger.WarnContext(ctx, "Vendor request failed", "path", path, "status", resp.StatusCode, logger.Err(err))
		return nil, err
	}

	return resp, nil
}

func decodeJSON(resp *http.Response, v any) error {
	body, err := upstream.BodyReader(resp)
	if err != nil {
		resp.Body.Close()
		return apierror.NewTransientUpstreamError(resp.StatusCode, false, err)
	}
	defer body.Close()

	if err := json.NewDecoder(body).Decode(v); err != nil {
		return apierror.NewTransientUpstreamError(resp.StatusCode, false, fmt.Errorf("decode vendor response: %w", err))
	}
	return nil
}
