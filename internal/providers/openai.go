package providers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sashabaranov/go-openai"

	"github.com/mihaisavezi/chat-bridge/internal/apierror"
	"github.com/mihaisavezi/chat-bridge/internal/config"
)

// OpenAIProvider forwards requests unchanged to an OpenAI-compatible API.
type OpenAIProvider struct {
	id           string
	defaultModel string
	models       []string
	timeout      time.Duration
	client       *openai.Client
	logger       *slog.Logger
}

func NewOpenAIProvider(cfg config.ProviderConfig, deps Dependencies) (*OpenAIProvider, error) {
	log := deps.logger().With("provider", cfg.ID)

	clientCfg := openai.DefaultConfig(cfg.Setting(config.SettingAPIKey))
	clientCfg.BaseURL = cfg.BaseURL()
	clientCfg.HTTPClient = NewRetryClient(deps.Retry, log).StandardClient()

	return &OpenAIProvider{
		id:           cfg.ID,
		defaultModel: cfg.Setting(config.SettingDefaultModel),
		models:       cfg.Models,
		timeout:      lo.Ternary(deps.Timeout > 0, deps.Timeout, DefaultTimeout),
		client:       openai.NewClientWithConfig(clientCfg),
		logger:       log,
	}, nil
}

func (p *OpenAIProvider) ID() string   { return p.id }
func (p *OpenAIProvider) Type() string { return config.ProviderTypeOpenAI }

func (p *OpenAIProvider) Chat(ctx context.Context, req *openai.ChatCompletionRequest) (*ChatResult, error) {
	if req == nil {
		return nil, apierror.NewValidationError("empty request")
	}
	if len(req.Messages) == 0 {
		return nil, apierror.NewValidationError("messages must not be empty")
	}

	out := *req
	out.Model = lo.Ternary(req.Model != "", req.Model, p.defaultModel)
	if out.Model == "" {
		return nil, apierror.NewValidationError("model is required")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)

	if out.Stream {
		stream, err := p.client.CreateChatCompletionStream(ctx, out)
		if err != nil {
			cancel()
			return nil, classifyOpenAIError(ctx, err)
		}
		return &ChatResult{Stream: &openAIStream{stream: stream, cancel: cancel}}, nil
	}
	defer cancel()

	resp, err := p.client.CreateChatCompletion(ctx, out)
	if err != nil {
		return nil, classifyOpenAIError(ctx, err)
	}
	return &ChatResult{Completion: &resp}, nil
}

func (p *OpenAIProvider) ListModels(ctx context.Context) ([]openai.Model, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	list, err := p.client.ListModels(ctx)
	if err != nil {
		return nil, classifyOpenAIError(ctx, err)
	}

	if len(p.models) == 0 {
		return list.Models, nil
	}
	return lo.Filter(list.Models, func(m openai.Model, _ int) bool {
		return lo.Contains(p.models, m.ID)
	}), nil
}

func (p *OpenAIProvider) HealthCheck(ctx context.Context) HealthStatus {
	start := time.Now()
	if _, err := p.ListModels(ctx); err != nil {
		return unhealthy(start, err)
	}
	return HealthStatus{Healthy: true, Latency: time.Since(start)}
}

func classifyOpenAIError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	default:
		return ClassifyError(ctx, err)
	}

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return apierror.NewAuthUpstreamError(status)
	}
	return apierror.NewTransientUpstreamError(status, false, err)
}

type openAIStream struct {
	stream    *openai.ChatCompletionStream
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *openAIStream) Recv() (*openai.ChatCompletionStreamResponse, error) {
	chunk, err := s.stream.Recv()
	if err != nil {
		return nil, err
	}
	return &chunk, nil
}

func (s *openAIStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.stream.Close()
		s.cancel()
	})
	return err
}
