package providers

import (
	"log/slog"
	"time"

	"github.com/mihaisavezi/chat-bridge/internal/apierror"
	"github.com/mihaisavezi/chat-bridge/internal/config"
	"github.com/mihaisavezi/chat-bridge/internal/conversation"
	"github.com/mihaisavezi/chat-bridge/internal/credentials"
	"github.com/mihaisavezi/chat-bridge/internal/tokens"
)

// Dependencies are shared by every provider the factory builds.
type Dependencies struct {
	Credentials   *credentials.State
	Conversations *conversation.Manager
	Tokens        *tokens.Counter
	Retry         RetryPolicy
	Timeout       time.Duration
	Logger        *slog.Logger
}

func (d Dependencies) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// Factory builds a provider from its configuration.
type Factory func(cfg config.ProviderConfig) (Provider, error)

func NewFactory(deps Dependencies) Factory {
	return func(cfg config.ProviderConfig) (Provider, error) {
		switch cfg.Type {
		case config.ProviderTypeWebChat:
			return NewWebChatProvider(cfg, deps)
		case config.ProviderTypeOpenAI:
			return NewOpenAIProvider(cfg, deps)
		default:
			return nil, apierror.NewValidationError("unknown provider type %q", cfg.Type)
		}
	}
}
