// Package providers implements the backends a chat request can be routed to
// and the registry that owns them.
package providers

import (
	"context"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Provider is one live backend.
type Provider interface {
	ID() string
	Type() string
	// Chat runs one turn. Exactly one of the result fields is set,
	// depending on req.Stream.
	Chat(ctx context.Context, req *openai.ChatCompletionRequest) (*ChatResult, error)
	ListModels(ctx context.Context) ([]openai.Model, error)
	// HealthCheck reports problems in the returned status and never fails.
	HealthCheck(ctx context.Context) HealthStatus
}

type ChatResult struct {
	Completion *openai.ChatCompletionResponse
	Stream     ChatStream
}

// ChatStream yields chunks as the backend produces them. Recv returns
// io.EOF after the terminal chunk. Close releases the upstream connection
// and may be called at any time.
type ChatStream interface {
	Recv() (*openai.ChatCompletionStreamResponse, error)
	Close() error
}

type HealthStatus struct {
	Healthy bool
	Latency time.Duration
	Error   string
	// CredentialsExpireIn is set when the provider uses expiring credentials.
	CredentialsExpireIn *time.Duration
}

func unhealthy(start time.Time, err error) HealthStatus {
	return HealthStatus{Latency: time.Since(start), Error: err.Error()}
}
