// Package history records one summary per completed chat request.
package history

import (
	"context"
	"log/slog"
	"time"
)

// Summary describes one chat request after it finished.
type Summary struct {
	RequestID        string        `json:"request_id"`
	Provider         string        `json:"provider"`
	Model            string        `json:"model"`
	Stream           bool          `json:"stream"`
	Status           int           `json:"status"`
	FinishReason     string        `json:"finish_reason,omitempty"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	ToolCalls        int           `json:"tool_calls,omitempty"`
	Error            string        `json:"error,omitempty"`
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
}

// Recorder persists summaries. Failures are reported to the caller, which
// logs them; recording never fails a request.
type Recorder interface {
	Record(ctx context.Context, requestID string, s Summary) error
}

type nop struct{}

func (nop) Record(context.Context, string, Summary) error { return nil }

// Nop discards everything.
var Nop Recorder = nop{}

// LogRecorder writes summaries to a structured logger.
type LogRecorder struct {
	logger *slog.Logger
}

func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	return &LogRecorder{logger: logger}
}

func (r *LogRecorder) Record(ctx context.Context, requestID string, s Summary) error {
	attrs := []any{
		"provider", s.Provider,
		"model", s.Model,
		"stream", s.Stream,
		"status", s.Status,
		"prompt_tokens", s.PromptTokens,
		"completion_tokens", s.CompletionTokens,
		"duration", s.Duration,
	}
	if s.FinishReason != "" {
		attrs = append(attrs, "finish_reason", s.FinishReason)
	}
	if s.ToolCalls > 0 {
		attrs = append(attrs, "tool_calls", s.ToolCalls)
	}
	if s.Error != "" {
		attrs = append(attrs, "error", s.Error)
	}

	r.logger.InfoContext(ctx, "Chat request recorded", append([]any{"history_id", requestID}, attrs...)...)
	return nil
}
