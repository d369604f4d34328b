package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/mihaisavezi/chat-bridge/internal/apierror"
	"github.com/mihaisavezi/chat-bridge/internal/history"
	"github.com/mihaisavezi/chat-bridge/internal/logger"
	"github.com/mihaisavezi/chat-bridge/internal/providers"
	"github.com/mihaisavezi/chat-bridge/internal/tokens"
	"github.com/mihaisavezi/chat-bridge/internal/transform"
)

// maxRequestBody bounds the size of an inbound chat request.
const maxRequestBody = 16 << 20

// ChatRouter sends a request to whichever provider is active.
type ChatRouter interface {
	ActiveID() string
	Route(ctx context.Context, req *openai.ChatCompletionRequest) (*providers.ChatResult, error)
}

type ChatHandler struct {
	router   ChatRouter
	recorder history.Recorder
	counter  *tokens.Counter
	logger   *slog.Logger
}

func NewChatHandler(router ChatRouter, recorder history.Recorder, counter *tokens.Counter, logger *slog.Logger) *ChatHandler {
	if recorder == nil {
		recorder = history.Nop
	}
	return &ChatHandler{
		router:   router,
		recorder: recorder,
		counter:  counter,
		logger:   logger,
	}
}

func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		h.fail(ctx, w, apierror.NewValidationError("invalid request body: %v", err))
		return
	}
	if len(req.Messages) == 0 {
		h.fail(ctx, w, apierror.NewValidationError("messages must not be empty"))
		return
	}

	summary := history.Summary{
		Provider:  h.router.ActiveID(),
		Model:     req.Model,
		Stream:    req.Stream,
		StartedAt: start,
	}
	if h.counter != nil {
		summary.PromptTokens = h.counter.CountMessages(req.Messages)
	}

	h.logger.InfoContext(ctx, "Chat request",
		"provider", summary.Provider,
		"model", req.Model,
		"stream", req.Stream,
		"messages", len(req.Messages),
		"tools", len(req.Tools),
		"input_tokens", summary.PromptTokens,
	)

	result, err := h.router.Route(ctx, &req)
	if err != nil {
		summary.Status = apierror.HTTPStatus(err)
		summary.Error = err.Error()
		h.record(ctx, summary, start)
		h.fail(ctx, w, err)
		return
	}

	if result.Stream != nil {
		h.stream(ctx, w, result.Stream, &summary)
	} else {
		h.buffered(ctx, w, result.Completion, &summary)
	}
	h.record(ctx, summary, start)
}

func (h *ChatHandler) buffered(ctx context.Context, w http.ResponseWriter, completion *openai.ChatCompletionResponse, summary *history.Summary) {
	summary.Status = http.StatusOK
	if len(completion.Choices) > 0 {
		choice := completion.Choices[0]
		summary.FinishReason = string(choice.FinishReason)
		summary.ToolCalls = len(choice.Message.ToolCalls)
	}
	if completion.Usage.PromptTokens > 0 {
		summary.PromptTokens = completion.Usage.PromptTokens
	}
	summary.CompletionTokens = completion.Usage.CompletionTokens

	writeJSON(w, http.StatusOK, completion)
	h.logger.InfoContext(ctx, "Successful response",
		"finish_reason", summary.FinishReason,
		"output_tokens", summary.CompletionTokens,
	)
}

// stream relays chunks as they arrive. Once the first byte is written the
// status is fixed, so later failures are sent as an error event.
func (h *ChatHandler) stream(ctx context.Context, w http.ResponseWriter, stream providers.ChatStream, summary *history.Summary) {
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flush(w)

	summary.Status = http.StatusOK
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			fmt.Fprintf(w, "data: %s\n\n", transform.DoneSentinel)
			flush(w)
			break
		}
		if err != nil {
			summary.Status = apierror.HTTPStatus(err)
			summary.Error = err.Error()
			if ctx.Err() != nil {
				h.logger.InfoContext(ctx, "Client went away during stream", logger.Err(err))
				return
			}

			h.logger.ErrorContext(ctx, "Stream failed", logger.Err(err))
			writeEvent(w, apierror.ToBody(err))
			return
		}

		observeChunk(chunk, summary)
		if err := writeEvent(w, chunk); err != nil {
			h.logger.InfoContext(ctx, "Client went away during stream", logger.Err(err))
			return
		}
	}

	h.logger.InfoContext(ctx, "Completed streaming response",
		"finish_reason", summary.FinishReason,
		"output_tokens", summary.CompletionTokens,
	)
}

func observeChunk(chunk *openai.ChatCompletionStreamResponse, summary *history.Summary) {
	for _, choice := range chunk.Choices {
		summary.ToolCalls += len(choice.Delta.ToolCalls)
		if choice.FinishReason != "" {
			summary.FinishReason = string(choice.FinishReason)
		}
	}
	if chunk.Usage != nil {
		if chunk.Usage.PromptTokens > 0 {
			summary.PromptTokens = chunk.Usage.PromptTokens
		}
		summary.CompletionTokens = chunk.Usage.CompletionTokens
	}
}

func (h *ChatHandler) record(ctx context.Context, summary history.Summary, start time.Time) {
	summary.Duration = time.Since(start)
	id, _ := logger.RequestIDFromContext(ctx)
	if err := h.recorder.Record(ctx, id, summary); err != nil {
		h.logger.WarnContext(ctx, "Failed to record request history", logger.Err(err))
	}
}

func (h *ChatHandler) fail(ctx context.Context, w http.ResponseWriter, err error) {
	status := apierror.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, "Chat request failed", "status", status, logger.Err(err))
	} else {
		h.logger.WarnContext(ctx, "Chat request rejected", "status", status, logger.Err(err))
	}
	apierror.WriteJSON(w, err)
}

func writeEvent(w http.ResponseWriter, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flush(w)
	return nil
}

func flush(w http.ResponseWriter) {
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
