package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaisavezi/chat-bridge/internal/apierror"
	"github.com/mihaisavezi/chat-bridge/internal/history"
	"github.com/mihaisavezi/chat-bridge/internal/logger"
	"github.com/mihaisavezi/chat-bridge/internal/providers"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type sliceStream struct {
	chunks []openai.ChatCompletionStreamResponse
	err    error
	closed bool
}

func (s *sliceStream) Recv() (*openai.ChatCompletionStreamResponse, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return &c, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

type fakeRouter struct {
	result *providers.ChatResult
	err    error
	got    *openai.ChatCompletionRequest
}

func (f *fakeRouter) ActiveID() string { return "vendor" }

func (f *fakeRouter) Route(_ context.Context, req *openai.ChatCompletionRequest) (*providers.ChatResult, error) {
	f.got = req
	return f.result, f.err
}

type memRecorder struct {
	mu        sync.Mutex
	summaries []history.Summary
	ids       []string
}

func (m *memRecorder) Record(_ context.Context, id string, s history.Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = append(m.ids, id)
	m.summaries = append(m.summaries, s)
	return nil
}

func postChat(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req = req.WithContext(logger.ContextWithRequestID(req.Context(), "req-42"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestChat_Buffered(t *testing.T) {
	router := &fakeRouter{result: &providers.ChatResult{Completion: &openai.ChatCompletionResponse{
		ID:     "chatcmpl-1",
		Object: "chat.completion",
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: "assistant", Content: "Hello"},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: openai.Usage{PromptTokens: 5, CompletionTokens: 1, TotalTokens: 6},
	}}}
	recorder := &memRecorder{}
	h := NewChatHandler(router, recorder, nil, testLogger())

	rec := postChat(t, h, `{"model":"vendor-max","messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp openai.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Hello", resp.Choices[0].Message.Content)
	assert.Equal(t, "vendor-max", router.got.Model)

	require.Len(t, recorder.summaries, 1)
	s := recorder.summaries[0]
	assert.Equal(t, "req-42", recorder.ids[0])
	assert.Equal(t, "vendor", s.Provider)
	assert.Equal(t, http.StatusOK, s.Status)
	assert.Equal(t, "stop", s.FinishReason)
	assert.Equal(t, 5, s.PromptTokens)
	assert.Equal(t, 1, s.CompletionTokens)
}

func TestChat_Streaming(t *testing.T) {
	stream := &sliceStream{chunks: []openai.ChatCompletionStreamResponse{
		{ID: "c1", Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{Role: "assistant", Content: "Hel"}}}},
		{ID: "c1", Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{Content: "lo"}}}},
		{ID: "c1", Choices: []openai.ChatCompletionStreamChoice{{FinishReason: openai.FinishReasonStop}}},
	}}
	recorder := &memRecorder{}
	h := NewChatHandler(&fakeRouter{result: &providers.ChatResult{Stream: stream}}, recorder, nil, testLogger())

	rec := postChat(t, h, `{"model":"m","stream":true,"messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, stream.closed)

	var (
		content strings.Builder
		lines   []string
	)
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		lines = append(lines, line)
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			continue
		}
		var chunk openai.ChatCompletionStreamResponse
		require.NoError(t, json.Unmarshal([]byte(data), &chunk))
		content.WriteString(chunk.Choices[0].Delta.Content)
	}

	require.Len(t, lines, 4)
	assert.Equal(t, "data: [DONE]", lines[3])
	assert.Equal(t, "Hello", content.String())
	assert.Equal(t, "stop", recorder.summaries[0].FinishReason)
}

func TestChat_StreamErrorAfterStart(t *testing.T) {
	stream := &sliceStream{
		chunks: []openai.ChatCompletionStreamResponse{
			{Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{Content: "par"}}}},
		},
		err: apierror.NewTransientUpstreamError(0, false, nil),
	}
	recorder := &memRecorder{}
	h := NewChatHandler(&fakeRouter{result: &providers.ChatResult{Stream: stream}}, recorder, nil, testLogger())

	rec := postChat(t, h, `{"model":"m","stream":true,"messages":[{"role":"user","content":"hi"}]}`)

	body := rec.Body.String()
	assert.Contains(t, body, `"upstream_error"`)
	assert.NotContains(t, body, "[DONE]", "a failed stream is not terminated as if it succeeded")
	assert.Equal(t, http.StatusBadGateway, recorder.summaries[0].Status)
}

func TestChat_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		routeErr error
		want     int
		wantType string
	}{
		{"malformed json", `{"messages":`, nil, http.StatusBadRequest, "invalid_request_error"},
		{"no messages", `{"model":"m","messages":[]}`, nil, http.StatusBadRequest, "invalid_request_error"},
		{"validation from provider", `{"messages":[{"role":"system","content":"x"}]}`, apierror.NewValidationError("request has no user message"), http.StatusBadRequest, "invalid_request_error"},
		{"credentials", `{"messages":[{"role":"user","content":"x"}]}`, apierror.NewCredentialError("vendor credentials are not set"), http.StatusServiceUnavailable, "server_error"},
		{"upstream auth", `{"messages":[{"role":"user","content":"x"}]}`, apierror.NewAuthUpstreamError(401), http.StatusServiceUnavailable, "server_error"},
		{"timeout", `{"messages":[{"role":"user","content":"x"}]}`, apierror.NewTransientUpstreamError(0, true, context.DeadlineExceeded), http.StatusGatewayTimeout, "server_error"},
		{"no provider", `{"messages":[{"role":"user","content":"x"}]}`, apierror.NewNoProviderError(), http.StatusServiceUnavailable, "server_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewChatHandler(&fakeRouter{err: tt.routeErr}, nil, nil, testLogger())
			rec := postChat(t, h, tt.body)

			assert.Equal(t, tt.want, rec.Code)

			var body apierror.Body
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantType, body.Error.Type)
			assert.NotEmpty(t, body.Error.Message)
		})
	}
}

func TestChat_AuthErrorCarriesHint(t *testing.T) {
	h := NewChatHandler(&fakeRouter{err: apierror.NewAuthUpstreamError(403)}, nil, nil, testLogger())
	rec := postChat(t, h, `{"messages":[{"role":"user","content":"x"}]}`)

	var body apierror.Body
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Error.Hint, "credentials invalid")
}
