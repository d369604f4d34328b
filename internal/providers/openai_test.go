package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaisavezi/chat-bridge/internal/apierror"
	"github.com/mihaisavezi/chat-bridge/internal/config"
)

func newOpenAITestProvider(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	p, err := NewOpenAIProvider(config.ProviderConfig{
		ID:   "openai",
		Type: config.ProviderTypeOpenAI,
		Settings: map[string]string{
			config.SettingBaseURL:      server.URL + "/v1",
			config.SettingAPIKey:       "sk-test",
			config.SettingDefaultModel: "gpt-4o-mini",
		},
		Models: []string{"gpt-4o-mini"},
	}, Dependencies{
		Retry:   RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		Timeout: 5 * time.Second,
		Logger:  testLogger(),
	})
	require.NoError(t, err)
	return p
}

func TestOpenAI_BufferedPassthrough(t *testing.T) {
	var gotModel, gotAuth string
	p := newOpenAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")

		var req openai.ChatCompletionRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotModel = req.Model

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"chatcmpl-1","object":"chat.completion","model":"gpt-4o-mini",
			"choices":[{"index":0,"message":{"role":"assistant","content":"pong"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`)
	})

	result, err := p.Chat(context.Background(), &openai.ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{userMsg("ping")},
	})
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o-mini", gotModel, "the default model fills an empty request model")
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "pong", result.Completion.Choices[0].Message.Content)
	assert.Equal(t, 4, result.Completion.Usage.TotalTokens)
}

func TestOpenAI_Streaming(t *testing.T) {
	p := newOpenAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"po", "ng"} {
			io.WriteString(w, `data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"`+part+`"}}]}`+"\n\n")
		}
		io.WriteString(w, `data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`+"\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	})

	result, err := p.Chat(context.Background(), &openai.ChatCompletionRequest{
		Stream:   true,
		Messages: []openai.ChatCompletionMessage{userMsg("ping")},
	})
	require.NoError(t, err)
	defer result.Stream.Close()

	var content strings.Builder
	for {
		chunk, err := result.Stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		content.WriteString(chunk.Choices[0].Delta.Content)
	}
	assert.Equal(t, "pong", content.String())
}

func TestOpenAI_AuthFailure(t *testing.T) {
	var hits atomic.Int32
	p := newOpenAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	})

	_, err := p.Chat(context.Background(), &openai.ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{userMsg("ping")},
	})
	assert.True(t, apierror.IsAuthUpstream(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestOpenAI_ListModelsFiltered(t *testing.T) {
	p := newOpenAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"object":"list","data":[{"id":"gpt-4o-mini","object":"model"},{"id":"gpt-4o","object":"model"}]}`)
	})

	models, err := p.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "gpt-4o-mini", models[0].ID)
	assert.True(t, p.HealthCheck(context.Background()).Healthy)
}

func TestOpenAI_RequiresMessages(t *testing.T) {
	p := newOpenAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	_, err := p.Chat(context.Background(), &openai.ChatCompletionRequest{})
	assert.True(t, apierror.IsValidation(err))
}
