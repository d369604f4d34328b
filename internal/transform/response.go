package transform

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"

	"github.com/mihaisavezi/chat-bridge/internal/apierror"
	"github.com/mihaisavezi/chat-bridge/internal/toolcall"
	"github.com/mihaisavezi/chat-bridge/internal/upstream"
)

// DoneSentinel terminates an OpenAI event stream.
const DoneSentinel = "[DONE]"

const (
	objectCompletion = "chat.completion"
	objectChunk      = "chat.completion.chunk"
)

// Options is shared by the buffered and streaming transformers so both
// produce the same ids, model and tool-call handling for one request.
type Options struct {
	ID      string
	Model   string
	Created int64
	// Codec extracts tool calls from the answer; nil disables extraction.
	Codec *toolcall.Codec
	// PromptTokens and CountTokens fill in usage when the vendor reports none.
	PromptTokens int
	CountTokens  func(string) int
}

func NewOptions(req *openai.ChatCompletionRequest) Options {
	opts := Options{
		ID:      "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Model:   req.Model,
		Created: time.Now().Unix(),
	}
	if ToolsEnabled(req) {
		opts.Codec = toolcall.NewCodec(req.Tools)
	}
	return opts
}

func (o Options) usage(vendor upstream.Usage, completion string) openai.Usage {
	u := openai.Usage{
		PromptTokens:     vendor.PromptTokens,
		CompletionTokens: vendor.CompletionTokens,
		TotalTokens:      vendor.TotalTokens,
	}
	if !vendor.IsZero() || o.CountTokens == nil {
		return u
	}

	u.PromptTokens = o.PromptTokens
	u.CompletionTokens = o.CountTokens(completion)
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}

// MapFinishReason maps the vendor's finish signal. Decoded tool calls take
// precedence over whatever the vendor reported.
func MapFinishReason(vendor string, hasToolCalls bool) openai.FinishReason {
	if hasToolCalls {
		return openai.FinishReasonToolCalls
	}

	switch strings.ToLower(vendor) {
	case "length", "max_tokens":
		return openai.FinishReasonLength
	default:
		return openai.FinishReasonStop
	}
}

// EventError converts an Error event into the error returned to callers.
func EventError(ev upstream.Event) error {
	cause := ev.Err
	if cause == nil {
		cause = errors.New(ev.Message)
	} else if ev.Message != "" {
		cause = fmt.Errorf("%s: %w", ev.Message, cause)
	}
	return apierror.NewTransientUpstreamError(0, errors.Is(cause, context.DeadlineExceeded), cause)
}

// TransformBufferedResult folds a complete event sequence into a single
// completion. A stream that ends without a finish marker is treated as
// finished with reason stop.
func TransformBufferedResult(events []upstream.Event, opts Options) (*openai.ChatCompletionResponse, error) {
	var (
		content strings.Builder
		reason  string
		usage   upstream.Usage
	)

	for _, ev := range events {
		switch ev.Kind {
		case upstream.KindContentDelta:
			content.WriteString(ev.Text)
		case upstream.KindFinished:
			reason = ev.FinishReason
			usage = ev.Usage
		case upstream.KindError:
			return nil, EventError(ev)
		}
	}

	text := content.String()
	var calls []openai.ToolCall
	if opts.Codec != nil {
		calls, text = opts.Codec.Decode(text)
	}

	return &openai.ChatCompletionResponse{
		ID:      opts.ID,
		Object:  objectCompletion,
		Created: opts.Created,
		Model:   opts.Model,
		Choices: []openai.ChatCompletionChoice{{
			Index: 0,
			Message: openai.ChatCompletionMessage{
				Role:      openai.ChatMessageRoleAssistant,
				Content:   text,
				ToolCalls: calls,
			},
			FinishReason: MapFinishReason(reason, len(calls) > 0),
		}},
		Usage: opts.usage(usage, content.String()),
	}, nil
}
