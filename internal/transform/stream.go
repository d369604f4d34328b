package transform

import (
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/mihaisavezi/chat-bridge/internal/toolcall"
	"github.com/mihaisavezi/chat-bridge/internal/upstream"
)

type Chunk = openai.ChatCompletionStreamResponse

// StreamTransformer turns events into stream chunks one at a time. With
// tool extraction enabled, text from the first tool-call marker on is held
// back and decoded when the stream finishes, so the concatenated content and
// the finish reason equal those of TransformBufferedResult.
type StreamTransformer struct {
	opts Options

	roleSent  bool
	held      strings.Builder
	capturing bool
	all       strings.Builder
	finished  bool
}

func NewStreamTransformer(opts Options) *StreamTransformer {
	return &StreamTransformer{opts: opts}
}

// Finished reports whether the terminal chunk has been produced.
func (s *StreamTransformer) Finished() bool {
	return s.finished
}

// Transform returns the chunks for ev, possibly none. An Error event yields
// the error to surface to the client.
func (s *StreamTransformer) Transform(ev upstream.Event) ([]Chunk, error) {
	if s.finished {
		return nil, nil
	}

	switch ev.Kind {
	case upstream.KindContentDelta:
		s.all.WriteString(ev.Text)
		return s.content(ev.Text), nil
	case upstream.KindFinished:
		return s.finish(ev.FinishReason, ev.Usage), nil
	case upstream.KindError:
		return nil, EventError(ev)
	default:
		return nil, nil
	}
}

// Close finishes a stream that ended without a finish marker.
func (s *StreamTransformer) Close() []Chunk {
	if s.finished {
		return nil
	}
	return s.finish("", upstream.Usage{})
}

func (s *StreamTransformer) content(text string) []Chunk {
	if s.opts.Codec == nil {
		return s.textChunks(text)
	}

	s.held.WriteString(text)
	if s.capturing {
		return nil
	}

	pending := s.held.String()
	idx, found := toolcall.HoldIndex(pending)
	s.capturing = found

	s.held.Reset()
	s.held.WriteString(pending[idx:])
	return s.textChunks(pending[:idx])
}

func (s *StreamTransformer) finish(reason string, usage upstream.Usage) []Chunk {
	s.finished = true

	var (
		out   []Chunk
		calls []openai.ToolCall
	)

	if s.opts.Codec != nil && s.held.Len() > 0 {
		var rest string
		calls, rest = s.opts.Codec.Decode(s.held.String())
		s.held.Reset()

		out = append(out, s.textChunks(rest)...)
		if len(calls) > 0 {
			out = append(out, s.chunk(openai.ChatCompletionStreamChoiceDelta{ToolCalls: calls}, ""))
		}
	}

	final := s.chunk(openai.ChatCompletionStreamChoiceDelta{}, MapFinishReason(reason, len(calls) > 0))
	u := s.opts.usage(usage, s.all.String())
	if u.TotalTokens > 0 {
		final.Usage = &u
	}

	return append(out, final)
}

func (s *StreamTransformer) textChunks(text string) []Chunk {
	if text == "" {
		return nil
	}
	return []Chunk{s.chunk(openai.ChatCompletionStreamChoiceDelta{Content: text}, "")}
}

func (s *StreamTransformer) chunk(delta openai.ChatCompletionStreamChoiceDelta, finish openai.FinishReason) Chunk {
	if !s.roleSent {
		delta.Role = openai.ChatMessageRoleAssistant
		s.roleSent = true
	}

	return Chunk{
		ID:      s.opts.ID,
		Object:  objectChunk,
		Created: s.opts.Created,
		Model:   s.opts.Model,
		Choices: []openai.ChatCompletionStreamChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finish,
		}},
	}
}
