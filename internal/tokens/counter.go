// Package tokens estimates token counts for logging and for responses where
// the vendor reports no usage.
package tokens

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/sashabaranov/go-openai"
)

const encodingName = "cl100k_base"

// tokensPerMessage approximates the role and separator overhead of a chat message.
const tokensPerMessage = 4

type Counter struct {
	logger *slog.Logger

	once sync.Once
	enc  *tiktoken.Tiktoken
}

func NewCounter(logger *slog.Logger) *Counter {
	return &Counter{logger: logger}
}

// Count returns the cl100k_base token count of text. If the encoding cannot
// be loaded it falls back to one token per four bytes.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}

	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(encodingName)
		if err != nil {
			c.logger.Error("Failed to get tiktoken encoding", "error", err)
			return
		}
		c.enc = enc
	})

	if c.enc == nil {
		return (len(text) + 3) / 4
	}
	return len(c.enc.Encode(text, nil, nil))
}

// CountMessages estimates the prompt tokens of a chat request.
func (c *Counter) CountMessages(msgs []openai.ChatCompletionMessage) int {
	total := 0
	for _, m := range msgs {
		total += tokensPerMessage + c.Count(m.Content)
		for _, part := range m.MultiContent {
			if part.Type == openai.ChatMessagePartTypeText {
				total += c.Count(part.Text)
			}
		}
		for _, call := range m.ToolCalls {
			total += c.Count(call.Function.Name) + c.Count(call.Function.Arguments)
		}
	}
	return total
}
