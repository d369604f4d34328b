package conversation

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/mihaisavezi/chat-bridge/internal/apierror"
)

// DeriveKey hashes the text of the first user message. Only that message is
// used, so two unrelated conversations that open with the same text share a
// key and continue each other.
func DeriveKey(messages []openai.ChatCompletionMessage) (string, error) {
	for _, m := range messages {
		if m.Role != openai.ChatMessageRoleUser {
			continue
		}

		sum := sha256.Sum256([]byte(TextContent(m)))
		return hex.EncodeToString(sum[:]), nil
	}

	return "", apierror.NewValidationError("request has no user message")
}

// TextContent returns the text of a message. Non-text parts are ignored.
func TextContent(m openai.ChatCompletionMessage) string {
	if m.Content != "" || len(m.MultiContent) == 0 {
		return m.Content
	}

	var parts []string
	for _, p := range m.MultiContent {
		if p.Type == openai.ChatMessagePartTypeText {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "\n")
}
