// Package transform maps OpenAI chat requests onto vendor turns and vendor
// stream events back onto OpenAI responses.
package transform

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sashabaranov/go-openai"

	"github.com/mihaisavezi/chat-bridge/internal/apierror"
	"github.com/mihaisavezi/chat-bridge/internal/conversation"
	"github.com/mihaisavezi/chat-bridge/internal/toolcall"
	"github.com/mihaisavezi/chat-bridge/internal/upstream"
)

const roleDeveloper = "developer"

const toolResultsPreamble = "The tools you called returned the following results. Use them to continue."

// ToolsEnabled reports whether the request carries tools and does not opt
// out of them with tool_choice "none".
func ToolsEnabled(req *openai.ChatCompletionRequest) bool {
	if len(req.Tools) == 0 {
		return false
	}
	choice, _ := req.ToolChoice.(string)
	return choice != "none"
}

// forcedTool returns the function name when tool_choice names one.
func forcedTool(choice any) string {
	switch c := choice.(type) {
	case openai.ToolChoice:
		return c.Function.Name
	case *openai.ToolChoice:
		if c != nil {
			return c.Function.Name
		}
	case map[string]any:
		if fn, ok := c["function"].(map[string]any); ok {
			name, _ := fn["name"].(string)
			return name
		}
	}
	return ""
}

// BuildVendorRequest turns the newest turn of req into a vendor payload
// attached to state. History before the newest user message is not sent;
// the vendor keeps it behind the parent pointer. The vendor only answers
// with an event stream, so the payload always asks for one.
func BuildVendorRequest(req *openai.ChatCompletionRequest, state conversation.State) (*upstream.ChatRequest, error) {
	lastUser := -1
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == openai.ChatMessageRoleUser {
			lastUser = i
			break
		}
	}
	if lastUser < 0 {
		return nil, apierror.NewValidationError("request has no user message")
	}

	var content string
	if results := req.Messages[lastUser+1:]; hasToolResults(results) {
		content = toolResultsContent(req.Messages, results)
	} else {
		content = conversation.TextContent(req.Messages[lastUser])
	}

	if strings.TrimSpace(content) == "" {
		return nil, apierror.NewValidationError("latest user message has no text content")
	}

	if ToolsEnabled(req) {
		block := toolcall.PromptBlock(req.Tools)
		if name := forcedTool(req.ToolChoice); name != "" {
			block += fmt.Sprintf("\nYou must call the tool %s in this reply.", name)
		} else if choice, _ := req.ToolChoice.(string); choice == "required" {
			block += "\nYou must call at least one tool in this reply."
		}
		content = block + "\n\n" + content
	}

	if state.FirstTurn() {
		if system := systemPrompt(req.Messages); system != "" {
			content = system + "\n\n" + content
		}
	}

	now := time.Now()
	out := &upstream.ChatRequest{
		Stream:            true,
		IncrementalOutput: true,
		ChatID:            state.VendorChatID,
		ChatMode:          upstream.ChatModeNormal,
		Model:             req.Model,
		ParentID:          state.ParentMessageID,
		Timestamp:         now.Unix(),
		Messages: []upstream.Message{{
			FID:         uuid.NewString(),
			ParentID:    state.ParentMessageID,
			ChildrenIDs: []string{},
			Role:        openai.ChatMessageRoleUser,
			Content:     content,
			UserAction:  upstream.UserActionChat,
			Files:       []any{},
			Timestamp:   now.Unix(),
			Models:      []string{req.Model},
			ChatType:    upstream.ChatTypeText,
			FeatureConfig: upstream.FeatureConfig{
				ThinkingEnabled: false,
				OutputSchema:    upstream.OutputSchemaPhase,
			},
		}},
	}

	// go-openai drops a zero temperature on the wire, so zero means unset.
	if req.Temperature != 0 {
		out.Temperature = lo.ToPtr(req.Temperature)
	}
	if maxTokens := lo.Max([]int{req.MaxTokens, req.MaxCompletionTokens}); maxTokens > 0 {
		out.MaxTokens = lo.ToPtr(maxTokens)
	}

	return out, nil
}

func hasToolResults(msgs []openai.ChatCompletionMessage) bool {
	return lo.SomeBy(msgs, func(m openai.ChatCompletionMessage) bool {
		return m.Role == openai.ChatMessageRoleTool
	})
}

// toolResultsContent renders tool messages that follow the last user turn.
// Tool names are recovered from the assistant calls that produced them.
func toolResultsContent(all, tail []openai.ChatCompletionMessage) string {
	names := make(map[string]string)
	for _, m := range all {
		for _, call := range m.ToolCalls {
			names[call.ID] = call.Function.Name
		}
	}

	var b strings.Builder
	b.WriteString(toolResultsPreamble)
	b.WriteString("\n<tool_results>\n")
	for _, m := range tail {
		if m.Role != openai.ChatMessageRoleTool {
			continue
		}
		name := m.Name
		if name == "" {
			name = names[m.ToolCallID]
		}
		b.WriteString(toolcall.EncodeToolResult(m.ToolCallID, name, conversation.TextContent(m)))
		b.WriteString("\n")
	}
	b.WriteString("</tool_results>")

	return b.String()
}

func systemPrompt(msgs []openai.ChatCompletionMessage) string {
	parts := lo.FilterMap(msgs, func(m openai.ChatCompletionMessage, _ int) (string, bool) {
		if m.Role != openai.ChatMessageRoleSystem && m.Role != roleDeveloper {
			return "", false
		}
		text := strings.TrimSpace(conversation.TextContent(m))
		return text, text != ""
	})
	return strings.Join(parts, "\n\n")
}
