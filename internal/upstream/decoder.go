package upstream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/samber/lo"

	"github.com/mihaisavezi/chat-bridge/internal/apierror"
)

const maxLineSize = 4 << 20

// Answer phases. Text in any other phase (reasoning) is not emitted.
const (
	PhaseAnswer = "answer"
	PhaseThink  = "think"
)

type rawChunk struct {
	Created *struct {
		ChatID     string `json:"chat_id"`
		ParentID   string `json:"parent_id"`
		ResponseID string `json:"response_id"`
	} `json:"response.created"`
	Choices []struct {
		Delta struct {
			Role    string `json:"role"`
			Content string `json:"content"`
			Phase   string `json:"phase"`
			Status  string `json:"status"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage   *rawUsage       `json:"usage"`
	Success *bool           `json:"success"`
	Error   json.RawMessage `json:"error"`
	Data    *struct {
		Code    string `json:"code"`
		Details string `json:"details"`
	} `json:"data"`
}

// rawUsage accepts both input/output and prompt/completion naming.
type rawUsage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u rawUsage) normalize() Usage {
	out := Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if out.PromptTokens == 0 {
		out.PromptTokens = u.InputTokens
	}
	if out.CompletionTokens == 0 {
		out.CompletionTokens = u.OutputTokens
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = out.PromptTokens + out.CompletionTokens
	}
	return out
}

// Decoder reads the vendor's line-delimited stream and yields events one at
// a time. Reading is driven by the caller, so a consumer that stops calling
// Next stops reading from the vendor.
type Decoder struct {
	scanner  *bufio.Scanner
	logger   *slog.Logger
	pending  []Event
	usage    Usage
	finished bool
	done     bool
}

func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	if logger == nil {
		logger = slog.Default()
	}

	return &Decoder{
		scanner: scanner,
		logger:  logger,
	}
}

// Next returns the next event. It returns false once the stream has ended;
// after an Error event or a Finished event the stream is over.
func (d *Decoder) Next() (Event, bool) {
	for len(d.pending) == 0 {
		if d.done {
			return Event{}, false
		}
		d.readLine()
	}

	ev := d.pending[0]
	d.pending = d.pending[1:]
	if ev.Kind == KindError || ev.Kind == KindFinished {
		d.done = true
		d.pending = nil
	}
	return ev, true
}

// Finished reports whether a Finished event has been produced.
func (d *Decoder) Finished() bool {
	return d.finished
}

func (d *Decoder) readLine() {
	if !d.scanner.Scan() {
		d.done = true
		if err := d.scanner.Err(); err != nil {
			d.pending = append(d.pending, Error("vendor stream read failed", err))
		}
		return
	}

	line := strings.TrimSpace(d.scanner.Text())
	switch {
	case line == "", strings.HasPrefix(line, ":"):
		return
	case strings.HasPrefix(line, "event:"), strings.HasPrefix(line, "id:"), strings.HasPrefix(line, "retry:"):
		return
	case strings.HasPrefix(line, "data:"):
		line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	}

	if line == "[DONE]" {
		d.done = true
		return
	}
	if !strings.HasPrefix(line, "{") {
		return
	}

	var chunk rawChunk
	if err := json.Unmarshal([]byte(line), &chunk); err != nil {
		d.logger.Debug("Ignoring malformed vendor chunk", "error", apierror.NewDecodeError("malformed stream chunk", err))
		return
	}

	d.handle(&chunk)
}

func (d *Decoder) handle(chunk *rawChunk) {
	if msg, ok := chunkError(chunk); ok {
		d.pending = append(d.pending, Error(msg, nil))
		return
	}

	if chunk.Created != nil && chunk.Created.ResponseID != "" {
		d.pending = append(d.pending, ConversationCreated(chunk.Created.ResponseID))
	}

	if chunk.Usage != nil {
		if u := chunk.Usage.normalize(); !u.IsZero() {
			d.usage = u
		}
	}

	if len(chunk.Choices) == 0 {
		return
	}

	choice := chunk.Choices[0]
	delta := choice.Delta
	answer := delta.Phase == "" || delta.Phase == PhaseAnswer

	if answer && delta.Content != "" {
		d.pending = append(d.pending, ContentDelta(delta.Content))
	}

	reason := choice.FinishReason
	if reason == "" && answer {
		switch delta.Status {
		case "finished", "stopped":
			reason = delta.Status
		}
	}
	if reason != "" {
		d.finished = true
		d.pending = append(d.pending, Finished(reason, d.usage))
	}
}

func chunkError(chunk *rawChunk) (string, bool) {
	if len(chunk.Error) > 0 && string(chunk.Error) != "null" {
		var text string
		if err := json.Unmarshal(chunk.Error, &text); err == nil {
			return text, true
		}

		var obj struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Details string `json:"details"`
		}
		if err := json.Unmarshal(chunk.Error, &obj); err == nil {
			details, _ := lo.Coalesce(obj.Message, obj.Details)
			return describe(obj.Code, details), true
		}
		return string(chunk.Error), true
	}

	if chunk.Success != nil && !*chunk.Success {
		if chunk.Data != nil {
			return describe(chunk.Data.Code, chunk.Data.Details), true
		}
		return "vendor reported failure", true
	}

	return "", false
}

func describe(code, details string) string {
	switch {
	case code != "" && details != "":
		return fmt.Sprintf("%s: %s", code, details)
	case details != "":
		return details
	case code != "":
		return code
	default:
		return "vendor reported failure"
	}
}

// Collect drains the decoder for a buffered consumer.
func Collect(d *Decoder) []Event {
	var events []Event
	for {
		ev, ok := d.Next()
		if !ok {
			return events
		}
		events = append(events, ev)
	}
}
