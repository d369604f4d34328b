package upstream

import "fmt"

// Kind tags the variant held by an Event.
type Kind int

const (
	KindContentDelta Kind = iota + 1
	KindConversationCreated
	KindFinished
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindContentDelta:
		return "content_delta"
	case KindConversationCreated:
		return "conversation_created"
	case KindFinished:
		return "finished"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

func (u Usage) IsZero() bool {
	return u == Usage{}
}

// Event is one semantic unit of the vendor stream. Only the fields of its
// Kind are set.
type Event struct {
	Kind Kind

	// ContentDelta
	Text string
	// ConversationCreated
	ParentID string
	// Finished
	FinishReason string
	Usage        Usage
	// Error
	Message string
	Err     error
}

func ContentDelta(text string) Event {
	return Event{Kind: KindContentDelta, Text: text}
}

func ConversationCreated(parentID string) Event {
	return Event{Kind: KindConversationCreated, ParentID: parentID}
}

func Finished(reason string, usage Usage) Event {
	return Event{Kind: KindFinished, FinishReason: reason, Usage: usage}
}

func Error(message string, err error) Event {
	return Event{Kind: KindError, Message: message, Err: err}
}
