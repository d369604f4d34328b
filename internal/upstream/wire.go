// Package upstream holds the vendor's wire format and turns its event stream
// into semantic events.
package upstream

// Vendor endpoint paths, relative to the configured base URL.
const (
	PathNewChat     = "/api/v2/chats/new"
	PathCompletions = "/api/v2/chat/completions"
	PathModels      = "/api/models"
)

const (
	ChatModeNormal    = "normal"
	ChatTypeText      = "t2t"
	UserActionChat    = "chat"
	OutputSchemaPhase = "phase"
)

// ChatRequest is the body of one turn. ParentID is serialized as null on
// the first turn; optional sampling fields are omitted when unset.
type ChatRequest struct {
	Stream            bool      `json:"stream"`
	IncrementalOutput bool      `json:"incremental_output"`
	ChatID            string    `json:"chat_id"`
	ChatMode          string    `json:"chat_mode"`
	Model             string    `json:"model"`
	ParentID          *string   `json:"parent_id"`
	Messages          []Message `json:"messages"`
	Timestamp         int64     `json:"timestamp"`
	Temperature       *float32  `json:"temperature,omitempty"`
	MaxTokens         *int      `json:"max_tokens,omitempty"`
}

type Message struct {
	FID           string        `json:"fid"`
	ParentID      *string       `json:"parentId"`
	ChildrenIDs   []string      `json:"childrenIds"`
	Role          string        `json:"role"`
	Content       string        `json:"content"`
	UserAction    string        `json:"user_action"`
	Files         []any         `json:"files"`
	Timestamp     int64         `json:"timestamp"`
	Models        []string      `json:"models"`
	ChatType      string        `json:"chat_type"`
	FeatureConfig FeatureConfig `json:"feature_config"`
}

type FeatureConfig struct {
	ThinkingEnabled bool   `json:"thinking_enabled"`
	OutputSchema    string `json:"output_schema"`
}

type NewChatRequest struct {
	Title     string   `json:"title"`
	Models    []string `json:"models"`
	ChatMode  string   `json:"chat_mode"`
	ChatType  string   `json:"chat_type"`
	Timestamp int64    `json:"timestamp"`
}

type NewChatResponse struct {
	Success bool `json:"success"`
	Data    struct {
		ID string `json:"id"`
	} `json:"data"`
}

type ModelsResponse struct {
	Data []ModelInfo `json:"data"`
}

type ModelInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnedBy string `json:"owned_by"`
	Created int64  `json:"created"`
}
