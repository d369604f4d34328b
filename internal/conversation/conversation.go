// Package conversation maps client conversations onto the vendor's chat
// containers and parent-message pointers.
package conversation

import "time"

// DefaultIdleTimeout is how long a conversation survives without a turn.
const DefaultIdleTimeout = 30 * time.Minute

// Conversation is one logical multi-turn chat as seen by a client.
// VendorChatID never changes once set; ParentMessageID is nil until the
// first turn succeeds.
type Conversation struct {
	Key             string    `json:"key"`
	VendorChatID    string    `json:"vendor_chat_id"`
	ParentMessageID *string   `json:"parent_message_id"`
	TurnCount       int       `json:"turn_count"`
	CreatedAt       time.Time `json:"created_at"`
	LastAccessedAt  time.Time `json:"last_accessed_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

func (c Conversation) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// State is the read-only view a provider gets for one turn.
type State struct {
	Key             string
	VendorChatID    string
	ParentMessageID *string
	TurnCount       int
	// New is true when the vendor chat container was created for this turn.
	New bool
}

// FirstTurn reports whether no vendor turn has succeeded yet. A first turn
// retried after a failure is still a first turn.
func (s State) FirstTurn() bool {
	return s.ParentMessageID == nil
}

func (c Conversation) state(isNew bool) State {
	return State{
		Key:             c.Key,
		VendorChatID:    c.VendorChatID,
		ParentMessageID: c.ParentMessageID,
		TurnCount:       c.TurnCount,
		New:             isNew,
	}
}
