package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/mihaisavezi/chat-bridge/internal/apierror"
)

// ChatCreator creates a vendor chat container and returns its id.
type ChatCreator func(ctx context.Context) (string, error)

// Manager owns the conversation table. All reads and writes of a key go
// through a per-key lock; different keys never contend.
type Manager struct {
	store  Store
	locks  *keyLocks
	idle   time.Duration
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Manager)

func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.idle = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(store Store, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		locks:  newKeyLocks(),
		idle:   DefaultIdleTimeout,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) IdleTimeout() time.Duration {
	return m.idle
}

// Resolve returns the conversation state for req, creating the vendor chat
// container on a miss. create runs under the key lock, so concurrent first
// turns of one conversation create a single container. A hit refreshes the
// expiry.
func (m *Manager) Resolve(ctx context.Context, req *openai.ChatCompletionRequest, create ChatCreator) (State, error) {
	key, err := DeriveKey(req.Messages)
	if err != nil {
		return State{}, err
	}

	unlock := m.locks.Lock(key)
	defer unlock()

	c, ok, err := m.store.Get(key)
	if err != nil {
		return State{}, err
	}

	now := m.now()
	if ok && !c.Expired(now) {
		c.LastAccessedAt = now
		c.ExpiresAt = now.Add(m.idle)
		if err := m.store.Put(c); err != nil {
			return State{}, fmt.Errorf("touch conversation: %w", err)
		}
		return c.state(false), nil
	}

	chatID, err := create(ctx)
	if err != nil {
		return State{}, fmt.Errorf("create vendor chat: %w", err)
	}

	c = Conversation{
		Key:            key,
		VendorChatID:   chatID,
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(m.idle),
	}
	if err := m.store.Put(c); err != nil {
		return State{}, fmt.Errorf("store conversation: %w", err)
	}

	m.logger.Debug("Created conversation", "key", key, "vendor_chat_id", chatID)
	return c.state(true), nil
}

// Advance records the parent id returned by a successful vendor turn.
// An empty id or the current id is rejected so the pointer never moves
// without a new turn.
func (m *Manager) Advance(key, newParentID string) error {
	if newParentID == "" {
		return apierror.NewValidationError("empty parent message id")
	}

	unlock := m.locks.Lock(key)
	defer unlock()

	c, ok, err := m.store.Get(key)
	if err != nil {
		return err
	}
	if !ok {
		return apierror.NewNotFoundError("conversation", key)
	}
	if c.ParentMessageID != nil && *c.ParentMessageID == newParentID {
		return apierror.NewValidationError("parent message id %s is already current", newParentID)
	}

	now := m.now()
	c.ParentMessageID = &newParentID
	c.TurnCount++
	c.LastAccessedAt = now
	c.ExpiresAt = now.Add(m.idle)

	return m.store.Put(c)
}

// Sweep deletes conversations that expired before now and returns how many
// were removed. Each candidate is re-checked under its key lock, so a turn
// that refreshed it after the scan keeps it alive. Keys held by an in-flight
// turn are skipped until the next sweep.
func (m *Manager) Sweep(now time.Time) int {
	var expired []string
	if err := m.store.Range(func(c Conversation) bool {
		if c.Expired(now) {
			expired = append(expired, c.Key)
		}
		return true
	}); err != nil {
		m.logger.Error("Failed to scan conversations", "error", err)
		return 0
	}

	removed := 0
	for _, key := range expired {
		if m.evictIfExpired(key, now) {
			removed++
		}
	}
	return removed
}

func (m *Manager) evictIfExpired(key string, now time.Time) bool {
	unlock, ok := m.locks.TryLock(key)
	if !ok {
		return false
	}
	defer unlock()

	c, ok, err := m.store.Get(key)
	if err != nil || !ok || !c.Expired(now) {
		return false
	}

	if err := m.store.Delete(key); err != nil {
		m.logger.Error("Failed to delete expired conversation", "key", key, "error", err)
		return false
	}
	return true
}

// Evict removes a conversation regardless of expiry.
func (m *Manager) Evict(key string) error {
	unlock := m.locks.Lock(key)
	defer unlock()

	_, ok, err := m.store.Get(key)
	if err != nil {
		return err
	}
	if !ok {
		return apierror.NewNotFoundError("conversation", key)
	}
	return m.store.Delete(key)
}

func (m *Manager) Get(key string) (Conversation, bool) {
	c, ok, err := m.store.Get(key)
	if err != nil {
		m.logger.Error("Failed to read conversation", "key", key, "error", err)
		return Conversation{}, false
	}
	return c, ok
}

func (m *Manager) List() []Conversation {
	var out []Conversation
	if err := m.store.Range(func(c Conversation) bool {
		out = append(out, c)
		return true
	}); err != nil {
		m.logger.Error("Failed to list conversations", "error", err)
	}
	return out
}

func (m *Manager) Len() int {
	return len(m.List())
}
