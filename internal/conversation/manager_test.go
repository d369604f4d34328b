package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaisavezi/chat-bridge/internal/apierror"
	"github.com/mihaisavezi/chat-bridge/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func request(messages ...openai.ChatCompletionMessage) *openai.ChatCompletionRequest {
	return &openai.ChatCompletionRequest{Model: "m", Messages: messages}
}

func user(text string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text}
}

func assistant(text string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: text}
}

type creator struct {
	calls atomic.Int32
	err   error
}

func (c *creator) create(context.Context) (string, error) {
	n := c.calls.Add(1)
	if c.err != nil {
		return "", c.err
	}
	return fmt.Sprintf("chat-%d", n), nil
}

func newTestManager(store Store) (*Manager, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	return NewManager(store, testLogger(), WithClock(clock.Now)), clock
}

func TestDeriveKey(t *testing.T) {
	a, err := DeriveKey([]openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: "be nice"},
		user("hi"),
	})
	require.NoError(t, err)

	b, err := DeriveKey([]openai.ChatCompletionMessage{user("hi"), assistant("hello"), user("more")})
	require.NoError(t, err)
	assert.Equal(t, a, b, "only the first user message determines the key")

	c, err := DeriveKey([]openai.ChatCompletionMessage{user("hi!")})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	_, err = DeriveKey([]openai.ChatCompletionMessage{assistant("x")})
	assert.True(t, apierror.IsValidation(err))
}

func TestDeriveKey_IgnoresNonTextParts(t *testing.T) {
	plain, err := DeriveKey([]openai.ChatCompletionMessage{user("describe")})
	require.NoError(t, err)

	multi, err := DeriveKey([]openai.ChatCompletionMessage{{
		Role: openai.ChatMessageRoleUser,
		MultiContent: []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: "https://example.com/a.png"}},
			{Type: openai.ChatMessagePartTypeText, Text: "describe"},
		},
	}})
	require.NoError(t, err)

	assert.Equal(t, plain, multi)
}

func TestManager_NewConversation(t *testing.T) {
	m, _ := newTestManager(NewMemoryStore())
	c := &creator{}

	state, err := m.Resolve(context.Background(), request(user("hi")), c.create)
	require.NoError(t, err)

	assert.True(t, state.New)
	assert.Equal(t, "chat-1", state.VendorChatID)
	assert.Nil(t, state.ParentMessageID)
	assert.Equal(t, int32(1), c.calls.Load())
}

func TestManager_Continuation(t *testing.T) {
	m, clock := newTestManager(NewMemoryStore())
	c := &creator{}
	ctx := context.Background()

	first, err := m.Resolve(ctx, request(user("hi")), c.create)
	require.NoError(t, err)
	require.NoError(t, m.Advance(first.Key, "r1"))

	clock.Advance(5 * time.Minute)
	second, err := m.Resolve(ctx, request(user("hi"), assistant("hello"), user("how are you")), c.create)
	require.NoError(t, err)

	assert.False(t, second.New)
	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, first.VendorChatID, second.VendorChatID)
	require.NotNil(t, second.ParentMessageID)
	assert.Equal(t, "r1", *second.ParentMessageID)
	assert.Equal(t, 1, second.TurnCount)
	assert.Equal(t, int32(1), c.calls.Load(), "container is created once")

	require.NoError(t, m.Advance(second.Key, "r2"))
	conv, ok := m.Get(second.Key)
	require.True(t, ok)
	assert.Equal(t, "r2", *conv.ParentMessageID)
	assert.Equal(t, 2, conv.TurnCount)
}

func TestManager_FailedCreateLeavesNoRow(t *testing.T) {
	m, _ := newTestManager(NewMemoryStore())
	c := &creator{err: errors.New("vendor down")}

	_, err := m.Resolve(context.Background(), request(user("hi")), c.create)
	require.Error(t, err)
	assert.Equal(t, 0, m.Len())
}

func TestManager_AdvanceRules(t *testing.T) {
	m, _ := newTestManager(NewMemoryStore())
	c := &creator{}

	state, err := m.Resolve(context.Background(), request(user("hi")), c.create)
	require.NoError(t, err)

	assert.True(t, apierror.IsValidation(m.Advance(state.Key, "")), "empty id never advances")
	require.NoError(t, m.Advance(state.Key, "r1"))
	assert.True(t, apierror.IsValidation(m.Advance(state.Key, "r1")), "same id is not a new turn")
	assert.True(t, apierror.IsNotFound(m.Advance("missing", "r9")))

	conv, _ := m.Get(state.Key)
	assert.Equal(t, "r1", *conv.ParentMessageID)
	assert.Equal(t, 1, conv.TurnCount)
}

func TestManager_SlidingExpiry(t *testing.T) {
	m, clock := newTestManager(NewMemoryStore())
	c := &creator{}
	ctx := context.Background()

	state, err := m.Resolve(ctx, request(user("hi")), c.create)
	require.NoError(t, err)

	clock.Advance(20 * time.Minute)
	_, err = m.Resolve(ctx, request(user("hi"), assistant("a"), user("b")), c.create)
	require.NoError(t, err)

	clock.Advance(20 * time.Minute)
	assert.Equal(t, 0, m.Sweep(clock.Now()), "access refreshed the expiry")

	clock.Advance(31 * time.Minute)
	assert.Equal(t, 1, m.Sweep(clock.Now()))

	_, ok := m.Get(state.Key)
	assert.False(t, ok)

	again, err := m.Resolve(ctx, request(user("hi")), c.create)
	require.NoError(t, err)
	assert.True(t, again.New, "expired conversations start over")
	assert.Equal(t, "chat-2", again.VendorChatID)
}

func TestManager_ExpiredRowIsReplacedOnResolve(t *testing.T) {
	m, clock := newTestManager(NewMemoryStore())
	c := &creator{}

	_, err := m.Resolve(context.Background(), request(user("hi")), c.create)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	state, err := m.Resolve(context.Background(), request(user("hi")), c.create)
	require.NoError(t, err)
	assert.True(t, state.New)
	assert.Nil(t, state.ParentMessageID)
}

func TestManager_CustomIdleTimeout(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m := NewManager(NewMemoryStore(), testLogger(), WithClock(clock.Now), WithIdleTimeout(time.Minute))
	c := &creator{}

	_, err := m.Resolve(context.Background(), request(user("hi")), c.create)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, m.Sweep(clock.Now()))
	assert.Equal(t, time.Minute, m.IdleTimeout())
}

func TestManager_ConcurrentFirstTurnCreatesOnce(t *testing.T) {
	m, _ := newTestManager(NewMemoryStore())
	c := &creator{}

	var wg sync.WaitGroup
	ids := make([]string, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			state, err := m.Resolve(context.Background(), request(user("same opening")), c.create)
			assert.NoError(t, err)
			ids[i] = state.VendorChatID
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), c.calls.Load())
	for _, id := range ids {
		assert.Equal(t, "chat-1", id)
	}
	assert.Equal(t, 0, m.locks.len(), "lock entries are released")
}

func TestManager_ConcurrentSweepAndAdvance(t *testing.T) {
	m, clock := newTestManager(NewMemoryStore())
	c := &creator{}
	ctx := context.Background()

	keys := make([]string, 10)
	for i := range keys {
		state, err := m.Resolve(ctx, request(user(fmt.Sprintf("conv %d", i))), c.create)
		require.NoError(t, err)
		keys[i] = state.Key
	}

	var wg sync.WaitGroup
	for i, key := range keys {
		wg.Add(2)
		go func(key string, i int) {
			defer wg.Done()
			_ = m.Advance(key, fmt.Sprintf("r-%d", i))
		}(key, i)
		go func() {
			defer wg.Done()
			m.Sweep(clock.Now())
		}()
	}
	wg.Wait()

	for i, key := range keys {
		conv, ok := m.Get(key)
		require.True(t, ok, "nothing has expired yet")
		assert.Equal(t, fmt.Sprintf("r-%d", i), *conv.ParentMessageID)
	}
}

func TestManager_SweepSkipsKeyInFlight(t *testing.T) {
	m, clock := newTestManager(NewMemoryStore())
	c := &creator{}
	ctx := context.Background()

	busy, err := m.Resolve(ctx, request(user("busy")), c.create)
	require.NoError(t, err)
	idle, err := m.Resolve(ctx, request(user("idle")), c.create)
	require.NoError(t, err)
	clock.Advance(time.Hour)

	entered := make(chan struct{})
	release := make(chan struct{})
	slowCreate := func(context.Context) (string, error) {
		close(entered)
		<-release
		return "chat-slow", nil
	}

	resolved := make(chan State, 1)
	go func() {
		state, err := m.Resolve(ctx, request(user("busy")), slowCreate)
		assert.NoError(t, err)
		resolved <- state
	}()
	<-entered

	swept := make(chan int, 1)
	go func() { swept <- m.Sweep(clock.Now()) }()

	select {
	case n := <-swept:
		assert.Equal(t, 1, n, "only the idle conversation is removed")
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("sweep waited on a key held by a vendor call")
	}
	_, ok := m.Get(idle.Key)
	assert.False(t, ok)

	close(release)
	state := <-resolved
	assert.True(t, state.New)
	assert.Equal(t, "chat-slow", state.VendorChatID)

	conv, ok := m.Get(busy.Key)
	require.True(t, ok)
	assert.Equal(t, "chat-slow", conv.VendorChatID)
	assert.Equal(t, 0, m.Sweep(clock.Now()))
	assert.Equal(t, 0, m.locks.len())
}

func TestKeyLocks_TryLock(t *testing.T) {
	k := newKeyLocks()

	unlock := k.Lock("a")
	_, ok := k.TryLock("a")
	assert.False(t, ok, "a held key is not acquired")
	assert.Equal(t, 1, k.len(), "a failed attempt leaves no entry behind")

	other, ok := k.TryLock("b")
	require.True(t, ok)
	other()

	unlock()
	again, ok := k.TryLock("a")
	require.True(t, ok)
	again()
	assert.Equal(t, 0, k.len())
}

func TestManager_Evict(t *testing.T) {
	m, _ := newTestManager(NewMemoryStore())
	c := &creator{}

	state, err := m.Resolve(context.Background(), request(user("hi")), c.create)
	require.NoError(t, err)

	require.NoError(t, m.Evict(state.Key))
	assert.True(t, apierror.IsNotFound(m.Evict(state.Key)))
	assert.Empty(t, m.List())
}

func TestBoltStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", storage.DefaultFilename)

	db, err := storage.Open(path)
	require.NoError(t, err)
	store, err := NewBoltStore(db, testLogger())
	require.NoError(t, err)

	m, _ := newTestManager(store)
	c := &creator{}
	state, err := m.Resolve(context.Background(), request(user("persist me")), c.create)
	require.NoError(t, err)
	require.NoError(t, m.Advance(state.Key, "r1"))
	require.NoError(t, db.Close())

	db, err = storage.Open(path)
	require.NoError(t, err)
	defer db.Close()
	store, err = NewBoltStore(db, testLogger())
	require.NoError(t, err)

	got, ok, err := store.Get(state.Key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, state.VendorChatID, got.VendorChatID)
	assert.Equal(t, "r1", *got.ParentMessageID)

	var count int
	require.NoError(t, store.Range(func(Conversation) bool { count++; return true }))
	assert.Equal(t, 1, count)

	require.NoError(t, store.Delete(state.Key))
	_, ok, err = store.Get(state.Key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSweeper_Run(t *testing.T) {
	m, clock := newTestManager(NewMemoryStore())
	c := &creator{}

	_, err := m.Resolve(context.Background(), request(user("hi")), c.create)
	require.NoError(t, err)
	clock.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewSweeper(m, 10*time.Millisecond, testLogger()).Run(ctx)
	}()

	assert.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
