// ABOUTME: Mock ConversationStore implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject storage failures

package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory ConversationStore for testing.
// Setting one of the Fail* fields makes the matching operation return an
// ErrStorage-wrapped error without changing state.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	order         []string              // conversation IDs in creation order
	messages      map[string][]*Message // keyed by conversation ID
	now           func() time.Time

	FailCreate error
	FailGet    error
	FailList   error
	// FailAppend is consulted per call; returning nil lets the append proceed.
	FailAppend func(sender string) error
	FailPing   error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		now:           time.Now,
	}
}

// SetClock overrides the time source.
func (m *MockStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, ownerID, seedText string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailCreate != nil {
		return nil, storageErr("inserting conversation", m.FailCreate)
	}

	now := m.now().UTC()
	c := &Conversation{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Title:     DeriveTitle(seedText),
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.conversations[c.ID] = c
	m.order = append(m.order, c.ID)

	cp := *c
	return &cp, nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.FailGet != nil {
		return nil, storageErr("querying conversation", m.FailGet)
	}

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// ListConversations returns the owner's conversations in creation order.
func (m *MockStore) ListConversations(ctx context.Context, ownerID string) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.FailList != nil {
		return nil, storageErr("querying conversations", m.FailList)
	}

	result := []*Conversation{}
	for _, id := range m.order {
		c := m.conversations[id]
		if c.OwnerID != ownerID {
			continue
		}
		cp := *c
		result = append(result, &cp)
	}
	return result, nil
}

// AppendMessage appends a message to a conversation.
func (m *MockStore) AppendMessage(ctx context.Context, conversationID, sender, content string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !ValidSender(sender) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSender, sender)
	}
	if m.FailAppend != nil {
		if err := m.FailAppend(sender); err != nil {
			return nil, storageErr("inserting message", err)
		}
	}

	c, ok := m.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}

	msg := &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Sender:         sender,
		Content:        content,
		CreatedAt:      m.now().UTC(),
	}
	m.messages[conversationID] = append(m.messages[conversationID], msg)
	c.UpdatedAt = msg.CreatedAt

	cp := *msg
	return &cp, nil
}

// ListMessages returns a conversation's messages in insertion order.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.FailList != nil {
		return nil, storageErr("querying messages", m.FailList)
	}

	msgs := m.messages[conversationID]
	result := make([]*Message, len(msgs))
	for i, msg := range msgs {
		cp := *msg
		result[i] = &cp
	}
	return result, nil
}

// MessageCount returns the total number of stored messages.
func (m *MockStore) MessageCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, msgs := range m.messages {
		n += len(msgs)
	}
	return n
}

// ConversationCount returns the number of stored conversations.
func (m *MockStore) ConversationCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conversations)
}

// Ping reports FailPing when set.
func (m *MockStore) Ping(ctx context.Context) error {
	if m.FailPing != nil {
		return storageErr("pinging database", m.FailPing)
	}
	return nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

var _ ConversationStore = (*MockStore)(nil)
var _ ConversationStore = (*SQLiteStore)(nil)
