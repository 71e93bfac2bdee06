// ABOUTME: Store interface and data types for conversation persistence
// ABOUTME: Defines Conversation, Message, sentinel errors and title derivation

package store

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrStorage wraps every failure of the underlying database.
var ErrStorage = errors.New("storage failure")

// ErrInvalidSender is returned when a message has a sender other than user or assistant.
var ErrInvalidSender = errors.New("invalid sender")

// Sender values for messages.
const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

// TitleMaxRunes is the length of a title derived from the first message.
const TitleMaxRunes = 50

// ImageChatTitle is used when a conversation is seeded by an image without a caption.
const ImageChatTitle = "Image Chat"

// Conversation is an ordered sequence of messages owned by exactly one user.
type Conversation struct {
	ID        string
	OwnerID   string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is a single immutable turn within a conversation.
type Message struct {
	ID             string
	ConversationID string
	Sender         string
	Content        string
	CreatedAt      time.Time
}

// ConversationStore persists conversations and their messages.
// It does not authorise; callers check ownership.
type ConversationStore interface {
	CreateConversation(ctx context.Context, ownerID, seedText string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, ownerID string) ([]*Conversation, error)
	AppendMessage(ctx context.Context, conversationID, sender, content string) (*Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)
	Ping(ctx context.Context) error
	Close() error
}

// DeriveTitle returns the title for a conversation seeded with text:
// its first TitleMaxRunes runes, or ImageChatTitle when text is blank.
func DeriveTitle(seedText string) string {
	if strings.TrimSpace(seedText) == "" {
		return ImageChatTitle
	}
	if utf8.RuneCountInString(seedText) <= TitleMaxRunes {
		return seedText
	}
	runes := []rune(seedText)
	return string(runes[:TitleMaxRunes])
}

// ValidSender reports whether sender is one of the known roles.
func ValidSender(sender string) bool {
	return sender == SenderUser || sender == SenderAssistant
}
