// ABOUTME: Session orchestrator: authenticates, resolves the conversation, records and generates
// ABOUTME: Every turn is recorded before generation; the reply is recorded on a detached context

package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/fynq/tutor-gateway/internal/apperr"
	"github.com/fynq/tutor-gateway/internal/generation"
	"github.com/fynq/tutor-gateway/internal/store"
)

// Stages a request passes through. Errors carry the last stage reached.
const (
	StageStart                 = "start"
	StageAuthenticated         = "authenticated"
	StageConversationResolved  = "conversation_resolved"
	StageUserMessageSaved      = "user_message_saved"
	StageGenerated             = "generated"
	StageAssistantMessageSaved = "assistant_message_saved"
	StageDone                  = "done"
)

// ImagePrefix marks the stored user turn of an image request.
const ImagePrefix = "[Image] "

const (
	defaultGenerationTimeout = 60 * time.Second
	defaultPersistTimeout    = 5 * time.Second
)

// Client-facing messages.
const (
	msgForbidden      = "not authorized to access this chat"
	msgMessageMissing = "message is required"
	msgStoreFailed    = "could not save conversation"
	msgLoadFailed     = "could not load chat history"
	msgGenerateFailed = "could not generate response"
)

// Authenticator verifies a bearer credential and returns the user identity.
type Authenticator interface {
	Verify(token string) (userID string, err error)
}

// ConversationStore defines what the service needs from storage
type ConversationStore interface {
	CreateConversation(ctx context.Context, ownerID, seedText string) (*store.Conversation, error)
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	ListConversations(ctx context.Context, ownerID string) ([]*store.Conversation, error)
	AppendMessage(ctx context.Context, conversationID, sender, content string) (*store.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]*store.Message, error)
}

// Service orchestrates one chat turn per call.
type Service struct {
	auth              Authenticator
	store             ConversationStore
	generator         generation.Generator
	policy            generation.ImagePolicy
	generationTimeout time.Duration
	persistTimeout    time.Duration
	events            *EventBroadcaster
	logger            *slog.Logger
}

// Option customises a Service.
type Option func(*Service)

// WithImagePolicy sets the accepted image types and size.
func WithImagePolicy(p generation.ImagePolicy) Option {
	return func(s *Service) { s.policy = p }
}

// WithGenerationTimeout bounds the generation step of each request.
func WithGenerationTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.generationTimeout = d
		}
	}
}

// WithPersistTimeout bounds the detached save of the assistant reply.
func WithPersistTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.persistTimeout = d
		}
	}
}

// WithBroadcaster publishes every recorded message to live subscribers.
func WithBroadcaster(b *EventBroadcaster) Option {
	return func(s *Service) { s.events = b }
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a new conversation Service
func New(authn Authenticator, st ConversationStore, gen generation.Generator, opts ...Option) *Service {
	s := &Service{
		auth:              authn,
		store:             st,
		generator:         gen,
		policy:            generation.DefaultImagePolicy(),
		generationTimeout: defaultGenerationTimeout,
		persistTimeout:    defaultPersistTimeout,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "conversation")
	return s
}

// SendRequest is a text chat turn.
type SendRequest struct {
	Credential     string
	ConversationID string // empty starts a new conversation
	Message        string
}

// ImageRequest is a vision chat turn. Caption may be empty.
type ImageRequest struct {
	Credential     string
	ConversationID string
	Caption        string
	Image          generation.Image
}

// SendResponse is the outcome of a successful turn.
type SendResponse struct {
	Text               string
	ConversationID     string
	Created            bool
	UserMessageID      string
	AssistantMessageID string
	// HistorySaved is false when the reply was generated but could not be recorded.
	HistorySaved bool
}

// ConversationHistory is a conversation with all of its messages.
type ConversationHistory struct {
	ID        string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
	Messages  []*store.Message
}

// turn carries the per-request state shared by the text and image paths.
type turn struct {
	userID         string
	conversationID string
	seed           string
	content        string
	stage          string
	log            *slog.Logger
}

// SendMessage records the user message, generates a reply and records it.
//
// Key principle: Record first, then act. The user message is saved before the
// model is called, so a generation failure still leaves the question in history.
func (s *Service) SendMessage(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	t := &turn{stage: StageStart, log: s.logger.With("path", "text")}

	userID, err := s.authenticate(req.Credential)
	if err != nil {
		return nil, t.fail(err)
	}
	t.advance(StageAuthenticated)
	t.userID = userID
	t.log = t.log.With("user_id", userID)

	if strings.TrimSpace(req.Message) == "" {
		return nil, t.fail(apperr.InvalidArg(msgMessageMissing))
	}
	t.conversationID = req.ConversationID
	t.seed = req.Message
	t.content = req.Message

	return s.run(ctx, t, func(ctx context.Context) (generation.Result, error) {
		return s.generator.GenerateText(ctx, req.Message)
	})
}

// SendImage validates the image, records "[Image] caption" as the user turn,
// asks the vision model and records its reply.
func (s *Service) SendImage(ctx context.Context, req *ImageRequest) (*SendResponse, error) {
	t := &turn{stage: StageStart, log: s.logger.With("path", "image")}

	userID, err := s.authenticate(req.Credential)
	if err != nil {
		return nil, t.fail(err)
	}
	t.advance(StageAuthenticated)
	t.userID = userID
	t.log = t.log.With("user_id", userID)

	image, err := generation.ValidateImage(req.Image, s.policy)
	if err != nil {
		return nil, t.fail(apperr.Wrap(apperr.CodeInvalidArgument, err.Error(), err))
	}
	t.conversationID = req.ConversationID
	t.seed = req.Caption
	t.content = ImagePrefix + req.Caption

	return s.run(ctx, t, func(ctx context.Context) (generation.Result, error) {
		return s.generator.GenerateWithImage(ctx, req.Caption, image)
	})
}

// run executes the shared steps after authentication and input validation.
func (s *Service) run(ctx context.Context, t *turn, generate func(context.Context) (generation.Result, error)) (*SendResponse, error) {
	conv, created, err := s.resolveConversation(ctx, t.userID, t.conversationID, t.seed)
	if err != nil {
		return nil, t.fail(err)
	}
	t.advance(StageConversationResolved)
	t.log = t.log.With("conversation_id", conv.ID)

	userMsg, err := s.store.AppendMessage(ctx, conv.ID, store.SenderUser, t.content)
	if err != nil {
		return nil, t.fail(apperr.Wrap(apperr.CodeStorage, msgStoreFailed, err))
	}
	t.advance(StageUserMessageSaved)
	s.publish(t.userID, userMsg)

	genCtx, cancel := context.WithTimeout(ctx, s.generationTimeout)
	result, err := generate(genCtx)
	cancel()
	if err != nil {
		if errors.Is(err, generation.ErrValidation) {
			return nil, t.fail(apperr.Wrap(apperr.CodeInvalidArgument, err.Error(), err))
		}
		return nil, t.fail(apperr.Wrap(apperr.CodeGeneration, msgGenerateFailed, err))
	}
	t.advance(StageGenerated)

	resp := &SendResponse{
		Text:           result.Text,
		ConversationID: conv.ID,
		Created:        created,
		UserMessageID:  userMsg.ID,
	}

	// The reply is saved even if the client has gone away.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.persistTimeout)
	defer cancel()
	assistantMsg, err := s.store.AppendMessage(saveCtx, conv.ID, store.SenderAssistant, result.Text)
	if err != nil {
		t.log.Error("failed to record assistant message", "stage", t.stage, "error", err)
		resp.HistorySaved = false
	} else {
		t.advance(StageAssistantMessageSaved)
		resp.AssistantMessageID = assistantMsg.ID
		resp.HistorySaved = true
		s.publish(t.userID, assistantMsg)
	}

	t.advance(StageDone)
	t.log.Info("chat turn completed",
		"created", created,
		"response_len", len(result.Text),
		"history_saved", resp.HistorySaved)
	return resp, nil
}

// History returns every conversation the caller owns, oldest first, with messages.
func (s *Service) History(ctx context.Context, credential string) ([]*ConversationHistory, error) {
	userID, err := s.authenticate(credential)
	if err != nil {
		return nil, err
	}

	convs, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		s.logger.Error("listing conversations failed", "user_id", userID, "error", err)
		return nil, apperr.Wrap(apperr.CodeStorage, msgLoadFailed, err)
	}

	history := make([]*ConversationHistory, 0, len(convs))
	for _, conv := range convs {
		h, err := s.loadHistory(ctx, conv)
		if err != nil {
			s.logger.Error("listing messages failed", "user_id", userID, "conversation_id", conv.ID, "error", err)
			return nil, err
		}
		history = append(history, h)
	}
	return history, nil
}

// Conversation returns one conversation owned by the caller.
func (s *Service) Conversation(ctx context.Context, credential, conversationID string) (*ConversationHistory, error) {
	userID, err := s.authenticate(credential)
	if err != nil {
		return nil, err
	}

	conv, err := s.ownedConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	return s.loadHistory(ctx, conv)
}

// Subscribe streams messages recorded for the caller's conversations until ctx ends.
func (s *Service) Subscribe(ctx context.Context, credential string) (<-chan *store.Message, error) {
	userID, err := s.authenticate(credential)
	if err != nil {
		return nil, err
	}
	if s.events == nil {
		return nil, apperr.New(apperr.CodeUnavailable, "live updates are disabled")
	}
	ch, _ := s.events.Subscribe(ctx, userID)
	return ch, nil
}

func (s *Service) loadHistory(ctx context.Context, conv *store.Conversation) (*ConversationHistory, error) {
	msgs, err := s.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStorage, msgLoadFailed, err)
	}
	return &ConversationHistory{
		ID:        conv.ID,
		Title:     conv.Title,
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
		Messages:  msgs,
	}, nil
}

func (s *Service) authenticate(credential string) (string, error) {
	userID, err := s.auth.Verify(credential)
	if err != nil {
		s.logger.Debug("credential rejected", "reason", err)
		return "", apperr.Unauthenticated(err)
	}
	return userID, nil
}

// resolveConversation creates a conversation when id is empty, otherwise
// loads it and checks ownership. Nothing is written on failure.
func (s *Service) resolveConversation(ctx context.Context, userID, id, seed string) (*store.Conversation, bool, error) {
	if id == "" {
		conv, err := s.store.CreateConversation(ctx, userID, seed)
		if err != nil {
			return nil, false, apperr.Wrap(apperr.CodeStorage, msgStoreFailed, err)
		}
		s.logger.Debug("conversation created", "conversation_id", conv.ID, "user_id", userID)
		return conv, true, nil
	}

	conv, err := s.ownedConversation(ctx, userID, id)
	return conv, false, err
}

// ownedConversation treats a missing conversation like a foreign one so that
// callers cannot probe which ids exist.
func (s *Service) ownedConversation(ctx context.Context, userID, id string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Forbidden(msgForbidden)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStorage, msgLoadFailed, err)
	}
	if conv.OwnerID != userID {
		s.logger.Warn("conversation access denied", "conversation_id", id, "user_id", userID)
		return nil, apperr.Forbidden(msgForbidden)
	}
	return conv, nil
}

func (s *Service) publish(userID string, msg *store.Message) {
	if s.events != nil {
		s.events.Publish(userID, msg)
	}
}

func (t *turn) advance(stage string) {
	t.stage = stage
}

// fail tags err with the stage reached and logs it.
func (t *turn) fail(err error) error {
	ae := apperr.From(err).AtStage(t.stage)
	level := slog.LevelWarn
	switch ae.Code {
	case apperr.CodeStorage, apperr.CodeGeneration, apperr.CodeInternal:
		level = slog.LevelError
	}
	t.log.Log(context.Background(), level, "chat turn failed", "stage", t.stage, "code", ae.Code, "error", ae)
	return ae
}
