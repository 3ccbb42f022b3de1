package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"tutorchat-ws/internal/domain"
	"tutorchat-ws/internal/infrastructure/postgres"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrForbidden           = errors.New("forbidden")
	ErrInvalidInput        = errors.New("invalid input")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrNoRelationship      = errors.New("no active enrollment between user and tutor")
)

const maxContentLength = 4000

type ChatService struct {
	db           *pgxpool.Pool
	chatRepo     *postgres.ChatRepository
	messageRepo  *postgres.MessageRepository
	participants *postgres.ParticipantRepository
}

// ChatDelivery is the outcome of a persisted message.
type ChatDelivery struct {
	Chat      *domain.Chat
	Message   *domain.Message
	Recipient domain.Identity
	// Set when the recipient was present in the room and the message was
	// marked read as part of the same transaction.
	ReadAt *time.Time
}

func NewChatService(
	db *pgxpool.Pool,
	chatRepo *postgres.ChatRepository,
	messageRepo *postgres.MessageRepository,
	participants *postgres.ParticipantRepository,
) *ChatService {
	return &ChatService{
		db:           db,
		chatRepo:     chatRepo,
		messageRepo:  messageRepo,
		participants: participants,
	}
}

func (s *ChatService) ListChats(ctx context.Context, actor domain.Identity) ([]domain.ChatView, error) {
	if !actor.Kind.Valid() {
		return nil, ErrForbidden
	}

	chats, err := s.chatRepo.ListForParticipant(ctx, actor)
	if err != nil {
		return nil, err
	}

	views := make([]domain.ChatView, 0, len(chats))
	for i := range chats {
		views = append(views, chats[i].ViewFor(actor))
	}
	return views, nil
}

// CreateOrGetChat resolves the single chat for (user, tutor). The boolean
// reports whether it was created by this call.
func (s *ChatService) CreateOrGetChat(ctx context.Context, actor domain.Identity, req domain.CreateChatRequest) (*domain.Chat, bool, error) {
	var userID, tutorID int64
	switch actor.Kind {
	case domain.KindUser:
		userID, tutorID = actor.ID, req.TutorID
	case domain.KindTutor:
		userID, tutorID = req.UserID, actor.ID
	default:
		return nil, false, ErrForbidden
	}
	if userID <= 0 || tutorID <= 0 {
		return nil, false, ErrInvalidInput
	}

	counterpart := domain.Identity{Kind: domain.KindTutor, ID: tutorID}
	if actor.Kind == domain.KindTutor {
		counterpart = domain.Identity{Kind: domain.KindUser, ID: userID}
	}
	exists, err := s.participants.Exists(ctx, counterpart)
	if err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, ErrParticipantNotFound
	}

	enrolled, err := s.participants.HasActiveEnrollment(ctx, userID, tutorID)
	if err != nil {
		return nil, false, err
	}
	if !enrolled {
		return nil, false, ErrNoRelationship
	}

	return s.chatRepo.CreateOrGet(ctx, userID, tutorID)
}

// ChatForParticipant returns the chat when actor takes part in it and
// pgx.ErrNoRows otherwise.
func (s *ChatService) ChatForParticipant(ctx context.Context, actor domain.Identity, chatID int64) (*domain.Chat, error) {
	if chatID <= 0 {
		return nil, ErrInvalidInput
	}
	return s.chatRepo.GetByIDForParticipant(ctx, chatID, actor)
}

func (s *ChatService) ListMessages(
	ctx context.Context,
	actor domain.Identity,
	chatID int64,
	page int,
	limit int,
) ([]domain.Message, int, error) {
	if chatID <= 0 || page <= 0 || limit <= 0 {
		return nil, 0, ErrInvalidInput
	}

	if _, err := s.chatRepo.GetByIDForParticipant(ctx, chatID, actor); err != nil {
		return nil, 0, err
	}

	return s.messageRepo.ListByChat(ctx, chatID, limit, (page-1)*limit)
}

// SendMessage persists a message, updates the chat summary and the
// recipient's unread counter in one transaction. When recipientPresent is
// set the message is stored as already read by the recipient.
func (s *ChatService) SendMessage(
	ctx context.Context,
	actor domain.Identity,
	payload domain.SendMessagePayload,
	recipientPresent func(chat *domain.Chat, recipient domain.Identity) bool,
) (*ChatDelivery, error) {
	input, err := normalizeMessage(payload)
	if err != nil {
		return nil, err
	}

	chat, err := s.chatRepo.GetByIDForParticipant(ctx, payload.ConversationID, actor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrForbidden
		}
		return nil, err
	}
	recipient := chat.Peer(actor)
	present := recipientPresent != nil && recipientPresent(chat, recipient)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	txMessageRepo := postgres.NewMessageRepository(tx)
	txChatRepo := postgres.NewChatRepository(tx)

	input.ChatID = chat.ID
	input.Sender = actor
	message, err := txMessageRepo.Create(ctx, input)
	if err != nil {
		return nil, err
	}

	var readAt *time.Time
	if present {
		at := message.CreatedAt
		if err := txMessageRepo.MarkMessageRead(ctx, message.ID, recipient, at); err != nil {
			return nil, err
		}
		message.MarkReadBy(recipient, at)
		readAt = &at
	}

	if err := txChatRepo.RecordMessage(ctx, message, recipient, present); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	chat.LastMessage = message.Summary()
	return &ChatDelivery{
		Chat:      chat,
		Message:   message,
		Recipient: recipient,
		ReadAt:    readAt,
	}, nil
}

// MarkRead records read markers for the actor and zeroes the actor's
// unread counter.
func (s *ChatService) MarkRead(ctx context.Context, actor domain.Identity, chatID int64) (*domain.Chat, time.Time, error) {
	chat, err := s.ChatForParticipant(ctx, actor, chatID)
	if err != nil {
		return nil, time.Time{}, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	readAt := time.Now().UTC()
	if _, err := postgres.NewMessageRepository(tx).MarkChatRead(ctx, chatID, actor, readAt); err != nil {
		return nil, time.Time{}, err
	}
	if err := postgres.NewChatRepository(tx).ResetUnread(ctx, chatID, actor); err != nil {
		return nil, time.Time{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, time.Time{}, err
	}
	return chat, readAt, nil
}

// ClearChat purges every message and resets the summary and both counters.
// The chat row itself is kept.
func (s *ChatService) ClearChat(ctx context.Context, actor domain.Identity, chatID int64) (*domain.Chat, error) {
	chat, err := s.ChatForParticipant(ctx, actor, chatID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := postgres.NewMessageRepository(tx).DeleteByChat(ctx, chatID); err != nil {
		return nil, err
	}
	if err := postgres.NewChatRepository(tx).Clear(ctx, chatID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	chat.LastMessage = nil
	chat.UserUnread = 0
	chat.TutorUnread = 0
	return chat, nil
}

// DisplayName fills the presence display snapshot for tokens without a name.
func (s *ChatService) DisplayName(ctx context.Context, identity domain.Identity) (string, error) {
	return s.participants.DisplayName(ctx, identity)
}

func normalizeMessage(payload domain.SendMessagePayload) (postgres.NewMessage, error) {
	if payload.ConversationID <= 0 {
		return postgres.NewMessage{}, ErrInvalidInput
	}

	kind := payload.Kind
	if kind == "" {
		kind = domain.MessageText
	}
	if !kind.Valid() {
		return postgres.NewMessage{}, ErrInvalidInput
	}

	content := strings.TrimSpace(payload.Content)
	fileURL := strings.TrimSpace(payload.FileURL)

	switch kind {
	case domain.MessageText:
		if content == "" {
			return postgres.NewMessage{}, ErrInvalidInput
		}
	case domain.MessageImage:
		if fileURL == "" {
			fileURL = content
		}
		if fileURL == "" {
			return postgres.NewMessage{}, ErrInvalidInput
		}
		if content == "" {
			content = fileURL
		}
	}
	if len(content) > maxContentLength {
		return postgres.NewMessage{}, ErrInvalidInput
	}

	return postgres.NewMessage{
		Content:  content,
		Kind:     kind,
		FileURL:  fileURL,
		FileName: strings.TrimSpace(payload.FileName),
	}, nil
}
