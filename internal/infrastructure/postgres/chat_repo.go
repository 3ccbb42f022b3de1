package postgres

import (
	"context"
	"time"

	"tutorchat-ws/internal/domain"

	"github.com/jackc/pgx/v5"
)

type ChatRepository struct {
	db DBTX
}

func NewChatRepository(db DBTX) *ChatRepository {
	return &ChatRepository{db: db}
}

const chatColumns = `
	id, user_id, tutor_id,
	last_message_content, last_message_kind, last_message_sender_kind, last_message_sender_id, last_message_at,
	user_unread, tutor_unread, created_at, updated_at`

// CreateOrGet returns the chat for the pair, inserting it on first contact.
// The boolean reports whether this call created it.
func (r *ChatRepository) CreateOrGet(ctx context.Context, userID, tutorID int64) (*domain.Chat, bool, error) {
	query := `
		INSERT INTO chats (user_id, tutor_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id, tutor_id)
		DO UPDATE SET updated_at = chats.updated_at
		RETURNING ` + chatColumns + `, (xmax = 0) AS inserted
	`

	var created bool
	chat, err := scanChat(r.db.QueryRow(ctx, query, userID, tutorID), &created)
	if err != nil {
		return nil, false, err
	}
	return chat, created, nil
}

func (r *ChatRepository) GetByID(ctx context.Context, chatID int64) (*domain.Chat, error) {
	query := `SELECT ` + chatColumns + ` FROM chats WHERE id = $1`
	return scanChat(r.db.QueryRow(ctx, query, chatID))
}

func (r *ChatRepository) GetByIDForParticipant(ctx context.Context, chatID int64, participant domain.Identity) (*domain.Chat, error) {
	query := `
		SELECT ` + chatColumns + `
		FROM chats
		WHERE id = $1
		  AND (($2 = 'user' AND user_id = $3) OR ($2 = 'tutor' AND tutor_id = $3))
	`
	return scanChat(r.db.QueryRow(ctx, query, chatID, string(participant.Kind), participant.ID))
}

func (r *ChatRepository) ListForParticipant(ctx context.Context, participant domain.Identity) ([]domain.Chat, error) {
	query := `
		SELECT ` + chatColumns + `
		FROM chats
		WHERE ($1 = 'user' AND user_id = $2) OR ($1 = 'tutor' AND tutor_id = $2)
		ORDER BY COALESCE(last_message_at, updated_at) DESC, id DESC
	`

	rows, err := r.db.Query(ctx, query, string(participant.Kind), participant.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	chats := make([]domain.Chat, 0)
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *chat)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return chats, nil
}

// RecordMessage updates the denormalized summary and, unless the recipient
// already read it, the recipient's unread counter.
func (r *ChatRepository) RecordMessage(ctx context.Context, message *domain.Message, recipient domain.Identity, alreadyRead bool) error {
	increment := 1
	if alreadyRead {
		increment = 0
	}

	_, err := r.db.Exec(ctx, `
		UPDATE chats
		SET last_message_content = $2,
		    last_message_kind = $3,
		    last_message_sender_kind = $4,
		    last_message_sender_id = $5,
		    last_message_at = $6,
		    user_unread = user_unread + CASE WHEN $7 = 'user' THEN $8 ELSE 0 END,
		    tutor_unread = tutor_unread + CASE WHEN $7 = 'tutor' THEN $8 ELSE 0 END,
		    updated_at = NOW()
		WHERE id = $1
	`,
		message.ConversationID,
		message.Content,
		string(message.Kind),
		string(message.Sender.Kind),
		message.Sender.ID,
		message.CreatedAt,
		string(recipient.Kind),
		increment,
	)
	return err
}

func (r *ChatRepository) ResetUnread(ctx context.Context, chatID int64, reader domain.Identity) error {
	_, err := r.db.Exec(ctx, `
		UPDATE chats
		SET user_unread = CASE WHEN $2 = 'user' THEN 0 ELSE user_unread END,
		    tutor_unread = CASE WHEN $2 = 'tutor' THEN 0 ELSE tutor_unread END
		WHERE id = $1
	`, chatID, string(reader.Kind))
	return err
}

// Clear nulls the summary and zeroes both counters. Messages are removed
// separately by MessageRepository.DeleteByChat.
func (r *ChatRepository) Clear(ctx context.Context, chatID int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE chats
		SET last_message_content = NULL,
		    last_message_kind = NULL,
		    last_message_sender_kind = NULL,
		    last_message_sender_id = NULL,
		    last_message_at = NULL,
		    user_unread = 0,
		    tutor_unread = 0,
		    updated_at = NOW()
		WHERE id = $1
	`, chatID)
	return err
}

func scanChat(row pgx.Row, extra ...any) (*domain.Chat, error) {
	var chat domain.Chat
	var (
		content    *string
		kind       *string
		senderKind *string
		senderID   *int64
		at         *time.Time
	)

	dest := []any{
		&chat.ID,
		&chat.UserID,
		&chat.TutorID,
		&content,
		&kind,
		&senderKind,
		&senderID,
		&at,
		&chat.UserUnread,
		&chat.TutorUnread,
		&chat.CreatedAt,
		&chat.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	if at != nil && content != nil && senderKind != nil && senderID != nil {
		summary := &domain.MessageSummary{
			Content: *content,
			Kind:    domain.MessageText,
			Sender:  domain.Identity{Kind: domain.IdentityKind(*senderKind), ID: *senderID},
			At:      *at,
		}
		if kind != nil {
			summary.Kind = domain.MessageKind(*kind)
		}
		chat.LastMessage = summary
	}

	return &chat, nil
}
