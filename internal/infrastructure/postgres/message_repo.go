package postgres

import (
	"context"
	"time"

	"tutorchat-ws/internal/domain"
)

type MessageRepository struct {
	db DBTX
}

func NewMessageRepository(db DBTX) *MessageRepository {
	return &MessageRepository{db: db}
}

type NewMessage struct {
	ChatID   int64
	Sender   domain.Identity
	Content  string
	Kind     domain.MessageKind
	FileURL  string
	FileName string
}

func (r *MessageRepository) Create(ctx context.Context, input NewMessage) (*domain.Message, error) {
	query := `
		INSERT INTO messages (chat_id, sender_kind, sender_id, content, kind, file_url, file_name)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''))
		RETURNING id, chat_id, sender_kind, sender_id, content, kind,
		          COALESCE(file_url, ''), COALESCE(file_name, ''), edited_at, created_at
	`

	message, err := scanMessage(r.db.QueryRow(ctx, query,
		input.ChatID,
		string(input.Sender.Kind),
		input.Sender.ID,
		input.Content,
		string(input.Kind),
		input.FileURL,
		input.FileName,
	))
	if err != nil {
		return nil, err
	}
	message.Sender.Name = input.Sender.Name
	return message, nil
}

// ListByChat returns one page newest first, with read markers attached.
func (r *MessageRepository) ListByChat(ctx context.Context, chatID int64, limit, offset int) ([]domain.Message, int, error) {
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE chat_id = $1`, chatID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, chat_id, sender_kind, sender_id, content, kind,
		       COALESCE(file_url, ''), COALESCE(file_name, ''), edited_at, created_at
		FROM messages
		WHERE chat_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, chatID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	messages := make([]domain.Message, 0)
	index := make(map[int64]int)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		index[message.ID] = len(messages)
		messages = append(messages, *message)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	if len(messages) == 0 {
		return messages, total, nil
	}

	ids := make([]int64, 0, len(messages))
	for _, message := range messages {
		ids = append(ids, message.ID)
	}

	readRows, err := r.db.Query(ctx, `
		SELECT message_id, reader_kind, reader_id, read_at
		FROM message_reads
		WHERE message_id = ANY($1)
		ORDER BY read_at
	`, ids)
	if err != nil {
		return nil, 0, err
	}
	defer readRows.Close()

	for readRows.Next() {
		var (
			messageID int64
			marker    domain.ReadMarker
			kind      string
		)
		if err := readRows.Scan(&messageID, &kind, &marker.Reader.ID, &marker.ReadAt); err != nil {
			return nil, 0, err
		}
		marker.Reader.Kind = domain.IdentityKind(kind)
		if i, ok := index[messageID]; ok {
			messages[i].ReadBy = append(messages[i].ReadBy, marker)
		}
	}
	if err := readRows.Err(); err != nil {
		return nil, 0, err
	}

	return messages, total, nil
}

// MarkChatRead records a read marker for every message in the chat not
// authored by the reader. Returns how many markers were added.
func (r *MessageRepository) MarkChatRead(ctx context.Context, chatID int64, reader domain.Identity, at time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO message_reads (message_id, reader_kind, reader_id, read_at)
		SELECT id, $2, $3, $4
		FROM messages
		WHERE chat_id = $1
		  AND NOT (sender_kind = $2 AND sender_id = $3)
		ON CONFLICT DO NOTHING
	`, chatID, string(reader.Kind), reader.ID, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *MessageRepository) MarkMessageRead(ctx context.Context, messageID int64, reader domain.Identity, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO message_reads (message_id, reader_kind, reader_id, read_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
	`, messageID, string(reader.Kind), reader.ID, at)
	return err
}

func (r *MessageRepository) DeleteByChat(ctx context.Context, chatID int64) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM messages WHERE chat_id = $1`, chatID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanMessage(row interface{ Scan(dest ...any) error }) (*domain.Message, error) {
	var (
		message    domain.Message
		senderKind string
		kind       string
	)
	if err := row.Scan(
		&message.ID,
		&message.ConversationID,
		&senderKind,
		&message.Sender.ID,
		&message.Content,
		&kind,
		&message.FileURL,
		&message.FileName,
		&message.EditedAt,
		&message.CreatedAt,
	); err != nil {
		return nil, err
	}
	message.Sender.Kind = domain.IdentityKind(senderKind)
	message.Kind = domain.MessageKind(kind)
	message.ReadBy = []domain.ReadMarker{}
	return &message, nil
}
