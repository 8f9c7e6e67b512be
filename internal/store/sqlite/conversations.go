package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/loopgate/internal/store"
)

type conversationStore struct {
	db *sql.DB
}

func (s *conversationStore) GetOrCreate(ctx context.Context, channelID, externalID, title string) (*store.Conversation, error) {
	// Upsert keyed on (channel_id, external_id). DO NOTHING keeps the first
	// row; the follow-up select returns it either way.
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, channel_id, external_id, title, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (channel_id, external_id) DO NOTHING`,
		id, channelID, externalID, title, now)
	if err != nil {
		return nil, err
	}

	var c store.Conversation
	err = s.db.QueryRowContext(ctx,
		`SELECT id, channel_id, external_id, title, created_at
		 FROM conversations WHERE channel_id = ? AND external_id = ?`,
		channelID, externalID,
	).Scan(&c.ID, &c.ChannelID, &c.ExternalID, &c.Title, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *conversationStore) Get(ctx context.Context, id string) (*store.Conversation, error) {
	var c store.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, channel_id, external_id, title, created_at
		 FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.ChannelID, &c.ExternalID, &c.Title, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *conversationStore) AppendMessage(ctx context.Context, msg *store.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, tool_calls, tool_use_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.Role, msg.Content, nullBytes(msg.ToolCalls),
		msg.ToolUseID, msg.CreatedAt)
	if err != nil {
		return err
	}
	msg.ID, _ = res.LastInsertId()
	return nil
}

func (s *conversationStore) Messages(ctx context.Context, conversationID string) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, tool_calls, tool_use_id, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY id`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []store.Message
	for rows.Next() {
		var m store.Message
		var toolCalls sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content,
			&toolCalls, &m.ToolUseID, &m.CreatedAt); err != nil {
			return nil, err
		}
		if toolCalls.Valid {
			m.ToolCalls = []byte(toolCalls.String)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
