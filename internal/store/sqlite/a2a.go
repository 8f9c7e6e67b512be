package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/nextlevelbuilder/loopgate/internal/store"
)

type a2aStore struct {
	db *sql.DB
}

func (s *a2aStore) Insert(ctx context.Context, msg *store.A2AMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Status == "" {
		msg.Status = store.A2AStatusPending
	}
	var metadata any
	if len(msg.Metadata) > 0 {
		data, _ := json.Marshal(msg.Metadata)
		metadata = string(data)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO a2a_messages (id, kind, from_agent_id, from_role, tenant_id,
		   to_agent, conversation_id, action, content, metadata, reply_to, ttl_ms,
		   status, created_at, processed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.Kind, msg.FromAgentID, msg.FromRole, msg.TenantID,
		msg.To, msg.ConversationID, msg.Action, msg.Content, metadata,
		msg.ReplyTo, msg.TTLMs, msg.Status, msg.CreatedAt, msg.ProcessedAt)
	return err
}

func (s *a2aStore) Get(ctx context.Context, id string) (*store.A2AMessage, error) {
	row := s.db.QueryRowContext(ctx, a2aSelect+` WHERE id = ?`, id)
	return scanA2A(row)
}

func (s *a2aStore) SetStatus(ctx context.Context, id, status string, processedAt *time.Time) error {
	// Terminal rows stay terminal: second MarkProcessed is a no-op.
	_, err := s.db.ExecContext(ctx,
		`UPDATE a2a_messages SET status = ?, processed_at = COALESCE(?, processed_at)
		 WHERE id = ? AND status NOT IN ('processed', 'failed', 'expired')`,
		status, processedAt, id)
	return err
}

func (s *a2aStore) ListByConversation(ctx context.Context, conversationID string) ([]store.A2AMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		a2aSelect+` WHERE conversation_id = ? ORDER BY created_at`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []store.A2AMessage
	for rows.Next() {
		m, err := scanA2A(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

const a2aSelect = `SELECT id, kind, from_agent_id, from_role, tenant_id, to_agent,
   conversation_id, action, content, metadata, reply_to, ttl_ms, status,
   created_at, processed_at
 FROM a2a_messages`

func scanA2A(row rowScanner) (*store.A2AMessage, error) {
	var m store.A2AMessage
	var metadata sql.NullString
	var processedAt sql.NullTime
	err := row.Scan(&m.ID, &m.Kind, &m.FromAgentID, &m.FromRole, &m.TenantID,
		&m.To, &m.ConversationID, &m.Action, &m.Content, &metadata,
		&m.ReplyTo, &m.TTLMs, &m.Status, &m.CreatedAt, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if metadata.Valid && metadata.String != "" {
		_ = json.Unmarshal([]byte(metadata.String), &m.Metadata)
	}
	if processedAt.Valid {
		t := processedAt.Time
		m.ProcessedAt = &t
	}
	return &m, nil
}
