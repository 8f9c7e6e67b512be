package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nextlevelbuilder/loopgate/internal/store"
)

type approvalStore struct {
	db *sql.DB
}

func (s *approvalStore) UpsertRule(ctx context.Context, rule *store.ApprovalRule) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO approval_rules (tenant_id, tool_name, auto_approve,
		   require_approval, timeout_sec, on_timeout, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, tool_name) DO UPDATE SET
		   auto_approve = excluded.auto_approve,
		   require_approval = excluded.require_approval,
		   timeout_sec = excluded.timeout_sec,
		   on_timeout = excluded.on_timeout,
		   enabled = excluded.enabled`,
		rule.TenantID, rule.ToolName, rule.AutoApprove,
		rule.RequireApproval, rule.TimeoutSec, rule.OnTimeout, rule.Enabled)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil && id > 0 {
		rule.ID = id
	}
	return nil
}

func (s *approvalStore) Rule(ctx context.Context, tenantID, toolName string) (*store.ApprovalRule, error) {
	// Tenant-scoped rule wins over the global ('') one.
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, tool_name, auto_approve, require_approval,
		   timeout_sec, on_timeout, enabled
		 FROM approval_rules
		 WHERE tool_name = ? AND enabled = 1 AND tenant_id IN (?, '')
		 ORDER BY tenant_id DESC LIMIT 1`,
		toolName, tenantID)
	rule, err := scanRule(row)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return rule, err
}

func (s *approvalStore) ListRules(ctx context.Context) ([]store.ApprovalRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, tool_name, auto_approve, require_approval,
		   timeout_sec, on_timeout, enabled
		 FROM approval_rules ORDER BY tool_name, tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []store.ApprovalRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

func scanRule(row rowScanner) (*store.ApprovalRule, error) {
	var r store.ApprovalRule
	err := row.Scan(&r.ID, &r.TenantID, &r.ToolName, &r.AutoApprove,
		&r.RequireApproval, &r.TimeoutSec, &r.OnTimeout, &r.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *approvalStore) InsertPending(ctx context.Context, p *store.PendingApproval) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.Status == "" {
		p.Status = store.ApprovalPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_approvals (id, tenant_id, agent_id, tool, input,
		   status, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TenantID, p.AgentID, p.Tool, nullBytes(p.Input),
		p.Status, p.CreatedAt, p.ExpiresAt)
	return err
}

func (s *approvalStore) GetPending(ctx context.Context, id string) (*store.PendingApproval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, agent_id, tool, input, status, created_at, expires_at
		 FROM pending_approvals WHERE id = ?`, id)
	var p store.PendingApproval
	var input sql.NullString
	err := row.Scan(&p.ID, &p.TenantID, &p.AgentID, &p.Tool, &input,
		&p.Status, &p.CreatedAt, &p.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if input.Valid {
		p.Input = []byte(input.String)
	}
	return &p, nil
}

func (s *approvalStore) ResolvePending(ctx context.Context, id, status string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_approvals SET status = ? WHERE id = ? AND status = 'pending'`,
		status, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *approvalStore) ListPending(ctx context.Context) ([]store.PendingApproval, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, agent_id, tool, input, status, created_at, expires_at
		 FROM pending_approvals WHERE status = 'pending' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []store.PendingApproval
	for rows.Next() {
		var p store.PendingApproval
		var input sql.NullString
		if err := rows.Scan(&p.ID, &p.TenantID, &p.AgentID, &p.Tool, &input,
			&p.Status, &p.CreatedAt, &p.ExpiresAt); err != nil {
			return nil, err
		}
		if input.Valid {
			p.Input = []byte(input.String)
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}
