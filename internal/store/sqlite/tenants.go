package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/nextlevelbuilder/loopgate/internal/store"
)

type tenantStore struct {
	db *sql.DB
}

func (s *tenantStore) Create(ctx context.Context, t *store.Tenant) error {
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	allowList, persona := marshalTenantJSON(t)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, system_prompt, encrypted_api_key, model,
		   max_tokens, skill_allow_list, roles_enabled, persona, container_isolation,
		   max_concurrent_subagents, budget_daily_tokens, budget_monthly_tokens,
		   budget_alert_pct, hot_swap_cfg, fallback_chain_cfg, repo_binding,
		   created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.SystemPrompt, t.EncryptedAPIKey, t.Model,
		t.MaxTokens, allowList, t.RolesEnabled, persona, t.ContainerIsolation,
		t.MaxConcurrentSubAgents, t.BudgetDailyTokens, t.BudgetMonthlyTokens,
		t.BudgetAlertPct, nullBytes(t.HotSwapCfg), nullBytes(t.FallbackChainCfg),
		t.RepoBinding, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (s *tenantStore) Update(ctx context.Context, t *store.Tenant) error {
	t.UpdatedAt = time.Now().UTC()

	allowList, persona := marshalTenantJSON(t)
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET name = ?, system_prompt = ?, encrypted_api_key = ?,
		   model = ?, max_tokens = ?, skill_allow_list = ?, roles_enabled = ?,
		   persona = ?, container_isolation = ?, max_concurrent_subagents = ?,
		   budget_daily_tokens = ?, budget_monthly_tokens = ?, budget_alert_pct = ?,
		   hot_swap_cfg = ?, fallback_chain_cfg = ?, repo_binding = ?, updated_at = ?
		 WHERE id = ?`,
		t.Name, t.SystemPrompt, t.EncryptedAPIKey,
		t.Model, t.MaxTokens, allowList, t.RolesEnabled,
		persona, t.ContainerIsolation, t.MaxConcurrentSubAgents,
		t.BudgetDailyTokens, t.BudgetMonthlyTokens, t.BudgetAlertPct,
		nullBytes(t.HotSwapCfg), nullBytes(t.FallbackChainCfg), t.RepoBinding, t.UpdatedAt,
		t.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *tenantStore) Get(ctx context.Context, id string) (*store.Tenant, error) {
	row := s.db.QueryRowContext(ctx, tenantSelect+` WHERE id = ?`, id)
	return scanTenant(row)
}

func (s *tenantStore) List(ctx context.Context) ([]store.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, tenantSelect+` ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []store.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, *t)
	}
	return tenants, rows.Err()
}

func (s *tenantStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = ?`, id)
	return err
}

func (s *tenantStore) BindChannel(ctx context.Context, channelID, tenantID string) error {
	if tenantID == "" {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM channel_bindings WHERE channel_id = ?`, channelID)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_bindings (channel_id, tenant_id) VALUES (?, ?)
		 ON CONFLICT (channel_id) DO UPDATE SET tenant_id = excluded.tenant_id`,
		channelID, tenantID)
	return err
}

func (s *tenantStore) TenantForChannel(ctx context.Context, channelID string) (string, error) {
	var tenantID string
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id FROM channel_bindings WHERE channel_id = ?`, channelID,
	).Scan(&tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return tenantID, err
}

const tenantSelect = `SELECT id, name, system_prompt, encrypted_api_key, model,
   max_tokens, skill_allow_list, roles_enabled, persona, container_isolation,
   max_concurrent_subagents, budget_daily_tokens, budget_monthly_tokens,
   budget_alert_pct, hot_swap_cfg, fallback_chain_cfg, repo_binding,
   created_at, updated_at
 FROM tenants`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*store.Tenant, error) {
	var t store.Tenant
	var allowList, persona, hotSwap, fallbackCfg sql.NullString
	err := row.Scan(
		&t.ID, &t.Name, &t.SystemPrompt, &t.EncryptedAPIKey, &t.Model,
		&t.MaxTokens, &allowList, &t.RolesEnabled, &persona, &t.ContainerIsolation,
		&t.MaxConcurrentSubAgents, &t.BudgetDailyTokens, &t.BudgetMonthlyTokens,
		&t.BudgetAlertPct, &hotSwap, &fallbackCfg, &t.RepoBinding,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if allowList.Valid && allowList.String != "" {
		_ = json.Unmarshal([]byte(allowList.String), &t.SkillAllowList)
	}
	if persona.Valid && persona.String != "" {
		var p store.Persona
		if json.Unmarshal([]byte(persona.String), &p) == nil {
			t.Persona = &p
		}
	}
	if hotSwap.Valid {
		t.HotSwapCfg = []byte(hotSwap.String)
	}
	if fallbackCfg.Valid {
		t.FallbackChainCfg = []byte(fallbackCfg.String)
	}
	return &t, nil
}

func marshalTenantJSON(t *store.Tenant) (allowList, persona any) {
	allowList = nil
	if t.SkillAllowList != nil {
		data, _ := json.Marshal(t.SkillAllowList)
		allowList = string(data)
	}
	persona = nil
	if t.Persona != nil {
		data, _ := json.Marshal(t.Persona)
		persona = string(data)
	}
	return allowList, persona
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
