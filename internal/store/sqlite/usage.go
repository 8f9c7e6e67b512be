package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/nextlevelbuilder/loopgate/internal/store"
)

type usageStore struct {
	db *sql.DB
}

func (s *usageStore) Record(ctx context.Context, rec *store.UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records (tenant_id, model, input_tokens, output_tokens,
		   duration_ms, isolated, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.TenantID, rec.Model, rec.InputTokens, rec.OutputTokens,
		rec.DurationMs, rec.Isolated, rec.CreatedAt)
	if err != nil {
		return err
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

func (s *usageStore) SumTokens(ctx context.Context, tenantID string, from, to time.Time) (int64, error) {
	var sum sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(input_tokens + output_tokens) FROM usage_records
		 WHERE tenant_id = ? AND created_at >= ? AND created_at < ?`,
		tenantID, from.UTC(), to.UTC(),
	).Scan(&sum)
	if err != nil {
		return 0, err
	}
	return sum.Int64, nil
}
