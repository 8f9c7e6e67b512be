package sqlite

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/nextlevelbuilder/loopgate/internal/events"
	"github.com/nextlevelbuilder/loopgate/internal/store"
)

type webhookStore struct {
	db *sql.DB
}

func (s *webhookStore) Create(ctx context.Context, w *store.WebhookRegistration) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	if w.Token == "" {
		tok, err := newWebhookToken()
		if err != nil {
			return err
		}
		w.Token = tok
	}
	if err := validateSubscribedEvents(w.SubscribedEvents); err != nil {
		return err
	}
	events, err := json.Marshal(w.SubscribedEvents)
	if err != nil {
		return fmt.Errorf("encode subscribed events: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO webhooks (id, name, token, subscribed_events, target_url,
		   tenant_id, enabled, trigger_count, last_triggered_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, w.Token, string(events), w.TargetURL,
		w.TenantID, w.Enabled, w.TriggerCount, w.LastTriggeredAt, w.CreatedAt)
	return err
}

func (s *webhookStore) Update(ctx context.Context, w *store.WebhookRegistration) error {
	if err := validateSubscribedEvents(w.SubscribedEvents); err != nil {
		return err
	}
	events, err := json.Marshal(w.SubscribedEvents)
	if err != nil {
		return fmt.Errorf("encode subscribed events: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhooks SET name = ?, subscribed_events = ?, target_url = ?,
		   tenant_id = ?, enabled = ?
		 WHERE id = ?`,
		w.Name, string(events), w.TargetURL, w.TenantID, w.Enabled, w.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *webhookStore) GetByToken(ctx context.Context, token string) (*store.WebhookRegistration, error) {
	row := s.db.QueryRowContext(ctx, webhookSelect+` WHERE token = ?`, token)
	return scanWebhook(row)
}

func (s *webhookStore) List(ctx context.Context) ([]store.WebhookRegistration, error) {
	return s.queryWebhooks(ctx, webhookSelect+` ORDER BY created_at`)
}

func (s *webhookStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?`, id)
	return err
}

func (s *webhookStore) Subscribed(ctx context.Context, event, tenantID string) ([]store.WebhookRegistration, error) {
	// Subscription lists are small JSON arrays; filter in Go rather than
	// pushing json_each into the query.
	all, err := s.queryWebhooks(ctx, webhookSelect+` WHERE enabled = 1 ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	var matched []store.WebhookRegistration
	for _, w := range all {
		if w.TenantID != "" && w.TenantID != tenantID {
			continue
		}
		if slices.Contains(w.SubscribedEvents, event) || slices.Contains(w.SubscribedEvents, "*") {
			matched = append(matched, w)
		}
	}
	return matched, nil
}

func (s *webhookStore) IncrementTrigger(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhooks SET trigger_count = trigger_count + 1, last_triggered_at = ?
		 WHERE id = ?`, at.UTC(), id)
	return err
}

func (s *webhookStore) InsertDelivery(ctx context.Context, d *store.WebhookDelivery) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (webhook_id, event, status_code, error,
		   duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		d.WebhookID, d.Event, d.StatusCode, d.Error, d.DurationMs, d.CreatedAt)
	if err != nil {
		return err
	}
	d.ID, _ = res.LastInsertId()
	return nil
}

func (s *webhookStore) queryWebhooks(ctx context.Context, query string, args ...any) ([]store.WebhookRegistration, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hooks []store.WebhookRegistration
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, *w)
	}
	return hooks, rows.Err()
}

// newWebhookToken returns a random 128-bit hex token.
func newWebhookToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate webhook token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// validateSubscribedEvents rejects names outside the event catalog; "*"
// subscribes to everything.
func validateSubscribedEvents(names []string) error {
	for _, name := range names {
		if name != "*" && !events.Known(name) {
			return fmt.Errorf("unknown subscribed event %q", name)
		}
	}
	return nil
}

const webhookSelect = `SELECT id, name, token, subscribed_events, target_url,
   tenant_id, enabled, trigger_count, last_triggered_at, created_at
 FROM webhooks`

func scanWebhook(row rowScanner) (*store.WebhookRegistration, error) {
	var w store.WebhookRegistration
	var events string
	var lastTriggered sql.NullTime
	err := row.Scan(&w.ID, &w.Name, &w.Token, &events, &w.TargetURL,
		&w.TenantID, &w.Enabled, &w.TriggerCount, &lastTriggered, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if events != "" {
		if err := json.Unmarshal([]byte(events), &w.SubscribedEvents); err != nil {
			return nil, fmt.Errorf("webhook %s: decode subscribed events: %w", w.ID, err)
		}
	}
	if lastTriggered.Valid {
		t := lastTriggered.Time
		w.LastTriggeredAt = &t
	}
	return &w, nil
}
