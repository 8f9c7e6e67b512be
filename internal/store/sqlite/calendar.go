package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/nextlevelbuilder/loopgate/internal/store"
)

type calendarStore struct {
	db *sql.DB
}

func (s *calendarStore) CreateSource(ctx context.Context, src *store.CalendarSource) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calendar_sources (id, url, poll_interval_minutes, last_synced_at)
		 VALUES (?, ?, ?, ?)`,
		src.ID, src.URL, src.PollIntervalMinutes, src.LastSyncedAt)
	return err
}

func (s *calendarStore) ListSources(ctx context.Context) ([]store.CalendarSource, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, url, poll_interval_minutes, last_synced_at
		 FROM calendar_sources ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []store.CalendarSource
	for rows.Next() {
		var src store.CalendarSource
		var syncedAt sql.NullTime
		if err := rows.Scan(&src.ID, &src.URL, &src.PollIntervalMinutes, &syncedAt); err != nil {
			return nil, err
		}
		if syncedAt.Valid {
			t := syncedAt.Time
			src.LastSyncedAt = &t
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

func (s *calendarStore) TouchSource(ctx context.Context, id string, syncedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE calendar_sources SET last_synced_at = ? WHERE id = ?`,
		syncedAt.UTC(), id)
	return err
}

func (s *calendarStore) DeleteSource(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM calendar_sources WHERE id = ?`, id)
	return err
}

func (s *calendarStore) UpsertEvent(ctx context.Context, e *store.CalendarEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calendar_events (calendar_id, uid, title, start_at, end_at, recurrence)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (calendar_id, uid) DO UPDATE SET
		   title = excluded.title,
		   start_at = excluded.start_at,
		   end_at = excluded.end_at,
		   recurrence = excluded.recurrence`,
		e.CalendarID, e.UID, e.Title, e.StartAt.UTC(), e.EndAt.UTC(), e.Recurrence)
	return err
}

func (s *calendarStore) EventsBetween(ctx context.Context, calendarID string, from, to time.Time) ([]store.CalendarEvent, error) {
	query := `SELECT calendar_id, uid, title, start_at, end_at, recurrence
	 FROM calendar_events WHERE start_at >= ? AND start_at < ?`
	args := []any{from.UTC(), to.UTC()}
	if calendarID != "" {
		query += ` AND calendar_id = ?`
		args = append(args, calendarID)
	}
	query += ` ORDER BY start_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.CalendarEvent
	for rows.Next() {
		var e store.CalendarEvent
		if err := rows.Scan(&e.CalendarID, &e.UID, &e.Title, &e.StartAt, &e.EndAt, &e.Recurrence); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *calendarStore) MarkFired(ctx context.Context, jobID, eventUID string, occurrence time.Time) (bool, error) {
	// INSERT OR IGNORE against the (job_id, event_uid, occurrence) primary key:
	// zero rows affected means this occurrence already fired.
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO calendar_fires (job_id, event_uid, occurrence, fired_at)
		 VALUES (?, ?, ?, ?)`,
		jobID, eventUID, occurrence.UTC(), time.Now().UTC())
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
