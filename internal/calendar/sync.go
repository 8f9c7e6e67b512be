// Package calendar polls iCal feeds, persists their events and turns
// matching events into scheduler one-shots.
package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	ics "github.com/arran4/golang-ical"

	"github.com/nextlevelbuilder/loopgate/internal/store"
)

// DefaultLookahead bounds how far ahead event triggers are scheduled.
const DefaultLookahead = 7 * 24 * time.Hour

const syncTick = time.Minute

// OneShotScheduler arms calendar-driven fires. Implemented by the scheduler.
type OneShotScheduler interface {
	ScheduleEventFire(ctx context.Context, jobID, eventTitle string, at time.Time)
}

// JobSource lists jobs so event triggers can be matched.
type JobSource interface {
	List(ctx context.Context) ([]store.ScheduledJob, error)
}

// Syncer keeps calendar sources fresh and feeds event triggers.
type Syncer struct {
	store     store.CalendarStore
	jobs      JobSource
	sched     OneShotScheduler
	httpc     *http.Client
	logger    *slog.Logger
	now       func() time.Time
	lookahead time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSyncer(cs store.CalendarStore, jobs JobSource, sched OneShotScheduler, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		store:     cs,
		jobs:      jobs,
		sched:     sched,
		httpc:     &http.Client{Timeout: 15 * time.Second},
		logger:    logger,
		now:       time.Now,
		lookahead: DefaultLookahead,
	}
}

// Start begins the polling loop. Each source is synced when its poll
// interval has elapsed since the last sync.
func (s *Syncer) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(syncTick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.syncDue(ctx)
			}
		}
	}()
	s.logger.Info("calendar sync started")
}

func (s *Syncer) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Syncer) syncDue(ctx context.Context) {
	sources, err := s.store.ListSources(ctx)
	if err != nil {
		s.logger.Error("listing calendar sources failed", "error", err)
		return
	}
	now := s.now()
	for i := range sources {
		src := sources[i]
		interval := time.Duration(src.PollIntervalMinutes) * time.Minute
		if interval <= 0 {
			interval = 15 * time.Minute
		}
		if src.LastSyncedAt != nil && now.Sub(*src.LastSyncedAt) < interval {
			continue
		}
		if err := s.SyncSource(ctx, &src); err != nil {
			s.logger.Error("calendar sync failed", "source", src.ID, "error", err)
		}
	}
}

// SyncSource fetches one feed, upserts its events and re-matches event
// triggers. Upserts are idempotent; unchanged VEVENTs produce no new rows.
func (s *Syncer) SyncSource(ctx context.Context, src *store.CalendarSource) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return fmt.Errorf("calendar request: %w", err)
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("fetch calendar: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("calendar feed returned %d", resp.StatusCode)
	}

	cal, err := ics.ParseCalendar(resp.Body)
	if err != nil {
		return fmt.Errorf("parse ical: %w", err)
	}

	count := 0
	for _, ev := range cal.Events() {
		event, ok := s.toEvent(src.ID, ev)
		if !ok {
			continue
		}
		if err := s.store.UpsertEvent(ctx, event); err != nil {
			return fmt.Errorf("upsert event %s: %w", event.UID, err)
		}
		count++
	}

	if err := s.store.TouchSource(ctx, src.ID, s.now()); err != nil {
		return fmt.Errorf("touch source: %w", err)
	}
	s.logger.Info("calendar synced", "source", src.ID, "events", count)

	return s.MatchTriggers(ctx)
}

func (s *Syncer) toEvent(calendarID string, ev *ics.VEvent) (*store.CalendarEvent, bool) {
	uidProp := ev.GetProperty(ics.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return nil, false
	}
	start, err := ev.GetStartAt()
	if err != nil {
		s.logger.Warn("event without usable DTSTART skipped", "uid", uidProp.Value)
		return nil, false
	}
	end, err := ev.GetEndAt()
	if err != nil {
		end = start
	}

	event := &store.CalendarEvent{
		CalendarID: calendarID,
		UID:        uidProp.Value,
		StartAt:    start.UTC(),
		EndAt:      end.UTC(),
	}
	if p := ev.GetProperty(ics.ComponentPropertySummary); p != nil {
		event.Title = p.Value
	}
	if p := ev.GetProperty(ics.ComponentPropertyRrule); p != nil {
		event.Recurrence = p.Value
	}
	return event, true
}

// MatchTriggers scans upcoming events against calendarEvent jobs and arms
// one-shots. A (job, event, occurrence) triple fires at most once; the
// persisted fire record de-duplicates repeated syncs.
func (s *Syncer) MatchTriggers(ctx context.Context) error {
	jobs, err := s.jobs.List(ctx)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	now := s.now()

	for i := range jobs {
		job := jobs[i]
		if !job.Enabled || job.Trigger.Kind != store.TriggerCalendarEvent {
			continue
		}
		events, err := s.store.EventsBetween(ctx, job.Trigger.CalendarID, now, now.Add(s.lookahead))
		if err != nil {
			s.logger.Error("loading events for trigger failed", "job", job.ID, "error", err)
			continue
		}
		for _, ev := range events {
			if job.Trigger.TitleFilter != "" &&
				!strings.Contains(strings.ToLower(ev.Title), strings.ToLower(job.Trigger.TitleFilter)) {
				continue
			}
			fireAt := ev.StartAt.
				Add(-time.Duration(job.Trigger.MinutesBefore) * time.Minute).
				Add(time.Duration(job.Trigger.MinutesAfter) * time.Minute)
			if fireAt.Before(now) {
				continue
			}
			fired, err := s.store.MarkFired(ctx, job.ID, ev.UID, ev.StartAt)
			if err != nil {
				s.logger.Error("recording calendar fire failed", "job", job.ID, "error", err)
				continue
			}
			if !fired {
				continue
			}
			s.sched.ScheduleEventFire(ctx, job.ID, ev.Title, fireAt)
		}
	}
	return nil
}
