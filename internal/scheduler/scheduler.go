// Package scheduler fires durable jobs on time and routes their outputs.
// Runs are serialized per job; distinct jobs execute concurrently.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/loopgate/internal/agent"
	"github.com/nextlevelbuilder/loopgate/internal/events"
	"github.com/nextlevelbuilder/loopgate/internal/store"
)

// DefaultTick is the due-job poll interval.
const DefaultTick = 15 * time.Second

// LoopRunner executes an agent loop. Implemented by agent.Engine.
type LoopRunner interface {
	Run(ctx context.Context, req *agent.RunRequest) (*agent.RunResult, error)
}

// ConfigResolver resolves tenant ids to effective configs. Implemented by
// agent.Resolver.
type ConfigResolver interface {
	ResolveTenant(ctx context.Context, tenantID string) (*agent.EffectiveConfig, error)
}

// Scheduler owns the job table: it computes fire instants, runs due jobs
// through the agent loop and routes results.
type Scheduler struct {
	jobs     store.JobStore
	convs    store.ConversationStore
	resolver ConfigResolver
	runner   LoopRunner
	router   *OutputRouter
	bus      events.Publisher
	logger   *slog.Logger
	tick     time.Duration
	now      func() time.Time

	mu       sync.Mutex
	inFlight map[string]bool
	timers   map[string]*time.Timer // pending calendar one-shots

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(jobs store.JobStore, convs store.ConversationStore, resolver ConfigResolver, runner LoopRunner, router *OutputRouter, bus events.Publisher, tick time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Scheduler{
		jobs:     jobs,
		convs:    convs,
		resolver: resolver,
		runner:   runner,
		router:   router,
		bus:      bus,
		logger:   logger,
		tick:     tick,
		now:      time.Now,
		inFlight: make(map[string]bool),
		timers:   make(map[string]*time.Timer),
	}
}

// CreateJob validates the trigger, computes the first fire instant and
// persists the job. Trigger parse failures disable the job with
// lastStatus=error.
func (s *Scheduler) CreateJob(ctx context.Context, job *store.ScheduledJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	next, err := NextFire(job.Trigger, s.now())
	if err != nil {
		job.Enabled = false
		job.LastStatus = store.RunStatusError
		if cerr := s.jobs.Create(ctx, job); cerr != nil {
			return cerr
		}
		return err
	}
	job.NextRunAt = next
	return s.jobs.Create(ctx, job)
}

// Start begins the due-job polling loop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.fireDue(ctx)
			}
		}
	}()
	s.logger.Info("scheduler started", "tick", s.tick)
}

// Stop cancels the polling loop and pending one-shots, then waits for
// in-flight runs.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) fireDue(ctx context.Context) {
	due, err := s.jobs.Due(ctx, s.now())
	if err != nil {
		s.logger.Error("loading due jobs failed", "error", err)
		return
	}
	for i := range due {
		job := due[i]
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.fire(ctx, job.ID, "")
		}()
	}
}

// ScheduleEventFire arms a one-shot fire for a calendar-triggered job. The
// instant and event title are held in memory; restarts recover them on the
// next calendar sync (persisted fire records de-duplicate).
func (s *Scheduler) ScheduleEventFire(ctx context.Context, jobID, eventTitle string, at time.Time) {
	delay := at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	key := jobID + "@" + at.UTC().Format(time.RFC3339)

	s.mu.Lock()
	if _, armed := s.timers[key]; armed {
		s.mu.Unlock()
		return
	}
	s.timers[key] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, key)
		s.mu.Unlock()
		s.fire(ctx, jobID, eventTitle)
	})
	s.mu.Unlock()
	s.logger.Info("calendar one-shot armed", "job", jobID, "at", at, "event", eventTitle)
}

// fire executes one job run. Per-job serialization: a second fire while one
// is running is skipped (the clock will catch it on the next slot).
func (s *Scheduler) fire(ctx context.Context, jobID, eventTitle string) {
	s.mu.Lock()
	if s.inFlight[jobID] {
		s.mu.Unlock()
		s.logger.Warn("job still running, fire skipped", "job", jobID)
		return
	}
	s.inFlight[jobID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, jobID)
		s.mu.Unlock()
	}()

	// Re-read: enabled may have flipped since the due query.
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		s.logger.Error("job vanished before fire", "job", jobID, "error", err)
		return
	}
	if !job.Enabled {
		return
	}

	runErr := s.runJob(ctx, job, eventTitle)

	now := s.now()
	job.LastRunAt = &now
	job.RunCount++
	if runErr != nil {
		job.LastStatus = store.RunStatusError
		s.logger.Error("job run failed", "job", job.ID, "error", runErr)
	} else {
		job.LastStatus = store.RunStatusSuccess
	}

	switch job.Trigger.Kind {
	case store.TriggerOnce:
		job.Enabled = false
		job.NextRunAt = nil
	case store.TriggerCalendarEvent:
		job.NextRunAt = nil
	default:
		next, err := NextFire(job.Trigger, now)
		if err != nil {
			job.Enabled = false
			job.LastStatus = store.RunStatusError
			s.logger.Error("trigger no longer computable, job disabled",
				"job", job.ID, "error", err)
		} else {
			job.NextRunAt = next
		}
	}

	if err := s.jobs.Update(ctx, job); err != nil {
		s.logger.Error("persisting job state failed", "job", job.ID, "error", err)
	}
}

func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, eventTitle string) error {
	run := &store.JobRun{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		Status:    store.RunStatusRunning,
		StartedAt: s.now(),
	}
	if err := s.jobs.InsertRun(ctx, run); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	result, err := s.execute(ctx, job, eventTitle)

	completed := s.now()
	run.CompletedAt = &completed
	if err != nil {
		run.Status = store.RunStatusError
		run.Error = err.Error()
	} else {
		run.Status = store.RunStatusSuccess
		run.Output = result.Text
		run.InputTokens = result.Usage.InputTokens
		run.OutputTokens = result.Usage.OutputTokens
	}
	if ferr := s.jobs.FinishRun(ctx, run); ferr != nil {
		s.logger.Error("finishing run failed", "run", run.ID, "error", ferr)
	}

	if err != nil {
		s.emit(events.TaskError, job.TenantID, map[string]any{
			"jobId": job.ID,
			"runId": run.ID,
			"error": err.Error(),
		})
		return err
	}

	if rerr := s.router.Route(ctx, job, result.Text); rerr != nil {
		s.logger.Error("output routing failed", "job", job.ID, "error", rerr)
	}
	s.emit(events.SchedulerJobComplete, job.TenantID, map[string]any{
		"jobId":  job.ID,
		"runId":  run.ID,
		"name":   job.Name,
		"tokens": result.Usage.InputTokens + result.Usage.OutputTokens,
	})
	return nil
}

func (s *Scheduler) execute(ctx context.Context, job *store.ScheduledJob, eventTitle string) (*agent.RunResult, error) {
	cfg, err := s.resolver.ResolveTenant(ctx, job.TenantID)
	if err != nil {
		return nil, fmt.Errorf("resolve tenant: %w", err)
	}
	conv, err := s.convs.GetOrCreate(ctx, "scheduler", "job-"+job.ID, job.Name)
	if err != nil {
		return nil, fmt.Errorf("job conversation: %w", err)
	}

	prompt := RenderPrompt(job.Action, s.now(), eventTitle)
	result, err := s.runner.Run(ctx, &agent.RunRequest{
		Conversation:  conv,
		Config:        cfg,
		Message:       prompt,
		MaxIterations: job.MaxIterations,
	})
	if err != nil {
		return nil, err
	}
	if result.Status == agent.RunBudgetExceeded || result.Status == agent.RunBlocked {
		return nil, fmt.Errorf("run not executed: %s", result.Text)
	}
	return result, nil
}

func (s *Scheduler) emit(name, tenantID string, payload map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Broadcast(events.Event{Name: name, TenantID: tenantID, Payload: payload})
}
