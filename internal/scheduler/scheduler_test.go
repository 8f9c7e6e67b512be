package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/loopgate/internal/agent"
	"github.com/nextlevelbuilder/loopgate/internal/config"
	"github.com/nextlevelbuilder/loopgate/internal/providers"
	"github.com/nextlevelbuilder/loopgate/internal/store"
)

// memJobs is an in-memory JobStore.
type memJobs struct {
	mu   sync.Mutex
	jobs map[string]*store.ScheduledJob
	runs map[string]*store.JobRun
}

func newMemJobs() *memJobs {
	return &memJobs{
		jobs: make(map[string]*store.ScheduledJob),
		runs: make(map[string]*store.JobRun),
	}
}

func (m *memJobs) Create(_ context.Context, j *store.ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *memJobs) Update(ctx context.Context, j *store.ScheduledJob) error {
	return m.Create(ctx, j)
}

func (m *memJobs) Get(_ context.Context, id string) (*store.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memJobs) List(_ context.Context) ([]store.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.ScheduledJob
	for _, j := range m.jobs {
		out = append(out, *j)
	}
	return out, nil
}

func (m *memJobs) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *memJobs) Due(_ context.Context, now time.Time) ([]store.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.ScheduledJob
	for _, j := range m.jobs {
		if j.Enabled && j.NextRunAt != nil && !j.NextRunAt.After(now) {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (m *memJobs) InsertRun(_ context.Context, r *store.JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.runs[r.ID] = &cp
	return nil
}

func (m *memJobs) FinishRun(_ context.Context, r *store.JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.runs[r.ID]
	if !ok || existing.Status != store.RunStatusRunning {
		return nil
	}
	cp := *r
	m.runs[r.ID] = &cp
	return nil
}

func (m *memJobs) ListRuns(_ context.Context, jobID string, _ int) ([]store.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.JobRun
	for _, r := range m.runs {
		if r.JobID == jobID {
			out = append(out, *r)
		}
	}
	return out, nil
}

// memSchedConvs is a minimal ConversationStore for scheduler tests.
type memSchedConvs struct {
	mu    sync.Mutex
	convs map[string]*store.Conversation
}

func (m *memSchedConvs) GetOrCreate(_ context.Context, channelID, externalID, title string) (*store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.convs == nil {
		m.convs = make(map[string]*store.Conversation)
	}
	key := channelID + "/" + externalID
	if c, ok := m.convs[key]; ok {
		return c, nil
	}
	c := &store.Conversation{ID: key, ChannelID: channelID, ExternalID: externalID, Title: title}
	m.convs[key] = c
	return c, nil
}

func (m *memSchedConvs) Get(_ context.Context, id string) (*store.Conversation, error) {
	return nil, store.ErrNotFound
}
func (m *memSchedConvs) AppendMessage(_ context.Context, _ *store.Message) error { return nil }
func (m *memSchedConvs) Messages(_ context.Context, _ string) ([]store.Message, error) {
	return nil, nil
}

type fakeResolver struct{}

func (fakeResolver) ResolveTenant(_ context.Context, tenantID string) (*agent.EffectiveConfig, error) {
	return &agent.EffectiveConfig{Tenant: &store.Tenant{ID: tenantID}}, nil
}

// fakeRunner records the requests it was asked to run.
type fakeRunner struct {
	mu      sync.Mutex
	prompts []string
	caps    []int
	reply   string
}

func (r *fakeRunner) Run(_ context.Context, req *agent.RunRequest) (*agent.RunResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts = append(r.prompts, req.Message)
	r.caps = append(r.caps, req.MaxIterations)
	return &agent.RunResult{
		Text:   r.reply,
		Status: agent.RunComplete,
		Usage:  providers.Usage{InputTokens: 7, OutputTokens: 3},
	}, nil
}

func (r *fakeRunner) lastPrompt() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.prompts) == 0 {
		return ""
	}
	return r.prompts[len(r.prompts)-1]
}

func newTestScheduler(jobs *memJobs, runner *fakeRunner) *Scheduler {
	router := NewOutputRouter(nil, config.SMTPConfig{}, 0, 0, nil)
	return New(jobs, &memSchedConvs{}, fakeResolver{}, runner, router, nil, time.Second, nil)
}

func TestCreateJobComputesNextRun(t *testing.T) {
	jobs := newMemJobs()
	s := newTestScheduler(jobs, &fakeRunner{reply: "ok"})
	s.now = func() time.Time { return time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC) }

	job := &store.ScheduledJob{
		Name:    "weekday briefing",
		Enabled: true,
		Trigger: store.TriggerSpec{
			Kind: store.TriggerDaily, Time: "08:00",
			Days: []int{1, 2, 3, 4, 5}, Timezone: "Europe/Berlin",
		},
		Action: "morning briefing",
	}
	if err := s.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create: %v", err)
	}
	want := time.Date(2025, 3, 17, 7, 0, 0, 0, time.UTC)
	if job.NextRunAt == nil || !job.NextRunAt.Equal(want) {
		t.Errorf("nextRunAt = %v, want %s", job.NextRunAt, want)
	}
}

func TestCreateJobBadTriggerDisables(t *testing.T) {
	jobs := newMemJobs()
	s := newTestScheduler(jobs, &fakeRunner{})

	job := &store.ScheduledJob{
		Name:    "broken",
		Enabled: true,
		Trigger: store.TriggerSpec{Kind: store.TriggerCron, Expr: "garbage"},
	}
	if err := s.CreateJob(context.Background(), job); err == nil {
		t.Fatal("expected trigger error")
	}
	persisted, err := jobs.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("job not persisted: %v", err)
	}
	if persisted.Enabled || persisted.LastStatus != store.RunStatusError {
		t.Errorf("bad job not disabled: %+v", persisted)
	}
}

func TestFireRunsJobAndAdvances(t *testing.T) {
	jobs := newMemJobs()
	runner := &fakeRunner{reply: "report text"}
	s := newTestScheduler(jobs, runner)
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	fireAt := now.Add(-time.Minute)
	job := &store.ScheduledJob{
		ID: "j1", Name: "hourly", TenantID: "t1", Enabled: true,
		Trigger:   store.TriggerSpec{Kind: store.TriggerInterval, Minutes: 60},
		Action:    "summary for {{date}}",
		NextRunAt: &fireAt,
	}
	if err := jobs.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	s.fire(context.Background(), "j1", "")

	if got := runner.lastPrompt(); got != "summary for 2025-06-10" {
		t.Errorf("prompt = %q", got)
	}

	after, _ := jobs.Get(context.Background(), "j1")
	if after.RunCount != 1 || after.LastStatus != store.RunStatusSuccess {
		t.Errorf("job state: %+v", after)
	}
	if after.NextRunAt == nil || !after.NextRunAt.Equal(now.Add(time.Hour)) {
		t.Errorf("nextRunAt not advanced: %v", after.NextRunAt)
	}

	runs, _ := jobs.ListRuns(context.Background(), "j1", 10)
	if len(runs) != 1 {
		t.Fatalf("runs = %d", len(runs))
	}
	if runs[0].Status != store.RunStatusSuccess || runs[0].Output != "report text" {
		t.Errorf("run row: %+v", runs[0])
	}
	if runs[0].InputTokens != 7 || runs[0].OutputTokens != 3 {
		t.Errorf("run tokens: %+v", runs[0])
	}
}

func TestFireHonorsJobIterationCap(t *testing.T) {
	jobs := newMemJobs()
	runner := &fakeRunner{reply: "done"}
	s := newTestScheduler(jobs, runner)
	now := time.Now()
	fireAt := now.Add(-time.Second)
	job := &store.ScheduledJob{
		ID: "capped", Name: "long task", Enabled: true, LoopMode: true,
		Trigger:       store.TriggerSpec{Kind: store.TriggerOnce, RunAt: fireAt},
		Action:        "work through the backlog",
		MaxIterations: 2,
		NextRunAt:     &fireAt,
	}
	if err := jobs.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	s.fire(context.Background(), "capped", "")

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.caps) != 1 || runner.caps[0] != 2 {
		t.Errorf("run caps = %v, want [2]", runner.caps)
	}
}

func TestFireOnceDisablesJob(t *testing.T) {
	jobs := newMemJobs()
	s := newTestScheduler(jobs, &fakeRunner{reply: "done"})
	now := time.Now()
	fireAt := now.Add(-time.Second)
	job := &store.ScheduledJob{
		ID: "once-1", Name: "one shot", Enabled: true,
		Trigger:   store.TriggerSpec{Kind: store.TriggerOnce, RunAt: fireAt},
		NextRunAt: &fireAt,
	}
	if err := jobs.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	s.fire(context.Background(), "once-1", "")

	after, _ := jobs.Get(context.Background(), "once-1")
	if after.Enabled || after.NextRunAt != nil {
		t.Errorf("once job not disabled after fire: %+v", after)
	}
}

func TestFireSkipsDisabledJob(t *testing.T) {
	jobs := newMemJobs()
	runner := &fakeRunner{reply: "x"}
	s := newTestScheduler(jobs, runner)
	job := &store.ScheduledJob{
		ID: "off", Name: "disabled", Enabled: false,
		Trigger: store.TriggerSpec{Kind: store.TriggerInterval, Minutes: 5},
	}
	if err := jobs.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	s.fire(context.Background(), "off", "")
	if runner.lastPrompt() != "" {
		t.Error("disabled job was executed")
	}
}

func TestScheduleEventFireSubstitutesTitle(t *testing.T) {
	jobs := newMemJobs()
	runner := &fakeRunner{reply: "handled"}
	s := newTestScheduler(jobs, runner)

	job := &store.ScheduledJob{
		ID: "cal-1", Name: "invoices", Enabled: true,
		Trigger: store.TriggerSpec{Kind: store.TriggerCalendarEvent, CalendarID: "C"},
		Action:  "Prepare for {{event_title}}",
	}
	if err := jobs.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	s.ScheduleEventFire(context.Background(), "cal-1", "Invoice Day", time.Now())

	deadline := time.After(2 * time.Second)
	for runner.lastPrompt() == "" {
		select {
		case <-deadline:
			t.Fatal("one-shot never fired")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if got := runner.lastPrompt(); got != "Prepare for Invoice Day" {
		t.Errorf("prompt = %q", got)
	}
}

func TestOutputRouterWebhook(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	router := NewOutputRouter(nil, config.SMTPConfig{}, 0, 0, nil)
	job := &store.ScheduledJob{
		ID: "j", Name: "report",
		Output: store.OutputSpec{Kind: store.OutputWebhook, WebhookURL: srv.URL},
	}
	if err := router.Route(context.Background(), job, "the result"); err != nil {
		t.Fatalf("route: %v", err)
	}
	if gotBody["job"] != "report" || gotBody["result"] != "the result" {
		t.Errorf("body = %v", gotBody)
	}
	if _, ok := gotBody["timestamp"].(string); !ok {
		t.Error("timestamp missing")
	}
}

func TestOutputRouterFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.md")
	router := NewOutputRouter(nil, config.SMTPConfig{}, 0, 0, nil)
	job := &store.ScheduledJob{
		ID: "j", Name: "Daily Report",
		Output: store.OutputSpec{Kind: store.OutputFile, FilePath: path},
	}
	if err := router.Route(context.Background(), job, "body text"); err != nil {
		t.Fatalf("route: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	content := string(raw)
	if !strings.HasPrefix(content, "# Daily Report\n\nGenerated: ") {
		t.Errorf("header wrong: %q", content)
	}
	if !strings.HasSuffix(content, "---\n\nbody text") {
		t.Errorf("body wrong: %q", content)
	}
}

func TestOutputRouterEmail(t *testing.T) {
	router := NewOutputRouter(nil, config.SMTPConfig{
		Host: "mail.example.com", Port: 587, From: "bot@example.com",
	}, 0, 0, nil)

	var gotTo []string
	var gotMsg string
	router.sendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotTo = to
		gotMsg = string(msg)
		if addr != "mail.example.com:587" || from != "bot@example.com" {
			t.Errorf("addr/from: %s %s", addr, from)
		}
		return nil
	}

	job := &store.ScheduledJob{
		ID: "j", Name: "weekly digest",
		Output: store.OutputSpec{Kind: store.OutputEmail, EmailTo: "ops@example.com"},
	}
	if err := router.Route(context.Background(), job, "digest body"); err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(gotTo) != 1 || gotTo[0] != "ops@example.com" {
		t.Errorf("to = %v", gotTo)
	}
	if !strings.Contains(gotMsg, "Subject: Scheduled job: weekly digest") ||
		!strings.Contains(gotMsg, "digest body") {
		t.Errorf("message = %q", gotMsg)
	}
}
