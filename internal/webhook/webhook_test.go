package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/loopgate/internal/agent"
	"github.com/nextlevelbuilder/loopgate/internal/events"
	"github.com/nextlevelbuilder/loopgate/internal/store"
)

// memWebhooks is an in-memory WebhookStore.
type memWebhooks struct {
	mu         sync.Mutex
	hooks      map[string]*store.WebhookRegistration
	deliveries []store.WebhookDelivery
}

func newMemWebhooks() *memWebhooks {
	return &memWebhooks{hooks: make(map[string]*store.WebhookRegistration)}
}

func (m *memWebhooks) Create(_ context.Context, w *store.WebhookRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.hooks[w.ID] = &cp
	return nil
}

func (m *memWebhooks) Update(ctx context.Context, w *store.WebhookRegistration) error {
	return m.Create(ctx, w)
}

func (m *memWebhooks) GetByToken(_ context.Context, token string) (*store.WebhookRegistration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.hooks {
		if w.Token == token {
			cp := *w
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memWebhooks) List(_ context.Context) ([]store.WebhookRegistration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.WebhookRegistration
	for _, w := range m.hooks {
		out = append(out, *w)
	}
	return out, nil
}

func (m *memWebhooks) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hooks, id)
	return nil
}

func (m *memWebhooks) Subscribed(_ context.Context, event, tenantID string) ([]store.WebhookRegistration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.WebhookRegistration
	for _, w := range m.hooks {
		if !w.Enabled {
			continue
		}
		if w.TenantID != "" && tenantID != "" && w.TenantID != tenantID {
			continue
		}
		for _, ev := range w.SubscribedEvents {
			if ev == "*" || ev == event {
				out = append(out, *w)
				break
			}
		}
	}
	return out, nil
}

func (m *memWebhooks) IncrementTrigger(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.hooks[id]; ok {
		w.TriggerCount++
		w.LastTriggeredAt = &at
	}
	return nil
}

func (m *memWebhooks) InsertDelivery(_ context.Context, d *store.WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries = append(m.deliveries, *d)
	return nil
}

func (m *memWebhooks) triggerCount(id string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hooks[id].TriggerCount
}

// memConvs is a minimal ConversationStore.
type memConvs struct {
	mu    sync.Mutex
	convs map[string]*store.Conversation
}

func (m *memConvs) GetOrCreate(_ context.Context, channelID, externalID, title string) (*store.Conversation, error) {
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

func (m *memConvs) Get(_ context.Context, _ string) (*store.Conversation, error) {
	return nil, store.ErrNotFound
}
func (m *memConvs) AppendMessage(_ context.Context, _ *store.Message) error { return nil }
func (m *memConvs) Messages(_ context.Context, _ string) ([]store.Message, error) {
	return nil, nil
}

// fakeResolver records the tenant it was asked for.
type fakeResolver struct {
	mu     sync.Mutex
	asked  []string
	budget bool
}

func (r *fakeResolver) ResolveTenant(_ context.Context, tenantID string) (*agent.EffectiveConfig, error) {
	r.mu.Lock()
	r.asked = append(r.asked, tenantID)
	r.mu.Unlock()
	return &agent.EffectiveConfig{Tenant: &store.Tenant{ID: tenantID}}, nil
}

type fakeRunner struct {
	mu     sync.Mutex
	result *agent.RunResult
	runs   int
}

func (f *fakeRunner) Run(_ context.Context, _ *agent.RunRequest) (*agent.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	return f.result, nil
}

type fakeJobs struct {
	mu   sync.Mutex
	jobs []*store.ScheduledJob
}

func (f *fakeJobs) CreateJob(_ context.Context, job *store.ScheduledJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

func newTestServer(t *testing.T, runner *fakeRunner, resolver *fakeResolver, jobs *fakeJobs, hooks *memWebhooks) *httptest.Server {
	t.Helper()
	h := NewHandler(hooks, &memConvs{}, resolver, runner, jobs, nil, nil)
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func seedWebhook(t *testing.T, hooks *memWebhooks, wh store.WebhookRegistration) {
	t.Helper()
	if err := hooks.Create(context.Background(), &wh); err != nil {
		t.Fatal(err)
	}
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", strings.NewReader(string(raw)))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestInvokeSyncReturnsResponse(t *testing.T) {
	hooks := newMemWebhooks()
	seedWebhook(t, hooks, store.WebhookRegistration{
		ID: "w1", Name: "hook one", Token: "tok-1", TenantID: "t-default", Enabled: true,
	})
	runner := &fakeRunner{result: &agent.RunResult{Text: "assistant reply", Status: agent.RunComplete}}
	resolver := &fakeResolver{}
	srv := newTestServer(t, runner, resolver, &fakeJobs{}, hooks)

	resp, body := postJSON(t, srv.URL+"/webhook/invoke/tok-1", map[string]any{
		"message":      "hi",
		"agentGroupId": "T1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if body["success"] != true || body["response"] != "assistant reply" {
		t.Errorf("body = %v", body)
	}
	if v, ok := body["conversationId"].(string); !ok || v == "" {
		t.Error("conversation id missing")
	}
	// Body tenant override wins over the webhook's binding.
	if len(resolver.asked) != 1 || resolver.asked[0] != "T1" {
		t.Errorf("resolved tenants = %v, want [T1]", resolver.asked)
	}
}

func TestInvokeBudgetExceededStillSucceeds(t *testing.T) {
	hooks := newMemWebhooks()
	seedWebhook(t, hooks, store.WebhookRegistration{ID: "w1", Token: "tok-1", Enabled: true})
	runner := &fakeRunner{result: &agent.RunResult{
		Text:   "Budget exceeded: tenant T1 daily budget exhausted (100/100 tokens). No model call was made.",
		Status: agent.RunBudgetExceeded,
	}}
	srv := newTestServer(t, runner, &fakeResolver{}, &fakeJobs{}, hooks)

	resp, body := postJSON(t, srv.URL+"/webhook/invoke/tok-1", map[string]any{
		"message": "hi", "agentGroupId": "T1",
	})
	if resp.StatusCode != http.StatusOK || body["success"] != true {
		t.Fatalf("status %d body %v", resp.StatusCode, body)
	}
	text := strings.ToLower(body["response"].(string))
	if !strings.Contains(text, "budget") || !strings.Contains(text, "exceeded") {
		t.Errorf("response = %q", body["response"])
	}
}

func TestInvokeAsyncReturnsImmediately(t *testing.T) {
	hooks := newMemWebhooks()
	seedWebhook(t, hooks, store.WebhookRegistration{ID: "w1", Token: "tok-1", Enabled: true})
	runner := &fakeRunner{result: &agent.RunResult{Text: "later", Status: agent.RunComplete}}
	srv := newTestServer(t, runner, &fakeResolver{}, &fakeJobs{}, hooks)

	_, body := postJSON(t, srv.URL+"/webhook/invoke/tok-1", map[string]any{
		"message": "hi", "sync": false,
	})
	if body["success"] != true || body["status"] != "accepted" {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["response"]; ok {
		t.Error("async response should not carry assistant text")
	}
}

func TestInvokeAuthAndValidation(t *testing.T) {
	hooks := newMemWebhooks()
	seedWebhook(t, hooks, store.WebhookRegistration{ID: "w1", Token: "tok-1", Enabled: true})
	seedWebhook(t, hooks, store.WebhookRegistration{ID: "w2", Token: "tok-off", Enabled: false})
	srv := newTestServer(t, &fakeRunner{result: &agent.RunResult{}}, &fakeResolver{}, &fakeJobs{}, hooks)

	resp, body := postJSON(t, srv.URL+"/webhook/invoke/wrong", map[string]any{"message": "x"})
	if resp.StatusCode != http.StatusUnauthorized || body["success"] != false {
		t.Errorf("unknown token: status %d body %v", resp.StatusCode, body)
	}

	resp, _ = postJSON(t, srv.URL+"/webhook/invoke/tok-off", map[string]any{"message": "x"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("disabled webhook: status %d", resp.StatusCode)
	}

	resp, body = postJSON(t, srv.URL+"/webhook/invoke/tok-1", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest || body["success"] != false {
		t.Errorf("missing message: status %d body %v", resp.StatusCode, body)
	}
}

func TestTaskCreatesLoopModeJob(t *testing.T) {
	hooks := newMemWebhooks()
	seedWebhook(t, hooks, store.WebhookRegistration{
		ID: "w1", Token: "tok-1", TenantID: "t1", Enabled: true,
	})
	jobs := &fakeJobs{}
	srv := newTestServer(t, &fakeRunner{result: &agent.RunResult{}}, &fakeResolver{}, jobs, hooks)

	resp, body := postJSON(t, srv.URL+"/webhook/task/tok-1", map[string]any{
		"name": "research", "prompt": "find things", "maxIterations": 3,
	})
	if resp.StatusCode != http.StatusOK || body["success"] != true || body["status"] != "started" {
		t.Fatalf("status %d body %v", resp.StatusCode, body)
	}
	if len(jobs.jobs) != 1 {
		t.Fatalf("jobs created = %d", len(jobs.jobs))
	}
	job := jobs.jobs[0]
	if !job.LoopMode || job.Trigger.Kind != store.TriggerOnce || job.TenantID != "t1" {
		t.Errorf("job = %+v", job)
	}
	if job.MaxIterations != 3 {
		t.Errorf("maxIterations = %d, want 3", job.MaxIterations)
	}
	if body["taskId"] != job.ID {
		t.Errorf("taskId %v != %s", body["taskId"], job.ID)
	}
}

func TestHealthReturnsMetadata(t *testing.T) {
	hooks := newMemWebhooks()
	seedWebhook(t, hooks, store.WebhookRegistration{
		ID: "w1", Name: "hook one", Token: "tok-1", Enabled: true,
		SubscribedEvents: []string{"agent:run:complete"},
	})
	srv := newTestServer(t, &fakeRunner{result: &agent.RunResult{}}, &fakeResolver{}, &fakeJobs{}, hooks)

	resp, err := http.Get(srv.URL + "/webhook/health/tok-1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body["success"] != true {
		t.Fatalf("body = %v", body)
	}
	wh := body["webhook"].(map[string]any)
	if wh["id"] != "w1" || wh["name"] != "hook one" {
		t.Errorf("webhook = %v", wh)
	}
}

func TestDispatchFanOut(t *testing.T) {
	type hit struct {
		event string
		body  map[string]any
	}
	var mu sync.Mutex
	hits := make(map[string][]hit)
	target := func(name string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			mu.Lock()
			hits[name] = append(hits[name], hit{event: r.Header.Get("X-Webhook-Event"), body: body})
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		}))
	}
	srv1 := target("w1")
	defer srv1.Close()
	srv2 := target("w2")
	defer srv2.Close()

	hooks := newMemWebhooks()
	seedWebhook(t, hooks, store.WebhookRegistration{
		ID: "w1", Token: "t1", Enabled: true, TargetURL: srv1.URL,
		SubscribedEvents: []string{"agent:run:complete"},
	})
	seedWebhook(t, hooks, store.WebhookRegistration{
		ID: "w2", Token: "t2", Enabled: true, TargetURL: srv2.URL,
		SubscribedEvents: []string{"*"},
	})
	seedWebhook(t, hooks, store.WebhookRegistration{
		ID: "w3", Token: "t3", Enabled: true, TargetURL: srv1.URL,
		SubscribedEvents: []string{"budget:alert"},
	})

	d := NewDispatcher(hooks, 0, 0, nil)
	d.Dispatch(context.Background(), events.Event{
		Name:    "agent:run:complete",
		Payload: map[string]any{"runId": float64(5)},
	})

	mu.Lock()
	defer mu.Unlock()
	if len(hits["w1"]) != 1 || len(hits["w2"]) != 1 {
		t.Fatalf("hits: w1=%d w2=%d", len(hits["w1"]), len(hits["w2"]))
	}
	for _, name := range []string{"w1", "w2"} {
		h := hits[name][0]
		if h.event != "agent:run:complete" {
			t.Errorf("%s header event = %q", name, h.event)
		}
		if h.body["source"] != Source || h.body["event"] != "agent:run:complete" {
			t.Errorf("%s body = %v", name, h.body)
		}
		payload := h.body["payload"].(map[string]any)
		if payload["runId"] != float64(5) {
			t.Errorf("%s payload = %v", name, payload)
		}
	}

	if hooks.triggerCount("w1") != 1 || hooks.triggerCount("w2") != 1 {
		t.Error("trigger counts not incremented exactly once")
	}
	if hooks.triggerCount("w3") != 0 {
		t.Error("unsubscribed webhook was triggered")
	}
	if len(hooks.deliveries) != 2 {
		t.Errorf("deliveries = %d, want 2", len(hooks.deliveries))
	}
}
