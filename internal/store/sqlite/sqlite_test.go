package sqlite

import (
	"context"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/loopgate/internal/store"
)

func openTestStores(t *testing.T) *store.Stores {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStores(db)
}

func TestConversationGetOrCreateIdempotent(t *testing.T) {
	s := openTestStores(t)
	ctx := context.Background()

	first, err := s.Conversations.GetOrCreate(ctx, "webhook:abc", "chat-1", "Chat")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := s.Conversations.GetOrCreate(ctx, "webhook:abc", "chat-1", "other title")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected same conversation, got %s and %s", first.ID, second.ID)
	}
}

func TestMessagesOrderedByInsertion(t *testing.T) {
	s := openTestStores(t)
	ctx := context.Background()

	conv, err := s.Conversations.GetOrCreate(ctx, "cli", "session", "")
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	contents := []string{"hello", "hi there", "what time is it"}
	for _, c := range contents {
		msg := &store.Message{ConversationID: conv.ID, Role: store.RoleUser, Content: c}
		if err := s.Conversations.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	msgs, err := s.Conversations.Messages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != len(contents) {
		t.Fatalf("expected %d messages, got %d", len(contents), len(msgs))
	}
	for i, m := range msgs {
		if m.Content != contents[i] {
			t.Errorf("message %d: got %q, want %q", i, m.Content, contents[i])
		}
	}
}

func TestTenantRoundTrip(t *testing.T) {
	s := openTestStores(t)
	ctx := context.Background()

	tenant := &store.Tenant{
		ID:                "acme",
		Name:              "Acme",
		SystemPrompt:      "You are the Acme assistant.",
		Model:             "claude-sonnet-4-5-20250929",
		MaxTokens:         4096,
		SkillAllowList:    []string{"web_browse", "http_request"},
		BudgetDailyTokens: 100_000,
		BudgetAlertPct:    80,
		Persona:           &store.Persona{Language: "auto", EmojiPolicy: "minimal"},
	}
	if err := s.Tenants.Create(ctx, tenant); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.Tenants.Get(ctx, "acme")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Acme" || got.BudgetDailyTokens != 100_000 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Persona == nil || got.Persona.EmojiPolicy != "minimal" {
		t.Errorf("persona not preserved: %+v", got.Persona)
	}
	if len(got.SkillAllowList) != 2 {
		t.Errorf("allow list not preserved: %v", got.SkillAllowList)
	}
}

func TestChannelBinding(t *testing.T) {
	s := openTestStores(t)
	ctx := context.Background()

	tenant := &store.Tenant{ID: "acme", Name: "Acme"}
	if err := s.Tenants.Create(ctx, tenant); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Tenants.BindChannel(ctx, "webhook:tok1", "acme"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	id, err := s.Tenants.TenantForChannel(ctx, "webhook:tok1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if id != "acme" {
		t.Errorf("got %q, want acme", id)
	}

	unbound, err := s.Tenants.TenantForChannel(ctx, "webhook:other")
	if err != nil {
		t.Fatalf("lookup unbound: %v", err)
	}
	if unbound != "" {
		t.Errorf("expected empty tenant for unbound channel, got %q", unbound)
	}
}

func TestApprovalRulePrecedence(t *testing.T) {
	s := openTestStores(t)
	ctx := context.Background()

	global := &store.ApprovalRule{ToolName: "run_script", RequireApproval: true, TimeoutSec: 300, OnTimeout: "reject", Enabled: true}
	if err := s.Approvals.UpsertRule(ctx, global); err != nil {
		t.Fatalf("global rule: %v", err)
	}
	scoped := &store.ApprovalRule{TenantID: "acme", ToolName: "run_script", AutoApprove: true, Enabled: true}
	if err := s.Approvals.UpsertRule(ctx, scoped); err != nil {
		t.Fatalf("scoped rule: %v", err)
	}

	got, err := s.Approvals.Rule(ctx, "acme", "run_script")
	if err != nil {
		t.Fatalf("rule: %v", err)
	}
	if got == nil || !got.AutoApprove {
		t.Errorf("expected tenant rule to win, got %+v", got)
	}

	other, err := s.Approvals.Rule(ctx, "globex", "run_script")
	if err != nil {
		t.Fatalf("rule: %v", err)
	}
	if other == nil || !other.RequireApproval {
		t.Errorf("expected global rule for unscoped tenant, got %+v", other)
	}

	none, err := s.Approvals.Rule(ctx, "acme", "web_browse")
	if err != nil {
		t.Fatalf("rule: %v", err)
	}
	if none != nil {
		t.Errorf("expected nil rule for unconfigured tool, got %+v", none)
	}
}

func TestResolvePendingOnce(t *testing.T) {
	s := openTestStores(t)
	ctx := context.Background()

	p := &store.PendingApproval{
		ID:        "appr-1",
		TenantID:  "acme",
		AgentID:   "agent-1",
		Tool:      "run_script",
		Input:     []byte(`{"script":"ls"}`),
		ExpiresAt: time.Now().Add(5 * time.Minute),
	}
	if err := s.Approvals.InsertPending(ctx, p); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ok, err := s.Approvals.ResolvePending(ctx, "appr-1", store.ApprovalApproved)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !ok {
		t.Fatal("first resolve should succeed")
	}

	again, err := s.Approvals.ResolvePending(ctx, "appr-1", store.ApprovalRejected)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if again {
		t.Error("second resolve should report already terminal")
	}

	got, err := s.Approvals.GetPending(ctx, "appr-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.ApprovalApproved {
		t.Errorf("status changed after terminal resolve: %s", got.Status)
	}
}

func TestJobDueAndRunLifecycle(t *testing.T) {
	s := openTestStores(t)
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	jobs := []*store.ScheduledJob{
		{ID: "due", Name: "due", Trigger: store.TriggerSpec{Kind: store.TriggerInterval, Minutes: 5}, Output: store.OutputSpec{Kind: store.OutputChannel}, Enabled: true, MaxIterations: 4, NextRunAt: &past},
		{ID: "later", Name: "later", Trigger: store.TriggerSpec{Kind: store.TriggerInterval, Minutes: 5}, Output: store.OutputSpec{Kind: store.OutputChannel}, Enabled: true, NextRunAt: &future},
		{ID: "disabled", Name: "disabled", Trigger: store.TriggerSpec{Kind: store.TriggerInterval, Minutes: 5}, Output: store.OutputSpec{Kind: store.OutputChannel}, Enabled: false, NextRunAt: &past},
		{ID: "waiting", Name: "waiting", Trigger: store.TriggerSpec{Kind: store.TriggerCalendarEvent, CalendarID: "cal"}, Output: store.OutputSpec{Kind: store.OutputChannel}, Enabled: true},
	}
	for _, j := range jobs {
		if err := s.Jobs.Create(ctx, j); err != nil {
			t.Fatalf("create %s: %v", j.ID, err)
		}
	}

	due, err := s.Jobs.Due(ctx, now)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 || due[0].ID != "due" {
		t.Fatalf("expected only job 'due', got %+v", due)
	}
	if due[0].Trigger.Kind != store.TriggerInterval || due[0].Trigger.Minutes != 5 {
		t.Errorf("trigger not preserved: %+v", due[0].Trigger)
	}
	if due[0].MaxIterations != 4 {
		t.Errorf("max iterations not preserved: %d", due[0].MaxIterations)
	}

	run := &store.JobRun{ID: "run-1", JobID: "due"}
	if err := s.Jobs.InsertRun(ctx, run); err != nil {
		t.Fatalf("insert run: %v", err)
	}
	run.Status = store.RunStatusSuccess
	run.Output = "done"
	if err := s.Jobs.FinishRun(ctx, run); err != nil {
		t.Fatalf("finish: %v", err)
	}
	run.Status = store.RunStatusError
	if err := s.Jobs.FinishRun(ctx, run); err == nil {
		t.Error("finishing a terminal run should fail")
	}

	runs, err := s.Jobs.ListRuns(ctx, "due", 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != store.RunStatusSuccess {
		t.Errorf("unexpected runs: %+v", runs)
	}
}

func TestA2ATerminalStatusImmutable(t *testing.T) {
	s := openTestStores(t)
	ctx := context.Background()

	msg := &store.A2AMessage{
		ID:          "m-1",
		Kind:        store.A2AKindRequest,
		FromAgentID: "agent-1",
		To:          "agent-2",
		Action:      "review",
		Content:     "please review",
	}
	if err := s.A2A.Insert(ctx, msg); err != nil {
		t.Fatalf("insert: %v", err)
	}

	now := time.Now().UTC()
	if err := s.A2A.SetStatus(ctx, "m-1", store.A2AStatusProcessed, &now); err != nil {
		t.Fatalf("set processed: %v", err)
	}
	if err := s.A2A.SetStatus(ctx, "m-1", store.A2AStatusFailed, nil); err != nil {
		t.Fatalf("second set: %v", err)
	}

	got, err := s.A2A.Get(ctx, "m-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.A2AStatusProcessed {
		t.Errorf("terminal status mutated: %s", got.Status)
	}
	if got.ProcessedAt == nil {
		t.Error("processed_at not recorded")
	}
}

func TestCalendarMarkFiredDedup(t *testing.T) {
	s := openTestStores(t)
	ctx := context.Background()
	occ := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	first, err := s.Calendar.MarkFired(ctx, "job-1", "ev-1", occ)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if !first {
		t.Error("first fire should be recorded")
	}
	second, err := s.Calendar.MarkFired(ctx, "job-1", "ev-1", occ)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second {
		t.Error("duplicate fire should be rejected")
	}
	other, err := s.Calendar.MarkFired(ctx, "job-1", "ev-1", occ.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("other occurrence: %v", err)
	}
	if !other {
		t.Error("a new occurrence should fire")
	}
}

func TestWebhookSubscribed(t *testing.T) {
	s := openTestStores(t)
	ctx := context.Background()

	hooks := []*store.WebhookRegistration{
		{ID: "w1", Name: "all", Token: "tok-1", SubscribedEvents: []string{"*"}, TargetURL: "http://example.com/a", Enabled: true},
		{ID: "w2", Name: "tasks", Token: "tok-2", SubscribedEvents: []string{"task:complete"}, TargetURL: "http://example.com/b", Enabled: true},
		{ID: "w3", Name: "acme only", Token: "tok-3", SubscribedEvents: []string{"task:complete"}, TenantID: "acme", TargetURL: "http://example.com/c", Enabled: true},
		{ID: "w4", Name: "off", Token: "tok-4", SubscribedEvents: []string{"*"}, TargetURL: "http://example.com/d", Enabled: false},
	}
	for _, w := range hooks {
		if err := s.Webhooks.Create(ctx, w); err != nil {
			t.Fatalf("create %s: %v", w.ID, err)
		}
	}

	got, err := s.Webhooks.Subscribed(ctx, "task:complete", "globex")
	if err != nil {
		t.Fatalf("subscribed: %v", err)
	}
	ids := map[string]bool{}
	for _, w := range got {
		ids[w.ID] = true
	}
	if !ids["w1"] || !ids["w2"] || ids["w3"] || ids["w4"] {
		t.Errorf("unexpected match set: %v", ids)
	}

	got, err = s.Webhooks.Subscribed(ctx, "task:complete", "acme")
	if err != nil {
		t.Fatalf("subscribed: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("expected 3 matches for acme, got %d", len(got))
	}
}

func TestWebhookCreateGeneratesToken(t *testing.T) {
	s := openTestStores(t)
	ctx := context.Background()

	first := &store.WebhookRegistration{ID: "w1", Name: "a", Enabled: true}
	second := &store.WebhookRegistration{ID: "w2", Name: "b", Enabled: true}
	for _, w := range []*store.WebhookRegistration{first, second} {
		if err := s.Webhooks.Create(ctx, w); err != nil {
			t.Fatalf("create %s: %v", w.ID, err)
		}
	}

	// 16 random bytes hex-encoded.
	if len(first.Token) != 32 {
		t.Errorf("token %q has %d chars, want 32", first.Token, len(first.Token))
	}
	if first.Token == second.Token {
		t.Error("generated tokens collide")
	}
	if _, err := hex.DecodeString(first.Token); err != nil {
		t.Errorf("token %q is not hex: %v", first.Token, err)
	}

	got, err := s.Webhooks.GetByToken(ctx, first.Token)
	if err != nil || got.ID != "w1" {
		t.Errorf("lookup by generated token: %v %v", got, err)
	}

	// A caller-supplied token is kept as-is.
	custom := &store.WebhookRegistration{ID: "w3", Token: "my-token", Enabled: true}
	if err := s.Webhooks.Create(ctx, custom); err != nil {
		t.Fatalf("create custom: %v", err)
	}
	if custom.Token != "my-token" {
		t.Errorf("supplied token replaced: %q", custom.Token)
	}
}

func TestWebhookRejectsUnknownEvent(t *testing.T) {
	s := openTestStores(t)
	ctx := context.Background()

	bad := &store.WebhookRegistration{
		ID: "w1", Token: "tok-1", Enabled: true,
		SubscribedEvents: []string{"agent:run:complete", "bogus:event"},
	}
	if err := s.Webhooks.Create(ctx, bad); err == nil {
		t.Fatal("expected create to reject unknown event")
	}

	ok := &store.WebhookRegistration{
		ID: "w1", Token: "tok-1", Enabled: true,
		SubscribedEvents: []string{"agent:run:complete", "*"},
	}
	if err := s.Webhooks.Create(ctx, ok); err != nil {
		t.Fatalf("valid subscription rejected: %v", err)
	}

	ok.SubscribedEvents = []string{"nope"}
	if err := s.Webhooks.Update(ctx, ok); err == nil {
		t.Fatal("expected update to reject unknown event")
	}
}

func TestUsageSumWindow(t *testing.T) {
	s := openTestStores(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	records := []store.UsageRecord{
		{TenantID: "acme", Model: "m", InputTokens: 100, OutputTokens: 50, CreatedAt: base},
		{TenantID: "acme", Model: "m", InputTokens: 10, OutputTokens: 5, CreatedAt: base.Add(time.Hour)},
		{TenantID: "acme", Model: "m", InputTokens: 999, OutputTokens: 999, CreatedAt: base.Add(48 * time.Hour)},
		{TenantID: "globex", Model: "m", InputTokens: 7, OutputTokens: 7, CreatedAt: base},
	}
	for i := range records {
		if err := s.Usage.Record(ctx, &records[i]); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	sum, err := s.Usage.SumTokens(ctx, "acme", base.Add(-time.Hour), base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if sum != 165 {
		t.Errorf("got %d, want 165", sum)
	}

	empty, err := s.Usage.SumTokens(ctx, "initech", base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("sum empty: %v", err)
	}
	if empty != 0 {
		t.Errorf("expected 0 for unknown tenant, got %d", empty)
	}
}
