// Package budget enforces per-tenant token ceilings over the usage ledger.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/loopgate/internal/errs"
	"github.com/nextlevelbuilder/loopgate/internal/events"
	"github.com/nextlevelbuilder/loopgate/internal/store"
)

// Ledger records usage and answers budget checks. Windows are computed in the
// gateway timezone so "today" matches the operator's calendar.
type Ledger struct {
	usage  store.UsageStore
	bus    events.Publisher
	loc    *time.Location
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	alerted map[string]time.Time // tenant+window → window start already alerted
}

func NewLedger(usage store.UsageStore, bus events.Publisher, loc *time.Location, logger *slog.Logger) *Ledger {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		usage:   usage,
		bus:     bus,
		loc:     loc,
		logger:  logger,
		now:     time.Now,
		alerted: make(map[string]time.Time),
	}
}

// Record appends one LLM call to the ledger. Failures are logged, not
// propagated: accounting must never fail an agent run.
func (l *Ledger) Record(ctx context.Context, rec *store.UsageRecord) {
	if err := l.usage.Record(ctx, rec); err != nil {
		l.logger.Error("record usage failed", "tenant", rec.TenantID, "error", err)
	}
}

// windows returns [start, end) for today and month-to-date in the ledger TZ.
func (l *Ledger) windows() (dayStart, monthStart, now time.Time) {
	now = l.now().In(l.loc)
	dayStart = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, l.loc)
	monthStart = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, l.loc)
	return dayStart, monthStart, now
}

// Status is a tenant's consumption against its configured ceilings.
type Status struct {
	DailyUsed    int64 `json:"dailyUsed"`
	DailyLimit   int64 `json:"dailyLimit"`
	MonthlyUsed  int64 `json:"monthlyUsed"`
	MonthlyLimit int64 `json:"monthlyLimit"`
}

// Check verifies the tenant is under both windows. Crossing the alert
// percentage emits budget:alert once per window; crossing the ceiling
// returns KindBudgetExceeded.
func (l *Ledger) Check(ctx context.Context, tenant *store.Tenant) (*Status, error) {
	status := &Status{
		DailyLimit:   tenant.BudgetDailyTokens,
		MonthlyLimit: tenant.BudgetMonthlyTokens,
	}
	if tenant.BudgetDailyTokens == 0 && tenant.BudgetMonthlyTokens == 0 {
		return status, nil
	}

	dayStart, monthStart, now := l.windows()

	if tenant.BudgetMonthlyTokens > 0 {
		used, err := l.usage.SumTokens(ctx, tenant.ID, monthStart, now.Add(time.Second))
		if err != nil {
			return nil, fmt.Errorf("sum monthly tokens: %w", err)
		}
		status.MonthlyUsed = used
		if used >= tenant.BudgetMonthlyTokens {
			l.emitExceeded(tenant, "monthly", used, tenant.BudgetMonthlyTokens)
			return status, errs.Newf(errs.KindBudgetExceeded,
				"tenant %s monthly budget exhausted (%d/%d tokens)",
				tenant.ID, used, tenant.BudgetMonthlyTokens)
		}
		l.maybeAlert(tenant, "monthly", monthStart, used, tenant.BudgetMonthlyTokens)
	}

	if tenant.BudgetDailyTokens > 0 {
		used, err := l.usage.SumTokens(ctx, tenant.ID, dayStart, now.Add(time.Second))
		if err != nil {
			return nil, fmt.Errorf("sum daily tokens: %w", err)
		}
		status.DailyUsed = used
		if used >= tenant.BudgetDailyTokens {
			l.emitExceeded(tenant, "daily", used, tenant.BudgetDailyTokens)
			return status, errs.Newf(errs.KindBudgetExceeded,
				"tenant %s daily budget exhausted (%d/%d tokens)",
				tenant.ID, used, tenant.BudgetDailyTokens)
		}
		l.maybeAlert(tenant, "daily", dayStart, used, tenant.BudgetDailyTokens)
	}

	return status, nil
}

func (l *Ledger) emitExceeded(tenant *store.Tenant, window string, used, limit int64) {
	if l.bus == nil {
		return
	}
	l.bus.Broadcast(events.Event{
		Name:     events.BudgetExceeded,
		TenantID: tenant.ID,
		Payload: map[string]any{
			"window": window,
			"used":   used,
			"limit":  limit,
		},
	})
}

// maybeAlert fires budget:alert the first time a window crosses alertPct.
func (l *Ledger) maybeAlert(tenant *store.Tenant, window string, windowStart time.Time, used, limit int64) {
	if tenant.BudgetAlertPct <= 0 || l.bus == nil {
		return
	}
	if used*100 < limit*int64(tenant.BudgetAlertPct) {
		return
	}

	key := tenant.ID + "|" + window
	l.mu.Lock()
	if prev, ok := l.alerted[key]; ok && prev.Equal(windowStart) {
		l.mu.Unlock()
		return
	}
	l.alerted[key] = windowStart
	l.mu.Unlock()

	l.logger.Warn("budget alert threshold crossed",
		"tenant", tenant.ID, "window", window, "used", used, "limit", limit)
	l.bus.Broadcast(events.Event{
		Name:     events.BudgetAlert,
		TenantID: tenant.ID,
		Payload: map[string]any{
			"window":   window,
			"used":     used,
			"limit":    limit,
			"alertPct": tenant.BudgetAlertPct,
		},
	})
}
