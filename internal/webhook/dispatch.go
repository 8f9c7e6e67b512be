// Package webhook implements the inbound token-keyed HTTP surface and the
// outbound event dispatcher.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/loopgate/internal/events"
	"github.com/nextlevelbuilder/loopgate/internal/store"
)

// Source identifies this gateway in outbound payloads.
const Source = "loop-gateway"

// DefaultDispatchTimeout bounds one outbound POST.
const DefaultDispatchTimeout = 15 * time.Second

// Dispatcher fans events out to subscribed webhooks. Deliveries run
// concurrently; failures are logged and never retried.
type Dispatcher struct {
	webhooks store.WebhookStore
	httpc    *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
	wg       sync.WaitGroup
}

func NewDispatcher(webhooks store.WebhookStore, timeout time.Duration, ratePerSecond float64, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if ratePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), int(ratePerSecond)+1)
	}
	return &Dispatcher{
		webhooks: webhooks,
		httpc:    &http.Client{Timeout: timeout},
		limiter:  limiter,
		logger:   logger,
	}
}

// HandleEvent is the bus subscription entry point.
func (d *Dispatcher) HandleEvent(ev events.Event) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Dispatch(context.Background(), ev)
	}()
}

// Dispatch delivers one event to every enabled webhook subscribed to it (or
// to "*"), filtered by tenant. One attempt per webhook.
func (d *Dispatcher) Dispatch(ctx context.Context, ev events.Event) {
	hooks, err := d.webhooks.Subscribed(ctx, ev.Name, ev.TenantID)
	if err != nil {
		d.logger.Error("loading webhook subscriptions failed", "event", ev.Name, "error", err)
		return
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	body, err := json.Marshal(map[string]any{
		"event":     ev.Name,
		"payload":   ev.Payload,
		"timestamp": ts.Format(time.RFC3339),
		"source":    Source,
	})
	if err != nil {
		d.logger.Error("marshal event failed", "event", ev.Name, "error", err)
		return
	}

	var wg sync.WaitGroup
	for i := range hooks {
		wh := hooks[i]
		if wh.TargetURL == "" {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.deliver(ctx, &wh, ev.Name, body)
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, wh *store.WebhookRegistration, event string, body []byte) {
	if err := d.limiter.Wait(ctx); err != nil {
		return
	}

	start := time.Now()
	delivery := &store.WebhookDelivery{WebhookID: wh.ID, Event: event}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.TargetURL, bytes.NewReader(body))
	if err != nil {
		delivery.Error = err.Error()
		d.finishDelivery(ctx, wh, delivery, start)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", event)
	req.Header.Set("X-Webhook-Id", wh.ID)
	req.Header.Set("X-Webhook-Token", wh.Token)

	resp, err := d.httpc.Do(req)
	if err != nil {
		delivery.Error = err.Error()
		d.logger.Warn("webhook delivery failed", "webhook", wh.ID, "event", event, "error", err)
	} else {
		resp.Body.Close()
		delivery.StatusCode = resp.StatusCode
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			d.logger.Warn("webhook delivery rejected",
				"webhook", wh.ID, "event", event, "status", resp.StatusCode)
		}
	}
	d.finishDelivery(ctx, wh, delivery, start)
}

func (d *Dispatcher) finishDelivery(ctx context.Context, wh *store.WebhookRegistration, delivery *store.WebhookDelivery, start time.Time) {
	delivery.DurationMs = time.Since(start).Milliseconds()
	if err := d.webhooks.InsertDelivery(ctx, delivery); err != nil {
		d.logger.Error("recording webhook delivery failed", "webhook", wh.ID, "error", err)
	}
	if err := d.webhooks.IncrementTrigger(ctx, wh.ID, time.Now().UTC()); err != nil {
		d.logger.Error("incrementing webhook trigger count failed", "webhook", wh.ID, "error", err)
	}
}

// Wait blocks until all in-flight deliveries finish. Used on shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
