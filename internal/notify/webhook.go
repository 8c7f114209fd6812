package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/queueworks/vqueue/internal/errs"
	"github.com/queueworks/vqueue/internal/store"
	"github.com/queueworks/vqueue/internal/tenant"
)

// webhookTimeout bounds one endpoint call
const webhookTimeout = 30 * time.Second

// WebhookPayload is the body POSTed to subscriber endpoints
type WebhookPayload struct {
	EventType  string         `json:"event_type"`
	TenantID   uuid.UUID      `json:"tenant_id"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Dispatcher POSTs domain events to tenant-configured webhook endpoints
// and records every attempt. Endpoint trouble never fails the operation
// that produced the event.
type Dispatcher struct {
	webhooks   store.WebhookRepo
	deliveries store.DeliveryRepo
	client     *http.Client
	clock      clockwork.Clock
	onDelivery func(status string) // counter hook, may be nil
}

func NewDispatcher(webhooks store.WebhookRepo, deliveries store.DeliveryRepo, clk clockwork.Clock, onDelivery func(string)) *Dispatcher {
	return &Dispatcher{
		webhooks:   webhooks,
		deliveries: deliveries,
		client:     &http.Client{Timeout: webhookTimeout},
		clock:      clk,
		onDelivery: onDelivery,
	}
}

// Dispatch fans the event out to every active webhook subscribed to its
// type, in parallel, recording a delivery row per attempt.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, payload map[string]any, occurredAt time.Time) {
	hooks, err := d.webhooks.ListByEvent(ctx, eventType)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("eventType", eventType).
			Msg("webhook lookup failed")
		return
	}
	if len(hooks) == 0 {
		return
	}

	tid := tenant.ID(ctx)
	body, err := json.Marshal(WebhookPayload{
		EventType:  eventType,
		TenantID:   tid,
		Payload:    payload,
		OccurredAt: occurredAt,
	})
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("webhook payload encoding failed")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, hook := range hooks {
		hook := hook
		g.Go(func() error {
			d.deliver(gctx, hook, eventType, body)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, hook *store.Webhook, eventType string, body []byte) {
	rec := &store.WebhookDelivery{
		WebhookID:   hook.ID,
		EventType:   eventType,
		Payload:     body,
		AttemptedAt: d.clock.Now().UTC(),
	}

	status, err := d.post(ctx, hook, body)
	rec.StatusCode = status
	switch {
	case err != nil:
		rec.Error = err.Error()
		rec.Retryable = true // network-level failure, endpoint may recover
	case status >= 200 && status < 300:
		// delivered
	default:
		rec.Error = http.StatusText(status)
		rec.Retryable = status >= 500 || status == http.StatusTooManyRequests
	}

	if rec.Error != "" {
		log.Ctx(ctx).Warn().
			Str("webhook", hook.Name).
			Str("url", hook.URL).
			Int("status", status).
			Str("error", rec.Error).
			Msg("webhook delivery failed")
	}
	if d.onDelivery != nil {
		if rec.Error == "" {
			d.onDelivery("delivered")
		} else {
			d.onDelivery("failed")
		}
	}
	if err := d.deliveries.Add(ctx, rec); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("delivery record write failed")
	}
}

func (d *Dispatcher) post(ctx context.Context, hook *store.Webhook, body []byte) (int, error) {
	rctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hook.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

// Retry re-sends a previously recorded delivery. Only retryable records
// qualify.
func (d *Dispatcher) Retry(ctx context.Context, deliveryID uuid.UUID) (*store.WebhookDelivery, error) {
	prev, err := d.deliveries.GetByID(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	if !prev.Retryable {
		return nil, errs.InvalidState("delivery is not retryable")
	}
	hook, err := d.webhooks.GetByID(ctx, prev.WebhookID)
	if err != nil {
		return nil, err
	}
	if !hook.Active {
		return nil, errs.InvalidState("webhook is disabled")
	}
	d.deliver(ctx, hook, prev.EventType, prev.Payload)

	// The retry appended a fresh record; return the newest attempt
	attempts, err := d.deliveries.ListByWebhook(ctx, hook.ID, 1)
	if err != nil || len(attempts) == 0 {
		return nil, err
	}
	return attempts[0], nil
}

// Test fires a synthetic event at one webhook so operators can verify
// endpoint configuration.
func (d *Dispatcher) Test(ctx context.Context, webhookID uuid.UUID) (*store.WebhookDelivery, error) {
	hook, err := d.webhooks.GetByID(ctx, webhookID)
	if err != nil {
		return nil, err
	}
	body, _ := json.Marshal(WebhookPayload{
		EventType:  "webhook.test",
		TenantID:   tenant.ID(ctx),
		Payload:    map[string]any{"webhook": hook.Name},
		OccurredAt: d.clock.Now().UTC(),
	})
	d.deliver(ctx, hook, "webhook.test", body)

	attempts, err := d.deliveries.ListByWebhook(ctx, hook.ID, 1)
	if err != nil || len(attempts) == 0 {
		return nil, err
	}
	return attempts[0], nil
}
