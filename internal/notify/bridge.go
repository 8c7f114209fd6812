package notify

import (
	"context"

	"github.com/queueworks/vqueue/internal/events"
)

// EventSubscriber bridges the bus to webhook dispatch: every critical
// lifecycle event becomes a delivery attempt. Delivery runs on its own
// goroutine with cancellation stripped, because the publishing context
// usually belongs to an HTTP request that ends before the POST does; the
// tenant and logger values survive the detach.
func (d *Dispatcher) EventSubscriber() events.SubscriberFunc {
	return func(ctx context.Context, e events.Event) {
		if !events.Critical(e.Type) {
			return
		}
		payload := map[string]any{"queueId": e.QueueID.String()}
		if e.SessionID != nil {
			payload["sessionId"] = e.SessionID.String()
		}
		for k, v := range e.Metadata {
			payload[k] = v
		}
		go d.Dispatch(context.WithoutCancel(ctx), e.Type, payload, e.Timestamp)
	}
}
