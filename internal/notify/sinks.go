package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/queueworks/vqueue/internal/errs"
)

// Channel names a delivery medium
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelPush     Channel = "push"
)

// sinkTimeout bounds every external channel call
const sinkTimeout = 5 * time.Second

// Message is one notification to one recipient
type Message struct {
	Recipient string
	Subject   string
	Body      string
	Metadata  map[string]any
}

// Sink delivers messages over one channel. Implementations wrap the
// actual provider SDKs; the fan-out only sees this interface.
type Sink interface {
	Send(ctx context.Context, msg Message) error
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(ctx context.Context, msg Message) error

func (f SinkFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Result reports one channel's delivery outcome
type Result struct {
	Channel   Channel `json:"channel"`
	Delivered bool    `json:"delivered"`
	Error     string  `json:"error,omitempty"`
}

// Fanout pushes one message through every enabled channel. A channel
// failure never propagates to the operation that triggered the
// notification; it is logged and reported in the result set.
type Fanout struct {
	sinks map[Channel]Sink
}

func NewFanout() *Fanout {
	return &Fanout{sinks: make(map[Channel]Sink)}
}

// Register attaches a sink for a channel, replacing any previous one
func (f *Fanout) Register(ch Channel, s Sink) {
	f.sinks[ch] = s
}

// Send delivers msg over each requested channel concurrently, one
// attempt per channel with a hard timeout. Channels without a registered
// sink are reported undelivered.
func (f *Fanout) Send(ctx context.Context, channels []Channel, msg Message) []Result {
	results := make([]Result, len(channels))
	g, gctx := errgroup.WithContext(ctx)

	for i, ch := range channels {
		i, ch := i, ch
		g.Go(func() error {
			sink, ok := f.sinks[ch]
			if !ok {
				results[i] = Result{Channel: ch, Error: "no sink registered"}
				return nil
			}
			sctx, cancel := context.WithTimeout(gctx, sinkTimeout)
			defer cancel()

			if err := sink.Send(sctx, msg); err != nil {
				wrapped := errs.Wrap(errs.KindNotificationFailed, string(ch)+" delivery failed", err)
				log.Ctx(ctx).Warn().Err(wrapped).Str("channel", string(ch)).
					Msg("notification delivery failed")
				results[i] = Result{Channel: ch, Error: err.Error()}
				return nil
			}
			results[i] = Result{Channel: ch, Delivered: true}
			return nil
		})
	}
	_ = g.Wait() // goroutines report through results, never an error
	return results
}
