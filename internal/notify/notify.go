// Package notify delivers alerts to notification channels. Channel config
// is a flat key/value map interpreted by the sender for its channel type.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"codeberg.org/mutker/thermalctl/internal/alert"
	"codeberg.org/mutker/thermalctl/internal/errors"
	"codeberg.org/mutker/thermalctl/internal/logger"
)

// Sender delivers one alert through one channel.
type Sender interface {
	Send(ctx context.Context, ch alert.Channel, a alert.Alert) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, ch alert.Channel, a alert.Alert) error

func (f SenderFunc) Send(ctx context.Context, ch alert.Channel, a alert.Alert) error {
	return f(ctx, ch, a)
}

// Dispatcher routes alerts to the sender registered for the channel type.
type Dispatcher struct {
	logger logger.Logger

	mu      sync.RWMutex
	senders map[alert.ChannelType]Sender
}

var _ alert.Notifier = (*Dispatcher)(nil)

type Option func(*Dispatcher)

func WithLogger(log logger.Logger) Option {
	return func(d *Dispatcher) { d.logger = log.With("notify") }
}

// WithSender registers s for channel type t, replacing the default.
func WithSender(t alert.ChannelType, s Sender) Option {
	return func(d *Dispatcher) { d.senders[t] = s }
}

// NewDispatcher returns a dispatcher with log senders for email and SMS and
// an HTTP sender for webhooks. Chat needs a publisher and has no default.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger:  logger.Default().With("notify"),
		senders: make(map[alert.ChannelType]Sender),
	}

	for _, opt := range opts {
		opt(d)
	}

	if _, ok := d.senders[alert.ChannelEmail]; !ok {
		d.senders[alert.ChannelEmail] = NewLogSender(d.logger)
	}
	if _, ok := d.senders[alert.ChannelSMS]; !ok {
		d.senders[alert.ChannelSMS] = NewLogSender(d.logger)
	}
	if _, ok := d.senders[alert.ChannelWebhook]; !ok {
		d.senders[alert.ChannelWebhook] = NewWebhookSender(DefaultWebhookTimeout)
	}

	return d
}

// Register sets the sender for a channel type at runtime.
func (d *Dispatcher) Register(t alert.ChannelType, s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders[t] = s
}

func (d *Dispatcher) Send(ctx context.Context, ch alert.Channel, a alert.Alert) error {
	d.mu.RLock()
	s, ok := d.senders[ch.ChannelType]
	d.mu.RUnlock()

	if !ok {
		return errors.New().WithData(ErrUnsupportedChannel, string(ch.ChannelType))
	}

	start := time.Now()
	if err := s.Send(ctx, ch, a); err != nil {
		return err
	}

	d.logger.Debug().
		Str("channel_id", ch.ID).
		Str("channel_type", string(ch.ChannelType)).
		Str("alert_id", a.ID).
		Dur("took", time.Since(start)).
		Msg("Notification sent")

	return nil
}

// payload is the JSON document posted to webhooks and published on chat
// subjects.
type payload struct {
	Alert   alert.Alert `json:"alert"`
	Channel channelMeta `json:"channel"`
	SentAt  time.Time   `json:"sent_at"`
}

type channelMeta struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func encode(ch alert.Channel, a alert.Alert) ([]byte, error) {
	data, err := json.Marshal(payload{
		Alert:   a,
		Channel: channelMeta{ID: ch.ID, Name: ch.Name},
		SentAt:  time.Now().UTC(),
	})
	if err != nil {
		return nil, errors.New().Wrap(errors.ErrInternal, err)
	}
	return data, nil
}

// LogSender writes the alert to the log. It stands in for delivery
// mechanisms that are configured outside the daemon.
type LogSender struct {
	logger logger.Logger
}

func NewLogSender(log logger.Logger) *LogSender {
	return &LogSender{logger: log}
}

func (s *LogSender) Send(_ context.Context, ch alert.Channel, a alert.Alert) error {
	s.logger.Info().
		Str("channel_id", ch.ID).
		Str("channel_type", string(ch.ChannelType)).
		Str("recipient", ch.Config["to"]).
		Str("alert_id", a.ID).
		Str("severity", string(a.Severity)).
		Str("source", a.Source).
		Msg(a.Message)

	return nil
}
