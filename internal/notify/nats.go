package notify

import (
	"context"
	"time"

	"codeberg.org/mutker/thermalctl/internal/alert"
	"codeberg.org/mutker/thermalctl/internal/errors"
	"codeberg.org/mutker/thermalctl/internal/logger"
	"github.com/nats-io/nats.go"
)

// DefaultSubject is used when a chat channel has no subject configured.
const DefaultSubject = "thermalctl.alerts"

// Publisher is the subset of *nats.Conn used for chat delivery.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Connect dials a NATS server for chat notifications. The connection keeps
// reconnecting in the background.
func Connect(url string, log logger.Logger) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}

	nc, err := nats.Connect(url,
		nats.Name("thermalctl"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, errors.New().Wrap(ErrConnectFailed, err)
	}

	return nc, nil
}

// ChatSender publishes the alert JSON on the channel's subject config key.
type ChatSender struct {
	pub Publisher
}

func NewChatSender(pub Publisher) *ChatSender {
	return &ChatSender{pub: pub}
}

func (s *ChatSender) Send(ctx context.Context, ch alert.Channel, a alert.Alert) error {
	if err := ctx.Err(); err != nil {
		return errors.New().Wrap(ErrDeliveryFailed, err)
	}

	subject := ch.Config["subject"]
	if subject == "" {
		subject = DefaultSubject
	}

	data, err := encode(ch, a)
	if err != nil {
		return err
	}

	if err := s.pub.Publish(subject, data); err != nil {
		return errors.New().Wrap(ErrDeliveryFailed, err)
	}

	return nil
}
