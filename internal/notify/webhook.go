package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"codeberg.org/mutker/thermalctl/internal/alert"
	"codeberg.org/mutker/thermalctl/internal/errors"
)

const (
	DefaultWebhookTimeout = 10 * time.Second

	userAgent    = "thermalctl"
	headerPrefix = "header."
)

// WebhookSender posts the alert as JSON. Recognized channel config keys:
// url (required), method (default POST), token (bearer auth) and any
// number of header.<Name> entries.
type WebhookSender struct {
	client *http.Client
}

func NewWebhookSender(timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	return &WebhookSender{client: &http.Client{Timeout: timeout}}
}

func (s *WebhookSender) Send(ctx context.Context, ch alert.Channel, a alert.Alert) error {
	errFactory := errors.New()

	url := ch.Config["url"]
	if url == "" {
		return errFactory.WithData(ErrMissingConfig, "webhook url")
	}

	method := strings.ToUpper(ch.Config["method"])
	if method == "" {
		method = http.MethodPost
	}

	data, err := encode(ch, a)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
	if err != nil {
		return errFactory.Wrap(ErrMissingConfig, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if token := ch.Config["token"]; token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range ch.Config {
		if name, ok := strings.CutPrefix(k, headerPrefix); ok && name != "" {
			req.Header.Set(name, v)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errFactory.Wrap(ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errFactory.WithData(ErrDeliveryFailed, fmt.Sprintf("%s %s: %s", method, url, resp.Status))
	}

	return nil
}
