package notify_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/thermalctl/internal/alert"
	"codeberg.org/mutker/thermalctl/internal/errors"
	"codeberg.org/mutker/thermalctl/internal/logger"
	"codeberg.org/mutker/thermalctl/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() alert.Alert {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	return alert.Alert{
		ID:        "a1",
		AlertType: alert.TypeTemperature,
		Severity:  alert.SeverityCritical,
		Source:    "cpu0",
		Message:   "too hot",
		Status:    alert.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

type decoded struct {
	Alert   alert.Alert `json:"alert"`
	Channel struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"channel"`
}

func TestWebhookSender(t *testing.T) {
	var (
		gotMethod string
		gotHeader http.Header
		gotBody   decoded
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ch := alert.Channel{
		ID:          "hook",
		Name:        "ops hook",
		ChannelType: alert.ChannelWebhook,
		Config: map[string]string{
			"url":           srv.URL,
			"method":        "put",
			"token":         "secret",
			"header.X-Team": "infra",
		},
	}

	err := notify.NewWebhookSender(time.Second).Send(context.Background(), ch, sample())
	require.NoError(t, err)

	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "Bearer secret", gotHeader.Get("Authorization"))
	assert.Equal(t, "infra", gotHeader.Get("X-Team"))
	assert.Equal(t, "application/json", gotHeader.Get("Content-Type"))
	assert.Equal(t, "a1", gotBody.Alert.ID)
	assert.Equal(t, alert.SeverityCritical, gotBody.Alert.Severity)
	assert.Equal(t, "ops hook", gotBody.Channel.Name)
}

func TestWebhookSenderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := notify.NewWebhookSender(time.Second)
	ctx := context.Background()

	err := s.Send(ctx, alert.Channel{ChannelType: alert.ChannelWebhook}, sample())
	assert.True(t, errors.HasCode(err, notify.ErrMissingConfig))

	err = s.Send(ctx, alert.Channel{ChannelType: alert.ChannelWebhook, Config: map[string]string{"url": srv.URL}}, sample())
	assert.True(t, errors.HasCode(err, notify.ErrDeliveryFailed))
}

type publisher struct {
	mu       sync.Mutex
	subjects []string
	data     [][]byte
	err      error
}

func (p *publisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.data = append(p.data, data)
	return nil
}

func TestChatSender(t *testing.T) {
	pub := &publisher{}
	s := notify.NewChatSender(pub)
	ctx := context.Background()

	require.NoError(t, s.Send(ctx, alert.Channel{ChannelType: alert.ChannelChat}, sample()))
	require.NoError(t, s.Send(ctx, alert.Channel{
		ChannelType: alert.ChannelChat,
		Config:      map[string]string{"subject": "ops.thermal"},
	}, sample()))

	assert.Equal(t, []string{notify.DefaultSubject, "ops.thermal"}, pub.subjects)

	var got decoded
	require.NoError(t, json.Unmarshal(pub.data[0], &got))
	assert.Equal(t, "cpu0", got.Alert.Source)

	pub.err = fmt.Errorf("no responders")
	err := s.Send(ctx, alert.Channel{ChannelType: alert.ChannelChat}, sample())
	assert.True(t, errors.HasCode(err, notify.ErrDeliveryFailed))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	pub.err = nil
	err = s.Send(cancelled, alert.Channel{ChannelType: alert.ChannelChat}, sample())
	assert.True(t, errors.HasCode(err, notify.ErrDeliveryFailed))
}

func TestDispatcher(t *testing.T) {
	var got []alert.ChannelType
	record := notify.SenderFunc(func(_ context.Context, ch alert.Channel, _ alert.Alert) error {
		got = append(got, ch.ChannelType)
		return nil
	})

	d := notify.NewDispatcher(
		notify.WithLogger(logger.Nop()),
		notify.WithSender(alert.ChannelWebhook, record),
	)
	ctx := context.Background()

	// Email and SMS fall back to the log sender.
	require.NoError(t, d.Send(ctx, alert.Channel{ChannelType: alert.ChannelEmail}, sample()))
	require.NoError(t, d.Send(ctx, alert.Channel{ChannelType: alert.ChannelSMS}, sample()))
	require.NoError(t, d.Send(ctx, alert.Channel{ChannelType: alert.ChannelWebhook}, sample()))

	err := d.Send(ctx, alert.Channel{ChannelType: alert.ChannelChat}, sample())
	assert.True(t, errors.HasCode(err, notify.ErrUnsupportedChannel))

	d.Register(alert.ChannelChat, record)
	require.NoError(t, d.Send(ctx, alert.Channel{ChannelType: alert.ChannelChat}, sample()))

	assert.Equal(t, []alert.ChannelType{alert.ChannelWebhook, alert.ChannelChat}, got)
}

func TestDispatcherWithAlertEngine(t *testing.T) {
	pub := &publisher{}
	d := notify.NewDispatcher(
		notify.WithLogger(logger.Nop()),
		notify.WithSender(alert.ChannelChat, notify.NewChatSender(pub)),
	)

	e := alert.NewEngine(alert.WithLogger(logger.Nop()), alert.WithNotifier(d))
	_, err := e.AddChannel(alert.Channel{
		Name:        "chat",
		ChannelType: alert.ChannelChat,
		Enabled:     true,
		Config:      map[string]string{"subject": "thermal"},
	})
	require.NoError(t, err)

	e.InstallDefaultRules()
	created := e.EvaluateTemperature(context.Background(), "cpu0", 85)
	require.Len(t, created, 1)

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "thermal", pub.subjects[0])
}
