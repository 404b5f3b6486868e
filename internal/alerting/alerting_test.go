package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psycop-feature-generation/internal/domain"
)

type recordingChannel struct {
	mu     sync.Mutex
	alerts []*Alert
	err    error
}

func (r *recordingChannel) Name() string { return "recording" }

func (r *recordingChannel) Send(_ context.Context, a *Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return r.err
}

func TestWrap_ReturnsOriginalError(t *testing.T) {
	ch := &recordingChannel{}
	n := NewNotifier(logrus.New(), ch)
	cause := domain.NewPipelineError(domain.ErrCodeFlatten, "chunk_2", "flattening chunk", errors.New("oom"))

	err := n.Wrap(context.Background(), "t2d feature generation", func(context.Context) error { return cause })

	assert.Same(t, cause, err, "the error is passed through unchanged")
	require.Len(t, ch.alerts, 1)
	assert.Equal(t, "t2d feature generation failed", ch.alerts[0].Summary)
	assert.Equal(t, SeverityCritical, ch.alerts[0].Severity)
	assert.Contains(t, ch.alerts[0].Description, "oom")
}

func TestWrap_SuccessSendsNothing(t *testing.T) {
	ch := &recordingChannel{}
	n := NewNotifier(nil, ch)
	require.NoError(t, n.Wrap(context.Background(), "run", func(context.Context) error { return nil }))
	assert.Empty(t, ch.alerts)
}

func TestWrap_RepanicsAfterNotifying(t *testing.T) {
	ch := &recordingChannel{}
	n := NewNotifier(nil, ch)

	assert.PanicsWithValue(t, "boom", func() {
		_ = n.Wrap(context.Background(), "run", func(context.Context) error { panic("boom") })
	})
	require.Len(t, ch.alerts, 1)
	assert.Equal(t, "run crashed", ch.alerts[0].Summary)
}

func TestNotify_DeliveryFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)

	failing := &recordingChannel{err: errors.New("unreachable")}
	ok := &recordingChannel{}
	NewNotifier(logger, failing, ok).Notify(context.Background(), &Alert{Summary: "x"})

	assert.Len(t, ok.alerts, 1, "later channels still receive the alert")
	assert.Contains(t, buf.String(), "Failed to deliver alert")
}

func TestSlackChannel(t *testing.T) {
	var payload map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := FromConfig(domain.AlertingConfig{SlackWebhookURL: srv.URL, Channel: "#psycop", Username: "bot"}, logrus.New())
	require.Len(t, n.channels, 2)

	err := n.channels[1].Send(context.Background(), &Alert{Summary: "run failed", Description: "oom", Severity: SeverityCritical})
	require.NoError(t, err)
	assert.Equal(t, "#psycop", payload["channel"])
	attachments := payload["attachments"].([]interface{})
	assert.Equal(t, "danger", attachments[0].(map[string]interface{})["color"])

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	assert.Error(t, NewSlackChannel(failing.URL, "", "").Send(context.Background(), &Alert{}))
}

func TestLogChannel(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)

	require.NoError(t, NewLogChannel(logger).Send(context.Background(), &Alert{
		Summary: "run failed", Description: "oom", Labels: map[string]string{"run": "t2d"},
	}))
	assert.Contains(t, buf.String(), "oom")
	assert.Contains(t, buf.String(), "run=t2d")
}
