package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"funding_arb/internal/core"
	"funding_arb/internal/mock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureChannel struct {
	mu   sync.Mutex
	sent []Alert
}

func (c *captureChannel) Name() string { return "capture" }

func (c *captureChannel) Send(_ context.Context, a Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, a)
	return nil
}

func (c *captureChannel) snapshot() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Alert(nil), c.sent...)
}

func TestManagerDeliversToChannels(t *testing.T) {
	ch := &captureChannel{}
	m := NewManager([]Channel{ch}, core.AlertInfo, mock.NewLogger())

	m.Alert(context.Background(), "Close failed", "position p1 stuck", core.AlertCritical,
		map[string]string{"position_id": "p1"})
	m.Stop()

	sent := ch.snapshot()
	require.Len(t, sent, 1)
	assert.Equal(t, "Close failed", sent[0].Title)
	assert.Equal(t, core.AlertCritical, sent[0].Level)
	assert.Equal(t, "p1", sent[0].Fields["position_id"])
	assert.False(t, sent[0].At.IsZero())
}

func TestManagerFiltersBelowMinLevel(t *testing.T) {
	ch := &captureChannel{}
	m := NewManager([]Channel{ch}, core.AlertError, mock.NewLogger())

	m.Alert(context.Background(), "fyi", "ignored", core.AlertInfo, nil)
	m.Alert(context.Background(), "heads up", "ignored", core.AlertWarning, nil)
	m.Alert(context.Background(), "broken", "kept", core.AlertError, nil)
	m.Stop()

	sent := ch.snapshot()
	require.Len(t, sent, 1)
	assert.Equal(t, "broken", sent[0].Title)
}

func TestManagerDoesNotBlockWhenQueueFull(t *testing.T) {
	// A channel that never finishes would wedge a synchronous alerter.
	blocked := make(chan struct{})
	slow := channelFunc(func(ctx context.Context, _ Alert) error {
		<-blocked
		return nil
	})
	m := NewManager([]Channel{slow}, core.AlertInfo, mock.NewLogger())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			m.Alert(context.Background(), "burst", "msg", core.AlertWarning, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Alert blocked the caller")
	}
	close(blocked)
	m.Stop()
}

type channelFunc func(ctx context.Context, a Alert) error

func (f channelFunc) Name() string                            { return "func" }
func (f channelFunc) Send(ctx context.Context, a Alert) error { return f(ctx, a) }

func TestLogChannelRoutesByLevel(t *testing.T) {
	logger := mock.NewLogger()
	ch := NewLogChannel(logger)

	require.NoError(t, ch.Send(context.Background(), Alert{
		Title: "t", Message: "critical close failure", Level: core.AlertCritical,
	}))
	assert.True(t, logger.Contains("critical close failure"))
}

func TestWebhookChannelPostsJSON(t *testing.T) {
	var mu sync.Mutex
	var got Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL, "", 5*time.Second)
	err := ch.Send(context.Background(), Alert{
		Title:   "Reconciliation mismatch",
		Message: "position p1 on BTC",
		Level:   core.AlertCritical,
		At:      time.Now().UTC(),
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Reconciliation mismatch", got.Title)
	assert.Equal(t, core.AlertCritical, got.Level)
}
