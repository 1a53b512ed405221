// Package alert fans operator alerts out to configured channels. Delivery
// is asynchronous; the trading path never blocks on a slow webhook.
package alert

import (
	"context"
	"time"

	"funding_arb/internal/core"
	"funding_arb/pkg/httpclient"
)

// Channel delivers one alert to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// Alert is one operator notification.
type Alert struct {
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Level   core.AlertLevel   `json:"level"`
	Fields  map[string]string `json:"fields,omitempty"`
	At      time.Time         `json:"at"`
}

var levelRank = map[core.AlertLevel]int{
	core.AlertInfo:     0,
	core.AlertWarning:  1,
	core.AlertError:    2,
	core.AlertCritical: 3,
}

// Manager implements core.IAlerter over a set of channels.
type Manager struct {
	channels []Channel
	minLevel core.AlertLevel
	queue    chan Alert
	done     chan struct{}
	logger   core.ILogger
}

// NewManager creates an alert manager and starts its delivery worker.
func NewManager(channels []Channel, minLevel core.AlertLevel, logger core.ILogger) *Manager {
	m := &Manager{
		channels: channels,
		minLevel: minLevel,
		queue:    make(chan Alert, 64),
		done:     make(chan struct{}),
		logger:   logger.WithField("component", "alerter"),
	}
	go m.deliver()
	return m
}

// Alert implements core.IAlerter. Drops the alert when the queue is full
// rather than blocking the caller.
func (m *Manager) Alert(ctx context.Context, title, message string, level core.AlertLevel, fields map[string]string) {
	if levelRank[level] < levelRank[m.minLevel] {
		return
	}

	a := Alert{Title: title, Message: message, Level: level, Fields: fields, At: time.Now().UTC()}
	select {
	case m.queue <- a:
	default:
		m.logger.Warn("Alert queue full; alert dropped", "title", title, "level", string(level))
	}
}

// Stop drains the queue and stops the delivery worker.
func (m *Manager) Stop() {
	close(m.queue)
	<-m.done
}

func (m *Manager) deliver() {
	defer close(m.done)
	for a := range m.queue {
		for _, ch := range m.channels {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := ch.Send(ctx, a); err != nil {
				m.logger.Error("Alert delivery failed",
					"channel", ch.Name(), "title", a.Title, "error", err)
			}
			cancel()
		}
	}
}

// LogChannel writes alerts to the structured log. Always available even
// when no external channel is configured.
type LogChannel struct {
	logger core.ILogger
}

// NewLogChannel creates a log-backed channel.
func NewLogChannel(logger core.ILogger) *LogChannel {
	return &LogChannel{logger: logger.WithField("component", "alert_log")}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(_ context.Context, a Alert) error {
	fields := []interface{}{"title", a.Title, "level", string(a.Level)}
	for k, v := range a.Fields {
		fields = append(fields, k, v)
	}
	switch a.Level {
	case core.AlertCritical, core.AlertError:
		c.logger.Error(a.Message, fields...)
	case core.AlertWarning:
		c.logger.Warn(a.Message, fields...)
	default:
		c.logger.Info(a.Message, fields...)
	}
	return nil
}

// WebhookChannel POSTs alerts as JSON to an HTTP endpoint.
type WebhookChannel struct {
	client *httpclient.Client
	path   string
}

// NewWebhookChannel creates a webhook channel for the given URL.
func NewWebhookChannel(baseURL, path string, timeout time.Duration) *WebhookChannel {
	return &WebhookChannel{
		client: httpclient.NewClient(baseURL, timeout, 0),
		path:   path,
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, a Alert) error {
	_, err := c.client.Post(ctx, c.path, a)
	return err
}
