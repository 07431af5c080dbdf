package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/pesio-ai/be-onboarding/internal/logger"
)

// StreamName is the JetStream stream that holds onboarding notifications.
const StreamName = "ONBOARDING_NOTIFICATIONS"

// jsPublisher is the subset of jetstream.JetStream the publisher needs.
type jsPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NotificationPublisher publishes onboarding notifications to NATS JetStream
// for consumption by the notifications service.
//
// Subject convention: <prefix>.<template> for templated notifications and
// <prefix>.events.<event_type> for domain events.
type NotificationPublisher struct {
	nc     *nats.Conn
	js     jsPublisher
	prefix string
	log    *logger.Logger
}

// ConnectNotificationPublisher dials NATS, ensures the stream exists and
// returns a publisher bound to it.
func ConnectNotificationPublisher(ctx context.Context, url, prefix string, log *logger.Logger) (*NotificationPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("be-onboarding"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     StreamName,
		Subjects: []string{prefix + ".>"},
		MaxAge:   7 * 24 * time.Hour,
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", StreamName, err)
	}

	p := NewNotificationPublisher(js, prefix, log)
	p.nc = nc
	return p, nil
}

// NewNotificationPublisher creates a publisher over an existing JetStream
// context.
func NewNotificationPublisher(js jsPublisher, prefix string, log *logger.Logger) *NotificationPublisher {
	return &NotificationPublisher{js: js, prefix: strings.TrimSuffix(prefix, "."), log: log.Component("notifications")}
}

// Close drains the underlying connection when the publisher owns one.
func (p *NotificationPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}

// Notify publishes a templated notification. It returns the publish error so
// callers can record delivery failures; it never retries.
func (p *NotificationPublisher) Notify(ctx context.Context, recipients []string, template string, payload map[string]any) error {
	if len(recipients) == 0 {
		return nil
	}

	event := &NotificationEvent{
		EventType:    "notification",
		Template:     template,
		Recipients:   recipients,
		ResourceType: "onboarding",
		Severity:     "info",
		Category:     "onboarding",
		Payload:      payload,
	}
	if id, ok := payload["resource_id"].(string); ok {
		event.ResourceID = id
	}

	return p.publish(ctx, fmt.Sprintf("%s.%s", p.prefix, template), event)
}

// PublishEvent publishes a domain event such as provisioning.completed.
func (p *NotificationPublisher) PublishEvent(ctx context.Context, eventType, resourceType, resourceID string, payload map[string]any) error {
	event := &NotificationEvent{
		EventType:    eventType,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Severity:     "info",
		Category:     "onboarding",
		Payload:      payload,
	}
	return p.publish(ctx, fmt.Sprintf("%s.events.%s", p.prefix, eventType), event)
}

func (p *NotificationPublisher) publish(ctx context.Context, subject string, event *NotificationEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("resource_id", event.ResourceID).
			Msg("notification: failed to publish NATS event")
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}

	p.log.Debug().
		Str("subject", subject).
		Int("recipients", len(event.Recipients)).
		Msg("notification: event published")
	return nil
}

// LogDispatcher is a NotificationDispatcher that only logs. It is used when
// no NATS URL is configured.
type LogDispatcher struct {
	log *logger.Logger
}

// NewLogDispatcher creates a LogDispatcher.
func NewLogDispatcher(log *logger.Logger) *LogDispatcher {
	return &LogDispatcher{log: log.Component("notifications")}
}

// Notify logs the notification.
func (d *LogDispatcher) Notify(ctx context.Context, recipients []string, template string, payload map[string]any) error {
	d.log.Info().
		Strs("recipients", recipients).
		Str("template", template).
		Interface("payload", payload).
		Msg("notification")
	return nil
}
