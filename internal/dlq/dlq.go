package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lsm/s3stream/internal/engine"
)

// Dead-letter headers stamped on every notice.
const (
	HeaderConnector = "s3stream-connector"
	HeaderPrefix    = "s3stream-prefix"
	HeaderObjectKey = "s3stream-object-key"
	HeaderReason    = "s3stream-skip-reason"
	HeaderSkippedAt = "s3stream-skipped-at"
)

// Publisher is the interface for publishing messages to a broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Notice is the JSON body published for a skipped object.
type Notice struct {
	Connector string    `json:"connector"`
	Prefix    string    `json:"prefix"`
	Key       string    `json:"key"`
	Reason    string    `json:"reason"`
	SkippedAt time.Time `json:"skippedAt"`
}

// Handler publishes skipped-object notices to a dead-letter topic.
type Handler struct {
	publisher Publisher
	topic     string
	now       func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithClock overrides the notice timestamp source.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// NewHandler creates a dead-letter handler publishing to topic.
func NewHandler(pub Publisher, topic string, opts ...Option) *Handler {
	h := &Handler{
		publisher: pub,
		topic:     topic,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ReportSkip publishes a notice keyed by the object key.
func (h *Handler) ReportSkip(ctx context.Context, s engine.Skip) error {
	topic := h.topic
	at := h.now().UTC()

	value, err := json.Marshal(Notice{
		Connector: s.Connector,
		Prefix:    s.Prefix,
		Key:       s.Key,
		Reason:    s.Reason,
		SkippedAt: at,
	})
	if err != nil {
		return fmt.Errorf("encode notice: %w", err)
	}

	headers := map[string]string{
		HeaderConnector: s.Connector,
		HeaderPrefix:    s.Prefix,
		HeaderObjectKey: s.Key,
		HeaderReason:    s.Reason,
		HeaderSkippedAt: at.Format(time.RFC3339),
	}

	if err := h.publisher.Publish(ctx, topic, []byte(s.Key), value, headers); err != nil {
		return fmt.Errorf("dlq publish to %s: %w", topic, err)
	}
	return nil
}
