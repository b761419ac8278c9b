// Package events publishes candle cache notifications for downstream consumers.
package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event types carried in the event-type header
const (
	TypeCandlesUpdated   = "candles.updated"
	TypeRebuildStarted   = "rebuild.started"
	TypeRebuildCompleted = "rebuild.completed"
	TypeRebuildFailed    = "rebuild.failed"
	TypeRebuildCancelled = "rebuild.cancelled"
)

// Message represents a message to be sent
type Message struct {
	Key   string
	Type  string
	Value interface{}
}

// Publisher sends messages to a topic
type Publisher interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Close() error
}

// CandlesUpdated is emitted after a batch of candles is flushed for a scope
type CandlesUpdated struct {
	Scope         string    `json:"scope"`
	Source        string    `json:"source"`
	Candles       int       `json:"candles"`
	LastTimestamp int64     `json:"lastTimestamp"`
	At            time.Time `json:"at"`
}

// RebuildEvent is emitted on rebuild lifecycle transitions
type RebuildEvent struct {
	RunID       string    `json:"runId"`
	Scope       string    `json:"scope"`
	Description string    `json:"description,omitempty"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// Topics names the topics the Notifier writes to
type Topics struct {
	Candles string
	Process string
}

// Notifier publishes candle cache events. Publish failures are logged and never returned,
// so a broker outage cannot stall candle building.
type Notifier struct {
	publisher Publisher
	topics    Topics
	logger    *zap.Logger
}

// NewNotifier creates a notifier; a nil publisher disables publishing
func NewNotifier(publisher Publisher, topics Topics, logger *zap.Logger) *Notifier {
	return &Notifier{publisher: publisher, topics: topics, logger: logger}
}

// CandlesUpdated publishes a candles.updated event
func (n *Notifier) CandlesUpdated(ctx context.Context, e CandlesUpdated) {
	if n == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	n.publish(ctx, n.topics.Candles, Message{Key: e.Scope, Type: TypeCandlesUpdated, Value: e})
}

// Rebuild publishes a rebuild lifecycle event of the given type
func (n *Notifier) Rebuild(ctx context.Context, eventType string, e RebuildEvent) {
	if n == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	n.publish(ctx, n.topics.Process, Message{Key: e.Scope, Type: eventType, Value: e})
}

func (n *Notifier) publish(ctx context.Context, topic string, msg Message) {
	if n.publisher == nil || topic == "" {
		return
	}
	if err := n.publisher.Publish(ctx, topic, msg); err != nil {
		n.logger.Warn("Failed to publish event",
			zap.Error(err),
			zap.String("topic", topic),
			zap.String("type", msg.Type))
	}
}

// Recorder is an in-memory Publisher
type Recorder struct {
	mu       sync.Mutex
	Messages map[string][]Message
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{Messages: make(map[string][]Message)}
}

func (r *Recorder) Publish(ctx context.Context, topic string, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Messages[topic] = append(r.Messages[topic], msg)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Types returns the event types published to topic in order
func (r *Recorder) Types(topic string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.Messages[topic] {
		out = append(out, m.Type)
	}
	return out
}
