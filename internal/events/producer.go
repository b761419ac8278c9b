package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	headerEventType = "event-type"
	headerSource    = "source"
)

// ProducerConfig configures the Kafka producer
type ProducerConfig struct {
	Brokers      []string
	ClientID     string
	WriteTimeout time.Duration
}

// Producer publishes candle cache events to Kafka, one writer per topic
type Producer struct {
	cfg     ProducerConfig
	logger  *zap.Logger
	mu      sync.Mutex
	writers map[string]*kafka.Writer
	closed  bool
}

// NewProducer creates a producer. Writers are opened on first use of a topic.
func NewProducer(cfg ProducerConfig, logger *zap.Logger) *Producer {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Producer{
		cfg:     cfg,
		logger:  logger,
		writers: make(map[string]*kafka.Writer),
	}
}

func (p *Producer) writer(topic string) (*kafka.Writer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errors.New("producer closed")
	}
	if w, ok := p.writers[topic]; ok {
		return w, nil
	}

	// Hash keeps every event of a scope on one partition, in order
	w := &kafka.Writer{
		Addr:                   kafka.TCP(p.cfg.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           p.cfg.WriteTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		Transport:              &kafka.Transport{ClientID: p.cfg.ClientID},
	}
	p.writers[topic] = w
	return w, nil
}

// Publish writes msg to topic and blocks until the broker acknowledges it
func (p *Producer) Publish(ctx context.Context, topic string, msg Message) error {
	kafkaMsg, err := encode(msg, p.cfg.ClientID)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", msg.Type, err)
	}

	w, err := p.writer(topic)
	if err != nil {
		return err
	}
	if err := w.WriteMessages(ctx, kafkaMsg); err != nil {
		return fmt.Errorf("write to %s: %w", topic, err)
	}

	p.logger.Debug("Event published",
		zap.String("topic", topic),
		zap.String("key", msg.Key),
		zap.String("type", msg.Type))
	return nil
}

// Close flushes and closes every writer
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	var errs []error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close writer for %s: %w", topic, err))
		}
	}
	p.writers = make(map[string]*kafka.Writer)
	return errors.Join(errs...)
}

func encode(msg Message, source string) (kafka.Message, error) {
	value, err := json.Marshal(msg.Value)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(msg.Key),
		Value: value,
		Headers: []kafka.Header{
			{Key: headerEventType, Value: []byte(msg.Type)},
			{Key: headerSource, Value: []byte(source)},
		},
		Time: time.Now().UTC(),
	}, nil
}
