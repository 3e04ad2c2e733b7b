package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"socwatch/internal/alerting"
	"socwatch/internal/blocking"
	"socwatch/internal/metrics"
	"socwatch/internal/notify"
)

// messageWriter is the subset of *kafka.Writer used by Producer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes engine notifications to the notification topic.
type Producer struct {
	writer messageWriter
	topic  string
	logger *slog.Logger

	wg     sync.WaitGroup
	closed atomic.Bool

	messages atomic.Int64
	bytes    atomic.Int64
	errs     atomic.Int64
	lastErr  atomic.Value
}

// NewProducer creates a producer for cfg.NotificationTopic.
func NewProducer(cfg *Config, logger *slog.Logger) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.NotificationTopic == "" {
		return nil, errors.New("stream: notification topic is required")
	}

	dialer, err := cfg.Dialer()
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.NotificationTopic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  3,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Lz4,
		Transport: &kafka.Transport{
			Dial: dialer.DialFunc,
			TLS:  dialer.TLS,
			SASL: dialer.SASLMechanism,
		},
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	logger.Info("kafka producer initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.NotificationTopic,
	)

	return newProducer(writer, cfg.NotificationTopic, logger), nil
}

func newProducer(writer messageWriter, topic string, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{writer: writer, topic: topic, logger: logger}
}

// Encode turns a notification into a Kafka message keyed by the entity it
// concerns, so one alert's or source's notifications share a partition.
func Encode(n notify.Notification) (kafka.Message, error) {
	value, err := json.Marshal(n)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal %s notification: %w", n.Type, err)
	}
	return kafka.Message{
		Key:   []byte(Key(n)),
		Value: value,
		Time:  n.Timestamp,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(n.Type)},
		},
	}, nil
}

// Key returns the partition key of a notification: the alert ID or source
// it refers to, or the notification type when it has neither.
func Key(n notify.Notification) string {
	switch p := n.Payload.(type) {
	case notify.AlertRef:
		return p.AlertID
	case notify.Patched:
		return p.AlertID
	case notify.GraceStarted:
		return p.AlertID
	case notify.GraceCancelled:
		return p.AlertID
	case notify.Remediated:
		if p.AlertID != "" {
			return p.AlertID
		}
		return p.EventID
	case notify.Unblocked:
		return p.Source
	case alerting.Alert:
		return p.ID
	case blocking.BlockRecord:
		return p.Source
	}
	return string(n.Type)
}

// Publish writes one notification.
func (p *Producer) Publish(ctx context.Context, n notify.Notification) error {
	if p.closed.Load() {
		return ErrClosed
	}

	msg, err := Encode(n)
	if err != nil {
		p.recordError(err)
		return err
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.recordError(err)
		return fmt.Errorf("stream: failed to write %s notification: %w", n.Type, err)
	}

	p.messages.Add(1)
	p.bytes.Add(int64(len(msg.Key) + len(msg.Value)))
	metrics.NotificationsPublished.WithLabelValues("kafka", string(n.Type)).Inc()
	return nil
}

// Run publishes everything received on updates until the channel closes
// or ctx ends. Write failures are logged and the notification dropped.
func (p *Producer) Run(ctx context.Context, updates <-chan notify.Notification) {
	p.wg.Add(1)
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-updates:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := p.Publish(writeCtx, n); err != nil && !errors.Is(err, ErrClosed) {
				p.logger.Error("failed to publish notification", "type", n.Type, "error", err)
			}
			cancel()
		}
	}
}

func (p *Producer) recordError(err error) {
	p.errs.Add(1)
	p.lastErr.Store(err.Error())
	metrics.StreamErrors.WithLabelValues("producer").Inc()
}

// Metrics returns current producer counters.
func (p *Producer) Metrics() Metrics {
	m := Metrics{
		Messages: p.messages.Load(),
		Bytes:    p.bytes.Load(),
		Errors:   p.errs.Load(),
	}
	if s, ok := p.lastErr.Load().(string); ok {
		m.LastErr = s
	}
	return m
}

// Close waits for Run to return and closes the writer. Cancel Run's
// context or close its channel first.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.wg.Wait()

	p.logger.Info("closing kafka producer", "messages_produced", p.messages.Load())

	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("stream: failed to close producer: %w", err)
	}
	return nil
}
