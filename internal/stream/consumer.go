package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"socwatch/internal/metrics"
	"socwatch/internal/queue"
	"socwatch/internal/schema"
)

// Submitter accepts decoded events. *engine.Engine satisfies it.
type Submitter interface {
	Submit(event *schema.Event) error
}

// messageReader is the subset of *kafka.Reader used by Consumer.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads events from the intake topic and submits them.
type Consumer struct {
	reader  messageReader
	sink    Submitter
	config  *Config
	logger  *slog.Logger
	backoff time.Duration

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	closed  atomic.Bool
	started atomic.Bool

	messages atomic.Int64
	bytes    atomic.Int64
	errs     atomic.Int64
	skipped  atomic.Int64
	lastErr  atomic.Value
}

// NewConsumer creates a consumer group member on cfg.EventsTopic.
func NewConsumer(cfg *Config, sink Submitter, logger *slog.Logger) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.EventsTopic == "" {
		return nil, errors.New("stream: events topic is required")
	}
	if sink == nil {
		return nil, errors.New("stream: submitter is required")
	}

	dialer, err := cfg.Dialer()
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.EventsTopic,
		Dialer:         dialer,
		MinBytes:       1,
		MaxBytes:       10 * 1024 * 1024,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: cfg.CommitInterval,
		StartOffset:    kafka.LastOffset,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	logger.Info("kafka consumer initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.EventsTopic,
		"group", cfg.GroupID,
	)

	return newConsumer(reader, sink, cfg, logger), nil
}

func newConsumer(reader messageReader, sink Submitter, cfg *Config, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	return &Consumer{
		reader:  reader,
		sink:    sink,
		config:  cfg,
		logger:  logger,
		backoff: backoff,
	}
}

// Start runs the consume loop in a goroutine until ctx ends or Stop.
func (c *Consumer) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.started.Swap(true) {
		return errors.New("stream: consumer already started")
	}

	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.consumeLoop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("consumer loop exited with error", "error", err)
		}
	}()

	c.logger.Info("kafka consumer started", "topic", c.config.EventsTopic)
	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.recordError("fetch", err)
			c.logger.Error("failed to fetch message", "error", err, "topic", c.config.EventsTopic)

			if !c.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		if err := c.handle(ctx, msg); err != nil {
			// Only cancellation gets here; the message stays uncommitted.
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.recordError("commit", err)
			c.logger.Error("failed to commit offset", "error", err, "offset", msg.Offset)
		}
	}
}

// handle submits one message. Undecodable or invalid events are skipped so
// they cannot stall the partition; a full queue is retried after a backoff.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	event, err := schema.DecodeEvent(msg.Value)
	if err != nil {
		c.skip(msg, err)
		return nil
	}

	for {
		err := c.sink.Submit(event)
		switch {
		case err == nil:
			c.messages.Add(1)
			c.bytes.Add(int64(len(msg.Key) + len(msg.Value)))
			metrics.EventsIngested.WithLabelValues("kafka").Inc()
			return nil
		case errors.Is(err, queue.ErrQueueFull):
			c.recordError("submit", err)
			c.logger.Warn("engine queue full, retrying", "partition", msg.Partition, "offset", msg.Offset)
			if !c.sleep(ctx) {
				return ctx.Err()
			}
		default:
			c.skip(msg, err)
			return nil
		}
	}
}

func (c *Consumer) skip(msg kafka.Message, err error) {
	c.skipped.Add(1)
	c.logger.Warn("skipping event message",
		"error", err,
		"partition", msg.Partition,
		"offset", msg.Offset,
	)
}

func (c *Consumer) recordError(stage string, err error) {
	c.errs.Add(1)
	c.lastErr.Store(err.Error())
	metrics.StreamErrors.WithLabelValues("consumer_" + stage).Inc()
}

func (c *Consumer) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.backoff):
		return true
	}
}

// Metrics returns current consumer counters.
func (c *Consumer) Metrics() Metrics {
	m := Metrics{
		Messages: c.messages.Load(),
		Bytes:    c.bytes.Load(),
		Errors:   c.errs.Load(),
		Skipped:  c.skipped.Load(),
	}
	if s, ok := c.lastErr.Load().(string); ok {
		m.LastErr = s
	}
	return m
}

// Stop cancels the loop, waits for it and closes the reader.
func (c *Consumer) Stop() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.logger.Info("stopping kafka consumer", "messages_consumed", c.messages.Load())

	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("stream: failed to close consumer: %w", err)
	}
	return nil
}
