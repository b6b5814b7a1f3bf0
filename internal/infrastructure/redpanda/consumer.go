package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig holds configuration for the Redpanda consumer
type ConsumerConfig struct {
	// Brokers is a list of broker addresses
	Brokers []string
	// GroupID is the consumer group ID
	GroupID string
	// Topics is the list of topics to consume
	Topics []string
	// AutoCommit enables automatic offset commits
	AutoCommit bool
	// AutoCommitIntervalMS is the interval for auto commits
	AutoCommitIntervalMS int64
	// SessionTimeoutMS is the session timeout
	SessionTimeoutMS int64
	// HeartbeatIntervalMS is the heartbeat interval
	HeartbeatIntervalMS int64
	// MaxPollRecords is the maximum records per poll
	MaxPollRecords int
	// FetchMaxBytes is the maximum fetch size
	FetchMaxBytes int32
	// StartOffset is the initial offset (newest or oldest)
	StartOffset string
	// DeadLetterTopic receives messages the handler rejected; empty disables it
	DeadLetterTopic string
}

// DefaultConsumerConfig returns defaults for the bedside vitals feed
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:              []string{"localhost:9092"},
		GroupID:              "triage-vitals",
		Topics:               []string{TopicVitalsReadings},
		AutoCommit:           false, // commit after the batch is handled
		AutoCommitIntervalMS: 5000,
		SessionTimeoutMS:     30000,
		HeartbeatIntervalMS:  3000,
		MaxPollRecords:       200,
		FetchMaxBytes:        8 * 1024 * 1024,
		StartOffset:          "earliest",
		DeadLetterTopic:      TopicDeadLetter,
	}
}

// DeadLetterFunc publishes a message the handler could not process
type DeadLetterFunc func(ctx context.Context, msg *ConsumedMessage, cause error) error

// MessageHandler is called for each consumed message
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage represents a consumed Kafka message
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Consumer reads a topic in a consumer group. Partitions of one poll are handled
// concurrently; records within a partition are handled in offset order.
type Consumer struct {
	client     *kgo.Client
	config     ConsumerConfig
	logger     *zap.Logger
	tracer     trace.Tracer
	handler    MessageHandler
	deadLetter DeadLetterFunc

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	mu             sync.RWMutex
	messagesRead   int64
	bytesRead      int64
	errorCount     int64
	deadLettered   int64
	lastCommitTime time.Time
}

// ConsumerOption configures a Consumer
type ConsumerOption func(*Consumer)

// WithDeadLetter routes handler failures to fn instead of dropping them
func WithDeadLetter(fn DeadLetterFunc) ConsumerOption {
	return func(c *Consumer) { c.deadLetter = fn }
}

// DeadLetterProducer returns a DeadLetterFunc that republishes to topic with the
// failure reason in the headers
func DeadLetterProducer(p *Producer, topic string) DeadLetterFunc {
	return func(ctx context.Context, msg *ConsumedMessage, cause error) error {
		payload, err := json.Marshal(map[string]interface{}{
			"original_topic": msg.Topic,
			"partition":      msg.Partition,
			"offset":         msg.Offset,
			"key":            string(msg.Key),
			"payload":        json.RawMessage(validJSON(msg.Value)),
			"error":          cause.Error(),
			"failed_at":      time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		return p.Publish(ctx, topic, string(msg.Key), payload)
	}
}

func validJSON(b []byte) []byte {
	if json.Valid(b) {
		return b
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}

// NewConsumer creates a new Redpanda consumer
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger, opts ...ConsumerOption) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if handler == nil {
		return nil, errors.New("message handler is required")
	}

	if len(cfg.Topics) == 0 {
		return nil, errors.New("at least one topic is required")
	}

	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(time.Duration(cfg.SessionTimeoutMS) * time.Millisecond),
		kgo.HeartbeatInterval(time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
	}

	// Set start offset
	switch cfg.StartOffset {
	case "earliest":
		kopts = append(kopts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	case "latest":
		kopts = append(kopts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	}

	if !cfg.AutoCommit {
		kopts = append(kopts, kgo.DisableAutoCommit())
	} else {
		kopts = append(kopts, kgo.AutoCommitInterval(time.Duration(cfg.AutoCommitIntervalMS)*time.Millisecond))
	}

	kopts = append(kopts,
		kgo.OnPartitionsAssigned(func(ctx context.Context, client *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, client *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
	)

	client, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Consumer{
		client:  client,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start begins consuming messages
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop gracefully stops the consumer. The in-flight poll finishes and is committed
// before the client leaves the group.
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()
	c.client.Close()
	return nil
}

// consumeLoop is the main consumption loop
func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		fetches := c.client.PollRecords(c.ctx, c.config.MaxPollRecords)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
			c.incrementErrorCount()
		})

		var (
			wg      sync.WaitGroup
			doneMu  sync.Mutex
			handled []*kgo.Record
		)
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			if len(p.Records) == 0 {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				var last *kgo.Record
				for _, record := range p.Records {
					if c.processRecord(record) {
						last = record
					}
				}
				if last != nil {
					doneMu.Lock()
					handled = append(handled, last)
					doneMu.Unlock()
				}
			}()
		})
		wg.Wait()

		if !c.config.AutoCommit && len(handled) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := c.CommitRecords(ctx, handled...); err != nil {
				c.logger.Error("failed to commit offsets", zap.Error(err))
			}
			cancel()
		}
	}
}

// processRecord handles one record and reports whether it may be committed: it was
// handled or dead-lettered. A failure with no dead letter path is logged and skipped;
// a later commit on the same partition moves past it.
func (c *Consumer) processRecord(record *kgo.Record) bool {
	// not derived from c.ctx: a record already polled is finished even during Stop
	ctx := ExtractTraceContext(context.Background(), record)
	ctx, span := c.tracer.Start(ctx, "redpanda.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.source", record.Topic),
			attribute.Int64("messaging.kafka.partition", int64(record.Partition)),
			attribute.Int64("messaging.kafka.offset", record.Offset),
		))
	defer span.End()

	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}

	err := c.handler(ctx, msg)
	if err == nil {
		c.incrementMetrics(len(record.Value))
		return true
	}

	c.logger.Error("message handler failed",
		zap.String("topic", record.Topic),
		zap.Int32("partition", record.Partition),
		zap.Int64("offset", record.Offset),
		zap.Error(err))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.incrementErrorCount()

	if c.deadLetter == nil {
		return false
	}
	if dlErr := c.deadLetter(ctx, msg, err); dlErr != nil {
		c.logger.Error("failed to dead-letter message",
			zap.String("topic", record.Topic),
			zap.Int64("offset", record.Offset),
			zap.Error(dlErr))
		return false
	}
	c.mu.Lock()
	c.deadLettered++
	c.mu.Unlock()
	return true
}

// CommitRecords commits the offsets just past the given records
func (c *Consumer) CommitRecords(ctx context.Context, records ...*kgo.Record) error {
	ctx, span := c.tracer.Start(ctx, "redpanda.commit",
		trace.WithAttributes(attribute.Int("messaging.batch.message_count", len(records))))
	defer span.End()

	if err := c.client.CommitRecords(ctx, records...); err != nil {
		span.RecordError(err)
		return fmt.Errorf("commit offsets: %w", err)
	}

	c.mu.Lock()
	c.lastCommitTime = time.Now()
	c.mu.Unlock()

	return nil
}

// Stats returns current consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ConsumerStats{
		MessagesRead:   c.messagesRead,
		BytesRead:      c.bytesRead,
		ErrorCount:     c.errorCount,
		DeadLettered:   c.deadLettered,
		LastCommitTime: c.lastCommitTime,
	}
}

// ConsumerStats holds consumer statistics
type ConsumerStats struct {
	MessagesRead   int64
	BytesRead      int64
	ErrorCount     int64
	DeadLettered   int64
	LastCommitTime time.Time
}

// Helper methods
func (c *Consumer) incrementMetrics(bytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messagesRead++
	c.bytesRead += int64(bytes)
}

func (c *Consumer) incrementErrorCount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCount++
}
