package location

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageReader is the subset of *kafka.Reader the consumer needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaConfig describes the location topic subscription.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewKafkaReader builds a consumer-group reader for cfg.
func NewKafkaReader(cfg KafkaConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
}

// KafkaConsumer feeds LocationUpdate JSON messages into the ingest handler.
type KafkaConsumer struct {
	reader     MessageReader
	handler    Handler
	logger     *zap.Logger
	backoff    time.Duration
	maxBackoff time.Duration
}

// NewKafkaConsumer constructs a consumer over reader.
func NewKafkaConsumer(reader MessageReader, handler Handler, logger *zap.Logger) *KafkaConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaConsumer{
		reader:     reader,
		handler:    handler,
		logger:     logger,
		backoff:    time.Second,
		maxBackoff: 30 * time.Second,
	}
}

// Run consumes until ctx is cancelled. Read errors back off exponentially.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	backoff := c.backoff
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("kafka read failed", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
			continue
		}
		backoff = c.backoff
		c.handle(ctx, msg)
	}
}

func (c *KafkaConsumer) handle(ctx context.Context, msg kafka.Message) {
	var u LocationUpdate
	if err := json.Unmarshal(msg.Value, &u); err != nil {
		ingestTotal.WithLabelValues("kafka", "malformed").Inc()
		c.logger.Warn("malformed location message", zap.Int64("offset", msg.Offset), zap.Error(err))
		return
	}
	if u.RiderID == "" && len(msg.Key) > 0 {
		u.RiderID = string(msg.Key)
	}
	if _, err := c.handler.HandleLocationEvent(ctx, ToEvent(&u)); err != nil {
		ingestTotal.WithLabelValues("kafka", "rejected").Inc()
		c.logger.Debug("location message rejected", zap.String("rider_id", u.RiderID), zap.Error(err))
		return
	}
	ingestTotal.WithLabelValues("kafka", "accepted").Inc()
}

// Close releases the underlying reader.
func (c *KafkaConsumer) Close() error { return c.reader.Close() }
