package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

// MessageHandler defines the interface for handling consumed messages
type MessageHandler interface {
	// HandleMessage processes a Kafka message and returns whether to mark it as processed.
	// A message that is not marked ends the claim and is consumed again from
	// its own offset when the session restarts.
	HandleMessage(ctx context.Context, key, message []byte) (shouldMark bool, err error)
}

// Consumer handles Kafka message consumption with pluggable message handling
type Consumer struct {
	consumer sarama.ConsumerGroup
	handler  MessageHandler
	topic    string
	groupID  string
	ready    chan bool
	backoff  time.Duration
	logger   *slog.Logger
}

// DefaultRetryBackoff is how long a claim waits before giving up a
// partition after an unmarked message.
const DefaultRetryBackoff = 5 * time.Second

// ConsumerConfig holds Kafka consumer configuration
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	Handler MessageHandler
	// OldestOffset starts a new group at the beginning of the topic instead of the end.
	OldestOffset bool
	// RetryBackoff delays the redelivery of an unmarked message. Zero means
	// DefaultRetryBackoff.
	RetryBackoff time.Duration
	Logger       *slog.Logger
}

func newSaramaConsumerConfig(oldest bool) *sarama.Config {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_6_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	if oldest {
		saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	saramaConfig.Consumer.Return.Errors = true
	return saramaConfig
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(config ConsumerConfig) (*Consumer, error) {
	if config.Handler == nil {
		return nil, errors.New("kafka consumer requires a message handler")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	backoff := config.RetryBackoff
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}

	client, err := sarama.NewConsumerGroup(config.Brokers, config.GroupID, newSaramaConsumerConfig(config.OldestOffset))
	if err != nil {
		return nil, err
	}

	return &Consumer{
		consumer: client,
		handler:  config.Handler,
		topic:    config.Topic,
		groupID:  config.GroupID,
		ready:    make(chan bool),
		backoff:  backoff,
		logger:   logger.With("component", "kafka_consumer", "topic", config.Topic, "group", config.GroupID),
	}, nil
}

// Start joins the consumer group in the background and returns once the
// first session is set up or ctx ends.
func (c *Consumer) Start(ctx context.Context) error {
	handler := &consumerGroupHandler{
		messageHandler: c.handler,
		ready:          c.ready,
		retryBackoff:   c.backoff,
		logger:         c.logger,
	}

	go func() {
		for {
			if err := c.consumer.Consume(ctx, []string{c.topic}, handler); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, sarama.ErrClosedConsumerGroup) {
					c.logger.Info("Kafka consumer stopped")
					return
				}
				c.logger.Error("Kafka consume failed", "error", err)
			}

			if ctx.Err() != nil {
				return
			}
			handler.ready = make(chan bool)
		}
	}()

	select {
	case <-c.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.logger.Info("Kafka consumer started")

	go func() {
		for err := range c.consumer.Errors() {
			c.logger.Error("Kafka consumer error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the consumer
func (c *Consumer) Close() error {
	c.logger.Info("Closing Kafka consumer")
	return c.consumer.Close()
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	messageHandler MessageHandler
	ready          chan bool
	retryBackoff   time.Duration
	logger         *slog.Logger
}

// Setup is run at the beginning of a new session, before ConsumeClaim
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.ready)
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim must start a consumer loop of ConsumerGroupClaim's Messages().
// Offsets commit cumulatively, so an unmarked message must not be followed
// by a marked one. Instead the partition offset is reset to it and the claim
// ends, which ends the session; the next Consume starts from that message.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			h.logger.Debug("Received Kafka message",
				"partition", message.Partition, "offset", message.Offset, "key", string(message.Key))

			shouldMark, err := h.messageHandler.HandleMessage(session.Context(), message.Key, message.Value)
			if err != nil {
				h.logger.Error("Failed to handle message",
					"partition", message.Partition, "offset", message.Offset, "error", err)
			}
			if shouldMark {
				session.MarkMessage(message, "")
				continue
			}

			session.ResetOffset(message.Topic, message.Partition, message.Offset, "")
			h.logger.Warn("Message left unmarked, restarting claim",
				"partition", message.Partition, "offset", message.Offset, "backoff", h.retryBackoff)
			if h.retryBackoff > 0 {
				timer := time.NewTimer(h.retryBackoff)
				select {
				case <-timer.C:
				case <-session.Context().Done():
					timer.Stop()
				}
			}
			return nil

		case <-session.Context().Done():
			return nil
		}
	}
}

// TypedMessageHandler is a generic helper that handles type conversion
// T is the message type (e.g. OrderMessage)
type TypedMessageHandler[T any] struct {
	// Validate checks if the message should be processed
	Validate func(msg *T) bool
	// Process handles the actual message processing
	Process func(ctx context.Context, msg *T) error
	// AlwaysMark determines if messages should be marked even on decode or validation failure
	AlwaysMark bool
	Logger     *slog.Logger
}

// HandleMessage implements MessageHandler interface
func (h *TypedMessageHandler[T]) HandleMessage(ctx context.Context, key, message []byte) (bool, error) {
	var msg T
	if err := json.Unmarshal(message, &msg); err != nil {
		h.log().Warn("Failed to unmarshal message", "key", string(key), "error", err)
		return h.AlwaysMark, nil
	}

	if h.Validate != nil && !h.Validate(&msg) {
		return h.AlwaysMark, nil
	}

	if err := h.Process(ctx, &msg); err != nil {
		return false, err
	}
	return true, nil
}

func (h *TypedMessageHandler[T]) log() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
