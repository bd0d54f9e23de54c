package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/game-progress/internal/config"
	"github.com/game-progress/internal/domain"
)

// CompletionHandler processes level completions
type CompletionHandler interface {
	CompleteLevel(ctx context.Context, completion domain.LevelCompletion) (*domain.CompletionResult, error)
}

// Consumer consumes level completion messages from Kafka
type Consumer struct {
	config        *config.KafkaConfig
	handler       CompletionHandler
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	ready         chan bool
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, handler CompletionHandler, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		config:        cfg,
		handler:       handler,
		logger:        logger,
		consumerGroup: consumerGroup,
		ctx:           ctx,
		cancel:        cancel,
		ready:         make(chan bool),
	}, nil
}

// Start begins consuming messages from Kafka
func (c *Consumer) Start() error {
	c.logger.Info("starting Kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.Topic,
		"group_id", c.config.GroupID,
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			handler := &consumerGroupHandler{
				consumer: c,
				ready:    c.ready,
			}

			if err := c.consumerGroup.Consume(c.ctx, []string{c.config.Topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error("error from consumer", "error", err)
			}

			// Check if context was cancelled
			if c.ctx.Err() != nil {
				return
			}

			c.ready = make(chan bool)
		}
	}()

	// Wait until consumer is ready
	<-c.ready
	c.logger.Info("Kafka consumer ready")

	// Handle errors in separate goroutine
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Error("consumer group error", "error", err)
			}
		}
	}()

	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("stopping Kafka consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

// processBatch applies completions in arrival order. A failed completion is
// logged and does not stop the rest of the batch.
func (c *Consumer) processBatch(ctx context.Context, batch []domain.LevelCompletion) (processed int) {
	for _, completion := range batch {
		result, err := c.handler.CompleteLevel(ctx, completion)
		switch {
		case err == nil:
			processed++
			c.logger.Debug("applied level completion",
				"player_id", completion.PlayerID,
				"level", completion.LevelNumber,
				"total_score", result.TotalScore,
			)
		case domain.IsNotFoundError(err):
			c.logger.Warn("level completion for unknown player",
				"player_id", completion.PlayerID,
				"level", completion.LevelNumber,
			)
		default:
			c.logger.Error("failed to apply level completion",
				"player_id", completion.PlayerID,
				"level", completion.LevelNumber,
				"error", err,
			)
		}
	}
	return processed
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
	ready    chan bool
}

// Setup is called at the beginning of a new session
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.ready)
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes messages from a topic partition. Offsets are
// marked only after the batch holding them has been applied, so a crash
// replays the batch instead of losing it.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	cfg := h.consumer.config
	batch := make([]domain.LevelCompletion, 0, cfg.BatchSize)
	pending := make([]*sarama.ConsumerMessage, 0, cfg.BatchSize)
	batchTimer := time.NewTimer(cfg.BatchTimeout)
	defer batchTimer.Stop()

	flush := func() {
		if len(batch) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			processed := h.consumer.processBatch(ctx, batch)
			cancel()
			h.consumer.logger.Debug("processed batch", "batch_size", len(batch), "applied", processed)
		}

		// Invalid messages are in pending too, so no offset is committed
		// ahead of an unapplied completion
		for _, message := range pending {
			session.MarkMessage(message, "")
		}

		batch = batch[:0]
		pending = pending[:0]
	}

	for {
		select {
		case <-session.Context().Done():
			// Process remaining batch before exit
			flush()
			return nil

		case <-batchTimer.C:
			flush()
			batchTimer.Reset(cfg.BatchTimeout)

		case message, ok := <-claim.Messages():
			if !ok {
				flush()
				return nil
			}
			pending = append(pending, message)

			completion, err := DecodeCompletion(message.Value)
			if err != nil {
				h.consumer.logger.Warn("skipping invalid completion message",
					"error", err,
					"offset", message.Offset,
					"partition", message.Partition,
				)
				continue
			}

			batch = append(batch, completion)
			if len(batch) >= cfg.BatchSize {
				flush()
				batchTimer.Reset(cfg.BatchTimeout)
			}
		}
	}
}

// CompletionMessage represents the message format for Kafka
type CompletionMessage struct {
	PlayerID       string `json:"player_id"`
	LevelNumber    *int   `json:"level_number"`
	Score          *int64 `json:"score"`
	CompletionTime *int   `json:"completion_time,omitempty"`
}

// DecodeCompletion parses and validates a completion message
func DecodeCompletion(data []byte) (domain.LevelCompletion, error) {
	var msg CompletionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.LevelCompletion{}, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	if msg.PlayerID == "" || msg.LevelNumber == nil || msg.Score == nil {
		return domain.LevelCompletion{}, fmt.Errorf("%w: player_id, level_number and score are required", domain.ErrInvalidRequest)
	}
	return domain.LevelCompletion{
		PlayerID:       msg.PlayerID,
		LevelNumber:    *msg.LevelNumber,
		Score:          *msg.Score,
		CompletionTime: msg.CompletionTime,
	}, nil
}
