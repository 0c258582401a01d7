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
	"github.com/hypertrophy-rankings/internal/config"
	"github.com/hypertrophy-rankings/internal/domain"
)

const (
	// submitAttempts bounds retries of a record while the stores are down
	submitAttempts = 3
	retryBackoff   = 200 * time.Millisecond
)

// ActivityHandler ingests activity records
type ActivityHandler interface {
	SubmitActivity(ctx context.Context, record domain.ActivityRecord) (domain.ActivityRecord, error)
}

// Consumer consumes activity records from Kafka
type Consumer struct {
	config        *config.KafkaConfig
	handler       ActivityHandler
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	ready         chan bool
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, handler ActivityHandler, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, err
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

			if c.ctx.Err() != nil {
				return
			}

			c.ready = make(chan bool)
		}
	}()

	<-c.ready
	c.logger.Info("Kafka consumer ready")

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

// DecodeActivity parses a message value into a record. Fields owned by the
// server are cleared.
func DecodeActivity(value []byte) (domain.ActivityRecord, error) {
	var record domain.ActivityRecord
	if err := json.Unmarshal(value, &record); err != nil {
		return record, fmt.Errorf("decoding activity: %w", err)
	}
	if record.UserID == "" {
		return record, fmt.Errorf("activity without user: %w", domain.ErrInvalidRecord)
	}
	record.Score = nil
	record.ScoredAt = time.Time{}
	record.IngestedAt = time.Time{}
	record.UpdatedAt = time.Time{}
	return record, nil
}

// submitBatch submits records in order. Invalid records are dropped;
// records hit by an outage are retried a few times before they are given up
// to the safety recalculation. It returns the number of records accepted.
func submitBatch(ctx context.Context, handler ActivityHandler, records []domain.ActivityRecord, logger *slog.Logger) int {
	accepted := 0
	for _, record := range records {
		var err error
		for attempt := 1; attempt <= submitAttempts; attempt++ {
			_, err = handler.SubmitActivity(ctx, record)
			if err == nil || !errors.Is(err, domain.ErrTemporarilyUnavailable) || attempt == submitAttempts {
				break
			}
			select {
			case <-ctx.Done():
				return accepted
			case <-time.After(retryBackoff * time.Duration(attempt)):
			}
		}

		switch {
		case err == nil:
			accepted++
		case domain.IsInvalidError(err):
			logger.Warn("dropping invalid activity", "record_id", record.ID, "user_id", record.UserID, "error", err)
		default:
			logger.Error("failed to submit activity", "record_id", record.ID, "user_id", record.UserID, "error", err)
		}
	}
	return accepted
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

// ConsumeClaim processes messages from a topic partition. Offsets are marked
// once the batch holding them has been submitted.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	cfg := h.consumer.config
	logger := h.consumer.logger
	batch := make([]domain.ActivityRecord, 0, cfg.BatchSize)
	var last *sarama.ConsumerMessage
	batchTimer := time.NewTimer(cfg.BatchTimeout)
	defer batchTimer.Stop()

	processBatch := func() {
		if len(batch) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			accepted := submitBatch(ctx, h.consumer.handler, batch, logger)
			cancel()
			logger.Debug("processed batch", "batch_size", len(batch), "accepted", accepted)
			batch = batch[:0]
		}
		if last != nil {
			session.MarkMessage(last, "")
			last = nil
		}
	}

	for {
		select {
		case <-session.Context().Done():
			processBatch()
			return nil

		case <-batchTimer.C:
			processBatch()
			batchTimer.Reset(cfg.BatchTimeout)

		case message, ok := <-claim.Messages():
			if !ok {
				processBatch()
				return nil
			}
			last = message

			record, err := DecodeActivity(message.Value)
			if err != nil {
				logger.Warn("skipping activity message",
					"error", err,
					"offset", message.Offset,
					"partition", message.Partition,
				)
				continue
			}

			batch = append(batch, record)
			if len(batch) >= cfg.BatchSize {
				processBatch()
				batchTimer.Reset(cfg.BatchTimeout)
			}
		}
	}
}
