package consumer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
)

// KafkaConfig describes one consumer-group subscription.
type KafkaConfig struct {
	Brokers  []string
	GroupID  string
	Topics   []string
	ClientID string
	// Version pins the broker protocol version; blank takes sarama's
	// default.
	Version string
}

// Kafka consumes engine events from a Kafka consumer group and queues
// them through the sink. Offsets are marked only after the payload is
// durably enqueued, so a crash re-delivers rather than drops.
type Kafka struct {
	cfg   KafkaConfig
	sink  Sink
	group sarama.ConsumerGroup
}

// NewKafka joins the consumer group.
func NewKafka(cfg KafkaConfig, sink Sink) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka consumer: no brokers configured")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("kafka consumer: no group id configured")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("kafka consumer: no topics configured")
	}

	sc := sarama.NewConfig()
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	if cfg.Version != "" {
		v, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, fmt.Errorf("kafka consumer: parse version %q: %w", cfg.Version, err)
		}
		sc.Version = v
	}
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Return.Errors = true
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{
		sarama.NewBalanceStrategyRange(),
	}

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: join group %s: %w", cfg.GroupID, err)
	}
	return &Kafka{cfg: cfg, sink: sink, group: group}, nil
}

// Run consumes until the context is canceled. Consume returns on every
// rebalance; the loop rejoins with a fresh session.
func (k *Kafka) Run(ctx context.Context) error {
	go func() {
		for err := range k.group.Errors() {
			log.Printf("consumer: kafka group %s: %v", k.cfg.GroupID, err)
		}
	}()

	handler := &groupHandler{sink: k.sink}
	for {
		if err := k.group.Consume(ctx, k.cfg.Topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			log.Printf("consumer: kafka consume: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// Close leaves the consumer group.
func (k *Kafka) Close() error {
	return k.group.Close()
}

type groupHandler struct {
	sink Sink
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if _, err := h.sink.Submit(session.Context(), string(msg.Value)); err != nil {
				return fmt.Errorf("enqueue event from %s[%d]@%d: %w",
					msg.Topic, msg.Partition, msg.Offset, err)
			}
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}
