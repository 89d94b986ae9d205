package pubsub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaConfig carries settings for the Kafka driver.
type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topic         string
	Logger        zerolog.Logger

	// OnRebalance fires on partition assignments after the initial one.
	// A later rebalance means another group member may have consumed part
	// of the stream, so the server schedules a reconcile hydrate.
	OnRebalance func()
}

// KafkaSubscriber consumes the marker topic through a franz-go group
// consumer, starting from the latest offset. History before boot is the
// hydrator's job, not the bus's.
type KafkaSubscriber struct {
	client  *kgo.Client
	logger  zerolog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	healthy atomic.Bool
}

func NewKafkaSubscriber(cfg KafkaConfig) (*KafkaSubscriber, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	logger := cfg.Logger.With().Str("component", "kafka_subscriber").Logger()
	ctx, cancel := context.WithCancel(context.Background())

	var assignedOnce atomic.Bool
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.FetchMinBytes(1),
		kgo.FetchMaxBytes(10*1024*1024),
		kgo.SessionTimeout(30*time.Second),
		kgo.RebalanceTimeout(60*time.Second),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info().Interface("partitions", assigned).Msg("Partitions assigned")
			if !assignedOnce.CompareAndSwap(false, true) && cfg.OnRebalance != nil {
				cfg.OnRebalance()
			}
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info().Interface("partitions", revoked).Msg("Partitions revoked")
		}),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &KafkaSubscriber{
		client: client,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (s *KafkaSubscriber) Start(handler Handler) error {
	s.wg.Add(1)
	go s.pollLoop(handler)
	s.logger.Info().Msg("Kafka consumer started")
	return nil
}

func (s *KafkaSubscriber) pollLoop(handler Handler) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
			fetches := s.client.PollFetches(s.ctx)
			if errs := fetches.Errors(); len(errs) > 0 {
				s.healthy.Store(false)
				for _, err := range errs {
					if s.ctx.Err() != nil {
						return
					}
					s.logger.Error().
						Err(err.Err).
						Str("topic", err.Topic).
						Int32("partition", err.Partition).
						Msg("Fetch error")
				}
				continue
			}
			s.healthy.Store(true)
			fetches.EachRecord(func(record *kgo.Record) {
				handler(record.Value)
			})
		}
	}
}

func (s *KafkaSubscriber) Stop() error {
	s.cancel()
	s.wg.Wait()
	s.client.Close()
	s.logger.Info().Msg("Kafka consumer stopped")
	return nil
}

func (s *KafkaSubscriber) Connected() bool {
	return s.healthy.Load()
}
