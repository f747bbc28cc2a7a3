package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/bytefense/soar/internal/core"
)

// messageReader is the part of *kafka.Reader the source uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Stats() kafka.ReaderStats
	Close() error
}

// KafkaSource consumes detection JSON from a topic with a consumer group.
// Messages are handled in partition order and committed once the engine has
// taken them; a message the engine cannot take yet is retried in place.
type KafkaSource struct {
	cfg    core.KafkaIngestConfig
	reader messageReader
	sub    Submitter
	dedup  *core.DeliveryDedup
	logger zerolog.Logger

	fetchBackoff time.Duration
	retryBackoff time.Duration

	consumed atomic.Int64
	rejected atomic.Int64
	errs     atomic.Int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
}

// NewKafkaSource builds a source over a kafka-go reader. dedup may be nil.
func NewKafkaSource(cfg core.KafkaIngestConfig, sub Submitter, dedup *core.DeliveryDedup, logger zerolog.Logger) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka ingest needs brokers and a topic")
	}
	logger = logger.With().Str("component", "kafka_ingest").Logger()
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		MinBytes:       cfg.MinBytes,
		MaxBytes:       cfg.MaxBytes,
		MaxWait:        time.Second,
		StartOffset:    kafka.LastOffset,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug().Msg(fmt.Sprintf(msg, args...))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error().Msg(fmt.Sprintf(msg, args...))
		}),
	})
	return newKafkaSource(cfg, reader, sub, dedup, logger), nil
}

func newKafkaSource(cfg core.KafkaIngestConfig, reader messageReader, sub Submitter, dedup *core.DeliveryDedup, logger zerolog.Logger) *KafkaSource {
	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaSource{
		cfg:          cfg,
		reader:       reader,
		sub:          sub,
		dedup:        dedup,
		logger:       logger,
		fetchBackoff: time.Second,
		retryBackoff: time.Second,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start runs the consume loop in the background.
func (s *KafkaSource) Start() error {
	if s.started.Swap(true) {
		return errors.New("kafka ingest already started")
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.consume(); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("kafka consume loop exited")
		}
	}()
	s.logger.Info().Strs("brokers", s.cfg.Brokers).Str("topic", s.cfg.Topic).Str("group", s.cfg.GroupID).Msg("kafka detection ingest started")
	return nil
}

// Stop ends the loop and closes the reader. Uncommitted messages are
// redelivered to the group.
func (s *KafkaSource) Stop() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info().Int64("consumed", s.consumed.Load()).Int64("rejected", s.rejected.Load()).Msg("kafka detection ingest stopped")
	return s.reader.Close()
}

func (s *KafkaSource) consume() error {
	for {
		msg, err := s.reader.FetchMessage(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return s.ctx.Err()
			}
			s.errs.Add(1)
			s.logger.Error().Err(err).Str("topic", s.cfg.Topic).Msg("failed to fetch message")
			if !sleepCtx(s.ctx, s.fetchBackoff) {
				return s.ctx.Err()
			}
			continue
		}

		if !s.process(msg) {
			return s.ctx.Err()
		}
		if err := s.reader.CommitMessages(s.ctx, msg); err != nil && s.ctx.Err() == nil {
			s.errs.Add(1)
			s.logger.Error().Err(err).Int("partition", msg.Partition).Int64("offset", msg.Offset).Msg("failed to commit offset")
		}
	}
}

// process handles one message until it is accepted or rejected. It returns
// false only when the source is stopping.
func (s *KafkaSource) process(msg kafka.Message) bool {
	log := s.logger.With().Int("partition", msg.Partition).Int64("offset", msg.Offset).Logger()
	ev, err := core.UnmarshalDetectionEvent(msg.Value)
	if err != nil {
		s.rejected.Add(1)
		log.Warn().Err(err).Int("bytes", len(msg.Value)).Msg("undecodable detection skipped")
		return true
	}
	if ev.Producer == "" && len(msg.Key) > 0 {
		ev.Producer = string(msg.Key)
	}

	for {
		switch deliver(s.ctx, s.sub, s.dedup, ev, log) {
		case Accept:
			s.consumed.Add(1)
			return true
		case Reject:
			s.rejected.Add(1)
			return true
		}
		if !sleepCtx(s.ctx, s.retryBackoff) {
			return false
		}
	}
}

// Stats reports consume counters and the reader's lag.
func (s *KafkaSource) Stats() map[string]int64 {
	rs := s.reader.Stats()
	return map[string]int64{
		"consumed": s.consumed.Load(),
		"rejected": s.rejected.Load(),
		"errors":   s.errs.Load(),
		"lag":      rs.Lag,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
