package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/bytefense/soar/internal/core"
)

const defaultNakDelay = 5 * time.Second

// acker settles JetStream messages. *core.EventBus satisfies it.
type acker interface {
	Ack(msg *nats.Msg)
	Nak(msg *nats.Msg, delay time.Duration)
	Term(msg *nats.Msg)
}

// NATSSource consumes detections published on sec.detections.> through a
// durable JetStream subscription.
type NATSSource struct {
	cfg      core.NATSIngestConfig
	bus      *core.EventBus
	acks     acker
	sub      Submitter
	dedup    *core.DeliveryDedup
	nakDelay time.Duration
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNATSSource creates a source. dedup may be nil.
func NewNATSSource(cfg core.NATSIngestConfig, bus *core.EventBus, sub Submitter, dedup *core.DeliveryDedup, logger zerolog.Logger) *NATSSource {
	if cfg.Subject == "" {
		cfg.Subject = core.SubjectDetections + ".>"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &NATSSource{
		cfg:      cfg,
		bus:      bus,
		acks:     bus,
		sub:      sub,
		dedup:    dedup,
		nakDelay: defaultNakDelay,
		logger:   logger.With().Str("component", "nats_ingest").Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes. Each message is processed on its own goroutine; the
// engine queue bounds how many are in flight.
func (s *NATSSource) Start() error {
	if err := s.bus.Subscribe(s.cfg.Subject, s.cfg.Durable, s.receive); err != nil {
		return err
	}
	s.logger.Info().Str("subject", s.cfg.Subject).Str("durable", s.cfg.Durable).Msg("nats detection ingest started")
	return nil
}

// Stop abandons waits on the engine and waits for in-flight handlers.
// Unsettled messages are redelivered by JetStream.
func (s *NATSSource) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info().Msg("nats detection ingest stopped")
}

func (s *NATSSource) receive(msg *nats.Msg) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handle(msg)
	}()
}

func (s *NATSSource) handle(msg *nats.Msg) {
	log := s.logger.With().Str("subject", msg.Subject).Logger()
	ev, err := core.UnmarshalDetectionEvent(msg.Data)
	if err != nil {
		log.Warn().Err(err).Int("bytes", len(msg.Data)).Msg("undecodable detection terminated")
		s.acks.Term(msg)
		return
	}
	if ev.Producer == "" {
		ev.Producer = producerFromSubject(msg.Subject)
	}

	switch deliver(s.ctx, s.sub, s.dedup, ev, log) {
	case Accept:
		s.acks.Ack(msg)
	case Reject:
		s.acks.Term(msg)
	case Retry:
		if s.ctx.Err() != nil {
			// shutting down: leave it for redelivery after the ack wait
			return
		}
		s.acks.Nak(msg, s.nakDelay)
	}
}

// producerFromSubject reads <producer> out of sec.detections.<producer>.<attack>.
func producerFromSubject(subject string) string {
	prefix := core.SubjectDetections + "."
	if len(subject) <= len(prefix) || subject[:len(prefix)] != prefix {
		return ""
	}
	rest := subject[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '.' {
			rest = rest[:i]
			break
		}
	}
	if rest == "_" || rest == "external" {
		return ""
	}
	return rest
}
