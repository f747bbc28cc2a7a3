package core

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Subjects used on the bus.
const (
	SubjectDetections = "sec.detections"
	SubjectIncidents  = "sec.incidents"
	SubjectDirectives = "sec.directives"
)

// EventBus wraps NATS JetStream. It carries inbound detections, outbound
// incident updates and sensor directives.
type EventBus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	ns     *server.Server
	logger zerolog.Logger
	mu     sync.RWMutex
	subs   []*nats.Subscription

	metrics *BusMetrics
}

// BusMetrics tracks event bus performance counters.
type BusMetrics struct {
	mu                 sync.Mutex
	Published          int64
	PublishFailed      int64
	MessagesAcked      int64
	MessagesNaked      int64
	MessagesTerminated int64
}

var busStreams = []nats.StreamConfig{
	{
		Name:      "SECURITY_DETECTIONS",
		Subjects:  []string{SubjectDetections + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		MaxBytes:  1024 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	},
	{
		Name:      "SECURITY_INCIDENTS",
		Subjects:  []string{SubjectIncidents + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    90 * 24 * time.Hour,
		MaxBytes:  512 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	},
	{
		Name:      "SECURITY_DIRECTIVES",
		Subjects:  []string{SubjectDirectives + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		MaxBytes:  64 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	},
}

// NewEventBus creates a new EventBus. If cfg.Embedded is true, it starts an embedded NATS server.
func NewEventBus(cfg *BusConfig, logger zerolog.Logger) (*EventBus, error) {
	bus := &EventBus{
		logger:  logger.With().Str("component", "event_bus").Logger(),
		subs:    make([]*nats.Subscription, 0),
		metrics: &BusMetrics{},
	}

	url := cfg.URL
	if cfg.Embedded {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating NATS data dir: %w", err)
		}

		ns, err := server.NewServer(&server.Options{
			Host:      "127.0.0.1",
			Port:      cfg.Port,
			JetStream: true,
			StoreDir:  cfg.DataDir,
			NoLog:     true,
			NoSigs:    true,
		})
		if err != nil {
			return nil, fmt.Errorf("creating embedded NATS server: %w", err)
		}
		ns.Start()
		if !ns.ReadyForConnections(10 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded NATS server failed to start within timeout")
		}
		bus.ns = ns
		url = ns.ClientURL()
		bus.logger.Info().Int("port", cfg.Port).Msg("embedded NATS server started")
	}

	nc, err := nats.Connect(url,
		nats.Name("soar"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				bus.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			bus.logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		bus.shutdownServer()
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	bus.nc = nc

	js, err := nc.JetStream()
	if err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	bus.js = js

	for i := range busStreams {
		if err := bus.ensureStream(&busStreams[i]); err != nil {
			_ = bus.Close()
			return nil, err
		}
	}

	bus.logger.Info().Str("url", url).Msg("connected to NATS JetStream")
	return bus, nil
}

// ensureStream creates the stream, updating it when it already exists with a
// different config from an earlier version.
func (b *EventBus) ensureStream(cfg *nats.StreamConfig) error {
	if _, err := b.js.AddStream(cfg); err != nil {
		if _, updateErr := b.js.UpdateStream(cfg); updateErr != nil {
			return fmt.Errorf("creating/updating stream %s: %w (original: %v)", cfg.Name, updateErr, err)
		}
	}
	return nil
}

// Publish sends raw bytes to a subject.
func (b *EventBus) Publish(subject string, data []byte) error {
	if _, err := b.js.Publish(subject, data); err != nil {
		b.count(func(m *BusMetrics) { m.PublishFailed++ })
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	b.count(func(m *BusMetrics) { m.Published++ })
	b.logger.Debug().Str("subject", subject).Int("bytes", len(data)).Msg("published")
	return nil
}

// PublishJSON marshals v and publishes it to subject.
func (b *EventBus) PublishJSON(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling payload for %s: %w", subject, err)
	}
	return b.Publish(subject, data)
}

// PublishDetection publishes a detection event on sec.detections.<producer>.<attack_type>.
func (b *EventBus) PublishDetection(event *DetectionEvent) error {
	data, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling detection: %w", err)
	}
	producer := event.Producer
	if producer == "" {
		producer = "external"
	}
	return b.Publish(fmt.Sprintf("%s.%s.%s", SubjectDetections, SubjectToken(producer), SubjectToken(event.AttackType)), data)
}

// Subscribe creates a durable subscription to a subject pattern.
func (b *EventBus) Subscribe(subject, durableName string, handler func(msg *nats.Msg)) error {
	opts := []nats.SubOpt{nats.DeliverNew(), nats.AckExplicit()}
	if durableName != "" {
		opts = append(opts, nats.Durable(durableName))
	}
	sub, err := b.js.Subscribe(subject, handler, opts...)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.logger.Debug().Str("subject", subject).Str("durable", durableName).Msg("subscribed")
	return nil
}

// Ack, Nak and Term acknowledge a message and keep the counters current.
func (b *EventBus) Ack(msg *nats.Msg) {
	_ = msg.Ack()
	b.count(func(m *BusMetrics) { m.MessagesAcked++ })
}

func (b *EventBus) Nak(msg *nats.Msg, delay time.Duration) {
	_ = msg.NakWithDelay(delay)
	b.count(func(m *BusMetrics) { m.MessagesNaked++ })
}

func (b *EventBus) Term(msg *nats.Msg) {
	_ = msg.Term()
	b.count(func(m *BusMetrics) { m.MessagesTerminated++ })
}

func (b *EventBus) count(fn func(m *BusMetrics)) {
	b.metrics.mu.Lock()
	fn(b.metrics)
	b.metrics.mu.Unlock()
}

// Close shuts down the event bus.
func (b *EventBus) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()

	if b.nc != nil {
		b.nc.Close()
	}
	b.shutdownServer()
	return nil
}

func (b *EventBus) shutdownServer() {
	if b.ns != nil {
		b.ns.Shutdown()
		b.ns.WaitForShutdown()
		b.ns = nil
		b.logger.Info().Msg("embedded NATS server stopped")
	}
}

// IsConnected returns true if the NATS connection is active.
func (b *EventBus) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// GetMetrics returns a snapshot of bus metrics.
func (b *EventBus) GetMetrics() map[string]int64 {
	b.metrics.mu.Lock()
	defer b.metrics.mu.Unlock()
	return map[string]int64{
		"published":           b.metrics.Published,
		"publish_failed":      b.metrics.PublishFailed,
		"messages_acked":      b.metrics.MessagesAcked,
		"messages_naked":      b.metrics.MessagesNaked,
		"messages_terminated": b.metrics.MessagesTerminated,
	}
}

// SubjectToken makes s safe to use as one NATS subject token.
func SubjectToken(s string) string {
	if s == "" {
		return "_"
	}
	out := []byte(s)
	for i, c := range out {
		switch c {
		case '.', '*', '>', ' ', '\t':
			out[i] = '_'
		}
	}
	return string(out)
}
