package action

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bytefense/soar/internal/core"
)

// JSONPublisher is satisfied by *core.EventBus.
type JSONPublisher interface {
	PublishJSON(subject string, v interface{}) error
}

// BusDirectives publishes sensor directives to sec.directives.<kind>.
type BusDirectives struct {
	pub    JSONPublisher
	logger zerolog.Logger
}

func NewBusDirectives(pub JSONPublisher, logger zerolog.Logger) *BusDirectives {
	return &BusDirectives{pub: pub, logger: logger.With().Str("component", "directives").Logger()}
}

func (d *BusDirectives) Send(ctx context.Context, dir Directive) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stamp(&dir)
	subject := core.SubjectDirectives + "." + core.SubjectToken(dir.Kind)
	if err := d.pub.PublishJSON(subject, dir); err != nil {
		return Retryable(err)
	}
	d.logger.Info().Str("kind", dir.Kind).Str("target", dir.Target).Str("incident_id", dir.IncidentID).Msg("directive published")
	return nil
}

// LogDirectives records directives in the log when the bus is disabled.
type LogDirectives struct {
	logger zerolog.Logger
}

func NewLogDirectives(logger zerolog.Logger) *LogDirectives {
	return &LogDirectives{logger: logger.With().Str("component", "directives").Logger()}
}

func (d *LogDirectives) Send(_ context.Context, dir Directive) error {
	stamp(&dir)
	d.logger.Warn().Str("kind", dir.Kind).Str("target", dir.Target).Str("incident_id", dir.IncidentID).
		Msg("event bus disabled, directive logged only")
	return nil
}

func stamp(dir *Directive) {
	if dir.ID == "" {
		dir.ID = uuid.New().String()
	}
	if dir.IssuedAt.IsZero() {
		dir.IssuedAt = time.Now().UTC()
	}
}
