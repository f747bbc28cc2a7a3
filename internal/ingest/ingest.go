// Package ingest feeds detection events from the bus, Kafka and syslog
// relays into the response engine.
package ingest

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/bytefense/soar/internal/core"
	"github.com/bytefense/soar/internal/response"
)

// Submitter accepts one detection and reports what became of it.
// *response.Engine satisfies it.
type Submitter interface {
	Submit(ctx context.Context, ev *core.DetectionEvent) (response.Result, error)
}

// Disposition is what a transport should do with a delivery.
type Disposition int

const (
	// Accept acknowledges the delivery.
	Accept Disposition = iota
	// Retry asks the transport to redeliver later.
	Retry
	// Reject drops a delivery that can never be processed.
	Reject
)

func (d Disposition) String() string {
	switch d {
	case Accept:
		return "accept"
	case Retry:
		return "retry"
	case Reject:
		return "reject"
	}
	return "unknown"
}

// deliver hands ev to the engine once per delivery id. A delivery the engine
// could not take is forgotten so its redelivery is processed.
func deliver(ctx context.Context, sub Submitter, dedup *core.DeliveryDedup, ev *core.DetectionEvent, log zerolog.Logger) Disposition {
	if dedup != nil && dedup.Seen(ev) {
		log.Debug().Str("event_id", ev.ID).Str("producer", ev.Producer).Msg("duplicate delivery dropped")
		return Accept
	}

	res, err := sub.Submit(ctx, ev)
	switch {
	case err == nil:
		log.Debug().Str("event_id", ev.ID).Str("incident_id", res.IncidentID).Bool("merged", res.Merged).Msg("detection accepted")
		return Accept
	case errors.Is(err, core.ErrInvalidEvent):
		log.Warn().Err(err).Str("event_id", ev.ID).Msg("invalid detection rejected")
		return Reject
	case res.IncidentID != "":
		// incident exists; the failure is already on its timeline
		log.Error().Err(err).Str("event_id", ev.ID).Str("incident_id", res.IncidentID).Msg("detection handled with errors")
		return Accept
	default:
		if dedup != nil {
			dedup.Forget(ev)
		}
		if errors.Is(err, response.ErrQueueFull) {
			log.Warn().Str("event_id", ev.ID).Msg("engine queue full, delivery will be retried")
		} else {
			log.Error().Err(err).Str("event_id", ev.ID).Msg("detection not processed, delivery will be retried")
		}
		return Retry
	}
}
