package response

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/bytefense/soar/internal/core"
	"github.com/bytefense/soar/internal/incident"
	"github.com/bytefense/soar/internal/keylock"
	"github.com/bytefense/soar/internal/playbook"
)

// Handle runs one detection through the pipeline synchronously: dedup,
// create, select, execute, resolve. Storage failures after the incident
// exists are timelined where possible and returned joined, alongside a
// usable Result.
func (e *Engine) Handle(ctx context.Context, ev *core.DetectionEvent) (Result, error) {
	start := time.Now()
	defer func() { e.metrics.pipeline.Observe(time.Since(start).Seconds()) }()

	if err := e.validator.Validate(ev); err != nil {
		e.metrics.detections.WithLabelValues("rejected").Inc()
		return Result{}, err
	}
	log := e.logger.With().
		Str("event_id", ev.ID).
		Str("attack_type", ev.AttackType).
		Str("source_ip", ev.SourceIP).
		Logger()

	unlockPair, err := e.locker.Lock(ctx, keylock.DedupKey(ev.SourceIP, ev.AttackType))
	if err != nil {
		e.metrics.detections.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("lock dedup key for %s: %w", ev.DedupKey(), err)
	}
	pairHeld := true
	defer func() {
		if pairHeld {
			unlockPair()
		}
	}()

	res, merged, err := e.mergeIntoOpen(ctx, ev, log)
	if err != nil {
		e.metrics.detections.WithLabelValues("error").Inc()
		return Result{}, err
	}
	if merged {
		e.metrics.detections.WithLabelValues("merged").Inc()
		return res, nil
	}

	id, err := e.store.Create(ctx, incident.FromDetection(ev))
	if err != nil {
		e.metrics.detections.WithLabelValues("error").Inc()
		log.Error().Err(err).Msg("failed to create incident")
		return Result{}, fmt.Errorf("create incident: %w", err)
	}

	unlockInc, err := e.locker.Lock(ctx, keylock.IncidentKey(id))
	if err != nil {
		e.metrics.detections.WithLabelValues("error").Inc()
		return Result{IncidentID: id, Status: incident.StatusOpen}, fmt.Errorf("lock incident %s: %w", id, err)
	}
	defer unlockInc()
	// The incident is visible to FindOpenMatching now; later detections of
	// the pair queue on its lock and merge.
	unlockPair()
	pairHeld = false

	log = log.With().Str("incident_id", id).Logger()
	return e.respond(ctx, id, ev, log)
}

// mergeIntoOpen folds ev into the newest non-terminal incident of its pair.
// The incident is rechecked under its own lock because an operator may
// have closed it since the lookup.
func (e *Engine) mergeIntoOpen(ctx context.Context, ev *core.DetectionEvent, log zerolog.Logger) (Result, bool, error) {
	existing, err := e.store.FindOpenMatching(ctx, ev.SourceIP, ev.AttackType)
	if err != nil {
		return Result{}, false, fmt.Errorf("look up open incident for %s: %w", ev.DedupKey(), err)
	}
	if existing == nil {
		return Result{}, false, nil
	}

	unlock, err := e.locker.Lock(ctx, keylock.IncidentKey(existing.ID))
	if err != nil {
		return Result{}, false, fmt.Errorf("lock incident %s: %w", existing.ID, err)
	}
	defer unlock()

	inc, err := e.store.Get(ctx, existing.ID)
	if err != nil {
		return Result{}, false, fmt.Errorf("reload incident %s: %w", existing.ID, err)
	}
	if inc.Status.Terminal() {
		return Result{}, false, nil
	}

	var errs []error
	if err := e.store.MergeIndicators(ctx, inc.ID, ev.Indicators); err != nil {
		errs = append(errs, e.storageError(ctx, inc.ID, "merge indicators", err))
	}
	detail := fmt.Sprintf("duplicate detection %s", ev.ID)
	if ev.Producer != "" {
		detail += " from " + ev.Producer
	}
	detail += fmt.Sprintf(" (severity %s", ev.Severity)
	if len(ev.Indicators) > 0 {
		detail += ", indicators: " + strings.Join(ev.Indicators, ", ")
	}
	detail += ")"
	e.timeline(ctx, inc.ID, incident.Entry(incident.EventDetectionMerged, detail), &errs)

	log.Info().Str("incident_id", inc.ID).Str("status", string(inc.Status)).Msg("detection merged into open incident")
	return Result{
		IncidentID: inc.ID,
		Status:     inc.Status,
		Merged:     true,
		Playbook:   inc.PlaybookExecuted,
	}, true, errors.Join(errs...)
}

// respond runs the playbook for a freshly created incident. The caller
// holds the incident lock.
func (e *Engine) respond(ctx context.Context, id string, ev *core.DetectionEvent, log zerolog.Logger) (Result, error) {
	var errs []error
	res := Result{IncidentID: id, Status: incident.StatusOpen}

	created := fmt.Sprintf("opened from detection %s at %s severity", ev.ID, ev.Severity)
	if ev.Producer != "" {
		created += " (producer " + ev.Producer + ")"
	}
	e.timeline(ctx, id, incident.Entry(incident.EventIncidentCreated, created), &errs)
	e.metrics.transitions.WithLabelValues(string(incident.StatusOpen)).Inc()
	e.publish(ctx, id, "", incident.StatusOpen)

	pb, ok := e.playbooks.SelectFor(ev.AttackType, ev.Severity)
	if !ok {
		e.timeline(ctx, id, incident.Entry(incident.EventNoPlaybookMatch,
			fmt.Sprintf("%v for %s at %s severity", playbook.ErrNoPlaybookMatch, ev.AttackType, ev.Severity)), &errs)
		if err := e.transition(ctx, id, incident.StatusOpen, incident.StatusUnhandled); err != nil {
			errs = append(errs, err)
		} else {
			res.Status = incident.StatusUnhandled
		}
		e.metrics.detections.WithLabelValues("unhandled").Inc()
		log.Warn().Str("severity", ev.Severity.String()).Msg("no playbook matches, incident left unhandled")
		return res, errors.Join(errs...)
	}

	res.Playbook = pb.Name
	e.timeline(ctx, id, incident.Entry(incident.EventPlaybookSelected,
		fmt.Sprintf("%s (%d actions)", pb.Name, len(pb.Actions))), &errs)
	if err := e.transition(ctx, id, incident.StatusOpen, incident.StatusInProgress); err != nil {
		// Without in_progress the incident cannot reach resolved; stop here
		// and leave it open for an operator.
		errs = append(errs, err)
		e.metrics.detections.WithLabelValues("error").Inc()
		return res, errors.Join(errs...)
	}
	res.Status = incident.StatusInProgress

	snapshot, err := e.store.Get(ctx, id)
	if err != nil {
		errs = append(errs, e.storageError(ctx, id, "load incident", err))
		snapshot = incidentFromEvent(id, ev)
	}
	snapshot.PlaybookExecuted = pb.Name

	log.Info().Str("playbook", pb.Name).Int("actions", len(pb.Actions)).Msg("executing playbook")
	for i, a := range pb.Actions {
		outcome := e.executor.Execute(ctx, snapshot, a)
		e.metrics.actions.WithLabelValues(string(outcome.Action), string(outcome.Result)).Inc()
		e.metrics.attempts.WithLabelValues(string(outcome.Action)).Add(float64(outcome.Attempts))

		if i == 0 {
			if err := e.store.SetPlaybook(ctx, id, pb.Name); err != nil {
				errs = append(errs, e.storageError(ctx, id, "set playbook", err))
			}
		}

		if outcome.Succeeded() {
			if kind, d, timed := a.Reversal(); timed {
				handle, err := e.scheduler.Schedule(id, outcome.Target, kind, d)
				if err != nil {
					log.Error().Err(err).Str("action", string(outcome.Action)).Msg("could not schedule reversal")
					e.timeline(ctx, id, incident.Entry(incident.EventStorageError,
						fmt.Sprintf("reversal %s of %s not scheduled: %v; manual follow-up required", kind, outcome.Target, err)), &errs)
				} else {
					outcome.ReversalHandle = handle
					e.timeline(ctx, id, incident.Entry(incident.EventReversalScheduled,
						fmt.Sprintf("%s %s at %s (handle %s)", kind, outcome.Target, time.Now().UTC().Add(d).Format(time.RFC3339), handle)), &errs)
				}
			}
		}

		if err := e.store.AppendActionOutcome(ctx, id, outcome); err != nil {
			errs = append(errs, e.storageError(ctx, id, "record "+string(outcome.Action)+" outcome", err))
		}
		e.timeline(ctx, id, incident.Entry(incident.EventActionExecuted, incident.OutcomeDetail(outcome)), &errs)
		snapshot.Actions = append(snapshot.Actions, outcome)

		if !outcome.Succeeded() {
			log.Warn().Str("action", string(outcome.Action)).Str("result", string(outcome.Result)).
				Str("detail", outcome.Detail).Msg("action did not succeed, continuing playbook")
		}
	}

	if err := e.transition(ctx, id, incident.StatusInProgress, incident.StatusResolved); err != nil {
		errs = append(errs, err)
	} else {
		res.Status = incident.StatusResolved
	}
	e.metrics.detections.WithLabelValues("created").Inc()
	log.Info().Str("playbook", pb.Name).Str("status", string(res.Status)).Msg("playbook finished")
	return res, errors.Join(errs...)
}

// incidentFromEvent stands in for a snapshot the store could not return.
func incidentFromEvent(id string, ev *core.DetectionEvent) *incident.Incident {
	now := time.Now().UTC()
	return &incident.Incident{
		ID:          id,
		Title:       ev.Title,
		Description: ev.Description,
		Severity:    ev.Severity,
		Status:      incident.StatusInProgress,
		SourceIP:    ev.SourceIP,
		TargetIP:    ev.TargetIP,
		AttackType:  ev.AttackType,
		Indicators:  append([]string(nil), ev.Indicators...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// transition moves an incident along the state machine with a
// status_changed entry. Entries for terminal statuses are written first,
// since automated entries are refused afterwards.
func (e *Engine) transition(ctx context.Context, id string, from, to incident.Status) error {
	var errs []error
	entry := incident.Entry(incident.EventStatusChanged, fmt.Sprintf("%s → %s", from, to))
	if to.Terminal() {
		e.timeline(ctx, id, entry, &errs)
	}
	if err := e.store.UpdateStatus(ctx, id, to); err != nil {
		if errors.Is(err, incident.ErrInvalidTransition) || errors.Is(err, incident.ErrTerminal) {
			e.logger.Error().Err(err).Str("incident_id", id).Msg("status invariant violated")
		}
		return e.storageError(ctx, id, fmt.Sprintf("status %s → %s", from, to), err)
	}
	if !to.Terminal() {
		e.timeline(ctx, id, entry, &errs)
	}
	e.metrics.transitions.WithLabelValues(string(to)).Inc()
	e.publish(ctx, id, from, to)
	return errors.Join(errs...)
}

// timeline appends an entry, collecting any storage failure into errs.
func (e *Engine) timeline(ctx context.Context, id string, entry incident.TimelineEntry, errs *[]error) {
	if err := e.store.AppendTimeline(ctx, id, entry); err != nil {
		if errors.Is(err, incident.ErrTerminal) {
			e.logger.Error().Err(err).Str("incident_id", id).Str("event", entry.Action).Msg("automated entry on terminal incident")
		}
		*errs = append(*errs, e.storageError(ctx, id, "timeline "+entry.Action, err))
	}
}

// storageError logs a failed store write and tries to leave a storage_error
// entry so the gap is visible in the audit trail.
func (e *Engine) storageError(ctx context.Context, id, op string, err error) error {
	e.metrics.storageErrors.Inc()
	wrapped := fmt.Errorf("incident %s: %s: %w", id, op, err)
	e.logger.Error().Err(err).Str("incident_id", id).Str("op", op).Msg("incident store write failed")
	if tlErr := e.store.AppendTimeline(ctx, id, incident.Entry(incident.EventStorageError,
		fmt.Sprintf("%s failed: %v", op, err))); tlErr != nil {
		e.logger.Debug().Err(tlErr).Str("incident_id", id).Msg("storage_error entry not recorded")
	}
	return wrapped
}
