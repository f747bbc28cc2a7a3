package response

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytefense/soar/internal/core"
	"github.com/bytefense/soar/internal/incident"
	"github.com/bytefense/soar/internal/keylock"
	"github.com/bytefense/soar/internal/reversal"
)

// Get returns a snapshot of one incident with its timeline.
func (e *Engine) Get(ctx context.Context, id string) (*incident.Incident, error) {
	return e.store.Get(ctx, id)
}

// List returns incidents matching f, newest first.
func (e *Engine) List(ctx context.Context, f incident.Filter) ([]*incident.Incident, error) {
	return e.store.List(ctx, f)
}

// Close is the operator close of a resolved incident. Pending reversals are
// cancelled first and each cancellation is timelined. A reversal that has
// already fired, including one waiting to retry, must settle before the
// incident can close.
func (e *Engine) Close(ctx context.Context, id, notes string) error {
	unlock, err := e.locker.Lock(ctx, keylock.IncidentKey(id))
	if err != nil {
		return fmt.Errorf("lock incident %s: %w", id, err)
	}
	defer unlock()

	inc, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if inc.Status != incident.StatusResolved {
		return fmt.Errorf("%w: %s incidents cannot be closed, only resolved ones", incident.ErrInvalidTransition, inc.Status)
	}
	if n := e.scheduler.Firing(id); n > 0 {
		return fmt.Errorf("%w: %d reversal(s) still running, close once they settle", incident.ErrInvalidTransition, n)
	}

	var errs []error
	for _, entry := range e.scheduler.CancelIncident(id) {
		e.metrics.reversals.WithLabelValues("cancelled").Inc()
		e.timeline(ctx, id, incident.OperatorEntry(incident.EventReversalCancelled,
			fmt.Sprintf("%s %s (handle %s) cancelled by operator close", entry.Action, entry.Target, entry.Handle)), &errs)
	}

	notes = strings.TrimSpace(notes)
	if notes != "" {
		if err := e.store.AppendNotes(ctx, id, notes); err != nil {
			errs = append(errs, e.storageError(ctx, id, "append notes", err))
		}
	}
	detail := "closed by operator"
	if notes != "" {
		detail += ": " + notes
	}
	e.timeline(ctx, id, incident.OperatorEntry(incident.EventOperatorClosed, detail), &errs)

	if err := e.transition(ctx, id, incident.StatusResolved, incident.StatusClosed); err != nil {
		return errors.Join(append(errs, err)...)
	}
	e.logger.Info().Str("incident_id", id).Msg("incident closed by operator")
	return errors.Join(errs...)
}

// Annotate appends an analyst note. Notes are accepted in every status.
func (e *Engine) Annotate(ctx context.Context, id, note string) error {
	note = strings.TrimSpace(note)
	if note == "" {
		return ErrEmptyNote
	}
	unlock, err := e.locker.Lock(ctx, keylock.IncidentKey(id))
	if err != nil {
		return fmt.Errorf("lock incident %s: %w", id, err)
	}
	defer unlock()

	if err := e.store.AppendNotes(ctx, id, note); err != nil {
		return fmt.Errorf("annotate incident %s: %w", id, err)
	}
	if err := e.store.AppendTimeline(ctx, id, incident.OperatorEntry(incident.EventAnalystNote, note)); err != nil {
		return fmt.Errorf("timeline note on incident %s: %w", id, err)
	}
	return nil
}

// Reversals lists pending reversals, soonest first.
func (e *Engine) Reversals() []reversal.Entry {
	return e.scheduler.Pending()
}

// CancelReversal is the manual override for one pending reversal. The
// action it would have undone stays in effect.
func (e *Engine) CancelReversal(ctx context.Context, handle string) error {
	entry, ok := e.scheduler.Lookup(handle)
	if !ok {
		return e.scheduler.Cancel(handle)
	}
	unlock, err := e.locker.Lock(ctx, keylock.IncidentKey(entry.IncidentID))
	if err != nil {
		return fmt.Errorf("lock incident %s: %w", entry.IncidentID, err)
	}
	defer unlock()

	if err := e.scheduler.Cancel(handle); err != nil {
		return err
	}
	e.metrics.reversals.WithLabelValues("cancelled").Inc()
	if err := e.store.AppendTimeline(ctx, entry.IncidentID, incident.OperatorEntry(incident.EventReversalCancelled,
		fmt.Sprintf("%s %s (handle %s) cancelled by operator", entry.Action, entry.Target, handle))); err != nil {
		return e.storageError(ctx, entry.IncidentID, "timeline reversal_cancelled", err)
	}
	return nil
}

// onReversalSettled runs with the incident lock held by the scheduler. It
// auto-closes a resolved incident once its last reversal has succeeded and
// nothing in its history calls for a human.
func (e *Engine) onReversalSettled(ctx context.Context, entry reversal.Entry, ok bool) {
	if ok {
		e.metrics.reversals.WithLabelValues("succeeded").Inc()
	} else {
		e.metrics.reversals.WithLabelValues("failed").Inc()
		return
	}
	if !e.cfg.AutoClose || e.scheduler.Outstanding(entry.IncidentID) > 0 {
		return
	}

	inc, err := e.store.Get(ctx, entry.IncidentID)
	if err != nil {
		e.logger.Error().Err(err).Str("incident_id", entry.IncidentID).Msg("cannot load incident for auto-close")
		return
	}
	switch {
	case inc.Status != incident.StatusResolved:
		return
	case inc.HasTerminalFailure():
		e.logger.Info().Str("incident_id", inc.ID).Msg("not auto-closing: an action failed terminally")
		return
	case inc.HasTimelineEvent(incident.EventReversalFailed):
		e.logger.Info().Str("incident_id", inc.ID).Msg("not auto-closing: a reversal failed")
		return
	}

	var errs []error
	e.timeline(ctx, inc.ID, incident.Entry(incident.EventAutoClosed, "all reversals completed"), &errs)
	if err := e.transition(ctx, inc.ID, incident.StatusResolved, incident.StatusClosed); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		e.logger.Error().Err(err).Str("incident_id", inc.ID).Msg("auto-close incomplete")
		return
	}
	e.logger.Info().Str("incident_id", inc.ID).Msg("incident auto-closed")
}

// Update is published to sec.incidents.<status> on every status change.
type Update struct {
	IncidentID     string          `json:"incident_id"`
	Status         incident.Status `json:"status"`
	PreviousStatus incident.Status `json:"previous_status,omitempty"`
	Title          string          `json:"title"`
	Severity       core.Severity   `json:"severity"`
	AttackType     string          `json:"attack_type"`
	SourceIP       string          `json:"source_ip,omitempty"`
	TargetIP       string          `json:"target_ip,omitempty"`
	Playbook       string          `json:"playbook,omitempty"`
	Actions        int             `json:"actions"`
	Timestamp      time.Time       `json:"timestamp"`
}

func (e *Engine) publish(ctx context.Context, id string, from, to incident.Status) {
	if e.publisher == nil {
		return
	}
	u := Update{IncidentID: id, Status: to, PreviousStatus: from, Timestamp: time.Now().UTC()}
	if inc, err := e.store.Get(ctx, id); err == nil {
		u.Title = inc.Title
		u.Severity = inc.Severity
		u.AttackType = inc.AttackType
		u.SourceIP = inc.SourceIP
		u.TargetIP = inc.TargetIP
		u.Playbook = inc.PlaybookExecuted
		u.Actions = len(inc.Actions)
	}
	subject := core.SubjectIncidents + "." + core.SubjectToken(string(to))
	if err := e.publisher.PublishJSON(subject, u); err != nil {
		e.logger.Warn().Err(err).Str("incident_id", id).Str("subject", subject).Msg("failed to publish incident update")
	}
}
