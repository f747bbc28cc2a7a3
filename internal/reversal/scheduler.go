// Package reversal undoes time-bounded actions when they expire.
package reversal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bytefense/soar/internal/core"
	"github.com/bytefense/soar/internal/incident"
	"github.com/bytefense/soar/internal/keylock"
)

var (
	// ErrRaceLost means the reversal fired before it could be cancelled.
	ErrRaceLost = errors.New("reversal already fired")
	// ErrUnknownHandle is returned for a handle the scheduler never issued
	// or has forgotten.
	ErrUnknownHandle = errors.New("unknown reversal handle")
)

// State is the lifecycle of one scheduled reversal.
type State int32

const (
	StatePending State = iota
	StateFired
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFired:
		return "fired"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Entry describes one scheduled reversal.
type Entry struct {
	Handle      string          `json:"handle"`
	IncidentID  string          `json:"incident_id"`
	Target      string          `json:"target"`
	Action      core.ActionType `json:"action"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	DueAt       time.Time       `json:"due_at"`
	State       State           `json:"state"`
}

// Reverser performs a reversal action. *action.Executor satisfies it.
type Reverser interface {
	Reverse(ctx context.Context, kind core.ActionType, incidentID, target string) error
}

// SettleFunc runs after a fired reversal has finished, with the incident
// lock still held. It must not take that lock again.
type SettleFunc func(ctx context.Context, e Entry, ok bool)

type tracked struct {
	entry Entry
	state atomic.Int32
	timer *time.Timer
}

// finishedCap bounds how many fired or cancelled handles are remembered for
// ErrRaceLost reporting.
const finishedCap = 4096

// Scheduler keeps one timer per time-bounded action. Each entry leaves the
// pending state exactly once, by firing or by cancellation, decided by a
// compare-and-swap on its state.
type Scheduler struct {
	mu       sync.Mutex
	entries  map[string]*tracked
	finished map[string]State
	inflight map[string]int // fired but not yet settled, per incident
	stopped  bool

	store      incident.Store
	locker     keylock.Locker
	reverser   Reverser
	settle     SettleFunc
	retryDelay time.Duration
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler. Fired reversals are timelined on store
// under locker's incident key.
func NewScheduler(cfg core.ReversalConfig, store incident.Store, locker keylock.Locker, reverser Reverser, logger zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = 30 * time.Second
	}
	return &Scheduler{
		entries:    make(map[string]*tracked),
		finished:   make(map[string]State),
		inflight:   make(map[string]int),
		store:      store,
		locker:     locker,
		reverser:   reverser,
		retryDelay: delay,
		logger:     logger.With().Str("component", "reversal_scheduler").Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// OnSettle registers the hook run after every fired reversal.
func (s *Scheduler) OnSettle(fn SettleFunc) {
	s.mu.Lock()
	s.settle = fn
	s.mu.Unlock()
}

// Schedule arranges for action to run against target after d and returns
// the entry's handle.
func (s *Scheduler) Schedule(incidentID, target string, action core.ActionType, d time.Duration) (string, error) {
	now := time.Now().UTC()
	t := &tracked{entry: Entry{
		Handle:      uuid.New().String(),
		IncidentID:  incidentID,
		Target:      target,
		Action:      action,
		ScheduledAt: now,
		DueAt:       now.Add(d),
	}}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return "", fmt.Errorf("schedule %s for %s: scheduler stopped", action, incidentID)
	}
	s.entries[t.entry.Handle] = t
	t.timer = time.AfterFunc(d, func() { s.fire(t) })

	s.logger.Debug().
		Str("handle", t.entry.Handle).
		Str("incident_id", incidentID).
		Str("action", string(action)).
		Str("target", target).
		Time("due_at", t.entry.DueAt).
		Msg("reversal scheduled")
	return t.entry.Handle, nil
}

// Cancel withdraws a pending reversal. A reversal that already fired
// reports ErrRaceLost.
func (s *Scheduler) Cancel(handle string) error {
	s.mu.Lock()
	t, ok := s.entries[handle]
	if !ok {
		st, known := s.finished[handle]
		s.mu.Unlock()
		switch {
		case !known:
			return ErrUnknownHandle
		case st == StateFired:
			return ErrRaceLost
		default:
			return nil
		}
	}
	s.mu.Unlock()

	if !t.state.CompareAndSwap(int32(StatePending), int32(StateCancelled)) {
		return ErrRaceLost
	}
	t.timer.Stop()
	s.forget(t, StateCancelled)
	s.logger.Info().Str("handle", handle).Str("incident_id", t.entry.IncidentID).Msg("reversal cancelled")
	return nil
}

// CancelIncident withdraws every pending reversal of one incident and
// returns the ones it cancelled.
func (s *Scheduler) CancelIncident(incidentID string) []Entry {
	var out []Entry
	for _, e := range s.PendingFor(incidentID) {
		if err := s.Cancel(e.Handle); err == nil {
			e.State = StateCancelled
			out = append(out, e)
		}
	}
	return out
}

// Lookup returns the entry for a pending handle.
func (s *Scheduler) Lookup(handle string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.entries[handle]
	if !ok {
		return Entry{}, false
	}
	return t.snapshot(), true
}

// Pending lists every pending reversal, soonest first.
func (s *Scheduler) Pending() []Entry {
	return s.collect(func(*tracked) bool { return true })
}

// PendingFor lists the pending reversals of one incident, soonest first.
func (s *Scheduler) PendingFor(incidentID string) []Entry {
	return s.collect(func(t *tracked) bool { return t.entry.IncidentID == incidentID })
}

// Outstanding counts an incident's reversals that are pending or firing.
func (s *Scheduler) Outstanding(incidentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.inflight[incidentID]
	for _, t := range s.entries {
		if t.entry.IncidentID == incidentID && State(t.state.Load()) == StatePending {
			n++
		}
	}
	return n
}

// Firing counts an incident's reversals that have fired but not settled,
// including those waiting out their retry delay.
func (s *Scheduler) Firing(incidentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[incidentID]
}

func (s *Scheduler) collect(keep func(*tracked) bool) []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for _, t := range s.entries {
		if keep(t) && State(t.state.Load()) == StatePending {
			out = append(out, t.snapshot())
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].Handle < out[j].Handle
		}
		return out[i].DueAt.Before(out[j].DueAt)
	})
	return out
}

func (t *tracked) snapshot() Entry {
	e := t.entry
	e.State = State(t.state.Load())
	return e
}

func (s *Scheduler) forget(t *tracked, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, t.entry.Handle)
	if len(s.finished) >= finishedCap {
		for h := range s.finished {
			delete(s.finished, h)
			if len(s.finished) < finishedCap/2 {
				break
			}
		}
	}
	s.finished[t.entry.Handle] = st
}

// fire runs on the entry's timer goroutine.
func (s *Scheduler) fire(t *tracked) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	settle := s.settle
	s.mu.Unlock()
	defer s.wg.Done()

	e := t.entry
	log := s.logger.With().Str("handle", e.Handle).Str("incident_id", e.IncidentID).Str("action", string(e.Action)).Logger()

	unlock, err := s.locker.Lock(s.ctx, keylock.IncidentKey(e.IncidentID))
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		// lock backend unavailable: try again later, entry stays pending
		log.Error().Err(err).Dur("retry_in", s.retryDelay).Msg("cannot lock incident for reversal")
		t.timer.Reset(s.retryDelay)
		return
	}

	if !t.state.CompareAndSwap(int32(StatePending), int32(StateFired)) {
		unlock()
		return
	}
	s.forget(t, StateFired)
	e.State = StateFired
	s.mu.Lock()
	s.inflight[e.IncidentID]++
	s.mu.Unlock()
	landed := false
	land := func() {
		if landed {
			return
		}
		landed = true
		s.mu.Lock()
		if s.inflight[e.IncidentID]--; s.inflight[e.IncidentID] <= 0 {
			delete(s.inflight, e.IncidentID)
		}
		s.mu.Unlock()
	}
	defer land()

	s.record(log, e.IncidentID, incident.Entry(incident.EventReversalFired,
		fmt.Sprintf("%s %s (handle %s)", e.Action, e.Target, e.Handle)))

	err = s.reverser.Reverse(s.ctx, e.Action, e.IncidentID, e.Target)
	if err != nil {
		log.Warn().Err(err).Dur("retry_in", s.retryDelay).Msg("reversal failed, retrying once")
		s.record(log, e.IncidentID, incident.Entry(incident.EventReversalRetry,
			fmt.Sprintf("%s %s failed: %v; retrying in %s", e.Action, e.Target, err, s.retryDelay)))

		// the incident stays usable while waiting
		unlock()
		if !sleepContext(s.ctx, s.retryDelay) {
			log.Error().Msg("scheduler stopped before reversal retry, manual follow-up required")
			return
		}
		unlock, err = s.locker.Lock(s.ctx, keylock.IncidentKey(e.IncidentID))
		if err != nil {
			log.Error().Err(err).Msg("cannot relock incident for reversal retry, manual follow-up required")
			return
		}
		err = s.reverser.Reverse(s.ctx, e.Action, e.IncidentID, e.Target)
	}
	defer unlock()

	if err != nil {
		log.Error().Err(err).Msg("reversal failed twice, manual follow-up required")
		s.record(log, e.IncidentID, incident.Entry(incident.EventReversalFailed,
			fmt.Sprintf("%s %s failed after retry: %v; manual follow-up required", e.Action, e.Target, err)))
	} else {
		log.Info().Str("target", e.Target).Msg("reversal completed")
		s.record(log, e.IncidentID, incident.Entry(incident.EventReversalSucceeded,
			fmt.Sprintf("%s %s", e.Action, e.Target)))
	}

	land()
	if settle != nil {
		settle(s.ctx, e, err == nil)
	}
}

func (s *Scheduler) record(log zerolog.Logger, incidentID string, entry incident.TimelineEntry) {
	err := s.store.AppendTimeline(s.ctx, incidentID, entry)
	switch {
	case err == nil:
	case errors.Is(err, incident.ErrTerminal):
		log.Warn().Str("event", entry.Action).Str("details", entry.Details).Msg("incident closed while reversal was in flight, entry not timelined")
	default:
		log.Error().Err(err).Str("event", entry.Action).Str("details", entry.Details).Msg("failed to timeline reversal")
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Stop halts every timer and waits for in-flight reversals. Reversals still
// pending are logged so an operator can undo them by hand.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, t := range s.entries {
		t.timer.Stop()
		if State(t.state.Load()) == StatePending {
			s.logger.Warn().
				Str("handle", t.entry.Handle).
				Str("incident_id", t.entry.IncidentID).
				Str("action", string(t.entry.Action)).
				Str("target", t.entry.Target).
				Time("due_at", t.entry.DueAt).
				Msg("pending reversal dropped at shutdown")
		}
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
