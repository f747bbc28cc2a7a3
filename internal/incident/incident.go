package incident

import (
	"fmt"
	"strings"
	"time"

	"github.com/bytefense/soar/internal/core"
)

// Status is the lifecycle state of an incident.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusClosed     Status = "closed"
	StatusUnhandled  Status = "unhandled"
)

// transitions lists the only legal moves. Nothing skips a state and the
// terminal statuses have no exits.
var transitions = map[Status][]Status{
	StatusOpen:       {StatusInProgress, StatusUnhandled},
	StatusInProgress: {StatusResolved},
	StatusResolved:   {StatusClosed},
}

// Terminal reports whether no further automated work may touch the incident.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusUnhandled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusResolved, StatusClosed, StatusUnhandled:
		return true
	}
	return false
}

// ParseStatus accepts a status name in any case.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// CanTransition reports whether from → to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Result classifies an action outcome.
type Result string

const (
	ResultSucceeded       Result = "succeeded"
	ResultFailedRetryable Result = "failed_retryable"
	ResultFailedTerminal  Result = "failed_terminal"
)

// ActionOutcome is the recorded result of one attempted playbook action.
// Executor retries are folded into a single outcome; Attempts counts them.
type ActionOutcome struct {
	Action         core.ActionType `json:"action"`
	Result         Result          `json:"result"`
	Detail         string          `json:"detail"`
	Target         string          `json:"target,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Attempts       int             `json:"attempts"`
	ReversalHandle string          `json:"reversal_handle,omitempty"`
	Location       string          `json:"location,omitempty"`
}

// Succeeded reports whether the action took effect.
func (o ActionOutcome) Succeeded() bool { return o.Result == ResultSucceeded }

// Timeline labels written by the engine and scheduler.
const (
	EventIncidentCreated   = "incident_created"
	EventStatusChanged     = "status_changed"
	EventPlaybookSelected  = "playbook_selected"
	EventNoPlaybookMatch   = "no_playbook_match"
	EventActionExecuted    = "action_executed"
	EventDetectionMerged   = "detection_merged"
	EventReversalScheduled = "reversal_scheduled"
	EventReversalFired     = "reversal_fired"
	EventReversalRetry     = "reversal_retry"
	EventReversalFailed    = "reversal_failed"
	EventReversalSucceeded = "reversal_succeeded"
	EventReversalCancelled = "reversal_cancelled"
	EventAutoClosed        = "auto_closed"
	EventOperatorClosed    = "operator_closed"
	EventAnalystNote       = "analyst_note"
	EventStorageError      = "storage_error"
)

// TimelineEntry is one append-only audit record.
type TimelineEntry struct {
	Seq        int64     `json:"seq"`
	IncidentID string    `json:"incident_id"`
	Timestamp  time.Time `json:"timestamp"`
	Action     string    `json:"action"`
	Details    string    `json:"details"`
	Automated  bool      `json:"automated"`
}

// Incident is the unit of tracked response.
type Incident struct {
	ID               string          `json:"id"`
	Title            string          `json:"title"`
	Description      string          `json:"description"`
	Severity         core.Severity   `json:"severity"`
	Status           Status          `json:"status"`
	SourceIP         string          `json:"source_ip,omitempty"`
	TargetIP         string          `json:"target_ip,omitempty"`
	AttackType       string          `json:"attack_type"`
	Indicators       []string        `json:"indicators"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty"`
	PlaybookExecuted string          `json:"playbook_executed,omitempty"`
	Actions          []ActionOutcome `json:"actions"`
	Notes            string          `json:"notes,omitempty"`
	Timeline         []TimelineEntry `json:"timeline,omitempty"`
}

// Clone returns a deep copy so callers can never mutate store state.
func (i *Incident) Clone() *Incident {
	c := *i
	c.Indicators = append([]string(nil), i.Indicators...)
	c.Actions = append([]ActionOutcome(nil), i.Actions...)
	c.Timeline = append([]TimelineEntry(nil), i.Timeline...)
	if i.ResolvedAt != nil {
		t := *i.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// DedupKey is the (source, attack type) serialization key.
func (i *Incident) DedupKey() string {
	return core.DedupKey(i.SourceIP, i.AttackType)
}

// HasTerminalFailure reports whether any action failed terminally.
func (i *Incident) HasTerminalFailure() bool {
	for _, a := range i.Actions {
		if a.Result == ResultFailedTerminal {
			return true
		}
	}
	return false
}

// HasTimelineEvent reports whether any timeline entry carries the label.
func (i *Incident) HasTimelineEvent(action string) bool {
	for _, e := range i.Timeline {
		if e.Action == action {
			return true
		}
	}
	return false
}

// CountTimeline returns how many entries carry the label.
func (i *Incident) CountTimeline(action string) int {
	n := 0
	for _, e := range i.Timeline {
		if e.Action == action {
			n++
		}
	}
	return n
}

// NewIncident carries the fields accepted by Store.Create.
type NewIncident struct {
	Title       string
	Description string
	Severity    core.Severity
	SourceIP    string
	TargetIP    string
	AttackType  string
	Indicators  []string
}

// FromDetection maps a detection event onto a new incident.
func FromDetection(ev *core.DetectionEvent) NewIncident {
	return NewIncident{
		Title:       ev.Title,
		Description: ev.Description,
		Severity:    ev.Severity,
		SourceIP:    ev.SourceIP,
		TargetIP:    ev.TargetIP,
		AttackType:  ev.AttackType,
		Indicators:  ev.Indicators,
	}
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status      Status
	MinSeverity core.Severity
	AttackType  string
	SourceIP    string
	Since       time.Time
	Until       time.Time
	Limit       int
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	if f.Limit > maxListLimit {
		return maxListLimit
	}
	return f.Limit
}

// Match reports whether inc passes the filter.
func (f Filter) Match(inc *Incident) bool {
	if f.Status != "" && inc.Status != f.Status {
		return false
	}
	if f.MinSeverity != 0 && inc.Severity < f.MinSeverity {
		return false
	}
	if f.AttackType != "" && inc.AttackType != f.AttackType {
		return false
	}
	if f.SourceIP != "" && inc.SourceIP != f.SourceIP {
		return false
	}
	if !f.Since.IsZero() && inc.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !inc.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

// mergeIndicators returns the union of existing and added, keeping the order
// of first appearance and dropping blanks.
func mergeIndicators(existing, added []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(added))
	out := make([]string, 0, len(existing)+len(added))
	for _, list := range [][]string{existing, added} {
		for _, ind := range list {
			ind = strings.TrimSpace(ind)
			if ind == "" {
				continue
			}
			if _, dup := seen[ind]; dup {
				continue
			}
			seen[ind] = struct{}{}
			out = append(out, ind)
		}
	}
	return out
}
