package incident

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bytefense/soar/internal/core"
)

// Store is the durable record of incidents and their timelines. Every
// mutating call is an atomic read-modify-write on one incident, and every
// read returns a copy.
type Store interface {
	Create(ctx context.Context, in NewIncident) (string, error)
	Get(ctx context.Context, id string) (*Incident, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
	AppendActionOutcome(ctx context.Context, id string, outcome ActionOutcome) error
	SetPlaybook(ctx context.Context, id, name string) error
	AppendTimeline(ctx context.Context, id string, entry TimelineEntry) error
	MergeIndicators(ctx context.Context, id string, indicators []string) error
	AppendNotes(ctx context.Context, id, note string) error
	FindOpenMatching(ctx context.Context, sourceIP, attackType string) (*Incident, error)
	List(ctx context.Context, f Filter) ([]*Incident, error)
	Close() error
}

func validateNew(in NewIncident) error {
	if strings.TrimSpace(in.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidIncident)
	}
	if !in.Severity.Valid() {
		return fmt.Errorf("%w: severity %d out of range", ErrInvalidIncident, in.Severity)
	}
	return nil
}

// Entry builds an automated timeline entry.
func Entry(action, details string) TimelineEntry {
	return TimelineEntry{Action: action, Details: details, Automated: true}
}

// OperatorEntry builds a human timeline entry; these are accepted on
// terminal incidents.
func OperatorEntry(action, details string) TimelineEntry {
	return TimelineEntry{Action: action, Details: details, Automated: false}
}

// clampTimestamp keeps a timeline non-decreasing: a clock reading earlier
// than the previous entry is raised to it.
func clampTimestamp(ts, last time.Time) time.Time {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if ts.Before(last) {
		return last
	}
	return ts
}

// OutcomeDetail formats an outcome for its action_executed timeline entry.
func OutcomeDetail(o ActionOutcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", o.Action, o.Result)
	if o.Target != "" {
		fmt.Fprintf(&b, " target=%s", o.Target)
	}
	if o.Attempts > 1 {
		fmt.Fprintf(&b, " attempts=%d", o.Attempts)
	}
	if o.Detail != "" {
		fmt.Fprintf(&b, " (%s)", o.Detail)
	}
	return b.String()
}

// severityFromDB accepts the stored tier number.
func severityFromDB(n int) core.Severity {
	s := core.Severity(n)
	if !s.Valid() {
		return core.SeverityLow
	}
	return s
}
