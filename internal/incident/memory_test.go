package incident

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bytefense/soar/internal/core"
)

func newTestIncident() NewIncident {
	return NewIncident{
		Title:      "SSH brute force from 10.0.0.5",
		Severity:   core.SeverityMedium,
		SourceIP:   "10.0.0.5",
		AttackType: "ssh_brute_force",
		Indicators: []string{"failed_password", "user=root"},
	}
}

func mustCreate(t *testing.T, s Store, in NewIncident) string {
	t.Helper()
	id, err := s.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return id
}

func advance(t *testing.T, s Store, id string, path ...Status) {
	t.Helper()
	for _, st := range path {
		if err := s.UpdateStatus(context.Background(), id, st); err != nil {
			t.Fatalf("UpdateStatus(%s): %v", st, err)
		}
	}
}

// ─── State machine ───────────────────────────────────────────────────────────

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusOpen, StatusInProgress, true},
		{StatusOpen, StatusUnhandled, true},
		{StatusInProgress, StatusResolved, true},
		{StatusResolved, StatusClosed, true},
		{StatusOpen, StatusResolved, false},
		{StatusOpen, StatusClosed, false},
		{StatusInProgress, StatusClosed, false},
		{StatusInProgress, StatusUnhandled, false},
		{StatusClosed, StatusOpen, false},
		{StatusUnhandled, StatusInProgress, false},
		{StatusResolved, StatusInProgress, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus(" In_Progress ")
	if err != nil || st != StatusInProgress {
		t.Fatalf("ParseStatus = %q, %v", st, err)
	}
	if _, err := ParseStatus("pending"); err == nil {
		t.Error("unknown status should fail")
	}
}

// ─── MemoryStore lifecycle ───────────────────────────────────────────────────

func TestMemoryStore_CreateDefaults(t *testing.T) {
	s := NewMemoryStore()
	id := mustCreate(t, s, newTestIncident())

	inc, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if inc.Status != StatusOpen {
		t.Errorf("status = %s, want open", inc.Status)
	}
	if inc.ResolvedAt != nil {
		t.Error("resolved_at must be unset on a new incident")
	}
	if inc.PlaybookExecuted != "" {
		t.Error("playbook must be unset before any action")
	}
	if inc.UpdatedAt.Before(inc.CreatedAt) {
		t.Error("updated_at before created_at")
	}
	if len(inc.Indicators) != 2 {
		t.Errorf("indicators = %v", inc.Indicators)
	}
}

func TestMemoryStore_CreateRejectsInvalid(t *testing.T) {
	s := NewMemoryStore()
	in := newTestIncident()
	in.Title = "  "
	if _, err := s.Create(context.Background(), in); !errors.Is(err, ErrInvalidIncident) {
		t.Errorf("blank title: err = %v", err)
	}
	in = newTestIncident()
	in.Severity = 9
	if _, err := s.Create(context.Background(), in); !errors.Is(err, ErrInvalidIncident) {
		t.Errorf("bad severity: err = %v", err)
	}
}

func TestMemoryStore_GetUnknown(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := s.UpdateStatus(context.Background(), "nope", StatusInProgress); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateStatus err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_ResolvedAtOnlyWhenTerminal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := mustCreate(t, s, newTestIncident())

	advance(t, s, id, StatusInProgress, StatusResolved)
	inc, _ := s.Get(ctx, id)
	if inc.ResolvedAt != nil {
		t.Error("resolved is not terminal; resolved_at must stay unset")
	}

	advance(t, s, id, StatusClosed)
	inc, _ = s.Get(ctx, id)
	if inc.ResolvedAt == nil {
		t.Fatal("closed incident must have resolved_at")
	}
	if inc.ResolvedAt.Before(inc.CreatedAt) {
		t.Error("resolved_at before created_at")
	}
}

func TestMemoryStore_InvalidTransition(t *testing.T) {
	s := NewMemoryStore()
	id := mustCreate(t, s, newTestIncident())
	err := s.UpdateStatus(context.Background(), id, StatusClosed)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("open → closed: err = %v", err)
	}
	inc, _ := s.Get(context.Background(), id)
	if inc.Status != StatusOpen {
		t.Errorf("status changed to %s after rejected transition", inc.Status)
	}
}

func TestMemoryStore_TerminalRejectsAutomatedWork(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := mustCreate(t, s, newTestIncident())
	advance(t, s, id, StatusUnhandled)

	if err := s.AppendActionOutcome(ctx, id, ActionOutcome{Action: core.ActionBlockSource, Result: ResultSucceeded}); !errors.Is(err, ErrTerminal) {
		t.Errorf("AppendActionOutcome err = %v", err)
	}
	if err := s.SetPlaybook(ctx, id, "x"); !errors.Is(err, ErrTerminal) {
		t.Errorf("SetPlaybook err = %v", err)
	}
	if err := s.AppendTimeline(ctx, id, Entry(EventActionExecuted, "late")); !errors.Is(err, ErrTerminal) {
		t.Errorf("automated AppendTimeline err = %v", err)
	}
	if err := s.MergeIndicators(ctx, id, []string{"x"}); !errors.Is(err, ErrTerminal) {
		t.Errorf("MergeIndicators err = %v", err)
	}

	if err := s.AppendTimeline(ctx, id, OperatorEntry(EventAnalystNote, "false positive")); err != nil {
		t.Errorf("operator entry on terminal incident: %v", err)
	}
	if err := s.AppendNotes(ctx, id, "false positive"); err != nil {
		t.Errorf("notes on terminal incident: %v", err)
	}
}

// ─── Actions & timeline ──────────────────────────────────────────────────────

func TestMemoryStore_ActionHistoryAppendOnly(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := mustCreate(t, s, newTestIncident())
	advance(t, s, id, StatusInProgress)

	first := ActionOutcome{Action: core.ActionNotify, Result: ResultFailedRetryable, Detail: "gateway 503"}
	second := ActionOutcome{Action: core.ActionNotify, Result: ResultSucceeded}
	if err := s.AppendActionOutcome(ctx, id, first); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendActionOutcome(ctx, id, second); err != nil {
		t.Fatal(err)
	}

	inc, _ := s.Get(ctx, id)
	if len(inc.Actions) != 2 {
		t.Fatalf("actions = %d, want 2", len(inc.Actions))
	}
	if inc.Actions[0].Result != ResultFailedRetryable || inc.Actions[1].Result != ResultSucceeded {
		t.Errorf("history reordered or overwritten: %+v", inc.Actions)
	}
	if inc.Actions[0].Timestamp.IsZero() {
		t.Error("outcome timestamp should default to now")
	}
}

func TestMemoryStore_TimelineMonotonic(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := mustCreate(t, s, newTestIncident())

	base := time.Now().UTC().Add(time.Hour)
	entries := []time.Time{base, base.Add(-time.Minute), base.Add(time.Second), base.Add(-time.Hour)}
	for i, ts := range entries {
		e := Entry(EventStatusChanged, fmt.Sprintf("entry %d", i))
		e.Timestamp = ts
		if err := s.AppendTimeline(ctx, id, e); err != nil {
			t.Fatal(err)
		}
	}

	inc, _ := s.Get(ctx, id)
	for i := 1; i < len(inc.Timeline); i++ {
		if inc.Timeline[i].Timestamp.Before(inc.Timeline[i-1].Timestamp) {
			t.Errorf("entry %d at %v precedes entry %d at %v", i, inc.Timeline[i].Timestamp, i-1, inc.Timeline[i-1].Timestamp)
		}
		if inc.Timeline[i].Seq <= inc.Timeline[i-1].Seq {
			t.Error("sequence numbers must increase")
		}
	}
	if inc.Timeline[0].Details != "entry 0" || inc.Timeline[3].Details != "entry 3" {
		t.Error("timeline order must match append order")
	}
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := mustCreate(t, s, newTestIncident())

	inc, _ := s.Get(ctx, id)
	inc.Status = StatusClosed
	inc.Indicators[0] = "tampered"

	again, _ := s.Get(ctx, id)
	if again.Status != StatusOpen || again.Indicators[0] == "tampered" {
		t.Error("mutating a snapshot leaked into the store")
	}
}

func TestMemoryStore_MergeIndicators(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := mustCreate(t, s, newTestIncident())

	if err := s.MergeIndicators(ctx, id, []string{"user=root", "user=admin", ""}); err != nil {
		t.Fatal(err)
	}
	inc, _ := s.Get(ctx, id)
	want := []string{"failed_password", "user=root", "user=admin"}
	if fmt.Sprint(inc.Indicators) != fmt.Sprint(want) {
		t.Errorf("indicators = %v, want %v", inc.Indicators, want)
	}
}

func TestMemoryStore_AppendNotes(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := mustCreate(t, s, newTestIncident())
	_ = s.AppendNotes(ctx, id, "first")
	_ = s.AppendNotes(ctx, id, "   ")
	_ = s.AppendNotes(ctx, id, "second")
	inc, _ := s.Get(ctx, id)
	if inc.Notes != "first\nsecond" {
		t.Errorf("notes = %q", inc.Notes)
	}
}

// ─── Queries ─────────────────────────────────────────────────────────────────

func TestMemoryStore_FindOpenMatching(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if got, err := s.FindOpenMatching(ctx, "10.0.0.5", "ssh_brute_force"); err != nil || got != nil {
		t.Fatalf("empty store: %v, %v", got, err)
	}

	old := mustCreate(t, s, newTestIncident())
	advance(t, s, old, StatusInProgress, StatusResolved, StatusClosed)

	current := mustCreate(t, s, newTestIncident())
	advance(t, s, current, StatusInProgress, StatusResolved)

	other := newTestIncident()
	other.SourceIP = "10.0.0.6"
	mustCreate(t, s, other)

	got, err := s.FindOpenMatching(ctx, "10.0.0.5", "ssh_brute_force")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != current {
		t.Fatalf("matched %v, want the resolved non-terminal incident %s", got, current)
	}
}

func TestMemoryStore_ListFilterAndOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { clock = clock.Add(time.Second); return clock }

	low := newTestIncident()
	low.Severity = core.SeverityLow
	idLow := mustCreate(t, s, low)

	high := newTestIncident()
	high.Severity = core.SeverityHigh
	high.AttackType = "malware_signature"
	idHigh := mustCreate(t, s, high)

	crit := newTestIncident()
	crit.Severity = core.SeverityCritical
	idCrit := mustCreate(t, s, crit)
	advance(t, s, idCrit, StatusUnhandled)

	all, _ := s.List(ctx, Filter{})
	if len(all) != 3 || all[0].ID != idCrit || all[2].ID != idLow {
		t.Fatalf("List order wrong: %d results", len(all))
	}
	if all[0].Timeline != nil {
		t.Error("List should not carry timelines")
	}

	got, _ := s.List(ctx, Filter{MinSeverity: core.SeverityHigh})
	if len(got) != 2 {
		t.Errorf("min severity high: %d results", len(got))
	}
	got, _ = s.List(ctx, Filter{Status: StatusUnhandled})
	if len(got) != 1 || got[0].ID != idCrit {
		t.Errorf("status filter: %v", got)
	}
	got, _ = s.List(ctx, Filter{AttackType: "malware_signature"})
	if len(got) != 1 || got[0].ID != idHigh {
		t.Errorf("attack filter: %v", got)
	}
	got, _ = s.List(ctx, Filter{Limit: 1})
	if len(got) != 1 {
		t.Errorf("limit: %d results", len(got))
	}
	got, _ = s.List(ctx, Filter{Since: time.Date(2026, 1, 1, 0, 0, 2, 0, time.UTC)})
	if len(got) != 2 {
		t.Errorf("since: %d results", len(got))
	}
}

func TestMemoryStore_ConcurrentAppends(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := mustCreate(t, s, newTestIncident())
	advance(t, s, id, StatusInProgress)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.AppendActionOutcome(ctx, id, ActionOutcome{Action: core.ActionNotify, Result: ResultSucceeded, Detail: fmt.Sprint(i)})
			_ = s.AppendTimeline(ctx, id, Entry(EventActionExecuted, fmt.Sprint(i)))
		}(i)
	}
	wg.Wait()

	inc, _ := s.Get(ctx, id)
	if len(inc.Actions) != 50 || inc.CountTimeline(EventActionExecuted) != 50 {
		t.Errorf("lost updates: %d actions, %d entries", len(inc.Actions), len(inc.Timeline))
	}
}

func TestOutcomeDetail(t *testing.T) {
	got := OutcomeDetail(ActionOutcome{Action: core.ActionBlockSource, Result: ResultSucceeded, Target: "10.0.0.5", Attempts: 3})
	want := "block_source: succeeded target=10.0.0.5 attempts=3"
	if got != want {
		t.Errorf("OutcomeDetail = %q, want %q", got, want)
	}
}
