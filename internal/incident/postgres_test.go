package incident

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bytefense/soar/internal/core"
)

// openTestPostgres connects to SOAR_TEST_POSTGRES_DSN or skips.
func openTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("SOAR_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SOAR_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := OpenPostgres(ctx, core.StoreConfig{Driver: "postgres", DSN: dsn, MaxOpenConns: 8, Migrate: true})
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresStore_Lifecycle(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()

	in := newTestIncident()
	in.SourceIP = "198.51.100." + time.Now().Format("05")
	id := mustCreate(t, s, in)

	advance(t, s, id, StatusInProgress)
	if err := s.SetPlaybook(ctx, id, "SSH Brute Force Response"); err != nil {
		t.Fatal(err)
	}
	outcome := ActionOutcome{Action: core.ActionBlockSource, Result: ResultSucceeded, Target: in.SourceIP, Attempts: 1}
	if err := s.AppendActionOutcome(ctx, id, outcome); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendTimeline(ctx, id, Entry(EventActionExecuted, OutcomeDetail(outcome))); err != nil {
		t.Fatal(err)
	}
	if err := s.MergeIndicators(ctx, id, []string{"user=admin", "user=root"}); err != nil {
		t.Fatal(err)
	}
	advance(t, s, id, StatusResolved)

	found, err := s.FindOpenMatching(ctx, in.SourceIP, in.AttackType)
	if err != nil || found == nil || found.ID != id {
		t.Fatalf("FindOpenMatching = %v, %v", found, err)
	}

	advance(t, s, id, StatusClosed)
	inc, err := s.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if inc.Status != StatusClosed || inc.ResolvedAt == nil {
		t.Errorf("status %s resolved_at %v", inc.Status, inc.ResolvedAt)
	}
	if inc.PlaybookExecuted != "SSH Brute Force Response" {
		t.Errorf("playbook = %q", inc.PlaybookExecuted)
	}
	if len(inc.Actions) != 1 || inc.Actions[0].Target != in.SourceIP {
		t.Errorf("actions = %+v", inc.Actions)
	}
	if len(inc.Indicators) != 3 {
		t.Errorf("indicators = %v", inc.Indicators)
	}
	if inc.CountTimeline(EventActionExecuted) != 1 {
		t.Errorf("timeline = %+v", inc.Timeline)
	}

	if err := s.AppendActionOutcome(ctx, id, outcome); !errors.Is(err, ErrTerminal) {
		t.Errorf("append on closed: err = %v", err)
	}
	if err := s.UpdateStatus(ctx, id, StatusOpen); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("closed → open: err = %v", err)
	}
	if found, _ := s.FindOpenMatching(ctx, in.SourceIP, in.AttackType); found != nil && found.ID == id {
		t.Error("closed incident must not match")
	}
}

func TestPostgresStore_NotFound(t *testing.T) {
	s := openTestPostgres(t)
	if _, err := s.Get(context.Background(), "00000000-0000-0000-0000-000000000000"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestPostgresStore_ConcurrentOutcomes(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()
	id := mustCreate(t, s, newTestIncident())
	advance(t, s, id, StatusInProgress)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.AppendActionOutcome(ctx, id, ActionOutcome{Action: core.ActionNotify, Result: ResultSucceeded})
		}()
	}
	wg.Wait()

	inc, err := s.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(inc.Actions) != 20 {
		t.Errorf("actions = %d, want 20", len(inc.Actions))
	}
}

func TestClassify(t *testing.T) {
	if err := classify(context.DeadlineExceeded); !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("deadline: %v", err)
	}
	plain := errors.New("syntax error")
	if err := classify(plain); errors.Is(err, ErrStorageUnavailable) {
		t.Error("plain errors are not availability failures")
	}
}
