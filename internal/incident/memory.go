package incident

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps incidents in process memory. It backs single-node
// deployments without a database and every engine test.
type MemoryStore struct {
	mu        sync.RWMutex
	incidents map[string]*Incident
	seq       int64
	now       func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		incidents: make(map[string]*Incident),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(_ context.Context, in NewIncident) (string, error) {
	if err := validateNew(in); err != nil {
		return "", err
	}
	now := s.now()
	inc := &Incident{
		ID:          uuid.New().String(),
		Title:       in.Title,
		Description: in.Description,
		Severity:    in.Severity,
		Status:      StatusOpen,
		SourceIP:    in.SourceIP,
		TargetIP:    in.TargetIP,
		AttackType:  in.AttackType,
		Indicators:  mergeIndicators(nil, in.Indicators),
		CreatedAt:   now,
		UpdatedAt:   now,
		Actions:     []ActionOutcome{},
	}

	s.mu.Lock()
	s.incidents[inc.ID] = inc
	s.mu.Unlock()
	return inc.ID, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return inc.Clone(), nil
}

// mutate runs fn on the live incident under the write lock.
func (s *MemoryStore) mutate(id string, fn func(inc *Incident, now time.Time) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	now := s.now()
	if now.Before(inc.CreatedAt) {
		now = inc.CreatedAt
	}
	return fn(inc, now)
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status Status) error {
	return s.mutate(id, func(inc *Incident, now time.Time) error {
		if !CanTransition(inc.Status, status) {
			return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, inc.Status, status)
		}
		inc.Status = status
		inc.UpdatedAt = now
		if status.Terminal() {
			resolved := now
			inc.ResolvedAt = &resolved
		}
		return nil
	})
}

func (s *MemoryStore) AppendActionOutcome(_ context.Context, id string, outcome ActionOutcome) error {
	return s.mutate(id, func(inc *Incident, now time.Time) error {
		if inc.Status.Terminal() {
			return fmt.Errorf("%w: cannot record %s on %s incident %s", ErrTerminal, outcome.Action, inc.Status, id)
		}
		if outcome.Timestamp.IsZero() {
			outcome.Timestamp = now
		}
		inc.Actions = append(inc.Actions, outcome)
		inc.UpdatedAt = now
		return nil
	})
}

func (s *MemoryStore) SetPlaybook(_ context.Context, id, name string) error {
	return s.mutate(id, func(inc *Incident, now time.Time) error {
		if inc.Status.Terminal() {
			return fmt.Errorf("%w: cannot set playbook on %s incident %s", ErrTerminal, inc.Status, id)
		}
		inc.PlaybookExecuted = name
		inc.UpdatedAt = now
		return nil
	})
}

func (s *MemoryStore) AppendTimeline(_ context.Context, id string, entry TimelineEntry) error {
	return s.mutate(id, func(inc *Incident, now time.Time) error {
		if entry.Automated && inc.Status.Terminal() {
			return fmt.Errorf("%w: cannot append %q to %s incident %s", ErrTerminal, entry.Action, inc.Status, id)
		}
		last := inc.CreatedAt
		if n := len(inc.Timeline); n > 0 {
			last = inc.Timeline[n-1].Timestamp
		}
		if entry.Timestamp.IsZero() {
			entry.Timestamp = now
		}
		entry.Timestamp = clampTimestamp(entry.Timestamp, last)
		s.seq++
		entry.Seq = s.seq
		entry.IncidentID = id
		inc.Timeline = append(inc.Timeline, entry)
		inc.UpdatedAt = now
		return nil
	})
}

func (s *MemoryStore) MergeIndicators(_ context.Context, id string, indicators []string) error {
	return s.mutate(id, func(inc *Incident, now time.Time) error {
		if inc.Status.Terminal() {
			return fmt.Errorf("%w: cannot merge into %s incident %s", ErrTerminal, inc.Status, id)
		}
		inc.Indicators = mergeIndicators(inc.Indicators, indicators)
		inc.UpdatedAt = now
		return nil
	})
}

func (s *MemoryStore) AppendNotes(_ context.Context, id, note string) error {
	note = strings.TrimSpace(note)
	if note == "" {
		return nil
	}
	return s.mutate(id, func(inc *Incident, now time.Time) error {
		if inc.Notes == "" {
			inc.Notes = note
		} else {
			inc.Notes += "\n" + note
		}
		inc.UpdatedAt = now
		return nil
	})
}

func (s *MemoryStore) FindOpenMatching(_ context.Context, sourceIP, attackType string) (*Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *Incident
	for _, inc := range s.incidents {
		if inc.Status.Terminal() || inc.SourceIP != sourceIP || inc.AttackType != attackType {
			continue
		}
		if best == nil || inc.CreatedAt.After(best.CreatedAt) {
			best = inc
		}
	}
	if best == nil {
		return nil, nil
	}
	return best.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]*Incident, error) {
	s.mu.RLock()
	out := make([]*Incident, 0)
	for _, inc := range s.incidents {
		if f.Match(inc) {
			c := inc.Clone()
			c.Timeline = nil
			out = append(out, c)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := f.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
