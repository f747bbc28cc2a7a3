package playbook

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bytefense/soar/internal/core"
)

// ErrNoPlaybookMatch means no playbook qualifies for an attack type and
// severity. The engine treats it as non-fatal and marks the incident unhandled.
var ErrNoPlaybookMatch = errors.New("no playbook matches")

// ErrInvalidPlaybook is returned when a playbook fails validation.
var ErrInvalidPlaybook = errors.New("invalid playbook")

// Playbook is a named, read-only response template.
type Playbook struct {
	Name        string
	Description string
	Triggers    []string
	MinSeverity core.Severity
	Actions     []Action
}

// Matches reports whether the playbook qualifies for the detection.
func (p *Playbook) Matches(attackType string, severity core.Severity) bool {
	if severity < p.MinSeverity {
		return false
	}
	for _, t := range p.Triggers {
		if t == attackType {
			return true
		}
	}
	return false
}

// Validate checks the structural rules every loaded playbook must satisfy.
func (p *Playbook) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPlaybook)
	}
	if len(p.Triggers) == 0 {
		return fmt.Errorf("%w: %q has no triggers", ErrInvalidPlaybook, p.Name)
	}
	for _, t := range p.Triggers {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("%w: %q has an empty trigger", ErrInvalidPlaybook, p.Name)
		}
	}
	if !p.MinSeverity.Valid() {
		return fmt.Errorf("%w: %q has invalid min_severity %d", ErrInvalidPlaybook, p.Name, p.MinSeverity)
	}
	if len(p.Actions) == 0 {
		return fmt.Errorf("%w: %q has no actions", ErrInvalidPlaybook, p.Name)
	}
	for i, a := range p.Actions {
		if a == nil {
			return fmt.Errorf("%w: %q action %d is empty", ErrInvalidPlaybook, p.Name, i)
		}
		if _, d, _ := a.Reversal(); d < 0 {
			return fmt.Errorf("%w: %q action %d (%s) has a negative duration", ErrInvalidPlaybook, p.Name, i, a.Type())
		}
	}
	return nil
}

// Registry is the static playbook catalog. Registration order is the tie
// breaker for selection.
type Registry struct {
	mu        sync.RWMutex
	playbooks []*Playbook
	byName    map[string]*Playbook
}

// NewRegistry builds a registry from playbooks in the given order.
func NewRegistry(playbooks ...*Playbook) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Playbook)}
	for _, p := range playbooks {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register appends a playbook. Names must be unique.
func (r *Registry) Register(p *Playbook) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[p.Name]; exists {
		return fmt.Errorf("%w: duplicate name %q", ErrInvalidPlaybook, p.Name)
	}
	r.playbooks = append(r.playbooks, p)
	r.byName[p.Name] = p
	return nil
}

// SelectFor picks the qualifying playbook with the highest minimum severity.
// Ties go to the earliest registered.
func (r *Registry) SelectFor(attackType string, severity core.Severity) (*Playbook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *Playbook
	for _, p := range r.playbooks {
		if !p.Matches(attackType, severity) {
			continue
		}
		if best == nil || p.MinSeverity > best.MinSeverity {
			best = p
		}
	}
	return best, best != nil
}

// Select is SelectFor with ErrNoPlaybookMatch for the miss case.
func (r *Registry) Select(attackType string, severity core.Severity) (*Playbook, error) {
	p, ok := r.SelectFor(attackType, severity)
	if !ok {
		return nil, fmt.Errorf("%w: attack_type=%s severity=%s", ErrNoPlaybookMatch, attackType, severity)
	}
	return p, nil
}

// Get returns a playbook by name.
func (r *Registry) Get(name string) (*Playbook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}

// All returns the playbooks in registration order.
func (r *Registry) All() []*Playbook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Playbook(nil), r.playbooks...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.playbooks)
}

// Replace swaps in the contents of next. Selections already made keep the
// playbook they got.
func (r *Registry) Replace(next *Registry) {
	pbs := next.All()
	byName := make(map[string]*Playbook, len(pbs))
	for _, p := range pbs {
		byName[p.Name] = p
	}
	r.mu.Lock()
	r.playbooks = pbs
	r.byName = byName
	r.mu.Unlock()
}
