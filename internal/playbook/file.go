package playbook

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bytefense/soar/internal/core"
)

// File is the on-disk playbook document.
type File struct {
	Playbooks []Spec `yaml:"playbooks" json:"playbooks"`
}

// Spec is the serializable form of a Playbook.
type Spec struct {
	Name        string        `yaml:"name" json:"name"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	Triggers    []string      `yaml:"triggers" json:"triggers"`
	MinSeverity core.Severity `yaml:"min_severity" json:"min_severity"`
	Actions     []ActionSpec  `yaml:"actions" json:"actions"`
}

// ActionSpec is the serializable form of an Action. Only the fields that
// apply to Type are read.
type ActionSpec struct {
	Type     core.ActionType `yaml:"type" json:"type"`
	Duration time.Duration   `yaml:"duration,omitempty" json:"duration,omitempty"`
	Scope    string          `yaml:"scope,omitempty" json:"scope,omitempty"`
	Channel  string          `yaml:"channel,omitempty" json:"channel,omitempty"`
}

// Load returns the registry for a playbook file, or the built-in catalog
// when path is empty.
func Load(path string) (*Registry, error) {
	if path == "" {
		return DefaultRegistry()
	}
	pbs, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return NewRegistry(pbs...)
}

// LoadFile reads and validates a YAML playbook file.
func LoadFile(path string) ([]*Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading playbooks: %w", err)
	}
	pbs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pbs, nil
}

// Parse decodes a YAML playbook document.
func Parse(data []byte) ([]*Playbook, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlaybook, err)
	}
	if len(f.Playbooks) == 0 {
		return nil, fmt.Errorf("%w: no playbooks defined", ErrInvalidPlaybook)
	}
	var errs []error
	seen := make(map[string]bool)
	out := make([]*Playbook, 0, len(f.Playbooks))
	for i, spec := range f.Playbooks {
		p, err := spec.Build()
		if err != nil {
			errs = append(errs, fmt.Errorf("playbook %d: %w", i, err))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("playbook %d: %w: duplicate name %q", i, ErrInvalidPlaybook, p.Name))
			continue
		}
		seen[p.Name] = true
		out = append(out, p)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// Build converts the spec into a validated Playbook.
func (s Spec) Build() (*Playbook, error) {
	p := &Playbook{
		Name:        s.Name,
		Description: s.Description,
		Triggers:    append([]string(nil), s.Triggers...),
		MinSeverity: s.MinSeverity,
	}
	if p.MinSeverity == 0 {
		p.MinSeverity = core.SeverityLow
	}
	for i, as := range s.Actions {
		a, err := as.Build()
		if err != nil {
			return nil, fmt.Errorf("%q action %d: %w", s.Name, i, err)
		}
		p.Actions = append(p.Actions, a)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Build converts the spec into a concrete Action.
func (s ActionSpec) Build() (Action, error) {
	if s.Duration < 0 {
		return nil, fmt.Errorf("%w: negative duration %s", ErrInvalidPlaybook, s.Duration)
	}
	switch s.Type {
	case core.ActionBlockSource:
		scope := BlockScope(s.Scope)
		switch scope {
		case "":
			scope = ScopeHost
		case ScopeHost, ScopeNetwork:
		default:
			return nil, fmt.Errorf("%w: unknown block scope %q", ErrInvalidPlaybook, s.Scope)
		}
		return BlockSource{Duration: s.Duration, Scope: scope}, nil
	case core.ActionIsolateTarget:
		return IsolateTarget{}, nil
	case core.ActionNotify:
		ch := Channel(s.Channel)
		switch ch {
		case "":
			ch = ChannelEmail
		case ChannelEmail, ChannelSMS, ChannelPhone, ChannelWebhook, ChannelAll:
		default:
			return nil, fmt.Errorf("%w: unknown notify channel %q", ErrInvalidPlaybook, s.Channel)
		}
		return Notify{Channel: ch}, nil
	case core.ActionCollectEvidence:
		scope := EvidenceScope(s.Scope)
		switch scope {
		case "":
			scope = EvidenceLogs
		case EvidenceLogs, EvidenceForensics, EvidenceFull:
		default:
			return nil, fmt.Errorf("%w: unknown evidence scope %q", ErrInvalidPlaybook, s.Scope)
		}
		return CollectEvidence{Scope: scope}, nil
	case core.ActionRateLimit:
		return RateLimit{Duration: s.Duration}, nil
	case core.ActionIncreaseMonitoring:
		return IncreaseMonitoring{Duration: s.Duration}, nil
	case core.ActionScanNetwork:
		return ScanNetwork{}, nil
	case core.ActionUpdateSignatures:
		return UpdateSignatures{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown action type %q", ErrInvalidPlaybook, s.Type)
	}
}

// SpecOf converts a Playbook back to its serializable form.
func SpecOf(p *Playbook) Spec {
	s := Spec{
		Name:        p.Name,
		Description: p.Description,
		Triggers:    append([]string(nil), p.Triggers...),
		MinSeverity: p.MinSeverity,
	}
	for _, a := range p.Actions {
		as := ActionSpec{Type: a.Type()}
		switch v := a.(type) {
		case BlockSource:
			as.Duration, as.Scope = v.Duration, string(v.Scope)
		case Notify:
			as.Channel = string(v.Channel)
		case CollectEvidence:
			as.Scope = string(v.Scope)
		case RateLimit:
			as.Duration = v.Duration
		case IncreaseMonitoring:
			as.Duration = v.Duration
		}
		s.Actions = append(s.Actions, as)
	}
	return s
}

// Marshal renders playbooks as a YAML document accepted by Parse.
func Marshal(pbs []*Playbook) ([]byte, error) {
	f := File{Playbooks: make([]Spec, 0, len(pbs))}
	for _, p := range pbs {
		f.Playbooks = append(f.Playbooks, SpecOf(p))
	}
	return yaml.Marshal(f)
}
