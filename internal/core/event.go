package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Severity is the ordered severity tier of a detection event or incident.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Valid reports whether s is one of the four defined tiers.
func (s Severity) Valid() bool {
	return s >= SeverityLow && s <= SeverityCritical
}

// ParseSeverity accepts a tier name in any case or its numeric value (1-4).
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "1":
		return SeverityLow, nil
	case "medium", "med", "2":
		return SeverityMedium, nil
	case "high", "3":
		return SeverityHigh, nil
	case "critical", "crit", "4":
		return SeverityCritical, nil
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts either the tier name or its number.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		var n int
		if numErr := json.Unmarshal(data, &n); numErr != nil {
			return fmt.Errorf("severity must be a string or number: %w", err)
		}
		str = strconv.Itoa(n)
	}
	parsed, err := ParseSeverity(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s Severity) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

func (s *Severity) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseSeverity(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*s = parsed
	return nil
}

// ActionType names a mitigation action or the reversal of one.
type ActionType string

const (
	ActionBlockSource        ActionType = "block_source"
	ActionIsolateTarget      ActionType = "isolate_target"
	ActionNotify             ActionType = "notify"
	ActionCollectEvidence    ActionType = "collect_evidence"
	ActionRateLimit          ActionType = "rate_limit"
	ActionIncreaseMonitoring ActionType = "increase_monitoring"
	ActionScanNetwork        ActionType = "scan_network"
	ActionUpdateSignatures   ActionType = "update_signatures"

	// Reversal actions, scheduled when a time-bounded action succeeds.
	ActionUnblockSource     ActionType = "unblock_source"
	ActionRateLimitDisable  ActionType = "rate_limit_disable"
	ActionRestoreMonitoring ActionType = "restore_monitoring"
)

// DetectionEvent is the inbound signal from a detection producer (IDS,
// honeypot, network monitor, threat-intel feed).
type DetectionEvent struct {
	ID          string    `json:"id,omitempty" validate:"omitempty,max=128"`
	Timestamp   time.Time `json:"timestamp"`
	Producer    string    `json:"producer,omitempty" validate:"omitempty,max=64"`
	SourceIP    string    `json:"source_ip,omitempty" validate:"omitempty,ip"`
	TargetIP    string    `json:"target_ip,omitempty" validate:"omitempty,ip"`
	AttackType  string    `json:"attack_type" validate:"required,attacktype"`
	Severity    Severity  `json:"severity" validate:"required,min=1,max=4"`
	Indicators  []string  `json:"indicators,omitempty" validate:"max=256,dive,required,max=512"`
	Title       string    `json:"title,omitempty" validate:"max=256"`
	Description string    `json:"description,omitempty" validate:"max=8192"`
}

// ErrInvalidEvent wraps every detection validation failure.
var ErrInvalidEvent = errors.New("invalid detection event")

// NewDetectionEvent creates a DetectionEvent with a generated ID and current timestamp.
func NewDetectionEvent(attackType string, severity Severity, sourceIP string) *DetectionEvent {
	return &DetectionEvent{
		ID:         uuid.New().String(),
		Timestamp:  time.Now().UTC(),
		AttackType: attackType,
		Severity:   severity,
		SourceIP:   sourceIP,
	}
}

// Normalize fills defaults and canonicalizes fields in place. It is called
// before validation so producers may omit id, timestamp and title.
func (e *DetectionEvent) Normalize() {
	e.AttackType = strings.ToLower(strings.TrimSpace(e.AttackType))
	e.SourceIP = strings.TrimSpace(e.SourceIP)
	e.TargetIP = strings.TrimSpace(e.TargetIP)
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Title == "" {
		e.Title = e.defaultTitle()
	}
	if e.Description == "" {
		e.Description = fmt.Sprintf("%s detected with %s severity", e.AttackType, e.Severity)
	}
}

func (e *DetectionEvent) defaultTitle() string {
	label := strings.ReplaceAll(e.AttackType, "_", " ")
	if e.SourceIP != "" {
		return fmt.Sprintf("Security incident: %s from %s", label, e.SourceIP)
	}
	return fmt.Sprintf("Security incident: %s", label)
}

// DedupKey identifies the (source, attack type) pair incidents are merged on.
func (e *DetectionEvent) DedupKey() string {
	return DedupKey(e.SourceIP, e.AttackType)
}

// DedupKey builds the per-pair serialization key shared by events and incidents.
func DedupKey(sourceIP, attackType string) string {
	return sourceIP + "|" + attackType
}

// Marshal serializes the event to JSON.
func (e *DetectionEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalDetectionEvent deserializes a DetectionEvent from JSON.
func UnmarshalDetectionEvent(data []byte) (*DetectionEvent, error) {
	var event DetectionEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return &event, nil
}
