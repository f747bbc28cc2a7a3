package action

import (
	"context"
	"time"

	"github.com/bytefense/soar/internal/core"
	"github.com/bytefense/soar/internal/incident"
	"github.com/bytefense/soar/internal/playbook"
)

// Firewall is the enforcement backend for block and isolate actions.
// Targets are single addresses or CIDR networks.
type Firewall interface {
	Block(ctx context.Context, target string, d time.Duration) error
	Unblock(ctx context.Context, target string) error
	Isolate(ctx context.Context, target string) error
	IsBlocked(ctx context.Context, target string) (bool, error)
	IsIsolated(ctx context.Context, target string) (bool, error)
}

// BlockRetainer is implemented by firewalls that count the holders of each
// block. RetainBlock adds a holder to a block already in effect.
type BlockRetainer interface {
	RetainBlock(target string)
}

// Notifier delivers incident summaries to humans.
type Notifier interface {
	Notify(ctx context.Context, channel playbook.Channel, s Summary) error
}

// EvidenceCollector archives host state and returns where it went.
type EvidenceCollector interface {
	Collect(ctx context.Context, incidentID string, scope playbook.EvidenceScope) (string, error)
}

// Directives sends instructions to detection sensors.
type Directives interface {
	Send(ctx context.Context, d Directive) error
}

// Directive kinds understood by sensors.
const (
	DirectiveRateLimitEnable    = "rate_limit_enable"
	DirectiveRateLimitDisable   = "rate_limit_disable"
	DirectiveMonitoringIncrease = "monitoring_increase"
	DirectiveMonitoringRestore  = "monitoring_restore"
	DirectiveScanNetwork        = "scan_network"
	DirectiveUpdateSignatures   = "update_signatures"
)

// Directive is one sensor instruction.
type Directive struct {
	ID         string        `json:"id"`
	Kind       string        `json:"kind"`
	IncidentID string        `json:"incident_id"`
	Target     string        `json:"target,omitempty"`
	Duration   time.Duration `json:"duration_ns,omitempty"`
	IssuedAt   time.Time     `json:"issued_at"`
}

// Summary is what a notification says about an incident.
type Summary struct {
	IncidentID  string        `json:"incident_id"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Severity    core.Severity `json:"severity"`
	Status      string        `json:"status"`
	AttackType  string        `json:"attack_type"`
	SourceIP    string        `json:"source_ip,omitempty"`
	TargetIP    string        `json:"target_ip,omitempty"`
	Indicators  []string      `json:"indicators,omitempty"`
	Playbook    string        `json:"playbook,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// SummaryOf builds a notification summary from an incident snapshot.
func SummaryOf(inc *incident.Incident, playbookName string) Summary {
	return Summary{
		IncidentID:  inc.ID,
		Title:       inc.Title,
		Description: inc.Description,
		Severity:    inc.Severity,
		Status:      string(inc.Status),
		AttackType:  inc.AttackType,
		SourceIP:    inc.SourceIP,
		TargetIP:    inc.TargetIP,
		Indicators:  append([]string(nil), inc.Indicators...),
		Playbook:    playbookName,
		CreatedAt:   inc.CreatedAt,
	}
}
