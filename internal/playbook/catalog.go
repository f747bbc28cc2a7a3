package playbook

import (
	"time"

	"github.com/bytefense/soar/internal/core"
)

// ---------------------------------------------------------------------------
// catalog.go: the built-in playbooks, used when no playbook file is configured
//
// Order matters. Selection ties on min_severity go to the earlier entry.
// ---------------------------------------------------------------------------

// DefaultPlaybooks returns a fresh copy of the built-in catalog.
func DefaultPlaybooks() []*Playbook {
	return []*Playbook{
		{
			Name:        "SSH Brute Force Response",
			Description: "Block the attacking host, alert the operator and watch it closely for a while",
			Triggers:    []string{"ssh_brute_force", "multiple_failed_logins"},
			MinSeverity: core.SeverityMedium,
			Actions: []Action{
				BlockSource{Duration: time.Hour, Scope: ScopeHost},
				Notify{Channel: ChannelEmail},
				IncreaseMonitoring{Duration: 30 * time.Minute},
				CollectEvidence{Scope: EvidenceLogs},
			},
		},
		{
			Name:        "Malware Detection Response",
			Description: "Isolate the infected host and sweep the network",
			Triggers:    []string{"malware_signature", "suspicious_behavior"},
			MinSeverity: core.SeverityHigh,
			Actions: []Action{
				IsolateTarget{},
				CollectEvidence{Scope: EvidenceForensics},
				Notify{Channel: ChannelSMS},
				ScanNetwork{},
				UpdateSignatures{},
			},
		},
		{
			Name:        "DDoS Attack Response",
			Description: "Throttle and block the flooding network",
			Triggers:    []string{"high_traffic", "connection_flood"},
			MinSeverity: core.SeverityHigh,
			Actions: []Action{
				RateLimit{Duration: time.Hour},
				BlockSource{Duration: time.Hour, Scope: ScopeNetwork},
				Notify{Channel: ChannelPhone},
			},
		},
		{
			Name:        "Data Exfiltration Response",
			Description: "Cut the host off and preserve everything",
			Triggers:    []string{"unusual_outbound_traffic", "large_file_transfer"},
			MinSeverity: core.SeverityCritical,
			Actions: []Action{
				IsolateTarget{},
				CollectEvidence{Scope: EvidenceFull},
				Notify{Channel: ChannelAll},
			},
		},
	}
}

// DefaultRegistry builds a registry over the built-in catalog.
func DefaultRegistry() (*Registry, error) {
	return NewRegistry(DefaultPlaybooks()...)
}
