package playbook

import (
	"fmt"
	"time"

	"github.com/bytefense/soar/internal/core"
)

// Action is one step of a playbook. The set of implementations is closed;
// the executor dispatches on the concrete type.
type Action interface {
	Type() core.ActionType
	// Reversal reports the undo action and its delay for time-bounded steps.
	Reversal() (core.ActionType, time.Duration, bool)
	String() string
}

// BlockScope selects how much address space block_source covers.
type BlockScope string

const (
	ScopeHost    BlockScope = "host"
	ScopeNetwork BlockScope = "network"
)

// Channel is a notification route.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelPhone   Channel = "phone"
	ChannelWebhook Channel = "webhook"
	ChannelAll     Channel = "all"
)

// EvidenceScope selects what collect_evidence gathers.
type EvidenceScope string

const (
	EvidenceLogs      EvidenceScope = "logs"
	EvidenceForensics EvidenceScope = "forensics"
	EvidenceFull      EvidenceScope = "full"
)

// BlockSource drops traffic from the incident source. A zero Duration is a
// permanent block with no reversal.
type BlockSource struct {
	Duration time.Duration
	Scope    BlockScope
}

func (BlockSource) Type() core.ActionType { return core.ActionBlockSource }

func (a BlockSource) Reversal() (core.ActionType, time.Duration, bool) {
	return core.ActionUnblockSource, a.Duration, a.Duration > 0
}

func (a BlockSource) String() string {
	scope := a.Scope
	if scope == "" {
		scope = ScopeHost
	}
	if a.Duration == 0 {
		return fmt.Sprintf("block_source(%s, permanent)", scope)
	}
	return fmt.Sprintf("block_source(%s, %s)", scope, a.Duration)
}

// IsolateTarget cuts the target host off the network.
type IsolateTarget struct{}

func (IsolateTarget) Type() core.ActionType                            { return core.ActionIsolateTarget }
func (IsolateTarget) Reversal() (core.ActionType, time.Duration, bool) { return "", 0, false }
func (IsolateTarget) String() string                                   { return "isolate_target" }

// Notify sends an incident summary over a channel.
type Notify struct {
	Channel Channel
}

func (Notify) Type() core.ActionType                            { return core.ActionNotify }
func (Notify) Reversal() (core.ActionType, time.Duration, bool) { return "", 0, false }
func (a Notify) String() string                                 { return fmt.Sprintf("notify(%s)", a.Channel) }

// CollectEvidence archives host state for the incident.
type CollectEvidence struct {
	Scope EvidenceScope
}

func (CollectEvidence) Type() core.ActionType                            { return core.ActionCollectEvidence }
func (CollectEvidence) Reversal() (core.ActionType, time.Duration, bool) { return "", 0, false }
func (a CollectEvidence) String() string                                 { return fmt.Sprintf("collect_evidence(%s)", a.Scope) }

// RateLimit asks the sensors to throttle the source.
type RateLimit struct {
	Duration time.Duration
}

func (RateLimit) Type() core.ActionType { return core.ActionRateLimit }

func (a RateLimit) Reversal() (core.ActionType, time.Duration, bool) {
	return core.ActionRateLimitDisable, a.Duration, a.Duration > 0
}

func (a RateLimit) String() string { return fmt.Sprintf("rate_limit(%s)", a.Duration) }

// IncreaseMonitoring raises sensor verbosity for the source.
type IncreaseMonitoring struct {
	Duration time.Duration
}

func (IncreaseMonitoring) Type() core.ActionType { return core.ActionIncreaseMonitoring }

func (a IncreaseMonitoring) Reversal() (core.ActionType, time.Duration, bool) {
	return core.ActionRestoreMonitoring, a.Duration, a.Duration > 0
}

func (a IncreaseMonitoring) String() string { return fmt.Sprintf("increase_monitoring(%s)", a.Duration) }

// ScanNetwork requests a sweep of the local network.
type ScanNetwork struct{}

func (ScanNetwork) Type() core.ActionType                            { return core.ActionScanNetwork }
func (ScanNetwork) Reversal() (core.ActionType, time.Duration, bool) { return "", 0, false }
func (ScanNetwork) String() string                                   { return "scan_network" }

// UpdateSignatures requests a detection signature refresh.
type UpdateSignatures struct{}

func (UpdateSignatures) Type() core.ActionType                            { return core.ActionUpdateSignatures }
func (UpdateSignatures) Reversal() (core.ActionType, time.Duration, bool) { return "", 0, false }
func (UpdateSignatures) String() string                                   { return "update_signatures" }
