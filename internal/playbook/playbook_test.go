package playbook

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bytefense/soar/internal/core"
)

func mustDefault(t *testing.T) *Registry {
	t.Helper()
	r, err := DefaultRegistry()
	if err != nil {
		t.Fatalf("DefaultRegistry: %v", err)
	}
	return r
}

// ─── Selection ───────────────────────────────────────────────────────────────

func TestSelectFor_BuiltinCatalog(t *testing.T) {
	r := mustDefault(t)
	tests := []struct {
		attack   string
		severity core.Severity
		want     string
	}{
		{"ssh_brute_force", core.SeverityMedium, "SSH Brute Force Response"},
		{"multiple_failed_logins", core.SeverityCritical, "SSH Brute Force Response"},
		{"malware_signature", core.SeverityHigh, "Malware Detection Response"},
		{"connection_flood", core.SeverityCritical, "DDoS Attack Response"},
		{"large_file_transfer", core.SeverityCritical, "Data Exfiltration Response"},
		{"ssh_brute_force", core.SeverityLow, ""},
		{"malware_signature", core.SeverityMedium, ""},
		{"large_file_transfer", core.SeverityHigh, ""},
		{"port_scan", core.SeverityCritical, ""},
	}
	for _, tt := range tests {
		p, ok := r.SelectFor(tt.attack, tt.severity)
		if tt.want == "" {
			if ok {
				t.Errorf("SelectFor(%s, %s) = %q, want no match", tt.attack, tt.severity, p.Name)
			}
			continue
		}
		if !ok || p.Name != tt.want {
			t.Errorf("SelectFor(%s, %s) = %v, want %q", tt.attack, tt.severity, p, tt.want)
		}
	}
}

func TestSelectFor_HighestMinSeverityWins(t *testing.T) {
	r, err := NewRegistry(
		&Playbook{Name: "broad", Triggers: []string{"x"}, MinSeverity: core.SeverityLow, Actions: []Action{ScanNetwork{}}},
		&Playbook{Name: "strict", Triggers: []string{"x"}, MinSeverity: core.SeverityHigh, Actions: []Action{IsolateTarget{}}},
	)
	if err != nil {
		t.Fatal(err)
	}
	if p, _ := r.SelectFor("x", core.SeverityCritical); p.Name != "strict" {
		t.Errorf("critical picked %q, want strict", p.Name)
	}
	if p, _ := r.SelectFor("x", core.SeverityMedium); p.Name != "broad" {
		t.Errorf("medium picked %q, want broad", p.Name)
	}
}

func TestSelectFor_TieGoesToRegistrationOrder(t *testing.T) {
	r, err := NewRegistry(
		&Playbook{Name: "first", Triggers: []string{"x"}, MinSeverity: core.SeverityMedium, Actions: []Action{ScanNetwork{}}},
		&Playbook{Name: "second", Triggers: []string{"x"}, MinSeverity: core.SeverityMedium, Actions: []Action{ScanNetwork{}}},
	)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 100; i++ {
		if p, _ := r.SelectFor("x", core.SeverityHigh); p.Name != "first" {
			t.Fatalf("iteration %d picked %q", i, p.Name)
		}
	}
}

func TestSelect_NoMatchError(t *testing.T) {
	r := mustDefault(t)
	_, err := r.Select("unknown_attack", core.SeverityCritical)
	if !errors.Is(err, ErrNoPlaybookMatch) {
		t.Errorf("err = %v, want ErrNoPlaybookMatch", err)
	}
}

// ─── Registry ────────────────────────────────────────────────────────────────

func TestRegistry_RejectsDuplicates(t *testing.T) {
	pbs := DefaultPlaybooks()
	_, err := NewRegistry(pbs[0], pbs[0])
	if !errors.Is(err, ErrInvalidPlaybook) {
		t.Errorf("err = %v", err)
	}
}

func TestPlaybook_Validate(t *testing.T) {
	tests := []struct {
		name string
		pb   Playbook
	}{
		{"no name", Playbook{Triggers: []string{"x"}, MinSeverity: core.SeverityLow, Actions: []Action{ScanNetwork{}}}},
		{"no triggers", Playbook{Name: "a", MinSeverity: core.SeverityLow, Actions: []Action{ScanNetwork{}}}},
		{"no actions", Playbook{Name: "a", Triggers: []string{"x"}, MinSeverity: core.SeverityLow}},
		{"bad severity", Playbook{Name: "a", Triggers: []string{"x"}, Actions: []Action{ScanNetwork{}}}},
		{"negative duration", Playbook{Name: "a", Triggers: []string{"x"}, MinSeverity: core.SeverityLow, Actions: []Action{RateLimit{Duration: -time.Second}}}},
	}
	for _, tt := range tests {
		if err := tt.pb.Validate(); !errors.Is(err, ErrInvalidPlaybook) {
			t.Errorf("%s: err = %v", tt.name, err)
		}
	}
}

func TestRegistry_AllPreservesOrder(t *testing.T) {
	r := mustDefault(t)
	all := r.All()
	if len(all) != 4 || r.Len() != 4 {
		t.Fatalf("catalog size = %d", len(all))
	}
	if all[0].Name != "SSH Brute Force Response" || all[3].Name != "Data Exfiltration Response" {
		t.Errorf("order = %s … %s", all[0].Name, all[3].Name)
	}
	if _, ok := r.Get("DDoS Attack Response"); !ok {
		t.Error("Get by name failed")
	}
}

// ─── Actions ─────────────────────────────────────────────────────────────────

func TestActionReversal(t *testing.T) {
	tests := []struct {
		action  Action
		undo    core.ActionType
		delay   time.Duration
		reverts bool
	}{
		{BlockSource{Duration: time.Hour}, core.ActionUnblockSource, time.Hour, true},
		{BlockSource{}, core.ActionUnblockSource, 0, false},
		{RateLimit{Duration: time.Minute}, core.ActionRateLimitDisable, time.Minute, true},
		{IncreaseMonitoring{Duration: 30 * time.Minute}, core.ActionRestoreMonitoring, 30 * time.Minute, true},
		{Notify{Channel: ChannelEmail}, "", 0, false},
		{IsolateTarget{}, "", 0, false},
	}
	for _, tt := range tests {
		undo, d, ok := tt.action.Reversal()
		if ok != tt.reverts || (ok && (undo != tt.undo || d != tt.delay)) {
			t.Errorf("%s.Reversal() = %s, %s, %v", tt.action, undo, d, ok)
		}
	}
}

// ─── YAML ────────────────────────────────────────────────────────────────────

const samplePlaybooks = `
playbooks:
  - name: Port Scan Response
    triggers: [port_scan]
    min_severity: medium
    actions:
      - type: block_source
        duration: 15m
        scope: network
      - type: notify
        channel: webhook
  - name: Honeypot Touch
    triggers: [honeypot_interaction]
    min_severity: low
    actions:
      - type: collect_evidence
      - type: increase_monitoring
        duration: 2h
`

func TestParse(t *testing.T) {
	pbs, err := Parse([]byte(samplePlaybooks))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(pbs) != 2 {
		t.Fatalf("got %d playbooks", len(pbs))
	}
	block, ok := pbs[0].Actions[0].(BlockSource)
	if !ok || block.Duration != 15*time.Minute || block.Scope != ScopeNetwork {
		t.Errorf("block action = %#v", pbs[0].Actions[0])
	}
	if n, ok := pbs[0].Actions[1].(Notify); !ok || n.Channel != ChannelWebhook {
		t.Errorf("notify action = %#v", pbs[0].Actions[1])
	}
	if ev, ok := pbs[1].Actions[0].(CollectEvidence); !ok || ev.Scope != EvidenceLogs {
		t.Errorf("evidence scope should default to logs: %#v", pbs[1].Actions[0])
	}
	if pbs[1].MinSeverity != core.SeverityLow {
		t.Errorf("min severity = %s", pbs[1].MinSeverity)
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := map[string]string{
		"empty":          "playbooks: []",
		"unknown action": "playbooks:\n  - name: a\n    triggers: [x]\n    actions:\n      - type: reboot\n",
		"bad channel":    "playbooks:\n  - name: a\n    triggers: [x]\n    actions:\n      - type: notify\n        channel: pager\n",
		"duplicate":      "playbooks:\n  - name: a\n    triggers: [x]\n    actions: [{type: scan_network}]\n  - name: a\n    triggers: [y]\n    actions: [{type: scan_network}]\n",
		"no triggers":    "playbooks:\n  - name: a\n    actions: [{type: scan_network}]\n",
		"bad severity":   "playbooks:\n  - name: a\n    triggers: [x]\n    min_severity: extreme\n    actions: [{type: scan_network}]\n",
	}
	for name, doc := range tests {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestMarshal_RoundTrip(t *testing.T) {
	data, err := Marshal(DefaultPlaybooks())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "duration: 1h0m0s") {
		t.Errorf("durations should render as strings:\n%s", data)
	}
	pbs, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse(Marshal(defaults)): %v", err)
	}
	for i, p := range DefaultPlaybooks() {
		if pbs[i].Name != p.Name || len(pbs[i].Actions) != len(p.Actions) {
			t.Errorf("playbook %d changed: %s", i, pbs[i].Name)
		}
		for j := range p.Actions {
			if pbs[i].Actions[j] != p.Actions[j] {
				t.Errorf("%s action %d: %v != %v", p.Name, j, pbs[i].Actions[j], p.Actions[j])
			}
		}
	}
}

func TestLoad(t *testing.T) {
	r, err := Load("")
	if err != nil || r.Len() != 4 {
		t.Fatalf("Load(\"\") = %v, %v", r, err)
	}

	path := filepath.Join(t.TempDir(), "playbooks.yaml")
	if err := os.WriteFile(path, []byte(samplePlaybooks), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err = Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := r.SelectFor("ssh_brute_force", core.SeverityCritical); ok {
		t.Error("a playbook file replaces the built-in catalog")
	}
	if p, ok := r.SelectFor("port_scan", core.SeverityHigh); !ok || p.Name != "Port Scan Response" {
		t.Errorf("file playbook not selected: %v", p)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}
}

func TestRegistry_Replace(t *testing.T) {
	r, err := DefaultRegistry()
	if err != nil {
		t.Fatal(err)
	}
	next, err := Parse([]byte(samplePlaybooks))
	if err != nil {
		t.Fatal(err)
	}
	nr, err := NewRegistry(next...)
	if err != nil {
		t.Fatal(err)
	}
	r.Replace(nr)
	if _, ok := r.Get("SSH Brute Force Response"); ok {
		t.Error("old playbook still registered")
	}
	if _, ok := r.SelectFor("port_scan", core.SeverityHigh); !ok {
		t.Error("replacement not selectable")
	}
	if r.Len() != nr.Len() {
		t.Errorf("len = %d, want %d", r.Len(), nr.Len())
	}
}
