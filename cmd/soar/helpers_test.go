package main

import (
	"bytes"
	"encoding/csv"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bytefense/soar/internal/core"
	"github.com/bytefense/soar/internal/incident"
	"github.com/bytefense/soar/internal/playbook"
)

// ─── suggest ──────────────────────────────────────────────────────────────────

func TestSuggest(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"sta", "status"},
		{"incidents", "incidents"},
		{"rev", "reversals"},
		{"play", "playbooks"},
		{"ann", "annotate"},
		{"clos", "close"},
		{"statux", "status"},
		{"STATUS", "status"},
		{"zzzzzzzzz", ""},
	}
	for _, tc := range tests {
		if got := suggest(tc.input); got != tc.want {
			t.Errorf("suggest(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

// ─── env helpers ──────────────────────────────────────────────────────────────

func TestEnvConfig(t *testing.T) {
	t.Setenv("SOAR_CONFIG", "/etc/soar/soar.yaml")
	if got := envConfig(defaultConfigPath); got != "/etc/soar/soar.yaml" {
		t.Errorf("default flag should defer to env, got %q", got)
	}
	if got := envConfig("/tmp/x.yaml"); got != "/tmp/x.yaml" {
		t.Errorf("explicit flag should win, got %q", got)
	}
}

func TestEnvPort(t *testing.T) {
	t.Setenv("SOAR_PORT", "9999")
	if got := envPort(0); got != 9999 {
		t.Errorf("envPort(0) = %d", got)
	}
	if got := envPort(1234); got != 1234 {
		t.Errorf("envPort(1234) = %d", got)
	}
	t.Setenv("SOAR_PORT", "nope")
	if got := envPort(0); got != 0 {
		t.Errorf("bad env port should be ignored, got %d", got)
	}
}

func TestAPIBase(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.yaml")
	if got := apiBase(missing, "", 0); got != "http://127.0.0.1:1790" {
		t.Errorf("default base = %q", got)
	}
	if got := apiBase(missing, "10.1.1.1", 8080); got != "http://10.1.1.1:8080" {
		t.Errorf("override base = %q", got)
	}
}

func TestResolveAPIKey(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.yaml")
	t.Setenv("SOAR_API_KEY", "env-key")
	if got := resolveAPIKey("flag-key", missing); got != "flag-key" {
		t.Errorf("flag should win, got %q", got)
	}
	if got := resolveAPIKey("", missing); got != "env-key" {
		t.Errorf("env fallback, got %q", got)
	}
}

// ─── output ───────────────────────────────────────────────────────────────────

func TestParseFormat(t *testing.T) {
	tests := map[string]OutputFormat{
		"json": FormatJSON, " CSV ": FormatCSV, "table": FormatTable, "yaml": FormatTable, "": FormatTable,
	}
	for in, want := range tests {
		if got := parseFormat(in); got != want {
			t.Errorf("parseFormat(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestTable_Render(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTable(&buf, "ID", "STATUS")
	tbl.AddRow("abc", "resolved")
	tbl.AddRow("x")
	tbl.Render()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 6 {
		t.Fatalf("expected 6 lines, got %d:\n%s", len(lines), buf.String())
	}
	width := visibleLen(lines[0])
	for i, l := range lines {
		if visibleLen(l) != width {
			t.Errorf("line %d width %d, want %d: %q", i, visibleLen(l), width, l)
		}
	}
	if !strings.Contains(lines[3], "resolved") {
		t.Errorf("row missing: %q", lines[3])
	}
}

func TestVisibleLen_SkipsANSI(t *testing.T) {
	if got := visibleLen("\033[91mhigh\033[0m"); got != 4 {
		t.Errorf("visibleLen = %d", got)
	}
	if got := visibleLen("→ ok"); got != 4 {
		t.Errorf("visibleLen = %d", got)
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := writeCSV(&buf, []string{"a", "b"}, [][]string{{"1", "x,y"}}); err != nil {
		t.Fatal(err)
	}
	recs, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[1][1] != "x,y" {
		t.Errorf("records = %v", recs)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := truncate("0123456789", 5); got != "0123…" {
		t.Errorf("got %q", got)
	}
}

// ─── incidents ────────────────────────────────────────────────────────────────

func TestIncidentQuery(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q, err := incidentQuery("Open", "HIGH", "port_scan", "10.0.0.1", "2h", 10, now)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{
		"status": "open", "min_severity": "high", "attack_type": "port_scan",
		"source_ip": "10.0.0.1", "since": "2026-03-01T10:00:00Z", "limit": "10",
	}
	for k, v := range want {
		if q.Get(k) != v {
			t.Errorf("%s = %q, want %q", k, q.Get(k), v)
		}
	}

	if q, err := incidentQuery("", "", "", "", "2026-02-01T00:00:00Z", 0, now); err != nil || q.Get("since") != "2026-02-01T00:00:00Z" || q.Has("limit") {
		t.Errorf("absolute since: %v %v", q, err)
	}
	if _, err := incidentQuery("bogus", "", "", "", "", 0, now); err == nil {
		t.Error("expected bad status error")
	}
	if _, err := incidentQuery("", "", "", "", "yesterday", 0, now); err == nil {
		t.Error("expected bad since error")
	}
}

func TestPrintIncident(t *testing.T) {
	inc := &incident.Incident{
		ID:               "inc-1",
		Title:            "ssh_brute_force from 10.0.0.5",
		Severity:         core.SeverityHigh,
		Status:           incident.StatusResolved,
		AttackType:       "ssh_brute_force",
		SourceIP:         "10.0.0.5",
		PlaybookExecuted: "SSH Brute Force Response",
		CreatedAt:        time.Now(),
		Actions: []incident.ActionOutcome{
			{Action: core.ActionBlockSource, Result: incident.ResultSucceeded, Target: "10.0.0.5", Attempts: 1},
		},
		Timeline: []incident.TimelineEntry{
			{Seq: 1, Action: incident.EventIncidentCreated, Automated: true, Timestamp: time.Now()},
			{Seq: 2, Action: incident.EventAnalystNote, Details: "looked at it", Timestamp: time.Now()},
		},
	}
	var buf bytes.Buffer
	printIncident(&buf, inc)
	out := buf.String()
	for _, want := range []string{"inc-1", "SSH Brute Force Response", "block_source", "incident_created", "operator", "looked at it"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

// ─── emit ─────────────────────────────────────────────────────────────────────

func TestBuildDetection(t *testing.T) {
	ev, err := buildDetection("SSH_Brute_Force", "high", "10.0.0.5", "", "", "", "cli", []string{"user=root"})
	if err != nil {
		t.Fatal(err)
	}
	if ev.AttackType != "ssh_brute_force" || ev.Severity != core.SeverityHigh || ev.Producer != "cli" || ev.Title == "" {
		t.Errorf("event = %+v", ev)
	}

	tests := []struct {
		name, attack, sev, ip string
	}{
		{"missing attack type", "", "high", ""},
		{"bad severity", "port_scan", "severe", ""},
		{"bad ip", "port_scan", "low", "not-an-ip"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := buildDetection(tc.attack, tc.sev, tc.ip, "", "", "", "cli", nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

// ─── playbooks / reversals ────────────────────────────────────────────────────

func TestActionSummary(t *testing.T) {
	got := actionSummary([]playbook.ActionSpec{
		{Type: core.ActionBlockSource, Duration: time.Hour},
		{Type: core.ActionNotify, Channel: "email"},
		{Type: core.ActionCollectEvidence},
	})
	want := "block_source(1h0m0s) → notify(email) → collect_evidence"
	if got != want {
		t.Errorf("actionSummary = %q, want %q", got, want)
	}
}

func TestDueIn(t *testing.T) {
	now := time.Now()
	if got := dueIn(now.Add(-time.Second), now); got != "due" {
		t.Errorf("past = %q", got)
	}
	if got := dueIn(now.Add(90*time.Second), now); got != "in 1m30s" {
		t.Errorf("future = %q", got)
	}
}

// ─── config ───────────────────────────────────────────────────────────────────

func TestWriteStarterConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "soar.yaml")
	if err := writeStarterConfig(path, false, true); err != nil {
		t.Fatal(err)
	}
	cfg, err := core.LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Playbooks.File != playbookPathFor(path) {
		t.Errorf("playbooks.file = %q", cfg.Playbooks.File)
	}
	reg, err := playbook.Load(cfg.Playbooks.File)
	if err != nil {
		t.Fatal(err)
	}
	def, _ := playbook.DefaultRegistry()
	if reg.Len() != def.Len() {
		t.Errorf("exported catalog has %d playbooks, want %d", reg.Len(), def.Len())
	}
	if issues := configIssues(cfg); len(issues) != 0 {
		t.Errorf("starter config has issues: %v", issues)
	}

	if err := writeStarterConfig(path, false, false); err == nil {
		t.Error("expected refusal to overwrite")
	}
	if err := writeStarterConfig(path, true, false); err != nil {
		t.Errorf("force overwrite: %v", err)
	}
}

func TestConfigIssues(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Store.Driver = "postgres"
	cfg.Bus.Port = cfg.Server.Port
	cfg.Playbooks.File = filepath.Join(t.TempDir(), "missing.yaml")
	issues := strings.Join(configIssues(cfg), "\n")
	for _, want := range []string{"store.dsn", "playbooks:", "bus.port"} {
		if !strings.Contains(issues, want) {
			t.Errorf("issues missing %q:\n%s", want, issues)
		}
	}
}

// ─── http client ──────────────────────────────────────────────────────────────

func TestAPIClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Header.Get("Authorization") != "Bearer k":
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"missing API key"}`))
		case r.URL.Path == "/api/v1/incidents/missing":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"incident not found"}`))
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"incident_id":"inc-9","status":"resolved","merged":false}`))
		default:
			_, _ = w.Write([]byte(`{"status":"running"}`))
		}
	}))
	defer srv.Close()

	c := &apiClient{base: srv.URL, apiKey: "k", timeout: 2 * time.Second}
	var st map[string]string
	if err := c.get("/api/v1/status", &st); err != nil || st["status"] != "running" {
		t.Fatalf("get: %v %v", st, err)
	}

	var resp emitResponse
	if err := c.post("/api/v1/detections", map[string]string{}, &resp); err != nil || resp.IncidentID != "inc-9" {
		t.Fatalf("post: %+v %v", resp, err)
	}

	err := c.get("/api/v1/incidents/missing", nil)
	var ae *apiError
	if !errors.As(err, &ae) || ae.Status != http.StatusNotFound || ae.Message != "incident not found" {
		t.Errorf("404 error = %v", err)
	}
	if isConnectionError(err) {
		t.Error("API errors are not connection errors")
	}

	c.apiKey = "wrong"
	err = c.get("/api/v1/status", nil)
	if err == nil || !strings.Contains(err.Error(), "SOAR_API_KEY") {
		t.Errorf("auth error = %v", err)
	}
}

func TestAPIClient_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c := &apiClient{base: base, timeout: time.Second}
	if err := c.get("/health", nil); !isConnectionError(err) {
		t.Errorf("expected connection error, got %v", err)
	}
}

func TestMain(m *testing.M) {
	os.Setenv("NO_COLOR", "1")
	os.Exit(m.Run())
}
