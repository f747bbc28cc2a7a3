package ingest

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bytefense/soar/internal/core"
)

// ─── parseSyslog ──────────────────────────────────────────────────────────────

func TestParseSyslog_RFC5424(t *testing.T) {
	raw := `<134>1 2025-06-15T10:30:00Z myhost myapp 1234 ID47 This is a test message`
	msg := parseSyslog(raw)
	if msg == nil {
		t.Fatal("expected non-nil message for RFC 5424 input")
	}
	// PRI 134 = facility 16 (local0), severity 6 (informational)
	if msg.Facility != 16 || msg.Severity != 6 {
		t.Errorf("Facility/Severity = %d/%d, want 16/6", msg.Facility, msg.Severity)
	}
	if msg.Hostname != "myhost" || msg.AppName != "myapp" || msg.ProcID != "1234" || msg.MsgID != "ID47" {
		t.Errorf("header = %+v", msg)
	}
	if msg.Timestamp == nil {
		t.Error("expected non-nil Timestamp")
	}
}

func TestParseSyslog_RFC5424_NilStructuredData(t *testing.T) {
	msg := parseSyslog(`<36>1 2026-03-01T12:00:00Z fw01 ids - - - attack_type=port_scan`)
	if msg == nil || msg.Message != "attack_type=port_scan" {
		t.Fatalf("message = %+v", msg)
	}
}

func TestParseSyslog_RFC3164(t *testing.T) {
	raw := `<38>Jun 15 10:30:00 myhost fail2ban[1234]: attack_type=ssh_brute_force src=1.2.3.4`
	msg := parseSyslog(raw)
	if msg == nil {
		t.Fatal("expected non-nil message for RFC 3164 input")
	}
	// PRI 38 = facility 4 (auth), severity 6 (informational)
	if msg.Facility != 4 || msg.Severity != 6 {
		t.Errorf("Facility/Severity = %d/%d, want 4/6", msg.Facility, msg.Severity)
	}
	if msg.Hostname != "myhost" || msg.AppName != "fail2ban" || msg.ProcID != "1234" {
		t.Errorf("header = %+v", msg)
	}
	if msg.Message != "attack_type=ssh_brute_force src=1.2.3.4" {
		t.Errorf("Message = %q", msg.Message)
	}
}

func TestParseSyslog_RFC3164_NoAppName(t *testing.T) {
	msg := parseSyslog(`<13>Jun 15 10:30:00 myhost attack_type=port_scan note="a: b"`)
	if msg == nil {
		t.Fatal("expected non-nil message")
	}
	if msg.AppName != "" || msg.Message != `attack_type=port_scan note="a: b"` {
		t.Errorf("AppName = %q Message = %q", msg.AppName, msg.Message)
	}
}

func TestParseSyslog_BarePriority(t *testing.T) {
	msg := parseSyslog(`<13>Some bare message without timestamp`)
	if msg == nil {
		t.Fatal("expected non-nil message for bare priority input")
	}
	// PRI 13 = facility 1 (user), severity 5 (notice)
	if msg.Facility != 1 || msg.Severity != 5 {
		t.Errorf("Facility/Severity = %d/%d, want 1/5", msg.Facility, msg.Severity)
	}
	if msg.Message != "Some bare message without timestamp" {
		t.Errorf("Message = %q", msg.Message)
	}
}

func TestParseSyslog_EmptyAndUnparseable(t *testing.T) {
	for _, raw := range []string{"", "   ", "just some random text"} {
		if parseSyslog(raw) != nil {
			t.Errorf("parseSyslog(%q) should be nil", raw)
		}
	}
}

// ─── syslogSeverityToCore ─────────────────────────────────────────────────────

func TestSyslogSeverityToCore(t *testing.T) {
	tests := []struct {
		syslogSev int
		want      core.Severity
	}{
		{0, core.SeverityCritical}, // emergency
		{1, core.SeverityCritical}, // alert
		{2, core.SeverityHigh},     // critical
		{3, core.SeverityHigh},     // error
		{4, core.SeverityMedium},   // warning
		{5, core.SeverityLow},      // notice
		{6, core.SeverityLow},      // informational
		{7, core.SeverityLow},      // debug
	}
	for _, tc := range tests {
		if got := syslogSeverityToCore(tc.syslogSev); got != tc.want {
			t.Errorf("syslogSeverityToCore(%d) = %v, want %v", tc.syslogSev, got, tc.want)
		}
	}
}

// ─── detectionFromSyslog ──────────────────────────────────────────────────────

func TestDetectionFromSyslog_KeyValue(t *testing.T) {
	raw := `<36>1 2026-03-01T12:00:00Z fw01 ids - - attack_type=connection_flood src=203.0.113.7 dst=10.0.0.2 severity=high indicators="syn rate 40k/s, 300 ports" title="SYN flood"`
	ev, err := detectionFromSyslog(raw)
	if err != nil {
		t.Fatal(err)
	}
	if ev.AttackType != "connection_flood" || ev.SourceIP != "203.0.113.7" || ev.TargetIP != "10.0.0.2" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Severity != core.SeverityHigh || ev.Title != "SYN flood" || ev.Producer != "ids" {
		t.Errorf("event = %+v", ev)
	}
	if len(ev.Indicators) != 2 || ev.Indicators[1] != "300 ports" {
		t.Errorf("indicators = %q", ev.Indicators)
	}
	if !ev.Timestamp.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("timestamp = %s", ev.Timestamp)
	}
}

func TestDetectionFromSyslog_SeverityFromPriority(t *testing.T) {
	// PRI 33 = auth.alert
	ev, err := detectionFromSyslog(`<33>Jun 15 10:30:00 bastion fail2ban: attack_type=ssh_brute_force Ban from 1.2.3.4`)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Severity != core.SeverityCritical {
		t.Errorf("severity = %s", ev.Severity)
	}
	if ev.SourceIP != "1.2.3.4" {
		t.Errorf("source = %q, want the reported address", ev.SourceIP)
	}
	if ev.Producer != "fail2ban" {
		t.Errorf("producer = %q", ev.Producer)
	}
}

func TestDetectionFromSyslog_JSONBody(t *testing.T) {
	raw := `<34>1 2026-03-01T12:00:00Z waf01 waf - - {"id":"w-1","attack_type":"sql_injection","severity":"critical","source_ip":"198.51.100.4"}`
	ev, err := detectionFromSyslog(raw)
	if err != nil {
		t.Fatal(err)
	}
	if ev.ID != "w-1" || ev.AttackType != "sql_injection" || ev.Severity != core.SeverityCritical {
		t.Errorf("event = %+v", ev)
	}
}

func TestDetectionFromSyslog_NoDetection(t *testing.T) {
	for _, raw := range []string{
		`<38>Jun 15 10:30:00 myhost sshd[1234]: Failed password for root from 1.2.3.4 port 22`,
		`plain text`,
	} {
		if _, err := detectionFromSyslog(raw); !errors.Is(err, errNoDetection) {
			t.Errorf("detectionFromSyslog(%q) err = %v", raw, err)
		}
	}
}

func TestParseFields_Quoted(t *testing.T) {
	f := parseFields(`attack_type=x title="say \"hi\"" src=1.1.1.1`)
	if f["title"] != `say "hi"` || f["src"] != "1.1.1.1" {
		t.Errorf("fields = %v", f)
	}
}

func TestSyslogSrcIPRegex(t *testing.T) {
	tests := []struct {
		input  string
		wantIP string
	}{
		{"from 1.2.3.4 port 22", "1.2.3.4"},
		{"SRC=10.0.0.1 DST=10.0.0.2", "10.0.0.1"},
		{"source 192.168.1.1", "192.168.1.1"},
	}
	for _, tc := range tests {
		m := syslogSrcIPRe.FindStringSubmatch(tc.input)
		if m == nil {
			t.Errorf("expected match for %q", tc.input)
			continue
		}
		if m[1] != tc.wantIP {
			t.Errorf("for %q: got IP %q, want %q", tc.input, m[1], tc.wantIP)
		}
	}
}

// ─── truncate ─────────────────────────────────────────────────────────────────

func TestTruncate(t *testing.T) {
	if truncate("hello", 10) != "hello" {
		t.Error("short string should not be truncated")
	}
	if truncate("hello world", 5) != "hello..." {
		t.Errorf("truncate = %q, want %q", truncate("hello world", 5), "hello...")
	}
}

// ─── SyslogSource ─────────────────────────────────────────────────────────────

func TestSyslogSource_UDP(t *testing.T) {
	sub := &fakeSubmitter{}
	s := NewSyslogSource(core.SyslogIngestConfig{Host: "127.0.0.1", Port: 0, Protocol: "udp"}, sub, nil, zerolog.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	conn, err := net.Dial("udp", s.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_, _ = conn.Write([]byte(`<38>Jun 15 10:30:00 myhost sshd[1]: Accepted publickey for deploy`))
	_, _ = conn.Write([]byte(`<36>1 2026-03-01T12:00:00Z fw01 ids - - attack_type=port_scan src=203.0.113.9`))

	deadline := time.Now().Add(2 * time.Second)
	for sub.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sub.count() != 1 || sub.last().SourceIP != "203.0.113.9" {
		t.Fatalf("submitted %d", sub.count())
	}
	if s.ignored.Load() != 1 {
		t.Errorf("ignored = %d", s.ignored.Load())
	}
}

func TestSyslogSource_TCP(t *testing.T) {
	sub := &fakeSubmitter{}
	s := NewSyslogSource(core.SyslogIngestConfig{Host: "127.0.0.1", Port: 0, Protocol: "tcp"}, sub, nil, zerolog.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	_, _ = conn.Write([]byte("<36>1 2026-03-01T12:00:00Z fw01 ids - - attack_type=port_scan src=203.0.113.9\n" +
		"<36>1 2026-03-01T12:00:01Z fw01 ids - - attack_type=port_scan src=203.0.113.10\n"))

	deadline := time.Now().Add(2 * time.Second)
	for sub.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop() // closes the open connection too
	conn.Close()
	if sub.count() != 2 {
		t.Errorf("submitted %d", sub.count())
	}
}

func TestSyslogSource_StopWithoutStart(t *testing.T) {
	s := NewSyslogSource(core.SyslogIngestConfig{Protocol: "udp"}, &fakeSubmitter{}, nil, zerolog.Nop())
	s.Stop()
	if s.Addr() != nil {
		t.Error("no listener expected")
	}
}
