package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/bytefense/soar/internal/core"
)

// SyslogSource listens for syslog lines (RFC 5424 / RFC 3164) over UDP
// and/or TCP from sensors that can only speak syslog, such as fail2ban
// actions or appliance alert forwarders. A line carries a detection either
// as a JSON body or as key=value pairs with at least attack_type:
//
//	<36>1 2026-03-01T12:00:00Z fw01 ids - - attack_type=connection_flood src=203.0.113.7 severity=high
//
// Lines without a detection are counted and dropped. Syslog has no
// redelivery, so a detection the engine cannot take is logged and lost.
type SyslogSource struct {
	cfg    core.SyslogIngestConfig
	sub    Submitter
	dedup  *core.DeliveryDedup
	logger zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	udpConn *net.UDPConn
	tcpLn   net.Listener

	received atomic.Int64
	ignored  atomic.Int64
	dropped  atomic.Int64
}

// NewSyslogSource creates a syslog detection listener. dedup may be nil.
func NewSyslogSource(cfg core.SyslogIngestConfig, sub Submitter, dedup *core.DeliveryDedup, logger zerolog.Logger) *SyslogSource {
	return &SyslogSource{
		cfg:    cfg,
		sub:    sub,
		dedup:  dedup,
		logger: logger.With().Str("component", "syslog_ingest").Logger(),
	}
}

// Start begins listening.
func (s *SyslogSource) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	proto := strings.ToLower(s.cfg.Protocol)
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	if proto == "udp" || proto == "both" {
		if err := s.startUDP(addr); err != nil {
			return fmt.Errorf("starting syslog UDP listener: %w", err)
		}
	}
	if proto == "tcp" || proto == "both" {
		if err := s.startTCP(addr); err != nil {
			s.Stop()
			return fmt.Errorf("starting syslog TCP listener: %w", err)
		}
	}

	s.logger.Info().Str("addr", addr).Str("protocol", proto).Msg("syslog detection ingest started")
	return nil
}

// Stop closes the listeners and waits for in-flight detections.
func (s *SyslogSource) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.udpConn != nil {
		s.udpConn.Close()
	}
	if s.tcpLn != nil {
		s.tcpLn.Close()
	}
	s.wg.Wait()
	s.logger.Info().
		Int64("received", s.received.Load()).
		Int64("ignored", s.ignored.Load()).
		Int64("dropped", s.dropped.Load()).
		Msg("syslog detection ingest stopped")
}

// Addr reports the bound address of the first active listener.
func (s *SyslogSource) Addr() net.Addr {
	if s.udpConn != nil {
		return s.udpConn.LocalAddr()
	}
	if s.tcpLn != nil {
		return s.tcpLn.Addr()
	}
	return nil
}

func (s *SyslogSource) startUDP(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolving UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listening on UDP %s: %w", addr, err)
	}
	s.udpConn = conn

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		buf := make([]byte, 65536)
		for {
			n, remote, err := conn.ReadFromUDP(buf)
			if err != nil {
				if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Error().Err(err).Msg("UDP read error")
				continue
			}
			relay := ""
			if remote != nil {
				relay = remote.IP.String()
			}
			s.processLine(string(buf[:n]), relay)
		}
	}()
	return nil
}

func (s *SyslogSource) startTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on TCP %s: %w", addr, err)
	}
	s.tcpLn = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Error().Err(err).Msg("TCP accept error")
				continue
			}
			s.wg.Add(1)
			go s.handleTCPConn(conn)
		}
	}()
	return nil
}

func (s *SyslogSource) handleTCPConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	go func() {
		<-s.ctx.Done()
		conn.Close()
	}()

	relay := ""
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		relay = addr.IP.String()
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 65536), 65536)
	for scanner.Scan() {
		s.processLine(scanner.Text(), relay)
	}
	if err := scanner.Err(); err != nil && s.ctx.Err() == nil {
		s.logger.Debug().Err(err).Str("relay", relay).Msg("TCP connection read error")
	}
}

// processLine extracts a detection and submits it without blocking the
// listener.
func (s *SyslogSource) processLine(raw, relay string) {
	s.received.Add(1)
	ev, err := detectionFromSyslog(raw)
	if err != nil {
		s.ignored.Add(1)
		s.logger.Debug().Err(err).Str("relay", relay).Str("raw", truncate(raw, 200)).Msg("syslog line ignored")
		return
	}

	log := s.logger.With().Str("relay", relay).Logger()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if deliver(s.ctx, s.sub, s.dedup, ev, log) == Retry {
			s.dropped.Add(1)
			log.Warn().Str("attack_type", ev.AttackType).Str("source_ip", ev.SourceIP).Msg("syslog detection dropped")
		}
	}()
}

var errNoDetection = errors.New("no detection in syslog line")

// detectionFromSyslog turns one syslog line into a detection event.
func detectionFromSyslog(raw string) (*core.DetectionEvent, error) {
	parsed := parseSyslog(raw)
	if parsed == nil {
		return nil, fmt.Errorf("%w: unparseable", errNoDetection)
	}

	body := strings.TrimSpace(parsed.Message)
	var ev *core.DetectionEvent
	if strings.HasPrefix(body, "{") {
		var err error
		if ev, err = core.UnmarshalDetectionEvent([]byte(body)); err != nil {
			return nil, err
		}
	} else {
		ev = eventFromFields(parseFields(body))
	}
	if ev.AttackType == "" {
		return nil, fmt.Errorf("%w: no attack_type", errNoDetection)
	}

	if ev.Severity == 0 {
		ev.Severity = syslogSeverityToCore(parsed.Severity)
	}
	if ev.SourceIP == "" {
		if m := syslogSrcIPRe.FindStringSubmatch(body); m != nil {
			ev.SourceIP = m[1]
		}
	}
	if ev.Producer == "" {
		ev.Producer = parsed.AppName
		if ev.Producer == "" || ev.Producer == "-" {
			ev.Producer = parsed.Hostname
		}
		if ev.Producer == "-" {
			ev.Producer = ""
		}
	}
	if ev.Timestamp.IsZero() && parsed.Timestamp != nil {
		ev.Timestamp = parsed.Timestamp.UTC()
	}
	return ev, nil
}

func eventFromFields(f map[string]string) *core.DetectionEvent {
	ev := &core.DetectionEvent{
		ID:          f["id"],
		Producer:    f["producer"],
		AttackType:  f["attack_type"],
		SourceIP:    firstOf(f, "source_ip", "src"),
		TargetIP:    firstOf(f, "target_ip", "dst"),
		Title:       f["title"],
		Description: f["description"],
	}
	if sev, err := core.ParseSeverity(f["severity"]); err == nil {
		ev.Severity = sev
	}
	if v := firstOf(f, "indicators", "indicator"); v != "" {
		for _, ind := range strings.Split(v, ",") {
			if ind = strings.TrimSpace(ind); ind != "" {
				ev.Indicators = append(ev.Indicators, ind)
			}
		}
	}
	return ev
}

func firstOf(f map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := f[k]; v != "" {
			return v
		}
	}
	return ""
}

// fieldRe matches key=value and key="quoted value".
var fieldRe = regexp.MustCompile(`([a-z_]+)=("((?:[^"\\]|\\.)*)"|\S+)`)

func parseFields(body string) map[string]string {
	out := make(map[string]string)
	for _, m := range fieldRe.FindAllStringSubmatch(body, -1) {
		v := m[2]
		if strings.HasPrefix(v, `"`) {
			v = strings.ReplaceAll(m[3], `\"`, `"`)
		}
		out[m[1]] = v
	}
	return out
}

// syslogMessage is a parsed syslog line.
type syslogMessage struct {
	Facility  int
	Severity  int
	Timestamp *time.Time
	Hostname  string
	AppName   string
	ProcID    string
	MsgID     string
	Message   string
}

// <PRI>VERSION TIMESTAMP HOSTNAME APP-NAME PROCID MSGID MSG
var rfc5424Re = regexp.MustCompile(`^<(\d{1,3})>(\d)\s+(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s*(.*)$`)

// <PRI>TIMESTAMP HOSTNAME MSG
var rfc3164Re = regexp.MustCompile(`^<(\d{1,3})>([A-Z][a-z]{2}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})\s+(\S+)\s+(.*)$`)

// <PRI>MSG
var barePriRe = regexp.MustCompile(`^<(\d{1,3})>(.+)$`)

func parseSyslog(raw string) *syslogMessage {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	if m := rfc5424Re.FindStringSubmatch(raw); m != nil {
		pri, _ := strconv.Atoi(m[1])
		msg := &syslogMessage{
			Facility: pri / 8,
			Severity: pri % 8,
			Hostname: m[4],
			AppName:  m[5],
			ProcID:   m[6],
			MsgID:    m[7],
			Message:  m[8],
		}
		if t, err := time.Parse(time.RFC3339, m[3]); err == nil {
			msg.Timestamp = &t
		}
		// structured data is skipped; detections live in the message body
		if strings.HasPrefix(msg.Message, "- ") {
			msg.Message = msg.Message[2:]
		}
		return msg
	}

	if m := rfc3164Re.FindStringSubmatch(raw); m != nil {
		pri, _ := strconv.Atoi(m[1])
		msg := &syslogMessage{
			Facility: pri / 8,
			Severity: pri % 8,
			Hostname: m[3],
			Message:  m[4],
		}
		// BSD timestamps carry no year
		tsStr := fmt.Sprintf("%d %s", time.Now().Year(), m[2])
		if t, err := time.Parse("2006 Jan  2 15:04:05", tsStr); err == nil {
			msg.Timestamp = &t
		} else if t, err := time.Parse("2006 Jan 2 15:04:05", tsStr); err == nil {
			msg.Timestamp = &t
		}
		// "fail2ban[1234]: message"
		if idx := strings.Index(msg.Message, ":"); idx > 0 && !strings.ContainsAny(msg.Message[:idx], " ={") {
			appPart := msg.Message[:idx]
			if pidIdx := strings.Index(appPart, "["); pidIdx > 0 {
				msg.AppName = appPart[:pidIdx]
				msg.ProcID = strings.Trim(appPart[pidIdx:], "[]")
			} else {
				msg.AppName = appPart
			}
			msg.Message = strings.TrimSpace(msg.Message[idx+1:])
		}
		return msg
	}

	if m := barePriRe.FindStringSubmatch(raw); m != nil {
		pri, _ := strconv.Atoi(m[1])
		return &syslogMessage{
			Facility: pri / 8,
			Severity: pri % 8,
			Message:  m[2],
		}
	}
	return nil
}

// syslogSeverityToCore maps syslog severity (0=emergency..7=debug) onto the
// four detection tiers.
func syslogSeverityToCore(syslogSev int) core.Severity {
	switch {
	case syslogSev <= 1: // emergency, alert
		return core.SeverityCritical
	case syslogSev <= 3: // critical, error
		return core.SeverityHigh
	case syslogSev == 4: // warning
		return core.SeverityMedium
	default:
		return core.SeverityLow
	}
}

// syslogSrcIPRe finds a reported source address ("from 1.2.3.4 port 22").
var syslogSrcIPRe = regexp.MustCompile(`(?:from|src|SRC=|source[=:\s])[\s=]*(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})`)

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
