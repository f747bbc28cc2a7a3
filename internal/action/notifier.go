package action

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bytefense/soar/internal/core"
	"github.com/bytefense/soar/internal/playbook"
)

// mailSender matches smtp.SendMail.
type mailSender func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// ChannelNotifier routes incident summaries to email (SMTP), SMS and voice
// gateways, and a templated webhook. Channels without configuration are
// logged instead of delivered.
type ChannelNotifier struct {
	cfg      core.NotifyConfig
	client   *http.Client
	template Template
	breaker  *circuitBreaker
	sendMail mailSender
	logger   zerolog.Logger
}

// NewNotifier validates the notification settings and builds a notifier.
func NewNotifier(cfg core.NotifyConfig, logger zerolog.Logger) (*ChannelNotifier, error) {
	tmpl := GetTemplate(cfg.WebhookTemplate)
	if tmpl == nil {
		return nil, fmt.Errorf("unknown webhook template %q (valid: %s)", cfg.WebhookTemplate, strings.Join(ValidTemplateNames(), ", "))
	}
	if !cfg.AllowPrivate {
		for _, u := range []string{cfg.WebhookURL, cfg.SMSGatewayURL, cfg.PhoneGatewayURL} {
			if u == "" {
				continue
			}
			if err := validateWebhookURL(u); err != nil {
				return nil, err
			}
		}
	}
	threshold := cfg.CircuitBreaker
	if threshold <= 0 {
		threshold = 5
	}
	pause := cfg.CircuitPause
	if pause <= 0 {
		pause = 60 * time.Second
	}
	return &ChannelNotifier{
		cfg:      cfg,
		client:   &http.Client{Timeout: 15 * time.Second},
		template: tmpl,
		breaker:  newCircuitBreaker(threshold, pause),
		sendMail: smtp.SendMail,
		logger:   logger.With().Str("component", "notifier").Logger(),
	}, nil
}

func (n *ChannelNotifier) Notify(ctx context.Context, channel playbook.Channel, s Summary) error {
	switch channel {
	case playbook.ChannelEmail:
		return n.email(ctx, s)
	case playbook.ChannelSMS:
		return n.gateway(ctx, "sms", n.cfg.SMSGatewayURL, s)
	case playbook.ChannelPhone:
		return n.gateway(ctx, "voice", n.cfg.PhoneGatewayURL, s)
	case playbook.ChannelWebhook:
		return n.webhook(ctx, s)
	case playbook.ChannelAll:
		var errs []error
		for _, ch := range []playbook.Channel{playbook.ChannelEmail, playbook.ChannelSMS, playbook.ChannelPhone, playbook.ChannelWebhook} {
			if err := n.Notify(ctx, ch, s); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", ch, err))
			}
		}
		return errors.Join(errs...)
	default:
		return Terminalf("unknown notification channel %q", channel)
	}
}

func (n *ChannelNotifier) logOnly(channel string, s Summary) {
	n.logger.Warn().
		Str("channel", channel).
		Str("incident_id", s.IncidentID).
		Str("severity", s.Severity.String()).
		Str("title", s.Title).
		Msg("notification channel not configured, summary logged only")
}

func (n *ChannelNotifier) webhook(ctx context.Context, s Summary) error {
	if n.cfg.WebhookURL == "" {
		n.logOnly("webhook", s)
		return nil
	}
	payload := n.template.Format(s, TemplateOptions{RoutingKey: n.cfg.RoutingKey})
	return n.post(ctx, n.cfg.WebhookURL, payload, n.cfg.WebhookHeaders)
}

func (n *ChannelNotifier) gateway(ctx context.Context, kind, gatewayURL string, s Summary) error {
	if gatewayURL == "" || len(n.cfg.Recipients) == 0 {
		n.logOnly(kind, s)
		return nil
	}
	payload := map[string]interface{}{
		"type":        kind,
		"to":          n.cfg.Recipients,
		"message":     shortText(s),
		"incident_id": s.IncidentID,
		"severity":    s.Severity.String(),
	}
	return n.post(ctx, gatewayURL, payload, nil)
}

// post delivers one JSON payload. 4xx other than 429 is terminal; transport
// errors, 5xx and 429 are retryable and count against the URL's breaker.
func (n *ChannelNotifier) post(ctx context.Context, target string, payload map[string]interface{}, headers map[string]string) error {
	if n.breaker.isOpen(target) {
		return Retryablef("circuit breaker open for %s", redactURL(target))
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Terminalf("marshal payload: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return Terminalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "soar-notifier/1.0")
	req.Header.Set("X-Soar-Delivery-ID", uuid.New().String())
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		n.breaker.failure(target, n.logger)
		return Retryable(fmt.Errorf("post %s: %w", redactURL(target), err))
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		n.breaker.success(target)
		n.logger.Debug().Str("url", redactURL(target)).Int("status", resp.StatusCode).Msg("notification delivered")
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return Terminalf("post %s: client error: HTTP %d", redactURL(target), resp.StatusCode)
	default:
		n.breaker.failure(target, n.logger)
		return Retryablef("post %s: server error: HTTP %d", redactURL(target), resp.StatusCode)
	}
}

func (n *ChannelNotifier) email(ctx context.Context, s Summary) error {
	ec := n.cfg.Email
	if ec.SMTPHost == "" || len(ec.To) == 0 {
		n.logOnly("email", s)
		return nil
	}
	from := ec.From
	if from == "" {
		from = "soar@localhost"
	}
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(ec.To, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", headline(s))
	fmt.Fprintf(&msg, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(strings.ReplaceAll(plainText(s), "\n", "\r\n"))

	var auth smtp.Auth
	if ec.Username != "" {
		auth = smtp.PlainAuth("", ec.Username, ec.Password, ec.SMTPHost)
	}
	addr := net.JoinHostPort(ec.SMTPHost, strconv.Itoa(ec.SMTPPort))

	// smtp.SendMail has no context; abandon the goroutine on timeout.
	done := make(chan error, 1)
	go func() { done <- n.sendMail(addr, auth, from, ec.To, msg.Bytes()) }()
	select {
	case err := <-done:
		if err == nil {
			n.logger.Debug().Str("incident_id", s.IncidentID).Strs("to", ec.To).Msg("email notification sent")
			return nil
		}
		var tpErr *textproto.Error
		if errors.As(err, &tpErr) && tpErr.Code >= 500 {
			return Terminal(fmt.Errorf("smtp %s: %w", addr, err))
		}
		return Retryable(fmt.Errorf("smtp %s: %w", addr, err))
	case <-ctx.Done():
		return fmt.Errorf("smtp %s: %w", addr, ctx.Err())
	}
}

// ---------------------------------------------------------------------------
// Circuit breaker: after N consecutive failures a URL is skipped for a pause
// ---------------------------------------------------------------------------

type circuitBreaker struct {
	mu        sync.Mutex
	threshold int
	pause     time.Duration
	failures  map[string]int
	openedAt  map[string]time.Time
	now       func() time.Time
}

func newCircuitBreaker(threshold int, pause time.Duration) *circuitBreaker {
	return &circuitBreaker{
		threshold: threshold,
		pause:     pause,
		failures:  make(map[string]int),
		openedAt:  make(map[string]time.Time),
		now:       time.Now,
	}
}

func (cb *circuitBreaker) isOpen(url string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if openedAt, ok := cb.openedAt[url]; ok {
		if cb.now().Sub(openedAt) < cb.pause {
			return true
		}
		// half-open: let one attempt through
		delete(cb.openedAt, url)
		cb.failures[url] = 0
	}
	return false
}

func (cb *circuitBreaker) failure(url string, logger zerolog.Logger) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures[url]++
	if cb.failures[url] >= cb.threshold {
		if _, already := cb.openedAt[url]; !already {
			logger.Warn().Str("url", redactURL(url)).Int("failures", cb.failures[url]).Msg("circuit breaker opened")
		}
		cb.openedAt[url] = cb.now()
	}
}

func (cb *circuitBreaker) success(url string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures[url] = 0
	delete(cb.openedAt, url)
}

// validateWebhookURL rejects non-HTTP schemes and private or loopback hosts.
func validateWebhookURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid notification URL %q: %w", redactURL(rawURL), err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("notification URL must use http or https scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("notification URL has no host: %q", redactURL(rawURL))
	}
	if isPrivateHost(u.Hostname()) {
		return fmt.Errorf("notification URL must not point to private or loopback addresses: %q (set notify.allow_private_urls)", u.Hostname())
	}
	return nil
}

func isPrivateHost(host string) bool {
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".local") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

// redactURL drops credentials and query strings, which often carry tokens.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}
