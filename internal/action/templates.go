package action

import (
	"fmt"
	"strings"
	"time"

	"github.com/bytefense/soar/internal/core"
)

// ---------------------------------------------------------------------------
// templates.go: webhook payload formatters for PagerDuty, Slack, Microsoft
// Teams, Discord and generic JSON
//
//   notify:
//     webhook_url: "https://events.pagerduty.com/v2/enqueue"
//     webhook_template: "pagerduty"
//     routing_key: "YOUR_PD_ROUTING_KEY"
// ---------------------------------------------------------------------------

// Template formats an incident summary into a service-specific payload.
type Template interface {
	Format(s Summary, opts TemplateOptions) map[string]interface{}
	Name() string
}

// TemplateOptions carries per-deployment template settings.
type TemplateOptions struct {
	RoutingKey string
}

// GetTemplate returns a template by name, or nil if unknown.
func GetTemplate(name string) Template {
	switch strings.ToLower(name) {
	case "pagerduty", "pd":
		return pagerDutyTemplate{}
	case "slack":
		return slackTemplate{}
	case "teams", "msteams":
		return teamsTemplate{}
	case "discord":
		return discordTemplate{}
	case "generic", "":
		return genericTemplate{}
	default:
		return nil
	}
}

// ValidTemplateNames returns all supported template names.
func ValidTemplateNames() []string {
	return []string{"generic", "pagerduty", "slack", "teams", "discord"}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func headline(s Summary) string {
	return fmt.Sprintf("[%s] %s", strings.ToUpper(s.Severity.String()), s.Title)
}

// ─── PagerDuty Events API v2 ────────────────────────────────────────────────

type pagerDutyTemplate struct{}

func (pagerDutyTemplate) Name() string { return "pagerduty" }

func (pagerDutyTemplate) Format(s Summary, opts TemplateOptions) map[string]interface{} {
	pdSeverity := "info"
	switch s.Severity {
	case core.SeverityCritical:
		pdSeverity = "critical"
	case core.SeverityHigh:
		pdSeverity = "error"
	case core.SeverityMedium:
		pdSeverity = "warning"
	}
	return map[string]interface{}{
		"routing_key":  opts.RoutingKey,
		"event_action": "trigger",
		"dedup_key":    "soar-" + s.IncidentID,
		"payload": map[string]interface{}{
			"summary":   headline(s),
			"source":    "soar",
			"severity":  pdSeverity,
			"component": s.AttackType,
			"group":     "security",
			"class":     s.AttackType,
			"timestamp": s.CreatedAt.Format(time.RFC3339),
			"custom_details": map[string]interface{}{
				"incident_id": s.IncidentID,
				"playbook":    s.Playbook,
				"description": s.Description,
				"source_ip":   s.SourceIP,
				"target_ip":   s.TargetIP,
				"indicators":  s.Indicators,
			},
		},
	}
}

// ─── Slack Block Kit ────────────────────────────────────────────────────────

type slackTemplate struct{}

func (slackTemplate) Name() string { return "slack" }

func (slackTemplate) Format(s Summary, _ TemplateOptions) map[string]interface{} {
	color := "#2196f3"
	switch s.Severity {
	case core.SeverityCritical:
		color = "#d32f2f"
	case core.SeverityHigh:
		color = "#f44336"
	case core.SeverityMedium:
		color = "#ff9800"
	}

	fields := []map[string]interface{}{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Attack:*\n%s", s.AttackType)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:*\n%s", s.Severity)},
	}
	if s.SourceIP != "" {
		fields = append(fields, map[string]interface{}{"type": "mrkdwn", "text": fmt.Sprintf("*Source IP:*\n`%s`", s.SourceIP)})
	}
	if s.Playbook != "" {
		fields = append(fields, map[string]interface{}{"type": "mrkdwn", "text": fmt.Sprintf("*Playbook:*\n%s", s.Playbook)})
	}

	return map[string]interface{}{
		"blocks": []map[string]interface{}{
			{
				"type": "header",
				"text": map[string]interface{}{"type": "plain_text", "text": headline(s)},
			},
			{
				"type": "section",
				"text": map[string]interface{}{"type": "mrkdwn", "text": truncate(s.Description, 500)},
			},
			{"type": "section", "fields": fields},
			{
				"type": "context",
				"elements": []map[string]interface{}{
					{"type": "mrkdwn", "text": fmt.Sprintf("Incident `%s` | %s", shortID(s.IncidentID), s.CreatedAt.Format(time.RFC3339))},
				},
			},
		},
		"attachments": []map[string]interface{}{
			{"color": color, "blocks": []interface{}{}},
		},
	}
}

// ─── Microsoft Teams MessageCard ────────────────────────────────────────────

type teamsTemplate struct{}

func (teamsTemplate) Name() string { return "teams" }

func (teamsTemplate) Format(s Summary, _ TemplateOptions) map[string]interface{} {
	themeColor := "2196F3"
	switch s.Severity {
	case core.SeverityCritical:
		themeColor = "D32F2F"
	case core.SeverityHigh:
		themeColor = "F44336"
	case core.SeverityMedium:
		themeColor = "FF9800"
	}
	facts := []map[string]string{
		{"name": "Attack", "value": s.AttackType},
		{"name": "Severity", "value": s.Severity.String()},
		{"name": "Incident", "value": s.IncidentID},
	}
	if s.SourceIP != "" {
		facts = append(facts, map[string]string{"name": "Source IP", "value": s.SourceIP})
	}
	return map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": themeColor,
		"summary":    headline(s),
		"sections": []map[string]interface{}{
			{
				"activityTitle":    headline(s),
				"activitySubtitle": s.CreatedAt.Format(time.RFC3339),
				"facts":            facts,
				"text":             truncate(s.Description, 500),
				"markdown":         true,
			},
		},
	}
}

// ─── Discord embed ──────────────────────────────────────────────────────────

type discordTemplate struct{}

func (discordTemplate) Name() string { return "discord" }

func (discordTemplate) Format(s Summary, _ TemplateOptions) map[string]interface{} {
	color := 0x2196F3
	switch s.Severity {
	case core.SeverityCritical:
		color = 0xD32F2F
	case core.SeverityHigh:
		color = 0xF44336
	case core.SeverityMedium:
		color = 0xFF9800
	}
	fields := []map[string]interface{}{
		{"name": "Attack", "value": s.AttackType, "inline": true},
		{"name": "Severity", "value": s.Severity.String(), "inline": true},
	}
	if s.SourceIP != "" {
		fields = append(fields, map[string]interface{}{"name": "Source IP", "value": fmt.Sprintf("`%s`", s.SourceIP), "inline": true})
	}
	return map[string]interface{}{
		"embeds": []map[string]interface{}{
			{
				"title":       headline(s),
				"description": truncate(s.Description, 500),
				"color":       color,
				"fields":      fields,
				"footer":      map[string]string{"text": "Incident " + shortID(s.IncidentID)},
				"timestamp":   s.CreatedAt.Format(time.RFC3339),
			},
		},
	}
}

// ─── Generic JSON ───────────────────────────────────────────────────────────

type genericTemplate struct{}

func (genericTemplate) Name() string { return "generic" }

func (genericTemplate) Format(s Summary, _ TemplateOptions) map[string]interface{} {
	return map[string]interface{}{
		"incident":  s,
		"timestamp": time.Now().UTC(),
		"source":    "soar",
	}
}

// plainText renders the summary for email, SMS and voice channels.
func plainText(s Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SECURITY INCIDENT %s\n\n", s.IncidentID)
	fmt.Fprintf(&b, "Title: %s\n", s.Title)
	fmt.Fprintf(&b, "Severity: %s\n", s.Severity)
	fmt.Fprintf(&b, "Attack type: %s\n", s.AttackType)
	if s.SourceIP != "" {
		fmt.Fprintf(&b, "Source IP: %s\n", s.SourceIP)
	}
	if s.TargetIP != "" {
		fmt.Fprintf(&b, "Target IP: %s\n", s.TargetIP)
	}
	if s.Playbook != "" {
		fmt.Fprintf(&b, "Playbook: %s\n", s.Playbook)
	}
	fmt.Fprintf(&b, "Opened: %s\n", s.CreatedAt.Format(time.RFC3339))
	if s.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", s.Description)
	}
	if len(s.Indicators) > 0 {
		fmt.Fprintf(&b, "\nIndicators:\n  %s\n", strings.Join(s.Indicators, "\n  "))
	}
	return b.String()
}

// shortText is the one-line form used for SMS and voice gateways.
func shortText(s Summary) string {
	msg := fmt.Sprintf("%s (%s) incident %s", headline(s), s.AttackType, shortID(s.IncidentID))
	if s.SourceIP != "" {
		msg += " from " + s.SourceIP
	}
	return truncate(msg, 300)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
