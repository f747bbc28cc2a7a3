package main

// ---------------------------------------------------------------------------
// cmd_incidents.go — list, inspect, close and annotate incidents
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bytefense/soar/internal/incident"
)

type incidentList struct {
	Incidents []*incident.Incident `json:"incidents"`
	Total     int                  `json:"total"`
}

func cmdIncidents(args []string) {
	fs := flag.NewFlagSet("incidents", flag.ExitOnError)
	cf := addClientFlags(fs)
	status := fs.String("status", "", "Filter by status (open, in_progress, resolved, closed, unhandled)")
	severity := fs.String("severity", "", "Minimum severity (low, medium, high, critical)")
	attackType := fs.String("attack-type", "", "Filter by attack type")
	sourceIP := fs.String("source-ip", "", "Filter by source IP")
	since := fs.String("since", "", "Only incidents created at or after (RFC 3339 or a duration like 24h)")
	limit := fs.Int("limit", 50, "Maximum incidents to return")
	fs.Parse(args)

	q, err := incidentQuery(*status, *severity, *attackType, *sourceIP, *since, *limit, time.Now())
	if err != nil {
		errorf("%v", err)
	}

	c := cf.client()
	var list incidentList
	if err := c.get("/api/v1/incidents?"+q.Encode(), &list); err != nil {
		errorf("%v", err)
	}

	rows := make([][]string, 0, len(list.Incidents))
	for _, inc := range list.Incidents {
		rows = append(rows, incidentRow(inc))
	}
	format := cf.outputFormat()
	render(format, *cf.output, list, []string{"ID", "STATUS", "SEVERITY", "ATTACK", "SOURCE", "PLAYBOOK", "CREATED"}, rows)
	if format == FormatTable {
		fmt.Fprintf(os.Stdout, "%s\n", dim(fmt.Sprintf("%d incident(s)", list.Total)))
	}
}

// incidentQuery builds the list endpoint's query string. since accepts an
// absolute RFC 3339 time or a look-back duration relative to now.
func incidentQuery(status, severity, attackType, sourceIP, since string, limit int, now time.Time) (url.Values, error) {
	q := url.Values{}
	if status != "" {
		if _, err := incident.ParseStatus(status); err != nil {
			return nil, err
		}
		q.Set("status", strings.ToLower(status))
	}
	if severity != "" {
		q.Set("min_severity", strings.ToLower(severity))
	}
	if attackType != "" {
		q.Set("attack_type", attackType)
	}
	if sourceIP != "" {
		q.Set("source_ip", sourceIP)
	}
	if since != "" {
		if d, err := time.ParseDuration(since); err == nil {
			q.Set("since", now.Add(-d).UTC().Format(time.RFC3339))
		} else if _, err := time.Parse(time.RFC3339, since); err == nil {
			q.Set("since", since)
		} else {
			return nil, fmt.Errorf("--since %q: expected RFC 3339 time or duration", since)
		}
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q, nil
}

func incidentRow(inc *incident.Incident) []string {
	return []string{
		inc.ID,
		string(inc.Status),
		inc.Severity.String(),
		inc.AttackType,
		inc.SourceIP,
		inc.PlaybookExecuted,
		inc.CreatedAt.Local().Format("2006-01-02 15:04:05"),
	}
}

func cmdIncident(args []string) {
	fs := flag.NewFlagSet("incident", flag.ExitOnError)
	cf := addClientFlags(fs)
	fs.Parse(args)
	if fs.NArg() != 1 {
		errorf("usage: soar incident <id>")
	}

	c := cf.client()
	var inc incident.Incident
	if err := c.get("/api/v1/incidents/"+url.PathEscape(fs.Arg(0)), &inc); err != nil {
		errorf("%v", err)
	}
	if cf.outputFormat() == FormatJSON {
		render(FormatJSON, *cf.output, inc, nil, nil)
		return
	}
	w, done := outputWriter(*cf.output)
	defer done()
	printIncident(w, &inc)
}

func printIncident(w io.Writer, inc *incident.Incident) {
	fmt.Fprintf(w, "%s  %s\n", bold(inc.Title), dim(inc.ID))
	fmt.Fprintf(w, "  status:     %s\n", inc.Status)
	fmt.Fprintf(w, "  severity:   %s\n", severityColor(inc.Severity.String()))
	fmt.Fprintf(w, "  attack:     %s\n", inc.AttackType)
	if inc.SourceIP != "" {
		fmt.Fprintf(w, "  source:     %s\n", inc.SourceIP)
	}
	if inc.TargetIP != "" {
		fmt.Fprintf(w, "  target:     %s\n", inc.TargetIP)
	}
	if inc.PlaybookExecuted != "" {
		fmt.Fprintf(w, "  playbook:   %s\n", inc.PlaybookExecuted)
	}
	fmt.Fprintf(w, "  created:    %s\n", inc.CreatedAt.Local().Format(time.RFC3339))
	if inc.ResolvedAt != nil {
		fmt.Fprintf(w, "  resolved:   %s\n", inc.ResolvedAt.Local().Format(time.RFC3339))
	}
	if len(inc.Indicators) > 0 {
		fmt.Fprintf(w, "  indicators: %s\n", strings.Join(inc.Indicators, ", "))
	}
	if inc.Notes != "" {
		fmt.Fprintf(w, "\n%s\n%s\n", bold("NOTES"), inc.Notes)
	}

	if len(inc.Actions) > 0 {
		fmt.Fprintf(w, "\n%s\n", bold("ACTIONS"))
		t := NewTable(w, "ACTION", "TARGET", "RESULT", "ATTEMPTS", "DETAIL")
		for _, a := range inc.Actions {
			t.AddRow(string(a.Action), a.Target, string(a.Result), strconv.Itoa(a.Attempts), truncate(a.Detail, 60))
		}
		t.Render()
	}

	if len(inc.Timeline) > 0 {
		fmt.Fprintf(w, "\n%s\n", bold("TIMELINE"))
		t := NewTable(w, "SEQ", "TIME", "EVENT", "BY", "DETAILS")
		for _, e := range inc.Timeline {
			by := "operator"
			if e.Automated {
				by = "engine"
			}
			t.AddRow(strconv.FormatInt(e.Seq, 10), e.Timestamp.Local().Format("15:04:05.000"), e.Action, by, truncate(e.Details, 70))
		}
		t.Render()
	}
}

func cmdClose(args []string) {
	fs := flag.NewFlagSet("close", flag.ExitOnError)
	cf := addClientFlags(fs)
	notes := fs.String("notes", "", "Closing notes")
	fs.Parse(args)
	if fs.NArg() != 1 {
		errorf("usage: soar close <id> [--notes text]")
	}

	c := cf.client()
	var inc incident.Incident
	if err := c.post("/api/v1/incidents/"+url.PathEscape(fs.Arg(0))+"/close", map[string]string{"notes": *notes}, &inc); err != nil {
		errorf("%v", err)
	}
	fmt.Fprintf(os.Stdout, "%s Incident %s closed.\n", green("✓"), inc.ID)
}

func cmdAnnotate(args []string) {
	fs := flag.NewFlagSet("annotate", flag.ExitOnError)
	cf := addClientFlags(fs)
	fs.Parse(args)
	if fs.NArg() < 2 {
		errorf("usage: soar annotate <id> <note>")
	}
	note := strings.Join(fs.Args()[1:], " ")

	c := cf.client()
	var inc incident.Incident
	if err := c.post("/api/v1/incidents/"+url.PathEscape(fs.Arg(0))+"/notes", map[string]string{"note": note}, &inc); err != nil {
		errorf("%v", err)
	}
	fmt.Fprintf(os.Stdout, "%s Note added to %s (%s).\n", green("✓"), inc.ID, inc.Status)
}
