package main

// ---------------------------------------------------------------------------
// cmd_reversals.go — inspect and cancel pending reversals
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"time"
)

type reversalEntry struct {
	Handle      string    `json:"handle"`
	IncidentID  string    `json:"incident_id"`
	Target      string    `json:"target"`
	Action      string    `json:"action"`
	ScheduledAt time.Time `json:"scheduled_at"`
	DueAt       time.Time `json:"due_at"`
	State       string    `json:"state"`
}

type reversalList struct {
	Reversals []reversalEntry `json:"reversals"`
	Total     int             `json:"total"`
}

func cmdReversals(args []string) {
	fs := flag.NewFlagSet("reversals", flag.ExitOnError)
	cf := addClientFlags(fs)
	incidentID := fs.String("incident", "", "Only reversals for this incident")
	cancel := fs.String("cancel", "", "Cancel the reversal with this handle")
	fs.Parse(args)

	c := cf.client()
	if *cancel != "" {
		if err := c.delete("/api/v1/reversals/" + url.PathEscape(*cancel)); err != nil {
			errorf("%v", err)
		}
		fmt.Fprintf(os.Stdout, "%s Reversal %s cancelled. The original action stays in effect.\n", green("✓"), *cancel)
		return
	}

	path := "/api/v1/reversals"
	if *incidentID != "" {
		path += "?incident_id=" + url.QueryEscape(*incidentID)
	}
	var list reversalList
	if err := c.get(path, &list); err != nil {
		errorf("%v", err)
	}

	now := time.Now()
	rows := make([][]string, 0, len(list.Reversals))
	for _, e := range list.Reversals {
		rows = append(rows, []string{
			e.Handle, e.IncidentID, e.Action, e.Target, e.State, dueIn(e.DueAt, now),
		})
	}
	format := cf.outputFormat()
	render(format, *cf.output, list, []string{"HANDLE", "INCIDENT", "ACTION", "TARGET", "STATE", "DUE"}, rows)
	if format == FormatTable && list.Total == 0 {
		fmt.Fprintln(os.Stdout, dim("no pending reversals"))
	}
}

// dueIn renders the time left until a reversal fires.
func dueIn(due, now time.Time) string {
	d := due.Sub(now)
	if d <= 0 {
		return "due"
	}
	return "in " + d.Round(time.Second).String()
}
