package main

// ---------------------------------------------------------------------------
// cmd_logs.go — fetch recent logs from a running node
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/bytefense/soar/internal/core"
)

func cmdLogs(args []string) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	cf := addClientFlags(fs)
	limit := fs.Int("limit", 100, "Number of log lines")
	level := fs.String("level", "", "Minimum level (debug, info, warn, error)")
	fs.Parse(args)

	q := url.Values{}
	q.Set("limit", strconv.Itoa(*limit))
	if *level != "" {
		q.Set("level", strings.ToLower(*level))
	}

	var resp struct {
		Logs  []core.LogEntry `json:"logs"`
		Total int             `json:"total"`
	}
	if err := cf.client().get("/api/v1/logs?"+q.Encode(), &resp); err != nil {
		errorf("%v", err)
	}

	format := cf.outputFormat()
	if format != FormatTable {
		rows := make([][]string, 0, len(resp.Logs))
		for _, e := range resp.Logs {
			rows = append(rows, []string{e.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"), e.Level, e.Component, e.Message})
		}
		render(format, *cf.output, resp, []string{"TIME", "LEVEL", "COMPONENT", "MESSAGE"}, rows)
		return
	}

	w, done := outputWriter(*cf.output)
	defer done()
	for _, e := range resp.Logs {
		lvl := strings.ToUpper(e.Level)
		switch e.Level {
		case "error", "fatal", "panic":
			lvl = red(lvl)
		case "warn":
			lvl = yellow(lvl)
		case "debug", "trace":
			lvl = dim(lvl)
		}
		comp := ""
		if e.Component != "" {
			comp = cyan("[" + e.Component + "] ")
		}
		fmt.Fprintf(w, "%s %-5s %s%s\n", dim(e.Timestamp.Local().Format("15:04:05.000")), lvl, comp, e.Message)
	}
	if len(resp.Logs) == 0 {
		fmt.Fprintln(os.Stderr, dim("no log entries"))
	}
}
