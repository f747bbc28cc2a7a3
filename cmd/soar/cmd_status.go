package main

// ---------------------------------------------------------------------------
// cmd_status.go — query a running node, and stop it
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"time"
)

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cf := addClientFlags(fs)
	fs.Parse(args)

	c := cf.client()
	var st map[string]interface{}
	if err := c.get("/api/v1/status", &st); err != nil {
		if isConnectionError(err) {
			errorf("cannot reach soar at %s: is it running?", c.base)
		}
		errorf("%v", err)
	}

	format := cf.outputFormat()
	if format == FormatJSON {
		render(format, *cf.output, st, nil, nil)
		return
	}

	keys := make([]string, 0, len(st))
	for k := range st {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		v := st[k]
		if k == "uptime_seconds" {
			if secs, ok := v.(float64); ok {
				v = (time.Duration(secs) * time.Second).String()
			}
		}
		rows = append(rows, []string{k, truncate(fmt.Sprint(v), 80)})
	}
	render(format, *cf.output, st, []string{"FIELD", "VALUE"}, rows)
}

func cmdStop(args []string) {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	cf := addClientFlags(fs)
	fs.Parse(args)

	c := cf.client()
	c.mustReach()

	var resp map[string]string
	if err := c.post("/api/v1/shutdown", map[string]string{}, &resp); err != nil {
		if isConnectionError(err) {
			fmt.Fprintf(os.Stdout, "%s soar is shutting down.\n", green("✓"))
			return
		}
		errorf("shutdown request failed: %v", err)
	}
	fmt.Fprintf(os.Stdout, "%s %s\n", green("✓"), resp["message"])
}
