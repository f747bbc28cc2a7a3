package main

// ---------------------------------------------------------------------------
// cmd_emit.go — submit a detection event to a running node
// ---------------------------------------------------------------------------

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/bytefense/soar/internal/core"
	"github.com/bytefense/soar/internal/response"
)

// emitResponse covers both the plain result and the accepted-with-error body.
type emitResponse struct {
	response.Result
	Inner *response.Result `json:"result,omitempty"`
	Error string           `json:"error,omitempty"`
}

func cmdEmit(args []string) {
	fs := flag.NewFlagSet("emit", flag.ExitOnError)
	cf := addClientFlags(fs)
	attackType := fs.String("attack-type", "", "Attack type (required)")
	severity := fs.String("severity", "medium", "Severity: low, medium, high, critical")
	sourceIP := fs.String("source-ip", "", "Attacker IP")
	targetIP := fs.String("target-ip", "", "Affected host IP")
	title := fs.String("title", "", "Incident title")
	description := fs.String("description", "", "Free-form description")
	producer := fs.String("producer", "cli", "Producer name recorded on the event")
	var indicators []string
	fs.Func("indicator", "Indicator of compromise (repeatable)", func(s string) error {
		indicators = append(indicators, s)
		return nil
	})
	fs.Parse(args)

	ev, err := buildDetection(*attackType, *severity, *sourceIP, *targetIP, *title, *description, *producer, indicators)
	if err != nil {
		errorf("%v", err)
	}

	c := cf.client()
	var resp emitResponse
	if err := c.post("/api/v1/detections", ev, &resp); err != nil {
		errorf("%v", err)
	}
	res := resp.Result
	if resp.Inner != nil {
		res = *resp.Inner
	}

	if cf.outputFormat() == FormatJSON {
		render(FormatJSON, *cf.output, resp, nil, nil)
		return
	}
	verb := "Created"
	if res.Merged {
		verb = "Merged into"
	}
	fmt.Fprintf(os.Stdout, "%s %s incident %s (%s)\n", green("✓"), verb, res.IncidentID, res.Status)
	if res.Playbook != "" {
		fmt.Fprintf(os.Stdout, "  playbook: %s\n", res.Playbook)
	}
	if resp.Error != "" {
		warnf("%s", resp.Error)
	}
}

// buildDetection assembles and validates a detection event from CLI input.
func buildDetection(attackType, severity, sourceIP, targetIP, title, description, producer string, indicators []string) (*core.DetectionEvent, error) {
	if strings.TrimSpace(attackType) == "" {
		return nil, errors.New("--attack-type is required")
	}
	sev, err := core.ParseSeverity(severity)
	if err != nil {
		return nil, err
	}
	ev := core.NewDetectionEvent(attackType, sev, sourceIP)
	ev.TargetIP = targetIP
	ev.Title = title
	ev.Description = description
	ev.Producer = producer
	ev.Indicators = indicators
	if err := core.NewEventValidator().Validate(ev); err != nil {
		return nil, err
	}
	return ev, nil
}
