package main

// ---------------------------------------------------------------------------
// cmd_playbooks.go — list playbooks loaded by a node or from local config
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"strings"

	"github.com/bytefense/soar/internal/core"
	"github.com/bytefense/soar/internal/playbook"
)

type playbookList struct {
	Playbooks []playbook.Spec `json:"playbooks"`
	Total     int             `json:"total"`
}

func cmdPlaybooks(args []string) {
	fs := flag.NewFlagSet("playbooks", flag.ExitOnError)
	cf := addClientFlags(fs)
	local := fs.Bool("local", false, "Read playbooks from the local config instead of a running node")
	export := fs.Bool("export", false, "Print the playbooks as a YAML playbook file")
	fs.Parse(args)

	var list playbookList
	if *local || *export {
		cfg, err := core.LoadConfig(envConfig(*cf.configPath))
		if err != nil {
			errorf("loading config: %v", err)
		}
		reg, err := playbook.Load(cfg.Playbooks.File)
		if err != nil {
			errorf("loading playbooks: %v", err)
		}
		if *export {
			data, err := playbook.Marshal(reg.All())
			if err != nil {
				errorf("%v", err)
			}
			w, done := outputWriter(*cf.output)
			defer done()
			w.Write(data)
			return
		}
		for _, p := range reg.All() {
			list.Playbooks = append(list.Playbooks, playbook.SpecOf(p))
		}
		list.Total = len(list.Playbooks)
	} else if err := cf.client().get("/api/v1/playbooks", &list); err != nil {
		errorf("%v", err)
	}

	rows := make([][]string, 0, len(list.Playbooks))
	for _, p := range list.Playbooks {
		rows = append(rows, []string{
			p.Name,
			strings.Join(p.Triggers, ","),
			p.MinSeverity.String(),
			actionSummary(p.Actions),
		})
	}
	render(cf.outputFormat(), *cf.output, list, []string{"NAME", "TRIGGERS", "MIN SEVERITY", "ACTIONS"}, rows)
}

// actionSummary renders actions as "block_source(1h0m0s) → notify(email)".
func actionSummary(actions []playbook.ActionSpec) string {
	parts := make([]string, 0, len(actions))
	for _, a := range actions {
		var arg string
		switch {
		case a.Duration > 0:
			arg = a.Duration.String()
		case a.Channel != "":
			arg = a.Channel
		case a.Scope != "":
			arg = a.Scope
		}
		if arg != "" {
			parts = append(parts, fmt.Sprintf("%s(%s)", a.Type, arg))
		} else {
			parts = append(parts, string(a.Type))
		}
	}
	return strings.Join(parts, " → ")
}
