package main

// ---------------------------------------------------------------------------
// cmd_config.go — show, validate or initialize configuration
// ---------------------------------------------------------------------------

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bytefense/soar/internal/core"
	"github.com/bytefense/soar/internal/playbook"
)

func cmdConfig(args []string) {
	if len(args) > 0 && args[0] == "init" {
		cmdConfigInit(args[1:])
		return
	}

	fs := flag.NewFlagSet("config", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	validate := fs.Bool("validate", false, "Validate config and playbooks, then exit")
	format := fs.String("format", "yaml", "Output format: yaml, json")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	showSecrets := fs.Bool("show-secrets", false, "Do not redact keys, passwords and DSNs")
	fs.Parse(args)

	path := envConfig(*configPath)
	cfg, err := core.LoadConfig(path)
	if err != nil {
		errorf("loading config: %v", err)
	}

	if *validate {
		issues := configIssues(cfg)
		if len(issues) > 0 {
			fmt.Fprintf(os.Stderr, "%s Config has %d issue(s):\n", red("✗"), len(issues))
			for _, issue := range issues {
				fmt.Fprintf(os.Stderr, "  - %s\n", issue)
			}
			os.Exit(1)
		}
		fmt.Fprintf(os.Stdout, "%s Config is valid (%s)\n", green("✓"), path)
		return
	}

	shown := cfg.Redacted()
	if *showSecrets {
		shown = *cfg
	}
	if *jsonOut || strings.EqualFold(*format, "json") {
		if err := writeJSON(os.Stdout, shown); err != nil {
			errorf("%v", err)
		}
		return
	}
	data, err := yaml.Marshal(shown)
	if err != nil {
		errorf("marshaling config: %v", err)
	}
	os.Stdout.Write(data)
}

// configIssues flattens Validate's joined error and adds playbook and port
// checks the loader cannot make on its own.
func configIssues(cfg *core.Config) []string {
	var issues []string
	if err := cfg.Validate(); err != nil {
		issues = append(issues, strings.Split(err.Error(), "\n")...)
	}
	if _, err := playbook.Load(cfg.Playbooks.File); err != nil {
		issues = append(issues, fmt.Sprintf("playbooks: %v", err))
	}
	if cfg.Bus.Enabled && cfg.Bus.Embedded && cfg.Bus.Port == cfg.Server.Port {
		issues = append(issues, fmt.Sprintf("server.port and bus.port are both %d", cfg.Server.Port))
	}
	if cfg.Ingest.Syslog.Enabled && cfg.Ingest.Syslog.Port == cfg.Server.Port {
		issues = append(issues, fmt.Sprintf("ingest.syslog.port and server.port are both %d", cfg.Server.Port))
	}
	if cfg.Archive.Enabled && !cfg.Bus.Enabled {
		issues = append(issues, "archive.enabled requires bus.enabled")
	}
	return issues
}

func cmdConfigInit(args []string) {
	fs := flag.NewFlagSet("config init", flag.ExitOnError)
	output := fs.String("output", defaultConfigPath, "Where to write the config")
	force := fs.Bool("force", false, "Overwrite an existing file")
	withPlaybooks := fs.Bool("playbooks", false, "Also write the built-in playbook catalog next to the config")
	fs.Parse(args)

	if err := writeStarterConfig(*output, *force, *withPlaybooks); err != nil {
		errorf("%v", err)
	}
	fmt.Fprintf(os.Stdout, "%s Wrote %s\n", green("✓"), *output)
	if *withPlaybooks {
		fmt.Fprintf(os.Stdout, "%s Wrote %s\n", green("✓"), playbookPathFor(*output))
	}
	fmt.Fprintf(os.Stdout, "\n  Start with: %s\n", bold("soar up --config "+*output))
}

func playbookPathFor(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "playbooks.yaml")
}

// writeStarterConfig writes the default config, and optionally the built-in
// playbooks as an editable file referenced from it.
func writeStarterConfig(path string, force, withPlaybooks bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	cfg := core.DefaultConfig()
	if withPlaybooks {
		reg, err := playbook.DefaultRegistry()
		if err != nil {
			return err
		}
		data, err := playbook.Marshal(reg.All())
		if err != nil {
			return err
		}
		pbPath := playbookPathFor(path)
		if err := os.WriteFile(pbPath, data, 0o644); err != nil {
			return fmt.Errorf("writing playbooks: %w", err)
		}
		cfg.Playbooks.File = pbPath
	}
	return core.SaveConfig(cfg, path)
}
