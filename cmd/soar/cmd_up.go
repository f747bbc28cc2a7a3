package main

// ---------------------------------------------------------------------------
// cmd_up.go — start a soar node
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"

	"github.com/bytefense/soar/internal/core"
	"github.com/bytefense/soar/internal/daemon"
	"github.com/bytefense/soar/internal/playbook"
)

func cmdUp(args []string) {
	fs := flag.NewFlagSet("up", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	logLevel := fs.String("log-level", "", "Override log level (debug, info, warn, error)")
	dryRun := fs.Bool("dry-run", false, "Validate config and playbooks, then exit")
	quiet := fs.Bool("quiet", false, "Suppress the banner")
	fs.Parse(args)

	path := envConfig(*configPath)
	cfg, err := core.LoadConfig(path)
	if err != nil {
		errorf("loading config: %v", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		errorf("invalid config: %v", err)
	}

	if *dryRun {
		reg, err := playbook.Load(cfg.Playbooks.File)
		if err != nil {
			errorf("loading playbooks: %v", err)
		}
		fmt.Fprintf(os.Stdout, "%s Config OK (%s)\n", green("✓"), path)
		fmt.Fprintf(os.Stdout, "%s %d playbook(s) loaded\n", green("✓"), reg.Len())
		fmt.Fprintf(os.Stdout, "  store=%s lock=%s firewall=%s bus=%t\n",
			cfg.Store.Driver, cfg.Engine.Lock.Backend, cfg.Firewall.Backend, cfg.Bus.Enabled)
		return
	}

	if !*quiet {
		fmt.Fprint(os.Stderr, bannerText())
		fmt.Fprintf(os.Stderr, "  %s\n\n", dim("v"+version))
	}
	if cfg.Firewall.Backend == "none" {
		warnf("firewall.backend is \"none\": block and isolate actions are recorded but not enforced")
	}
	if !cfg.AuthEnabled() {
		warnf("no api_keys or jwt_secret configured: the API is unauthenticated")
	}

	d := daemon.New(cfg, path, version)
	if err := d.Run(); err != nil {
		errorf("%v", err)
	}
}
