package main

// ---------------------------------------------------------------------------
// main.go — command dispatcher for the soar CLI
//
// Command implementations live in cmd_*.go. Shared helpers are in
// helpers.go, http.go, output.go and banner.go.
// ---------------------------------------------------------------------------

import (
	"fmt"
	"os"
)

var (
	version   = "0.4.0"
	commit    = "dev"
	buildDate = "unknown"
)

const defaultConfigPath = "configs/soar.yaml"

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--version", "-V":
			printVersion(os.Stdout)
			os.Exit(0)
		case "--help", "-h", "help":
			if len(os.Args) >= 3 {
				cmdHelp(os.Args[2])
			} else {
				printUsage(os.Stdout)
			}
			os.Exit(0)
		}
	}

	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(0)
	}

	subcmd := os.Args[1]
	args := os.Args[2:]

	for _, a := range args {
		if a == "-h" || a == "--help" {
			cmdHelp(subcmd)
			os.Exit(0)
		}
	}

	switch subcmd {
	case "up":
		cmdUp(args)
	case "stop":
		cmdStop(args)
	case "status":
		cmdStatus(args)
	case "incidents":
		cmdIncidents(args)
	case "incident":
		cmdIncident(args)
	case "close":
		cmdClose(args)
	case "annotate":
		cmdAnnotate(args)
	case "reversals":
		cmdReversals(args)
	case "playbooks":
		cmdPlaybooks(args)
	case "emit":
		cmdEmit(args)
	case "logs":
		cmdLogs(args)
	case "config":
		cmdConfig(args)
	case "token":
		cmdToken(args)
	case "version":
		printVersion(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "%s unknown command %q\n", red("error:"), subcmd)
		if s := suggest(subcmd); s != "" {
			fmt.Fprintf(os.Stderr, "\n  Did you mean %s?\n", bold("soar "+s))
		}
		fmt.Fprintf(os.Stderr, "\nRun %s for usage.\n", bold("soar help"))
		os.Exit(1)
	}
}
