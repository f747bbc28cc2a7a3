package main

// ---------------------------------------------------------------------------
// banner.go — banner, version and usage printing
// ---------------------------------------------------------------------------

import (
	"fmt"
	"io"
	"os"
	goruntime "runtime"
	"runtime/debug"
)

func bannerText() string {
	art := `
    ┌──────────────────────────────────────────┐
    │   ███████╗ ██████╗  █████╗ ██████╗       │
    │   ██╔════╝██╔═══██╗██╔══██╗██╔══██╗      │
    │   ███████╗██║   ██║███████║██████╔╝      │
    │   ╚════██║██║   ██║██╔══██║██╔══██╗      │
    │   ███████║╚██████╔╝██║  ██║██║  ██║      │
    │   ╚══════╝ ╚═════╝ ╚═╝  ╚═╝╚═╝  ╚═╝      │
    │     AUTOMATED INCIDENT RESPONSE          │
    └──────────────────────────────────────────┘
`
	if !colorEnabled() {
		return art
	}
	return "\033[36m" + art + "\033[0m"
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "soar v%s", version)
	if commit != "dev" {
		fmt.Fprintf(w, " (%s)", commit[:min(7, len(commit))])
	}
	if buildDate != "unknown" {
		fmt.Fprintf(w, " built %s", buildDate)
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		fmt.Fprintf(w, " %s", bi.GoVersion)
	}
	fmt.Fprintf(w, " %s/%s", goruntime.GOOS, goruntime.GOARCH)
	fmt.Fprintln(w)
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, bannerText())
	fmt.Fprintf(w, "  %s\n\n", dim("v"+version))
	fmt.Fprintf(w, "%s\n\n", bold("USAGE"))
	fmt.Fprintf(w, "  soar <command> [flags]\n\n")
	fmt.Fprintf(w, "%s\n\n", bold("COMMANDS"))
	for _, c := range commands {
		fmt.Fprintf(w, "  %-12s  %s\n", bold(c.name), c.summary)
	}
	fmt.Fprintf(w, "\n%s\n\n", bold("GLOBAL FLAGS"))
	fmt.Fprintf(w, "  %-22s  %s\n", "--config <path>", "Config file path (default: "+defaultConfigPath+", env: SOAR_CONFIG)")
	fmt.Fprintf(w, "  %-22s  %s\n", "--api-key <key>", "API key or JWT (env: SOAR_API_KEY)")
	fmt.Fprintf(w, "  %-22s  %s\n", "--format <fmt>", "Output format: table, json, csv (default: table)")
	fmt.Fprintf(w, "  %-22s  %s\n", "--version, -V", "Print version and exit")
	fmt.Fprintf(w, "\n%s\n\n", bold("ENVIRONMENT VARIABLES"))
	fmt.Fprintf(w, "  %-22s  %s\n", "SOAR_CONFIG", "Default config file path")
	fmt.Fprintf(w, "  %-22s  %s\n", "SOAR_HOST", "API host override")
	fmt.Fprintf(w, "  %-22s  %s\n", "SOAR_PORT", "API port override")
	fmt.Fprintf(w, "  %-22s  %s\n", "SOAR_API_KEY", "API key for authentication")
	fmt.Fprintf(w, "\n%s\n\n", bold("EXAMPLES"))
	fmt.Fprintf(w, "  %s\n", dim("# Start a node with defaults"))
	fmt.Fprintf(w, "  soar up\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Feed a detection by hand"))
	fmt.Fprintf(w, "  soar emit --attack-type ssh_brute_force --severity high --source-ip 203.0.113.9\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Open incidents as CSV"))
	fmt.Fprintf(w, "  soar incidents --status open --format csv\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Close an incident"))
	fmt.Fprintf(w, "  soar close 6f1c... --notes \"false positive, scanner allowlisted\"\n\n")
	fmt.Fprintf(w, "Run %s for detailed help on any command.\n\n", bold("soar help <command>"))
}

type commandHelp struct {
	name    string
	summary string
	usage   string
}

var commands = []commandHelp{
	{"up", "Start a soar node", "soar up [--config path] [--log-level level] [--dry-run]"},
	{"stop", "Gracefully stop a running node", "soar stop"},
	{"status", "Show status of a running node", "soar status [--format table|json]"},
	{"incidents", "List incidents", "soar incidents [--status s] [--severity s] [--attack-type t] [--source-ip ip] [--since rfc3339] [--limit n]"},
	{"incident", "Show one incident with its timeline", "soar incident <id>"},
	{"close", "Close an incident as an operator", "soar close <id> [--notes text]"},
	{"annotate", "Append an operator note to an incident", "soar annotate <id> <note>"},
	{"reversals", "List or cancel pending reversals", "soar reversals [--incident id] [--cancel handle]"},
	{"playbooks", "List playbooks (loaded or local)", "soar playbooks [--local] [--export]"},
	{"emit", "Submit a detection event", "soar emit --attack-type t --severity s [--source-ip ip] [--target-ip ip] [--indicator x]..."},
	{"logs", "Fetch recent logs from a running node", "soar logs [--limit n] [--level level]"},
	{"config", "Show, validate or initialize configuration", "soar config [--validate] | soar config init [--output path] [--force]"},
	{"token", "Issue an operator JWT from the configured secret", "soar token [--subject name] [--ttl 12h]"},
	{"version", "Print version and build info", "soar version"},
	{"help", "Show help for a command", "soar help <command>"},
}

func cmdHelp(name string) {
	for _, c := range commands {
		if c.name == name {
			fmt.Fprintf(os.Stdout, "%s\n\n  %s\n\n%s\n\n  %s\n\n", bold(c.name), c.summary, bold("USAGE"), c.usage)
			return
		}
	}
	fmt.Fprintf(os.Stderr, "%s no help for %q\n", red("error:"), name)
	if s := suggest(name); s != "" {
		fmt.Fprintf(os.Stderr, "\n  Did you mean %s?\n", bold("soar help "+s))
	}
	os.Exit(1)
}
