package main

// ---------------------------------------------------------------------------
// helpers.go — color, error helpers, env-based config, shared client flags
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bytefense/soar/internal/core"
)

// ---------------------------------------------------------------------------
// TTY / color helpers
// ---------------------------------------------------------------------------

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func colorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	return isTTY(os.Stderr)
}

func ansi(code, s string) string {
	if !colorEnabled() {
		return s
	}
	return code + s + "\033[0m"
}

func red(s string) string    { return ansi("\033[91m", s) }
func yellow(s string) string { return ansi("\033[93m", s) }
func green(s string) string  { return ansi("\033[32m", s) }
func cyan(s string) string   { return ansi("\033[36m", s) }
func dim(s string) string    { return ansi("\033[90m", s) }
func bold(s string) string   { return ansi("\033[1m", s) }

// severityColor tints a severity label for table output.
func severityColor(sev string) string {
	switch strings.ToLower(sev) {
	case "critical":
		return red(sev)
	case "high":
		return yellow(sev)
	case "medium":
		return cyan(sev)
	default:
		return dim(sev)
	}
}

// ---------------------------------------------------------------------------
// Error / warn helpers (always to stderr)
// ---------------------------------------------------------------------------

func errorf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, red("error: ")+format+"\n", args...)
	os.Exit(1)
}

func warnf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, yellow("warn: ")+format+"\n", args...)
}

// ---------------------------------------------------------------------------
// Env-based configuration
//
//   SOAR_CONFIG  — default config file path
//   SOAR_HOST    — API host override
//   SOAR_PORT    — API port override
//   SOAR_API_KEY — API key or JWT for authentication
// ---------------------------------------------------------------------------

// envConfig returns the config path, preferring flag > env > default.
func envConfig(flagVal string) string {
	if flagVal != "" && flagVal != defaultConfigPath {
		return flagVal
	}
	if e := os.Getenv("SOAR_CONFIG"); e != "" {
		return e
	}
	return flagVal
}

func envHost(flagVal string) string {
	if flagVal != "" {
		return flagVal
	}
	return os.Getenv("SOAR_HOST")
}

func envPort(flagVal int) int {
	if flagVal != 0 {
		return flagVal
	}
	if e := os.Getenv("SOAR_PORT"); e != "" {
		if p, err := strconv.Atoi(e); err == nil {
			return p
		}
	}
	return 0
}

// ---------------------------------------------------------------------------
// API helpers
// ---------------------------------------------------------------------------

func apiBase(configPath, hostOverride string, portOverride int) string {
	host := "127.0.0.1"
	port := core.DefaultConfig().Server.Port

	if cfg, err := core.LoadConfig(configPath); err == nil {
		if cfg.Server.Host != "" && cfg.Server.Host != "0.0.0.0" {
			host = cfg.Server.Host
		}
		if cfg.Server.Port != 0 {
			port = cfg.Server.Port
		}
	}
	if hostOverride != "" {
		host = hostOverride
	}
	if portOverride != 0 {
		port = portOverride
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

// resolveAPIKey returns the API key from flag, env, or config (in that order).
func resolveAPIKey(flagKey, configPath string) string {
	if flagKey != "" {
		return flagKey
	}
	if envKey := os.Getenv("SOAR_API_KEY"); envKey != "" {
		return envKey
	}
	cfg, err := core.LoadConfig(configPath)
	if err == nil && len(cfg.Server.APIKeys) > 0 {
		return cfg.Server.APIKeys[0]
	}
	return ""
}

// clientFlags are the flags every API client command accepts.
type clientFlags struct {
	configPath *string
	host       *string
	port       *int
	apiKey     *string
	timeout    *string
	format     *string
	jsonOut    *bool
	output     *string
}

func addClientFlags(fs *flag.FlagSet) *clientFlags {
	return &clientFlags{
		configPath: fs.String("config", defaultConfigPath, "Config file path"),
		host:       fs.String("host", "", "API host override"),
		port:       fs.Int("port", 0, "API port override"),
		apiKey:     fs.String("api-key", "", "API key or JWT for authentication"),
		timeout:    fs.String("timeout", "10s", "Request timeout"),
		format:     fs.String("format", "table", "Output format: table, json, csv"),
		jsonOut:    fs.Bool("json", false, "Output as JSON"),
		output:     fs.String("output", "", "Write output to file"),
	}
}

// client resolves the flags into an API client. Call after fs.Parse.
func (f *clientFlags) client() *apiClient {
	timeout, err := time.ParseDuration(*f.timeout)
	if err != nil {
		errorf("invalid timeout %q: %v", *f.timeout, err)
	}
	path := envConfig(*f.configPath)
	return &apiClient{
		base:    apiBase(path, envHost(*f.host), envPort(*f.port)),
		apiKey:  resolveAPIKey(*f.apiKey, path),
		timeout: timeout,
	}
}

func (f *clientFlags) outputFormat() OutputFormat {
	if *f.jsonOut {
		return FormatJSON
	}
	return parseFormat(*f.format)
}

// ---------------------------------------------------------------------------
// Suggest — typo correction for unknown commands
// ---------------------------------------------------------------------------

func suggest(input string) string {
	input = strings.ToLower(input)
	for _, c := range commands {
		if strings.HasPrefix(c.name, input) || strings.HasPrefix(input, c.name) {
			return c.name
		}
	}
	for _, c := range commands {
		if len(c.name) == len(input) {
			diff := 0
			for i := range c.name {
				if c.name[i] != input[i] {
					diff++
				}
			}
			if diff <= 1 {
				return c.name
			}
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
