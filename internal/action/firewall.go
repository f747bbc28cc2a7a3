package action

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bytefense/soar/internal/core"
)

// NewFirewall builds the configured firewall backend.
func NewFirewall(cfg core.FirewallConfig, logger zerolog.Logger) (Firewall, error) {
	switch cfg.Backend {
	case "", "none":
		return NewDryRunFirewall(logger), nil
	case "iptables", "ufw":
		return NewExecFirewall(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown firewall backend %q", cfg.Backend)
	}
}

// validateTarget accepts a routable address or CIDR network. Loopback,
// multicast, unspecified and broadcast addresses are never valid targets.
func validateTarget(target string) error {
	if target == "" {
		return fmt.Errorf("%w: no address", ErrInvalidTarget)
	}
	ipStr := target
	if strings.Contains(target, "/") {
		ip, _, err := net.ParseCIDR(target)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidTarget, target, err)
		}
		ipStr = ip.String()
	}
	parsed := net.ParseIP(ipStr)
	switch {
	case parsed == nil:
		return fmt.Errorf("%w: %q is not an IP address", ErrInvalidTarget, target)
	case parsed.IsUnspecified():
		return fmt.Errorf("%w: unspecified address %q", ErrInvalidTarget, target)
	case parsed.IsMulticast():
		return fmt.Errorf("%w: multicast address %q", ErrInvalidTarget, target)
	case parsed.IsLoopback():
		return fmt.Errorf("%w: loopback address %q", ErrInvalidTarget, target)
	case parsed.Equal(net.IPv4bcast):
		return fmt.Errorf("%w: broadcast address %q", ErrInvalidTarget, target)
	}
	return nil
}

// networkOf returns the /24 (IPv4) or /64 (IPv6) containing ip.
func networkOf(ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", fmt.Errorf("%w: %q is not an IP address", ErrInvalidTarget, ip)
	}
	if v4 := parsed.To4(); v4 != nil {
		mask := net.CIDRMask(24, 32)
		return (&net.IPNet{IP: v4.Mask(mask), Mask: mask}).String(), nil
	}
	mask := net.CIDRMask(64, 128)
	return (&net.IPNet{IP: parsed.Mask(mask), Mask: mask}).String(), nil
}

func isIPv6(target string) bool {
	host := target
	if i := strings.IndexByte(target, '/'); i >= 0 {
		host = target[:i]
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.To4() == nil
}

// ---------------------------------------------------------------------------
// ExecFirewall: iptables or ufw through the command line
// ---------------------------------------------------------------------------

// commandRunner runs an external command and returns its combined output.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// ExecFirewall drives iptables or ufw. Block durations are not enforced by
// the firewall itself; the reversal scheduler removes the rule.
type ExecFirewall struct {
	backend string
	chain   string
	sudo    bool
	run     commandRunner
	logger  zerolog.Logger

	mu    sync.Mutex
	holds map[string]int // incidents relying on each blocked target
}

func NewExecFirewall(cfg core.FirewallConfig, logger zerolog.Logger) *ExecFirewall {
	chain := cfg.Chain
	if chain == "" {
		chain = "INPUT"
	}
	return &ExecFirewall{
		backend: cfg.Backend,
		chain:   chain,
		sudo:    cfg.Sudo,
		run:     runCommand,
		logger:  logger.With().Str("component", "firewall").Str("backend", cfg.Backend).Logger(),
		holds:   make(map[string]int),
	}
}

func (f *ExecFirewall) exec(ctx context.Context, name string, args ...string) ([]byte, error) {
	if f.sudo {
		args = append([]string{"-n", name}, args...)
		name = "sudo"
	}
	out, err := f.run(ctx, name, args...)
	if err != nil {
		return out, classifyCommandError(ctx, name, args, out, err)
	}
	return out, nil
}

// classifyCommandError marks lock contention as retryable and missing
// binaries or privileges as terminal.
func classifyCommandError(ctx context.Context, name string, args []string, out []byte, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), ctxErr)
	}
	msg := strings.TrimSpace(string(out))
	wrapped := fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
	if errors.Is(err, exec.ErrNotFound) {
		return Terminal(wrapped)
	}
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "xtables lock"), strings.Contains(lower, "resource temporarily unavailable"),
		strings.Contains(lower, "another app is currently holding"):
		return Retryable(wrapped)
	case strings.Contains(lower, "permission denied"), strings.Contains(lower, "must be root"),
		strings.Contains(lower, "password is required"):
		return Terminal(wrapped)
	}
	return wrapped
}

func (f *ExecFirewall) iptables(target string) string {
	if isIPv6(target) {
		return "ip6tables"
	}
	return "iptables"
}

// Block inserts a deny rule for target. Blocks are reference counted: a
// target already blocked by another incident gets no second rule, and the
// rule is only removed when its last holder unblocks.
func (f *ExecFirewall) Block(ctx context.Context, target string, d time.Duration) error {
	if err := validateTarget(target); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.holds[target]; n > 0 {
		f.holds[target] = n + 1
		f.logger.Info().Str("target", target).Int("holders", n+1).Dur("duration", d).Msg("source already blocked, hold added")
		return nil
	}
	var err error
	if f.backend == "ufw" {
		_, err = f.exec(ctx, "ufw", "insert", "1", "deny", "from", target)
	} else {
		_, err = f.exec(ctx, f.iptables(target), "-I", f.chain, "-s", target, "-j", "DROP")
	}
	if err != nil {
		return err
	}
	f.holds[target] = 1
	f.logger.Info().Str("target", target).Dur("duration", d).Msg("source blocked")
	return nil
}

// RetainBlock records one more holder of a block found already in effect.
func (f *ExecFirewall) RetainBlock(target string) {
	f.mu.Lock()
	f.holds[target]++
	f.mu.Unlock()
}

// Unblock releases one hold on target and removes the rule with the last
// one. A target with no recorded holders, such as a rule left by an earlier
// run, is removed directly.
func (f *ExecFirewall) Unblock(ctx context.Context, target string) error {
	if err := validateTarget(target); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.holds[target]; n > 1 {
		f.holds[target] = n - 1
		f.logger.Info().Str("target", target).Int("holders", n-1).Msg("block still held by another incident, rule kept")
		return nil
	}
	var err error
	if f.backend == "ufw" {
		_, err = f.exec(ctx, "ufw", "delete", "deny", "from", target)
	} else {
		_, err = f.exec(ctx, f.iptables(target), "-D", f.chain, "-s", target, "-j", "DROP")
	}
	if err != nil {
		return err
	}
	delete(f.holds, target)
	f.logger.Info().Str("target", target).Msg("source unblocked")
	return nil
}

// isolationRules are the iptables chain and match pairs Isolate installs.
var isolationRules = [][2]string{
	{"INPUT", "-s"},
	{"OUTPUT", "-d"},
	{"FORWARD", "-s"},
	{"FORWARD", "-d"},
}

// Isolate drops all traffic to and from target. Each rule is checked before
// it is inserted, so a retry after a partial failure completes the set.
func (f *ExecFirewall) Isolate(ctx context.Context, target string) error {
	if err := validateTarget(target); err != nil {
		return err
	}
	if f.backend == "ufw" {
		// ufw skips rules that already exist
		for _, step := range [][]string{
			{"insert", "1", "deny", "from", target},
			{"insert", "1", "deny", "out", "to", target},
		} {
			if _, err := f.exec(ctx, "ufw", step...); err != nil {
				return err
			}
		}
	} else {
		bin := f.iptables(target)
		for _, r := range isolationRules {
			present, err := f.iptablesHasRule(ctx, target, r[0], r[1])
			if err != nil {
				return err
			}
			if present {
				continue
			}
			if _, err := f.exec(ctx, bin, "-I", r[0], r[1], target, "-j", "DROP"); err != nil {
				return err
			}
		}
	}
	f.logger.Warn().Str("target", target).Msg("host isolated")
	return nil
}

func (f *ExecFirewall) IsBlocked(ctx context.Context, target string) (bool, error) {
	if f.backend == "ufw" {
		in, _, err := f.ufwRules(ctx, target)
		return in, err
	}
	return f.iptablesHasRule(ctx, target, f.chain, "-s")
}

// IsIsolated reports true only when every isolation rule is present.
func (f *ExecFirewall) IsIsolated(ctx context.Context, target string) (bool, error) {
	if f.backend == "ufw" {
		in, out, err := f.ufwRules(ctx, target)
		return in && out, err
	}
	for _, r := range isolationRules {
		present, err := f.iptablesHasRule(ctx, target, r[0], r[1])
		if err != nil || !present {
			return false, err
		}
	}
	return true, nil
}

// iptablesHasRule uses -C, which exits 1 when the rule is absent.
func (f *ExecFirewall) iptablesHasRule(ctx context.Context, target, chain, flag string) (bool, error) {
	_, err := f.exec(ctx, f.iptables(target), "-C", chain, flag, target, "-j", "DROP")
	if err == nil {
		return true, nil
	}
	var exitErr interface{ ExitCode() int }
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, err
}

// ufwRules reports whether inbound and outbound deny rules for target exist.
func (f *ExecFirewall) ufwRules(ctx context.Context, target string) (in, out bool, err error) {
	status, err := f.exec(ctx, "ufw", "status")
	if err != nil {
		return false, false, err
	}
	for _, line := range strings.Split(string(status), "\n") {
		if !strings.Contains(line, target) || !strings.Contains(line, "DENY") {
			continue
		}
		if strings.Contains(line, "DENY OUT") {
			out = true
		} else {
			in = true
		}
	}
	return in, out, nil
}

// ---------------------------------------------------------------------------
// DryRunFirewall: records state in memory, touches nothing
// ---------------------------------------------------------------------------

// DryRunFirewall is the "none" backend.
type DryRunFirewall struct {
	mu       sync.Mutex
	blocked  map[string]int // holders per target
	isolated map[string]bool
	logger   zerolog.Logger
}

func NewDryRunFirewall(logger zerolog.Logger) *DryRunFirewall {
	return &DryRunFirewall{
		blocked:  make(map[string]int),
		isolated: make(map[string]bool),
		logger:   logger.With().Str("component", "firewall").Str("backend", "none").Logger(),
	}
}

func (f *DryRunFirewall) Block(_ context.Context, target string, d time.Duration) error {
	if err := validateTarget(target); err != nil {
		return err
	}
	f.mu.Lock()
	f.blocked[target]++
	f.mu.Unlock()
	f.logger.Info().Str("target", target).Dur("duration", d).Msg("dry run: would block source")
	return nil
}

func (f *DryRunFirewall) RetainBlock(target string) {
	f.mu.Lock()
	f.blocked[target]++
	f.mu.Unlock()
}

func (f *DryRunFirewall) Unblock(_ context.Context, target string) error {
	if err := validateTarget(target); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.blocked[target]; n > 1 {
		f.blocked[target] = n - 1
		f.logger.Info().Str("target", target).Int("holders", n-1).Msg("dry run: block still held, keeping it")
		return nil
	}
	delete(f.blocked, target)
	f.logger.Info().Str("target", target).Msg("dry run: would unblock source")
	return nil
}

func (f *DryRunFirewall) Isolate(_ context.Context, target string) error {
	if err := validateTarget(target); err != nil {
		return err
	}
	f.mu.Lock()
	f.isolated[target] = true
	f.mu.Unlock()
	f.logger.Warn().Str("target", target).Msg("dry run: would isolate host")
	return nil
}

func (f *DryRunFirewall) IsBlocked(_ context.Context, target string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.blocked[target]
	return ok, nil
}

func (f *DryRunFirewall) IsIsolated(_ context.Context, target string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.isolated[target], nil
}
