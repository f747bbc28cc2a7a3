package action

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/bytefense/soar/internal/core"
	"github.com/bytefense/soar/internal/incident"
	"github.com/bytefense/soar/internal/playbook"
)

const defaultTimeout = 10 * time.Second

// Collaborators are the external systems actions are carried out against.
// A nil collaborator makes its actions fail terminally.
type Collaborators struct {
	Firewall   Firewall
	Notifier   Notifier
	Evidence   EvidenceCollector
	Directives Directives
}

// Executor performs single playbook actions and folds retries into one
// outcome. It holds no per-incident state.
type Executor struct {
	c      Collaborators
	cfg    core.ExecutorConfig
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewExecutor(cfg core.ExecutorConfig, c Collaborators, logger zerolog.Logger) *Executor {
	return &Executor{
		c:      c,
		cfg:    cfg,
		logger: logger.With().Str("component", "executor").Logger(),
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) timeout() time.Duration {
	if e.cfg.Timeout > 0 {
		return e.cfg.Timeout
	}
	return defaultTimeout
}

// backoff returns the wait before retry n (0-based), doubling from the
// initial backoff up to the cap.
func backoff(p core.RetryPolicy, n int) time.Duration {
	d := p.InitialBackoff
	for i := 0; i < n && d > 0; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Execute runs one action to completion under its retry policy. Failures
// are reported in the outcome, never returned. Side effects of a failed
// attempt are not rolled back.
func (e *Executor) Execute(ctx context.Context, inc *incident.Incident, a playbook.Action) incident.ActionOutcome {
	out := incident.ActionOutcome{Action: a.Type()}
	log := e.logger.With().Str("incident_id", inc.ID).Str("action", string(a.Type())).Logger()

	target, err := resolveTarget(inc, a)
	if err != nil {
		out.Result = incident.ResultFailedTerminal
		out.Detail = err.Error()
		out.Timestamp = time.Now().UTC()
		log.Warn().Err(err).Msg("action has no usable target")
		return out
	}
	out.Target = target

	policy := e.cfg.Policy(a.Type())
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, backoff(policy, attempt-1)); err != nil {
				lastErr = fmt.Errorf("retry abandoned: %w", err)
				break
			}
			if policy.VerifyBeforeRetry {
				present, verr := e.verify(ctx, a, target)
				if verr != nil {
					log.Debug().Err(verr).Msg("pre-retry verification failed, re-applying")
				} else if present {
					if _, ok := a.(playbook.BlockSource); ok {
						if r, ok := e.c.Firewall.(BlockRetainer); ok {
							r.RetainBlock(target)
						}
					}
					out.Result = incident.ResultSucceeded
					out.Detail = fmt.Sprintf("%s already in effect, confirmed before retry %d", a, attempt)
					out.Timestamp = time.Now().UTC()
					log.Info().Int("attempts", out.Attempts).Msg("action effect verified before retry")
					return out
				}
			}
		}

		out.Attempts++
		detail, location, err := e.run(ctx, inc, a, target)
		if err == nil {
			out.Result = incident.ResultSucceeded
			out.Detail = detail
			out.Location = location
			out.Timestamp = time.Now().UTC()
			log.Info().Int("attempts", out.Attempts).Str("target", target).Msg(detail)
			return out
		}
		lastErr = err
		result := Classify(err)
		log.Warn().Err(err).Int("attempt", out.Attempts).Str("result", string(result)).Msg("action attempt failed")
		if result == incident.ResultFailedTerminal || ctx.Err() != nil {
			break
		}
	}

	out.Result = Classify(lastErr)
	out.Detail = lastErr.Error()
	out.Timestamp = time.Now().UTC()
	return out
}

// run performs one attempt under the collaborator timeout.
func (e *Executor) run(ctx context.Context, inc *incident.Incident, a playbook.Action, target string) (detail, location string, err error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout())
	defer cancel()

	switch v := a.(type) {
	case playbook.BlockSource:
		if e.c.Firewall == nil {
			return "", "", Terminalf("no firewall configured")
		}
		if err := e.c.Firewall.Block(ctx, target, v.Duration); err != nil {
			return "", "", err
		}
		if v.Duration == 0 {
			return fmt.Sprintf("blocked %s permanently", target), "", nil
		}
		return fmt.Sprintf("blocked %s for %s", target, v.Duration), "", nil

	case playbook.IsolateTarget:
		if e.c.Firewall == nil {
			return "", "", Terminalf("no firewall configured")
		}
		if err := e.c.Firewall.Isolate(ctx, target); err != nil {
			return "", "", err
		}
		return fmt.Sprintf("isolated %s", target), "", nil

	case playbook.Notify:
		if e.c.Notifier == nil {
			return "", "", Terminalf("no notifier configured")
		}
		if err := e.c.Notifier.Notify(ctx, v.Channel, SummaryOf(inc, inc.PlaybookExecuted)); err != nil {
			return "", "", err
		}
		return fmt.Sprintf("notified via %s", v.Channel), "", nil

	case playbook.CollectEvidence:
		if e.c.Evidence == nil {
			return "", "", Terminalf("no evidence collector configured")
		}
		loc, err := e.c.Evidence.Collect(ctx, inc.ID, v.Scope)
		if err != nil {
			return "", "", err
		}
		return fmt.Sprintf("%s evidence archived to %s", v.Scope, loc), loc, nil

	case playbook.RateLimit:
		return e.directive(ctx, inc, DirectiveRateLimitEnable, target, v.Duration)
	case playbook.IncreaseMonitoring:
		return e.directive(ctx, inc, DirectiveMonitoringIncrease, target, v.Duration)
	case playbook.ScanNetwork:
		return e.directive(ctx, inc, DirectiveScanNetwork, target, 0)
	case playbook.UpdateSignatures:
		return e.directive(ctx, inc, DirectiveUpdateSignatures, target, 0)
	default:
		return "", "", Terminalf("unsupported action %T", a)
	}
}

func (e *Executor) directive(ctx context.Context, inc *incident.Incident, kind, target string, d time.Duration) (string, string, error) {
	if e.c.Directives == nil {
		return "", "", Terminalf("no directive channel configured")
	}
	err := e.c.Directives.Send(ctx, Directive{Kind: kind, IncidentID: inc.ID, Target: target, Duration: d})
	if err != nil {
		return "", "", err
	}
	detail := "directive " + kind + " sent"
	if target != "" {
		detail += " for " + target
	}
	if d > 0 {
		detail += fmt.Sprintf(" (%s)", d)
	}
	return detail, "", nil
}

// verify asks the firewall whether a block or isolation is already present.
func (e *Executor) verify(ctx context.Context, a playbook.Action, target string) (bool, error) {
	if e.c.Firewall == nil {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout())
	defer cancel()
	switch a.(type) {
	case playbook.BlockSource:
		return e.c.Firewall.IsBlocked(ctx, target)
	case playbook.IsolateTarget:
		return e.c.Firewall.IsIsolated(ctx, target)
	}
	return false, nil
}

// Reverse undoes a time-bounded action under the collaborator timeout.
func (e *Executor) Reverse(ctx context.Context, kind core.ActionType, incidentID, target string) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout())
	defer cancel()

	switch kind {
	case core.ActionUnblockSource:
		if e.c.Firewall == nil {
			return Terminalf("no firewall configured")
		}
		return e.c.Firewall.Unblock(ctx, target)
	case core.ActionRateLimitDisable:
		if e.c.Directives == nil {
			return Terminalf("no directive channel configured")
		}
		return e.c.Directives.Send(ctx, Directive{Kind: DirectiveRateLimitDisable, IncidentID: incidentID, Target: target})
	case core.ActionRestoreMonitoring:
		if e.c.Directives == nil {
			return Terminalf("no directive channel configured")
		}
		return e.c.Directives.Send(ctx, Directive{Kind: DirectiveMonitoringRestore, IncidentID: incidentID, Target: target})
	default:
		return Terminalf("no reversal for %q", kind)
	}
}

// resolveTarget picks what an action operates on.
func resolveTarget(inc *incident.Incident, a playbook.Action) (string, error) {
	switch v := a.(type) {
	case playbook.BlockSource:
		if err := validateTarget(inc.SourceIP); err != nil {
			return "", fmt.Errorf("source: %w", err)
		}
		if v.Scope == playbook.ScopeNetwork {
			return networkOf(inc.SourceIP)
		}
		return inc.SourceIP, nil
	case playbook.IsolateTarget:
		target := inc.TargetIP
		if target == "" {
			target = inc.SourceIP
		}
		if err := validateTarget(target); err != nil {
			return "", fmt.Errorf("target: %w", err)
		}
		return target, nil
	case playbook.RateLimit, playbook.IncreaseMonitoring:
		if err := validateTarget(inc.SourceIP); err != nil {
			return "", fmt.Errorf("source: %w", err)
		}
		return inc.SourceIP, nil
	case playbook.Notify:
		return string(v.Channel), nil
	case playbook.ScanNetwork:
		return inc.SourceIP, nil
	}
	return "", nil
}
