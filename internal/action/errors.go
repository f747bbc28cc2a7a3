package action

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/bytefense/soar/internal/incident"
)

var (
	// ErrRetryable marks a collaborator failure worth another attempt.
	ErrRetryable = errors.New("retryable action failure")
	// ErrTerminal marks a collaborator failure that no retry can fix.
	ErrTerminal = errors.New("terminal action failure")
	// ErrInvalidTarget is a terminal failure for a missing or unusable address.
	ErrInvalidTarget = errors.New("invalid action target")
)

type classified struct {
	kind error
	err  error
}

func (c *classified) Error() string { return c.err.Error() }

func (c *classified) Unwrap() []error { return []error{c.kind, c.err} }

// Retryable wraps err so the executor retries it.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: ErrRetryable, err: err}
}

// Terminal wraps err so the executor stops retrying.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: ErrTerminal, err: err}
}

// Retryablef is fmt.Errorf wrapped with Retryable.
func Retryablef(format string, args ...interface{}) error {
	return Retryable(fmt.Errorf(format, args...))
}

// Terminalf is fmt.Errorf wrapped with Terminal.
func Terminalf(format string, args ...interface{}) error {
	return Terminal(fmt.Errorf(format, args...))
}

// Classify maps a collaborator error onto an outcome result. Explicit marks
// win, then timeouts are retryable; everything unrecognized is terminal.
func Classify(err error) incident.Result {
	if err == nil {
		return incident.ResultSucceeded
	}
	if errors.Is(err, ErrTerminal) || errors.Is(err, ErrInvalidTarget) {
		return incident.ResultFailedTerminal
	}
	if errors.Is(err, ErrRetryable) {
		return incident.ResultFailedRetryable
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return incident.ResultFailedRetryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return incident.ResultFailedRetryable
	}
	// Permission failures and anything unrecognized land here.
	return incident.ResultFailedTerminal
}
