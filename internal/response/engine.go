// Package response turns detection events into incidents and drives their
// playbooks to completion.
package response

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bytefense/soar/internal/core"
	"github.com/bytefense/soar/internal/incident"
	"github.com/bytefense/soar/internal/keylock"
	"github.com/bytefense/soar/internal/playbook"
	"github.com/bytefense/soar/internal/reversal"
)

var (
	// ErrQueueFull means every worker is busy and the queue is at capacity.
	// The producer should retry later.
	ErrQueueFull = errors.New("detection queue full")
	// ErrStopped is returned once the engine has begun shutting down.
	ErrStopped = errors.New("response engine stopped")
	// ErrEmptyNote rejects blank analyst notes.
	ErrEmptyNote = errors.New("note is empty")
)

// Executor runs one playbook action and reports its outcome.
// *action.Executor satisfies it.
type Executor interface {
	Execute(ctx context.Context, inc *incident.Incident, a playbook.Action) incident.ActionOutcome
}

// Publisher carries incident updates to the bus. *core.EventBus satisfies it.
type Publisher interface {
	PublishJSON(subject string, v interface{}) error
}

// Deps are the engine's collaborators. Publisher and Metrics may be nil.
type Deps struct {
	Store     incident.Store
	Playbooks *playbook.Registry
	Executor  Executor
	Scheduler *reversal.Scheduler
	Locker    keylock.Locker
	Validator *core.EventValidator
	Publisher Publisher
	Metrics   *Metrics
}

// Result tells a producer what became of its detection.
type Result struct {
	IncidentID string          `json:"incident_id"`
	Status     incident.Status `json:"status"`
	Merged     bool            `json:"merged"`
	Playbook   string          `json:"playbook,omitempty"`
}

type job struct {
	event *core.DetectionEvent
	done  chan jobResult
}

type jobResult struct {
	res Result
	err error
}

// Engine is the incident response orchestrator. Detections are processed
// by a fixed worker pool; per-key locks keep one pipeline per (source,
// attack type) pair and one mutator per incident.
type Engine struct {
	cfg       core.EngineConfig
	store     incident.Store
	playbooks *playbook.Registry
	executor  Executor
	scheduler *reversal.Scheduler
	locker    keylock.Locker
	validator *core.EventValidator
	publisher Publisher
	metrics   *Metrics
	logger    zerolog.Logger

	queue   chan job
	mu      sync.RWMutex
	started bool
	stopped bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	startAt time.Time
}

// NewEngine wires an engine. Start launches its workers.
func NewEngine(cfg core.EngineConfig, deps Deps, logger zerolog.Logger) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("response engine needs an incident store")
	case deps.Playbooks == nil:
		return nil, errors.New("response engine needs a playbook registry")
	case deps.Executor == nil:
		return nil, errors.New("response engine needs an action executor")
	case deps.Scheduler == nil:
		return nil, errors.New("response engine needs a reversal scheduler")
	case deps.Locker == nil:
		return nil, errors.New("response engine needs a key locker")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if deps.Validator == nil {
		deps.Validator = core.NewEventValidator()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:       cfg,
		store:     deps.Store,
		playbooks: deps.Playbooks,
		executor:  deps.Executor,
		scheduler: deps.Scheduler,
		locker:    deps.Locker,
		validator: deps.Validator,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		logger:    logger.With().Str("component", "response_engine").Logger(),
		queue:     make(chan job, cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	e.metrics.registerQueue(
		func() float64 { return float64(len(e.queue)) },
		func() float64 { return float64(cap(e.queue)) },
	)
	e.scheduler.OnSettle(e.onReversalSettled)
	return e, nil
}

// Start launches the worker pool.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	e.startAt = time.Now()
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
	e.logger.Info().
		Int("workers", e.cfg.Workers).
		Int("queue_size", e.cfg.QueueSize).
		Int("playbooks", e.playbooks.Len()).
		Bool("auto_close", e.cfg.AutoClose).
		Msg("response engine started")
}

// Stop refuses new detections, drains the queue, then stops the reversal
// scheduler. Detections queued on an engine that was never started fail
// with ErrStopped.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	started := e.started
	close(e.queue)
	e.mu.Unlock()

	if !started {
		// no workers to drain the queue
		for j := range e.queue {
			j.done <- jobResult{err: ErrStopped}
		}
	}
	e.wg.Wait()
	e.scheduler.Stop()
	e.cancel()
	e.logger.Info().Msg("response engine stopped")
}

func (e *Engine) worker(n int) {
	defer e.wg.Done()
	for j := range e.queue {
		res, err := e.Handle(e.ctx, j.event)
		j.done <- jobResult{res: res, err: err}
	}
	e.logger.Debug().Int("worker", n).Msg("worker exited")
}

// Submit validates ev, queues it and waits for its result. A full queue
// fails fast with ErrQueueFull. If ctx ends first the detection is still
// processed; only the wait is abandoned.
func (e *Engine) Submit(ctx context.Context, ev *core.DetectionEvent) (Result, error) {
	if err := e.validator.Validate(ev); err != nil {
		e.metrics.detections.WithLabelValues("rejected").Inc()
		return Result{}, err
	}
	j := job{event: ev, done: make(chan jobResult, 1)}

	e.mu.RLock()
	if e.stopped {
		e.mu.RUnlock()
		return Result{}, ErrStopped
	}
	select {
	case e.queue <- j:
	default:
		e.mu.RUnlock()
		e.metrics.detections.WithLabelValues("queue_full").Inc()
		return Result{}, ErrQueueFull
	}
	e.mu.RUnlock()

	select {
	case r := <-j.done:
		return r.res, r.err
	case <-ctx.Done():
		return Result{}, fmt.Errorf("waiting for detection %s: %w", ev.ID, ctx.Err())
	}
}

// QueueDepth reports queued detections not yet picked up by a worker.
func (e *Engine) QueueDepth() int { return len(e.queue) }

// Metrics returns the engine's collectors.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// Uptime reports how long the workers have been running.
func (e *Engine) Uptime() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.started {
		return 0
	}
	return time.Since(e.startAt)
}

// Playbooks lists the loaded playbooks in registration order.
func (e *Engine) Playbooks() []*playbook.Playbook {
	return e.playbooks.All()
}
