// Package orchestrator runs the claim/dispatch loop: workers pull ready
// tasks from the ledger, retrieve context from the knowledge store, pick a
// provider under the current mode, gate sensitive work on approval, dispatch,
// validate, and record every step in the decision log.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/foreman/internal/approval"
	"github.com/basket/foreman/internal/bus"
	"github.com/basket/foreman/internal/knowledge"
	"github.com/basket/foreman/internal/ledger"
	"github.com/basket/foreman/internal/otel"
	"github.com/basket/foreman/internal/provider"
	"github.com/basket/foreman/internal/schedule"
	"github.com/basket/foreman/internal/shared"
)

// pollInterval bounds how long a ready task can sit unclaimed when every bus
// wakeup was missed.
const pollInterval = 2 * time.Second

// Options wires the engine's collaborators.
type Options struct {
	Logger    *slog.Logger
	Store     *ledger.Store
	Knowledge *knowledge.Store
	Registry  *provider.Registry
	Modes     *schedule.Controller
	Gate      *approval.Gate
	Validator *provider.Validator
	Publisher Publisher
	Bus       *bus.Bus
	Tracer    trace.Tracer
	Metrics   *otel.Metrics

	Workers  int // defaults to Registry.TotalConcurrency()
	RetryMax int // max dispatch attempts per claim
	ContextK int // knowledge chunks retrieved per task
}

// Engine is the worker pool driving the task pipeline.
type Engine struct {
	logger    *slog.Logger
	store     *ledger.Store
	knowledge *knowledge.Store
	registry  *provider.Registry
	modes     *schedule.Controller
	gate      *approval.Gate
	validator *provider.Validator
	publisher Publisher
	bus       *bus.Bus
	tracer    trace.Tracer
	metrics   *otel.Metrics

	workers  int
	retryMax int
	contextK int
}

// New validates options and builds an engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Registry == nil || opts.Modes == nil || opts.Gate == nil {
		return nil, fmt.Errorf("orchestrator: missing collaborator")
	}
	if opts.Workers <= 0 {
		opts.Workers = opts.Registry.TotalConcurrency()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 3
	}
	if opts.ContextK <= 0 {
		opts.ContextK = 20
	}
	return &Engine{
		logger:    opts.Logger.With("component", "orchestrator"),
		store:     opts.Store,
		knowledge: opts.Knowledge,
		registry:  opts.Registry,
		modes:     opts.Modes,
		gate:      opts.Gate,
		validator: opts.Validator,
		publisher: opts.Publisher,
		bus:       opts.Bus,
		tracer:    opts.Tracer,
		metrics:   opts.Metrics,
		workers:   opts.Workers,
		retryMax:  opts.RetryMax,
		contextK:  opts.ContextK,
	}, nil
}

// Run starts the worker pool and blocks until ctx is cancelled and every
// in-flight task has finished. Workers wake on task and mode events and on a
// short poll so nothing stays unclaimed.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("orchestrator running", "workers", e.workers, "retry_max", e.retryMax)

	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			e.workerLoop(ctx, fmt.Sprintf("worker-%d", worker))
		}(i)
	}
	wg.Wait()
	e.logger.Info("orchestrator drained")
}

func (e *Engine) workerLoop(ctx context.Context, owner string) {
	sub := e.bus.Subscribe("task.")
	defer e.bus.Unsubscribe(sub)
	modeSub := e.bus.Subscribe(bus.TopicModeChanged)
	defer e.bus.Unsubscribe(modeSub)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		e.drainReady(ctx, owner)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-sub.Ch():
		case <-modeSub.Ch():
		}
	}
}

// drainReady claims and runs ready tasks until the backlog is empty or ctx
// is cancelled.
func (e *Engine) drainReady(ctx context.Context, owner string) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := e.store.ClaimNextReady(ctx, owner)
		if err != nil {
			if ctx.Err() == nil {
				e.logger.Error("claim failed", "worker", owner, "error", err)
			}
			return
		}
		if task == nil {
			return
		}
		e.runTask(ctx, task)
	}
}

// traceContext stamps a fresh trace ID and the task ID on the context.
func traceContext(ctx context.Context, taskID string) context.Context {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	return shared.WithTaskID(ctx, taskID)
}
