package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/foreman/internal/ledger"
	"github.com/basket/foreman/internal/otel"
	"github.com/basket/foreman/internal/provider"
	"github.com/basket/foreman/internal/schedule"
	"github.com/basket/foreman/internal/shared"
)

// runTask drives one claimed task to a terminal status. Every exit path
// leaves the ledger consistent: Done, Failed, or back to Pending for
// transient conditions. A panic anywhere in the pipeline fails the task
// instead of killing the worker.
func (e *Engine) runTask(ctx context.Context, task *ledger.TaskItem) {
	ctx = traceContext(ctx, task.ID)
	started := time.Now()

	ctx, span := otel.StartSpan(ctx, e.tracer, "task.run", otel.AttrTaskID.String(task.ID))
	defer span.End()

	if e.metrics != nil {
		e.metrics.ActiveWorkers.Add(ctx, 1)
		defer e.metrics.ActiveWorkers.Add(ctx, -1)
	}

	defer func() {
		if r := recover(); r != nil {
			bookCtx := context.WithoutCancel(ctx)
			e.logger.ErrorContext(bookCtx, "task panicked", "panic", fmt.Sprint(r))
			_ = e.store.AppendDecision(bookCtx, ledger.DecisionRecord{
				TaskID:    task.ID,
				Rationale: fmt.Sprintf("panic during execution: %v", r),
				Outcome:   ledger.OutcomeInternal,
			})
			if err := e.store.Fail(bookCtx, task.ID, "internal error"); err != nil {
				e.logger.ErrorContext(bookCtx, "fail after panic", "error", err)
			}
		}
		if e.metrics != nil {
			e.metrics.TaskDuration.Record(context.Background(), time.Since(started).Seconds())
		}
	}()

	mode := e.modes.CurrentMode()
	span.SetAttributes(otel.AttrMode.String(string(mode)))
	e.logger.InfoContext(ctx, "task claimed",
		"mode", string(mode), "priority", task.Priority, "sensitive", task.Sensitive)

	chunks := e.retrieveContext(ctx, task)
	span.SetAttributes(otel.AttrChunkCount.Int(len(chunks)))

	// Sensitive work never reaches a provider without an explicit approval.
	if task.Sensitive {
		if !e.approve(ctx, task, mode) {
			return
		}
	}

	priors := e.priorRationales(ctx, task.ID)
	req := provider.Request{
		TaskID:      task.ID,
		Description: task.Description,
		Context:     chunks,
		Decisions:   priors,
	}

	exclude := make(map[string]bool)
	var lastErr error
	transient := false
	for attempt := 1; attempt <= e.retryMax; attempt++ {
		lease, err := e.registry.Select(mode, exclude)
		if errors.Is(err, provider.ErrNoProviderAvailable) {
			e.noProvider(ctx, task, attempt, transient, lastErr)
			return
		}
		if err != nil {
			e.failTask(ctx, task, fmt.Sprintf("select provider: %v", err), ledger.OutcomeInternal)
			return
		}

		done, retryable := e.dispatch(ctx, task, mode, lease, req, attempt, &lastErr)
		if done {
			return
		}
		transient = retryable
		exclude[lease.Descriptor.ID] = true
	}

	if transient {
		e.requeueTask(ctx, task, fmt.Sprintf("dispatch failed transiently after %d attempts: %v", e.retryMax, lastErr))
		return
	}
	e.failTask(ctx, task, fmt.Sprintf("retries exhausted after %d attempts: %v", e.retryMax, lastErr), ledger.OutcomeExhausted)
}

// dispatch runs one provider attempt. done reports whether the task reached a
// terminal status; when it did not, transient distinguishes transport-level
// trouble (the task may return to the backlog) from a rejected response (the
// provider produced output and it was unacceptable).
func (e *Engine) dispatch(ctx context.Context, task *ledger.TaskItem, mode schedule.Mode, lease *provider.Lease, req provider.Request, attempt int, lastErr *error) (done, transient bool) {
	defer lease.Release()
	desc := lease.Descriptor
	ctx = shared.WithProviderID(ctx, desc.ID)

	if err := e.store.SetAssignedProvider(ctx, task.ID, desc.ID); err != nil {
		e.logger.WarnContext(ctx, "record assigned provider", "error", err)
	}
	rationale := fmt.Sprintf("attempt %d: selected %s (class=%s cost_weight=%.2f) in %s mode with %d context chunks",
		attempt, desc.ID, desc.Class, desc.CostWeight, mode, len(req.Context))
	_ = e.store.AppendDecision(ctx, ledger.DecisionRecord{
		TaskID:     task.ID,
		ProviderID: desc.ID,
		Rationale:  rationale,
		Outcome:    ledger.OutcomeDispatched,
	})

	dispatchCtx, span := otel.StartClientSpan(ctx, e.tracer, "provider.execute",
		otel.AttrTaskID.String(task.ID),
		otel.AttrProviderID.String(desc.ID),
		otel.AttrAttempt.Int(attempt),
	)
	dispatchStart := time.Now()
	resp, err := lease.Provider.Execute(dispatchCtx, req)
	span.End()
	if e.metrics != nil {
		e.metrics.DispatchDuration.Record(ctx, time.Since(dispatchStart).Seconds(),
			metric.WithAttributes(otel.AttrProviderID.String(desc.ID)))
	}

	if err != nil {
		lease.ReportFailure()
		if e.metrics != nil {
			e.metrics.DispatchErrors.Add(ctx, 1, metric.WithAttributes(otel.AttrProviderID.String(desc.ID)))
		}
		e.logger.WarnContext(ctx, "dispatch failed", "attempt", attempt, "error", err)
		*lastErr = err
		return false, true
	}

	if e.validator != nil {
		if err := e.validator.Validate(resp); err != nil {
			lease.ReportFailure()
			e.logger.WarnContext(ctx, "response rejected", "attempt", attempt, "error", err)
			_ = e.store.AppendDecision(ctx, ledger.DecisionRecord{
				TaskID:     task.ID,
				ProviderID: desc.ID,
				Rationale:  err.Error(),
				Outcome:    ledger.OutcomeValidation,
			})
			*lastErr = err
			return false, false
		}
	}
	lease.ReportSuccess(resp.Cost)

	ref := ""
	if e.publisher != nil {
		var pubErr error
		ref, pubErr = e.publisher.Publish(ctx, task, resp.Output, mode == schedule.ModeAutonomous)
		if pubErr != nil {
			e.logger.ErrorContext(ctx, "publish result", "error", pubErr)
			*lastErr = pubErr
			return false, true
		}
	}

	if err := e.store.Complete(ctx, task.ID, ref); err != nil {
		e.logger.ErrorContext(ctx, "complete task", "error", err)
		return true, false
	}
	_ = e.store.AppendDecision(ctx, ledger.DecisionRecord{
		TaskID:     task.ID,
		ProviderID: desc.ID,
		Rationale:  fmt.Sprintf("completed on attempt %d, result at %s", attempt, ref),
		Outcome:    ledger.OutcomeCompleted,
	})
	e.logger.InfoContext(ctx, "task completed", "result_ref", ref, "cost", resp.Cost)
	return true, false
}

// approve gates a sensitive task. Returns true only on an explicit approval;
// denial, expiry, and shutdown all fail the task.
func (e *Engine) approve(ctx context.Context, task *ledger.TaskItem, mode schedule.Mode) bool {
	summary := fmt.Sprintf("sensitive task %s: %s", task.ID, task.Description)
	req, err := e.gate.Request(ctx, task.ID, summary, "")
	if err != nil {
		e.failTask(ctx, task, fmt.Sprintf("request approval: %v", err), ledger.OutcomeInternal)
		return false
	}
	e.logger.InfoContext(ctx, "awaiting approval", "request_id", req.ID, "mode", string(mode))

	status, err := e.gate.Await(ctx, req.ID)
	if err != nil {
		e.failTask(ctx, task, fmt.Sprintf("await approval: %v", err), ledger.OutcomeInternal)
		return false
	}
	if status == ledger.ApprovalApproved {
		_ = e.store.AppendDecision(ctx, ledger.DecisionRecord{
			TaskID:    task.ID,
			Rationale: fmt.Sprintf("approval %s granted", req.ID),
			Outcome:   ledger.OutcomeApproved,
		})
		return true
	}

	outcome := ledger.OutcomeDenied
	if status == ledger.ApprovalExpired {
		outcome = ledger.OutcomeExpired
	}
	if e.metrics != nil {
		e.metrics.ApprovalDenials.Add(ctx, 1)
	}
	e.failTask(ctx, task, fmt.Sprintf("approval %s: %s", req.ID, status), outcome)
	return false
}

// noProvider handles an empty selection. Selection coming up empty, like a
// transport failure, is a condition of the moment rather than of the task, so
// the claim returns to the backlog unless the task itself was rejected.
func (e *Engine) noProvider(ctx context.Context, task *ledger.TaskItem, attempt int, transient bool, lastErr error) {
	if attempt == 1 {
		e.requeueTask(ctx, task, "no eligible provider, requeued")
		return
	}
	if transient {
		e.requeueTask(ctx, task, fmt.Sprintf("no alternate provider after transient failure: %v", lastErr))
		return
	}
	_ = e.store.AppendDecision(ctx, ledger.DecisionRecord{
		TaskID:    task.ID,
		Rationale: fmt.Sprintf("no alternate provider after %d attempts", attempt-1),
		Outcome:   ledger.OutcomeNoProvider,
	})
	e.failTask(ctx, task, fmt.Sprintf("no alternate provider: %v", lastErr), "")
}

// requeueTask releases the claim back to Pending. The ledger write survives a
// cancelled worker context so a shutdown mid-dispatch never strands the claim.
func (e *Engine) requeueTask(ctx context.Context, task *ledger.TaskItem, reason string) {
	ctx = context.WithoutCancel(ctx)
	if err := e.store.Requeue(ctx, task.ID, reason); err != nil {
		e.logger.ErrorContext(ctx, "requeue task", "error", err)
		return
	}
	e.logger.InfoContext(ctx, "task requeued", "reason", reason)
}

// failTask marks the task Failed and records why. outcome may be empty when a
// decision row was already written for this failure.
func (e *Engine) failTask(ctx context.Context, task *ledger.TaskItem, reason, outcome string) {
	ctx = context.WithoutCancel(ctx)
	if outcome != "" {
		_ = e.store.AppendDecision(ctx, ledger.DecisionRecord{
			TaskID:    task.ID,
			Rationale: reason,
			Outcome:   outcome,
		})
	}
	if err := e.store.Fail(ctx, task.ID, reason); err != nil {
		e.logger.ErrorContext(ctx, "fail task", "error", err)
		return
	}
	e.logger.WarnContext(ctx, "task failed", "reason", reason)
}

// retrieveContext pulls the top-k knowledge chunks for the task description.
// Retrieval trouble degrades to an empty context rather than blocking work.
func (e *Engine) retrieveContext(ctx context.Context, task *ledger.TaskItem) []string {
	if e.knowledge == nil {
		return nil
	}
	records, err := e.knowledge.Query(ctx, task.Description, e.contextK)
	if err != nil {
		e.logger.WarnContext(ctx, "context retrieval failed", "error", err)
		return nil
	}
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Text)
	}
	return out
}

// priorRationales collects earlier decision rationales so a retried task
// carries its own history into the prompt.
func (e *Engine) priorRationales(ctx context.Context, taskID string) []string {
	records, err := e.store.ListDecisions(ctx, taskID)
	if err != nil {
		e.logger.WarnContext(ctx, "list decisions", "error", err)
		return nil
	}
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, fmt.Sprintf("[%s] %s", r.Outcome, r.Rationale))
	}
	return out
}
