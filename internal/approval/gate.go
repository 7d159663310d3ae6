// Package approval gates sensitive actions on an explicit human decision.
// The gate fails safe: a request that nobody decides within the timeout is
// expired and treated exactly like a denial.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/foreman/internal/bus"
	"github.com/basket/foreman/internal/ledger"
)

// Gate coordinates approval requests between the orchestrator and whatever
// surface the operator decides from. Requests and decisions live in the
// ledger; the bus carries the wakeups.
type Gate struct {
	logger  *slog.Logger
	store   *ledger.Store
	bus     *bus.Bus
	timeout time.Duration
}

// NewGate builds a gate with the given decision timeout.
func NewGate(logger *slog.Logger, store *ledger.Store, b *bus.Bus, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Gate{
		logger:  logger.With("component", "approval_gate"),
		store:   store,
		bus:     b,
		timeout: timeout,
	}
}

// Request creates (or returns the existing) pending approval for the task.
func (g *Gate) Request(ctx context.Context, taskID, actionSummary, riskFields string) (*ledger.ApprovalRequest, error) {
	req, err := g.store.CreateApproval(ctx, taskID, actionSummary, riskFields)
	if err != nil {
		return nil, fmt.Errorf("create approval: %w", err)
	}
	g.logger.Info("approval requested",
		"request_id", req.ID, "task_id", taskID, "summary", actionSummary)
	return req, nil
}

// Decide resolves a pending request. A second decision for the same request
// returns ledger.ErrNotFound; the first terminal status stands.
func (g *Gate) Decide(ctx context.Context, requestID string, approve bool) (*ledger.ApprovalRequest, error) {
	status := ledger.ApprovalDenied
	if approve {
		status = ledger.ApprovalApproved
	}
	req, err := g.store.ResolveApproval(ctx, requestID, status)
	if err != nil {
		return nil, err
	}
	g.logger.Info("approval decided",
		"request_id", requestID, "task_id", req.TaskID, "status", string(req.Status))
	return req, nil
}

// Await blocks until the request reaches a terminal status, the gate timeout
// elapses, or ctx is cancelled. On timeout or cancellation the request is
// expired in the ledger and ApprovalExpired is returned; the caller treats
// anything but ApprovalApproved as a denial.
func (g *Gate) Await(ctx context.Context, requestID string) (ledger.ApprovalStatus, error) {
	// Subscribe before the status read so a decision landing in between is
	// not missed.
	sub := g.bus.Subscribe("approval.")
	defer g.bus.Unsubscribe(sub)

	req, err := g.store.GetApproval(ctx, requestID)
	if err != nil {
		return "", fmt.Errorf("get approval: %w", err)
	}
	if req.Status != ledger.ApprovalPending {
		return req.Status, nil
	}

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return g.expire(requestID, "shutdown"), nil
		case <-timer.C:
			return g.expire(requestID, "timeout"), nil
		case ev, ok := <-sub.Ch():
			if !ok {
				return g.expire(requestID, "bus closed"), nil
			}
			payload, isApproval := ev.Payload.(bus.ApprovalEvent)
			if !isApproval || payload.RequestID != requestID {
				continue
			}
			req, err := g.store.GetApproval(context.Background(), requestID)
			if err != nil {
				return "", fmt.Errorf("get approval: %w", err)
			}
			if req.Status != ledger.ApprovalPending {
				return req.Status, nil
			}
		}
	}
}

// expire marks the request Expired. If a decision won the race, that
// decision's status is returned instead.
func (g *Gate) expire(requestID, cause string) ledger.ApprovalStatus {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := g.store.ResolveApproval(ctx, requestID, ledger.ApprovalExpired)
	if errors.Is(err, ledger.ErrNotFound) {
		if existing, getErr := g.store.GetApproval(ctx, requestID); getErr == nil {
			return existing.Status
		}
		return ledger.ApprovalExpired
	}
	if err != nil {
		g.logger.Error("expire approval", "request_id", requestID, "error", err)
		return ledger.ApprovalExpired
	}
	g.logger.Warn("approval expired", "request_id", requestID, "cause", cause)
	return req.Status
}

// Timeout returns the configured decision timeout.
func (g *Gate) Timeout() time.Duration {
	return g.timeout
}
