package approval_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/foreman/internal/approval"
	"github.com/basket/foreman/internal/bus"
	"github.com/basket/foreman/internal/ledger"
)

func newGate(t *testing.T, timeout time.Duration) (*approval.Gate, *ledger.Store) {
	t.Helper()
	eventBus := bus.New()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "foreman.db"), eventBus)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return approval.NewGate(logger, store, eventBus, timeout), store
}

func enqueueTask(t *testing.T, store *ledger.Store) string {
	t.Helper()
	id, err := store.Enqueue(context.Background(), ledger.TaskItem{
		Description: "touch production",
		Sensitive:   true,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func TestAwaitTimeoutDeniesFailSafe(t *testing.T) {
	gate, store := newGate(t, 50*time.Millisecond)
	ctx := context.Background()

	taskID := enqueueTask(t, store)
	req, err := gate.Request(ctx, taskID, "drop the users table", "")
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	status, err := gate.Await(ctx, req.ID)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if status != ledger.ApprovalExpired {
		t.Fatalf("undecided request must expire, got %s", status)
	}

	stored, err := store.GetApproval(ctx, req.ID)
	if err != nil {
		t.Fatalf("get approval: %v", err)
	}
	if stored.Status != ledger.ApprovalExpired {
		t.Fatalf("expiry must be durable, got %s", stored.Status)
	}
}

func TestAwaitSeesDecision(t *testing.T) {
	gate, store := newGate(t, 5*time.Second)
	ctx := context.Background()

	taskID := enqueueTask(t, store)
	req, err := gate.Request(ctx, taskID, "rotate credentials", "")
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	result := make(chan ledger.ApprovalStatus, 1)
	go func() {
		status, err := gate.Await(ctx, req.ID)
		if err != nil {
			t.Errorf("await: %v", err)
		}
		result <- status
	}()

	// Give Await a moment to subscribe, then decide.
	time.Sleep(20 * time.Millisecond)
	if _, err := gate.Decide(ctx, req.ID, true); err != nil {
		t.Fatalf("decide: %v", err)
	}

	select {
	case status := <-result:
		if status != ledger.ApprovalApproved {
			t.Fatalf("want Approved, got %s", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("await did not observe the decision")
	}
}

func TestAwaitDecidedBeforeCall(t *testing.T) {
	gate, store := newGate(t, 5*time.Second)
	ctx := context.Background()

	taskID := enqueueTask(t, store)
	req, err := gate.Request(ctx, taskID, "publish release", "")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := gate.Decide(ctx, req.ID, false); err != nil {
		t.Fatalf("decide: %v", err)
	}

	status, err := gate.Await(ctx, req.ID)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if status != ledger.ApprovalDenied {
		t.Fatalf("want Denied, got %s", status)
	}
}

func TestDecideAfterExpiryFails(t *testing.T) {
	gate, store := newGate(t, 20*time.Millisecond)
	ctx := context.Background()

	taskID := enqueueTask(t, store)
	req, err := gate.Request(ctx, taskID, "send announcement", "")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if status, _ := gate.Await(ctx, req.ID); status != ledger.ApprovalExpired {
		t.Fatalf("want expiry, got %s", status)
	}

	// A late approval must not resurrect the request.
	if _, err := gate.Decide(ctx, req.ID, true); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("late decision should fail with ErrNotFound, got %v", err)
	}
}

func TestAwaitCancelledContextExpires(t *testing.T) {
	gate, store := newGate(t, time.Hour)
	taskID := enqueueTask(t, store)
	req, err := gate.Request(context.Background(), taskID, "long running gate", "")
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	status, err := gate.Await(ctx, req.ID)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if status != ledger.ApprovalExpired {
		t.Fatalf("shutdown must fail safe to Expired, got %s", status)
	}
}
