package ledger_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/foreman/internal/bus"
	"github.com/basket/foreman/internal/ledger"
)

func openStore(t *testing.T) *ledger.Store {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "foreman.db"), bus.New())
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustEnqueue(t *testing.T, store *ledger.Store, item ledger.TaskItem) string {
	t.Helper()
	id, err := store.Enqueue(context.Background(), item)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func TestEnqueueDuplicateSuppression(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	first := mustEnqueue(t, store, ledger.TaskItem{Description: "refactor billing module"})

	// Same description, different whitespace and case: still a duplicate.
	id, err := store.Enqueue(ctx, ledger.TaskItem{Description: "  Refactor   BILLING module "})
	if !errors.Is(err, ledger.ErrDuplicateTask) {
		t.Fatalf("want ErrDuplicateTask, got %v", err)
	}
	if id != first {
		t.Fatalf("duplicate should return existing id %s, got %s", first, id)
	}

	counts, err := store.TaskCounts(ctx)
	if err != nil {
		t.Fatalf("task counts: %v", err)
	}
	if counts[ledger.TaskStatusPending] != 1 {
		t.Fatalf("want exactly 1 pending task, got %d", counts[ledger.TaskStatusPending])
	}
}

func TestEnqueueAfterTerminalIsNotDuplicate(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	first := mustEnqueue(t, store, ledger.TaskItem{Description: "rotate signing keys"})
	claimed, err := store.ClaimNextReady(ctx, "worker-0")
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v (%v)", claimed, err)
	}
	if err := store.Complete(ctx, first, "results/first.md"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	second, err := store.Enqueue(ctx, ledger.TaskItem{Description: "rotate signing keys"})
	if err != nil {
		t.Fatalf("re-enqueue after completion: %v", err)
	}
	if second == first {
		t.Fatal("terminal task must not suppress a new enqueue")
	}
}

func TestClaimMutualExclusion(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	const tasks = 10
	for i := 0; i < tasks; i++ {
		mustEnqueue(t, store, ledger.TaskItem{Description: "task " + string(rune('a'+i))})
	}

	var mu sync.Mutex
	claims := make(map[string]int)

	var wg sync.WaitGroup
	for w := 0; w < 50; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := store.ClaimNextReady(ctx, "worker")
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if task == nil {
					return
				}
				mu.Lock()
				claims[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claims) != tasks {
		t.Fatalf("want %d distinct claims, got %d", tasks, len(claims))
	}
	for id, n := range claims {
		if n != 1 {
			t.Fatalf("task %s claimed %d times", id, n)
		}
	}
}

func TestClaimRespectsDependenciesAndPriority(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	dep := mustEnqueue(t, store, ledger.TaskItem{Description: "build parser", Priority: 1})
	blocked := mustEnqueue(t, store, ledger.TaskItem{
		Description:  "use parser output",
		Priority:     9,
		Dependencies: []string{dep},
	})

	// Highest priority is gated on its dependency, so the dependency comes out.
	first, err := store.ClaimNextReady(ctx, "worker-0")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if first == nil || first.ID != dep {
		t.Fatalf("want dependency %s claimed first, got %+v", dep, first)
	}

	if next, _ := store.ClaimNextReady(ctx, "worker-1"); next != nil {
		t.Fatalf("dependent task claimable before dependency done: %s", next.ID)
	}

	if err := store.Complete(ctx, dep, "results/parser.md"); err != nil {
		t.Fatalf("complete dependency: %v", err)
	}
	second, err := store.ClaimNextReady(ctx, "worker-1")
	if err != nil {
		t.Fatalf("claim after dependency done: %v", err)
	}
	if second == nil || second.ID != blocked {
		t.Fatalf("want %s claimable after dependency done, got %+v", blocked, second)
	}
}

func TestEnqueueRejectsUnknownDependency(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, ledger.TaskItem{
		Description:  "use output of missing work",
		Dependencies: []string{"no-such-task"},
	})
	if !errors.Is(err, ledger.ErrUnknownDependency) {
		t.Fatalf("want ErrUnknownDependency, got %v", err)
	}

	counts, err := store.TaskCounts(ctx)
	if err != nil {
		t.Fatalf("task counts: %v", err)
	}
	if counts[ledger.TaskStatusPending] != 0 {
		t.Fatalf("rejected enqueue must not leave a row, got %d pending", counts[ledger.TaskStatusPending])
	}
}

func TestClaimTreatsDanglingDependencyAsUnmet(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	id := mustEnqueue(t, store, ledger.TaskItem{Description: "work gated on vanished task"})

	// A dependency row pointing at a task that no longer exists (written
	// before the referenced row was purged) must keep the task out of the
	// ready set, never silently count as satisfied.
	if _, err := store.DB().ExecContext(ctx, `
		INSERT INTO task_deps (task_id, depends_on) VALUES (?, ?);
	`, id, "task-id-not-yet-enqueued"); err != nil {
		t.Fatalf("insert dangling dependency: %v", err)
	}

	task, err := store.ClaimNextReady(ctx, "worker-0")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if task != nil {
		t.Fatalf("task with dangling dependency must not be claimable, got %s", task.ID)
	}
}

func TestCapabilityAutoComplete(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	builder := mustEnqueue(t, store, ledger.TaskItem{
		Description: "implement csv export",
		Capability:  "csv-export",
	})
	if task, _ := store.ClaimNextReady(ctx, "worker-0"); task == nil || task.ID != builder {
		t.Fatalf("claim builder task: got %+v", task)
	}
	if err := store.Complete(ctx, builder, "pkg/export/csv.go"); err != nil {
		t.Fatalf("complete builder: %v", err)
	}

	// A later request for the same capability never redoes the work.
	repeat := mustEnqueue(t, store, ledger.TaskItem{
		Description: "add csv export support again",
		Capability:  "csv-export",
	})
	claimed, err := store.ClaimNextReady(ctx, "worker-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != nil {
		t.Fatalf("capability task should auto-complete, got claim %s", claimed.ID)
	}

	task, err := store.GetTask(ctx, repeat)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != ledger.TaskStatusDone {
		t.Fatalf("want Done, got %s", task.Status)
	}
	if task.ResultRef != "pkg/export/csv.go" {
		t.Fatalf("result ref should point at the capability, got %q", task.ResultRef)
	}

	decisions, err := store.ListDecisions(ctx, repeat)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	var found bool
	for _, d := range decisions {
		if d.Outcome == ledger.OutcomeAutoComplete {
			found = true
		}
	}
	if !found {
		t.Fatal("auto-complete decision not recorded")
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	id := mustEnqueue(t, store, ledger.TaskItem{Description: "some work"})

	// Pending task cannot jump straight to Failed.
	if err := store.Fail(ctx, id, "nope"); err == nil {
		t.Fatal("Fail on a Pending task should error")
	}

	task, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != ledger.TaskStatusPending {
		t.Fatalf("status must be unchanged, got %s", task.Status)
	}
}

func TestBlockUnblock(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	id := mustEnqueue(t, store, ledger.TaskItem{Description: "parked work"})
	if err := store.Block(ctx, id); err != nil {
		t.Fatalf("block: %v", err)
	}
	if task, _ := store.ClaimNextReady(ctx, "worker-0"); task != nil {
		t.Fatal("blocked task must not be claimable")
	}
	if err := store.Unblock(ctx, id); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	task, err := store.ClaimNextReady(ctx, "worker-0")
	if err != nil || task == nil || task.ID != id {
		t.Fatalf("unblocked task should be claimable: %+v (%v)", task, err)
	}
}

func TestRequeueStale(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	id := mustEnqueue(t, store, ledger.TaskItem{Description: "long running work"})
	if task, _ := store.ClaimNextReady(ctx, "worker-0"); task == nil {
		t.Fatal("claim failed")
	}

	// Negative TTL puts the cutoff in the future, so the fresh claim counts
	// as stale.
	n, err := store.RequeueStale(ctx, -time.Minute)
	if err != nil {
		t.Fatalf("requeue stale: %v", err)
	}
	if n != 1 {
		t.Fatalf("want 1 requeued, got %d", n)
	}
	task, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != ledger.TaskStatusPending {
		t.Fatalf("want Pending after requeue, got %s", task.Status)
	}
	if task.ClaimOwner != "" {
		t.Fatalf("claim owner must be cleared, got %q", task.ClaimOwner)
	}
}

func TestDecisionLogRedactsSecrets(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	id := mustEnqueue(t, store, ledger.TaskItem{Description: "deploy with credentials"})
	err := store.AppendDecision(ctx, ledger.DecisionRecord{
		TaskID:    id,
		Rationale: "dispatched with api_key=sk_live_0123456789abcdef0123",
		Outcome:   ledger.OutcomeDispatched,
	})
	if err != nil {
		t.Fatalf("append decision: %v", err)
	}
	decisions, err := store.ListDecisions(ctx, id)
	if err != nil || len(decisions) != 1 {
		t.Fatalf("list decisions: %v (%d)", err, len(decisions))
	}
	if got := decisions[0].Rationale; got == "" || got == "dispatched with api_key=sk_live_0123456789abcdef0123" {
		t.Fatalf("secret survived into the decision log: %q", got)
	}
}

func TestResolveApprovalExactlyOnce(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	id := mustEnqueue(t, store, ledger.TaskItem{Description: "sensitive action", Sensitive: true})
	req, err := store.CreateApproval(ctx, id, "delete production data", "")
	if err != nil {
		t.Fatalf("create approval: %v", err)
	}

	// Second request for the same task returns the same pending row.
	again, err := store.CreateApproval(ctx, id, "delete production data", "")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if again.ID != req.ID {
		t.Fatalf("want same pending request, got %s and %s", req.ID, again.ID)
	}

	resolved, err := store.ResolveApproval(ctx, req.ID, ledger.ApprovalApproved)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != ledger.ApprovalApproved {
		t.Fatalf("want Approved, got %s", resolved.Status)
	}

	// A competing denial after the approval must lose.
	if _, err := store.ResolveApproval(ctx, req.ID, ledger.ApprovalDenied); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("second resolution should fail with ErrNotFound, got %v", err)
	}
	final, err := store.GetApproval(ctx, req.ID)
	if err != nil {
		t.Fatalf("get approval: %v", err)
	}
	if final.Status != ledger.ApprovalApproved {
		t.Fatalf("first terminal status must stand, got %s", final.Status)
	}
}
