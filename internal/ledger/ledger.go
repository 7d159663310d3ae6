// Package ledger owns the durable orchestration state: the task backlog,
// the capability registry, the append-only decision log, and approval
// requests. All task mutations go through single-transaction updates so
// concurrent workers can never observe a half-applied transition.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/basket/foreman/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "Pending"
	TaskStatusInProgress TaskStatus = "InProgress"
	TaskStatusBlocked    TaskStatus = "Blocked"
	TaskStatusDone       TaskStatus = "Done"
	TaskStatusFailed     TaskStatus = "Failed"
)

// Status transitions are monotonic except Blocked<->Pending. Pending->Done is
// the capability no-op auto-complete; InProgress->Pending is the stale-claim
// requeue path.
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusPending: {
		TaskStatusInProgress: {},
		TaskStatusBlocked:    {},
		TaskStatusDone:       {},
	},
	TaskStatusInProgress: {
		TaskStatusDone:    {},
		TaskStatusFailed:  {},
		TaskStatusPending: {}, // Stale claim requeue.
	},
	TaskStatusBlocked: {
		TaskStatusPending: {},
	},
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "Pending"
	ApprovalApproved ApprovalStatus = "Approved"
	ApprovalDenied   ApprovalStatus = "Denied"
	ApprovalExpired  ApprovalStatus = "Expired"
)

// TaskItem is one unit of work in the backlog.
type TaskItem struct {
	ID               string     `json:"id"`
	Description      string     `json:"description"`
	Priority         int        `json:"priority"`
	Status           TaskStatus `json:"status"`
	Sensitive        bool       `json:"sensitive"`
	Capability       string     `json:"capability,omitempty"` // capability this task requests/builds
	Dependencies     []string   `json:"dependencies,omitempty"`
	AssignedProvider string     `json:"assigned_provider,omitempty"`
	ClaimOwner       string     `json:"claim_owner,omitempty"`
	ResultRef        string     `json:"result_ref,omitempty"`
	FailReason       string     `json:"fail_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	ClaimedAt        *time.Time `json:"claimed_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// Capability is a named unit of previously completed work.
type Capability struct {
	Name         string    `json:"name"`
	Implemented  bool      `json:"implemented"`
	LocationRef  string    `json:"location_ref"`
	SourceTaskID string    `json:"source_task_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// DecisionRecord is one row of the append-only audit trail. Never mutated
// or deleted.
type DecisionRecord struct {
	ID         int64     `json:"id"`
	TaskID     string    `json:"task_id"`
	ProviderID string    `json:"provider_id,omitempty"`
	Rationale  string    `json:"rationale"`
	Outcome    string    `json:"outcome"`
	CreatedAt  time.Time `json:"timestamp"`
}

// Decision outcomes recorded in the log.
const (
	OutcomeDispatched   = "DISPATCHED"
	OutcomeCompleted    = "COMPLETED"
	OutcomeValidation   = "VALIDATION_FAILED"
	OutcomeDenied       = "DENIED"
	OutcomeExpired      = "EXPIRED"
	OutcomeNoProvider   = "NO_PROVIDER"
	OutcomeAutoComplete = "AUTO_COMPLETED"
	OutcomeInternal     = "INTERNAL_ERROR"
	OutcomeRequeued     = "REQUEUED"
	OutcomeApproved     = "APPROVED"
	OutcomeExhausted    = "RETRIES_EXHAUSTED"
)

// ApprovalRequest gates a sensitive action on a human decision.
type ApprovalRequest struct {
	ID            string         `json:"id"`
	TaskID        string         `json:"task_id"`
	ActionSummary string         `json:"action_summary"`
	RiskFields    string         `json:"risk_fields,omitempty"` // JSON object
	Status        ApprovalStatus `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	DecidedAt     *time.Time     `json:"decided_at,omitempty"`
}

var (
	// ErrDuplicateTask is returned by Enqueue when an equivalent open task exists.
	ErrDuplicateTask = errors.New("duplicate task")
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned on an illegal status transition attempt.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrUnknownDependency is returned by Enqueue when a dependency names a
	// task ID that does not exist.
	ErrUnknownDependency = errors.New("unknown dependency")
)

// Store is the SQLite-backed ledger.
type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

// Open opens (creating if needed) the ledger database at path.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for tests and the status surface.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			description_hash TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'Pending',
			sensitive INTEGER NOT NULL DEFAULT 0,
			capability TEXT NOT NULL DEFAULT '',
			assigned_provider TEXT NOT NULL DEFAULT '',
			claim_owner TEXT NOT NULL DEFAULT '',
			result_ref TEXT NOT NULL DEFAULT '',
			fail_reason TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			claimed_at DATETIME,
			completed_at DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_priority ON tasks(status, priority DESC, created_at ASC);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_hash ON tasks(description_hash);`,
		`CREATE TABLE IF NOT EXISTS task_deps (
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			depends_on TEXT NOT NULL,
			PRIMARY KEY (task_id, depends_on)
		);`,
		`CREATE TABLE IF NOT EXISTS capabilities (
			name TEXT PRIMARY KEY,
			implemented INTEGER NOT NULL DEFAULT 0,
			location_ref TEXT NOT NULL DEFAULT '',
			source_task_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			provider_id TEXT NOT NULL DEFAULT '',
			rationale TEXT NOT NULL,
			outcome TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_task ON decisions(task_id, id);`,
		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			action_summary TEXT NOT NULL,
			risk_fields TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'Pending',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			decided_at DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_task_status ON approvals(task_id, status);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return tx.Commit()
}

// transitionTaskTx applies a guarded status transition inside tx. Returns
// false when the task is missing or not in an allowed source state; returns
// an error only for illegal transitions and database failures.
func (s *Store) transitionTaskTx(ctx context.Context, tx *sql.Tx, taskID string, allowedFrom []TaskStatus, to TaskStatus) (bool, error) {
	var current TaskStatus
	if err := tx.QueryRowContext(ctx, `
		SELECT status FROM tasks WHERE id = ?;
	`, taskID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select task for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return false, nil
	}
	if !canTransition(current, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ? WHERE id = ? AND status = ?;
	`, to, taskID, current)
	if err != nil {
		return false, fmt.Errorf("apply transition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	if n == 1 && s.bus != nil {
		s.bus.Publish(topicFor(to), bus.TaskEvent{
			TaskID:    taskID,
			OldStatus: string(current),
			NewStatus: string(to),
		})
	}
	return n == 1, nil
}

func topicFor(to TaskStatus) string {
	switch to {
	case TaskStatusInProgress:
		return bus.TopicTaskClaimed
	case TaskStatusDone:
		return bus.TopicTaskCompleted
	case TaskStatusFailed:
		return bus.TopicTaskFailed
	case TaskStatusBlocked:
		return bus.TopicTaskBlocked
	default:
		return bus.TopicTaskEnqueued
	}
}

// retryOnBusy retries f on transient SQLite lock errors with jittered
// exponential backoff.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Jitter: +-25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	// mattn/go-sqlite3 wraps errors as sqlite3.Error with Code field. Check
	// the error string for the code to avoid importing the CGO package here.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}
