package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/basket/foreman/internal/bus"
	"github.com/google/uuid"
)

// descriptionHash normalizes and hashes a task description for duplicate
// suppression.
func descriptionHash(description string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(strings.Join(strings.Fields(description), " "))))
	return strconv.FormatUint(h.Sum64(), 16)
}

// Enqueue inserts a new task. If an open (non-terminal) task with the same
// normalized description already exists, the existing task's ID is returned
// with ErrDuplicateTask and nothing is written.
func (s *Store) Enqueue(ctx context.Context, item TaskItem) (string, error) {
	if strings.TrimSpace(item.Description) == "" {
		return "", fmt.Errorf("enqueue: empty description")
	}
	taskID := uuid.NewString()
	hash := descriptionHash(item.Description)

	var result string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var existingID string
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM tasks
			WHERE description_hash = ? AND status IN (?, ?, ?)
			LIMIT 1;
		`, hash, TaskStatusPending, TaskStatusInProgress, TaskStatusBlocked).Scan(&existingID)
		if err == nil {
			result = existingID
			return ErrDuplicateTask
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check duplicate: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, description, description_hash, priority, status, sensitive, capability, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, taskID, item.Description, hash, item.Priority, TaskStatusPending, boolToInt(item.Sensitive), item.Capability); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		for _, dep := range item.Dependencies {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?;`, dep).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("enqueue dependency %q: %w", dep, ErrUnknownDependency)
			}
			if err != nil {
				return fmt.Errorf("check dependency: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO task_deps (task_id, depends_on) VALUES (?, ?);
			`, taskID, dep); err != nil {
				return fmt.Errorf("insert dependency: %w", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit enqueue tx: %w", err)
		}
		result = taskID
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateTask) {
			return result, ErrDuplicateTask
		}
		return "", err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskEnqueued, bus.TaskEvent{TaskID: taskID, NewStatus: string(TaskStatusPending)})
	}
	return taskID, nil
}

const taskColumns = `id, description, priority, status, sensitive, capability,
	assigned_provider, claim_owner, result_ref, fail_reason,
	created_at, claimed_at, completed_at`

func scanTask(scan func(dest ...any) error, t *TaskItem) error {
	var sensitive int
	var claimedAt, completedAt sql.NullTime
	if err := scan(
		&t.ID, &t.Description, &t.Priority, &t.Status, &sensitive, &t.Capability,
		&t.AssignedProvider, &t.ClaimOwner, &t.ResultRef, &t.FailReason,
		&t.CreatedAt, &claimedAt, &completedAt,
	); err != nil {
		return err
	}
	t.Sensitive = sensitive != 0
	if claimedAt.Valid {
		t.ClaimedAt = &claimedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return nil
}

// ClaimNextReady atomically claims the highest-priority Pending task whose
// dependencies are all Done. Tasks requesting an already-implemented
// capability are auto-completed in place (result_ref points at the existing
// capability) and never returned for execution. Returns nil when no task is
// ready.
func (s *Store) ClaimNextReady(ctx context.Context, claimOwner string) (*TaskItem, error) {
	var claimed *TaskItem
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT `+taskColumns+`
			FROM tasks t
			WHERE t.status = ?
			  AND NOT EXISTS (
				SELECT 1 FROM task_deps d
				LEFT JOIN tasks dt ON dt.id = d.depends_on
				WHERE d.task_id = t.id AND (dt.id IS NULL OR dt.status != ?)
			  )
			ORDER BY t.priority DESC, t.created_at ASC, t.id ASC;
		`, TaskStatusPending, TaskStatusDone)
		if err != nil {
			return fmt.Errorf("select ready tasks: %w", err)
		}
		var candidates []TaskItem
		for rows.Next() {
			var t TaskItem
			if err := scanTask(rows.Scan, &t); err != nil {
				rows.Close()
				return fmt.Errorf("scan ready task: %w", err)
			}
			candidates = append(candidates, t)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("ready task rows: %w", err)
		}

		var autoEvents []bus.TaskEvent
		for i := range candidates {
			task := candidates[i]

			// Never-rebuild guard: an implemented capability satisfies the
			// task without dispatch.
			if task.Capability != "" {
				capRow, err := s.getCapabilityTx(ctx, tx, task.Capability)
				if err != nil && !errors.Is(err, ErrNotFound) {
					return err
				}
				if err == nil && capRow.Implemented {
					if _, err := tx.ExecContext(ctx, `
						UPDATE tasks
						SET status = ?, result_ref = ?, completed_at = CURRENT_TIMESTAMP
						WHERE id = ? AND status = ?;
					`, TaskStatusDone, capRow.LocationRef, task.ID, TaskStatusPending); err != nil {
						return fmt.Errorf("auto-complete task: %w", err)
					}
					if err := s.appendDecisionTx(ctx, tx, DecisionRecord{
						TaskID:    task.ID,
						Rationale: fmt.Sprintf("capability %q already implemented at %s", capRow.Name, capRow.LocationRef),
						Outcome:   OutcomeAutoComplete,
					}); err != nil {
						return err
					}
					autoEvents = append(autoEvents, bus.TaskEvent{
						TaskID:    task.ID,
						OldStatus: string(TaskStatusPending),
						NewStatus: string(TaskStatusDone),
						Reason:    "capability exists",
					})
					continue
				}
			}

			res, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET status = ?, claim_owner = ?, claimed_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, TaskStatusInProgress, claimOwner, task.ID, TaskStatusPending)
			if err != nil {
				return fmt.Errorf("claim task: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("claim rows affected: %w", err)
			}
			if n != 1 {
				// Lost the race inside a serialized writer should not happen;
				// treat as integrity defect and leave the task alone.
				continue
			}
			task.Status = TaskStatusInProgress
			task.ClaimOwner = claimOwner
			claimed = &task
			break
		}

		if err := tx.Commit(); err != nil {
			claimed = nil
			return fmt.Errorf("commit claim tx: %w", err)
		}
		if s.bus != nil {
			for _, ev := range autoEvents {
				s.bus.Publish(bus.TopicTaskCompleted, ev)
			}
			if claimed != nil {
				s.bus.Publish(bus.TopicTaskClaimed, bus.TaskEvent{
					TaskID:    claimed.ID,
					OldStatus: string(TaskStatusPending),
					NewStatus: string(TaskStatusInProgress),
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed != nil {
		deps, err := s.taskDependencies(ctx, claimed.ID)
		if err != nil {
			return nil, err
		}
		claimed.Dependencies = deps
	}
	return claimed, nil
}

// SetAssignedProvider records the provider a claimed task was dispatched to.
func (s *Store) SetAssignedProvider(ctx context.Context, taskID, providerID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET assigned_provider = ? WHERE id = ? AND status = ?;
	`, providerID, taskID, TaskStatusInProgress)
	if err != nil {
		return fmt.Errorf("set assigned provider: %w", err)
	}
	return nil
}

// Complete marks an InProgress task Done and, if the task builds a capability,
// registers it (first builder wins; at most one row per capability name).
func (s *Store) Complete(ctx context.Context, taskID, resultRef string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin complete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, err := s.transitionTaskTx(ctx, tx, taskID, []TaskStatus{TaskStatusInProgress}, TaskStatusDone)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("complete %s: %w", taskID, ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET result_ref = ?, completed_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, resultRef, taskID); err != nil {
			return fmt.Errorf("set result ref: %w", err)
		}

		var capability string
		if err := tx.QueryRowContext(ctx, `SELECT capability FROM tasks WHERE id = ?;`, taskID).Scan(&capability); err != nil {
			return fmt.Errorf("read capability: %w", err)
		}
		if capability != "" {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO capabilities (name, implemented, location_ref, source_task_id)
				VALUES (?, 1, ?, ?)
				ON CONFLICT(name) DO NOTHING;
			`, capability, resultRef, taskID); err != nil {
				return fmt.Errorf("register capability: %w", err)
			}
		}
		return tx.Commit()
	})
}

// Fail marks an InProgress task Failed with the given reason.
func (s *Store) Fail(ctx context.Context, taskID, reason string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fail tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, err := s.transitionTaskTx(ctx, tx, taskID, []TaskStatus{TaskStatusInProgress}, TaskStatusFailed)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("fail %s: %w", taskID, ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET fail_reason = ?, completed_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, reason, taskID); err != nil {
			return fmt.Errorf("set fail reason: %w", err)
		}
		return tx.Commit()
	})
}

// Requeue returns a claimed task to Pending, clearing its claim. Used when a
// transient condition (no eligible provider) means the claim cannot proceed.
func (s *Store) Requeue(ctx context.Context, taskID, reason string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin requeue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, err := s.transitionTaskTx(ctx, tx, taskID, []TaskStatus{TaskStatusInProgress}, TaskStatusPending)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("requeue %s: %w", taskID, ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET claim_owner = '', claimed_at = NULL, assigned_provider = '' WHERE id = ?;
		`, taskID); err != nil {
			return fmt.Errorf("clear claim: %w", err)
		}
		if err := s.appendDecisionTx(ctx, tx, DecisionRecord{
			TaskID:    taskID,
			Rationale: reason,
			Outcome:   OutcomeRequeued,
		}); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// Block parks a Pending task. Unblock returns it to the backlog.
func (s *Store) Block(ctx context.Context, taskID string) error {
	return s.simpleTransition(ctx, taskID, []TaskStatus{TaskStatusPending}, TaskStatusBlocked)
}

// Unblock returns a Blocked task to Pending.
func (s *Store) Unblock(ctx context.Context, taskID string) error {
	return s.simpleTransition(ctx, taskID, []TaskStatus{TaskStatusBlocked}, TaskStatusPending)
}

func (s *Store) simpleTransition(ctx context.Context, taskID string, from []TaskStatus, to TaskStatus) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		ok, err := s.transitionTaskTx(ctx, tx, taskID, from, to)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("transition %s to %s: %w", taskID, to, ErrNotFound)
		}
		return tx.Commit()
	})
}

// RequeueStale returns tasks stuck InProgress beyond ttl to Pending and
// records the requeue in the decision log. Used at startup and by the
// maintenance sweep.
func (s *Store) RequeueStale(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	var count int
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin stale tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM tasks WHERE status = ? AND claimed_at <= ?;
		`, TaskStatusInProgress, cutoff)
		if err != nil {
			return fmt.Errorf("select stale tasks: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan stale task: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("stale task rows: %w", err)
		}

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET status = ?, claim_owner = '', claimed_at = NULL
				WHERE id = ? AND status = ?;
			`, TaskStatusPending, id, TaskStatusInProgress); err != nil {
				return fmt.Errorf("requeue stale task: %w", err)
			}
			if err := s.appendDecisionTx(ctx, tx, DecisionRecord{
				TaskID:    id,
				Rationale: fmt.Sprintf("claim exceeded ttl %s", ttl),
				Outcome:   OutcomeRequeued,
			}); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit stale tx: %w", err)
		}
		count = len(ids)
		return nil
	})
	return count, err
}

// GetTask returns a task with its dependencies.
func (s *Store) GetTask(ctx context.Context, taskID string) (*TaskItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	var t TaskItem
	if err := scanTask(row.Scan, &t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	deps, err := s.taskDependencies(ctx, taskID)
	if err != nil {
		return nil, err
	}
	t.Dependencies = deps
	return &t, nil
}

func (s *Store) taskDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on FROM task_deps WHERE task_id = ? ORDER BY depends_on;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list dependencies: %w", err)
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// TaskCounts returns the number of tasks per status for the status surface.
func (s *Store) TaskCounts(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("task counts: %w", err)
	}
	defer rows.Close()
	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
