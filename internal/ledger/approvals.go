package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/basket/foreman/internal/bus"
	"github.com/google/uuid"
)

// CreateApproval opens an approval request for a task. At most one Pending
// request may exist per task: if one is already open it is returned unchanged
// and no new row is created.
func (s *Store) CreateApproval(ctx context.Context, taskID, actionSummary, riskFields string) (*ApprovalRequest, error) {
	if riskFields == "" {
		riskFields = "{}"
	}
	var out *ApprovalRequest
	created := false
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin approval tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		existing, err := s.pendingApprovalTx(ctx, tx, taskID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if err == nil {
			out = existing
			created = false
			return tx.Commit()
		}

		req := &ApprovalRequest{
			ID:            uuid.NewString(),
			TaskID:        taskID,
			ActionSummary: actionSummary,
			RiskFields:    riskFields,
			Status:        ApprovalPending,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO approvals (id, task_id, action_summary, risk_fields, status)
			VALUES (?, ?, ?, ?, ?);
		`, req.ID, req.TaskID, req.ActionSummary, req.RiskFields, req.Status); err != nil {
			return fmt.Errorf("insert approval: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit approval tx: %w", err)
		}
		out = req
		created = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if created && s.bus != nil {
		s.bus.Publish(bus.TopicApprovalRequested, bus.ApprovalEvent{
			RequestID: out.ID,
			TaskID:    out.TaskID,
			Summary:   out.ActionSummary,
			Status:    string(ApprovalPending),
		})
	}
	return out, nil
}

func (s *Store) pendingApprovalTx(ctx context.Context, tx *sql.Tx, taskID string) (*ApprovalRequest, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, task_id, action_summary, risk_fields, status, created_at, decided_at
		FROM approvals WHERE task_id = ? AND status = ? LIMIT 1;
	`, taskID, ApprovalPending)
	return scanApproval(row.Scan)
}

func scanApproval(scan func(dest ...any) error) (*ApprovalRequest, error) {
	var a ApprovalRequest
	var decidedAt sql.NullTime
	if err := scan(&a.ID, &a.TaskID, &a.ActionSummary, &a.RiskFields, &a.Status, &a.CreatedAt, &decidedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan approval: %w", err)
	}
	if decidedAt.Valid {
		a.DecidedAt = &decidedAt.Time
	}
	return &a, nil
}

// GetApproval returns an approval request by ID.
func (s *Store) GetApproval(ctx context.Context, requestID string) (*ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, action_summary, risk_fields, status, created_at, decided_at
		FROM approvals WHERE id = ?;
	`, requestID)
	return scanApproval(row.Scan)
}

// ResolveApproval moves a Pending request to the given terminal status.
// The WHERE status='Pending' guard guarantees exactly one terminal
// transition per request; a second resolution attempt returns ErrNotFound.
func (s *Store) ResolveApproval(ctx context.Context, requestID string, terminal ApprovalStatus) (*ApprovalRequest, error) {
	switch terminal {
	case ApprovalApproved, ApprovalDenied, ApprovalExpired:
	default:
		return nil, fmt.Errorf("resolve approval: %q is not a terminal status", terminal)
	}
	var out *ApprovalRequest
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin resolve tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE approvals
			SET status = ?, decided_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, terminal, requestID, ApprovalPending)
		if err != nil {
			return fmt.Errorf("resolve approval: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("resolve rows affected: %w", err)
		}
		if n != 1 {
			return fmt.Errorf("resolve approval %s: %w", requestID, ErrNotFound)
		}
		row := tx.QueryRowContext(ctx, `
			SELECT id, task_id, action_summary, risk_fields, status, created_at, decided_at
			FROM approvals WHERE id = ?;
		`, requestID)
		out, err = scanApproval(row.Scan)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	if s.bus != nil {
		topic := bus.TopicApprovalDecided
		if terminal == ApprovalExpired {
			topic = bus.TopicApprovalExpired
		}
		s.bus.Publish(topic, bus.ApprovalEvent{
			RequestID: out.ID,
			TaskID:    out.TaskID,
			Summary:   out.ActionSummary,
			Status:    string(terminal),
		})
	}
	return out, nil
}

// ListPendingApprovals returns all open approval requests, oldest first.
func (s *Store) ListPendingApprovals(ctx context.Context) ([]ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, action_summary, risk_fields, status, created_at, decided_at
		FROM approvals WHERE status = ? ORDER BY created_at ASC;
	`, ApprovalPending)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()
	var out []ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
