package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/basket/foreman/internal/shared"
)

// AppendDecision writes one immutable row to the decision log. There is no
// update or delete path for decisions anywhere in this package.
func (s *Store) AppendDecision(ctx context.Context, rec DecisionRecord) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO decisions (task_id, provider_id, rationale, outcome)
			VALUES (?, ?, ?, ?);
		`, rec.TaskID, rec.ProviderID, shared.Redact(rec.Rationale), rec.Outcome)
		if err != nil {
			return fmt.Errorf("append decision: %w", err)
		}
		return nil
	})
}

func (s *Store) appendDecisionTx(ctx context.Context, tx *sql.Tx, rec DecisionRecord) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO decisions (task_id, provider_id, rationale, outcome)
		VALUES (?, ?, ?, ?);
	`, rec.TaskID, rec.ProviderID, shared.Redact(rec.Rationale), rec.Outcome); err != nil {
		return fmt.Errorf("append decision: %w", err)
	}
	return nil
}

// ListDecisions returns the decision trail for a task in insertion order.
func (s *Store) ListDecisions(ctx context.Context, taskID string) ([]DecisionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, provider_id, rationale, outcome, created_at
		FROM decisions WHERE task_id = ? ORDER BY id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()
	var out []DecisionRecord
	for rows.Next() {
		var d DecisionRecord
		if err := rows.Scan(&d.ID, &d.TaskID, &d.ProviderID, &d.Rationale, &d.Outcome, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DecisionCount returns the total number of decision rows.
func (s *Store) DecisionCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM decisions;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("decision count: %w", err)
	}
	return n, nil
}
