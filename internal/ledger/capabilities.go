package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetCapability returns the capability row for name, or ErrNotFound.
func (s *Store) GetCapability(ctx context.Context, name string) (*Capability, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin capability tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	return s.getCapabilityTx(ctx, tx, name)
}

func (s *Store) getCapabilityTx(ctx context.Context, tx *sql.Tx, name string) (*Capability, error) {
	var c Capability
	var implemented int
	err := tx.QueryRowContext(ctx, `
		SELECT name, implemented, location_ref, source_task_id, created_at
		FROM capabilities WHERE name = ?;
	`, name).Scan(&c.Name, &implemented, &c.LocationRef, &c.SourceTaskID, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get capability: %w", err)
	}
	c.Implemented = implemented != 0
	return &c, nil
}

// ListCapabilities returns all registered capabilities ordered by name.
func (s *Store) ListCapabilities(ctx context.Context) ([]Capability, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, implemented, location_ref, source_task_id, created_at
		FROM capabilities ORDER BY name;
	`)
	if err != nil {
		return nil, fmt.Errorf("list capabilities: %w", err)
	}
	defer rows.Close()
	var out []Capability
	for rows.Next() {
		var c Capability
		var implemented int
		if err := rows.Scan(&c.Name, &implemented, &c.LocationRef, &c.SourceTaskID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan capability: %w", err)
		}
		c.Implemented = implemented != 0
		out = append(out, c)
	}
	return out, rows.Err()
}
