package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SavePosition inserts or replaces a saved position. A nil ID is assigned.
func (p *PostgresClient) SavePosition(ctx context.Context, pos *Position) error {
	if pos.ID == uuid.Nil {
		pos.ID = uuid.New()
	}
	if pos.SavedAt.IsZero() {
		pos.SavedAt = time.Now().UTC()
	}
	axesJSON, err := json.Marshal(pos.Axes)
	if err != nil {
		return fmt.Errorf("failed to marshal axes: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO positions (id, name, axes, saved_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, axes = EXCLUDED.axes, saved_at = EXCLUDED.saved_at
	`, pos.ID, pos.Name, axesJSON, pos.SavedAt)
	if err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}

func (p *PostgresClient) GetPosition(ctx context.Context, id uuid.UUID) (*Position, error) {
	var (
		pos      Position
		axesJSON []byte
	)
	err := p.pool.QueryRow(ctx, `
		SELECT id, name, axes, saved_at FROM positions WHERE id = $1
	`, id).Scan(&pos.ID, &pos.Name, &axesJSON, &pos.SavedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get position: %w", err)
	}
	if err := json.Unmarshal(axesJSON, &pos.Axes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal axes: %w", err)
	}
	return &pos, nil
}

func (p *PostgresClient) ListPositions(ctx context.Context) ([]Position, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, name, axes, saved_at FROM positions ORDER BY saved_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	positions := make([]Position, 0)
	for rows.Next() {
		var (
			pos      Position
			axesJSON []byte
		)
		if err := rows.Scan(&pos.ID, &pos.Name, &axesJSON, &pos.SavedAt); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		if err := json.Unmarshal(axesJSON, &pos.Axes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal axes: %w", err)
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

func (p *PostgresClient) DeletePosition(ctx context.Context, id uuid.UUID) error {
	result, err := p.pool.Exec(ctx, `DELETE FROM positions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete position: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	return nil
}

func (p *PostgresClient) RecordMove(ctx context.Context, rec *MoveRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO move_records (id, positioner, initial, target, final, status, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET final = EXCLUDED.final, status = EXCLUDED.status,
			error = EXCLUDED.error, completed_at = EXCLUDED.completed_at
	`, rec.ID, rec.Positioner, rec.Initial, rec.Target, rec.Final, rec.Status, rec.Error, rec.StartedAt, rec.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to record move: %w", err)
	}
	return nil
}

func (p *PostgresClient) ListMoves(ctx context.Context, positioner string, limit int) ([]MoveRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, positioner, initial, target, final, status, error, started_at, completed_at
		FROM move_records
		WHERE $1 = '' OR positioner = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, positioner, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list moves: %w", err)
	}
	defer rows.Close()

	records := make([]MoveRecord, 0)
	for rows.Next() {
		var rec MoveRecord
		err := rows.Scan(&rec.ID, &rec.Positioner, &rec.Initial, &rec.Target, &rec.Final,
			&rec.Status, &rec.Error, &rec.StartedAt, &rec.CompletedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan move record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
