package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SavePlan stores a plan under its name, replacing an older plan with
// the same name.
func (p *PostgresClient) SavePlan(ctx context.Context, plan *Plan) error {
	if plan.ID == uuid.Nil {
		plan.ID = uuid.New()
	}
	err := p.pool.QueryRow(ctx, `
		INSERT INTO plans (id, name, definition)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET definition = EXCLUDED.definition, updated_at = NOW()
		RETURNING id, created_at, updated_at
	`, plan.ID, plan.Name, plan.Definition).Scan(&plan.ID, &plan.CreatedAt, &plan.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save plan: %w", err)
	}
	return nil
}

func (p *PostgresClient) GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error) {
	var plan Plan
	err := p.pool.QueryRow(ctx, `
		SELECT id, name, definition, created_at, updated_at
		FROM plans
		WHERE id = $1
	`, id).Scan(&plan.ID, &plan.Name, &plan.Definition, &plan.CreatedAt, &plan.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("plan %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}
	return &plan, nil
}

func (p *PostgresClient) ListPlans(ctx context.Context) ([]Plan, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, name, definition, created_at, updated_at
		FROM plans
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	plans := make([]Plan, 0)
	for rows.Next() {
		var plan Plan
		if err := rows.Scan(&plan.ID, &plan.Name, &plan.Definition, &plan.CreatedAt, &plan.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}
