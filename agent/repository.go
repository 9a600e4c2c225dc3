package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested agent does not exist.
var ErrNotFound = errors.New("agent: not found")

// Repository provides read access to the agent directory.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches an agent by primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Agent, error) {
	const query = `
		SELECT id, email, full_name, role, active, created_at
		FROM agents
		WHERE id = $1
	`

	var a Agent
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&a.ID,
		&a.Email,
		&a.FullName,
		&a.Role,
		&a.Active,
		&a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agent{}, ErrNotFound
		}
		return Agent{}, fmt.Errorf("agent: query by id: %w", err)
	}

	return a, nil
}

// List fetches up to limit active agents ordered by name.
func (r *Repository) List(ctx context.Context, limit int) ([]Agent, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT id, email, full_name, role, active, created_at
		FROM agents
		WHERE active
		ORDER BY full_name ASC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("agent: list: %w", err)
	}
	defer rows.Close()

	agents := make([]Agent, 0, limit)
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.ID, &a.Email, &a.FullName, &a.Role, &a.Active, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("agent: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent: iterate agents: %w", err)
	}

	return agents, nil
}
