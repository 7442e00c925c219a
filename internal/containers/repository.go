package containers

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gan-shmuel/gan-shmuel/internal/platform/db"
)

// Repository persists container tares in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// FindByIDs returns the registered entries among ids.
func (r *Repository) FindByIDs(ctx context.Context, ids []string) ([]Container, error) {
	if r == nil {
		return nil, errors.New("containers repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT container_id, weight::text, unit FROM containers_registered WHERE container_id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Container{}
	for rows.Next() {
		var (
			c      Container
			weight string
		)
		if err := rows.Scan(&c.ID, &weight, &c.Unit); err != nil {
			return nil, err
		}
		c.Weight, err = decimal.NewFromString(weight)
		if err != nil {
			return nil, fmt.Errorf("containers: weight of %s: %w", c.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertMissing stores entries whose id is not registered yet and returns the ids skipped.
func (r *Repository) InsertMissing(ctx context.Context, entries []Container) (int, []string, error) {
	if r == nil {
		return 0, nil, errors.New("containers repository not initialised")
	}
	inserted := 0
	skipped := []string{}
	err := db.WithTx(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		for _, c := range entries {
			tag, err := tx.Exec(ctx, `INSERT INTO containers_registered (container_id, weight, unit) VALUES ($1, $2, $3)
ON CONFLICT (container_id) DO NOTHING`, c.ID, c.Weight.String(), c.Unit)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				skipped = append(skipped, c.ID)
				continue
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return inserted, skipped, nil
}

// UnknownIDs lists container ids seen on weighings that have no registered tare.
func (r *Repository) UnknownIDs(ctx context.Context) ([]string, error) {
	if r == nil {
		return nil, errors.New("containers repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT trim(c.id)
FROM weighings w, unnest(string_to_array(w.containers, ',')) AS c(id)
WHERE trim(c.id) <> ''
  AND NOT EXISTS (SELECT 1 FROM containers_registered r WHERE r.container_id = trim(c.id))
ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	return ids, nil
}
