package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gan-shmuel/gan-shmuel/internal/platform/db"
	"github.com/gan-shmuel/gan-shmuel/internal/shared"
)

// Repository persists providers, trucks and rates in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) CreateProvider(ctx context.Context, name string) (Provider, error) {
	p := Provider{Name: name}
	err := r.pool.QueryRow(ctx, `INSERT INTO providers (name) VALUES ($1) RETURNING id`, name).Scan(&p.ID)
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return Provider{}, ErrDuplicateProvider
		}
		return Provider{}, err
	}
	return p, nil
}

func (r *Repository) UpdateProvider(ctx context.Context, p Provider) error {
	tag, err := r.pool.Exec(ctx, `UPDATE providers SET name = $2 WHERE id = $1`, p.ID, p.Name)
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return ErrDuplicateProvider
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrProviderNotFound
	}
	return nil
}

func (r *Repository) GetProvider(ctx context.Context, id int64) (Provider, error) {
	var p Provider
	err := r.pool.QueryRow(ctx, `SELECT id, name FROM providers WHERE id = $1`, id).Scan(&p.ID, &p.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return Provider{}, ErrProviderNotFound
	}
	return p, err
}

func (r *Repository) ListProviders(ctx context.Context) ([]Provider, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name FROM providers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Provider, error) {
		var p Provider
		err := row.Scan(&p.ID, &p.Name)
		return p, err
	})
}

func (r *Repository) CreateTruck(ctx context.Context, t Truck) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO trucks (id, provider_id) VALUES ($1, $2)`, t.ID, t.ProviderID)
	if shared.IsUniqueViolation(err) {
		return ErrDuplicateTruck
	}
	return err
}

func (r *Repository) UpdateTruck(ctx context.Context, t Truck) error {
	tag, err := r.pool.Exec(ctx, `UPDATE trucks SET provider_id = $2 WHERE id = $1`, t.ID, t.ProviderID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTruckNotFound
	}
	return nil
}

func (r *Repository) GetTruck(ctx context.Context, id string) (Truck, error) {
	var t Truck
	err := r.pool.QueryRow(ctx, `SELECT id, provider_id FROM trucks WHERE id = $1`, id).Scan(&t.ID, &t.ProviderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Truck{}, ErrTruckNotFound
	}
	return t, err
}

func (r *Repository) TrucksByProvider(ctx context.Context, providerID int64) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM trucks WHERE provider_id = $1 ORDER BY id`, providerID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// ReplaceRates deletes the rate table and inserts rates in one transaction.
func (r *Repository) ReplaceRates(ctx context.Context, rates []Rate) error {
	return db.WithTx(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM rates`); err != nil {
			return fmt.Errorf("clear rates: %w", err)
		}
		rows := make([][]any, 0, len(rates))
		for _, rate := range rates {
			rows = append(rows, []any{rate.Product, rate.Rate, rate.Scope})
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"rates"}, []string{"product_id", "rate", "scope"}, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("copy rates: %w", err)
		}
		return nil
	})
}

func (r *Repository) ListRates(ctx context.Context) ([]Rate, error) {
	rows, err := r.pool.Query(ctx, `SELECT product_id, rate, scope FROM rates ORDER BY product_id, scope`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Rate, error) {
		var rate Rate
		err := row.Scan(&rate.Product, &rate.Rate, &rate.Scope)
		return rate, err
	})
}
