package weighing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gan-shmuel/gan-shmuel/internal/platform/db"
	"github.com/gan-shmuel/gan-shmuel/internal/shared"
)

// Repository persists weighings in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

const recordColumns = `id, created_at, direction, truck, containers, bruto, truck_tara, neto, produce, session_id`

// WithTruckLock runs fn in a read-committed transaction holding the truck's advisory lock.
// The lock is released on commit or rollback.
func (r *Repository) WithTruckLock(ctx context.Context, truck string, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, shared.TruckLockKey(truck)); err != nil {
			return fmt.Errorf("weighing: truck lock: %w", err)
		}
		return fn(ctx, &txRepo{tx: tx})
	})
}

func (r *txRepo) LastForTruck(ctx context.Context, truck string, offset int) (Record, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+recordColumns+`
FROM weighings WHERE truck = $1 ORDER BY id DESC LIMIT 1 OFFSET $2`, truck, offset)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrRecordNotFound
	}
	return rec, err
}

func (r *txRepo) Insert(ctx context.Context, rec Record) (Record, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO weighings (direction, truck, containers, bruto, truck_tara, neto, produce, session_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id, created_at`,
		string(rec.Direction), rec.Truck, JoinContainers(rec.Containers), rec.Bruto,
		rec.TruckTara, rec.Neto, rec.Produce, nullSession(rec.SessionID))
	if err := row.Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (r *txRepo) Update(ctx context.Context, rec Record) error {
	tag, err := r.tx.Exec(ctx, `UPDATE weighings
SET truck = $2, containers = $3, bruto = $4, truck_tara = $5, neto = $6, produce = $7
WHERE id = $1`,
		rec.ID, rec.Truck, JoinContainers(rec.Containers), rec.Bruto, rec.TruckTara, rec.Neto, rec.Produce)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// Query lists weighings matching filter ordered by id.
func (r *Repository) Query(ctx context.Context, filter Filter) ([]Record, error) {
	sql, args := buildQuery(filter)
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("weighing: query: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func buildQuery(filter Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if !filter.From.IsZero() {
		add("created_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at <= $%d", filter.To)
	}
	if filter.Direction == DirectionIn || filter.Direction == DirectionOut {
		add("direction = $%d", string(filter.Direction))
	}
	if filter.Truck != "" {
		add("truck = $%d", filter.Truck)
	}
	if filter.Container != "" {
		add("$%d = ANY(string_to_array(containers, ','))", filter.Container)
	}
	if filter.Produce != "" {
		add("produce = $%d", filter.Produce)
	}
	if filter.SessionID != 0 {
		add("session_id = $%d", filter.SessionID)
	}
	sql := `SELECT ` + recordColumns + ` FROM weighings`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	return sql + " ORDER BY id ASC", args
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec        Record
		direction  string
		containers string
		truckTara  pgtype.Int8
		neto       pgtype.Int8
		sessionID  pgtype.Int8
		createdAt  time.Time
	)
	if err := row.Scan(&rec.ID, &createdAt, &direction, &rec.Truck, &containers, &rec.Bruto, &truckTara, &neto, &rec.Produce, &sessionID); err != nil {
		return Record{}, err
	}
	rec.CreatedAt = createdAt
	rec.Direction = Direction(direction)
	rec.Containers = splitContainers(containers)
	rec.TruckTara = nullInt(truckTara)
	rec.Neto = nullInt(neto)
	if sessionID.Valid {
		rec.SessionID = sessionID.Int64
	}
	return rec, nil
}

func splitContainers(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func nullInt(v pgtype.Int8) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullSession(id int64) pgtype.Int8 {
	return pgtype.Int8{Int64: id, Valid: id != 0}
}
