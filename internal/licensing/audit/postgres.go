package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Executor is the minimal pgx surface this package depends on, satisfied
// by both *pgxpool.Pool and pgx.Tx so a repository can be bound to either
// a standalone pool or a transaction another package already opened.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository persists AuditEntry rows in licensing_audit_logs. The
// table has no UPDATE grant in its migration — mutation of existing rows
// is refused at the storage layer per spec.md §4.7, not merely by
// convention here.
type PostgresRepository struct {
	db Executor
}

// NewPostgresRepository builds a PostgresRepository backed by pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: pool}
}

// NewPostgresRepositoryFromExecutor binds a PostgresRepository to an
// already-open executor (typically another package's pgx.Tx), so that
// package's writes and this entry land in the same transaction instead of
// opening a second one via WithTx.
func NewPostgresRepositoryFromExecutor(db Executor) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Tail(ctx context.Context) (*Entry, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, event_kind, auditable_kind, auditable_id, actor, meta, occurred_at, previous_hash
		FROM licensing_audit_logs
		ORDER BY id DESC LIMIT 1
	`)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return entry, err
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var metaJSON []byte
	err := row.Scan(&e.ID, &e.EventKind, &e.Auditable.Kind, &e.Auditable.ID, &e.Actor, &metaJSON, &e.OccurredAt, &e.PreviousHash)
	if err != nil {
		return nil, err
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &e.Meta); err != nil {
			return nil, fmt.Errorf("audit: unmarshal meta: %w", err)
		}
	}
	return &e, nil
}

func (r *PostgresRepository) Insert(ctx context.Context, entry *Entry) error {
	metaJSON, err := json.Marshal(entry.Meta)
	if err != nil {
		return fmt.Errorf("audit: marshal meta: %w", err)
	}

	query := `
		INSERT INTO licensing_audit_logs (event_kind, auditable_kind, auditable_id, actor, meta, occurred_at, previous_hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id
	`
	err = r.db.QueryRow(ctx, query,
		entry.EventKind, entry.Auditable.Kind, entry.Auditable.ID, entry.Actor, metaJSON, entry.OccurredAt, entry.PreviousHash,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Range(ctx context.Context, fromID, toID int64) ([]*Entry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, event_kind, auditable_kind, auditable_id, actor, meta, occurred_at, previous_hash
		FROM licensing_audit_logs
		WHERE id BETWEEN $1 AND $2
		ORDER BY id
	`, fromID, toID)
	if err != nil {
		return nil, fmt.Errorf("audit: range query: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("audit: scan range: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM licensing_audit_logs WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit: purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) WithTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	pool, ok := r.db.(*pgxpool.Pool)
	if !ok {
		return fn(ctx, r)
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("audit: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &PostgresRepository{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
