package scope

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/licenseforge/licenseforge/internal/licensing/audit"
	"github.com/licenseforge/licenseforge/internal/licensing/keystore"
	"github.com/licenseforge/licenseforge/internal/licensing/licenseerr"
)

type pgxExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository persists Scope rows in license_scopes, following the
// same pgxpool query shape as the license and keystore repositories.
type PostgresRepository struct {
	db pgxExecutor
}

// NewPostgresRepository builds a PostgresRepository backed by pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: pool}
}

const scopeColumns = `id, slug, name, active, default_max_usages, default_duration_days,
	default_grace_days, key_rotation_days, next_rotation_at, last_rotation_at,
	created_at, updated_at`

func (r *PostgresRepository) Create(ctx context.Context, s *Scope) error {
	query := `
		INSERT INTO license_scopes (` + scopeColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now(),now())
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		s.ID, s.Slug, s.Name, s.Active, s.DefaultMaxUsages, s.DefaultDurationDays,
		s.DefaultGraceDays, s.KeyRotationDays, s.NextRotationAt, s.LastRotationAt,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSlugTaken
		}
		return fmt.Errorf("scope: create: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanScope(row pgx.Row) (*Scope, error) {
	var s Scope
	err := row.Scan(
		&s.ID, &s.Slug, &s.Name, &s.Active, &s.DefaultMaxUsages, &s.DefaultDurationDays,
		&s.DefaultGraceDays, &s.KeyRotationDays, &s.NextRotationAt, &s.LastRotationAt,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, licenseerr.ErrScopeNotFound
		}
		return nil, fmt.Errorf("scope: scan: %w", err)
	}
	return &s, nil
}

func (r *PostgresRepository) FindByID(ctx context.Context, id uuid.UUID) (*Scope, error) {
	row := r.db.QueryRow(ctx, `SELECT `+scopeColumns+` FROM license_scopes WHERE id = $1`, id)
	return scanScope(row)
}

func (r *PostgresRepository) FindBySlug(ctx context.Context, slug string) (*Scope, error) {
	row := r.db.QueryRow(ctx, `SELECT `+scopeColumns+` FROM license_scopes WHERE slug = $1`, slug)
	return scanScope(row)
}

func (r *PostgresRepository) LockByID(ctx context.Context, id uuid.UUID) (*Scope, error) {
	row := r.db.QueryRow(ctx, `SELECT `+scopeColumns+` FROM license_scopes WHERE id = $1 FOR UPDATE`, id)
	return scanScope(row)
}

func (r *PostgresRepository) Update(ctx context.Context, s *Scope) error {
	query := `
		UPDATE license_scopes SET
			name = $2, active = $3, default_max_usages = $4, default_duration_days = $5,
			default_grace_days = $6, key_rotation_days = $7, next_rotation_at = $8,
			last_rotation_at = $9, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`
	err := r.db.QueryRow(ctx, query,
		s.ID, s.Name, s.Active, s.DefaultMaxUsages, s.DefaultDurationDays,
		s.DefaultGraceDays, s.KeyRotationDays, s.NextRotationAt, s.LastRotationAt,
	).Scan(&s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("scope: update: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListNeedingRotation(ctx context.Context, now time.Time) ([]*Scope, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+scopeColumns+` FROM license_scopes
		WHERE active = true AND key_rotation_days > 0
		  AND (next_rotation_at IS NULL OR next_rotation_at <= $1)
		ORDER BY id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("scope: list needing rotation: %w", err)
	}
	defer rows.Close()

	var out []*Scope
	for rows.Next() {
		s, err := scanScope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// WithTx runs fn against a Repository bound to a single transaction.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	pool, ok := r.db.(*pgxpool.Pool)
	if !ok {
		return fn(ctx, r)
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("scope: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &PostgresRepository{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Audit binds an audit repository to this same executor, so a rotation
// and its audit entries commit together.
func (r *PostgresRepository) Audit() audit.Repository {
	return audit.NewPostgresRepositoryFromExecutor(r.db)
}

// Keys binds a keystore repository to this same executor, so revoking
// and issuing signing keys during a rotation commits with the scope's
// own schedule update.
func (r *PostgresRepository) Keys() keystore.Repository {
	return keystore.NewPostgresRepositoryFromExecutor(r.db)
}
