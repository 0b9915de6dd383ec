package keystore

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/licenseforge/licenseforge/internal/licensing/audit"
	"github.com/licenseforge/licenseforge/internal/licensing/licenseerr"
)

// PostgresRepository persists LicensingKey rows in the licensing_keys
// table, following the pgxpool query shape the teacher's license
// repository uses.
type PostgresRepository struct {
	db pgxExecutor
}

// Executor is satisfied by both *pgxpool.Pool and pgx.Tx, letting WithTx
// hand callers a Repository bound to the transaction instead of the pool,
// and letting another package's repository bind a keystore Repository to
// its own already-open transaction via NewPostgresRepositoryFromExecutor.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgxExecutor = Executor

// NewPostgresRepository builds a PostgresRepository backed by pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: pool}
}

// NewPostgresRepositoryFromExecutor binds a PostgresRepository to an
// already-open executor (typically another package's pgx.Tx), so that
// package's writes and this repository's writes land in the same
// transaction instead of opening a second one via WithTx.
func NewPostgresRepositoryFromExecutor(db Executor) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const keyColumns = `id, kid, key_type, status, public_key, private_key_encrypted,
	valid_from, valid_until, scope_id, certificate, revoked_at, revoked_reason,
	created_at, updated_at`

func (r *PostgresRepository) Create(ctx context.Context, key *Key) error {
	query := `
		INSERT INTO licensing_keys (` + keyColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,now(),now())
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		key.ID, key.Kid, key.Type, key.Status, []byte(key.PublicKey), key.PrivateKeyEncrypted,
		key.ValidFrom, key.ValidUntil, key.ScopeID, key.Certificate, key.RevokedAt, key.RevokedReason,
	).Scan(&key.CreatedAt, &key.UpdatedAt)
	if err != nil {
		return fmt.Errorf("keystore: create key: %w", err)
	}
	return nil
}

func scanKey(row pgx.Row) (*Key, error) {
	var k Key
	var pub []byte
	err := row.Scan(
		&k.ID, &k.Kid, &k.Type, &k.Status, &pub, &k.PrivateKeyEncrypted,
		&k.ValidFrom, &k.ValidUntil, &k.ScopeID, &k.Certificate, &k.RevokedAt, &k.RevokedReason,
		&k.CreatedAt, &k.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, licenseerr.ErrKeyNotFound
		}
		return nil, fmt.Errorf("keystore: scan key: %w", err)
	}
	k.PublicKey = ed25519.PublicKey(pub)
	return &k, nil
}

func (r *PostgresRepository) FindByKid(ctx context.Context, kid string) (*Key, error) {
	row := r.db.QueryRow(ctx, `SELECT `+keyColumns+` FROM licensing_keys WHERE kid = $1`, kid)
	return scanKey(row)
}

func (r *PostgresRepository) FindActiveRoot(ctx context.Context) (*Key, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+keyColumns+` FROM licensing_keys
		WHERE key_type = 'root' AND status = 'active'
		ORDER BY created_at DESC LIMIT 1
	`)
	return scanKey(row)
}

func (r *PostgresRepository) FindActiveSigning(ctx context.Context, scopeID *uuid.UUID) (*Key, error) {
	var row pgx.Row
	if scopeID == nil {
		row = r.db.QueryRow(ctx, `
			SELECT `+keyColumns+` FROM licensing_keys
			WHERE key_type = 'signing' AND status = 'active' AND scope_id IS NULL
			ORDER BY created_at DESC LIMIT 1
		`)
	} else {
		row = r.db.QueryRow(ctx, `
			SELECT `+keyColumns+` FROM licensing_keys
			WHERE key_type = 'signing' AND status = 'active' AND scope_id = $1
			ORDER BY created_at DESC LIMIT 1
		`, *scopeID)
	}
	return scanKey(row)
}

// LockByKid re-fetches a key row with FOR UPDATE, grounding this repo's
// row-locking in the same pattern the registrar uses for license rows.
func (r *PostgresRepository) LockByKid(ctx context.Context, kid string) (*Key, error) {
	row := r.db.QueryRow(ctx, `SELECT `+keyColumns+` FROM licensing_keys WHERE kid = $1 FOR UPDATE`, kid)
	return scanKey(row)
}

func (r *PostgresRepository) Update(ctx context.Context, key *Key) error {
	query := `
		UPDATE licensing_keys SET
			status = $2, certificate = $3, revoked_at = $4, revoked_reason = $5,
			valid_until = $6, updated_at = now()
		WHERE kid = $1
		RETURNING updated_at
	`
	err := r.db.QueryRow(ctx, query,
		key.Kid, key.Status, key.Certificate, key.RevokedAt, key.RevokedReason, key.ValidUntil,
	).Scan(&key.UpdatedAt)
	if err != nil {
		return fmt.Errorf("keystore: update key: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListByScope(ctx context.Context, scopeID *uuid.UUID) ([]*Key, error) {
	var rows pgx.Rows
	var err error
	if scopeID == nil {
		rows, err = r.db.Query(ctx, `SELECT `+keyColumns+` FROM licensing_keys WHERE scope_id IS NULL ORDER BY created_at`)
	} else {
		rows, err = r.db.Query(ctx, `SELECT `+keyColumns+` FROM licensing_keys WHERE scope_id = $1 ORDER BY created_at`, *scopeID)
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: list by scope: %w", err)
	}
	defer rows.Close()

	var keys []*Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (r *PostgresRepository) ListAll(ctx context.Context) ([]*Key, error) {
	rows, err := r.db.Query(ctx, `SELECT `+keyColumns+` FROM licensing_keys ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("keystore: list all: %w", err)
	}
	defer rows.Close()

	var keys []*Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// WithTx runs fn against a Repository bound to a single transaction, so
// LockByKid's row lock is held for fn's whole duration.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	pool, ok := r.db.(*pgxpool.Pool)
	if !ok {
		return fn(ctx, r)
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("keystore: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &PostgresRepository{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Audit binds an audit repository to this same executor, so a revocation
// and the audit entry describing it commit together.
func (r *PostgresRepository) Audit() audit.Repository {
	return audit.NewPostgresRepositoryFromExecutor(r.db)
}
