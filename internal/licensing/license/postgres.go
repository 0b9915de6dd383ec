package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/licenseforge/licenseforge/internal/licensing/audit"
	"github.com/licenseforge/licenseforge/internal/licensing/licenseerr"
)

type pgxExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository persists License rows, storing the policy overrides
// as a JSONB document the way the teacher's license repository stored its
// LicensePayload.
type PostgresRepository struct {
	db pgxExecutor
}

// NewPostgresRepository builds a PostgresRepository backed by pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: pool}
}

const licenseColumns = `id, key_hash, status, owner_kind, owner_id, max_usages,
	activated_at, expires_at, scope_id, policy, encrypted_key_copy,
	created_at, updated_at`

func (r *PostgresRepository) Create(ctx context.Context, lic *License) error {
	policyJSON, err := json.Marshal(lic.Policy)
	if err != nil {
		return fmt.Errorf("license: marshal policy: %w", err)
	}

	query := `
		INSERT INTO licenses (` + licenseColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now(),now())
		RETURNING created_at, updated_at
	`
	err = r.db.QueryRow(ctx, query,
		lic.ID, lic.KeyHash, lic.Status, lic.Owner.Kind, lic.Owner.ID, lic.MaxUsages,
		lic.ActivatedAt, lic.ExpiresAt, lic.ScopeID, policyJSON, lic.EncryptedKeyCopy,
	).Scan(&lic.CreatedAt, &lic.UpdatedAt)
	if err != nil {
		return fmt.Errorf("license: create: %w", err)
	}
	return nil
}

func scanLicense(row pgx.Row) (*License, error) {
	var lic License
	var policyJSON []byte
	err := row.Scan(
		&lic.ID, &lic.KeyHash, &lic.Status, &lic.Owner.Kind, &lic.Owner.ID, &lic.MaxUsages,
		&lic.ActivatedAt, &lic.ExpiresAt, &lic.ScopeID, &policyJSON, &lic.EncryptedKeyCopy,
		&lic.CreatedAt, &lic.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, licenseerr.ErrLicenseNotFound
		}
		return nil, fmt.Errorf("license: scan: %w", err)
	}
	if len(policyJSON) > 0 {
		if err := json.Unmarshal(policyJSON, &lic.Policy); err != nil {
			return nil, fmt.Errorf("license: unmarshal policy: %w", err)
		}
	}
	return &lic, nil
}

func (r *PostgresRepository) FindByID(ctx context.Context, id uuid.UUID) (*License, error) {
	row := r.db.QueryRow(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE id = $1`, id)
	return scanLicense(row)
}

func (r *PostgresRepository) FindByKeyHash(ctx context.Context, keyHash []byte) (*License, error) {
	row := r.db.QueryRow(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE key_hash = $1`, keyHash)
	return scanLicense(row)
}

func (r *PostgresRepository) LockByID(ctx context.Context, id uuid.UUID) (*License, error) {
	row := r.db.QueryRow(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE id = $1 FOR UPDATE`, id)
	return scanLicense(row)
}

func (r *PostgresRepository) Update(ctx context.Context, lic *License) error {
	policyJSON, err := json.Marshal(lic.Policy)
	if err != nil {
		return fmt.Errorf("license: marshal policy: %w", err)
	}
	query := `
		UPDATE licenses SET
			status = $2, activated_at = $3, expires_at = $4, policy = $5,
			encrypted_key_copy = $6, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`
	err = r.db.QueryRow(ctx, query,
		lic.ID, lic.Status, lic.ActivatedAt, lic.ExpiresAt, policyJSON, lic.EncryptedKeyCopy,
	).Scan(&lic.UpdatedAt)
	if err != nil {
		return fmt.Errorf("license: update: %w", err)
	}
	return nil
}

func (r *PostgresRepository) InsertRenewal(ctx context.Context, renewal *Renewal) error {
	query := `
		INSERT INTO license_renewals (id, license_id, period_start, period_end, created_at)
		VALUES ($1,$2,$3,$4,now())
		RETURNING created_at
	`
	err := r.db.QueryRow(ctx, query, renewal.ID, renewal.LicenseID, renewal.PeriodStart, renewal.PeriodEnd).
		Scan(&renewal.CreatedAt)
	if err != nil {
		return fmt.Errorf("license: insert renewal: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListExpiringActive(ctx context.Context, before time.Time) ([]*License, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+licenseColumns+` FROM licenses
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at < $1
		ORDER BY id
	`, before)
	if err != nil {
		return nil, fmt.Errorf("license: list expiring active: %w", err)
	}
	defer rows.Close()
	return collectLicenses(rows)
}

func (r *PostgresRepository) ListGrace(ctx context.Context) ([]*License, error) {
	rows, err := r.db.Query(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE status = 'grace' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("license: list grace: %w", err)
	}
	defer rows.Close()
	return collectLicenses(rows)
}

func (r *PostgresRepository) ListUsable(ctx context.Context) ([]*License, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+licenseColumns+` FROM licenses
		WHERE status IN ('active', 'grace')
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("license: list usable: %w", err)
	}
	defer rows.Close()
	return collectLicenses(rows)
}

func collectLicenses(rows pgx.Rows) ([]*License, error) {
	var out []*License
	for rows.Next() {
		lic, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lic)
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
		return fmt.Errorf("license: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &PostgresRepository{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Audit binds an audit repository to this same executor: inside WithTx it
// is a pgx.Tx, so writes land in the same transaction as the license
// mutation they describe.
func (r *PostgresRepository) Audit() audit.Repository {
	return audit.NewPostgresRepositoryFromExecutor(r.db)
}
