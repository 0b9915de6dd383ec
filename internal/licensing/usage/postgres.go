package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/licenseforge/licenseforge/internal/licensing/audit"
	"github.com/licenseforge/licenseforge/internal/licensing/license"
	"github.com/licenseforge/licenseforge/internal/licensing/licenseerr"
)

type pgxExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store by running each operation inside one
// pgx transaction that touches both licenses (for the row lock) and
// license_usages — grounded on the FOR UPDATE transaction pattern in the
// pack's jam store, adapted from database/sql to pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore builds a PostgresStore backed by pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	pgxTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("usage: begin tx: %w", err)
	}
	defer pgxTx.Rollback(ctx)

	if err := fn(ctx, &postgresTx{db: pgxTx}); err != nil {
		return err
	}
	return pgxTx.Commit(ctx)
}

func (s *PostgresStore) ReadOnly(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return fn(ctx, &postgresTx{db: s.pool})
}

type postgresTx struct {
	db pgxExecutor
}

const licenseColumnsForLock = `id, key_hash, status, owner_kind, owner_id, max_usages,
	activated_at, expires_at, scope_id, policy, encrypted_key_copy, created_at, updated_at`

func (t *postgresTx) LockLicense(ctx context.Context, id uuid.UUID) (*license.License, error) {
	row := t.db.QueryRow(ctx, `SELECT `+licenseColumnsForLock+` FROM licenses WHERE id = $1 FOR UPDATE`, id)
	var lic license.License
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
		return nil, fmt.Errorf("usage: lock license: %w", err)
	}
	if len(policyJSON) > 0 {
		if err := json.Unmarshal(policyJSON, &lic.Policy); err != nil {
			return nil, fmt.Errorf("usage: unmarshal policy: %w", err)
		}
	}
	return &lic, nil
}

const usageColumns = `id, license_id, fingerprint, status, registered_at, last_seen_at,
	revoked_at, revoke_reason, client_type, name, ip, user_agent, meta`

func scanUsage(row pgx.Row) (*Usage, error) {
	var u Usage
	var metaJSON []byte
	err := row.Scan(
		&u.ID, &u.LicenseID, &u.Fingerprint, &u.Status, &u.RegisteredAt, &u.LastSeenAt,
		&u.RevokedAt, &u.RevokeReason, &u.ClientType, &u.Name, &u.IP, &u.UserAgent, &metaJSON,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUsageNotFound
		}
		return nil, fmt.Errorf("usage: scan: %w", err)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &u.Meta); err != nil {
			return nil, fmt.Errorf("usage: unmarshal meta: %w", err)
		}
	}
	return &u, nil
}

func (t *postgresTx) FindActiveByFingerprint(ctx context.Context, licenseID uuid.UUID, fp string, global bool) (*Usage, error) {
	var row pgx.Row
	if global {
		row = t.db.QueryRow(ctx, `
			SELECT `+usageColumns+` FROM license_usages
			WHERE fingerprint = $1 AND status = 'active'
			LIMIT 1
		`, fp)
	} else {
		row = t.db.QueryRow(ctx, `
			SELECT `+usageColumns+` FROM license_usages
			WHERE license_id = $1 AND fingerprint = $2 AND status = 'active'
			LIMIT 1
		`, licenseID, fp)
	}
	return scanUsage(row)
}

func (t *postgresTx) CountActive(ctx context.Context, licenseID uuid.UUID) (int64, error) {
	var count int64
	err := t.db.QueryRow(ctx, `
		SELECT count(*) FROM license_usages WHERE license_id = $1 AND status = 'active'
	`, licenseID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("usage: count active: %w", err)
	}
	return count, nil
}

func (t *postgresTx) OldestActive(ctx context.Context, licenseID uuid.UUID) (*Usage, error) {
	row := t.db.QueryRow(ctx, `
		SELECT `+usageColumns+` FROM license_usages
		WHERE license_id = $1 AND status = 'active'
		ORDER BY last_seen_at ASC LIMIT 1
	`, licenseID)
	return scanUsage(row)
}

func (t *postgresTx) ListActiveByLicense(ctx context.Context, licenseID uuid.UUID) ([]*Usage, error) {
	rows, err := t.db.Query(ctx, `
		SELECT `+usageColumns+` FROM license_usages
		WHERE license_id = $1 AND status = 'active'
		ORDER BY id
	`, licenseID)
	if err != nil {
		return nil, fmt.Errorf("usage: list active by license: %w", err)
	}
	defer rows.Close()

	var out []*Usage
	for rows.Next() {
		u, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (t *postgresTx) Insert(ctx context.Context, u *Usage) error {
	metaJSON, err := json.Marshal(u.Meta)
	if err != nil {
		return fmt.Errorf("usage: marshal meta: %w", err)
	}
	query := `
		INSERT INTO license_usages (` + usageColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`
	_, err = t.db.Exec(ctx, query,
		u.ID, u.LicenseID, u.Fingerprint, u.Status, u.RegisteredAt, u.LastSeenAt,
		u.RevokedAt, u.RevokeReason, u.ClientType, u.Name, u.IP, u.UserAgent, metaJSON,
	)
	if err != nil {
		return fmt.Errorf("usage: insert: %w", err)
	}
	return nil
}

func (t *postgresTx) Update(ctx context.Context, u *Usage) error {
	metaJSON, err := json.Marshal(u.Meta)
	if err != nil {
		return fmt.Errorf("usage: marshal meta: %w", err)
	}
	query := `
		UPDATE license_usages SET
			status = $2, last_seen_at = $3, revoked_at = $4, revoke_reason = $5, meta = $6
		WHERE id = $1
	`
	_, err = t.db.Exec(ctx, query, u.ID, u.Status, u.LastSeenAt, u.RevokedAt, u.RevokeReason, metaJSON)
	if err != nil {
		return fmt.Errorf("usage: update: %w", err)
	}
	return nil
}

func (t *postgresTx) FindByID(ctx context.Context, id uuid.UUID) (*Usage, error) {
	row := t.db.QueryRow(ctx, `SELECT `+usageColumns+` FROM license_usages WHERE id = $1`, id)
	return scanUsage(row)
}

// Audit binds an audit repository to this same executor: when it is a
// pgx.Tx (inside WithTx), audit.Repository.WithTx recognizes it is not a
// *pgxpool.Pool and writes directly against it instead of opening a
// nested transaction.
func (t *postgresTx) Audit() audit.Repository {
	return audit.NewPostgresRepositoryFromExecutor(t.db)
}
