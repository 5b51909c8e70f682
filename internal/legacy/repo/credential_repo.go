package repo

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/internal/legacy/entity"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/pkg/database"
)

// CredentialRepo provides data access for legacy_credentials.
type CredentialRepo struct {
	db *sqlx.DB
}

func NewCredentialRepo(db *sqlx.DB) *CredentialRepo { return &CredentialRepo{db: db} }

// EnsureTable creates the legacy table and its indexes if missing.
func (r *CredentialRepo) EnsureTable(ctx context.Context) error {
	return database.ExecAll(ctx, r.db,
		`CREATE TABLE IF NOT EXISTS legacy_credentials (
  id BIGINT PRIMARY KEY,
  user_id TEXT NOT NULL,
  email TEXT NOT NULL,
  password_hash TEXT NOT NULL,
  active BOOLEAN NOT NULL DEFAULT false,
  activated_at BIGINT,
  last_access BIGINT
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_legacy_credentials_email ON legacy_credentials (email)`,
		`CREATE INDEX IF NOT EXISTS idx_legacy_credentials_user_id ON legacy_credentials (user_id)`,
	)
}

type credentialRow struct {
	ID           int64         `db:"id"`
	UserID       string        `db:"user_id"`
	Email        string        `db:"email"`
	PasswordHash string        `db:"password_hash"`
	Active       bool          `db:"active"`
	ActivatedAt  sql.NullInt64 `db:"activated_at"`
	LastAccess   sql.NullInt64 `db:"last_access"`
}

const selectCredential = `SELECT id, user_id, email, password_hash, active, activated_at, last_access FROM legacy_credentials`

func (row credentialRow) toEntity() *entity.Credential {
	return &entity.Credential{
		ID:           row.ID,
		UserID:       row.UserID,
		Email:        row.Email,
		PasswordHash: row.PasswordHash,
		Active:       row.Active,
		ActivatedAt:  database.FromNullMillis(row.ActivatedAt),
		LastAccess:   database.FromNullMillis(row.LastAccess),
	}
}

// Insert adds a legacy record. Only seeding and tests write new rows; the
// service itself only updates existing ones.
func (r *CredentialRepo) Insert(ctx context.Context, c *entity.Credential) error {
	const q = `INSERT INTO legacy_credentials (id, user_id, email, password_hash, active, activated_at, last_access)
		VALUES (:id, :user_id, :email, :password_hash, :active, :activated_at, :last_access)`
	_, err := r.db.NamedExecContext(ctx, q, map[string]any{
		"id":            c.ID,
		"user_id":       c.UserID,
		"email":         c.Email,
		"password_hash": c.PasswordHash,
		"active":        c.Active,
		"activated_at":  database.NullMillis(c.ActivatedAt),
		"last_access":   database.NullMillis(c.LastAccess),
	})
	return err
}

// GetByEmail returns the record for a normalized email or sql.ErrNoRows.
func (r *CredentialRepo) GetByEmail(ctx context.Context, email string) (*entity.Credential, error) {
	var row credentialRow
	if err := r.db.GetContext(ctx, &row, r.db.Rebind(selectCredential+` WHERE email = ?`), email); err != nil {
		return nil, err
	}
	return row.toEntity(), nil
}

// GetByUserID returns the record linked to userID or sql.ErrNoRows.
func (r *CredentialRepo) GetByUserID(ctx context.Context, userID string) (*entity.Credential, error) {
	var row credentialRow
	if err := r.db.GetContext(ctx, &row, r.db.Rebind(selectCredential+` WHERE user_id = ? ORDER BY id LIMIT 1`), userID); err != nil {
		return nil, err
	}
	return row.toEntity(), nil
}

// Update writes every mutable column of c. Returns affected rows.
func (r *CredentialRepo) Update(ctx context.Context, c *entity.Credential) (int64, error) {
	const q = `UPDATE legacy_credentials SET email = ?, password_hash = ?, active = ?, activated_at = ?, last_access = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, r.db.Rebind(q), c.Email, c.PasswordHash, c.Active,
		database.NullMillis(c.ActivatedAt), database.NullMillis(c.LastAccess), c.ID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ExistsByEmail reports whether a record other than excludeID holds email.
func (r *CredentialRepo) ExistsByEmail(ctx context.Context, email string, excludeID int64) (bool, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, r.db.Rebind(`SELECT COUNT(*) FROM legacy_credentials WHERE email = ? AND id <> ?`), email, excludeID); err != nil {
		return false, err
	}
	return n > 0, nil
}
