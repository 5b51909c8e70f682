package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/internal/identity/entity"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/pkg/database"
)

// IdentityRepo provides data access for the identities table using sqlx.
// Queries are written with `?` and rebound for the active driver.
type IdentityRepo struct {
	db *sqlx.DB
}

func NewIdentityRepo(db *sqlx.DB) *IdentityRepo { return &IdentityRepo{db: db} }

// EnsureTable creates the identities table if not exists (idempotent).
func (r *IdentityRepo) EnsureTable(ctx context.Context) error {
	return database.ExecAll(ctx, r.db,
		`CREATE TABLE IF NOT EXISTS identities (
  id TEXT PRIMARY KEY,
  email TEXT NOT NULL,
  display_name TEXT NOT NULL DEFAULT '',
  password_hash TEXT NOT NULL,
  email_confirmed BOOLEAN NOT NULL DEFAULT false,
  lockout_until BIGINT,
  security_stamp TEXT NOT NULL,
  roles TEXT NOT NULL DEFAULT '[]',
  last_login_at BIGINT,
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_identities_email ON identities (email)`,
	)
}

type identityRow struct {
	ID             string        `db:"id"`
	Email          string        `db:"email"`
	DisplayName    string        `db:"display_name"`
	PasswordHash   string        `db:"password_hash"`
	EmailConfirmed bool          `db:"email_confirmed"`
	LockoutUntil   sql.NullInt64 `db:"lockout_until"`
	SecurityStamp  string        `db:"security_stamp"`
	Roles          string        `db:"roles"`
	LastLoginAt    sql.NullInt64 `db:"last_login_at"`
	CreatedAt      int64         `db:"created_at"`
	UpdatedAt      int64         `db:"updated_at"`
}

const selectIdentity = `SELECT id, email, display_name, password_hash, email_confirmed, lockout_until,
	security_stamp, roles, last_login_at, created_at, updated_at
  FROM identities`

func (row identityRow) toEntity() (*entity.Identity, error) {
	var roles []string
	if row.Roles != "" {
		if err := json.Unmarshal([]byte(row.Roles), &roles); err != nil {
			return nil, err
		}
	}
	return &entity.Identity{
		ID:             row.ID,
		Email:          row.Email,
		DisplayName:    row.DisplayName,
		PasswordHash:   row.PasswordHash,
		EmailConfirmed: row.EmailConfirmed,
		LockoutUntil:   database.FromNullMillis(row.LockoutUntil),
		SecurityStamp:  row.SecurityStamp,
		Roles:          roles,
		LastLoginAt:    database.FromNullMillis(row.LastLoginAt),
		CreatedAt:      database.FromMillis(row.CreatedAt),
		UpdatedAt:      database.FromMillis(row.UpdatedAt),
	}, nil
}

func encodeRoles(roles []string) (string, error) {
	if roles == nil {
		roles = []string{}
	}
	b, err := json.Marshal(roles)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Insert creates a new identity row. A duplicate id or email surfaces as the
// driver's unique-violation error (see database.IsUniqueViolation).
func (r *IdentityRepo) Insert(ctx context.Context, u *entity.Identity) error {
	roles, err := encodeRoles(u.Roles)
	if err != nil {
		return err
	}
	const q = `INSERT INTO identities (id, email, display_name, password_hash, email_confirmed, lockout_until,
		security_stamp, roles, last_login_at, created_at, updated_at)
		VALUES (:id, :email, :display_name, :password_hash, :email_confirmed, :lockout_until,
		:security_stamp, :roles, :last_login_at, :created_at, :updated_at)`
	params := map[string]any{
		"id":              u.ID,
		"email":           u.Email,
		"display_name":    u.DisplayName,
		"password_hash":   u.PasswordHash,
		"email_confirmed": u.EmailConfirmed,
		"lockout_until":   database.NullMillis(u.LockoutUntil),
		"security_stamp":  u.SecurityStamp,
		"roles":           roles,
		"last_login_at":   database.NullMillis(u.LastLoginAt),
		"created_at":      database.ToMillis(u.CreatedAt),
		"updated_at":      database.ToMillis(u.UpdatedAt),
	}
	_, err = r.db.NamedExecContext(ctx, q, params)
	return err
}

// GetByEmail returns the identity with the given (already normalized) email or sql.ErrNoRows.
func (r *IdentityRepo) GetByEmail(ctx context.Context, email string) (*entity.Identity, error) {
	var row identityRow
	if err := r.db.GetContext(ctx, &row, r.db.Rebind(selectIdentity+` WHERE email = ?`), email); err != nil {
		return nil, err
	}
	return row.toEntity()
}

// GetByID fetches a full identity row or sql.ErrNoRows.
func (r *IdentityRepo) GetByID(ctx context.Context, id string) (*entity.Identity, error) {
	var row identityRow
	if err := r.db.GetContext(ctx, &row, r.db.Rebind(selectIdentity+` WHERE id = ?`), id); err != nil {
		return nil, err
	}
	return row.toEntity()
}

// UpdatePassword swaps the password hash and security stamp in one statement.
func (r *IdentityRepo) UpdatePassword(ctx context.Context, id, hash, stamp string, at time.Time) (int64, error) {
	const q = `UPDATE identities SET password_hash = ?, security_stamp = ?, updated_at = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, r.db.Rebind(q), hash, stamp, database.ToMillis(at), id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ChangeEmail moves id to email and drops it back to unconfirmed. Other
// columns are left alone so a concurrent lockout is never overwritten.
func (r *IdentityRepo) ChangeEmail(ctx context.Context, id, email, stamp string, at time.Time) (int64, error) {
	const q = `UPDATE identities SET email = ?, email_confirmed = ?, security_stamp = ?, updated_at = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, r.db.Rebind(q), email, false, stamp, database.ToMillis(at), id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Deactivate sets lockout_until, clears email_confirmed and rotates the stamp.
func (r *IdentityRepo) Deactivate(ctx context.Context, id string, until time.Time, stamp string, at time.Time) (int64, error) {
	const q = `UPDATE identities SET lockout_until = ?, email_confirmed = ?, security_stamp = ?, updated_at = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, r.db.Rebind(q), database.ToMillis(until), false, stamp, database.ToMillis(at), id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetLockout sets or clears (until == nil) lockout_until.
func (r *IdentityRepo) SetLockout(ctx context.Context, id string, until *time.Time, at time.Time) (int64, error) {
	const q = `UPDATE identities SET lockout_until = ?, updated_at = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, r.db.Rebind(q), database.NullMillis(until), database.ToMillis(at), id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RecordLogin stamps last_login_at on successful authentication.
func (r *IdentityRepo) RecordLogin(ctx context.Context, id string, at time.Time) (int64, error) {
	const q = `UPDATE identities SET last_login_at = ?, updated_at = ? WHERE id = ?`
	ms := database.ToMillis(at)
	res, err := r.db.ExecContext(ctx, r.db.Rebind(q), ms, ms, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
