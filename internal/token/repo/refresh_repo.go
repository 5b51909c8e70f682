package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/internal/token/entity"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/pkg/database"
)

type RefreshRepo struct {
	db *sqlx.DB
}

func NewRefreshRepo(db *sqlx.DB) *RefreshRepo {
	return &RefreshRepo{db: db}
}

func (r *RefreshRepo) EnsureTable(ctx context.Context) error {
	return database.ExecAll(ctx, r.db,
		`CREATE TABLE IF NOT EXISTS refresh_tokens (
  id BIGINT PRIMARY KEY,
  token TEXT NOT NULL,
  user_id TEXT NOT NULL,
  created_at BIGINT NOT NULL,
  expires_at BIGINT NOT NULL,
  created_by_ip TEXT NOT NULL DEFAULT '',
  revoked_at BIGINT,
  revoked_by_ip TEXT,
  replaced_by_token TEXT,
  revoke_reason TEXT
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_refresh_tokens_token ON refresh_tokens (token)`,
		`CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user_id ON refresh_tokens (user_id)`,
	)
}

type refreshRow struct {
	ID              int64          `db:"id"`
	Token           string         `db:"token"`
	UserID          string         `db:"user_id"`
	CreatedAt       int64          `db:"created_at"`
	ExpiresAt       int64          `db:"expires_at"`
	CreatedByIP     string         `db:"created_by_ip"`
	RevokedAt       sql.NullInt64  `db:"revoked_at"`
	RevokedByIP     sql.NullString `db:"revoked_by_ip"`
	ReplacedByToken sql.NullString `db:"replaced_by_token"`
	RevokeReason    sql.NullString `db:"revoke_reason"`
}

const selectRefresh = `SELECT id, token, user_id, created_at, expires_at, created_by_ip,
	revoked_at, revoked_by_ip, replaced_by_token, revoke_reason FROM refresh_tokens`

func (row refreshRow) toEntity() *entity.RefreshToken {
	return &entity.RefreshToken{
		ID:              row.ID,
		Token:           row.Token,
		UserID:          row.UserID,
		CreatedAt:       database.FromMillis(row.CreatedAt),
		ExpiresAt:       database.FromMillis(row.ExpiresAt),
		CreatedByIP:     row.CreatedByIP,
		RevokedAt:       database.FromNullMillis(row.RevokedAt),
		RevokedByIP:     row.RevokedByIP.String,
		ReplacedByToken: row.ReplacedByToken.String,
		RevokeReason:    row.RevokeReason.String,
	}
}

const insertRefresh = `INSERT INTO refresh_tokens (id, token, user_id, created_at, expires_at, created_by_ip)
	VALUES (?, ?, ?, ?, ?, ?)`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Rebind(query string) string
}

func insert(ctx context.Context, ex execer, t *entity.RefreshToken) error {
	_, err := ex.ExecContext(ctx, ex.Rebind(insertRefresh),
		t.ID, t.Token, t.UserID, database.ToMillis(t.CreatedAt), database.ToMillis(t.ExpiresAt), t.CreatedByIP)
	return err
}

func (r *RefreshRepo) Save(ctx context.Context, t *entity.RefreshToken) error {
	return insert(ctx, r.db, t)
}

// Get returns the token row or sql.ErrNoRows.
func (r *RefreshRepo) Get(ctx context.Context, token string) (*entity.RefreshToken, error) {
	var row refreshRow
	if err := r.db.GetContext(ctx, &row, r.db.Rebind(selectRefresh+` WHERE token = ?`), token); err != nil {
		return nil, err
	}
	return row.toEntity(), nil
}

// ListByUser returns all tokens of userID, oldest first.
func (r *RefreshRepo) ListByUser(ctx context.Context, userID string) ([]*entity.RefreshToken, error) {
	var rows []refreshRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(selectRefresh+` WHERE user_id = ? ORDER BY created_at, id`), userID); err != nil {
		return nil, err
	}
	out := make([]*entity.RefreshToken, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toEntity())
	}
	return out, nil
}

// Rotate marks token as replaced by next and inserts next in one transaction.
// The conditional UPDATE is the single-use guard: it returns false without
// writing anything when token is no longer active at now.
func (r *RefreshRepo) Rotate(ctx context.Context, token string, next *entity.RefreshToken, byIP, reason string, now time.Time) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	const q = `UPDATE refresh_tokens SET revoked_at = ?, revoked_by_ip = ?, replaced_by_token = ?, revoke_reason = ?
		WHERE token = ? AND revoked_at IS NULL AND expires_at > ?`
	ms := database.ToMillis(now)
	res, err := tx.ExecContext(ctx, tx.Rebind(q), ms, byIP, next.Token, reason, token, ms)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n != 1 {
		return false, nil
	}
	if err := insert(ctx, tx, next); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// Revoke marks an active token revoked without a successor. Returns false when
// the token was already inactive.
func (r *RefreshRepo) Revoke(ctx context.Context, token, byIP, reason string, now time.Time) (bool, error) {
	const q = `UPDATE refresh_tokens SET revoked_at = ?, revoked_by_ip = ?, revoke_reason = ?
		WHERE token = ? AND revoked_at IS NULL AND expires_at > ?`
	ms := database.ToMillis(now)
	res, err := r.db.ExecContext(ctx, r.db.Rebind(q), ms, byIP, reason, token, ms)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DeleteInactive removes tokens of userID created before cutoff that are no longer active at now.
func (r *RefreshRepo) DeleteInactive(ctx context.Context, userID string, cutoff, now time.Time) (int64, error) {
	const q = `DELETE FROM refresh_tokens WHERE user_id = ? AND created_at < ? AND (revoked_at IS NOT NULL OR expires_at <= ?)`
	res, err := r.db.ExecContext(ctx, r.db.Rebind(q), userID, database.ToMillis(cutoff), database.ToMillis(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
