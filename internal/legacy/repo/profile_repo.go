package repo

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/internal/legacy/entity"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/pkg/database"
)

// ProfileRepo reads user_profiles, owned by the legacy application.
type ProfileRepo struct {
	db *sqlx.DB
}

func NewProfileRepo(db *sqlx.DB) *ProfileRepo { return &ProfileRepo{db: db} }

func (r *ProfileRepo) EnsureTable(ctx context.Context) error {
	return database.ExecAll(ctx, r.db,
		`CREATE TABLE IF NOT EXISTS user_profiles (
  user_id TEXT PRIMARY KEY,
  display_name TEXT NOT NULL DEFAULT '',
  plan_id TEXT NOT NULL DEFAULT ''
)`)
}

// Upsert is used by seeding and tests.
func (r *ProfileRepo) Upsert(ctx context.Context, p *entity.Profile) error {
	const q = `INSERT INTO user_profiles (user_id, display_name, plan_id) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET display_name = excluded.display_name, plan_id = excluded.plan_id`
	_, err := r.db.ExecContext(ctx, r.db.Rebind(q), p.UserID, p.DisplayName, p.PlanID)
	return err
}

// GetByUserID returns the profile or sql.ErrNoRows.
func (r *ProfileRepo) GetByUserID(ctx context.Context, userID string) (*entity.Profile, error) {
	var p struct {
		UserID      string `db:"user_id"`
		DisplayName string `db:"display_name"`
		PlanID      string `db:"plan_id"`
	}
	if err := r.db.GetContext(ctx, &p, r.db.Rebind(`SELECT user_id, display_name, plan_id FROM user_profiles WHERE user_id = ?`), userID); err != nil {
		return nil, err
	}
	return &entity.Profile{UserID: p.UserID, DisplayName: p.DisplayName, PlanID: p.PlanID}, nil
}
