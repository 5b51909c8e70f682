package legacy

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/internal/legacy/entity"
	legacyrepo "github.com/ovaphlow/pitchfork/service-identity-bridge/internal/legacy/repo"
)

var ErrNotFound = errors.New("legacy credential not found")

// CredentialStore adapts the legacy repository to the credential capability
// the account service consumes.
type CredentialStore struct {
	repo *legacyrepo.CredentialRepo
}

func NewCredentialStore(db *sqlx.DB, r *legacyrepo.CredentialRepo) *CredentialStore {
	if r == nil {
		r = legacyrepo.NewCredentialRepo(db)
	}
	return &CredentialStore{repo: r}
}

func (s *CredentialStore) EnsureSchema(ctx context.Context) error { return s.repo.EnsureTable(ctx) }

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *CredentialStore) FindByEmail(ctx context.Context, email string) (*entity.Credential, error) {
	c, err := s.repo.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (s *CredentialStore) FindByUserID(ctx context.Context, userID string) (*entity.Credential, error) {
	c, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (s *CredentialStore) Update(ctx context.Context, c *entity.Credential) error {
	c.Email = normalizeEmail(c.Email)
	n, err := s.repo.Update(ctx, c)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ExistsByEmail reports whether a record other than excludeID uses email.
func (s *CredentialStore) ExistsByEmail(ctx context.Context, email string, excludeID int64) (bool, error) {
	return s.repo.ExistsByEmail(ctx, normalizeEmail(email), excludeID)
}

// Insert seeds a legacy record.
func (s *CredentialStore) Insert(ctx context.Context, c *entity.Credential) error {
	c.Email = normalizeEmail(c.Email)
	return s.repo.Insert(ctx, c)
}

// ProfileStore exposes legacy profiles; a missing profile is not an error.
type ProfileStore struct {
	repo *legacyrepo.ProfileRepo
}

func NewProfileStore(db *sqlx.DB) *ProfileStore {
	return &ProfileStore{repo: legacyrepo.NewProfileRepo(db)}
}

func (s *ProfileStore) EnsureSchema(ctx context.Context) error { return s.repo.EnsureTable(ctx) }

// FindProfile returns (nil, nil) when the user has no profile row.
func (s *ProfileStore) FindProfile(ctx context.Context, userID string) (*entity.Profile, error) {
	p, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

func (s *ProfileStore) Upsert(ctx context.Context, p *entity.Profile) error {
	return s.repo.Upsert(ctx, p)
}
