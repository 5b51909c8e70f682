package identity

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/internal/identity/entity"
	identityrepo "github.com/ovaphlow/pitchfork/service-identity-bridge/internal/identity/repo"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/pkg/database"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/pkg/utilities"
)

var (
	ErrNotFound       = errors.New("identity not found")
	ErrDuplicateEmail = errors.New("identity email already in use")
	ErrDuplicateID    = errors.New("identity id already exists")
)

// PermanentLockout is the lockout end used for deactivated accounts.
var PermanentLockout = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// Store is the modern identity store client. It owns password hashing so
// callers only ever hand it plaintext.
type Store struct {
	repo   *identityrepo.IdentityRepo
	hasher *Argon2Hasher
	now    func() time.Time
}

func NewStore(db *sqlx.DB, r *identityrepo.IdentityRepo, hasher *Argon2Hasher, now func() time.Time) *Store {
	if r == nil {
		r = identityrepo.NewIdentityRepo(db)
	}
	if hasher == nil {
		hasher, _ = NewArgon2Hasher(DefaultArgon2Config())
	}
	if now == nil {
		now = time.Now
	}
	return &Store{repo: r, hasher: hasher, now: now}
}

// EnsureSchema creates the backing table.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.repo.EnsureTable(ctx)
}

// NormalizeEmail lower-cases and trims so lookups are case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NewSecurityStamp returns a fresh opaque stamp.
func NewSecurityStamp() string {
	return utilities.NewKSUID()
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *Store) FindByEmail(ctx context.Context, email string) (*entity.Identity, error) {
	u, err := s.repo.GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return nil, notFound(err)
	}
	return u, nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*entity.Identity, error) {
	u, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}
	return u, nil
}

// Create hashes password and inserts u atomically. u.ID must already be set.
// A unique violation is reported as ErrDuplicateID or ErrDuplicateEmail.
func (s *Store) Create(ctx context.Context, u *entity.Identity, password string) error {
	if u.ID == "" {
		return errors.New("identity id is required")
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	u.Email = NormalizeEmail(u.Email)
	u.PasswordHash = hash
	if u.SecurityStamp == "" {
		u.SecurityStamp = NewSecurityStamp()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	if err := s.repo.Insert(ctx, u); err != nil {
		if !database.IsUniqueViolation(err) {
			return err
		}
		if _, getErr := s.repo.GetByID(ctx, u.ID); getErr == nil {
			return ErrDuplicateID
		}
		return ErrDuplicateEmail
	}
	return nil
}

// SetPassword rehashes and rotates the security stamp in a single write,
// invalidating access tokens minted under the old stamp.
func (s *Store) SetPassword(ctx context.Context, id, password string) error {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return err
	}
	n, err := s.repo.UpdatePassword(ctx, id, hash, NewSecurityStamp(), s.now().UTC())
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ChangeEmail sets a new unconfirmed email and rotates the security stamp.
func (s *Store) ChangeEmail(ctx context.Context, id, email string) error {
	n, err := s.repo.ChangeEmail(ctx, id, NormalizeEmail(email), NewSecurityStamp(), s.now().UTC())
	if err != nil {
		if database.IsUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Deactivate locks id out permanently, clears email confirmation and rotates
// the security stamp in one statement.
func (s *Store) Deactivate(ctx context.Context, id string) error {
	n, err := s.repo.Deactivate(ctx, id, PermanentLockout, NewSecurityStamp(), s.now().UTC())
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) VerifyPassword(_ context.Context, u *entity.Identity, password string) (bool, error) {
	if u == nil || u.PasswordHash == "" {
		return false, nil
	}
	return s.hasher.Verify(password, u.PasswordHash)
}

func (s *Store) IsLockedOut(u *entity.Identity, now time.Time) bool {
	return u.LockedOut(now)
}

// SetLockout sets lockout end; nil clears it.
func (s *Store) SetLockout(ctx context.Context, id string, until *time.Time) error {
	n, err := s.repo.SetLockout(ctx, id, until, s.now().UTC())
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) RecordLogin(ctx context.Context, id string, at time.Time) error {
	n, err := s.repo.RecordLogin(ctx, id, at)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
