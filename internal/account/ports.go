package account

import (
	"context"
	"time"

	identityentity "github.com/ovaphlow/pitchfork/service-identity-bridge/internal/identity/entity"
	legacyentity "github.com/ovaphlow/pitchfork/service-identity-bridge/internal/legacy/entity"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/internal/token"
	tokenentity "github.com/ovaphlow/pitchfork/service-identity-bridge/internal/token/entity"
)

// IdentityStore is the modern identity store. Missing records are reported
// as identity.ErrNotFound, unique violations as identity.ErrDuplicateID or
// identity.ErrDuplicateEmail.
type IdentityStore interface {
	FindByEmail(ctx context.Context, email string) (*identityentity.Identity, error)
	FindByID(ctx context.Context, id string) (*identityentity.Identity, error)
	Create(ctx context.Context, u *identityentity.Identity, password string) error
	SetPassword(ctx context.Context, id, password string) error
	// ChangeEmail and Deactivate write only the columns they own.
	ChangeEmail(ctx context.Context, id, email string) error
	Deactivate(ctx context.Context, id string) error
	VerifyPassword(ctx context.Context, u *identityentity.Identity, password string) (bool, error)
	IsLockedOut(u *identityentity.Identity, now time.Time) bool
	SetLockout(ctx context.Context, id string, until *time.Time) error
	RecordLogin(ctx context.Context, id string, at time.Time) error
}

// CredentialRepository is the legacy credential table. Missing records are
// reported as legacy.ErrNotFound.
type CredentialRepository interface {
	FindByEmail(ctx context.Context, email string) (*legacyentity.Credential, error)
	FindByUserID(ctx context.Context, userID string) (*legacyentity.Credential, error)
	Update(ctx context.Context, c *legacyentity.Credential) error
	ExistsByEmail(ctx context.Context, email string, excludeID int64) (bool, error)
}

// PasswordHasher works in the legacy hash format only.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, hash string) bool
}

// ProfileProvider returns (nil, nil) when a user has no profile.
type ProfileProvider interface {
	FindProfile(ctx context.Context, userID string) (*legacyentity.Profile, error)
}

type TokenIssuer interface {
	IssueAccessToken(c token.Claims) (string, time.Time, error)
	ParseAccessToken(raw string) (*token.AccessClaims, error)
	IssueRefreshToken(ctx context.Context, userID, ip string) (*tokenentity.RefreshToken, error)
	Lookup(ctx context.Context, value string) (*tokenentity.RefreshToken, error)
	Rotate(ctx context.Context, value, ip string) (*tokenentity.RefreshToken, error)
	Revoke(ctx context.Context, value, ip, reason string) error
	PruneInactive(ctx context.Context, userID string) (int64, error)
}
