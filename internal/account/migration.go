package account

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity-bridge/internal/identity"
	identityentity "github.com/ovaphlow/pitchfork/service-identity-bridge/internal/identity/entity"
	legacyentity "github.com/ovaphlow/pitchfork/service-identity-bridge/internal/legacy/entity"
)

// DefaultRoles are granted to identities created from legacy credentials.
var DefaultRoles = []string{"user"}

// Bridge creates modern identities from legacy credentials, keeping the
// legacy user id.
type Bridge struct {
	identities IdentityStore
	logger     *zap.SugaredLogger
}

func NewBridge(identities IdentityStore, logger *zap.SugaredLogger) *Bridge {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Bridge{identities: identities, logger: logger}
}

func displayName(p *legacyentity.Profile, email string) string {
	if p != nil && strings.TrimSpace(p.DisplayName) != "" {
		return strings.TrimSpace(p.DisplayName)
	}
	local, _, _ := strings.Cut(email, "@")
	return local
}

// Migrate creates the identity for cred, hashing password with the modern
// algorithm. A create that loses a race to a concurrent migration of the
// same user returns the identity the winner created.
func (b *Bridge) Migrate(ctx context.Context, cred *legacyentity.Credential, profile *legacyentity.Profile, password string) (*identityentity.Identity, error) {
	if cred == nil || strings.TrimSpace(cred.UserID) == "" {
		return nil, fmt.Errorf("%w: legacy credential has no user id", ErrMigrationFailed)
	}
	email := identity.NormalizeEmail(cred.Email)
	u := &identityentity.Identity{
		ID:             cred.UserID,
		Email:          email,
		DisplayName:    displayName(profile, email),
		EmailConfirmed: cred.Active,
		Roles:          append([]string(nil), DefaultRoles...),
	}
	err := b.identities.Create(ctx, u, password)
	if err == nil {
		b.logger.Infow("legacy user migrated", "user_id", u.ID)
		return u, nil
	}
	if !errors.Is(err, identity.ErrDuplicateID) && !errors.Is(err, identity.ErrDuplicateEmail) {
		return nil, fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}

	existing, ferr := b.identities.FindByID(ctx, cred.UserID)
	switch {
	case ferr == nil && existing.Email == email:
		b.logger.Debugw("legacy user already migrated", "user_id", u.ID)
		return existing, nil
	case ferr == nil:
		return nil, fmt.Errorf("%w: user %s migrated under another email", ErrMigrationConflict, cred.UserID)
	case errors.Is(ferr, identity.ErrNotFound):
		return nil, fmt.Errorf("%w: email claimed by another identity", ErrMigrationConflict)
	default:
		return nil, fmt.Errorf("%w: %v", ErrMigrationFailed, ferr)
	}
}
