package account

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity-bridge/internal/identity"
	identityentity "github.com/ovaphlow/pitchfork/service-identity-bridge/internal/identity/entity"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/internal/legacy"
	legacyentity "github.com/ovaphlow/pitchfork/service-identity-bridge/internal/legacy/entity"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/pkg/database"
)

// Write is one side of a dual write.
type Write func(ctx context.Context) error

// DualWritePolicy applies a mutation to the primary store, then mirrors it to
// the secondary. Only a primary failure is returned; secondary failures are
// logged and swallowed.
type DualWritePolicy struct {
	logger *zap.SugaredLogger
}

func NewDualWritePolicy(logger *zap.SugaredLogger) *DualWritePolicy {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &DualWritePolicy{logger: logger}
}

func (p *DualWritePolicy) Apply(ctx context.Context, op, userID string, primary, secondary Write) error {
	if err := primary(ctx); err != nil {
		return err
	}
	if secondary != nil {
		p.Mirror(ctx, op, userID, secondary)
	}
	return nil
}

// Mirror runs a secondary-only write, logging a failure.
func (p *DualWritePolicy) Mirror(ctx context.Context, op, userID string, secondary Write) {
	if err := secondary(ctx); err != nil {
		p.logger.Warnw("secondary write failed", "op", op, "user_id", userID, "err", err)
	}
}

var errLegacyEmailTaken = errors.New("legacy email held by another record")

// Synchronizer propagates credential mutations to both stores. The modern
// store is primary. A user that was never migrated has only the legacy
// record, which then acts as primary.
type Synchronizer struct {
	identities  IdentityStore
	credentials CredentialRepository
	hasher      PasswordHasher
	policy      *DualWritePolicy
}

func NewSynchronizer(identities IdentityStore, credentials CredentialRepository, hasher PasswordHasher, policy *DualWritePolicy) *Synchronizer {
	if policy == nil {
		policy = NewDualWritePolicy(nil)
	}
	return &Synchronizer{identities: identities, credentials: credentials, hasher: hasher, policy: policy}
}

// mirror applies mutate to the legacy record of userID if one exists.
func (s *Synchronizer) mirror(ctx context.Context, userID string, mutate func(*legacyentity.Credential) error) error {
	c, err := s.credentials.FindByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, legacy.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := mutate(c); err != nil {
		return err
	}
	return s.credentials.Update(ctx, c)
}

// legacyOnly writes a user that has no modern identity.
func (s *Synchronizer) legacyOnly(ctx context.Context, userID string, mutate func(*legacyentity.Credential) error) error {
	c, err := s.credentials.FindByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, legacy.ErrNotFound) {
			return ErrUserNotFound
		}
		return unavailable(err)
	}
	if err := mutate(c); err != nil {
		return err
	}
	if err := s.credentials.Update(ctx, c); err != nil {
		if database.IsUniqueViolation(err) {
			return ErrEmailConflict
		}
		return unavailable(err)
	}
	return nil
}

func (s *Synchronizer) loadIdentity(ctx context.Context, userID string) (*identityentity.Identity, error) {
	u, err := s.identities.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, nil
		}
		return nil, unavailable(err)
	}
	return u, nil
}

// SyncPasswordChange rehashes in both stores. The modern write also rotates
// the security stamp.
func (s *Synchronizer) SyncPasswordChange(ctx context.Context, userID, password string) error {
	setLegacy := func(c *legacyentity.Credential) error {
		h, err := s.hasher.Hash(password)
		if err != nil {
			return err
		}
		c.PasswordHash = h
		return nil
	}
	err := s.policy.Apply(ctx, "password", userID,
		func(ctx context.Context) error { return s.identities.SetPassword(ctx, userID, password) },
		func(ctx context.Context) error { return s.mirror(ctx, userID, setLegacy) },
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, identity.ErrNotFound):
		return s.legacyOnly(ctx, userID, setLegacy)
	default:
		return unavailable(err)
	}
}

// SyncEmailChange moves userID to email. The modern record drops back to
// unconfirmed. The legacy mirror is skipped when another legacy record
// already holds email.
func (s *Synchronizer) SyncEmailChange(ctx context.Context, userID, email string) error {
	email = identity.NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return ErrInvalidEmail
	}
	u, err := s.loadIdentity(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.checkLegacyOwner(ctx, userID, email); err != nil {
		return err
	}
	if u == nil {
		holder, err := s.identities.FindByEmail(ctx, email)
		switch {
		case err == nil && holder.ID != userID:
			return ErrEmailConflict
		case err != nil && !errors.Is(err, identity.ErrNotFound):
			return unavailable(err)
		}
		return s.legacyOnly(ctx, userID, func(c *legacyentity.Credential) error {
			taken, err := s.credentials.ExistsByEmail(ctx, email, c.ID)
			if err != nil {
				return unavailable(err)
			}
			if taken {
				return ErrEmailConflict
			}
			c.Email = email
			return nil
		})
	}
	if u.Email == email {
		return nil
	}

	err = s.policy.Apply(ctx, "email", userID,
		func(ctx context.Context) error { return s.identities.ChangeEmail(ctx, userID, email) },
		func(ctx context.Context) error {
			return s.mirror(ctx, userID, func(c *legacyentity.Credential) error {
				taken, err := s.credentials.ExistsByEmail(ctx, email, c.ID)
				if err != nil {
					return err
				}
				if taken {
					return errLegacyEmailTaken
				}
				c.Email = email
				return nil
			})
		},
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, identity.ErrDuplicateEmail):
		return ErrEmailConflict
	case errors.Is(err, identity.ErrNotFound):
		return ErrUserNotFound
	default:
		return unavailable(err)
	}
}

// checkLegacyOwner rejects email when it belongs to a different user that
// exists only in the legacy store.
func (s *Synchronizer) checkLegacyOwner(ctx context.Context, userID, email string) error {
	c, err := s.credentials.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, legacy.ErrNotFound) {
			return nil
		}
		return unavailable(err)
	}
	if c.UserID == userID {
		return nil
	}
	_, err = s.identities.FindByID(ctx, c.UserID)
	switch {
	case err == nil:
		// migrated; the modern unique index decides
		return nil
	case errors.Is(err, identity.ErrNotFound):
		return ErrEmailConflict
	default:
		return unavailable(err)
	}
}

// SyncDeactivation locks the modern identity permanently and clears the
// legacy active flag.
func (s *Synchronizer) SyncDeactivation(ctx context.Context, userID string) error {
	deactivate := func(c *legacyentity.Credential) error {
		c.Active = false
		return nil
	}
	err := s.policy.Apply(ctx, "deactivate", userID,
		func(ctx context.Context) error { return s.identities.Deactivate(ctx, userID) },
		func(ctx context.Context) error { return s.mirror(ctx, userID, deactivate) },
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, identity.ErrNotFound):
		return s.legacyOnly(ctx, userID, deactivate)
	default:
		return unavailable(err)
	}
}
