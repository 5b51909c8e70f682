package account

import (
	"context"
	"errors"
	"time"

	"github.com/ovaphlow/pitchfork/service-identity-bridge/internal/identity"
	identityentity "github.com/ovaphlow/pitchfork/service-identity-bridge/internal/identity/entity"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/internal/legacy"
	legacyentity "github.com/ovaphlow/pitchfork/service-identity-bridge/internal/legacy/entity"
)

// Login resolves email against the modern store first and falls back to the
// legacy store, migrating a legacy user on first successful login. All
// credential failures are ErrInvalidCredentials regardless of which store
// rejected them.
func (s *Service) Login(ctx context.Context, email, password, ip string) (*AuthenticationResult, error) {
	now := s.now()
	u, err := s.identities.FindByEmail(ctx, email)
	switch {
	case err == nil:
		ok, verr := s.identities.VerifyPassword(ctx, u, password)
		if verr != nil {
			s.logger.Warnw("identity hash unreadable", "user_id", u.ID, "err", verr)
			return nil, ErrInvalidCredentials
		}
		if !ok {
			s.recordFailure(ctx, u, now)
			return nil, ErrInvalidCredentials
		}
	case errors.Is(err, identity.ErrNotFound):
		u, err = s.loginLegacy(ctx, email, password)
		if err != nil {
			return nil, err
		}
	default:
		return nil, unavailable(err)
	}

	if s.identities.IsLockedOut(u, now) || !u.EmailConfirmed {
		return nil, ErrAccountInactive
	}

	if err := s.limiter.Reset(ctx, u.ID); err != nil {
		s.logger.Warnw("reset login failures", "user_id", u.ID, "err", err)
	}
	if err := s.identities.RecordLogin(ctx, u.ID, now.UTC()); err != nil {
		return nil, unavailable(err)
	}
	if n, err := s.tokens.PruneInactive(ctx, u.ID); err != nil {
		s.logger.Warnw("prune refresh tokens", "user_id", u.ID, "err", err)
	} else if n > 0 {
		s.logger.Debugw("pruned refresh tokens", "user_id", u.ID, "count", n)
	}
	return s.issue(ctx, u, ip)
}

// loginLegacy verifies against the legacy record and migrates it. The
// password is not verified again against the new identity.
func (s *Service) loginLegacy(ctx context.Context, email, password string) (*identityentity.Identity, error) {
	cred, err := s.credentials.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, legacy.ErrNotFound) {
			// keeps an unknown email as slow as a wrong password
			s.hasher.Verify(password, s.dummyLegacy)
			return nil, ErrInvalidCredentials
		}
		return nil, unavailable(err)
	}
	if !s.hasher.Verify(password, cred.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	if !cred.Active {
		return nil, ErrAccountInactive
	}

	var profile *legacyentity.Profile
	if s.profiles != nil {
		profile, err = s.profiles.FindProfile(ctx, cred.UserID)
		if err != nil {
			s.logger.Warnw("profile lookup failed", "user_id", cred.UserID, "err", err)
		}
	}
	u, err := s.bridge.Migrate(ctx, cred, profile, password)
	switch {
	case err == nil:
	case errors.Is(err, ErrMigrationConflict):
		s.logger.Warnw("migration conflict", "user_id", cred.UserID, "err", err)
		return nil, ErrInvalidCredentials
	default:
		return nil, unavailable(err)
	}

	at := s.now().UTC()
	s.policy.Mirror(ctx, "last_access", u.ID, func(ctx context.Context) error {
		cred.LastAccess = &at
		return s.credentials.Update(ctx, cred)
	})
	return u, nil
}

// recordFailure counts a wrong password and locks the identity once the
// limiter threshold is reached. An existing longer lockout is kept.
func (s *Service) recordFailure(ctx context.Context, u *identityentity.Identity, now time.Time) {
	hit, err := s.limiter.RecordFailure(ctx, u.ID)
	if err != nil {
		s.logger.Warnw("record login failure", "user_id", u.ID, "err", err)
		return
	}
	if !hit {
		return
	}
	until := now.UTC().Add(s.lockoutDuration)
	if u.LockoutUntil != nil && u.LockoutUntil.After(until) {
		return
	}
	if err := s.identities.SetLockout(ctx, u.ID, &until); err != nil {
		s.logger.Warnw("set lockout", "user_id", u.ID, "err", err)
		return
	}
	s.logger.Infow("identity locked out", "user_id", u.ID, "until", until)
}
