package account

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity-bridge/internal/identity"
	identityentity "github.com/ovaphlow/pitchfork/service-identity-bridge/internal/identity/entity"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/internal/legacy"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/internal/throttle"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/internal/token"
	tokenentity "github.com/ovaphlow/pitchfork/service-identity-bridge/internal/token/entity"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/pkg/utilities"
)

const (
	MinPasswordLength = 8
	ReasonDeactivated = "Account inactive"
)

// UserSummary is the public projection of an identity.
type UserSummary struct {
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	DisplayName string   `json:"display_name"`
	Roles       []string `json:"roles"`
	PlanID      string   `json:"plan_id,omitempty"`
}

type AuthenticationResult struct {
	AccessToken           string      `json:"access_token"`
	AccessTokenExpiresAt  time.Time   `json:"access_token_expires_at"`
	RefreshToken          string      `json:"refresh_token"`
	RefreshTokenExpiresAt time.Time   `json:"refresh_token_expires_at"`
	User                  UserSummary `json:"user"`
}

// Principal is the caller behind a verified access token.
type Principal struct {
	UserID string
	Email  string
	Roles  []string
}

func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type Deps struct {
	Identities  IdentityStore
	Credentials CredentialRepository
	Profiles    ProfileProvider
	Hasher      PasswordHasher
	Tokens      TokenIssuer
	Limiter     throttle.LoginLimiter
	Logger      *zap.SugaredLogger
	Now         func() time.Time
	// LockoutDuration applies once the limiter reports its threshold.
	LockoutDuration time.Duration
}

// Service is the single authentication surface over both credential stores.
type Service struct {
	identities      IdentityStore
	credentials     CredentialRepository
	profiles        ProfileProvider
	hasher          PasswordHasher
	tokens          TokenIssuer
	limiter         throttle.LoginLimiter
	logger          *zap.SugaredLogger
	now             func() time.Time
	lockoutDuration time.Duration

	bridge      *Bridge
	policy      *DualWritePolicy
	sync        *Synchronizer
	dummyLegacy string
}

func NewService(d Deps) (*Service, error) {
	if d.Identities == nil || d.Credentials == nil || d.Hasher == nil || d.Tokens == nil {
		return nil, errors.New("account: identities, credentials, hasher and tokens are required")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop().Sugar()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Limiter == nil {
		d.Limiter = throttle.Noop{}
	}
	if d.LockoutDuration <= 0 {
		d.LockoutDuration = 15 * time.Minute
	}
	dummy, err := d.Hasher.Hash(utilities.NewKSUID())
	if err != nil {
		return nil, err
	}
	policy := NewDualWritePolicy(d.Logger)
	return &Service{
		identities:      d.Identities,
		credentials:     d.Credentials,
		profiles:        d.Profiles,
		hasher:          d.Hasher,
		tokens:          d.Tokens,
		limiter:         d.Limiter,
		logger:          d.Logger,
		now:             d.Now,
		lockoutDuration: d.LockoutDuration,
		bridge:          NewBridge(d.Identities, d.Logger),
		policy:          policy,
		sync:            NewSynchronizer(d.Identities, d.Credentials, d.Hasher, policy),
		dummyLegacy:     dummy,
	}, nil
}

func tokenErr(err error) error {
	switch {
	case errors.Is(err, token.ErrTokenInvalid):
		return ErrTokenInvalid
	case errors.Is(err, token.ErrTokenInactive):
		return ErrTokenInactive
	default:
		return unavailable(err)
	}
}

func (s *Service) planFor(ctx context.Context, userID string) string {
	if s.profiles == nil {
		return ""
	}
	p, err := s.profiles.FindProfile(ctx, userID)
	if err != nil {
		s.logger.Warnw("profile lookup failed", "user_id", userID, "err", err)
		return ""
	}
	if p == nil {
		return ""
	}
	return p.PlanID
}

func (s *Service) summary(ctx context.Context, u *identityentity.Identity) UserSummary {
	return UserSummary{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Roles:       u.Roles,
		PlanID:      s.planFor(ctx, u.ID),
	}
}

func (s *Service) accessToken(u UserSummary, stamp string) (string, time.Time, error) {
	return s.tokens.IssueAccessToken(token.Claims{
		UserID:        u.ID,
		Email:         u.Email,
		Roles:         u.Roles,
		PlanID:        u.PlanID,
		SecurityStamp: stamp,
	})
}

// issue mints a fresh access and refresh token pair for u.
func (s *Service) issue(ctx context.Context, u *identityentity.Identity, ip string) (*AuthenticationResult, error) {
	sum := s.summary(ctx, u)
	access, accessExp, err := s.accessToken(sum, u.SecurityStamp)
	if err != nil {
		return nil, err
	}
	refresh, err := s.tokens.IssueRefreshToken(ctx, u.ID, ip)
	if err != nil {
		return nil, unavailable(err)
	}
	return &AuthenticationResult{
		AccessToken:           access,
		AccessTokenExpiresAt:  accessExp,
		RefreshToken:          refresh.Token,
		RefreshTokenExpiresAt: refresh.ExpiresAt,
		User:                  sum,
	}, nil
}

// RefreshToken rotates value and returns a new pair built from the current
// identity. A replayed rotated token is rejected and logged.
func (s *Service) RefreshToken(ctx context.Context, value, ip string) (*AuthenticationResult, error) {
	old, err := s.tokens.Lookup(ctx, value)
	if err != nil {
		return nil, tokenErr(err)
	}
	now := s.now()
	switch state := old.State(now); state.Kind {
	case tokenentity.StateActive:
	case tokenentity.StateRotated:
		s.logger.Warnw("rotated refresh token replayed", "user_id", old.UserID, "ip", ip)
		return nil, ErrTokenInactive
	default:
		return nil, ErrTokenInactive
	}

	u, err := s.identities.FindByID(ctx, old.UserID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			if err := s.tokens.Revoke(ctx, value, ip, ReasonDeactivated); err != nil {
				s.logger.Warnw("revoke for missing identity failed", "user_id", old.UserID, "err", err)
			}
			return nil, ErrTokenInvalid
		}
		return nil, unavailable(err)
	}
	if s.identities.IsLockedOut(u, now) || !u.EmailConfirmed {
		if err := s.tokens.Revoke(ctx, value, ip, ReasonDeactivated); err != nil {
			s.logger.Warnw("revoke on inactive account failed", "user_id", u.ID, "err", err)
		}
		return nil, ErrAccountInactive
	}

	next, err := s.tokens.Rotate(ctx, value, ip)
	if err != nil {
		return nil, tokenErr(err)
	}
	sum := s.summary(ctx, u)
	access, accessExp, err := s.accessToken(sum, u.SecurityStamp)
	if err != nil {
		return nil, err
	}
	return &AuthenticationResult{
		AccessToken:           access,
		AccessTokenExpiresAt:  accessExp,
		RefreshToken:          next.Token,
		RefreshTokenExpiresAt: next.ExpiresAt,
		User:                  sum,
	}, nil
}

// RevokeToken revokes value. Revoking an already inactive token succeeds.
func (s *Service) RevokeToken(ctx context.Context, value, ip, reason string) error {
	if err := s.tokens.Revoke(ctx, value, ip, reason); err != nil {
		return tokenErr(err)
	}
	return nil
}

func checkPassword(pw string) error {
	if len(pw) < MinPasswordLength {
		return ErrPasswordPolicy
	}
	return nil
}

// ChangePassword requires the current password. A wrong current password
// writes nothing.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) (bool, error) {
	u, err := s.identities.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return false, ErrInvalidCredentials
		}
		return false, unavailable(err)
	}
	ok, err := s.identities.VerifyPassword(ctx, u, current)
	if err != nil || !ok {
		return false, ErrInvalidCredentials
	}
	if err := checkPassword(next); err != nil {
		return false, err
	}
	if err := s.sync.SyncPasswordChange(ctx, userID, next); err != nil {
		return false, err
	}
	return true, nil
}

// ChangePasswordByID is the administrative reset; no current password.
func (s *Service) ChangePasswordByID(ctx context.Context, userID, next string) (bool, error) {
	if err := s.userExists(ctx, userID); err != nil {
		return false, err
	}
	if err := checkPassword(next); err != nil {
		return false, err
	}
	if err := s.sync.SyncPasswordChange(ctx, userID, next); err != nil {
		return false, err
	}
	return true, nil
}

// userExists reports ErrUserNotFound when neither store knows userID.
func (s *Service) userExists(ctx context.Context, userID string) error {
	_, err := s.identities.FindByID(ctx, userID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, identity.ErrNotFound) {
		return unavailable(err)
	}
	if _, err := s.credentials.FindByUserID(ctx, userID); err != nil {
		if errors.Is(err, legacy.ErrNotFound) {
			return ErrUserNotFound
		}
		return unavailable(err)
	}
	return nil
}

func (s *Service) UpdateEmail(ctx context.Context, userID, email string) (bool, error) {
	if err := s.sync.SyncEmailChange(ctx, userID, email); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) Deactivate(ctx context.Context, userID string) (bool, error) {
	if err := s.sync.SyncDeactivation(ctx, userID); err != nil {
		return false, err
	}
	s.logger.Infow("account deactivated", "user_id", userID)
	return true, nil
}

// Authenticate verifies an access token against the identity's current
// security stamp and lockout.
func (s *Service) Authenticate(ctx context.Context, raw string) (*Principal, error) {
	claims, err := s.tokens.ParseAccessToken(raw)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	u, err := s.identities.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, unavailable(err)
	}
	if u.SecurityStamp != claims.Stamp || s.identities.IsLockedOut(u, s.now()) {
		return nil, ErrUnauthenticated
	}
	return &Principal{UserID: u.ID, Email: u.Email, Roles: u.Roles}, nil
}
