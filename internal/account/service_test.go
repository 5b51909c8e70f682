package account

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity-bridge/internal/identity"
	identityentity "github.com/ovaphlow/pitchfork/service-identity-bridge/internal/identity/entity"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/internal/legacy"
	legacyentity "github.com/ovaphlow/pitchfork/service-identity-bridge/internal/legacy/entity"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/internal/throttle"
	tokenentity "github.com/ovaphlow/pitchfork/service-identity-bridge/internal/token/entity"
)

const (
	pw1 = "P1-password"
	ip  = "10.0.0.1"
)

// racingIdentities lets a concurrent migration win just before our create.
type racingIdentities struct {
	*identity.Store
	raced bool
}

func (r *racingIdentities) Create(ctx context.Context, u *identityentity.Identity, password string) error {
	if !r.raced {
		r.raced = true
		winner := *u
		winner.Roles = append([]string(nil), u.Roles...)
		if err := r.Store.Create(ctx, &winner, password); err != nil {
			return err
		}
	}
	return r.Store.Create(ctx, u, password)
}

type failingCredentials struct {
	*legacy.CredentialStore
}

func (failingCredentials) Update(context.Context, *legacyentity.Credential) error {
	return errors.New("legacy database is read-only")
}

type brokenIdentities struct {
	*identity.Store
}

func (brokenIdentities) FindByEmail(context.Context, string) (*identityentity.Identity, error) {
	return nil, errors.New("dial tcp: connection refused")
}

// interleavedIdentities runs during once, just before an email change lands.
type interleavedIdentities struct {
	*identity.Store
	during func()
	fired  bool
}

func (s *interleavedIdentities) ChangeEmail(ctx context.Context, id, email string) error {
	if !s.fired && s.during != nil {
		s.fired = true
		s.during()
	}
	return s.Store.ChangeEmail(ctx, id, email)
}

// blindCredentials never sees a taken email, so the unique index decides.
type blindCredentials struct {
	*legacy.CredentialStore
}

func (blindCredentials) ExistsByEmail(context.Context, string, int64) (bool, error) {
	return false, nil
}

type failingRevoke struct {
	TokenIssuer
}

func (failingRevoke) Revoke(context.Context, string, string, string) error {
	return errors.New("token store offline")
}

func TestLoginMigratesLegacyUserOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedLegacy(t, 1, "u1", "a@x.com", pw1, true)
	require.NoError(t, h.profiles.Upsert(ctx, &legacyentity.Profile{UserID: "u1", DisplayName: "Alice", PlanID: "pro"}))

	res, err := h.svc.Login(ctx, "A@x.com", pw1, ip)
	require.NoError(t, err)
	assert.Equal(t, "u1", res.User.ID)
	assert.Equal(t, "a@x.com", res.User.Email)
	assert.Equal(t, "Alice", res.User.DisplayName)
	assert.Equal(t, "pro", res.User.PlanID)
	assert.Equal(t, []string{"user"}, res.User.Roles)
	assert.NotEmpty(t, res.RefreshToken)

	u, err := h.identities.FindByID(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, u.EmailConfirmed)
	assert.True(t, strings.HasPrefix(u.PasswordHash, "$argon2id$"))
	require.NotNil(t, u.LastLoginAt)

	claims, err := h.tokens.ParseAccessToken(res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, "pro", claims.Plan)
	assert.Equal(t, u.SecurityStamp, claims.Stamp)

	cred, err := h.credentials.FindByUserID(ctx, "u1")
	require.NoError(t, err)
	assert.NotNil(t, cred.LastAccess)

	_, err = h.svc.Login(ctx, "a@x.com", pw1, ip)
	require.NoError(t, err)
	assert.Equal(t, 1, h.identityCount(t, "u1"))

	_, err = h.svc.Login(ctx, "a@x.com", "wrongpass", ip)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginInactiveLegacyUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedLegacy(t, 1, "u1", "a@x.com", pw1, false)

	_, err := h.svc.Login(ctx, "a@x.com", pw1, ip)
	assert.ErrorIs(t, err, ErrAccountInactive)
	_, err = h.identities.FindByID(ctx, "u1")
	assert.ErrorIs(t, err, identity.ErrNotFound)

	_, err = h.svc.Login(ctx, "a@x.com", "wrongpass", ip)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginUnknownEmail(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Login(context.Background(), "nobody@x.com", pw1, ip)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginConcurrentMigration(t *testing.T) {
	h := newHarness(t, func(h *harness, d *Deps) {
		d.Identities = &racingIdentities{Store: h.identities}
	})
	ctx := context.Background()
	h.seedLegacy(t, 1, "u1", "a@x.com", pw1, true)

	res, err := h.svc.Login(ctx, "a@x.com", pw1, ip)
	require.NoError(t, err)
	assert.Equal(t, "u1", res.User.ID)
	assert.Equal(t, 1, h.identityCount(t, "u1"))
}

func TestLoginConcurrentFirstMigration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedLegacy(t, 1, "u1", "a@x.com", pw1, true)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.svc.Login(ctx, "a@x.com", pw1, ip)
			errs[i] = err
			if err == nil {
				ids[i] = res.User.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i], "login %d", i)
		assert.Equal(t, "u1", ids[i])
	}
	assert.Equal(t, 1, h.identityCount(t, "u1"))
}

func TestLoginMigrationConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	// modern record moved to a new email while the legacy mirror kept the old one
	require.NoError(t, h.identities.Create(ctx, &identityentity.Identity{ID: "u1", Email: "new@x.com", EmailConfirmed: true}, pw1))
	h.seedLegacy(t, 1, "u1", "a@x.com", pw1, true)

	_, err := h.svc.Login(ctx, "a@x.com", pw1, ip)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, 1, h.logs.FilterMessage("migration conflict").Len())
}

func TestBridgeMigrate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := NewBridge(h.identities, nil)

	_, err := b.Migrate(ctx, &legacyentity.Credential{ID: 1, Email: "a@x.com", Active: true}, nil, pw1)
	assert.ErrorIs(t, err, ErrMigrationFailed)

	u, err := b.Migrate(ctx, &legacyentity.Credential{ID: 2, UserID: "u2", Email: "Bob@x.com", Active: false}, nil, pw1)
	require.NoError(t, err)
	assert.Equal(t, "bob", u.DisplayName)
	assert.False(t, u.EmailConfirmed)

	again, err := b.Migrate(ctx, &legacyentity.Credential{ID: 2, UserID: "u2", Email: "bob@x.com", Active: true}, nil, pw1)
	require.NoError(t, err)
	assert.Equal(t, "u2", again.ID)

	_, err = b.Migrate(ctx, &legacyentity.Credential{ID: 3, UserID: "u3", Email: "bob@x.com", Active: true}, nil, pw1)
	assert.ErrorIs(t, err, ErrMigrationConflict)
}

func TestRefreshTokenScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedLegacy(t, 1, "u1", "a@x.com", pw1, true)
	first, err := h.svc.Login(ctx, "a@x.com", pw1, ip)
	require.NoError(t, err)

	second, err := h.svc.RefreshToken(ctx, first.RefreshToken, ip)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)

	_, err = h.svc.RefreshToken(ctx, first.RefreshToken, ip)
	assert.ErrorIs(t, err, ErrTokenInactive)
	assert.Equal(t, 1, h.logs.FilterMessage("rotated refresh token replayed").Len())

	_, err = h.svc.RefreshToken(ctx, second.RefreshToken, ip)
	require.NoError(t, err)

	_, err = h.svc.RefreshToken(ctx, "never-issued", ip)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestRefreshChainLeavesOneActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedLegacy(t, 1, "u1", "a@x.com", pw1, true)
	res, err := h.svc.Login(ctx, "a@x.com", pw1, ip)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		res, err = h.svc.RefreshToken(ctx, res.RefreshToken, ip)
		require.NoError(t, err)
	}
	tokens, err := h.tokens.Tokens(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, tokens, 5)
	active := 0
	for i, tok := range tokens {
		if tok.IsActive(h.clock.Now()) {
			active++
			assert.Equal(t, res.RefreshToken, tok.Token)
			continue
		}
		assert.Equal(t, tokens[i+1].Token, tok.ReplacedByToken)
	}
	assert.Equal(t, 1, active)
}

func TestRefreshExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedLegacy(t, 1, "u1", "a@x.com", pw1, true)
	res, err := h.svc.Login(ctx, "a@x.com", pw1, ip)
	require.NoError(t, err)

	h.clock.Advance(8 * 24 * time.Hour)
	_, err = h.svc.RefreshToken(ctx, res.RefreshToken, ip)
	assert.ErrorIs(t, err, ErrTokenInactive)
}

func TestRefreshForDeactivatedAccountRevokes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedLegacy(t, 1, "u1", "a@x.com", pw1, true)
	res, err := h.svc.Login(ctx, "a@x.com", pw1, ip)
	require.NoError(t, err)

	ok, err := h.svc.Deactivate(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = h.svc.RefreshToken(ctx, res.RefreshToken, ip)
	assert.ErrorIs(t, err, ErrAccountInactive)
	tok, err := h.tokens.Lookup(ctx, res.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, tokenentity.StateRevoked, tok.State(h.clock.Now()).Kind)
	assert.Equal(t, ReasonDeactivated, tok.RevokeReason)
}

func TestRefreshForMissingIdentityLogsRevokeFailure(t *testing.T) {
	h := newHarness(t, func(h *harness, d *Deps) {
		d.Tokens = failingRevoke{TokenIssuer: h.tokens}
	})
	ctx := context.Background()
	rt, err := h.tokens.IssueRefreshToken(ctx, "ghost", ip)
	require.NoError(t, err)

	_, err = h.svc.RefreshToken(ctx, rt.Token, ip)
	assert.ErrorIs(t, err, ErrTokenInvalid)
	entries := h.logs.FilterMessage("revoke for missing identity failed").All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "ghost", entries[0].ContextMap()["user_id"])
	}
}

func TestRevokeToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedLegacy(t, 1, "u1", "a@x.com", pw1, true)
	res, err := h.svc.Login(ctx, "a@x.com", pw1, ip)
	require.NoError(t, err)

	require.NoError(t, h.svc.RevokeToken(ctx, res.RefreshToken, ip, "logout"))
	_, err = h.svc.RefreshToken(ctx, res.RefreshToken, ip)
	assert.ErrorIs(t, err, ErrTokenInactive)

	assert.NoError(t, h.svc.RevokeToken(ctx, res.RefreshToken, ip, ""))
	assert.ErrorIs(t, h.svc.RevokeToken(ctx, "unknown", ip, ""), ErrTokenInvalid)
}

func TestChangePasswordWrongCurrentLeavesStoresUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedLegacy(t, 1, "u1", "a@x.com", pw1, true)
	_, err := h.svc.Login(ctx, "a@x.com", pw1, ip)
	require.NoError(t, err)

	before, err := h.identities.FindByID(ctx, "u1")
	require.NoError(t, err)
	legacyBefore, err := h.credentials.FindByUserID(ctx, "u1")
	require.NoError(t, err)

	ok, err := h.svc.ChangePassword(ctx, "u1", "not-my-password", "brand-new-pass")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.False(t, ok)

	after, err := h.identities.FindByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, before.PasswordHash, after.PasswordHash)
	assert.Equal(t, before.SecurityStamp, after.SecurityStamp)
	legacyAfter, err := h.credentials.FindByUserID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, legacyBefore.PasswordHash, legacyAfter.PasswordHash)

	_, err = h.svc.ChangePassword(ctx, "ghost", pw1, "brand-new-pass")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestChangePasswordSyncsBothStores(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedLegacy(t, 1, "u1", "a@x.com", pw1, true)
	res, err := h.svc.Login(ctx, "a@x.com", pw1, ip)
	require.NoError(t, err)

	_, err = h.svc.ChangePassword(ctx, "u1", pw1, "short")
	assert.ErrorIs(t, err, ErrPasswordPolicy)

	ok, err := h.svc.ChangePassword(ctx, "u1", pw1, "brand-new-pass")
	require.NoError(t, err)
	assert.True(t, ok)

	cred, err := h.credentials.FindByUserID(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, h.hasher.Verify("brand-new-pass", cred.PasswordHash))

	_, err = h.svc.Authenticate(ctx, res.AccessToken)
	assert.ErrorIs(t, err, ErrUnauthenticated, "stamp rotation invalidates old access tokens")

	_, err = h.svc.Login(ctx, "a@x.com", pw1, ip)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	fresh, err := h.svc.Login(ctx, "a@x.com", "brand-new-pass", ip)
	require.NoError(t, err)
	p, err := h.svc.Authenticate(ctx, fresh.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", p.UserID)
}

func TestChangePasswordByID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.ChangePasswordByID(ctx, "ghost", "brand-new-pass")
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = h.svc.ChangePasswordByID(ctx, "ghost", "x")
	assert.ErrorIs(t, err, ErrUserNotFound, "unknown user wins over a weak password")

	h.seedLegacy(t, 2, "u2", "b@x.com", pw1, true)
	ok, err := h.svc.ChangePasswordByID(ctx, "u2", "brand-new-pass")
	require.NoError(t, err)
	assert.True(t, ok)
	cred, err := h.credentials.FindByUserID(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, h.hasher.Verify("brand-new-pass", cred.PasswordHash))

	res, err := h.svc.Login(ctx, "b@x.com", "brand-new-pass", ip)
	require.NoError(t, err)
	assert.Equal(t, "u2", res.User.ID)
}

func TestDeactivateBlocksLoginWhenMirrorFails(t *testing.T) {
	h := newHarness(t, func(h *harness, d *Deps) {
		d.Credentials = failingCredentials{CredentialStore: h.credentials}
	})
	ctx := context.Background()
	h.seedLegacy(t, 1, "u1", "a@x.com", pw1, true)
	_, err := h.svc.Login(ctx, "a@x.com", pw1, ip)
	require.NoError(t, err)
	assert.Equal(t, 1, h.logs.FilterMessage("secondary write failed").FilterField(zap.String("op", "last_access")).Len())

	ok, err := h.svc.Deactivate(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, h.logs.FilterMessage("secondary write failed").FilterField(zap.String("op", "deactivate")).Len())

	cred, err := h.credentials.FindByUserID(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, cred.Active, "mirror write failed")

	_, err = h.svc.Login(ctx, "a@x.com", pw1, ip)
	assert.ErrorIs(t, err, ErrAccountInactive)

	u, err := h.identities.FindByID(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, u.LockoutUntil.Equal(identity.PermanentLockout))
	assert.False(t, u.EmailConfirmed)
}

func TestDeactivateLegacyOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedLegacy(t, 1, "u1", "a@x.com", pw1, true)

	ok, err := h.svc.Deactivate(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	cred, err := h.credentials.FindByUserID(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, cred.Active)

	_, err = h.svc.Login(ctx, "a@x.com", pw1, ip)
	assert.ErrorIs(t, err, ErrAccountInactive)
	assert.Equal(t, 0, h.identityCount(t, "u1"))

	_, err = h.svc.Deactivate(ctx, "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestUpdateEmail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedLegacy(t, 1, "u1", "a@x.com", pw1, true)
	h.seedLegacy(t, 2, "u2", "taken@x.com", pw1, true)
	h.seedLegacy(t, 3, "u3", "legacy@x.com", pw1, true)
	_, err := h.svc.Login(ctx, "a@x.com", pw1, ip)
	require.NoError(t, err)
	_, err = h.svc.Login(ctx, "taken@x.com", pw1, ip)
	require.NoError(t, err)

	_, err = h.svc.UpdateEmail(ctx, "u1", "taken@x.com")
	assert.ErrorIs(t, err, ErrEmailConflict)
	u, _ := h.identities.FindByID(ctx, "u1")
	assert.Equal(t, "a@x.com", u.Email)
	cred, _ := h.credentials.FindByUserID(ctx, "u1")
	assert.Equal(t, "a@x.com", cred.Email)

	_, err = h.svc.UpdateEmail(ctx, "u1", "legacy@x.com")
	assert.ErrorIs(t, err, ErrEmailConflict, "held by a legacy-only user")

	_, err = h.svc.UpdateEmail(ctx, "u1", "not-an-email")
	assert.ErrorIs(t, err, ErrInvalidEmail)

	_, err = h.svc.UpdateEmail(ctx, "ghost", "ghost@x.com")
	assert.ErrorIs(t, err, ErrUserNotFound)

	ok, err := h.svc.UpdateEmail(ctx, "u1", "New@x.com")
	require.NoError(t, err)
	assert.True(t, ok)
	u, _ = h.identities.FindByID(ctx, "u1")
	assert.Equal(t, "new@x.com", u.Email)
	assert.False(t, u.EmailConfirmed)
	cred, _ = h.credentials.FindByUserID(ctx, "u1")
	assert.Equal(t, "new@x.com", cred.Email)

	_, err = h.svc.Login(ctx, "new@x.com", pw1, ip)
	assert.ErrorIs(t, err, ErrAccountInactive)
}

func TestUpdateEmailKeepsConcurrentDeactivation(t *testing.T) {
	var ids *interleavedIdentities
	h := newHarness(t, func(h *harness, d *Deps) {
		ids = &interleavedIdentities{Store: h.identities}
		d.Identities = ids
	})
	ctx := context.Background()
	h.seedLegacy(t, 1, "u1", "a@x.com", pw1, true)
	_, err := h.svc.Login(ctx, "a@x.com", pw1, ip)
	require.NoError(t, err)

	ids.during = func() {
		ok, err := h.svc.Deactivate(ctx, "u1")
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := h.svc.UpdateEmail(ctx, "u1", "new@x.com")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, ids.fired)

	u, err := h.identities.FindByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "new@x.com", u.Email)
	require.NotNil(t, u.LockoutUntil)
	assert.True(t, u.LockoutUntil.Equal(identity.PermanentLockout))

	_, err = h.svc.Login(ctx, "new@x.com", pw1, ip)
	assert.ErrorIs(t, err, ErrAccountInactive)
}

func TestUpdateEmailLegacyOnlyConflictsWithStaleMirror(t *testing.T) {
	for name, opt := range map[string]option{
		"checked": func(*harness, *Deps) {},
		"unique index": func(h *harness, d *Deps) {
			d.Credentials = blindCredentials{CredentialStore: h.credentials}
		},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, opt)
			ctx := context.Background()
			// u2 moved on in the modern store; its legacy mirror kept x@x.com
			require.NoError(t, h.identities.Create(ctx, &identityentity.Identity{ID: "u2", Email: "moved@x.com", EmailConfirmed: true}, pw1))
			h.seedLegacy(t, 2, "u2", "x@x.com", pw1, true)
			h.seedLegacy(t, 3, "u3", "u3@x.com", pw1, true)

			_, err := h.svc.UpdateEmail(ctx, "u3", "x@x.com")
			assert.ErrorIs(t, err, ErrEmailConflict)
			assert.NotErrorIs(t, err, ErrStoreUnavailable)

			cred, err := h.credentials.FindByUserID(ctx, "u3")
			require.NoError(t, err)
			assert.Equal(t, "u3@x.com", cred.Email)
		})
	}
}

func TestLoginLockoutAfterRepeatedFailures(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	limiter := throttle.NewLockoutLimiter(rdb, throttle.Config{Threshold: 3, Window: time.Hour})

	h := newHarness(t, func(h *harness, d *Deps) { d.Limiter = limiter })
	ctx := context.Background()
	h.seedLegacy(t, 1, "u1", "a@x.com", pw1, true)
	_, err := h.svc.Login(ctx, "a@x.com", pw1, ip)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = h.svc.Login(ctx, "a@x.com", "wrongpass", ip)
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}
	_, err = h.svc.Login(ctx, "a@x.com", pw1, ip)
	assert.ErrorIs(t, err, ErrAccountInactive)

	h.clock.Advance(16 * time.Minute)
	_, err = h.svc.Login(ctx, "a@x.com", pw1, ip)
	require.NoError(t, err)
	n, err := limiter.Count(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestLoginStoreUnavailable(t *testing.T) {
	h := newHarness(t, func(h *harness, d *Deps) {
		d.Identities = brokenIdentities{Store: h.identities}
	})
	_, err := h.svc.Login(context.Background(), "a@x.com", pw1, ip)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestAuthenticate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedLegacy(t, 1, "u1", "a@x.com", pw1, true)
	res, err := h.svc.Login(ctx, "a@x.com", pw1, ip)
	require.NoError(t, err)

	p, err := h.svc.Authenticate(ctx, res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", p.Email)
	assert.True(t, p.HasRole("user"))
	assert.False(t, p.HasRole("admin"))

	_, err = h.svc.Authenticate(ctx, "garbage")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = h.svc.Deactivate(ctx, "u1")
	require.NoError(t, err)
	_, err = h.svc.Authenticate(ctx, res.AccessToken)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestNewServiceRequiresStores(t *testing.T) {
	_, err := NewService(Deps{})
	assert.Error(t, err)
}
