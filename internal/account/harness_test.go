package account

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-identity-bridge/internal/identity"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/internal/legacy"
	legacyentity "github.com/ovaphlow/pitchfork/service-identity-bridge/internal/legacy/entity"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/internal/token"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/pkg/database"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/pkg/utilities"
)

var (
	keyOnce sync.Once
	key     *rsa.PrivateKey
)

func signingKey() *rsa.PrivateKey {
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		key = k
	})
	return key
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	db          *sqlx.DB
	clock       *testClock
	identities  *identity.Store
	credentials *legacy.CredentialStore
	profiles    *legacy.ProfileStore
	hasher      legacy.BcryptHasher
	tokens      *token.Service
	logs        *observer.ObservedLogs
	svc         *Service
}

type option func(h *harness, d *Deps)

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "account.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := &testClock{t: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
	argon, err := identity.NewArgon2Hasher(identity.Argon2Config{Memory: 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32})
	require.NoError(t, err)

	h := &harness{
		db:          db,
		clock:       clock,
		identities:  identity.NewStore(db, nil, argon, clock.Now),
		credentials: legacy.NewCredentialStore(db, nil),
		profiles:    legacy.NewProfileStore(db),
		hasher:      legacy.BcryptHasher{Cost: bcrypt.MinCost},
	}
	h.tokens, err = token.NewService(db, token.Config{
		Issuer:     "https://auth.test",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
		Retention:  48 * time.Hour,
		SigningKey: signingKey(),
	}, utilities.NewIDGenerator(2), clock.Now)
	require.NoError(t, err)

	require.NoError(t, h.identities.EnsureSchema(ctx))
	require.NoError(t, h.credentials.EnsureSchema(ctx))
	require.NoError(t, h.profiles.EnsureSchema(ctx))
	require.NoError(t, h.tokens.EnsureSchema(ctx))

	core, logs := observer.New(zapcore.DebugLevel)
	h.logs = logs

	d := Deps{
		Identities:      h.identities,
		Credentials:     h.credentials,
		Profiles:        h.profiles,
		Hasher:          h.hasher,
		Tokens:          h.tokens,
		Logger:          zap.New(core).Sugar(),
		Now:             clock.Now,
		LockoutDuration: 15 * time.Minute,
	}
	for _, o := range opts {
		o(h, &d)
	}
	h.svc, err = NewService(d)
	require.NoError(t, err)
	return h
}

func (h *harness) seedLegacy(t *testing.T, id int64, userID, email, password string, active bool) {
	t.Helper()
	hash, err := h.hasher.Hash(password)
	require.NoError(t, err)
	require.NoError(t, h.credentials.Insert(context.Background(), &legacyentity.Credential{
		ID: id, UserID: userID, Email: email, PasswordHash: hash, Active: active,
	}))
}

func (h *harness) identityCount(t *testing.T, id string) int {
	t.Helper()
	var n int
	require.NoError(t, h.db.Get(&n, `SELECT COUNT(*) FROM identities WHERE id = ?`, id))
	return n
}
