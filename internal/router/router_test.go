package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-identity-bridge/internal/account"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/internal/identity"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/internal/legacy"
	legacyentity "github.com/ovaphlow/pitchfork/service-identity-bridge/internal/legacy/entity"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/internal/token"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/pkg/database"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "router.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	argon, err := identity.NewArgon2Hasher(identity.Argon2Config{Memory: 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32})
	require.NoError(t, err)
	identities := identity.NewStore(db, nil, argon, nil)
	credentials := legacy.NewCredentialStore(db, nil)
	profiles := legacy.NewProfileStore(db)
	tokens, err := token.NewService(db, token.Config{Issuer: "test", AccessTTL: time.Minute, RefreshTTL: time.Hour}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, identities.EnsureSchema(ctx))
	require.NoError(t, credentials.EnsureSchema(ctx))
	require.NoError(t, profiles.EnsureSchema(ctx))
	require.NoError(t, tokens.EnsureSchema(ctx))

	hasher := legacy.BcryptHasher{Cost: bcrypt.MinCost}
	hash, err := hasher.Hash("legacy-password")
	require.NoError(t, err)
	require.NoError(t, credentials.Insert(ctx, &legacyentity.Credential{ID: 1, UserID: "u1", Email: "a@x.com", PasswordHash: hash, Active: true}))

	svc, err := account.NewService(account.Deps{
		Identities:  identities,
		Credentials: credentials,
		Profiles:    profiles,
		Hasher:      hasher,
		Tokens:      tokens,
	})
	require.NoError(t, err)
	logger := zap.NewNop().Sugar()
	return RegisterRoutes(logger, account.NewHandler(svc, logger), token.NewHandler(tokens), Options{AllowedOrigins: []string{"https://app.example"}})
}

func TestHealthAndSecurityHeaders(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))
}

func TestJWKSRoute(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Cache-Control"), "max-age")
	var body map[string][]map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Len(t, body["keys"], 1)
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/auth/login", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/auth/login", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestLoginThenAuthenticatedRoute(t *testing.T) {
	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/account/email", strings.NewReader(`{"email":"b@x.com"}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"email":"a@x.com","password":"legacy-password"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	var res account.AuthenticationResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))

	req := httptest.NewRequest(http.MethodPost, "/admin/users/u1/deactivate", nil)
	req.Header.Set("Authorization", "Bearer "+res.AccessToken)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPut, "/account/email", strings.NewReader(`{"email":"b@x.com"}`))
	req.Header.Set("Authorization", "Bearer "+res.AccessToken)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
