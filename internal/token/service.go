package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jmoiron/sqlx"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/internal/token/entity"
	refreshrepo "github.com/ovaphlow/pitchfork/service-identity-bridge/internal/token/repo"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/pkg/utilities"
)

var (
	ErrTokenInvalid       = errors.New("refresh token invalid")
	ErrTokenInactive      = errors.New("refresh token inactive")
	ErrAccessTokenInvalid = errors.New("access token invalid")
)

const (
	ReasonReplaced = "Replaced by new token"
	ReasonRevoked  = "Revoked without replacement"
)

// Config controls token lifetimes and signing.
type Config struct {
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// Retention keeps inactive refresh tokens around for audit before pruning.
	Retention time.Duration
	// SigningKey is generated at startup when nil.
	SigningKey *rsa.PrivateKey
}

// Claims is the input for an access token.
type Claims struct {
	UserID        string
	Email         string
	Roles         []string
	PlanID        string
	SecurityStamp string
}

// AccessClaims is the JWT payload of an access token.
type AccessClaims struct {
	Email string   `json:"email"`
	Roles []string `json:"roles,omitempty"`
	Plan  string   `json:"plan,omitempty"`
	Stamp string   `json:"stamp"`
	jwt.RegisteredClaims
}

// Service issues RS256 access tokens and manages opaque refresh tokens.
type Service struct {
	key  *rsa.PrivateKey
	kid  string
	cfg  Config
	repo *refreshrepo.RefreshRepo
	ids  *utilities.IDGenerator
	now  func() time.Time
}

func NewService(db *sqlx.DB, cfg Config, ids *utilities.IDGenerator, now func() time.Time) (*Service, error) {
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("token ttl must be positive")
	}
	k := cfg.SigningKey
	if k == nil {
		var err error
		k, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, err
		}
	}
	// kid is base64 of the first bytes of SHA256 over the public key
	pubBytes, _ := json.Marshal(k.PublicKey)
	h := sha256.Sum256(pubBytes)
	kid := base64.RawURLEncoding.EncodeToString(h[:8])
	if ids == nil {
		ids = utilities.NewIDGenerator(1)
	}
	if now == nil {
		now = time.Now
	}
	return &Service{key: k, kid: kid, cfg: cfg, repo: refreshrepo.NewRefreshRepo(db), ids: ids, now: now}, nil
}

// LoadSigningKey reads a PEM encoded RSA private key.
func LoadSigningKey(path string) (*rsa.PrivateKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	k, err := jwt.ParseRSAPrivateKeyFromPEM(b)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return k, nil
}

func (s *Service) EnsureSchema(ctx context.Context) error { return s.repo.EnsureTable(ctx) }

// JWKS returns a minimal JWKS containing the public key.
func (s *Service) JWKS() map[string]any {
	pub := s.key.PublicKey
	n := base64.RawURLEncoding.EncodeToString(pub.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(new(big.Int).SetInt64(int64(pub.E)).Bytes())
	jwk := map[string]any{
		"kty": "RSA",
		"use": "sig",
		"alg": "RS256",
		"kid": s.kid,
		"n":   n,
		"e":   e,
	}
	return map[string]any{"keys": []any{jwk}}
}

// PublicKey returns the RSA public key for verification.
func (s *Service) PublicKey() *rsa.PublicKey {
	return &s.key.PublicKey
}

// IssueAccessToken signs a short-lived access token for c.
func (s *Service) IssueAccessToken(c Claims) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.cfg.AccessTTL)
	claims := AccessClaims{
		Email: c.Email,
		Roles: c.Roles,
		Plan:  c.PlanID,
		Stamp: c.SecurityStamp,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   c.UserID,
			ID:        utilities.NewKSUID(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.kid
	signed, err := tok.SignedString(s.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// ParseAccessToken verifies signature, issuer and expiry.
func (s *Service) ParseAccessToken(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return s.PublicKey(), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAccessTokenInvalid, err)
	}
	if claims.Subject == "" {
		return nil, ErrAccessTokenInvalid
	}
	return claims, nil
}

func (s *Service) newRefreshToken(userID, ip string) (*entity.RefreshToken, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	return &entity.RefreshToken{
		ID:          s.ids.Next(),
		Token:       base64.RawURLEncoding.EncodeToString(b),
		UserID:      userID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.RefreshTTL),
		CreatedByIP: ip,
	}, nil
}

// IssueRefreshToken creates and persists a new refresh token for userID.
func (s *Service) IssueRefreshToken(ctx context.Context, userID, ip string) (*entity.RefreshToken, error) {
	t, err := s.newRefreshToken(userID, ip)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Lookup returns the stored token or ErrTokenInvalid.
func (s *Service) Lookup(ctx context.Context, value string) (*entity.RefreshToken, error) {
	if value == "" {
		return nil, ErrTokenInvalid
	}
	t, err := s.repo.Get(ctx, value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTokenInvalid
		}
		return nil, err
	}
	return t, nil
}

// Rotate exchanges an active refresh token for a new one under the same user.
// Of two concurrent rotations of one token exactly one succeeds; the other
// gets ErrTokenInactive.
func (s *Service) Rotate(ctx context.Context, value, ip string) (*entity.RefreshToken, error) {
	old, err := s.Lookup(ctx, value)
	if err != nil {
		return nil, err
	}
	if !old.IsActive(s.now()) {
		return nil, ErrTokenInactive
	}
	next, err := s.newRefreshToken(old.UserID, ip)
	if err != nil {
		return nil, err
	}
	ok, err := s.repo.Rotate(ctx, value, next, ip, ReasonReplaced, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrTokenInactive
	}
	return next, nil
}

// Revoke revokes value without a successor. Revoking an inactive token is a no-op.
func (s *Service) Revoke(ctx context.Context, value, ip, reason string) error {
	t, err := s.Lookup(ctx, value)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if !t.IsActive(now) {
		return nil
	}
	if reason == "" {
		reason = ReasonRevoked
	}
	_, err = s.repo.Revoke(ctx, value, ip, reason, now)
	return err
}

// Tokens lists every refresh token of userID, oldest first.
func (s *Service) Tokens(ctx context.Context, userID string) ([]*entity.RefreshToken, error) {
	return s.repo.ListByUser(ctx, userID)
}

// PruneInactive deletes inactive tokens older than the retention window.
func (s *Service) PruneInactive(ctx context.Context, userID string) (int64, error) {
	if s.cfg.Retention <= 0 {
		return 0, nil
	}
	now := s.now().UTC()
	return s.repo.DeleteInactive(ctx, userID, now.Add(-s.cfg.Retention), now)
}
