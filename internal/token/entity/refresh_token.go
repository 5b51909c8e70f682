package entity

import "time"

// RefreshToken is a persisted, opaque, rotatable refresh token. Rotation links
// tokens into a chain through ReplacedByToken.
type RefreshToken struct {
	ID              int64
	Token           string
	UserID          string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	CreatedByIP     string
	RevokedAt       *time.Time
	RevokedByIP     string
	ReplacedByToken string
	RevokeReason    string
}

// StateKind tags the lifecycle position of a refresh token.
type StateKind int

const (
	StateActive StateKind = iota
	StateRotated
	StateRevoked
	StateExpired
)

func (k StateKind) String() string {
	switch k {
	case StateActive:
		return "active"
	case StateRotated:
		return "rotated"
	case StateRevoked:
		return "revoked"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// State is computed from the token's timestamps; Next is set for rotated
// tokens and Reason for revoked ones.
type State struct {
	Kind   StateKind
	Next   string
	Reason string
}

// State derives the token's lifecycle state at now.
func (t *RefreshToken) State(now time.Time) State {
	if t.RevokedAt != nil {
		if t.ReplacedByToken != "" {
			return State{Kind: StateRotated, Next: t.ReplacedByToken, Reason: t.RevokeReason}
		}
		return State{Kind: StateRevoked, Reason: t.RevokeReason}
	}
	if !now.Before(t.ExpiresAt) {
		return State{Kind: StateExpired}
	}
	return State{Kind: StateActive}
}

// IsActive is revokedAt == nil && now < expiresAt.
func (t *RefreshToken) IsActive(now time.Time) bool {
	return t.State(now).Kind == StateActive
}
