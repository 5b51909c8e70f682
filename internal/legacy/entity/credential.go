package entity

import "time"

// Credential is a row in the legacy credential table. UserID is the identifier
// shared with the identity store.
type Credential struct {
	ID           int64
	UserID       string
	Email        string
	PasswordHash string // bcrypt
	Active       bool
	ActivatedAt  *time.Time
	LastAccess   *time.Time
}

// Profile is the legacy user profile used to seed display names and plan claims.
type Profile struct {
	UserID      string
	DisplayName string
	PlanID      string
}
