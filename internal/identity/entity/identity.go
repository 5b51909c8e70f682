package entity

import "time"

// Identity is a row in the `identities` table, the primary credential record.
// ID is shared with the legacy credential store and never regenerated.
type Identity struct {
	ID             string
	Email          string // lower-cased, unique
	DisplayName    string
	PasswordHash   string
	EmailConfirmed bool
	LockoutUntil   *time.Time
	SecurityStamp  string
	Roles          []string
	LastLoginAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LockedOut reports whether a lockout is in force at now.
func (i *Identity) LockedOut(now time.Time) bool {
	return i.LockoutUntil != nil && now.Before(*i.LockoutUntil)
}
