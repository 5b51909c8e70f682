package account

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountInactive    = errors.New("account inactive")
	ErrTokenInvalid       = errors.New("token invalid")
	ErrTokenInactive      = errors.New("token inactive")
	ErrMigrationConflict  = errors.New("migration conflict")
	ErrMigrationFailed    = errors.New("migration failed")
	ErrEmailConflict      = errors.New("email already in use")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidEmail       = errors.New("invalid email")
	ErrPasswordPolicy     = errors.New("password does not meet policy")
	ErrUnauthenticated    = errors.New("unauthenticated")
	// ErrStoreUnavailable wraps transient store faults. Callers may retry.
	ErrStoreUnavailable = errors.New("store unavailable")
)

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
