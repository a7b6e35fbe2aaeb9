package auth

import (
	"errors"
	"time"
)

var (
	ErrInvalidCredentials       = errors.New("invalid credentials")
	ErrAccountInactive          = errors.New("account not activated")
	ErrInsufficientPermissions  = errors.New("insufficient permissions")
	ErrEmailTaken               = errors.New("user with this email already exists")
	ErrUserNotFound             = errors.New("user not found")
	ErrCurrentPasswordIncorrect = errors.New("current password is incorrect")
	ErrInvalidRoles             = errors.New("invalid roles")
)

type ErrAccountLocked struct {
	Until      time.Time
	RetryAfter time.Duration
}

func (e ErrAccountLocked) Error() string {
	return "account temporarily locked"
}

type ErrRateLimited struct {
	Operation  string
	RetryAfter time.Duration
}

func (e ErrRateLimited) Error() string {
	return "too many " + e.Operation + " requests"
}
