// Package lockout tracks failed authentication attempts per identifier and
// suspends further attempts once a threshold is reached.
//
// A failure streak is forgotten when Duration passes without a new failure.
// Reaching Threshold locks the identifier until now+Duration; after that the
// record is discarded and counting starts from zero.
package lockout

import (
	"context"
	"time"
)

type Policy struct {
	Threshold int
	Duration  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Threshold: 5, Duration: 15 * time.Minute}
}

func (p Policy) normalized() Policy {
	defaults := DefaultPolicy()
	if p.Threshold <= 0 {
		p.Threshold = defaults.Threshold
	}
	if p.Duration <= 0 {
		p.Duration = defaults.Duration
	}
	return p
}

type Status struct {
	Locked            bool
	Failures          int
	RemainingAttempts int
	FirstAttemptAt    time.Time
	LastAttemptAt     time.Time
	LockedUntil       time.Time
}

// RetryAfter is how long a locked identifier still has to wait, never less
// than one second while locked.
func (s Status) RetryAfter(now time.Time) time.Duration {
	if !s.Locked {
		return 0
	}
	wait := s.LockedUntil.Sub(now)
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

type Guard interface {
	RecordFailure(ctx context.Context, identifier string) (Status, error)
	Check(ctx context.Context, identifier string) (Status, error)
	Clear(ctx context.Context, identifier string) error
}

func statusFor(policy Policy, failures int, first, last, lockedUntil, now time.Time) Status {
	status := Status{
		Failures:       failures,
		FirstAttemptAt: first,
		LastAttemptAt:  last,
	}
	if !lockedUntil.IsZero() && now.Before(lockedUntil) {
		status.Locked = true
		status.LockedUntil = lockedUntil
		return status
	}
	status.RemainingAttempts = policy.Threshold - failures
	if status.RemainingAttempts < 0 {
		status.RemainingAttempts = 0
	}
	return status
}
