// Package ratelimit admits requests with fixed-window counters keyed by
// operation and client. A window starts at the first request seen for a key
// and lasts Policy.Window; the request that pushes the count past Limit and
// every later one in the same window are denied.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	OperationRegister      = "register"
	OperationLogin         = "login"
	OperationPasswordReset = "password_reset"
)

type Policy struct {
	Limit  int
	Window time.Duration
}

func (p Policy) String() string {
	return fmt.Sprintf("%d/%d", p.Limit, int64(p.Window/time.Second))
}

// ParsePolicy reads the "limit/seconds" form used in configuration.
func ParsePolicy(value string) (Policy, error) {
	limitPart, windowPart, ok := strings.Cut(strings.TrimSpace(value), "/")
	if !ok {
		return Policy{}, fmt.Errorf("parse rate limit %q: expected limit/seconds", value)
	}

	limit, err := strconv.Atoi(strings.TrimSpace(limitPart))
	if err != nil || limit <= 0 {
		return Policy{}, fmt.Errorf("parse rate limit %q: invalid limit", value)
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(windowPart))
	if err != nil || seconds <= 0 {
		return Policy{}, fmt.Errorf("parse rate limit %q: invalid window", value)
	}

	return Policy{Limit: limit, Window: time.Duration(seconds) * time.Second}, nil
}

type Policies struct {
	Register      Policy
	Login         Policy
	PasswordReset Policy
}

// Longest returns the widest window of the three policies.
func (p Policies) Longest() time.Duration {
	return max(p.Register.Window, p.Login.Window, p.PasswordReset.Window)
}

func DefaultPolicies() Policies {
	return Policies{
		Register:      Policy{Limit: 5, Window: 5 * time.Minute},
		Login:         Policy{Limit: 10, Window: time.Minute},
		PasswordReset: Policy{Limit: 3, Window: 5 * time.Minute},
	}
}

type Decision struct {
	Allowed    bool
	Count      int
	Remaining  int
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, key string, policy Policy) (Decision, error)
}

func Key(operation, client string) string {
	return operation + ":" + client
}

func decide(policy Policy, count int, windowEnds, now time.Time) Decision {
	if count <= policy.Limit {
		return Decision{Allowed: true, Count: count, Remaining: policy.Limit - count}
	}

	retryAfter := windowEnds.Sub(now)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return Decision{Count: count, RetryAfter: retryAfter}
}
