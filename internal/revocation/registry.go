// Package revocation keeps the access-token blacklist: identifiers (jti) of
// tokens that must be rejected before their natural expiry. Entries expire
// on their own once the token they shadow would have expired anyway.
//
// Absence of an entry means "not revoked". Backends report infrastructure
// failures as *storage.Error and callers fail closed on them.
package revocation

import (
	"context"
	"time"
)

type Registry interface {
	// Revoke records tokenID for ttl. A non-positive ttl is a no-op.
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
	// RevokeOnce records tokenID only if it is not already present and
	// reports whether this call was the one that recorded it.
	RevokeOnce(ctx context.Context, tokenID string, ttl time.Duration) (bool, error)
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

func onceTTL(ttl time.Duration) time.Duration {
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}
