// Package credential hashes and verifies passwords and enforces the
// password complexity policy.
package credential

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultCost keeps a single hash at roughly 100ms on commodity hardware.
const DefaultCost = 11

var ErrPasswordTooLong = errors.New("password exceeds 72 bytes")

type Vault struct {
	cost  int
	dummy []byte
}

func NewVault(cost int) (*Vault, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultCost
	}

	dummy, err := bcrypt.GenerateFromPassword([]byte("not-a-real-password"), cost)
	if err != nil {
		return nil, fmt.Errorf("prepare dummy hash: %w", err)
	}

	return &Vault{cost: cost, dummy: dummy}, nil
}

func (v *Vault) Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), v.cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", ErrPasswordTooLong
		}
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Verify never fails loudly: a malformed or foreign hash is a mismatch.
func (v *Vault) Verify(password, hash string) bool {
	if hash == "" {
		v.VerifyDummy(password)
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// VerifyDummy spends the same work as a real comparison. Login calls it when
// the account does not exist.
func (v *Vault) VerifyDummy(password string) {
	_ = bcrypt.CompareHashAndPassword(v.dummy, []byte(password))
}

// NeedsRehash reports whether hash was produced with a different cost than
// the vault is configured for.
func (v *Vault) NeedsRehash(hash string) bool {
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return false
	}
	return cost != v.cost
}
