// Package providerkey keeps third-party provider API keys encrypted at rest.
// Only admins write them; callers that need the plaintext go through Reveal.
package providerkey

import (
	"context"
	"errors"
	"strings"
	"time"
)

const (
	prefixLength = 8
	minKeyLength = 8
)

var (
	ErrNotFound        = errors.New("provider key not found")
	ErrInvalidProvider = errors.New("invalid provider name")
	ErrEmptyKey        = errors.New("api key is empty")
	ErrInvalidKey      = errors.New("api key format is invalid for this provider")
)

type keyFormat struct {
	prefix    string
	minLength int
}

// providers lists what the service accepts keys for, with the shape each
// provider's keys have.
var providers = map[string]keyFormat{
	"openai":    {prefix: "sk-", minLength: 20},
	"anthropic": {minLength: minKeyLength},
	"gemini":    {minLength: 10},
	"lmstudio":  {minLength: minKeyLength},
}

func validateKey(provider, apiKey string) error {
	format := providers[provider]
	if len(apiKey) < max(format.minLength, minKeyLength) || !strings.HasPrefix(apiKey, format.prefix) {
		return ErrInvalidKey
	}
	return nil
}

type Key struct {
	Provider   string
	Ciphertext string
	Prefix     string
	UpdatedBy  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Summary struct {
	Provider  string    `json:"provider"`
	KeyPrefix string    `json:"key_prefix"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (k Key) Summary() Summary {
	return Summary{Provider: k.Provider, KeyPrefix: k.Prefix + "...", UpdatedBy: k.UpdatedBy, UpdatedAt: k.UpdatedAt}
}

type Store interface {
	Put(ctx context.Context, key Key) (Key, error)
	Get(ctx context.Context, provider string) (Key, error)
	List(ctx context.Context) ([]Key, error)
	Delete(ctx context.Context, provider string) error
}

// keyPrefix is the part of a key shown in listings: at most prefixLength
// runes and never more than half the key.
func keyPrefix(apiKey string) string {
	runes := []rune(apiKey)
	return string(runes[:min(prefixLength, len(runes)/2)])
}
