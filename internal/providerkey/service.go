package providerkey

import (
	"context"
	"fmt"
	"strings"

	"openclip-auth/internal/observability"
	"openclip-auth/internal/secret"
)

type Service struct {
	store  Store
	cipher *secret.Cipher
	logger *observability.Logger
}

func NewService(store Store, cipher *secret.Cipher, logger *observability.Logger) *Service {
	if logger == nil {
		logger = observability.Discard()
	}
	return &Service{store: store, cipher: cipher, logger: logger}
}

// Save encrypts apiKey and replaces whatever key the provider had.
func (s *Service) Save(ctx context.Context, provider, apiKey, updatedBy string) (Summary, error) {
	provider, err := normalizeProvider(provider)
	if err != nil {
		return Summary{}, err
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return Summary{}, ErrEmptyKey
	}
	if err := validateKey(provider, apiKey); err != nil {
		return Summary{}, err
	}

	ciphertext, err := s.cipher.Encrypt(apiKey)
	if err != nil {
		return Summary{}, fmt.Errorf("encrypt provider key: %w", err)
	}

	key, err := s.store.Put(ctx, Key{
		Provider:   provider,
		Ciphertext: ciphertext,
		Prefix:     keyPrefix(apiKey),
		UpdatedBy:  updatedBy,
	})
	if err != nil {
		return Summary{}, err
	}

	s.logger.Info("provider_key_stored", map[string]any{"provider": provider, "updated_by": updatedBy})
	return key.Summary(), nil
}

// Reveal returns the plaintext key. A ciphertext written under another master
// secret fails with secret.ErrDecryption.
func (s *Service) Reveal(ctx context.Context, provider string) (string, error) {
	provider, err := normalizeProvider(provider)
	if err != nil {
		return "", err
	}

	key, err := s.store.Get(ctx, provider)
	if err != nil {
		return "", err
	}
	return s.cipher.Decrypt(key.Ciphertext)
}

func (s *Service) List(ctx context.Context) ([]Summary, error) {
	keys, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Summary, 0, len(keys))
	for _, key := range keys {
		out = append(out, key.Summary())
	}
	return out, nil
}

func (s *Service) Delete(ctx context.Context, provider string) error {
	provider, err := normalizeProvider(provider)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, provider); err != nil {
		return err
	}

	s.logger.Info("provider_key_deleted", map[string]any{"provider": provider})
	return nil
}

func normalizeProvider(provider string) (string, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if _, ok := providers[provider]; !ok {
		return "", ErrInvalidProvider
	}
	return provider, nil
}
