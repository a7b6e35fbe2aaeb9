package secret

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMaster = "a-master-secret-that-is-long-enough-for-tests"

func newTestCipher(t *testing.T, master string) *Cipher {
	t.Helper()
	c, err := New(master)
	require.NoError(t, err)
	return c
}

func TestCipher_RoundTrip(t *testing.T) {
	c := newTestCipher(t, testMaster)

	for _, plaintext := range []string{"sk-live-123456", "", "ключ с юникодом", string(make([]byte, 4096))} {
		ciphertext, err := c.Encrypt(plaintext)
		require.NoError(t, err)
		assert.NotEqual(t, plaintext, ciphertext)

		decrypted, err := c.Decrypt(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	}
}

func TestCipher_NonceIsFresh(t *testing.T) {
	c := newTestCipher(t, testMaster)

	first, err := c.Encrypt("same")
	require.NoError(t, err)
	second, err := c.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestCipher_KeyDerivationIsDeterministic(t *testing.T) {
	ciphertext, err := newTestCipher(t, testMaster).Encrypt("persisted across restarts")
	require.NoError(t, err)

	plaintext, err := newTestCipher(t, testMaster).Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "persisted across restarts", plaintext)
}

func TestCipher_WrongKey(t *testing.T) {
	ciphertext, err := newTestCipher(t, testMaster).Encrypt("secret")
	require.NoError(t, err)

	_, err = newTestCipher(t, "a-different-master-secret-entirely-here").Decrypt(ciphertext)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestCipher_Tampered(t *testing.T) {
	c := newTestCipher(t, testMaster)
	ciphertext, err := c.Encrypt("secret")
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(ciphertext)
	require.NoError(t, err)
	for i := range raw {
		flipped := append([]byte(nil), raw...)
		flipped[i] ^= 0x01
		_, err := c.Decrypt(base64.RawURLEncoding.EncodeToString(flipped))
		assert.ErrorIs(t, err, ErrDecryption, "byte %d", i)
	}
}

func TestCipher_Malformed(t *testing.T) {
	c := newTestCipher(t, testMaster)

	for _, input := range []string{"", "not base64!!", "abcd", base64.RawURLEncoding.EncodeToString(make([]byte, 12))} {
		_, err := c.Decrypt(input)
		assert.ErrorIs(t, err, ErrDecryption, "input %q", input)
	}
}

func TestNew_RequiresMaster(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
