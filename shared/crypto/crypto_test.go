package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCipher_EmptyKey(t *testing.T) {
	c, err := NewCipher("")
	require.ErrorIs(t, err, ErrEmptyKey)
	assert.Nil(t, c)
}

func TestCipher_RoundTrip(t *testing.T) {
	c, err := NewCipher("test-secret")
	require.NoError(t, err)

	tests := []struct {
		name      string
		plaintext string
	}{
		{name: "token", plaintext: "ya29.a0AfH6SMBx"},
		{name: "empty string", plaintext: ""},
		{name: "unicode", plaintext: "tökén-ñ"},
		{name: "long value", plaintext: strings.Repeat("x", 4096)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := c.Encrypt(tt.plaintext)
			require.NoError(t, err)
			assert.NotEqual(t, tt.plaintext, sealed)

			opened, err := c.Decrypt(sealed)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, opened)
		})
	}
}

func TestCipher_NonDeterministicNonce(t *testing.T) {
	c, err := NewCipher("test-secret")
	require.NoError(t, err)

	first, err := c.Encrypt("same plaintext")
	require.NoError(t, err)
	second, err := c.Encrypt("same plaintext")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestCipher_DecryptRejectsTampering(t *testing.T) {
	c, err := NewCipher("test-secret")
	require.NoError(t, err)

	sealed, err := c.Encrypt("secret value")
	require.NoError(t, err)

	tests := []struct {
		name       string
		ciphertext string
	}{
		{name: "not base64", ciphertext: "%%%not-base64%%%"},
		{name: "too short", ciphertext: "YWJj"},
		{name: "flipped byte", ciphertext: flipLastChar(sealed)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decrypt(tt.ciphertext)
			assert.ErrorIs(t, err, ErrInvalidCiphertext)
		})
	}
}

func TestCipher_WrongKeyFailsDecryption(t *testing.T) {
	a, err := NewCipher("key-a")
	require.NoError(t, err)
	b, err := NewCipher("key-b")
	require.NoError(t, err)

	sealed, err := a.Encrypt("secret value")
	require.NoError(t, err)

	_, err = b.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func flipLastChar(s string) string {
	b := []byte(s)
	last := len(b) - 1
	if b[last] == 'A' {
		b[last] = 'B'
	} else {
		b[last] = 'A'
	}
	return string(b)
}
