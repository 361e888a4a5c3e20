package secrets

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "abababababababababababababababababababababababababababababababab"

func TestBox_SealOpenRoundtrip(t *testing.T) {
	box, err := NewBox(testKey)
	require.NoError(t, err)

	sealed, err := box.Seal("tok-sandbox-12345")
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "tok-sandbox", "plaintext must not survive sealing")

	opened, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "tok-sandbox-12345", opened)

	// Each seal draws a fresh nonce.
	again, err := box.Seal("tok-sandbox-12345")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again)
}

func TestBox_WrongKey(t *testing.T) {
	box, err := NewBox(testKey)
	require.NoError(t, err)
	other, err := NewBox(strings.Repeat("cd", 32))
	require.NoError(t, err)

	sealed, err := box.Seal("secret")
	require.NoError(t, err)

	_, err = other.Open(sealed)
	assert.ErrorIs(t, err, ErrBadCiphertext)
}

func TestBox_TamperedCiphertext(t *testing.T) {
	box, err := NewBox(testKey)
	require.NoError(t, err)

	sealed, err := box.Seal("secret")
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0x01

	_, err = box.Open(sealed)
	assert.ErrorIs(t, err, ErrBadCiphertext)
}

func TestBox_TruncatedCiphertext(t *testing.T) {
	box, err := NewBox(testKey)
	require.NoError(t, err)

	_, err = box.Open([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrBadCiphertext)

	_, err = box.Open(nil)
	assert.ErrorIs(t, err, ErrBadCiphertext)
}

func TestNewBox_KeyValidation(t *testing.T) {
	_, err := NewBox("not-hex")
	assert.Error(t, err)

	_, err = NewBox("abcd") // 2 bytes
	assert.Error(t, err)
}
