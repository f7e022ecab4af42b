package cryptoutil

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashContentDeterministic(t *testing.T) {
	a, err := HashContent([]byte("hello world"))
	require.NoError(t, err)
	b, err := HashContent([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, 64)
}

func TestHashContentDiffers(t *testing.T) {
	a, err := HashContent([]byte("hello"))
	require.NoError(t, err)
	b, err := HashContent([]byte("world"))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestHashContentEmptyRejected(t *testing.T) {
	_, err := HashContent(nil)
	require.ErrorIs(t, err, ErrEmptyPlaintext)

	_, err = HashContent([]byte{})
	require.ErrorIs(t, err, ErrEmptyPlaintext)
}

func TestGenerateKeyLengthAndUniqueness(t *testing.T) {
	k1, err := GenerateKey()
	require.NoError(t, err)
	require.Len(t, k1, 32)

	k2, err := GenerateKey()
	require.NoError(t, err)
	require.False(t, bytes.Equal(k1, k2))
}

func TestGenerateNonceLengthAndUniqueness(t *testing.T) {
	n1, err := GenerateNonce()
	require.NoError(t, err)
	require.Len(t, n1, 12)

	n2, err := GenerateNonce()
	require.NoError(t, err)
	require.False(t, bytes.Equal(n1, n2))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	nonce, err := GenerateNonce()
	require.NoError(t, err)

	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	ciphertext, err := Encrypt(key, nonce, plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ciphertext)

	decrypted, err := Decrypt(key, nonce, ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestDecryptWrongKeyFails(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	other, err := GenerateKey()
	require.NoError(t, err)
	nonce, err := GenerateNonce()
	require.NoError(t, err)

	ciphertext, err := Encrypt(key, nonce, []byte("secret payload"))
	require.NoError(t, err)

	_, err = Decrypt(other, nonce, ciphertext)
	require.Error(t, err)
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	nonce, err := GenerateNonce()
	require.NoError(t, err)

	ciphertext, err := Encrypt(key, nonce, []byte("secret payload"))
	require.NoError(t, err)
	ciphertext[0] ^= 0xFF

	_, err = Decrypt(key, nonce, ciphertext)
	require.Error(t, err)
}
