package bbqcrypto_test

import (
	"errors"
	"testing"

	"github.com/knfs-library/bbq/lib/bbq"
	"github.com/knfs-library/bbq/lib/bbq/bbqcrypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestECBRoundTrip(t *testing.T) {
	for _, plain := range []string{"", "a", "hello world", `{"n":1,"s":"long enough to span multiple AES blocks of sixteen bytes each"}`} {
		enc, err := bbqcrypto.Encrypt("super-secret", plain, bbqcrypto.ModeECB)
		require.NoError(t, err)

		dec, err := bbqcrypto.Decrypt("super-secret", enc, bbqcrypto.ModeECB)
		require.NoError(t, err)
		assert.Equal(t, plain, dec)
	}
}

func TestECBIsDeterministic(t *testing.T) {
	a, err := bbqcrypto.Encrypt("k", "repeat-repeat-repeat-repeat", bbqcrypto.ModeECB)
	require.NoError(t, err)
	b, err := bbqcrypto.Encrypt("k", "repeat-repeat-repeat-repeat", bbqcrypto.ModeECB)
	require.NoError(t, err)
	assert.Equal(t, a, b, "ECB has no IV/nonce: identical plaintext must yield identical ciphertext")
}

func TestGCMRoundTrip(t *testing.T) {
	enc, err := bbqcrypto.Encrypt("super-secret", "hello world", bbqcrypto.ModeGCM)
	require.NoError(t, err)

	dec, err := bbqcrypto.Decrypt("super-secret", enc, bbqcrypto.ModeGCM)
	require.NoError(t, err)
	assert.Equal(t, "hello world", dec)
}

func TestGCMIsNotDeterministic(t *testing.T) {
	a, err := bbqcrypto.Encrypt("k", "same plaintext", bbqcrypto.ModeGCM)
	require.NoError(t, err)
	b, err := bbqcrypto.Encrypt("k", "same plaintext", bbqcrypto.ModeGCM)
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "GCM uses a random nonce per call")
}

func TestDecryptWrongKeyFails(t *testing.T) {
	enc, err := bbqcrypto.Encrypt("right-key", "secret payload", bbqcrypto.ModeGCM)
	require.NoError(t, err)

	_, err = bbqcrypto.Decrypt("wrong-key", enc, bbqcrypto.ModeGCM)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, bbq.ErrCrypto))
}

func TestDecryptMalformedCiphertext(t *testing.T) {
	_, err := bbqcrypto.Decrypt("k", "not-hex!!", bbqcrypto.ModeECB)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, bbq.ErrCrypto))
}
