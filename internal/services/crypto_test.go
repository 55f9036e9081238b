package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCryptoServiceRoundTrip(t *testing.T) {
	svc := NewCryptoService("secret")

	enc, err := svc.Encrypt("s3cr3t-pass")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cr3t-pass", enc)

	again, err := svc.Encrypt("s3cr3t-pass")
	require.NoError(t, err)
	assert.NotEqual(t, enc, again, "nonce must differ between encryptions")

	dec, err := svc.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t-pass", dec)
}

func TestCryptoServiceEmptyAndWrongKey(t *testing.T) {
	svc := NewCryptoService("secret")

	enc, err := svc.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, enc)

	enc, err = svc.Encrypt("pw")
	require.NoError(t, err)

	_, err = NewCryptoService("other").Decrypt(enc)
	assert.Error(t, err)

	_, err = svc.Decrypt("bm90LWVub3VnaA==")
	assert.Error(t, err)
}
