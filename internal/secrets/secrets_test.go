package secrets

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	keeper, err := NewKeeper(key)
	require.NoError(t, err)

	creds := Credentials{APIKey: "k-123", APISecret: "s-456"}
	blob, err := keeper.Seal(creds)
	require.NoError(t, err)
	assert.NotContains(t, blob, "k-123", "blob must not leak plaintext")

	out, err := keeper.Open(blob)
	require.NoError(t, err)
	assert.Equal(t, creds, out)
}

func TestOpenRejectsWrongKey(t *testing.T) {
	k1, _ := GenerateKey()
	k2, _ := GenerateKey()
	keeper1, err := NewKeeper(k1)
	require.NoError(t, err)
	keeper2, err := NewKeeper(k2)
	require.NoError(t, err)

	blob, err := keeper1.Seal(Credentials{APIKey: "k", APISecret: "s"})
	require.NoError(t, err)

	_, err = keeper2.Open(blob)
	assert.Error(t, err, "a different tenant key must not open the blob")
}

func TestOpenRejectsTamperedBlob(t *testing.T) {
	key, _ := GenerateKey()
	keeper, err := NewKeeper(key)
	require.NoError(t, err)

	blob, err := keeper.Seal(Credentials{APIKey: "k", APISecret: "s"})
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(blob)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = keeper.Open(tampered)
	assert.Error(t, err)
}

func TestNewKeeperRejectsShortKey(t *testing.T) {
	_, err := NewKeeper([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestNewKeeperFromBase64(t *testing.T) {
	key, _ := GenerateKey()
	keeper, err := NewKeeperFromBase64(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)
	assert.NotNil(t, keeper)

	_, err = NewKeeperFromBase64("not-base64!!")
	assert.Error(t, err)
}
