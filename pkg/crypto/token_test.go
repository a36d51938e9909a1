package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenToken(t *testing.T) {
	sealed, err := SealToken("secret-token", "alice", "https://server/nuxeo")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "secret-token")

	token, err := OpenToken(sealed, "alice", "https://server/nuxeo")
	require.NoError(t, err)
	assert.Equal(t, "secret-token", token)
}

func TestOpenTokenWrongAccount(t *testing.T) {
	sealed, err := SealToken("secret-token", "alice", "https://server/nuxeo")
	require.NoError(t, err)

	_, err = OpenToken(sealed, "bob", "https://server/nuxeo")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = OpenToken(sealed, "alice", "https://other/nuxeo")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestOpenTokenGarbage(t *testing.T) {
	_, err := OpenToken("not base64 !", "alice", "https://server")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = OpenToken("YWJj", "alice", "https://server")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestDeriveKeyDeterministic(t *testing.T) {
	first, err := DeriveKey("alice", "https://server", nil)
	require.NoError(t, err)

	second, err := DeriveKey("alice", "https://server", first.Salt)
	require.NoError(t, err)
	assert.Equal(t, first.Key, second.Key)

	_, err = DeriveKey("", "https://server", nil)
	assert.Error(t, err)
	_, err = DeriveKey("alice", "https://server", []byte("short"))
	assert.Error(t, err)
}
