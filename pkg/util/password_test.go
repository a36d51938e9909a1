package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadPasswordFromPipe(t *testing.T) {
	password, err := ReadPassword("Password: ", strings.NewReader("s3cret\nignored\n"))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", password)

	password, err = ReadPassword("Password: ", strings.NewReader("no newline"))
	require.NoError(t, err)
	assert.Equal(t, "no newline", password)

	_, err = ReadPassword("Password: ", strings.NewReader("\n"))
	assert.EqualError(t, err, "password cannot be empty")
}
