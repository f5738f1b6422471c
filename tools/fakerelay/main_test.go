package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUsers(t *testing.T) {
	users, err := parseUsers("alice:pw, bob:pw2,,")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alice": "pw", "bob": "pw2"}, users)

	users, err = parseUsers("")
	require.NoError(t, err)
	assert.Empty(t, users)

	_, err = parseUsers("alice")
	assert.Error(t, err)
	_, err = parseUsers(":pw")
	assert.Error(t, err)
}
