package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/binary-cache/auth"
)

func TestMakeTokenGrants(t *testing.T) {
	cmd := &makeTokenCmd{
		Sub:   "ci",
		Pull:  []string{"*"},
		Push:  []string{"team-*"},
		Grant: []string{"delete:team-a"},
	}
	grants, err := cmd.grants()
	require.NoError(t, err)
	assert.Equal(t, []auth.Grant{
		{Action: auth.ActionPull, Cache: "*"},
		{Action: auth.ActionPush, Cache: "team-*"},
		{Action: auth.ActionDelete, Cache: "team-a"},
	}, grants)
}

func TestMakeTokenRejectsEmptyAndInvalid(t *testing.T) {
	_, err := (&makeTokenCmd{Sub: "ci"}).grants()
	require.Error(t, err)

	_, err = (&makeTokenCmd{Sub: "ci", Grant: []string{"fly:*"}}).grants()
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	_, err := newLogger("debug", "text")
	require.NoError(t, err)
	_, err = newLogger("info", "json")
	require.NoError(t, err)
	_, err = newLogger("loud", "text")
	require.Error(t, err)
	_, err = newLogger("info", "xml")
	require.Error(t, err)
}
