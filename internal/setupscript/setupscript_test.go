package setupscript

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderIncludesParams(t *testing.T) {
	script, err := Render(Params{
		ClientName: "nas-office",
		BasePath:   "/mnt/user/backups",
		UnraidUser: "backup-svc",
		PublicKey:  "ssh-ed25519 AAAAC3Nz... btrfsvault",
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(script, "#!/bin/sh"))
	assert.Contains(t, script, `BASE_PATH="/mnt/user/backups"`)
	assert.Contains(t, script, `CLIENT_NAME="nas-office"`)
	assert.Contains(t, script, "backup-svc@<this host>")
	assert.Contains(t, script, "PUBKEY='ssh-ed25519 AAAAC3Nz... btrfsvault'")
}

func TestRenderIsDeterministic(t *testing.T) {
	p := Params{ClientName: "a", BasePath: "/b", UnraidUser: "c", PublicKey: "d"}
	first, err := Render(p)
	require.NoError(t, err)
	second, err := Render(p)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
