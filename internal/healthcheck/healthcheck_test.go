package healthcheck

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckBinaryFound(t *testing.T) {
	c := checkBinary("sh")
	assert.Equal(t, "sh", c.Name)
	assert.True(t, c.Met)
}

func TestCheckBinaryMissing(t *testing.T) {
	c := checkBinary("definitely-not-a-real-binary-xyz")
	assert.False(t, c.Met)
	assert.Contains(t, c.Message, "not found on PATH")
}

func TestCheckSecretFileNotConfigured(t *testing.T) {
	c := checkSecretFile("encryption_key", "", 32)
	assert.False(t, c.Met)
	assert.Equal(t, "path not configured", c.Message)
}

func TestCheckSecretFileMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.key")
	c := checkSecretFile("encryption_key", path, 32)
	assert.False(t, c.Met)
	assert.Contains(t, c.Message, "not found")
}

func TestCheckSecretFileInsecurePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup-encryption.key")
	require.NoError(t, os.WriteFile(path, []byte("0123456789012345678901234567890123456789"), 0o644))

	c := checkSecretFile("encryption_key", path, 32)
	assert.False(t, c.Met)
	assert.Contains(t, c.Message, "insecure permissions")
}

func TestCheckSecretFileTooShort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup-encryption.key")
	require.NoError(t, os.WriteFile(path, []byte("short"), 0o600))

	c := checkSecretFile("encryption_key", path, 32)
	assert.False(t, c.Met)
	assert.Contains(t, c.Message, "too short")
}

func TestCheckSecretFileHealthy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup-encryption.key")
	require.NoError(t, os.WriteFile(path, []byte("0123456789012345678901234567890123456789"), 0o600))

	c := checkSecretFile("encryption_key", path, 32)
	assert.True(t, c.Met)
}

func TestReportHealthy(t *testing.T) {
	healthy := Report{Checks: []Check{{Name: "btrfs", Met: true}, {Name: "ssh", Met: true}}}
	assert.True(t, healthy.Healthy())

	unhealthy := Report{Checks: []Check{{Name: "btrfs", Met: true}, {Name: "ssh", Met: false}}}
	assert.False(t, unhealthy.Healthy())
}
