package cryptopipe

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeKeyFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backup-encryption.key")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	keyPath := writeKeyFile(t, "correct horse battery staple\n")

	plaintext := bytes.Repeat([]byte("btrfs-send-stream-bytes"), 5000)

	var envelope bytes.Buffer
	require.NoError(t, EncryptStream(&envelope, bytes.NewReader(plaintext), keyPath))

	assert.True(t, PeekMagic(envelope.Bytes()))

	var recovered bytes.Buffer
	require.NoError(t, DecryptStream(&recovered, bytes.NewReader(envelope.Bytes()), keyPath))

	assert.Equal(t, plaintext, recovered.Bytes())
}

func TestEncryptDecryptAcrossChunkBoundary(t *testing.T) {
	keyPath := writeKeyFile(t, "another-passphrase")

	plaintext := make([]byte, chunkPlainSize+1024)
	_, err := rand.Read(plaintext)
	require.NoError(t, err)

	var envelope bytes.Buffer
	require.NoError(t, EncryptStream(&envelope, bytes.NewReader(plaintext), keyPath))

	var recovered bytes.Buffer
	require.NoError(t, DecryptStream(&recovered, bytes.NewReader(envelope.Bytes()), keyPath))

	assert.Equal(t, plaintext, recovered.Bytes())
}

func TestDecryptStreamRejectsWrongPassphrase(t *testing.T) {
	correctKey := writeKeyFile(t, "right-passphrase")
	wrongKey := writeKeyFile(t, "wrong-passphrase")

	var envelope bytes.Buffer
	require.NoError(t, EncryptStream(&envelope, bytes.NewReader([]byte("secret snapshot bytes")), correctKey))

	var out bytes.Buffer
	err := DecryptStream(&out, bytes.NewReader(envelope.Bytes()), wrongKey)
	assert.Error(t, err)
}

func TestDecryptStreamRejectsBadMagic(t *testing.T) {
	keyPath := writeKeyFile(t, "whatever")
	err := DecryptStream(&bytes.Buffer{}, bytes.NewReader([]byte("not-an-envelope-at-all")), keyPath)
	assert.Error(t, err)
}

func TestPeekMagic(t *testing.T) {
	assert.True(t, PeekMagic(append(Magic[:], []byte("trailing")...)))
	assert.False(t, PeekMagic([]byte("XXXX")))
	assert.False(t, PeekMagic([]byte("XX")))
}
