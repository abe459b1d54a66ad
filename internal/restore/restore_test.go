package restore

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/btrfsvault/btrfsvault/internal/config"
	"github.com/btrfsvault/btrfsvault/internal/cryptopipe"
)

// fakeConn stands in for sshexec.Commander, scripting Run's stat answer and
// recording whether the download path (StreamFrom) was ever reached.
type fakeConn struct {
	statOutput       string
	statErr          error
	readHead         []byte
	streamFromCalled bool
}

func (c *fakeConn) Run(ctx context.Context, cmd string) (string, error) {
	if c.statErr != nil {
		return "", c.statErr
	}
	return c.statOutput, nil
}

func (c *fakeConn) StreamTo(ctx context.Context, cmd string, src io.Reader) error { return nil }

func (c *fakeConn) StreamFrom(ctx context.Context, cmd string, dst io.Writer) error {
	c.streamFromCalled = true
	return nil
}

func (c *fakeConn) ReadHead(ctx context.Context, remotePath string, n int) ([]byte, error) {
	return c.readHead, nil
}

func (c *fakeConn) Close() error { return nil }

func fakeHead() []byte {
	head := append([]byte{}, cryptopipe.Magic[:]...)
	return append(head, make([]byte, 12)...)
}

func testEngine() *Engine {
	cfg := &config.Config{UnraidBasePath: "/mnt/user/backups", ClientName: "nas1"}
	return New(cfg, nil, nil, zap.NewNop())
}

// TestRestoreOne_VerifyOnlyDoesNotDownload is the verify-only restore
// scenario: size is read and the envelope header checked remotely, but
// downloadAndReceive (and its StreamFrom call) is never reached.
func TestRestoreOne_VerifyOnlyDoesNotDownload(t *testing.T) {
	e := testEngine()
	conn := &fakeConn{statOutput: "4096", readHead: fakeHead()}

	req := Request{BackupDate: "20260730", BackupType: "full", VerifyOnly: true}
	result := e.restoreOne(context.Background(), conn, req, "@")

	assert.True(t, result.Success)
	assert.True(t, result.Verified)
	assert.Equal(t, int64(4096), result.Size)
	assert.False(t, conn.streamFromCalled)
}

// TestRestoreOne_VerifyOnlyInvalidMagic reports a found-but-corrupt
// artifact as unsuccessful without attempting a download.
func TestRestoreOne_VerifyOnlyInvalidMagic(t *testing.T) {
	e := testEngine()
	conn := &fakeConn{statOutput: "4096", readHead: make([]byte, 16)}

	req := Request{BackupDate: "20260730", BackupType: "full", VerifyOnly: true}
	result := e.restoreOne(context.Background(), conn, req, "@")

	assert.False(t, result.Success)
	assert.True(t, result.Verified)
	assert.False(t, conn.streamFromCalled)
}

// TestRestoreOne_MissingArtifact covers the not-found path: Exists fails
// before VerifyOnly or download logic is ever reached.
func TestRestoreOne_MissingArtifact(t *testing.T) {
	e := testEngine()
	conn := &fakeConn{statErr: assertErr("no such file")}

	req := Request{BackupDate: "20260730", BackupType: "full", VerifyOnly: true}
	result := e.restoreOne(context.Background(), conn, req, "@")

	require.False(t, result.Success)
	assert.Equal(t, "backup file not found", result.Err)
	assert.False(t, conn.streamFromCalled)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
