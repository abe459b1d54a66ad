package orchestrator

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/btrfsvault/btrfsvault/internal/config"
	"github.com/btrfsvault/btrfsvault/internal/cryptopipe"
	"github.com/btrfsvault/btrfsvault/internal/ledger"
	"github.com/btrfsvault/btrfsvault/internal/snapshot"
)

// fakeLedger is an in-memory stand-in for ledger.Ledger, recording every
// Record call and letting a test seed FindNewestSent's answer.
type fakeLedger struct {
	sentParent string
	hasParent  bool
	wasSent    bool
	records    []ledger.Entry
	recordErr  error
}

func (f *fakeLedger) WasSent(ctx context.Context, remotePath string) (bool, error) {
	return f.wasSent, nil
}

func (f *fakeLedger) Record(ctx context.Context, e ledger.Entry) error {
	if f.recordErr != nil {
		return f.recordErr
	}
	f.records = append(f.records, e)
	return nil
}

func (f *fakeLedger) FindNewestSent(ctx context.Context, subvolume string, candidates []string) (string, bool, error) {
	if !f.hasParent {
		return "", false, nil
	}
	return f.sentParent, true, nil
}

func (f *fakeLedger) ListRemotePaths(ctx context.Context) (map[string]struct{}, error) {
	return map[string]struct{}{}, nil
}
func (f *fakeLedger) DeleteByRemotePrefix(ctx context.Context, prefix string) (int64, error) {
	return 0, nil
}
func (f *fakeLedger) DeleteIncrementalSentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeLedger) StartRun(ctx context.Context, startedAt time.Time, backupType string) (uuid.UUID, error) {
	return uuid.UUID{}, nil
}
func (f *fakeLedger) FinishRun(ctx context.Context, id uuid.UUID, finishedAt time.Time, status string, totalBytes int64, errMsg string) error {
	return nil
}
func (f *fakeLedger) ListRuns(ctx context.Context, limit, offset int) ([]ledger.Run, int64, error) {
	return nil, 0, nil
}
func (f *fakeLedger) GetRun(ctx context.Context, id uuid.UUID) (*ledger.Run, error) { return nil, nil }

// fakeConn stands in for sshexec.Commander, scripting Run's answer by
// command substring so uploadSubvolume's verify step sees a consistent
// remote size and envelope header without a real SSH session.
type fakeConn struct {
	statSize      int64
	readHead      []byte
	streamToErr   error
	runErr        error
	streamToCalls int
}

func (c *fakeConn) Run(ctx context.Context, cmd string) (string, error) {
	if c.runErr != nil {
		return "", c.runErr
	}
	if strings.Contains(cmd, "stat -c") {
		return strconv.FormatInt(c.statSize, 10), nil
	}
	return "", nil
}

func (c *fakeConn) StreamTo(ctx context.Context, cmd string, src io.Reader) error {
	c.streamToCalls++
	io.Copy(io.Discard, src) //nolint:errcheck
	return c.streamToErr
}

func (c *fakeConn) StreamFrom(ctx context.Context, cmd string, dst io.Writer) error { return nil }

func (c *fakeConn) ReadHead(ctx context.Context, remotePath string, n int) ([]byte, error) {
	return c.readHead, nil
}

func (c *fakeConn) Close() error { return nil }

// fakeEnvelope is a valid envelope header (magic + arbitrary body) a fake
// sendSnapshot writes in place of a real `btrfs send` | encrypt pipeline.
func fakeEnvelope() []byte {
	body := append([]byte{}, cryptopipe.Magic[:]...)
	return append(body, []byte("fake-stream-body")...)
}

func testOrchestrator(t *testing.T, l ledger.Ledger, snaps *snapshot.Manager) *Orchestrator {
	t.Helper()
	cfg := &config.Config{UnraidBasePath: "/mnt/user/backups", ClientName: "nas1"}
	o := New(cfg, nil, l, snaps, nil, nil, nil, zap.NewNop())
	o.scratchDir = t.TempDir()
	return o
}

func TestUploadSubvolume_FullBackupRecordsLedgerRow(t *testing.T) {
	envelope := fakeEnvelope()
	fl := &fakeLedger{}
	o := testOrchestrator(t, fl, snapshot.New(t.TempDir(), nil, zap.NewNop()))
	o.sendSnapshot = func(ctx context.Context, dst io.Writer, snapshotPath, parentPath string) error {
		_, err := dst.Write(envelope)
		return err
	}

	conn := &fakeConn{statSize: int64(len(envelope)), readHead: envelope[:16]}
	snap := snapshot.Result{Subvolume: "@", Name: "@_20260730_100000", Path: "/snapshots/@_20260730_100000"}

	result := o.uploadSubvolume(context.Background(), conn, uuid.New(), "@", snap, true)

	assert.Equal(t, "success", result.Status)
	assert.Equal(t, "full", result.BackupType)
	assert.Equal(t, int64(len(envelope)), result.Bytes)
	require.Len(t, fl.records, 1)
	assert.Equal(t, "full", fl.records[0].BackupType)
	assert.Equal(t, "", fl.records[0].ParentSnapshot)
	assert.Equal(t, int64(len(envelope)), fl.records[0].SizeBytes)
}

func TestUploadSubvolume_IncrementalUsesFoundParent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "@_20260728_100000"), 0o755))

	envelope := fakeEnvelope()
	fl := &fakeLedger{hasParent: true, sentParent: "@_20260728_100000"}
	o := testOrchestrator(t, fl, snapshot.New(dir, nil, zap.NewNop()))
	o.sendSnapshot = func(ctx context.Context, dst io.Writer, snapshotPath, parentPath string) error {
		assert.Equal(t, filepath.Join(dir, "@_20260728_100000"), parentPath)
		_, err := dst.Write(envelope)
		return err
	}

	conn := &fakeConn{statSize: int64(len(envelope)), readHead: envelope[:16]}
	snap := snapshot.Result{Subvolume: "@", Name: "@_20260730_100000", Path: filepath.Join(dir, "@_20260730_100000")}

	result := o.uploadSubvolume(context.Background(), conn, uuid.New(), "@", snap, false)

	assert.Equal(t, "success", result.Status)
	assert.Equal(t, "incremental", result.BackupType)
	require.Len(t, fl.records, 1)
	assert.Equal(t, "@_20260728_100000", fl.records[0].ParentSnapshot)
}

// TestUploadSubvolume_PartialRun covers property #3 from the run's success
// contract: a failing subvolume leaves zero ledger rows while a succeeding
// one leaves exactly one, independent of each other.
func TestUploadSubvolume_PartialRun(t *testing.T) {
	envelope := fakeEnvelope()
	fl := &fakeLedger{}
	o := testOrchestrator(t, fl, snapshot.New(t.TempDir(), nil, zap.NewNop()))
	o.sendSnapshot = func(ctx context.Context, dst io.Writer, snapshotPath, parentPath string) error {
		_, err := dst.Write(envelope)
		return err
	}

	okConn := &fakeConn{statSize: int64(len(envelope)), readHead: envelope[:16]}
	okSnap := snapshot.Result{Subvolume: "@", Name: "@_20260730_100000", Path: "/snapshots/@_20260730_100000"}
	okResult := o.uploadSubvolume(context.Background(), okConn, uuid.New(), "@", okSnap, true)

	failConn := &fakeConn{streamToErr: errors.New("connection reset")}
	failSnap := snapshot.Result{Subvolume: "@home", Name: "@home_20260730_100000", Path: "/snapshots/@home_20260730_100000"}
	failResult := o.uploadSubvolume(context.Background(), failConn, uuid.New(), "@home", failSnap, true)

	assert.Equal(t, "success", okResult.Status)
	assert.Equal(t, "failed", failResult.Status)
	assert.NotEmpty(t, failResult.Err)

	require.Len(t, fl.records, 1)
	assert.Equal(t, "@", fl.records[0].Subvolume)

	status := aggregateStatus([]SubvolResult{okResult, failResult}, false, nil)
	assert.Equal(t, "partial", status)
}

func TestAggregateStatus(t *testing.T) {
	tests := []struct {
		name      string
		results   []SubvolResult
		cancelled bool
		fatal     error
		want      string
	}{
		{name: "cancelled takes priority", cancelled: true, want: "cancelled"},
		{name: "fatal error", fatal: errors.New("boom"), want: "failed"},
		{name: "no results", results: nil, want: "failed"},
		{
			name: "all succeeded",
			results: []SubvolResult{
				{Subvolume: "@", Status: "success"},
				{Subvolume: "@home", Status: "success"},
			},
			want: "success",
		},
		{
			name: "partial success",
			results: []SubvolResult{
				{Subvolume: "@", Status: "success"},
				{Subvolume: "@home", Status: "failed"},
			},
			want: "partial",
		},
		{
			name: "all failed",
			results: []SubvolResult{
				{Subvolume: "@", Status: "failed"},
				{Subvolume: "@home", Status: "failed"},
			},
			want: "failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := aggregateStatus(tt.results, tt.cancelled, tt.fatal)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRemotelayoutArtifact(t *testing.T) {
	cfg := &config.Config{UnraidBasePath: "/mnt/user/backups", ClientName: "nas1"}
	a := remotelayoutArtifact(cfg, "@", "full", "20260730")

	assert.Equal(t, "202607", a.Month)
	assert.Equal(t, "@", a.Subvolume)
	assert.Equal(t, "full", a.Kind)
	assert.Equal(t, "/mnt/user/backups/nas1/202607/full/@_20260730_full.btrfs.gpg", a.Path())
}

func TestShQuote(t *testing.T) {
	assert.Equal(t, "'plain'", shQuote("plain"))
	assert.Equal(t, `'it'\''s'`, shQuote("it's"))
}
