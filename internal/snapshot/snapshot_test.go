package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/btrfsvault/btrfsvault/internal/config"
	"github.com/btrfsvault/btrfsvault/internal/ledger"
)

// fakeLedger is an in-memory stand-in for ledger.Ledger, tracking only
// which subvolume/snapshot-name pairs have been recorded as sent.
type fakeLedger struct {
	sent map[string]bool // subvolume/snapshotName -> sent
}

func newFakeLedger() *fakeLedger { return &fakeLedger{sent: map[string]bool{}} }

func (f *fakeLedger) markSent(subvolume, name string) {
	f.sent[subvolume+"/"+name] = true
}

func (f *fakeLedger) WasSent(ctx context.Context, remotePath string) (bool, error) { return false, nil }
func (f *fakeLedger) Record(ctx context.Context, e ledger.Entry) error             { return nil }

func (f *fakeLedger) FindNewestSent(ctx context.Context, subvolume string, candidates []string) (string, bool, error) {
	for _, c := range candidates {
		if f.sent[subvolume+"/"+c] {
			return c, true, nil
		}
	}
	return "", false, nil
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

func TestParseTimestamp(t *testing.T) {
	ts, ok := parseTimestamp("@", "@_20260730_101500")
	require.True(t, ok)
	assert.Equal(t, 2026, ts.Year())
	assert.Equal(t, time.Month(7), ts.Month())
	assert.Equal(t, 30, ts.Day())

	_, ok = parseTimestamp("@", "@home_20260730_101500")
	assert.False(t, ok)

	_, ok = parseTimestamp("@", "not-a-snapshot-name")
	assert.False(t, ok)

	_, ok = parseTimestamp("@", "@_not-a-timestamp")
	assert.False(t, ok)
}

func TestManagerPath(t *testing.T) {
	m := New("/mnt/snapshots", nil, zap.NewNop())
	assert.Equal(t, "/mnt/snapshots/@_20260730_101500", m.Path("@_20260730_101500"))
}

func TestManagerList(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"@_20260728_100000", "@_20260730_100000", "@_20260729_100000", "@home_20260730_100000"} {
		require.NoError(t, os.Mkdir(filepath.Join(dir, name), 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "@_not_a_dir"), []byte("x"), 0o644))

	m := New(dir, nil, zap.NewNop())
	names, err := m.List("@")
	require.NoError(t, err)
	assert.Equal(t, []string{"@_20260730_100000", "@_20260729_100000", "@_20260728_100000"}, names)
}

func TestManagerFindParent(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"@_20260728_100000", "@_20260730_100000"} {
		require.NoError(t, os.Mkdir(filepath.Join(dir, name), 0o755))
	}
	fl := newFakeLedger()
	fl.markSent("@", "@_20260728_100000")

	m := New(dir, []config.Subvolume{{Name: "@"}}, zap.NewNop())
	parent, found, err := m.FindParent(context.Background(), fl, "@")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "@_20260728_100000", parent)
}
