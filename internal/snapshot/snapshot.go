// Package snapshot wraps btrfs subvolume snapshot creation, listing, and
// deletion via os/exec, plus the local and sent-aware retention logic
// aging snapshots out of the local snapshot directory.
package snapshot

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/btrfsvault/btrfsvault/internal/config"
	"github.com/btrfsvault/btrfsvault/internal/ledger"
	"github.com/btrfsvault/btrfsvault/internal/orcherr"
)

// timeLayout is the timestamp part of the fixed snapshot naming scheme:
// subvolume_YYYYMMDD_HHMMSS.
const timeLayout = "20060102_150405"

// Manager creates and ages local read-only snapshots of the configured
// subvolumes.
type Manager struct {
	dir        string
	subvolumes []config.Subvolume
	log        *zap.Logger
}

// New returns a Manager rooted at snapshotDir.
func New(snapshotDir string, subvolumes []config.Subvolume, log *zap.Logger) *Manager {
	return &Manager{dir: snapshotDir, subvolumes: subvolumes, log: log}
}

// Result is one subvolume's freshly created snapshot.
type Result struct {
	Subvolume string
	Name      string
	Path      string
}

// CreateAll snapshots every configured subvolume under one shared
// timestamp. All-or-nothing: if any subvolume fails, the snapshots already
// created in this call are rolled back.
func (m *Manager) CreateAll(ctx context.Context) ([]Result, error) {
	ts := time.Now().Format(timeLayout)
	var created []Result

	for _, sv := range m.subvolumes {
		name := fmt.Sprintf("%s_%s", sv.Name, ts)
		path := filepath.Join(m.dir, name)

		if err := runBtrfs(ctx, "subvolume", "snapshot", "-r", sv.Mount, path); err != nil {
			m.log.Error("snapshot create failed, rolling back partial run",
				zap.String("subvolume", sv.Name), zap.Error(err))
			for _, r := range created {
				if derr := m.delete(ctx, r.Path); derr != nil {
					m.log.Warn("rollback delete failed", zap.String("path", r.Path), zap.Error(derr))
				}
			}
			return nil, orcherr.New(orcherr.KindPipelineFailed, "snapshot.CreateAll", err)
		}

		created = append(created, Result{Subvolume: sv.Name, Name: name, Path: path})
		m.log.Info("snapshot created", zap.String("subvolume", sv.Name), zap.String("name", name))
	}

	return created, nil
}

// List returns every local snapshot name for subvolume, lexicographically
// newest first (the naming scheme sorts chronologically as strings).
func (m *Manager) List(subvolume string) ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("snapshot: reading %s: %w", m.dir, err)
	}

	prefix := subvolume + "_"
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if len(e.Name()) > len(prefix) && e.Name()[:len(prefix)] == prefix {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// FindParent returns the newest local snapshot for subvolume that the
// ledger already has a sent record for, scanning newest-first — the
// incremental send's -p parent.
func (m *Manager) FindParent(ctx context.Context, l ledger.Ledger, subvolume string) (string, bool, error) {
	candidates, err := m.List(subvolume)
	if err != nil {
		return "", false, err
	}
	return l.FindNewestSent(ctx, subvolume, candidates)
}

// Path returns the on-disk path of a named snapshot.
func (m *Manager) Path(name string) string {
	return filepath.Join(m.dir, name)
}

// Delete removes a local snapshot by name.
func (m *Manager) Delete(ctx context.Context, name string) error {
	return m.delete(ctx, m.Path(name))
}

func (m *Manager) delete(ctx context.Context, path string) error {
	return runBtrfs(ctx, "subvolume", "delete", path)
}

// CleanupOld ages local snapshots out per subvolume: a snapshot with a
// ledger-recorded send is deleted once older than retentionDays; one
// never sent is kept twice as long, logged as a warning, since deleting
// it would destroy the only copy of unbacked-up data.
func (m *Manager) CleanupOld(ctx context.Context, l ledger.Ledger, subvolume string, retentionDays int) (int, error) {
	names, err := m.List(subvolume)
	if err != nil {
		return 0, err
	}

	deleted := 0
	now := time.Now()
	for _, name := range names {
		ts, ok := parseTimestamp(subvolume, name)
		if !ok {
			continue
		}
		age := now.Sub(ts)

		sent, _, err := l.FindNewestSent(ctx, subvolume, []string{name})
		if err != nil {
			return deleted, orcherr.New(orcherr.KindRetentionFailed, "snapshot.CleanupOld", err)
		}
		wasSent := sent == name

		threshold := time.Duration(retentionDays) * 24 * time.Hour
		if !wasSent {
			threshold *= 2
			if age > threshold {
				m.log.Warn("deleting local snapshot that was never sent",
					zap.String("subvolume", subvolume), zap.String("name", name), zap.Duration("age", age))
			}
		}
		if age <= threshold {
			continue
		}

		if err := m.Delete(ctx, name); err != nil {
			return deleted, orcherr.New(orcherr.KindRetentionFailed, "snapshot.CleanupOld", err)
		}
		deleted++
	}
	return deleted, nil
}

func parseTimestamp(subvolume, name string) (time.Time, bool) {
	prefix := subvolume + "_"
	if len(name) <= len(prefix) {
		return time.Time{}, false
	}
	ts, err := time.ParseInLocation(timeLayout, name[len(prefix):], time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func runBtrfs(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "btrfs", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("btrfs %v: %w: %s", args, err, out)
	}
	return nil
}
