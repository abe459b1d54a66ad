// Package retention runs the four ordered cleanup phases of a backup run:
// orphan purge (before any upload), then, after the uploads, monthly
// purge, current-month incremental purge, and local snapshot aging. Order
// matters — monthly purge must run
// before incremental purge so a deleted month's directory never leaves
// dangling incremental ledger rows behind, and orphan purge must run
// first so a file uploaded moments ago is never mistaken for garbage.
package retention

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/btrfsvault/btrfsvault/internal/ledger"
	"github.com/btrfsvault/btrfsvault/internal/orcherr"
	"github.com/btrfsvault/btrfsvault/internal/snapshot"
	"github.com/btrfsvault/btrfsvault/internal/sshexec"
)

// orphanSafetyWindow is how recently a remote file must have been
// modified to be spared from orphan purge even with no ledger row,
// covering the race between upload finishing and the ledger write
// committing.
const orphanSafetyWindow = 1 * time.Hour

// Config carries the settings each phase needs.
type Config struct {
	BasePath             string
	ClientName           string
	MonthsToKeep         int
	DailyIncrementalDays int
	LocalSnapshotDays    int
}

// PhaseResult is the outcome of one retention phase.
type PhaseResult struct {
	Name    string
	Deleted int
	Err     error
}

// Report aggregates all four phases of one retention sweep.
type Report struct {
	Phases []PhaseResult
}

// Failed reports whether any phase returned an error. Retention failures
// are non-fatal to the run; the orchestrator logs a warning when this
// reports true.
func (r Report) Failed() bool {
	for _, p := range r.Phases {
		if p.Err != nil {
			return true
		}
	}
	return false
}

// PurgeOrphans runs the pre-run guard phase alone: any remote artifact
// absent from the ledger and older than the safety window is deleted.
// Called once before decide_kind, ahead of any new upload.
func PurgeOrphans(ctx context.Context, exec sshexec.Commander, l ledger.Ledger, cfg Config, log *zap.Logger) PhaseResult {
	n, err := purgeOrphans(ctx, exec, l, cfg, log)
	return PhaseResult{Name: "orphan_purge", Deleted: n, Err: err}
}

// RunPostRun executes the three post-run phases in order: monthly purge
// (gated by monthlyPurge), current-month incremental purge, and local
// snapshot aging. It never stops early — one phase failing does not
// prevent the next from running.
func RunPostRun(ctx context.Context, exec sshexec.Commander, l ledger.Ledger, snaps *snapshot.Manager, subvolumes []string, cfg Config, monthlyPurge bool, log *zap.Logger) Report {
	var report Report

	if monthlyPurge {
		n, err := purgeOldMonths(ctx, exec, l, cfg, log)
		report.Phases = append(report.Phases, PhaseResult{Name: "monthly_purge", Deleted: n, Err: err})
	} else {
		report.Phases = append(report.Phases, PhaseResult{Name: "monthly_purge", Deleted: 0})
	}

	n, err := purgeOldIncrementals(ctx, exec, l, cfg, log)
	report.Phases = append(report.Phases, PhaseResult{Name: "incremental_purge", Deleted: n, Err: err})

	total := 0
	for _, sv := range subvolumes {
		d, err := snaps.CleanupOld(ctx, l, sv, cfg.LocalSnapshotDays)
		total += d
		if err != nil {
			report.Phases = append(report.Phases, PhaseResult{Name: "local_snapshot_aging", Deleted: total, Err: err})
			return report
		}
	}
	report.Phases = append(report.Phases, PhaseResult{Name: "local_snapshot_aging", Deleted: total})

	return report
}

// purgeOrphans lists every *.btrfs.gpg file under the client's remote
// root and deletes any whose remote_path is absent from the ledger and
// whose modification time is older than orphanSafetyWindow — an upload
// that never made it into the ledger, typically from a crashed run.
func purgeOrphans(ctx context.Context, exec sshexec.Commander, l ledger.Ledger, cfg Config, log *zap.Logger) (int, error) {
	root := fmt.Sprintf("%s/%s", cfg.BasePath, cfg.ClientName)
	out, err := exec.Run(ctx, fmt.Sprintf(
		`find %s -type f -name '*.btrfs.gpg' -printf '%%T@ %%p\n' 2>/dev/null || true`, shQuote(root)))
	if err != nil {
		return 0, orcherr.New(orcherr.KindRetentionFailed, "retention.purgeOrphans", err)
	}

	sent, err := l.ListRemotePaths(ctx)
	if err != nil {
		return 0, orcherr.New(orcherr.KindRetentionFailed, "retention.purgeOrphans", err)
	}

	now := time.Now()
	deleted := 0
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			continue
		}
		mtimeUnix, path := parts[0], parts[1]
		if _, ok := sent[path]; ok {
			continue
		}

		var epochSeconds float64
		if _, serr := fmt.Sscanf(mtimeUnix, "%f", &epochSeconds); serr != nil {
			continue
		}
		age := now.Sub(time.Unix(int64(epochSeconds), 0))
		if age < orphanSafetyWindow {
			continue
		}

		if _, err := exec.Run(ctx, fmt.Sprintf("rm -f %s", shQuote(path))); err != nil {
			log.Warn("orphan purge: delete failed", zap.String("path", path), zap.Error(err))
			continue
		}
		log.Info("orphan purge: deleted unreferenced remote file", zap.String("path", path))
		deleted++
	}
	return deleted, nil
}

// purgeOldMonths lists the YYYYMM month directories under the client's
// remote root, deletes every one beyond MonthsToKeep (keeping the most
// recent), and removes matching ledger rows before removing the
// directory so a crash mid-delete never leaves orphaned ledger rows
// pointing at an already-gone month.
func purgeOldMonths(ctx context.Context, exec sshexec.Commander, l ledger.Ledger, cfg Config, log *zap.Logger) (int, error) {
	root := fmt.Sprintf("%s/%s", cfg.BasePath, cfg.ClientName)
	out, err := exec.Run(ctx, fmt.Sprintf(
		`ls %s 2>/dev/null | grep -E '^[0-9]{6}$' | sort -r || true`, shQuote(root)))
	if err != nil {
		return 0, orcherr.New(orcherr.KindRetentionFailed, "retention.purgeOldMonths", err)
	}

	months := splitLines(out)
	if len(months) <= cfg.MonthsToKeep {
		return 0, nil
	}

	deleted := 0
	for _, month := range months[cfg.MonthsToKeep:] {
		prefix := fmt.Sprintf("%s/%s/", root, month)
		if _, err := l.DeleteByRemotePrefix(ctx, prefix); err != nil {
			return deleted, orcherr.New(orcherr.KindRetentionFailed, "retention.purgeOldMonths", err)
		}

		monthPath := fmt.Sprintf("%s/%s", root, month)
		if _, err := exec.Run(ctx, fmt.Sprintf("rm -rf %s", shQuote(monthPath))); err != nil {
			log.Warn("monthly purge: delete failed", zap.String("month", month), zap.Error(err))
			continue
		}
		log.Info("monthly purge: deleted month", zap.String("month", month))
		deleted++
	}
	return deleted, nil
}

// purgeOldIncrementals targets only the current month's incremental
// directory, deleting files older than DailyIncrementalDays — a
// deliberately preserved quirk: incrementals in past months are only
// ever removed wholesale by purgeOldMonths, never aged individually. The
// ledger rows removed are exactly those of the files deleted here.
func purgeOldIncrementals(ctx context.Context, exec sshexec.Commander, l ledger.Ledger, cfg Config, log *zap.Logger) (int, error) {
	month := time.Now().Format("200601")
	dir := fmt.Sprintf("%s/%s/%s/incremental", cfg.BasePath, cfg.ClientName, month)

	out, err := exec.Run(ctx, fmt.Sprintf(
		`find %s -type f -mtime +%d -print -delete 2>/dev/null || true`, shQuote(dir), cfg.DailyIncrementalDays))
	if err != nil {
		return 0, orcherr.New(orcherr.KindRetentionFailed, "retention.purgeOldIncrementals", err)
	}

	var n int64
	for _, path := range splitLines(out) {
		d, err := l.DeleteByRemotePrefix(ctx, path)
		if err != nil {
			return int(n), orcherr.New(orcherr.KindRetentionFailed, "retention.purgeOldIncrementals", err)
		}
		n += d
	}
	if n > 0 {
		log.Info("incremental purge: removed ledger rows", zap.Int64("count", n), zap.String("month", month))
	}
	return int(n), nil
}

func splitLines(s string) []string {
	var out []string
	for _, l := range strings.Split(strings.TrimSpace(s), "\n") {
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
