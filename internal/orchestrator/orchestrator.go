// Package orchestrator implements the Backup Orchestrator state machine:
// idle → orphan_cleanup → decide_kind → snapshot → resolve_host →
// per_subvol{upload → verify → ledger_write}… → verify_run → retention →
// done. One Orchestrator instance is constructed at daemon startup and
// shared by the HTTP handlers and the scheduler callback; it holds a
// single-flight slot so at most one run is active at a time.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/btrfsvault/btrfsvault/internal/config"
	"github.com/btrfsvault/btrfsvault/internal/cryptopipe"
	"github.com/btrfsvault/btrfsvault/internal/hostresolve"
	"github.com/btrfsvault/btrfsvault/internal/ledger"
	"github.com/btrfsvault/btrfsvault/internal/metrics"
	"github.com/btrfsvault/btrfsvault/internal/orcherr"
	"github.com/btrfsvault/btrfsvault/internal/remotelayout"
	"github.com/btrfsvault/btrfsvault/internal/retention"
	"github.com/btrfsvault/btrfsvault/internal/snapshot"
	"github.com/btrfsvault/btrfsvault/internal/sshexec"
	"github.com/btrfsvault/btrfsvault/internal/verify"
)

// Publisher is the narrow interface the orchestrator needs from the
// WebSocket hub — kept separate from the websocket package itself so this
// package never imports the transport layer directly.
type Publisher interface {
	Publish(topic string, v any)
}

// Options controls one backup run.
type Options struct {
	ForceFull bool
}

// SubvolResult is the outcome of one subvolume within a run.
type SubvolResult struct {
	Subvolume  string
	BackupType string // "full" or "incremental"
	Status     string // "success" or "failed"
	Bytes      int64
	Err        string

	// fatal is set when the failure must stop the whole run (a ledger
	// write failure); execute returns it as the run's fatal error.
	fatal error
}

// runState tracks one in-flight run; it is the single-flight slot.
type runState struct {
	id        string
	startedAt time.Time
	cancel    context.CancelFunc

	mu        sync.Mutex
	cancelled bool
	progress  Progress
}

func (s *runState) setProgress(p Progress) {
	s.mu.Lock()
	s.progress = p
	s.mu.Unlock()
}

func (s *runState) snapshotProgress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

func (s *runState) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Orchestrator runs the backup state machine.
type Orchestrator struct {
	cfg      *config.Config
	subvols  []config.Subvolume
	ledger   ledger.Ledger
	snaps    *snapshot.Manager
	resolver *hostresolve.Resolver
	metrics  *metrics.Metrics
	pub      Publisher
	log      *zap.Logger

	scratchDir string

	// sendSnapshot produces the encrypted send-stream for one subvolume.
	// Defaults to o.stageEnvelope; tests substitute a fake to exercise
	// uploadSubvolume's ledger/verify logic without a real btrfs binary.
	sendSnapshot func(ctx context.Context, dst io.Writer, snapshotPath, parentPath string) error

	mu      sync.Mutex
	current *runState
}

// New builds an Orchestrator. pub may be nil, in which case progress is
// only kept in memory for Status().
func New(cfg *config.Config, subvols []config.Subvolume, l ledger.Ledger, snaps *snapshot.Manager, resolver *hostresolve.Resolver, m *metrics.Metrics, pub Publisher, log *zap.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		subvols:    subvols,
		ledger:     l,
		snaps:      snaps,
		resolver:   resolver,
		metrics:    m,
		pub:        pub,
		log:        log.Named("orchestrator"),
		scratchDir: filepath.Join(os.TempDir(), "btrfsvault-scratch"),
	}
	o.sendSnapshot = o.stageEnvelope
	return o
}

// Start begins a run in a new goroutine and returns immediately. Returns
// an orcherr of KindBusy if a run is already active.
func (o *Orchestrator) Start(opts Options) error {
	o.mu.Lock()
	if o.current != nil {
		o.mu.Unlock()
		return orcherr.New(orcherr.KindBusy, "orchestrator.Start", fmt.Errorf("a backup run is already in progress"))
	}
	ctx, cancel := context.WithCancel(context.Background())
	state := &runState{id: time.Now().Format("20060102T150405"), startedAt: time.Now(), cancel: cancel}
	o.current = state
	o.mu.Unlock()

	go o.run(ctx, state, opts)
	return nil
}

// Cancel requests the active run stop at its next state boundary. Work
// already in flight (a send, transfer or remote command) runs to its end.
func (o *Orchestrator) Cancel() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return fmt.Errorf("no backup run is active")
	}
	o.current.mu.Lock()
	o.current.cancelled = true
	o.current.mu.Unlock()
	return nil
}

// Status returns the current progress snapshot, or ok=false if idle.
func (o *Orchestrator) Status() (Progress, bool) {
	o.mu.Lock()
	state := o.current
	o.mu.Unlock()
	if state == nil {
		return Progress{}, false
	}
	return state.snapshotProgress(), true
}

func (o *Orchestrator) finish(state *runState) {
	state.cancel()
	o.mu.Lock()
	if o.current == state {
		o.current = nil
	}
	o.mu.Unlock()
}

func (o *Orchestrator) publish(state *runState, step int, percent int, currentFile string) {
	p := Progress{
		Step:        stepLabel(step),
		StepIndex:   step,
		StepTotal:   stepTotal,
		Percent:     percent,
		CurrentFile: currentFile,
	}
	state.setProgress(p)
	if o.pub != nil {
		o.pub.Publish("backup:progress", p)
	}
}

// run executes the full state machine. Every terminal outcome is
// recorded via the ledger's backup-history row; run itself has no return
// value since it executes in its own goroutine.
func (o *Orchestrator) run(ctx context.Context, state *runState, opts Options) {
	defer o.finish(state)

	runID, err := o.ledger.StartRun(ctx, state.startedAt, "pending")
	if err != nil {
		o.log.Error("failed to start run record", zap.Error(err))
		return
	}

	results, retentionReport, fatal := o.execute(ctx, state, opts, runID)

	status := aggregateStatus(results, state.isCancelled(), fatal)
	var totalBytes int64
	for _, r := range results {
		totalBytes += r.Bytes
	}

	errMsg := ""
	if fatal != nil {
		errMsg = fatal.Error()
	}
	if err := o.ledger.FinishRun(context.Background(), runID, time.Now(), status, totalBytes, errMsg); err != nil {
		o.log.Error("failed to finish run record", zap.Error(err))
	}

	if o.metrics != nil {
		o.metrics.BackupRunsTotal.WithLabelValues(status).Inc()
		o.metrics.BackupBytesTotal.Add(float64(totalBytes))
		for _, phase := range retentionReport.Phases {
			o.metrics.RetentionDeletedTotal.WithLabelValues(phase.Name).Add(float64(phase.Deleted))
		}
	}

	o.log.Info("backup run finished",
		zap.String("run_id", runID.String()),
		zap.String("status", status),
		zap.Int64("bytes", totalBytes))
}

// execute runs the state machine body: orphan_cleanup, decide_kind,
// snapshot, resolve_host, per-subvolume upload, verify_run, retention. It
// returns per-subvolume results, the retention report, and the first
// fatal (run-stopping) error — per-subvolume failure is not fatal, the
// run continues to the next subvolume, except for a ledger write failure,
// which stops the run.
func (o *Orchestrator) execute(ctx context.Context, state *runState, opts Options, runID uuid.UUID) ([]SubvolResult, retention.Report, error) {
	retCfg := retention.Config{
		BasePath:             o.cfg.UnraidBasePath,
		ClientName:           o.cfg.ClientName,
		MonthsToKeep:         o.cfg.MonthsToKeep,
		DailyIncrementalDays: o.cfg.DailyIncrementalDays,
		LocalSnapshotDays:    o.cfg.LocalSnapshotDays,
	}

	addr, err := o.resolver.Resolve(ctx, o.cfg.UnraidTailscaleName)
	if err != nil {
		return nil, retention.Report{}, orcherr.New(orcherr.KindRemoteUnreachable, "orchestrator.resolve", err)
	}

	conn, err := sshexec.Dial(ctx, sshexec.Config{
		Host:           addr,
		Port:           o.cfg.UnraidSSHPort,
		User:           o.cfg.UnraidUser,
		PrivateKeyPath: o.cfg.SSHKeyPath,
		KnownHostsPath: filepath.Join(filepath.Dir(o.cfg.SSHKeyPath), "known_hosts"),
		Timeout:        time.Duration(o.cfg.TailscaleTimeoutSeconds) * time.Second,
		Logger:         o.log,
	})
	if err != nil {
		return nil, retention.Report{}, orcherr.New(orcherr.KindRemoteUnreachable, "orchestrator.dial", err)
	}
	defer conn.Close()

	// Step 1: orphan_cleanup (pre-run guard).
	o.publish(state, stepOrphanCleanup, 5, "")
	orphanResult := retention.PurgeOrphans(ctx, conn, o.ledger, retCfg, o.log)
	if orphanResult.Err != nil {
		o.log.Warn("orphan purge failed, continuing", zap.Error(orphanResult.Err))
	}
	if state.isCancelled() {
		return nil, retention.Report{Phases: []retention.PhaseResult{orphanResult}}, nil
	}

	// Step 2: decide_kind.
	o.publish(state, stepDecideKind, 10, "")
	forceFull := opts.ForceFull || time.Now().Day() == 1
	empty, err := o.ledgerIsEmpty(ctx)
	if err != nil {
		return nil, retention.Report{}, orcherr.New(orcherr.KindLedgerWriteFailed, "orchestrator.decide_kind", err)
	}
	runFull := forceFull || empty
	if state.isCancelled() {
		return nil, retention.Report{Phases: []retention.PhaseResult{orphanResult}}, nil
	}

	// Step 3: snapshot.
	o.publish(state, stepSnapshot, 20, "")
	snaps, err := o.snaps.CreateAll(ctx)
	if err != nil {
		return nil, retention.Report{Phases: []retention.PhaseResult{orphanResult}}, err
	}
	if state.isCancelled() {
		return nil, retention.Report{Phases: []retention.PhaseResult{orphanResult}}, nil
	}

	// Step 4: resolve_host — the connection is already live; this step
	// exists for progress reporting continuity with the state diagram.
	o.publish(state, stepResolveHost, 25, "")

	// Step 5: per-subvolume upload/verify/ledger_write.
	var results []SubvolResult
	snapByName := make(map[string]snapshot.Result, len(snaps))
	for _, s := range snaps {
		snapByName[s.Subvolume] = s
	}

	n := len(snaps)
	for i, sv := range o.subvols {
		if state.isCancelled() {
			break
		}
		snapResult, ok := snapByName[sv.Name]
		if !ok {
			continue
		}

		percent := 25 + int(float64(i+1)/float64(n)*50)
		o.publish(state, stepPerSubvolume, percent, snapResult.Name)

		result := o.uploadSubvolume(ctx, conn, runID, sv.Name, snapResult, runFull)
		results = append(results, result)
		if result.fatal != nil {
			return results, retention.Report{Phases: []retention.PhaseResult{orphanResult}}, result.fatal
		}
	}

	// Step 6: verify_run — aggregate status is computed by the caller
	// from results; this step is a progress marker.
	o.publish(state, stepVerifyRun, 85, "")
	if state.isCancelled() {
		return results, retention.Report{Phases: []retention.PhaseResult{orphanResult}}, nil
	}

	// Step 7: retention (post-run phases).
	o.publish(state, stepRetention, 90, "")
	subvolNames := make([]string, len(o.subvols))
	for i, sv := range o.subvols {
		subvolNames[i] = sv.Name
	}
	monthlyPurge := runFull && time.Now().Day() == 1
	postRun := retention.RunPostRun(ctx, conn, o.ledger, o.snaps, subvolNames, retCfg, monthlyPurge, o.log)
	report := retention.Report{Phases: append([]retention.PhaseResult{orphanResult}, postRun.Phases...)}
	if report.Failed() {
		o.log.Warn("one or more retention phases reported an error")
	}

	o.publish(state, stepRetention, 100, "")
	return results, report, nil
}

func (o *Orchestrator) ledgerIsEmpty(ctx context.Context) (bool, error) {
	paths, err := o.ledger.ListRemotePaths(ctx)
	if err != nil {
		return false, err
	}
	return len(paths) == 0, nil
}

// uploadSubvolume builds the envelope stream for one subvolume, stages it
// to a local scratch file, transfers it, verifies it, and records the
// ledger row. It never returns an error — failures are captured in the
// returned SubvolResult so the run continues to the next subvolume; a
// ledger write failure is additionally marked fatal so execute stops the run.
func (o *Orchestrator) uploadSubvolume(ctx context.Context, conn sshexec.Commander, runID uuid.UUID, subvolume string, snap snapshot.Result, runFull bool) SubvolResult {
	log := o.log.With(zap.String("subvolume", subvolume), zap.String("snapshot", snap.Name))

	backupType := "incremental"
	var parentPath string
	if runFull {
		backupType = "full"
	} else {
		parent, found, err := o.snaps.FindParent(ctx, o.ledger, subvolume)
		if err != nil || !found {
			log.Warn("no sent parent found, falling back to full", zap.Error(err))
			backupType = "full"
		} else {
			parentPath = o.snaps.Path(parent)
		}
	}

	date := time.Now().Format("20060102")
	artifact := remotelayoutArtifact(o.cfg, subvolume, backupType, date)
	remotePath := artifact.Path()

	already, err := o.ledger.WasSent(ctx, remotePath)
	if err != nil {
		return SubvolResult{Subvolume: subvolume, BackupType: backupType, Status: "failed", Err: err.Error()}
	}
	if already {
		log.Info("artifact already recorded as sent, skipping")
		return SubvolResult{Subvolume: subvolume, BackupType: backupType, Status: "success"}
	}

	if err := os.MkdirAll(o.scratchDir, 0o700); err != nil {
		return SubvolResult{Subvolume: subvolume, BackupType: backupType, Status: "failed", Err: err.Error()}
	}
	scratch, err := os.CreateTemp(o.scratchDir, subvolume+"-*.envelope")
	if err != nil {
		return SubvolResult{Subvolume: subvolume, BackupType: backupType, Status: "failed", Err: err.Error()}
	}
	scratchPath := scratch.Name()
	defer os.Remove(scratchPath)

	if err := o.sendSnapshot(ctx, scratch, snap.Path, parentPath); err != nil {
		scratch.Close()
		return SubvolResult{Subvolume: subvolume, BackupType: backupType, Status: "failed", Err: err.Error()}
	}
	info, err := scratch.Stat()
	scratch.Close()
	if err != nil {
		return SubvolResult{Subvolume: subvolume, BackupType: backupType, Status: "failed", Err: err.Error()}
	}
	size := info.Size()

	if _, err := conn.Run(ctx, fmt.Sprintf("mkdir -p %s", shQuote(artifact.Dir()))); err != nil {
		return SubvolResult{Subvolume: subvolume, BackupType: backupType, Status: "failed",
			Err: orcherr.New(orcherr.KindRemoteUnreachable, "orchestrator.mkdir", err).Error()}
	}

	upload, err := os.Open(scratchPath)
	if err != nil {
		return SubvolResult{Subvolume: subvolume, BackupType: backupType, Status: "failed", Err: err.Error()}
	}
	transferErr := conn.StreamTo(ctx, fmt.Sprintf("cat > %s", shQuote(remotePath)), upload)
	upload.Close()
	if transferErr != nil {
		return SubvolResult{Subvolume: subvolume, BackupType: backupType, Status: "failed",
			Err: orcherr.New(orcherr.KindPipelineFailed, "orchestrator.transfer", transferErr).Error()}
	}

	result, err := verify.RemoteFile(ctx, conn, remotePath, size)
	if err != nil {
		return SubvolResult{Subvolume: subvolume, BackupType: backupType, Status: "failed", Err: err.Error()}
	}
	if !result.OK() {
		return SubvolResult{Subvolume: subvolume, BackupType: backupType, Status: "failed",
			Err: orcherr.New(orcherr.KindVerifyFailed, "orchestrator.verify",
				fmt.Errorf("size_match=%v magic_valid=%v", result.SizeMatch, result.MagicValid)).Error()}
	}

	parentName := ""
	if parentPath != "" {
		parentName = filepath.Base(parentPath)
	}
	if err := o.ledger.Record(ctx, ledger.Entry{
		RunID:          runID,
		Subvolume:      subvolume,
		SnapshotName:   snap.Name,
		BackupType:     backupType,
		RemotePath:     remotePath,
		SizeBytes:      size,
		ParentSnapshot: parentName,
		SentAt:         time.Now(),
	}); err != nil {
		lerr := orcherr.New(orcherr.KindLedgerWriteFailed, "orchestrator.ledger_write", err)
		return SubvolResult{Subvolume: subvolume, BackupType: backupType, Status: "failed",
			Err: lerr.Error(), fatal: lerr}
	}

	log.Info("subvolume uploaded", zap.Int64("bytes", size), zap.String("remote_path", remotePath))
	return SubvolResult{Subvolume: subvolume, BackupType: backupType, Status: "success", Bytes: size}
}

// stageEnvelope runs `btrfs send [-p parent] snapshotPath`, piping its
// stdout through the compress/encrypt envelope into dst.
func (o *Orchestrator) stageEnvelope(ctx context.Context, dst io.Writer, snapshotPath, parentPath string) error {
	args := []string{"send"}
	if parentPath != "" {
		args = append(args, "-p", parentPath)
	}
	args = append(args, snapshotPath)

	cmd := exec.CommandContext(ctx, "btrfs", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("orchestrator: send stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("orchestrator: starting btrfs send: %w", err)
	}

	encErr := cryptopipe.EncryptStream(dst, stdout, o.cfg.EncryptionKeyPath)
	waitErr := cmd.Wait()

	if waitErr != nil {
		return orcherr.New(orcherr.KindPipelineFailed, "orchestrator.stageEnvelope", fmt.Errorf("btrfs send: %w", waitErr))
	}
	if encErr != nil {
		return orcherr.New(orcherr.KindPipelineFailed, "orchestrator.stageEnvelope", encErr)
	}
	return nil
}

func aggregateStatus(results []SubvolResult, cancelled bool, fatal error) string {
	if cancelled {
		return "cancelled"
	}
	if fatal != nil {
		return "failed"
	}
	if len(results) == 0 {
		return "failed"
	}
	succeeded := 0
	for _, r := range results {
		if r.Status == "success" {
			succeeded++
		}
	}
	switch {
	case succeeded == len(results):
		return "success"
	case succeeded > 0:
		return "partial"
	default:
		return "failed"
	}
}

func remotelayoutArtifact(cfg *config.Config, subvolume, backupType, date string) remotelayout.Artifact {
	return remotelayout.Artifact{
		Base:      cfg.UnraidBasePath,
		Client:    cfg.ClientName,
		Month:     date[:6],
		Kind:      backupType,
		Subvolume: subvolume,
		Date:      date,
	}
}

func shQuote(s string) string {
	out := make([]rune, 0, len(s)+2)
	out = append(out, '\'')
	for _, r := range s {
		if r == '\'' {
			out = append(out, '\'', '\\', '\'', '\'')
			continue
		}
		out = append(out, r)
	}
	out = append(out, '\'')
	return string(out)
}
