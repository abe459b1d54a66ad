// Package restore implements the reverse of internal/orchestrator: locate
// a previously sent artifact, optionally verify it in place, or download,
// decrypt, and feed it into `btrfs receive`. It holds its own single-flight
// slot, independent of the backup orchestrator's, since a restore and a
// backup touch disjoint remote paths and there is no reason to serialize
// them against each other.
package restore

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/btrfsvault/btrfsvault/internal/config"
	"github.com/btrfsvault/btrfsvault/internal/cryptopipe"
	"github.com/btrfsvault/btrfsvault/internal/hostresolve"
	"github.com/btrfsvault/btrfsvault/internal/orcherr"
	"github.com/btrfsvault/btrfsvault/internal/remotelayout"
	"github.com/btrfsvault/btrfsvault/internal/sshexec"
	"github.com/btrfsvault/btrfsvault/internal/verify"
)

// Request describes one restore (or verify-only) operation.
type Request struct {
	BackupDate string // YYYYMMDD
	BackupType string // "full" or "incremental"
	Subvolumes []string
	TargetDir  string // base directory snapshots are received into; defaults if empty
	VerifyOnly bool
}

// SubvolResult is the outcome of one subvolume within a restore.
type SubvolResult struct {
	Subvolume  string
	Success    bool
	Verified   bool
	Size       int64
	RestoredTo string
	Err        string
}

// Progress mirrors the orchestrator's shape for the WebSocket hub. Run
// publishes a "locate" step as it starts each subvolume and a final
// "done" step.
type Progress struct {
	Step      string `json:"step"`
	Percent   int    `json:"percent"`
	Subvolume string `json:"subvolume,omitempty"`
}

// Publisher is the narrow interface restore needs from the transport
// layer, mirroring internal/orchestrator.Publisher.
type Publisher interface {
	Publish(topic string, v any)
}

// Engine runs restore operations with a single-flight slot.
type Engine struct {
	cfg      *config.Config
	resolver *hostresolve.Resolver
	pub      Publisher
	log      *zap.Logger

	mu      sync.Mutex
	running bool
}

// New builds a restore Engine.
func New(cfg *config.Config, resolver *hostresolve.Resolver, pub Publisher, log *zap.Logger) *Engine {
	return &Engine{cfg: cfg, resolver: resolver, pub: pub, log: log.Named("restore")}
}

// Running reports whether a restore is currently in progress.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Run executes req synchronously and returns per-subvolume results. It
// returns an orcherr of KindBusy if another restore is already active.
func (e *Engine) Run(ctx context.Context, req Request) ([]SubvolResult, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, orcherr.New(orcherr.KindBusy, "restore.Run", fmt.Errorf("a restore is already in progress"))
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	addr, err := e.resolver.Resolve(ctx, e.cfg.UnraidTailscaleName)
	if err != nil {
		return nil, orcherr.New(orcherr.KindRemoteUnreachable, "restore.Run", err)
	}

	conn, err := sshexec.Dial(ctx, sshexec.Config{
		Host:           addr,
		Port:           e.cfg.UnraidSSHPort,
		User:           e.cfg.UnraidUser,
		PrivateKeyPath: e.cfg.SSHKeyPath,
		KnownHostsPath: filepath.Join(filepath.Dir(e.cfg.SSHKeyPath), "known_hosts"),
		Timeout:        time.Duration(e.cfg.TailscaleTimeoutSeconds) * time.Second,
		Logger:         e.log,
	})
	if err != nil {
		return nil, orcherr.New(orcherr.KindRemoteUnreachable, "restore.Run", err)
	}
	defer conn.Close()

	results := make([]SubvolResult, 0, len(req.Subvolumes))
	n := len(req.Subvolumes)
	for i, sv := range req.Subvolumes {
		percent := int(float64(i) / float64(n) * 100)
		e.publish(Progress{Step: "locate", Percent: percent, Subvolume: sv})

		results = append(results, e.restoreOne(ctx, conn, req, sv))
	}

	e.publish(Progress{Step: "done", Percent: 100})
	return results, nil
}

func (e *Engine) publish(p Progress) {
	if e.pub != nil {
		e.pub.Publish("backup:progress", p)
	}
}

func (e *Engine) restoreOne(ctx context.Context, conn sshexec.Commander, req Request, subvolume string) SubvolResult {
	log := e.log.With(zap.String("subvolume", subvolume), zap.String("date", req.BackupDate))

	artifact := remotelayout.Artifact{
		Base:      e.cfg.UnraidBasePath,
		Client:    e.cfg.ClientName,
		Month:     req.BackupDate[:6],
		Kind:      req.BackupType,
		Subvolume: subvolume,
		Date:      req.BackupDate,
	}
	remotePath := artifact.Path()

	exists, err := verify.Exists(ctx, conn, remotePath)
	if err != nil || !exists {
		return SubvolResult{Subvolume: subvolume, Success: false, Err: "backup file not found"}
	}

	if req.VerifyOnly {
		result, err := verify.RemoteFile(ctx, conn, remotePath, -1)
		if err != nil {
			return SubvolResult{Subvolume: subvolume, Success: false, Err: err.Error()}
		}
		return SubvolResult{
			Subvolume: subvolume,
			Success:   result.MagicValid,
			Verified:  true,
			Size:      result.RemoteSize,
		}
	}

	return e.downloadAndReceive(ctx, conn, subvolume, req.BackupDate, remotePath, req.TargetDir, log)
}

// downloadAndReceive streams remotePath into a scratch file, decrypts it
// into a second scratch file, then feeds it to `btrfs receive`. Both
// scratch files are removed on every exit path.
func (e *Engine) downloadAndReceive(ctx context.Context, conn sshexec.Commander, subvolume, backupDate, remotePath, targetDir string, log *zap.Logger) SubvolResult {
	scratchDir, err := os.MkdirTemp("", "btrfsvault-restore-")
	if err != nil {
		return SubvolResult{Subvolume: subvolume, Success: false, Err: err.Error()}
	}
	defer os.RemoveAll(scratchDir)

	envelopePath := filepath.Join(scratchDir, "envelope")
	envelopeFile, err := os.Create(envelopePath)
	if err != nil {
		return SubvolResult{Subvolume: subvolume, Success: false, Err: err.Error()}
	}
	log.Info("downloading backup", zap.String("remote_path", remotePath))
	downloadErr := conn.StreamFrom(ctx, fmt.Sprintf("cat %s", shQuote(remotePath)), envelopeFile)
	envelopeFile.Close()
	if downloadErr != nil {
		return SubvolResult{Subvolume: subvolume, Success: false,
			Err: orcherr.New(orcherr.KindPipelineFailed, "restore.download", downloadErr).Error()}
	}

	decryptedPath := filepath.Join(scratchDir, "stream.btrfs")
	decryptedFile, err := os.Create(decryptedPath)
	if err != nil {
		return SubvolResult{Subvolume: subvolume, Success: false, Err: err.Error()}
	}
	envelopeReader, err := os.Open(envelopePath)
	if err != nil {
		decryptedFile.Close()
		return SubvolResult{Subvolume: subvolume, Success: false, Err: err.Error()}
	}
	log.Info("decrypting backup")
	decryptErr := cryptopipe.DecryptStream(decryptedFile, envelopeReader, e.cfg.EncryptionKeyPath)
	envelopeReader.Close()
	decryptedFile.Close()
	if decryptErr != nil {
		return SubvolResult{Subvolume: subvolume, Success: false,
			Err: orcherr.New(orcherr.KindPipelineFailed, "restore.decrypt", decryptErr).Error()}
	}

	restorePath := targetDir
	if restorePath == "" {
		restorePath = filepath.Join(os.TempDir(), "btrfsvault-restore", fmt.Sprintf("%s_%s", subvolume, backupDate))
	}
	if err := os.MkdirAll(filepath.Dir(restorePath), 0o755); err != nil {
		return SubvolResult{Subvolume: subvolume, Success: false, Err: err.Error()}
	}

	log.Info("receiving snapshot", zap.String("restore_path", restorePath))
	if err := btrfsReceive(ctx, decryptedPath, restorePath); err != nil {
		return SubvolResult{Subvolume: subvolume, Success: false,
			Err: orcherr.New(orcherr.KindPipelineFailed, "restore.receive", err).Error()}
	}

	info, err := os.Stat(decryptedPath)
	size := int64(0)
	if err == nil {
		size = info.Size()
	}

	return SubvolResult{Subvolume: subvolume, Success: true, RestoredTo: restorePath, Size: size}
}

func btrfsReceive(ctx context.Context, streamPath, restorePath string) error {
	stream, err := os.Open(streamPath)
	if err != nil {
		return fmt.Errorf("restore: opening decrypted stream: %w", err)
	}
	defer stream.Close()

	cmd := exec.CommandContext(ctx, "btrfs", "receive", restorePath)
	cmd.Stdin = stream
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("btrfs receive: %w: %s", err, out)
	}
	return nil
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
