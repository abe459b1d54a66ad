// Package healthcheck runs the daemon's startup dependency checks: btrfs
// tooling present, the encryption passphrase and SSH key exist with safe
// permissions, and the remote host is reachable over SSH. Each check is
// independent and non-fatal on its own — the daemon logs every failure
// and still starts, since the exact remedy (install a package, fix a
// permission, provision a key) is something the operator resolves through
// the setup flow, not something the daemon can always fix itself.
package healthcheck

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/btrfsvault/btrfsvault/internal/config"
	"github.com/btrfsvault/btrfsvault/internal/hostresolve"
	"github.com/btrfsvault/btrfsvault/internal/sshexec"
)

// Check is the outcome of one dependency check.
type Check struct {
	Name    string `json:"name"`
	Met     bool   `json:"met"`
	Message string `json:"message"`
}

// Report aggregates every startup check.
type Report struct {
	Checks []Check `json:"checks"`
}

// Healthy reports whether every check passed.
func (r Report) Healthy() bool {
	for _, c := range r.Checks {
		if !c.Met {
			return false
		}
	}
	return true
}

// Run executes every check against cfg and returns a Report. It never
// returns an error itself — failures are captured as unmet Checks.
func Run(ctx context.Context, cfg *config.Config, resolver *hostresolve.Resolver, log *zap.Logger) Report {
	log = log.Named("healthcheck")
	var report Report

	report.Checks = append(report.Checks, checkBinary("btrfs"))
	report.Checks = append(report.Checks, checkBinary("ssh"))
	report.Checks = append(report.Checks, checkSecretFile("encryption_key", cfg.EncryptionKeyPath, 32))
	report.Checks = append(report.Checks, checkSecretFile("ssh_key", cfg.SSHKeyPath, 0))
	report.Checks = append(report.Checks, checkRemote(ctx, cfg, resolver, log))

	for _, c := range report.Checks {
		if !c.Met {
			log.Warn("startup check failed", zap.String("check", c.Name), zap.String("message", c.Message))
		}
	}
	return report
}

func checkBinary(name string) Check {
	path, err := exec.LookPath(name)
	if err != nil {
		return Check{Name: name, Met: false, Message: fmt.Sprintf("%s not found on PATH", name)}
	}
	return Check{Name: name, Met: true, Message: fmt.Sprintf("found at %s", path)}
}

// checkSecretFile verifies a secret file exists, is not group/world
// readable, and — if minLen is nonzero — is at least that many bytes.
func checkSecretFile(name, path string, minLen int) Check {
	if path == "" {
		return Check{Name: name, Met: false, Message: "path not configured"}
	}
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		return Check{Name: name, Met: false, Message: fmt.Sprintf("directory %s does not exist", filepath.Dir(path))}
	}

	info, err := os.Stat(path)
	if err != nil {
		return Check{Name: name, Met: false, Message: fmt.Sprintf("%s not found", path)}
	}

	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		return Check{Name: name, Met: false, Message: fmt.Sprintf("%s has insecure permissions %o, expected 600 or 400", path, mode)}
	}

	if minLen > 0 && info.Size() < int64(minLen) {
		return Check{Name: name, Met: false, Message: fmt.Sprintf("%s is too short (minimum %d bytes)", path, minLen)}
	}

	return Check{Name: name, Met: true, Message: fmt.Sprintf("%s present with safe permissions", path)}
}

// checkRemote resolves the configured host and attempts a short-lived SSH
// dial, closing the connection immediately — it never runs a command.
func checkRemote(ctx context.Context, cfg *config.Config, resolver *hostresolve.Resolver, log *zap.Logger) Check {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	addr, err := resolver.Resolve(ctx, cfg.UnraidTailscaleName)
	if err != nil {
		return Check{Name: "remote_host", Met: false, Message: fmt.Sprintf("host resolution failed: %v", err)}
	}

	conn, err := sshexec.Dial(ctx, sshexec.Config{
		Host:           addr,
		Port:           cfg.UnraidSSHPort,
		User:           cfg.UnraidUser,
		PrivateKeyPath: cfg.SSHKeyPath,
		KnownHostsPath: filepath.Join(filepath.Dir(cfg.SSHKeyPath), "known_hosts"),
		Timeout:        10 * time.Second,
		Logger:         log,
	})
	if err != nil {
		return Check{Name: "remote_host", Met: false, Message: fmt.Sprintf("could not reach %s: %v", addr, err)}
	}
	defer conn.Close()

	return Check{Name: "remote_host", Met: true, Message: fmt.Sprintf("reachable at %s", addr)}
}
