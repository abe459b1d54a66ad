// Package sshexec is the Remote Executor: a thin wrapper around
// golang.org/x/crypto/ssh used for every remote-host operation (directory
// listing, stat, upload, download, header reads, file deletion). Connections
// authenticate with a private key and accept new host keys on first
// contact, recording them to a local known_hosts file rather than
// bypassing verification outright.
package sshexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Config describes how to reach and authenticate against the remote host.
type Config struct {
	Host           string
	Port           int
	User           string
	PrivateKeyPath string
	KnownHostsPath string
	Timeout        time.Duration
	Logger         *zap.Logger
}

// Commander is the subset of Executor's behavior every remote-dependent
// package actually calls. Extracted so the orchestrator, retention sweep,
// restore engine, and verification can be driven in tests by a fake
// standing in for the live SSH connection, without touching the real
// dial/handshake path.
type Commander interface {
	Run(ctx context.Context, cmd string) (string, error)
	StreamTo(ctx context.Context, cmd string, src io.Reader) error
	StreamFrom(ctx context.Context, cmd string, dst io.Writer) error
	ReadHead(ctx context.Context, remotePath string, n int) ([]byte, error)
	Close() error
}

// Executor holds a live SSH connection to one remote host. Callers obtain
// a fresh Session per command; the underlying *ssh.Client is reused.
type Executor struct {
	client *ssh.Client
	cfg    Config
	log    *zap.Logger
}

// Dial opens the SSH connection. The context bounds the TCP dial and
// handshake only — individual commands get their own deadlines via
// Session's context.
func Dial(ctx context.Context, cfg Config) (*Executor, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	key, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("sshexec: reading private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("sshexec: parsing private key: %w", err)
	}

	hostKeyCallback, err := acceptNewCallback(cfg.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("sshexec: known_hosts: %w", err)
	}

	sshCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.Timeout,
	}

	addr := net.JoinHostPort(cfg.Host, portString(cfg.Port))
	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialContext(ctx, dialer, addr)
	if err != nil {
		return nil, fmt.Errorf("sshexec: dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		return nil, fmt.Errorf("sshexec: handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	log.Info("ssh connected", zap.String("host", cfg.Host), zap.Int("port", cfg.Port))
	return &Executor{client: client, cfg: cfg, log: log}, nil
}

func dialContext(ctx context.Context, dialer net.Dialer, addr string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := dialer.Dial("tcp", addr)
		ch <- result{conn, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.conn, r.err
	}
}

// acceptNewCallback loads hostKeyPath if present and appends unknown host
// keys to it on first contact, refusing only a key that contradicts one
// already recorded (a changed host key, the classic MITM signal).
func acceptNewCallback(hostKeyPath string) (ssh.HostKeyCallback, error) {
	if err := os.MkdirAll(filepath.Dir(hostKeyPath), 0o700); err != nil {
		return nil, err
	}
	if _, err := os.Stat(hostKeyPath); os.IsNotExist(err) {
		if f, err := os.OpenFile(hostKeyPath, os.O_CREATE|os.O_WRONLY, 0o600); err != nil {
			return nil, err
		} else {
			f.Close()
		}
	}

	known, err := knownhosts.New(hostKeyPath)
	if err != nil {
		return nil, err
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := known(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if ok := asKeyError(err, &keyErr); ok && len(keyErr.Want) > 0 {
			// The host is known under a different key — refuse.
			return fmt.Errorf("sshexec: host key mismatch for %s: %w", hostname, err)
		}
		// Unknown host: append and accept.
		line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
		f, ferr := os.OpenFile(hostKeyPath, os.O_APPEND|os.O_WRONLY, 0o600)
		if ferr != nil {
			return ferr
		}
		defer f.Close()
		_, werr := f.WriteString(line + "\n")
		return werr
	}, nil
}

func asKeyError(err error, target **knownhosts.KeyError) bool {
	if ke, ok := err.(*knownhosts.KeyError); ok {
		*target = ke
		return true
	}
	return false
}

func portString(p int) string {
	if p == 0 {
		p = 22
	}
	return fmt.Sprintf("%d", p)
}

// Close terminates the underlying connection.
func (e *Executor) Close() error {
	return e.client.Close()
}

// Run executes cmd and returns its combined stdout+stderr. Intended for
// short commands (mkdir, stat, rm, ls) — it buffers the full output.
func (e *Executor) Run(ctx context.Context, cmd string) (string, error) {
	sess, err := e.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("sshexec: new session: %w", err)
	}
	defer sess.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			sess.Close()
		case <-done:
		}
	}()
	defer close(done)

	out, err := sess.CombinedOutput(cmd)
	if err != nil {
		return string(out), fmt.Errorf("sshexec: %q: %w: %s", cmd, err, out)
	}
	return string(out), nil
}

// StreamTo runs cmd on the remote host and copies src into its stdin,
// waiting for completion. Used for `cat > remote-path` style uploads.
func (e *Executor) StreamTo(ctx context.Context, cmd string, src io.Reader) error {
	sess, err := e.client.NewSession()
	if err != nil {
		return fmt.Errorf("sshexec: new session: %w", err)
	}
	defer sess.Close()

	stdin, err := sess.StdinPipe()
	if err != nil {
		return fmt.Errorf("sshexec: stdin pipe: %w", err)
	}
	var stderr bytes.Buffer
	sess.Stderr = &stderr

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			sess.Close()
		case <-done:
		}
	}()
	defer close(done)

	if err := sess.Start(cmd); err != nil {
		return fmt.Errorf("sshexec: start %q: %w", cmd, err)
	}

	if _, err := io.Copy(stdin, src); err != nil {
		stdin.Close()
		return fmt.Errorf("sshexec: copy to stdin: %w", err)
	}
	if err := stdin.Close(); err != nil {
		return fmt.Errorf("sshexec: close stdin: %w", err)
	}

	if err := sess.Wait(); err != nil {
		return fmt.Errorf("sshexec: %q: %w: %s", cmd, err, stderr.String())
	}
	return nil
}

// StreamFrom runs cmd on the remote host and copies its stdout into dst,
// waiting for completion. The symmetric counterpart to StreamTo, used for
// `cat remote-path` style downloads during restore.
func (e *Executor) StreamFrom(ctx context.Context, cmd string, dst io.Writer) error {
	sess, err := e.client.NewSession()
	if err != nil {
		return fmt.Errorf("sshexec: new session: %w", err)
	}
	defer sess.Close()

	stdout, err := sess.StdoutPipe()
	if err != nil {
		return fmt.Errorf("sshexec: stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	sess.Stderr = &stderr

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			sess.Close()
		case <-done:
		}
	}()
	defer close(done)

	if err := sess.Start(cmd); err != nil {
		return fmt.Errorf("sshexec: start %q: %w", cmd, err)
	}

	if _, err := io.Copy(dst, stdout); err != nil {
		return fmt.Errorf("sshexec: copy from stdout: %w", err)
	}

	if err := sess.Wait(); err != nil {
		return fmt.Errorf("sshexec: %q: %w: %s", cmd, err, stderr.String())
	}
	return nil
}

// ReadHead runs `head -c n` on remotePath and returns at most n bytes of
// its output, for the envelope-magic inspection verify does after transfer.
func (e *Executor) ReadHead(ctx context.Context, remotePath string, n int) ([]byte, error) {
	cmd := fmt.Sprintf("head -c %d %s", n, shellQuote(remotePath))
	sess, err := e.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("sshexec: new session: %w", err)
	}
	defer sess.Close()

	out, err := sess.Output(cmd)
	if err != nil {
		return nil, fmt.Errorf("sshexec: %q: %w", cmd, err)
	}
	return out, nil
}

// shellQuote wraps a path in single quotes, escaping embedded single
// quotes, so remote paths containing spaces survive command construction.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
