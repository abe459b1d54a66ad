// Package verify checks a freshly uploaded artifact before it is allowed
// into the ledger: its remote size must match what was sent, and its
// first bytes must carry the envelope's magic header.
package verify

import (
	"context"
	"fmt"
	"strings"

	"github.com/btrfsvault/btrfsvault/internal/cryptopipe"
	"github.com/btrfsvault/btrfsvault/internal/orcherr"
	"github.com/btrfsvault/btrfsvault/internal/sshexec"
)

// Result is the outcome of verifying one remote artifact.
type Result struct {
	SizeMatch   bool
	MagicValid  bool
	RemoteSize  int64
	ExpectedSize int64
}

// OK reports whether both checks passed.
func (r Result) OK() bool { return r.SizeMatch && r.MagicValid }

// Exists reports whether remotePath is present on the remote host,
// without checking its size or contents.
func Exists(ctx context.Context, exec sshexec.Commander, remotePath string) (bool, error) {
	if _, err := exec.Run(ctx, fmt.Sprintf("stat -c %%s %s", shellQuote(remotePath))); err != nil {
		return false, nil
	}
	return true, nil
}

// RemoteFile checks that remotePath has the expected size and a valid
// envelope header, using exec.
func RemoteFile(ctx context.Context, exec sshexec.Commander, remotePath string, expectedSize int64) (Result, error) {
	out, err := exec.Run(ctx, fmt.Sprintf("stat -c %%s %s", shellQuote(remotePath)))
	if err != nil {
		return Result{}, orcherr.New(orcherr.KindVerifyFailed, "verify.RemoteFile", err)
	}

	var remoteSize int64
	if _, serr := fmt.Sscanf(out, "%d", &remoteSize); serr != nil {
		return Result{}, orcherr.New(orcherr.KindVerifyFailed, "verify.RemoteFile", fmt.Errorf("parsing stat output %q: %w", out, serr))
	}

	head, err := exec.ReadHead(ctx, remotePath, 16)
	if err != nil {
		return Result{}, orcherr.New(orcherr.KindVerifyFailed, "verify.RemoteFile", err)
	}

	return Result{
		SizeMatch:    remoteSize == expectedSize,
		MagicValid:   cryptopipe.PeekMagic(head),
		RemoteSize:   remoteSize,
		ExpectedSize: expectedSize,
	}, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
