// Package hostresolve turns a configured remote name into a dialable
// address, preferring the local Tailscale daemon's view of the network
// when enabled, falling back to treating the name as a literal
// host/IP otherwise. Every caller needing the remote address across the
// backup, restore, and retention pipelines goes through here instead of
// repeating the `tailscale status --json` shellout.
package hostresolve

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// tailscaleStatus is the subset of `tailscale status --json` this package
// reads: a map of peer info keyed by node identity, each carrying the
// peer's DNS name and its Tailscale IPs.
type tailscaleStatus struct {
	Peer map[string]struct {
		DNSName       string   `json:"DNSName"`
		TailscaleIPs  []string `json:"TailscaleIPs"`
		HostName      string   `json:"HostName"`
		Online        bool     `json:"Online"`
	} `json:"Peer"`
}

// Resolver resolves a configured remote name to an address.
type Resolver struct {
	UseTailscale bool
	Log          *zap.Logger
}

// New returns a Resolver.
func New(useTailscale bool, log *zap.Logger) *Resolver {
	return &Resolver{UseTailscale: useTailscale, Log: log}
}

// Resolve returns the address to dial for name. When Tailscale is
// enabled it looks the name up among known peers by HostName or DNSName
// and returns its first Tailscale IP; if Tailscale is disabled, or the
// peer isn't found, name is returned unchanged and left to normal DNS.
func (r *Resolver) Resolve(ctx context.Context, name string) (string, error) {
	if !r.UseTailscale || name == "" {
		return name, nil
	}

	cmd := exec.CommandContext(ctx, "tailscale", "status", "--json")
	out, err := cmd.Output()
	if err != nil {
		r.Log.Warn("tailscale status failed, falling back to literal host", zap.String("host", name), zap.Error(err))
		return name, nil
	}

	var status tailscaleStatus
	if err := json.Unmarshal(out, &status); err != nil {
		return "", fmt.Errorf("hostresolve: parsing tailscale status: %w", err)
	}

	for _, peer := range status.Peer {
		if matchesName(peer.HostName, name) || matchesName(peer.DNSName, name) {
			if len(peer.TailscaleIPs) == 0 {
				continue
			}
			return peer.TailscaleIPs[0], nil
		}
	}

	r.Log.Warn("tailscale peer not found, falling back to literal host", zap.String("host", name))
	return name, nil
}

func matchesName(candidate, name string) bool {
	candidate = strings.TrimSuffix(strings.ToLower(candidate), ".")
	return candidate == strings.ToLower(name)
}
