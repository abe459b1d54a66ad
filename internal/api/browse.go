package api

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/btrfsvault/btrfsvault/internal/config"
	"github.com/btrfsvault/btrfsvault/internal/hostresolve"
	"github.com/btrfsvault/btrfsvault/internal/sshexec"
)

// BrowseHandler serves the two read-only remote-listing endpoints:
// /backup/browse and /restore/available-dates. Both dial a short-lived
// SSH connection per request rather than reusing the orchestrator's
// connection, since browsing happens independently of any run.
type BrowseHandler struct {
	cfg      *config.Config
	resolver *hostresolve.Resolver
	log      *zap.Logger
}

// NewBrowseHandler creates a BrowseHandler.
func NewBrowseHandler(cfg *config.Config, resolver *hostresolve.Resolver, log *zap.Logger) *BrowseHandler {
	return &BrowseHandler{cfg: cfg, resolver: resolver, log: log.Named("browse_handler")}
}

var monthPattern = regexp.MustCompile(`^[0-9]{6}$`)
var datePattern = regexp.MustCompile(`[0-9]{8}`)

func (h *BrowseHandler) dial(ctx context.Context) (*sshexec.Executor, error) {
	addr, err := h.resolver.Resolve(ctx, h.cfg.UnraidTailscaleName)
	if err != nil {
		return nil, fmt.Errorf("resolving remote host: %w", err)
	}
	return sshexec.Dial(ctx, sshexec.Config{
		Host:           addr,
		Port:           h.cfg.UnraidSSHPort,
		User:           h.cfg.UnraidUser,
		PrivateKeyPath: h.cfg.SSHKeyPath,
		KnownHostsPath: filepath.Join(filepath.Dir(h.cfg.SSHKeyPath), "known_hosts"),
		Timeout:        15 * time.Second,
		Logger:         h.log,
	})
}

// Browse handles GET /backup/browse?month=YYYYMM. With no month given it
// lists every month directory under the client's remote root; with one
// given it lists the full/incremental files inside it.
func (h *BrowseHandler) Browse(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	conn, err := h.dial(ctx)
	if err != nil {
		writeErr(w, h.log, err)
		return
	}
	defer conn.Close()

	root := fmt.Sprintf("%s/%s", h.cfg.UnraidBasePath, h.cfg.ClientName)
	month := r.URL.Query().Get("month")

	if month == "" {
		months, err := h.listMonths(ctx, conn, root)
		if err != nil {
			writeErr(w, h.log, err)
			return
		}
		Ok(w, envelope{"months": months})
		return
	}

	monthPath := fmt.Sprintf("%s/%s", root, month)
	full, _ := h.listFiles(ctx, conn, monthPath+"/full")
	incremental, _ := h.listFiles(ctx, conn, monthPath+"/incremental")
	Ok(w, envelope{"month": month, "full_backups": full, "incremental_backups": incremental})
}

// AvailableDates handles GET /restore/available-dates.
func (h *BrowseHandler) AvailableDates(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	conn, err := h.dial(ctx)
	if err != nil {
		writeErr(w, h.log, err)
		return
	}
	defer conn.Close()

	root := fmt.Sprintf("%s/%s", h.cfg.UnraidBasePath, h.cfg.ClientName)
	months, err := h.listMonths(ctx, conn, root)
	if err != nil {
		writeErr(w, h.log, err)
		return
	}

	type dateEntry struct {
		Date    string `json:"date"`
		Month   string `json:"month"`
		HasFull bool   `json:"has_full"`
		HasIncr bool   `json:"has_incremental"`
	}
	byDate := make(map[string]*dateEntry)

	for _, month := range months {
		monthPath := fmt.Sprintf("%s/%s", root, month)
		for _, kind := range []string{"full", "incremental"} {
			names, err := h.listFiles(ctx, conn, monthPath+"/"+kind)
			if err != nil {
				continue
			}
			for _, name := range names {
				date := datePattern.FindString(name)
				if date == "" {
					continue
				}
				e, ok := byDate[date]
				if !ok {
					e = &dateEntry{Date: date, Month: month}
					byDate[date] = e
				}
				if kind == "full" {
					e.HasFull = true
				} else {
					e.HasIncr = true
				}
			}
		}
	}

	dates := make([]*dateEntry, 0, len(byDate))
	for _, e := range byDate {
		dates = append(dates, e)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Date > dates[j].Date })
	Ok(w, envelope{"dates": dates})
}

func (h *BrowseHandler) listMonths(ctx context.Context, conn *sshexec.Executor, root string) ([]string, error) {
	out, err := conn.Run(ctx, fmt.Sprintf(`ls -1 %s 2>/dev/null || true`, shQuoteBrowse(root)))
	if err != nil {
		return nil, fmt.Errorf("listing months: %w", err)
	}
	var months []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if monthPattern.MatchString(line) {
			months = append(months, line)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(months)))
	return months, nil
}

func (h *BrowseHandler) listFiles(ctx context.Context, conn *sshexec.Executor, dir string) ([]string, error) {
	out, err := conn.Run(ctx, fmt.Sprintf(`ls -1 %s 2>/dev/null || true`, shQuoteBrowse(dir)))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if strings.TrimSpace(line) != "" {
			names = append(names, strings.TrimSpace(line))
		}
	}
	return names, nil
}

func shQuoteBrowse(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
