package api

import (
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/btrfsvault/btrfsvault/internal/config"
	"github.com/btrfsvault/btrfsvault/internal/scheduler"
)

// SettingsHandler serves GET/PUT /settings. Config is held in memory and
// persisted to disk on every successful update; a reload is pushed to the
// scheduler so a changed schedule takes effect without a restart.
type SettingsHandler struct {
	path string
	sch  *scheduler.Scheduler
	log  *zap.Logger

	mu  sync.Mutex
	cfg *config.Config
}

// NewSettingsHandler creates a SettingsHandler over the already-loaded cfg.
func NewSettingsHandler(path string, cfg *config.Config, sch *scheduler.Scheduler, log *zap.Logger) *SettingsHandler {
	return &SettingsHandler{path: path, sch: sch, cfg: cfg, log: log.Named("settings_handler")}
}

// Get handles GET /settings.
func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	cfg := *h.cfg
	h.mu.Unlock()
	Ok(w, cfg)
}

// Update handles PUT /settings. The submitted document is decoded over a
// copy of the current config, so fields it omits keep their current
// values.
func (h *SettingsHandler) Update(w http.ResponseWriter, r *http.Request) {
	next := *h.currentForDecode()
	if !decodeJSON(w, r, &next) {
		return
	}
	if err := next.Validate(); err != nil {
		ErrBadRequest(w, err.Error())
		return
	}

	h.mu.Lock()
	if err := next.Save(h.path); err != nil {
		h.mu.Unlock()
		h.log.Warn("failed to persist settings", zap.Error(err))
		ErrInternal(w)
		return
	}
	*h.cfg = next
	cfg := *h.cfg
	h.mu.Unlock()

	if err := h.sch.Reload(&cfg); err != nil {
		h.log.Warn("failed to reload schedule after settings update", zap.Error(err))
	}

	Ok(w, cfg)
}

func (h *SettingsHandler) currentForDecode() *config.Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	cfg := *h.cfg
	return &cfg
}
