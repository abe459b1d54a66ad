package api

import (
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/btrfsvault/btrfsvault/internal/config"
	"github.com/btrfsvault/btrfsvault/internal/setupscript"
)

// SetupHandler serves GET /setup/script, rendering the one-shot remote
// provisioning script an operator runs on the Unraid host.
type SetupHandler struct {
	cfg *config.Config
	log *zap.Logger
}

// NewSetupHandler creates a SetupHandler.
func NewSetupHandler(cfg *config.Config, log *zap.Logger) *SetupHandler {
	return &SetupHandler{cfg: cfg, log: log.Named("setup_handler")}
}

// Script handles GET /setup/script.
func (h *SetupHandler) Script(w http.ResponseWriter, r *http.Request) {
	pubKeyPath := h.cfg.SSHKeyPath + ".pub"
	pubKey, err := os.ReadFile(pubKeyPath)
	if err != nil {
		h.log.Warn("ssh public key not readable", zap.String("path", pubKeyPath), zap.Error(err))
		ErrBadRequest(w, "ssh public key not available yet — generate the daemon's SSH key pair first")
		return
	}

	script, err := setupscript.Render(setupscript.Params{
		ClientName: h.cfg.ClientName,
		BasePath:   h.cfg.UnraidBasePath,
		UnraidUser: h.cfg.UnraidUser,
		PublicKey:  string(pubKey),
	})
	if err != nil {
		writeErr(w, h.log, err)
		return
	}

	w.Header().Set("Content-Type", "text/x-shellscript")
	w.Header().Set("Content-Disposition", `attachment; filename="btrfsvault-setup.sh"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(script))
}
