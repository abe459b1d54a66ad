package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/btrfsvault/btrfsvault/internal/restore"
)

// RestoreHandler serves /restore/*.
type RestoreHandler struct {
	engine *restore.Engine
	log    *zap.Logger
}

// NewRestoreHandler creates a RestoreHandler.
func NewRestoreHandler(engine *restore.Engine, log *zap.Logger) *RestoreHandler {
	return &RestoreHandler{engine: engine, log: log.Named("restore_handler")}
}

type startRestoreRequest struct {
	BackupDate string   `json:"backup_date"`
	BackupType string   `json:"backup_type"`
	Subvolumes []string `json:"subvolumes"`
	TargetPath string   `json:"target_path"`
	VerifyOnly bool     `json:"verify_only"`
}

// Start handles POST /restore/start. Runs synchronously and returns
// per-subvolume results — restore operations are infrequent and operator-
// initiated, unlike the scheduled backup path, so there is no need for
// the fire-and-poll pattern backup/start uses.
func (h *RestoreHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startRestoreRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Subvolumes) == 0 {
		ErrBadRequest(w, "no subvolumes selected for restore")
		return
	}

	results, err := h.engine.Run(r.Context(), restore.Request{
		BackupDate: req.BackupDate,
		BackupType: req.BackupType,
		Subvolumes: req.Subvolumes,
		TargetDir:  req.TargetPath,
		VerifyOnly: req.VerifyOnly,
	})
	if err != nil {
		writeErr(w, h.log, err)
		return
	}
	Ok(w, envelope{"results": results})
}

// Status handles GET /restore/status.
func (h *RestoreHandler) Status(w http.ResponseWriter, r *http.Request) {
	Ok(w, envelope{"running": h.engine.Running()})
}

type verifyRestoreRequest struct {
	BackupDate string   `json:"backup_date"`
	BackupType string   `json:"backup_type"`
	Subvolumes []string `json:"subvolumes"`
}

// Verify handles POST /restore/verify — identical to Start but always
// verify-only, matching the original system's separate verify endpoint.
func (h *RestoreHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRestoreRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Subvolumes) == 0 {
		ErrBadRequest(w, "no subvolumes selected for verification")
		return
	}

	results, err := h.engine.Run(r.Context(), restore.Request{
		BackupDate: req.BackupDate,
		BackupType: req.BackupType,
		Subvolumes: req.Subvolumes,
		VerifyOnly: true,
	})
	if err != nil {
		writeErr(w, h.log, err)
		return
	}
	Ok(w, envelope{"results": results})
}
