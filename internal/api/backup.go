package api

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/btrfsvault/btrfsvault/internal/ledger"
	"github.com/btrfsvault/btrfsvault/internal/orchestrator"
)

// BackupHandler serves /backup/*.
type BackupHandler struct {
	orch   *orchestrator.Orchestrator
	ledger ledger.Ledger
	log    *zap.Logger
}

// NewBackupHandler creates a BackupHandler.
func NewBackupHandler(orch *orchestrator.Orchestrator, l ledger.Ledger, log *zap.Logger) *BackupHandler {
	return &BackupHandler{orch: orch, ledger: l, log: log.Named("backup_handler")}
}

type startBackupRequest struct {
	ForceFull bool `json:"force_full"`
}

// Start handles POST /backup/start.
func (h *BackupHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startBackupRequest
	if r.ContentLength > 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	if err := h.orch.Start(orchestrator.Options{ForceFull: req.ForceFull}); err != nil {
		writeErr(w, h.log, err)
		return
	}

	progress, _ := h.orch.Status()
	Ok(w, progress)
}

// Status handles GET /backup/status.
func (h *BackupHandler) Status(w http.ResponseWriter, r *http.Request) {
	progress, running := h.orch.Status()
	if !running {
		Ok(w, envelope{"running": false})
		return
	}
	Ok(w, envelope{"running": true, "progress": progress})
}

// Cancel handles DELETE /backup/cancel.
func (h *BackupHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.Cancel(); err != nil {
		ErrNotFound(w, err.Error())
		return
	}
	Ok(w, envelope{"message": "backup cancellation requested"})
}

// History handles GET /backup/history.
func (h *BackupHandler) History(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	runs, total, err := h.ledger.ListRuns(r.Context(), limit, offset)
	if err != nil {
		writeErr(w, h.log, err)
		return
	}
	Ok(w, envelope{"runs": runs, "total": total})
}

// HistoryByID handles GET /backup/history/{id}.
func (h *BackupHandler) HistoryByID(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		ErrBadRequest(w, err.Error())
		return
	}

	run, err := h.ledger.GetRun(r.Context(), id)
	if err != nil {
		if err == ledger.ErrNotFound {
			ErrNotFound(w, "backup run not found")
			return
		}
		writeErr(w, h.log, err)
		return
	}
	Ok(w, run)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
