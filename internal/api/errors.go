package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/btrfsvault/btrfsvault/internal/orcherr"
)

// writeErr maps an orcherr.Kind (or a plain error) to the appropriate HTTP
// status and envelope, so handlers never have to repeat this switch.
func writeErr(w http.ResponseWriter, log *zap.Logger, err error) {
	kind, ok := orcherr.KindOf(err)
	if !ok {
		log.Warn("unclassified error", zap.Error(err))
		ErrInternal(w)
		return
	}

	switch kind {
	case orcherr.KindBusy:
		ErrConflict(w, err.Error())
	case orcherr.KindConfigInvalid:
		ErrBadRequest(w, err.Error())
	default:
		log.Warn("request failed", zap.Error(err))
		ErrInternal(w)
	}
}
