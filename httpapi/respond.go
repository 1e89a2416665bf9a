// Package httpapi is the HTTP boundary of the ingest service: a chi router
// over the upload, token, resolve, and catalog components. Domain errors
// stay typed inside those packages and are mapped to status codes here,
// and only here.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/scivault/ingestd/catalog"
	"github.com/scivault/ingestd/dbopen"
	"github.com/scivault/ingestd/remote"
	"github.com/scivault/ingestd/token"
	"github.com/scivault/ingestd/upload"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Missing []int  `json:"missing_chunks,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// respondError maps a domain error to its status code. Unrecognized errors
// become 500 with a generic body; the detail goes to the log only.
func respondError(w http.ResponseWriter, log *slog.Logger, err error) {
	var verr validator.ValidationErrors
	switch {
	case errors.Is(err, token.ErrBadCredentials),
		errors.Is(err, token.ErrInvalidToken),
		errors.Is(err, token.ErrInactiveUser):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, upload.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, catalog.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, catalog.ErrStaleState),
		errors.Is(err, catalog.ErrInvalidTransition),
		errors.Is(err, catalog.ErrDuplicate),
		errors.Is(err, upload.ErrSessionClosed),
		errors.Is(err, upload.ErrChunksMissing):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, upload.ErrTooLarge),
		errors.Is(err, upload.ErrUseChunked):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, upload.ErrChunkHashMismatch),
		errors.Is(err, upload.ErrOverallHashMismatch):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, upload.ErrChunkOutOfRange),
		errors.Is(err, upload.ErrEmptyFile),
		errors.Is(err, upload.ErrUnknownSensor),
		errors.Is(err, remote.ErrUnknownSource),
		errors.Is(err, catalog.ErrAmbiguousIdentifier),
		errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, err.Error())
	case dbopen.IsBusy(err):
		writeError(w, http.StatusServiceUnavailable, "storage busy, retry")
	default:
		if log != nil {
			log.Error("request failed", "err", err)
		}
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON parses a request body into dst with unknown fields rejected.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
