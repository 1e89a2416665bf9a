package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/scivault/ingestd/token"
)

// handleGetDataset resolves any of the four identifier forms and returns
// the record when the caller may read it. Anonymous callers get 401 on a
// private dataset so clients know logging in could help; authenticated
// callers that still lack access get 403.
func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	id := token.FromContext(r.Context())
	ownerHint := ""
	if id != nil {
		ownerHint = id.Email
	}
	d, err := s.resolver.Resolve(r.Context(), chi.URLParam(r, "identifier"), ownerHint)
	if err != nil {
		respondError(w, s.log, err)
		return
	}
	u := s.user(r.Context(), id)
	if !d.CanRead(u) {
		if u == nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
		} else {
			writeError(w, http.StatusForbidden, "forbidden")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dataset":      d,
		"downloadable": d.CanDownload(u),
	})
}
