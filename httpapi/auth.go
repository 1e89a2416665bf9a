package httpapi

import (
	"net/http"

	"github.com/scivault/ingestd/observability"
	"github.com/scivault/ingestd/token"
)

type loginRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name,omitempty"`
	Password string `json:"password,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	pair, u, err := s.tokens.Login(r.Context(), req.Email, req.Name, req.Password)
	if err != nil {
		respondError(w, s.log, err)
		return
	}
	token.SetTokenCookie(w, pair.AccessToken, int(pair.ExpiresIn), r.TLS != nil)
	s.events.Log(r.Context(), observability.Event{
		Type: observability.EventLogin, UserEmail: u.Email, Success: true,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"token_type":    pair.TokenType,
		"expires_in":    pair.ExpiresIn,
		"user": map[string]any{
			"user_id":        u.UserID,
			"email":          u.Email,
			"name":           u.Name,
			"email_verified": u.EmailVerified,
		},
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refresh_token required")
		return
	}
	pair, err := s.tokens.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		respondError(w, s.log, err)
		return
	}
	token.SetTokenCookie(w, pair.AccessToken, int(pair.ExpiresIn), r.TLS != nil)
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	id := token.FromContext(r.Context())
	if raw := token.RawToken(r); raw != "" {
		if err := s.tokens.Logout(r.Context(), raw); err != nil {
			respondError(w, s.log, err)
			return
		}
	}
	token.ClearTokenCookie(w)
	s.events.Log(r.Context(), observability.Event{
		Type: observability.EventLogout, UserEmail: id.Email, Success: true,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// handleAuthStatus tells a client whether its bearer or cookie currently
// validates, without forcing a 401.
func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{
		"authenticated": token.FromContext(r.Context()) != nil,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	id := token.FromContext(r.Context())
	u := s.user(r.Context(), id)
	if u == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": u.UserID,
		"email":   u.Email,
		"name":    u.Name,
		"team_id": u.TeamID,
	})
}
