package token

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type identityKey struct{}

// CookieName is the fallback cookie carrying the access token for browser
// clients that cannot set an Authorization header.
const CookieName = "ingestd_token"

// Middleware extracts a bearer token from the Authorization header
// (preferred) or the session cookie, validates it, and injects the
// Identity into the request context. Invalid or missing tokens pass
// through unauthenticated; RequireAuth enforces.
func Middleware(s *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := bearerToken(r)
			if tokenStr == "" {
				if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
					tokenStr = c.Value
				}
			}
			if tokenStr == "" {
				next.ServeHTTP(w, r)
				return
			}
			id, err := s.Validate(r.Context(), tokenStr)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
		})
	}
}

// RawToken returns the bearer secret carried by the request, header
// preferred over cookie, or "" when absent. Logout needs the raw secret to
// revoke the matching descriptor.
func RawToken(r *http.Request) string {
	if t := bearerToken(r); t != "" {
		return t
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return c.Value
	}
	return ""
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return h[7:]
	}
	return ""
}

// FromContext returns the validated Identity, or nil when the request is
// unauthenticated.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// RequireAuth rejects unauthenticated requests with a 401 JSON body. This
// is an API, not a browser flow, so there is no login redirect.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if FromContext(r.Context()) == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "authentication required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SetTokenCookie writes the access token as an HttpOnly cookie for
// browser clients.
func SetTokenCookie(w http.ResponseWriter, tokenStr string, maxAge int, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    tokenStr,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   secure,
	})
}

// ClearTokenCookie removes the session cookie.
func ClearTokenCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}
