package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/scivault/ingestd/catalog"
	"github.com/scivault/ingestd/config"
	"github.com/scivault/ingestd/convert"
	"github.com/scivault/ingestd/observability"
	"github.com/scivault/ingestd/resolve"
	"github.com/scivault/ingestd/shield"
	"github.com/scivault/ingestd/token"
	"github.com/scivault/ingestd/upload"
)

// rateRules throttles the credential endpoints; the data path is bounded
// by auth and upload limits instead.
var rateRules = map[string]shield.Rule{
	"POST /api/auth/login":   {MaxRequests: 20, Window: time.Minute},
	"POST /api/auth/refresh": {MaxRequests: 60, Window: time.Minute},
}

// maxJSONBody caps JSON request bodies. Sized for the chunk hash list of a
// maximum-size chunked initiation.
const maxJSONBody = 16 << 20

// Server bundles the ingest API surface.
type Server struct {
	cat      *catalog.Catalog
	cfg      *config.Config
	tokens   *token.Service
	router   *upload.Router
	resolver *resolve.Resolver
	reg      *convert.Registry
	events   *observability.EventLogger
	reqlog   *observability.RequestLogger
	obsDB    *sql.DB
	limiter  *shield.RateLimiter
	log      *slog.Logger
}

// NewServer wires the API server. events, reqlog and obsDB may be nil.
func NewServer(cat *catalog.Catalog, cfg *config.Config, tokens *token.Service, router *upload.Router, resolver *resolve.Resolver, reg *convert.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cat:      cat,
		cfg:      cfg,
		tokens:   tokens,
		router:   router,
		resolver: resolver,
		reg:      reg,
		limiter:  shield.NewRateLimiter(rateRules),
		log:      log.With("component", "httpapi"),
	}
}

// WithObservability attaches the event trail, request log, and the
// observability DB used by the health endpoint.
func (s *Server) WithObservability(events *observability.EventLogger, reqlog *observability.RequestLogger, obsDB *sql.DB) *Server {
	s.events = events
	s.reqlog = reqlog
	s.obsDB = obsDB
	return s
}

// Routes builds the router with the full middleware stack.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
	r.Use(shield.MaxJSONBody(maxJSONBody))
	r.Use(s.limiter.Middleware)
	if s.reqlog != nil {
		r.Use(s.reqlog.Middleware)
	}
	r.Use(token.Middleware(s.tokens))

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Post("/refresh", s.handleRefresh)
		r.Get("/status", s.handleAuthStatus)
		r.Group(func(r chi.Router) {
			r.Use(token.RequireAuth)
			r.Post("/logout", s.handleLogout)
			r.Get("/me", s.handleMe)
		})
	})

	r.Route("/api/upload", func(r chi.Router) {
		r.Get("/supported-sources", s.handleSupportedSources)
		r.Get("/limits", s.handleLimits)
		r.Group(func(r chi.Router) {
			r.Use(token.RequireAuth)
			r.Post("/upload", s.handleDirectUpload)
			r.Post("/initiate-chunked", s.handleInitiateChunked)
			r.Post("/chunk", s.handleChunk)
			r.Post("/complete-chunked", s.handleCompleteChunked)
			r.Post("/initiate", s.handleInitiateRemote)
			r.Get("/status/{job_id}", s.handleStatus)
			r.Post("/cancel/{job_id}", s.handleCancel)
			r.Get("/jobs", s.handleJobs)
		})
	})

	r.Get("/api/v1/datasets/{identifier}", s.handleGetDataset)

	return r
}

// AuthRoutes builds the reduced surface of the standalone auth service:
// the auth endpoints and the health probe, nothing else.
func (s *Server) AuthRoutes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
	r.Use(shield.MaxJSONBody(maxJSONBody))
	r.Use(s.limiter.Middleware)
	if s.reqlog != nil {
		r.Use(s.reqlog.Middleware)
	}
	r.Use(token.Middleware(s.tokens))

	r.Get("/healthz", s.handleHealth)
	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Post("/refresh", s.handleRefresh)
		r.Get("/status", s.handleAuthStatus)
		r.Group(func(r chi.Router) {
			r.Use(token.RequireAuth)
			r.Post("/logout", s.handleLogout)
			r.Get("/me", s.handleMe)
		})
	})
	return r
}

// Serve runs the HTTP server until ctx is cancelled, then drains with a
// 10 second grace period.
func (s *Server) Serve(ctx context.Context, addr string) error {
	return s.ServeHandler(ctx, addr, s.Routes())
}

// ServeHandler runs an arbitrary handler with the same lifecycle as Serve.
// authd uses it to serve AuthRoutes.
func (s *Server) ServeHandler(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go s.limiter.Run(ctx)
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
	if s.obsDB != nil {
		hb, err := observability.LatestHeartbeat(r.Context(), s.obsDB, "dispatcher", time.Minute)
		if err == nil && hb != nil {
			resp["dispatcher"] = hb
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// user loads the catalog record behind an identity, or nil when anonymous.
func (s *Server) user(ctx context.Context, id *token.Identity) *catalog.User {
	if id == nil {
		return nil
	}
	u, err := s.cat.GetUserByID(ctx, id.UserID)
	if err != nil {
		return nil
	}
	return u
}
