package admin

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/maxpert/livebind/cfg"
	"github.com/maxpert/livebind/telemetry"
	"github.com/rs/zerolog/log"
)

// NewRouter builds the admin routes. Blob downloads and /metrics stay open so
// attachment URLs work in browsers and scrapers need no token.
func NewRouter(h *Handlers, secret string) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/blobs/{folder}/{id}", h.handleBlob)
	if mh := telemetry.GetMetricsHandler(); mh != nil {
		r.Handle("/metrics", mh)
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(secret))
		r.Get("/files/{id}", h.handleRecord)
		r.Get("/bindings", h.handleBindings)
		r.Get("/values/*", h.handleValue)

		r.Route("/feed", func(r chi.Router) {
			r.Get("/", h.handleFeedStatus)
			r.Get("/events", h.handleFeedEvents)
		})
	})

	return r
}

// Server runs the admin router on the configured address
type Server struct {
	srv *http.Server
}

// NewServer creates a server from the [admin] section
func NewServer(h *Handlers, conf cfg.AdminConfiguration) *Server {
	addr := net.JoinHostPort(conf.BindAddress, strconv.Itoa(conf.Port))
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(h, conf.Secret),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start listens in the background. Listen errors are returned synchronously.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.srv.Addr, err)
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Admin server stopped")
		}
	}()

	log.Info().Str("address", s.srv.Addr).Msg("Admin server listening")
	return nil
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
