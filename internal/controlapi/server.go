package controlapi

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/Resinat/Resin/internal/config"
	"github.com/Resinat/Resin/internal/manager"
	"github.com/Resinat/Resin/internal/settingsstore"
)

// Server wraps the HTTP server and mux for the control surface.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a new control-surface server wired with every
// provider status/registration and config route. store may be nil
// (PATCH /config then only updates the in-memory RuntimeConfig,
// without persisting).
func NewServer(
	listenAddress string,
	port int,
	adminToken string,
	apiMaxBodyBytes int64,
	reg *manager.Registry,
	runtimeCfg *atomic.Pointer[config.RuntimeConfig],
	store *settingsstore.Store,
	nowNs func() int64,
) *Server {
	mux := http.NewServeMux()

	mux.Handle("GET /healthz", HandleHealthz())

	authed := http.NewServeMux()
	authed.Handle("GET /providers", HandleListProviders(reg))
	authed.Handle("GET /providers/{name}/status", HandleProviderStatus(reg))
	authed.Handle("GET /providers/{name}/registrations", HandleProviderRegistrations(reg))
	authed.Handle("GET /config", HandleGetConfig(runtimeCfg))
	authed.Handle("PATCH /config", HandlePatchConfig(runtimeCfg, store, nowNs))

	limitedAuthed := RequestBodyLimitMiddleware(apiMaxBodyBytes, authed)
	mux.Handle("/", AuthMiddleware(adminToken, limitedAuthed))

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", listenAddress, port),
		Handler: mux,
	}

	return &Server{httpServer: srv, mux: mux}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}
