// Package server exposes the proxy manager over a small authenticated JSON API.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"vpn-netns-proxy/internal/catalog"
	"vpn-netns-proxy/internal/history"
	"vpn-netns-proxy/internal/proxy"
	"vpn-netns-proxy/internal/version"
)

// Proxies is the proxy manager surface the API drives.
type Proxies interface {
	Start(ctx context.Context, req proxy.Request) (proxy.Result, error)
	Stop(ctx context.Context, slug string) error
	Get(ctx context.Context, req proxy.Request) (int, error)
	List(ctx context.Context) ([]proxy.Proxy, error)
	CleanupIdle(ctx context.Context) (int, error)
	RotateRandom(ctx context.Context) (proxy.Rotation, error)
	Status(ctx context.Context) (proxy.Status, error)
	VPNs(ctx context.Context) ([]catalog.VPN, error)
}

// History lists journal events.
type History interface {
	Recent(ctx context.Context, limit int) ([]history.Event, error)
}

// Serializer runs a mutation on the owning goroutine.
type Serializer func(ctx context.Context, fn func(ctx context.Context) error) error

// Options configures a Server. Auth and History may be nil.
type Options struct {
	Proxies   Proxies
	History   History
	Serialize Serializer
	Auth      func(http.Handler) http.Handler
}

// Server handles HTTP requests.
type Server struct {
	proxies   Proxies
	history   History
	serialize Serializer
	auth      func(http.Handler) http.Handler
}

// New creates an API server.
func New(opts Options) (*Server, error) {
	if opts.Proxies == nil {
		return nil, errors.New("proxy manager is required")
	}
	serialize := opts.Serialize
	if serialize == nil {
		serialize = func(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }
	}
	return &Server{
		proxies:   opts.Proxies,
		history:   opts.History,
		serialize: serialize,
		auth:      opts.Auth,
	}, nil
}

// Router constructs the http.Handler with all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if s.auth != nil {
		r.Use(s.auth)
	}

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(api chi.Router) {
		api.Get("/vpns", s.handleListVPNs)
		api.Get("/proxies", s.handleListProxies)
		api.Post("/proxies/{slug}", s.handleStartProxy)
		api.Get("/proxies/{slug}", s.handleGetProxy)
		api.Delete("/proxies/{slug}", s.handleStopProxy)
		api.Post("/cleanup", s.handleCleanup)
		api.Post("/rotate-random", s.handleRotate)
		api.Get("/status", s.handleStatus)
		api.Get("/history", s.handleHistory)
		api.Get("/version", s.handleVersion)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.For("vpnproxyd"))
}
