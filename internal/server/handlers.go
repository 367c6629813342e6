package server

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-chi/chi/v5"

	"vpn-netns-proxy/internal/catalog"
	"vpn-netns-proxy/internal/proxy"
)

var slugPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

const maxHistoryLimit = 500

func (s *Server) handleListVPNs(w http.ResponseWriter, r *http.Request) {
	vpns, err := s.proxies.VPNs(r.Context())
	if err != nil {
		writeProxyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vpns": vpns})
}

func (s *Server) handleListProxies(w http.ResponseWriter, r *http.Request) {
	proxies, err := s.proxies.List(r.Context())
	if err != nil {
		writeProxyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proxies": proxies})
}

func (s *Server) handleStartProxy(w http.ResponseWriter, r *http.Request) {
	req, ok := requireRequestParam(w, r)
	if !ok {
		return
	}
	var result proxy.Result
	err := s.serialize(r.Context(), func(ctx context.Context) error {
		var err error
		result, err = s.proxies.Start(ctx, req)
		return err
	})
	if err != nil {
		writeProxyError(w, err)
		return
	}
	status := http.StatusCreated
	if result.Reused {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (s *Server) handleGetProxy(w http.ResponseWriter, r *http.Request) {
	req, ok := requireRequestParam(w, r)
	if !ok {
		return
	}
	var port int
	err := s.serialize(r.Context(), func(ctx context.Context) error {
		var err error
		port, err = s.proxies.Get(ctx, req)
		return err
	})
	if err != nil {
		writeProxyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"slug": req.String(), "port": port})
}

func (s *Server) handleStopProxy(w http.ResponseWriter, r *http.Request) {
	req, ok := requireRequestParam(w, r)
	if !ok {
		return
	}
	if req.IsRandom() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "stop requires a vpn slug"})
		return
	}
	err := s.serialize(r.Context(), func(ctx context.Context) error {
		return s.proxies.Stop(ctx, req.Slug())
	})
	if err != nil {
		writeProxyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var stopped int
	err := s.serialize(r.Context(), func(ctx context.Context) error {
		var err error
		stopped, err = s.proxies.CleanupIdle(ctx)
		return err
	})
	if err != nil {
		writeProxyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"stopped": stopped})
}

func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	var rot proxy.Rotation
	err := s.serialize(r.Context(), func(ctx context.Context) error {
		var err error
		rot, err = s.proxies.RotateRandom(ctx)
		return err
	})
	if err != nil {
		writeProxyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rot)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.proxies.Status(r.Context())
	if err != nil {
		writeProxyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "history unavailable"})
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	events, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func requireRequestParam(w http.ResponseWriter, r *http.Request) (proxy.Request, bool) {
	raw := chi.URLParam(r, "slug")
	if !slugPattern.MatchString(raw) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid vpn slug"})
		return proxy.Request{}, false
	}
	req, err := proxy.ParseRequest(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return proxy.Request{}, false
	}
	return req, true
}

func writeProxyError(w http.ResponseWriter, err error) {
	var perr *proxy.ProvisionError
	switch {
	case errors.Is(err, proxy.ErrNotRunning), errors.Is(err, catalog.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, catalog.ErrEmpty):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, proxy.ErrNoFreePort):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	case errors.As(err, &perr):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error(), "stage": perr.Stage})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}
