package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"blinkpanel/internal/config"
	appLog "blinkpanel/internal/log"
	"blinkpanel/internal/spibus"
	"blinkpanel/internal/touch"
	"blinkpanel/internal/ui"
)

// DefaultStreamInterval is how often /ws/state checks for a new state.
const DefaultStreamInterval = 200 * time.Millisecond

// BusStats reports arbiter counters.
type BusStats interface {
	Stats() spibus.Stats
}

// TouchStats reports touch sampling counters.
type TouchStats interface {
	Stats() touch.Stats
}

// Deps are the running components the API reads from.
type Deps struct {
	Ch        *ui.Channel
	Refresher *ui.Refresher
	Bus       BusStats
	Touch     TouchStats // nil when no touch panel is configured
}

// Server provides the HTTP status API.
type Server struct {
	cfg  config.WebConfig
	deps Deps
	mux  *http.ServeMux

	// StreamInterval overrides DefaultStreamInterval when positive.
	StreamInterval time.Duration

	doneOnce sync.Once
	done     chan struct{}
}

// NewServer constructs a new Server.
func NewServer(cfg config.WebConfig, deps Deps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mux:  http.NewServeMux(),
		done: make(chan struct{}),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials disable auth rather than lock everyone out.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="blinkpanel", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Run serves on cfg.Listen until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("web: listen %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener. ln is closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer s.doneOnce.Do(func() { close(s.done) })

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	appLog.Info("starting HTTP server", "listen", "http://"+ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return fmt.Errorf("web: serve: %w", err)
	case <-ctx.Done():
	}

	s.doneOnce.Do(func() { close(s.done) })
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Warn("web: shutdown", "err", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web: serve: %w", err)
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/state", s.handleState)
	s.mux.HandleFunc("POST /api/repaint", s.handleRepaint)
	s.mux.HandleFunc("GET /preview.png", s.handlePreview)
	s.mux.Handle("GET /ws/state", websocket.Handler(s.handleStream))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// stateResponse is the JSON response shape for /api/state.
type stateResponse struct {
	State ui.State `json:"state"`
	// Rendered is false until the first frame reached the panel; State is
	// then the producers' latest value instead.
	Rendered bool          `json:"rendered"`
	Pending  bool          `json:"pending"`
	Frames   ui.FrameStats `json:"frames"`
	Bus      *spibus.Stats `json:"bus,omitempty"`
	Touch    *touch.Stats  `json:"touch,omitempty"`
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	var resp stateResponse
	if s.deps.Refresher != nil {
		resp.State, resp.Rendered = s.deps.Refresher.Last()
		resp.Frames = s.deps.Refresher.Stats()
	}
	if s.deps.Ch != nil {
		if !resp.Rendered {
			resp.State = s.deps.Ch.Snapshot()
		}
		resp.Pending = s.deps.Ch.Pending()
	}
	if s.deps.Bus != nil {
		st := s.deps.Bus.Stats()
		resp.Bus = &st
	}
	if s.deps.Touch != nil {
		st := s.deps.Touch.Stats()
		resp.Touch = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRepaint forces the next frame to redraw the whole panel.
func (s *Server) handleRepaint(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Ch == nil {
		writeError(w, http.StatusServiceUnavailable, "display not running")
		return
	}
	ui.RequestRepaint(s.deps.Ch)
	appLog.Info("web: repaint requested")
	writeJSON(w, http.StatusAccepted, map[string]uint64{"epoch": s.deps.Ch.Snapshot().Epoch})
}

// handlePreview encodes the canvas as PNG. The canvas holds what was last
// rendered, which may be ahead of the panel while a frame is in flight.
func (s *Server) handlePreview(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Refresher == nil {
		writeError(w, http.StatusServiceUnavailable, "display not running")
		return
	}
	img := s.deps.Refresher.Canvas().Snapshot()
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := png.Encode(w, img); err != nil {
		appLog.Error("web: encode preview failed", err)
	}
}

// handleStream pushes the shared state as JSON whenever it changes.
func (s *Server) handleStream(ws *websocket.Conn) {
	defer ws.Close()
	if s.deps.Ch == nil {
		return
	}
	interval := s.StreamInterval
	if interval <= 0 {
		interval = DefaultStreamInterval
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()

	peer := ws.Request().RemoteAddr
	appLog.Debug("web: stream opened", "peer", peer)
	var (
		last ui.State
		sent bool
	)
	for {
		if cur := s.deps.Ch.Snapshot(); !sent || cur != last {
			if err := websocket.JSON.Send(ws, cur); err != nil {
				appLog.Debug("web: stream closed", "peer", peer, "err", err)
				return
			}
			last, sent = cur, true
		}
		select {
		case <-s.done:
			return
		case <-tick.C:
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
