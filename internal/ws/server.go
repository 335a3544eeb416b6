package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/devicemux/backend/internal/adb"
	"github.com/devicemux/backend/internal/mux"
	"github.com/devicemux/backend/internal/session"
)

const (
	tokenHeader  = "X-Devicemux-Token"
	maxFrameSize = 64 << 10
)

// ProcessLister reports the adb server processes running on this host.
type ProcessLister func(ctx context.Context) ([]adb.ServerProcess, error)

type Options struct {
	AllowedOrigins []string
	AuthToken      string
	Processes      ProcessLister
	Logger         *slog.Logger
}

type Server struct {
	registry       *mux.Registry
	sessions       *session.Manager
	broadcaster    *Broadcaster
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
	processes      ProcessLister
	logger         *slog.Logger
}

func NewServer(registry *mux.Registry, sessions *session.Manager, broadcaster *Broadcaster, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry:       registry,
		sessions:       sessions,
		broadcaster:    broadcaster,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      opts.AuthToken,
		processes:      opts.Processes,
		logger:         logger.With("component", "server"),
	}

	for _, origin := range opts.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

// Routes returns the HTTP handler of the server.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	r.Get("/ws", s.handleWS)
	r.Get("/api/health", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/api/devices", s.handleDevices)
		r.Get("/api/state", s.handleState)
		r.Get("/api/sessions", s.handleSessions)
		r.Delete("/api/sessions/{id}", s.handleCloseSession)
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID := strings.TrimSpace(r.URL.Query().Get("session"))
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if sessionID == mux.WildcardSession {
		http.Error(w, "reserved session id", http.StatusBadRequest)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade error", "err", err)
		return
	}

	c, err := s.broadcaster.AddClient(conn, sessionID)
	if err != nil {
		s.logger.Warn("ws client rejected", "remote", r.RemoteAddr, "session", sessionID, "err", err)
		reason := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, reason, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	s.sessions.OpenSession(sessionID)
	s.logger.Info("ws client connected", "remote", r.RemoteAddr, "session", sessionID)
	go s.readLoop(c)
}

// readLoop dispatches the commands of one client until it disconnects, then
// closes its session.
func (s *Server) readLoop(c *client) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		s.sessions.CloseSession(c.session)
		s.broadcaster.RemoveClient(c)
		s.logger.Info("ws client disconnected", "session", c.session)
	}()

	c.conn.SetReadLimit(maxFrameSize)
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		var cmd CommandMessage
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.broadcaster.sendTo(c.session, WSMessage{Type: MsgError, Payload: ErrorPayload{Error: "malformed command"}})
			continue
		}

		go func() {
			resp, ok := s.sessions.Dispatch(ctx, cmd.request(c.session))
			if ok {
				s.broadcaster.Reply(c.session, cmd.ID, resp)
			}
		}()
	}
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.registry.ListAvailableDevices(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Snapshot())
}

type sessionInfo struct {
	ID      string   `json:"id"`
	Devices []string `json:"devices"`
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	ids := s.sessions.IDs()
	out := make([]sessionInfo, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.sessions.Get(id); ok {
			out = append(out, sessionInfo{ID: id, Devices: c.Devices()})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.sessions.Get(id); !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.sessions.CloseSession(id)
	w.WriteHeader(http.StatusNoContent)
}

type healthResponse struct {
	Status     string              `json:"status"`
	Clients    int                 `json:"clients"`
	Sessions   int                 `json:"sessions"`
	Devices    int                 `json:"devices"`
	ADBServers []adb.ServerProcess `json:"adbServers,omitempty"`
	ADBError   string              `json:"adbError,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:   "ok",
		Clients:  s.broadcaster.ClientCount(),
		Sessions: s.sessions.Count(),
		Devices:  len(s.registry.Snapshot()),
	}
	if s.processes != nil {
		procs, err := s.processes(r.Context())
		if err != nil {
			resp.ADBError = err.Error()
		} else {
			resp.ADBServers = procs
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get(tokenHeader) == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, ErrorPayload{Error: message})
}
