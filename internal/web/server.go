// Package web exposes the session manager's command surface over HTTP and
// WebSocket.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/asheshgoplani/termdeck/internal/adapter"
	"github.com/asheshgoplani/termdeck/internal/logging"
	"github.com/asheshgoplani/termdeck/internal/session"
	"github.com/asheshgoplani/termdeck/internal/statedb"
	"github.com/asheshgoplani/termdeck/internal/termbuf"
	"github.com/asheshgoplani/termdeck/internal/termquery"
	"github.com/asheshgoplani/termdeck/internal/termstate"
)

var webLog = logging.ForComponent(logging.CompWeb)

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr string
	// Token enables bearer/query token auth when non-empty.
	Token string
	// VAPIDPublicKey is handed to browsers subscribing to push.
	VAPIDPublicKey string
	// NotificationsDefault applies before the preference is first set.
	NotificationsDefault bool
}

// SessionManager is the command surface served over HTTP.
type SessionManager interface {
	Create(ctx context.Context, req session.CreateRequest) error
	Write(id, data string) bool
	Resize(id string, cols, rows int) bool
	Kill(id string) bool
	Exists(id string) bool
	GetBuffer(id string) (string, bool)
	GetBufferSince(id string, after uint64) ([]termbuf.Chunk, uint64, bool)
	ClearBuffer(id string) (uint64, bool)
	List() []session.Info
	GetState(id string) (termstate.State, bool)
	Validate(mode adapter.Mode) ([]adapter.ValidationCheck, error)
	SetTheme(t termquery.Theme) error
	Events() *session.Hub
}

// Store persists preferences and push subscriptions.
type Store interface {
	BoolPreference(key string, def bool) bool
	SetBoolPreference(key string, v bool) error
	UpsertPushSubscription(sub statedb.PushSubscriptionRow) error
	RemovePushSubscription(endpoint string) error
	ListPushSubscriptions() ([]statedb.PushSubscriptionRow, error)
}

// Server wraps an HTTP server for termdeck serve.
type Server struct {
	cfg        Config
	sessions   SessionManager
	store      Store
	httpServer *http.Server
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewServer creates a new web server with routes and middleware. store may
// be nil, which disables the preference and push endpoints.
func NewServer(cfg Config, sessions SessionManager, store Store) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:7420"
	}

	s := &Server{cfg: cfg, sessions: sessions, store: store}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /api/sessions", s.requireAuth(s.handleCreate))
	mux.HandleFunc("GET /api/sessions", s.requireAuth(s.handleList))
	mux.HandleFunc("GET /api/sessions/{id}", s.requireAuth(s.handleGetSession))
	mux.HandleFunc("DELETE /api/sessions/{id}", s.requireAuth(s.handleKill))
	mux.HandleFunc("POST /api/sessions/{id}/write", s.requireAuth(s.handleWrite))
	mux.HandleFunc("POST /api/sessions/{id}/resize", s.requireAuth(s.handleResize))
	mux.HandleFunc("GET /api/sessions/{id}/buffer", s.requireAuth(s.handleBuffer))
	mux.HandleFunc("POST /api/sessions/{id}/clear", s.requireAuth(s.handleClear))
	mux.HandleFunc("GET /api/validate/{mode}", s.requireAuth(s.handleValidate))
	mux.HandleFunc("PUT /api/theme", s.requireAuth(s.handleTheme))

	mux.HandleFunc("GET /api/preferences/notifications", s.requireAuth(s.handleGetNotificationPref))
	mux.HandleFunc("PUT /api/preferences/notifications", s.requireAuth(s.handlePutNotificationPref))
	mux.HandleFunc("GET /api/push/config", s.requireAuth(s.handlePushConfig))
	mux.HandleFunc("POST /api/push/subscribe", s.requireAuth(s.handlePushSubscribe))
	mux.HandleFunc("POST /api/push/unsubscribe", s.requireAuth(s.handlePushUnsubscribe))

	mux.HandleFunc("GET /ws/events", s.requireAuth(s.handleEventsWS))
	mux.HandleFunc("GET /ws/session/{id}", s.requireAuth(s.handleSessionWS))

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          logging.NewStdLogger(logging.CompWeb, slog.LevelWarn),
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server and blocks until shutdown or error.
// Returns nil on graceful shutdown.
func (s *Server) Start() error {
	webLog.Info("server_listening", slog.String("addr", s.cfg.ListenAddr), slog.Bool("auth", s.cfg.Token != ""))
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	err := s.httpServer.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	// Signal long-lived handlers (WS) to stop promptly.
	s.cancelBase()

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}

	// Long-lived connections may still block graceful shutdown. Force close
	// as a fallback so Ctrl+C exits promptly.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"sessions": len(s.sessions.List()),
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) String() string {
	return fmt.Sprintf("web-server(addr=%s, auth=%t)", s.cfg.ListenAddr, s.cfg.Token != "")
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiError{
			Code:    code,
			Message: message,
		},
	})
}
