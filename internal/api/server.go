// Package api exposes the sync protocol over HTTP. Each wire session gets
// its own server-side sync client; idle sessions are swept after a TTL.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	stdsync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/BobbyCannon/cornerstone-go/internal/sync"
)

// Config holds server settings.
type Config struct {
	ListenAddr string
	// APIKey, when non-empty, is required as a Bearer token on sync routes.
	APIKey string
	// SessionTTL evicts sessions idle longer than this. Zero means the
	// default of 30 minutes.
	SessionTTL time.Duration
	// MaxBodyBytes caps request body size. Zero means 8 MiB.
	MaxBodyBytes int64
}

// ClientFactory builds a fresh server-side sync client for one session.
type ClientFactory func() sync.Client

type sessionEntry struct {
	client   sync.Client
	lastSeen time.Time
}

// Server is the HTTP front end for the sync protocol.
type Server struct {
	config     Config
	http       *http.Server
	newClient  ClientFactory
	metrics    *Metrics
	cancel     context.CancelFunc

	mu       stdsync.Mutex
	sessions map[uuid.UUID]*sessionEntry
}

// NewServer creates a server that spins up one sync client per session.
func NewServer(cfg Config, newClient ClientFactory) *Server {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 8 << 20
	}
	s := &Server{
		config:    cfg,
		newClient: newClient,
		metrics:   NewMetrics(),
		sessions:  make(map[uuid.UUID]*sessionEntry),
	}
	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the fully wired HTTP handler. Exposed for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start begins listening for HTTP requests (non-blocking).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "err", err)
		}
	}()

	// Periodically evict abandoned sessions.
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.sweepSessions(); n > 0 {
					slog.Info("evicted idle sync sessions", "count", n)
				}
			}
		}
	}()

	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) sweepSessions() int {
	cutoff := time.Now().Add(-s.config.SessionTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, entry := range s.sessions {
		if entry.lastSeen.Before(cutoff) {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}

func (s *Server) activeSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// beginSession registers a fresh client for the session id.
func (s *Server) beginSession(id uuid.UUID) (sync.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[id]; exists {
		return nil, fmt.Errorf("session %s already started", id)
	}
	client := s.newClient()
	s.sessions[id] = &sessionEntry{client: client, lastSeen: time.Now()}
	return client, nil
}

// session returns the client registered for id, refreshing its TTL.
func (s *Server) session(id uuid.UUID) (sync.Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	entry.lastSeen = time.Now()
	return entry.client, true
}

func (s *Server) endSession(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// routes builds the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Health & metrics
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metricz", s.handleMetrics)

	// Sync protocol
	mux.HandleFunc("POST /v1/sync/begin/{sessionID}", s.requireAuth(s.handleBeginSync))
	mux.HandleFunc("POST /v1/sync/changes/{sessionID}", s.requireAuth(s.handleGetChanges))
	mux.HandleFunc("POST /v1/sync/apply/{sessionID}", s.requireAuth(s.handleApplyChanges))
	mux.HandleFunc("POST /v1/sync/corrections/{sessionID}", s.requireAuth(s.handleGetCorrections))
	mux.HandleFunc("POST /v1/sync/apply-corrections/{sessionID}", s.requireAuth(s.handleApplyCorrections))
	mux.HandleFunc("POST /v1/sync/end/{sessionID}", s.requireAuth(s.handleEndSync))

	var handler http.Handler = mux
	handler = maxBytesMiddleware(s.config.MaxBodyBytes)(handler)
	handler = metricsMiddleware(s.metrics)(handler)
	handler = loggingMiddleware(handler)
	handler = loggerMiddleware(handler)
	handler = requestIDMiddleware(handler)
	handler = recoveryMiddleware(handler)
	return handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot(s.activeSessions()))
}
