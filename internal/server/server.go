// Package server exposes a running monitor over HTTP: a JSON status view,
// Prometheus metrics and a websocket stream of feed events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/GriffinCanCode/runwatch/internal/feed"
	"github.com/GriffinCanCode/runwatch/internal/logger"
	"github.com/GriffinCanCode/runwatch/internal/metrics"
	"github.com/GriffinCanCode/runwatch/internal/monitor"
	"github.com/GriffinCanCode/runwatch/internal/syncx"
	"github.com/GriffinCanCode/runwatch/internal/trace"
)

// Message types.
type Message struct {
	Type string `json:"type"`
}

// HistoryRequest asks for feed events newer than Since.
type HistoryRequest struct {
	Type  string    `json:"type"`
	Since time.Time `json:"since"`
}

type SnapshotMessage struct {
	Type     string           `json:"type"`
	Snapshot monitor.Snapshot `json:"snapshot"`
}

type EventMessage struct {
	Type  string     `json:"type"`
	Event feed.Event `json:"event"`
}

type HistoryMessage struct {
	Type   string       `json:"type"`
	Events []feed.Event `json:"events"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Snapshot monitor.Snapshot `json:"snapshot"`
	Recent   []feed.Event     `json:"recent"`
}

// rateLimiter tracks message timestamps using a sliding window.
type rateLimiter struct {
	timestamps []time.Time
	mu         sync.Mutex
}

// allow checks if a message is allowed and records the timestamp if so.
func (r *rateLimiter) allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-RateLimitWindow)
	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid

	if len(r.timestamps) >= RateLimitMessages {
		return false
	}
	r.timestamps = append(r.timestamps, now)
	return true
}

// Server serves the status surface of one monitor.
type Server struct {
	snap    *syncx.RWGuard[monitor.Snapshot]
	feed    *feed.Feed
	metrics *metrics.Metrics
	log     *slog.Logger

	mu    sync.Mutex
	conns int
}

// New creates a server. m may be nil, in which case /metrics is not mounted.
func New(snap *syncx.RWGuard[monitor.Snapshot], fd *feed.Feed, m *metrics.Metrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{snap: snap, feed: fd, metrics: m, log: log}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(corsMiddleware)
	r.Use(trace.Middleware)
	r.Use(logger.RequestLogger(s.log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/events", s.handleEvents)
	r.Get("/ws", s.handleWebSocket)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	return r
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: ReadHeaderTimeout}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("status server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Connections returns the number of open websocket clients.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Snapshot: s.snap.Get(),
		Recent:   s.feed.Recent(RecentEvents),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		writeJSON(w, http.StatusOK, s.feed.Recent(RecentEvents))
		return
	}
	since, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorMessage{Type: "error", Message: "since must be RFC 3339"})
		return
	}
	writeJSON(w, http.StatusOK, s.feed.Since(since))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	s.mu.Lock()
	s.conns++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conns--
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	log := trace.Logger(ctx)
	log.Info("websocket connected", "remote", r.RemoteAddr)

	// Subscribe before the first write so the client misses nothing after
	// the snapshot it receives.
	events, unsubscribe := s.feed.Subscribe()
	defer unsubscribe()

	if err := s.write(ctx, conn, SnapshotMessage{Type: "snapshot", Snapshot: s.snap.Get()}); err != nil {
		return
	}

	go s.readRequests(ctx, cancel, conn)

	for {
		select {
		case <-ctx.Done():
			log.Debug("websocket closed", "remote", r.RemoteAddr)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := s.write(ctx, conn, EventMessage{Type: "event", Event: ev}); err != nil {
				log.Debug("websocket write error", "error", err)
				return
			}
		}
	}
}

// readRequests serves client requests until the connection drops.
func (s *Server) readRequests(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	rl := &rateLimiter{}

	for {
		var msg json.RawMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		if !rl.allow(time.Now()) {
			_ = s.write(ctx, conn, ErrorMessage{Type: "error", Message: "rate limit exceeded"})
			continue
		}

		var base Message
		if err := json.Unmarshal(msg, &base); err != nil {
			_ = s.write(ctx, conn, ErrorMessage{Type: "error", Message: "malformed message"})
			continue
		}

		switch base.Type {
		case "snapshot":
			_ = s.write(ctx, conn, SnapshotMessage{Type: "snapshot", Snapshot: s.snap.Get()})
		case "history":
			var req HistoryRequest
			if err := json.Unmarshal(msg, &req); err != nil {
				_ = s.write(ctx, conn, ErrorMessage{Type: "error", Message: "malformed history request"})
				continue
			}
			_ = s.write(ctx, conn, HistoryMessage{Type: "history", Events: s.feed.Since(req.Since)})
		default:
			_ = s.write(ctx, conn, ErrorMessage{Type: "error", Message: "unknown message type " + base.Type})
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}
