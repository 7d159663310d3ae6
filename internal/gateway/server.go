// Package gateway exposes the admin HTTP API: task submission, approval
// decisions, presence heartbeats, knowledge management, a status surface,
// and a websocket event stream. Binds loopback by default; the bearer token
// is required for anything mutating when configured.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/basket/foreman/internal/approval"
	"github.com/basket/foreman/internal/bus"
	"github.com/basket/foreman/internal/knowledge"
	"github.com/basket/foreman/internal/ledger"
	"github.com/basket/foreman/internal/provider"
	"github.com/basket/foreman/internal/schedule"
)

// Options wires the gateway's collaborators.
type Options struct {
	Logger    *slog.Logger
	BindAddr  string
	AuthToken string

	Ledger    *ledger.Store
	Knowledge *knowledge.Store
	Registry  *provider.Registry
	Modes     *schedule.Controller
	Gate      *approval.Gate
	Bus       *bus.Bus
}

// Server is the admin API server.
type Server struct {
	logger *slog.Logger
	opts   Options
	http   *http.Server
}

// New builds the server and its routes.
func New(opts Options) *Server {
	s := &Server{
		logger: opts.Logger.With("component", "gateway"),
		opts:   opts,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tasks", s.auth(s.handleSubmitTask))
	mux.HandleFunc("GET /v1/tasks/{id}", s.auth(s.handleGetTask))
	mux.HandleFunc("GET /v1/tasks/{id}/decisions", s.auth(s.handleTaskDecisions))
	mux.HandleFunc("GET /v1/approvals", s.auth(s.handleListApprovals))
	mux.HandleFunc("POST /v1/approvals/{id}/decision", s.auth(s.handleDecideApproval))
	mux.HandleFunc("POST /v1/presence", s.auth(s.handlePresence))
	mux.HandleFunc("GET /v1/status", s.auth(s.handleStatus))
	mux.HandleFunc("PUT /v1/knowledge/{source}", s.auth(s.handleIngest))
	mux.HandleFunc("DELETE /v1/knowledge/{source}", s.auth(s.handleRetract))
	mux.HandleFunc("GET /v1/knowledge/search", s.auth(s.handleSearch))
	mux.HandleFunc("GET /events", s.auth(s.handleEvents))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s.http = &http.Server{
		Addr:              opts.BindAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", s.opts.BindAddr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// auth enforces the bearer token when one is configured.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AuthToken != "" {
			got := r.Header.Get("Authorization")
			want := "Bearer " + s.opts.AuthToken
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
