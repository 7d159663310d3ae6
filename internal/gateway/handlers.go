package gateway

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/foreman/internal/knowledge"
	"github.com/basket/foreman/internal/ledger"
)

type submitTaskRequest struct {
	Description  string   `json:"description"`
	Priority     int      `json:"priority"`
	Sensitive    bool     `json:"sensitive"`
	Capability   string   `json:"capability,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Description == "" {
		writeError(w, http.StatusBadRequest, "description is required")
		return
	}

	id, err := s.opts.Ledger.Enqueue(r.Context(), ledger.TaskItem{
		Description:  req.Description,
		Priority:     req.Priority,
		Sensitive:    req.Sensitive,
		Capability:   req.Capability,
		Dependencies: req.Dependencies,
	})
	if errors.Is(err, ledger.ErrDuplicateTask) {
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "duplicate": true})
		return
	}
	if errors.Is(err, ledger.ErrUnknownDependency) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("enqueue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.opts.Ledger.GetTask(r.Context(), r.PathValue("id"))
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskDecisions(w http.ResponseWriter, r *http.Request) {
	decisions, err := s.opts.Ledger.ListDecisions(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, decisions)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.opts.Ledger.ListPendingApprovals(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Approve bool `json:"approve"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	decided, err := s.opts.Gate.Decide(r.Context(), r.PathValue("id"), req.Approve)
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusConflict, "request already decided or unknown")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "decision failed")
		return
	}
	writeJSON(w, http.StatusOK, decided)
}

// handlePresence records an operator liveness signal, which flips the system
// Supervised immediately if it was Autonomous.
func (s *Server) handlePresence(w http.ResponseWriter, _ *http.Request) {
	s.opts.Modes.Heartbeat()
	writeJSON(w, http.StatusOK, map[string]string{
		"mode":      string(s.opts.Modes.CurrentMode()),
		"last_seen": s.opts.Modes.LastSeen().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.opts.Ledger.TaskCounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	decisionCount, err := s.opts.Ledger.DecisionCount(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	chunkCount := int64(0)
	if s.opts.Knowledge != nil {
		if n, err := s.opts.Knowledge.ChunkCount(r.Context()); err == nil {
			chunkCount = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":      string(s.opts.Modes.CurrentMode()),
		"tasks":     counts,
		"decisions": decisionCount,
		"chunks":    chunkCount,
		"providers": s.opts.Registry.Descriptors(),
		"spent":     s.opts.Registry.Spent(),
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body failed")
		return
	}
	source := r.PathValue("source")
	if err := s.opts.Knowledge.Ingest(r.Context(), source, string(body)); err != nil {
		if errors.Is(err, knowledge.ErrEmptyInput) {
			writeError(w, http.StatusBadRequest, "empty document")
			return
		}
		s.logger.Error("ingest failed", "source_id", source, "error", err)
		writeError(w, http.StatusInternalServerError, "ingest failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"source_id": source})
}

func (s *Server) handleRetract(w http.ResponseWriter, r *http.Request) {
	source := r.PathValue("source")
	if err := s.opts.Knowledge.Retract(r.Context(), source); err != nil {
		writeError(w, http.StatusInternalServerError, "retract failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"source_id": source})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	k := 10
	if raw := r.URL.Query().Get("k"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			k = n
		}
	}
	results, err := s.opts.Knowledge.Query(r.Context(), q, k)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// handleEvents streams bus events over a websocket. An optional topic query
// parameter narrows the stream by prefix.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub := s.opts.Bus.Subscribe(r.URL.Query().Get("topic"))
	defer s.opts.Bus.Unsubscribe(sub)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			msg := map[string]any{
				"topic":   ev.Topic,
				"payload": ev.Payload,
				"ts":      time.Now().UTC().Format(time.RFC3339Nano),
			}
			if err := wsjson.Write(ctx, conn, msg); err != nil {
				return
			}
		}
	}
}
