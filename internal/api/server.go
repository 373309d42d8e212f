// Package api implements the HTTP API: chat over SSE or WebSocket,
// advisor introspection, and transcript archive management.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"counsel/internal/advisor"
	"counsel/internal/buildinfo"
	"counsel/internal/orchestrator"
	"counsel/internal/transcript"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	engine   *orchestrator.Engine
	advisors *advisor.Loader
	store    *transcript.Store
	logger   *slog.Logger
	server   *http.Server

	// cancels maps advisor name to the in-flight turn's handle.
	mu      sync.Mutex
	cancels map[string]*turnHandle
}

// turnHandle identifies one tracked turn so release only removes its
// own registration.
type turnHandle struct {
	cancel context.CancelFunc
}

// NewServer creates a new API server.
func NewServer(address string, port int, engine *orchestrator.Engine, advisors *advisor.Loader, store *transcript.Store, logger *slog.Logger) *Server {
	return &Server{
		address:  address,
		port:     port,
		engine:   engine,
		advisors: advisors,
		store:    store,
		logger:   logger,
		cancels:  make(map[string]*turnHandle),
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Chat endpoints
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/ws/chat", s.handleWSChat)
	mux.HandleFunc("POST /api/conversations/{advisor}/cancel", s.handleCancel)

	// Conversation lifecycle
	mux.HandleFunc("POST /api/conversations/{advisor}/archive", s.handleArchive)
	mux.HandleFunc("GET /api/conversations/{advisor}", s.handleConversationGet)
	mux.HandleFunc("DELETE /api/conversations/{advisor}", s.handleConversationDelete)

	// Archive endpoints
	mux.HandleFunc("GET /api/archives", s.handleArchiveList)
	mux.HandleFunc("GET /api/archives/{id}", s.handleArchiveGet)
	mux.HandleFunc("DELETE /api/archives/{id}", s.handleArchiveDelete)

	// Introspection
	mux.HandleFunc("GET /api/advisors", s.handleAdvisors)
	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // Long for streaming responses
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "counsel",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

// AdvisorInfo is the public view of an advisor definition. Prompt
// text stays private.
type AdvisorInfo struct {
	Name    string   `json:"name"`
	Model   string   `json:"model"`
	Gateway string   `json:"gateway"`
	Tools   []string `json:"tools,omitempty"`
	Default bool     `json:"default,omitempty"`
}

func (s *Server) handleAdvisors(w http.ResponseWriter, r *http.Request) {
	all := s.advisors.List()
	infos := make([]AdvisorInfo, 0, len(all))
	for _, a := range all {
		infos = append(infos, AdvisorInfo{
			Name:    a.Name,
			Model:   a.Model,
			Gateway: a.Gateway,
			Tools:   a.Tools,
			Default: a.Default,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"advisors": infos}, s.logger)
}

// ChatRequest is the chat endpoint request body.
type ChatRequest struct {
	// Advisor selects who answers; empty means the default advisor.
	Advisor string `json:"advisor,omitempty"`
	Message string `json:"message"`
	// Stream selects SSE event streaming over a buffered JSON reply.
	Stream bool `json:"stream,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	adv := s.resolveAdvisor(req.Advisor)
	if adv == nil {
		s.errorResponse(w, http.StatusNotFound, fmt.Sprintf("advisor %q not found", req.Advisor))
		return
	}

	ctx, release := s.trackTurn(r.Context(), adv.Name)
	defer release()

	if req.Stream {
		s.streamChat(ctx, w, adv.Name, req.Message)
		return
	}

	result, err := s.engine.Submit(ctx, adv.Name, req.Message, nil)
	if err != nil {
		s.chatError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, result, s.logger)
}

// streamChat replays turn events to the client as SSE data frames and
// terminates the stream with a [DONE] marker.
func (s *Server) streamChat(ctx context.Context, w http.ResponseWriter, advisorName, message string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	rc := http.NewResponseController(w)

	sink := func(ev orchestrator.Event) {
		s.writeSSE(w, ev)
		flusher.Flush()
		// Long tool executions must not trip the write timeout.
		if err := rc.SetWriteDeadline(time.Now().Add(120 * time.Second)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}

	if _, err := s.engine.Submit(ctx, advisorName, message, sink); err != nil {
		// The failure already reached the client as a done event with
		// the failed state; the HTTP status cannot change mid-stream.
		s.logger.Error("turn failed", "advisor", advisorName, "error", err)
	}

	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) writeSSE(w http.ResponseWriter, ev orchestrator.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Debug("failed to marshal SSE event", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		s.logger.Debug("failed to write SSE event", "error", err)
	}
}

// trackTurn registers a cancel func for the advisor so the cancel
// endpoint can abort the turn. The engine enforces one turn per
// advisor; a second registration for the same name simply loses the
// race at Submit.
func (s *Server) trackTurn(parent context.Context, advisorName string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	handle := &turnHandle{cancel: cancel}

	s.mu.Lock()
	if _, busy := s.cancels[advisorName]; !busy {
		s.cancels[advisorName] = handle
	}
	s.mu.Unlock()

	return ctx, func() {
		s.mu.Lock()
		if s.cancels[advisorName] == handle {
			delete(s.cancels, advisorName)
		}
		s.mu.Unlock()
		cancel()
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("advisor")
	s.mu.Lock()
	handle, ok := s.cancels[name]
	s.mu.Unlock()
	if !ok {
		s.errorResponse(w, http.StatusNotFound, fmt.Sprintf("no turn in progress for advisor %q", name))
		return
	}

	handle.cancel()
	s.logger.Info("turn cancelled via API", "advisor", name)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "cancelled", "advisor": name}, s.logger)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("advisor")
	if s.resolveAdvisor(name) == nil {
		s.errorResponse(w, http.StatusNotFound, fmt.Sprintf("advisor %q not found", name))
		return
	}

	tr, err := s.store.LoadCurrent(name)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "load transcript: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, tr, s.logger)
}

func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("advisor")
	if err := s.store.Delete(name); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "delete transcript: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "deleted", "advisor": name}, s.logger)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("advisor")
	if s.resolveAdvisor(name) == nil {
		s.errorResponse(w, http.StatusNotFound, fmt.Sprintf("advisor %q not found", name))
		return
	}

	id, err := s.store.Archive(name)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "archive transcript: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if id == "" {
		writeJSON(w, map[string]string{"status": "empty", "advisor": name}, s.logger)
		return
	}
	writeJSON(w, map[string]string{"status": "archived", "advisor": name, "id": id}, s.logger)
}

func (s *Server) handleArchiveList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.Index().List(r.URL.Query().Get("advisor"))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "list archives: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"count": len(entries), "archives": entries}, s.logger)
}

func (s *Server) handleArchiveGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tr, err := s.store.ReadArchive(id)
	if errors.Is(err, transcript.ErrArchiveNotFound) {
		s.errorResponse(w, http.StatusNotFound, "archive not found")
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "read archive: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, tr, s.logger)
}

func (s *Server) handleArchiveDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.store.DeleteArchive(id)
	if errors.Is(err, transcript.ErrArchiveNotFound) {
		s.errorResponse(w, http.StatusNotFound, "archive not found")
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "delete archive: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "deleted", "id": id}, s.logger)
}

func (s *Server) resolveAdvisor(name string) *advisor.Advisor {
	if name == "" {
		return s.advisors.Default()
	}
	return s.advisors.Get(name)
}

// chatError maps engine errors to HTTP statuses for buffered replies.
func (s *Server) chatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrTurnInProgress):
		s.errorResponse(w, http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrUnknownAdvisor):
		s.errorResponse(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("turn failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "turn failed: "+err.Error())
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
