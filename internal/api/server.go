// Package api serves the soar REST API: detection intake, incident queries,
// operator actions and the metrics endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/bytefense/soar/internal/core"
	"github.com/bytefense/soar/internal/incident"
	"github.com/bytefense/soar/internal/playbook"
	"github.com/bytefense/soar/internal/response"
	"github.com/bytefense/soar/internal/reversal"
)

const maxBodyBytes = 1 << 20

// Options wires a Server. Logs and Status may be nil.
type Options struct {
	Config  *core.Config
	Engine  *response.Engine
	Logs    *core.LogRingBuffer
	Status  func() map[string]interface{}
	Version string
	Logger  zerolog.Logger
}

// Server is the soar REST API server.
type Server struct {
	cfg     *core.Config
	engine  *response.Engine
	logs    *core.LogRingBuffer
	status  func() map[string]interface{}
	version string
	server  *http.Server
	limiter *ipLimiter
	logger  zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(opts Options) *Server {
	s := &Server{
		cfg:     opts.Config,
		engine:  opts.Engine,
		logs:    opts.Logs,
		status:  opts.Status,
		version: opts.Version,
		logger:  opts.Logger.With().Str("component", "api_server").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("POST /api/v1/detections", s.handleDetection)
	mux.HandleFunc("GET /api/v1/incidents", s.handleIncidents)
	mux.HandleFunc("GET /api/v1/incidents/{id}", s.handleIncident)
	mux.HandleFunc("POST /api/v1/incidents/{id}/close", s.handleClose)
	mux.HandleFunc("POST /api/v1/incidents/{id}/notes", s.handleNote)
	mux.HandleFunc("GET /api/v1/reversals", s.handleReversals)
	mux.HandleFunc("DELETE /api/v1/reversals/{handle}", s.handleCancelReversal)
	mux.HandleFunc("GET /api/v1/playbooks", s.handlePlaybooks)
	mux.HandleFunc("GET /api/v1/logs", s.handleLogs)
	mux.HandleFunc("GET /api/v1/config", s.handleConfig)
	mux.HandleFunc("POST /api/v1/shutdown", s.handleShutdown)
	mux.Handle("GET /metrics", s.engine.Metrics().Handler())

	s.limiter = newIPLimiter(s.cfg.Server.RateLimit)

	// CORS -> logging -> rate limit -> auth -> handler
	handler := corsMiddleware(
		loggingMiddleware(
			s.limiter.middleware(
				authMiddleware(mux, s.cfg, s.logger),
			),
			s.logger,
		),
		s.cfg.Server.CORSOrigins,
	)

	s.server = &http.Server{
		Addr:         net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port)),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // detections wait for their playbook
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the full middleware chain.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start begins serving the API.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("api listen on %s: %w", s.server.Addr, err)
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("API server starting")
	if s.cfg.AuthEnabled() {
		s.logger.Info().
			Int("keys", len(s.cfg.Server.APIKeys)).
			Bool("jwt", s.cfg.Server.JWTSecret != "").
			Msg("API authentication enabled")
	} else {
		s.logger.Warn().Msg("API authentication disabled; set server.api_keys, server.jwt_secret or SOAR_API_KEY")
	}
	s.limiter.startCleanup()
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	s.limiter.stopCleanup()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"version":           s.version,
		"status":            "running",
		"uptime_seconds":    int64(s.engine.Uptime().Seconds()),
		"queue_depth":       s.engine.QueueDepth(),
		"playbooks":         len(s.engine.Playbooks()),
		"pending_reversals": len(s.engine.Reversals()),
		"timestamp":         time.Now().UTC(),
	}
	if s.status != nil {
		for k, v := range s.status() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// handleDetection submits one detection and waits for the engine's answer.
func (s *Server) handleDetection(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return
	}
	ev, err := core.UnmarshalDetectionEvent(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if ev.Producer == "" {
		ev.Producer = "api"
	}

	res, err := s.engine.Submit(r.Context(), ev)
	if err != nil {
		if res.IncidentID != "" {
			// the incident exists and carries the failure on its timeline
			writeJSON(w, http.StatusAccepted, map[string]interface{}{
				"result": res,
				"error":  err.Error(),
			})
			return
		}
		s.writeEngineError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Merged {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	incs, err := s.engine.List(r.Context(), f)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"incidents": incs,
		"total":     len(incs),
	})
}

func parseFilter(r *http.Request) (incident.Filter, error) {
	q := r.URL.Query()
	var f incident.Filter
	if v := q.Get("status"); v != "" {
		st, err := incident.ParseStatus(v)
		if err != nil {
			return f, err
		}
		f.Status = st
	}
	if v := q.Get("min_severity"); v != "" {
		sev, err := core.ParseSeverity(v)
		if err != nil {
			return f, err
		}
		f.MinSeverity = sev
	}
	f.AttackType = q.Get("attack_type")
	f.SourceIP = q.Get("source_ip")
	for _, p := range []struct {
		key string
		dst *time.Time
	}{{"since", &f.Since}, {"until", &f.Until}} {
		v := q.Get(p.key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("%s: expected RFC 3339 time", p.key)
		}
		*p.dst = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("limit: expected a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}

func (s *Server) handleIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Notes string `json:"notes"`
	}
	if !decodeOptional(w, r, &body) {
		return
	}
	id := r.PathValue("id")
	if err := s.engine.Close(r.Context(), id, body.Notes); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeIncident(w, r, id)
}

func (s *Server) handleNote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Note string `json:"note"`
	}
	if !decodeOptional(w, r, &body) {
		return
	}
	id := r.PathValue("id")
	if err := s.engine.Annotate(r.Context(), id, body.Note); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeIncident(w, r, id)
}

func (s *Server) writeIncident(w http.ResponseWriter, r *http.Request, id string) {
	inc, err := s.engine.Get(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleReversals(w http.ResponseWriter, r *http.Request) {
	entries := s.engine.Reversals()
	if id := r.URL.Query().Get("incident_id"); id != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if e.IncidentID == id {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	if entries == nil {
		entries = []reversal.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reversals": entries,
		"total":     len(entries),
	})
}

func (s *Server) handleCancelReversal(w http.ResponseWriter, r *http.Request) {
	handle := r.PathValue("handle")
	if err := s.engine.CancelReversal(r.Context(), handle); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "handle": handle})
}

func (s *Server) handlePlaybooks(w http.ResponseWriter, r *http.Request) {
	pbs := s.engine.Playbooks()
	specs := make([]playbook.Spec, 0, len(pbs))
	for _, p := range pbs {
		specs = append(specs, playbook.SpecOf(p))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"playbooks": specs,
		"total":     len(specs),
	})
}

// handleLogs returns recent log entries from the in-process ring buffer.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"logs": []core.LogEntry{}, "total": 0})
		return
	}
	limit := 100
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = l
	}
	entries := s.logs.Recent(limit, r.URL.Query().Get("level"))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  entries,
		"total": len(entries),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Redacted())
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "shutting_down",
		"message": "soar is shutting down gracefully",
	})
	go func() {
		time.Sleep(250 * time.Millisecond)
		s.logger.Info().Msg("shutdown requested via API")
		// SIGINT lets the main signal handler run the ordered shutdown.
		p, err := os.FindProcess(os.Getpid())
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to find own process for shutdown signal")
			return
		}
		if err := p.Signal(syscall.SIGINT); err != nil {
			s.logger.Error().Err(err).Msg("failed to send shutdown signal")
		}
	}()
}

// decodeOptional decodes a JSON body into v. An empty body leaves v zeroed.
func decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// statusFor maps engine errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidEvent),
		errors.Is(err, response.ErrEmptyNote):
		return http.StatusBadRequest
	case errors.Is(err, incident.ErrNotFound),
		errors.Is(err, reversal.ErrUnknownHandle):
		return http.StatusNotFound
	case errors.Is(err, incident.ErrInvalidTransition),
		errors.Is(err, incident.ErrTerminal),
		errors.Is(err, reversal.ErrRaceLost):
		return http.StatusConflict
	case errors.Is(err, response.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, response.ErrStopped),
		errors.Is(err, incident.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Int("status", status).Msg("request failed")
	}
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": strings.TrimSpace(msg)})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
