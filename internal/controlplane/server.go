package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fentz26/gatekeep/internal/audit"
	"github.com/fentz26/gatekeep/internal/execution"
	"github.com/fentz26/gatekeep/internal/models"
)

const (
	// HeaderActor names who is calling; it is recorded on audit events.
	HeaderActor = "X-Gatekeep-Actor"
	// HeaderCorrelation ties the audit events of one request together.
	HeaderCorrelation = "X-Correlation-ID"

	maxBodyBytes = 1 << 20
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
	DryRun  bool   `json:"dry_run"`
}

// Server provides the HTTP API for gatekeep.
type Server struct {
	service *Service
	addr    string
	server  *http.Server
	limiter *ClientLimiter
	log     zerolog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithClientLimit throttles each client to rps requests per second.
func WithClientLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		if rps > 0 {
			s.limiter = NewClientLimiter(rps, burst)
		}
	}
}

// WithServerLogger sets the request logger.
func WithServerLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, addr string, opts ...ServerOption) *Server {
	s := &Server{service: service, addr: addr, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed API with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/records", s.handleRecords)
	mux.HandleFunc("/records/", s.handleRecordByID)
	mux.HandleFunc("/execute", s.handleExecute)
	mux.HandleFunc("/audit", s.handleAudit)
	mux.HandleFunc("/watchers", s.handleWatchers)
	mux.HandleFunc("/metrics", s.handleMetrics)

	var h http.Handler = mux
	h = s.withRequestContext(h)
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return h
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 90 * time.Second,
	}
	s.log.Info().Str("addr", s.addr).Msg("control plane listening")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.Close()
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// withRequestContext carries actor and correlation id into the audit trail.
func (s *Server) withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := audit.WithCorrelationID(r.Context(), r.Header.Get(HeaderCorrelation))
		if actor := strings.TrimSpace(r.Header.Get(HeaderActor)); actor != "" {
			ctx = audit.WithActor(ctx, actor)
		}
		w.Header().Set(HeaderCorrelation, audit.CorrelationIDFrom(ctx))
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		s.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("took", time.Since(start)).Msg("request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
		DryRun:  s.service.DryRun(),
	}
	status := http.StatusOK
	if err := s.service.Ping(r.Context()); err != nil {
		resp.OK = false
		resp.DB = fmt.Sprintf("error: %v", err)
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// handleRecords handles POST /records and GET /records
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createRecord(w, r)
	case http.MethodGet:
		s.listRecords(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRecordByID handles /records/{id}/*
func (s *Server) handleRecordByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/records/")
	parts := strings.Split(path, "/")

	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "record id required", http.StatusBadRequest)
		return
	}

	id := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getRecord(w, r, id)
	case action == "transition" && r.Method == http.MethodPost:
		s.transitionRecord(w, r, id)
	case action == "approve" && r.Method == http.MethodPost:
		s.approveRecord(w, r, id)
	case action == "reject" && r.Method == http.MethodPost:
		s.rejectRecord(w, r, id)
	case action == "audit" && r.Method == http.MethodGet:
		s.recordAudit(w, r, id)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// --- Record Handlers ---

func (s *Server) createRecord(w http.ResponseWriter, r *http.Request) {
	var req CreateRecordRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := s.service.CreateRecord(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	recs, err := s.service.ListRecords(r.Context(), q.Get("stage"), q.Get("kind"), atoi(q.Get("limit")))
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []models.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request, id string) {
	rec, err := s.service.GetRecord(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) transitionRecord(w http.ResponseWriter, r *http.Request, id string) {
	var req TransitionRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := s.service.Transition(r.Context(), id, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type approveRequest struct {
	ApprovedBy string `json:"approved_by"`
}

func (s *Server) approveRecord(w http.ResponseWriter, r *http.Request, id string) {
	var req approveRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ApprovedBy == "" {
		req.ApprovedBy = r.Header.Get(HeaderActor)
	}
	rec, err := s.service.Approve(r.Context(), id, req.ApprovedBy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type rejectRequest struct {
	RejectedBy string `json:"rejected_by"`
	Reason     string `json:"reason"`
}

func (s *Server) rejectRecord(w http.ResponseWriter, r *http.Request, id string) {
	var req rejectRequest
	if !decode(w, r, &req) {
		return
	}
	if req.RejectedBy == "" {
		req.RejectedBy = r.Header.Get(HeaderActor)
	}
	rec, err := s.service.Reject(r.Context(), id, req.RejectedBy, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) recordAudit(w http.ResponseWriter, r *http.Request, id string) {
	events, err := s.service.Audit(r.Context(), id, atoi(r.URL.Query().Get("limit")))
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Execution, audit and status handlers ---

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req execution.Request
	if !decode(w, r, &req) {
		return
	}
	out, err := s.service.Execute(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	events, err := s.service.Audit(r.Context(), q.Get("record_id"), atoi(q.Get("limit")))
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleWatchers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Watchers())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	points, err := s.service.Metrics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

// decode reads a JSON body into v, writing a 400 on failure. An empty body
// leaves v at its zero value.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, fmt.Errorf("%w: invalid json: %v", ErrBadRequest, err))
		return false
	}
	return true
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
