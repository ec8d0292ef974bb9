package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/onlitec/onlidesk-broker/daemon/config"
	"github.com/onlitec/onlidesk-broker/daemon/session"
	"github.com/onlitec/onlidesk-broker/daemon/transfer"
	"github.com/onlitec/onlidesk-broker/internal/audit"
	"github.com/onlitec/onlidesk-broker/internal/fileguard"
	"github.com/onlitec/onlidesk-broker/internal/observability"
)

// HTTP contract types

type (
	ApproveTransferRequest struct {
		Approved bool   `json:"approved"`
		Approver string `json:"approver"`
		Message  string `json:"message,omitempty"`
	}

	ControlTransferRequest struct {
		Action string `json:"action"`
		Reason string `json:"reason,omitempty"`
	}

	TerminateSessionRequest struct {
		Reason string `json:"reason,omitempty"`
	}

	ListTransfersResponse struct {
		Transfers  []transfer.Snapshot `json:"transfers"`
		TotalCount int                 `json:"total_count"`
	}

	ListSessionsResponse struct {
		Sessions   []session.Snapshot `json:"sessions"`
		TotalCount int                `json:"total_count"`
	}

	InfoResponse struct {
		Name          string `json:"name"`
		Version       string `json:"version"`
		StartedAt     int64  `json:"started_at"`
		UptimeSeconds int64  `json:"uptime_seconds"`
	}

	HealthResponse struct {
		Status        string `json:"status"`
		UptimeSeconds int64  `json:"uptime_seconds"`
	}

	StatsResponse struct {
		Sessions       map[string]int `json:"sessions"`
		Transfers      map[string]int `json:"transfers"`
		AuditEnabled   bool           `json:"audit_enabled"`
		UptimeSeconds  int64          `json:"uptime_seconds"`
		ActiveSessions int            `json:"active_sessions"`
	}
)

// Server is the operator-facing REST surface. The websocket plane carries
// the live session traffic; this API observes and administers it.
type Server struct {
	cfg      *config.Manager
	sessions *session.Manager
	engine   *transfer.Engine
	auditor  *audit.Logger
	cryptor  *fileguard.Cryptor
	logger   *observability.Logger

	version string
	started time.Time
}

// Options carries the optional collaborators. Any of them may be nil.
type Options struct {
	Auditor *audit.Logger
	Cryptor *fileguard.Cryptor
	Logger  *observability.Logger
	Version string
}

func New(cfg *config.Manager, sessions *session.Manager, engine *transfer.Engine, opts Options) *Server {
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		engine:   engine,
		auditor:  opts.Auditor,
		cryptor:  opts.Cryptor,
		logger:   opts.Logger,
		version:  version,
		started:  time.Now(),
	}
}

// Routes registers the REST routes on router.
func (s *Server) Routes(router *mux.Router) {
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/api/info", s.handleInfo).Methods(http.MethodGet)

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/transfers", s.handleListTransfers).Methods(http.MethodGet)
	v1.HandleFunc("/transfers/{id}", s.handleGetTransfer).Methods(http.MethodGet)
	v1.HandleFunc("/transfers/{id}/approve", s.handleApproveTransfer).Methods(http.MethodPost)
	v1.HandleFunc("/transfers/{id}/control", s.handleControlTransfer).Methods(http.MethodPost)
	v1.HandleFunc("/transfers/{id}/progress", s.handleTransferProgress).Methods(http.MethodGet)
	v1.HandleFunc("/transfers/{id}/download", s.handleDownloadResult).Methods(http.MethodGet)
	v1.HandleFunc("/files/{id}/download", s.handleDownloadResult).Methods(http.MethodGet)
	v1.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/terminate", s.handleTerminateSession).Methods(http.MethodPost)
	v1.HandleFunc("/config/transfer", s.handleGetTransferConfig).Methods(http.MethodGet)
	v1.HandleFunc("/config/transfer", s.handlePutTransferConfig).Methods(http.MethodPut)
	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	v1.HandleFunc("/audit/events", s.handleAuditEvents).Methods(http.MethodGet)
	v1.HandleFunc("/events", s.handleEventStream).Methods(http.MethodGet)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &HealthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &InfoResponse{
		Name:          "onlidesk-broker",
		Version:       s.version,
		StartedAt:     s.started.UnixMilli(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var transfers []transfer.Snapshot
	if sessionID := q.Get("session_id"); sessionID != "" {
		transfers = s.engine.ListBySession(sessionID)
	} else {
		transfers = s.engine.List()
	}

	if status := q.Get("status"); status != "" {
		filtered := transfers[:0]
		for _, snapshot := range transfers {
			if string(snapshot.Status) == status {
				filtered = append(filtered, snapshot)
			}
		}
		transfers = filtered
	}
	if transfers == nil {
		transfers = []transfer.Snapshot{}
	}

	writeJSON(w, http.StatusOK, &ListTransfersResponse{Transfers: transfers, TotalCount: len(transfers)})
}

func (s *Server) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	tr, err := s.engine.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tr.Snapshot())
}

func (s *Server) handleApproveTransfer(w http.ResponseWriter, r *http.Request) {
	var req ApproveTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid JSON body")
		return
	}
	if req.Approver == "" {
		req.Approver = "operator"
	}

	id := mux.Vars(r)["id"]
	var err error
	if req.Approved {
		err = s.engine.Approve(id, req.Approver, req.Message)
	} else {
		err = s.engine.Reject(id, req.Approver, req.Message)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	tr, err := s.engine.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tr.Snapshot())
}

func (s *Server) handleControlTransfer(w http.ResponseWriter, r *http.Request) {
	var req ControlTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid JSON body")
		return
	}

	id := mux.Vars(r)["id"]
	var err error
	switch req.Action {
	case "pause":
		err = s.engine.Pause(id)
	case "resume":
		err = s.engine.Resume(id)
	case "cancel":
		reason := req.Reason
		if reason == "" {
			reason = "cancelled by operator"
		}
		err = s.engine.Cancel(id, reason)
	default:
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "unknown action "+req.Action)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	tr, err := s.engine.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tr.Snapshot())
}

func (s *Server) handleTransferProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.engine.Progress(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

// handleDownloadResult streams a completed upload's stored file. Files held
// encrypted at rest are decrypted into a scratch copy for the response.
func (s *Server) handleDownloadResult(w http.ResponseWriter, r *http.Request) {
	tr, err := s.engine.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	snapshot := tr.Snapshot()
	if snapshot.Status != transfer.StatusCompleted || snapshot.Direction != transfer.DirectionUpload {
		writeJSONError(w, http.StatusConflict, "INVALID_STATE", "transfer has no completed stored file")
		return
	}
	if snapshot.TempPath == "" {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "stored file no longer available")
		return
	}

	path := snapshot.TempPath
	if strings.HasSuffix(path, ".enc") {
		if s.cryptor == nil {
			writeJSONError(w, http.StatusInternalServerError, "INTERNAL", "file is encrypted and no key is configured")
			return
		}
		scratch, err := os.CreateTemp(filepath.Dir(path), "download_*")
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
		scratch.Close()
		defer fileguard.SecureDelete(scratch.Name())
		if err := s.cryptor.DecryptFile(path, scratch.Name()); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
		path = scratch.Name()
	}

	w.Header().Set("Content-Disposition", "attachment; filename=\""+filepath.Base(snapshot.Filename)+"\"")
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeFile(w, r, path)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var sessions []session.Snapshot
	collect := func(records []*session.Session) {
		for _, record := range records {
			sessions = append(sessions, record.Snapshot())
		}
	}
	switch {
	case q.Get("client_id") != "":
		collect(s.sessions.ListByClient(q.Get("client_id")))
	case q.Get("technician_id") != "":
		collect(s.sessions.ListByTechnician(q.Get("technician_id")))
	default:
		sessions = s.sessions.List()
	}

	if status := q.Get("status"); status != "" {
		filtered := sessions[:0]
		for _, snapshot := range sessions {
			if string(snapshot.Status) == status {
				filtered = append(filtered, snapshot)
			}
		}
		sessions = filtered
	}
	if sessions == nil {
		sessions = []session.Snapshot{}
	}

	writeJSON(w, http.StatusOK, &ListSessionsResponse{Sessions: sessions, TotalCount: len(sessions)})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	var req TerminateSessionRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Reason == "" {
		req.Reason = "terminated by operator"
	}

	id := mux.Vars(r)["id"]
	if err := s.sessions.Terminate(id, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleGetTransferConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Get().Transfer)
}

// handlePutTransferConfig replaces the transfer section. The rest of the
// configuration is untouched; validation covers the whole document.
func (s *Server) handlePutTransferConfig(w http.ResponseWriter, r *http.Request) {
	var candidate config.TransferConfig
	if err := json.NewDecoder(r.Body).Decode(&candidate); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid JSON body")
		return
	}

	updated := s.cfg.Get().Clone()
	updated.Transfer = candidate
	if err := s.cfg.Update(updated); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}

	if s.auditor != nil {
		event := audit.NewEvent(audit.EventConfigUpdated)
		event.Details = map[string]string{"section": "transfer"}
		event.Success = true
		s.auditor.Log(event)
	}
	writeJSON(w, http.StatusOK, s.cfg.Get().Transfer)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	sessionCounts := make(map[string]int)
	active := 0
	for _, snapshot := range s.sessions.List() {
		sessionCounts[string(snapshot.Status)]++
		if snapshot.Status == session.StatusActive {
			active++
		}
	}

	transferCounts := make(map[string]int)
	for _, snapshot := range s.engine.List() {
		transferCounts[string(snapshot.Status)]++
	}

	writeJSON(w, http.StatusOK, &StatsResponse{
		Sessions:       sessionCounts,
		Transfers:      transferCounts,
		AuditEnabled:   s.auditor != nil && s.auditor.Enabled(),
		UptimeSeconds:  int64(time.Since(s.started).Seconds()),
		ActiveSessions: active,
	})
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if s.auditor == nil {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "audit logging is disabled")
		return
	}

	q := r.URL.Query()
	filter := audit.QueryFilter{
		SessionID:  q.Get("session_id"),
		TransferID: q.Get("transfer_id"),
		EventType:  audit.EventType(q.Get("event_type")),
		Severity:   audit.Severity(q.Get("severity")),
	}
	if v := q.Get("limit"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil {
			filter.Limit = limit
		}
	}
	if v := q.Get("since"); v != "" {
		if since, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Since = since
		}
	}

	events := s.auditor.Query(filter)
	if events == nil {
		events = []*audit.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleEventStream pushes transfer events as server-sent events.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.engine.Events().Subscribe(r.URL.Query().Get("session_id"))
	defer s.engine.Events().Unsubscribe(sub.ID)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-sub.Channel:
			if !open {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(data)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

// JSON helpers

type JSONError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, JSONError{Code: code, Message: msg})
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, transfer.ErrTransferNotFound),
		errors.Is(err, session.ErrSessionNotFound):
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, transfer.ErrLimitExceeded),
		errors.Is(err, session.ErrSessionLimitReached):
		writeJSONError(w, http.StatusTooManyRequests, "LIMIT_EXCEEDED", err.Error())
	case errors.Is(err, transfer.ErrSizeExceeded),
		errors.Is(err, transfer.ErrTypeBlocked),
		errors.Is(err, transfer.ErrFilenameRejected):
		writeJSONError(w, http.StatusBadRequest, "REJECTED", err.Error())
	case errors.Is(err, transfer.ErrInvalidStateTransition),
		errors.Is(err, transfer.ErrTransferNotActive),
		errors.Is(err, session.ErrInvalidStateTransition),
		errors.Is(err, session.ErrSessionTerminal):
		writeJSONError(w, http.StatusConflict, "INVALID_STATE", err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}
