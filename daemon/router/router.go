package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onlitec/onlidesk-broker/daemon/config"
	"github.com/onlitec/onlidesk-broker/daemon/session"
	"github.com/onlitec/onlidesk-broker/daemon/transfer"
	"github.com/onlitec/onlidesk-broker/internal/decision"
	"github.com/onlitec/onlidesk-broker/internal/observability"
	"github.com/onlitec/onlidesk-broker/internal/ratelimit"
)

// Accept rate limiting for new websocket connections.
const (
	acceptRate  = 10.0
	acceptBurst = 20
)

// Router terminates the /ws/client and /ws/portal endpoints and dispatches
// envelopes and chunk frames between the session peers and the engine.
type Router struct {
	cfg      func() *config.RemoteAccessConfig
	sessions *session.Manager
	engine   *transfer.Engine
	hub      *Hub
	logger   *observability.Logger
	metrics  *observability.Metrics
	accepts  *ratelimit.TokenBucket
	upgrader websocket.Upgrader
}

// New builds a Router. logger and metrics may be nil in tests.
func New(cfg func() *config.RemoteAccessConfig, sessions *session.Manager, engine *transfer.Engine, hub *Hub, logger *observability.Logger, metrics *observability.Metrics) *Router {
	return &Router{
		cfg:      cfg,
		sessions: sessions,
		engine:   engine,
		hub:      hub,
		logger:   logger,
		metrics:  metrics,
		accepts:  ratelimit.NewTokenBucket(acceptRate, acceptBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// Peers connect from desktop applications, not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleClient upgrades an end-user client connection.
func (r *Router) HandleClient(w http.ResponseWriter, req *http.Request) {
	r.handle(w, req, session.RoleClient)
}

// HandlePortal upgrades a technician portal connection.
func (r *Router) HandlePortal(w http.ResponseWriter, req *http.Request) {
	r.handle(w, req, session.RolePortal)
}

func (r *Router) handle(w http.ResponseWriter, req *http.Request, role session.Role) {
	if !r.accepts.Allow(1) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		if r.metrics != nil {
			r.metrics.RecordPeerConnection(string(role), false)
		}
		return
	}

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		if r.logger != nil {
			r.logger.Error(err, "websocket upgrade failed")
		}
		if r.metrics != nil {
			r.metrics.RecordPeerConnection(string(role), false)
		}
		return
	}

	r.serve(ws, role)
}

func (r *Router) serve(ws *websocket.Conn, role session.Role) {
	cfg := r.cfg()
	readTimeout := cfg.WebSocketReadTimeout.Std()
	writeTimeout := cfg.WebSocketWriteTimeout.Std()

	conn := newConn(ws, role, "", writeTimeout)
	connectedAt := time.Now()
	if r.metrics != nil {
		r.metrics.RecordPeerConnection(string(role), true)
	}

	ws.SetReadLimit(cfg.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	// Keep idle peers alive from our side too.
	pinger := time.NewTicker(readTimeout / 2)
	defer pinger.Stop()
	go func() {
		for {
			select {
			case <-pinger.C:
				conn.SendPing()
			case <-conn.Done():
				return
			}
		}
	}()

	var readErr error
	for {
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			readErr = err
			break
		}

		switch messageType {
		case websocket.TextMessage:
			r.dispatch(conn, data)
		case websocket.BinaryMessage:
			r.handleChunk(conn, data)
		}
	}

	conn.Close()
	r.teardown(conn, readErr, time.Since(connectedAt))
}

func (r *Router) teardown(conn *Conn, readErr error, connected time.Duration) {
	if r.metrics != nil {
		r.metrics.RecordPeerConnectionClose(connected.Seconds())
	}
	if conn.sessionID == "" {
		return
	}
	if r.logger != nil {
		r.logger.ConnectionLost(conn.remoteAddr, string(conn.role), conn.sessionID, readErr)
	}
	// A displaced connection must not unbind its replacement.
	if r.hub.Unregister(conn) {
		r.sessions.UnregisterConnection(conn.sessionID, conn.role)
	}
}

// dispatch routes one control envelope. Unknown types are logged and
// dropped, never fatal.
func (r *Router) dispatch(conn *Conn, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		conn.SendEnvelope(errorEnvelope("protocol_error", "malformed envelope"))
		return
	}

	if r.metrics != nil {
		r.metrics.RecordMessageRouted(env.Type)
	}

	switch env.Type {
	case TypePing:
		conn.SendEnvelope(newEnvelope(TypePong))
		return
	case TypeHeartbeat:
		conn.SendEnvelope(newEnvelope(TypeHeartbeatResponse))
		r.touch(conn)
		return
	case TypeSessionCreate:
		r.handleSessionCreate(conn, &env)
		return
	case TypeSessionRegister, TypeSessionJoin:
		r.handleSessionRegister(conn, &env)
		return
	}

	// Everything below requires a bound session.
	if conn.sessionID == "" {
		conn.SendEnvelope(errorEnvelope("unauthorized", "session not registered"))
		return
	}

	switch env.Type {
	case TypeSessionTerminate:
		r.handleSessionTerminate(conn, &env)
	case TypeSessionInfo:
		r.handleSessionInfo(conn)
	case TypePrivilegeRequest:
		r.handlePrivilegeRequest(conn, &env)
	case TypePrivilegeResponse:
		r.handlePrivilegeResponse(conn, &env)
	case TypePrivilegeRevoke:
		r.handlePrivilegeRevoke(conn, &env)
	case TypeFileTransferRequest:
		r.handleFileTransferRequest(conn, &env)
	case TypeTransferApproval:
		r.handleTransferApproval(conn, &env)
	case TypeTransferControl:
		r.handleTransferControl(conn, &env)
	case TypeProgressRequest:
		r.handleProgressRequest(conn, &env)
	case TypeChunkRetransmission:
		r.handleChunkRetransmission(conn, &env)
	case TypeChunkAck:
		r.touch(conn)
	case TypeControlCommand, TypeInputEvent, TypeScreenCapture:
		r.forwardOpaque(conn, data)
	default:
		if r.logger != nil {
			r.logger.WithSession(conn.sessionID).Warn("dropping unknown envelope type " + env.Type)
		}
	}
}

func (r *Router) touch(conn *Conn) {
	if conn.sessionID == "" {
		return
	}
	if s, err := r.sessions.Get(conn.sessionID); err == nil {
		s.Touch()
	}
}

// bind attaches the connection to a session and registers it in the hub.
func (r *Router) bind(conn *Conn, sessionID string) error {
	conn.sessionID = sessionID
	if err := r.sessions.RegisterConnection(sessionID, conn.role); err != nil {
		conn.sessionID = ""
		return err
	}
	r.hub.Register(conn)
	if r.logger != nil {
		r.logger.ConnectionEstablished(conn.remoteAddr, string(conn.role), sessionID)
	}
	return nil
}

func (r *Router) handleSessionCreate(conn *Conn, env *Envelope) {
	if conn.role != session.RolePortal {
		conn.SendEnvelope(errorEnvelope("unauthorized", "only the portal creates sessions"))
		return
	}
	if conn.sessionID != "" {
		conn.SendEnvelope(errorEnvelope("invalid_state", "connection already bound to a session"))
		return
	}

	info := session.ClientInfo{}
	if env.ClientInfo != nil {
		info = *env.ClientInfo
	}
	s, err := r.sessions.Create(env.ClientID, env.TechnicianID, info)
	if err != nil {
		conn.SendEnvelope(errorEnvelope(errorKind(err), err.Error()))
		return
	}
	if err := r.bind(conn, s.ID); err != nil {
		conn.SendEnvelope(errorEnvelope(errorKind(err), err.Error()))
		return
	}

	reply := newEnvelope(TypeSessionCreated)
	snapshot := s.Snapshot()
	reply.SessionID = s.ID
	reply.Session = &snapshot
	reply.Status = string(snapshot.Status)
	conn.SendEnvelope(reply)
}

func (r *Router) handleSessionRegister(conn *Conn, env *Envelope) {
	if conn.sessionID != "" {
		conn.SendEnvelope(errorEnvelope("invalid_state", "connection already bound to a session"))
		return
	}
	s, err := r.sessions.Get(env.SessionID)
	if err != nil {
		conn.SendEnvelope(errorEnvelope(errorKind(err), err.Error()))
		return
	}
	if err := r.bind(conn, s.ID); err != nil {
		conn.SendEnvelope(errorEnvelope(errorKind(err), err.Error()))
		return
	}

	replyType := TypeSessionRegistered
	if env.Type == TypeSessionJoin {
		replyType = TypeSessionJoined
	}
	reply := newEnvelope(replyType)
	snapshot := s.Snapshot()
	reply.SessionID = s.ID
	reply.Session = &snapshot
	reply.Status = string(snapshot.Status)
	conn.SendEnvelope(reply)
}

func (r *Router) handleSessionTerminate(conn *Conn, env *Envelope) {
	reason := env.Reason
	if reason == "" {
		reason = "terminated by " + string(conn.role)
	}
	if err := r.sessions.Terminate(conn.sessionID, reason); err != nil {
		conn.SendEnvelope(errorEnvelope(errorKind(err), err.Error()))
		return
	}

	notice := newEnvelope(TypeSessionTerminated)
	notice.SessionID = conn.sessionID
	notice.Reason = reason
	r.hub.SendBoth(conn.sessionID, notice)
	r.hub.CloseSession(conn.sessionID)
}

func (r *Router) handleSessionInfo(conn *Conn) {
	s, err := r.sessions.Get(conn.sessionID)
	if err != nil {
		conn.SendEnvelope(errorEnvelope(errorKind(err), err.Error()))
		return
	}
	reply := newEnvelope(TypeSessionInfo)
	snapshot := s.Snapshot()
	reply.SessionID = s.ID
	reply.Session = &snapshot
	reply.Status = string(snapshot.Status)
	conn.SendEnvelope(reply)
}

func (r *Router) handlePrivilegeRequest(conn *Conn, env *Envelope) {
	if conn.role != session.RolePortal {
		conn.SendEnvelope(errorEnvelope("unauthorized", "only the portal requests privileges"))
		return
	}

	requestID, err := r.sessions.RequestPrivilege(
		conn.sessionID,
		env.PrivilegeType,
		env.Justification,
		time.Duration(env.DurationSeconds)*time.Second,
	)
	if err != nil {
		conn.SendEnvelope(errorEnvelope(errorKind(err), err.Error()))
		return
	}

	// The end user approves on the client side.
	prompt := newEnvelope(TypePrivilegeRequested)
	prompt.SessionID = conn.sessionID
	prompt.RequestID = requestID
	prompt.PrivilegeType = env.PrivilegeType
	prompt.Justification = env.Justification
	prompt.DurationSeconds = env.DurationSeconds
	r.hub.Send(conn.sessionID, session.RoleClient, prompt)

	ack := newEnvelope(TypePrivilegeRequested)
	ack.SessionID = conn.sessionID
	ack.RequestID = requestID
	ack.Status = "pending"
	conn.SendEnvelope(ack)
}

func (r *Router) handlePrivilegeResponse(conn *Conn, env *Envelope) {
	if conn.role != session.RoleClient {
		conn.SendEnvelope(errorEnvelope("unauthorized", "only the client settles privilege requests"))
		return
	}
	if env.Approved == nil {
		conn.SendEnvelope(errorEnvelope("protocol_error", "privilege_response requires approved"))
		return
	}

	if *env.Approved {
		privilege, err := r.sessions.ApprovePrivilege(conn.sessionID, env.RequestID, "end user")
		if err != nil {
			conn.SendEnvelope(errorEnvelope(errorKind(err), err.Error()))
			return
		}
		notice := newEnvelope(TypePrivilegeApproved)
		notice.SessionID = conn.sessionID
		notice.RequestID = env.RequestID
		notice.PrivilegeType = privilege.Type
		notice.Message = privilege.ExpiresAt.UTC().Format(time.RFC3339)
		r.hub.SendBoth(conn.sessionID, notice)
		return
	}

	if err := r.sessions.DenyPrivilege(conn.sessionID, env.RequestID, "end user"); err != nil {
		conn.SendEnvelope(errorEnvelope(errorKind(err), err.Error()))
		return
	}
	notice := newEnvelope(TypePrivilegeDenied)
	notice.SessionID = conn.sessionID
	notice.RequestID = env.RequestID
	r.hub.SendBoth(conn.sessionID, notice)
}

func (r *Router) handlePrivilegeRevoke(conn *Conn, env *Envelope) {
	if err := r.sessions.RevokePrivilege(conn.sessionID, env.PrivilegeType); err != nil {
		conn.SendEnvelope(errorEnvelope(errorKind(err), err.Error()))
		return
	}
	notice := newEnvelope(TypePrivilegeRevoked)
	notice.SessionID = conn.sessionID
	notice.PrivilegeType = env.PrivilegeType
	r.hub.SendBoth(conn.sessionID, notice)
}

// forwardOpaque relays remote-control envelopes to the other role untouched.
func (r *Router) forwardOpaque(conn *Conn, raw []byte) {
	peer, ok := r.hub.Peer(conn.sessionID, conn.role)
	if !ok {
		conn.SendEnvelope(errorEnvelope("not_found", "peer not connected"))
		return
	}
	peer.enqueue(websocket.TextMessage, raw)
	if s, err := r.sessions.Get(conn.sessionID); err == nil {
		s.RecordMessageRouted()
		s.Touch()
	}
}

func (r *Router) handleFileTransferRequest(conn *Conn, env *Envelope) {
	if conn.role != session.RolePortal {
		conn.SendEnvelope(errorEnvelope("unauthorized", "only the portal initiates transfers"))
		return
	}

	s, err := r.sessions.Get(conn.sessionID)
	if err != nil {
		conn.SendEnvelope(errorEnvelope(errorKind(err), err.Error()))
		return
	}

	direction := transfer.Direction(env.Direction)
	if direction == "" {
		direction = transfer.DirectionUpload
	}
	tr, err := r.engine.Create(transfer.CreateRequest{
		SessionID:        conn.sessionID,
		TechnicianID:     s.TechnicianID,
		Direction:        direction,
		Filename:         env.Filename,
		FileSize:         env.FileSize,
		ExpectedChecksum: env.Checksum,
		SourcePath:       env.SourcePath,
	})
	if err != nil {
		conn.SendEnvelope(errorEnvelope(errorKind(err), err.Error()))
		return
	}
	s.RecordTransferRequest()

	snapshot := tr.Snapshot()
	reply := newEnvelope(TypeFileTransferResponse)
	reply.SessionID = conn.sessionID
	reply.TransferID = tr.ID
	reply.Transfer = &snapshot
	reply.Status = string(snapshot.Status)
	conn.SendEnvelope(reply)

	// Still pending means no remembered decision matched; the end user gets
	// the approval prompt.
	if snapshot.Status == transfer.StatusPending {
		prompt := newEnvelope(TypeFileTransferRequest)
		prompt.SessionID = conn.sessionID
		prompt.TransferID = tr.ID
		prompt.Direction = string(snapshot.Direction)
		prompt.Filename = snapshot.Filename
		prompt.FileSize = snapshot.FileSize
		prompt.TechnicianID = snapshot.TechnicianID
		r.hub.Send(conn.sessionID, session.RoleClient, prompt)
	}
}

func (r *Router) handleTransferApproval(conn *Conn, env *Envelope) {
	if conn.role != session.RoleClient {
		conn.SendEnvelope(errorEnvelope("unauthorized", "only the client settles transfer approvals"))
		return
	}
	if env.Approved == nil {
		conn.SendEnvelope(errorEnvelope("protocol_error", "transfer_approval requires approved"))
		return
	}

	tr, err := r.engine.Get(env.TransferID)
	if err != nil {
		conn.SendEnvelope(errorEnvelope(errorKind(err), err.Error()))
		return
	}

	if env.Remember {
		verdict := decision.VerdictDeny
		if *env.Approved {
			verdict = decision.VerdictAllow
		}
		if err := r.engine.RememberDecision(tr.TechnicianID, tr.Filename, verdict); err != nil && r.logger != nil {
			r.logger.Error(err, "remember transfer decision")
		}
	}

	if !*env.Approved {
		if err := r.engine.Reject(env.TransferID, "end user", env.Message); err != nil {
			conn.SendEnvelope(errorEnvelope(errorKind(err), err.Error()))
		}
		return
	}

	if err := r.engine.Approve(env.TransferID, "end user", env.Message); err != nil {
		conn.SendEnvelope(errorEnvelope(errorKind(err), err.Error()))
		return
	}
	if tr.Direction == transfer.DirectionDownload && tr.GetStatus() == transfer.StatusApproved {
		if err := r.engine.StartDownload(env.TransferID, conn); err != nil {
			conn.SendEnvelope(errorEnvelope(errorKind(err), err.Error()))
		}
	}
}

func (r *Router) handleTransferControl(conn *Conn, env *Envelope) {
	var err error
	switch env.Action {
	case "pause":
		err = r.engine.Pause(env.TransferID)
	case "resume":
		err = r.engine.Resume(env.TransferID)
	case "cancel":
		err = r.engine.Cancel(env.TransferID, "cancelled by "+string(conn.role))
	default:
		conn.SendEnvelope(errorEnvelope("protocol_error", "unknown transfer control action "+env.Action))
		return
	}
	if err != nil {
		conn.SendEnvelope(errorEnvelope(errorKind(err), err.Error()))
		return
	}

	tr, err := r.engine.Get(env.TransferID)
	if err != nil {
		return
	}
	reply := newEnvelope(TypeControlResponse)
	reply.TransferID = env.TransferID
	reply.Action = env.Action
	reply.Status = string(tr.GetStatus())
	conn.SendEnvelope(reply)
}

func (r *Router) handleProgressRequest(conn *Conn, env *Envelope) {
	progress, err := r.engine.Progress(env.TransferID)
	if err != nil {
		conn.SendEnvelope(errorEnvelope(errorKind(err), err.Error()))
		return
	}
	reply := newEnvelope(TypeProgressResponse)
	reply.TransferID = env.TransferID
	reply.Progress = &progress
	conn.SendEnvelope(reply)
}

func (r *Router) handleChunkRetransmission(conn *Conn, env *Envelope) {
	if env.ChunkIndex == nil {
		conn.SendEnvelope(errorEnvelope("protocol_error", "chunk_retransmission_request requires chunk_index"))
		return
	}
	if err := r.engine.ResendChunk(env.TransferID, *env.ChunkIndex, conn); err != nil {
		conn.SendEnvelope(errorEnvelope(errorKind(err), err.Error()))
	}
}

// handleChunk ingests one binary upload frame and answers with an ack or a
// retransmission request.
func (r *Router) handleChunk(conn *Conn, data []byte) {
	header, payload, err := transfer.DecodeChunkFrame(data)
	if err != nil {
		conn.SendEnvelope(errorEnvelope("protocol_error", err.Error()))
		return
	}

	result, err := r.engine.WriteChunk(header, payload)
	switch {
	case err == nil:
		ack := newEnvelope(TypeChunkAck)
		ack.TransferID = header.TransferID
		index := header.ChunkIndex
		ack.ChunkIndex = &index
		if result.Duplicate {
			ack.Status = "duplicate"
		} else {
			ack.Status = "received"
		}
		conn.SendEnvelope(ack)
		r.touch(conn)

	case errors.Is(err, transfer.ErrChunkRejected):
		retry := newEnvelope(TypeChunkRetransmission)
		retry.TransferID = header.TransferID
		index := header.ChunkIndex
		retry.ChunkIndex = &index
		retry.Message = err.Error()
		conn.SendEnvelope(retry)

	default:
		conn.SendEnvelope(errorEnvelope(errorKind(err), err.Error()))
	}
}

// Run bridges engine events onto the websocket plane until ctx ends. Status
// changes become transfer_status_update and progress becomes
// progress_response, delivered to both peers of the session.
func (r *Router) Run(ctx context.Context) {
	sub := r.engine.Events().Subscribe("")
	defer r.engine.Events().Unsubscribe(sub.ID)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Channel:
			if !ok {
				return
			}
			r.forwardEvent(event)
		}
	}
}

// SessionExpired tells both peers the sweeper timed their session out, then
// disconnects them. Implements session.Notifier.
func (r *Router) SessionExpired(snapshot session.Snapshot) {
	notice := newEnvelope(TypeSessionExpired)
	notice.SessionID = snapshot.ID
	notice.Status = string(snapshot.Status)
	notice.Reason = "timeout"
	r.hub.SendBoth(snapshot.ID, notice)
	r.hub.CloseSession(snapshot.ID)
}

// PrivilegeExpired tells both peers an elevation lapsed. Implements
// session.Notifier.
func (r *Router) PrivilegeExpired(sessionID, privilegeType string) {
	notice := newEnvelope(TypePrivilegeExpired)
	notice.SessionID = sessionID
	notice.PrivilegeType = privilegeType
	r.hub.SendBoth(sessionID, notice)
}

func (r *Router) forwardEvent(event *transfer.Event) {
	switch event.Type {
	case transfer.EventProgressed:
		env := newEnvelope(TypeProgressResponse)
		env.TransferID = event.TransferID
		env.SessionID = event.SessionID
		env.Progress = event.Progress
		r.hub.SendBoth(event.SessionID, env)
	case transfer.EventRequested:
		// The request prompt is delivered inline by the request handler.
	default:
		env := newEnvelope(TypeTransferStatusUpdate)
		env.TransferID = event.TransferID
		env.SessionID = event.SessionID
		env.Status = string(event.Type)
		env.Message = event.Message
		r.hub.SendBoth(event.SessionID, env)
	}
}

// errorKind maps engine and manager errors onto the wire error taxonomy.
func errorKind(err error) string {
	switch {
	case errors.Is(err, transfer.ErrTransferNotFound),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrPrivilegeRequestNotFound),
		errors.Is(err, transfer.ErrNoSourceFile):
		return "not_found"
	case errors.Is(err, transfer.ErrLimitExceeded),
		errors.Is(err, transfer.ErrSizeExceeded),
		errors.Is(err, session.ErrSessionLimitReached):
		return "limit_exceeded"
	case errors.Is(err, transfer.ErrTypeBlocked),
		errors.Is(err, transfer.ErrFilenameRejected):
		return "blocked"
	case errors.Is(err, session.ErrPrivilegeEscalationOff),
		errors.Is(err, session.ErrPrivilegeNotAllowed),
		errors.Is(err, session.ErrJustificationRequired):
		return "unauthorized"
	case errors.Is(err, transfer.ErrInvalidStateTransition),
		errors.Is(err, transfer.ErrTransferNotActive),
		errors.Is(err, session.ErrInvalidStateTransition),
		errors.Is(err, session.ErrSessionTerminal),
		errors.Is(err, session.ErrPrivilegeActive),
		errors.Is(err, session.ErrNoActivePrivilege):
		return "invalid_state"
	case errors.Is(err, transfer.ErrInvalidChunkIndex):
		return "protocol_error"
	case errors.Is(err, transfer.ErrTransferFailed):
		return "integrity_error"
	default:
		return "io_failure"
	}
}
