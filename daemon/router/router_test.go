package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onlitec/onlidesk-broker/daemon/config"
	"github.com/onlitec/onlidesk-broker/daemon/session"
	"github.com/onlitec/onlidesk-broker/daemon/transfer"
	"github.com/onlitec/onlidesk-broker/internal/fileguard"
)

type fixture struct {
	cfg      *config.Config
	sessions *session.Manager
	engine   *transfer.Engine
	hub      *Hub
	router   *Router
	server   *httptest.Server
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.Transfer.TempDir = t.TempDir()
	cfg.Transfer.RequireApproval = true
	cfg.Transfer.EncryptFiles = false
	if mutate != nil {
		mutate(cfg)
	}

	sessions := session.NewManager(func() *config.RemoteAccessConfig { return &cfg.RemoteAccess }, nil, nil, nil)
	engine := transfer.NewEngine(func() *config.TransferConfig { return &cfg.Transfer }, transfer.Options{})
	hub := NewHub(nil, nil)
	router := New(func() *config.RemoteAccessConfig { return &cfg.RemoteAccess }, sessions, engine, hub, nil, nil)
	sessions.SetNotifier(router)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/client", router.HandleClient)
	mux.HandleFunc("/ws/portal", router.HandlePortal)
	server := httptest.NewServer(mux)

	ctx, cancel := context.WithCancel(context.Background())
	go router.Run(ctx)

	t.Cleanup(func() {
		cancel()
		server.Close()
	})

	return &fixture{cfg: cfg, sessions: sessions, engine: engine, hub: hub, router: router, server: server}
}

func (f *fixture) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, env *Envelope) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(env))
}

// expect reads envelopes until one of the wanted type arrives, skipping
// unrelated traffic such as progress pushes.
func expect(t *testing.T, ws *websocket.Conn, envelopeType string) *Envelope {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		var env Envelope
		require.NoError(t, ws.ReadJSON(&env), "waiting for %s", envelopeType)
		if env.Type == envelopeType {
			return &env
		}
	}
	t.Fatalf("no %s envelope before deadline", envelopeType)
	return nil
}

// connectedPair creates a session via the portal and registers a client on
// it. Returns both sockets and the session ID.
func connectedPair(t *testing.T, f *fixture) (portal, client *websocket.Conn, sessionID string) {
	t.Helper()

	portal = f.dial(t, "/ws/portal")
	created := &Envelope{Type: TypeSessionCreate, ClientID: "client-1", TechnicianID: "tech-1",
		ClientInfo: &session.ClientInfo{Hostname: "desk-a", OS: "windows"}}
	send(t, portal, created)
	reply := expect(t, portal, TypeSessionCreated)
	require.NotEmpty(t, reply.SessionID)

	client = f.dial(t, "/ws/client")
	send(t, client, &Envelope{Type: TypeSessionRegister, SessionID: reply.SessionID})
	registered := expect(t, client, TypeSessionRegistered)
	assert.Equal(t, "active", registered.Status)

	return portal, client, reply.SessionID
}

func TestSessionCreateAndRegister(t *testing.T) {
	f := newFixture(t, nil)
	_, _, sessionID := connectedPair(t, f)

	s, err := f.sessions.Get(sessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, s.GetStatus())
	assert.Equal(t, "desk-a", s.ClientInfo.Hostname)
	assert.Equal(t, 2, f.hub.Count())
}

func TestRegisterUnknownSession(t *testing.T) {
	f := newFixture(t, nil)

	client := f.dial(t, "/ws/client")
	send(t, client, &Envelope{Type: TypeSessionRegister, SessionID: "nope"})
	reply := expect(t, client, TypeError)
	assert.Equal(t, "not_found", reply.Error)
}

func TestSessionCreateRequiresPortalRole(t *testing.T) {
	f := newFixture(t, nil)

	client := f.dial(t, "/ws/client")
	send(t, client, &Envelope{Type: TypeSessionCreate, ClientID: "c", TechnicianID: "t"})
	reply := expect(t, client, TypeError)
	assert.Equal(t, "unauthorized", reply.Error)
}

func TestUnboundConnectionRejected(t *testing.T) {
	f := newFixture(t, nil)

	portal := f.dial(t, "/ws/portal")
	send(t, portal, &Envelope{Type: TypeFileTransferRequest, Filename: "a.txt", FileSize: 10})
	reply := expect(t, portal, TypeError)
	assert.Equal(t, "unauthorized", reply.Error)
}

func TestUnknownEnvelopeTypeIgnored(t *testing.T) {
	f := newFixture(t, nil)
	portal, _, _ := connectedPair(t, f)

	send(t, portal, &Envelope{Type: "telemetry_blob"})
	send(t, portal, &Envelope{Type: TypePing})
	expect(t, portal, TypePong)
}

func TestUploadFlowOverWebsocket(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Transfer.ChunkSize = 1024 })
	portal, client, _ := connectedPair(t, f)

	data := make([]byte, 2*1024+512)
	for i := range data {
		data[i] = byte(i)
	}

	send(t, portal, &Envelope{Type: TypeFileTransferRequest, Filename: "report.txt", FileSize: int64(len(data))})
	response := expect(t, portal, TypeFileTransferResponse)
	assert.Equal(t, "pending", response.Status)
	transferID := response.TransferID

	prompt := expect(t, client, TypeFileTransferRequest)
	assert.Equal(t, transferID, prompt.TransferID)
	assert.Equal(t, "report.txt", prompt.Filename)

	approved := true
	send(t, client, &Envelope{Type: TypeTransferApproval, TransferID: transferID, Approved: &approved})

	update := expect(t, portal, TypeTransferStatusUpdate)
	assert.Equal(t, "approved", update.Status)

	// Stream the chunks.
	for index := int64(0); index*1024 < int64(len(data)); index++ {
		start := index * 1024
		end := start + 1024
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		payload := data[start:end]

		frame, err := transfer.EncodeChunkFrame(transfer.ChunkHeader{
			TransferID: transferID,
			ChunkIndex: index,
			Checksum:   fileguard.ChunkChecksum(payload),
			IsLast:     end == int64(len(data)),
		}, payload)
		require.NoError(t, err)
		require.NoError(t, client.WriteMessage(websocket.BinaryMessage, frame))

		ack := expect(t, client, TypeChunkAck)
		assert.Equal(t, "received", ack.Status)
	}

	done := expect(t, portal, TypeTransferStatusUpdate)
	for done.Status != "completed" {
		done = expect(t, portal, TypeTransferStatusUpdate)
	}

	tr, err := f.engine.Get(transferID)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusCompleted, tr.GetStatus())
}

func TestChunkChecksumTriggersRetransmissionRequest(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Transfer.ChunkSize = 1024
		cfg.Transfer.RequireApproval = false
	})
	_, client, sessionID := connectedPair(t, f)

	tr, err := f.engine.Create(transfer.CreateRequest{
		SessionID: sessionID, TechnicianID: "tech-1",
		Direction: transfer.DirectionUpload, Filename: "a.bin", FileSize: 1024,
	})
	require.NoError(t, err)

	frame, err := transfer.EncodeChunkFrame(transfer.ChunkHeader{
		TransferID: tr.ID, ChunkIndex: 0, Checksum: "bogus", IsLast: true,
	}, make([]byte, 1024))
	require.NoError(t, err)
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, frame))

	retry := expect(t, client, TypeChunkRetransmission)
	assert.Equal(t, tr.ID, retry.TransferID)
	require.NotNil(t, retry.ChunkIndex)
	assert.Equal(t, int64(0), *retry.ChunkIndex)
}

func TestMalformedBinaryFrame(t *testing.T) {
	f := newFixture(t, nil)
	_, client, _ := connectedPair(t, f)

	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte{0, 1}))
	reply := expect(t, client, TypeError)
	assert.Equal(t, "protocol_error", reply.Error)
}

func TestPrivilegeEscalationFlow(t *testing.T) {
	f := newFixture(t, nil)
	portal, client, sessionID := connectedPair(t, f)

	send(t, portal, &Envelope{
		Type:            TypePrivilegeRequest,
		PrivilegeType:   "elevated",
		Justification:   "install diagnostics package",
		DurationSeconds: 600,
	})

	prompt := expect(t, client, TypePrivilegeRequested)
	require.NotEmpty(t, prompt.RequestID)
	assert.Equal(t, "elevated", prompt.PrivilegeType)

	ack := expect(t, portal, TypePrivilegeRequested)
	assert.Equal(t, "pending", ack.Status)

	approved := true
	send(t, client, &Envelope{Type: TypePrivilegeResponse, RequestID: prompt.RequestID, Approved: &approved})

	granted := expect(t, portal, TypePrivilegeApproved)
	assert.Equal(t, "elevated", granted.PrivilegeType)

	s, err := f.sessions.Get(sessionID)
	require.NoError(t, err)
	assert.True(t, s.HasActivePrivilege("elevated"))
}

func TestPrivilegeDenied(t *testing.T) {
	f := newFixture(t, nil)
	portal, client, sessionID := connectedPair(t, f)

	send(t, portal, &Envelope{
		Type:          TypePrivilegeRequest,
		PrivilegeType: "registry",
		Justification: "repair broken file associations",
	})
	prompt := expect(t, client, TypePrivilegeRequested)

	denied := false
	send(t, client, &Envelope{Type: TypePrivilegeResponse, RequestID: prompt.RequestID, Approved: &denied})
	expect(t, portal, TypePrivilegeDenied)

	s, err := f.sessions.Get(sessionID)
	require.NoError(t, err)
	assert.False(t, s.HasActivePrivilege("registry"))
}

func TestPrivilegeRequestRequiresJustification(t *testing.T) {
	f := newFixture(t, nil)
	portal, _, _ := connectedPair(t, f)

	send(t, portal, &Envelope{Type: TypePrivilegeRequest, PrivilegeType: "elevated", Justification: "short"})
	reply := expect(t, portal, TypeError)
	assert.Equal(t, "unauthorized", reply.Error)
}

func TestOpaqueForwarding(t *testing.T) {
	f := newFixture(t, nil)
	portal, client, _ := connectedPair(t, f)

	send(t, portal, &Envelope{Type: TypeControlCommand, Action: "lock_screen"})
	forwarded := expect(t, client, TypeControlCommand)
	assert.Equal(t, "lock_screen", forwarded.Action)

	send(t, client, &Envelope{Type: TypeScreenCapture, Message: "frame-data"})
	capture := expect(t, portal, TypeScreenCapture)
	assert.Equal(t, "frame-data", capture.Message)
}

func TestSessionTerminateNotifiesBothPeers(t *testing.T) {
	f := newFixture(t, nil)
	portal, client, sessionID := connectedPair(t, f)

	send(t, portal, &Envelope{Type: TypeSessionTerminate, Reason: "work complete"})

	notice := expect(t, client, TypeSessionTerminated)
	assert.Equal(t, "work complete", notice.Reason)
	_ = portal

	s, err := f.sessions.Get(sessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusTerminated, s.GetStatus())

	require.Eventually(t, func() bool { return f.hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSessionExpiryNotifiesPeers(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.RemoteAccess.IdleTimeout = config.Duration(30 * time.Minute)
	})
	portal, client, sessionID := connectedPair(t, f)

	s, err := f.sessions.Get(sessionID)
	require.NoError(t, err)
	s.LastActivity = time.Now().Add(-time.Hour)

	expired, _ := f.sessions.Sweep()
	require.Equal(t, 1, expired)

	notice := expect(t, client, TypeSessionExpired)
	assert.Equal(t, sessionID, notice.SessionID)
	assert.Equal(t, "timeout", notice.Reason)

	notice = expect(t, portal, TypeSessionExpired)
	assert.Equal(t, "expired", notice.Status)

	require.Eventually(t, func() bool { return f.hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestPrivilegeExpiryNoticeReachesPeers(t *testing.T) {
	f := newFixture(t, nil)
	portal, client, sessionID := connectedPair(t, f)

	f.router.PrivilegeExpired(sessionID, "elevated")

	notice := expect(t, client, TypePrivilegeExpired)
	assert.Equal(t, "elevated", notice.PrivilegeType)
	notice = expect(t, portal, TypePrivilegeExpired)
	assert.Equal(t, sessionID, notice.SessionID)
}

func TestClientDisplacement(t *testing.T) {
	f := newFixture(t, nil)
	_, first, sessionID := connectedPair(t, f)

	second := f.dial(t, "/ws/client")
	send(t, second, &Envelope{Type: TypeSessionRegister, SessionID: sessionID})
	expect(t, second, TypeSessionRegistered)

	// The displaced socket is closed by the broker.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	// The replacement still works.
	send(t, second, &Envelope{Type: TypePing})
	expect(t, second, TypePong)

	s, err := f.sessions.Get(sessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, s.GetStatus(), "displacement does not disconnect the session")
}

func TestDownloadDeliveredToClient(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Transfer.ChunkSize = 1024 })
	portal, client, _ := connectedPair(t, f)

	data := make([]byte, 1536)
	for i := range data {
		data[i] = byte(255 - i%251)
	}
	source := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(source, data, 0o600))

	send(t, portal, &Envelope{
		Type:       TypeFileTransferRequest,
		Direction:  string(transfer.DirectionDownload),
		Filename:   "payload.bin",
		FileSize:   int64(len(data)),
		SourcePath: source,
	})
	response := expect(t, portal, TypeFileTransferResponse)
	transferID := response.TransferID

	prompt := expect(t, client, TypeFileTransferRequest)
	assert.Equal(t, "download", prompt.Direction)

	approved := true
	send(t, client, &Envelope{Type: TypeTransferApproval, TransferID: transferID, Approved: &approved})

	// The client receives the chunk frames interleaved with control traffic.
	var received []byte
	deadline := time.Now().Add(5 * time.Second)
	for len(received) < len(data) && time.Now().Before(deadline) {
		client.SetReadDeadline(time.Now().Add(5 * time.Second))
		messageType, payload, err := client.ReadMessage()
		require.NoError(t, err)
		if messageType != websocket.BinaryMessage {
			continue
		}
		header, chunk, err := transfer.DecodeChunkFrame(payload)
		require.NoError(t, err)
		assert.Equal(t, transferID, header.TransferID)
		assert.Equal(t, fileguard.ChunkChecksum(chunk), header.Checksum)
		received = append(received, chunk...)
	}
	assert.Equal(t, data, received)

	tr, err := f.engine.Get(transferID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return tr.GetStatus() == transfer.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}
