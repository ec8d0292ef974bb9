package router

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onlitec/onlidesk-broker/daemon/session"
)

var ErrPeerGone = errors.New("peer connection closed")

const outboundQueueSize = 256

type outboundFrame struct {
	messageType int
	data        []byte
}

// Conn wraps one peer websocket. All writes go through a single writer
// goroutine fed by a bounded queue; a peer that cannot drain the queue
// within the write timeout is disconnected.
type Conn struct {
	ws   *websocket.Conn
	role session.Role

	sessionID  string
	remoteAddr string

	outbound chan outboundFrame
	done     chan struct{}
	closeErr error

	writeTimeout time.Duration
	closeOnce    sync.Once
}

func newConn(ws *websocket.Conn, role session.Role, sessionID string, writeTimeout time.Duration) *Conn {
	c := &Conn{
		ws:           ws,
		role:         role,
		sessionID:    sessionID,
		remoteAddr:   ws.RemoteAddr().String(),
		outbound:     make(chan outboundFrame, outboundQueueSize),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
	go c.writeLoop()
	return c
}

func (c *Conn) writeLoop() {
	defer c.ws.Close()
	for {
		select {
		case frame := <-c.outbound:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(frame.messageType, frame.data); err != nil {
				c.close(err)
				return
			}
		case <-c.done:
			c.drain()
			return
		}
	}
}

// drain flushes frames queued before close so a final notice (for example
// session_terminated) still reaches the peer, then says goodbye properly.
func (c *Conn) drain() {
	for {
		select {
		case frame := <-c.outbound:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(frame.messageType, frame.data); err != nil {
				return
			}
		default:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// enqueue hands a frame to the writer. Blocking longer than the write
// timeout means the peer is not draining; the connection is torn down.
func (c *Conn) enqueue(messageType int, data []byte) error {
	select {
	case <-c.done:
		return ErrPeerGone
	default:
	}

	select {
	case c.outbound <- outboundFrame{messageType: messageType, data: data}:
		return nil
	case <-c.done:
		return ErrPeerGone
	case <-time.After(c.writeTimeout):
		c.close(errors.New("outbound queue full"))
		return ErrPeerGone
	}
}

// SendEnvelope queues a control envelope as a text frame.
func (c *Conn) SendEnvelope(env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.enqueue(websocket.TextMessage, data)
}

// SendChunk queues a binary chunk frame. Implements transfer.ChunkSink.
func (c *Conn) SendChunk(frame []byte) error {
	return c.enqueue(websocket.BinaryMessage, frame)
}

// SendPing queues a websocket ping control frame.
func (c *Conn) SendPing() error {
	return c.enqueue(websocket.PingMessage, nil)
}

// close marks the connection done. The writer goroutine owns the socket and
// closes it after draining.
func (c *Conn) close(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.done)
	})
}

// Close tears the connection down.
func (c *Conn) Close() {
	c.close(nil)
}

// Done is closed when the connection is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}
