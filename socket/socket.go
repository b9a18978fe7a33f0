// Package socket implements ConnectionSocket, the abstraction over one
// bidirectional WebSocket transport described in spec.md §4.A.
package socket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/collabmesh/gateway/internal/errors"
	"github.com/collabmesh/gateway/internal/metrics"
	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"
)

const (
	// BackpressureThresholdBytes is the design value from spec.md §4.A:
	// once more than this many bytes are queued for write, Send yields
	// cooperatively until the backlog drains, instead of letting a slow
	// reader inflate memory without bound.
	BackpressureThresholdBytes = 128

	// backpressureYieldInterval is how long Send waits between checks of
	// the pending-byte counter while backpressured.
	backpressureYieldInterval = time.Millisecond

	// CompressionThresholdBytes: per spec.md §6, compression is applied
	// per-frame only when the frame is at least this large.
	CompressionThresholdBytes = 1024

	writeWait = 10 * time.Second

	// pongWait/pingPeriod/maxMessageSize follow the gorilla keepalive idiom:
	// a pong within pongWait keeps the read deadline alive, and pings go out
	// often enough to beat it.
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// Metadata is the immutable data captured at handshake completion.
type Metadata struct {
	RemoteAddress   string
	UserAgent       string
	AcceptLanguage  string
	AccountEmail    string
	Mode            string
	Model           string
}

// ConnectionSocket is the abstraction over one bidirectional frame
// transport: id, send (with backpressure), close, and its attached
// metadata.
type ConnectionSocket interface {
	ID() string
	// Send writes message to the transport, returning the number of bytes
	// actually written. It returns 0 immediately if the socket is closed.
	Send(ctx context.Context, message []byte, binary, compress bool) (int, error)
	Close() error
	Data() Metadata
}

// wsSocket wraps a *websocket.Conn. Concurrent Sends are serialized by
// writeMu since gorilla connections are not safe for concurrent writers;
// pendingBytes implements the backpressure rule without allocating a queue.
type wsSocket struct {
	id   string
	conn *websocket.Conn
	meta Metadata

	writeMu      sync.Mutex
	pendingBytes int64
	closed       atomic.Bool
}

// New wraps conn as a ConnectionSocket with the given handshake metadata.
func New(conn *websocket.Conn, meta Metadata) ConnectionSocket {
	id, err := uuid.NewV4()
	if err != nil {
		// uuid.NewV4 only fails if the system RNG is broken; fall back to
		// the zero UUID rather than panicking the accept loop.
		id = uuid.Nil
	}
	return &wsSocket{
		id:   id.String(),
		conn: conn,
		meta: meta,
	}
}

func (s *wsSocket) ID() string {
	return s.id
}

func (s *wsSocket) Data() Metadata {
	return s.meta
}

// Send implements the backpressure and compression rules from spec.md
// §4.A/§6. It yields cooperatively, polling the pending-byte counter,
// while the transport's backlog exceeds BackpressureThresholdBytes; this
// keeps memory bounded even under many concurrent, stalled callers since
// no per-call queue is ever allocated.
func (s *wsSocket) Send(ctx context.Context, message []byte, binary, compress bool) (int, error) {
	if s.closed.Load() {
		return 0, nil
	}

	n := int64(len(message))
	for atomic.LoadInt64(&s.pendingBytes) > BackpressureThresholdBytes {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(backpressureYieldInterval):
		}
		if s.closed.Load() {
			return 0, nil
		}
	}

	atomic.AddInt64(&s.pendingBytes, n)
	defer atomic.AddInt64(&s.pendingBytes, -n)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed.Load() {
		return 0, nil
	}

	s.conn.EnableWriteCompression(compress && len(message) >= CompressionThresholdBytes)

	messageType := websocket.TextMessage
	if binary {
		messageType = websocket.BinaryMessage
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(messageType, message); err != nil {
		return 0, &errors.TransportError{Cause: err}
	}

	metrics.RecordSendBytes(ctx, len(message))
	return len(message), nil
}

// Close closes the underlying connection. Safe to call more than once.
func (s *wsSocket) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.conn.Close()
}

var _ ConnectionSocket = (*wsSocket)(nil)

// Listen runs the read loop for conn until the connection errors, closes, or
// ctx is cancelled. onFrame is invoked once per inbound frame; a keepalive
// ping is written every pingPeriod, and a missed pong within pongWait drops
// the connection. Listen returns once the loop has exited, having already
// closed sock.
func Listen(ctx context.Context, sock ConnectionSocket, conn *websocket.Conn, onFrame func(data []byte, binary bool)) {
	ws, ok := sock.(*wsSocket)
	if !ok {
		return
	}
	defer sock.Close()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go keepalive(ctx, ws, done)
	defer close(done)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		onFrame(data, messageType == websocket.BinaryMessage)
	}
}

// keepalive writes a ping every pingPeriod until done is closed or a write
// fails, at which point it closes the socket so the blocked reader in Listen
// unwinds.
func keepalive(ctx context.Context, ws *wsSocket, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			ws.writeMu.Lock()
			_ = ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := ws.conn.WriteMessage(websocket.PingMessage, nil)
			ws.writeMu.Unlock()
			if err != nil {
				ws.Close()
				return
			}
		}
	}
}
