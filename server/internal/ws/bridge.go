package ws

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kvhub/kvhub/server/internal/protocol"
	"github.com/kvhub/kvhub/server/internal/session"
)

const (
	// writeTimeout is the deadline for a single control frame.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server runs a transport as a session until it ends.
type Server interface {
	ServeTransport(t session.Transport) error
}

// Bridge is an http.Handler that turns WebSocket connections into sessions.
type Bridge struct {
	srv Server
	log *slog.Logger

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// New creates a Bridge serving sessions on srv.
func New(srv Server, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{srv: srv, log: logger, conns: make(map[*Conn]struct{})}
}

// ServeHTTP upgrades the connection and blocks until the session ends.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wc, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}
	c := NewConn(wc)
	b.register(c)
	defer b.unregister(c)
	defer c.Close()

	go c.pingLoop()
	if err := b.srv.ServeTransport(c); err != nil {
		b.log.Debug("ws: session refused", "remote", c.RemoteAddr(), "err", err)
	}
}

// Count returns the number of bridged connections.
func (b *Bridge) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// CloseAll closes every bridged connection.
func (b *Bridge) CloseAll() {
	b.mu.Lock()
	conns := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (b *Bridge) register(c *Conn) {
	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()
}

func (b *Bridge) unregister(c *Conn) {
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
}

// Conn adapts a WebSocket connection to session.Transport.
type Conn struct {
	ws *websocket.Conn

	r    io.Reader // current message, nil between messages
	last byte      // last byte read from r
	tail []byte    // line break still owed for the finished message

	closeOnce sync.Once
	done      chan struct{}
}

// NewConn wraps ws and installs the pong handler.
func NewConn(ws *websocket.Conn) *Conn {
	c := &Conn{ws: ws, done: make(chan struct{})}
	ws.SetReadLimit(protocol.DefaultMaxLine)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	return c
}

// Read returns message payloads as one continuous stream.
func (c *Conn) Read(p []byte) (int, error) {
	for {
		if len(c.tail) > 0 {
			n := copy(p, c.tail)
			c.tail = c.tail[n:]
			return n, nil
		}
		if c.r == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			c.r, c.last = r, '\n'
		}
		n, err := c.r.Read(p)
		if n > 0 {
			c.last = p[n-1]
		}
		if err == io.EOF {
			c.r = nil
			switch c.last {
			case '\n':
			case '\r':
				c.tail = []byte("\n")
			default:
				c.tail = []byte("\r\n")
			}
			err = nil
		}
		if n > 0 || err != nil {
			return n, err
		}
	}
}

// Write sends p as one text message.
func (c *Conn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SetWriteDeadline bounds the next Write.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

// RemoteAddr returns the peer address of the underlying connection.
func (c *Conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

// Close sends a close frame and closes the connection. It is idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
