package websocket

import (
	"context"
	"diagram-sync/core"
	"diagram-sync/protocol"
	"diagram-sync/session"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	// Control frame payloads are capped at 125 bytes, two of which hold
	// the close code.
	maxCloseReason = 123
)

type Options struct {
	QueueSize       int
	MaxMessageBytes int64
	// CheckOrigin reports whether a browser origin may connect. Requests
	// without an Origin header are always accepted.
	CheckOrigin func(origin string) bool
}

type Server struct {
	registry *session.Registry
	opts     Options
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*conn
	closed bool
	wg     sync.WaitGroup
}

func NewServer(registry *session.Registry, opts Options) *Server {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 5000000
	}
	s := &Server{
		registry: registry,
		opts:     opts,
		conns:    make(map[string]*conn),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || opts.CheckOrigin == nil {
				return true
			}
			return opts.CheckOrigin(origin)
		},
	}
	return s
}

// HandleDiagram upgrades GET /ws/diagram/{diagramId} and runs the sync
// protocol until the connection ends.
func (s *Server) HandleDiagram(w http.ResponseWriter, r *http.Request) {
	diagramID := chi.URLParam(r, "diagramId")
	if !core.ValidDiagramID(diagramID) {
		http.Error(w, "invalid diagram id", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).WithField("diagram_id", diagramID).Warn("Websocket upgrade failed")
		return
	}

	c := newConn(ws, s.opts.QueueSize)
	log := logrus.WithFields(logrus.Fields{"diagram_id": diagramID, "conn_id": c.id})
	log.WithField("remote_addr", r.RemoteAddr).Debug("Websocket connected")

	s.track(c)
	defer s.untrack(c)
	go c.writePump()

	ctx := context.WithoutCancel(r.Context())
	handler := protocol.NewHandler(s.registry, diagramID, c)
	if err := handler.Connect(ctx); err == nil {
		c.readPump(ctx, handler, s.opts.MaxMessageBytes)
	}

	if err := handler.Disconnect(ctx); err != nil {
		log.WithError(err).Error("Final snapshot flush failed")
	}
	c.Close("")
	<-c.done
	log.Debug("Websocket disconnected")
}

// track registers c for Shutdown. A connection upgraded after Shutdown has
// already walked conns is closed here instead.
func (s *Server) track(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.id] = c
	if s.closed {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c.id)
}

// Connections returns the number of open websocket connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown refuses new connections, closes open ones and waits until every
// connection has left its session or ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, c := range s.conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// conn implements protocol.Conn over a gorilla websocket with a bounded
// outbound queue drained by writePump.
type conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}

	mu        sync.Mutex
	closing   bool
	closeCode int
	reason    string
}

func newConn(ws *websocket.Conn, queueSize int) *conn {
	return &conn{
		id:   ulid.Make().String(),
		ws:   ws,
		send: make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
}

func (c *conn) ID() string { return c.id }

// Deliver enqueues msg without blocking. A full queue closes the
// connection as a slow consumer.
func (c *conn) Deliver(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.closeLocked(websocket.CloseTryAgainLater, "slow consumer")
		return false
	}
}

func (c *conn) Close(reason string) {
	code := websocket.ClosePolicyViolation
	switch reason {
	case "":
		code = websocket.CloseNormalClosure
	case "slow consumer":
		code = websocket.CloseTryAgainLater
	case "internal error", "join failed":
		code = websocket.CloseInternalServerErr
	}
	c.closeWith(code, reason)
}

func (c *conn) closeWith(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(code, reason)
}

// closeLocked stops accepting messages; writePump flushes the queue and
// sends the close frame. Caller holds mu.
func (c *conn) closeLocked(code int, reason string) {
	if c.closing {
		return
	}
	c.closing = true
	c.closeCode = code
	c.reason = truncateReason(reason)
	close(c.send)
}

// truncateReason fits reason into a close frame without splitting a rune.
// Peers fail the connection on invalid UTF-8 in the close payload.
func truncateReason(reason string) string {
	reason = strings.ToValidUTF8(reason, "?")
	if len(reason) <= maxCloseReason {
		return reason
	}
	n := maxCloseReason
	for n > 0 && !utf8.RuneStart(reason[n]) {
		n--
	}
	return reason[:n]
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		close(c.done)
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.mu.Lock()
				frame := websocket.FormatCloseMessage(c.closeCode, c.reason)
				c.mu.Unlock()
				_ = c.ws.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeWait))
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				logrus.WithError(err).WithField("conn_id", c.id).Debug("Websocket write failed")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (c *conn) readPump(ctx context.Context, handler *protocol.Handler, limit int64) {
	c.ws.SetReadLimit(limit)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logrus.WithError(err).WithField("conn_id", c.id).Info("Websocket closed unexpectedly")
			}
			return
		}
		if err := handler.Receive(ctx, data); err != nil {
			return
		}
	}
}
