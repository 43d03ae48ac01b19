// Package socketio carries the sync protocol over socket.io for clients
// that cannot open a raw websocket. A client emits "join-diagram" with the
// diagram id, then "message" events holding protocol envelopes; the server
// answers with "message" events.
package socketio

import (
	"context"
	"diagram-sync/core"
	"diagram-sync/protocol"
	"diagram-sync/session"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

const (
	EventJoin    = "join-diagram"
	EventJoinAck = "join-diagram-ack"
	EventMessage = "message"
)

type ackInvoker func(err error, payload map[string]any)

type Options struct {
	QueueSize       int
	MaxMessageBytes int64
	AllowedOrigins  []string
}

var localhostOrigin = regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1|\[::1\])(:\d+)?$`)

func SetupSocketIO(registry *session.Registry, options Options) *socketio.Server {
	if options.QueueSize <= 0 {
		options.QueueSize = 256
	}
	maxBytes := options.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = 5000000
	}

	opts := socketio.DefaultServerOptions()
	opts.SetMaxHttpBufferSize(maxBytes)
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	origins := []any{"tauri://localhost", localhostOrigin}
	for _, origin := range options.AllowedOrigins {
		origins = append(origins, origin)
	}
	opts.SetCors(&types.Cors{
		Origin:      origins,
		Credentials: true,
	})
	srv := socketio.NewServer(nil, opts)

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}
		c := &client{registry: registry, socket: socket, queueSize: options.QueueSize}

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On(EventJoin, func(datas ...any) {
			ack, args := extractAck(datas)
			err := c.join(args)
			payload := map[string]any{"status": "ok"}
			if err != nil {
				payload = map[string]any{"status": "error", "error": err.Error()}
			}
			respondWithAck(socket, ack, EventJoinAck, payload, err)
		})

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On(EventMessage, func(datas ...any) {
			_, args := extractAck(datas)
			c.receive(args)
		})

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On("disconnect", func(datas ...any) {
			c.disconnect()
			socket.RemoveAllListeners("")
		})
	})

	return srv
}

// client is one socket.io connection bound to at most one diagram.
type client struct {
	registry  *session.Registry
	socket    *socketio.Socket
	queueSize int

	mu      sync.Mutex
	handler *protocol.Handler
	conn    *socketConn
}

func (c *client) join(args []any) error {
	if len(args) == 0 {
		return fmt.Errorf("diagram id is required")
	}
	diagramID, ok := args[0].(string)
	if !ok || !core.ValidDiagramID(diagramID) {
		return fmt.Errorf("invalid diagram id")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler != nil {
		return fmt.Errorf("already joined a diagram")
	}

	conn := newSocketConn(string(c.socket.Id()), c.queueSize, func(msg []byte) error {
		return c.socket.Emit(EventMessage, string(msg))
	}, func() {
		c.socket.Disconnect(true)
	})
	handler := protocol.NewHandler(c.registry, diagramID, conn)
	if err := handler.Connect(context.Background()); err != nil {
		return err
	}
	c.handler, c.conn = handler, conn
	return nil
}

func (c *client) receive(args []any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler == nil {
		logrus.WithField("conn_id", c.socket.Id()).Warn("Message before join-diagram")
		_ = c.socket.Emit(EventMessage, string(protocol.ErrorMessage("join a diagram first")))
		return
	}
	if len(args) == 0 {
		_ = c.handler.Receive(context.Background(), nil)
		return
	}
	raw, err := frameOf(args[0])
	if err != nil {
		raw = nil
	}
	_ = c.handler.Receive(context.Background(), raw)
}

func (c *client) disconnect() {
	c.mu.Lock()
	handler, conn := c.handler, c.conn
	c.mu.Unlock()
	if handler == nil {
		return
	}
	if err := handler.Disconnect(context.Background()); err != nil {
		logrus.WithError(err).WithField("conn_id", conn.ID()).Error("Final snapshot flush failed")
	}
	conn.stop()
}

// frameOf turns a socket.io event argument back into envelope bytes.
// Clients may send the envelope as a JSON string or as an object.
func frameOf(arg any) ([]byte, error) {
	switch v := arg.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	case nil:
		return nil, fmt.Errorf("empty message")
	default:
		return json.Marshal(v)
	}
}

// socketConn implements protocol.Conn with a bounded queue drained by a
// single emitting goroutine.
type socketConn struct {
	id         string
	send       chan []byte
	done       chan struct{}
	emit       func([]byte) error
	disconnect func()

	mu      sync.Mutex
	closing bool
	kick    bool
}

func newSocketConn(id string, queueSize int, emit func([]byte) error, disconnect func()) *socketConn {
	c := &socketConn{
		id:         id,
		send:       make(chan []byte, queueSize),
		done:       make(chan struct{}),
		emit:       emit,
		disconnect: disconnect,
	}
	go c.pump()
	return c
}

func (c *socketConn) ID() string { return c.id }

func (c *socketConn) Deliver(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.closeLocked(true)
		return false
	}
}

// Close flushes queued messages and then disconnects the socket.
func (c *socketConn) Close(reason string) {
	logrus.WithFields(logrus.Fields{"conn_id": c.id, "reason": reason}).Debug("Closing socket.io connection")
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(true)
}

// stop ends the pump without disconnecting; the socket is already gone.
func (c *socketConn) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(false)
}

func (c *socketConn) closeLocked(kick bool) {
	if c.closing {
		return
	}
	c.closing = true
	c.kick = kick
	close(c.send)
}

func (c *socketConn) pump() {
	defer close(c.done)
	for msg := range c.send {
		if err := c.emit(msg); err != nil {
			logrus.WithError(err).WithField("conn_id", c.id).Debug("Socket.io emit failed")
		}
	}
	c.mu.Lock()
	kick := c.kick
	c.mu.Unlock()
	if kick {
		c.disconnect()
	}
}

func extractAck(datas []any) (ack ackInvoker, args []any) {
	if len(datas) == 0 {
		return nil, datas
	}

	candidate := datas[len(datas)-1]
	ack = wrapAck(candidate)
	if ack == nil {
		return nil, datas
	}

	return ack, datas[:len(datas)-1]
}

func wrapAck(candidate any) ackInvoker {
	if candidate == nil {
		return nil
	}

	value := reflect.ValueOf(candidate)
	if !value.IsValid() || value.Kind() != reflect.Func {
		return nil
	}

	typ := value.Type()
	return func(err error, payload map[string]any) {
		args := make([]reflect.Value, typ.NumIn())
		for i := range args {
			var arg any
			switch {
			case typ.NumIn() == 1 && err != nil:
				arg = err
			case typ.NumIn() == 1:
				arg = payload
			case i == 0:
				arg = err
			case i == 1:
				arg = payload
			}
			args[i] = coerceValue(arg, typ.In(i))
		}
		value.Call(args)
	}
}

func coerceValue(value any, targetType reflect.Type) reflect.Value {
	if value == nil {
		return reflect.Zero(targetType)
	}

	rv := reflect.ValueOf(value)
	if rv.Type().AssignableTo(targetType) {
		return rv
	}
	if rv.Type().ConvertibleTo(targetType) {
		return rv.Convert(targetType)
	}
	if targetType.Kind() == reflect.String {
		return reflect.ValueOf(fmt.Sprint(value)).Convert(targetType)
	}
	return reflect.Zero(targetType)
}

func respondWithAck(socket *socketio.Socket, ack ackInvoker, event string, payload map[string]any, ackErr error) {
	if ack != nil {
		ack(ackErr, payload)
	}

	if event != "" && payload != nil {
		_ = socket.Emit(event, payload)
	}
}
