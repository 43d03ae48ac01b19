// Package protocol implements the per-connection sync handshake and update
// relay on top of a session registry. It is transport agnostic: a
// transport feeds it raw frames and provides a Conn to write to.
package protocol

import (
	"context"
	"diagram-sync/core"
	"diagram-sync/session"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrSlowConsumer means the connection's outbound queue was full.
var ErrSlowConsumer = errors.New("outbound queue full")

// Conn is the transport side of a connection. Deliver must not block.
// Close flushes what is queued and then closes with reason.
type Conn interface {
	ID() string
	Deliver(msg []byte) bool
	Close(reason string)
}

type Handler struct {
	registry  *session.Registry
	diagramID string
	conn      Conn
	machine   Machine

	session   *session.Session
	leaveOnce sync.Once
}

func NewHandler(registry *session.Registry, diagramID string, conn Conn) *Handler {
	return &Handler{registry: registry, diagramID: diagramID, conn: conn}
}

func (h *Handler) State() State { return h.machine.State() }

func (h *Handler) log() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"diagram_id": h.diagramID,
		"conn_id":    h.conn.ID(),
		"state":      h.machine.State(),
	})
}

// Connect joins the diagram's session and sends the full document state to
// this connection only.
func (h *Handler) Connect(ctx context.Context) error {
	if err := h.machine.Transition(Syncing); err != nil {
		return err
	}

	s, err := h.registry.Join(ctx, h.diagramID, h.conn, func(snapshot []byte) error {
		if !h.conn.Deliver(WelcomeMessage(snapshot)) {
			return ErrSlowConsumer
		}
		return nil
	})
	if err != nil {
		h.log().WithError(err).Error("Failed to join session")
		_ = h.machine.Transition(Closed)
		h.conn.Deliver(ErrorMessage("failed to join diagram"))
		h.conn.Close("join failed")
		return err
	}
	h.session = s

	if err := h.machine.Transition(Open); err != nil {
		return err
	}
	h.log().Info("Connection open")
	return nil
}

// Receive handles one inbound frame. A returned error means the connection
// has been closed. Rejected updates are reported to the client and leave
// the connection open.
func (h *Handler) Receive(ctx context.Context, raw []byte) error {
	if state := h.machine.State(); state != Open {
		return h.fail(core.NewProtocolError(fmt.Sprintf("message received in state %s", state), nil))
	}

	msg, err := Decode(raw)
	if err != nil {
		return h.fail(core.NewProtocolError("malformed message", err))
	}

	switch msg.Type {
	case TypeUpdate:
		if msg.Update == nil {
			return h.fail(core.NewProtocolError("update message without update", nil))
		}
		return h.apply(ctx, msg.Update)

	case TypeSync:
		switch msg.Step() {
		case StepRequestVector:
			sv, err := h.session.StateVector()
			if err != nil {
				return h.fail(err)
			}
			return h.send(StateVectorMessage(sv))

		case StepStateVector:
			if msg.StateVector == nil {
				return h.fail(core.NewProtocolError("sync step 1 without state_vector", nil))
			}
			diff, err := h.session.Diff(msg.StateVector)
			if errors.Is(err, core.ErrSessionClosed) {
				return h.fail(err)
			}
			if err != nil {
				return h.fail(core.NewProtocolError("undecodable state vector", err))
			}
			return h.send(SyncUpdateMessage(diff))

		case StepUpdate:
			if msg.Update == nil {
				return h.fail(core.NewProtocolError("sync step 2 without update", nil))
			}
			return h.apply(ctx, msg.Update)

		default:
			return h.fail(core.NewProtocolError(fmt.Sprintf("unknown sync step %d", msg.Step()), nil))
		}

	case TypeError:
		h.log().WithField("error", msg.Error).Warn("Client reported an error")
		return nil

	default:
		return h.fail(core.NewProtocolError(fmt.Sprintf("unknown message type %q", msg.Type), nil))
	}
}

func (h *Handler) apply(ctx context.Context, update []byte) error {
	err := h.session.Apply(ctx, h.conn.ID(), update, UpdateMessage(update))
	var derr *core.DocumentError
	if errors.As(err, &derr) {
		h.log().WithError(err).Warn("Rejected update")
		return h.send(ErrorMessage(derr.Error()))
	}
	if err != nil {
		return h.fail(err)
	}
	return nil
}

func (h *Handler) send(msg []byte) error {
	if !h.conn.Deliver(msg) {
		return h.fail(ErrSlowConsumer)
	}
	return nil
}

// fail terminates this connection only.
func (h *Handler) fail(err error) error {
	if h.machine.Transition(Closed) != nil {
		return err
	}

	var perr *core.ProtocolError
	switch {
	case errors.As(err, &perr):
		h.log().WithError(err).Warn("Protocol error")
		h.conn.Deliver(ErrorMessage(perr.Error()))
		h.conn.Close(perr.Reason)
	case errors.Is(err, ErrSlowConsumer):
		h.log().Warn("Closing slow consumer")
		h.conn.Close("slow consumer")
	default:
		h.log().WithError(err).Error("Closing connection")
		h.conn.Close("internal error")
	}
	return err
}

// Disconnect leaves the session, persisting its snapshot. It is safe to
// call in any state and more than once.
func (h *Handler) Disconnect(ctx context.Context) error {
	_ = h.machine.Transition(Closed)

	var err error
	h.leaveOnce.Do(func() {
		if h.session == nil {
			return
		}
		err = h.registry.Leave(ctx, h.session, h.conn)
		h.log().Info("Connection closed")
	})
	return err
}
