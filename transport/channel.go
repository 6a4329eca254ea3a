package transport

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/sandkit/sandkit/protocol"
)

// historyCap bounds the per-channel event history kept for drivers
// that attach after output already streamed.
const historyCap = 1000

// EventKind distinguishes the inbound command events on a channel.
type EventKind int

const (
	EventOutput EventKind = iota // raw terminal output chunk
	EventHint                    // structured diagnostic annotation
	EventExit                    // process exited
)

// Event is one inbound command event. Output and hint events carry
// Text; exit events carry OK and, when the runner multiplexes
// sub-sessions, a Session id.
type Event struct {
	Kind    EventKind
	Text    string
	OK      bool
	Session int
}

// Channel is a named logical duplex stream multiplexed over the
// connection. Channels are never closed individually; closing the
// session invalidates all of them.
type Channel struct {
	id      string
	service string
	name    string
	conn    *Conn

	mu       sync.Mutex
	listener func(Event)
	history  *ringBuffer
}

func newChannel(conn *Conn, id, service, name string) *Channel {
	return &Channel{
		id:      id,
		service: service,
		name:    name,
		conn:    conn,
		history: newRingBuffer(historyCap),
	}
}

// ID returns the remote-assigned channel identifier.
func (ch *Channel) ID() string { return ch.id }

// Service returns the protocol-level service this channel speaks.
func (ch *Channel) Service() string { return ch.service }

// Name returns the instance name distinguishing channels of the same
// service.
func (ch *Channel) Name() string { return ch.name }

// Send writes a fire-and-forget frame to the channel.
func (ch *Channel) Send(msgType string, payload interface{}) error {
	msg, err := protocol.NewMessage(ch.id, "", msgType, payload)
	if err != nil {
		return err
	}
	return ch.conn.write(msg)
}

// Request writes a frame and suspends until the matching response
// arrives. A remote-reported error field surfaces as a *RemoteError.
func (ch *Channel) Request(ctx context.Context, msgType string, payload interface{}) (*protocol.Message, error) {
	msg, err := protocol.NewMessage(ch.id, uuid.New().String(), msgType, payload)
	if err != nil {
		return nil, err
	}
	return ch.conn.request(ctx, msg)
}

// OnCommand registers the sole active listener for inbound command
// events. A new registration replaces the previous one: at most one
// in-flight interactive command may drive a channel at a time.
func (ch *Channel) OnCommand(fn func(Event)) {
	ch.mu.Lock()
	ch.listener = fn
	ch.mu.Unlock()
}

// History returns the retained recent events in delivery order. The
// stop driver replays it to report output that streamed before it
// attached.
func (ch *Channel) History() []Event {
	return ch.history.ReadAll()
}

// deliver converts an inbound frame to an Event and hands it to the
// active listener. Called from the read pump only, so listeners see
// events in transport delivery order.
func (ch *Channel) deliver(msg *protocol.Message) {
	var ev Event
	switch msg.Type {
	case protocol.TypeCmdOutput:
		var p protocol.CmdOutputPayload
		if err := msg.Decode(&p); err != nil {
			ch.conn.logger.Warn("bad output payload", "channel", ch.id, "error", err)
			return
		}
		ev = Event{Kind: EventOutput, Text: p.Data}

	case protocol.TypeCmdHint:
		var p protocol.CmdHintPayload
		if err := msg.Decode(&p); err != nil {
			ch.conn.logger.Warn("bad hint payload", "channel", ch.id, "error", err)
			return
		}
		ev = Event{Kind: EventHint, Text: p.Text}

	case protocol.TypeCmdState:
		var p protocol.CmdStatePayload
		if err := msg.Decode(&p); err != nil {
			ch.conn.logger.Warn("bad state payload", "channel", ch.id, "error", err)
			return
		}
		if !p.Exited {
			return
		}
		ev = Event{Kind: EventExit, OK: p.OK, Session: p.Session}

	default:
		ch.conn.logger.Debug("unhandled channel frame", "channel", ch.id, "type", msg.Type)
		return
	}

	ch.history.Write(ev)

	ch.mu.Lock()
	fn := ch.listener
	ch.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}
