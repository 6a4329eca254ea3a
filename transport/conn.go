// Package transport maintains the single persistent websocket
// connection to a workspace and multiplexes logical channels over it.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sandkit/sandkit/protocol"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	sendBufferCap = 256
)

// Options configures a connection.
type Options struct {
	// URL is the websocket endpoint of the workspace.
	URL string

	// Token is the short-lived connection credential presented during
	// the handshake.
	Token string

	// TokenFunc, when set, fetches the connection credential at dial
	// time instead of Token. The session manager supplies it so the
	// credential exchange happens as part of the handshake.
	TokenFunc func(ctx context.Context) (string, error)

	// OnFatal is invoked once when the connection fails in a way that
	// cannot be recovered (unexpected close, protocol violation). The
	// connection is already unusable when it fires. Nil means the
	// failure is only logged.
	OnFatal func(error)

	Logger *slog.Logger

	// Dialer overrides the websocket dialer, used by tests.
	Dialer *websocket.Dialer
}

// Conn is one open workspace connection. All channels share it; it is
// safe for concurrent use.
type Conn struct {
	ws      *websocket.Conn
	logger  *slog.Logger
	onFatal func(error)

	send chan []byte
	done chan struct{}

	mu       sync.Mutex
	channels map[string]*Channel               // channel id → channel
	pending  map[string]chan *protocol.Message // ref → response waiter
	closed   bool
}

// Dial establishes the connection and starts the read/write pumps. The
// root channel is registered implicitly and is available immediately.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("transport: missing URL")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	token := opts.Token
	if opts.TokenFunc != nil {
		t, err := opts.TokenFunc(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch connection token: %w", err)
		}
		token = t
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	ws, resp, err := dialer.DialContext(ctx, opts.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", opts.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}

	c := &Conn{
		ws:       ws,
		logger:   logger,
		onFatal:  opts.OnFatal,
		send:     make(chan []byte, sendBufferCap),
		done:     make(chan struct{}),
		channels: make(map[string]*Channel),
		pending:  make(map[string]chan *protocol.Message),
	}

	// The root channel exists without an explicit open.
	root := newChannel(c, protocol.RootChannel, protocol.RootChannel, protocol.RootChannel)
	c.channels[protocol.RootChannel] = root

	go c.readPump()
	go c.writePump()

	return c, nil
}

// Root returns the implicit control channel.
func (c *Conn) Root() *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[protocol.RootChannel]
}

// OpenChannel asks the remote to open a channel for the given service
// and instance name, suspending until it acknowledges.
func (c *Conn) OpenChannel(ctx context.Context, service, name string) (*Channel, error) {
	ref := uuid.New().String()
	waiter := c.addPending(ref)
	defer c.removePending(ref)

	msg, err := protocol.NewMessage(protocol.RootChannel, ref, protocol.TypeChannelOpen, protocol.ChannelOpenPayload{
		Service: service,
		Name:    name,
	})
	if err != nil {
		return nil, err
	}
	if err := c.write(msg); err != nil {
		return nil, &ChannelOpenError{Service: service, Name: name, Reason: err.Error()}
	}

	select {
	case resp := <-waiter:
		var ack protocol.ChannelOpenAckPayload
		if resp.Type == protocol.TypeError {
			var p protocol.ErrorPayload
			resp.Decode(&p)
			return nil, &ChannelOpenError{Service: service, Name: name, Reason: p.Message}
		}
		if err := resp.Decode(&ack); err != nil {
			return nil, &ChannelOpenError{Service: service, Name: name, Reason: err.Error()}
		}
		if ack.Error != "" {
			return nil, &ChannelOpenError{Service: service, Name: name, Reason: ack.Error}
		}

		ch := newChannel(c, ack.ChannelID, service, name)
		c.mu.Lock()
		c.channels[ack.ChannelID] = ch
		c.mu.Unlock()
		return ch, nil

	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, &ChannelOpenError{Service: service, Name: name, Reason: "connection closed"}
	}
}

// Close tears the connection down. Outstanding requests fail with a
// closed-connection error rather than hanging.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	// WriteControl is safe against a concurrent writePump write; a
	// plain WriteMessage here is not.
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeDeadline))
	return c.ws.Close()
}

func (c *Conn) addPending(ref string) chan *protocol.Message {
	waiter := make(chan *protocol.Message, 1)
	c.mu.Lock()
	c.pending[ref] = waiter
	c.mu.Unlock()
	return waiter
}

func (c *Conn) removePending(ref string) {
	c.mu.Lock()
	delete(c.pending, ref)
	c.mu.Unlock()
}

// write marshals and queues one frame.
func (c *Conn) write(msg *protocol.Message) error {
	data, err := msg.MarshalFrame()
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed")
	}
}

// request sends a frame and waits for the response carrying its ref.
func (c *Conn) request(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	waiter := c.addPending(msg.Ref)
	defer c.removePending(msg.Ref)

	if err := c.write(msg); err != nil {
		return nil, err
	}

	select {
	case resp := <-waiter:
		if resp.Type == protocol.TypeError {
			var p protocol.ErrorPayload
			resp.Decode(&p)
			return nil, &RemoteError{Op: msg.Type, Code: p.Code, Message: p.Message}
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("%s: connection closed", msg.Type)
	}
}

// readPump reads frames from the websocket and dispatches them to
// response waiters and channel listeners, in delivery order.
func (c *Conn) readPump() {
	defer c.teardown()

	c.ws.SetReadDeadline(time.Now().Add(readDeadline))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.fatal(fmt.Errorf("websocket read: %w", err))
			}
			return
		}

		msg, err := protocol.ValidateServerMessage(raw)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		c.dispatch(msg)
	}
}

// dispatch routes one inbound frame. Frames with a ref settle the
// matching request; everything else goes to the channel's listener.
func (c *Conn) dispatch(msg *protocol.Message) {
	if msg.Ref != "" {
		c.mu.Lock()
		waiter, ok := c.pending[msg.Ref]
		c.mu.Unlock()
		if ok {
			waiter <- msg
			return
		}
		// A response whose waiter timed out already; drop it.
		c.logger.Debug("orphan response", "type", msg.Type, "ref", msg.Ref)
		return
	}

	c.mu.Lock()
	ch, ok := c.channels[msg.Channel]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("frame for unknown channel", "channel", msg.Channel, "type", msg.Type)
		return
	}

	ch.deliver(msg)
}

// writePump writes queued frames and keeps the connection alive with
// pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.fatal(fmt.Errorf("websocket write: %w", err))
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// teardown marks the connection closed and releases anything blocked
// on it.
func (c *Conn) teardown() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	c.mu.Unlock()
	c.ws.Close()
}

func (c *Conn) fatal(err error) {
	if c.onFatal != nil {
		c.onFatal(err)
		return
	}
	c.logger.Error("unrecoverable transport failure", "error", err)
}
