// Package sandkit is a client for remote sandboxed workspaces. It
// maintains one authenticated connection per session, multiplexes
// logical channels over it, and reconstructs clean command output from
// the interactive terminal stream.
package sandkit

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/sandkit/sandkit/metadata"
	"github.com/sandkit/sandkit/protocol"
	"github.com/sandkit/sandkit/term"
	"github.com/sandkit/sandkit/transport"
)

// State is the connection state of a session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Service names recognized by the remote side.
const (
	serviceRun      = "run"
	serviceFiles    = "files"
	servicePackager = "packager"
	serviceSnapshot = "snapshot"
)

// Conn is the slice of the transport connection the client consumes.
// The default implementation dials a websocket; tests script fakes.
type Conn interface {
	Root() Channel
	OpenChannel(ctx context.Context, service, name string) (Channel, error)
	Close() error
}

// Channel is one logical duplex stream.
type Channel interface {
	Send(msgType string, payload interface{}) error
	Request(ctx context.Context, msgType string, payload interface{}) (*protocol.Message, error)
	OnCommand(fn func(transport.Event))
	History() []transport.Event
}

// DialFunc establishes the physical connection.
type DialFunc func(ctx context.Context, opts transport.Options) (Conn, error)

// Config configures a session. Token and WorkspaceID are required;
// everything else has working defaults.
type Config struct {
	// Token is the opaque credential identifying the caller.
	Token string

	// WorkspaceID names the target workspace.
	WorkspaceID string

	// APIURL is the metadata service base URL.
	APIURL string

	// User and Workspace, when set, skip metadata resolution. Useful
	// when the caller already holds the descriptors.
	User      *metadata.User
	Workspace *metadata.Workspace

	// PromptPattern overrides the shell prompt recognized as a
	// command boundary. Defaults to "~/<workspace name>$ " at end of
	// chunk.
	PromptPattern *regexp.Regexp

	// RunMarker is the prompt marker substring for the run channel.
	// Empty means every output chunk counts as a sighting.
	RunMarker string

	// ConnectionToken overrides how the short-lived connection
	// credential is fetched during the handshake.
	ConnectionToken func(ctx context.Context, req metadata.ConnectRequest) (string, error)

	// OnFatal is invoked for unrecoverable transport failures. The
	// default logs the failure and marks the session disconnected.
	OnFatal func(error)

	// Resolver overrides the metadata collaborator.
	Resolver metadata.Resolver

	// Dial overrides the transport. The default dials a websocket to
	// the workspace's connect URL.
	Dial DialFunc

	Logger *slog.Logger
}

const defaultAPIURL = "https://api.sandkit.dev"

// Client is one logical session with a remote workspace. Create it
// with New, bring it up with Connect, and tear it down with Close.
//
// All channel state is owned by the client; drivers must not be
// invoked concurrently against the same channel.
type Client struct {
	cfg      Config
	logger   *slog.Logger
	resolver metadata.Resolver

	mu        sync.Mutex
	state     State
	conn      Conn
	user      *metadata.User
	workspace *metadata.Workspace
	persisted bool
	lastInput string

	channels map[string]Channel
	opening  map[string]*openCall
}

// openCall tracks a channel open in flight so concurrent requests for
// the same key issue only one open request.
type openCall struct {
	done chan struct{}
	ch   Channel
	err  error
}

// New creates an inert session. No network happens until Connect.
func New(cfg Config) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = defaultAPIURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = metadata.NewClient(cfg.APIURL, cfg.Token, logger)
	}

	return &Client{
		cfg:       cfg,
		logger:    logger,
		resolver:  resolver,
		state:     StateDisconnected,
		user:      cfg.User,
		workspace: cfg.Workspace,
		channels:  make(map[string]Channel),
		opening:   make(map[string]*openCall),
	}
}

// State returns the session's connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// User returns the resolved identity, nil before the first Connect
// unless it was supplied at construction.
func (c *Client) User() *metadata.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// Workspace returns the resolved workspace descriptor, nil before the
// first Connect unless it was supplied at construction.
func (c *Client) Workspace() *metadata.Workspace {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workspace
}

// Persisted reports whether the remote acknowledged a persist request
// during this session.
func (c *Client) Persisted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persisted
}

// Connect validates the credential, resolves identity and workspace
// descriptors (once per session, unless supplied at construction),
// and performs the connection handshake. firewalled asks the remote
// to deny outbound network access to the sandbox.
func (c *Client) Connect(ctx context.Context, firewalled bool) error {
	if c.cfg.Token == "" {
		return &ConfigError{Field: "Token", Reason: "credential must not be empty"}
	}
	if c.cfg.WorkspaceID == "" {
		return &ConfigError{Field: "WorkspaceID", Reason: "workspace id must not be empty"}
	}

	c.mu.Lock()
	if c.state != StateDisconnected {
		state := c.state
		c.mu.Unlock()
		return &StateError{Op: "connect", State: state}
	}
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.doConnect(ctx, firewalled); err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Client) doConnect(ctx context.Context, firewalled bool) error {
	if c.user == nil {
		user, err := c.resolver.Identity(ctx)
		if err != nil {
			return fmt.Errorf("resolve identity: %w", err)
		}
		c.mu.Lock()
		c.user = user
		c.mu.Unlock()
	}
	if c.workspace == nil {
		ws, err := c.resolver.Workspace(ctx, c.cfg.WorkspaceID)
		if err != nil {
			return fmt.Errorf("resolve workspace: %w", err)
		}
		c.mu.Lock()
		c.workspace = ws
		c.mu.Unlock()
	}

	fetchToken := c.cfg.ConnectionToken
	if fetchToken == nil {
		fetchToken = c.resolver.ConnectionToken
	}

	dial := c.cfg.Dial
	if dial == nil {
		dial = dialWebsocket
	}

	conn, err := dial(ctx, transport.Options{
		URL: c.workspace.ConnectURL,
		TokenFunc: func(ctx context.Context) (string, error) {
			return fetchToken(ctx, metadata.ConnectRequest{
				Token:       c.cfg.Token,
				WorkspaceID: c.cfg.WorkspaceID,
				Firewalled:  firewalled,
			})
		},
		OnFatal: c.handleFatal,
		Logger:  c.logger,
	})
	if err != nil {
		return fmt.Errorf("connect workspace %s: %w", c.cfg.WorkspaceID, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.channels[channelKey(protocol.RootChannel, protocol.RootChannel)] = conn.Root()
	c.state = StateConnected
	c.mu.Unlock()

	c.logger.Info("session connected",
		"workspace", c.cfg.WorkspaceID,
		"user", c.user.Username,
	)
	return nil
}

// handleFatal is the default unrecoverable-transport policy: log and
// mark the session disconnected so subsequent operations fail with a
// StateError. Callers override it with Config.OnFatal.
func (c *Client) handleFatal(err error) {
	if c.cfg.OnFatal != nil {
		c.cfg.OnFatal(err)
		return
	}
	c.logger.Error("transport failed", "error", err)
	c.mu.Lock()
	c.state = StateDisconnected
	c.channels = make(map[string]Channel)
	c.mu.Unlock()
}

// Close tears down the connection. Outstanding requests fail rather
// than hang. It is an error to close a session that is not connected.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state != StateConnected {
		state := c.state
		c.mu.Unlock()
		return &StateError{Op: "close", State: state}
	}
	conn := c.conn
	c.state = StateDisconnected
	c.conn = nil
	c.channels = make(map[string]Channel)
	c.mu.Unlock()

	c.logger.Info("session closed", "workspace", c.cfg.WorkspaceID)
	return conn.Close()
}

// Persist asks the remote to durably save the workspace filesystem,
// reporting whether it acknowledged.
func (c *Client) Persist(ctx context.Context) (bool, error) {
	ch, err := c.Channel(ctx, serviceSnapshot, "")
	if err != nil {
		return false, err
	}

	resp, err := ch.Request(ctx, protocol.TypeSnapshotPersist, nil)
	if err != nil {
		return false, err
	}

	var p protocol.SnapshotResultPayload
	if err := resp.Decode(&p); err != nil {
		return false, err
	}

	if p.Persisted {
		c.mu.Lock()
		c.persisted = true
		c.mu.Unlock()
	}
	return p.Persisted, nil
}

// Channel returns the open channel for (service, name), opening it
// lazily on first use. name defaults to service. Concurrent callers
// requesting the same key share a single open request; the handle is
// cached for the life of the session.
func (c *Client) Channel(ctx context.Context, service, name string) (Channel, error) {
	if name == "" {
		name = service
	}
	key := channelKey(service, name)

	c.mu.Lock()
	if c.state != StateConnected {
		state := c.state
		c.mu.Unlock()
		return nil, &StateError{Op: "open channel " + key, State: state}
	}
	if ch, ok := c.channels[key]; ok {
		c.mu.Unlock()
		return ch, nil
	}
	if call, ok := c.opening[key]; ok {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.ch, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	call := &openCall{done: make(chan struct{})}
	c.opening[key] = call
	conn := c.conn
	c.mu.Unlock()

	ch, err := conn.OpenChannel(ctx, service, name)

	c.mu.Lock()
	if err == nil {
		c.channels[key] = ch
	}
	delete(c.opening, key)
	c.mu.Unlock()

	call.ch = ch
	call.err = err
	close(call.done)
	return ch, err
}

func channelKey(service, name string) string {
	return service + "/" + name
}

// capabilities returns the workspace capability flags, all false when
// the descriptor has not been resolved.
func (c *Client) capabilities() metadata.Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.workspace == nil {
		return metadata.Capabilities{}
	}
	return c.workspace.Capabilities
}

// promptMatcher builds the shell prompt matcher for this workspace.
func (c *Client) promptMatcher() term.Matcher {
	if c.cfg.PromptPattern != nil {
		return term.PromptRegexp(c.cfg.PromptPattern)
	}
	name := ""
	c.mu.Lock()
	if c.workspace != nil {
		name = c.workspace.Name
	}
	c.mu.Unlock()
	return term.PromptPattern(name)
}

// wsConn adapts *transport.Conn to the Conn interface.
type wsConn struct {
	conn *transport.Conn
}

func dialWebsocket(ctx context.Context, opts transport.Options) (Conn, error) {
	conn, err := transport.Dial(ctx, opts)
	if err != nil {
		return nil, err
	}
	return wsConn{conn: conn}, nil
}

func (w wsConn) Root() Channel { return w.conn.Root() }

func (w wsConn) OpenChannel(ctx context.Context, service, name string) (Channel, error) {
	ch, err := w.conn.OpenChannel(ctx, service, name)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (w wsConn) Close() error { return w.conn.Close() }
