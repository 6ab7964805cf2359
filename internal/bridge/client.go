package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/pilotdeck/pilotdeck/internal/org"
	"github.com/pilotdeck/pilotdeck/internal/session"
)

// NormalizeWSURL turns a user-entered address into a WebSocket URL.
// http and https map to ws and wss; addresses already carrying a ws scheme
// pass through unchanged, so normalizing twice never double-prefixes.
func NormalizeWSURL(addr string) string {
	addr = strings.TrimSpace(addr)
	switch {
	case strings.HasPrefix(addr, "ws://"), strings.HasPrefix(addr, "wss://"):
		return addr
	case strings.HasPrefix(addr, "http://"):
		return "ws://" + strings.TrimPrefix(addr, "http://")
	case strings.HasPrefix(addr, "https://"):
		return "wss://" + strings.TrimPrefix(addr, "https://")
	default:
		return "ws://" + addr
	}
}

// ResolveEndpoint picks between the LAN address and the tunnel address by
// probing the LAN one with a short TCP dial. Unreachable or unparseable LAN
// falls through to the tunnel; with no tunnel configured the LAN address is
// returned as-is and the connect attempt reports the real error.
func ResolveEndpoint(lanAddr, tunnelAddr string, probeTimeout time.Duration) string {
	if lanAddr == "" {
		return tunnelAddr
	}
	if tunnelAddr == "" {
		return lanAddr
	}
	if probeTimeout <= 0 {
		probeTimeout = 2 * time.Second
	}

	u, err := url.Parse(NormalizeWSURL(lanAddr))
	if err != nil || u.Host == "" {
		return tunnelAddr
	}
	host := u.Host
	if u.Port() == "" {
		if u.Scheme == "wss" {
			host = net.JoinHostPort(u.Hostname(), "443")
		} else {
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}

	c, err := net.DialTimeout("tcp", host, probeTimeout)
	if err != nil {
		return tunnelAddr
	}
	c.Close()
	return lanAddr
}

// ClientConfig holds the client's connection settings.
type ClientConfig struct {
	LANAddr      string
	TunnelAddr   string
	Token        string
	ProbeTimeout time.Duration
}

// Client maintains a local mirror of the server's session and organization
// state. The mirror applies broadcasts verbatim and runs no state logic of
// its own: the server is the single source of truth, the mirror just
// replays what it is told.
type Client struct {
	cfg ClientConfig

	// Reconnect throttle. One connection attempt per second sustained,
	// small burst for the initial connect.
	limiter *rate.Limiter

	nextID atomic.Int64

	connMu sync.Mutex
	conn   *websocket.Conn

	mu        sync.RWMutex
	sessions  map[string]session.Snapshot
	histories map[string][]session.ChatMessage
	orgState  org.State

	onUpdate func(Message) // optional, called after each applied message
}

// NewClient creates a disconnected client.
func NewClient(cfg ClientConfig) *Client {
	return &Client{
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Every(time.Second), 3),
		sessions:  make(map[string]session.Snapshot),
		histories: make(map[string][]session.ChatMessage),
	}
}

// SetOnUpdate registers a callback invoked after every applied server
// message. Must be set before Run.
func (c *Client) SetOnUpdate(fn func(Message)) {
	c.onUpdate = fn
}

func (c *Client) endpoint() (string, error) {
	addr := ResolveEndpoint(c.cfg.LANAddr, c.cfg.TunnelAddr, c.cfg.ProbeTimeout)
	if addr == "" {
		return "", fmt.Errorf("bridge client: no server address configured")
	}
	u, err := url.Parse(NormalizeWSURL(addr))
	if err != nil {
		return "", fmt.Errorf("bridge client: bad address %q: %w", addr, err)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	if c.cfg.Token != "" {
		q := u.Query()
		q.Set("token", c.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Connect dials the server once and starts applying broadcasts until the
// connection drops or ctx is canceled.
func (c *Client) Connect(ctx context.Context) error {
	target, err := c.endpoint()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("bridge client: dial %s: %w", target, err)
	}

	c.connMu.Lock()
	c.conn = ws
	c.connMu.Unlock()
	bridgeLog.Info("bridge_client_connected", slog.String("endpoint", target))

	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		ws.Close()
	}()

	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	for {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("bridge client: read: %w", err)
		}
		c.apply(msg)
	}
}

// Run keeps the client connected, reconnecting through the rate limiter
// until ctx is canceled. Each reconnect re-resolves the endpoint, so a
// server that moved from LAN to tunnel is found again.
func (c *Client) Run(ctx context.Context) {
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		err := c.Connect(ctx)
		if ctx.Err() != nil {
			return
		}
		bridgeLog.Warn("bridge_client_disconnected", slog.String("error", err.Error()))
	}
}

// apply folds one server message into the mirror.
func (c *Client) apply(msg Message) {
	c.mu.Lock()
	switch msg.Type {
	case TypeSnapshot:
		c.sessions = make(map[string]session.Snapshot, len(msg.Sessions))
		for _, snap := range msg.Sessions {
			c.sessions[snap.Name] = snap
		}
		c.histories = make(map[string][]session.ChatMessage, len(msg.Histories))
		for name, h := range msg.Histories {
			c.histories[name] = h
		}
		if msg.OrgState != nil {
			c.orgState = *msg.OrgState
		}

	case TypeSessionClosed:
		delete(c.sessions, msg.Session)
		delete(c.histories, msg.Session)

	case TypeSessionRenamed:
		if msg.Snapshot != nil {
			delete(c.sessions, msg.Session)
			c.sessions[msg.NewName] = *msg.Snapshot
			c.histories[msg.NewName] = c.histories[msg.Session]
			delete(c.histories, msg.Session)
		}

	case TypeOrgState:
		if msg.OrgState != nil {
			c.orgState = *msg.OrgState
		}

	case TypeAck, TypePong, TypeDirectoryListing:
		// Request/response traffic, nothing to mirror.

	default:
		// Every other broadcast carries the session's fresh snapshot.
		if msg.Snapshot != nil {
			c.sessions[msg.Snapshot.Name] = *msg.Snapshot
		}
		if msg.Chat != nil && msg.Session != "" {
			c.histories[msg.Session] = append(c.histories[msg.Session], *msg.Chat)
		}
	}
	c.mu.Unlock()

	if c.onUpdate != nil {
		c.onUpdate(msg)
	}
}

// Sessions returns the mirrored session snapshots sorted by name.
func (c *Client) Sessions() []session.Snapshot {
	c.mu.RLock()
	out := make([]session.Snapshot, 0, len(c.sessions))
	for _, snap := range c.sessions {
		out = append(out, snap)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Session returns the mirrored snapshot for one session.
func (c *Client) Session(name string) (session.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.sessions[name]
	return snap, ok
}

// History returns a copy of the mirrored history for one session.
func (c *Client) History(name string) []session.ChatMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h := c.histories[name]
	out := make([]session.ChatMessage, len(h))
	copy(out, h)
	return out
}

// Org returns the mirrored organization state.
func (c *Client) Org() org.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.orgState
}

// send writes one command to the live connection.
func (c *Client) send(msg Message) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("bridge client: not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *Client) command(msg Message) error {
	msg.ID = c.nextID.Add(1)
	return c.send(msg)
}

// CreateSession asks the server to create a session.
func (c *Client) CreateSession(name, model string) error {
	return c.command(Message{Type: TypeCreateSession, Session: name, Model: model})
}

// CloseSession asks the server to close a session.
func (c *Client) CloseSession(name string) error {
	return c.command(Message{Type: TypeCloseSession, Session: name})
}

// RenameSession asks the server to rename a session.
func (c *Client) RenameSession(from, to string) error {
	return c.command(Message{Type: TypeRenameSession, Session: from, NewName: to})
}

// ChangeModel asks the server to switch a session's model.
func (c *Client) ChangeModel(name, model string) error {
	return c.command(Message{Type: TypeChangeModel, Session: name, Model: model})
}

// Send starts a turn on the server.
func (c *Client) Send(name, prompt string) error {
	return c.command(Message{Type: TypeSend, Session: name, Prompt: prompt})
}

// Queue adds a steering message behind the current turn.
func (c *Client) Queue(name, text string) error {
	return c.command(Message{Type: TypeQueue, Session: name, Text: text})
}

// Abort stops the session's current turn.
func (c *Client) Abort(name string) error {
	return c.command(Message{Type: TypeAbort, Session: name})
}

// Steer aborts the current turn and starts a new one.
func (c *Client) Steer(name, prompt string) error {
	return c.command(Message{Type: TypeSteer, Session: name, Prompt: prompt})
}

// Pin sets a session's pinned flag.
func (c *Client) Pin(name string, pinned bool) error {
	return c.command(Message{Type: TypePin, Session: name, Pinned: pinned})
}

// FormGroup asks the server to form a session group.
func (c *Client) FormGroup(req GroupRequest) error {
	return c.command(Message{Type: TypeFormGroup, Group: &req})
}

// RemoveGroup asks the server to delete a group.
func (c *Client) RemoveGroup(id string) error {
	return c.command(Message{Type: TypeRemoveGroup, GroupID: id})
}

// ListDirectory requests a directory listing; the reply arrives through
// the onUpdate callback as a directory_listing message.
func (c *Client) ListDirectory(path string) error {
	return c.command(Message{Type: TypeListDirectory, Path: path})
}
