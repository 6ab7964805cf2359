package bridge

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pilotdeck/pilotdeck/internal/logging"
	"github.com/pilotdeck/pilotdeck/internal/org"
	"github.com/pilotdeck/pilotdeck/internal/session"
)

var bridgeLog = logging.ForComponent(logging.CompBridge)

const (
	writeTimeout = 10 * time.Second
	readLimit    = 1 << 20 // 1MB per inbound message
)

var errConnClosed = errors.New("bridge: connection closed")

// conn wraps one WebSocket connection. gorilla allows a single concurrent
// writer, so every write goes through mu; broadcast and per-command replies
// share the same path.
type conn struct {
	ws *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

// close is idempotent and safe to race with writes: the closed flag keeps a
// concurrent broadcast from writing into a torn-down connection.
func (c *conn) close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.ws.Close()
	}
	c.mu.Unlock()
}

// ServerConfig holds the bridge server's listen and auth settings.
type ServerConfig struct {
	Addr  string
	Token string // empty disables auth (loopback-only setups)
}

// Server synchronizes session and organization state to every connected
// client and applies their commands. All state lives in the machine and the
// org store; the server holds connections only.
type Server struct {
	cfg     ServerConfig
	machine *session.Machine
	store   *org.Store
	former  *org.Former
	hints   *session.RestoreHintsReader // optional, serves resume commands

	httpServer *http.Server

	connsMu sync.Mutex
	conns   map[*conn]struct{}
}

// NewServer creates a bridge server over the machine and org store.
// former and hints may be nil; the corresponding commands then fail cleanly.
func NewServer(cfg ServerConfig, machine *session.Machine, store *org.Store, former *org.Former, hints *session.RestoreHintsReader) *Server {
	s := &Server{
		cfg:     cfg,
		machine: machine,
		store:   store,
		former:  former,
		hints:   hints,
		conns:   make(map[*conn]struct{}),
	}
	machine.SetNotifier(s.onChange)
	if store != nil {
		store.SetOnChange(s.onOrgChange)
	}
	return s
}

// Start begins listening. Non-blocking; listen errors surface through the
// returned channel.
func (s *Server) Start() <-chan error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		bridgeLog.Info("bridge_listening", slog.String("addr", s.cfg.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown stops the listener and closes every client connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.connsMu.Lock()
	for c := range s.conns {
		c.close()
	}
	s.conns = make(map[*conn]struct{})
	s.connsMu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The bridge authenticates with the shared token, not the Origin header.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	got := r.URL.Query().Get("token")
	if got == "" {
		got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) == 1
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		bridgeLog.Warn("upgrade_failed", slog.String("error", err.Error()))
		return
	}
	ws.SetReadLimit(readLimit)

	c := &conn{ws: ws}

	// Registration and the snapshot write happen under connsMu so a
	// broadcast for a mutation that lands after the snapshot is built can
	// never be written before it and then overwritten by the older
	// snapshot. The full snapshot goes to the new connection only;
	// everyone else already has the state and receives just the
	// incremental broadcasts.
	s.connsMu.Lock()
	s.conns[c] = struct{}{}
	total := len(s.conns)
	snapErr := c.writeJSON(s.snapshotMessage())
	s.connsMu.Unlock()

	bridgeLog.Info("client_connected",
		slog.String("remote", r.RemoteAddr),
		slog.Int("clients", total))
	if snapErr != nil {
		s.dropConn(c)
		return
	}

	go s.readLoop(c, r.RemoteAddr)
}

func (s *Server) dropConn(c *conn) {
	s.connsMu.Lock()
	_, present := s.conns[c]
	delete(s.conns, c)
	total := len(s.conns)
	s.connsMu.Unlock()
	c.close()
	if present {
		bridgeLog.Info("client_disconnected", slog.Int("clients", total))
	}
}

func (s *Server) readLoop(c *conn, remote string) {
	defer s.dropConn(c)
	for {
		var msg Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				bridgeLog.Warn("read_failed",
					slog.String("remote", remote),
					slog.String("error", err.Error()))
			}
			return
		}
		s.dispatch(c, msg)
	}
}

// dispatch applies one client command. A panic in a handler closes only the
// offending connection, never the process.
func (s *Server) dispatch(c *conn, msg Message) {
	defer func() {
		if rec := recover(); rec != nil {
			bridgeLog.Error("command_panic",
				slog.String("type", msg.Type),
				slog.String("panic", fmt.Sprint(rec)))
			c.close()
		}
	}()

	ctx := context.Background()
	var err error

	switch msg.Type {
	case TypePing:
		c.writeJSON(Message{Type: TypePong, ID: msg.ID, Time: time.Now()})
		return

	case TypeCreateSession:
		_, err = s.machine.CreateSession(msg.Session, msg.Model)
		if err == nil && s.store != nil && msg.Model != "" {
			s.store.SetModel(msg.Session, msg.Model)
		}

	case TypeCloseSession:
		s.machine.CloseSession(ctx, msg.Session)
		if s.store != nil {
			s.store.ForgetSession(msg.Session)
		}

	case TypeRenameSession:
		err = s.machine.RenameSession(msg.Session, msg.NewName)
		if err == nil && s.store != nil {
			s.store.RenameSession(msg.Session, msg.NewName)
		}

	case TypeChangeModel:
		err = s.machine.ChangeModel(msg.Session, msg.Model)
		if err == nil && s.store != nil {
			s.store.SetModel(msg.Session, msg.Model)
		}

	case TypeSend:
		_, err = s.machine.BeginTurn(ctx, msg.Session, msg.Prompt)

	case TypeQueue:
		err = s.machine.QueueMessage(ctx, msg.Session, msg.Text)

	case TypeAbort:
		s.machine.Abort(ctx, msg.Session, true)

	case TypeSteer:
		_, err = s.machine.Steer(ctx, msg.Session, msg.Prompt)

	case TypeResume:
		err = s.resumeSession(msg.Session)

	case TypePin:
		if s.store == nil {
			err = errors.New("organization store unavailable")
		} else {
			s.store.SetPinned(msg.Session, msg.Pinned)
		}

	case TypeFormGroup:
		err = s.formGroup(ctx, msg.Group)

	case TypeRemoveGroup:
		if s.store == nil {
			err = errors.New("organization store unavailable")
		} else {
			s.store.RemoveGroup(msg.GroupID)
		}

	case TypeListDirectory:
		s.listDirectory(c, msg)
		return

	default:
		// Unknown command types are acked as errors so newer clients get a
		// clear signal instead of silence.
		err = fmt.Errorf("unknown command type %q", msg.Type)
	}

	if err != nil {
		c.writeJSON(Message{Type: TypeError, ID: msg.ID, Session: msg.Session, Error: err.Error()})
		return
	}
	if msg.ID != 0 {
		c.writeJSON(Message{Type: TypeAck, ID: msg.ID})
	}
}

func (s *Server) resumeSession(name string) error {
	if s.hints == nil {
		return errors.New("restore hints unavailable")
	}
	if s.machine.Registry().Get(name) == nil {
		return session.ErrNoSession
	}
	s.machine.ResumeSession(name, s.hints.Read(name))
	return nil
}

func (s *Server) formGroup(ctx context.Context, req *GroupRequest) error {
	if s.former == nil {
		return errors.New("group formation unavailable")
	}
	if req == nil {
		return errors.New("group request is required")
	}
	_, err := s.former.FormGroup(ctx, org.GroupSpec{
		Name:         req.Name,
		RepoDir:      req.RepoDir,
		Strategy:     org.Strategy(req.Strategy),
		Orchestrator: req.Orchestrator,
		Workers:      req.Workers,
		Model:        req.Model,
	})
	return err
}

func (s *Server) listDirectory(c *conn, msg Message) {
	entries, err := os.ReadDir(msg.Path)
	if err != nil {
		c.writeJSON(Message{Type: TypeError, ID: msg.ID, Path: msg.Path, Error: err.Error()})
		return
	}
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, DirEntry{Name: e.Name(), IsDir: e.IsDir()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDir != out[j].IsDir {
			return out[i].IsDir
		}
		return out[i].Name < out[j].Name
	})
	c.writeJSON(Message{Type: TypeDirectoryListing, ID: msg.ID, Path: msg.Path, Entries: out})
}

// snapshotMessage builds the full-state message sent to a new connection.
func (s *Server) snapshotMessage() Message {
	records := s.machine.Registry().List()
	sessions := make([]session.Snapshot, 0, len(records))
	histories := make(map[string][]session.ChatMessage, len(records))
	for _, r := range records {
		sessions = append(sessions, r.Snapshot())
		histories[r.Name] = r.History()
	}

	msg := Message{
		Type:      TypeSnapshot,
		Sessions:  sessions,
		Histories: histories,
		Time:      time.Now(),
	}
	if s.store != nil {
		st := s.store.Snapshot()
		msg.OrgState = &st
	}
	return msg
}

// broadcast sends one message to every connection, dropping any whose write
// fails. A connection closed mid-iteration just errors out of its write.
func (s *Server) broadcast(msg Message) {
	s.connsMu.Lock()
	targets := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		targets = append(targets, c)
	}
	s.connsMu.Unlock()

	for _, c := range targets {
		if err := c.writeJSON(msg); err != nil {
			s.dropConn(c)
		}
	}
}

// onChange translates a machine state change into a wire message.
func (s *Server) onChange(ch session.Change) {
	msg := Message{Session: ch.Session, Time: time.Now()}
	switch ch.Kind {
	case session.ChangeSessionCreated:
		msg.Type = TypeSessionCreated
	case session.ChangeSessionClosed:
		msg.Type = TypeSessionClosed
		s.broadcast(msg)
		return
	case session.ChangeSessionRenamed:
		msg.Type = TypeSessionRenamed
		msg.NewName = ch.Session
		msg.Session = ch.OldName
	case session.ChangeModelChanged:
		msg.Type = TypeModelChanged
		msg.Model = ch.Text
	case session.ChangeTurnStarted:
		msg.Type = TypeTurnStarted
	case session.ChangeTurnEnded:
		msg.Type = TypeTurnEnded
	case session.ChangePhase:
		msg.Type = TypePhase
		msg.Phase = ch.Text
	case session.ChangeContentDelta:
		msg.Type = TypeContentDelta
		msg.Text = ch.Text
	case session.ChangeError:
		msg.Type = TypeError
		msg.Error = ch.Text
	case session.ChangeStuck:
		msg.Type = TypeStuck
		msg.Text = ch.Text
	default:
		return
	}
	snap := ch.Snapshot
	msg.Snapshot = &snap
	msg.Chat = ch.Message
	s.broadcast(msg)
}

func (s *Server) onOrgChange(st org.State) {
	s.broadcast(Message{Type: TypeOrgState, OrgState: &st, Time: time.Now()})
}
