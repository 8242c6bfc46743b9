// Package server owns the TCP side of the protocol: one listener per
// server and at most one connected client. Network I/O happens on helper
// goroutines that only move bytes; dispatch happens in Poll, on the host
// loop.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/denizumutdereli/scenelink/pkg/core"
	"github.com/denizumutdereli/scenelink/pkg/lifecycle"
	"github.com/denizumutdereli/scenelink/pkg/protocol"
)

const (
	readBufferSize = 4096
	writeTimeout   = 5 * time.Second
	acceptBackoff  = 50 * time.Millisecond
	queueDepth     = 64
	writeQueue     = 256
)

// ErrNotStarted is returned by operations that need a listener.
var ErrNotStarted = errors.New("server not started")

// session is the single connected client.
type session struct {
	id        string
	conn      net.Conn
	framer    *protocol.Framer
	state     *protocol.Session
	opened    time.Time
	commands  uint64
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// ended is owned by Poll.
	ended bool
}

// close tears the connection down at once.
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// end lets the writer flush queued replies, then close.
func (s *session) end() {
	if !s.ended {
		s.ended = true
		close(s.out)
	}
}

// enqueue hands p to the writer without blocking.
func (s *session) enqueue(p []byte) bool {
	select {
	case s.out <- p:
		return true
	default:
		return false
	}
}

type readEvent struct {
	s    *session
	data []byte
	err  error
}

// Manager is the Connection Manager of one server.
type Manager struct {
	name       string
	id         string
	cfg        core.ServerConfig
	exec       *protocol.Executor
	policy     *lifecycle.Policy
	nameMatch  map[string]core.MatchMode
	logger     *zap.Logger
	listenAddr string

	ln       net.Listener
	accepted chan net.Conn
	reads    chan readEvent

	// session and wasBlocked are owned by Poll; mu serializes Poll with
	// Stop and the accessors.
	session    *session
	wasBlocked bool
	startedAt  time.Time

	// Stats
	connections uint64
	superseded  uint64
	commands    uint64
	failures    uint64
	kicked      uint64
	stalled     uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// New creates a manager for one server. guard may be nil for a server
// without a mode guard.
func New(name string, cfg core.ServerConfig, exec *protocol.Executor, guard *lifecycle.Guard, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if guard == nil {
		guard = lifecycle.NewGuard(core.ModeEditing)
	}
	policy, err := lifecycle.NewPolicy(guard, cfg.Guard)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	match := make(map[string]core.MatchMode, len(cfg.NameMatch))
	for verb, raw := range cfg.NameMatch {
		mode, err := core.ParseMatchMode(raw)
		if err != nil {
			return nil, fmt.Errorf("%s.nameMatch.%s: %w", name, verb, err)
		}
		match[verb] = mode
	}

	return &Manager{
		name:       name,
		id:         uuid.NewString(),
		cfg:        cfg,
		exec:       exec,
		policy:     policy,
		nameMatch:  match,
		logger:     logger.With(zap.String("server", name)),
		listenAddr: cfg.Addr,
	}, nil
}

// Name returns the server name.
func (m *Manager) Name() string { return m.name }

// InstanceID identifies this manager for the registry.
func (m *Manager) InstanceID() string { return m.id }

// BlockedMode is the guard's blocked mode for this server.
func (m *Manager) BlockedMode() string { return m.policy.BlockedMode() }

// Policy returns the server's mode guard policy.
func (m *Manager) Policy() *lifecycle.Policy { return m.policy }

// Addr returns the bound address once started, else the configured one.
func (m *Manager) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ln != nil {
		return m.ln.Addr().String()
	}
	return m.listenAddr
}

// StartedAt returns when the listener was opened.
func (m *Manager) StartedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startedAt
}

// Start opens the listener and the accept goroutine. Calling Start on a
// running manager is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ln != nil {
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", m.listenAddr)
	if err != nil {
		return fmt.Errorf("%s: listen %s: %w", m.name, m.listenAddr, err)
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.ln = ln
	m.accepted = make(chan net.Conn, queueDepth)
	m.reads = make(chan readEvent, queueDepth)
	m.startedAt = time.Now()
	m.wasBlocked = m.policy.Blocked()

	m.wg.Add(1)
	go m.acceptLoop(m.ctx, ln)

	m.logger.Info("listening", zap.String("addr", ln.Addr().String()), zap.String("blocked_mode", m.policy.BlockedMode()))
	return nil
}

func (m *Manager) acceptLoop(ctx context.Context, ln net.Listener) {
	defer m.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			m.logger.Warn("accept failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(acceptBackoff):
			}
			continue
		}
		select {
		case m.accepted <- conn:
		case <-ctx.Done():
			_ = conn.Close()
			return
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, s *session) {
	defer m.wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !m.deliver(ctx, s, readEvent{s: s, data: data}) {
				return
			}
		}
		if err != nil {
			m.deliver(ctx, s, readEvent{s: s, err: err})
			return
		}
	}
}

func (m *Manager) deliver(ctx context.Context, s *session, ev readEvent) bool {
	select {
	case m.reads <- ev:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Poll runs one non-blocking service step: guard transition, accept,
// receive and dispatch. It is called from the host loop.
func (m *Manager) Poll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ln == nil {
		return
	}
	m.checkGuard()
	m.pollAccept()
	m.pollReceive()
}

// checkGuard kicks the client when the guard enters this server's blocked
// mode.
func (m *Manager) checkGuard() {
	blocked := m.policy.Blocked()
	entered := blocked && !m.wasBlocked
	m.wasBlocked = blocked
	if !entered || m.session == nil {
		return
	}
	m.logger.Info("runtime mode blocks this server, disconnecting client",
		zap.String("session", m.session.id), zap.String("hint", m.policy.Hint()))
	if hint := m.policy.Hint(); hint != "" {
		m.write(m.session, []byte(hint+"\n"))
	}
	m.kicked++
	m.dropSession()
}

func (m *Manager) pollAccept() {
	for {
		select {
		case conn := <-m.accepted:
			m.install(conn)
		default:
			return
		}
	}
}

// install replaces the current client with conn.
func (m *Manager) install(conn net.Conn) {
	if m.policy.Blocked() && !m.policy.ReadOnlyAllowed() {
		m.logger.Info("connection refused in blocked mode", zap.String("remote", conn.RemoteAddr().String()))
		hint := m.policy.Hint()
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if hint != "" {
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				_, _ = conn.Write([]byte(hint + "\n"))
			}
			_ = conn.Close()
		}()
		return
	}

	if m.session != nil {
		m.logger.Info("client superseded", zap.String("session", m.session.id))
		m.superseded++
		m.dropSession()
	}

	id := uuid.NewString()
	s := &session{
		id:     id,
		conn:   conn,
		framer: protocol.NewFramer(m.cfg.MaxLineBytes),
		state:  &protocol.Session{ID: id},
		opened: time.Now(),
		out:    make(chan []byte, writeQueue),
		done:   make(chan struct{}),
	}
	m.session = s
	m.connections++
	m.logger.Info("client connected", zap.String("session", id), zap.String("remote", conn.RemoteAddr().String()))

	m.wg.Add(2)
	go m.readLoop(m.ctx, s)
	go m.writeLoop(m.ctx, s)
}

// writeLoop owns all writes to the session's connection so a client that
// stops reading never holds up Poll.
func (m *Manager) writeLoop(ctx context.Context, s *session) {
	defer m.wg.Done()
	defer s.close()
	for {
		select {
		case p, ok := <-s.out:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := s.conn.Write(p); err != nil {
				select {
				case <-s.done:
				default:
					m.logger.Warn("write failed", zap.String("session", s.id), zap.Error(err))
				}
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// dropSession detaches the client; replies already queued are still sent.
func (m *Manager) dropSession() {
	if m.session == nil {
		return
	}
	m.session.end()
	m.session = nil
}

func (m *Manager) pollReceive() {
	received := false
	for {
		select {
		case ev := <-m.reads:
			if ev.s != m.session {
				// Stale session.
				continue
			}
			if ev.err != nil {
				m.onReadError(ev)
				continue
			}
			received = true
			m.consume(ev.s, ev.data)
		default:
			m.flushLegacy(received)
			return
		}
	}
}

func (m *Manager) onReadError(ev readEvent) {
	if errors.Is(ev.err, io.EOF) {
		m.logger.Info("client disconnected", zap.String("session", ev.s.id))
	} else if !errors.Is(ev.err, net.ErrClosed) {
		m.logger.Warn("read failed", zap.String("session", ev.s.id), zap.Error(ev.err))
	}
	m.dropSession()
}

// consume feeds bytes to the framer and dispatches every complete line.
// It returns false once the session was closed.
func (m *Manager) consume(s *session, data []byte) bool {
	s.framer.Feed(data)
	for {
		line, ok, err := s.framer.Next()
		if !ok {
			return true
		}
		if err != nil {
			if !m.reject(s, err) {
				return false
			}
			continue
		}
		if !m.dispatch(s, line) {
			return false
		}
	}
}

// reject answers a line the framer dropped.
func (m *Manager) reject(s *session, err error) bool {
	resp := protocol.Response{
		Text: protocol.MarkErr + " " + core.Reason(core.ErrArgs) + " " + err.Error(),
		Err:  fmt.Errorf("%w: %v", core.ErrArgs, err),
	}
	s.commands++
	m.commands++
	m.failures++
	m.logger.Warn("line dropped", zap.String("session", s.id), zap.Error(err))
	return m.write(s, resp.Wire())
}

// flushLegacy dispatches an unterminated remainder when a poll brought no
// new bytes.
func (m *Manager) flushLegacy(received bool) {
	s := m.session
	if !m.cfg.LegacyUnterminated || received || s == nil || s.framer.Pending() == 0 {
		return
	}
	if line, ok := s.framer.Flush(); ok {
		m.dispatch(s, line)
	}
}

// dispatch runs one frame and writes the response. It returns false when
// the session was closed.
func (m *Manager) dispatch(s *session, raw []byte) bool {
	resp, ok := m.exec.Handle(m.ctx, raw, m.options(s.state))
	if !ok {
		return true
	}
	s.commands++
	m.commands++
	if !resp.OK() {
		m.failures++
	}

	fields := []zap.Field{zap.String("session", s.id), zap.String("verb", resp.Verb), zap.Bool("ok", resp.OK())}
	if s.state.Verbose {
		m.logger.Info("command", fields...)
	} else {
		m.logger.Debug("command", fields...)
	}

	if !m.write(s, resp.Wire()) {
		return false
	}
	if resp.Close {
		m.logger.Info("closing client after mode conflict", zap.String("session", s.id))
		m.dropSession()
		return false
	}
	return true
}

// write queues p for the session's writer. A client whose queue is full
// has stopped reading and is disconnected; write then returns false.
func (m *Manager) write(s *session, p []byte) bool {
	if s.ended {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	if s.enqueue(p) {
		return true
	}
	m.logger.Warn("client not reading, disconnecting", zap.String("session", s.id))
	m.stalled++
	s.close()
	if m.session == s {
		m.session = nil
	}
	return false
}

func (m *Manager) options(state *protocol.Session) *protocol.Options {
	return &protocol.Options{
		Server:      m.name,
		EditorVerbs: m.cfg.EditorVerbs,
		EditorHint:  "SWITCH:EDITOR",
		NameMatch:   m.nameMatch,
		Gate:        m.policy,
		Session:     state,
	}
}

// Execute dispatches a line outside any TCP session with this server's
// policy. Callers run it on the host loop.
func (m *Manager) Execute(ctx context.Context, line string, state *protocol.Session) protocol.Response {
	if state == nil {
		state = &protocol.Session{ID: "local"}
	}
	return m.exec.Execute(ctx, protocol.Clean([]byte(line)), m.options(state))
}

// Connected reports whether a client is attached.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil
}

// Stop closes the client, the listener and waits for helper goroutines.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.ln == nil {
		m.mu.Unlock()
		return
	}
	m.cancel()
	_ = m.ln.Close()
	if m.session != nil {
		m.session.close()
		m.session = nil
	}
	m.ln = nil
	m.mu.Unlock()

	m.wg.Wait()

	// Connections accepted after the last poll.
	for {
		select {
		case conn := <-m.accepted:
			_ = conn.Close()
		default:
			m.logger.Info("stopped")
			return
		}
	}
}

// Stats returns server statistics.
func (m *Manager) Stats() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := map[string]any{
		"name":         m.name,
		"instance_id":  m.id,
		"running":      m.ln != nil,
		"blocked_mode": m.policy.BlockedMode(),
		"blocked":      m.policy.Blocked(),
		"connections":  m.connections,
		"superseded":   m.superseded,
		"commands":     m.commands,
		"failures":     m.failures,
		"kicked":       m.kicked,
		"stalled":      m.stalled,
		"connected":    m.session != nil,
	}
	if m.ln != nil {
		stats["addr"] = m.ln.Addr().String()
	}
	if m.session != nil {
		stats["session"] = m.session.id
		stats["session_commands"] = m.session.commands
		stats["session_opened"] = m.session.opened
	}
	return stats
}
