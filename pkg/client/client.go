// Package client is a line-protocol client for the scene and editor
// servers. It follows the servers' switch hints: a reply carrying
// SWITCH:PIE or ERR PIE moves it to the scene server, SWITCH:EDITOR to the
// editor server, and the command is sent once more there.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/denizumutdereli/scenelink/pkg/core"
	"github.com/denizumutdereli/scenelink/pkg/registry"
)

// Server names as registered by the daemon.
const (
	Scene  = "scene"
	Editor = "editor"
)

const (
	hintPIE    = "SWITCH:PIE"
	hintEditor = "SWITCH:EDITOR"
	errPIE     = "ERR PIE"
)

// ErrNoReply is returned when neither server answered.
var ErrNoReply = errors.New("no response")

// Config configures a Client.
type Config struct {
	// Addrs maps server name to address. Missing entries use the stock ports
	// on Host.
	Addrs map[string]string
	Host  string

	// Prefer is the server tried first; defaults to the editor.
	Prefer string

	ConnectTimeout time.Duration
	ReplyTimeout   time.Duration
}

// Client holds at most one connection at a time.
type Client struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	current string

	switches uint64
}

// New creates a client. It connects lazily on the first Send.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Prefer == "" {
		cfg.Prefer = Editor
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 500 * time.Millisecond
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 2 * time.Second
	}
	addrs := map[string]string{
		Scene:  hostPort(cfg.Host, core.DefaultSceneAddr),
		Editor: hostPort(cfg.Host, core.DefaultEditorAddr),
	}
	for k, v := range cfg.Addrs {
		addrs[k] = hostPort(cfg.Host, v)
	}
	cfg.Addrs = addrs
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, logger: logger}
}

// FromManifest builds the address map from the daemon's server manifest.
func FromManifest(entries []registry.Entry) map[string]string {
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		out[e.Name] = e.Addr
	}
	return out
}

// hostPort fills in host when addr has none (":9998" -> "127.0.0.1:9998").
func hostPort(host, addr string) string {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if h == "" || h == "0.0.0.0" || h == "::" {
		h = host
	}
	return net.JoinHostPort(h, p)
}

// Current names the connected server, "" when disconnected.
func (c *Client) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Switches counts hint-driven reconnects.
func (c *Client) Switches() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.switches
}

// Use connects to the named server, closing any other connection.
func (c *Client) Use(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx, name)
}

func (c *Client) connectLocked(ctx context.Context, name string) error {
	if c.conn != nil && c.current == name {
		return nil
	}
	addr, ok := c.cfg.Addrs[name]
	if !ok {
		return fmt.Errorf("unknown server %q", name)
	}
	c.closeLocked()

	d := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect %s (%s): %w", name, addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.current = name
	c.logger.Debug("connected", zap.String("server", name), zap.String("addr", addr))
	return nil
}

func (c *Client) closeLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.reader = nil
	c.current = ""
}

// Close drops the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

// Send writes one command and returns the reply line without its
// terminator. On a switch hint it reconnects and retries once; on no reply
// it tries the other server once.
func (c *Client) Send(ctx context.Context, line string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	line = strings.TrimSpace(line)
	if c.conn == nil {
		if err := c.probeLocked(ctx); err != nil {
			return "", err
		}
	}

	resp, err := c.roundTripLocked(line)
	if target := switchTarget(resp); target != "" && target != c.current {
		if cerr := c.connectLocked(ctx, target); cerr == nil {
			c.switches++
			c.logger.Debug("switched server", zap.String("server", target), zap.String("hint", resp))
			resp, err = c.roundTripLocked(line)
		}
	}
	if err != nil || resp == "" {
		other := c.other()
		if cerr := c.connectLocked(ctx, other); cerr != nil {
			if err == nil {
				err = ErrNoReply
			}
			return "", err
		}
		resp, err = c.roundTripLocked(line)
	}
	if err != nil {
		return "", err
	}
	if resp == "" {
		return "", ErrNoReply
	}
	return resp, nil
}

// probeLocked connects to the preferred server, then the other one.
func (c *Client) probeLocked(ctx context.Context) error {
	first := c.cfg.Prefer
	second := Scene
	if first == Scene {
		second = Editor
	}
	err := c.connectLocked(ctx, first)
	if err == nil {
		return nil
	}
	if err2 := c.connectLocked(ctx, second); err2 != nil {
		return fmt.Errorf("%w; %v", err, err2)
	}
	return nil
}

func (c *Client) other() string {
	if c.current == Scene {
		return Editor
	}
	return Scene
}

// roundTripLocked sends line and reads one reply. A closed connection is
// dropped so the next Send reconnects.
func (c *Client) roundTripLocked(line string) (string, error) {
	if c.conn == nil {
		return "", net.ErrClosed
	}
	deadline := time.Now().Add(c.cfg.ReplyTimeout)
	_ = c.conn.SetDeadline(deadline)

	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.closeLocked()
		return "", err
	}
	reply, err := c.reader.ReadString('\n')
	reply = strings.TrimRight(reply, "\r\n")
	if err != nil {
		c.closeLocked()
		if reply != "" {
			return reply, nil
		}
		return "", err
	}
	return reply, nil
}

// switchTarget maps a reply to the server it points at.
func switchTarget(resp string) string {
	switch {
	case strings.Contains(resp, hintPIE), strings.HasPrefix(resp, errPIE):
		return Scene
	case strings.Contains(resp, hintEditor):
		return Editor
	}
	return ""
}
