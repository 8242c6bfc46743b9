package e2e

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/denizumutdereli/scenelink/pkg/concurrency"
	"github.com/denizumutdereli/scenelink/pkg/core"
	"github.com/denizumutdereli/scenelink/pkg/daemon"
	"github.com/denizumutdereli/scenelink/pkg/journal"
	"github.com/denizumutdereli/scenelink/pkg/lifecycle"
	"github.com/denizumutdereli/scenelink/pkg/persistence"
	"github.com/denizumutdereli/scenelink/pkg/preset"
	"github.com/denizumutdereli/scenelink/pkg/protocol"
	"github.com/denizumutdereli/scenelink/pkg/scene/memscene"
	"github.com/denizumutdereli/scenelink/pkg/server"
)

// stack is a daemon wired the way scenelinkd wires it, on ephemeral ports.
type stack struct {
	world   *memscene.World
	guard   *lifecycle.Guard
	store   *persistence.Store
	journal *journal.Journal
	loop    *concurrency.HostLoop
	daemons *daemon.DaemonManager
	servers map[string]*server.Manager
}

// startStack boots a daemon over dataDir. An existing world snapshot is
// restored; otherwise the demo world is seeded.
func startStack(t *testing.T, dataDir string) *stack {
	t.Helper()

	store, err := persistence.NewStore(dataDir+"/snapshots", true)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	w := memscene.New()
	if store.Exists(daemon.WorldSnapshot) {
		snap, err := store.Load(daemon.WorldSnapshot)
		if err != nil {
			t.Fatalf("failed to load snapshot: %v", err)
		}
		w.Restore(snap)
	} else {
		memscene.Seed(w)
	}

	guard := lifecycle.NewGuard(core.ModeEditing)
	guard.OnTransition(func(_, to core.RuntimeMode) { w.SetMode(to) })

	j, err := journal.Open(dataDir+"/journal.db", nil)
	if err != nil {
		t.Fatalf("failed to open journal: %v", err)
	}

	exec := protocol.NewExecutor(protocol.Deps{
		Scene:   w,
		Presets: preset.NewCodec(dataDir+"/presets", w, nil),
	})
	exec.SetRecorder(j)

	loop := concurrency.NewHostLoop(context.Background(), 2*time.Millisecond, 64, nil)

	s := &stack{
		world:   w,
		guard:   guard,
		store:   store,
		journal: j,
		loop:    loop,
		servers: make(map[string]*server.Manager),
	}

	defaults := core.DefaultConfig()
	for name, sc := range map[string]core.ServerConfig{"scene": defaults.Scene, "editor": defaults.Editor} {
		sc.Addr = "127.0.0.1:0"
		m, err := server.New(name, sc, exec, guard, nil)
		if err != nil {
			t.Fatalf("failed to create %s server: %v", name, err)
		}
		if err := m.Start(context.Background()); err != nil {
			t.Fatalf("failed to start %s server: %v", name, err)
		}
		loop.Attach(m)
		s.servers[name] = m
	}

	s.daemons = daemon.NewDaemonManager(loop, daemon.Options{
		World:            w,
		Store:            store,
		SnapshotInterval: time.Hour,
		Journal:          j,
		JournalKeep:      1000,
	}, nil)
	s.daemons.Start()
	return s
}

// stop shuts down in scenelinkd's order. The daemon manager writes the
// final snapshot on the way out.
func (s *stack) stop() {
	for _, m := range s.servers {
		s.loop.Detach(m)
		m.Stop()
	}
	s.daemons.Stop()
	s.loop.Stop()
	_ = s.journal.Close()
}

type lineConn struct {
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, addr string) *lineConn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &lineConn{conn: conn, r: bufio.NewReader(conn)}
}

func (c *lineConn) send(t *testing.T, line string) string {
	t.Helper()
	_ = c.conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("write %q: %v", line, err)
	}
	reply, err := c.r.ReadString('\n')
	if err != nil {
		t.Fatalf("read reply to %q: %v", line, err)
	}
	return strings.TrimRight(reply, "\n")
}

// readAll reads until the server closes the connection.
func (c *lineConn) readAll() (string, error) {
	_ = c.conn.SetDeadline(time.Now().Add(2 * time.Second))
	var b strings.Builder
	for {
		line, err := c.r.ReadString('\n')
		b.WriteString(line)
		if err != nil {
			return b.String(), err
		}
	}
}

func dialQuiet(addr string) (*lineConn, error) {
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		return nil, err
	}
	return &lineConn{conn: conn, r: bufio.NewReader(conn)}, nil
}

func (c *lineConn) sendQuiet(line string) (string, error) {
	_ = c.conn.SetDeadline(time.Now().Add(500 * time.Millisecond))
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		return "", err
	}
	reply, err := c.r.ReadString('\n')
	return strings.TrimRight(reply, "\n"), err
}
