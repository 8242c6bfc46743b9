package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/denizumutdereli/scenelink/pkg/concurrency"
	"github.com/denizumutdereli/scenelink/pkg/core"
	"github.com/denizumutdereli/scenelink/pkg/journal"
	"github.com/denizumutdereli/scenelink/pkg/lifecycle"
	"github.com/denizumutdereli/scenelink/pkg/preset"
	"github.com/denizumutdereli/scenelink/pkg/protocol"
	"github.com/denizumutdereli/scenelink/pkg/registry"
	"github.com/denizumutdereli/scenelink/pkg/scene/memscene"
	"github.com/denizumutdereli/scenelink/pkg/server"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

type testEnv struct {
	s     *Server
	world *memscene.World
	guard *lifecycle.Guard
	deps  Deps
}

// newTestServer wires a seeded in-memory world, both protocol servers
// (not listening) and a running host loop behind the API.
func newTestServer(t *testing.T, cfgMutator func(*core.Config)) *testEnv {
	t.Helper()

	cfg := core.DefaultConfig()
	cfg.Storage.DataPath = t.TempDir()
	cfg.Storage.PresetsDir = filepath.Join(cfg.Storage.DataPath, "ScenePresets")
	if cfgMutator != nil {
		cfgMutator(cfg)
	}

	world := memscene.New()
	memscene.Seed(world)
	guard := lifecycle.NewGuard(core.ModeEditing)
	guard.OnTransition(func(_, to core.RuntimeMode) { world.SetMode(to) })

	presets := preset.NewCodec(cfg.PresetsPath(), world, nil)
	exec := protocol.NewExecutor(protocol.Deps{Scene: world, Presets: presets})

	j, err := journal.Open(filepath.Join(cfg.Storage.DataPath, "journal.db"), nil)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	exec.SetRecorder(j)

	reg, err := registry.New("")
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	for name, sc := range map[string]core.ServerConfig{"editor": cfg.Editor, "scene": cfg.Scene} {
		m, err := server.New(name, sc, exec, guard, nil)
		if err != nil {
			t.Fatalf("server.New(%s): %v", name, err)
		}
		if err := reg.Register(m); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}

	loop := concurrency.NewHostLoop(context.Background(), 10*time.Millisecond, 16, nil)
	t.Cleanup(loop.Stop)

	deps := Deps{Loop: loop, Guard: guard, Registry: reg, Presets: presets, Journal: j}
	return &testEnv{s: NewServer(cfg, deps, nil), world: world, guard: guard, deps: deps}
}

// doRequest is a compact helper for firing HTTP requests at the test server.
func doRequest(t *testing.T, s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req := httptest.NewRequest(method, path, bodyReader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rr := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rr, req)
	return rr
}

// decodeJSON decodes the response body into a generic map.
func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&m); err != nil {
		t.Fatalf("failed to decode JSON: %v (body=%s)", err, rr.Body.String())
	}
	return m
}

// ---------------------------------------------------------------------------
// Health / CORS
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	env := newTestServer(t, nil)
	rr := doRequest(t, env.s, "GET", "/health", "", nil)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
	m := decodeJSON(t, rr)
	if m["status"] != "healthy" {
		t.Errorf("expected status 'healthy', got %v", m["status"])
	}
	if m["mode"] != "editing" {
		t.Errorf("expected mode 'editing', got %v", m["mode"])
	}
	if m["servers"] != float64(2) {
		t.Errorf("expected 2 servers, got %v", m["servers"])
	}
}

func TestCORS_DefaultOrigin(t *testing.T) {
	env := newTestServer(t, nil)
	rr := doRequest(t, env.s, "OPTIONS", "/health", "", map[string]string{"Origin": "http://localhost:9997"})

	if rr.Code != http.StatusOK {
		t.Errorf("OPTIONS expected 200, got %d", rr.Code)
	}
	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "http://localhost:9997" {
		t.Errorf("expected CORS origin 'http://localhost:9997', got %q", origin)
	}
}

func TestCORS_UnknownOriginNotEchoed(t *testing.T) {
	env := newTestServer(t, nil)
	rr := doRequest(t, env.s, "OPTIONS", "/health", "", map[string]string{"Origin": "https://evil.example.com"})

	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "" {
		t.Errorf("unexpected CORS origin %q", origin)
	}
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func TestCommandRunsOnNamedServer(t *testing.T) {
	env := newTestServer(t, nil)

	rr := doRequest(t, env.s, "POST", "/v1/command", `{"server":"editor","line":"MOVE Cube1 1 2 3"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	m := decodeJSON(t, rr)
	if m["ok"] != true || m["response"] != "OK Cube1 moved to (1.0, 2.0, 3.0)" {
		t.Fatalf("unexpected result: %v", m)
	}

	a, _ := env.world.FindActor("Cube1", core.MatchExact)
	if got := env.world.Transform(a).Location; got != (core.Vec3{X: 1, Y: 2, Z: 3}) {
		t.Fatalf("actor not moved: %v", got)
	}
}

func TestCommandFailureCarriesReason(t *testing.T) {
	env := newTestServer(t, nil)

	rr := doRequest(t, env.s, "POST", "/v1/command", `{"line":"GET_LOCATION Nobody"}`, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rr.Code, rr.Body.String())
	}
	m := decodeJSON(t, rr)
	if m["ok"] != false || m["reason"] != "NotFound" || m["code"] != "ACTOR_NOT_FOUND" {
		t.Fatalf("unexpected result: %v", m)
	}
	if !strings.HasPrefix(m["response"].(string), "ERR NotFound") {
		t.Fatalf("wire text missing: %v", m["response"])
	}
}

func TestCommandHonorsModeGuard(t *testing.T) {
	env := newTestServer(t, nil)
	env.guard.BeginSimulation()

	rr := doRequest(t, env.s, "POST", "/v1/command", `{"server":"editor","line":"MOVE Cube1 1 2 3"}`, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rr.Code, rr.Body.String())
	}
	if m := decodeJSON(t, rr); m["reason"] != "PIE" {
		t.Fatalf("expected PIE reason, got %v", m)
	}

	// The scene server has no blocked mode.
	rr = doRequest(t, env.s, "POST", "/v1/command", `{"server":"scene","line":"MOVE Cube1 1 2 3"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("scene server expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestCommandValidation(t *testing.T) {
	env := newTestServer(t, nil)

	tests := []struct {
		method string
		body   string
		status int
		code   string
	}{
		{"GET", "", http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED"},
		{"POST", `{bad`, http.StatusBadRequest, "INVALID_JSON"},
		{"POST", `{"line":"  "}`, http.StatusBadRequest, "LINE_REQUIRED"},
		{"POST", `{"server":"nope","line":"LIST"}`, http.StatusNotFound, "SERVER_NOT_FOUND"},
	}
	for _, tt := range tests {
		rr := doRequest(t, env.s, tt.method, "/v1/command", tt.body, nil)
		if rr.Code != tt.status {
			t.Errorf("%s %q: expected %d, got %d", tt.method, tt.body, tt.status, rr.Code)
			continue
		}
		if m := decodeJSON(t, rr); m["code"] != tt.code {
			t.Errorf("%s %q: expected code %s, got %v", tt.method, tt.body, tt.code, m["code"])
		}
	}
}

func TestBodySizeLimit_RejectsOversized(t *testing.T) {
	env := newTestServer(t, func(cfg *core.Config) {
		cfg.API.MaxRequestBody = 64
	})

	body := `{"line":"` + strings.Repeat("x", 128) + `"}`
	rr := doRequest(t, env.s, "POST", "/v1/command", body, nil)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
}

// ---------------------------------------------------------------------------
// Mode
// ---------------------------------------------------------------------------

func TestModeGetAndSet(t *testing.T) {
	env := newTestServer(t, nil)

	rr := doRequest(t, env.s, "POST", "/v1/mode", `{"mode":"simulating"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	m := decodeJSON(t, rr)
	if m["mode"] != "simulating" || m["changed"] != true {
		t.Fatalf("unexpected result: %v", m)
	}
	if !env.guard.IsSimulating() || env.world.CurrentMode() != core.ModeSimulating {
		t.Fatal("guard and world should follow the mode change")
	}

	rr = doRequest(t, env.s, "POST", "/v1/mode", `{"mode":"pie"}`, nil)
	if m := decodeJSON(t, rr); m["changed"] != false {
		t.Fatalf("repeat transition should report no change: %v", m)
	}

	rr = doRequest(t, env.s, "GET", "/v1/mode", "", nil)
	if m := decodeJSON(t, rr); m["mode"] != "simulating" || m["transitions"] != float64(1) {
		t.Fatalf("unexpected mode: %v", m)
	}

	rr = doRequest(t, env.s, "POST", "/v1/mode", `{"mode":"paused"}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown mode, got %d", rr.Code)
	}
}

// ---------------------------------------------------------------------------
// Servers, presets and journal
// ---------------------------------------------------------------------------

func TestServersListsRegistry(t *testing.T) {
	env := newTestServer(t, nil)
	rr := doRequest(t, env.s, "GET", "/v1/servers", "", nil)

	var body struct {
		Servers []struct {
			Name        string         `json:"name"`
			Addr        string         `json:"addr"`
			BlockedMode string         `json:"blocked_mode"`
			Stats       map[string]any `json:"stats"`
		} `json:"servers"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(body.Servers))
	}
	byName := map[string]string{}
	for _, s := range body.Servers {
		byName[s.Name] = s.BlockedMode
		if s.Stats == nil {
			t.Errorf("%s: stats missing", s.Name)
		}
	}
	if byName["editor"] != "simulating" || byName["scene"] != "none" {
		t.Fatalf("unexpected blocked modes: %v", byName)
	}
}

func TestPresetLifecycle(t *testing.T) {
	env := newTestServer(t, nil)

	rr := doRequest(t, env.s, "POST", "/v1/presets/room", `{"action":"save"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("save expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if m := decodeJSON(t, rr); m["actors"] != float64(3) {
		t.Fatalf("unexpected save result: %v", m)
	}

	rr = doRequest(t, env.s, "GET", "/v1/presets", "", nil)
	if !strings.Contains(rr.Body.String(), `"name":"room"`) {
		t.Fatalf("preset missing from list: %s", rr.Body.String())
	}

	rr = doRequest(t, env.s, "GET", "/v1/presets/room", "", nil)
	if m := decodeJSON(t, rr); m["version"] != float64(1) {
		t.Fatalf("unexpected document: %v", m)
	}

	env.world.Clear()
	rr = doRequest(t, env.s, "POST", "/v1/presets/room", `{"action":"load","offset":[0,0,10]}`, nil)
	if m := decodeJSON(t, rr); m["spawned"] != float64(3) {
		t.Fatalf("unexpected load result: %v", m)
	}
	if env.world.Len() != 3 {
		t.Fatalf("world holds %d actors, want 3", env.world.Len())
	}

	rr = doRequest(t, env.s, "DELETE", "/v1/presets/room", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete expected 200, got %d", rr.Code)
	}
	rr = doRequest(t, env.s, "GET", "/v1/presets/room", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rr.Code)
	}
}

func TestPresetLoadBlockedWhileSimulating(t *testing.T) {
	env := newTestServer(t, nil)
	doRequest(t, env.s, "POST", "/v1/presets/room", `{"action":"save"}`, nil)
	env.guard.BeginSimulation()

	rr := doRequest(t, env.s, "POST", "/v1/presets/room", `{"action":"load"}`, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestPresetRejectsBadNames(t *testing.T) {
	env := newTestServer(t, nil)
	rr := doRequest(t, env.s, "GET", "/v1/presets/bad..name", "", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestJournalRecordsCommands(t *testing.T) {
	env := newTestServer(t, nil)
	doRequest(t, env.s, "POST", "/v1/command", `{"line":"MOVE_COMMIT Cube1 4 5 6"}`, nil)
	doRequest(t, env.s, "POST", "/v1/command", `{"server":"scene","line":"GET_SCALE Cube1"}`, nil)

	rr := doRequest(t, env.s, "GET", "/v1/journal?committed=true", "", nil)
	m := decodeJSON(t, rr)
	if m["count"] != float64(1) {
		t.Fatalf("expected 1 committed record, got %v", m)
	}

	rr = doRequest(t, env.s, "GET", "/v1/journal?server=scene&limit=5", "", nil)
	m = decodeJSON(t, rr)
	records := m["records"].([]any)
	if len(records) != 1 || records[0].(map[string]any)["verb"] != "GET_SCALE" {
		t.Fatalf("unexpected scene records: %v", records)
	}
}

func TestJournalDisabled(t *testing.T) {
	env := newTestServer(t, nil)
	env.s.deps.Journal = nil
	rr := doRequest(t, env.s, "GET", "/v1/journal", "", nil)
	if m := decodeJSON(t, rr); m["code"] != "JOURNAL_DISABLED" {
		t.Fatalf("unexpected response: %v", m)
	}
}

func TestStatsAndConfig(t *testing.T) {
	env := newTestServer(t, nil)

	m := decodeJSON(t, doRequest(t, env.s, "GET", "/v1/stats", "", nil))
	for _, key := range []string{"host", "guard", "journal", "servers"} {
		if _, ok := m[key]; !ok {
			t.Errorf("stats missing %q", key)
		}
	}

	m = decodeJSON(t, doRequest(t, env.s, "GET", "/v1/config", "", nil))
	editor := m["editor"].(map[string]any)
	if editor["addr"] != core.DefaultEditorAddr || editor["blockedMode"] != "simulating" {
		t.Fatalf("unexpected editor config: %v", editor)
	}
	if _, ok := m["mcp"].(map[string]any)["apiKey"]; ok {
		t.Fatal("config must not expose the MCP key")
	}
}

func TestSnapshotWithoutDaemons(t *testing.T) {
	env := newTestServer(t, nil)
	rr := doRequest(t, env.s, "POST", "/v1/snapshot", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestServerTimeoutsFromConfig(t *testing.T) {
	env := newTestServer(t, func(cfg *core.Config) {
		cfg.API.ReadTimeout = 45 * time.Second
		cfg.API.WriteTimeout = 90 * time.Second
	})

	if env.s.httpServer.ReadTimeout != 45*time.Second {
		t.Errorf("ReadTimeout: expected 45s, got %v", env.s.httpServer.ReadTimeout)
	}
	if env.s.httpServer.WriteTimeout != 90*time.Second {
		t.Errorf("WriteTimeout: expected 90s, got %v", env.s.httpServer.WriteTimeout)
	}
}

func TestRateLimit_TooManyRequests(t *testing.T) {
	env := newTestServer(t, nil)
	env.s.rateLimitRequests = 2
	env.s.rateLimitWindow = time.Minute

	for i := 0; i < 2; i++ {
		if rr := doRequest(t, env.s, "GET", "/health", "", nil); rr.Code != http.StatusOK {
			t.Fatalf("request %d expected 200, got %d", i+1, rr.Code)
		}
	}

	rr := doRequest(t, env.s, "GET", "/health", "", nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", rr.Code, rr.Body.String())
	}
	if m := decodeJSON(t, rr); m["code"] != "RATE_LIMITED" {
		t.Fatalf("expected RATE_LIMITED, got %v", m["code"])
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header on rate limit response")
	}
}

// ---------------------------------------------------------------------------
// MCP endpoint wiring
// ---------------------------------------------------------------------------

func TestMCP_DisabledReturnsNotFound(t *testing.T) {
	env := newTestServer(t, nil)
	rr := doRequest(t, env.s, "POST", "/mcp", `{}`, map[string]string{"Content-Type": "application/json"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when MCP disabled, got %d", rr.Code)
	}
}

func TestMCP_EnabledRejectsMissingAPIKey(t *testing.T) {
	env := newTestServer(t, func(cfg *core.Config) {
		cfg.MCP.Enabled = true
		cfg.MCP.APIKey = "secret"
	})
	rr := doRequest(t, env.s, "POST", "/mcp", `{}`, map[string]string{"Content-Type": "application/json"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body=%s)", rr.Code, rr.Body.String())
	}
}

func TestMCPBackendRunsCommands(t *testing.T) {
	env := newTestServer(t, nil)
	b := newMCPBackend(env.s)
	ctx := context.Background()

	out, err := b.Command(ctx, "", "GET_SCALE Cube1")
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if out["ok"] != true || out["response"] != "Scale: 1.0 1.0 1.0" {
		t.Fatalf("unexpected result: %v", out)
	}

	if _, err := b.SetMode(ctx, "simulating"); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	out, err = b.Command(ctx, "editor", "MOVE Cube1 0 0 0")
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if out["ok"] != false || out["reason"] != "PIE" {
		t.Fatalf("expected mode conflict, got %v", out)
	}

	servers, err := b.Servers(ctx)
	if err != nil {
		t.Fatalf("Servers: %v", err)
	}
	if len(servers["servers"].([]registry.Entry)) != 2 {
		t.Fatalf("unexpected servers: %v", servers)
	}
}

// ---------------------------------------------------------------------------
// WebSocket bridge
// ---------------------------------------------------------------------------

func TestWebSocketBridge(t *testing.T) {
	env := newTestServer(t, func(cfg *core.Config) { cfg.API.AllowedOrigins = "*" })
	ts := httptest.NewServer(env.s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?server=editor"
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.CloseNow()

	if err := c.Write(ctx, websocket.MessageText, []byte("GET_LOCATION Cube1")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "Location: 0.0 0.0 50.0" {
		t.Fatalf("unexpected reply %q", data)
	}

	if _, err := env.s.setMode(core.ModeSimulating); err != nil {
		t.Fatalf("setMode: %v", err)
	}
	_, data, err = c.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "MODE simulating" {
		t.Fatalf("expected mode event, got %q", data)
	}
	c.Close(websocket.StatusNormalClosure, "")
}

func TestWebSocketUnknownServer(t *testing.T) {
	env := newTestServer(t, nil)
	rr := doRequest(t, env.s, "GET", "/ws?server=nope", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
