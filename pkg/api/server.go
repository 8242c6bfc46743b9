package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/denizumutdereli/scenelink/pkg/api/apierr"
	"github.com/denizumutdereli/scenelink/pkg/concurrency"
	"github.com/denizumutdereli/scenelink/pkg/core"
	"github.com/denizumutdereli/scenelink/pkg/daemon"
	"github.com/denizumutdereli/scenelink/pkg/journal"
	"github.com/denizumutdereli/scenelink/pkg/lifecycle"
	mcpapi "github.com/denizumutdereli/scenelink/pkg/mcp"
	"github.com/denizumutdereli/scenelink/pkg/preset"
	"github.com/denizumutdereli/scenelink/pkg/protocol"
	"github.com/denizumutdereli/scenelink/pkg/registry"
)

// CommandServer is a registered protocol server that can run lines on
// behalf of the API.
type CommandServer interface {
	registry.Server
	Execute(ctx context.Context, line string, state *protocol.Session) protocol.Response
	Stats() map[string]any
}

// Deps are the daemon components the API exposes. Nil members disable
// their endpoints.
type Deps struct {
	Loop     *concurrency.HostLoop
	Guard    *lifecycle.Guard
	Registry *registry.Registry
	Presets  *preset.Codec
	Catalog  *preset.Catalog
	Journal  *journal.Journal
	Daemons  *daemon.DaemonManager
}

// Server is the HTTP control API.
type Server struct {
	deps   Deps
	config *core.Config
	logger *zap.Logger

	httpServer *http.Server
	addr       string
	mcpPath    string
	started    time.Time

	rateLimitEnabled  bool
	rateLimitRequests int
	rateLimitWindow   time.Duration
	rateLimitMu       sync.Mutex
	rateLimitEntries  map[string]rateLimitEntry

	watchMu  sync.Mutex
	watchers map[chan string]struct{}
}

const (
	defaultServer           = "editor"
	defaultJournalLimit     = 100
	maxJournalLimit         = 1000
	defaultRateLimitWindow  = time.Minute
	defaultRateLimitRequest = 10000
)

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// NewServer creates the API server and its routes.
func NewServer(cfg *core.Config, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:              deps,
		config:            cfg,
		logger:            logger.With(zap.String("component", "api")),
		addr:              cfg.API.Addr,
		started:           time.Now(),
		rateLimitEnabled:  true,
		rateLimitRequests: defaultRateLimitRequest,
		rateLimitWindow:   defaultRateLimitWindow,
		rateLimitEntries:  make(map[string]rateLimitEntry),
		watchers:          make(map[chan string]struct{}),
	}
	if deps.Guard != nil {
		deps.Guard.OnTransition(s.notifyMode)
	}

	mux := http.NewServeMux()

	// Health
	mux.HandleFunc("/health", s.handleHealth)

	// Protocol servers and runtime mode
	mux.HandleFunc("/v1/servers", s.handleServers)
	mux.HandleFunc("/v1/mode", s.handleMode)
	mux.HandleFunc("/v1/command", s.handleCommand)

	// Presets
	mux.HandleFunc("/v1/presets", s.handlePresets)
	mux.HandleFunc("/v1/presets/", s.handlePreset)

	// Command journal
	mux.HandleFunc("/v1/journal", s.handleJournal)

	// Stats and config
	mux.HandleFunc("/v1/stats", s.handleStats)
	mux.HandleFunc("/v1/config", s.handleConfig)
	mux.HandleFunc("/v1/snapshot", s.handleSnapshot)

	if cfg.API.WebSocket {
		mux.HandleFunc("/ws", s.handleWS)
	}

	if cfg.MCP.Enabled {
		path := cfg.MCP.Path
		if strings.TrimSpace(path) == "" {
			path = "/mcp"
		}
		if len(path) > 1 {
			path = strings.TrimRight(path, "/")
		}

		mcpHandler, err := mcpapi.NewHandler(mcpapi.Config{
			APIKey:         cfg.MCP.APIKey,
			Stateless:      cfg.MCP.Stateless,
			RateLimitRPS:   cfg.MCP.RateLimitRPS,
			RateLimitBurst: cfg.MCP.RateLimitBurst,
		}, newMCPBackend(s))
		if err != nil {
			s.logger.Warn("MCP endpoint disabled", zap.Error(err))
		} else {
			s.mcpPath = path
			mux.Handle(path, mcpHandler)
			s.logger.Info("MCP endpoint enabled", zap.String("path", path), zap.Bool("stateless", cfg.MCP.Stateless))
		}
	}

	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.withMiddleware(mux),
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
	}

	return s
}

// withMiddleware adds common middleware (CORS, content-type, request body limit, logging).
func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.isMCPPath(r.URL.Path) || r.URL.Path == "/ws" {
			start := time.Now()
			next.ServeHTTP(w, r)
			s.logRequest(r, start)
			return
		}

		// AllowedOrigins may be comma-separated; match against the request Origin header.
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		if !s.allowRequestByRateLimit(r) {
			retryAfter := int(s.rateLimitWindow.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			apierr.TooManyRequests(w, "rate limit exceeded")
			return
		}

		// Request body size limit
		if s.config.API.MaxRequestBody > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.config.API.MaxRequestBody)
		}

		w.Header().Set("Content-Type", "application/json")

		start := time.Now()
		next.ServeHTTP(w, r)
		s.logRequest(r, start)
	})
}

func (s *Server) logRequest(r *http.Request, start time.Time) {
	s.logger.Debug("request",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Duration("took", time.Since(start)))
}

func (s *Server) originAllowed(origin string) bool {
	if s.config.API.AllowedOrigins == "*" {
		return true
	}
	for _, o := range strings.Split(s.config.API.AllowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

func (s *Server) isMCPPath(path string) bool {
	if s.mcpPath == "" {
		return false
	}
	if path == s.mcpPath {
		return true
	}
	return strings.HasPrefix(path, s.mcpPath+"/")
}

func (s *Server) decodeJSONRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			apierr.PayloadTooLarge(w, err.Error())
			return false
		}
		apierr.InvalidJSON(w)
		return false
	}
	return true
}

func clampPositive(value, fallback, maxValue int) int {
	if value <= 0 {
		value = fallback
	}
	if maxValue > 0 && value > maxValue {
		return maxValue
	}
	return value
}

func parsePositiveQueryInt(raw string) int {
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return v
}

func (s *Server) allowRequestByRateLimit(r *http.Request) bool {
	if !s.rateLimitEnabled || s.rateLimitRequests <= 0 || s.rateLimitWindow <= 0 {
		return true
	}

	key := r.RemoteAddr
	if ip := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); ip != "" {
		parts := strings.Split(ip, ",")
		key = strings.TrimSpace(parts[0])
	} else if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		key = ip
	} else if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		key = host
	}
	if key == "" {
		key = "unknown"
	}

	now := time.Now()
	s.rateLimitMu.Lock()
	defer s.rateLimitMu.Unlock()

	entry := s.rateLimitEntries[key]
	if entry.windowStart.IsZero() || now.Sub(entry.windowStart) >= s.rateLimitWindow {
		s.rateLimitEntries[key] = rateLimitEntry{windowStart: now, count: 1}
		return true
	}
	if entry.count >= s.rateLimitRequests {
		return false
	}
	entry.count++
	s.rateLimitEntries[key] = entry
	return true
}

// Handler returns the routed handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Stop. It returns http.ErrServerClosed after Stop.
func (s *Server) Start() error {
	s.logger.Info("API server starting", zap.String("addr", s.addr))
	return s.httpServer.ListenAndServe()
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("API server starting", zap.String("addr", ln.Addr().String()))
	return s.httpServer.Serve(ln)
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.closeWatchers()
	return s.httpServer.Shutdown(ctx)
}

// onLoop runs fn on the host loop so it never interleaves with a TCP
// command. Without a loop fn runs inline.
func (s *Server) onLoop(typ concurrency.OpType, fn func() (any, error)) (any, error) {
	if s.deps.Loop == nil {
		return fn()
	}
	return s.deps.Loop.Do(typ, fn)
}

// lookupServer resolves a registered protocol server by name.
func (s *Server) lookupServer(name string) (CommandServer, bool) {
	if s.deps.Registry == nil {
		return nil, false
	}
	if name == "" {
		name = defaultServer
	}
	srv, ok := s.deps.Registry.Get(name)
	if !ok {
		return nil, false
	}
	cs, ok := srv.(CommandServer)
	return cs, ok
}

// ============================================================
// Health, servers and mode
// ============================================================

// handleHealth returns health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now(),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	}
	if s.deps.Guard != nil {
		out["mode"] = s.deps.Guard.Mode().String()
	}
	if s.deps.Registry != nil {
		out["servers"] = s.deps.Registry.Count()
	}
	json.NewEncoder(w).Encode(out)
}

// handleServers lists the registered protocol servers with their stats.
func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		apierr.MethodNotAllowed(w)
		return
	}
	if s.deps.Registry == nil {
		json.NewEncoder(w).Encode(map[string]any{"servers": []any{}})
		return
	}

	entries := s.deps.Registry.Entries()
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		item := map[string]any{
			"name":         e.Name,
			"addr":         e.Addr,
			"instance_id":  e.InstanceID,
			"started_at":   e.StartedAt,
			"blocked_mode": e.BlockedMode,
		}
		if cs, ok := s.lookupServer(e.Name); ok {
			item["stats"] = cs.Stats()
		}
		out = append(out, item)
	}
	json.NewEncoder(w).Encode(map[string]any{"servers": out})
}

// handleMode reports or changes the runtime mode.
//
//   - GET  /v1/mode -> {"mode": "editing", ...}
//   - POST /v1/mode -> {"mode": "simulating"}
func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	if s.deps.Guard == nil {
		apierr.Unavailable(w, "mode guard not configured")
		return
	}
	switch r.Method {
	case "GET":
		json.NewEncoder(w).Encode(s.deps.Guard.Stats())
	case "POST":
		var req struct {
			Mode string `json:"mode"`
		}
		if !s.decodeJSONRequest(w, r, &req) {
			return
		}
		mode, err := core.ParseRuntimeMode(req.Mode)
		if err != nil {
			apierr.BadRequest(w, apierr.CodeInvalidArgs, err.Error())
			return
		}
		changed, err := s.setMode(mode)
		if err != nil {
			apierr.Unavailable(w, err.Error())
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"mode":    mode.String(),
			"changed": changed,
		})
	default:
		apierr.MethodNotAllowed(w)
	}
}

func (s *Server) setMode(mode core.RuntimeMode) (bool, error) {
	v, err := s.onLoop(concurrency.OpMode, func() (any, error) {
		return s.deps.Guard.Set(mode), nil
	})
	if err != nil {
		return false, err
	}
	changed, _ := v.(bool)
	return changed, nil
}

// ============================================================
// Commands
// ============================================================

type commandRequest struct {
	Server string `json:"server"`
	Line   string `json:"line"`
}

type commandResult struct {
	OK       bool   `json:"ok"`
	Server   string `json:"server"`
	Verb     string `json:"verb,omitempty"`
	Response string `json:"response"`
	Reason   string `json:"reason,omitempty"`
	Code     string `json:"code,omitempty"`
	Close    bool   `json:"close,omitempty"`
}

// handleCommand runs one protocol line on a named server with that
// server's mode guard and name-match policy.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		apierr.MethodNotAllowed(w)
		return
	}

	var req commandRequest
	if !s.decodeJSONRequest(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Line) == "" {
		apierr.LineRequired(w)
		return
	}
	if req.Server == "" {
		req.Server = r.URL.Query().Get("server")
	}

	res, status, err := s.runCommand(r.Context(), req.Server, req.Line, "http")
	if err != nil {
		if status == http.StatusNotFound {
			apierr.NotFound(w, apierr.CodeServerNotFound, err.Error())
			return
		}
		apierr.Unavailable(w, err.Error())
		return
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(res)
}

// runCommand executes line on the host loop. The returned error covers
// transport problems only; command failures are reported in the result.
func (s *Server) runCommand(ctx context.Context, server, line, session string) (commandResult, int, error) {
	cs, ok := s.lookupServer(server)
	if !ok {
		if server == "" {
			server = defaultServer
		}
		return commandResult{}, http.StatusNotFound, errors.New("unknown server " + server)
	}

	v, err := s.onLoop(concurrency.OpCommand, func() (any, error) {
		return cs.Execute(ctx, line, &protocol.Session{ID: session}), nil
	})
	if err != nil {
		return commandResult{}, http.StatusServiceUnavailable, err
	}
	resp := v.(protocol.Response)

	res := commandResult{
		OK:       resp.OK(),
		Server:   cs.Name(),
		Verb:     resp.Verb,
		Response: strings.TrimRight(resp.Text, "\n"),
		Close:    resp.Close,
	}
	status := http.StatusOK
	if resp.Err != nil {
		status, res.Code = apierr.Classify(resp.Err)
		res.Reason = core.Reason(resp.Err)
	}
	return res, status, nil
}

// ============================================================
// Presets
// ============================================================

// handlePresets lists the preset directory.
func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		apierr.MethodNotAllowed(w)
		return
	}
	if s.deps.Catalog != nil {
		json.NewEncoder(w).Encode(map[string]any{"presets": s.deps.Catalog.Entries()})
		return
	}
	if s.deps.Presets == nil {
		apierr.Unavailable(w, "presets not configured")
		return
	}
	names, err := s.deps.Presets.List()
	if err != nil {
		apierr.Internal(w, err.Error())
		return
	}
	entries := make([]preset.Entry, 0, len(names))
	for _, n := range names {
		entries = append(entries, preset.Entry{Name: n})
	}
	json.NewEncoder(w).Encode(map[string]any{"presets": entries})
}

// handlePreset serves one preset.
//
//   - GET    /v1/presets/{name}      -> the preset document
//   - POST   /v1/presets/{name}      -> {"action": "save"} or {"action": "load", "offset": [x,y,z]}
//   - DELETE /v1/presets/{name}
func (s *Server) handlePreset(w http.ResponseWriter, r *http.Request) {
	if s.deps.Presets == nil {
		apierr.Unavailable(w, "presets not configured")
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/v1/presets/")
	if _, err := preset.ValidateName(name); err != nil {
		apierr.FromError(w, err)
		return
	}

	switch r.Method {
	case "GET":
		doc, err := s.deps.Presets.Read(name)
		if err != nil {
			apierr.FromError(w, err)
			return
		}
		json.NewEncoder(w).Encode(doc)

	case "POST":
		var req struct {
			Action string    `json:"action"`
			Offset []float64 `json:"offset"`
		}
		if !s.decodeJSONRequest(w, r, &req) {
			return
		}
		switch req.Action {
		case "save":
			s.savePreset(w, name)
		case "load":
			s.loadPreset(w, name, req.Offset)
		default:
			apierr.BadRequest(w, apierr.CodeBadRequest, "action must be save or load")
		}

	case "DELETE":
		if _, err := s.onLoop(concurrency.OpPreset, func() (any, error) {
			return nil, s.deps.Presets.Delete(name)
		}); err != nil {
			apierr.FromError(w, err)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"deleted": name})

	default:
		apierr.MethodNotAllowed(w)
	}
}

func (s *Server) savePreset(w http.ResponseWriter, name string) {
	type saved struct {
		path  string
		count int
	}
	v, err := s.onLoop(concurrency.OpPreset, func() (any, error) {
		path, n, err := s.deps.Presets.Save(name)
		return saved{path, n}, err
	})
	if err != nil {
		apierr.FromError(w, err)
		return
	}
	res := v.(saved)
	json.NewEncoder(w).Encode(map[string]any{"name": name, "path": res.path, "actors": res.count})
}

// loadPreset honors the mode guard of the editor server: loading spawns
// actors, so it is refused while that server is blocked.
func (s *Server) loadPreset(w http.ResponseWriter, name string, offset []float64) {
	var off core.Vec3
	if len(offset) > 0 {
		var err error
		if off, err = core.Vec3FromArray(offset); err != nil {
			apierr.FromError(w, err)
			return
		}
	}
	if cs, ok := s.lookupServer(defaultServer); ok {
		if p, ok := cs.(interface{ Policy() *lifecycle.Policy }); ok {
			if _, err := p.Policy().Admit(true); err != nil {
				apierr.FromError(w, err)
				return
			}
		}
	}

	v, err := s.onLoop(concurrency.OpPreset, func() (any, error) {
		return s.deps.Presets.Load(name, off)
	})
	if err != nil {
		apierr.FromError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"name": name, "spawned": v})
}

// ============================================================
// Journal, stats and config
// ============================================================

// handleJournal returns recent command records, newest first.
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		apierr.MethodNotAllowed(w)
		return
	}
	if s.deps.Journal == nil {
		apierr.NotFound(w, apierr.CodeJournalDisabled, "command journal is disabled")
		return
	}

	q := r.URL.Query()
	committed, _ := strconv.ParseBool(q.Get("committed"))
	records, err := s.deps.Journal.Recent(r.Context(), journal.Query{
		Limit:         clampPositive(parsePositiveQueryInt(q.Get("limit")), defaultJournalLimit, maxJournalLimit),
		Server:        q.Get("server"),
		Session:       q.Get("session"),
		CommittedOnly: committed,
	})
	if err != nil {
		apierr.Internal(w, err.Error())
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"records": records, "count": len(records)})
}

// handleStats reports every component's counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}
	if s.deps.Loop != nil {
		out["host"] = s.deps.Loop.Stats()
	}
	if s.deps.Guard != nil {
		out["guard"] = s.deps.Guard.Stats()
	}
	if s.deps.Daemons != nil {
		out["daemons"] = s.deps.Daemons.Stats()
	}
	if s.deps.Journal != nil {
		out["journal"] = s.deps.Journal.Stats()
	}
	if s.deps.Catalog != nil {
		out["presets"] = s.deps.Catalog.Stats()
	}
	if s.deps.Registry != nil {
		servers := map[string]any{}
		for _, srv := range s.deps.Registry.List() {
			if cs, ok := srv.(CommandServer); ok {
				servers[cs.Name()] = cs.Stats()
			}
		}
		out["servers"] = servers
	}
	json.NewEncoder(w).Encode(out)
}

// handleSnapshot forces a world snapshot flush.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		apierr.MethodNotAllowed(w)
		return
	}
	if s.deps.Daemons == nil {
		apierr.Unavailable(w, "snapshots are disabled")
		return
	}
	written := s.deps.Daemons.FlushSnapshot()
	json.NewEncoder(w).Encode(map[string]any{"written": written})
}

// handleConfig returns the active configuration. Secrets are omitted.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		apierr.MethodNotAllowed(w)
		return
	}
	c := s.config
	serverView := func(sc core.ServerConfig) map[string]any {
		return map[string]any{
			"enabled":            sc.Enabled,
			"addr":               sc.Addr,
			"editorVerbs":        sc.EditorVerbs,
			"blockedMode":        sc.Guard.BlockedMode,
			"allowReadOnly":      sc.Guard.AllowReadOnly,
			"switchHint":         sc.Guard.SwitchHint,
			"nameMatch":          sc.NameMatch,
			"maxLineBytes":       sc.MaxLineBytes,
			"legacyUnterminated": sc.LegacyUnterminated,
		}
	}
	json.NewEncoder(w).Encode(map[string]any{
		"scene":  serverView(c.Scene),
		"editor": serverView(c.Editor),
		"host": map[string]any{
			"pollInterval": c.Host.PollInterval.String(),
			"queueSize":    c.Host.QueueSize,
			"initialMode":  c.Host.InitialMode,
		},
		"storage": map[string]any{
			"presetsDir": c.PresetsPath(),
			"dataPath":   c.Storage.DataPath,
			"compress":   c.Storage.Compress,
		},
		"daemons": map[string]any{
			"snapshotEnabled":  c.Daemons.SnapshotEnabled,
			"snapshotInterval": c.Daemons.SnapshotInterval.String(),
			"watchPresets":     c.Daemons.WatchPresets,
		},
		"journal": map[string]any{
			"enabled":       c.Journal.Enabled,
			"keep":          c.Journal.Keep,
			"pruneInterval": c.Journal.PruneInterval.String(),
		},
		"script": map[string]any{
			"enabled": c.Script.Enabled,
			"timeout": c.Script.Timeout.String(),
		},
		"api": map[string]any{
			"addr":           c.API.Addr,
			"allowedOrigins": c.API.AllowedOrigins,
			"maxRequestBody": c.API.MaxRequestBody,
			"webSocket":      c.API.WebSocket,
		},
		"mcp": map[string]any{
			"enabled":   c.MCP.Enabled,
			"path":      c.MCP.Path,
			"stateless": c.MCP.Stateless,
		},
		"log": map[string]any{
			"level":  c.Log.Level,
			"format": c.Log.Format,
		},
	})
}
