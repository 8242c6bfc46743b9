package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

const (
	toolCommand     = "scene_command"
	toolListActors  = "scene_list_actors"
	toolGetMode     = "scene_get_mode"
	toolSetMode     = "scene_set_mode"
	toolListPresets = "scene_list_presets"
	toolServers     = "scene_servers"
)

// Config controls MCP route behavior.
type Config struct {
	APIKey         string
	Stateless      bool
	RateLimitRPS   float64
	RateLimitBurst int
	EnablePrompts  bool
	AllowedTools   []string
}

// Backend is the minimal capability contract exposed to MCP tools.
type Backend interface {
	Command(ctx context.Context, server, line string) (map[string]any, error)
	Mode(ctx context.Context) (map[string]any, error)
	SetMode(ctx context.Context, mode string) (map[string]any, error)
	Presets(ctx context.Context) (map[string]any, error)
	Servers(ctx context.Context) (map[string]any, error)
}

// NewHandler builds an MCP streamable HTTP handler with optional API-key auth
// and endpoint-local rate limiting.
func NewHandler(cfg Config, backend Backend) (http.Handler, error) {
	if backend == nil {
		return nil, fmt.Errorf("mcp backend is required")
	}

	s := mcpserver.NewMCPServer(
		"scenelink-mcp",
		"1.0.0",
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(cfg.EnablePrompts),
		mcpserver.WithRecovery(),
	)

	registerTools(s, backend, cfg.AllowedTools)
	if cfg.EnablePrompts {
		registerPrompts(s)
	}

	streamable := mcpserver.NewStreamableHTTPServer(s, mcpserver.WithStateLess(cfg.Stateless))
	var h http.Handler = http.HandlerFunc(streamable.ServeHTTP)

	if strings.TrimSpace(cfg.APIKey) != "" {
		h = apiKeyMiddleware(strings.TrimSpace(cfg.APIKey), h)
	}
	if cfg.RateLimitRPS > 0 && cfg.RateLimitBurst > 0 {
		h = rateLimitMiddleware(newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst), h)
	}

	return h, nil
}

func registerTools(s *mcpserver.MCPServer, backend Backend, allowed []string) {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, name := range allowed {
		name = strings.TrimSpace(name)
		if name != "" {
			allowedSet[name] = struct{}{}
		}
	}
	isAllowed := func(name string) bool {
		if len(allowedSet) == 0 {
			return true
		}
		_, ok := allowedSet[name]
		return ok
	}

	if isAllowed(toolCommand) {
		s.AddTool(mcpproto.NewTool(toolCommand,
			mcpproto.WithDescription("Run one scene protocol line (e.g. \"MOVE Cube1 0 0 100\") on a scenelink server."),
			mcpproto.WithString("line", mcpproto.Required(), mcpproto.Description("Protocol command line.")),
			mcpproto.WithString("server", mcpproto.Description("Target server: editor (default) or scene.")),
		), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
			args := req.GetArguments()
			line := getString(args, "line", "")
			if strings.TrimSpace(line) == "" {
				return errResult("line is required"), nil
			}
			result, err := backend.Command(ctx, getString(args, "server", ""), line)
			if err != nil {
				return errResult(err.Error()), nil
			}
			return structuredResult("command executed", result)
		})
	}

	if isAllowed(toolListActors) {
		s.AddTool(mcpproto.NewTool(toolListActors,
			mcpproto.WithDescription("List actor names in the live scene."),
			mcpproto.WithBoolean("static_only", mcpproto.Description("Only actors with static mesh components.")),
			mcpproto.WithString("server", mcpproto.Description("Target server: editor (default) or scene.")),
		), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
			args := req.GetArguments()
			line := "LIST"
			if getBool(args, "static_only", false) {
				line = "LIST_STATIC"
			}
			result, err := backend.Command(ctx, getString(args, "server", ""), line)
			if err != nil {
				return errResult(err.Error()), nil
			}
			return structuredResult("actors listed", result)
		})
	}

	if isAllowed(toolGetMode) {
		s.AddTool(mcpproto.NewTool(toolGetMode,
			mcpproto.WithDescription("Report whether the host is editing or simulating."),
		), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
			result, err := backend.Mode(ctx)
			if err != nil {
				return errResult(err.Error()), nil
			}
			return structuredResult("mode fetched", result)
		})
	}

	if isAllowed(toolSetMode) {
		s.AddTool(mcpproto.NewTool(toolSetMode,
			mcpproto.WithDescription("Switch the host between editing and simulating. Editor clients are disconnected when simulation starts."),
			mcpproto.WithString("mode", mcpproto.Required(), mcpproto.Description("editing or simulating.")),
		), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
			mode := getString(req.GetArguments(), "mode", "")
			if mode == "" {
				return errResult("mode is required"), nil
			}
			result, err := backend.SetMode(ctx, mode)
			if err != nil {
				return errResult(err.Error()), nil
			}
			return structuredResult("mode updated", result)
		})
	}

	if isAllowed(toolListPresets) {
		s.AddTool(mcpproto.NewTool(toolListPresets,
			mcpproto.WithDescription("List saved scene presets."),
		), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
			result, err := backend.Presets(ctx)
			if err != nil {
				return errResult(err.Error()), nil
			}
			return structuredResult("presets listed", result)
		})
	}

	if isAllowed(toolServers) {
		s.AddTool(mcpproto.NewTool(toolServers,
			mcpproto.WithDescription("List the scenelink protocol servers and their ports."),
		), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
			result, err := backend.Servers(ctx)
			if err != nil {
				return errResult(err.Error()), nil
			}
			return structuredResult("servers listed", result)
		})
	}
}

func registerPrompts(s *mcpserver.MCPServer) {
	s.AddPrompt(mcpproto.NewPrompt("scene_arrange",
		mcpproto.WithPromptDescription("Plan a scene arrangement with the scene tools."),
		mcpproto.WithArgument("goal", mcpproto.RequiredArgument(), mcpproto.ArgumentDescription("What the scene should look like.")),
	), func(_ context.Context, req mcpproto.GetPromptRequest) (*mcpproto.GetPromptResult, error) {
		goal := req.Params.Arguments["goal"]
		return &mcpproto.GetPromptResult{
			Description: "scenelink arrangement workflow",
			Messages: []mcpproto.PromptMessage{
				{
					Role: mcpproto.RoleUser,
					Content: mcpproto.TextContent{
						Type: "text",
						Text: fmt.Sprintf("Goal: %q. Call scene_get_mode first; if simulating, stop. Then call scene_list_actors, inspect actors with GET_LOCATION, and move them with MOVE via scene_command. Save the result with SAVE_PRESET.", goal),
					},
				},
			},
		}, nil
	})
}

func errResult(msg string) *mcpproto.CallToolResult {
	return &mcpproto.CallToolResult{
		Content: []mcpproto.Content{
			mcpproto.TextContent{Type: "text", Text: "Error: " + msg},
		},
		IsError: true,
	}
}

func structuredResult(summary string, data any) (*mcpproto.CallToolResult, error) {
	blob, err := json.Marshal(data)
	if err != nil {
		return errResult(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return &mcpproto.CallToolResult{
		Content: []mcpproto.Content{
			mcpproto.TextContent{Type: "text", Text: summary},
			mcpproto.TextContent{Type: "text", Text: string(blob)},
		},
	}, nil
}

func getString(args map[string]any, key string, def string) string {
	if args == nil {
		return def
	}
	if v, ok := args[key].(string); ok {
		return v
	}
	return def
}

func getBool(args map[string]any, key string, def bool) bool {
	if args == nil {
		return def
	}
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

func apiKeyMiddleware(expected string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		provided := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if provided == "" {
			auth := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				provided = strings.TrimSpace(auth[7:])
			}
		}

		if provided == "" || provided != expected {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type rateLimitEntry struct {
	tokens float64
	last   time.Time
}

type rateLimiter struct {
	rps   float64
	burst float64

	mu      sync.Mutex
	clients map[string]rateLimitEntry
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	return &rateLimiter{
		rps:     rps,
		burst:   float64(burst),
		clients: make(map[string]rateLimitEntry),
	}
}

func (rl *rateLimiter) allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.clients[key]
	if !ok {
		rl.clients[key] = rateLimitEntry{tokens: rl.burst - 1, last: now}
		return true
	}

	elapsed := now.Sub(entry.last).Seconds()
	entry.tokens = math.Min(rl.burst, entry.tokens+elapsed*rl.rps)
	entry.last = now
	if entry.tokens < 1 {
		rl.clients[key] = entry
		return false
	}
	entry.tokens -= 1
	rl.clients[key] = entry
	return true
}

func rateLimitMiddleware(rl *rateLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientAddr(r)
		if !rl.allow(key) {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientAddr(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		parts := strings.Split(fwd, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if strings.TrimSpace(r.RemoteAddr) != "" {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return "unknown"
}
