package core

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// Well-known ports of the two protocol servers.
const (
	DefaultSceneAddr  = ":9999"
	DefaultEditorAddr = ":9998"
)

// ---------------------------------------------------------------------------
// Config is the central configuration for a scenelink daemon.
//
// The configuration is resolved through a four-level hierarchy where each
// layer overrides values set by the layer beneath it:
//
//	Priority (highest → lowest):
//	  1. CLI flags (applied after loading, only when explicitly set)
//	  2. Environment variables (SCENELINK_* prefix)
//	  3. YAML configuration file
//	  4. Built-in defaults
//
// Duration fields accept Go duration strings ("100ms", "30s", "5m").
// ---------------------------------------------------------------------------

// GuardConfig is the per-server Mode Guard policy.
type GuardConfig struct {
	// BlockedMode is the runtime mode in which mutating verbs are refused:
	// "simulating", "editing" or "none".
	BlockedMode string `yaml:"blockedMode"`

	// AllowReadOnly lets read-only verbs run in the blocked mode. When false
	// the server refuses every command while blocked.
	AllowReadOnly bool `yaml:"allowReadOnly"`

	// SwitchHint is the marker sent to a client that must move to the
	// other server (e.g. "SWITCH:PIE").
	SwitchHint string `yaml:"switchHint"`
}

// ServerConfig configures one TCP protocol server.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`

	// EditorOnly verbs (IMPORT_FBX, py) run only when true; otherwise they
	// answer EditorOnly with the editor switch hint.
	EditorVerbs bool `yaml:"editorVerbs"`

	Guard GuardConfig `yaml:"guard"`

	// NameMatch overrides the actor name policy per verb: {"MOVE": "substring"}.
	NameMatch map[string]string `yaml:"nameMatch"`

	// MaxLineBytes bounds one command line in the receive buffer.
	MaxLineBytes int `yaml:"maxLineBytes"`

	// LegacyUnterminated dispatches a pending line without "\n" once a poll
	// brings no new bytes.
	LegacyUnterminated bool `yaml:"legacyUnterminated"`
}

// HostConfig groups the host loop settings.
type HostConfig struct {
	PollInterval time.Duration `yaml:"pollInterval"`
	QueueSize    int           `yaml:"queueSize"`
	InitialMode  string        `yaml:"initialMode"`
}

// StorageConfig groups on-disk locations.
type StorageConfig struct {
	// SavedDir is the project "saved" directory; presets live under
	// <SavedDir>/ScenePresets unless PresetsDir is set.
	SavedDir   string `yaml:"savedDir"`
	PresetsDir string `yaml:"presetsDir"`

	// DataPath holds the world snapshot, journal and server manifest.
	DataPath string `yaml:"dataPath"`
	Compress bool   `yaml:"compress"`

	// SeedWorld populates an empty in-memory world with demo content.
	SeedWorld bool `yaml:"seedWorld"`
}

// DaemonConfig groups background daemon intervals.
type DaemonConfig struct {
	SnapshotEnabled  bool          `yaml:"snapshotEnabled"`
	SnapshotInterval time.Duration `yaml:"snapshotInterval"`
	WatchPresets     bool          `yaml:"watchPresets"`
}

// JournalConfig controls the SQLite command journal.
type JournalConfig struct {
	Enabled bool `yaml:"enabled"`

	// Keep bounds the journal to the newest rows; 0 keeps everything.
	Keep          int           `yaml:"keep"`
	PruneInterval time.Duration `yaml:"pruneInterval"`
}

// ScriptConfig controls the embedded interpreter behind the py verb.
type ScriptConfig struct {
	Enabled bool          `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout"`
}

// APIConfig groups the HTTP control API settings.
type APIConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Addr           string        `yaml:"addr"`
	AllowedOrigins string        `yaml:"allowedOrigins"`
	MaxRequestBody int64         `yaml:"maxRequestBody"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	WebSocket      bool          `yaml:"webSocket"`
}

// MCPConfig groups Model Context Protocol endpoint settings.
type MCPConfig struct {
	// Enabled controls whether the MCP endpoint is mounted on the API server.
	Enabled bool `yaml:"enabled"`

	// Path is the HTTP route for MCP transport.
	Path string `yaml:"path"`

	// APIKey is an optional shared secret validated from X-API-Key or Bearer token.
	APIKey string `yaml:"apiKey"`

	Stateless bool `yaml:"stateless"`

	// RateLimitRPS is the per-client request rate; 0 disables limiting.
	RateLimitRPS   float64 `yaml:"rateLimitRPS"`
	RateLimitBurst int     `yaml:"rateLimitBurst"`
}

// LogConfig selects the zap logger setup.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the root configuration object.
type Config struct {
	Scene   ServerConfig  `yaml:"scene"`
	Editor  ServerConfig  `yaml:"editor"`
	Host    HostConfig    `yaml:"host"`
	Storage StorageConfig `yaml:"storage"`
	Daemons DaemonConfig  `yaml:"daemons"`
	Journal JournalConfig `yaml:"journal"`
	Script  ScriptConfig  `yaml:"script"`
	API     APIConfig     `yaml:"api"`
	MCP     MCPConfig     `yaml:"mcp"`
	Log     LogConfig     `yaml:"log"`
}

// ---------------------------------------------------------------------------
// Factory functions
// ---------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the stock port layout:
// the scene server on 9999 and the editor server on 9998.
func DefaultConfig() *Config {
	return &Config{
		Scene: ServerConfig{
			Enabled:     true,
			Addr:        DefaultSceneAddr,
			EditorVerbs: false,
			Guard: GuardConfig{
				BlockedMode:   "none",
				AllowReadOnly: true,
				SwitchHint:    "SWITCH:EDITOR",
			},
			MaxLineBytes:       64 << 10,
			LegacyUnterminated: true,
		},
		Editor: ServerConfig{
			Enabled:     true,
			Addr:        DefaultEditorAddr,
			EditorVerbs: true,
			Guard: GuardConfig{
				BlockedMode:   "simulating",
				AllowReadOnly: true,
				SwitchHint:    "SWITCH:PIE",
			},
			MaxLineBytes:       64 << 10,
			LegacyUnterminated: true,
		},
		Host: HostConfig{
			PollInterval: 100 * time.Millisecond,
			QueueSize:    256,
			InitialMode:  "editing",
		},
		Storage: StorageConfig{
			SavedDir:  "./Saved",
			DataPath:  "./data",
			Compress:  true,
			SeedWorld: true,
		},
		Daemons: DaemonConfig{
			SnapshotEnabled:  true,
			SnapshotInterval: 30 * time.Second,
			WatchPresets:     true,
		},
		Journal: JournalConfig{
			Enabled:       true,
			Keep:          10000,
			PruneInterval: 10 * time.Minute,
		},
		Script: ScriptConfig{
			Enabled: true,
			Timeout: 5 * time.Second,
		},
		API: APIConfig{
			Enabled:        true,
			Addr:           "127.0.0.1:9997",
			AllowedOrigins: "http://localhost:9997",
			MaxRequestBody: 1 << 20,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			WebSocket:      true,
		},
		MCP: MCPConfig{
			Enabled:        false,
			Path:           "/mcp",
			Stateless:      true,
			RateLimitRPS:   30,
			RateLimitBurst: 60,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// ConfigFromFile reads a YAML configuration file and merges it on top of
// the built-in defaults. Fields absent from the file retain their defaults.
func ConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return cfg, nil
}

// ConfigFromEnv applies environment variable overrides to the given Config.
// If cfg is nil a new default Config is created first.
//
// Environment variable mapping (all optional, prefix SCENELINK_):
//
//	SCENELINK_SCENE_ENABLED      → Scene.Enabled
//	SCENELINK_SCENE_ADDR         → Scene.Addr
//	SCENELINK_EDITOR_ENABLED     → Editor.Enabled
//	SCENELINK_EDITOR_ADDR        → Editor.Addr
//	SCENELINK_EDITOR_ALLOW_READ_ONLY → Editor.Guard.AllowReadOnly
//	SCENELINK_POLL_INTERVAL      → Host.PollInterval (duration string)
//	SCENELINK_INITIAL_MODE       → Host.InitialMode (editing|simulating)
//	SCENELINK_SAVED_DIR          → Storage.SavedDir
//	SCENELINK_PRESETS_DIR        → Storage.PresetsDir
//	SCENELINK_DATA_PATH          → Storage.DataPath
//	SCENELINK_COMPRESS           → Storage.Compress
//	SCENELINK_SEED_WORLD         → Storage.SeedWorld
//	SCENELINK_SNAPSHOT_INTERVAL  → Daemons.SnapshotInterval
//	SCENELINK_WATCH_PRESETS      → Daemons.WatchPresets
//	SCENELINK_JOURNAL_ENABLED    → Journal.Enabled
//	SCENELINK_JOURNAL_KEEP       → Journal.Keep
//	SCENELINK_SCRIPT_ENABLED     → Script.Enabled
//	SCENELINK_SCRIPT_TIMEOUT     → Script.Timeout
//	SCENELINK_API_ENABLED        → API.Enabled
//	SCENELINK_API_ADDR           → API.Addr
//	SCENELINK_ALLOWED_ORIGINS    → API.AllowedOrigins
//	SCENELINK_MCP_ENABLED        → MCP.Enabled
//	SCENELINK_MCP_PATH           → MCP.Path
//	SCENELINK_MCP_API_KEY        → MCP.APIKey
//	SCENELINK_MCP_RATE_LIMIT_RPS → MCP.RateLimitRPS
//	SCENELINK_LOG_LEVEL          → Log.Level
//	SCENELINK_LOG_FORMAT         → Log.Format (console|json)
func ConfigFromEnv(cfg *Config) *Config {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	// -- Servers --
	setEnvBool("SCENELINK_SCENE_ENABLED", &cfg.Scene.Enabled)
	setEnvStr("SCENELINK_SCENE_ADDR", &cfg.Scene.Addr)
	setEnvBool("SCENELINK_EDITOR_ENABLED", &cfg.Editor.Enabled)
	setEnvStr("SCENELINK_EDITOR_ADDR", &cfg.Editor.Addr)
	setEnvBool("SCENELINK_EDITOR_ALLOW_READ_ONLY", &cfg.Editor.Guard.AllowReadOnly)

	// -- Host --
	setEnvDuration("SCENELINK_POLL_INTERVAL", &cfg.Host.PollInterval)
	setEnvStr("SCENELINK_INITIAL_MODE", &cfg.Host.InitialMode)

	// -- Storage --
	setEnvStr("SCENELINK_SAVED_DIR", &cfg.Storage.SavedDir)
	setEnvStr("SCENELINK_PRESETS_DIR", &cfg.Storage.PresetsDir)
	setEnvStr("SCENELINK_DATA_PATH", &cfg.Storage.DataPath)
	setEnvBool("SCENELINK_COMPRESS", &cfg.Storage.Compress)
	setEnvBool("SCENELINK_SEED_WORLD", &cfg.Storage.SeedWorld)

	// -- Daemons --
	setEnvDuration("SCENELINK_SNAPSHOT_INTERVAL", &cfg.Daemons.SnapshotInterval)
	setEnvBool("SCENELINK_WATCH_PRESETS", &cfg.Daemons.WatchPresets)

	// -- Journal / Script --
	setEnvBool("SCENELINK_JOURNAL_ENABLED", &cfg.Journal.Enabled)
	setEnvInt("SCENELINK_JOURNAL_KEEP", &cfg.Journal.Keep)
	setEnvBool("SCENELINK_SCRIPT_ENABLED", &cfg.Script.Enabled)
	setEnvDuration("SCENELINK_SCRIPT_TIMEOUT", &cfg.Script.Timeout)

	// -- API --
	setEnvBool("SCENELINK_API_ENABLED", &cfg.API.Enabled)
	setEnvStr("SCENELINK_API_ADDR", &cfg.API.Addr)
	setEnvStr("SCENELINK_ALLOWED_ORIGINS", &cfg.API.AllowedOrigins)

	// -- MCP --
	setEnvBool("SCENELINK_MCP_ENABLED", &cfg.MCP.Enabled)
	setEnvStr("SCENELINK_MCP_PATH", &cfg.MCP.Path)
	setEnvStr("SCENELINK_MCP_API_KEY", &cfg.MCP.APIKey)
	setEnvFloat("SCENELINK_MCP_RATE_LIMIT_RPS", &cfg.MCP.RateLimitRPS)

	// -- Log --
	setEnvStr("SCENELINK_LOG_LEVEL", &cfg.Log.Level)
	setEnvStr("SCENELINK_LOG_FORMAT", &cfg.Log.Format)

	return cfg
}

// LoadConfig implements the file and environment layers of the hierarchy.
// The caller may then apply CLI overrides.
func LoadConfig(configPath string) (*Config, error) {
	var cfg *Config

	if configPath != "" {
		var err error
		cfg, err = ConfigFromFile(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = DefaultConfig()
	}

	cfg = ConfigFromEnv(cfg)
	return cfg, nil
}

// PresetsPath resolves the preset directory.
func (c *Config) PresetsPath() string {
	if c.Storage.PresetsDir != "" {
		return c.Storage.PresetsDir
	}
	return filepath.Join(c.Storage.SavedDir, "ScenePresets")
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate performs structural validation of the entire configuration.
// Returns a descriptive error for the first invalid field encountered.
// knownVerbs, when non-nil, is used to reject nameMatch entries for verbs
// that do not exist.
func (c *Config) Validate(knownVerbs func(string) bool) error {
	if !c.Scene.Enabled && !c.Editor.Enabled {
		return fmt.Errorf("at least one of scene/editor servers must be enabled")
	}
	for name, s := range map[string]*ServerConfig{"scene": &c.Scene, "editor": &c.Editor} {
		if !s.Enabled {
			continue
		}
		if s.Addr == "" {
			return fmt.Errorf("%s.addr must not be empty", name)
		}
		if s.MaxLineBytes < 16 {
			return fmt.Errorf("%s.maxLineBytes must be >= 16, got %d", name, s.MaxLineBytes)
		}
		mode := strings.ToLower(strings.TrimSpace(s.Guard.BlockedMode))
		if mode != "none" && mode != "" {
			if _, err := ParseRuntimeMode(mode); err != nil {
				return fmt.Errorf("%s.guard.blockedMode must be one of simulating|editing|none", name)
			}
		}
		for verb, policy := range s.NameMatch {
			if _, err := ParseMatchMode(policy); err != nil {
				return fmt.Errorf("%s.nameMatch[%s]: %w", name, verb, err)
			}
			if knownVerbs != nil && !knownVerbs(verb) {
				return fmt.Errorf("%s.nameMatch: unknown verb %q", name, verb)
			}
		}
	}
	if c.Scene.Enabled && c.Editor.Enabled && c.Scene.Addr == c.Editor.Addr {
		return fmt.Errorf("scene.addr and editor.addr must differ (both %q)", c.Scene.Addr)
	}

	if c.Host.PollInterval <= 0 {
		return fmt.Errorf("host.pollInterval must be > 0")
	}
	if c.Host.QueueSize < 1 {
		return fmt.Errorf("host.queueSize must be >= 1, got %d", c.Host.QueueSize)
	}
	if _, err := ParseRuntimeMode(c.Host.InitialMode); err != nil {
		return fmt.Errorf("host.initialMode: %w", err)
	}

	if c.Storage.SavedDir == "" && c.Storage.PresetsDir == "" {
		return fmt.Errorf("storage.savedDir or storage.presetsDir must be set")
	}
	if c.Storage.DataPath == "" {
		return fmt.Errorf("storage.dataPath must not be empty")
	}
	if c.Daemons.SnapshotEnabled && c.Daemons.SnapshotInterval <= 0 {
		return fmt.Errorf("daemons.snapshotInterval must be > 0 when snapshots are enabled")
	}
	if c.Journal.Keep < 0 {
		return fmt.Errorf("journal.keep must be >= 0")
	}
	if c.Journal.Enabled && c.Journal.Keep > 0 && c.Journal.PruneInterval <= 0 {
		return fmt.Errorf("journal.pruneInterval must be > 0 when journal.keep is set")
	}
	if c.Script.Enabled && c.Script.Timeout <= 0 {
		return fmt.Errorf("script.timeout must be > 0")
	}

	if c.API.Enabled {
		if c.API.Addr == "" {
			return fmt.Errorf("api.addr must not be empty")
		}
		if c.API.MaxRequestBody < 0 {
			return fmt.Errorf("api.maxRequestBody must be >= 0")
		}
	}
	if c.MCP.Enabled {
		if !c.API.Enabled {
			return fmt.Errorf("mcp.enabled requires api.enabled")
		}
		if !strings.HasPrefix(c.MCP.Path, "/") {
			return fmt.Errorf("mcp.path must start with '/'")
		}
		if c.MCP.RateLimitRPS < 0 || c.MCP.RateLimitBurst < 0 {
			return fmt.Errorf("mcp rate limits must be >= 0")
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug|info|warn|error")
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json")
	}

	return nil
}

// ---------------------------------------------------------------------------
// Environment variable helpers
// ---------------------------------------------------------------------------

// setEnvStr sets *target to the value of the named env var if it is non-empty.
func setEnvStr(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// setEnvBool sets *target to the parsed boolean value of the named env var.
func setEnvBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

func setEnvInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func setEnvDuration(key string, target *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*target = d
		}
	}
}

func setEnvFloat(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

// ---------------------------------------------------------------------------
// CLI flag overrides: the final layer of the configuration hierarchy.
// ---------------------------------------------------------------------------

// CLIOverrides carries optional values set via command-line flags.
// Pointer fields are nil when the flag was not explicitly provided.
type CLIOverrides struct {
	ConfigPath   *string
	SceneAddr    *string
	EditorAddr   *string
	NoScene      *bool
	NoEditor     *bool
	PollInterval *time.Duration
	InitialMode  *string
	SavedDir     *string
	PresetsDir   *string
	DataPath     *string
	APIAddr      *string
	NoAPI        *bool
	MCPEnabled   *bool
	LogLevel     *string
	LogFormat    *string
}

// ApplyCLIOverrides patches the Config with any explicitly-set CLI flags.
func (c *Config) ApplyCLIOverrides(o *CLIOverrides) {
	if o == nil {
		return
	}
	if o.SceneAddr != nil {
		c.Scene.Addr = *o.SceneAddr
	}
	if o.EditorAddr != nil {
		c.Editor.Addr = *o.EditorAddr
	}
	if o.NoScene != nil && *o.NoScene {
		c.Scene.Enabled = false
	}
	if o.NoEditor != nil && *o.NoEditor {
		c.Editor.Enabled = false
	}
	if o.PollInterval != nil {
		c.Host.PollInterval = *o.PollInterval
	}
	if o.InitialMode != nil {
		c.Host.InitialMode = *o.InitialMode
	}
	if o.SavedDir != nil {
		c.Storage.SavedDir = *o.SavedDir
	}
	if o.PresetsDir != nil {
		c.Storage.PresetsDir = *o.PresetsDir
	}
	if o.DataPath != nil {
		c.Storage.DataPath = *o.DataPath
	}
	if o.APIAddr != nil {
		c.API.Addr = *o.APIAddr
	}
	if o.NoAPI != nil && *o.NoAPI {
		c.API.Enabled = false
	}
	if o.MCPEnabled != nil {
		c.MCP.Enabled = *o.MCPEnabled
	}
	if o.LogLevel != nil {
		c.Log.Level = *o.LogLevel
	}
	if o.LogFormat != nil {
		c.Log.Format = *o.LogFormat
	}
}

// ---------------------------------------------------------------------------
// Lifecycle helpers
// ---------------------------------------------------------------------------

// WaitForShutdown blocks until SIGINT/SIGTERM or ctx is done, then cancels.
// It returns the received signal, or nil when ctx finished first.
func WaitForShutdown(ctx context.Context, cancel context.CancelFunc) os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		cancel()
		return sig
	case <-ctx.Done():
		return nil
	}
}

// PrintBanner prints the scenelink banner to stdout.
func PrintBanner() {
	banner := `
                               _ _       _
   ___  ___ ___ _ __   ___| (_)_ __ | | __
  / __|/ __/ _ \ '_ \ / _ \ | | '_ \| |/ /
  \__ \ (_|  __/ | | |  __/ | | | | |   <
  |___/\___\___|_| |_|\___|_|_|_| |_|_|\_\

    Remote control for live 3-D scenes
    ──────────────────────────────────
`
	fmt.Print(banner)
}
