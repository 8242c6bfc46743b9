package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/denizumutdereli/scenelink/pkg/api"
	"github.com/denizumutdereli/scenelink/pkg/concurrency"
	"github.com/denizumutdereli/scenelink/pkg/core"
	"github.com/denizumutdereli/scenelink/pkg/daemon"
	"github.com/denizumutdereli/scenelink/pkg/journal"
	"github.com/denizumutdereli/scenelink/pkg/lifecycle"
	"github.com/denizumutdereli/scenelink/pkg/logging"
	"github.com/denizumutdereli/scenelink/pkg/persistence"
	"github.com/denizumutdereli/scenelink/pkg/preset"
	"github.com/denizumutdereli/scenelink/pkg/protocol"
	"github.com/denizumutdereli/scenelink/pkg/registry"
	"github.com/denizumutdereli/scenelink/pkg/scene/memscene"
	"github.com/denizumutdereli/scenelink/pkg/script"
	"github.com/denizumutdereli/scenelink/pkg/server"
)

func main() {
	var cliOverrides core.CLIOverrides

	rootCmd := &cobra.Command{
		Use:   "scenelinkd",
		Short: "scenelink - remote control for a live 3-D scene",
		Long:  "Hosts the scene (9999) and editor (9998) TCP command servers over an in-memory world, with an HTTP control API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Flags(), &cliOverrides)
		},
		SilenceUsage: true,
	}

	// CLI flags - highest priority in the config hierarchy. They are
	// persistent so check-config resolves the same way.
	f := rootCmd.PersistentFlags()

	cliOverrides.ConfigPath = f.StringP("config", "f", "", "Path to YAML config file (overrides SCENELINK_CONFIG env)")
	cliOverrides.SceneAddr = f.String("scene-addr", "", "Scene server listen address")
	cliOverrides.EditorAddr = f.String("editor-addr", "", "Editor server listen address")
	cliOverrides.NoScene = f.Bool("no-scene", false, "Disable the scene server")
	cliOverrides.NoEditor = f.Bool("no-editor", false, "Disable the editor server")
	cliOverrides.PollInterval = f.Duration("poll-interval", 0, "Host loop tick")
	cliOverrides.InitialMode = f.String("mode", "", "Initial runtime mode (editing|simulating)")

	// Storage flags
	cliOverrides.SavedDir = f.String("saved-dir", "", "Project saved directory")
	cliOverrides.PresetsDir = f.String("presets-dir", "", "Preset directory (default <saved-dir>/ScenePresets)")
	cliOverrides.DataPath = f.String("data-path", "", "Directory for snapshots, journal and server manifest")

	// API flags
	cliOverrides.APIAddr = f.String("api-addr", "", "HTTP control API listen address")
	cliOverrides.NoAPI = f.Bool("no-api", false, "Disable the HTTP control API")
	cliOverrides.MCPEnabled = f.Bool("mcp", false, "Mount the MCP endpoint on the API server")

	// Log flags
	cliOverrides.LogLevel = f.String("log-level", "", "Log level (debug|info|warn|error)")
	cliOverrides.LogFormat = f.String("log-format", "", "Log format (console|json)")

	rootCmd.AddCommand(newCheckConfigCmd(&cliOverrides))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newCheckConfigCmd resolves and validates the configuration without
// starting anything.
func newCheckConfigCmd(o *core.CLIOverrides) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Resolve and validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags(), o)
			if err != nil {
				return err
			}
			exec := protocol.NewExecutor(protocol.Deps{})
			if err := cfg.Validate(exec.Known); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			fmt.Printf("config ok: scene=%s editor=%s api=%s presets=%s\n",
				serverAddr(cfg.Scene), serverAddr(cfg.Editor), cfg.API.Addr, cfg.PresetsPath())
			return nil
		},
	}
}

func serverAddr(sc core.ServerConfig) string {
	if !sc.Enabled {
		return "disabled"
	}
	return sc.Addr
}

// loadConfig resolves defaults -> YAML -> env -> explicit CLI flags.
func loadConfig(flags *pflag.FlagSet, o *core.CLIOverrides) (*core.Config, error) {
	configPath := ""
	if o.ConfigPath != nil && *o.ConfigPath != "" {
		configPath = *o.ConfigPath
	} else {
		configPath = os.Getenv("SCENELINK_CONFIG")
	}

	cfg, err := core.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyExplicitFlags(flags, cfg, o)
	return cfg, nil
}

// run implements the daemon startup sequence after CLI flags are parsed.
func run(flags *pflag.FlagSet, cliOverrides *core.CLIOverrides) error {
	core.PrintBanner()

	cfg, err := loadConfig(flags, cliOverrides)
	if err != nil {
		return err
	}

	logger, _, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	initial, err := core.ParseRuntimeMode(cfg.Host.InitialMode)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// World and snapshot store
	store, err := persistence.NewStore(cfg.Storage.DataPath, cfg.Storage.Compress)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	world := memscene.New()
	if err := restoreWorld(world, store, cfg.Storage.SeedWorld, logger); err != nil {
		return err
	}
	world.SetMode(initial)

	// Mode guard; the world reports whatever the guard says.
	guard := lifecycle.NewGuard(initial)
	guard.OnTransition(func(from, to core.RuntimeMode) {
		world.SetMode(to)
		logger.Info("runtime mode changed", zap.Stringer("from", from), zap.Stringer("to", to))
	})

	// Dispatcher
	presets := preset.NewCodec(cfg.PresetsPath(), world, logger)
	deps := protocol.Deps{Scene: world, Presets: presets}
	var runner *script.Runner
	if cfg.Script.Enabled {
		runner = script.NewRunner(world, cfg.Script.Timeout, logger)
		deps.Scripts = runner
	}
	exec := protocol.NewExecutor(deps)
	if runner != nil {
		// Scripts run on the host loop already, so they call the executor
		// directly. Editor-only verbs stay out of reach to avoid nesting.
		runner.SetCommand(func(ctx context.Context, line string) (string, error) {
			resp := exec.Execute(ctx, line, &protocol.Options{
				Server:  "script",
				Session: &protocol.Session{ID: "script"},
			})
			return strings.TrimRight(resp.Text, "\n"), resp.Err
		})
	}

	if err := cfg.Validate(exec.Known); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger.Info("configuration resolved",
		zap.String("data_path", cfg.Storage.DataPath),
		zap.String("presets", cfg.PresetsPath()),
		zap.Stringer("mode", initial))

	// Command journal
	var jrnl *journal.Journal
	if cfg.Journal.Enabled {
		jrnl, err = journal.Open(filepath.Join(cfg.Storage.DataPath, "journal.db"), logger)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer jrnl.Close()
		exec.SetRecorder(jrnl)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := concurrency.NewHostLoop(ctx, cfg.Host.PollInterval, cfg.Host.QueueSize, logger)
	defer loop.Stop()

	// Protocol servers
	reg, err := registry.New(cfg.Storage.DataPath)
	if err != nil {
		return fmt.Errorf("failed to initialize registry: %w", err)
	}
	var managers []*server.Manager
	stopManagers := func() {
		for _, m := range managers {
			loop.Detach(m)
			m.Stop()
		}
	}
	for _, sc := range []struct {
		name string
		cfg  core.ServerConfig
	}{
		{"scene", cfg.Scene},
		{"editor", cfg.Editor},
	} {
		if !sc.cfg.Enabled {
			logger.Info("server disabled", zap.String("server", sc.name))
			continue
		}
		m, err := server.New(sc.name, sc.cfg, exec, guard, logger)
		if err != nil {
			stopManagers()
			return err
		}
		if err := m.Start(ctx); err != nil {
			stopManagers()
			return err
		}
		managers = append(managers, m)
		if err := reg.Register(m); err != nil {
			stopManagers()
			return fmt.Errorf("failed to register %s: %w", sc.name, err)
		}
		loop.Attach(m)
	}
	if err := reg.Refresh(); err != nil {
		logger.Warn("failed to write server manifest", zap.Error(err))
	}

	// Background daemons
	opts := daemon.Options{
		SnapshotInterval: cfg.Daemons.SnapshotInterval,
		JournalKeep:      cfg.Journal.Keep,
		PruneInterval:    cfg.Journal.PruneInterval,
		Journal:          jrnl,
	}
	if cfg.Daemons.SnapshotEnabled {
		opts.World = world
		opts.Store = store
	}
	var catalog *preset.Catalog
	if cfg.Daemons.WatchPresets {
		catalog = preset.NewCatalog(cfg.PresetsPath(), logger)
		if err := catalog.Rescan(); err != nil {
			logger.Warn("preset scan failed", zap.Error(err))
		}
		opts.Catalog = catalog
	}
	daemons := daemon.NewDaemonManager(loop, opts, logger)
	daemons.Start()

	g, gctx := errgroup.WithContext(ctx)

	// HTTP control API
	var httpServer *api.Server
	if cfg.API.Enabled {
		httpServer = api.NewServer(cfg, api.Deps{
			Loop:     loop,
			Guard:    guard,
			Registry: reg,
			Presets:  presets,
			Catalog:  catalog,
			Journal:  jrnl,
			Daemons:  daemons,
		}, logger)
		g.Go(func() error {
			if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("api server: %w", err)
			}
			return nil
		})
	}

	for _, e := range reg.Entries() {
		logger.Info("server ready", zap.String("server", e.Name), zap.String("addr", e.Addr), zap.String("blocked_mode", e.BlockedMode))
	}
	logger.Info("scenelink is ready")

	g.Go(func() error {
		if sig := core.WaitForShutdown(gctx, cancel); sig != nil {
			logger.Info("signal received", zap.Stringer("signal", sig))
		}
		logger.Info("initiating graceful shutdown")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if httpServer != nil {
			if err := httpServer.Stop(shutdownCtx); err != nil {
				logger.Warn("api shutdown error", zap.Error(err))
			}
		}
		stopManagers()
		daemons.Stop()
		loop.Stop()
		return nil
	})

	err = g.Wait()
	logger.Info("scenelink shutdown complete")
	return err
}

// restoreWorld loads the last world snapshot, or seeds demo content into
// an empty world when asked to.
func restoreWorld(world *memscene.World, store *persistence.Store, seed bool, logger *zap.Logger) error {
	if store.Exists(daemon.WorldSnapshot) {
		snap, err := store.Load(daemon.WorldSnapshot)
		if err != nil {
			return fmt.Errorf("failed to load world snapshot: %w", err)
		}
		world.Restore(snap)
		logger.Info("world restored", zap.Int("actors", world.Len()), zap.Uint64("version", snap.Version))
		return nil
	}
	if seed {
		memscene.Seed(world)
		logger.Info("world seeded", zap.Int("actors", world.Len()))
	}
	return nil
}

// applyExplicitFlags applies only the CLI flags that were explicitly set
// by the user on the command line. Unset flags are ignored so they do not
// override values resolved from YAML or environment variables.
func applyExplicitFlags(flags *pflag.FlagSet, cfg *core.Config, o *core.CLIOverrides) {
	overrides := core.CLIOverrides{}

	if flags.Changed("scene-addr") {
		overrides.SceneAddr = o.SceneAddr
	}
	if flags.Changed("editor-addr") {
		overrides.EditorAddr = o.EditorAddr
	}
	if flags.Changed("no-scene") {
		overrides.NoScene = o.NoScene
	}
	if flags.Changed("no-editor") {
		overrides.NoEditor = o.NoEditor
	}
	if flags.Changed("poll-interval") {
		overrides.PollInterval = o.PollInterval
	}
	if flags.Changed("mode") {
		overrides.InitialMode = o.InitialMode
	}
	if flags.Changed("saved-dir") {
		overrides.SavedDir = o.SavedDir
	}
	if flags.Changed("presets-dir") {
		overrides.PresetsDir = o.PresetsDir
	}
	if flags.Changed("data-path") {
		overrides.DataPath = o.DataPath
	}
	if flags.Changed("api-addr") {
		overrides.APIAddr = o.APIAddr
	}
	if flags.Changed("no-api") {
		overrides.NoAPI = o.NoAPI
	}
	if flags.Changed("mcp") {
		overrides.MCPEnabled = o.MCPEnabled
	}
	if flags.Changed("log-level") {
		overrides.LogLevel = o.LogLevel
	}
	if flags.Changed("log-format") {
		overrides.LogFormat = o.LogFormat
	}

	cfg.ApplyCLIOverrides(&overrides)
}
