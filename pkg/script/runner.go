// Package script runs the editor's "py" verb. Scripts are Go statements
// interpreted by yaegi with a small stdlib allowlist and a "scene"
// package bound to the live scene.
package script

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"

	"github.com/denizumutdereli/scenelink/pkg/core"
	"github.com/denizumutdereli/scenelink/pkg/scene"
)

// DefaultTimeout bounds one script run.
const DefaultTimeout = 5 * time.Second

// allowedPackages are the stdlib imports a script may use. Filesystem,
// process and network packages are not loaded.
var allowedPackages = map[string]bool{
	"fmt":             true,
	"strings":         true,
	"strconv":         true,
	"math":            true,
	"sort":            true,
	"time":            true,
	"bytes":           true,
	"regexp":          true,
	"unicode":         true,
	"encoding/json":   true,
	"encoding/base64": true,
}

// preamble imports are always in scope.
var preamble = []string{"fmt", "math", "strings", "scene"}

// CommandFunc dispatches a protocol line from inside a script.
type CommandFunc func(ctx context.Context, line string) (string, error)

// Runner implements scene.ScriptRunner.
type Runner struct {
	port    scene.Port
	command CommandFunc
	timeout time.Duration
	symbols interp.Exports
	logger  *zap.Logger

	mu   sync.Mutex
	runs uint64
	errs uint64
}

var _ scene.ScriptRunner = (*Runner)(nil)

// NewRunner creates a runner bound to port. timeout <= 0 means
// DefaultTimeout.
func NewRunner(port scene.Port, timeout time.Duration, logger *zap.Logger) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		port:    port,
		timeout: timeout,
		symbols: filterSymbols(stdlib.Symbols),
		logger:  logger,
	}
}

// SetCommand lets scripts call scene.Command(line) through the dispatcher.
func (r *Runner) SetCommand(fn CommandFunc) {
	r.command = fn
}

// filterSymbols keeps the allowlisted packages. Export keys are
// "importpath/pkgname".
func filterSymbols(all interp.Exports) interp.Exports {
	out := make(interp.Exports)
	for key, syms := range all {
		if allowedPackages[path.Dir(key)] {
			out[key] = syms
		}
	}
	return out
}

// Run interprets script and returns what it printed.
func (r *Runner) Run(ctx context.Context, src string) (string, error) {
	r.mu.Lock()
	r.runs++
	r.mu.Unlock()

	out, err := r.run(ctx, src)
	if err != nil {
		r.mu.Lock()
		r.errs++
		r.mu.Unlock()
		r.logger.Debug("script failed", zap.Error(err))
	}
	return out, err
}

func (r *Runner) run(ctx context.Context, src string) (out string, err error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var buf bytes.Buffer
	i := interp.New(interp.Options{Stdout: &buf, Stderr: &buf})
	if err := i.Use(r.symbols); err != nil {
		return "", fmt.Errorf("failed to load stdlib: %w", err)
	}
	if err := i.Use(r.sceneExports(ctx)); err != nil {
		return "", fmt.Errorf("failed to bind scene: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			out, err = buf.String(), fmt.Errorf("script panicked: %v", p)
		}
	}()

	if _, err := i.EvalWithContext(ctx, wrap(src)); err != nil {
		return buf.String(), fmt.Errorf("compile: %w", err)
	}
	if _, err := i.EvalWithContext(ctx, "main.Run()"); err != nil {
		if ctx.Err() != nil {
			return buf.String(), fmt.Errorf("script timed out after %s", r.timeout)
		}
		return buf.String(), err
	}
	return buf.String(), nil
}

// wrap places the statements in a function of package main with the
// preamble imports in scope.
func wrap(src string) string {
	var b strings.Builder
	b.WriteString("package main\n\nimport (\n")
	for _, p := range preamble {
		fmt.Fprintf(&b, "\t%q\n", p)
	}
	b.WriteString(")\n\n")
	b.WriteString("var _ = fmt.Sprint\nvar _ = math.Abs\nvar _ = strings.TrimSpace\nvar _ = scene.Actors\n\n")
	b.WriteString("func Run() {\n")
	b.WriteString(src)
	b.WriteString("\n}\n")
	return b.String()
}

// sceneExports binds the "scene" package seen by scripts.
func (r *Runner) sceneExports(ctx context.Context) interp.Exports {
	actors := func() []string {
		return r.port.ListActorNames(core.FilterAll)
	}
	location := func(name string) (float64, float64, float64, bool) {
		a, ok := r.port.FindActor(name, core.MatchExact)
		if !ok {
			return 0, 0, 0, false
		}
		l := r.port.Transform(a).Location
		return l.X, l.Y, l.Z, true
	}
	move := func(name string, x, y, z float64) bool {
		a, ok := r.port.FindActor(name, core.MatchExact)
		if !ok || r.port.Mobility(a) != core.MobilityMovable {
			return false
		}
		r.port.SetLocation(a, core.Vec3{X: x, Y: y, Z: z})
		return true
	}
	mode := func() string {
		return r.port.CurrentMode().String()
	}
	command := func(line string) string {
		if r.command == nil {
			return "ERR Unsupported no dispatcher attached"
		}
		out, err := r.command(ctx, line)
		if err != nil {
			return err.Error()
		}
		return out
	}

	return interp.Exports{
		"scene/scene": {
			"Actors":   reflect.ValueOf(actors),
			"Location": reflect.ValueOf(location),
			"Move":     reflect.ValueOf(move),
			"Mode":     reflect.ValueOf(mode),
			"Command":  reflect.ValueOf(command),
		},
	}
}

// Stats returns runner counters.
func (r *Runner) Stats() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string]any{
		"runs":    r.runs,
		"errors":  r.errs,
		"timeout": r.timeout.String(),
	}
}
