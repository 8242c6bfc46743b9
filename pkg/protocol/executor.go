package protocol

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/denizumutdereli/scenelink/pkg/core"
	"github.com/denizumutdereli/scenelink/pkg/preset"
	"github.com/denizumutdereli/scenelink/pkg/scene"
)

// Request is one parsed command handed to a handler.
type Request struct {
	Verb   string
	Tokens []string

	// Match is the name policy resolved for this verb on this server.
	Match   core.MatchMode
	Session *Session
}

// Arg returns token i of the full line (0 is the verb).
func (r *Request) Arg(i int) string {
	if i < len(r.Tokens) {
		return r.Tokens[i]
	}
	return ""
}

// CommandHandler handles one verb. A nil error renders the returned text
// verbatim; a non-nil error renders "ERR <Reason> <message>".
type CommandHandler func(ctx context.Context, req *Request) (string, error)

// Command is one row of the verb table.
type Command struct {
	Name    string
	MinArgs int
	Usage   string

	// Mutating commands are refused by the mode guard.
	Mutating bool

	// EditorOnly commands run only on servers with editor verbs enabled.
	EditorOnly bool

	// FoldCase accepts the verb in any letter case.
	FoldCase bool

	// Commit marks journal entries as committed edits.
	Commit bool

	Handler CommandHandler
}

// Gate is the mode guard as seen by the dispatcher.
type Gate interface {
	// Admit returns an error wrapping core.ErrModeConflict and the hint to
	// send when the command may not run now.
	Admit(mutating bool) (hint string, err error)
}

// Session is per-connection dispatcher state.
type Session struct {
	ID      string
	Verbose bool
}

// Options carry the per-server dispatch policy.
type Options struct {
	Server      string
	EditorVerbs bool
	EditorHint  string
	NameMatch   map[string]core.MatchMode
	Gate        Gate
	Session     *Session
}

// Entry is what the Recorder sees for each dispatched line.
type Entry struct {
	Server    string
	Session   string
	Verb      string
	Line      string
	OK        bool
	Reason    string
	Response  string
	Committed bool
	Duration  time.Duration
	At        time.Time
}

// Recorder receives one Entry per dispatched command.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

// Deps are the collaborators handlers call.
type Deps struct {
	Scene    scene.Port
	Presets  *preset.Codec
	Importer scene.Importer
	Scripts  scene.ScriptRunner
}

// Executor dispatches command lines through a verb table. Handlers are
// looked up by verb at dispatch time, so new verbs can be registered
// without modifying Execute.
type Executor struct {
	deps     Deps
	handlers map[string]*Command
	folded   map[string]*Command
	recorder Recorder
}

// NewExecutor creates an executor with the built-in verb set.
func NewExecutor(deps Deps) *Executor {
	e := &Executor{
		deps:     deps,
		handlers: make(map[string]*Command),
		folded:   make(map[string]*Command),
	}
	e.registerBuiltins()
	return e
}

// SetRecorder attaches a journal; nil detaches.
func (e *Executor) SetRecorder(r Recorder) {
	e.recorder = r
}

// Register adds or replaces a verb.
func (e *Executor) Register(cmd *Command) {
	e.Unregister(cmd.Name)
	e.handlers[cmd.Name] = cmd
	if cmd.FoldCase {
		e.folded[strings.ToUpper(cmd.Name)] = cmd
	}
}

// Unregister removes a verb.
func (e *Executor) Unregister(name string) {
	if cmd, ok := e.handlers[name]; ok && cmd.FoldCase {
		delete(e.folded, strings.ToUpper(name))
	}
	delete(e.handlers, name)
}

// ListCommands returns all registered verbs, sorted.
func (e *Executor) ListCommands() []string {
	cmds := make([]string, 0, len(e.handlers))
	for name := range e.handlers {
		cmds = append(cmds, name)
	}
	sort.Strings(cmds)
	return cmds
}

// Lookup resolves a verb: exact first, then case-folded for verbs that
// allow it.
func (e *Executor) Lookup(verb string) (*Command, bool) {
	if cmd, ok := e.handlers[verb]; ok {
		return cmd, true
	}
	cmd, ok := e.folded[strings.ToUpper(verb)]
	return cmd, ok
}

// Known reports whether verb names a registered command.
func (e *Executor) Known(verb string) bool {
	_, ok := e.Lookup(verb)
	return ok
}

// Handle runs the full pipeline on one raw frame: sanitize, tokenize,
// guard, dispatch. ok is false when the frame was empty after cleaning
// and nothing should be sent.
func (e *Executor) Handle(ctx context.Context, raw []byte, opts *Options) (Response, bool) {
	line := Clean(raw)
	if line == "" {
		return Response{}, false
	}
	return e.Execute(ctx, line, opts), true
}

// Execute dispatches one clean command line.
func (e *Executor) Execute(ctx context.Context, line string, opts *Options) Response {
	if opts == nil {
		opts = &Options{}
	}
	start := time.Now()
	tokens := Tokenize(line)
	resp := e.dispatch(ctx, tokens, opts)

	if e.recorder != nil {
		entry := Entry{
			Server:   opts.Server,
			Verb:     resp.Verb,
			Line:     line,
			OK:       resp.OK(),
			Response: resp.Text,
			Duration: time.Since(start),
			At:       start,
		}
		if opts.Session != nil {
			entry.Session = opts.Session.ID
		}
		if !resp.OK() {
			entry.Reason = core.Reason(resp.Err)
		} else if cmd, ok := e.Lookup(resp.Verb); ok {
			entry.Committed = cmd.Commit
		}
		e.recorder.Record(ctx, entry)
	}
	return resp
}

func (e *Executor) dispatch(ctx context.Context, tokens []string, opts *Options) Response {
	if len(tokens) == 0 {
		return fail(fmt.Errorf("%w: empty command", core.ErrParse))
	}
	cmd, ok := e.Lookup(tokens[0])
	if !ok {
		return fail(fmt.Errorf("%w: %s", core.ErrUnknownCommand, tokens[0]))
	}

	if opts.Gate != nil {
		if hint, err := opts.Gate.Admit(cmd.Mutating); err != nil {
			return Response{Text: errorText(err, hint), Err: err, Close: true, Verb: cmd.Name}
		}
	}
	if cmd.EditorOnly && !opts.EditorVerbs {
		err := fmt.Errorf("%w: %s runs on the editor server", core.ErrEditorOnly, cmd.Name)
		return Response{Text: errorText(err, opts.EditorHint), Err: err, Verb: cmd.Name}
	}
	if len(tokens)-1 < cmd.MinArgs {
		kind := core.ErrArgs
		if len(tokens) == 1 {
			kind = core.ErrEmptyArgs
		}
		err := fmt.Errorf("%w: usage: %s", kind, cmd.Usage)
		return Response{Text: errorText(err, ""), Err: err, Verb: cmd.Name}
	}

	req := &Request{
		Verb:    cmd.Name,
		Tokens:  tokens,
		Match:   opts.NameMatch[cmd.Name],
		Session: opts.Session,
	}
	text, err := cmd.Handler(ctx, req)
	if err != nil {
		return Response{Text: errorText(err, ""), Err: err, Verb: cmd.Name}
	}
	return Response{Text: text, Verb: cmd.Name}
}

// registerBuiltins wires up the default verb table.
func (e *Executor) registerBuiltins() {
	// Actor transforms and enumeration.
	e.Register(&Command{Name: "LIST", FoldCase: true, Usage: "LIST", Handler: e.list(core.FilterAll)})
	e.Register(&Command{Name: "LIST_STATIC", FoldCase: true, Usage: "LIST_STATIC", Handler: e.list(core.FilterMeshActors)})
	e.Register(&Command{Name: "MOVE", MinArgs: 4, Mutating: true, Usage: "MOVE <name> <x> <y> <z>", Handler: e.move})
	e.Register(&Command{Name: "MOVE_COMMIT", MinArgs: 4, Mutating: true, Commit: true, Usage: "MOVE_COMMIT <name> <x> <y> <z>", Handler: e.move})
	e.Register(&Command{Name: "GET_LOCATION", MinArgs: 1, Usage: "GET_LOCATION <name>", Handler: e.getLocation})
	e.Register(&Command{Name: "GET_SCALE", MinArgs: 1, Usage: "GET_SCALE <name>", Handler: e.getScale})
	e.Register(&Command{Name: "SCALE", MinArgs: 4, Mutating: true, Usage: "SCALE <name> <sx> <sy> <sz>", Handler: e.scale})

	// Materials and textures.
	e.Register(&Command{Name: "SET_TEXTURE", MinArgs: 4, Mutating: true, Usage: "SET_TEXTURE <name> <slot> <param> <path>", Handler: e.setTexture})
	e.Register(&Command{Name: "GET_TEXTURES", MinArgs: 1, Usage: "GET_TEXTURES <name>", Handler: e.getTextures})
	e.Register(&Command{Name: "GET_TEXTURES_SLOT", MinArgs: 2, Usage: "GET_TEXTURES_SLOT <name> <slot>", Handler: e.getTexturesSlot})
	e.Register(&Command{Name: "GET_MATERIAL_SLOTS", MinArgs: 1, Usage: "GET_MATERIAL_SLOTS <name>", Handler: e.getMaterialSlots})
	e.Register(&Command{Name: "SET_MATERIAL", MinArgs: 3, Mutating: true, Usage: "SET_MATERIAL <name> <slot> <path>", Handler: e.setMaterial})
	e.Register(&Command{Name: "GET_MATERIALS", Usage: "GET_MATERIALS [path]", Handler: e.enumerate(core.AssetMaterial, "")})

	// Assets and spawning.
	e.Register(&Command{Name: "GET_BLUEPRINTS", Usage: "GET_BLUEPRINTS [path]", Handler: e.enumerate(core.AssetBlueprint, " [Blueprint]")})
	e.Register(&Command{Name: "SPAWN_ASSET", MinArgs: 1, Mutating: true, Usage: "SPAWN_ASSET <path>", Handler: e.spawnAsset})
	e.Register(&Command{Name: "SET_STATIC_MESH", MinArgs: 2, Mutating: true, Usage: "SET_STATIC_MESH <name> <path>", Handler: e.setStaticMesh})
	e.Register(&Command{Name: "IMPORT_FBX", MinArgs: 1, Mutating: true, EditorOnly: true, Usage: "IMPORT_FBX <path>", Handler: e.importFBX})
	e.Register(&Command{Name: "py", MinArgs: 1, Mutating: true, EditorOnly: true, Usage: "py <script>", Handler: e.runScript})

	// Presets.
	e.Register(&Command{Name: "SAVE_PRESET", MinArgs: 1, Usage: "SAVE_PRESET <name>", Handler: e.savePreset})
	e.Register(&Command{Name: "LOAD_PRESET", MinArgs: 1, Mutating: true, Usage: "LOAD_PRESET <name> [ox oy oz]", Handler: e.loadPreset})
	e.Register(&Command{Name: "LIST_PRESETS", Usage: "LIST_PRESETS", Handler: e.listPresets})
	e.Register(&Command{Name: "DELETE_PRESET", MinArgs: 1, Mutating: true, Usage: "DELETE_PRESET <name>", Handler: e.deletePreset})

	// Session.
	e.Register(&Command{Name: "LOG_VERBOSE", MinArgs: 1, Usage: "LOG_VERBOSE <0|1>", Handler: e.logVerbose})
}
