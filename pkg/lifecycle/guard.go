package lifecycle

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/denizumutdereli/scenelink/pkg/core"
)

// Guard tracks the host runtime mode. The host flips it when a simulation
// session starts or ends; every connection manager reads it.
type Guard struct {
	mode        core.RuntimeMode
	since       time.Time
	transitions int

	// Callbacks
	onTransition []func(from, to core.RuntimeMode)

	mu sync.RWMutex
}

// NewGuard creates a guard in the given mode.
func NewGuard(initial core.RuntimeMode) *Guard {
	return &Guard{mode: initial, since: time.Now()}
}

// OnTransition registers a callback run after every mode change. Callbacks
// run on the goroutine that changed the mode, after the lock is released.
func (g *Guard) OnTransition(fn func(from, to core.RuntimeMode)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onTransition = append(g.onTransition, fn)
}

// Mode returns the current runtime mode.
func (g *Guard) Mode() core.RuntimeMode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.mode
}

// IsSimulating reports whether a simulation session is running.
func (g *Guard) IsSimulating() bool {
	return g.Mode() == core.ModeSimulating
}

// BeginSimulation enters simulating mode. Returns false if already there.
func (g *Guard) BeginSimulation() bool {
	return g.Set(core.ModeSimulating)
}

// EndSimulation returns to editing mode. Returns false if already there.
func (g *Guard) EndSimulation() bool {
	return g.Set(core.ModeEditing)
}

// Set moves the guard to mode and reports whether a transition happened.
func (g *Guard) Set(mode core.RuntimeMode) bool {
	g.mu.Lock()
	from := g.mode
	if from == mode {
		g.mu.Unlock()
		return false
	}
	g.mode = mode
	g.since = time.Now()
	g.transitions++
	callbacks := make([]func(from, to core.RuntimeMode), len(g.onTransition))
	copy(callbacks, g.onTransition)
	g.mu.Unlock()

	for _, fn := range callbacks {
		fn(from, mode)
	}
	return true
}

// Stats returns guard statistics.
func (g *Guard) Stats() map[string]any {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return map[string]any{
		"mode":        g.mode.String(),
		"since":       g.since.UTC().Format(time.RFC3339),
		"transitions": g.transitions,
	}
}

// ---------------------------------------------------------------------------
// Per-server policy
// ---------------------------------------------------------------------------

// Policy applies one server's guard configuration to a shared Guard.
type Policy struct {
	guard   *Guard
	blocked core.RuntimeMode
	enabled bool
	readOK  bool
	hint    string
}

// NewPolicy builds a policy from config. A BlockedMode of "" or "none"
// admits everything.
func NewPolicy(g *Guard, cfg core.GuardConfig) (*Policy, error) {
	p := &Policy{guard: g, readOK: cfg.AllowReadOnly, hint: cfg.SwitchHint}
	mode := strings.ToLower(strings.TrimSpace(cfg.BlockedMode))
	if mode == "" || mode == "none" {
		return p, nil
	}
	m, err := core.ParseRuntimeMode(mode)
	if err != nil {
		return nil, err
	}
	p.blocked = m
	p.enabled = true
	return p, nil
}

// Hint is the redirect token sent with a refusal.
func (p *Policy) Hint() string { return p.hint }

// ReadOnlyAllowed reports whether read-only commands pass in the blocked
// mode.
func (p *Policy) ReadOnlyAllowed() bool { return p.readOK }

// BlockedMode names the blocked mode, "none" when the policy admits all.
func (p *Policy) BlockedMode() string {
	if !p.enabled {
		return "none"
	}
	return p.blocked.String()
}

// Blocks reports whether mode is the blocked mode of this policy.
func (p *Policy) Blocks(mode core.RuntimeMode) bool {
	return p.enabled && mode == p.blocked
}

// Blocked reports whether the guard currently sits in the blocked mode.
func (p *Policy) Blocked() bool {
	return p.Blocks(p.guard.Mode())
}

// Admit implements the dispatcher gate. Read-only commands pass in the
// blocked mode only when the policy allows them.
func (p *Policy) Admit(mutating bool) (string, error) {
	mode := p.guard.Mode()
	if !p.Blocks(mode) {
		return "", nil
	}
	if !mutating && p.readOK {
		return "", nil
	}
	return p.hint, fmt.Errorf("%w: %s mode active", core.ErrModeConflict, mode)
}
