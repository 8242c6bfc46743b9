package protocol

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/denizumutdereli/scenelink/pkg/core"
	"github.com/denizumutdereli/scenelink/pkg/scene"
)

func (e *Executor) findActor(req *Request, name string) (scene.Actor, error) {
	a, ok := e.deps.Scene.FindActor(name, req.Match)
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrNotFound, name)
	}
	return a, nil
}

// parseVec reads three numeric tokens starting at index i.
func parseVec(tokens []string, i int) (core.Vec3, error) {
	var v [3]float64
	for k := 0; k < 3; k++ {
		if i+k >= len(tokens) {
			return core.Vec3{}, fmt.Errorf("%w: expected 3 numbers", core.ErrArgs)
		}
		f, err := strconv.ParseFloat(tokens[i+k], 64)
		if err != nil {
			return core.Vec3{}, fmt.Errorf("%w: %q is not a number", core.ErrArgs, tokens[i+k])
		}
		v[k] = f
	}
	return core.Vec3{X: v[0], Y: v[1], Z: v[2]}, nil
}

func parseSlot(tok string) (int, error) {
	n, err := strconv.Atoi(tok)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: slot %q must be a non-negative integer", core.ErrArgs, tok)
	}
	return n, nil
}

func (e *Executor) list(filter core.ActorFilter) CommandHandler {
	return func(_ context.Context, _ *Request) (string, error) {
		return strings.Join(e.deps.Scene.ListActorNames(filter), "\n"), nil
	}
}

func (e *Executor) move(_ context.Context, req *Request) (string, error) {
	name := req.Arg(1)
	loc, err := parseVec(req.Tokens, 2)
	if err != nil {
		return "", err
	}
	a, err := e.findActor(req, name)
	if err != nil {
		return "", err
	}
	if e.deps.Scene.Mobility(a) != core.MobilityMovable {
		return "", fmt.Errorf("%w: %s", core.ErrImmutable, e.deps.Scene.Name(a))
	}
	e.deps.Scene.SetLocation(a, loc)
	return okf("%s moved to (%s, %s, %s)", e.deps.Scene.Name(a), f1(loc.X), f1(loc.Y), f1(loc.Z)), nil
}

func (e *Executor) getLocation(_ context.Context, req *Request) (string, error) {
	a, err := e.findActor(req, req.Arg(1))
	if err != nil {
		return "", err
	}
	l := e.deps.Scene.Transform(a).Location
	return fmt.Sprintf("Location: %s %s %s", f1(l.X), f1(l.Y), f1(l.Z)), nil
}

func (e *Executor) getScale(_ context.Context, req *Request) (string, error) {
	a, err := e.findActor(req, req.Arg(1))
	if err != nil {
		return "", err
	}
	s := e.deps.Scene.Transform(a).Scale
	return fmt.Sprintf("Scale: %s %s %s", f1(s.X), f1(s.Y), f1(s.Z)), nil
}

func (e *Executor) scale(_ context.Context, req *Request) (string, error) {
	name := req.Arg(1)
	s, err := parseVec(req.Tokens, 2)
	if err != nil {
		return "", err
	}
	a, err := e.findActor(req, name)
	if err != nil {
		return "", err
	}
	for _, c := range e.deps.Scene.MeshComponents(a) {
		c.SetMobility(core.MobilityMovable)
	}
	e.deps.Scene.SetScale(a, s)
	return okf("%s scaled to (%s, %s, %s)", e.deps.Scene.Name(a), f1(s.X), f1(s.Y), f1(s.Z)), nil
}

func (e *Executor) logVerbose(_ context.Context, req *Request) (string, error) {
	on, err := strconv.ParseBool(req.Arg(1))
	if err != nil {
		return "", fmt.Errorf("%w: expected 0 or 1", core.ErrArgs)
	}
	if req.Session != nil {
		req.Session.Verbose = on
	}
	return okf("verbose logging %t", on), nil
}
