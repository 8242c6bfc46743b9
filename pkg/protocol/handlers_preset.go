package protocol

import (
	"context"
	"fmt"
	"strings"

	"github.com/denizumutdereli/scenelink/pkg/core"
)

func (e *Executor) presetsAttached() error {
	if e.deps.Presets == nil {
		return fmt.Errorf("%w: presets are not configured", core.ErrUnsupported)
	}
	return nil
}

func (e *Executor) savePreset(_ context.Context, req *Request) (string, error) {
	if err := e.presetsAttached(); err != nil {
		return "", err
	}
	name := Unquote(req.Arg(1))
	path, n, err := e.deps.Presets.Save(name)
	if err != nil {
		return "", err
	}
	return okf("preset %s saved (%d actors) to %s", name, n, path), nil
}

func (e *Executor) loadPreset(_ context.Context, req *Request) (string, error) {
	if err := e.presetsAttached(); err != nil {
		return "", err
	}
	name := Unquote(req.Arg(1))
	var offset core.Vec3
	if len(req.Tokens) > 2 {
		v, err := parseVec(req.Tokens, 2)
		if err != nil {
			return "", err
		}
		offset = v
	}
	n, err := e.deps.Presets.Load(name, offset)
	if err != nil {
		return "", err
	}
	return okf("preset %s loaded: %d actors", name, n), nil
}

func (e *Executor) listPresets(_ context.Context, _ *Request) (string, error) {
	if err := e.presetsAttached(); err != nil {
		return "", err
	}
	names, err := e.deps.Presets.List()
	if err != nil {
		return "", err
	}
	return strings.Join(names, "\n"), nil
}

func (e *Executor) deletePreset(_ context.Context, req *Request) (string, error) {
	if err := e.presetsAttached(); err != nil {
		return "", err
	}
	name := Unquote(req.Arg(1))
	if err := e.deps.Presets.Delete(name); err != nil {
		return "", err
	}
	return okf("preset %s deleted", name), nil
}
