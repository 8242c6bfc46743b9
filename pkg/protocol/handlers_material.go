package protocol

import (
	"context"
	"fmt"
	"strings"

	"github.com/denizumutdereli/scenelink/pkg/core"
	"github.com/denizumutdereli/scenelink/pkg/scene"
)

// DefaultAssetRoot is the project content root used when no path is given.
const DefaultAssetRoot = "/Game"

// slotComponent returns the first mesh component that has the slot.
func (e *Executor) slotComponent(a scene.Actor, slot int) (scene.MeshComponent, error) {
	comps := e.deps.Scene.MeshComponents(a)
	if len(comps) == 0 {
		return nil, fmt.Errorf("%w: %s", core.ErrNoMeshComponents, e.deps.Scene.Name(a))
	}
	for _, c := range comps {
		if slot < c.MaterialSlotCount() {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s has no slot %d", core.ErrSlotOutOfRange, e.deps.Scene.Name(a), slot)
}

func (e *Executor) setTexture(_ context.Context, req *Request) (string, error) {
	name := req.Arg(1)
	slot, err := parseSlot(req.Arg(2))
	if err != nil {
		return "", err
	}
	param := Unquote(req.Arg(3))
	texPath := PathArg(req.Tokens, 4)
	if param == "" || texPath == "" {
		return "", fmt.Errorf("%w: usage: SET_TEXTURE <name> <slot> <param> <path>", core.ErrArgs)
	}

	a, err := e.findActor(req, name)
	if err != nil {
		return "", err
	}
	tex, ok := e.deps.Scene.LoadAsset(texPath, core.AssetTexture)
	if !ok {
		return "", fmt.Errorf("%w: texture %s", core.ErrLoadFailed, texPath)
	}
	comp, err := e.slotComponent(a, slot)
	if err != nil {
		return "", err
	}
	mid, err := comp.CreateDynamicMaterial(slot)
	if err != nil {
		return "", err
	}
	if err := mid.SetTextureParameter(param, tex); err != nil {
		return "", err
	}
	return okf("%s slot %d [%s] texture set to %s", e.deps.Scene.Name(a), slot, param, tex.Name()), nil
}

// describeSlots renders "Material Slot i: <name>" lines, optionally with
// the textures of each material.
func (e *Executor) describeSlots(a scene.Actor, only int, withTextures bool) []string {
	var lines []string
	idx := 0
	for _, c := range e.deps.Scene.MeshComponents(a) {
		for s := 0; s < c.MaterialSlotCount(); s++ {
			i := idx
			idx++
			if only >= 0 && i != only {
				continue
			}
			mat, ok := c.Material(s)
			if !ok {
				lines = append(lines, fmt.Sprintf("Material Slot %d: (none)", i))
				continue
			}
			lines = append(lines, fmt.Sprintf("Material Slot %d: %s", i, mat.Name()))
			if withTextures {
				for _, tex := range e.deps.Scene.TextureNames(mat) {
					lines = append(lines, "    └ Texture: "+tex)
				}
			}
		}
	}
	return lines
}

func (e *Executor) getTextures(_ context.Context, req *Request) (string, error) {
	a, err := e.findActor(req, req.Arg(1))
	if err != nil {
		return "", err
	}
	lines := e.describeSlots(a, -1, true)
	if len(lines) == 0 {
		return okf("no materials on %s", e.deps.Scene.Name(a)), nil
	}
	return strings.Join(lines, "\n"), nil
}

func (e *Executor) getTexturesSlot(_ context.Context, req *Request) (string, error) {
	slot, err := parseSlot(req.Arg(2))
	if err != nil {
		return "", err
	}
	a, err := e.findActor(req, req.Arg(1))
	if err != nil {
		return "", err
	}
	lines := e.describeSlots(a, slot, true)
	if len(lines) == 0 {
		return "", fmt.Errorf("%w: %s has no slot %d", core.ErrSlotOutOfRange, e.deps.Scene.Name(a), slot)
	}
	return strings.Join(lines, "\n"), nil
}

func (e *Executor) getMaterialSlots(_ context.Context, req *Request) (string, error) {
	a, err := e.findActor(req, req.Arg(1))
	if err != nil {
		return "", err
	}
	lines := e.describeSlots(a, -1, false)
	if len(lines) == 0 {
		return okf("no materials on %s", e.deps.Scene.Name(a)), nil
	}
	return strings.Join(lines, "\n"), nil
}

func (e *Executor) setMaterial(_ context.Context, req *Request) (string, error) {
	name := req.Arg(1)
	slot, err := parseSlot(req.Arg(2))
	if err != nil {
		return "", err
	}
	matPath := PathArg(req.Tokens, 3)
	if matPath == "" {
		return "", fmt.Errorf("%w: material path is empty", core.ErrArgs)
	}

	a, err := e.findActor(req, name)
	if err != nil {
		return "", err
	}
	mat, ok := e.deps.Scene.LoadAsset(matPath, core.AssetMaterial)
	if !ok {
		return "", fmt.Errorf("%w: material %s", core.ErrLoadFailed, matPath)
	}
	comp, err := e.slotComponent(a, slot)
	if err != nil {
		return "", err
	}
	if err := comp.SetMaterial(slot, mat); err != nil {
		return "", err
	}
	return okf("%s slot %d material set to %s", e.deps.Scene.Name(a), slot, mat.Name()), nil
}

// enumerate lists assets of one kind under an optional path (recursive).
func (e *Executor) enumerate(kind core.AssetKind, suffix string) CommandHandler {
	return func(_ context.Context, req *Request) (string, error) {
		root := PathArg(req.Tokens, 1)
		if root == "" {
			root = DefaultAssetRoot
		}
		paths := e.deps.Scene.EnumerateAssets(kind, root, true)
		if len(paths) == 0 {
			return okf("no %s assets under %s", strings.ToLower(kind.String()), root), nil
		}
		if suffix != "" {
			for i := range paths {
				paths[i] += suffix
			}
		}
		return strings.Join(paths, "\n"), nil
	}
}
