package protocol

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/denizumutdereli/scenelink/pkg/core"
)

// SpawnOrigin is where SPAWN_ASSET places new actors.
var SpawnOrigin = core.Vec3{X: 0, Y: 0, Z: 100}

// SpawnLabel is the label given to actors created by SPAWN_ASSET.
const SpawnLabel = "Spawned_StaticMesh"

// QualifyObjectPath appends ".ShortName" to a package path that has no
// object qualifier: "/Game/Meshes/SM_Chair" → "/Game/Meshes/SM_Chair.SM_Chair".
func QualifyObjectPath(p string) string {
	base := path.Base(p)
	if base == "." || base == "/" || strings.Contains(base, ".") {
		return p
	}
	return p + "." + base
}

func (e *Executor) spawnAsset(_ context.Context, req *Request) (string, error) {
	assetPath := QualifyObjectPath(PathArg(req.Tokens, 1))
	mesh, ok := e.deps.Scene.LoadAsset(assetPath, core.AssetStaticMesh)
	if !ok {
		return "", fmt.Errorf("%w: static mesh %s", core.ErrLoadFailed, assetPath)
	}
	a, err := e.deps.Scene.SpawnMeshActor(mesh, SpawnOrigin, core.Rotator{})
	if err != nil {
		if errors.Is(err, core.ErrNoWorld) || errors.Is(err, core.ErrSpawnFailed) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", core.ErrSpawnFailed, err)
	}
	e.deps.Scene.SetLabel(a, SpawnLabel)
	return okf("spawned %s from %s", e.deps.Scene.Name(a), mesh.Name()), nil
}

func (e *Executor) setStaticMesh(_ context.Context, req *Request) (string, error) {
	a, err := e.findActor(req, req.Arg(1))
	if err != nil {
		return "", err
	}
	meshPath := QualifyObjectPath(PathArg(req.Tokens, 2))
	mesh, ok := e.deps.Scene.LoadAsset(meshPath, core.AssetStaticMesh)
	if !ok {
		return "", fmt.Errorf("%w: %s", core.ErrLoadMesh, meshPath)
	}
	comps := e.deps.Scene.MeshComponents(a)
	if len(comps) == 0 {
		return "", fmt.Errorf("%w: %s", core.ErrNoMeshComponents, e.deps.Scene.Name(a))
	}
	e.deps.Scene.SetMobility(a, core.MobilityMovable)
	for _, c := range comps {
		c.SetMesh(mesh)
	}
	return okf("%s mesh set to %s on %d component(s)", e.deps.Scene.Name(a), mesh.Name(), len(comps)), nil
}

func (e *Executor) importFBX(ctx context.Context, req *Request) (string, error) {
	if e.deps.Importer == nil {
		return "", fmt.Errorf("%w: no import pipeline attached (editor-only)", core.ErrUnsupported)
	}
	src := PathArg(req.Tokens, 1)
	out, err := e.deps.Importer.ImportFBX(ctx, src)
	if err != nil {
		return "", fmt.Errorf("%w: import %s: %v", core.ErrLoadFailed, src, err)
	}
	return okf("imported %s", out), nil
}

func (e *Executor) runScript(ctx context.Context, req *Request) (string, error) {
	script := strings.TrimSpace(JoinFrom(req.Tokens, 1))
	if script == "" {
		return "", fmt.Errorf("%w: py needs a script", core.ErrEmptyArgs)
	}
	if e.deps.Scripts == nil {
		return "", fmt.Errorf("%w: no script interpreter attached", core.ErrUnsupported)
	}
	out, err := e.deps.Scripts.Run(ctx, script)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrScriptFailed, err)
	}
	out = strings.TrimRight(out, "\n")
	if out == "" {
		return okf("script finished"), nil
	}
	return okf("script finished") + "\n" + out, nil
}
