// Package scene defines the contract between the protocol engine and the
// host that owns the live scene. The protocol never allocates actors
// itself; it asks the host through Port.
package scene

import (
	"context"

	"github.com/denizumutdereli/scenelink/pkg/core"
)

// Actor is an opaque handle to a host entity.
type Actor interface {
	ID() string
}

// Asset is a resolved asset reference.
type Asset interface {
	Path() string
	Name() string
	Kind() core.AssetKind
}

// DynamicMaterial is a per-instance material created on a component slot.
type DynamicMaterial interface {
	Asset
	SetTextureParameter(param string, texture Asset) error
}

// MaterialInstance is implemented by materials that know the material
// they were instanced from. Parent is "" for a base material.
type MaterialInstance interface {
	Parent() string
	// TextureOverrides maps each texture parameter that differs from the
	// parent to its texture path.
	TextureOverrides() map[string]string
}

// MeshComponent is one static mesh component of an actor.
type MeshComponent interface {
	MaterialSlotCount() int
	Material(slot int) (Asset, bool)
	SetMaterial(slot int, material Asset) error
	CreateDynamicMaterial(slot int) (DynamicMaterial, error)
	Mesh() (Asset, bool)
	SetMesh(mesh Asset)
	SetMobility(m core.Mobility)
}

// Port is the host capability set the dispatcher and preset codec use.
type Port interface {
	// FindActor resolves an actor by name. MatchSubstring returns the first
	// hit in enumeration order.
	FindActor(name string, mode core.MatchMode) (Actor, bool)
	ListActorNames(filter core.ActorFilter) []string
	MeshActors() []Actor

	Name(a Actor) string
	Label(a Actor) string
	SetLabel(a Actor, label string)

	Transform(a Actor) core.Transform
	SetLocation(a Actor, loc core.Vec3)
	SetRotation(a Actor, rot core.Rotator)
	SetScale(a Actor, scale core.Vec3)

	Mobility(a Actor) core.Mobility
	SetMobility(a Actor, m core.Mobility)

	MeshComponents(a Actor) []MeshComponent

	// LoadAsset returns false on a missing or mistyped asset.
	LoadAsset(path string, kind core.AssetKind) (Asset, bool)

	// SpawnMeshActor fails with core.ErrNoWorld or core.ErrSpawnFailed.
	SpawnMeshActor(mesh Asset, loc core.Vec3, rot core.Rotator) (Actor, error)

	EnumerateAssets(kind core.AssetKind, under string, recursive bool) []string

	// TextureNames lists the textures a material references.
	TextureNames(material Asset) []string

	CurrentMode() core.RuntimeMode
}

// Importer runs an external asset import pipeline.
type Importer interface {
	ImportFBX(ctx context.Context, path string) (string, error)
}

// ScriptRunner executes a script in an embedded interpreter and returns
// its captured output.
type ScriptRunner interface {
	Run(ctx context.Context, script string) (string, error)
}
