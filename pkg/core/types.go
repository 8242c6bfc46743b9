package core

import (
	"fmt"
	"strings"
)

// Vec3 is a world-space vector in engine units.
type Vec3 struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
	Z float64 `json:"z" msgpack:"z"`
}

// Add returns v translated by o.
func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z}
}

// Array returns the vector as a 3-element slice (preset wire form).
func (v Vec3) Array() []float64 {
	return []float64{v.X, v.Y, v.Z}
}

// Vec3FromArray converts a preset array. It fails unless len(a) == 3.
func Vec3FromArray(a []float64) (Vec3, error) {
	if len(a) != 3 {
		return Vec3{}, fmt.Errorf("%w: expected 3 components, got %d", ErrParse, len(a))
	}
	return Vec3{X: a[0], Y: a[1], Z: a[2]}, nil
}

// OneVec is the identity scale.
var OneVec = Vec3{X: 1, Y: 1, Z: 1}

// Rotator is an orientation in degrees.
type Rotator struct {
	Pitch float64 `json:"pitch" msgpack:"pitch"`
	Yaw   float64 `json:"yaw" msgpack:"yaw"`
	Roll  float64 `json:"roll" msgpack:"roll"`
}

// Array returns [pitch, yaw, roll].
func (r Rotator) Array() []float64 {
	return []float64{r.Pitch, r.Yaw, r.Roll}
}

// RotatorFromArray converts a preset [pitch, yaw, roll] array.
func RotatorFromArray(a []float64) (Rotator, error) {
	if len(a) != 3 {
		return Rotator{}, fmt.Errorf("%w: expected 3 rotation components, got %d", ErrParse, len(a))
	}
	return Rotator{Pitch: a[0], Yaw: a[1], Roll: a[2]}, nil
}

// Transform groups an actor's location, rotation and scale.
type Transform struct {
	Location Vec3    `json:"location" msgpack:"location"`
	Rotation Rotator `json:"rotation" msgpack:"rotation"`
	Scale    Vec3    `json:"scale" msgpack:"scale"`
}

// Mobility says whether an actor's transform may change at runtime.
type Mobility int

const (
	MobilityFixed Mobility = iota
	MobilityMovable
)

func (m Mobility) String() string {
	if m == MobilityMovable {
		return "Movable"
	}
	return "Fixed"
}

// ParseMobility accepts engine spellings; Static and Stationary map to Fixed.
func ParseMobility(s string) Mobility {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "movable":
		return MobilityMovable
	default:
		return MobilityFixed
	}
}

// RuntimeMode is the host's authoring/simulation state.
type RuntimeMode int

const (
	ModeEditing RuntimeMode = iota
	ModeSimulating
)

func (m RuntimeMode) String() string {
	switch m {
	case ModeEditing:
		return "editing"
	case ModeSimulating:
		return "simulating"
	default:
		return "unknown"
	}
}

// ParseRuntimeMode parses "editing" or "simulating" (case-insensitive).
func ParseRuntimeMode(s string) (RuntimeMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "editing", "edit", "editor":
		return ModeEditing, nil
	case "simulating", "simulate", "pie", "play":
		return ModeSimulating, nil
	default:
		return ModeEditing, fmt.Errorf("%w: unknown runtime mode %q", ErrArgs, s)
	}
}

// MatchMode selects how an actor name is resolved.
type MatchMode int

const (
	// MatchExact is case-insensitive equality.
	MatchExact MatchMode = iota
	// MatchSubstring is case-insensitive containment; first hit in enumeration order wins.
	MatchSubstring
)

func (m MatchMode) String() string {
	if m == MatchSubstring {
		return "substring"
	}
	return "exact"
}

// ParseMatchMode parses "exact" or "substring".
func ParseMatchMode(s string) (MatchMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "exact", "":
		return MatchExact, nil
	case "substring", "contains":
		return MatchSubstring, nil
	default:
		return MatchExact, fmt.Errorf("unknown name match mode %q", s)
	}
}

// NameMatches applies mode to a candidate actor name.
func NameMatches(candidate, query string, mode MatchMode) bool {
	if mode == MatchSubstring {
		return strings.Contains(strings.ToLower(candidate), strings.ToLower(query))
	}
	return strings.EqualFold(candidate, query)
}

// AssetKind is the expected class of an asset lookup.
type AssetKind int

const (
	AssetStaticMesh AssetKind = iota
	AssetMaterial
	AssetTexture
	AssetBlueprint
)

func (k AssetKind) String() string {
	switch k {
	case AssetStaticMesh:
		return "StaticMesh"
	case AssetMaterial:
		return "Material"
	case AssetTexture:
		return "Texture"
	case AssetBlueprint:
		return "Blueprint"
	default:
		return "Unknown"
	}
}

// ActorFilter narrows actor enumeration.
type ActorFilter int

const (
	FilterAll ActorFilter = iota
	FilterMeshActors
)

// StaticMeshActorClass is the class tag written into presets.
const StaticMeshActorClass = "/Script/Engine.StaticMeshActor"

// MeshActorMarker is the suffix a preset record's class must carry to be loaded.
const MeshActorMarker = "StaticMeshActor"
