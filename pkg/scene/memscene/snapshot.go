package memscene

import (
	"sort"

	"github.com/denizumutdereli/scenelink/pkg/core"
)

// Snapshot is the serializable state of a World.
type Snapshot struct {
	Version    uint64       `msgpack:"version"`
	Mode       int          `msgpack:"mode"`
	Seq        int          `msgpack:"seq"`
	DynamicSeq int          `msgpack:"dynamic_seq"`
	Assets     []AssetState `msgpack:"assets"`
	Actors     []ActorState `msgpack:"actors"`
}

// AssetState is one catalog entry. Dynamic material instances are stored
// inline on the components that own them.
type AssetState struct {
	Path             string            `msgpack:"path"`
	Kind             int               `msgpack:"kind"`
	Slots            int               `msgpack:"slots,omitempty"`
	DefaultMaterials []string          `msgpack:"default_materials,omitempty"`
	Params           map[string]string `msgpack:"params,omitempty"`
}

// ActorState is one actor.
type ActorState struct {
	Name       string           `msgpack:"name"`
	Label      string           `msgpack:"label"`
	Class      string           `msgpack:"class"`
	Transform  core.Transform   `msgpack:"transform"`
	Mobility   int              `msgpack:"mobility"`
	Components []ComponentState `msgpack:"components,omitempty"`
}

// ComponentState is one mesh component.
type ComponentState struct {
	Mesh      string          `msgpack:"mesh"`
	Mobility  int             `msgpack:"mobility"`
	Materials []MaterialState `msgpack:"materials"`
}

// MaterialState is one slot. Parent is set for dynamic instances.
type MaterialState struct {
	Path   string            `msgpack:"path"`
	Parent string            `msgpack:"parent,omitempty"`
	Params map[string]string `msgpack:"params,omitempty"`
}

// Snapshot captures the world.
func (w *World) Snapshot() *Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	s := &Snapshot{
		Version:    w.version,
		Mode:       int(w.mode),
		Seq:        w.seq,
		DynamicSeq: w.dynamicSeq,
	}
	paths := make([]string, 0, len(w.assets))
	for p := range w.assets {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		a := w.assets[p]
		s.Assets = append(s.Assets, AssetState{
			Path:             a.path,
			Kind:             int(a.kind),
			Slots:            a.slots,
			DefaultMaterials: append([]string(nil), a.defaultMaterials...),
			Params:           copyParams(a.params),
		})
	}
	for _, a := range w.actors {
		as := ActorState{
			Name:      a.name,
			Label:     a.label,
			Class:     a.class,
			Transform: a.transform,
			Mobility:  int(a.mobility),
		}
		for _, c := range a.components {
			cs := ComponentState{Mobility: int(c.mobility)}
			if c.mesh != nil {
				cs.Mesh = c.mesh.path
			}
			for _, m := range c.materials {
				if m == nil {
					cs.Materials = append(cs.Materials, MaterialState{})
					continue
				}
				ms := MaterialState{Path: m.path, Parent: m.parent}
				if m.parent != "" {
					ms.Params = copyParams(m.params)
				}
				cs.Materials = append(cs.Materials, ms)
			}
			as.Components = append(as.Components, cs)
		}
		s.Actors = append(s.Actors, as)
	}
	return s
}

// Restore replaces the world's content with a snapshot. The runtime mode
// is not restored; the host reports it fresh on startup.
func (w *World) Restore(s *Snapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.assets = make(map[string]*Asset, len(s.Assets))
	for _, as := range s.Assets {
		w.assets[as.Path] = &Asset{
			path:             as.Path,
			kind:             core.AssetKind(as.Kind),
			slots:            as.Slots,
			defaultMaterials: as.DefaultMaterials,
			params:           copyParams(as.Params),
			world:            w,
		}
	}
	w.actors = w.actors[:0]
	for _, as := range s.Actors {
		a := &Actor{
			id:        as.Name,
			name:      as.Name,
			label:     as.Label,
			class:     as.Class,
			transform: as.Transform,
			mobility:  core.Mobility(as.Mobility),
		}
		for _, cs := range as.Components {
			c := &Component{world: w, mobility: core.Mobility(cs.Mobility), mesh: w.assets[cs.Mesh]}
			for _, ms := range cs.Materials {
				switch {
				case ms.Path == "":
					c.materials = append(c.materials, nil)
				case ms.Parent != "":
					c.materials = append(c.materials, &Asset{
						path:   ms.Path,
						kind:   core.AssetMaterial,
						parent: ms.Parent,
						params: copyParams(ms.Params),
						world:  w,
					})
				default:
					c.materials = append(c.materials, w.assets[ms.Path])
				}
			}
			a.components = append(a.components, c)
		}
		w.actors = append(w.actors, a)
	}
	w.seq = s.Seq
	w.dynamicSeq = s.DynamicSeq
	w.version = s.Version
}

func copyParams(in map[string]string) map[string]string {
	if len(in) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Seed fills an empty world with a small demo project: a fixed floor, a
// few movable props, and an asset tree under /Game.
func Seed(w *World) {
	w.AddTexture("/Game/Textures/T_Wood_D.T_Wood_D")
	w.AddTexture("/Game/Textures/T_Wood_N.T_Wood_N")
	w.AddTexture("/Game/Textures/T_Metal_D.T_Metal_D")
	w.AddTexture("/Game/Textures/T_Fabric_D.T_Fabric_D")

	w.AddMaterial("/Game/Materials/M_Wood.M_Wood", map[string]string{
		"BaseColor": "/Game/Textures/T_Wood_D.T_Wood_D",
		"Normal":    "/Game/Textures/T_Wood_N.T_Wood_N",
	})
	w.AddMaterial("/Game/Materials/M_Metal.M_Metal", map[string]string{
		"BaseColor": "/Game/Textures/T_Metal_D.T_Metal_D",
	})
	w.AddMaterial("/Game/Materials/Fabric/M_Fabric.M_Fabric", map[string]string{
		"BaseColor": "/Game/Textures/T_Fabric_D.T_Fabric_D",
	})

	w.AddMesh("/Game/Meshes/SM_Cube.SM_Cube", "/Game/Materials/M_Metal.M_Metal")
	w.AddMesh("/Game/Meshes/SM_Chair.SM_Chair", "/Game/Materials/M_Wood.M_Wood", "/Game/Materials/Fabric/M_Fabric.M_Fabric")
	w.AddMesh("/Game/Meshes/SM_Floor.SM_Floor", "/Game/Materials/M_Wood.M_Wood")

	w.AddBlueprint("/Game/Blueprints/BP_Door.BP_Door")
	w.AddBlueprint("/Game/Blueprints/Props/BP_Lamp.BP_Lamp")

	_, _ = w.AddMeshActor("Floor", "/Game/Meshes/SM_Floor.SM_Floor", core.Vec3{}, core.MobilityFixed)
	_, _ = w.AddMeshActor("Cube1", "/Game/Meshes/SM_Cube.SM_Cube", core.Vec3{X: 0, Y: 0, Z: 50}, core.MobilityMovable)
	_, _ = w.AddMeshActor("Chair_01", "/Game/Meshes/SM_Chair.SM_Chair", core.Vec3{X: 200, Y: 0, Z: 0}, core.MobilityMovable)
	w.AddActor("CameraRig", core.Vec3{X: -300, Y: 0, Z: 150}, core.MobilityMovable)
}
