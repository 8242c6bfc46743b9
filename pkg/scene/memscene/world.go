// Package memscene is an in-memory scene host. It backs the standalone
// daemon and the tests; a real engine integration implements scene.Port
// over its own object model instead.
package memscene

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/denizumutdereli/scenelink/pkg/core"
	"github.com/denizumutdereli/scenelink/pkg/scene"
)

// Asset is an entry in the world's asset catalog.
type Asset struct {
	path string
	kind core.AssetKind

	// Slots and DefaultMaterials apply to static meshes.
	slots            int
	defaultMaterials []string

	// params maps a texture parameter to a texture path (materials only).
	params map[string]string
	parent string
	world  *World
}

func (a *Asset) Path() string         { return a.path }
func (a *Asset) Kind() core.AssetKind { return a.kind }

// Name is the object short name: the part after the last '.' or '/'.
func (a *Asset) Name() string {
	return ShortName(a.path)
}

// SetTextureParameter implements scene.DynamicMaterial.
func (a *Asset) SetTextureParameter(param string, texture scene.Asset) error {
	if a.parent == "" {
		return fmt.Errorf("%s is not a dynamic material instance", a.path)
	}
	if texture == nil || texture.Kind() != core.AssetTexture {
		return fmt.Errorf("%w: texture parameter %s needs a texture", core.ErrLoadFailed, param)
	}
	a.world.mu.Lock()
	defer a.world.mu.Unlock()
	a.params[param] = texture.Path()
	a.world.version++
	return nil
}

// Parent implements scene.MaterialInstance.
func (a *Asset) Parent() string { return a.parent }

// TextureOverrides implements scene.MaterialInstance.
func (a *Asset) TextureOverrides() map[string]string {
	if a.parent == "" {
		return nil
	}
	a.world.mu.RLock()
	defer a.world.mu.RUnlock()
	base := a.world.assets[a.parent]
	out := make(map[string]string)
	for k, v := range a.params {
		if base == nil || base.params[k] != v {
			out[k] = v
		}
	}
	return out
}

// ShortName returns the object name of an asset path
// ("/Game/Meshes/SM_Chair.SM_Chair" → "SM_Chair").
func ShortName(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 && i > strings.LastIndexByte(p, '/') {
		return p[i+1:]
	}
	return path.Base(p)
}

// Actor is a scene entity.
type Actor struct {
	id         string
	name       string
	label      string
	class      string
	transform  core.Transform
	mobility   core.Mobility
	components []*Component
}

func (a *Actor) ID() string { return a.id }

// Component is a static mesh component.
type Component struct {
	world     *World
	mesh      *Asset
	materials []*Asset
	mobility  core.Mobility
}

func (c *Component) MaterialSlotCount() int {
	c.world.mu.RLock()
	defer c.world.mu.RUnlock()
	return len(c.materials)
}

func (c *Component) Material(slot int) (scene.Asset, bool) {
	c.world.mu.RLock()
	defer c.world.mu.RUnlock()
	if slot < 0 || slot >= len(c.materials) || c.materials[slot] == nil {
		return nil, false
	}
	return c.materials[slot], true
}

func (c *Component) SetMaterial(slot int, material scene.Asset) error {
	m, ok := material.(*Asset)
	if !ok || m.kind != core.AssetMaterial {
		return fmt.Errorf("%w: not a material", core.ErrLoadFailed)
	}
	c.world.mu.Lock()
	defer c.world.mu.Unlock()
	if slot < 0 || slot >= len(c.materials) {
		return fmt.Errorf("%w: slot %d of %d", core.ErrSlotOutOfRange, slot, len(c.materials))
	}
	c.materials[slot] = m
	c.world.version++
	return nil
}

// CreateDynamicMaterial replaces the slot's material with a per-instance
// copy of it and returns the copy.
func (c *Component) CreateDynamicMaterial(slot int) (scene.DynamicMaterial, error) {
	c.world.mu.Lock()
	defer c.world.mu.Unlock()
	if slot < 0 || slot >= len(c.materials) {
		return nil, fmt.Errorf("%w: slot %d of %d", core.ErrSlotOutOfRange, slot, len(c.materials))
	}
	base := c.materials[slot]
	if base == nil {
		return nil, fmt.Errorf("%w: slot %d has no material", core.ErrLoadFailed, slot)
	}
	if base.parent != "" {
		return base, nil
	}
	c.world.dynamicSeq++
	mid := &Asset{
		path:   fmt.Sprintf("%s_MID_%d", base.path, c.world.dynamicSeq),
		kind:   core.AssetMaterial,
		params: make(map[string]string, len(base.params)),
		parent: base.path,
		world:  c.world,
	}
	for k, v := range base.params {
		mid.params[k] = v
	}
	c.materials[slot] = mid
	c.world.version++
	return mid, nil
}

func (c *Component) Mesh() (scene.Asset, bool) {
	c.world.mu.RLock()
	defer c.world.mu.RUnlock()
	if c.mesh == nil {
		return nil, false
	}
	return c.mesh, true
}

// SetMesh swaps the mesh. Slots are resized to the new mesh; existing
// overrides are kept where the slot still exists.
func (c *Component) SetMesh(mesh scene.Asset) {
	m, ok := mesh.(*Asset)
	if !ok {
		return
	}
	c.world.mu.Lock()
	defer c.world.mu.Unlock()
	c.world.applyMeshLocked(c, m)
	c.world.version++
}

func (c *Component) SetMobility(m core.Mobility) {
	c.world.mu.Lock()
	defer c.world.mu.Unlock()
	c.mobility = m
}

// World is the in-memory scene. All methods are safe for concurrent use.
type World struct {
	mu         sync.RWMutex
	actors     []*Actor
	assets     map[string]*Asset
	mode       core.RuntimeMode
	noWorld    bool
	seq        int
	dynamicSeq int
	version    uint64
}

// New creates an empty world in editing mode.
func New() *World {
	return &World{assets: make(map[string]*Asset)}
}

var _ scene.Port = (*World)(nil)

// Version increases on every mutation.
func (w *World) Version() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.version
}

// SetMode records the host runtime mode reported by CurrentMode.
func (w *World) SetMode(m core.RuntimeMode) {
	w.mu.Lock()
	w.mode = m
	w.mu.Unlock()
}

// SetWorldAvailable toggles whether spawning has a target world.
func (w *World) SetWorldAvailable(ok bool) {
	w.mu.Lock()
	w.noWorld = !ok
	w.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Asset catalog
// ---------------------------------------------------------------------------

// AddMesh registers a static mesh with the given default materials.
func (w *World) AddMesh(p string, defaultMaterials ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.assets[p] = &Asset{path: p, kind: core.AssetStaticMesh, slots: max(len(defaultMaterials), 1), defaultMaterials: defaultMaterials, world: w}
	w.version++
}

// AddMaterial registers a material whose texture parameters are given as
// param → texture path.
func (w *World) AddMaterial(p string, textures map[string]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	params := make(map[string]string, len(textures))
	for k, v := range textures {
		params[k] = v
	}
	w.assets[p] = &Asset{path: p, kind: core.AssetMaterial, params: params, world: w}
	w.version++
}

// AddTexture registers a texture.
func (w *World) AddTexture(p string) {
	w.addSimple(p, core.AssetTexture)
}

// AddBlueprint registers a blueprint class.
func (w *World) AddBlueprint(p string) {
	w.addSimple(p, core.AssetBlueprint)
}

func (w *World) addSimple(p string, kind core.AssetKind) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.assets[p] = &Asset{path: p, kind: kind, world: w}
	w.version++
}

func (w *World) LoadAsset(p string, kind core.AssetKind) (scene.Asset, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	a, ok := w.assets[p]
	if !ok || a.kind != kind {
		return nil, false
	}
	return a, true
}

func (w *World) EnumerateAssets(kind core.AssetKind, under string, recursive bool) []string {
	under = strings.TrimRight(under, "/")
	w.mu.RLock()
	defer w.mu.RUnlock()
	var out []string
	for p, a := range w.assets {
		if a.kind != kind {
			continue
		}
		dir := path.Dir(p)
		if dir == under || (recursive && strings.HasPrefix(p, under+"/")) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// TextureNames lists the material's texture parameters as object names,
// ordered by parameter name.
func (w *World) TextureNames(material scene.Asset) []string {
	m, ok := material.(*Asset)
	if !ok {
		return nil
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	keys := make([]string, 0, len(m.params))
	for k := range m.params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, ShortName(m.params[k]))
	}
	return out
}

// ---------------------------------------------------------------------------
// Actors
// ---------------------------------------------------------------------------

// AddActor places a plain actor without mesh components.
func (w *World) AddActor(name string, loc core.Vec3, mobility core.Mobility) *Actor {
	w.mu.Lock()
	defer w.mu.Unlock()
	a := &Actor{
		id:        name,
		name:      name,
		label:     name,
		class:     "/Script/Engine.Actor",
		transform: core.Transform{Location: loc, Scale: core.OneVec},
		mobility:  mobility,
	}
	w.actors = append(w.actors, a)
	w.version++
	return a
}

// AddMeshActor places a static mesh actor using a registered mesh.
func (w *World) AddMeshActor(name, meshPath string, loc core.Vec3, mobility core.Mobility) (*Actor, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	mesh, ok := w.assets[meshPath]
	if !ok || mesh.kind != core.AssetStaticMesh {
		return nil, fmt.Errorf("%w: %s", core.ErrLoadMesh, meshPath)
	}
	a := w.newMeshActorLocked(name, mesh, core.Transform{Location: loc, Scale: core.OneVec})
	a.mobility = mobility
	for _, c := range a.components {
		c.mobility = mobility
	}
	return a, nil
}

func (w *World) newMeshActorLocked(name string, mesh *Asset, t core.Transform) *Actor {
	if name == "" {
		w.seq++
		name = fmt.Sprintf("StaticMeshActor_%d", w.seq)
		for w.nameTakenLocked(name) {
			w.seq++
			name = fmt.Sprintf("StaticMeshActor_%d", w.seq)
		}
	}
	c := &Component{world: w, mobility: core.MobilityFixed}
	if mesh != nil {
		w.applyMeshLocked(c, mesh)
	}
	a := &Actor{
		id:         name,
		name:       name,
		label:      name,
		class:      core.StaticMeshActorClass,
		transform:  t,
		mobility:   core.MobilityFixed,
		components: []*Component{c},
	}
	w.actors = append(w.actors, a)
	w.version++
	return a
}

func (w *World) nameTakenLocked(name string) bool {
	for _, a := range w.actors {
		if strings.EqualFold(a.name, name) {
			return true
		}
	}
	return false
}

func (w *World) applyMeshLocked(c *Component, m *Asset) {
	c.mesh = m
	mats := make([]*Asset, m.slots)
	for i := range mats {
		if i < len(c.materials) && c.materials[i] != nil {
			mats[i] = c.materials[i]
			continue
		}
		if i < len(m.defaultMaterials) {
			mats[i] = w.assets[m.defaultMaterials[i]]
		}
	}
	c.materials = mats
}

func (w *World) FindActor(name string, mode core.MatchMode) (scene.Actor, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, a := range w.actors {
		if core.NameMatches(a.name, name, mode) {
			return a, true
		}
	}
	return nil, false
}

func (w *World) ListActorNames(filter core.ActorFilter) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.actors))
	for _, a := range w.actors {
		if filter == core.FilterMeshActors && len(a.components) == 0 {
			continue
		}
		out = append(out, a.name)
	}
	return out
}

func (w *World) MeshActors() []scene.Actor {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var out []scene.Actor
	for _, a := range w.actors {
		if len(a.components) > 0 {
			out = append(out, a)
		}
	}
	return out
}

// Len returns the number of actors.
func (w *World) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.actors)
}

func (w *World) Name(a scene.Actor) string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return a.(*Actor).name
}

func (w *World) Label(a scene.Actor) string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return a.(*Actor).label
}

func (w *World) SetLabel(a scene.Actor, label string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	a.(*Actor).label = label
	w.version++
}

func (w *World) Transform(a scene.Actor) core.Transform {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return a.(*Actor).transform
}

func (w *World) SetLocation(a scene.Actor, loc core.Vec3) {
	w.mu.Lock()
	defer w.mu.Unlock()
	a.(*Actor).transform.Location = loc
	w.version++
}

func (w *World) SetRotation(a scene.Actor, rot core.Rotator) {
	w.mu.Lock()
	defer w.mu.Unlock()
	a.(*Actor).transform.Rotation = rot
	w.version++
}

func (w *World) SetScale(a scene.Actor, scale core.Vec3) {
	w.mu.Lock()
	defer w.mu.Unlock()
	a.(*Actor).transform.Scale = scale
	w.version++
}

// Mobility is Movable only when the actor and all its components are.
func (w *World) Mobility(a scene.Actor) core.Mobility {
	w.mu.RLock()
	defer w.mu.RUnlock()
	act := a.(*Actor)
	if act.mobility != core.MobilityMovable {
		return core.MobilityFixed
	}
	for _, c := range act.components {
		if c.mobility != core.MobilityMovable {
			return core.MobilityFixed
		}
	}
	return core.MobilityMovable
}

func (w *World) SetMobility(a scene.Actor, m core.Mobility) {
	w.mu.Lock()
	defer w.mu.Unlock()
	act := a.(*Actor)
	act.mobility = m
	for _, c := range act.components {
		c.mobility = m
	}
}

func (w *World) MeshComponents(a scene.Actor) []scene.MeshComponent {
	w.mu.RLock()
	defer w.mu.RUnlock()
	act := a.(*Actor)
	out := make([]scene.MeshComponent, len(act.components))
	for i, c := range act.components {
		out[i] = c
	}
	return out
}

func (w *World) SpawnMeshActor(mesh scene.Asset, loc core.Vec3, rot core.Rotator) (scene.Actor, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.noWorld {
		return nil, core.ErrNoWorld
	}
	m, ok := mesh.(*Asset)
	if !ok || m.kind != core.AssetStaticMesh {
		return nil, fmt.Errorf("%w: not a static mesh", core.ErrSpawnFailed)
	}
	return w.newMeshActorLocked("", m, core.Transform{Location: loc, Rotation: rot, Scale: core.OneVec}), nil
}

func (w *World) CurrentMode() core.RuntimeMode {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.mode
}

// Clear removes all actors; the asset catalog is kept.
func (w *World) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.actors = nil
	w.version++
}
