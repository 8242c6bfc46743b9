// Package preset saves and restores mesh-actor layouts as versioned JSON
// documents under a presets directory.
package preset

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/denizumutdereli/scenelink/pkg/core"
	"github.com/denizumutdereli/scenelink/pkg/scene"
)

// FormatVersion is the only document version Load accepts.
const FormatVersion = 1

const fileExt = ".json"

// Document is the on-disk preset.
type Document struct {
	Version int           `json:"version"`
	Name    string        `json:"name"`
	SavedAt string        `json:"saved_at,omitempty"`
	Actors  []ActorRecord `json:"actors"`
}

// ActorRecord is one mesh actor. Location, Rotation and Scale always hold
// three numbers; Materials[i] is material slot i, "" when unset. A slot
// holding a per-instance material records its parent in Materials and the
// changed texture parameters in Textures.
type ActorRecord struct {
	Label      string    `json:"label"`
	Class      string    `json:"class"`
	Location   []float64 `json:"location"`
	Rotation   []float64 `json:"rotation"`
	Scale      []float64 `json:"scale"`
	StaticMesh string    `json:"static_mesh"`
	Materials  []string  `json:"materials"`
	Mobility   string    `json:"mobility,omitempty"`

	Textures []TextureRecord `json:"textures,omitempty"`
}

// TextureRecord is one texture parameter set on a material slot.
type TextureRecord struct {
	Slot    int    `json:"slot"`
	Param   string `json:"param"`
	Texture string `json:"texture"`
}

// Codec reads and writes presets against a scene.
type Codec struct {
	dir    string
	scene  scene.Port
	logger *zap.Logger
	now    func() time.Time
}

// NewCodec creates a codec rooted at dir. The directory is created on the
// first save.
func NewCodec(dir string, port scene.Port, logger *zap.Logger) *Codec {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Codec{dir: dir, scene: port, logger: logger, now: time.Now}
}

// Dir returns the presets directory.
func (c *Codec) Dir() string { return c.dir }

// ValidateName rejects names that would escape the presets directory.
// A trailing ".json" is stripped.
func ValidateName(name string) (string, error) {
	name = strings.TrimSuffix(strings.TrimSpace(name), fileExt)
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: invalid preset name %q", core.ErrArgs, name)
	}
	return name, nil
}

// Path returns the file path for a preset name.
func (c *Codec) Path(name string) (string, error) {
	n, err := ValidateName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(c.dir, n+fileExt), nil
}

// Capture builds a document from the current scene without writing it.
// Mesh actors with no mesh assigned are skipped.
func (c *Codec) Capture(name string) *Document {
	doc := &Document{
		Version: FormatVersion,
		Name:    name,
		SavedAt: c.now().UTC().Format(time.RFC3339),
		Actors:  []ActorRecord{},
	}
	for _, a := range c.scene.MeshActors() {
		comps := c.scene.MeshComponents(a)
		if len(comps) == 0 {
			continue
		}
		mesh, ok := comps[0].Mesh()
		if !ok {
			continue
		}
		t := c.scene.Transform(a)
		rec := ActorRecord{
			Label:      c.scene.Label(a),
			Class:      core.StaticMeshActorClass,
			Location:   t.Location.Array(),
			Rotation:   t.Rotation.Array(),
			Scale:      t.Scale.Array(),
			StaticMesh: mesh.Path(),
			Materials:  make([]string, comps[0].MaterialSlotCount()),
			Mobility:   c.scene.Mobility(a).String(),
		}
		for i := range rec.Materials {
			m, ok := comps[0].Material(i)
			if !ok {
				continue
			}
			rec.Materials[i] = m.Path()
			if mi, ok := m.(scene.MaterialInstance); ok && mi.Parent() != "" {
				rec.Materials[i] = mi.Parent()
				rec.Textures = append(rec.Textures, textureRecords(i, mi.TextureOverrides())...)
			}
		}
		doc.Actors = append(doc.Actors, rec)
	}
	return doc
}

func textureRecords(slot int, overrides map[string]string) []TextureRecord {
	params := make([]string, 0, len(overrides))
	for p := range overrides {
		params = append(params, p)
	}
	sort.Strings(params)
	out := make([]TextureRecord, 0, len(params))
	for _, p := range params {
		out = append(out, TextureRecord{Slot: slot, Param: p, Texture: overrides[p]})
	}
	return out
}

// Save writes the current mesh-actor layout to <dir>/<name>.json and
// returns the file path and the number of actors written.
func (c *Codec) Save(name string) (string, int, error) {
	p, err := c.Path(name)
	if err != nil {
		return "", 0, err
	}
	doc := c.Capture(strings.TrimSuffix(filepath.Base(p), fileExt))

	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return "", 0, fmt.Errorf("%w: %v", core.ErrSaveFailed, err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return "", 0, fmt.Errorf("%w: %v", core.ErrSaveFailed, err)
	}

	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return "", 0, fmt.Errorf("%w: %v", core.ErrSaveFailed, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return "", 0, fmt.Errorf("%w: %v", core.ErrSaveFailed, err)
	}

	c.logger.Info("preset saved", zap.String("preset", doc.Name), zap.Int("actors", len(doc.Actors)), zap.String("path", p))
	return p, len(doc.Actors), nil
}

// Read parses a preset file. A missing file is ErrPresetNotFound; invalid
// JSON, a missing actors array or an unknown version is ErrParse.
func (c *Codec) Read(name string) (*Document, error) {
	p, err := c.Path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", core.ErrPresetNotFound, name)
		}
		return nil, fmt.Errorf("%w: reading %s: %v", core.ErrPresetNotFound, name, err)
	}
	return Decode(data)
}

// Decode parses and validates a preset document.
func Decode(data []byte) (*Document, error) {
	var probe struct {
		Actors json.RawMessage `json:"actors"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: invalid preset JSON: %v", core.ErrParse, err)
	}
	if len(probe.Actors) == 0 || string(probe.Actors) == "null" {
		return nil, fmt.Errorf("%w: preset has no actors array", core.ErrParse)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: invalid preset JSON: %v", core.ErrParse, err)
	}
	if doc.Version != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported preset version %d", core.ErrParse, doc.Version)
	}
	return &doc, nil
}

// Load reconstructs the actors of a preset, translated by offset, and
// returns how many were spawned. Records that are not mesh actors, whose
// mesh cannot be resolved or whose arrays are malformed are skipped.
func (c *Codec) Load(name string, offset core.Vec3) (int, error) {
	doc, err := c.Read(name)
	if err != nil {
		return 0, err
	}
	return c.Apply(doc, offset)
}

// Apply spawns the actors of an already-decoded document.
func (c *Codec) Apply(doc *Document, offset core.Vec3) (int, error) {
	count := 0
	for i, rec := range doc.Actors {
		if !strings.HasSuffix(rec.Class, core.MeshActorMarker) {
			continue
		}
		loc, err := core.Vec3FromArray(rec.Location)
		if err != nil {
			c.logger.Warn("preset record skipped", zap.Int("index", i), zap.Error(err))
			continue
		}
		rot, err := core.RotatorFromArray(rec.Rotation)
		if err != nil {
			c.logger.Warn("preset record skipped", zap.Int("index", i), zap.Error(err))
			continue
		}
		scale, err := core.Vec3FromArray(rec.Scale)
		if err != nil {
			c.logger.Warn("preset record skipped", zap.Int("index", i), zap.Error(err))
			continue
		}
		mesh, ok := c.scene.LoadAsset(rec.StaticMesh, core.AssetStaticMesh)
		if !ok {
			c.logger.Warn("preset mesh not found", zap.Int("index", i), zap.String("mesh", rec.StaticMesh))
			continue
		}

		a, err := c.scene.SpawnMeshActor(mesh, loc.Add(offset), rot)
		if err != nil {
			if errors.Is(err, core.ErrNoWorld) {
				return count, err
			}
			c.logger.Warn("preset spawn failed", zap.Int("index", i), zap.Error(err))
			continue
		}
		c.scene.SetMobility(a, core.MobilityMovable)
		c.scene.SetScale(a, scale)
		c.applyMaterials(a, rec.Materials)
		c.applyTextures(a, rec.Textures)
		if rec.Label != "" {
			c.scene.SetLabel(a, rec.Label)
		}
		count++
	}
	c.logger.Info("preset loaded", zap.String("preset", doc.Name), zap.Int("spawned", count), zap.Int("records", len(doc.Actors)))
	return count, nil
}

func (c *Codec) applyMaterials(a scene.Actor, materials []string) {
	comps := c.scene.MeshComponents(a)
	for slot, p := range materials {
		if p == "" {
			continue
		}
		mat, ok := c.scene.LoadAsset(p, core.AssetMaterial)
		if !ok {
			c.logger.Debug("preset material not found", zap.String("material", p))
			continue
		}
		for _, comp := range comps {
			if slot < comp.MaterialSlotCount() {
				_ = comp.SetMaterial(slot, mat)
				break
			}
		}
	}
}

func (c *Codec) applyTextures(a scene.Actor, textures []TextureRecord) {
	if len(textures) == 0 {
		return
	}
	comps := c.scene.MeshComponents(a)
	for _, tr := range textures {
		tex, ok := c.scene.LoadAsset(tr.Texture, core.AssetTexture)
		if !ok {
			c.logger.Debug("preset texture not found", zap.String("texture", tr.Texture))
			continue
		}
		for _, comp := range comps {
			if tr.Slot < 0 || tr.Slot >= comp.MaterialSlotCount() {
				continue
			}
			mid, err := comp.CreateDynamicMaterial(tr.Slot)
			if err == nil {
				err = mid.SetTextureParameter(tr.Param, tex)
			}
			if err != nil {
				c.logger.Warn("preset texture not applied", zap.Int("slot", tr.Slot), zap.String("param", tr.Param), zap.Error(err))
			}
			break
		}
	}
}

// List returns preset names in the directory, sorted. A missing directory
// is an empty list.
func (c *Codec) List() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != fileExt {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), fileExt))
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes a preset file.
func (c *Codec) Delete(name string) error {
	p, err := c.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", core.ErrPresetNotFound, name)
		}
		return err
	}
	c.logger.Info("preset deleted", zap.String("preset", name))
	return nil
}
