package memscene

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denizumutdereli/scenelink/pkg/core"
)

func seeded(t *testing.T) *World {
	t.Helper()
	w := New()
	Seed(w)
	return w
}

func TestShortName(t *testing.T) {
	assert.Equal(t, "SM_Chair", ShortName("/Game/Meshes/SM_Chair.SM_Chair"))
	assert.Equal(t, "SM_Chair", ShortName("/Game/Meshes/SM_Chair"))
	assert.Equal(t, "M_Metal_MID_3", ShortName("/Game/Materials/M_Metal.M_Metal_MID_3"))
}

func TestFindActor(t *testing.T) {
	w := seeded(t)

	a, ok := w.FindActor("cube1", core.MatchExact)
	require.True(t, ok)
	assert.Equal(t, "Cube1", w.Name(a))

	_, ok = w.FindActor("Chair", core.MatchExact)
	assert.False(t, ok)

	a, ok = w.FindActor("CHAIR", core.MatchSubstring)
	require.True(t, ok)
	assert.Equal(t, "Chair_01", w.Name(a))

	// First hit in enumeration order wins.
	a, ok = w.FindActor("o", core.MatchSubstring)
	require.True(t, ok)
	assert.Equal(t, "Floor", w.Name(a))
}

func TestListActorNames(t *testing.T) {
	w := seeded(t)
	assert.Equal(t, []string{"Floor", "Cube1", "Chair_01", "CameraRig"}, w.ListActorNames(core.FilterAll))
	assert.Equal(t, []string{"Floor", "Cube1", "Chair_01"}, w.ListActorNames(core.FilterMeshActors))
	assert.Len(t, w.MeshActors(), 3)
	assert.Equal(t, 4, w.Len())
}

func TestMobilityNeedsActorAndComponents(t *testing.T) {
	w := seeded(t)
	cube, _ := w.FindActor("Cube1", core.MatchExact)
	require.Equal(t, core.MobilityMovable, w.Mobility(cube))

	w.MeshComponents(cube)[0].SetMobility(core.MobilityFixed)
	assert.Equal(t, core.MobilityFixed, w.Mobility(cube))

	w.SetMobility(cube, core.MobilityMovable)
	assert.Equal(t, core.MobilityMovable, w.Mobility(cube))
}

func TestLoadAssetChecksKind(t *testing.T) {
	w := seeded(t)

	_, ok := w.LoadAsset("/Game/Meshes/SM_Cube.SM_Cube", core.AssetStaticMesh)
	assert.True(t, ok)
	_, ok = w.LoadAsset("/Game/Meshes/SM_Cube.SM_Cube", core.AssetMaterial)
	assert.False(t, ok)
	_, ok = w.LoadAsset("/Game/Meshes/SM_Cube", core.AssetStaticMesh)
	assert.False(t, ok, "lookups take qualified object paths")
}

func TestEnumerateAssets(t *testing.T) {
	w := seeded(t)

	assert.Equal(t, []string{
		"/Game/Materials/Fabric/M_Fabric.M_Fabric",
		"/Game/Materials/M_Metal.M_Metal",
		"/Game/Materials/M_Wood.M_Wood",
	}, w.EnumerateAssets(core.AssetMaterial, "/Game", true))

	assert.Equal(t, []string{
		"/Game/Materials/M_Metal.M_Metal",
		"/Game/Materials/M_Wood.M_Wood",
	}, w.EnumerateAssets(core.AssetMaterial, "/Game/Materials/", false))

	assert.Empty(t, w.EnumerateAssets(core.AssetBlueprint, "/Game/Meshes", true))
}

func TestDynamicMaterial(t *testing.T) {
	w := seeded(t)
	chair, _ := w.FindActor("Chair_01", core.MatchExact)
	comp := w.MeshComponents(chair)[0]
	require.Equal(t, 2, comp.MaterialSlotCount())

	mid, err := comp.CreateDynamicMaterial(0)
	require.NoError(t, err)
	assert.Equal(t, "M_Wood_MID_1", mid.Name())

	again, err := comp.CreateDynamicMaterial(0)
	require.NoError(t, err)
	assert.Same(t, mid, again)

	tex, ok := w.LoadAsset("/Game/Textures/T_Metal_D.T_Metal_D", core.AssetTexture)
	require.True(t, ok)
	require.NoError(t, mid.SetTextureParameter("BaseColor", tex))
	assert.Equal(t, []string{"T_Metal_D", "T_Wood_N"}, w.TextureNames(mid))

	// The parent material is untouched.
	base, _ := w.LoadAsset("/Game/Materials/M_Wood.M_Wood", core.AssetMaterial)
	assert.Equal(t, []string{"T_Wood_D", "T_Wood_N"}, w.TextureNames(base))

	_, err = comp.CreateDynamicMaterial(2)
	assert.True(t, errors.Is(err, core.ErrSlotOutOfRange))
}

func TestSetMaterialRejectsNonMaterial(t *testing.T) {
	w := seeded(t)
	cube, _ := w.FindActor("Cube1", core.MatchExact)
	comp := w.MeshComponents(cube)[0]

	tex, _ := w.LoadAsset("/Game/Textures/T_Wood_D.T_Wood_D", core.AssetTexture)
	assert.ErrorIs(t, comp.SetMaterial(0, tex), core.ErrLoadFailed)

	mat, _ := w.LoadAsset("/Game/Materials/M_Wood.M_Wood", core.AssetMaterial)
	assert.ErrorIs(t, comp.SetMaterial(1, mat), core.ErrSlotOutOfRange)
	require.NoError(t, comp.SetMaterial(0, mat))

	got, ok := comp.Material(0)
	require.True(t, ok)
	assert.Equal(t, "M_Wood", got.Name())
}

func TestSpawnNamesAndNoWorld(t *testing.T) {
	w := seeded(t)
	mesh, _ := w.LoadAsset("/Game/Meshes/SM_Cube.SM_Cube", core.AssetStaticMesh)

	a, err := w.SpawnMeshActor(mesh, core.Vec3{Z: 100}, core.Rotator{})
	require.NoError(t, err)
	assert.Equal(t, "StaticMeshActor_1", w.Name(a))
	assert.Equal(t, core.MobilityFixed, w.Mobility(a))
	assert.Equal(t, core.OneVec, w.Transform(a).Scale)

	// A hand-placed actor holding the next name is skipped over.
	_, err = w.AddMeshActor("StaticMeshActor_2", "/Game/Meshes/SM_Cube.SM_Cube", core.Vec3{}, core.MobilityMovable)
	require.NoError(t, err)
	b, err := w.SpawnMeshActor(mesh, core.Vec3{}, core.Rotator{})
	require.NoError(t, err)
	assert.Equal(t, "StaticMeshActor_3", w.Name(b))

	w.SetWorldAvailable(false)
	_, err = w.SpawnMeshActor(mesh, core.Vec3{}, core.Rotator{})
	assert.ErrorIs(t, err, core.ErrNoWorld)
}

func TestClearKeepsAssets(t *testing.T) {
	w := seeded(t)
	before := w.Version()
	w.Clear()

	assert.Zero(t, w.Len())
	assert.Greater(t, w.Version(), before)
	_, ok := w.LoadAsset("/Game/Meshes/SM_Chair.SM_Chair", core.AssetStaticMesh)
	assert.True(t, ok)
}

func TestSnapshotRestore(t *testing.T) {
	w := seeded(t)
	cube, _ := w.FindActor("Cube1", core.MatchExact)
	w.SetLocation(cube, core.Vec3{X: 1, Y: 2, Z: 3})
	mid, err := w.MeshComponents(cube)[0].CreateDynamicMaterial(0)
	require.NoError(t, err)
	tex, _ := w.LoadAsset("/Game/Textures/T_Fabric_D.T_Fabric_D", core.AssetTexture)
	require.NoError(t, mid.SetTextureParameter("BaseColor", tex))

	snap := w.Snapshot()

	restored := New()
	restored.Restore(snap)

	if diff := cmp.Diff(snap, restored.Snapshot()); diff != "" {
		t.Fatalf("restored world differs (-want +got):\n%s", diff)
	}

	rc, ok := restored.FindActor("Cube1", core.MatchExact)
	require.True(t, ok)
	assert.Equal(t, core.Vec3{X: 1, Y: 2, Z: 3}, restored.Transform(rc).Location)

	m, ok := restored.MeshComponents(rc)[0].Material(0)
	require.True(t, ok)
	assert.Equal(t, []string{"T_Fabric_D"}, restored.TextureNames(m))

	// Sequence counters survive, so new instances do not reuse names.
	next, err := restored.MeshComponents(rc)[0].CreateDynamicMaterial(0)
	require.NoError(t, err)
	assert.Equal(t, "M_Metal_MID_1", next.Name())
	chair, _ := restored.FindActor("Chair_01", core.MatchExact)
	fresh, err := restored.MeshComponents(chair)[0].CreateDynamicMaterial(1)
	require.NoError(t, err)
	assert.Equal(t, "M_Fabric_MID_2", fresh.Name())
}

func TestConcurrentAccess(t *testing.T) {
	w := seeded(t)
	cube, _ := w.FindActor("Cube1", core.MatchExact)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				w.SetLocation(cube, core.Vec3{X: float64(i), Y: float64(j)})
				_ = w.ListActorNames(core.FilterAll)
				_ = w.Transform(cube)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 4, w.Len())
}
