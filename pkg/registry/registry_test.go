package registry

import (
	"errors"
	"testing"
	"time"
)

type fakeServer struct {
	name, addr, id string
}

func (f *fakeServer) Name() string         { return f.name }
func (f *fakeServer) Addr() string         { return f.addr }
func (f *fakeServer) InstanceID() string   { return f.id }
func (f *fakeServer) BlockedMode() string  { return "none" }
func (f *fakeServer) StartedAt() time.Time { return time.Unix(1700000000, 0).UTC() }

func TestRegisterIdempotent(t *testing.T) {
	r, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s := &fakeServer{name: "editor", addr: ":9998", id: "a"}

	if err := r.Register(s); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(s); err != nil {
		t.Fatalf("re-register of the same instance should succeed: %v", err)
	}
	if r.Count() != 1 {
		t.Errorf("expected 1 server, got %d", r.Count())
	}
}

func TestRegisterConflicts(t *testing.T) {
	r, _ := New("")
	if err := r.Register(&fakeServer{name: "editor", addr: ":9998", id: "a"}); err != nil {
		t.Fatal(err)
	}

	err := r.Register(&fakeServer{name: "editor", addr: ":7000", id: "b"})
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("same name, other instance: expected ErrAlreadyRegistered, got %v", err)
	}

	err = r.Register(&fakeServer{name: "other", addr: "127.0.0.1:9998", id: "c"})
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("same port: expected ErrAlreadyRegistered, got %v", err)
	}

	// Ephemeral ports never clash.
	if err := r.Register(&fakeServer{name: "t1", addr: "127.0.0.1:0", id: "d"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&fakeServer{name: "t2", addr: "127.0.0.1:0", id: "e"}); err != nil {
		t.Fatal(err)
	}
}

func TestListOrderAndUnregister(t *testing.T) {
	r, _ := New("")
	for _, n := range []string{"scene", "editor"} {
		if err := r.Register(&fakeServer{name: n, addr: "127.0.0.1:0", id: n}); err != nil {
			t.Fatal(err)
		}
	}
	list := r.List()
	if len(list) != 2 || list[0].Name() != "scene" || list[1].Name() != "editor" {
		t.Fatalf("unexpected order: %v", list)
	}

	if err := r.Unregister("scene"); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Get("scene"); ok {
		t.Error("scene should be gone")
	}
	if err := r.Unregister("scene"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered, got %v", err)
	}
}

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	r, _ := New(dir)
	s := &fakeServer{name: "editor", addr: "127.0.0.1:0", id: "x"}
	if err := r.Register(s); err != nil {
		t.Fatal(err)
	}

	s.addr = "127.0.0.1:41234"
	if err := r.Refresh(); err != nil {
		t.Fatal(err)
	}

	entries, err := ReadManifest(dir)
	if err != nil {
		t.Fatal(err)
	}
	e, ok := Lookup(entries, "editor")
	if !ok {
		t.Fatal("editor missing from manifest")
	}
	if e.Addr != "127.0.0.1:41234" || e.InstanceID != "x" || e.BlockedMode != "none" {
		t.Errorf("unexpected entry: %+v", e)
	}
}

func TestReadManifestMissing(t *testing.T) {
	entries, err := ReadManifest(t.TempDir())
	if err != nil || entries != nil {
		t.Fatalf("expected empty result, got %v %v", entries, err)
	}
}
