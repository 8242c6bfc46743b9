package persistence

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/denizumutdereli/scenelink/pkg/scene/memscene"
)

func seededSnapshot() *memscene.Snapshot {
	w := memscene.New()
	memscene.Seed(w)
	return w.Snapshot()
}

func TestCodecRoundTrip(t *testing.T) {
	for _, compress := range []bool{true, false} {
		codec := NewCodec(compress)
		snap := seededSnapshot()

		data, err := codec.Encode("world", snap)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}

		name, decoded, err := codec.Decode(data)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if name != "world" {
			t.Errorf("name mismatch: %q", name)
		}
		if diff := cmp.Diff(snap, decoded, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("compress=%v snapshot mismatch (-want +got):\n%s", compress, diff)
		}
	}
}

func TestCodecCompressionFlag(t *testing.T) {
	data, err := NewCodec(true).Encode("world", seededSnapshot())
	if err != nil {
		t.Fatal(err)
	}
	flags := uint16(data[6]) | uint16(data[7])<<8
	if flags&FlagCompressed == 0 {
		t.Error("seeded world should compress")
	}
}

func TestCodecRejectsDamage(t *testing.T) {
	codec := NewCodec(false)
	data, err := codec.Encode("world", seededSnapshot())
	if err != nil {
		t.Fatal(err)
	}

	tests := map[string][]byte{
		"short":    data[:10],
		"magic":    append([]byte("XXXX"), data[4:]...),
		"payload":  flipLast(data),
		"truncate": data[:len(data)-3],
	}
	for name, raw := range tests {
		if _, _, err := codec.Decode(raw); !errors.Is(err, ErrCorrupt) {
			t.Errorf("%s: expected ErrCorrupt, got %v", name, err)
		}
	}
}

func flipLast(b []byte) []byte {
	out := append([]byte(nil), b...)
	out[len(out)-1] ^= 0xFF
	return out
}
