package script

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denizumutdereli/scenelink/pkg/core"
	"github.com/denizumutdereli/scenelink/pkg/scene/memscene"
)

func newRunner(t *testing.T) (*Runner, *memscene.World) {
	t.Helper()
	w := memscene.New()
	memscene.Seed(w)
	return NewRunner(w, time.Second, nil), w
}

func TestRunCapturesOutput(t *testing.T) {
	r, _ := newRunner(t)
	out, err := r.Run(context.Background(), `fmt.Println("hello"); fmt.Print(strings.ToUpper("x"))`)
	require.NoError(t, err)
	assert.Equal(t, "hello\nX", out)
}

func TestRunSeesScene(t *testing.T) {
	r, w := newRunner(t)

	out, err := r.Run(context.Background(), `for _, a := range scene.Actors() { fmt.Println(a) }`)
	require.NoError(t, err)
	assert.Contains(t, out, "Cube1\n")
	assert.Contains(t, out, "Chair_01\n")

	_, err = r.Run(context.Background(), `if !scene.Move("Cube1", 1, 2, 3) { panic("not moved") }`)
	require.NoError(t, err)
	a, ok := w.FindActor("Cube1", core.MatchExact)
	require.True(t, ok)
	assert.Equal(t, core.Vec3{X: 1, Y: 2, Z: 3}, w.Transform(a).Location)

	out, err = r.Run(context.Background(), `fmt.Println(scene.Move("Floor", 0, 0, 9))`)
	require.NoError(t, err)
	assert.Equal(t, "false\n", out, "fixed actors stay put")

	w.SetMode(core.ModeSimulating)
	out, err = r.Run(context.Background(), `fmt.Print(scene.Mode())`)
	require.NoError(t, err)
	assert.Equal(t, "simulating", out)
}

func TestRunDispatchesCommands(t *testing.T) {
	r, _ := newRunner(t)
	var got string
	r.SetCommand(func(_ context.Context, line string) (string, error) {
		got = line
		return "OK", nil
	})

	out, err := r.Run(context.Background(), `fmt.Print(scene.Command("GET_SCALE Cube1"))`)
	require.NoError(t, err)
	assert.Equal(t, "OK", out)
	assert.Equal(t, "GET_SCALE Cube1", got)
}

func TestRunErrors(t *testing.T) {
	r, _ := newRunner(t)

	tests := []struct {
		name   string
		script string
		want   string
	}{
		{"syntax", `fmt.Println(`, "compile"},
		{"forbidden import", `os.Exit(1)`, "compile"},
		{"panic", `panic("boom")`, "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Run(context.Background(), tt.script)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
	assert.EqualValues(t, 3, r.Stats()["errors"])
}

func TestRunTimesOut(t *testing.T) {
	w := memscene.New()
	r := NewRunner(w, 50*time.Millisecond, nil)

	start := time.Now()
	_, err := r.Run(context.Background(), `for { }`)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "timed out"), err.Error())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestFilterSymbolsKeepsAllowlist(t *testing.T) {
	r, _ := newRunner(t)
	_, hasFmt := r.symbols["fmt/fmt"]
	_, hasOS := r.symbols["os/os"]
	_, hasExec := r.symbols["os/exec/exec"]
	assert.True(t, hasFmt)
	assert.False(t, hasOS)
	assert.False(t, hasExec)
}
