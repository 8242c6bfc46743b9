package api

import (
	"context"
	"fmt"

	"github.com/denizumutdereli/scenelink/pkg/core"
	mcpapi "github.com/denizumutdereli/scenelink/pkg/mcp"
)

type mcpBackend struct {
	server *Server
}

var _ mcpapi.Backend = (*mcpBackend)(nil)

func newMCPBackend(s *Server) *mcpBackend {
	return &mcpBackend{server: s}
}

func (b *mcpBackend) Command(ctx context.Context, server, line string) (map[string]any, error) {
	res, _, err := b.server.runCommand(ctx, server, line, "mcp")
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"ok":       res.OK,
		"server":   res.Server,
		"response": res.Response,
	}
	if res.Verb != "" {
		out["verb"] = res.Verb
	}
	if !res.OK {
		out["reason"] = res.Reason
	}
	return out, nil
}

func (b *mcpBackend) Mode(_ context.Context) (map[string]any, error) {
	if b.server.deps.Guard == nil {
		return nil, fmt.Errorf("mode guard not configured")
	}
	return b.server.deps.Guard.Stats(), nil
}

func (b *mcpBackend) SetMode(_ context.Context, mode string) (map[string]any, error) {
	if b.server.deps.Guard == nil {
		return nil, fmt.Errorf("mode guard not configured")
	}
	m, err := core.ParseRuntimeMode(mode)
	if err != nil {
		return nil, err
	}
	changed, err := b.server.setMode(m)
	if err != nil {
		return nil, err
	}
	return map[string]any{"mode": m.String(), "changed": changed}, nil
}

func (b *mcpBackend) Presets(_ context.Context) (map[string]any, error) {
	if c := b.server.deps.Catalog; c != nil {
		return map[string]any{"presets": c.Entries()}, nil
	}
	if b.server.deps.Presets == nil {
		return nil, fmt.Errorf("presets not configured")
	}
	names, err := b.server.deps.Presets.List()
	if err != nil {
		return nil, err
	}
	return map[string]any{"presets": names}, nil
}

func (b *mcpBackend) Servers(_ context.Context) (map[string]any, error) {
	if b.server.deps.Registry == nil {
		return map[string]any{"servers": []any{}}, nil
	}
	return map[string]any{"servers": b.server.deps.Registry.Entries()}, nil
}
