package manager

import (
	"context"

	"github.com/nydiokar/toolfleet/internal/mcp"
)

// basicManager is the variant without pause/resume support. It deliberately
// does not satisfy [mcp.PausableManager], so a type assertion is the one
// correct way for callers to discover whether pausing is available.
type basicManager struct {
	m *Manager
}

func (b *basicManager) HasServer(id string) bool    { return b.m.HasServer(id) }
func (b *basicManager) ServerIDs() []string         { return b.m.ServerIDs() }
func (b *basicManager) Close() error                { return b.m.Close() }
func (b *basicManager) ClearServerErrors(id string) { b.m.ClearServerErrors(id) }

func (b *basicManager) Status(id string) (mcp.ServerStatus, error) { return b.m.Status(id) }
func (b *basicManager) AllStatuses() []mcp.ServerStatus            { return b.m.AllStatuses() }
func (b *basicManager) Client(id string) (mcp.Client, error)       { return b.m.Client(id) }
func (b *basicManager) RunningClients() map[string]mcp.Client      { return b.m.RunningClients() }
func (b *basicManager) ServerErrors(id string) []mcp.ErrorRecord   { return b.m.ServerErrors(id) }
func (b *basicManager) ErrorStats() []mcp.ErrorStat                { return b.m.ErrorStats() }

func (b *basicManager) RegisterServer(ctx context.Context, cfg mcp.ServerConfig) error {
	return b.m.RegisterServer(ctx, cfg)
}

func (b *basicManager) UnregisterServer(ctx context.Context, id string) error {
	return b.m.UnregisterServer(ctx, id)
}

func (b *basicManager) StartServer(ctx context.Context, id string) error {
	return b.m.StartServer(ctx, id)
}

func (b *basicManager) StopServer(ctx context.Context, id string) error {
	return b.m.StopServer(ctx, id)
}

func (b *basicManager) RestartServer(ctx context.Context, id string) error {
	return b.m.RestartServer(ctx, id)
}

func (b *basicManager) StopAll(ctx context.Context) error {
	return b.m.StopAll(ctx)
}
