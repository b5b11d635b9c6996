// Package mcp defines the interfaces and shared types for the toolfleet
// Model Context Protocol (MCP) subsystem.
//
// The subsystem lets a host application delegate work to a fleet of
// independently started external tool servers, each reachable over the stdio
// pipes of a spawned child process. It is split into focused packages:
//
//   - [transport] owns one child process and its stdio session.
//   - [client] is the per-server RPC client: tool discovery with a TTL cache,
//     background polling, health probing and reconnect back-off.
//   - [manager] owns the authoritative lifecycle state machine for every
//     registered server.
//   - [dispatch] aggregates the tools of all running servers into one flat
//     namespace and routes calls.
//   - [chain] executes declarative multi-step tool plans with dependencies.
//
// Lifecycle:
//
//  1. Call [ServerManager.RegisterServer] for each configured tool server.
//  2. Use [Dispatcher.AvailableTools] to enumerate the merged catalogue.
//  3. Use [Dispatcher.ExecuteTool] for single calls, or build a chain and
//     execute it for composite requests.
//  4. Call [ServerManager.UnregisterServer] (or stop-all on shutdown) to
//     release processes.
//
// All interface methods must be safe for concurrent use.
package mcp

import (
	"context"
)

// Client is the single object a server record owns for talking to one
// tool-providing process.
//
// Implementations must be safe for concurrent use.
type Client interface {
	// Connect opens the underlying transport. Calling Connect on an already
	// connected client is a no-op. Fails with [*ConnectionError] when the
	// process cannot be spawned or the MCP handshake fails.
	Connect(ctx context.Context) error

	// Disconnect closes the transport and stops the background poll and
	// health loops. Idempotent.
	Disconnect() error

	// Connected reports whether the client currently holds a live session.
	Connected() bool

	// ListTools returns the server's current tool list. Results are cached
	// with a fixed TTL; a call within the TTL window never hits the server.
	ListTools(ctx context.Context) ([]ToolDefinition, error)

	// CallTool invokes the named tool with the given arguments. The tool must
	// exist in the client's current catalogue. The client itself never
	// retries — retry policy belongs to the caller.
	CallTool(ctx context.Context, name string, args map[string]any) (*ToolResponse, error)

	// Metrics returns a snapshot of the client's derived call statistics.
	Metrics() ClientMetrics
}

// ServerManager owns the authoritative lifecycle state for every registered
// tool server and translates lifecycle requests into [Client] operations.
type ServerManager interface {
	// HasServer reports whether id is registered.
	HasServer(id string) bool

	// ServerIDs returns the ids of all registered servers, sorted.
	ServerIDs() []string

	// Status returns the current status snapshot for id.
	// Fails with [*ServerNotFoundError] for unknown ids.
	Status(id string) (ServerStatus, error)

	// AllStatuses returns a status snapshot for every registered server.
	AllStatuses() []ServerStatus

	// RegisterServer registers cfg and attempts an immediate start. If the id
	// is already registered only the stored config is updated. Registration
	// succeeds even when the initial start fails; the server is then left in
	// [StateError] with the failure recorded.
	RegisterServer(ctx context.Context, cfg ServerConfig) error

	// UnregisterServer stops the server and removes all bookkeeping for id.
	// Unregistering an unknown id is a no-op.
	UnregisterServer(ctx context.Context, id string) error

	// StartServer drives id to [StateRunning], reusing a live client when one
	// exists and recreating the process otherwise. On failure the server is
	// left in [StateError] and the error is returned.
	StartServer(ctx context.Context, id string) error

	// StopServer drives id to [StateStopped]. A stop always reaches
	// [StateStopped] for a registered id, even when the underlying disconnect
	// fails. Stopping an unknown id is a silent no-op.
	StopServer(ctx context.Context, id string) error

	// RestartServer performs a bounded-time stop followed by a start,
	// incrementing the server's restart count. Failures leave the server in
	// [StateError] and are returned to the caller.
	RestartServer(ctx context.Context, id string) error

	// Client returns the live client for a running or paused server.
	Client(id string) (Client, error)

	// ServerErrors returns the recorded error history for id, newest last.
	ServerErrors(id string) []ErrorRecord

	// ErrorStats returns aggregate error statistics across all servers.
	ErrorStats() []ErrorStat

	// ClearServerErrors drops the recorded error history for id.
	ClearServerErrors(id string)

	// StopAll stops every registered server. Used during shutdown.
	StopAll(ctx context.Context) error
}

// PausableManager is the capability interface implemented by manager variants
// that support suspending idle servers. Callers discover the capability via a
// type assertion rather than probing for methods.
type PausableManager interface {
	ServerManager

	// PauseServer transitions id from [StateRunning] to [StatePaused]. A
	// pause request on any other state is a no-op with a warning.
	PauseServer(ctx context.Context, id string) error

	// ResumeServer transitions id from [StatePaused] back to [StateRunning].
	// Only legal from [StatePaused]; otherwise a no-op with a warning.
	ResumeServer(ctx context.Context, id string) error
}

// Dispatcher presents the union of all running servers' tools as one flat,
// name-addressed catalogue and routes calls to the owning client.
type Dispatcher interface {
	// AvailableTools returns the merged tool catalogue, sorted by name.
	AvailableTools() []ToolDefinition

	// ToolByName looks up a single tool definition by name.
	ToolByName(name string) (ToolDefinition, bool)

	// ExecuteTool resolves the owning client for name and forwards the call.
	// Fails with [*ToolNotFoundError] when no running server exposes name.
	ExecuteTool(ctx context.Context, name string, args map[string]any) (*ToolResponse, error)

	// Refresh forces every running client to re-run tool discovery and
	// rebuilds the catalogue and the name→client index.
	Refresh(ctx context.Context) error
}
