// Package mock provides in-memory test doubles for the [mcp.Client],
// [mcp.ServerManager] and [mcp.Dispatcher] interfaces.
//
// Each double records every method call for assertion in tests and exposes
// exported fields that control what it returns. All doubles are safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	d := &mock.Dispatcher{}
//	d.AvailableToolsResult = []mcp.ToolDefinition{{Name: "lookup"}}
//	d.ExecuteToolResult = &mcp.ToolResponse{Content: `{"hits":3}`}
//
//	// inject d into the system under test …
//
//	if got := d.CallCount("ExecuteTool"); got != 1 {
//	    t.Errorf("expected 1 ExecuteTool call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/nydiokar/toolfleet/internal/mcp"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// recorder is the shared call log embedded by every double.
type recorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *recorder) record(method string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Method: method, Args: args})
}

// Calls returns a copy of all recorded method invocations.
func (r *recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (r *recorder) CallCount(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (r *recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Client
// ──────────────────────────────────────────────────────────────────────────────

// Client is a configurable test double for [mcp.Client]. All exported *Err
// fields default to nil (success); all exported *Result fields default to
// nil / zero values.
type Client struct {
	recorder

	// ConnectErr is returned by [Client.Connect] when non-nil.
	ConnectErr error

	// DisconnectErr is returned by [Client.Disconnect] when non-nil.
	DisconnectErr error

	// ConnectedResult is returned by [Client.Connected].
	ConnectedResult bool

	// ListToolsResult is returned by [Client.ListTools] when ListToolsErr is
	// nil. When nil, ListTools returns an empty non-nil slice.
	ListToolsResult []mcp.ToolDefinition

	// ListToolsErr is returned by [Client.ListTools] when non-nil.
	ListToolsErr error

	// CallToolResult is returned by [Client.CallTool] when CallToolErr is nil.
	// When nil and CallToolErr is also nil, a zero-value *ToolResponse is
	// returned.
	CallToolResult *mcp.ToolResponse

	// CallToolErr is returned by [Client.CallTool] when non-nil.
	CallToolErr error

	// MetricsResult is returned by [Client.Metrics].
	MetricsResult mcp.ClientMetrics
}

// Connect implements [mcp.Client].
func (c *Client) Connect(_ context.Context) error {
	c.record("Connect")
	return c.ConnectErr
}

// Disconnect implements [mcp.Client].
func (c *Client) Disconnect() error {
	c.record("Disconnect")
	return c.DisconnectErr
}

// Connected implements [mcp.Client].
func (c *Client) Connected() bool {
	c.record("Connected")
	return c.ConnectedResult
}

// ListTools implements [mcp.Client].
func (c *Client) ListTools(_ context.Context) ([]mcp.ToolDefinition, error) {
	c.record("ListTools")
	if c.ListToolsErr != nil {
		return nil, c.ListToolsErr
	}
	if c.ListToolsResult == nil {
		return []mcp.ToolDefinition{}, nil
	}
	out := make([]mcp.ToolDefinition, len(c.ListToolsResult))
	copy(out, c.ListToolsResult)
	return out, nil
}

// CallTool implements [mcp.Client].
func (c *Client) CallTool(_ context.Context, name string, args map[string]any) (*mcp.ToolResponse, error) {
	c.record("CallTool", name, args)
	if c.CallToolErr != nil {
		return nil, c.CallToolErr
	}
	if c.CallToolResult == nil {
		return &mcp.ToolResponse{}, nil
	}
	// Return a copy so the caller cannot mutate the configured result.
	cp := *c.CallToolResult
	return &cp, nil
}

// Metrics implements [mcp.Client].
func (c *Client) Metrics() mcp.ClientMetrics {
	c.record("Metrics")
	return c.MetricsResult
}

// ──────────────────────────────────────────────────────────────────────────────
// Manager
// ──────────────────────────────────────────────────────────────────────────────

// Manager is a configurable test double for [mcp.PausableManager] (and by
// embedding, [mcp.ServerManager]).
type Manager struct {
	recorder

	// RegisterServerErr is returned by [Manager.RegisterServer] when non-nil.
	RegisterServerErr error

	// UnregisterServerErr is returned by [Manager.UnregisterServer] when
	// non-nil.
	UnregisterServerErr error

	// StartServerErr is returned by [Manager.StartServer] when non-nil.
	StartServerErr error

	// StopServerErr is returned by [Manager.StopServer] when non-nil.
	StopServerErr error

	// RestartServerErr is returned by [Manager.RestartServer] when non-nil.
	RestartServerErr error

	// PauseServerErr is returned by [Manager.PauseServer] when non-nil.
	PauseServerErr error

	// ResumeServerErr is returned by [Manager.ResumeServer] when non-nil.
	ResumeServerErr error

	// StopAllErr is returned by [Manager.StopAll] when non-nil.
	StopAllErr error

	// HasServerResult is returned by [Manager.HasServer].
	HasServerResult bool

	// ServerIDsResult is returned by [Manager.ServerIDs]. When nil, an empty
	// non-nil slice is returned.
	ServerIDsResult []string

	// StatusResult is returned by [Manager.Status] when StatusErr is nil.
	StatusResult mcp.ServerStatus

	// StatusErr is returned by [Manager.Status] when non-nil.
	StatusErr error

	// AllStatusesResult is returned by [Manager.AllStatuses]. When nil, an
	// empty non-nil slice is returned.
	AllStatusesResult []mcp.ServerStatus

	// ClientResult is returned by [Manager.Client] when ClientErr is nil.
	ClientResult mcp.Client

	// ClientErr is returned by [Manager.Client] when non-nil.
	ClientErr error

	// RunningClientsResult is returned by [Manager.RunningClients]. When nil,
	// an empty non-nil map is returned.
	RunningClientsResult map[string]mcp.Client

	// ServerErrorsResult is returned by [Manager.ServerErrors].
	ServerErrorsResult []mcp.ErrorRecord

	// ErrorStatsResult is returned by [Manager.ErrorStats].
	ErrorStatsResult []mcp.ErrorStat
}

// HasServer implements [mcp.ServerManager].
func (m *Manager) HasServer(id string) bool {
	m.record("HasServer", id)
	return m.HasServerResult
}

// ServerIDs implements [mcp.ServerManager].
func (m *Manager) ServerIDs() []string {
	m.record("ServerIDs")
	if m.ServerIDsResult == nil {
		return []string{}
	}
	out := make([]string, len(m.ServerIDsResult))
	copy(out, m.ServerIDsResult)
	return out
}

// Status implements [mcp.ServerManager].
func (m *Manager) Status(id string) (mcp.ServerStatus, error) {
	m.record("Status", id)
	if m.StatusErr != nil {
		return mcp.ServerStatus{}, m.StatusErr
	}
	return m.StatusResult, nil
}

// AllStatuses implements [mcp.ServerManager].
func (m *Manager) AllStatuses() []mcp.ServerStatus {
	m.record("AllStatuses")
	if m.AllStatusesResult == nil {
		return []mcp.ServerStatus{}
	}
	out := make([]mcp.ServerStatus, len(m.AllStatusesResult))
	copy(out, m.AllStatusesResult)
	return out
}

// RegisterServer implements [mcp.ServerManager].
func (m *Manager) RegisterServer(_ context.Context, cfg mcp.ServerConfig) error {
	m.record("RegisterServer", cfg)
	return m.RegisterServerErr
}

// UnregisterServer implements [mcp.ServerManager].
func (m *Manager) UnregisterServer(_ context.Context, id string) error {
	m.record("UnregisterServer", id)
	return m.UnregisterServerErr
}

// StartServer implements [mcp.ServerManager].
func (m *Manager) StartServer(_ context.Context, id string) error {
	m.record("StartServer", id)
	return m.StartServerErr
}

// StopServer implements [mcp.ServerManager].
func (m *Manager) StopServer(_ context.Context, id string) error {
	m.record("StopServer", id)
	return m.StopServerErr
}

// RestartServer implements [mcp.ServerManager].
func (m *Manager) RestartServer(_ context.Context, id string) error {
	m.record("RestartServer", id)
	return m.RestartServerErr
}

// PauseServer implements [mcp.PausableManager].
func (m *Manager) PauseServer(_ context.Context, id string) error {
	m.record("PauseServer", id)
	return m.PauseServerErr
}

// ResumeServer implements [mcp.PausableManager].
func (m *Manager) ResumeServer(_ context.Context, id string) error {
	m.record("ResumeServer", id)
	return m.ResumeServerErr
}

// Client implements [mcp.ServerManager].
func (m *Manager) Client(id string) (mcp.Client, error) {
	m.record("Client", id)
	if m.ClientErr != nil {
		return nil, m.ClientErr
	}
	return m.ClientResult, nil
}

// RunningClients returns RunningClientsResult. It satisfies the dispatcher's
// client source interface.
func (m *Manager) RunningClients() map[string]mcp.Client {
	m.record("RunningClients")
	out := make(map[string]mcp.Client, len(m.RunningClientsResult))
	for id, c := range m.RunningClientsResult {
		out[id] = c
	}
	return out
}

// ServerErrors implements [mcp.ServerManager].
func (m *Manager) ServerErrors(id string) []mcp.ErrorRecord {
	m.record("ServerErrors", id)
	out := make([]mcp.ErrorRecord, len(m.ServerErrorsResult))
	copy(out, m.ServerErrorsResult)
	return out
}

// ErrorStats implements [mcp.ServerManager].
func (m *Manager) ErrorStats() []mcp.ErrorStat {
	m.record("ErrorStats")
	out := make([]mcp.ErrorStat, len(m.ErrorStatsResult))
	copy(out, m.ErrorStatsResult)
	return out
}

// ClearServerErrors implements [mcp.ServerManager].
func (m *Manager) ClearServerErrors(id string) {
	m.record("ClearServerErrors", id)
}

// StopAll implements [mcp.ServerManager].
func (m *Manager) StopAll(_ context.Context) error {
	m.record("StopAll")
	return m.StopAllErr
}

// ──────────────────────────────────────────────────────────────────────────────
// Dispatcher
// ──────────────────────────────────────────────────────────────────────────────

// Dispatcher is a configurable test double for [mcp.Dispatcher].
type Dispatcher struct {
	recorder

	// AvailableToolsResult is returned by [Dispatcher.AvailableTools]. When
	// nil, an empty non-nil slice is returned.
	AvailableToolsResult []mcp.ToolDefinition

	// ToolByNameResult is returned by [Dispatcher.ToolByName] together with
	// ToolByNameFound.
	ToolByNameResult mcp.ToolDefinition

	// ToolByNameFound is the second return value of [Dispatcher.ToolByName].
	ToolByNameFound bool

	// ExecuteToolResult is returned by [Dispatcher.ExecuteTool] when
	// ExecuteToolErr is nil. When nil and ExecuteToolErr is also nil, a
	// zero-value *ToolResponse is returned.
	ExecuteToolResult *mcp.ToolResponse

	// ExecuteToolErr is returned by [Dispatcher.ExecuteTool] when non-nil.
	ExecuteToolErr error

	// RefreshErr is returned by [Dispatcher.Refresh] when non-nil.
	RefreshErr error
}

// AvailableTools implements [mcp.Dispatcher].
func (d *Dispatcher) AvailableTools() []mcp.ToolDefinition {
	d.record("AvailableTools")
	if d.AvailableToolsResult == nil {
		return []mcp.ToolDefinition{}
	}
	out := make([]mcp.ToolDefinition, len(d.AvailableToolsResult))
	copy(out, d.AvailableToolsResult)
	return out
}

// ToolByName implements [mcp.Dispatcher].
func (d *Dispatcher) ToolByName(name string) (mcp.ToolDefinition, bool) {
	d.record("ToolByName", name)
	return d.ToolByNameResult, d.ToolByNameFound
}

// ExecuteTool implements [mcp.Dispatcher].
func (d *Dispatcher) ExecuteTool(_ context.Context, name string, args map[string]any) (*mcp.ToolResponse, error) {
	d.record("ExecuteTool", name, args)
	if d.ExecuteToolErr != nil {
		return nil, d.ExecuteToolErr
	}
	if d.ExecuteToolResult == nil {
		return &mcp.ToolResponse{}, nil
	}
	cp := *d.ExecuteToolResult
	return &cp, nil
}

// Refresh implements [mcp.Dispatcher].
func (d *Dispatcher) Refresh(_ context.Context) error {
	d.record("Refresh")
	return d.RefreshErr
}

// Ensure the doubles satisfy their interfaces at compile time.
var (
	_ mcp.Client          = (*Client)(nil)
	_ mcp.PausableManager = (*Manager)(nil)
	_ mcp.Dispatcher      = (*Dispatcher)(nil)
)
