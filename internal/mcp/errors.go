package mcp

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned when an operation is attempted on a closed
// transport or a disconnected client.
var ErrNotConnected = errors.New("mcp: not connected")

// ErrReconnectDisabled is returned by a client whose reconnect attempt cap
// has been exhausted. The condition is fatal from the client's point of view;
// only an explicit restart through the manager clears it.
var ErrReconnectDisabled = errors.New("mcp: max reconnect attempts exceeded, reconnection disabled")

// ConnectionError wraps a process spawn or handshake failure for one server.
type ConnectionError struct {
	ServerID string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mcp: connection to server %q failed: %v", e.ServerID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ServerNotFoundError reports an operation against an unregistered server id.
type ServerNotFoundError struct {
	ID string
}

func (e *ServerNotFoundError) Error() string {
	return fmt.Sprintf("mcp: server %q not found", e.ID)
}

// ToolNotFoundError reports a call to a tool name no running server exposes.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("mcp: tool %q not found", e.Name)
}

// ToolExecutionError wraps a transport-level failure during a tool call.
type ToolExecutionError struct {
	Tool     string
	ServerID string
	Err      error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("mcp: execution of tool %q on server %q failed: %v", e.Tool, e.ServerID, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }
