package mcp

import "time"

// ServerConfig describes how to launch and identify a single tool server.
// It is supplied by the host at registration time and never mutated by the
// fleet subsystem.
type ServerConfig struct {
	// ID uniquely identifies this server within a manager.
	ID string `yaml:"id"`

	// Name is the human-readable label used in logs and error messages.
	Name string `yaml:"name"`

	// Command is the executable to spawn.
	Command string `yaml:"command"`

	// Args are the arguments passed to Command.
	Args []string `yaml:"args"`

	// Env holds additional environment variables injected into the server
	// process on top of the parent environment. May be nil.
	Env map[string]string `yaml:"env"`
}

// ServerState is the lifecycle state of a managed tool server. A server
// occupies exactly one state at a time; transitions for a single server are
// serialized.
type ServerState int

const (
	// StateStopped means no process is running and no client is held.
	StateStopped ServerState = iota

	// StateStarting means a start is in flight.
	StateStarting

	// StateRunning means the server is connected and serving tools.
	StateRunning

	// StatePaused means the server is suspended; the process stays alive but
	// the dispatcher no longer routes calls to it.
	StatePaused

	// StateStopping means a stop is in flight.
	StateStopping

	// StateError means the last lifecycle operation or a fatal client
	// failure left the server unusable until an explicit restart.
	StateError

	// StateRestarting means a restart is in flight.
	StateRestarting
)

// String returns the human-readable name of the state.
func (s ServerState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	case StateRestarting:
		return "restarting"
	default:
		return "unknown"
	}
}

// IsValid reports whether s is one of the seven defined states.
func (s ServerState) IsValid() bool {
	return s >= StateStopped && s <= StateRestarting
}

// ServerStatus is a read-only snapshot of one server record, safe to hand to
// callers without exposing manager internals.
type ServerStatus struct {
	ID           string
	Name         string
	State        ServerState
	StartTime    time.Time
	StopTime     time.Time
	LastActivity time.Time
	RestartCount int
	ErrorCount   int
	LastError    string
	Flagged      bool // set by the health sweep when the error count crosses the threshold
}

// ToolDefinition describes one tool exposed by a connected server. Within a
// dispatcher namespace a tool name maps to exactly one owning server at a
// time.
type ToolDefinition struct {
	// Name is the tool's identifier, globally unique across the dispatcher's
	// namespace.
	Name string

	// Description is the tool's human-readable purpose, as declared by the
	// server.
	Description string

	// InputSchema is the JSON-schema-shaped description of accepted
	// parameters, as declared by the server.
	InputSchema map[string]any

	// ServerID identifies the server that owns this tool.
	ServerID string
}

// ToolResponse holds the outcome of a single tool invocation.
type ToolResponse struct {
	// Content is the tool's textual output, typically JSON or human-readable
	// text.
	Content string

	// IsError indicates an application-level error reported by the tool
	// itself, as opposed to a transport failure returned via the Go error
	// value. When set, Content carries the error message.
	IsError bool

	// DurationMs is the wall-clock round-trip time in milliseconds.
	DurationMs int64
}

// ErrorRecord is one entry in a server's append-only error log. Logs are
// capped at the most recent 100 entries per server.
type ErrorRecord struct {
	Timestamp time.Time
	ServerID  string
	Message   string
	Source    string // originating operation, e.g. "start", "health-probe"
}

// ErrorStat aggregates recurring errors for rate-based alerting, keyed by
// (ServerID, Message).
type ErrorStat struct {
	ServerID  string
	Message   string
	Count     int
	FirstSeen time.Time
	LastSeen  time.Time
	Sources   []string
}

// ClientMetrics is a snapshot of one client's derived call statistics. It is
// never authoritative state and is safe to reset.
type ClientMetrics struct {
	Requests          int64
	Errors            int64
	ToolCalls         int64
	AvgResponseTimeMs int64
	SuccessRate       float64
	StartTime         time.Time
	LastUpdate        time.Time
}
