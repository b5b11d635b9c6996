// Package transport owns the child process and stdio session for one MCP
// tool server.
//
// A [Connection] spawns the configured command, wires its stdin/stdout as an
// MCP stdio transport using the official Go SDK, and surfaces process-level
// failures as connection errors. It carries no business logic: tool
// discovery, caching and health live in the client package.
package transport

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nydiokar/toolfleet/internal/mcp"
)

// clientInfo identifies toolfleet in the MCP initialize handshake.
var clientInfo = &mcpsdk.Implementation{Name: "toolfleet", Version: "1.0.0"}

// Connection manages one spawned tool-server process and its MCP session.
//
// Open and Close are idempotent. A Connection may be reopened after Close.
// Safe for concurrent use.
type Connection struct {
	cfg mcp.ServerConfig

	mu      sync.Mutex
	session *mcpsdk.ClientSession
	cmd     *exec.Cmd
}

// New creates a Connection for cfg. The process is not spawned until [Connection.Open].
func New(cfg mcp.ServerConfig) *Connection {
	return &Connection{cfg: cfg}
}

// Open spawns the configured command and performs the MCP handshake over its
// stdio pipes. Opening an already open connection is a no-op.
//
// Fails with [*mcp.ConnectionError] when the process cannot be spawned or the
// handshake fails.
func (c *Connection) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		return nil
	}
	if c.cfg.Command == "" {
		return &mcp.ConnectionError{ServerID: c.cfg.ID, Err: fmt.Errorf("empty command")}
	}

	cmd := exec.CommandContext(ctx, c.cfg.Command, c.cfg.Args...)
	if len(c.cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range c.cfg.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	client := mcpsdk.NewClient(clientInfo, nil)
	session, err := client.Connect(ctx, &mcpsdk.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return &mcp.ConnectionError{ServerID: c.cfg.ID, Err: err}
	}

	c.cmd = cmd
	c.session = session
	return nil
}

// Session returns the live MCP session. Fails with [mcp.ErrNotConnected]
// when the connection is closed.
func (c *Connection) Session() (*mcpsdk.ClientSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, mcp.ErrNotConnected
	}
	return c.session, nil
}

// Opened reports whether the connection currently holds a live session.
func (c *Connection) Opened() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// Close terminates the session and releases the pipes. Closing an already
// closed connection is a no-op. The child process is reaped by the SDK as
// part of the session shutdown.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	c.cmd = nil
	if err != nil {
		return fmt.Errorf("transport: close server %q: %w", c.cfg.ID, err)
	}
	return nil
}

// Kill forcibly tears the connection down: the session is discarded and the
// child process, if still alive, is killed. Used by restart paths to avoid a
// lingering process blocking the next spawn. Never fails; cleanup here is
// best-effort.
func (c *Connection) Kill() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		_ = c.session.Close()
		c.session = nil
	}
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	c.cmd = nil
}
