// Package client implements the per-server MCP RPC client.
//
// A [Client] wraps one [transport.Connection] and adds the behaviour the
// fleet needs on top of raw RPC:
//
//   - a time-boxed cache of the server's tool list (5 minutes by default),
//   - a background poll that diffs the live tool list against the cache and
//     emits a [mcp.ToolsChanged] event when the catalogue changes,
//   - a periodic health probe with exponential reconnect back-off; once the
//     attempt cap is exhausted reconnection is permanently disabled and a
//     fatal [mcp.HealthEvent] is published,
//   - per-client call metrics over a rolling response-time window.
//
// The client never retries tool calls — retry policy belongs to the caller,
// typically the chain executor.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nydiokar/toolfleet/internal/mcp"
	"github.com/nydiokar/toolfleet/internal/mcp/transport"
	"github.com/nydiokar/toolfleet/internal/observe"
	"github.com/nydiokar/toolfleet/internal/resilience"
)

// Default intervals for the background loops and the tool-list cache.
const (
	DefaultListTTL        = 5 * time.Minute
	DefaultPollInterval   = 30 * time.Second
	DefaultHealthInterval = 60 * time.Second

	// probeTimeout bounds a single health probe round-trip.
	probeTimeout = 10 * time.Second
)

// Config holds the tuning knobs for a [Client]. Zero durations fall back to
// the package defaults.
type Config struct {
	// Server identifies and launches the tool-server process.
	Server mcp.ServerConfig

	// ListTTL is the tool-list cache lifetime.
	ListTTL time.Duration

	// PollInterval is how often the background poll re-reads the tool list
	// to detect catalogue changes. Distinct from ListTTL.
	PollInterval time.Duration

	// HealthInterval is how often the liveness probe runs.
	HealthInterval time.Duration

	// Backoff configures the reconnect back-off.
	Backoff resilience.BackoffConfig
}

// rpcSession is the subset of the SDK client session the client depends on.
// Narrowed to an interface so tests can substitute an in-memory fake.
type rpcSession interface {
	ListTools(ctx context.Context, params *mcpsdk.ListToolsParams) (*mcpsdk.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error)
	Ping(ctx context.Context, params *mcpsdk.PingParams) error
}

// conn is the transport seam between the client and its connection.
type conn interface {
	Open(ctx context.Context) error
	Session() (rpcSession, error)
	Close() error
	Kill()
	Opened() bool
}

// sdkConn adapts [*transport.Connection] to the conn seam.
type sdkConn struct {
	c *transport.Connection
}

func (s sdkConn) Open(ctx context.Context) error { return s.c.Open(ctx) }
func (s sdkConn) Close() error                   { return s.c.Close() }
func (s sdkConn) Kill()                          { s.c.Kill() }
func (s sdkConn) Opened() bool                   { return s.c.Opened() }

func (s sdkConn) Session() (rpcSession, error) { return s.c.Session() }

// Client is the concrete [mcp.Client] for one tool-server process.
//
// The zero value is not usable; create instances with [New].
type Client struct {
	cfg  Config
	bus  *mcp.Bus
	conn conn

	stats   *callStats
	backoff *resilience.Backoff
	now     func() time.Time
	met     *observe.Metrics

	mu       sync.Mutex
	tools    []mcp.ToolDefinition
	cachedAt time.Time // zero when the cache is empty
	disabled bool      // reconnect cap exhausted; cleared by an explicit Connect

	loopMu sync.Mutex
	done   chan struct{}
	wg     sync.WaitGroup
}

// Compile-time check: Client must implement mcp.Client.
var _ mcp.Client = (*Client)(nil)

// New creates a Client for cfg, publishing events on bus. bus may be nil when
// the caller has no interest in notifications.
func New(cfg Config, bus *mcp.Bus) *Client {
	return newWithConn(cfg, bus, sdkConn{c: transport.New(cfg.Server)})
}

// newWithConn is the constructor seam used by tests.
func newWithConn(cfg Config, bus *mcp.Bus, cn conn) *Client {
	if cfg.ListTTL <= 0 {
		cfg.ListTTL = DefaultListTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	now := time.Now
	return &Client{
		cfg:     cfg,
		bus:     bus,
		conn:    cn,
		stats:   newCallStats(now()),
		backoff: resilience.NewBackoff(cfg.Backoff),
		now:     now,
		met:     observe.DefaultMetrics(),
	}
}

// Connect opens the transport and starts the background poll and health
// loops. Calling Connect on an already connected client is a no-op.
//
// An explicit Connect clears a previously exhausted reconnect cap; the
// automatic reconnect budget starts fresh.
func (c *Client) Connect(ctx context.Context) error {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()

	if c.conn.Opened() && c.done != nil {
		return nil
	}

	if err := c.conn.Open(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.disabled = false
	c.mu.Unlock()
	c.backoff.Reset()

	if c.done == nil {
		c.done = make(chan struct{})
		c.wg.Add(2)
		go c.pollLoop(c.done)
		go c.healthLoop(c.done)
	}
	return nil
}

// Disconnect stops the background loops and closes the transport.
// Idempotent.
func (c *Client) Disconnect() error {
	c.stopLoops()
	err := c.conn.Close()

	c.mu.Lock()
	c.tools = nil
	c.cachedAt = time.Time{}
	c.mu.Unlock()
	return err
}

// Kill forcibly tears down the transport, killing the child process if it is
// still alive. Used by restart paths; never fails.
func (c *Client) Kill() {
	c.stopLoops()
	c.conn.Kill()

	c.mu.Lock()
	c.tools = nil
	c.cachedAt = time.Time{}
	c.mu.Unlock()
}

// stopLoops terminates the poll and health goroutines and waits for them.
func (c *Client) stopLoops() {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	if c.done != nil {
		close(c.done)
		c.wg.Wait()
		c.done = nil
	}
}

// Connected reports whether the client currently holds a live session.
func (c *Client) Connected() bool { return c.conn.Opened() }

// ServerID returns the id of the server this client talks to.
func (c *Client) ServerID() string { return c.cfg.Server.ID }

// ListTools returns the server's current tool list. Two calls within the TTL
// window hit the server at most once; after the TTL elapses the next call
// re-reads the list from the server.
func (c *Client) ListTools(ctx context.Context) ([]mcp.ToolDefinition, error) {
	c.mu.Lock()
	if !c.cachedAt.IsZero() && c.now().Sub(c.cachedAt) <= c.cfg.ListTTL {
		tools := slices.Clone(c.tools)
		c.mu.Unlock()
		return tools, nil
	}
	c.mu.Unlock()

	return c.fetchTools(ctx)
}

// RefreshTools re-reads the tool list from the server regardless of the TTL
// window and replaces the cached copy. The dispatcher uses this for explicit
// catalogue refreshes.
func (c *Client) RefreshTools(ctx context.Context) ([]mcp.ToolDefinition, error) {
	return c.fetchTools(ctx)
}

// fetchTools reads the tool list from the server, bypassing the cache, and
// stores the result with a fresh timestamp.
func (c *Client) fetchTools(ctx context.Context) ([]mcp.ToolDefinition, error) {
	session, err := c.conn.Session()
	if err != nil {
		return nil, err
	}

	res, err := session.ListTools(ctx, nil)
	c.stats.recordRequest(c.now(), false, 0, err != nil)
	if err != nil {
		return nil, fmt.Errorf("client: list tools on server %q: %w", c.cfg.Server.ID, err)
	}

	tools := make([]mcp.ToolDefinition, 0, len(res.Tools))
	for _, t := range res.Tools {
		tools = append(tools, toolFromSDK(t, c.cfg.Server.ID))
	}
	slices.SortFunc(tools, func(a, b mcp.ToolDefinition) int {
		return strings.Compare(a.Name, b.Name)
	})

	c.mu.Lock()
	c.tools = tools
	c.cachedAt = c.now()
	c.mu.Unlock()

	return slices.Clone(tools), nil
}

// CallTool invokes the named tool. The name must be present in the client's
// current catalogue; unknown names fail with [*mcp.ToolNotFoundError]. On
// transport failure the call fails with [*mcp.ToolExecutionError]. The client
// never retries.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.ToolResponse, error) {
	session, err := c.conn.Session()
	if err != nil {
		return nil, err
	}

	if !c.knowsTool(ctx, name) {
		return nil, &mcp.ToolNotFoundError{Name: name}
	}

	start := c.now()
	res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	durationMs := c.now().Sub(start).Milliseconds()
	if err != nil {
		c.stats.recordRequest(c.now(), true, durationMs, true)
		return nil, &mcp.ToolExecutionError{Tool: name, ServerID: c.cfg.Server.ID, Err: err}
	}

	c.stats.recordRequest(c.now(), true, durationMs, res.IsError)

	var sb strings.Builder
	for _, content := range res.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return &mcp.ToolResponse{
		Content:    sb.String(),
		IsError:    res.IsError,
		DurationMs: durationMs,
	}, nil
}

// knowsTool reports whether name is in the catalogue, refreshing the cache
// once when it is empty or expired.
func (c *Client) knowsTool(ctx context.Context, name string) bool {
	c.mu.Lock()
	fresh := !c.cachedAt.IsZero() && c.now().Sub(c.cachedAt) <= c.cfg.ListTTL
	known := toolIndex(c.tools, name) >= 0
	c.mu.Unlock()

	if known {
		return true
	}
	if fresh {
		return false
	}
	tools, err := c.fetchTools(ctx)
	if err != nil {
		return false
	}
	return toolIndex(tools, name) >= 0
}

// Metrics returns a snapshot of the client's call statistics.
func (c *Client) Metrics() mcp.ClientMetrics { return c.stats.snapshot() }

// ResetMetrics clears the derived call statistics.
func (c *Client) ResetMetrics() { c.stats.reset(c.now()) }

// pollLoop periodically re-reads the tool list and publishes a
// [mcp.ToolsChanged] event when the catalogue differs from the cached one.
// The comparison is a heuristic: first by count, then by name set.
func (c *Client) pollLoop(done <-chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.pollOnce()
		}
	}
}

// pollOnce runs a single poll iteration.
func (c *Client) pollOnce() {
	if !c.conn.Opened() {
		return
	}

	c.mu.Lock()
	before := toolNames(c.tools)
	hadCache := !c.cachedAt.IsZero()
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	tools, err := c.fetchTools(ctx)
	if err != nil {
		slog.Debug("tool list poll failed", "server", c.cfg.Server.ID, "err", err)
		return
	}

	after := toolNames(tools)
	if hadCache && slices.Equal(before, after) {
		return
	}
	if !hadCache && len(after) == 0 {
		return
	}

	slog.Info("tool catalogue changed", "server", c.cfg.Server.ID, "tools", len(after))
	c.publish(mcp.ToolsChanged{ServerID: c.cfg.Server.ID, Tools: after})
}

// healthLoop runs the periodic liveness probe. A successful probe resets the
// reconnect back-off to baseline; a failed probe enters the reconnect cycle.
func (c *Client) healthLoop(done <-chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if c.reconnectDisabled() {
				continue
			}
			if err := c.probe(); err != nil {
				slog.Warn("health probe failed", "server", c.cfg.Server.ID, "err", err)
				c.reconnect(done)
			} else {
				c.backoff.Reset()
			}
		}
	}
}

// probe issues one lightweight liveness check against the server. Some
// servers never implemented the ping method and reject it; for those a
// successful tools/list round-trip still proves the process is alive, so a
// ping failure within the deadline falls back to listing before the server is
// declared unhealthy.
func (c *Client) probe() error {
	session, err := c.conn.Session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	pingErr := session.Ping(ctx, nil)
	if pingErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		return pingErr
	}
	if _, listErr := session.ListTools(ctx, nil); listErr == nil {
		return nil
	}
	return pingErr
}

// reconnect attempts to re-establish the transport with exponential back-off
// until it succeeds, the attempt cap is exhausted, or done is closed. When
// the cap is reached, reconnection is permanently disabled for this client
// and a fatal [mcp.HealthEvent] is published; only an explicit restart
// through the manager recovers from this.
func (c *Client) reconnect(done <-chan struct{}) {
	for {
		if c.backoff.Exhausted() {
			c.mu.Lock()
			c.disabled = true
			c.mu.Unlock()

			err := fmt.Errorf("client: server %q: %w", c.cfg.Server.ID, mcp.ErrReconnectDisabled)
			slog.Error("reconnect attempts exhausted", "server", c.cfg.Server.ID,
				"attempts", c.backoff.Attempts())
			c.publish(mcp.HealthEvent{ServerID: c.cfg.Server.ID, Err: err, Fatal: true, Time: c.now()})
			return
		}

		delay := c.backoff.Next()
		select {
		case <-done:
			return
		case <-time.After(delay):
		}

		_ = c.conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		err := c.conn.Open(ctx)
		cancel()
		if err == nil {
			c.met.RecordReconnect(context.Background(), c.cfg.Server.ID, "ok")
			slog.Info("reconnected to server", "server", c.cfg.Server.ID,
				"attempts", c.backoff.Attempts())
			c.backoff.Reset()
			return
		}

		c.met.RecordReconnect(context.Background(), c.cfg.Server.ID, "failed")
		slog.Warn("reconnect attempt failed", "server", c.cfg.Server.ID,
			"attempt", c.backoff.Attempts(), "delay", delay, "err", err)
		c.publish(mcp.HealthEvent{ServerID: c.cfg.Server.ID, Err: err, Time: c.now()})
	}
}

// reconnectDisabled reports whether the reconnect cap has been exhausted.
func (c *Client) reconnectDisabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled
}

// publish emits ev on the bus when one is configured.
func (c *Client) publish(ev mcp.Event) {
	if c.bus != nil {
		c.bus.Publish(ev)
	}
}

// toolFromSDK converts an SDK tool into the fleet's [mcp.ToolDefinition].
func toolFromSDK(t *mcpsdk.Tool, serverID string) mcp.ToolDefinition {
	return mcp.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: schemaToMap(t.InputSchema),
		ServerID:    serverID,
	}
}

// schemaToMap converts any schema value to a map[string]any via a JSON
// round-trip, falling back to a bare object schema.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// toolNames returns the sorted names of tools.
func toolNames(tools []mcp.ToolDefinition) []string {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	slices.Sort(names)
	return names
}

// toolIndex returns the index of name in tools, or -1.
func toolIndex(tools []mcp.ToolDefinition, name string) int {
	return slices.IndexFunc(tools, func(t mcp.ToolDefinition) bool { return t.Name == name })
}
