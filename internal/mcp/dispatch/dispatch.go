// Package dispatch merges the tool catalogues of all running servers into one
// flat, name-addressed namespace and routes calls to the owning client.
//
// Tool names collide when two servers expose the same name. Collisions are
// resolved deterministically: the server earliest in sorted id order keeps the
// name, the loser is logged and skipped. Renaming or prefixing is the
// operator's job, not the dispatcher's.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nydiokar/toolfleet/internal/mcp"
	"github.com/nydiokar/toolfleet/internal/observe"
)

// refreshTimeout bounds one event-triggered catalogue rebuild.
const refreshTimeout = 30 * time.Second

// ClientSource yields the clients the dispatcher may route to. The manager's
// RunningClients method satisfies it; paused and errored servers are already
// filtered out.
type ClientSource interface {
	RunningClients() map[string]mcp.Client
}

// toolRefresher is the optional cache-bypassing discovery a client may offer.
// Clients without it are refreshed through the TTL-cached ListTools path.
type toolRefresher interface {
	RefreshTools(ctx context.Context) ([]mcp.ToolDefinition, error)
}

// ToolUsage is the dispatcher's per-tool call history snapshot.
type ToolUsage struct {
	Tool     string    `json:"tool"`
	ServerID string    `json:"serverId"`
	Calls    int64     `json:"calls"`
	Errors   int64     `json:"errors"`
	LastUsed time.Time `json:"lastUsed"`
	AvgMs    float64   `json:"avgMs"`
}

type usageCounter struct {
	serverID string
	calls    int64
	errors   int64
	lastUsed time.Time
	totalMs  int64
}

// Dispatcher is the concrete [mcp.Dispatcher]. It keeps a name→definition
// catalogue and a name→client routing index, rebuilt on explicit [Refresh]
// and on tool-change and lifecycle events from the bus.
type Dispatcher struct {
	src ClientSource
	bus *mcp.Bus
	now func() time.Time
	met *observe.Metrics

	mu     sync.RWMutex
	tools  map[string]mcp.ToolDefinition
	owners map[string]mcp.Client
	usage  map[string]*usageCounter

	unsub func()
}

var _ mcp.Dispatcher = (*Dispatcher)(nil)

// New builds a dispatcher over src and performs an initial catalogue build.
// When bus is non-nil the dispatcher rebuilds its index whenever a server's
// tool list or lifecycle state changes.
func New(ctx context.Context, src ClientSource, bus *mcp.Bus) *Dispatcher {
	d := &Dispatcher{
		src:    src,
		bus:    bus,
		now:    time.Now,
		met:    observe.DefaultMetrics(),
		tools:  make(map[string]mcp.ToolDefinition),
		owners: make(map[string]mcp.Client),
		usage:  make(map[string]*usageCounter),
	}
	if err := d.rebuild(ctx, false); err != nil {
		slog.Warn("initial tool catalogue build incomplete", "err", err)
	}
	if bus != nil {
		d.unsub = bus.Subscribe(d.onEvent)
	}
	return d
}

// Close removes the event subscription. The catalogue stays queryable.
func (d *Dispatcher) Close() error {
	if d.unsub != nil {
		d.unsub()
	}
	return nil
}

func (d *Dispatcher) onEvent(ev mcp.Event) {
	switch ev.(type) {
	case mcp.ToolsChanged, mcp.ServerStateChanged:
	default:
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	// Clients have already refreshed their own caches by the time these
	// events fire, so the cached path is sufficient here.
	if err := d.rebuild(ctx, false); err != nil {
		slog.Warn("tool catalogue rebuild after event incomplete",
			"event", ev.Kind(), "err", err)
	}
}

// AvailableTools returns the merged catalogue, sorted by tool name.
func (d *Dispatcher) AvailableTools() []mcp.ToolDefinition {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]mcp.ToolDefinition, 0, len(d.tools))
	for _, t := range d.tools {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b mcp.ToolDefinition) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// ToolByName looks up a single tool definition.
func (d *Dispatcher) ToolByName(name string) (mcp.ToolDefinition, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tools[name]
	return t, ok
}

// ExecuteTool routes the call to the client owning name. A name missing from
// the index triggers one catalogue refresh before the call is rejected, so a
// freshly added tool is usable without waiting for the next poll.
func (d *Dispatcher) ExecuteTool(ctx context.Context, name string, args map[string]any) (*mcp.ToolResponse, error) {
	d.mu.RLock()
	cl, ok := d.owners[name]
	d.mu.RUnlock()

	if !ok {
		if err := d.rebuild(ctx, true); err != nil {
			slog.Warn("catalogue refresh during lookup incomplete", "tool", name, "err", err)
		}
		d.mu.RLock()
		cl, ok = d.owners[name]
		d.mu.RUnlock()
		if !ok {
			return nil, &mcp.ToolNotFoundError{Name: name}
		}
	}

	start := d.now()
	resp, err := cl.CallTool(ctx, name, args)
	dur := d.now().Sub(start)
	failed := err != nil || (resp != nil && resp.IsError)
	server := d.recordUsage(name, dur, failed)

	status := "ok"
	if failed {
		status = "error"
	}
	d.met.RecordToolCall(ctx, name, server, status, dur.Seconds())
	return resp, err
}

// Refresh forces cache-bypassing tool discovery on every running client and
// rebuilds the catalogue. Servers that fail discovery are dropped from the
// index until they recover; their errors are joined into the return value.
func (d *Dispatcher) Refresh(ctx context.Context) error {
	return d.rebuild(ctx, true)
}

// Usage returns the per-tool call history, sorted by tool name.
func (d *Dispatcher) Usage() []ToolUsage {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ToolUsage, 0, len(d.usage))
	for name, u := range d.usage {
		tu := ToolUsage{
			Tool:     name,
			ServerID: u.serverID,
			Calls:    u.calls,
			Errors:   u.errors,
			LastUsed: u.lastUsed,
		}
		if u.calls > 0 {
			tu.AvgMs = float64(u.totalMs) / float64(u.calls)
		}
		out = append(out, tu)
	}
	slices.SortFunc(out, func(a, b ToolUsage) int { return strings.Compare(a.Tool, b.Tool) })
	return out
}

// recordUsage updates the per-tool counters and returns the owning server id.
func (d *Dispatcher) recordUsage(name string, dur time.Duration, failed bool) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	u := d.usage[name]
	if u == nil {
		u = &usageCounter{}
		if t, ok := d.tools[name]; ok {
			u.serverID = t.ServerID
		}
		d.usage[name] = u
	}
	u.calls++
	if failed {
		u.errors++
	}
	u.lastUsed = d.now()
	u.totalMs += dur.Milliseconds()
	return u.serverID
}

// rebuild re-reads every running client's tool list concurrently and swaps in
// the new catalogue. With bypassCache set, clients offering cache-bypassing
// discovery are forced to hit the server.
func (d *Dispatcher) rebuild(ctx context.Context, bypassCache bool) error {
	clients := d.src.RunningClients()
	ids := make([]string, 0, len(clients))
	for id := range clients {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	type listing struct {
		id    string
		tools []mcp.ToolDefinition
	}
	results := make([]listing, len(ids))
	var g errgroup.Group
	var errMu sync.Mutex
	var errs []error

	for i, id := range ids {
		cl := clients[id]
		g.Go(func() error {
			var (
				tools []mcp.ToolDefinition
				err   error
			)
			if r, ok := cl.(toolRefresher); ok && bypassCache {
				tools, err = r.RefreshTools(ctx)
			} else {
				tools, err = cl.ListTools(ctx)
			}
			if err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("dispatch: list tools on server %q: %w", id, err))
				errMu.Unlock()
				return nil
			}
			results[i] = listing{id: id, tools: tools}
			return nil
		})
	}
	_ = g.Wait()

	tools := make(map[string]mcp.ToolDefinition)
	owners := make(map[string]mcp.Client)
	for _, res := range results {
		if res.id == "" {
			continue
		}
		for _, t := range res.tools {
			if prev, taken := tools[t.Name]; taken {
				slog.Warn("tool name collision, keeping first registration",
					"tool", t.Name, "kept", prev.ServerID, "skipped", t.ServerID)
				continue
			}
			tools[t.Name] = t
			owners[t.Name] = clients[res.id]
		}
	}

	d.mu.Lock()
	d.tools = tools
	d.owners = owners
	d.mu.Unlock()

	return errors.Join(errs...)
}
