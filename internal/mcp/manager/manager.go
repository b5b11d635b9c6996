// Package manager owns the authoritative lifecycle state for every
// registered tool server.
//
// Each server occupies exactly one of the seven [mcp.ServerState] values at a
// time. Transitions for one server are serialized through a per-record mutex;
// transitions for different servers proceed fully concurrently. The manager
// also runs a supervision sweep that auto-pauses idle servers and flags
// servers whose error rate crosses the configured threshold, and it listens
// for fatal client health events, marking the affected server as errored.
//
// Two variants exist, selected once at construction by [New]:
//
//   - the enhanced variant implements [mcp.PausableManager] and supports the
//     idle auto-pause sweep,
//   - the basic variant exposes only [mcp.ServerManager]; pause support is
//     discovered by callers via a type assertion, never by method probing.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nydiokar/toolfleet/internal/mcp"
	"github.com/nydiokar/toolfleet/internal/mcp/client"
	"github.com/nydiokar/toolfleet/internal/observe"
)

// Variant selects which manager flavour [New] builds.
type Variant string

const (
	// VariantBasic builds a manager without pause/resume support.
	VariantBasic Variant = "basic"

	// VariantEnhanced builds a manager implementing [mcp.PausableManager]
	// with idle auto-pause. This is the default.
	VariantEnhanced Variant = "enhanced"
)

// IsValid reports whether v is a recognised variant.
func (v Variant) IsValid() bool {
	return v == VariantBasic || v == VariantEnhanced
}

// Config holds tuning knobs for a [Manager]. Zero values fall back to the
// documented defaults.
type Config struct {
	// Variant selects the manager flavour. Default: [VariantEnhanced].
	Variant Variant

	// Client is the per-server client template; its Server field is replaced
	// with each registered server's config.
	Client client.Config

	// StopTimeout bounds the graceful stop during a restart. A stop that
	// exceeds it is logged and overridden. Default: 5s.
	StopTimeout time.Duration

	// SettleDelay is the pause between tearing a server down and starting it
	// again during a restart. Default: 500ms.
	SettleDelay time.Duration

	// SweepInterval is how often the supervision sweep runs. Default: 1m.
	SweepInterval time.Duration

	// IdleTimeout is how long a running server may sit without activity
	// before the enhanced variant auto-pauses it. Default: 30m.
	IdleTimeout time.Duration

	// ErrorThreshold is the number of errors within ErrorWindow beyond which
	// a server is flagged for operator attention. Default: 5.
	ErrorThreshold int

	// ErrorWindow is the sliding window for ErrorThreshold. Default: 1m.
	ErrorWindow time.Duration
}

func (c *Config) applyDefaults() {
	if c.Variant == "" {
		c.Variant = VariantEnhanced
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 500 * time.Millisecond
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 5
	}
	if c.ErrorWindow <= 0 {
		c.ErrorWindow = time.Minute
	}
}

// fleetClient is what the manager requires from a client: the public
// [mcp.Client] surface plus forcible teardown for restart paths.
type fleetClient interface {
	mcp.Client
	Kill()
}

// record is the manager's view of one server. Its mutex serializes lifecycle
// transitions; an in-flight start completes before a stop for the same id is
// accepted.
type record struct {
	mu           sync.Mutex
	cfg          mcp.ServerConfig
	state        mcp.ServerState
	client       fleetClient // nil only in StateStopped / before first start
	startTime    time.Time
	stopTime     time.Time
	lastActivity time.Time
	restartCount int
	lastError    string
	flagged      bool
	log          *errorLog
}

// Manager is the enhanced concrete [mcp.PausableManager].
//
// The zero value is not usable; create instances with [New] or
// [NewEnhanced].
type Manager struct {
	cfg       Config
	bus       *mcp.Bus
	newClient func(mcp.ServerConfig) fleetClient
	now       func() time.Time
	met       *observe.Metrics
	pausable  bool

	mu      sync.RWMutex
	records map[string]*record

	unsub func()
	done  chan struct{}
	wg    sync.WaitGroup
}

// Compile-time checks.
var (
	_ mcp.PausableManager = (*Manager)(nil)
	_ mcp.ServerManager   = (*basicManager)(nil)
)

// New builds the manager variant selected by cfg.Variant. The basic variant
// does not satisfy [mcp.PausableManager]; callers discover pause support via
// a type assertion.
func New(cfg Config, bus *mcp.Bus) mcp.ServerManager {
	m := newManager(cfg, bus)
	if cfg.Variant == VariantBasic {
		return &basicManager{m: m}
	}
	return m
}

// NewEnhanced builds the enhanced variant with a concrete return type.
func NewEnhanced(cfg Config, bus *mcp.Bus) *Manager {
	cfg.Variant = VariantEnhanced
	return newManager(cfg, bus)
}

func newManager(cfg Config, bus *mcp.Bus) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:      cfg,
		bus:      bus,
		now:      time.Now,
		met:      observe.DefaultMetrics(),
		pausable: cfg.Variant == VariantEnhanced,
		records:  make(map[string]*record),
		done:     make(chan struct{}),
	}
	m.newClient = func(sc mcp.ServerConfig) fleetClient {
		cc := cfg.Client
		cc.Server = sc
		return client.New(cc, bus)
	}
	if bus != nil {
		m.unsub = bus.Subscribe(m.onEvent)
	}
	m.wg.Add(1)
	go m.sweepLoop()
	return m
}

// Close stops the supervision sweep and the event subscription. It does not
// stop managed servers; call [Manager.StopAll] first during shutdown.
func (m *Manager) Close() error {
	close(m.done)
	m.wg.Wait()
	if m.unsub != nil {
		m.unsub()
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Registration
// ──────────────────────────────────────────────────────────────────────────────

// RegisterServer registers cfg and attempts an immediate start. If the id is
// already registered only the stored config is updated (no restart). A start
// failure leaves the server registered in [mcp.StateError]; registration
// itself fails only for a malformed config.
func (m *Manager) RegisterServer(ctx context.Context, cfg mcp.ServerConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("manager: server config must have a non-empty id")
	}
	if cfg.Command == "" {
		return fmt.Errorf("manager: server %q must have a non-empty command", cfg.ID)
	}

	m.mu.Lock()
	if rec, ok := m.records[cfg.ID]; ok {
		m.mu.Unlock()
		rec.mu.Lock()
		rec.cfg = cfg
		rec.mu.Unlock()
		slog.Info("server config updated", "server", cfg.ID)
		return nil
	}
	m.records[cfg.ID] = &record{
		cfg:   cfg,
		state: mcp.StateStopped,
		log:   newErrorLog(),
	}
	m.mu.Unlock()

	slog.Info("server registered", "server", cfg.ID, "command", cfg.Command)
	if err := m.StartServer(ctx, cfg.ID); err != nil {
		slog.Warn("initial start failed, server registered in error state",
			"server", cfg.ID, "err", err)
	}
	return nil
}

// UnregisterServer stops the server, then removes all bookkeeping for id.
// Unregistering an unknown id is a no-op.
func (m *Manager) UnregisterServer(ctx context.Context, id string) error {
	rec, ok := m.record(id)
	if !ok {
		return nil
	}

	var evs []mcp.Event
	rec.mu.Lock()
	m.stopLocked(rec, &evs)
	rec.mu.Unlock()
	m.publish(evs)

	m.mu.Lock()
	delete(m.records, id)
	m.mu.Unlock()
	slog.Info("server unregistered", "server", id)
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Lifecycle transitions
// ──────────────────────────────────────────────────────────────────────────────

// StartServer drives id to [mcp.StateRunning]. A record holding a live
// client is reused (reconnected); if reuse fails the old client is discarded
// and a fresh process is created from the stored config. The record never
// remains in [mcp.StateStarting] when this returns.
func (m *Manager) StartServer(ctx context.Context, id string) error {
	rec, ok := m.record(id)
	if !ok {
		return &mcp.ServerNotFoundError{ID: id}
	}

	var evs []mcp.Event
	rec.mu.Lock()
	err := m.startLocked(ctx, rec, &evs)
	rec.mu.Unlock()
	m.publish(evs)
	return err
}

func (m *Manager) startLocked(ctx context.Context, rec *record, evs *[]mcp.Event) error {
	if rec.state == mcp.StateRunning && rec.client != nil && rec.client.Connected() {
		return nil
	}
	m.setStateLocked(rec, mcp.StateStarting, evs)

	cl := rec.client
	if cl != nil {
		// Reusing the live client is cheaper than respawning the process.
		if err := cl.Connect(ctx); err != nil {
			slog.Warn("client reuse failed, recreating process",
				"server", rec.cfg.ID, "err", err)
			_ = cl.Disconnect()
			cl = nil
			rec.client = nil
		}
	}
	if cl == nil {
		cl = m.newClient(rec.cfg)
		if err := cl.Connect(ctx); err != nil {
			rec.lastError = err.Error()
			m.recordErrorLocked(rec, err, "start")
			m.setStateLocked(rec, mcp.StateError, evs)
			return err
		}
		rec.client = cl
	}

	rec.startTime = m.now()
	rec.lastActivity = m.now()
	m.setStateLocked(rec, mcp.StateRunning, evs)
	return nil
}

// StopServer drives id to [mcp.StateStopped]. The stop reaches
// [mcp.StateStopped] even when the client's disconnect fails — cleanup is
// best-effort and logged, because a server stuck mid-stop blocks future
// restarts. Stopping an unknown id is a silent no-op.
func (m *Manager) StopServer(_ context.Context, id string) error {
	rec, ok := m.record(id)
	if !ok {
		return nil
	}

	var evs []mcp.Event
	rec.mu.Lock()
	m.stopLocked(rec, &evs)
	rec.mu.Unlock()
	m.publish(evs)
	return nil
}

func (m *Manager) stopLocked(rec *record, evs *[]mcp.Event) {
	if rec.state == mcp.StateStopped {
		return
	}
	m.setStateLocked(rec, mcp.StateStopping, evs)

	if rec.client != nil {
		if err := rec.client.Disconnect(); err != nil {
			slog.Warn("disconnect failed during stop, forcing stopped state",
				"server", rec.cfg.ID, "err", err)
			m.recordErrorLocked(rec, err, "stop")
		}
		rec.client = nil
	}

	rec.stopTime = m.now()
	m.setStateLocked(rec, mcp.StateStopped, evs)
}

// RestartServer increments the restart count, performs a bounded-time stop
// (a stop exceeding the configured timeout is logged and overridden),
// forcibly tears down any lingering transport handle, waits a short settle
// delay, then starts the server again. A failure at any point leaves the
// server in [mcp.StateError] and is returned to the caller.
func (m *Manager) RestartServer(ctx context.Context, id string) error {
	rec, ok := m.record(id)
	if !ok {
		return &mcp.ServerNotFoundError{ID: id}
	}

	var evs []mcp.Event
	rec.mu.Lock()
	err := m.restartLocked(ctx, rec, &evs)
	rec.mu.Unlock()
	m.publish(evs)
	return err
}

func (m *Manager) restartLocked(ctx context.Context, rec *record, evs *[]mcp.Event) error {
	rec.restartCount++
	m.setStateLocked(rec, mcp.StateRestarting, evs)

	if cl := rec.client; cl != nil {
		stopDone := make(chan error, 1)
		go func() { stopDone <- cl.Disconnect() }()
		select {
		case err := <-stopDone:
			if err != nil {
				slog.Warn("disconnect failed during restart", "server", rec.cfg.ID, "err", err)
			}
		case <-time.After(m.cfg.StopTimeout):
			slog.Warn("stop timed out during restart, proceeding",
				"server", rec.cfg.ID, "timeout", m.cfg.StopTimeout)
		}
		// Kill any lingering transport so the fresh spawn cannot collide
		// with a half-dead process.
		cl.Kill()
		rec.client = nil
	}

	select {
	case <-ctx.Done():
		rec.lastError = ctx.Err().Error()
		m.recordErrorLocked(rec, ctx.Err(), "restart")
		m.setStateLocked(rec, mcp.StateError, evs)
		return ctx.Err()
	case <-time.After(m.cfg.SettleDelay):
	}

	return m.startLocked(ctx, rec, evs)
}

// PauseServer transitions id from [mcp.StateRunning] to [mcp.StatePaused].
// The child process stays alive; the dispatcher simply stops routing to it.
// A pause request in any other state is a no-op with a warning.
func (m *Manager) PauseServer(_ context.Context, id string) error {
	rec, ok := m.record(id)
	if !ok {
		return &mcp.ServerNotFoundError{ID: id}
	}

	var evs []mcp.Event
	rec.mu.Lock()
	if rec.state != mcp.StateRunning {
		slog.Warn("pause ignored: server not running", "server", id, "state", rec.state)
	} else {
		m.setStateLocked(rec, mcp.StatePaused, &evs)
	}
	rec.mu.Unlock()
	m.publish(evs)
	return nil
}

// ResumeServer transitions id from [mcp.StatePaused] back to
// [mcp.StateRunning]. Only legal from [mcp.StatePaused]; otherwise a no-op
// with a warning.
func (m *Manager) ResumeServer(_ context.Context, id string) error {
	rec, ok := m.record(id)
	if !ok {
		return &mcp.ServerNotFoundError{ID: id}
	}

	var evs []mcp.Event
	rec.mu.Lock()
	if rec.state != mcp.StatePaused {
		slog.Warn("resume ignored: server not paused", "server", id, "state", rec.state)
	} else {
		rec.lastActivity = m.now()
		m.setStateLocked(rec, mcp.StateRunning, &evs)
	}
	rec.mu.Unlock()
	m.publish(evs)
	return nil
}

// StopAll stops every registered server concurrently. Used during shutdown.
func (m *Manager) StopAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range m.ServerIDs() {
		g.Go(func() error { return m.StopServer(ctx, id) })
	}
	return g.Wait()
}

// ──────────────────────────────────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────────────────────────────────

// HasServer reports whether id is registered.
func (m *Manager) HasServer(id string) bool {
	_, ok := m.record(id)
	return ok
}

// ServerIDs returns the ids of all registered servers, sorted.
func (m *Manager) ServerIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Status returns the current status snapshot for id.
func (m *Manager) Status(id string) (mcp.ServerStatus, error) {
	rec, ok := m.record(id)
	if !ok {
		return mcp.ServerStatus{}, &mcp.ServerNotFoundError{ID: id}
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return m.statusLocked(rec), nil
}

// AllStatuses returns a status snapshot for every registered server, sorted
// by id.
func (m *Manager) AllStatuses() []mcp.ServerStatus {
	ids := m.ServerIDs()
	out := make([]mcp.ServerStatus, 0, len(ids))
	for _, id := range ids {
		if st, err := m.Status(id); err == nil {
			out = append(out, st)
		}
	}
	return out
}

func (m *Manager) statusLocked(rec *record) mcp.ServerStatus {
	return mcp.ServerStatus{
		ID:           rec.cfg.ID,
		Name:         rec.cfg.Name,
		State:        rec.state,
		StartTime:    rec.startTime,
		StopTime:     rec.stopTime,
		LastActivity: rec.lastActivity,
		RestartCount: rec.restartCount,
		ErrorCount:   rec.log.count(),
		LastError:    rec.lastError,
		Flagged:      rec.flagged,
	}
}

// Client returns the live client for a running or paused server.
func (m *Manager) Client(id string) (mcp.Client, error) {
	rec, ok := m.record(id)
	if !ok {
		return nil, &mcp.ServerNotFoundError{ID: id}
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.client == nil {
		return nil, fmt.Errorf("manager: server %q: %w", id, mcp.ErrNotConnected)
	}
	return rec.client, nil
}

// RunningClients returns the clients of all servers currently in
// [mcp.StateRunning], keyed by server id. Paused and errored servers are
// excluded so the dispatcher never routes to them.
func (m *Manager) RunningClients() map[string]mcp.Client {
	out := make(map[string]mcp.Client)
	for _, id := range m.ServerIDs() {
		rec, ok := m.record(id)
		if !ok {
			continue
		}
		rec.mu.Lock()
		if rec.state == mcp.StateRunning && rec.client != nil {
			out[id] = rec.client
		}
		rec.mu.Unlock()
	}
	return out
}

// ServerErrors returns the recorded error history for id, oldest first.
func (m *Manager) ServerErrors(id string) []mcp.ErrorRecord {
	rec, ok := m.record(id)
	if !ok {
		return nil
	}
	return rec.log.list()
}

// ErrorStats returns aggregate error statistics across all servers.
func (m *Manager) ErrorStats() []mcp.ErrorStat {
	var out []mcp.ErrorStat
	for _, id := range m.ServerIDs() {
		if rec, ok := m.record(id); ok {
			out = append(out, rec.log.statsSnapshot()...)
		}
	}
	return out
}

// ClearServerErrors drops the recorded error history and aggregate stats for
// id and clears its flagged marker.
func (m *Manager) ClearServerErrors(id string) {
	rec, ok := m.record(id)
	if !ok {
		return
	}
	rec.log.clear()
	rec.mu.Lock()
	rec.flagged = false
	rec.mu.Unlock()
}

// ──────────────────────────────────────────────────────────────────────────────
// Supervision
// ──────────────────────────────────────────────────────────────────────────────

// sweepLoop runs the periodic health supervision over all servers.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep auto-pauses idle running servers (enhanced variant only, to avoid
// holding process resources for idle providers indefinitely) and flags
// servers whose recent error count crosses the threshold. Flagged servers
// are not auto-stopped; the flag is for operator attention.
func (m *Manager) sweep() {
	now := m.now()
	cutoff := now.Add(-m.cfg.ErrorWindow)

	for _, id := range m.ServerIDs() {
		rec, ok := m.record(id)
		if !ok {
			continue
		}

		var evs []mcp.Event
		rec.mu.Lock()
		if m.pausable && rec.state == mcp.StateRunning {
			activity := rec.lastActivity
			if rec.client != nil {
				if lu := rec.client.Metrics().LastUpdate; lu.After(activity) {
					activity = lu
				}
			}
			if now.Sub(activity) > m.cfg.IdleTimeout {
				slog.Info("auto-pausing idle server", "server", id, "idle", now.Sub(activity))
				m.setStateLocked(rec, mcp.StatePaused, &evs)
			}
		}

		if n := rec.log.countSince(cutoff); n > m.cfg.ErrorThreshold && !rec.flagged {
			rec.flagged = true
			slog.Warn("server flagged: error rate above threshold",
				"server", id, "errors", n, "window", m.cfg.ErrorWindow)
			evs = append(evs, mcp.ErrorRateAlert{ServerID: id, Count: n, Window: m.cfg.ErrorWindow})
		}
		rec.mu.Unlock()
		m.publish(evs)
	}
}

// onEvent reacts to fatal client health events by marking the server
// errored: a client whose reconnect budget is exhausted cannot recover
// without an explicit restart.
func (m *Manager) onEvent(ev mcp.Event) {
	he, ok := ev.(mcp.HealthEvent)
	if !ok || !he.Fatal {
		return
	}
	rec, found := m.record(he.ServerID)
	if !found {
		return
	}

	var evs []mcp.Event
	rec.mu.Lock()
	rec.lastError = he.Err.Error()
	m.recordErrorLocked(rec, he.Err, "health")
	// A stale fatal event can arrive just after a restart replaced the
	// client; only a server whose client really is gone is marked errored.
	stillDown := rec.client == nil || !rec.client.Connected()
	if stillDown && (rec.state == mcp.StateRunning || rec.state == mcp.StatePaused) {
		m.setStateLocked(rec, mcp.StateError, &evs)
	}
	rec.mu.Unlock()
	m.publish(evs)
}

// ──────────────────────────────────────────────────────────────────────────────
// Internals
// ──────────────────────────────────────────────────────────────────────────────

func (m *Manager) record(id string) (*record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	return rec, ok
}

// setStateLocked updates the state and queues a state-change event. Events
// are published after the record mutex is released so a subscriber may call
// back into the manager without deadlocking.
func (m *Manager) setStateLocked(rec *record, to mcp.ServerState, evs *[]mcp.Event) {
	from := rec.state
	if from == to {
		return
	}
	rec.state = to
	slog.Debug("server state changed", "server", rec.cfg.ID, "from", from, "to", to)

	m.met.RecordStateTransition(context.Background(), rec.cfg.ID, from.String(), to.String())
	if to == mcp.StateRunning {
		m.met.RunningServers.Add(context.Background(), 1)
	} else if from == mcp.StateRunning {
		m.met.RunningServers.Add(context.Background(), -1)
	}

	*evs = append(*evs, mcp.ServerStateChanged{
		ServerID: rec.cfg.ID,
		From:     from,
		To:       to,
		Time:     m.now(),
	})
}

func (m *Manager) recordErrorLocked(rec *record, err error, source string) {
	rec.log.add(mcp.ErrorRecord{
		Timestamp: m.now(),
		ServerID:  rec.cfg.ID,
		Message:   err.Error(),
		Source:    source,
	})
}

func (m *Manager) publish(evs []mcp.Event) {
	if m.bus == nil {
		return
	}
	for _, ev := range evs {
		m.bus.Publish(ev)
	}
}
