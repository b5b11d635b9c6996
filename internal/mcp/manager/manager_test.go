package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/nydiokar/toolfleet/internal/mcp"
	"github.com/nydiokar/toolfleet/internal/observe"
)

// ──────────────────────────────────────────────────────────────────────────────
// Fakes
// ──────────────────────────────────────────────────────────────────────────────

// fakeClient is a configurable fleetClient double.
type fakeClient struct {
	mu              sync.Mutex
	connected       bool
	connectErr      error
	disconnectErr   error
	connectCalls    int
	disconnectCalls int
	killed          bool
	metrics         mcp.ClientMetrics
}

func (f *fakeClient) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeClient) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnectCalls++
	f.connected = false
	return f.disconnectErr
}

func (f *fakeClient) Kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = true
	f.connected = false
}

func (f *fakeClient) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) ListTools(context.Context) ([]mcp.ToolDefinition, error) {
	return nil, nil
}

func (f *fakeClient) CallTool(context.Context, string, map[string]any) (*mcp.ToolResponse, error) {
	return &mcp.ToolResponse{Content: "ok"}, nil
}

func (f *fakeClient) Metrics() mcp.ClientMetrics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metrics
}

// clientFactory returns a factory handing out the given clients in order,
// recording each created client.
type clientFactory struct {
	mu      sync.Mutex
	queue   []*fakeClient
	created []*fakeClient
}

func (cf *clientFactory) new(_ mcp.ServerConfig) fleetClient {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	var c *fakeClient
	if len(cf.queue) > 0 {
		c = cf.queue[0]
		cf.queue = cf.queue[1:]
	} else {
		c = &fakeClient{}
	}
	cf.created = append(cf.created, c)
	return c
}

func (cf *clientFactory) count() int {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return len(cf.created)
}

func newTestManager(t *testing.T, cfg Config, bus *mcp.Bus, cf *clientFactory) *Manager {
	t.Helper()
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Hour // keep the sweep out of the way by default
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = time.Millisecond
	}
	m := newManager(cfg, bus)
	if cf != nil {
		m.newClient = cf.new
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func serverCfg(id string) mcp.ServerConfig {
	return mcp.ServerConfig{ID: id, Name: id, Command: "/usr/bin/" + id}
}

func mustState(t *testing.T, m *Manager, id string, want mcp.ServerState) {
	t.Helper()
	st, err := m.Status(id)
	if err != nil {
		t.Fatalf("Status(%q): %v", id, err)
	}
	if st.State != want {
		t.Fatalf("state of %q = %v, want %v", id, st.State, want)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────────────────────────────────

func TestRegisterServer_StartsAndRuns(t *testing.T) {
	t.Parallel()
	cf := &clientFactory{}
	m := newTestManager(t, Config{}, nil, cf)

	if err := m.RegisterServer(context.Background(), serverCfg("a")); err != nil {
		t.Fatalf("RegisterServer: %v", err)
	}
	mustState(t, m, "a", mcp.StateRunning)
	if !m.HasServer("a") {
		t.Error("HasServer(a) = false after registration")
	}
}

func TestRegisterServer_MalformedConfig(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{}, nil, &clientFactory{})

	if err := m.RegisterServer(context.Background(), mcp.ServerConfig{Name: "x"}); err == nil {
		t.Error("registering without an id did not fail")
	}
	if err := m.RegisterServer(context.Background(), mcp.ServerConfig{ID: "x"}); err == nil {
		t.Error("registering without a command did not fail")
	}
}

func TestRegisterServer_StartFailureLeavesErrorState(t *testing.T) {
	t.Parallel()
	cf := &clientFactory{queue: []*fakeClient{{connectErr: errors.New("spawn failed")}}}
	m := newTestManager(t, Config{}, nil, cf)

	// Registration itself succeeds even though the start fails.
	if err := m.RegisterServer(context.Background(), serverCfg("bad")); err != nil {
		t.Fatalf("RegisterServer: %v", err)
	}
	mustState(t, m, "bad", mcp.StateError)

	recs := m.ServerErrors("bad")
	if len(recs) != 1 {
		t.Fatalf("error history has %d entries, want 1", len(recs))
	}
	if recs[0].Source != "start" {
		t.Errorf("error source = %q, want start", recs[0].Source)
	}
}

func TestRegisterServer_ExistingUpdatesConfigOnly(t *testing.T) {
	t.Parallel()
	cf := &clientFactory{}
	m := newTestManager(t, Config{}, nil, cf)
	ctx := context.Background()

	if err := m.RegisterServer(ctx, serverCfg("a")); err != nil {
		t.Fatalf("RegisterServer: %v", err)
	}
	created := cf.count()

	updated := serverCfg("a")
	updated.Args = []string{"--verbose"}
	if err := m.RegisterServer(ctx, updated); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if cf.count() != created {
		t.Error("re-registering an existing id created a new client")
	}
	mustState(t, m, "a", mcp.StateRunning)
}

func TestStopServer_ReachesStoppedDespiteDisconnectError(t *testing.T) {
	t.Parallel()
	cf := &clientFactory{queue: []*fakeClient{{disconnectErr: errors.New("pipe already gone")}}}
	m := newTestManager(t, Config{}, nil, cf)
	ctx := context.Background()

	if err := m.RegisterServer(ctx, serverCfg("a")); err != nil {
		t.Fatalf("RegisterServer: %v", err)
	}
	if err := m.StopServer(ctx, "a"); err != nil {
		t.Fatalf("StopServer: %v", err)
	}
	mustState(t, m, "a", mcp.StateStopped)

	st, _ := m.Status("a")
	if st.StopTime.IsZero() {
		t.Error("stopTime not recorded")
	}
}

func TestStopServer_UnknownIDIsNoOp(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{}, nil, &clientFactory{})
	if err := m.StopServer(context.Background(), "ghost"); err != nil {
		t.Fatalf("stopping unknown id returned %v, want nil", err)
	}
}

func TestRestartServer_Healthy(t *testing.T) {
	t.Parallel()
	cf := &clientFactory{}
	m := newTestManager(t, Config{}, nil, cf)
	ctx := context.Background()

	if err := m.RegisterServer(ctx, serverCfg("a")); err != nil {
		t.Fatalf("RegisterServer: %v", err)
	}
	if err := m.RestartServer(ctx, "a"); err != nil {
		t.Fatalf("RestartServer: %v", err)
	}
	mustState(t, m, "a", mcp.StateRunning)

	st, _ := m.Status("a")
	if st.RestartCount != 1 {
		t.Errorf("restartCount = %d, want 1", st.RestartCount)
	}

	// The old client must have been forcibly torn down and replaced.
	cf.mu.Lock()
	old := cf.created[0]
	created := len(cf.created)
	cf.mu.Unlock()
	old.mu.Lock()
	killed := old.killed
	old.mu.Unlock()
	if !killed {
		t.Error("old client transport was not killed during restart")
	}
	if created != 2 {
		t.Errorf("%d clients created, want 2 (original + restart)", created)
	}
}

func TestRestartServer_RespawnFailure(t *testing.T) {
	t.Parallel()
	cf := &clientFactory{queue: []*fakeClient{
		{},                                    // initial start succeeds
		{connectErr: errors.New("no binary")}, // restart respawn fails
	}}
	m := newTestManager(t, Config{}, nil, cf)
	ctx := context.Background()

	if err := m.RegisterServer(ctx, serverCfg("a")); err != nil {
		t.Fatalf("RegisterServer: %v", err)
	}
	if err := m.RestartServer(ctx, "a"); err == nil {
		t.Fatal("restart with failing respawn returned nil")
	}
	mustState(t, m, "a", mcp.StateError)

	recs := m.ServerErrors("a")
	if len(recs) == 0 {
		t.Fatal("restart failure not recorded in error history")
	}
}

func TestRestartServer_StopTimeoutOverridden(t *testing.T) {
	t.Parallel()
	slow := &fakeClient{}
	block := make(chan struct{})
	// Replace Disconnect behaviour with a hung one via a wrapper.
	cf := &clientFactory{queue: []*fakeClient{slow}}
	m := newTestManager(t, Config{StopTimeout: 20 * time.Millisecond}, nil, cf)
	ctx := context.Background()

	if err := m.RegisterServer(ctx, serverCfg("a")); err != nil {
		t.Fatalf("RegisterServer: %v", err)
	}

	// Swap in a hanging client for the restart path.
	rec, _ := m.record("a")
	rec.mu.Lock()
	rec.client = &hangingClient{fakeClient: slow, block: block}
	rec.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- m.RestartServer(ctx, "a") }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RestartServer: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("restart blocked on a hung disconnect")
	}
	close(block)
	mustState(t, m, "a", mcp.StateRunning)
}

// hangingClient blocks Disconnect until block is closed.
type hangingClient struct {
	*fakeClient
	block chan struct{}
}

func (h *hangingClient) Disconnect() error {
	<-h.block
	return nil
}

func TestPauseResume_LegalityByState(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{}, nil, &clientFactory{})
	ctx := context.Background()

	if err := m.RegisterServer(ctx, serverCfg("a")); err != nil {
		t.Fatalf("RegisterServer: %v", err)
	}

	// Resume on a running server is a no-op.
	if err := m.ResumeServer(ctx, "a"); err != nil {
		t.Fatalf("ResumeServer: %v", err)
	}
	mustState(t, m, "a", mcp.StateRunning)

	if err := m.PauseServer(ctx, "a"); err != nil {
		t.Fatalf("PauseServer: %v", err)
	}
	mustState(t, m, "a", mcp.StatePaused)

	// Pause on a paused server is a no-op.
	if err := m.PauseServer(ctx, "a"); err != nil {
		t.Fatalf("second PauseServer: %v", err)
	}
	mustState(t, m, "a", mcp.StatePaused)

	if err := m.ResumeServer(ctx, "a"); err != nil {
		t.Fatalf("ResumeServer: %v", err)
	}
	mustState(t, m, "a", mcp.StateRunning)

	// Pause is not legal from stopped.
	if err := m.StopServer(ctx, "a"); err != nil {
		t.Fatalf("StopServer: %v", err)
	}
	if err := m.PauseServer(ctx, "a"); err != nil {
		t.Fatalf("PauseServer on stopped: %v", err)
	}
	mustState(t, m, "a", mcp.StateStopped)
}

func TestUnregisterServer(t *testing.T) {
	t.Parallel()
	cf := &clientFactory{}
	m := newTestManager(t, Config{}, nil, cf)
	ctx := context.Background()

	if err := m.RegisterServer(ctx, serverCfg("a")); err != nil {
		t.Fatalf("RegisterServer: %v", err)
	}
	if err := m.UnregisterServer(ctx, "a"); err != nil {
		t.Fatalf("UnregisterServer: %v", err)
	}
	if m.HasServer("a") {
		t.Error("server still registered after unregister")
	}

	cf.mu.Lock()
	cl := cf.created[0]
	cf.mu.Unlock()
	cl.mu.Lock()
	disconnects := cl.disconnectCalls
	cl.mu.Unlock()
	if disconnects == 0 {
		t.Error("unregister did not stop the server first")
	}

	// Double unregister is a no-op.
	if err := m.UnregisterServer(ctx, "a"); err != nil {
		t.Fatalf("double unregister: %v", err)
	}
}

func TestLifecycleTransitions_RecordedInMetrics(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	m := newTestManager(t, Config{}, nil, &clientFactory{})
	m.met = met
	ctx := context.Background()

	if err := m.RegisterServer(ctx, serverCfg("a")); err != nil {
		t.Fatalf("RegisterServer: %v", err)
	}
	mustState(t, m, "a", mcp.StateRunning)
	if got := runningGauge(t, reader); got != 1 {
		t.Errorf("running gauge after start = %d, want 1", got)
	}

	if err := m.StopServer(ctx, "a"); err != nil {
		t.Fatalf("StopServer: %v", err)
	}
	if got := runningGauge(t, reader); got != 0 {
		t.Errorf("running gauge after stop = %d, want 0", got)
	}

	// The full walk must be on the transition counter, one increment each.
	walk := [][2]string{
		{"stopped", "starting"},
		{"starting", "running"},
		{"running", "stopping"},
		{"stopping", "stopped"},
	}
	counts := transitionCounts(t, reader, "a")
	for _, step := range walk {
		if counts[step] != 1 {
			t.Errorf("transition %s -> %s counted %d times, want 1", step[0], step[1], counts[step])
		}
	}
}

// runningGauge collects the current value of the running-servers gauge.
func runningGauge(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "toolfleet.servers.running" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok || len(sum.DataPoints) == 0 {
				t.Fatal("servers.running has no data")
			}
			return sum.DataPoints[0].Value
		}
	}
	return 0
}

// transitionCounts collects the transition counter for one server, keyed by
// the (from, to) attribute pair.
func transitionCounts(t *testing.T, reader *sdkmetric.ManualReader, server string) map[[2]string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	out := make(map[[2]string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "toolfleet.server.transitions" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatal("transitions metric is not a sum")
			}
			for _, dp := range sum.DataPoints {
				var srv, from, to string
				for _, kv := range dp.Attributes.ToSlice() {
					switch string(kv.Key) {
					case "server":
						srv = kv.Value.AsString()
					case "from":
						from = kv.Value.AsString()
					case "to":
						to = kv.Value.AsString()
					}
				}
				if srv == server {
					out[[2]string{from, to}] = dp.Value
				}
			}
		}
	}
	return out
}

func TestSweep_AutoPausesIdleServer(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{IdleTimeout: 30 * time.Minute}, nil, &clientFactory{})
	ctx := context.Background()

	if err := m.RegisterServer(ctx, serverCfg("a")); err != nil {
		t.Fatalf("RegisterServer: %v", err)
	}

	// Move the clock 31 minutes ahead and sweep.
	m.now = func() time.Time { return time.Now().Add(31 * time.Minute) }
	m.sweep()
	mustState(t, m, "a", mcp.StatePaused)
}

func TestSweep_FlagsServerOverErrorThreshold(t *testing.T) {
	t.Parallel()
	bus := &mcp.Bus{}
	alerts := make(chan mcp.ErrorRateAlert, 1)
	bus.Subscribe(func(ev mcp.Event) {
		if a, ok := ev.(mcp.ErrorRateAlert); ok {
			select {
			case alerts <- a:
			default:
			}
		}
	})

	m := newTestManager(t, Config{ErrorThreshold: 5, ErrorWindow: time.Minute}, bus, &clientFactory{})
	ctx := context.Background()
	if err := m.RegisterServer(ctx, serverCfg("a")); err != nil {
		t.Fatalf("RegisterServer: %v", err)
	}

	rec, _ := m.record("a")
	for i := 0; i < 6; i++ {
		rec.log.add(mcp.ErrorRecord{Timestamp: time.Now(), ServerID: "a", Message: "boom", Source: "call"})
	}
	m.sweep()

	st, _ := m.Status("a")
	if !st.Flagged {
		t.Error("server not flagged despite errors over threshold")
	}
	select {
	case a := <-alerts:
		if a.Count != 6 {
			t.Errorf("alert count = %d, want 6", a.Count)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no ErrorRateAlert published")
	}
}

func TestErrorStats_Aggregation(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{}, nil, &clientFactory{})
	ctx := context.Background()
	if err := m.RegisterServer(ctx, serverCfg("a")); err != nil {
		t.Fatalf("RegisterServer: %v", err)
	}

	rec, _ := m.record("a")
	t0 := time.Now()
	rec.log.add(mcp.ErrorRecord{Timestamp: t0, ServerID: "a", Message: "boom", Source: "start"})
	rec.log.add(mcp.ErrorRecord{Timestamp: t0.Add(time.Second), ServerID: "a", Message: "boom", Source: "health"})

	stats := m.ErrorStats()
	if len(stats) != 1 {
		t.Fatalf("got %d stats, want 1", len(stats))
	}
	st := stats[0]
	if st.Count != 2 {
		t.Errorf("count = %d, want 2", st.Count)
	}
	if len(st.Sources) != 2 {
		t.Errorf("sources = %v, want both start and health", st.Sources)
	}
	if !st.LastSeen.After(st.FirstSeen) {
		t.Error("lastSeen not after firstSeen")
	}

	m.ClearServerErrors("a")
	if got := m.ServerErrors("a"); len(got) != 0 {
		t.Errorf("errors after clear = %d, want 0", len(got))
	}
}

func TestErrorLog_CapsAtMostRecent100(t *testing.T) {
	t.Parallel()
	l := newErrorLog()
	for i := 0; i < 150; i++ {
		l.add(mcp.ErrorRecord{Timestamp: time.Now(), ServerID: "a", Message: "e", Source: "s"})
	}
	if got := l.count(); got != maxErrorRecords {
		t.Errorf("log holds %d records, want %d", got, maxErrorRecords)
	}
}

func TestFatalHealthEventMarksServerErrored(t *testing.T) {
	t.Parallel()
	bus := &mcp.Bus{}
	cf := &clientFactory{}
	m := newTestManager(t, Config{}, bus, cf)
	ctx := context.Background()

	if err := m.RegisterServer(ctx, serverCfg("a")); err != nil {
		t.Fatalf("RegisterServer: %v", err)
	}

	// Simulate the client giving up: connection gone, fatal event published.
	cf.mu.Lock()
	cl := cf.created[0]
	cf.mu.Unlock()
	cl.mu.Lock()
	cl.connected = false
	cl.mu.Unlock()
	bus.Publish(mcp.HealthEvent{
		ServerID: "a",
		Err:      mcp.ErrReconnectDisabled,
		Fatal:    true,
		Time:     time.Now(),
	})

	deadline := time.After(2 * time.Second)
	for {
		st, err := m.Status("a")
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if st.State == mcp.StateError {
			if len(m.ServerErrors("a")) == 0 {
				t.Error("fatal event not recorded in error history")
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("server state = %v, want error after fatal health event", st.State)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestVariantSelection(t *testing.T) {
	t.Parallel()
	basic := New(Config{Variant: VariantBasic, SweepInterval: time.Hour}, nil)
	if _, ok := basic.(mcp.PausableManager); ok {
		t.Error("basic variant satisfies PausableManager, want assertion failure")
	}

	enhanced := New(Config{SweepInterval: time.Hour}, nil)
	if _, ok := enhanced.(mcp.PausableManager); !ok {
		t.Error("enhanced variant does not satisfy PausableManager")
	}
}

func TestConcurrentTransitionsOnDistinctServers(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{}, nil, &clientFactory{})
	ctx := context.Background()

	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		if err := m.RegisterServer(ctx, serverCfg(id)); err != nil {
			t.Fatalf("RegisterServer(%q): %v", id, err)
		}
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_ = m.StopServer(ctx, id)
				_ = m.StartServer(ctx, id)
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		mustState(t, m, id, mcp.StateRunning)
	}
}
