package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"gopkg.in/yaml.v3"

	"github.com/nydiokar/toolfleet/internal/mcp"
	"github.com/nydiokar/toolfleet/internal/observe"
)

// fakeInvoker maps tool names to canned outputs and failure scripts.
type fakeInvoker struct {
	mu       sync.Mutex
	results  map[string]string        // tool -> output
	failFor  map[string]int           // tool -> failures before first success
	errs     map[string]error         // tool -> permanent error
	delay    map[string]time.Duration // tool -> per-call sleep
	calls    []string                 // tool names in invocation order
	lastArgs map[string]map[string]any
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{
		results:  make(map[string]string),
		failFor:  make(map[string]int),
		errs:     make(map[string]error),
		delay:    make(map[string]time.Duration),
		lastArgs: make(map[string]map[string]any),
	}
}

func (f *fakeInvoker) ExecuteTool(ctx context.Context, name string, args map[string]any) (*mcp.ToolResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.lastArgs[name] = args
	d := f.delay[name]
	err := f.errs[name]
	if err == nil && f.failFor[name] > 0 {
		f.failFor[name]--
		err = fmt.Errorf("transient failure on %s", name)
	}
	out, ok := f.results[name]
	f.mu.Unlock()

	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		out = name + "-output"
	}
	return &mcp.ToolResponse{Content: out}, nil
}

func (f *fakeInvoker) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func mustChain(t *testing.T, cfg Config) *Chain {
	t.Helper()
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// ──────────────────────────────────────────────────────────────────────────────
// Construction
// ──────────────────────────────────────────────────────────────────────────────

func TestNew_UnknownDependency(t *testing.T) {
	t.Parallel()
	_, err := New(Config{ID: "c", Steps: []Step{
		{Name: "a", DependsOn: StringList{"ghost"}},
	}})
	var unknown *UnknownDependencyError
	if !errors.As(err, &unknown) {
		t.Fatalf("err = %v, want *UnknownDependencyError", err)
	}
	if unknown.Step != "a" || unknown.Dependency != "ghost" {
		t.Errorf("error = %+v, want step a depending on ghost", unknown)
	}
}

func TestNew_CircularDependency(t *testing.T) {
	t.Parallel()
	_, err := New(Config{ID: "c", Steps: []Step{
		{Name: "a", DependsOn: StringList{"c"}},
		{Name: "b", DependsOn: StringList{"a"}},
		{Name: "c", DependsOn: StringList{"b"}},
	}})
	var cyc *CircularDependencyError
	if !errors.As(err, &cyc) {
		t.Fatalf("err = %v, want *CircularDependencyError", err)
	}
	if len(cyc.Cycle) < 4 {
		t.Errorf("cycle = %v, want the full a -> c -> b -> a walk", cyc.Cycle)
	}
}

func TestNew_SelfDependency(t *testing.T) {
	t.Parallel()
	_, err := New(Config{ID: "c", Steps: []Step{
		{Name: "a", DependsOn: StringList{"a"}},
	}})
	var cyc *CircularDependencyError
	if !errors.As(err, &cyc) {
		t.Fatalf("err = %v, want *CircularDependencyError", err)
	}
}

func TestNew_UnresolvedReference(t *testing.T) {
	t.Parallel()
	_, err := New(Config{ID: "c", Steps: []Step{
		{Name: "a"},
		{Name: "b", DependsOn: StringList{"a"}, Parameters: map[string]any{"in": "$missing"}},
	}})
	var unresolved *UnresolvedReferenceError
	if !errors.As(err, &unresolved) {
		t.Fatalf("err = %v, want *UnresolvedReferenceError", err)
	}
	if unresolved.Reference != "$missing" {
		t.Errorf("reference = %q, want $missing", unresolved.Reference)
	}
}

func TestNew_ReportsAllProblemsTogether(t *testing.T) {
	t.Parallel()
	_, err := New(Config{ID: "c", Steps: []Step{
		{Name: "a", DependsOn: StringList{"ghost"}},
		{Name: "a"},
		{Name: "b", Parameters: map[string]any{"in": "$nope"}},
	}})
	if err == nil {
		t.Fatal("expected validation failure")
	}
	msg := err.Error()
	for _, want := range []string{"ghost", "duplicate", "$nope"} {
		if !strings.Contains(msg, want) {
			t.Errorf("joined error does not mention %q: %v", want, err)
		}
	}
}

func TestStringList_ScalarOrSequence(t *testing.T) {
	t.Parallel()
	var cfg Config
	doc := `
id: pipeline
steps:
  - name: fetch
  - name: parse
    dependsOn: fetch
  - name: merge
    dependsOn: [fetch, parse]
`
	if err := yaml.Unmarshal([]byte(doc), &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := cfg.Steps[1].DependsOn; len(got) != 1 || got[0] != "fetch" {
		t.Errorf("scalar dependsOn = %v, want [fetch]", got)
	}
	if got := cfg.Steps[2].DependsOn; len(got) != 2 {
		t.Errorf("sequence dependsOn = %v, want two entries", got)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Execution
// ──────────────────────────────────────────────────────────────────────────────

func TestExecute_ThreeIndependentSteps(t *testing.T) {
	t.Parallel()
	inv := newFakeInvoker()
	c := mustChain(t, Config{ID: "c", Steps: []Step{
		{Name: "one"}, {Name: "two"}, {Name: "three"},
	}})

	res := NewExecutor(inv).Execute(context.Background(), c)
	if !res.Success {
		t.Fatalf("success = false, err = %v", res.Err)
	}
	if len(res.Data) != 3 {
		t.Errorf("data has %d entries, want 3", len(res.Data))
	}
	if res.ExecutionID == "" {
		t.Error("execution id not assigned")
	}
}

func TestExecute_MidChainFailureAbortsRemainder(t *testing.T) {
	t.Parallel()
	inv := newFakeInvoker()
	inv.errs["second"] = errors.New("tool exploded")
	c := mustChain(t, Config{ID: "c", Steps: []Step{
		{Name: "first"},
		{Name: "second", DependsOn: StringList{"first"}},
		{Name: "third", DependsOn: StringList{"second"}},
	}})

	res := NewExecutor(inv).Execute(context.Background(), c)
	if res.Success {
		t.Fatal("success = true despite failing step")
	}
	if len(res.Data) != 1 || res.Data[0].Step != "first" {
		t.Errorf("partial data = %+v, want only first", res.Data)
	}
	if inv.callCount("third") != 0 {
		t.Error("third was invoked after the chain failed")
	}

	var stepErr *StepError
	if !errors.As(res.Err, &stepErr) {
		t.Fatalf("err = %v, want *StepError", res.Err)
	}
	if stepErr.Step != "second" {
		t.Errorf("failing step = %q, want second", stepErr.Step)
	}
}

func TestExecute_SubstitutesAliasedResults(t *testing.T) {
	t.Parallel()
	inv := newFakeInvoker()
	inv.results["search"] = "three results"
	c := mustChain(t, Config{
		ID: "c",
		Steps: []Step{
			{Name: "search"},
			{Name: "summarize", DependsOn: StringList{"search"}, Parameters: map[string]any{
				"input": "$searchResult",
				"options": map[string]any{
					"context": []any{"$searchResult", "verbatim"},
				},
			}},
		},
		ResultMapping: map[string]string{"search": "searchResult"},
	})

	res := NewExecutor(inv).Execute(context.Background(), c)
	if !res.Success {
		t.Fatalf("success = false, err = %v", res.Err)
	}

	inv.mu.Lock()
	args := inv.lastArgs["summarize"]
	inv.mu.Unlock()
	if args["input"] != "three results" {
		t.Errorf("input = %v, want substituted search output", args["input"])
	}
	nested := args["options"].(map[string]any)["context"].([]any)
	if nested[0] != "three results" || nested[1] != "verbatim" {
		t.Errorf("nested substitution = %v", nested)
	}
}

func TestExecute_RetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	inv := newFakeInvoker()
	inv.failFor["flaky"] = 2
	c := mustChain(t, Config{ID: "c", Steps: []Step{
		{Name: "flaky", MaxRetries: 3},
	}})

	res := NewExecutor(inv).Execute(context.Background(), c)
	if !res.Success {
		t.Fatalf("success = false, err = %v", res.Err)
	}
	if res.Data[0].Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Data[0].Attempts)
	}
}

func TestExecute_RetryBudgetExhausted(t *testing.T) {
	t.Parallel()
	inv := newFakeInvoker()
	inv.errs["doomed"] = errors.New("always down")
	c := mustChain(t, Config{ID: "c", Steps: []Step{
		{Name: "doomed", MaxRetries: 1},
	}})

	res := NewExecutor(inv).Execute(context.Background(), c)
	if res.Success {
		t.Fatal("success = true despite exhausted retries")
	}
	if got := inv.callCount("doomed"); got != 2 {
		t.Errorf("invocations = %d, want 2 (initial + 1 retry)", got)
	}
}

func TestExecute_AbortConditionSkipsRetries(t *testing.T) {
	t.Parallel()
	inv := newFakeInvoker()
	inv.errs["billed"] = errors.New("quota exceeded for project")
	c := mustChain(t, Config{
		ID:              "c",
		Steps:           []Step{{Name: "billed", MaxRetries: 5}},
		AbortConditions: &AbortConditions{ErrorContains: []string{"quota"}},
	})

	res := NewExecutor(inv).Execute(context.Background(), c)
	if res.Success {
		t.Fatal("success = true despite abort condition")
	}
	if got := inv.callCount("billed"); got != 1 {
		t.Errorf("invocations = %d, want 1 (no retries after abort match)", got)
	}
}

func TestExecute_StepTimeout(t *testing.T) {
	t.Parallel()
	inv := newFakeInvoker()
	inv.delay["slow"] = 500 * time.Millisecond
	c := mustChain(t, Config{ID: "c", Steps: []Step{
		{Name: "slow", TimeoutMs: 20},
	}})

	start := time.Now()
	res := NewExecutor(inv).Execute(context.Background(), c)
	if res.Success {
		t.Fatal("success = true despite timeout")
	}
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Errorf("execution took %v, timeout did not cut the step short", elapsed)
	}
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want wrapped deadline exceeded", res.Err)
	}
}

func TestExecute_IndependentStepsRunConcurrently(t *testing.T) {
	t.Parallel()
	// Both steps block until the other has started; sequential execution
	// would deadlock and trip the step timeout instead.
	var entered sync.WaitGroup
	entered.Add(2)
	inv := &barrierInvoker{entered: &entered}
	c := mustChain(t, Config{ID: "c", Steps: []Step{
		{Name: "left", TimeoutMs: 2000},
		{Name: "right", TimeoutMs: 2000},
	}})

	res := NewExecutor(inv).Execute(context.Background(), c)
	if !res.Success {
		t.Fatalf("success = false, err = %v (steps did not overlap)", res.Err)
	}
}

type barrierInvoker struct {
	entered *sync.WaitGroup
}

func (b *barrierInvoker) ExecuteTool(ctx context.Context, name string, _ map[string]any) (*mcp.ToolResponse, error) {
	b.entered.Done()
	done := make(chan struct{})
	go func() { b.entered.Wait(); close(done) }()
	select {
	case <-done:
		return &mcp.ToolResponse{Content: name}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestExecute_RecordsExecutionMetrics(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	inv := newFakeInvoker()
	inv.errs["doomed"] = errors.New("always down")
	exec := NewExecutor(inv)
	exec.met = met

	good := mustChain(t, Config{ID: "research", Steps: []Step{{Name: "search"}}})
	bad := mustChain(t, Config{ID: "research", Steps: []Step{{Name: "doomed"}}})
	if res := exec.Execute(context.Background(), good); !res.Success {
		t.Fatalf("good chain failed: %v", res.Err)
	}
	if res := exec.Execute(context.Background(), bad); res.Success {
		t.Fatal("bad chain succeeded")
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	byStatus := make(map[string]int64)
	var histCount uint64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch m.Name {
			case "toolfleet.chain.executions":
				sum := m.Data.(metricdata.Sum[int64])
				for _, dp := range sum.DataPoints {
					var chain, status string
					for _, kv := range dp.Attributes.ToSlice() {
						switch string(kv.Key) {
						case "chain":
							chain = kv.Value.AsString()
						case "status":
							status = kv.Value.AsString()
						}
					}
					if chain != "research" {
						t.Errorf("data point chain = %q, want research", chain)
					}
					byStatus[status] = dp.Value
				}
			case "toolfleet.chain.duration":
				hist := m.Data.(metricdata.Histogram[float64])
				for _, dp := range hist.DataPoints {
					histCount += dp.Count
				}
			}
		}
	}
	if byStatus["ok"] != 1 || byStatus["failed"] != 1 {
		t.Errorf("executions by status = %v, want ok=1 failed=1", byStatus)
	}
	if histCount != 2 {
		t.Errorf("duration samples = %d, want 2", histCount)
	}
}

func TestExecute_ConcurrentChainsDoNotLeak(t *testing.T) {
	t.Parallel()
	inv := newFakeInvoker()
	exec := NewExecutor(inv)

	chains := make([]*Chain, 3)
	for i := range chains {
		prefix := fmt.Sprintf("c%d", i)
		chains[i] = mustChain(t, Config{ID: prefix, Steps: []Step{
			{Name: prefix + "-a"},
			{Name: prefix + "-b", DependsOn: StringList{prefix + "-a"}},
		}})
	}

	results := make([]*Result, 3)
	var wg sync.WaitGroup
	for i, c := range chains {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = exec.Execute(context.Background(), c)
		}()
	}
	wg.Wait()

	for i, res := range results {
		if !res.Success {
			t.Fatalf("chain %d failed: %v", i, res.Err)
		}
		if len(res.Data) != 2 {
			t.Fatalf("chain %d has %d results, want 2", i, len(res.Data))
		}
		prefix := fmt.Sprintf("c%d-", i)
		for _, sr := range res.Data {
			if !strings.HasPrefix(sr.Step, prefix) {
				t.Errorf("chain %d contains foreign step %q", i, sr.Step)
			}
		}
	}
}
