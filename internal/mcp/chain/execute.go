package chain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nydiokar/toolfleet/internal/mcp"
	"github.com/nydiokar/toolfleet/internal/observe"
)

// Invoker is the tool-invocation primitive the executor runs steps through.
// [mcp.Dispatcher] satisfies it.
type Invoker interface {
	ExecuteTool(ctx context.Context, name string, args map[string]any) (*mcp.ToolResponse, error)
}

// StepResult is the recorded outcome of one completed step.
type StepResult struct {
	Step       string `json:"step"`
	Output     string `json:"output"`
	Attempts   int    `json:"attempts"`
	DurationMs int64  `json:"durationMs"`
}

// Result is the aggregate outcome of one chain execution. Data holds the
// outputs of completed steps in completion order; on failure it is the
// partial progress made before the chain aborted. Err is set iff Success is
// false and is always a [*StepError] naming the first failing step.
type Result struct {
	ChainID     string       `json:"chainId"`
	ExecutionID string       `json:"executionId"`
	Success     bool         `json:"success"`
	Data        []StepResult `json:"data"`
	Err         error        `json:"-"`
	DurationMs  int64        `json:"durationMs"`
}

// Executor runs validated chains against an [Invoker]. Safe for concurrent
// use; concurrent executions share nothing but the invoker.
type Executor struct {
	inv Invoker
	now func() time.Time
	met *observe.Metrics
}

// NewExecutor builds an executor routing all step invocations through inv.
func NewExecutor(inv Invoker) *Executor {
	return &Executor{inv: inv, now: time.Now, met: observe.DefaultMetrics()}
}

// stepOutcome travels from a step goroutine back to the scheduler.
type stepOutcome struct {
	step     string
	output   string
	attempts int
	started  time.Time
	finished time.Time
	err      error
}

// Execute runs the chain to completion or first hard failure. Steps whose
// dependencies are all satisfied run concurrently. On a hard failure no new
// steps are started; steps already in flight are awaited and their outputs,
// when successful, still count as partial progress. Completed steps are never
// rolled back.
func (e *Executor) Execute(ctx context.Context, c *Chain) *Result {
	execID := uuid.NewString()
	ctx, span := observe.StartSpan(ctx, "chain.execute", trace.WithAttributes(
		attribute.String("chain.id", c.cfg.ID),
		attribute.String("chain.execution_id", execID),
		attribute.Int("chain.steps", len(c.cfg.Steps)),
	))
	defer span.End()

	log := observe.Logger(ctx).With("chain", c.cfg.ID, "execution", execID)
	start := e.now()
	res := &Result{ChainID: c.cfg.ID, ExecutionID: execID}

	waiting := make(map[string]int, len(c.cfg.Steps)) // unmet dependency count
	dependents := make(map[string][]string)
	for _, st := range c.cfg.Steps {
		waiting[st.Name] = len(st.DependsOn)
		for _, dep := range st.DependsOn {
			dependents[dep] = append(dependents[dep], st.Name)
		}
	}

	outputs := make(map[string]string, len(c.cfg.Steps)) // by step name
	outcomes := make(chan stepOutcome)
	inFlight := 0
	var firstErr *StepError

	launch := func(name string) {
		st := c.steps[name]
		params, err := c.resolveParams(st, outputs)
		if err != nil {
			// Treated like an invocation failure so partial progress is kept.
			go func() { outcomes <- stepOutcome{step: name, err: err, started: e.now(), finished: e.now()} }()
			inFlight++
			return
		}
		inFlight++
		go e.runStep(ctx, c, st, params, outcomes)
	}

	// Seed with every step that has no dependencies.
	for _, st := range c.cfg.Steps {
		if waiting[st.Name] == 0 {
			launch(st.Name)
		}
	}

	for inFlight > 0 {
		out := <-outcomes
		inFlight--

		if out.err != nil {
			log.Warn("chain step failed", "step", out.step, "attempts", out.attempts, "err", out.err)
			if firstErr == nil {
				firstErr = &StepError{Step: out.step, Err: out.err}
			}
			continue
		}

		outputs[out.step] = out.output
		res.Data = append(res.Data, StepResult{
			Step:       out.step,
			Output:     out.output,
			Attempts:   out.attempts,
			DurationMs: out.finished.Sub(out.started).Milliseconds(),
		})

		if firstErr != nil {
			continue // draining, nothing new starts
		}
		for _, next := range dependents[out.step] {
			waiting[next]--
			if waiting[next] == 0 {
				launch(next)
			}
		}
	}

	elapsed := e.now().Sub(start)
	res.DurationMs = elapsed.Milliseconds()
	if firstErr != nil {
		res.Err = firstErr
		span.RecordError(firstErr)
		e.met.RecordChainExecution(ctx, c.cfg.ID, "failed", elapsed.Seconds())
		log.Warn("chain aborted", "failed_step", firstErr.Step,
			"completed", len(res.Data), "duration_ms", res.DurationMs)
		return res
	}
	res.Success = true
	e.met.RecordChainExecution(ctx, c.cfg.ID, "ok", elapsed.Seconds())
	log.Info("chain completed", "steps", len(res.Data), "duration_ms", res.DurationMs)
	return res
}

// runStep invokes one step with per-attempt timeout and the step's retry
// budget, reporting the outcome on out.
func (e *Executor) runStep(ctx context.Context, c *Chain, st Step, params map[string]any, out chan<- stepOutcome) {
	ctx, span := observe.StartSpan(ctx, "chain.step", trace.WithAttributes(
		attribute.String("chain.step", st.Name),
	))
	defer span.End()

	started := e.now()
	var lastErr error
	for attempt := 1; attempt <= st.MaxRetries+1; attempt++ {
		output, err := e.invokeOnce(ctx, st, params)
		if err == nil {
			out <- stepOutcome{step: st.Name, output: output, attempts: attempt, started: started, finished: e.now()}
			return
		}
		lastErr = err
		if c.abortsOn(err) {
			span.RecordError(err)
			out <- stepOutcome{step: st.Name, attempts: attempt, started: started, finished: e.now(), err: err}
			return
		}
		if ctx.Err() != nil {
			break
		}
		if attempt <= st.MaxRetries {
			observe.Logger(ctx).Debug("retrying chain step",
				"step", st.Name, "attempt", attempt, "max_retries", st.MaxRetries, "err", err)
		}
	}
	span.RecordError(lastErr)
	out <- stepOutcome{step: st.Name, attempts: st.MaxRetries + 1, started: started, finished: e.now(), err: lastErr}
}

// invokeOnce performs a single invocation attempt. When the step declares a
// timeout, a response arriving after the deadline is discarded rather than
// misapplied: the invocation goroutine writes into a buffered channel nobody
// reads once the attempt is over.
func (e *Executor) invokeOnce(ctx context.Context, st Step, params map[string]any) (string, error) {
	callCtx := ctx
	cancel := context.CancelFunc(func() {})
	if st.TimeoutMs > 0 {
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(st.TimeoutMs)*time.Millisecond)
	}
	defer cancel()

	type outcome struct {
		resp *mcp.ToolResponse
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		resp, err := e.inv.ExecuteTool(callCtx, st.Name, params)
		ch <- outcome{resp: resp, err: err}
	}()

	select {
	case <-callCtx.Done():
		return "", fmt.Errorf("chain: step %q: %w", st.Name, callCtx.Err())
	case o := <-ch:
		if o.err != nil {
			return "", o.err
		}
		if o.resp.IsError {
			return "", fmt.Errorf("chain: tool %q reported an error: %s", st.Name, o.resp.Content)
		}
		return o.resp.Content, nil
	}
}

// abortsOn reports whether err matches one of the chain's abort conditions.
func (c *Chain) abortsOn(err error) bool {
	if c.cfg.AbortConditions == nil {
		return false
	}
	msg := err.Error()
	for _, frag := range c.cfg.AbortConditions.ErrorContains {
		if frag != "" && strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// resolveParams deep-copies the step's parameters, replacing every "$alias"
// string value with the output of the step the alias maps to. Referencing a
// step that has not completed is an execution error; build-time validation
// already guarantees the alias itself exists.
func (c *Chain) resolveParams(st Step, outputs map[string]string) (map[string]any, error) {
	if st.Parameters == nil {
		return nil, nil
	}
	resolved, err := c.resolveValue(st.Name, st.Parameters, outputs)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

func (c *Chain) resolveValue(step string, v any, outputs map[string]string) (any, error) {
	switch t := v.(type) {
	case string:
		if len(t) > 1 && t[0] == '$' {
			producer := c.aliasToStep[t[1:]]
			out, done := outputs[producer]
			if !done {
				return nil, fmt.Errorf("chain: step %q references %q before step %q completed", step, t, producer)
			}
			return out, nil
		}
		return t, nil
	case map[string]any:
		resolved := make(map[string]any, len(t))
		for k, e := range t {
			r, err := c.resolveValue(step, e, outputs)
			if err != nil {
				return nil, err
			}
			resolved[k] = r
		}
		return resolved, nil
	case []any:
		resolved := make([]any, len(t))
		for i, e := range t {
			r, err := c.resolveValue(step, e, outputs)
			if err != nil {
				return nil, err
			}
			resolved[i] = r
		}
		return resolved, nil
	default:
		return v, nil
	}
}
