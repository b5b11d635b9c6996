// Package chain executes declarative multi-step tool plans.
//
// A chain is built once from a [Config] and is immutable afterwards. Building
// validates the dependency graph: unknown dependency references and cycles
// are rejected up front, so execution never discovers a structural problem
// halfway through. Execution runs steps in dependency order, running
// independent steps concurrently, and substitutes the aliased output of
// completed steps into later steps' parameters.
package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// StringList unmarshals from either a single scalar or a sequence, so a step
// with one dependency can write `dependsOn: fetch` instead of a one-element
// list.
type StringList []string

// UnmarshalYAML implements [yaml.Unmarshaler].
func (s *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var one string
		if err := value.Decode(&one); err != nil {
			return err
		}
		*s = StringList{one}
		return nil
	case yaml.SequenceNode:
		var many []string
		if err := value.Decode(&many); err != nil {
			return err
		}
		*s = many
		return nil
	default:
		return fmt.Errorf("chain: dependsOn must be a string or a list of strings")
	}
}

// UnmarshalJSON implements [json.Unmarshaler] with the same scalar-or-list
// flexibility.
func (s *StringList) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var one string
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		*s = StringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// Step is one tool invocation in a chain. Name doubles as the step's identity
// within the chain and the dispatcher tool name to invoke.
type Step struct {
	Name       string         `yaml:"name" json:"name"`
	Parameters map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	DependsOn  StringList     `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`

	// MaxRetries is how many times a failing invocation is retried before the
	// step is treated as a hard failure. Zero means no retries.
	MaxRetries int `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`

	// TimeoutMs bounds a single invocation attempt. Zero means no step-level
	// timeout; the caller's context still applies.
	TimeoutMs int64 `yaml:"timeoutMs,omitempty" json:"timeoutMs,omitempty"`
}

// AbortConditions short-circuits retries: a step failure whose message
// contains any listed fragment aborts the chain immediately, retries
// notwithstanding.
type AbortConditions struct {
	ErrorContains []string `yaml:"errorContains,omitempty" json:"errorContains,omitempty"`
}

// Config is the declarative description of a chain. It is never mutated by
// the executor.
type Config struct {
	ID    string `yaml:"id" json:"id"`
	Name  string `yaml:"name,omitempty" json:"name,omitempty"`
	Steps []Step `yaml:"steps" json:"steps"`

	AbortConditions *AbortConditions `yaml:"abortConditions,omitempty" json:"abortConditions,omitempty"`

	// ResultMapping assigns an alias to a step's output. Later steps reference
	// the output as a parameter value of "$alias".
	ResultMapping map[string]string `yaml:"resultMapping,omitempty" json:"resultMapping,omitempty"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Build-time errors
// ──────────────────────────────────────────────────────────────────────────────

// UnknownDependencyError reports a dependsOn entry naming no step in the
// chain.
type UnknownDependencyError struct {
	Step       string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("chain: step %q depends on unknown step %q", e.Step, e.Dependency)
}

// CircularDependencyError reports a dependency cycle. Cycle holds the step
// names along the cycle, ending at the step that closed it.
type CircularDependencyError struct {
	Cycle []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("chain: circular dependency: %s", strings.Join(e.Cycle, " -> "))
}

// UnresolvedReferenceError reports a "$alias" parameter value with no
// matching entry in the chain's result mapping.
type UnresolvedReferenceError struct {
	Step      string
	Reference string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("chain: step %q references %q, which no result mapping provides", e.Step, e.Reference)
}

// StepError reports a step whose invocation exhausted its retries or matched
// an abort condition. It carries the failing step name and the underlying
// cause.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("chain: step %q failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// ──────────────────────────────────────────────────────────────────────────────
// Chain construction
// ──────────────────────────────────────────────────────────────────────────────

// Chain is a validated, immutable execution plan built by [New].
type Chain struct {
	cfg         Config
	steps       map[string]Step   // by step name
	aliasToStep map[string]string // result alias -> producing step
}

// New validates cfg and builds the execution plan. All structural problems
// are reported together via [errors.Join]: unknown dependencies, dependency
// cycles and unresolved "$alias" references.
func New(cfg Config) (*Chain, error) {
	var errs []error
	if cfg.ID == "" {
		errs = append(errs, errors.New("chain: config must have a non-empty id"))
	}
	if len(cfg.Steps) == 0 {
		errs = append(errs, errors.New("chain: config must have at least one step"))
	}

	steps := make(map[string]Step, len(cfg.Steps))
	for _, st := range cfg.Steps {
		if st.Name == "" {
			errs = append(errs, errors.New("chain: every step must have a non-empty name"))
			continue
		}
		if _, dup := steps[st.Name]; dup {
			errs = append(errs, fmt.Errorf("chain: duplicate step name %q", st.Name))
			continue
		}
		steps[st.Name] = st
	}

	for _, st := range cfg.Steps {
		for _, dep := range st.DependsOn {
			if _, ok := steps[dep]; !ok {
				errs = append(errs, &UnknownDependencyError{Step: st.Name, Dependency: dep})
			}
		}
	}

	// Cycle detection only makes sense once all references resolve.
	if len(errs) == 0 {
		if cyc := findCycle(cfg.Steps, steps); cyc != nil {
			errs = append(errs, &CircularDependencyError{Cycle: cyc})
		}
	}

	aliasToStep := make(map[string]string, len(cfg.ResultMapping))
	for step, alias := range cfg.ResultMapping {
		if _, ok := steps[step]; !ok {
			errs = append(errs, fmt.Errorf("chain: result mapping names unknown step %q", step))
			continue
		}
		if prev, dup := aliasToStep[alias]; dup {
			errs = append(errs, fmt.Errorf("chain: alias %q mapped to both %q and %q", alias, prev, step))
			continue
		}
		aliasToStep[alias] = step
	}

	for _, st := range cfg.Steps {
		for _, ref := range collectRefs(st.Parameters) {
			if _, ok := aliasToStep[ref]; !ok {
				errs = append(errs, &UnresolvedReferenceError{Step: st.Name, Reference: "$" + ref})
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &Chain{cfg: cfg, steps: steps, aliasToStep: aliasToStep}, nil
}

// ID returns the chain's configured id.
func (c *Chain) ID() string { return c.cfg.ID }

// Name returns the chain's configured display name.
func (c *Chain) Name() string { return c.cfg.Name }

// Steps returns the chain's steps in declaration order.
func (c *Chain) Steps() []Step { return c.cfg.Steps }

// findCycle runs a depth-first traversal over the dependency edges with an
// explicit recursion stack. Revisiting a node that is still on the stack
// closes a cycle; the returned slice walks the cycle from its entry point
// back to itself. Returns nil for an acyclic graph.
func findCycle(order []Step, steps map[string]Step) []string {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(steps))
	var stack []string

	var visit func(name string) []string
	visit = func(name string) []string {
		state[name] = onStack
		stack = append(stack, name)
		for _, dep := range steps[name].DependsOn {
			switch state[dep] {
			case onStack:
				// Slice the stack from the first occurrence of dep to close
				// the reported cycle.
				for i, n := range stack {
					if n == dep {
						return append(append([]string{}, stack[i:]...), dep)
					}
				}
			case unvisited:
				if cyc := visit(dep); cyc != nil {
					return cyc
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		return nil
	}

	for _, st := range order {
		if state[st.Name] == unvisited {
			if cyc := visit(st.Name); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}

// collectRefs walks a parameter tree and gathers every "$alias" string value,
// without the leading dollar sign.
func collectRefs(v any) []string {
	var out []string
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			if len(t) > 1 && t[0] == '$' {
				out = append(out, t[1:])
			}
		case map[string]any:
			for _, e := range t {
				walk(e)
			}
		case []any:
			for _, e := range t {
				walk(e)
			}
		}
	}
	walk(v)
	return out
}
