package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"
)

// Engine evaluates plan JSON against the built-in policies and the ones
// loaded from disk. A loaded policy shadows a built-in of the same name.
// Engine is safe for concurrent use.
type Engine struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	builtins map[string]*prepared
	custom   map[string]*prepared
}

type prepared struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		logger: logger.With().Str("component", "policy-engine").Logger(),
		custom: map[string]*prepared{},
	}
	var err error
	if e.builtins, err = prepareAll(context.Background(), GetBuiltinPolicies()); err != nil {
		return nil, fmt.Errorf("built-in policies: %w", err)
	}
	return e, nil
}

// prepare compiles p and prepares the query for its deny set.
func prepare(ctx context.Context, p Policy) (*prepared, error) {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, err
	}
	if module == nil {
		return nil, fmt.Errorf("policy %s has no rules", p.Name)
	}
	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}
	return &prepared{policy: p, query: query}, nil
}

func prepareAll(ctx context.Context, policies []Policy) (map[string]*prepared, error) {
	out := make(map[string]*prepared, len(policies))
	for _, p := range policies {
		pp, err := prepare(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", p.Name, err)
		}
		out[p.Name] = pp
	}
	return out, nil
}

// active returns a copy of the effective policy set in name order.
func (e *Engine) active() []prepared {
	e.mu.RLock()
	defer e.mu.RUnlock()
	merged := maps.Clone(e.builtins)
	maps.Copy(merged, e.custom)
	out := make([]prepared, 0, len(merged))
	for _, pp := range merged {
		out = append(out, *pp)
	}
	slices.SortFunc(out, func(a, b prepared) int { return strings.Compare(a.policy.Name, b.policy.Name) })
	return out
}

// LoadPolicies compiles the policies under paths and adds them to the
// loaded set. Nothing changes if any of them fails to compile.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	compiled, err := prepareAll(ctx, policies)
	if err != nil {
		return err
	}
	e.mu.Lock()
	maps.Copy(e.custom, compiled)
	e.mu.Unlock()
	e.logger.Info().Int("count", len(compiled)).Msg("Policies loaded")
	return nil
}

// ReplacePolicies swaps the loaded set for policies. Built-ins stay. It
// matches ReloadFunc so it can be handed to Loader.Watch.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	compiled, err := prepareAll(ctx, policies)
	if err != nil {
		e.logger.Error().Err(err).Msg("Keeping previous policies")
		return err
	}
	e.mu.Lock()
	e.custom = compiled
	e.mu.Unlock()
	return nil
}

// EvaluatePlan runs every enabled policy against planJSON. A policy that
// fails to evaluate is reported in Result.Errors and does not block.
func (e *Engine) EvaluatePlan(ctx context.Context, planJSON []byte) (*Result, error) {
	start := time.Now()
	var input any
	if err := json.Unmarshal(planJSON, &input); err != nil {
		return nil, fmt.Errorf("plan is not valid JSON: %w", err)
	}

	res := &Result{Allowed: true, EvaluatedPolicies: []string{}}
	for _, pp := range e.active() {
		if !pp.policy.Enabled {
			continue
		}
		res.EvaluatedPolicies = append(res.EvaluatedPolicies, pp.policy.Name)

		rs, err := pp.query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Error().Err(err).Str("policy", pp.policy.Name).Msg("Policy evaluation failed")
			res.Errors = append(res.Errors, fmt.Sprintf("policy %s: %v", pp.policy.Name, err))
			continue
		}
		for _, r := range rs {
			if len(r.Expressions) == 0 {
				continue
			}
			// a Rego set evaluates to a slice
			entries, _ := r.Expressions[0].Value.([]any)
			for _, entry := range entries {
				res.add(newViolation(pp.policy, entry))
			}
		}
	}
	res.Duration = time.Since(start)

	e.logger.Debug().
		Strs("policies", res.EvaluatedPolicies).
		Int("violations", len(res.Violations)).
		Int("warnings", len(res.Warnings)).
		Dur("duration", res.Duration).
		Msg("Plan evaluated")
	return res, nil
}

// newViolation reads a deny entry: either a message string or an object
// with message, and optionally resource and severity.
func newViolation(p Policy, entry any) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}
	switch d := entry.(type) {
	case string:
		v.Message = d
	case map[string]any:
		v.Message, _ = d["message"].(string)
		v.Resource, _ = d["resource"].(string)
		if s, ok := d["severity"].(string); ok {
			v.Severity = Severity(s)
		}
	default:
		v.Message = fmt.Sprint(entry)
	}
	return v
}

func (e *Engine) lookup(name string) (*prepared, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if pp, ok := e.custom[name]; ok {
		return pp, true
	}
	pp, ok := e.builtins[name]
	return pp, ok
}

// GetPolicy returns the effective policy called name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	pp, ok := e.lookup(name)
	if !ok {
		return nil, fmt.Errorf("policy %s not found", name)
	}
	e.mu.RLock()
	p := pp.policy
	e.mu.RUnlock()
	return &p, nil
}

// ListPolicies returns the effective policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	active := e.active()
	out := make([]Policy, len(active))
	for i, pp := range active {
		out[i] = pp.policy
	}
	return out
}

func (e *Engine) EnablePolicy(name string) error  { return e.setEnabled(name, true) }
func (e *Engine) DisablePolicy(name string) error { return e.setEnabled(name, false) }

func (e *Engine) setEnabled(name string, enabled bool) error {
	pp, ok := e.lookup(name)
	if !ok {
		return fmt.Errorf("policy %s not found", name)
	}
	e.mu.Lock()
	pp.policy.Enabled = enabled
	e.mu.Unlock()
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}
