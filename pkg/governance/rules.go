package governance

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Rule raises an action to Level when Expression evaluates to true.
//
// Expressions see agent (string), action_type (string), amount (double) and
// inputs (map).
type Rule struct {
	Name       string
	Expression string
	Level      RiskLevel
}

type compiledRule struct {
	Rule
	prg cel.Program
}

// RuleSet is a compiled list of CEL risk rules.
type RuleSet struct {
	rules []compiledRule
}

// NewRuleSet compiles rules. Any rule that fails to compile or does not
// produce a bool rejects the whole set.
func NewRuleSet(rules []Rule) (*RuleSet, error) {
	env, err := cel.NewEnv(
		cel.Variable("agent", cel.StringType),
		cel.Variable("action_type", cel.StringType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("inputs", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	rs := &RuleSet{}
	for _, r := range rules {
		lvl, ok := ParseRiskLevel(string(r.Level))
		if !ok {
			return nil, fmt.Errorf("rule %q: unknown risk level %q", r.Name, r.Level)
		}
		r.Level = lvl
		ast, issues := env.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %q: compile: %w", r.Name, issues.Err())
		}
		if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
			return nil, fmt.Errorf("rule %q: expression must be bool, got %s", r.Name, t)
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("rule %q: program: %w", r.Name, err)
		}
		rs.rules = append(rs.rules, compiledRule{Rule: r, prg: prg})
	}
	return rs, nil
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// Evaluate returns the highest level among matching rules and their names.
// Rules that fail to evaluate are reported in errs and treated as no match.
func (rs *RuleSet) Evaluate(agent, actionType string, inputs map[string]any) (level RiskLevel, matched []string, errs []error) {
	level = RiskLow
	if rs == nil {
		return level, nil, nil
	}
	if inputs == nil {
		inputs = map[string]any{}
	}
	vars := map[string]any{
		"agent":       agent,
		"action_type": actionType,
		"amount":      Amount(inputs),
		"inputs":      inputs,
	}
	for _, r := range rs.rules {
		out, _, err := r.prg.Eval(vars)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: eval: %w", r.Name, err))
			continue
		}
		if hit, ok := out.Value().(bool); ok && hit {
			level = maxRisk(level, r.Level)
			matched = append(matched, r.Name)
		}
	}
	return level, matched, errs
}
