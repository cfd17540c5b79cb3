package conditions

import (
	"fmt"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/flexli/flexli/internal/expressions"
	"github.com/google/cel-go/cel"
	"golang.org/x/mod/semver"
)

// predicateEnv is the expr environment every scalar predicate runs against.
type predicateEnv struct {
	Values []any `expr:"values"`
	Target any   `expr:"target"`
}

// scalarPredicates hold the set semantics of each operator: eq, lt, lte, gt,
// gte and starts_with hold when any value matches, ne only when all differ.
var scalarPredicates = map[string]string{
	"eq":          "any(values, # == target)",
	"ne":          "all(values, # != target)",
	"lt":          "any(values, # < target)",
	"lte":         "any(values, # <= target)",
	"gt":          "any(values, # > target)",
	"gte":         "any(values, # >= target)",
	"starts_with": "any(values, # startsWith target)",
}

// datePredicates compare timestamps; before is inclusive, after is strict.
var datePredicates = map[string]string{
	"before": "values.exists(v, v <= target)",
	"after":  "values.exists(v, v > target)",
}

// predicates holds the compiled programs for every operator. Programs are
// compiled once and are safe for concurrent use.
type predicates struct {
	scalar map[string]*vm.Program
	date   map[string]cel.Program
}

func compilePredicates() (*predicates, error) {
	p := &predicates{
		scalar: make(map[string]*vm.Program, len(scalarPredicates)),
		date:   make(map[string]cel.Program, len(datePredicates)),
	}

	for op, src := range scalarPredicates {
		prg, err := expr.Compile(src, expr.Env(predicateEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("compile %s predicate: %w", op, err)
		}
		p.scalar[op] = prg
	}

	env, err := cel.NewEnv(
		cel.Variable("values", cel.ListType(cel.TimestampType)),
		cel.Variable("target", cel.TimestampType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	for op, src := range datePredicates {
		ast, issues := env.Compile(src)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compile %s predicate: %w", op, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("program %s predicate: %w", op, err)
		}
		p.date[op] = prg
	}
	return p, nil
}

func (p *predicates) scalarMatch(op string, values []any, target any) (bool, error) {
	prg, ok := p.scalar[op]
	if !ok {
		return false, fmt.Errorf("unsupported operator %q", op)
	}
	out, err := expr.Run(prg, predicateEnv{Values: values, Target: target})
	if err != nil {
		return false, err
	}
	matched, _ := out.(bool)
	return matched, nil
}

func (p *predicates) dateMatch(op string, values []any, target any) (bool, error) {
	prg, ok := p.date[op]
	if !ok {
		return false, fmt.Errorf("unsupported operator %q", op)
	}

	targetTime, err := expressions.ParseTime(target)
	if err != nil {
		return false, err
	}
	times := make([]time.Time, 0, len(values))
	for _, v := range values {
		t, err := expressions.ParseTime(v)
		if err != nil {
			return false, err
		}
		times = append(times, t)
	}

	out, _, err := prg.Eval(map[string]any{"values": times, "target": targetTime})
	if err != nil {
		return false, err
	}
	matched, _ := out.Value().(bool)
	return matched, nil
}

func (p *predicates) versionMatch(op string, values []any, target any) (bool, error) {
	want, err := canonicalVersion(target)
	if err != nil {
		return false, err
	}

	cmp := func(v any) (int, error) {
		have, err := canonicalVersion(v)
		if err != nil {
			return 0, err
		}
		return semver.Compare(have, want), nil
	}

	if op == "ne" {
		for _, v := range values {
			c, err := cmp(v)
			if err != nil {
				return false, err
			}
			if c == 0 {
				return false, nil
			}
		}
		return true, nil
	}

	for _, v := range values {
		c, err := cmp(v)
		if err != nil {
			return false, err
		}
		var ok bool
		switch op {
		case "eq":
			ok = c == 0
		case "lt":
			ok = c < 0
		case "lte":
			ok = c <= 0
		case "gt":
			ok = c > 0
		case "gte":
			ok = c >= 0
		default:
			return false, fmt.Errorf("unsupported operator %q", op)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// canonicalVersion accepts "1.2.3" or "v1.2.3" style strings.
func canonicalVersion(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("version must be a string, got %T", v)
	}
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "v") {
		s = "v" + s
	}
	if !semver.IsValid(s) {
		return "", fmt.Errorf("invalid version %q", v)
	}
	return s, nil
}
