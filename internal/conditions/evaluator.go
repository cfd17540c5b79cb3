// Package conditions evaluates the Condition → Criteria → Attribute rule tree
// that gates workflow sources and actions.
package conditions

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/flexli/flexli/internal/expressions"
	"github.com/flexli/flexli/pkg/schema"
)

// Evaluator evaluates conditions against JSON resources. Evaluation is total:
// malformed expressions, missing data and type mismatches all yield false.
// Thread-safe.
type Evaluator struct {
	predicates *predicates
	logger     *slog.Logger
}

// NewEvaluator compiles the operator predicates and returns an Evaluator.
func NewEvaluator(logger *slog.Logger) (*Evaluator, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	p, err := compilePredicates()
	if err != nil {
		return nil, err
	}
	return &Evaluator{predicates: p, logger: logger}, nil
}

// Evaluate reports whether resource satisfies cond. A nil condition holds.
func (e *Evaluator) Evaluate(ctx context.Context, ec *expressions.ExecContext, cond *schema.Condition, resource any) bool {
	if cond == nil {
		return true
	}
	return combine(cond.EffectiveOperator(), len(cond.Criteria), func(i int) bool {
		return e.EvaluateCriteria(ctx, ec, &cond.Criteria[i], resource)
	})
}

// EvaluateCriteria reports whether resource satisfies one criteria group.
func (e *Evaluator) EvaluateCriteria(ctx context.Context, ec *expressions.ExecContext, c *schema.Criteria, resource any) bool {
	return combine(c.EffectiveOperator(), len(c.Attributes), func(i int) bool {
		return e.EvaluateAttribute(ctx, ec, &c.Attributes[i], resource)
	})
}

// combine applies and/or over n lazily evaluated terms. An empty "and" holds,
// an empty "or" does not.
func combine(op string, n int, term func(int) bool) bool {
	switch op {
	case schema.OperatorAnd:
		for i := 0; i < n; i++ {
			if !term(i) {
				return false
			}
		}
		return true
	case schema.OperatorOr:
		for i := 0; i < n; i++ {
			if term(i) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// EvaluateAttribute resolves the attribute's values and comparison value
// against resource and applies the type's operator. Any failure is false.
func (e *Evaluator) EvaluateAttribute(ctx context.Context, ec *expressions.ExecContext, attr *schema.Attribute, resource any) bool {
	matched, err := e.evaluateAttribute(ctx, ec, attr, resource)
	if err != nil {
		e.logger.DebugContext(ctx, "attribute evaluated false",
			"attribute", attr.Attribute,
			"type", attr.Type,
			"operator", attr.Operator,
			"error", err,
		)
		return false
	}
	return matched
}

func (e *Evaluator) evaluateAttribute(ctx context.Context, ec *expressions.ExecContext, attr *schema.Attribute, resource any) (bool, error) {
	if !expressions.IsExpression(attr.Attribute) {
		return false, fmt.Errorf("attribute %q is not an expression", attr.Attribute)
	}

	found, err := ec.Resolve(ctx, attr.Attribute, resource)
	if err != nil {
		return false, err
	}
	values := valueSet(found)
	if len(values) == 0 {
		return false, nil
	}

	// Resolved at evaluation time so the per-step state is live.
	target, err := ec.Value(ctx, attr.Value, resource)
	if err != nil {
		return false, err
	}

	switch attr.Type {
	case schema.AttributeString, schema.AttributeNumber, schema.AttributeBoolean:
		return e.predicates.scalarMatch(attr.Operator, values, target)
	case schema.AttributeDate:
		return e.predicates.dateMatch(attr.Operator, values, target)
	case schema.AttributeVersion:
		return e.predicates.versionMatch(attr.Operator, values, target)
	default:
		return false, fmt.Errorf("unsupported attribute type %q", attr.Type)
	}
}

// valueSet turns a resolved attribute into the set of values to compare: a
// list is used as is, a scalar or object becomes a one-element set and an
// absent value is the empty set.
func valueSet(found any) []any {
	switch v := found.(type) {
	case nil:
		return nil
	case []any:
		return v
	default:
		return []any{v}
	}
}
