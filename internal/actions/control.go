package actions

import (
	"context"
	"sort"

	"github.com/flexli/flexli/internal/expressions"
	"github.com/flexli/flexli/internal/transforms"
	"github.com/flexli/flexli/pkg/schema"
)

// --- Flexli:CoreV1:Iterator ---

// iteratorAction runs its action list once per array element, each time as
// a separate child run. Children run sequentially and to completion.
type iteratorAction struct {
	deps Deps
}

func (a *iteratorAction) Type() string { return schema.ActionIterator }

func (a *iteratorAction) Description() string {
	return "Run a list of actions once for each element of an array."
}

func (a *iteratorAction) Validate(params map[string]any) error {
	var p IteratorParams
	if err := DecodeParams(schema.ActionIterator, params, &p); err != nil {
		return err
	}
	if !expressions.IsExpression(p.ArrayPath) {
		return coreFailure("Iterator: 'array_path' must be an expression.")
	}
	for _, act := range p.Actions {
		if act.Type == schema.ActionIterator {
			return coreFailure("Iterator: iterators cannot be nested.")
		}
	}
	return nil
}

func (a *iteratorAction) Execute(ctx context.Context, inv *Invocation) (any, error) {
	var p IteratorParams
	if err := DecodeParams(schema.ActionIterator, inv.Params, &p); err != nil {
		return nil, err
	}
	items, ok := p.ArrayPath.([]any)
	if !ok {
		return nil, coreFailure("The value for 'array_path' is not an array.")
	}
	if inv.Nested {
		return nil, coreFailure("Iterator: iterators cannot be nested.")
	}

	for i, item := range items {
		input := item
		if len(p.IteratorInput) > 0 {
			var err error
			input, err = transforms.Apply(ctx, inv.Exec.WithIteratorValue(item), transforms.Input{
				Source:  item,
				Updates: p.IteratorInput,
			})
			if err != nil {
				return nil, err
			}
		}
		a.deps.Logger.DebugContext(ctx, "iterator item", "index", i)
		if err := inv.Host.RunChild(ctx, inv, input, CloneActions(p.Actions), item); err != nil {
			return nil, err
		}
	}
	return emptyResult(), nil
}

// --- Flexli:CoreV1:Branch ---

// branchAction runs the action list of the first branch, in order, whose
// condition is absent or holds against the run state. Later branches are
// skipped.
type branchAction struct {
	deps Deps
}

func (a *branchAction) Type() string { return schema.ActionBranch }

func (a *branchAction) Description() string {
	return "Run the actions of the first branch whose condition holds."
}

func (a *branchAction) Validate(params map[string]any) error {
	var p BranchParams
	return DecodeParams(schema.ActionBranch, params, &p)
}

func (a *branchAction) Execute(ctx context.Context, inv *Invocation) (any, error) {
	var p BranchParams
	if err := DecodeParams(schema.ActionBranch, inv.Params, &p); err != nil {
		return nil, err
	}

	branches := make([]Branch, len(p.Branches))
	copy(branches, p.Branches)
	sort.SliceStable(branches, func(i, j int) bool {
		return branches[i].Order < branches[j].Order
	})

	for _, b := range branches {
		if b.Condition != nil && !a.deps.Conditions.Evaluate(ctx, inv.Exec, b.Condition, inv.State) {
			continue
		}
		a.deps.Logger.DebugContext(ctx, "branch selected", "branch_order", b.Order)
		if err := inv.Host.RunInline(ctx, inv, CloneActions(b.Actions)); err != nil {
			return nil, err
		}
		break
	}
	return emptyResult(), nil
}

// CloneActions deep-copies an action list's mutable maps.
func CloneActions(actions []schema.Action) []schema.Action {
	out := make([]schema.Action, len(actions))
	for i, act := range actions {
		act.Parameters = expressions.DeepCopyMap(act.Parameters)
		act.Variables = expressions.DeepCopyMap(act.Variables)
		act.Transform = expressions.DeepCopyMap(act.Transform)
		out[i] = act
	}
	return out
}
