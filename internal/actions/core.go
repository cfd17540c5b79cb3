package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/flexli/flexli/pkg/schema"
)

// Suspend is returned by Wait when the run must be parked until Until.
type Suspend struct {
	Until time.Time
}

func (s *Suspend) Error() string {
	return fmt.Sprintf("run suspended until %s", s.Until.UTC().Format(time.RFC3339))
}

// --- Flexli:CoreV1:Transform ---

// transformAction only relabels a transform. It has no effect of its own;
// its result is the prepared parameters, which the action's transform then
// merges into state.
type transformAction struct{}

func (a *transformAction) Type() string { return schema.ActionTransform }

func (a *transformAction) Description() string {
	return "Apply the action transform to the run state."
}

func (a *transformAction) Validate(_ map[string]any) error { return nil }

func (a *transformAction) Execute(_ context.Context, inv *Invocation) (any, error) {
	if inv.Params == nil {
		return map[string]any{}, nil
	}
	return inv.Params, nil
}

// --- Flexli:CoreV1:Data ---

// dataAction is a placeholder for scoped key/value storage.
type dataAction struct{}

func (a *dataAction) Type() string { return schema.ActionData }

func (a *dataAction) Description() string {
	return "Reserved for scoped data operations. Currently a no-op."
}

func (a *dataAction) Validate(params map[string]any) error {
	var p DataParams
	return DecodeParams(schema.ActionData, params, &p)
}

func (a *dataAction) Execute(_ context.Context, inv *Invocation) (any, error) {
	var p DataParams
	if err := DecodeParams(schema.ActionData, inv.Params, &p); err != nil {
		return nil, err
	}
	return emptyResult(), nil
}

// --- Flexli:CoreV1:Wait ---

type waitAction struct {
	deps Deps
}

func (a *waitAction) Type() string { return schema.ActionWait }

func (a *waitAction) Description() string {
	return "Pause the run for a number of seconds."
}

func (a *waitAction) Validate(params map[string]any) error {
	var p WaitParams
	return DecodeParams(schema.ActionWait, params, &p)
}

func (a *waitAction) Execute(ctx context.Context, inv *Invocation) (any, error) {
	var p WaitParams
	if err := DecodeParams(schema.ActionWait, inv.Params, &p); err != nil {
		return nil, err
	}
	d := time.Duration(p.Seconds) * time.Second

	if d > a.deps.WaitThreshold && !inv.Nested {
		return nil, &Suspend{Until: a.deps.Clock().Add(d)}
	}
	if err := a.deps.Sleep(ctx, d); err != nil {
		return nil, err
	}
	return emptyResult(), nil
}
