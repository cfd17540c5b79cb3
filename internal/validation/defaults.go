package validation

import (
	"encoding/json"

	"github.com/creasty/defaults"

	"github.com/flexli/flexli/internal/actions"
	"github.com/flexli/flexli/pkg/schema"
)

// DefaultActionTimeout is the connector call timeout, in seconds, of an
// action that sets none.
const DefaultActionTimeout = 3

// ApplyDefaults fills unset optional fields of wf, including actions nested
// in Iterator and Branch parameters. Malformed nested lists are left as they
// are for the rule checks to report.
func ApplyDefaults(wf *schema.Workflow) error {
	if wf.OnError != nil {
		if wf.OnError.Backoff == nil {
			wf.OnError.Backoff = &schema.WorkflowBackoff{}
		}
		if err := defaults.Set(wf.OnError.Backoff); err != nil {
			return schema.NewError(schema.ErrCodeValidation, "apply workflow backoff defaults").WithCause(err)
		}
	}
	return applyActionDefaults(wf.Actions)
}

func applyActionDefaults(list []schema.Action) error {
	for i := range list {
		act := &list[i]

		if !schema.IsCoreV1(act.Type) {
			if act.Timeout == 0 {
				act.Timeout = DefaultActionTimeout
			}
			if act.OnError != nil {
				if act.OnError.Backoff == nil {
					act.OnError.Backoff = &schema.Backoff{}
				}
				if err := defaults.Set(act.OnError.Backoff); err != nil {
					return schema.NewError(schema.ErrCodeValidation, "apply backoff defaults").WithCause(err)
				}
			}
		}
		if act.WaitForCallback == nil && (!schema.IsCoreV1(act.Type) || act.Type == schema.ActionRunWorkflow) {
			wait := true
			act.WaitForCallback = &wait
		}

		switch act.Type {
		case schema.ActionIterator:
			if err := applyNestedDefaults(act.Parameters, "actions"); err != nil {
				return err
			}
		case schema.ActionBranch:
			branches, _ := act.Parameters["branches"].([]any)
			for _, b := range branches {
				if bm, ok := b.(map[string]any); ok {
					if err := applyNestedDefaults(bm, "actions"); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// applyNestedDefaults rewrites m[key], a raw action list, with defaults
// applied.
func applyNestedDefaults(m map[string]any, key string) error {
	raw, ok := m[key]
	if !ok {
		return nil
	}
	nested, err := actions.DecodeActions(raw)
	if err != nil {
		return nil
	}
	if err := applyActionDefaults(nested); err != nil {
		return err
	}
	encoded, err := json.Marshal(nested)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "encode nested actions").WithCause(err)
	}
	var out []any
	if err := json.Unmarshal(encoded, &out); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "decode nested actions").WithCause(err)
	}
	m[key] = out
	return nil
}
