package actions

import (
	"fmt"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/flexli/flexli/pkg/schema"
)

var validate = validator.New()

// WaitParams are the parameters of Flexli:CoreV1:Wait.
type WaitParams struct {
	Seconds int `mapstructure:"seconds" validate:"gte=0"`
}

// CustomEventParams are the parameters of Flexli:CoreV1:CustomEvent.
type CustomEventParams struct {
	EventType   string `mapstructure:"event_type" validate:"required"`
	ContentType string `mapstructure:"content_type" validate:"required_with=Body"`
	Body        any    `mapstructure:"body" validate:"required_with=ContentType"`
}

// RunWorkflowParams are the parameters of Flexli:CoreV1:RunWorkflow.
type RunWorkflowParams struct {
	WorkflowID      string         `mapstructure:"workflow_id" validate:"required"`
	WorkflowVersion int            `mapstructure:"workflow_version" validate:"gt=0"`
	WorkflowInput   map[string]any `mapstructure:"workflow_input" validate:"required"`
}

// IteratorParams are the parameters of Flexli:CoreV1:Iterator. ArrayPath is
// an expression when written and the resolved array when executed.
type IteratorParams struct {
	ArrayPath     any             `mapstructure:"array_path"`
	IteratorInput map[string]any  `mapstructure:"iterator_input"`
	Actions       []schema.Action `mapstructure:"actions" validate:"min=1,max=100"`
}

// BranchParams are the parameters of Flexli:CoreV1:Branch.
type BranchParams struct {
	Branches []Branch `mapstructure:"branches" validate:"min=1,max=100,dive"`
}

// Branch is one guarded action list of a Branch action.
type Branch struct {
	Description string            `mapstructure:"description"`
	Order       int               `mapstructure:"order" validate:"gt=0,lt=101"`
	Condition   *schema.Condition `mapstructure:"condition"`
	Actions     []schema.Action   `mapstructure:"actions" validate:"min=1,max=100"`
}

// DataParams are the parameters of the Flexli:CoreV1:Data placeholder.
type DataParams struct {
	Operation string `mapstructure:"operation" default:"read" validate:"oneof=read write query increment decrement"`
	Scope     string `mapstructure:"scope" default:"run" validate:"oneof=account workflow run"`
	Key       any    `mapstructure:"key"`
	Value     any    `mapstructure:"value"`
}

// DecodeParams fills out from params: struct defaults first, then the
// decoded values, then validation tags. Failures are CORE_ACTION_FAILURE.
func DecodeParams(typ string, params map[string]any, out any) error {
	if err := defaults.Set(out); err != nil {
		return coreFailure("%s: apply defaults: %v", shortType(typ), err)
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return fmt.Errorf("create decoder: %w", err)
	}
	if err := decoder.Decode(params); err != nil {
		return coreFailure("%s: invalid parameters: %v", shortType(typ), err)
	}
	if err := validate.Struct(out); err != nil {
		return coreFailure("%s: %s", shortType(typ), validationMessage(err))
	}
	return nil
}

// DecodeActions decodes a raw nested action list.
func DecodeActions(raw any) ([]schema.Action, error) {
	var out []schema.Action
	if err := mapstructure.Decode(raw, &out); err != nil {
		return nil, coreFailure("invalid nested actions: %v", err)
	}
	return out, nil
}

func validationMessage(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("'%s' failed '%s'", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}

func shortType(typ string) string {
	return strings.TrimPrefix(typ, schema.CoreV1Prefix)
}
