package validation

import (
	"fmt"
	"regexp"
	"slices"

	"github.com/flexli/flexli/internal/actions"
	"github.com/flexli/flexli/internal/expressions"
	"github.com/flexli/flexli/pkg/schema"
)

var (
	connectorTypeRe = regexp.MustCompile(`^[a-zA-Z0-9]+$`)
	cronRe          = regexp.MustCompile(`^(?:([0-9]|[1-5][0-9])|[*]) (?:[0-9]|1[0-9]|2[0-3]|[*]) (?:[1-9]|[12][0-9]|3[01]|[*]) (?:[1-9]|1[0-2]|[*]) (?:[1-7]|[*?])$`)
	rateRe          = regexp.MustCompile(`^\d+ (?:minute|minutes|hour|hours|day|days)$`)
)

// BuiltinLookup resolves built-in action handlers. Satisfied by
// *actions.Registry.
type BuiltinLookup interface {
	Get(typ string) (actions.Builtin, error)
}

// validateRules runs the checks the workflow schema cannot express.
func validateRules(wf *schema.Workflow, lookup BuiltinLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if wf.Source != nil {
		validateSource(wf.Source, "/source", result)
	}
	validateActionList(wf.Actions, "/actions", false, lookup, result)
	return result
}

func validateSource(src *schema.Source, path string, result *schema.ValidationResult) {
	switch src.Type {
	case schema.SourceSchedule:
		if src.Condition != nil || len(src.Transform) > 0 {
			result.AddError(path, schema.ErrCodeValidation, "schedule sources take no condition or transform")
		}
		validateSchedule(src.Parameters, path+"/parameters", result)
		return

	case schema.SourceCustomEvent:
		et, ok := src.Parameters["event_type"].(string)
		if !ok || et == "" {
			result.AddError(path+"/parameters/event_type", schema.ErrCodeValidation, "'event_type' is required")
		}
		for k := range src.Parameters {
			if k != "event_type" {
				result.AddError(path+"/parameters/"+k, schema.ErrCodeValidation, "unknown parameter")
			}
		}

	default:
		if schema.IsCoreV1(src.Type) {
			result.AddError(path+"/type", schema.ErrCodeValidation, fmt.Sprintf("unsupported source type %q", src.Type))
			return
		}
		if src.ConnectorID == "" {
			result.AddError(path+"/connector_id", schema.ErrCodeValidation, "event sources require 'connector_id'")
		}
		if !connectorTypeRe.MatchString(src.Type) {
			result.AddError(path+"/type", schema.ErrCodeValidation, "event type must be alphanumeric")
		}
	}
	validateCondition(src.Condition, path+"/condition", result)
}

func validateSchedule(params map[string]any, path string, result *schema.ValidationResult) {
	cron, _ := params["cron"].(string)
	rate, _ := params["rate"].(string)
	for k := range params {
		if k != "cron" && k != "rate" {
			result.AddError(path+"/"+k, schema.ErrCodeValidation, "unknown parameter")
		}
	}

	switch {
	case cron == "" && rate == "":
		result.AddError(path, schema.ErrCodeValidation, "Must set one of 'cron' or 'rate'")
	case cron != "" && rate != "":
		result.AddError(path, schema.ErrCodeValidation, "Can only set one of 'cron' or 'rate'")
	case cron != "" && !cronRe.MatchString(cron):
		result.AddError(path+"/cron", schema.ErrCodeValidation, fmt.Sprintf("invalid cron expression %q", cron))
	case rate != "" && !rateRe.MatchString(rate):
		result.AddError(path+"/rate", schema.ErrCodeValidation, fmt.Sprintf("invalid rate expression %q", rate))
	}
}

func validateActionList(list []schema.Action, path string, inIterator bool, lookup BuiltinLookup, result *schema.ValidationResult) {
	seen := make(map[int]bool, len(list))
	for i := range list {
		act := &list[i]
		actPath := fmt.Sprintf("%s/%d", path, i)
		if seen[act.Order] {
			result.AddError(actPath+"/order", schema.ErrCodeValidation, "Action order values must be unique")
		}
		seen[act.Order] = true
		validateAction(act, actPath, inIterator, lookup, result)
	}
}

func validateAction(act *schema.Action, path string, inIterator bool, lookup BuiltinLookup, result *schema.ValidationResult) {
	validateCondition(act.Condition, path+"/condition", result)

	if !schema.IsCoreV1(act.Type) {
		if act.ConnectorID == "" {
			result.AddError(path+"/connector_id", schema.ErrCodeValidation, "connector actions require 'connector_id'")
		}
		if !connectorTypeRe.MatchString(act.Type) {
			result.AddError(path+"/type", schema.ErrCodeValidation, "connector action type must be alphanumeric")
		}
		return
	}

	if act.ConnectorID != "" {
		result.AddError(path+"/connector_id", schema.ErrCodeValidation, "built-in actions take no 'connector_id'")
	}
	if act.OnError != nil {
		result.AddError(path+"/on_error", schema.ErrCodeValidation, "'on_error' applies to connector actions only")
	}
	if act.Type == schema.ActionTransform && len(act.Transform) == 0 {
		result.AddWarning(path+"/transform", schema.ErrCodeValidation, "Transform action without 'transform' has no effect")
	}
	if act.Type == schema.ActionIterator {
		if inIterator {
			result.AddError(path+"/type", schema.ErrCodeValidation, "iterators cannot be nested")
		}
		if len(act.Transform) > 0 {
			result.AddError(path+"/transform", schema.ErrCodeValidation, "Iterator actions take no 'transform'")
		}
	}

	if lookup != nil {
		b, err := lookup.Get(act.Type)
		if err != nil {
			result.AddError(path+"/type", schema.ErrCodeUnsupportedAction, err.Error())
			return
		}
		if err := b.Validate(act.Parameters); err != nil {
			result.AddError(path+"/parameters", schema.ErrCodeValidation, errorMessage(err))
			return
		}
	}

	switch act.Type {
	case schema.ActionIterator:
		nested, err := actions.DecodeActions(act.Parameters["actions"])
		if err == nil {
			validateActionList(nested, path+"/parameters/actions", true, lookup, result)
		}
	case schema.ActionBranch:
		var p actions.BranchParams
		if err := actions.DecodeParams(act.Type, act.Parameters, &p); err != nil {
			if lookup == nil {
				result.AddError(path+"/parameters", schema.ErrCodeValidation, errorMessage(err))
			}
			return
		}
		for i, b := range p.Branches {
			bPath := fmt.Sprintf("%s/parameters/branches/%d", path, i)
			validateCondition(b.Condition, bPath+"/condition", result)
			validateActionList(b.Actions, bPath+"/actions", inIterator, lookup, result)
		}
	}
}

func validateCondition(cond *schema.Condition, path string, result *schema.ValidationResult) {
	if cond == nil {
		return
	}
	if n := len(cond.Criteria); n < 1 || n > 10 {
		result.AddError(path+"/criteria", schema.ErrCodeValidation, "a condition holds 1 to 10 criteria")
	}
	for i, crit := range cond.Criteria {
		cPath := fmt.Sprintf("%s/criteria/%d", path, i)
		if n := len(crit.Attributes); n < 1 || n > 10 {
			result.AddError(cPath+"/attributes", schema.ErrCodeValidation, "criteria hold 1 to 10 attributes")
		}
		for j, attr := range crit.Attributes {
			validateAttribute(attr, fmt.Sprintf("%s/attributes/%d", cPath, j), result)
		}
	}
}

func validateAttribute(attr schema.Attribute, path string, result *schema.ValidationResult) {
	ops, ok := schema.AttributeOperators[attr.Type]
	if !ok {
		result.AddError(path+"/type", schema.ErrCodeValidation, fmt.Sprintf("unknown attribute type %q", attr.Type))
		return
	}
	if !slices.Contains(ops, attr.Operator) {
		result.AddError(path+"/operator", schema.ErrCodeValidation,
			fmt.Sprintf("operator %q is not valid for %s attributes", attr.Operator, attr.Type))
	}
	if !expressions.IsExpression(attr.Attribute) {
		result.AddError(path+"/attribute", schema.ErrCodeValidation, "Attribute must be an expression")
	}
	if msg := checkValue(attr.Type, attr.Value); msg != "" {
		result.AddError(path+"/value", schema.ErrCodeValidation, msg)
	}
}

// checkValue returns a message when value cannot be compared as typ.
// Version literals are accepted as written.
func checkValue(typ schema.AttributeType, value any) string {
	s, isString := value.(string)
	switch typ {
	case schema.AttributeString, schema.AttributeVersion:
		if !isString {
			return fmt.Sprintf("%s value must be a string", typ)
		}
	case schema.AttributeNumber:
		if isString {
			if !expressions.IsExpression(s) {
				return "String value must be an expression"
			}
			return ""
		}
		if !isNumber(value) {
			return "Number value must be a number or an expression"
		}
	case schema.AttributeBoolean:
		if isString {
			if !expressions.IsExpression(s) {
				return "String value must be an expression"
			}
			return ""
		}
		if _, ok := value.(bool); !ok {
			return "Boolean value must be a boolean or an expression"
		}
	case schema.AttributeDate:
		if isString && expressions.IsExpression(s) {
			return ""
		}
		if _, err := expressions.ParseTime(value); err != nil {
			return "Date value must be a date, a datetime or an expression"
		}
	}
	return ""
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}

func errorMessage(err error) string {
	if fe, ok := err.(*schema.FlexliError); ok {
		return fe.Message
	}
	return err.Error()
}
