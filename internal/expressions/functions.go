package expressions

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"reflect"
	"strings"
	"time"

	"github.com/itchyny/timefmt-go"
	"github.com/jmespath-community/go-jmespath/pkg/functions"

	"github.com/flexli/flexli/pkg/schema"
)

// functions returns the flexli_* JMESPath functions bound to ec, so a
// compiled query only ever sees the iteration value of the run that
// compiled it.
func (ec *ExecContext) functions() []functions.FunctionEntry {
	str := []functions.JpType{functions.JpString}
	num := []functions.JpType{functions.JpNumber}
	arr := []functions.JpType{functions.JpArray}

	bind := func(fn func(ec *ExecContext, args []any) (any, error)) functions.JpFunction {
		return func(args []any) (any, error) { return fn(ec, args) }
	}

	return []functions.FunctionEntry{
		{Name: "flexli_iterator_value", Handler: bind(fnIteratorValue)},
		{Name: "flexli_datetime_now", Handler: bind(fnDatetimeNow)},
		{
			Name:      "flexli_datetime",
			Arguments: []functions.ArgSpec{{Types: str}},
			Handler:   bind(fnDatetime),
		},
		{
			Name:      "flexli_source_datetime",
			Arguments: []functions.ArgSpec{{Types: str}},
			Handler:   bind(fnSourceDatetime),
		},
		{
			Name:      "flexli_start_datetime",
			Arguments: []functions.ArgSpec{{Types: str}},
			Handler:   bind(fnStartDatetime),
		},
		{
			Name:      "flexli_time_delta",
			Arguments: []functions.ArgSpec{{Types: str}, {Types: str}, {Types: num}},
			Handler:   bind(fnTimeDelta),
		},
		{
			Name:      "flexli_diff_arrays",
			Arguments: []functions.ArgSpec{{Types: arr}, {Types: arr}},
			Handler:   bind(fnDiffArrays),
		},
		{
			Name:      "flexli_random_string",
			Arguments: []functions.ArgSpec{{Types: num}, {Types: str, Variadic: true}},
			Handler:   bind(fnRandomString),
		},
		{
			Name:      "flexli_to_json_string",
			Arguments: []functions.ArgSpec{{Types: []functions.JpType{functions.JpObject, functions.JpArray}}},
			Handler:   bind(fnToJSONString),
		},
	}
}

func (ec *ExecContext) now() time.Time {
	return ec.resolver.now().UTC()
}

func fnIteratorValue(ec *ExecContext, _ []any) (any, error) {
	if !ec.hasIter {
		return nil, fmt.Errorf("flexli_iterator_value: no iterator value present")
	}
	return DeepCopy(ec.iterValue), nil
}

func fnDatetimeNow(ec *ExecContext, _ []any) (any, error) {
	return ec.now().Format(schema.TimestampLayout), nil
}

func fnDatetime(ec *ExecContext, args []any) (any, error) {
	return formatTime("flexli_datetime", ec.now(), args[0])
}

func fnSourceDatetime(ec *ExecContext, args []any) (any, error) {
	return formatTime("flexli_source_datetime", ec.sourceTime, args[0])
}

func fnStartDatetime(ec *ExecContext, args []any) (any, error) {
	return formatTime("flexli_start_datetime", ec.startTime, args[0])
}

func formatTime(name string, t time.Time, format any) (any, error) {
	layout, ok := format.(string)
	if !ok {
		return nil, fmt.Errorf("%s: format must be a string, got %T", name, format)
	}
	return timefmt.Format(t, layout), nil
}

func fnTimeDelta(_ *ExecContext, args []any) (any, error) {
	base, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("flexli_time_delta: base datetime must be a string, got %T", args[0])
	}
	layout, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("flexli_time_delta: format must be a string, got %T", args[1])
	}
	minutes, ok := toFloat(args[2])
	if !ok {
		return nil, fmt.Errorf("flexli_time_delta: minutes must be a number, got %T", args[2])
	}
	t, err := ParseTime(base)
	if err != nil {
		return nil, fmt.Errorf("flexli_time_delta: %w", err)
	}
	delta := time.Duration(minutes * float64(time.Minute))
	return timefmt.Format(t.Add(delta), layout), nil
}

// fnDiffArrays reports elements of the current array missing from the
// previous one as "added" and the reverse as "removed".
func fnDiffArrays(_ *ExecContext, args []any) (any, error) {
	previous, ok := args[0].([]any)
	if !ok {
		return nil, fmt.Errorf("flexli_diff_arrays: previous must be an array, got %T", args[0])
	}
	current, ok := args[1].([]any)
	if !ok {
		return nil, fmt.Errorf("flexli_diff_arrays: current must be an array, got %T", args[1])
	}

	added := []any{}
	for _, item := range current {
		if !containsJSON(previous, item) {
			added = append(added, item)
		}
	}
	removed := []any{}
	for _, item := range previous {
		if !containsJSON(current, item) {
			removed = append(removed, item)
		}
	}
	return map[string]any{"added": added, "removed": removed}, nil
}

func containsJSON(list []any, item any) bool {
	want := numbersToFloat(item)
	for _, candidate := range list {
		if reflect.DeepEqual(numbersToFloat(candidate), want) {
			return true
		}
	}
	return false
}

// Character classes accepted by flexli_random_string.
var randomCharClasses = map[string]string{
	"lowercase": "abcdefghijklmnopqrstuvwxyz",
	"uppercase": "ABCDEFGHIJKLMNOPQRSTUVWXYZ",
	"numbers":   "0123456789",
}

// fnRandomString takes a length followed by any of the class names
// "lowercase", "uppercase" and "numbers".
func fnRandomString(_ *ExecContext, args []any) (any, error) {
	n, ok := toFloat(args[0])
	if !ok || n < 0 {
		return nil, fmt.Errorf("flexli_random_string: length must be a non-negative number")
	}

	classes := args[1:]

	var charset strings.Builder
	for _, name := range []string{"lowercase", "uppercase", "numbers"} {
		for _, c := range classes {
			if c == name {
				charset.WriteString(randomCharClasses[name])
				break
			}
		}
	}
	chars := charset.String()
	if chars == "" {
		return nil, fmt.Errorf("flexli_random_string: no character classes selected")
	}

	out := make([]byte, int(n))
	for i := range out {
		out[i] = chars[rand.IntN(len(chars))]
	}
	return string(out), nil
}

func fnToJSONString(_ *ExecContext, args []any) (any, error) {
	switch args[0].(type) {
	case map[string]any, []any:
	default:
		return nil, fmt.Errorf("flexli_to_json_string: argument must be an object or array, got %T", args[0])
	}
	data, err := json.Marshal(args[0])
	if err != nil {
		return nil, fmt.Errorf("flexli_to_json_string: %w", err)
	}
	return string(data), nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func numbersToFloat(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = numbersToFloat(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = numbersToFloat(item)
		}
		return out
	default:
		if f, ok := toFloat(v); ok {
			return f
		}
		return v
	}
}
