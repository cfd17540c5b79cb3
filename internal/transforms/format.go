package transforms

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// templatePart is a literal run or a {field} reference in a template string.
type templatePart struct {
	literal string
	field   string
	isField bool
}

// parseTemplate splits s into literal runs and {field} references. Doubled
// braces are literal braces. Text after ':' or '!' inside a field is a
// format spec and is dropped. Unbalanced braces make the string a
// non-template.
func parseTemplate(s string) ([]templatePart, bool) {
	var (
		parts []templatePart
		lit   strings.Builder
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '{' && i+1 < len(s) && s[i+1] == '{':
			lit.WriteByte('{')
			i++
		case c == '}' && i+1 < len(s) && s[i+1] == '}':
			lit.WriteByte('}')
			i++
		case c == '}':
			return nil, false
		case c == '{':
			end := strings.IndexByte(s[i+1:], '}')
			if end == -1 {
				return nil, false
			}
			body := s[i+1 : i+1+end]
			if strings.ContainsRune(body, '{') {
				return nil, false
			}
			if cut := strings.IndexAny(body, ":!"); cut >= 0 {
				body = body[:cut]
			}
			if lit.Len() > 0 {
				parts = append(parts, templatePart{literal: lit.String()})
				lit.Reset()
			}
			parts = append(parts, templatePart{field: body, isField: true})
			i += end + 1
		default:
			lit.WriteByte(c)
		}
	}
	if lit.Len() > 0 {
		parts = append(parts, templatePart{literal: lit.String()})
	}
	return parts, true
}

// formatString substitutes vars into s. It reports false, leaving s alone,
// unless s has at least one field and every field is a known variable.
func formatString(s string, vars map[string]any) (string, bool) {
	if len(vars) == 0 || !strings.ContainsRune(s, '{') {
		return s, false
	}
	parts, ok := parseTemplate(s)
	if !ok {
		return s, false
	}

	fields := 0
	for _, p := range parts {
		if !p.isField {
			continue
		}
		if _, known := vars[p.field]; !known {
			return s, false
		}
		fields++
	}
	if fields == 0 {
		return s, false
	}

	var b strings.Builder
	for _, p := range parts {
		if p.isField {
			b.WriteString(renderValue(vars[p.field]))
		} else {
			b.WriteString(p.literal)
		}
	}
	return b.String(), true
}

// renderValue is the text form of a variable inside a template. Strings are
// inserted raw and integral numbers print without a fraction. Null and
// booleans print as None, True and False so templates render the same text
// existing workflows were written against; objects and lists are compact JSON.
func renderValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1e15 {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case nil:
		return "None"
	case bool:
		if val {
			return "True"
		}
		return "False"
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}
