package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/flexli/flexli/internal/expressions"
	"github.com/flexli/flexli/internal/transforms"
	"github.com/flexli/flexli/pkg/schema"
)

// Request is a connector action template after templating and expression
// resolution.
type Request struct {
	Method  string         `json:"method"`
	Path    string         `json:"path"`
	Headers map[string]any `json:"headers"`
	Query   map[string]any `json:"query"`
	Body    any            `json:"body"`
}

// BuildRequest renders tmpl against the caller's parameters. Parameters are
// both the expression source and the template variables; the template's own
// parameter schema is left untouched.
func BuildRequest(ctx context.Context, ec *expressions.ExecContext, tmpl *schema.ConnectorAction, params map[string]any) (*Request, error) {
	templateMap, err := structToMap(tmpl)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransform, "encode request template %s", tmpl.Type).WithCause(err)
	}

	rendered, err := transforms.ApplyMap(ctx, ec, transforms.Input{
		Source:       params,
		Target:       templateMap,
		Variables:    params,
		IgnoredPaths: []string{"parameters"},
	})
	if err != nil {
		return nil, err
	}

	var req Request
	if err := mapToStruct(rendered, &req); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransform, "decode request template %s", tmpl.Type).WithCause(err)
	}
	if req.Method == "" {
		req.Method = "GET"
	}
	req.Method = strings.ToUpper(req.Method)
	return &req, nil
}

// URL joins the connector's host and base path with the request path.
func (r *Request) URL(scheme string, cfg schema.ConnectorConfig) string {
	parts := make([]string, 0, 2)
	if base := strings.Trim(cfg.BasePath, "/"); base != "" {
		parts = append(parts, base)
	}
	if p := strings.Trim(r.Path, "/"); p != "" {
		parts = append(parts, p)
	}
	return scheme + "://" + cfg.Host + "/" + strings.Join(parts, "/")
}

// QueryParams stringifies query values. Nil values are dropped.
func (r *Request) QueryParams() map[string]string {
	out := make(map[string]string, len(r.Query))
	for k, v := range r.Query {
		if v == nil {
			continue
		}
		out[k] = stringify(v)
	}
	return out
}

// HeaderValues stringifies header values. Nil values are dropped.
func (r *Request) HeaderValues() map[string]string {
	out := make(map[string]string, len(r.Headers))
	for k, v := range r.Headers {
		if v == nil {
			continue
		}
		out[k] = stringify(v)
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any, []any:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(raw)
	default:
		return fmt.Sprint(t)
	}
}

func structToMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func mapToStruct(input map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}
