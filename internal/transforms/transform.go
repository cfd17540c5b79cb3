// Package transforms builds new JSON documents by layering key-path updates,
// variable templating and expression resolution over a starting template.
package transforms

import (
	"context"
	"sort"

	"github.com/flexli/flexli/internal/expressions"
	"github.com/flexli/flexli/pkg/schema"
)

// Wildcard is the update key and value that copies the source verbatim.
const Wildcard = expressions.Sentinel

// Input holds the arguments of one transform.
type Input struct {
	// Source is the document expressions resolve against.
	Source any
	// Target is the starting template. It is copied, never mutated.
	Target map[string]any
	// Updates maps dotted key paths to literals or expressions.
	Updates map[string]any
	// Variables maps template field names to literals or expressions.
	Variables map[string]any
	// IgnoredPaths are dotted key paths skipped by templating and expression
	// resolution.
	IgnoredPaths []string
}

// Apply runs a transform and returns the new document. Neither Source nor
// Target is modified. Failures are TRANSFORM_ERROR.
func Apply(ctx context.Context, ec *expressions.ExecContext, in Input) (any, error) {
	if isWildcard(in.Updates) {
		return expressions.DeepCopy(in.Source), nil
	}

	ignored := parseIgnoredPaths(in.IgnoredPaths)

	out := expressions.DeepCopyMap(in.Target)
	if out == nil {
		out = map[string]any{}
	}

	// Updates apply in key order so overlapping paths are deterministic.
	keys := make([]string, 0, len(in.Updates))
	for k := range in.Updates {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		value, err := ec.Value(ctx, in.Updates[k], in.Source)
		if err != nil {
			return nil, transformError(err, "update %q", k)
		}
		if !expressions.IsExpression(in.Updates[k]) {
			value = expressions.DeepCopy(value)
		}
		update, err := nestedObject(KeyPath(k), value)
		if err != nil {
			return nil, transformError(err, "update %q", k)
		}
		deepMerge(out, update)
	}

	if len(in.Variables) > 0 {
		vars := make(map[string]any, len(in.Variables))
		for name, v := range in.Variables {
			resolved, err := ec.Value(ctx, v, in.Source)
			if err != nil {
				return nil, transformError(err, "variable %q", name)
			}
			vars[name] = resolved
		}
		formatStrings(out, vars, ignored)
	}

	if err := resolveExpressions(ctx, ec, out, in.Source, ignored); err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyMap is Apply for callers that need an object result. A wildcard
// transform over a non-object source yields an empty object.
func ApplyMap(ctx context.Context, ec *expressions.ExecContext, in Input) (map[string]any, error) {
	out, err := Apply(ctx, ec, in)
	if err != nil {
		return nil, err
	}
	if m, ok := out.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{}, nil
}

func isWildcard(updates map[string]any) bool {
	v, ok := updates[Wildcard]
	if !ok {
		return false
	}
	s, ok := v.(string)
	return ok && s == Wildcard
}

// deepMerge merges src into dst. Objects present on both sides merge
// recursively; any other src value replaces dst's.
func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		if srcObj, ok := v.(map[string]any); ok {
			if dstObj, ok := dst[k].(map[string]any); ok {
				deepMerge(dstObj, srcObj)
				continue
			}
		}
		dst[k] = v
	}
}

// --- Walk passes ---

func formatStrings(node any, vars map[string]any, ignored ignoredPaths) {
	switch val := node.(type) {
	case map[string]any:
		for k, child := range val {
			if ignored.skips(k) {
				continue
			}
			if s, ok := child.(string); ok {
				if formatted, ok := formatString(s, vars); ok {
					val[k] = formatted
				}
				continue
			}
			formatStrings(child, vars, ignored.descend(k))
		}
	case []any:
		for i, child := range val {
			key := indexKey(i)
			if ignored.skips(key) {
				continue
			}
			if s, ok := child.(string); ok {
				if formatted, ok := formatString(s, vars); ok {
					val[i] = formatted
				}
				continue
			}
			formatStrings(child, vars, ignored.descend(key))
		}
	}
}

func resolveExpressions(ctx context.Context, ec *expressions.ExecContext, node, source any, ignored ignoredPaths) error {
	switch val := node.(type) {
	case map[string]any:
		for k, child := range val {
			if ignored.skips(k) {
				continue
			}
			if expressions.IsExpression(child) {
				resolved, err := ec.Resolve(ctx, child.(string), source)
				if err != nil {
					return transformError(err, "key %q", k)
				}
				val[k] = resolved
				continue
			}
			if err := resolveExpressions(ctx, ec, child, source, ignored.descend(k)); err != nil {
				return err
			}
		}
	case []any:
		for i, child := range val {
			key := indexKey(i)
			if ignored.skips(key) {
				continue
			}
			if expressions.IsExpression(child) {
				resolved, err := ec.Resolve(ctx, child.(string), source)
				if err != nil {
					return transformError(err, "index %d", i)
				}
				val[i] = resolved
				continue
			}
			if err := resolveExpressions(ctx, ec, child, source, ignored.descend(key)); err != nil {
				return err
			}
		}
	}
	return nil
}

func transformError(cause error, format string, args ...any) *schema.FlexliError {
	return schema.NewErrorf(schema.ErrCodeTransform, format, args...).WithCause(cause)
}
