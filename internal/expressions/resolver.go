package expressions

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jmespath-community/go-jmespath"

	"github.com/flexli/flexli/pkg/schema"
)

// Sentinel prefixes every expression string.
const Sentinel = "::"

// IsExpression reports whether v is a string carrying the expression sentinel.
func IsExpression(v any) bool {
	s, ok := v.(string)
	return ok && strings.HasPrefix(s, Sentinel)
}

// Resolver holds process-wide settings for expression evaluation. It carries
// no per-run state; every run gets its own ExecContext from NewContext.
type Resolver struct {
	now func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides the time source used by the datetime functions.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a Resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewContext creates the execution context for one run. startTime and
// sourceTime back flexli_start_datetime and flexli_source_datetime; a zero
// sourceTime falls back to startTime.
func (r *Resolver) NewContext(startTime, sourceTime time.Time) *ExecContext {
	if sourceTime.IsZero() {
		sourceTime = startTime
	}
	return &ExecContext{
		resolver:   r,
		startTime:  startTime.UTC(),
		sourceTime: sourceTime.UTC(),
		compiled:   make(map[string]jmespath.JMESPath),
	}
}

// ExecContext is the per-run evaluation context. It owns the current
// iteration value and a cache of queries compiled against its functions.
// An ExecContext must not be shared between runs.
type ExecContext struct {
	resolver   *Resolver
	startTime  time.Time
	sourceTime time.Time
	iterValue  any
	hasIter    bool

	mu       sync.Mutex
	compiled map[string]jmespath.JMESPath
}

// WithIteratorValue derives a context for one Iterator element. The parent
// context is left untouched.
func (ec *ExecContext) WithIteratorValue(v any) *ExecContext {
	return &ExecContext{
		resolver:   ec.resolver,
		startTime:  ec.startTime,
		sourceTime: ec.sourceTime,
		iterValue:  Normalize(v),
		hasIter:    true,
		compiled:   make(map[string]jmespath.JMESPath),
	}
}

// IteratorValue returns the current iteration value, if one is set.
func (ec *ExecContext) IteratorValue() (any, bool) {
	return ec.iterValue, ec.hasIter
}

// Value returns v unchanged unless it is an expression, in which case the
// expression is resolved against doc.
func (ec *ExecContext) Value(ctx context.Context, v any, doc any) (any, error) {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, Sentinel) {
		return v, nil
	}
	return ec.Resolve(ctx, s, doc)
}

// Resolve evaluates the JMESPath query after the sentinel against doc. An
// empty remainder returns a copy of doc. Paths through missing or non-object
// values resolve to nil, and projections always yield a list.
func (ec *ExecContext) Resolve(ctx context.Context, expr string, doc any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	query := strings.TrimSpace(strings.TrimPrefix(expr, Sentinel))
	if query == "" {
		return DeepCopy(doc), nil
	}

	compiled, err := ec.compile(query)
	if err != nil {
		return nil, err
	}

	out, err := compiled.Search(Normalize(doc))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"expression %q failed: %s", expr, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expr})
	}
	return out, nil
}

func (ec *ExecContext) compile(query string) (jmespath.JMESPath, error) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	if compiled, ok := ec.compiled[query]; ok {
		return compiled, nil
	}

	compiled, err := jmespath.Compile(query, ec.functions()...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"expression parse error in %q: %s", query, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": query})
	}

	ec.compiled[query] = compiled
	return compiled, nil
}
