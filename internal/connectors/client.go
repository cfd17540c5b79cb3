// Package connectors calls tenant-registered HTTP APIs on behalf of workflow
// actions. A connector record supplies the host, default headers, sealed
// credentials and a set of request templates keyed by action type.
package connectors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/go-resty/resty/v2"

	"github.com/flexli/flexli/internal/expressions"
	"github.com/flexli/flexli/pkg/schema"
)

// DefaultTimeout bounds a connector call when the action sets no timeout.
const DefaultTimeout = 30 * time.Second

// ParamValidator checks action parameters against a JSON Schema.
type ParamValidator interface {
	ValidateParams(params map[string]any, paramSchema map[string]any) error
}

// Config configures a Client.
type Config struct {
	// Scheme is prepended to connector hosts. Defaults to https.
	Scheme    string
	Timeout   time.Duration
	UserAgent string
}

// CallError describes a connector call that produced no usable response.
// StatusCode is zero for transport failures.
type CallError struct {
	StatusCode int
	Status     string
	Body       string
	Err        error
}

func (e *CallError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("request failed: %v", e.Err)
	}
	return fmt.Sprintf("HTTP %s: %s", e.Status, e.Body)
}

func (e *CallError) Unwrap() error { return e.Err }

// StatusCode extracts the HTTP status of a failed call, or 0.
func StatusCode(err error) int {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.StatusCode
	}
	return 0
}

// Client executes connector actions.
type Client struct {
	http      *resty.Client
	cache     *Cache
	auth      *Authenticator
	validator ParamValidator
	scheme    string
	logger    *slog.Logger
}

// NewClient creates a Client. validator may be nil, in which case action
// parameters are not schema-checked.
func NewClient(cfg Config, cache *Cache, auth *Authenticator, validator ParamValidator, logger *slog.Logger) *Client {
	if cfg.Scheme == "" {
		cfg.Scheme = "https"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	hc := resty.New().SetTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		hc.SetHeader("User-Agent", cfg.UserAgent)
	}
	return &Client{
		http:      hc,
		cache:     cache,
		auth:      auth,
		validator: validator,
		scheme:    cfg.Scheme,
		logger:    logger,
	}
}

// Call runs one connector action and returns its decoded JSON response. A
// response body that is not JSON decodes to an empty object. Non-2xx
// responses and transport failures are WORKFLOW_FAILED wrapping a *CallError.
func (c *Client) Call(ctx context.Context, ec *expressions.ExecContext, tenantID string, action *schema.Action, params map[string]any) (any, error) {
	conn, err := c.cache.Get(ctx, tenantID, action.ConnectorID)
	if err != nil {
		return nil, err
	}
	tmpl, ok := conn.FindAction(action.Type)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnsupportedAction,
			"connector %s has no action %s", conn.ID, action.Type).WithAction(action.Order)
	}

	if c.validator != nil && len(tmpl.Parameters) > 0 {
		if err := c.validator.ValidateParams(params, tmpl.Parameters); err != nil {
			return nil, err
		}
	}

	req, err := BuildRequest(ctx, ec, tmpl, params)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(conn.Config.DefaultHeaders)+len(req.Headers)+1)
	for k, v := range conn.Config.DefaultHeaders {
		headers[k] = v
	}
	for k, v := range req.HeaderValues() {
		headers[k] = v
	}
	authHeaders, err := c.auth.Headers(ctx, conn.Config.Credentials)
	if err != nil {
		return nil, err
	}
	for k, v := range authHeaders {
		headers[k] = v
	}

	if action.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(action.Timeout)*time.Second)
		defer cancel()
	}

	r := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(req.QueryParams())
	setBody(r, headers, req.Body)

	url := req.URL(c.scheme, conn.Config)
	start := time.Now()
	resp, err := r.Execute(req.Method, url)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeWorkflowFailed, "%s %s", req.Method, url).
			WithAction(action.Order).
			WithCause(&CallError{Err: err})
	}

	c.logger.DebugContext(ctx, "connector call",
		"connector_id", conn.ID,
		"action_type", action.Type,
		"method", req.Method,
		"status", resp.StatusCode(),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if !resp.IsSuccess() {
		body := resp.String()
		return nil, schema.NewErrorf(schema.ErrCodeWorkflowFailed, "%s %s returned %d", req.Method, url, resp.StatusCode()).
			WithAction(action.Order).
			WithCause(&CallError{StatusCode: resp.StatusCode(), Status: resp.Status(), Body: body}).
			WithDetails(map[string]any{
				"status_code": resp.StatusCode(),
				"response":    body,
			})
	}
	return decodeBody(resp.Body()), nil
}

// setBody encodes a JSON body when the content type says so. Otherwise an
// object is sent as form data and anything else as text.
func setBody(r *resty.Request, headers map[string]string, body any) {
	if body == nil {
		return
	}
	if isJSON(headers) {
		r.SetBody(body)
		return
	}
	if m, ok := body.(map[string]any); ok {
		form := make(map[string]string, len(m))
		for k, v := range m {
			form[k] = stringify(v)
		}
		r.SetFormData(form)
		return
	}
	r.SetBody(stringify(body))
}

func isJSON(headers map[string]string) bool {
	for k, v := range headers {
		if strings.EqualFold(k, "Content-Type") {
			mt := strings.TrimSpace(strings.SplitN(v, ";", 2)[0])
			return strings.EqualFold(mt, "application/json")
		}
	}
	return false
}

func decodeBody(raw []byte) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	parsed, err := gabs.ParseJSON(raw)
	if err != nil || parsed.Data() == nil {
		return map[string]any{}
	}
	return parsed.Data()
}

// IsRetryable reports whether a failed call may be retried under retryOn, a
// list of HTTP status codes. An empty list retries every connector failure.
func IsRetryable(err error, retryOn []string) bool {
	if !schema.IsCode(err, schema.ErrCodeWorkflowFailed) {
		return false
	}
	var ce *CallError
	if !errors.As(err, &ce) {
		return false
	}
	if len(retryOn) == 0 {
		return true
	}
	code := fmt.Sprint(ce.StatusCode)
	for _, s := range retryOn {
		if strings.TrimSpace(s) == code {
			return true
		}
	}
	return false
}
