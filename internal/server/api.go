package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/flexli/flexli/internal/engine"
	"github.com/flexli/flexli/pkg/schema"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	RequestID   string         `json:"request_id"`
	ErrorCode   string         `json:"error_code"`
	Description string         `json:"description"`
	Details     map[string]any `json:"details,omitempty"`
}

// CreatedResponse locates a created resource.
type CreatedResponse struct {
	ID   string `json:"id"`
	Href string `json:"href"`
}

// RunHistoryResponse is a run record with its history entries.
type RunHistoryResponse struct {
	Run   *schema.RunRecord      `json:"run"`
	Items []*schema.HistoryEntry `json:"items"`
}

type historyQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=1000"`
}

func (s *Server) runWorkflow(c *gin.Context) {
	ctx := c.Request.Context()
	tenant := c.GetString(tenantKey)
	workflowID := c.Param("workflow_id")

	version, err := strconv.Atoi(c.Param("version"))
	if err != nil || version < 1 {
		abortWithError(c, http.StatusBadRequest, "ValidationError", "The version must be a positive integer", nil)
		return
	}

	input, ok := readInput(c)
	if !ok {
		return
	}

	wf, err := s.store.GetWorkflow(ctx, tenant, workflowID, version)
	if err != nil {
		s.writeStoreError(c, err)
		return
	}

	msg, err := s.launcher.Launch(ctx, wf, input, engine.LaunchOptions{})
	switch {
	case err == nil:
	case schema.IsCode(err, schema.ErrCodeConditionFailedFail):
		abortWithError(c, http.StatusBadRequest, "ConditionFailed", "The source condition failed.", nil)
		return
	case schema.IsCode(err, schema.ErrCodeConflict):
		abortWithError(c, http.StatusConflict, "Conflict", err.Error(), nil)
		return
	case schema.IsCode(err, schema.ErrCodeTransform), schema.IsCode(err, schema.ErrCodeExpression):
		abortWithError(c, http.StatusBadRequest, "TransformError", err.Error(), nil)
		return
	default:
		s.logger.ErrorContext(ctx, "launch run", "tenant_id", tenant, "workflow_id", workflowID, "error", err)
		abortWithError(c, http.StatusInternalServerError, "InternalError", "Internal Server Error", nil)
		return
	}

	c.JSON(http.StatusCreated, CreatedResponse{
		ID:   msg.RunID,
		Href: "/v1/run-history/" + msg.RunID,
	})
}

func (s *Server) getRunHistory(c *gin.Context) {
	ctx := c.Request.Context()
	tenant := c.GetString(tenantKey)
	runID := c.Param("run_id")

	var q historyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		abortWithError(c, http.StatusBadRequest, "ValidationError", "Invalid query string parameters", nil)
		return
	}

	rec, err := s.store.GetRun(ctx, tenant, runID)
	if err != nil {
		s.writeStoreError(c, err)
		return
	}
	items, err := s.store.ListHistory(ctx, tenant, runID)
	if err != nil {
		s.writeStoreError(c, err)
		return
	}
	if q.Limit > 0 && len(items) > q.Limit {
		items = items[:q.Limit]
	}
	if items == nil {
		items = []*schema.HistoryEntry{}
	}
	c.JSON(http.StatusOK, RunHistoryResponse{Run: rec, Items: items})
}

// readInput decodes the optional JSON request body. An empty body is {}.
func readInput(c *gin.Context) (any, bool) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "ValidationError", "The request body could not be read", nil)
		return nil, false
	}
	if strings.TrimSpace(string(raw)) == "" {
		return map[string]any{}, true
	}
	var input any
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&input); err != nil || dec.More() {
		abortWithError(c, http.StatusBadRequest, "ValidationError", "The request body must be valid JSON", nil)
		return nil, false
	}
	return input, true
}

func (s *Server) writeStoreError(c *gin.Context, err error) {
	var fe *schema.FlexliError
	if errors.As(err, &fe) && fe.Code == schema.ErrCodeNotFound {
		abortWithError(c, http.StatusNotFound, "NotFound", fe.Message, nil)
		return
	}
	s.logger.ErrorContext(c.Request.Context(), "store request failed", "path", c.FullPath(), "error", err)
	abortWithError(c, http.StatusInternalServerError, "InternalError", "Internal Server Error", nil)
}

func abortWithError(c *gin.Context, status int, code, description string, details map[string]any) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID:   c.GetString(requestIDKey),
		ErrorCode:   code,
		Description: description,
		Details:     details,
	})
}
