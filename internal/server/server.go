// Package server exposes the run API over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	glog "github.com/gin-contrib/slog"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/flexli/flexli/internal/engine"
	"github.com/flexli/flexli/pkg/schema"
)

// TenantHeader carries the caller's tenant id.
const TenantHeader = "X-Flexli-Tenant"

const (
	requestIDHeader = "X-Request-Id"
	tenantKey       = "tenant_id"
	requestIDKey    = "request_id"
	shutdownTimeout = 10 * time.Second
)

// Store is the subset of store.Store the API reads.
type Store interface {
	GetWorkflow(ctx context.Context, tenantID, id string, version int) (*schema.Workflow, error)
	GetRun(ctx context.Context, tenantID, runID string) (*schema.RunRecord, error)
	ListHistory(ctx context.Context, tenantID, runID string) ([]*schema.HistoryEntry, error)
}

// Launcher enqueues runs. Satisfied by engine.Launcher.
type Launcher interface {
	Launch(ctx context.Context, wf *schema.Workflow, input any, opts engine.LaunchOptions) (*schema.RunMessage, error)
}

// Server implements the run API.
type Server struct {
	store    Store
	launcher Launcher
	logger   *slog.Logger
}

// NewServer creates a run API server.
func NewServer(st Store, launcher Launcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Server{store: st, launcher: launcher, logger: logger}
}

// SetupRoutes configures and returns the HTTP router.
func (s *Server) SetupRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID)
	router.Use(glog.SetLogger(
		glog.WithLogger(func(c *gin.Context, l *slog.Logger) *slog.Logger {
			return s.logger.With(requestIDKey, c.GetString(requestIDKey))
		}),
	))

	router.GET("/healthz", s.handleHealth)

	v1 := router.Group("/v1", requireTenant)
	{
		v1.POST("/workflows/:workflow_id/versions/:version/run", s.runWorkflow)
		v1.GET("/run-history/:run_id", s.getRunHistory)
	}
	return router
}

// ListenAndServe serves the API on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("run api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func requestID(c *gin.Context) {
	id := c.GetHeader(requestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	c.Set(requestIDKey, id)
	c.Header(requestIDHeader, id)
	c.Next()
}

func requireTenant(c *gin.Context) {
	tenant := c.GetHeader(TenantHeader)
	if tenant == "" {
		abortWithError(c, http.StatusUnauthorized, "Unauthorized", "Missing "+TenantHeader+" header", nil)
		return
	}
	c.Set(tenantKey, tenant)
	c.Next()
}
