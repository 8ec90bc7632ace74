// Package http exposes the operational surface: health, book inspection,
// run records, freeze management and manual run triggers.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"papertrade/internal/consistency"
	"papertrade/internal/freeze"
	"papertrade/internal/logger"
	"papertrade/internal/orderbook"
	"papertrade/internal/runner"
	"papertrade/internal/store"
)

// RunGetter reads persisted run records.
type RunGetter interface {
	GetRun(ctx context.Context, runID string) (*store.RunRecord, error)
}

// Server wires the ops endpoints over the live components.
type Server struct {
	Policy  *freeze.Policy
	Book    *orderbook.Book
	Runner  *runner.Runner
	Runs    RunGetter
	Runtime func() *freeze.Manifest

	// ConsistencyRun executes the K-run protocol against the golden set.
	// Optional; the endpoint answers 501 when unset.
	ConsistencyRun func(ctx context.Context) (*consistency.Report, error)

	engine *gin.Engine
}

// Handler builds the gin engine. Safe to call once at startup.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	engine.GET("/healthz", s.handleHealth)
	engine.GET("/positions", s.handlePositions)
	engine.GET("/runs/:id", s.handleRun)

	ops := engine.Group("/ops")
	ops.POST("/freeze", s.handleFreeze)
	ops.POST("/supersede", s.handleSupersede)
	ops.POST("/validate", s.handleValidate)
	ops.POST("/run", s.handleRunDaily)
	ops.POST("/consistency", s.handleConsistency)

	s.engine = engine
	return engine
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Infof("http %s %s status=%d latency=%s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Truncate(time.Millisecond))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) handlePositions(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		positions []*orderbook.Position
		err       error
	)
	switch status := c.Query("status"); status {
	case "":
		var open, pending, exited []*orderbook.Position
		if open, err = s.Book.OpenPositions(ctx); err == nil {
			if pending, err = s.Book.PendingPositions(ctx); err == nil {
				exited, err = s.Book.ExitedPositions(ctx)
			}
		}
		positions = append(append(open, pending...), exited...)
	case string(orderbook.StatusPending):
		positions, err = s.Book.PendingPositions(ctx)
	case string(orderbook.StatusExited):
		positions, err = s.Book.ExitedPositions(ctx)
	case string(orderbook.StatusOpen), string(orderbook.StatusExitPendingNoPrice):
		var all []*orderbook.Position
		if all, err = s.Book.OpenPositions(ctx); err == nil {
			for _, p := range all {
				if string(p.Status) == status {
					positions = append(positions, p)
				}
			}
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + status})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if positions == nil {
		positions = []*orderbook.Position{}
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) handleRun(c *gin.Context) {
	record, err := s.Runs.GetRun(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrRunNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) handleFreeze(c *gin.Context) {
	var manifest freeze.Manifest
	if err := c.ShouldBindJSON(&manifest); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	frozen, err := s.Policy.Freeze(c.Request.Context(), &manifest)
	if errors.Is(err, freeze.ErrAlreadyFrozen) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, frozen)
}

func (s *Server) handleSupersede(c *gin.Context) {
	var manifest freeze.Manifest
	if err := c.ShouldBindJSON(&manifest); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	frozen, err := s.Policy.Supersede(c.Request.Context(), &manifest)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, frozen)
}

func (s *Server) handleValidate(c *gin.Context) {
	err := s.Policy.ValidateRuntime(c.Request.Context(), s.Runtime())
	var drift *freeze.DriftError
	switch {
	case errors.As(err, &drift):
		c.JSON(http.StatusConflict, gin.H{"drift": drift})
	case errors.Is(err, freeze.ErrNoActiveManifest):
		c.JSON(http.StatusPreconditionFailed, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "clean"})
	}
}

func (s *Server) handleRunDaily(c *gin.Context) {
	var body struct {
		Day string `json:"day"`
	}
	_ = c.ShouldBindJSON(&body)
	day := time.Now().UTC()
	if body.Day != "" {
		parsed, err := time.Parse(time.DateOnly, body.Day)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "day must be YYYY-MM-DD"})
			return
		}
		day = parsed
	}

	record, err := s.Runner.RunDaily(c.Request.Context(), day)
	var drift *freeze.DriftError
	if errors.As(err, &drift) {
		c.JSON(http.StatusConflict, gin.H{"run": record, "drift": drift})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) handleConsistency(c *gin.Context) {
	if s.ConsistencyRun == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "consistency runner not configured"})
		return
	}
	report, err := s.ConsistencyRun(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "promotable": report.Promotable()})
}
