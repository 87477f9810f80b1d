package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/apptype"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/cdc"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/metrics"
)

// NewOpsRouter builds the HTTP operations API over b.
func NewOpsRouter(b Backend, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	h := &opsHandler{backend: b, logger: logger.With("component", "ops")}
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", h.healthz)
	r.GET("/backlog", h.backlog)
	r.GET("/patterns", h.patterns)
	r.GET("/stats", h.stats)
	r.GET("/sync/dry-run", h.dryRun)
	r.POST("/sync", h.sync)
	r.POST("/consolidate", h.consolidate)
	if mh := metrics.Handler(); mh != nil {
		r.GET("/metrics", gin.WrapH(mh))
	}
	return r
}

// RunOps serves the operations API on addr until ctx ends.
func RunOps(ctx context.Context, addr string, b Backend, logger *slog.Logger) error {
	r := NewOpsRouter(b, logger)
	if logger != nil {
		logger.Info("ops API listening", "component", "ops", "addr", addr)
	}
	return serve(ctx, &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second})
}

type opsHandler struct {
	backend Backend
	logger  *slog.Logger
}

func (h *opsHandler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, cdc.ErrUnknownMode):
		status = http.StatusBadRequest
	case errors.Is(err, cdc.ErrNoShadow):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *opsHandler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "health": h.backend.Health()})
}

func (h *opsHandler) backlog(c *gin.Context) {
	m, err := h.backend.Backlog(c.Request.Context(), c.Query("persist") == "true")
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *opsHandler) patterns(c *gin.Context) {
	found, err := h.backend.IdentifyPatterns(c.Request.Context(), c.Query("persist") == "true")
	if err != nil {
		h.fail(c, err)
		return
	}
	if found == nil {
		found = []apptype.Pattern{}
	}
	c.JSON(http.StatusOK, apptype.PatternsResult{Patterns: found})
}

func (h *opsHandler) stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"agent":      h.backend.AgentStats(),
		"embeddings": h.backend.EmbeddingStats(false),
	})
}

func (h *opsHandler) dryRun(c *gin.Context) {
	res, err := h.backend.Sync(c.Request.Context(), cdc.ModeDryRun, 0)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *opsHandler) sync(c *gin.Context) {
	mode := c.DefaultQuery("mode", cdc.ModeIncremental)
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	res, err := h.backend.Sync(c.Request.Context(), mode, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *opsHandler) consolidate(c *gin.Context) {
	var args apptype.ConsolidateEntitiesArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if args.InterviewID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "interviewId is required"})
		return
	}
	res, err := h.backend.Consolidate(c.Request.Context(), args.InterviewID, args.Entities)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
