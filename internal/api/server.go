package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/outpost-sec/outpost/internal/config"
	"github.com/outpost-sec/outpost/internal/core"
	"github.com/outpost-sec/outpost/internal/jobstore"
	"github.com/outpost-sec/outpost/internal/logger"
	"github.com/outpost-sec/outpost/internal/scheduler"
	"github.com/outpost-sec/outpost/pkg/types"
)

// Server exposes job orchestration and the asset inventory over HTTP.
type Server struct {
	scheduler *scheduler.Scheduler
	jobs      core.JobStore
	assets    core.AssetStore
	pool      *scheduler.Pool
	cfg       config.APIConfig
	logger    *logger.Logger
}

func NewServer(
	sched *scheduler.Scheduler,
	jobs core.JobStore,
	assets core.AssetStore,
	pool *scheduler.Pool,
	cfg config.APIConfig,
	log *logger.Logger,
) *Server {
	return &Server{
		scheduler: sched,
		jobs:      jobs,
		assets:    assets,
		pool:      pool,
		cfg:       cfg,
		logger:    log.WithComponent("api"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggingMiddleware(s.logger))

	router.GET("/health", s.handleHealth)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/jobs", s.handleCreateJob)
		v1.GET("/jobs", s.handleListJobs)
		v1.GET("/jobs/:id", s.handleGetJob)
		v1.DELETE("/jobs/:id", s.handleCancelJob)
		v1.GET("/jobs/:id/assets", s.handleJobAssets)

		v1.GET("/assets", s.handleListAssets)
		v1.GET("/assets/:id", s.handleGetAsset)

		v1.GET("/workers", s.handleWorkers)
	}

	return router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("API server listening", "addr", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Infow("API server shutting down")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

type createJobRequest struct {
	OrganizationID string            `json:"organization_id" binding:"required"`
	Type           string            `json:"type" binding:"required"`
	Target         string            `json:"target" binding:"required"`
	Options        map[string]string `json:"options,omitempty"`
}

func (s *Server) handleCreateJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	orgID, err := uuid.Parse(req.OrganizationID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "organization_id must be a UUID"})
		return
	}

	job, err := s.scheduler.Enqueue(c.Request.Context(), orgID, types.JobType(req.Type), req.Target, req.Options)
	if errors.Is(err, scheduler.ErrInvalidInput) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.logger.Errorw("Failed to enqueue job", "error", err, "target", req.Target)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue job"})
		return
	}

	c.JSON(http.StatusCreated, job)
}

func (s *Server) handleListJobs(c *gin.Context) {
	filter := core.JobFilter{
		Status:  types.JobStatus(c.Query("status")),
		JobType: types.JobType(c.Query("type")),
		Target:  c.Query("target"),
		Limit:   intQuery(c, "limit", 50),
		Offset:  intQuery(c, "offset", 0),
	}
	if org := c.Query("organization_id"); org != "" {
		orgID, err := uuid.Parse(org)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "organization_id must be a UUID"})
			return
		}
		filter.OrganizationID = &orgID
	}

	jobs, err := s.jobs.ListJobs(c.Request.Context(), filter)
	if err != nil {
		s.logger.Errorw("Failed to list jobs", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleGetJob(c *gin.Context) {
	jobID, ok := parseID(c)
	if !ok {
		return
	}

	job, err := s.jobs.GetJob(c.Request.Context(), jobID)
	if errors.Is(err, jobstore.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		s.logger.Errorw("Failed to get job", "error", err, "job_id", jobID.String())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get job"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleCancelJob(c *gin.Context) {
	jobID, ok := parseID(c)
	if !ok {
		return
	}

	status, err := s.scheduler.Cancel(c.Request.Context(), jobID)
	if errors.Is(err, jobstore.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if errors.Is(err, scheduler.ErrJobTerminal) {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "job already finished",
			"status": string(status),
		})
		return
	}
	if err != nil {
		s.logger.Errorw("Failed to cancel job", "error", err, "job_id", jobID.String())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel job"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": string(status)})
}

func (s *Server) handleJobAssets(c *gin.Context) {
	jobID, ok := parseID(c)
	if !ok {
		return
	}

	if _, err := s.jobs.GetJob(c.Request.Context(), jobID); errors.Is(err, jobstore.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	} else if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get job"})
		return
	}

	assets, err := s.assets.ListJobAssets(c.Request.Context(), jobID)
	if err != nil {
		s.logger.Errorw("Failed to list job assets", "error", err, "job_id", jobID.String())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list job assets"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"assets": assets, "count": len(assets)})
}

func (s *Server) handleListAssets(c *gin.Context) {
	filter := core.AssetFilter{
		Type:   types.AssetType(c.Query("type")),
		Status: types.AssetStatus(c.Query("status")),
		Search: c.Query("search"),
		Limit:  intQuery(c, "limit", 100),
		Offset: intQuery(c, "offset", 0),
	}
	if org := c.Query("organization_id"); org != "" {
		orgID, err := uuid.Parse(org)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "organization_id must be a UUID"})
			return
		}
		filter.OrganizationID = &orgID
	}

	assets, err := s.assets.ListAssets(c.Request.Context(), filter)
	if err != nil {
		s.logger.Errorw("Failed to list assets", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list assets"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"assets": assets, "count": len(assets)})
}

// handleGetAsset returns one asset expanded with its ports, technologies
// and vulnerabilities.
func (s *Server) handleGetAsset(c *gin.Context) {
	assetID, ok := parseID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	ports, err := s.assets.ListPorts(ctx, assetID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load ports"})
		return
	}
	techs, err := s.assets.ListTechnologies(ctx, assetID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load technologies"})
		return
	}
	vulns, err := s.assets.ListVulnerabilities(ctx, assetID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load vulnerabilities"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"asset_id":        assetID,
		"ports":           ports,
		"technologies":    techs,
		"vulnerabilities": vulns,
	})
}

func (s *Server) handleWorkers(c *gin.Context) {
	if s.pool == nil {
		c.JSON(http.StatusOK, gin.H{"workers": []*types.WorkerStatus{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workers": s.pool.Statuses()})
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a UUID"})
		return uuid.Nil, false
	}
	return id, true
}

func intQuery(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
