// Package api exposes the recommendation pipeline and feedback store over
// HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/medical-coding-server/internal/domain"
	"github.com/medical-coding-server/internal/feedback"
	"github.com/medical-coding-server/internal/pipeline"
	"github.com/medical-coding-server/pkg/external"
)

// KBReloader swaps a fresh knowledge base artifact into the running store.
type KBReloader interface {
	Reload(path string) error
	Version() string
}

// DatabaseChecker reports liveness of the feedback database pool.
type DatabaseChecker interface {
	Health(ctx context.Context) error
}

// Server represents the HTTP server.
type Server struct {
	cfg          domain.ServerConfig
	orchestrator *pipeline.Orchestrator
	kb           domain.KBProvider
	kbReload     KBReloader
	kbPath       string
	vectorReady  bool
	providerMode domain.ProviderMode
	providers    map[domain.ProviderMode]domain.GroundingProvider
	feedback     feedback.Store
	cache        *external.ResultCache
	database     DatabaseChecker
	logger       *logrus.Logger
	router       *gin.Engine
	server       *http.Server
}

// Options carries the server's collaborators. Feedback store, result cache,
// database checker, and KB reloader are optional; their endpoints report
// unavailability when absent.
type Options struct {
	Config       domain.Config
	Orchestrator *pipeline.Orchestrator
	KB           domain.KBProvider
	KBReload     KBReloader
	VectorReady  bool
	ProviderMode domain.ProviderMode
	Providers    map[domain.ProviderMode]domain.GroundingProvider
	Feedback     feedback.Store
	Cache        *external.ResultCache
	Database     DatabaseChecker
	Logger       *logrus.Logger
}

// NewServer creates a new HTTP server instance.
func NewServer(opts Options) *Server {
	if opts.Config.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestIDMiddleware())

	server := &Server{
		cfg:          opts.Config.Server,
		orchestrator: opts.Orchestrator,
		kb:           opts.KB,
		kbReload:     opts.KBReload,
		kbPath:       opts.Config.KB.Path,
		vectorReady:  opts.VectorReady,
		providerMode: opts.ProviderMode,
		providers:    opts.Providers,
		feedback:     opts.Feedback,
		cache:        opts.Cache,
		database:     opts.Database,
		logger:       opts.Logger,
		router:       router,
	}

	server.setupRoutes()

	return server
}

// Router exposes the configured handler, used by tests and embedding.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.logger.WithField("addr", addr).Info("HTTP server started")

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes.
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/recommend", s.handleRecommend)
		v1.GET("/codes/:id", s.handleGetCode)
		v1.POST("/feedback", s.handleSaveFeedback)
		v1.GET("/feedback", s.handleListFeedback)
		v1.POST("/admin/reload", s.handleReloadKB)
	}
}

// handleHealth reports service readiness and which optional paths are live.
func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status":       "healthy",
		"timestamp":    time.Now(),
		"kb_size":      s.kb.Len(),
		"vector_index": s.vectorReady,
		"provider":     s.providerMode.String(),
		"feedback":     s.feedback != nil,
		"cache":        s.cache != nil,
	}
	if s.database != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		status := "up"
		if err := s.database.Health(ctx); err != nil {
			status = "down"
		}
		body["database"] = status
	}
	c.JSON(http.StatusOK, body)
}

// handleReloadKB swaps in the current on-disk KB artifact and flushes the
// result cache, since cached results computed against the old artifact are
// stale.
func (s *Server) handleReloadKB(c *gin.Context) {
	if s.kbReload == nil || s.kbPath == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "knowledge base reload is not configured",
		})
		return
	}

	if err := s.kbReload.Reload(s.kbPath); err != nil {
		s.logger.WithError(err).Error("Failed to reload knowledge base")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to reload knowledge base",
		})
		return
	}

	if s.cache != nil {
		if err := s.cache.Flush(c.Request.Context()); err != nil {
			s.logger.WithError(err).Warn("Failed to flush result cache after KB reload")
		}
	}

	s.logger.WithFields(logrus.Fields{
		"kb_size": s.kb.Len(),
		"version": s.kbReload.Version(),
	}).Info("Knowledge base reloaded")

	c.JSON(http.StatusOK, gin.H{
		"status":  "reloaded",
		"kb_size": s.kb.Len(),
		"version": s.kbReload.Version(),
	})
}

// recommendRequest is the body of POST /api/v1/recommend.
type recommendRequest struct {
	Query     string `json:"query"`
	RetrieveK int    `json:"retrieve_k"`
	RerankK   int    `json:"rerank_k"`
	Provider  string `json:"provider"`
}

// handleRecommend runs the full pipeline for one clinical note.
func (s *Server) handleRecommend(c *gin.Context) {
	var req recommendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid request body",
			"code":  domain.ErrCodeInvalidArgument,
		})
		return
	}

	mode := s.providerMode
	if req.Provider != "" {
		mode = domain.ProviderMode(req.Provider)
		if !mode.IsValid() {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("unknown provider mode: %s", req.Provider),
				"code":  domain.ErrCodeInvalidArgument,
			})
			return
		}
	}

	cacheKey := external.HashKey(req.Query, req.RetrieveK, req.RerankK, mode)
	if s.cache != nil {
		if cached, hit, err := s.cache.Get(c.Request.Context(), cacheKey); err == nil && hit {
			c.Header("X-Cache", "hit")
			c.JSON(http.StatusOK, cached)
			return
		}
	}

	runOpts := pipeline.Options{
		RetrieveK: req.RetrieveK,
		RerankK:   req.RerankK,
	}
	if mode != s.providerMode {
		provider, ok := s.providers[mode]
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("provider mode %s is not configured", mode),
				"code":  domain.ErrCodeInvalidArgument,
			})
			return
		}
		runOpts.Provider = provider
	}

	result, err := s.orchestrator.Run(c.Request.Context(), req.Query, runOpts)
	if err != nil {
		if domain.IsInvalidArgument(err) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
				"code":  domain.ErrCodeInvalidArgument,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "pipeline execution failed",
			"code":  domain.ErrCodeInternal,
		})
		return
	}

	if s.cache != nil {
		if err := s.cache.Set(c.Request.Context(), cacheKey, result); err != nil {
			s.logger.WithError(err).Warn("Failed to cache pipeline result")
		}
	}

	c.JSON(http.StatusOK, result)
}

// handleGetCode returns one KB record by code ID.
func (s *Server) handleGetCode(c *gin.Context) {
	codeID := c.Param("id")
	record, ok := s.kb.Lookup(codeID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error": fmt.Sprintf("code %s not found", codeID),
		})
		return
	}
	c.JSON(http.StatusOK, record)
}

// handleSaveFeedback records a coder's verdict on a recommended code.
func (s *Server) handleSaveFeedback(c *gin.Context) {
	if s.feedback == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "feedback storage is not configured",
		})
		return
	}

	var fb feedback.Feedback
	if err := c.ShouldBindJSON(&fb); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid request body",
			"code":  domain.ErrCodeInvalidArgument,
		})
		return
	}
	if fb.Query == "" || fb.CodeID == "" || !fb.Verdict.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "query, code_id, and a valid verdict are required",
			"code":  domain.ErrCodeInvalidArgument,
		})
		return
	}

	if err := s.feedback.Save(c.Request.Context(), &fb); err != nil {
		s.logger.WithError(err).Error("Failed to save feedback")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to save feedback",
		})
		return
	}

	c.JSON(http.StatusCreated, fb)
}

// handleListFeedback returns feedback entries newest first.
func (s *Server) handleListFeedback(c *gin.Context) {
	if s.feedback == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "feedback storage is not configured",
		})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		limit = 50
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}

	entries, err := s.feedback.List(c.Request.Context(), limit, offset)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list feedback")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to list feedback",
		})
		return
	}
	total, err := s.feedback.Count(c.Request.Context())
	if err != nil {
		total = int64(len(entries))
	}

	c.JSON(http.StatusOK, gin.H{
		"feedback": entries,
		"count":    len(entries),
		"total":    total,
	})
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "Content-Length")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// requestIDMiddleware adds a unique request ID to each request.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}
