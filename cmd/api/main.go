package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"campusalloc/internal/advisory"
	"campusalloc/internal/allocation"
	"campusalloc/internal/auth"
	"campusalloc/internal/config"
	"campusalloc/internal/exam"
	"campusalloc/internal/httpmiddleware"
	"campusalloc/internal/interview"
	"campusalloc/internal/logging"
	"campusalloc/internal/notify"
	"campusalloc/internal/queue"
	"campusalloc/internal/store"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Env)
	defer logger.Sync()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, logger); err != nil {
		logger.Fatal("http server failed", zap.Error(err))
	}
}

func runHTTP(cfg config.App, logger *zap.Logger) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.MigrateOnStart {
		if err := db.Migrate(context.Background()); err != nil {
			return err
		}
		logger.Info("migrations applied")
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
	}

	advisor := advisory.New(cfg.AdvisoryURL, cfg.AdvisorySkip, cfg.AdvisoryTimeout)
	repo := allocation.NewRepository(db.Client)
	notifier := notify.NewRecorder(db.Client)
	allocator := allocation.NewService(repo, notifier, advisor, q, logger)
	examSvc := exam.NewService(exam.NewRepository(db.Client), repo, notifier, advisor, q, logger)
	interviewSvc := interview.NewService(interview.NewRepository(db.Client), repo, notifier, q, logger)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/auth/token", func(c *gin.Context) {
		var req struct {
			APIKey string `json:"api_key" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if cfg.AdminAPIKey == "" || req.APIKey != cfg.AdminAPIKey {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		tokens, err := auth.Issue("admin", "operator", cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	r.POST("/v1/auth/refresh", func(c *gin.Context) {
		var req struct {
			RefreshToken string `json:"refresh_token" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		tokens, err := auth.Refresh(req.RefreshToken, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	authGroup := r.Group("/v1", auth.OperatorAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	authGroup.POST("/requests", func(c *gin.Context) {
		var body struct {
			RequesterID       string          `json:"requester_id" binding:"required"`
			RequestType       string          `json:"request_type" binding:"required"`
			Title             string          `json:"title"`
			Date              string          `json:"request_date" binding:"required"`
			StartTime         string          `json:"start_time" binding:"required"`
			EndTime           string          `json:"end_time" binding:"required"`
			Strength          int             `json:"strength" binding:"required"`
			RequiredEquipment map[string]bool `json:"required_equipment"`
			PreferredBuilding string          `json:"preferred_building"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		req := &allocation.Request{
			RequesterID:       body.RequesterID,
			Type:              body.RequestType,
			Title:             body.Title,
			Date:              body.Date,
			StartTime:         normalizeTime(body.StartTime),
			EndTime:           normalizeTime(body.EndTime),
			Strength:          body.Strength,
			RequiredEquipment: body.RequiredEquipment,
			PreferredBuilding: body.PreferredBuilding,
		}
		if err := allocator.Submit(c.Request.Context(), req); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"request_id": req.ID, "status": req.Status})
	})

	authGroup.GET("/requests/:id", func(c *gin.Context) {
		req, err := repo.GetRequest(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if req == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "request not found"})
			return
		}
		c.JSON(http.StatusOK, req)
	})

	authGroup.POST("/requests/:id/allocate", func(c *gin.Context) {
		var body struct {
			OverrideRoomID string `json:"override_room_id"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&body); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}

		result, err := allocator.Allocate(c.Request.Context(), c.Param("id"), actorID(c), body.OverrideRoomID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		switch result.Status {
		case allocation.StatusNotFound:
			c.JSON(http.StatusNotFound, gin.H{"error": "request not found"})
		case allocation.StatusConflict:
			c.JSON(http.StatusConflict, result)
		default:
			c.JSON(http.StatusOK, result)
		}
	})

	authGroup.GET("/conflicts", func(c *gin.Context) {
		conflicts, err := repo.OpenConflicts(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"conflicts": conflicts})
	})

	authGroup.POST("/exam-sessions/:id/schedule", func(c *gin.Context) {
		scheduled, err := examSvc.ScheduleSession(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if scheduled.NotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "exam session not found"})
			return
		}
		queued, err := examSvc.QueueHallRequests(c.Request.Context(), c.Param("id"), actorID(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"placed":                scheduled.Placed,
			"conflicts":             scheduled.Conflicts,
			"room_requests_created": queued.RequestsCreated,
		})
	})

	authGroup.POST("/drives/:id/slots", func(c *gin.Context) {
		slots, err := interviewSvc.EnsureSlots(c.Request.Context(), c.Param("id"), actorID(c))
		if err != nil {
			if errors.Is(err, interview.ErrDriveNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"slots": slots})
	})

	authGroup.POST("/drives/:id/assignments", func(c *gin.Context) {
		var body struct {
			StudentIDs []string `json:"student_ids" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		result, err := interviewSvc.AssignStudents(c.Request.Context(), c.Param("id"), body.StudentIDs)
		if err != nil {
			if errors.Is(err, interview.ErrDriveNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if result.NoSlots {
			c.JSON(http.StatusConflict, result)
			return
		}
		c.JSON(http.StatusOK, result)
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced shutdown", zap.Error(err))
	}

	logger.Info("server exited")
	return nil
}

// actorID pulls the authenticated subject out of the request context.
func actorID(c *gin.Context) string {
	claimsAny, _ := c.Get("claims")
	claims, _ := claimsAny.(auth.Claims)
	if claims.Subject == "" {
		return "admin"
	}
	return claims.Subject
}

// normalizeTime pads "HH:MM" to "HH:MM:SS" so stored times compare cleanly.
func normalizeTime(t string) string {
	if len(t) == 5 {
		return t + ":00"
	}
	return t
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
