package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/contractlens/backend/config"
	"github.com/contractlens/backend/handler"
	"github.com/contractlens/backend/middleware"
	"github.com/contractlens/backend/pkg/logger"
	"github.com/contractlens/backend/service"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}

	logger.Init(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	slog.Info("configuration loaded successfully", "path", configPath)

	ctx := context.Background()

	minioSvc, err := service.NewMinioService(&cfg.Minio)
	if err != nil {
		slog.Error("failed to initialize MINIO service", "error", err)
		os.Exit(1)
	}
	if err := minioSvc.EnsureBucket(ctx); err != nil {
		slog.Error("failed to ensure MINIO bucket", "error", err)
		os.Exit(1)
	}

	store, err := service.NewStore(ctx, &cfg.Store)
	if err != nil {
		slog.Error("failed to initialize contract store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}

	mineruSvc := service.NewMineruService(&cfg.Mineru)
	extractor := service.NewExtractor(&cfg.LLM)
	processor := service.NewProcessor(store, mineruSvc, extractor, &cfg.Mineru)

	if cfg.LLM.APIKey == "" {
		slog.Warn("no LLM API key configured, extraction will fail")
	}
	if mineruSvc.CallbackMode() {
		slog.Info("parse results delivered by callback", "callback_url", cfg.Mineru.CallbackURL)
	}

	router := newRouter(cfg, routes{
		auth:     handler.NewAuthHandler(cfg),
		contract: handler.NewContractHandler(minioSvc, store, processor),
		callback: handler.NewCallbackHandler(mineruSvc, store, processor),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := processor.Shutdown(shutdownCtx); err != nil {
		slog.Warn("contract processing did not stop in time", "error", err)
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		closer.Close()
	}

	slog.Info("server exited gracefully")
}

type routes struct {
	auth     *handler.AuthHandler
	contract *handler.ContractHandler
	callback *handler.CallbackHandler
}

func newRouter(cfg *config.Config, r routes) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery())
	router.Use(middleware.Metrics())
	router.Use(middleware.RequestLogger())
	router.Use(corsMiddleware())
	router.Use(noStoreMiddleware())
	router.Use(middleware.RateLimit(cfg.RateLimit.Requests, cfg.RateLimit.Window()))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		api.POST("/auth/login", r.auth.Login)
		api.POST("/mineru/callback", r.callback.HandleCallback)
	}

	protected := api.Group("/")
	protected.Use(middleware.AuthMiddleware(&cfg.Auth))
	{
		protected.GET("/auth/me", r.auth.GetCurrentUser)
		protected.POST("/contracts/upload", r.contract.Upload)
		protected.POST("/contracts/normalize", r.contract.Normalize)
		protected.GET("/contracts", r.contract.List)
		protected.GET("/contracts/:id", r.contract.Get)
		protected.GET("/contracts/:id/status", r.contract.GetStatus)
		protected.GET("/contracts/:id/data", r.contract.GetData)
		protected.GET("/contracts/:id/view", r.contract.GetView)
		protected.GET("/contracts/:id/download", r.contract.Download)
		protected.DELETE("/contracts/:id", r.contract.Delete)
	}

	return router
}

// corsMiddleware handles CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, Content-Disposition")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// noStoreMiddleware keeps API responses, which carry tenant data, out of caches
func noStoreMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api") {
			c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
			c.Header("Pragma", "no-cache")
			c.Header("Expires", "0")
		}
		c.Next()
	}
}
