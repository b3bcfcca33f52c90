// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/audio-scribe/internal/audio"
	"github.com/yourusername/audio-scribe/internal/auth"
	"github.com/yourusername/audio-scribe/internal/config"
	"github.com/yourusername/audio-scribe/internal/logging"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	svc, err := setupJobs(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)
	router := newRouter(cfg, svc, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting API server", "addr", srv.Addr, "mode", cfg.GinMode,
			"store", cfg.StoreBackend, "queue", cfg.QueueBackend, "storage", cfg.StorageBackend)
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

	logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newRouter(cfg *config.Config, svc *jobServices, logger *slog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	// セッションストアの設定（クッキー署名鍵は必須）
	store := cookie.NewStore([]byte(cfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-CSRF-Token",
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token"}
	router.Use(cors.New(corsConfig))

	setupRoutes(router, cfg, svc, logger)
	return router
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "audio-scribe-api",
		"version": "0.1.0",
	})
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, svc *jobServices, logger *slog.Logger) {
	router.GET("/health", handleHealth)

	authManager := auth.NewManager(cfg, logger)
	jobHandler := audio.NewHandler(svc.manager, svc.artifacts, cfg.MaxFileSize, logger)

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/logout",
				authManager.RequireLogin(),
				authManager.VerifyCSRF(),
				authManager.Logout,
			)
			authRoutes.GET("/me", authManager.RequireLogin(), authManager.Me)
		}

		protected := api.Group("")
		protected.Use(authManager.RequireLogin(), authManager.VerifyCSRF())
		{
			protected.POST("/jobs", jobHandler.Upload)
			protected.GET("/jobs", jobHandler.List)
			protected.GET("/jobs/:id", jobHandler.Get)
		}
	}
}

// requestLogger は gin のアクセスログを slog に出力します。
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"ip", c.ClientIP(),
		)
	}
}
