package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"quota-gateway/core"
	"quota-gateway/core/keystore"
	"quota-gateway/core/security"
)

func main() {
	cfg := loadConfig(core.EnvSource{})

	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)
	log.SetFormatter(&logrus.JSONFormatter{})
	// 🔇 关闭 Gin Debug 模式输出
	gin.SetMode(gin.ReleaseMode)

	if cfg.LogFile != "" {
		rotator, err := core.NewLogRotator(cfg.LogFile, cfg.LogMaxSize)
		if err != nil {
			log.Fatal("Failed to open log file:", err)
		}
		defer rotator.Close()
		log.SetOutput(io.MultiWriter(os.Stdout, rotator))
	}

	store, err := openKeystore(cfg, log)
	if err != nil {
		log.Fatal("Failed to open key store:", err)
	}

	// 环境变量优先，其次是 Key Store
	gw, err := NewGateway(cfg, core.ChainSource{core.EnvSource{}, store}, store, log)
	if err != nil {
		log.Fatal("Failed to initialize gateway:", err)
	}

	limiter := NewIPRateLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	defer limiter.Stop()

	engine := gin.New()
	engine.Use(gin.RecoveryWithWriter(log.Writer()))
	setupRoutes(engine, gw, limiter, cfg.AdminToken, log)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}

	go func() {
		log.Infof("🚀 Starting quota gateway on port %d", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server:", err)
		}
	}()

	// 等待中断信号以优雅地关闭服务器
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown:", err)
	}

	gw.Client().PrintStats()
	log.Info("Server exited")
}

// openKeystore 配置了 KEYSTORE_SECRET 时使用 AES-GCM 加密槽位
func openKeystore(cfg Config, log *logrus.Logger) (*keystore.Store, error) {
	var secrets core.SecretProvider = security.PlainSecretProvider{}
	if cfg.KeystoreSecret != "" {
		aes, err := security.NewAESSecretProvider(cfg.KeystoreSecret)
		if err != nil {
			return nil, err
		}
		secrets = aes
	} else {
		log.Warn("KEYSTORE_SECRET not set, key store values are stored in plaintext")
	}

	store, err := keystore.Open(cfg.KeystorePath, secrets, log)
	if err != nil {
		return nil, err
	}
	log.Infof("Key store opened at %s", cfg.KeystorePath)
	return store, nil
}

// setupRoutes 设置路由
func setupRoutes(engine *gin.Engine, gw *Gateway, limiter *IPRateLimiter, adminToken string, log *logrus.Logger) {
	engine.Use(requestIDMiddleware())
	engine.Use(corsMiddleware())

	// 公开路由 - 无访问日志
	engine.GET("/health", handleHealth(gw))
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/stats", handleStats(gw))
	engine.GET("/stats/ws", handleStatsWS(gw))

	// 业务接口 - 限流 + 错误日志
	api := engine.Group("/v1")
	api.Use(rateLimitMiddleware(limiter, log), requestLoggerMiddleware(log, true))
	{
		api.POST("/generate", handleGenerate(gw))
		api.POST("/structured", handleStructured(gw))
		api.POST("/classify", handleClassify(gw))
		api.POST("/image", handleImage(gw))
		api.GET("/models", handleModels(gw))
	}

	admin := engine.Group("/admin")
	admin.Use(adminAuthMiddleware(adminToken), requestLoggerMiddleware(log, false))
	{
		admin.POST("/stats/reset", handleResetStats(gw))
		admin.GET("/keys", handleListKeys(gw))
		admin.POST("/keys", handlePutKey(gw))
		admin.DELETE("/keys/:name", handleDeleteKey(gw))
		admin.POST("/reload", handleReload(gw))
	}
}
