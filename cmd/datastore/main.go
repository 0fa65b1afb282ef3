package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rslive/gateway/internal/config"
	"github.com/rslive/gateway/internal/datastore"
	"github.com/rslive/gateway/internal/ipc"
	"github.com/rslive/gateway/internal/logger"
	"github.com/rslive/gateway/internal/storage/sqlite"
	"github.com/rslive/gateway/internal/summarize"
)

func main() {
	cfg, err := config.LoadDatastore()
	if err != nil {
		slog.Error("configuration error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	store, err := sqlite.New(cfg.DBPath, cfg.DBEncryptionKey, log)
	if err != nil {
		log.Error("database open failed",
			slog.String("path", cfg.DBPath), slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	var summ summarize.Summarizer
	if cfg.GeminiAPIKey != "" {
		summ = summarize.NewGemini(cfg.GeminiAPIKey, cfg.SummaryBaseURL)
	} else {
		log.Warn("GEMINI_API_KEY not set, conversation summarization disabled")
	}
	svc := datastore.NewService(store, summ, log)

	listener, err := ipc.Listen(context.Background(), cfg.ZMQSocketPath, log)
	if err != nil {
		log.Error("ipc socket bind failed",
			slog.String("path", cfg.ZMQSocketPath), slog.String("error", err.Error()))
		os.Exit(1)
	}
	datastore.RegisterHandlers(listener, svc)

	serveCtx, stopServe := context.WithCancel(context.Background())
	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		if err := listener.Serve(serveCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("ipc serve stopped", slog.String("error", err.Error()))
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) {
		if err := store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	datastore.NewAdminHandler(store).RegisterRoutes(router)

	srv := &http.Server{
		Addr:    "127.0.0.1:" + cfg.Port,
		Handler: router,
	}
	go func() {
		log.Info("datastore listening",
			slog.String("port", cfg.Port),
			slog.String("ipc_socket", cfg.ZMQSocketPath),
			slog.String("db_path", cfg.DBPath))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("admin server shutdown", slog.String("error", err.Error()))
	}
	stopServe()
	listener.Close()
	<-serveDone
	svc.Wait()
	log.Info("datastore stopped")
}
