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
	"github.com/rslive/gateway/internal/ipc"
	"github.com/rslive/gateway/internal/logger"
	"github.com/rslive/gateway/internal/proxy"
)

func main() {
	cfg, err := config.LoadGateway()
	if err != nil {
		slog.Error("configuration error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	broker, err := ipc.Dial(context.Background(), cfg.ZMQSocketPath, cfg.ZMQTimeout, log)
	if err != nil {
		log.Error("datastore socket dial failed",
			slog.String("path", cfg.ZMQSocketPath), slog.String("error", err.Error()))
		os.Exit(1)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	proxy.NewHandler(broker, cfg, log).RegisterRoutes(router)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}
	go func() {
		log.Info("gateway listening",
			slog.String("port", cfg.Port),
			slog.String("ipc_socket", cfg.ZMQSocketPath))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", slog.String("error", err.Error()))
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
		log.Error("server shutdown", slog.String("error", err.Error()))
	}
	broker.Close()
	log.Info("gateway stopped")
}
