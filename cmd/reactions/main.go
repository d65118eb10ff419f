package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livecast/configs"
	"livecast/internal/metrics"
	"livecast/internal/reaction"
	"livecast/internal/security"
	utils "livecast/pkg/utils"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
)

func main() {
	_ = godotenv.Load()

	appConfig, err := configs.LoadConfig()
	if err != nil {
		utils.Logger.Fatalf("Failed to load configuration: %v", err)
	}
	utils.Init(appConfig.Log.Level)

	if err := appConfig.ValidateReactions(); err != nil {
		utils.Logger.Fatalf("Configuration validation failed: %v", err)
	}
	utils.Logger.Info("Starting reaction hub...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	opts := []reaction.Option{reaction.WithMetrics(m)}

	if appConfig.Redis.Enabled {
		client, err := reaction.NewRedisClient(appConfig.GetRedisAddr(), appConfig.Redis.Password, appConfig.Redis.DB)
		if err != nil {
			utils.Logger.Fatalf("Failed to initialize Redis: %v", err)
		}
		defer client.Close()
		opts = append(opts, reaction.WithBroker(reaction.NewRedisBroker(client, reaction.DefaultChannel)))
	}

	hub := reaction.NewHub(reaction.Config{
		HeartbeatInterval: appConfig.Reactions.HeartbeatInterval,
		RatePerSecond:     appConfig.Reactions.RatePerSecond,
		Burst:             appConfig.Reactions.Burst,
	}, opts...)

	hubDone := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(hubDone)
	}()

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = utils.CustomHTTPErrorHandler
	security.SetupMiddleware(e, appConfig.Reactions.AllowedOrigins)
	reaction.NewHandler(hub, appConfig.Reactions.AllowedOrigins).RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(m.Handler(nil)))

	addr := fmt.Sprintf(":%d", appConfig.Reactions.Port)
	go func() {
		utils.Logger.Infof("WebSocket server running on %s", addr)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			utils.Logger.Errorf("HTTP server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	utils.Logger.Info("Shutdown signal received, closing reaction hub...")

	// Closing the hub sends every client a close frame
	<-hubDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		utils.Logger.Errorf("HTTP server shutdown error: %v", err)
	}
	utils.Logger.Info("Reaction hub shutdown complete")
}
