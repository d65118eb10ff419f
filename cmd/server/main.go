package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	database "livecast/Database"
	"livecast/configs"
	"livecast/internal/audit"
	"livecast/internal/metrics"
	"livecast/internal/orchestrator"
	"livecast/internal/presence"
	"livecast/internal/recording"
	"livecast/internal/rtmp"
	"livecast/internal/security"
	"livecast/internal/storage"
	"livecast/internal/stream"
	"livecast/pkg/ffmpeg"
	utils "livecast/pkg/utils"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
)

func main() {
	issueToken := flag.String("issue-token", "", "print a publish token for the given stream key and exit")
	tokenTTL := flag.Duration("token-ttl", 0, "lifetime of an issued token, 0 for no expiry")
	flag.Parse()

	_ = godotenv.Load()

	// Load configuration
	appConfig, err := configs.LoadConfig()
	if err != nil {
		utils.Logger.Fatalf("Failed to load configuration: %v", err)
	}
	utils.Init(appConfig.Log.Level)

	if *issueToken != "" {
		if appConfig.JWT.Secret == "" {
			utils.Logger.Fatal("JWT_SECRET is required to issue tokens")
		}
		token, err := security.NewTokenVerifier(appConfig.JWT.Secret).Issue(*issueToken, *tokenTTL)
		if err != nil {
			utils.Logger.Fatalf("Failed to issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	// Validate configuration
	if err := appConfig.Validate(); err != nil {
		utils.Logger.Fatalf("Configuration validation failed: %v", err)
	}
	utils.Logger.Info("Starting livecast ingest server...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	postgresDB, err := database.GetPostgresDB(appConfig)
	if err != nil {
		utils.Logger.Fatalf("Failed to initialize database: %v", err)
	}
	defer postgresDB.Close()

	blobs, err := storage.New(ctx, appConfig)
	if err != nil {
		utils.Logger.Fatalf("Failed to initialize attachment storage: %v", err)
	}

	m := metrics.New()
	streamStore := stream.NewStreamStore(postgresDB, blobs)

	registry := presence.NewRegistry(orchestrator.CountWriter(streamStore), presence.WithMetrics(m))

	supervisor := recording.NewSupervisor(
		recording.ConfigFrom(appConfig),
		recording.FFmpegLauncher(ffmpeg.New(appConfig.FFmpeg.Path)),
		streamStore,
		recording.WithMetrics(m),
	)

	orch := orchestrator.New(
		orchestrator.Config{App: appConfig.RTMP.App, IngestURL: appConfig.IngestURL},
		streamStore,
		security.NewTokenVerifier(appConfig.JWT.Secret),
		registry,
		supervisor,
		nil,
		orchestrator.WithAudit(audit.NewAuditLogger(nil)),
		orchestrator.WithMetrics(m),
	)

	rtmpServer := rtmp.NewServer(rtmp.Config{
		Port:             appConfig.RTMP.Port,
		App:              appConfig.RTMP.App,
		HandshakeTimeout: appConfig.RTMP.HandshakeTimeout,
	}, orch)
	orch.SetControl(rtmpServer)

	go func() {
		if err := rtmpServer.Start(); err != nil {
			utils.Logger.Errorf("RTMP server error: %v", err)
			stop()
		}
	}()

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = utils.CustomHTTPErrorHandler
	security.SetupMiddleware(e, appConfig.Reactions.AllowedOrigins)

	e.GET("/health", func(c echo.Context) error {
		status := "healthy"
		code := http.StatusOK
		if err := streamStore.CheckDBConnection(); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, map[string]interface{}{
			"status":    status,
			"timestamp": time.Now().UTC(),
		})
	})
	e.GET("/metrics", echo.WrapHandler(m.Handler(nil)))

	rtmp.NewHandler(rtmpServer, orch, supervisor).RegisterRoutes(e.Group("/api/v1/rtmp"))
	stream.NewHandler(streamStore).RegisterRoutes(e.Group("/api/v1"))

	for _, route := range e.Routes() {
		utils.Logger.Debugf("Registered route: %s %s", route.Method, route.Path)
	}

	addr := fmt.Sprintf("%s:%d", appConfig.Server.Host, appConfig.Server.Port)
	go func() {
		utils.Logger.Infof("HTTP server listening on %s", addr)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			utils.Logger.Errorf("HTTP server error: %v", err)
			stop()
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	utils.Logger.Info("Shutdown signal received, starting graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	// Ingest first so no new jobs start, then let running captures finish
	if err := rtmpServer.Stop(shutdownCtx); err != nil {
		utils.Logger.Errorf("RTMP server shutdown error: %v", err)
	}
	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		utils.Logger.Errorf("Recording shutdown error: %v", err)
	}
	registry.Wait()
	if err := e.Shutdown(shutdownCtx); err != nil {
		utils.Logger.Errorf("HTTP server shutdown error: %v", err)
	}
	utils.Logger.Info("Server shutdown complete")
}
