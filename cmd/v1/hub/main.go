package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/iparaskev/hopp/internal/v1/auth"
	"github.com/iparaskev/hopp/internal/v1/bus"
	"github.com/iparaskev/hopp/internal/v1/config"
	"github.com/iparaskev/hopp/internal/v1/health"
	"github.com/iparaskev/hopp/internal/v1/hub"
	"github.com/iparaskev/hopp/internal/v1/logging"
	"github.com/iparaskev/hopp/internal/v1/middleware"
	"github.com/iparaskev/hopp/internal/v1/ratelimit"
	"github.com/iparaskev/hopp/internal/v1/store"
	"github.com/iparaskev/hopp/internal/v1/tokens"
	"github.com/iparaskev/hopp/internal/v1/tracing"
)

func main() {
	ctx := context.Background()

	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			envLoaded = true
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		logging.Fatal(ctx, "Invalid environment", zap.Error(err))
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		logging.Fatal(ctx, "Failed to initialize logger", zap.Error(err))
	}
	if !envLoaded {
		logging.Warn(ctx, "No .env file found, relying on environment variables")
	}

	// --- Tracing (optional) ---
	if collectorAddr := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); collectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "hopp-hub", collectorAddr)
		if err != nil {
			logging.Warn(ctx, "Tracing disabled", zap.Error(err))
		} else {
			defer func() { _ = tp.Shutdown(context.Background()) }()
		}
	}

	// --- Infrastructure ---
	busSvc, err := bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		logging.Fatal(ctx, "Failed to connect to Redis", zap.Error(err))
	}
	defer func() { _ = busSvc.Close() }()

	db, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logging.Fatal(ctx, "Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	validator, err := auth.NewValidator(cfg.SessionSecret)
	if err != nil {
		logging.Fatal(ctx, "Failed to create auth validator", zap.Error(err))
	}

	issuer, err := tokens.NewIssuer(cfg.LiveKitAPIKey, cfg.LiveKitAPISecret, cfg.SessionSecret)
	if err != nil {
		logging.Fatal(ctx, "Failed to create token issuer", zap.Error(err))
	}

	signalingHub := hub.NewHub(validator, db, busSvc, issuer, cfg.LiveKitServerURL)

	rl, err := ratelimit.NewRateLimiter(cfg, busSvc.Client())
	if err != nil {
		logging.Fatal(ctx, "Failed to create rate limiter", zap.Error(err))
	}
	signalingHub.SetRateLimiter(rl)

	// --- Set up Server ---
	if cfg.GoEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware("hopp-hub"))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	router.Use(cors.New(corsConfig))

	router.Use(rl.GlobalMiddleware())

	// Routing
	authGroup := router.Group("/api/auth")
	{
		authGroup.GET("/websocket", signalingHub.ServeWs)

		protected := authGroup.Group("", signalingHub.AuthMiddleware())
		protected.GET("/watercooler", signalingHub.Watercooler)
		protected.GET("/watercooler/anonymous", signalingHub.WatercoolerAnonymous)
		protected.GET("/teammates", signalingHub.Teammates)
		protected.GET("/livekit/server-url", signalingHub.LiveKitServerURL)
	}

	// Public: the redirect token in the query string is the credential.
	router.GET("/api/watercooler/meet-redirect", signalingHub.MeetRedirect)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(
		health.PingerFunc(busSvc.Ping),
		health.PingerFunc(db.Pool().Ping),
	)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		logging.Info(ctx, "Signaling hub starting", zap.String("port", cfg.Port))
		var err error
		if cfg.TLSCertFile != "" {
			err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Failed to run server", zap.Error(err))
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down server...")

	// The context is used to inform the server it has 5 seconds to finish
	// the requests it is currently handling
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Server forced to shutdown", zap.Error(err))
	}

	logging.Info(ctx, "Server exiting")
}
