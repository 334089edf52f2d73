package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"time"

	"clinic-flow/config"
	"clinic-flow/internal/handlers"
	"clinic-flow/internal/services"
	"clinic-flow/internal/telemetry"
	_ "clinic-flow/migrations"
	"clinic-flow/monitoring"
	"clinic-flow/security"
	"clinic-flow/utils"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	pubnub "github.com/pubnub/go"
	"github.com/redis/go-redis/v9"
)

const serviceName = "clinic-flow"

func Start() error {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()

	ctx := context.Background()
	shutdownTracing := telemetry.Setup(ctx, telemetry.Options{
		ServiceName: serviceName,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	})

	// Initialize backend
	var (
		redisClient *redis.Client
		backend     services.Backend
		err         error
	)
	switch cfg.Backend {
	case "memory":
		slog.Warn("Using in-memory backend, state is lost on restart")
		backend = services.NewMemoryBackend()
	case "redis":
		redisClient, err = utils.NewRedisClient(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		backend = services.NewRedisBackend(redisClient, cfg.SessionRetention)
	default:
		return fmt.Errorf("unknown backend %q, expected redis or memory", cfg.Backend)
	}

	var monitor *monitoring.Monitor
	if cfg.EnableMetrics {
		monitor = monitoring.NewMonitor()
	}

	engine, err := services.NewEngine(cfg, newNotifier(cfg), monitor)
	if err != nil {
		return err
	}

	resolver := services.NewRouteResolver(newRouteSource(cfg, redisClient))

	// Initialize handlers
	eventHandler := handlers.NewEventHandler(engine, backend, resolver)
	adminHandler := handlers.NewAdminHandler(engine, backend, resolver)

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: true,
	})
	app.RootCmd.AddCommand(newRoutesCommand(resolver))

	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
		mw := se.Router.Group("/mw")
		mw.BindFunc(security.BlockSuspiciousAgents)

		// Visitor events
		mw.POST("/session/start", eventHandler.SessionStart)
		pinVerify := mw.POST("/pin/verify", eventHandler.VerifyPin)
		mw.POST("/queue/issue", eventHandler.IssueTicket)
		mw.POST("/clinic/enter", eventHandler.EnterClinic)
		mw.POST("/notify/info", eventHandler.NotifyInfo)
		mw.POST("/events/{routeKey}", eventHandler.RoutedEvent)

		if redisClient != nil {
			limiter := security.NewRateLimiter(redisClient, cfg.PinRateLimit, cfg.PinRateWindow, monitor)
			pinVerify.BindFunc(limiter.PinAttemptLimit())
		}

		// Admin endpoints
		admin := mw.Group("/admin")
		admin.Bind(apis.RequireSuperuserAuth())
		admin.POST("/session/complete", adminHandler.CompleteSession)
		admin.POST("/session/reset", adminHandler.ResetSession)
		admin.GET("/queue", adminHandler.GetQueue)
		admin.GET("/routes", adminHandler.GetRoutes)

		if cfg.EnableMetrics {
			se.Router.GET("/metrics", apis.WrapStdHandler(promhttp.Handler()))
		}

		// Health check
		se.Router.GET("/health", func(e *core.RequestEvent) error {
			if redisClient != nil {
				if err := utils.RedisHealthCheck(redisClient); err != nil {
					return e.JSON(http.StatusServiceUnavailable, map[string]string{
						"status": "unhealthy",
						"error":  err.Error(),
					})
				}
			}
			return e.JSON(http.StatusOK, map[string]string{"status": "healthy", "backend": cfg.Backend})
		})

		log.Println("Server routes registered")

		return se.Next()
	})

	// Graceful shutdown: let pending notifications finish before closing Redis.
	app.OnTerminate().BindFunc(func(e *core.TerminateEvent) error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.NotifyTimeout+time.Second)
		defer cancel()

		if err := engine.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Pending notifications dropped on shutdown", "error", err)
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Warn("Tracer shutdown failed", "error", err)
		}
		if redisClient != nil {
			redisClient.Close()
		}
		return e.Next()
	})

	// Start server
	return app.Start()
}

func newNotifier(cfg *config.Config) services.Notifier {
	if cfg.PubNubPublishKey == "" || cfg.PubNubSubscribeKey == "" {
		slog.Warn("PubNub keys not set, notifications go to the log")
		return services.LogNotifier{}
	}

	pnConfig := pubnub.NewConfig()
	pnConfig.PublishKey = cfg.PubNubPublishKey
	pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
	pnConfig.SecretKey = cfg.PubNubSecretKey
	pnConfig.UUID = cfg.PubNubUserID

	return services.NewPubNubNotifier(pubnub.NewPubNub(pnConfig), cfg.NotifyChannel)
}

func newRouteSource(cfg *config.Config, redisClient *redis.Client) services.RouteSource {
	if cfg.RouteMapRedisKey != "" {
		if redisClient != nil {
			return services.NewRedisRouteSource(redisClient, cfg.RouteMapRedisKey)
		}
		slog.Warn("Route map Redis key ignored without the redis backend", "key", cfg.RouteMapRedisKey)
	}
	return services.NewFileRouteSource(cfg.RouteMapPath)
}
