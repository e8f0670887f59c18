package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-relay/internal/config"
	"go-relay/internal/db"
	"go-relay/internal/logger"
	myMiddleware "go-relay/internal/middleware"
	"go-relay/internal/relay"
	"go-relay/internal/telemetry"
	"go-relay/internal/user"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// 1. Config & Flags
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// logger is not up yet
		os.Stderr.WriteString("❌ invalid config: " + err.Error() + "\n")
		os.Exit(1)
	}
	if err := logger.Initialize(cfg.LogLevel); err != nil {
		os.Stderr.WriteString("❌ invalid log level: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Log.Sync()

	if err := run(cfg); err != nil {
		logger.Log.Fatal("❌ server stopped", zap.Error(err))
	}
	logger.Log.Info("👋 server stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log := logger.Log

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	// 2. Connect to Database (Platform Layer)
	database, err := db.NewDatabase(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer database.Close()
	log.Info("✅ Connected to PostgreSQL")

	if err := database.AutoMigrate(ctx); err != nil {
		return err
	}
	log.Info("✅ Database Schema Initialized")

	// 3. Connect to Redis (Platform Layer)
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return err
	}
	log.Info("✅ Connected to Redis", zap.String("addr", cfg.Redis.Addr))

	// 4. Initialize User Feature
	userService := user.NewService(user.NewRepository(database.Conn), cfg.JWTSecret)
	userHandler := user.NewHandler(userService)

	// 5. Initialize Relay Feature
	presence := relay.NewRedisPresence(redisClient, cfg.Redis.PresenceTTL.Duration)
	engine := relay.NewEngine(
		relay.NewPostgresStore(database.Conn),
		relay.NewRegistry(),
		relay.WithPresence(presence),
		relay.WithLogger(log.Named("relay")),
	)
	relayHandler := relay.NewHandler(engine, presence, relay.WithPresenceRefresh(cfg.Redis.PresenceTTL.Duration/3))

	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 6. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logger.RequestLogger)
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)

		// WebSocket (Real-time)
		r.Get("/ws", relayHandler.ServeWs)

		r.Get("/api/messages/history", relayHandler.GetChatHistory)
		r.Get("/api/conversations", relayHandler.GetConversations)
		r.Get("/api/presence", relayHandler.GetPresence)
	})

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: r,
		// sessions are hijacked and outlive Shutdown; they stop on ctx instead
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("🚀 Server starting", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("🛑 shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
