package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"gigchat/internal/chat"
	"gigchat/internal/config"
	"gigchat/internal/db"
	"gigchat/internal/history"
	"gigchat/internal/logger"
	"gigchat/internal/metrics"
	myMiddleware "gigchat/internal/middleware"
	"gigchat/internal/presence"
	"gigchat/internal/user"
)

func main() {
	// 1. Config & flags
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	zl, err := logger.New(cfg.Log.Development)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)

	// 2. Storage
	var (
		historyStore history.Store
		userStore    user.Store
	)
	switch cfg.Storage.Driver {
	case "postgres":
		database, err := db.NewDatabase(cfg.Database)
		if err != nil {
			zl.Fatal("db_connect_failed", zap.Error(err))
		}
		defer database.Close()
		zl.Info("db_connected")

		if err := database.AutoMigrate(ctx); err != nil {
			zl.Fatal("db_migrate_failed", zap.Error(err))
		}
		historyStore = history.NewPostgresStore(database.Conn)
		userStore = user.NewRepository(database.Conn)
	case "memory":
		zl.Warn("using_memory_storage")
		historyStore = history.NewMemoryStore()
		userStore = user.NewMemoryRepository()
	}

	// 3. Optional cross-instance backplane
	var backplane chat.Backplane
	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			zl.Fatal("redis_connect_failed", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		defer redisClient.Close()
		zl.Info("redis_connected", zap.String("channel", cfg.Redis.Channel))
		backplane = chat.NewRedisBackplane(redisClient, cfg.Redis.Channel)
	}

	// 4. Features
	userService := user.NewService(userStore, cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.TTL)
	userHandler := user.NewHandler(userService, zl)

	historyService := history.NewService(historyStore, zl, m)
	historyHandler := history.NewHandler(historyService, zl)

	registry := presence.NewRegistry()
	hub := chat.NewHub(registry, backplane, zl, m)
	hubCtx, stopHub := context.WithCancel(context.Background())
	go hub.Run(hubCtx)

	chatHandler := chat.NewHandler(hub, chat.Options{
		WriteWait:      cfg.WS.WriteWait,
		PongWait:       cfg.WS.PongWait,
		PingPeriod:     cfg.WS.PingPeriod,
		MaxMessageSize: cfg.WS.MaxMessageSize,
		SendBuffer:     cfg.WS.SendBuffer,
	}, zl)

	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 5. Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)
		r.Get("/ws", chatHandler.ServeWs)
		historyHandler.Routes(r)
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errs := make(chan error, 1)
	go func() {
		zl.Info("server_starting", zap.String("addr", cfg.Server.Addr))
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if !errors.Is(err, http.ErrServerClosed) {
			zl.Error("server_failed", zap.Error(err))
		}
	case <-ctx.Done():
		zl.Info("shutdown_signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Error("server_shutdown_failed", zap.Error(err))
	}
	stopHub()
	<-hub.Done()
	zl.Info("server_stopped")
}
