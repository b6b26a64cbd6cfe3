package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"go-chat-hub/internal/chat"
	"go-chat-hub/internal/config"
	"go-chat-hub/internal/db"
	"go-chat-hub/internal/middleware"
	"go-chat-hub/internal/user"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	entry := log.WithField("instance_id", cfg.InstanceID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.NewDatabase(cfg.DSN)
	if err != nil {
		entry.WithError(err).Fatal("could not connect to postgres")
	}
	defer database.Close()
	if err := database.AutoMigrate(); err != nil {
		entry.WithError(err).Fatal("migration failed")
	}
	entry.Info("connected to postgres")

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		// The bridge degrades gracefully, but a broken broker at boot is
		// almost always a misconfiguration worth failing loudly on.
		entry.WithError(err).Fatal("could not connect to redis")
	}
	entry.Info("connected to redis")

	hub := chat.NewHub(redisClient, cfg.InstanceID, cfg.ListenerBackoffMax, entry)
	hub.Start(ctx)
	defer hub.Close()

	limiter := chat.NewRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow)
	go func() {
		ticker := time.NewTicker(5 * cfg.RateLimitWindow)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.Cleanup()
			}
		}
	}()

	chatRepo := chat.NewRepository(database.Conn)
	chatHandler := chat.NewHandler(hub, limiter, chatRepo, cfg.MaxMessageLength, entry)

	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWTSecret)
	userHandler := user.NewHandler(userService)

	authMiddleware := middleware.NewAuthMiddleware(userService)

	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)

		r.Get("/api/users/search", userHandler.SearchUsers)

		r.Post("/api/groups", chatHandler.CreateGroup)
		r.Post("/api/groups/{groupID}/join", chatHandler.JoinGroup)
		r.Get("/api/groups/{groupID}/messages", chatHandler.GetMessages)
		r.Post("/api/groups/{groupID}/system", chatHandler.SystemBroadcast)
		r.Get("/api/groups/{groupID}/presence", chatHandler.Presence)

		r.Get("/ws/{groupID}", chatHandler.ServeWs)
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: r}
	go func() {
		entry.WithField("addr", cfg.Addr).Info("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			entry.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	entry.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		entry.WithError(err).Warn("shutdown was not clean")
	}
}
