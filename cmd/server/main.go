package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"go-support/internal/chat"
	"go-support/internal/config"
	"go-support/internal/db"
	myMiddleware "go-support/internal/middleware"
	"go-support/internal/ratelimit"
	"go-support/internal/staff"
	"go-support/internal/user"
)

func main() {
	addr := flag.String("addr", "", "http service address (overrides HTTP_ADDR)")
	flag.Parse()

	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	setupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
	log.Info().Msg("server stopped")
}

func setupLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	// Platform layer
	database, err := db.NewDatabase(ctx, cfg.DSN)
	if err != nil {
		return err
	}
	defer database.Close()
	log.Info().Msg("connected to PostgreSQL")

	if err := database.AutoMigrate(ctx); err != nil {
		return err
	}
	log.Info().Msg("database schema initialized")

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "connect to redis")
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")

	// Identity
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWTSecret)
	userHandler := user.NewHandler(userService)
	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// Staff load + selection
	registry := staff.NewRegistry(staff.NewRepository(database.Conn),
		staff.WithIdentityLookup(userRepo),
		staff.WithMaxRetries(cfg.StaffMaxRetries),
	)
	selector := staff.NewSelector(registry)

	// Support chat
	hub := chat.NewHub(redisClient, registry)
	router := chat.NewRouter(chat.NewRepository(database.Conn), registry, selector,
		chat.WithNotifier(hub),
		chat.WithMaxRetries(cfg.SessionMaxRetries),
	)
	limiter := ratelimit.New()
	chatHandler := chat.NewHandler(router, limiter, hub)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		// hijacked websocket connections outlive this deadline
		r.Use(middleware.Timeout(cfg.RequestTimeout))
		r.With(authMiddleware.Handle).Get("/api/me", userHandler.Me)
		chatHandler.Mount(r, authMiddleware)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return hub.SubscribeToRedis(ctx) })
	g.Go(func() error {
		limiter.StartSweeper(ctx, cfg.LimiterSweepInterval)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info().Msg("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// accessLog logs one line per request through zerolog.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}
