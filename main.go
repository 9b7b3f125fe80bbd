package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"

	"github.com/CrowderSoup/taskboard/database"
	"github.com/CrowderSoup/taskboard/handlers"
	"github.com/CrowderSoup/taskboard/logging"
	"github.com/CrowderSoup/taskboard/services"
)

func main() {
	// Load environment variables from .env file
	if err := LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading .env file: %v\n", err)
		os.Exit(1)
	}

	cfg := LoadConfig()
	log := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, log); err != nil {
		log.Error(context.Background(), "server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, log logging.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.JWTSecret == devJWTSecret {
		log.Warn(ctx, "JWT_SECRET is not set, using the development secret with the memory store")
	}

	repo, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer repo.Close()
	log.Info(ctx, "storage ready", "driver", cfg.DatabaseDriver)

	// The hub outlives the signal context so sessions close only after the
	// HTTP server has stopped accepting requests.
	hubCtx, cancelHub := context.WithCancel(context.Background())
	defer cancelHub()

	hub := services.NewHub(log)
	go hub.Run(hubCtx)

	var events services.Broadcaster = hub
	checks := map[string]handlers.Pinger{"database": repo}
	if cfg.RedisURL != "" {
		relay, err := services.NewRedisRelay(cfg.RedisURL, cfg.RedisChannel, hub, log)
		if err != nil {
			return err
		}
		defer relay.Close()
		go func() {
			if err := relay.Run(hubCtx); err != nil {
				log.Error(hubCtx, "relay stopped", "error", err)
			}
		}()
		events = relay
		checks["redis"] = relay
		log.Info(ctx, "relaying events through redis", "channel", cfg.RedisChannel)
	}

	engine := services.NewEngine(repo, services.EngineOptions{MaxRetries: cfg.MaxRetries, Logger: log})
	repairer := services.NewRepairer(repo, engine, log)
	boards := services.NewBoardService(repo, engine, events, repairer, log)
	authService := services.NewAuthService(cfg.JWTSecret, cfg.TokenTTL)

	if report, err := repairer.Sweep(ctx); err != nil {
		log.Warn(ctx, "startup repair sweep failed", "error", err)
	} else {
		log.Info(ctx, "startup repair sweep finished",
			"boards", report.Boards, "columns", report.Columns, "cards", report.Cards)
	}

	scheduler, err := services.NewRepairScheduler(cfg.RepairSchedule, repairer, log)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	router := handlers.NewRouter(handlers.Deps{
		Auth:    authService,
		Boards:  boards,
		Hub:     hub,
		Origins: cfg.CORSOrigins,
		Logger:  log,
		Checks:  checks,
	})

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Session-ID", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           c.Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	log.Info(context.Background(), "shutting down", "timeout", cfg.ShutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg Config, log logging.Logger) (database.Repository, error) {
	if cfg.DatabaseDriver == database.DriverMemory {
		return database.NewMemoryStore(), nil
	}

	db, err := database.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx, db, cfg.DatabaseDriver, log); err != nil {
		db.Close()
		return nil, err
	}
	return database.NewSQLStore(db, cfg.DatabaseDriver), nil
}
