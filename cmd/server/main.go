package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ilyakaznacheev/cleanenv"

	"github.com/p2xai/gronka/internal/api"
	"github.com/p2xai/gronka/internal/logger"
	"github.com/p2xai/gronka/pkg/gronka/config"
)

// ServerEnv holds HTTP-server knobs that live outside the service config.
type ServerEnv struct {
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" env-default:"60s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" env-default:"10s"`
	ReaperEnabled   bool          `env:"REAPER_ENABLED" env-default:"true"`
}

func main() {
	var env ServerEnv
	if err := cleanenv.ReadEnv(&env); err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(config.WithEnv(""))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	svc, err := cfg.BuildService(log)
	if err != nil {
		log.Error("failed to build service", "error", err)
		os.Exit(1)
	}

	// Background reaper for operations that stopped making progress.
	reaperCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	if env.ReaperEnabled {
		go func() {
			if err := svc.RunReaper(reaperCtx, cfg.ReaperInterval, cfg.ReaperThreshold); err != nil && reaperCtx.Err() == nil {
				log.Error("reaper stopped", "error", err)
			}
		}()
	}

	mediaHandler := api.NewMediaHandler(svc)
	operationsHandler := api.NewOperationsHandler(svc)
	metricsHandler := api.NewMetricsHandler(svc)

	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(env.RequestTimeout))

	r.Mount("/media", mediaHandler.Routes())
	r.Mount("/operations", operationsHandler.Routes())
	r.Mount("/metrics", metricsHandler.Routes())

	// Serve local artifacts when a filesystem backend is configured.
	for _, backend := range cfg.StorageBackends {
		if backend.Type == "fs" {
			baseDir := "./data/media"
			if v, ok := backend.Config["base_dir"].(string); ok && v != "" {
				baseDir = v
			}
			r.Mount("/download", api.NewFilesHandler(baseDir).Routes())
			break
		}
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Handler: r,
	}

	go func() {
		log.Info("server starting", "port", cfg.Port, "environment", cfg.Environment)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server")

	stopReaper()

	ctx, cancel := context.WithTimeout(context.Background(), env.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("server exiting")
}
