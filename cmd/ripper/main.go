package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/aG00Dtime/ThemeForest-Ripper/internal/api"
	"github.com/aG00Dtime/ThemeForest-Ripper/internal/browser"
	"github.com/aG00Dtime/ThemeForest-Ripper/internal/config"
	"github.com/aG00Dtime/ThemeForest-Ripper/internal/job"
	"github.com/aG00Dtime/ThemeForest-Ripper/internal/queue"
	"github.com/aG00Dtime/ThemeForest-Ripper/internal/runner"
	"github.com/aG00Dtime/ThemeForest-Ripper/internal/token"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var envFile, listenAddr string
	flagSet := pflag.NewFlagSet("ripper", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading RIPPER_* variables")
	flagSet.StringVar(&listenAddr, "listen-addr", "", "HTTP listen address (overrides RIPPER_LISTEN_ADDR)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})))

	if err := config.EnsureDirectories(cfg); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	tokens, err := token.Open(cfg.TokenDBPath)
	if err != nil {
		return fmt.Errorf("token registry: %w", err)
	}
	defer tokens.Close()

	store := job.NewStore(cfg.JobLogLimit, cfg.JobTTL, tokens)
	rn := runner.New(store, browser.NewFactory(browser.Options{
		BinaryPath: cfg.ChromePath,
		Headless:   cfg.Headless,
	}), runner.Config{
		JobsRoot:      cfg.JobsRoot(),
		WgetPath:      cfg.WgetPath,
		DriverTimeout: cfg.DriverTimeout,
		KillGrace:     cfg.KillGrace,
	})
	q := queue.New(queue.Config{MaxWorkers: cfg.MaxWorkers, QueueLimit: cfg.QueueLimit}, store, rn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	q.StartCleanup(ctx, cfg.JobTTL, cfg.CleanupInterval)

	mux := http.NewServeMux()
	h := api.NewHandler(store, q, tokens)
	h.RegisterRoutes(mux)

	handler := api.Chain(mux,
		api.CORS(cfg.CORSOrigins),
		api.RequestID,
		api.Logging,
		api.Session(cfg.CookieSecure),
		api.RateLimit(ctx, cfg.RateLimitRPS),
	)

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
		cancel()
	}()

	slog.Info("ripper listening", "addr", cfg.ListenAddr, "workers", cfg.MaxWorkers, "queue_limit", cfg.QueueLimit)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	cancel()
	q.Wait()
	return nil
}
