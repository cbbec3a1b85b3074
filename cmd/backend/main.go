// Package main runs a stand-in for the downstream batch-lookup service so the
// aggregator can be exercised without the real one.
//
// HTTP API:
//
//	GET /pricing?q=NL,CN
//	GET /track?q=109347263,123456891
//	GET /shipments?q=109347263,123456891
//	GET /health
//
// Answers are derived from the ids, so the same id always gets the same data.
// Roughly one id in ten has no data and answers null.
//
// Configuration:
//   - BACKEND_LISTEN: listen address (default ":4000")
//   - BACKEND_LATENCY: delay added to every answer (default 0)
//   - BACKEND_FAILURE_RATE: fraction of calls answered 503 (default 0)
//
// Example usage:
//
//	BACKEND_LATENCY=200ms BACKEND_FAILURE_RATE=0.1 ./backend --verbose
//	curl 'localhost:4000/pricing?q=NL,CN'
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	flag "github.com/spf13/pflag"

	"github.com/dreamware/aggregator/internal/backend"
)

const (
	defaultListen   = ":4000"
	shutdownTimeout = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		return err
	}
	log := newLogger(cfg.Verbose)

	stub, err := backend.NewStub(&backend.StubConfig{
		Logger:      log,
		Latency:     cfg.Latency,
		FailureRate: cfg.FailureRate,
	})
	if err != nil {
		return fmt.Errorf("failed to create stub: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           stub.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("backend listening", "address", cfg.Listen, "latency", cfg.Latency, "failureRate", cfg.FailureRate)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen: %w", err)
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
	}

	log.Info("shutting down backend")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

// Config is the stub configuration assembled from flags and environment.
type Config struct {
	Verbose     bool
	Listen      string
	Latency     time.Duration
	FailureRate float64
}

func loadConfig(args []string) (Config, error) {
	var cfg Config
	fs := flag.NewFlagSet("backend", flag.ContinueOnError)

	latency := time.Duration(0)
	if v := getenv("BACKEND_LATENCY", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid BACKEND_LATENCY=%q: %w", v, err)
		}
		latency = d
	}
	failureRate := 0.0
	if v := getenv("BACKEND_FAILURE_RATE", ""); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid BACKEND_FAILURE_RATE=%q: %w", v, err)
		}
		failureRate = f
	}

	fs.BoolVar(&cfg.Verbose, "verbose", false, "verbose mode - show debug logs")
	fs.StringVar(&cfg.Listen, "listen", getenv("BACKEND_LISTEN", defaultListen), "address to listen on (env: BACKEND_LISTEN)")
	fs.DurationVar(&cfg.Latency, "latency", latency, "delay added to every answer (env: BACKEND_LATENCY)")
	fs.Float64Var(&cfg.FailureRate, "failure-rate", failureRate, "fraction of calls answered 503 (env: BACKEND_FAILURE_RATE)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if cfg.Latency < 0 {
		return Config{}, fmt.Errorf("latency must not be negative, got %s", cfg.Latency)
	}
	if cfg.FailureRate < 0 || cfg.FailureRate > 1 {
		return Config{}, fmt.Errorf("failure rate must be between 0 and 1, got %g", cfg.FailureRate)
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().UTC().Format("2006-01-02T15:04:05.000Z"))
			}
			return a
		},
	}))
}
