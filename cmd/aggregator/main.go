// Package main implements the aggregator service, which answers combined
// pricing, tracking and shipment lookups by batching them into bulk calls
// against the downstream batch-lookup service.
//
// HTTP API:
//
//	GET /aggregation?pricing=NL,CN&track=109347263&shipments=109347263
//	GET /health
//	GET /health/downstream
//	GET /metrics
//
// Every flag defaults to the environment variable shown in its usage text;
// variables may also come from a .env file in the working directory.
//
// Example usage:
//
//	BACKEND_URL=http://localhost:4000 ./aggregator --verbose
//	curl 'localhost:8080/aggregation?pricing=NL,CN&track=1,2&shipments=1'
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/aggregator/internal/aggregator"
	"github.com/dreamware/aggregator/internal/api"
	"github.com/dreamware/aggregator/internal/backend"
	"github.com/dreamware/aggregator/internal/buffer"
	"github.com/dreamware/aggregator/internal/dispatch"
	"github.com/dreamware/aggregator/internal/health"
	"github.com/dreamware/aggregator/internal/metrics"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultAddr       = ":8080"
	defaultBackendURL = "http://127.0.0.1:4000"
	shutdownTimeout   = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env file is fine; the environment and flags still apply.
	_ = godotenv.Load()

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		return err
	}
	if cfg.ShowVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	client, err := backend.NewClient(&backend.Config{
		BaseURL: cfg.BackendURL,
		Timeout: cfg.DownstreamTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create backend client: %w", err)
	}

	engine, err := aggregator.NewEngine(&aggregator.EngineConfig{
		Logger:            log,
		Backend:           client,
		QueueCapacity:     cfg.QueueCapacity,
		BatchSize:         cfg.BatchSize,
		FlushInterval:     cfg.FlushInterval,
		IdleThreshold:     cfg.IdleThreshold,
		PollInterval:      cfg.PollInterval,
		DownstreamTimeout: cfg.DownstreamTimeout,
		MaxWait:           cfg.MaxWait,
		Workers:           cfg.Workers,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	monitor, err := health.New(&health.Config{
		Logger:   log,
		Check:    client.Ping,
		Interval: cfg.HealthInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to create health monitor: %w", err)
	}

	srv := api.NewServer(log, engine)
	srv.SetDownstreamHealth(monitor)
	mux := srv.Routes()
	if cfg.MetricsAddr == "" {
		mux.Handle("/metrics", promhttp.Handler())
	}

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	// The engine outlives the signal: it keeps flushing until the HTTP
	// server has drained and shutdown calls engine.Stop.
	g.Go(func() error {
		engine.Start(context.WithoutCancel(ctx))
		return nil
	})

	g.Go(func() error {
		monitor.Start(ctx)
		return nil
	})

	g.Go(func() error {
		log.Info("aggregator listening", "address", cfg.Addr, "backend", cfg.BackendURL)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	if cfg.MetricsAddr != "" {
		metricsSrv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			listener, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				return fmt.Errorf("failed to start prometheus metrics server listener: %w", err)
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			if err := metricsSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return metricsSrv.Close()
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := shutdown(shutdownCtx, log, httpSrv, engine, cfg.FlushInterval)
		log.Info("aggregator stopped")
		return err
	})

	return g.Wait()
}

// drainer is the part of the engine that shutdown drives.
type drainer interface {
	Flush() int
	Stop()
}

// shutdown stops accepting requests and lets in-flight ones finish. Requests
// waiting on partial batches would otherwise sit out the idle threshold, so
// queued keys are flushed every interval until the server has drained. The
// engine is stopped last.
func shutdown(ctx context.Context, log *slog.Logger, srv *http.Server, engine drainer, interval time.Duration) error {
	if interval <= 0 {
		interval = dispatch.DefaultFlushInterval
	}
	log.Info("aggregator shutting down, flushing pending requests")

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			engine.Flush()
			select {
			case <-done:
				return
			case <-ticker.C:
			}
		}
	}()

	err := srv.Shutdown(ctx)
	close(done)
	wg.Wait()
	engine.Stop()
	if err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Config is the service configuration assembled from flags and environment.
type Config struct {
	ShowVersion bool
	Verbose     bool

	Addr        string
	MetricsAddr string
	BackendURL  string

	QueueCapacity     int
	BatchSize         int
	Workers           int
	FlushInterval     time.Duration
	IdleThreshold     time.Duration
	PollInterval      time.Duration
	DownstreamTimeout time.Duration
	MaxWait           time.Duration
	HealthInterval    time.Duration
}

func loadConfig(args []string) (Config, error) {
	var cfg Config
	fs := flag.NewFlagSet("aggregator", flag.ContinueOnError)

	queueCapacity, err := getenvInt("QUEUE_CAPACITY", buffer.DefaultCapacity)
	if err != nil {
		return Config{}, err
	}
	batchSize, err := getenvInt("BATCH_SIZE", dispatch.DefaultBatchSize)
	if err != nil {
		return Config{}, err
	}
	workers, err := getenvInt("DISPATCH_WORKERS", dispatch.DefaultWorkers)
	if err != nil {
		return Config{}, err
	}
	flushInterval, err := getenvDuration("FLUSH_INTERVAL", dispatch.DefaultFlushInterval)
	if err != nil {
		return Config{}, err
	}
	idleThreshold, err := getenvDuration("IDLE_THRESHOLD", dispatch.DefaultIdleThreshold)
	if err != nil {
		return Config{}, err
	}
	pollInterval, err := getenvDuration("POLL_INTERVAL", aggregator.DefaultPollInterval)
	if err != nil {
		return Config{}, err
	}
	downstreamTimeout, err := getenvDuration("DOWNSTREAM_TIMEOUT", backend.DefaultTimeout)
	if err != nil {
		return Config{}, err
	}
	maxWait, err := getenvDuration("MAX_WAIT", 0)
	if err != nil {
		return Config{}, err
	}
	healthInterval, err := getenvDuration("HEALTH_INTERVAL", health.DefaultInterval)
	if err != nil {
		return Config{}, err
	}

	fs.BoolVar(&cfg.ShowVersion, "version", false, "show version and exit")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "verbose mode - show debug logs")

	fs.StringVar(&cfg.Addr, "addr", getenv("AGGREGATOR_ADDR", defaultAddr), "address to listen on (env: AGGREGATOR_ADDR)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", getenv("METRICS_ADDR", ""), "separate address for prometheus metrics; empty serves /metrics on --addr (env: METRICS_ADDR)")
	fs.StringVar(&cfg.BackendURL, "backend-url", getenv("BACKEND_URL", defaultBackendURL), "base url of the downstream batch service (env: BACKEND_URL)")

	fs.IntVar(&cfg.QueueCapacity, "queue-capacity", queueCapacity, "queued ids per kind before callers block (env: QUEUE_CAPACITY)")
	fs.IntVar(&cfg.BatchSize, "batch-size", batchSize, "queued ids that trigger a dispatch (env: BATCH_SIZE)")
	fs.IntVar(&cfg.Workers, "dispatch-workers", workers, "max concurrent downstream calls per kind (env: DISPATCH_WORKERS)")
	fs.DurationVar(&cfg.FlushInterval, "flush-interval", flushInterval, "how often idle buffers are checked (env: FLUSH_INTERVAL)")
	fs.DurationVar(&cfg.IdleThreshold, "idle-threshold", idleThreshold, "age of the last enqueue before a partial batch is flushed (env: IDLE_THRESHOLD)")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", pollInterval, "how often waiting requests report progress (env: POLL_INTERVAL)")
	fs.DurationVar(&cfg.DownstreamTimeout, "downstream-timeout", downstreamTimeout, "timeout of a single downstream call (env: DOWNSTREAM_TIMEOUT)")
	fs.DurationVar(&cfg.MaxWait, "max-wait", maxWait, "longest a request waits before answering with nulls; 0 waits indefinitely (env: MAX_WAIT)")
	fs.DurationVar(&cfg.HealthInterval, "health-interval", healthInterval, "how often the downstream /health is checked (env: HEALTH_INTERVAL)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if cfg.ShowVersion {
		return cfg, nil
	}

	if cfg.BackendURL == "" {
		return Config{}, fmt.Errorf("backend url is empty (set BACKEND_URL or --backend-url)")
	}
	if cfg.QueueCapacity < 1 {
		return Config{}, fmt.Errorf("queue capacity must be at least 1, got %d", cfg.QueueCapacity)
	}
	if cfg.BatchSize < 1 || cfg.BatchSize > cfg.QueueCapacity {
		return Config{}, fmt.Errorf("batch size must be between 1 and queue capacity %d, got %d", cfg.QueueCapacity, cfg.BatchSize)
	}
	if cfg.MaxWait < 0 {
		return Config{}, fmt.Errorf("max wait must not be negative, got %s", cfg.MaxWait)
	}

	return cfg, nil
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return i, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return d, nil
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
