package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couriermq/courier/internal/authclient"
	"github.com/couriermq/courier/internal/config"
	"github.com/couriermq/courier/internal/logging"
	"github.com/couriermq/courier/internal/metrics"
	"github.com/couriermq/courier/internal/queue"
	"github.com/couriermq/courier/internal/worker"
)

var version = "dev"

const textfileInterval = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional, env vars apply on top)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ValidateWorker(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log, logCloser, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Path:   cfg.Log.Path,
		Format: cfg.Log.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	fmt.Println("Courier worker " + version)
	fmt.Println("=============================================")
	fmt.Printf("COURIER_WORKER_COUNT=%d\n", cfg.Worker.Count)
	fmt.Printf("COURIER_WORKER_MAX_ATTEMPTS=%d\n", cfg.Worker.MaxAttempts)
	fmt.Printf("COURIER_WORKER_RETRY_INTERVAL_S=%d\n", cfg.Worker.RetryIntervalSeconds)
	fmt.Printf("COURIER_QUEUE_NAME=%s\n", cfg.Queue.Name)
	fmt.Printf("COURIER_AUTHORITY_URL=%s\n", cfg.Authority.URL)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	q, err := queue.Open(ctx, cfg.Queue.URL, cfg.Queue.Name)
	if err != nil {
		log.Error("failed to connect to queue", "error", err)
		os.Exit(1)
	}
	defer q.Close()

	auth, err := authclient.New(authclient.Options{
		BaseURL:      cfg.Authority.URL,
		CertFile:     cfg.Authority.Cert,
		KeyFile:      cfg.Authority.Key,
		CAFile:       cfg.Authority.CA,
		RegisterPath: cfg.Authority.RegisterPath,
		DeliverPath:  cfg.Authority.DeliverPath,
		StatusPath:   cfg.Authority.StatusPath,
		LookupPath:   cfg.Authority.LookupPath,
		Log:          log,
	})
	if err != nil {
		log.Error("failed to build authority client", "error", err)
		os.Exit(1)
	}

	pool := worker.New(q, auth, worker.Options{
		Count:         cfg.Worker.Count,
		MaxAttempts:   cfg.Worker.MaxAttempts,
		RetryInterval: cfg.Worker.RetryInterval(),
		PopTimeout:    cfg.Worker.PopTimeout(),
		Log:           log,
	})

	if cfg.Worker.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		msrv := &http.Server{Addr: cfg.Worker.MetricsListen, Handler: mux}

		go func() {
			log.Info("metrics listening", "addr", cfg.Worker.MetricsListen)
			if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server error", "error", err)
			}
		}()

		go func() {
			<-ctx.Done()
			_ = msrv.Shutdown(context.Background())
		}()
	}

	if cfg.Worker.MetricsTextfile != "" {
		go runTextfileWriter(ctx, cfg.Worker.MetricsTextfile, log)
	}

	log.Info("worker pool started", "version", version, "count", cfg.Worker.Count)

	if err := pool.Run(ctx); err != nil {
		log.Error("worker pool exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

// runTextfileWriter periodically exports courier_ metrics for the
// node_exporter textfile collector. A final write happens on shutdown so
// the last counters survive the process.
func runTextfileWriter(ctx context.Context, path string, log *logging.Logger) {
	t := time.NewTicker(textfileInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := metrics.WriteTextfile(path); err != nil {
				log.Warn("metrics textfile write failed", "error", err, "path", path)
			}
		case <-ctx.Done():
			if err := metrics.WriteTextfile(path); err != nil {
				log.Warn("metrics textfile write failed", "error", err, "path", path)
			}
			return
		}
	}
}
