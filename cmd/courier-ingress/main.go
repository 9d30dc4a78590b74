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

	"github.com/couriermq/courier/internal/authclient"
	"github.com/couriermq/courier/internal/clock"
	"github.com/couriermq/courier/internal/config"
	"github.com/couriermq/courier/internal/ingress"
	"github.com/couriermq/courier/internal/logging"
	"github.com/couriermq/courier/internal/queue"
	"github.com/couriermq/courier/internal/ratelimit"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional, env vars apply on top)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ValidateIngress(); err != nil {
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

	fmt.Println("Courier ingress " + version)
	fmt.Println("=============================================")
	fmt.Printf("COURIER_INGRESS_LISTEN=%s\n", cfg.Ingress.Listen)
	fmt.Printf("COURIER_INGRESS_RATE_LIMIT_MAX=%d\n", cfg.Ingress.RateLimit.Max)
	fmt.Printf("COURIER_INGRESS_REPLAY_WINDOW_S=%d\n", cfg.Ingress.ReplayWindowSeconds)
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

	clk := clock.Real{}
	limiter := ratelimit.NewLimiter(q.Client(), cfg.Ingress.RateLimit.Max, cfg.Ingress.RateLimit.Window(), clk)
	replay := ratelimit.NewReplayGuard(q.Client(), cfg.Ingress.ReplayWindow(), clk)

	srv, err := ingress.NewServer(ingress.Dependencies{
		Authority: auth,
		Queue:     q,
		Limiter:   limiter,
		Replay:    replay,
		Clock:     clk,
		Log:       log,
	}, ingress.Options{
		CertFile:       cfg.Ingress.Cert,
		KeyFile:        cfg.Ingress.Key,
		CAFile:         cfg.Ingress.CA,
		ClientCacheTTL: cfg.Ingress.ClientCacheTTL(),
		RequestTimeout: cfg.Ingress.RequestTimeout(),
	})
	if err != nil {
		log.Error("failed to build ingress server", "error", err)
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	log.Info("ingress started", "version", version, "listen", cfg.Ingress.Listen)

	if err := srv.ListenAndServe(cfg.Ingress.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("ingress server error", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}
