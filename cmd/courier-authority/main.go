package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/couriermq/courier/internal/authority"
	"github.com/couriermq/courier/internal/ca"
	"github.com/couriermq/courier/internal/config"
	"github.com/couriermq/courier/internal/logging"
	"github.com/couriermq/courier/internal/mailer"
	"github.com/couriermq/courier/internal/queue"
	"github.com/couriermq/courier/internal/security"
	"github.com/couriermq/courier/internal/store"
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
	if err := cfg.ValidateAuthority(); err != nil {
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

	fmt.Println("Courier authority " + version)
	fmt.Println("=============================================")
	fmt.Printf("COURIER_AUTHORITY_LISTEN=%s\n", cfg.Authority.Listen)
	fmt.Printf("COURIER_AUTHORITY_SWEEP_INTERVAL_S=%d\n", cfg.Authority.SweepIntervalSeconds)
	fmt.Printf("COURIER_AUTHORITY_RETENTION_DAYS=%d\n", cfg.Authority.RetentionDays)
	fmt.Printf("COURIER_QUEUE_NAME=%s\n", cfg.Queue.Name)
	fmt.Printf("COURIER_CA_ROOT_CERT=%s\n", cfg.CA.RootCert)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	db, err := store.Open(ctx, cfg.Store.DSN)
	if err != nil {
		log.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	certAuth, err := ca.Open(ca.Options{
		RootCertPath: cfg.CA.RootCert,
		RootKeyPath:  cfg.CA.RootKey,
		CRLPath:      cfg.CA.CRLPath,
		IndexPath:    cfg.CA.IndexPath,
	})
	if err != nil {
		log.Error("failed to open certificate authority", "error", err)
		os.Exit(1)
	}
	defer certAuth.Close()

	q, err := queue.Open(ctx, cfg.Queue.URL, cfg.Queue.Name)
	if err != nil {
		log.Error("failed to connect to queue", "error", err)
		os.Exit(1)
	}
	defer q.Close()

	cipher, err := security.NewBodyCipherFromFile(cfg.Crypto.BodyKeyPath)
	if err != nil {
		log.Error("failed to load body cipher key", "error", err)
		os.Exit(1)
	}
	tokens, err := security.NewTokenSignerFromFile(cfg.Crypto.JWTSecretPath, cfg.Portal.AccessTTL(), cfg.Portal.RefreshTTL())
	if err != nil {
		log.Error("failed to load token secret", "error", err)
		os.Exit(1)
	}

	deps := authority.Dependencies{
		Messages: db,
		Clients:  db,
		Users:    db,
		Audit:    db,
		Queue:    q,
		CA:       certAuth,
		DB:       db,
		Cipher:   cipher,
		Hasher:   security.NewPasswordHasher(cfg.Crypto.PasswordCost),
		Tokens:   tokens,
		Mailer:   mailer.New(mailerOptions(cfg)),
		Log:      log,
	}

	serverCert, err := serverCertificate(cfg, certAuth)
	if err != nil {
		log.Error("failed to prepare server certificate", "error", err)
		os.Exit(1)
	}

	srv, err := authority.NewServer(deps, authority.Options{
		TLSConfig:          certAuth.ServerTLSConfig(serverCert, tls.VerifyClientCertIfGiven),
		SenderSalt:         cfg.Crypto.SenderSalt,
		ClientValidityDays: cfg.CA.ClientValidityDays,
		RetentionDays:      cfg.Authority.RetentionDays,
	})
	if err != nil {
		log.Error("failed to build authority server", "error", err)
		os.Exit(1)
	}

	if err := authority.BootstrapAdmin(ctx, deps, cfg.Portal.BootstrapAdminEmail, cfg.Portal.BootstrapAdminPassword); err != nil {
		log.Error("bootstrap admin failed", "error", err)
		os.Exit(1)
	}

	maintenance, err := authority.NewMaintenance(deps, authority.MaintenanceOptions{
		SweepInterval:     cfg.Authority.SweepInterval(),
		SweepGrace:        cfg.Authority.SweepGrace(),
		RetentionDays:     cfg.Authority.RetentionDays,
		RetentionSchedule: cfg.Authority.RetentionSchedule,
	})
	if err != nil {
		log.Error("failed to build maintenance loop", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := srv.ListenAndServe(cfg.Authority.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("authority server error", "error", err)
			cancel()
		}
	}()

	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	log.Info("authority started", "version", version, "listen", cfg.Authority.Listen)

	if err := maintenance.Run(ctx); err != nil {
		log.Error("authority exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

// serverCertificate loads the configured keypair, or asks the CA to mint
// one for the authority itself when none is configured.
func serverCertificate(cfg *config.Config, certAuth *ca.CA) (tls.Certificate, error) {
	if cfg.Authority.Cert != "" && cfg.Authority.Key != "" {
		return tls.LoadX509KeyPair(cfg.Authority.Cert, cfg.Authority.Key)
	}
	hosts := []string{"localhost"}
	if u, err := url.Parse(cfg.Authority.URL); err == nil && u.Hostname() != "" && u.Hostname() != "localhost" {
		hosts = append(hosts, u.Hostname())
	}
	certPEM, keyPEM, err := certAuth.IssueServer("courier-authority", hosts)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.X509KeyPair(certPEM, keyPEM)
}

func mailerOptions(cfg *config.Config) mailer.Options {
	return mailer.Options{
		Host:     cfg.Mail.Host,
		Port:     cfg.Mail.Port,
		From:     cfg.Mail.From,
		Username: cfg.Mail.Username,
		Password: cfg.Mail.Password,
		TLS:      cfg.Mail.TLS,
	}
}
