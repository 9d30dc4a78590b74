// Package config loads courier configuration from a YAML file layered with
// COURIER_* environment overrides. Every process (ingress, authority, worker)
// reads the same file and validates the sections it depends on once at
// startup; missing required keys abort.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	cron "github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds all courier configuration.
type Config struct {
	DataDir   string          `yaml:"data_dir"`
	Ingress   IngressConfig   `yaml:"ingress"`
	Queue     QueueConfig     `yaml:"queue"`
	Authority AuthorityConfig `yaml:"authority"`
	Worker    WorkerConfig    `yaml:"worker"`
	Crypto    CryptoConfig    `yaml:"crypto"`
	CA        CAConfig        `yaml:"ca"`
	Store     StoreConfig     `yaml:"store"`
	Log       LogConfig       `yaml:"log"`
	Portal    PortalConfig    `yaml:"portal"`
	Mail      MailConfig      `yaml:"mail"`
}

// IngressConfig configures the mTLS ingress listener.
type IngressConfig struct {
	Listen                string          `yaml:"listen"`
	Cert                  string          `yaml:"cert"`
	Key                   string          `yaml:"key"`
	CA                    string          `yaml:"ca"`
	RateLimit             RateLimitConfig `yaml:"rate_limit"`
	ClientCacheTTLSeconds int             `yaml:"client_cache_ttl_s"`
	ReplayWindowSeconds   int             `yaml:"replay_window_s"`
	RequestTimeoutSeconds int             `yaml:"request_timeout_s"`
}

// RateLimitConfig is the per-client ingress budget.
type RateLimitConfig struct {
	Max           int `yaml:"max"`
	WindowSeconds int `yaml:"window_s"`
}

// QueueConfig locates the durable queue.
type QueueConfig struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

// AuthorityConfig covers both the authority server and the mTLS client
// material the ingress and workers use to reach it.
type AuthorityConfig struct {
	URL                  string `yaml:"url"`
	Listen               string `yaml:"listen"`
	Cert                 string `yaml:"cert"`
	Key                  string `yaml:"key"`
	CA                   string `yaml:"ca"`
	RegisterPath         string `yaml:"register_path"`
	DeliverPath          string `yaml:"deliver_path"`
	StatusPath           string `yaml:"status_path"`
	LookupPath           string `yaml:"lookup_path"`
	SweepIntervalSeconds int    `yaml:"sweep_interval_s"`
	SweepGraceSeconds    int    `yaml:"sweep_grace_s"`
	RetentionDays        int    `yaml:"retention_days"`
	RetentionSchedule    string `yaml:"retention_schedule"`
}

// WorkerConfig sizes the delivery pool.
type WorkerConfig struct {
	Count                int    `yaml:"count"`
	RetryIntervalSeconds int    `yaml:"retry_interval_s"`
	MaxAttempts          int    `yaml:"max_attempts"`
	PopTimeoutSeconds    int    `yaml:"pop_timeout_s"`
	MetricsListen        string `yaml:"metrics_listen"`
	MetricsTextfile      string `yaml:"metrics_textfile"`
}

// CryptoConfig locates key material for the crypto service.
type CryptoConfig struct {
	BodyKeyPath   string `yaml:"body_key_path"`
	SenderSalt    string `yaml:"sender_salt"`
	JWTSecretPath string `yaml:"jwt_secret_path"`
	PasswordCost  int    `yaml:"password_cost"`
}

// CAConfig locates the certificate authority material.
type CAConfig struct {
	RootCert           string `yaml:"root_cert"`
	RootKey            string `yaml:"root_key"`
	CRLPath            string `yaml:"crl_path"`
	IndexPath          string `yaml:"index_path"`
	ClientValidityDays int    `yaml:"client_validity_days"`
}

// StoreConfig locates the relational store.
type StoreConfig struct {
	DSN string `yaml:"dsn"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Path   string `yaml:"path"`
	Format string `yaml:"format"`
}

// PortalConfig configures the bearer-token realm.
type PortalConfig struct {
	AccessTTLMinutes       int    `yaml:"access_ttl_min"`
	RefreshTTLHours        int    `yaml:"refresh_ttl_h"`
	BootstrapAdminEmail    string `yaml:"bootstrap_admin_email"`
	BootstrapAdminPassword string `yaml:"bootstrap_admin_password"`
}

// MailConfig configures outbound password-reset mail. Empty host disables it.
type MailConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	From     string `yaml:"from"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	TLS      string `yaml:"tls"`
}

// Load reads the optional YAML file at path, then applies environment
// overrides and derived defaults. A missing file is an error only when path
// was explicitly given; path may be empty for env-only operation.
func Load(path string) (*Config, error) {
	// Development convenience; absence of a .env file is not an error.
	_ = godotenv.Load()

	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.deriveDefaults()
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		DataDir: "/var/lib/courier",
		Ingress: IngressConfig{
			Listen:                ":8443",
			RateLimit:             RateLimitConfig{Max: 100, WindowSeconds: 60},
			ClientCacheTTLSeconds: 30,
			ReplayWindowSeconds:   120,
			RequestTimeoutSeconds: 15,
		},
		Queue: QueueConfig{
			URL:  "redis://localhost:6379/0",
			Name: "courier:messages",
		},
		Authority: AuthorityConfig{
			URL:                  "https://localhost:8444",
			Listen:               ":8444",
			RegisterPath:         "/internal/messages/register",
			DeliverPath:          "/internal/messages/deliver",
			StatusPath:           "/internal/messages/{id}/status",
			LookupPath:           "/internal/clients/lookup",
			SweepIntervalSeconds: 60,
			SweepGraceSeconds:    120,
			RetentionDays:        180,
		},
		Worker: WorkerConfig{
			Count:                4,
			RetryIntervalSeconds: 30,
			MaxAttempts:          10000,
			PopTimeoutSeconds:    5,
		},
		Crypto: CryptoConfig{PasswordCost: 12},
		CA:     CAConfig{ClientValidityDays: 365},
		Log:    LogConfig{Level: "info", Path: "stdout", Format: "json"},
		Portal: PortalConfig{AccessTTLMinutes: 30, RefreshTTLHours: 168},
		Mail:   MailConfig{Port: 587},
	}
}

// applyEnv overlays COURIER_* environment variables onto the config.
func (c *Config) applyEnv() {
	c.DataDir = envStr("COURIER_DATA_DIR", c.DataDir)

	c.Ingress.Listen = envStr("COURIER_INGRESS_LISTEN", c.Ingress.Listen)
	c.Ingress.Cert = envStr("COURIER_INGRESS_CERT", c.Ingress.Cert)
	c.Ingress.Key = envStr("COURIER_INGRESS_KEY", c.Ingress.Key)
	c.Ingress.CA = envStr("COURIER_INGRESS_CA", c.Ingress.CA)
	c.Ingress.RateLimit.Max = envInt("COURIER_INGRESS_RATE_LIMIT_MAX", c.Ingress.RateLimit.Max)
	c.Ingress.RateLimit.WindowSeconds = envInt("COURIER_INGRESS_RATE_LIMIT_WINDOW_S", c.Ingress.RateLimit.WindowSeconds)
	c.Ingress.ClientCacheTTLSeconds = envInt("COURIER_INGRESS_CLIENT_CACHE_TTL_S", c.Ingress.ClientCacheTTLSeconds)
	c.Ingress.ReplayWindowSeconds = envInt("COURIER_INGRESS_REPLAY_WINDOW_S", c.Ingress.ReplayWindowSeconds)
	c.Ingress.RequestTimeoutSeconds = envInt("COURIER_INGRESS_REQUEST_TIMEOUT_S", c.Ingress.RequestTimeoutSeconds)

	c.Queue.URL = envStr("COURIER_QUEUE_URL", c.Queue.URL)
	c.Queue.Name = envStr("COURIER_QUEUE_NAME", c.Queue.Name)

	c.Authority.URL = envStr("COURIER_AUTHORITY_URL", c.Authority.URL)
	c.Authority.Listen = envStr("COURIER_AUTHORITY_LISTEN", c.Authority.Listen)
	c.Authority.Cert = envStr("COURIER_AUTHORITY_CERT", c.Authority.Cert)
	c.Authority.Key = envStr("COURIER_AUTHORITY_KEY", c.Authority.Key)
	c.Authority.CA = envStr("COURIER_AUTHORITY_CA", c.Authority.CA)
	c.Authority.RegisterPath = envStr("COURIER_AUTHORITY_REGISTER_PATH", c.Authority.RegisterPath)
	c.Authority.DeliverPath = envStr("COURIER_AUTHORITY_DELIVER_PATH", c.Authority.DeliverPath)
	c.Authority.StatusPath = envStr("COURIER_AUTHORITY_STATUS_PATH", c.Authority.StatusPath)
	c.Authority.LookupPath = envStr("COURIER_AUTHORITY_LOOKUP_PATH", c.Authority.LookupPath)
	c.Authority.SweepIntervalSeconds = envInt("COURIER_AUTHORITY_SWEEP_INTERVAL_S", c.Authority.SweepIntervalSeconds)
	c.Authority.SweepGraceSeconds = envInt("COURIER_AUTHORITY_SWEEP_GRACE_S", c.Authority.SweepGraceSeconds)
	c.Authority.RetentionDays = envInt("COURIER_AUTHORITY_RETENTION_DAYS", c.Authority.RetentionDays)
	c.Authority.RetentionSchedule = envStr("COURIER_AUTHORITY_RETENTION_SCHEDULE", c.Authority.RetentionSchedule)

	c.Worker.Count = envInt("COURIER_WORKER_COUNT", c.Worker.Count)
	c.Worker.RetryIntervalSeconds = envInt("COURIER_WORKER_RETRY_INTERVAL_S", c.Worker.RetryIntervalSeconds)
	c.Worker.MaxAttempts = envInt("COURIER_WORKER_MAX_ATTEMPTS", c.Worker.MaxAttempts)
	c.Worker.PopTimeoutSeconds = envInt("COURIER_WORKER_POP_TIMEOUT_S", c.Worker.PopTimeoutSeconds)
	c.Worker.MetricsListen = envStr("COURIER_WORKER_METRICS_LISTEN", c.Worker.MetricsListen)
	c.Worker.MetricsTextfile = envStr("COURIER_WORKER_METRICS_TEXTFILE", c.Worker.MetricsTextfile)

	c.Crypto.BodyKeyPath = envStr("COURIER_CRYPTO_BODY_KEY_PATH", c.Crypto.BodyKeyPath)
	c.Crypto.SenderSalt = envStr("COURIER_CRYPTO_SENDER_SALT", c.Crypto.SenderSalt)
	c.Crypto.JWTSecretPath = envStr("COURIER_CRYPTO_JWT_SECRET_PATH", c.Crypto.JWTSecretPath)
	c.Crypto.PasswordCost = envInt("COURIER_CRYPTO_PASSWORD_COST", c.Crypto.PasswordCost)

	c.CA.RootCert = envStr("COURIER_CA_ROOT_CERT", c.CA.RootCert)
	c.CA.RootKey = envStr("COURIER_CA_ROOT_KEY", c.CA.RootKey)
	c.CA.CRLPath = envStr("COURIER_CA_CRL_PATH", c.CA.CRLPath)
	c.CA.IndexPath = envStr("COURIER_CA_INDEX_PATH", c.CA.IndexPath)
	c.CA.ClientValidityDays = envInt("COURIER_CA_CLIENT_VALIDITY_DAYS", c.CA.ClientValidityDays)

	c.Store.DSN = envStr("COURIER_STORE_DSN", c.Store.DSN)

	c.Log.Level = envStr("COURIER_LOG_LEVEL", c.Log.Level)
	c.Log.Path = envStr("COURIER_LOG_PATH", c.Log.Path)
	c.Log.Format = envStr("COURIER_LOG_FORMAT", c.Log.Format)

	c.Portal.AccessTTLMinutes = envInt("COURIER_PORTAL_ACCESS_TTL_MIN", c.Portal.AccessTTLMinutes)
	c.Portal.RefreshTTLHours = envInt("COURIER_PORTAL_REFRESH_TTL_H", c.Portal.RefreshTTLHours)
	c.Portal.BootstrapAdminEmail = envStr("COURIER_PORTAL_BOOTSTRAP_ADMIN_EMAIL", c.Portal.BootstrapAdminEmail)
	c.Portal.BootstrapAdminPassword = envStr("COURIER_PORTAL_BOOTSTRAP_ADMIN_PASSWORD", c.Portal.BootstrapAdminPassword)

	c.Mail.Host = envStr("COURIER_MAIL_HOST", c.Mail.Host)
	c.Mail.Port = envInt("COURIER_MAIL_PORT", c.Mail.Port)
	c.Mail.From = envStr("COURIER_MAIL_FROM", c.Mail.From)
	c.Mail.Username = envStr("COURIER_MAIL_USERNAME", c.Mail.Username)
	c.Mail.Password = envStr("COURIER_MAIL_PASSWORD", c.Mail.Password)
	c.Mail.TLS = envStr("COURIER_MAIL_TLS", c.Mail.TLS)
}

// deriveDefaults fills CA paths relative to the data dir when unset.
func (c *Config) deriveDefaults() {
	if c.CA.RootCert == "" {
		c.CA.RootCert = filepath.Join(c.DataDir, "ca", "ca.pem")
	}
	if c.CA.RootKey == "" {
		c.CA.RootKey = filepath.Join(c.DataDir, "ca", "ca.key")
	}
	if c.CA.CRLPath == "" {
		c.CA.CRLPath = filepath.Join(c.DataDir, "ca", "crl.pem")
	}
	if c.CA.IndexPath == "" {
		c.CA.IndexPath = filepath.Join(c.DataDir, "ca", "index.db")
	}
}

// validateCommon checks the constraints every process shares.
func (c *Config) validateCommon() []error {
	var errs []error
	switch c.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn, or error, got %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	if c.Queue.URL == "" {
		errs = append(errs, errors.New("queue.url is required"))
	}
	if c.Queue.Name == "" {
		errs = append(errs, errors.New("queue.name is required"))
	}
	return errs
}

// ValidateIngress checks everything the ingress process needs.
func (c *Config) ValidateIngress() error {
	errs := c.validateCommon()
	if c.Ingress.Listen == "" {
		errs = append(errs, errors.New("ingress.listen is required"))
	}
	if c.Ingress.Cert == "" || c.Ingress.Key == "" {
		errs = append(errs, errors.New("ingress.cert and ingress.key are required"))
	}
	if c.Ingress.CA == "" {
		errs = append(errs, errors.New("ingress.ca is required to verify client certificates"))
	}
	if c.Ingress.RateLimit.Max <= 0 {
		errs = append(errs, fmt.Errorf("ingress.rate_limit.max must be > 0, got %d", c.Ingress.RateLimit.Max))
	}
	if c.Ingress.RateLimit.WindowSeconds <= 0 {
		errs = append(errs, fmt.Errorf("ingress.rate_limit.window_s must be > 0, got %d", c.Ingress.RateLimit.WindowSeconds))
	}
	if c.Ingress.RequestTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("ingress.request_timeout_s must be > 0, got %d", c.Ingress.RequestTimeoutSeconds))
	}
	if c.Ingress.ReplayWindowSeconds < 0 {
		errs = append(errs, fmt.Errorf("ingress.replay_window_s must be >= 0, got %d", c.Ingress.ReplayWindowSeconds))
	}
	errs = append(errs, c.validateAuthorityClient()...)
	return errors.Join(errs...)
}

// ValidateWorker checks everything a worker process needs.
func (c *Config) ValidateWorker() error {
	errs := c.validateCommon()
	if c.Worker.Count <= 0 {
		errs = append(errs, fmt.Errorf("worker.count must be > 0, got %d", c.Worker.Count))
	}
	if c.Worker.RetryIntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("worker.retry_interval_s must be > 0, got %d", c.Worker.RetryIntervalSeconds))
	}
	if c.Worker.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("worker.max_attempts must be > 0, got %d", c.Worker.MaxAttempts))
	}
	if c.Worker.PopTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("worker.pop_timeout_s must be > 0, got %d", c.Worker.PopTimeoutSeconds))
	}
	errs = append(errs, c.validateAuthorityClient()...)
	return errors.Join(errs...)
}

// ValidateAuthority checks everything the authority process needs.
func (c *Config) ValidateAuthority() error {
	errs := c.validateCommon()
	if c.Authority.Listen == "" {
		errs = append(errs, errors.New("authority.listen is required"))
	}
	if c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if c.Crypto.BodyKeyPath == "" {
		errs = append(errs, errors.New("crypto.body_key_path is required"))
	}
	if c.Crypto.SenderSalt == "" {
		errs = append(errs, errors.New("crypto.sender_salt is required"))
	}
	if c.Crypto.JWTSecretPath == "" {
		errs = append(errs, errors.New("crypto.jwt_secret_path is required"))
	}
	if c.Crypto.PasswordCost < 12 || c.Crypto.PasswordCost > 31 {
		errs = append(errs, fmt.Errorf("crypto.password_cost must be within [12,31], got %d", c.Crypto.PasswordCost))
	}
	if c.CA.ClientValidityDays <= 0 {
		errs = append(errs, fmt.Errorf("ca.client_validity_days must be > 0, got %d", c.CA.ClientValidityDays))
	}
	if c.Authority.SweepIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("authority.sweep_interval_s must be >= 0, got %d", c.Authority.SweepIntervalSeconds))
	}
	if c.Authority.RetentionDays <= 0 {
		errs = append(errs, fmt.Errorf("authority.retention_days must be > 0, got %d", c.Authority.RetentionDays))
	}
	if c.Authority.RetentionSchedule != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if _, err := parser.Parse(c.Authority.RetentionSchedule); err != nil {
			errs = append(errs, fmt.Errorf("authority.retention_schedule is not a valid cron expression: %w", err))
		}
	}
	if c.Portal.AccessTTLMinutes <= 0 {
		errs = append(errs, fmt.Errorf("portal.access_ttl_min must be > 0, got %d", c.Portal.AccessTTLMinutes))
	}
	if c.Portal.RefreshTTLHours <= 0 {
		errs = append(errs, fmt.Errorf("portal.refresh_ttl_h must be > 0, got %d", c.Portal.RefreshTTLHours))
	}
	return errors.Join(errs...)
}

// validateAuthorityClient checks the mTLS client material used to call the
// authority from the ingress and workers.
func (c *Config) validateAuthorityClient() []error {
	var errs []error
	if c.Authority.URL == "" {
		errs = append(errs, errors.New("authority.url is required"))
	}
	if c.Authority.Cert == "" || c.Authority.Key == "" {
		errs = append(errs, errors.New("authority.cert and authority.key are required for mTLS calls"))
	}
	if c.Authority.CA == "" {
		errs = append(errs, errors.New("authority.ca is required to verify the authority server"))
	}
	return errs
}

// Duration accessors for the seconds-based keys.

func (c *IngressConfig) ClientCacheTTL() time.Duration {
	return time.Duration(c.ClientCacheTTLSeconds) * time.Second
}

func (c *IngressConfig) ReplayWindow() time.Duration {
	return time.Duration(c.ReplayWindowSeconds) * time.Second
}

func (c *IngressConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c *RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

func (c *AuthorityConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c *AuthorityConfig) SweepGrace() time.Duration {
	return time.Duration(c.SweepGraceSeconds) * time.Second
}

func (c *WorkerConfig) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalSeconds) * time.Second
}

func (c *WorkerConfig) PopTimeout() time.Duration {
	return time.Duration(c.PopTimeoutSeconds) * time.Second
}

func (c *PortalConfig) AccessTTL() time.Duration {
	return time.Duration(c.AccessTTLMinutes) * time.Minute
}

func (c *PortalConfig) RefreshTTL() time.Duration {
	return time.Duration(c.RefreshTTLHours) * time.Hour
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
