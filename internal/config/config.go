package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Store backends.
const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"
)

// Webhook signature modes.
const (
	SignatureModeRSA      = "rsa"
	SignatureModeHMAC     = "hmac"
	SignatureModeInsecure = "insecure"
)

// Replay guard backends.
const (
	ReplayBackendMemory = "memory"
	ReplayBackendRedis  = "redis"
)

type Config struct {
	ListenAddr string

	DB struct {
		DSN         string
		AutoMigrate bool
	}
	StoreBackend string

	Log struct {
		Level  string
		Pretty bool
	}

	CRM struct {
		BaseURL      string
		Version      string
		ClientID     string
		ClientSecret string
		RateLimit    float64
		Burst        int
		Timeout      time.Duration
	}

	Webhook struct {
		SignatureMode string
		PublicKeyPEM  string
		Secret        string
		MaxSkew       time.Duration
		MaxBodyBytes  int64
	}

	Replay struct {
		Backend  string
		Capacity int
		TTL      time.Duration
	}

	Redis struct {
		URL string
	}

	OIDC struct {
		IssuerURL string
		ClientID  string
	}
	AdminRole string

	Attribution struct {
		AllowedOrigins []string
	}

	RateLimit struct {
		RPS   float64
		Burst int
	}

	BackfillTimeout   time.Duration
	PrometheusEnabled bool
	TrustedProxies    []string
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.ListenAddr = getenvDefault("APP_LISTEN_ADDR", ":8080")
	cfg.StoreBackend = strings.ToLower(getenvDefault("APP_STORE_BACKEND", StoreBackendPostgres))
	cfg.DB.DSN = os.Getenv("APP_DB_DSN")
	cfg.DB.AutoMigrate = getenvBool("APP_DB_AUTO_MIGRATE", false)

	if cfg.DB.DSN == "" {
		host := os.Getenv("APP_DB_HOST")
		name := os.Getenv("APP_DB_NAME")
		user := os.Getenv("APP_DB_USER")
		password := os.Getenv("APP_DB_PASSWORD")
		port := getenvDefault("APP_DB_PORT", "5432")
		sslmode := getenvDefault("APP_DB_SSLMODE", "disable")

		if host != "" && name != "" && user != "" && password != "" {
			cfg.DB.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, name, sslmode)
		}
	}

	cfg.Log.Level = getenvDefault("APP_LOG_LEVEL", "info")
	cfg.Log.Pretty = getenvBool("APP_LOG_PRETTY", false)

	cfg.CRM.BaseURL = strings.TrimRight(getenvDefault("APP_CRM_BASE_URL", "https://services.leadconnectorhq.com"), "/")
	cfg.CRM.Version = getenvDefault("APP_CRM_API_VERSION", "2021-07-28")
	cfg.CRM.ClientID = os.Getenv("APP_CRM_CLIENT_ID")
	cfg.CRM.ClientSecret = os.Getenv("APP_CRM_CLIENT_SECRET")
	cfg.CRM.Timeout = getenvDuration("APP_CRM_TIMEOUT", 15*time.Second)
	cfg.CRM.Burst = getenvInt("APP_CRM_BURST", 10)

	var err error
	if cfg.CRM.RateLimit, err = getenvFloat("APP_CRM_RATE_LIMIT", 8); err != nil {
		return nil, err
	}

	cfg.Webhook.SignatureMode = strings.ToLower(getenvDefault("APP_WEBHOOK_SIGNATURE_MODE", SignatureModeRSA))
	cfg.Webhook.PublicKeyPEM = os.Getenv("APP_WEBHOOK_PUBLIC_KEY")
	if path := os.Getenv("APP_WEBHOOK_PUBLIC_KEY_FILE"); cfg.Webhook.PublicKeyPEM == "" && path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read APP_WEBHOOK_PUBLIC_KEY_FILE: %w", err)
		}
		cfg.Webhook.PublicKeyPEM = string(data)
	}
	cfg.Webhook.Secret = os.Getenv("APP_WEBHOOK_SECRET")
	cfg.Webhook.MaxSkew = getenvDuration("APP_WEBHOOK_MAX_SKEW", 5*time.Minute)
	cfg.Webhook.MaxBodyBytes = int64(getenvInt("APP_WEBHOOK_MAX_BODY_BYTES", 1<<20))

	cfg.Replay.Backend = strings.ToLower(getenvDefault("APP_REPLAY_BACKEND", ReplayBackendMemory))
	cfg.Replay.Capacity = getenvInt("APP_REPLAY_CAPACITY", 1000)
	cfg.Replay.TTL = getenvDuration("APP_REPLAY_TTL", 24*time.Hour)
	cfg.Redis.URL = os.Getenv("APP_REDIS_URL")

	cfg.OIDC.IssuerURL = os.Getenv("APP_OIDC_ISSUER_URL")
	cfg.OIDC.ClientID = os.Getenv("APP_OIDC_CLIENT_ID")
	cfg.AdminRole = getenvDefault("APP_ADMIN_ROLE", "platform_admin")

	cfg.Attribution.AllowedOrigins = getenvList("APP_ATTRIBUTION_ALLOWED_ORIGINS")

	if cfg.RateLimit.RPS, err = getenvFloat("APP_RATE_LIMIT_RPS", 20); err != nil {
		return nil, err
	}
	cfg.RateLimit.Burst = getenvInt("APP_RATE_LIMIT_BURST", 40)

	cfg.BackfillTimeout = getenvDuration("APP_BACKFILL_TIMEOUT", 60*time.Second)
	cfg.PrometheusEnabled = getenvBool("APP_PROMETHEUS_ENDPOINT_ENABLED", false)
	cfg.TrustedProxies = getenvList("APP_TRUSTED_PROXIES")

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if len(cfg.TrustedProxies) == 0 {
		log.Warn().Msg("no APP_TRUSTED_PROXIES configured; forwarded client addresses from any peer will be trusted")
	}
	if cfg.Webhook.SignatureMode == SignatureModeInsecure {
		log.Warn().Msg("APP_WEBHOOK_SIGNATURE_MODE=insecure: webhook signatures are NOT verified; use only for local development")
	}

	return cfg, nil
}

func (cfg *Config) validate() error {
	switch cfg.StoreBackend {
	case StoreBackendPostgres:
		if cfg.DB.DSN == "" {
			return errors.New("APP_DB_DSN is required (or set APP_DB_HOST, APP_DB_NAME, APP_DB_USER, and APP_DB_PASSWORD)")
		}
	case StoreBackendMemory:
	default:
		return fmt.Errorf("APP_STORE_BACKEND must be %q or %q (got %q)", StoreBackendPostgres, StoreBackendMemory, cfg.StoreBackend)
	}

	switch cfg.Webhook.SignatureMode {
	case SignatureModeRSA:
		if strings.TrimSpace(cfg.Webhook.PublicKeyPEM) == "" {
			return errors.New("APP_WEBHOOK_PUBLIC_KEY or APP_WEBHOOK_PUBLIC_KEY_FILE is required for rsa signature mode")
		}
	case SignatureModeHMAC:
		if len(cfg.Webhook.Secret) < 32 {
			return fmt.Errorf("APP_WEBHOOK_SECRET must be at least 32 characters long (got %d)", len(cfg.Webhook.Secret))
		}
	case SignatureModeInsecure:
	default:
		return fmt.Errorf("unknown APP_WEBHOOK_SIGNATURE_MODE %q", cfg.Webhook.SignatureMode)
	}

	switch cfg.Replay.Backend {
	case ReplayBackendMemory:
		if cfg.Replay.Capacity <= 0 {
			return errors.New("APP_REPLAY_CAPACITY must be positive")
		}
	case ReplayBackendRedis:
		if cfg.Redis.URL == "" {
			return errors.New("APP_REDIS_URL is required when APP_REPLAY_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unknown APP_REPLAY_BACKEND %q", cfg.Replay.Backend)
	}

	if cfg.CRM.ClientID == "" || cfg.CRM.ClientSecret == "" {
		return errors.New("crm oauth configuration is required: APP_CRM_CLIENT_ID and APP_CRM_CLIENT_SECRET")
	}
	if (cfg.OIDC.IssuerURL == "") != (cfg.OIDC.ClientID == "") {
		return errors.New("APP_OIDC_ISSUER_URL and APP_OIDC_CLIENT_ID must be set together")
	}
	if cfg.Webhook.MaxBodyBytes <= 0 {
		return errors.New("APP_WEBHOOK_MAX_BODY_BYTES must be positive")
	}
	return nil
}

// AdminEnabled reports whether admin routes can authenticate callers.
func (cfg *Config) AdminEnabled() bool {
	return cfg.OIDC.IssuerURL != "" && cfg.OIDC.ClientID != ""
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
		log.Warn().Str("key", key).Str("value", v).Msg("ignoring non-integer value")
	}
	return def
}

func getenvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
		log.Warn().Str("key", key).Str("value", v).Msg("ignoring invalid duration")
	}
	return def
}

func getenvList(key string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, item := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return nil
}
