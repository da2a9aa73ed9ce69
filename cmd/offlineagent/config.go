package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type config struct {
	ProxyAddr   string `env:"OFFLINEAGENT_PROXY_ADDR" envDefault:":8080"`
	ControlAddr string `env:"OFFLINEAGENT_CONTROL_ADDR" envDefault:":8081"`
	Upstream    string `env:"OFFLINEAGENT_UPSTREAM"`

	ManifestFile     string        `env:"OFFLINEAGENT_MANIFEST"`
	ManifestDebounce time.Duration `env:"OFFLINEAGENT_MANIFEST_DEBOUNCE" envDefault:"250ms"`

	NamespacePrefix    string   `env:"OFFLINEAGENT_NAMESPACE_PREFIX" envDefault:"edge"`
	InstallConcurrency int      `env:"OFFLINEAGENT_INSTALL_CONCURRENCY" envDefault:"4"`
	OfflinePath        string   `env:"OFFLINEAGENT_OFFLINE_PATH" envDefault:"/offline/"`
	StaticPrefixes     []string `env:"OFFLINEAGENT_STATIC_PREFIXES" envSeparator:"," envDefault:"/static/"`
	StaticHosts        []string `env:"OFFLINEAGENT_STATIC_HOSTS" envSeparator:"," envDefault:"cdn.jsdelivr.net,cdnjs.cloudflare.com"`
	APIPrefixes        []string `env:"OFFLINEAGENT_API_PREFIXES" envSeparator:"," envDefault:"/api/"`

	BackendProfile string `env:"OFFLINEAGENT_BACKEND_PROFILE"`
	DataDir        string `env:"OFFLINEAGENT_DATA_DIR" envDefault:".offlineagent"`
	CacheDSN       string `env:"OFFLINEAGENT_CACHE_DSN"`
	QueueDSN       string `env:"OFFLINEAGENT_QUEUE_DSN"`
	ProductionDSN  string `env:"OFFLINEAGENT_PRODUCTION_DSN"`

	QueueCapacity  int           `env:"OFFLINEAGENT_QUEUE_CAPACITY" envDefault:"10000"`
	SyncRoutes     []string      `env:"OFFLINEAGENT_SYNC_ROUTES" envSeparator:","`
	DefaultSyncTag string        `env:"OFFLINEAGENT_DEFAULT_SYNC_TAG" envDefault:"default-sync"`
	MaxAttempts    int           `env:"OFFLINEAGENT_MAX_REPLAY_ATTEMPTS"`
	BackoffInitial time.Duration `env:"OFFLINEAGENT_REPLAY_BACKOFF"`
	BackoffMax     time.Duration `env:"OFFLINEAGENT_REPLAY_BACKOFF_MAX"`

	ProbeURL      string        `env:"OFFLINEAGENT_PROBE_URL"`
	ProbeInterval time.Duration `env:"OFFLINEAGENT_PROBE_INTERVAL" envDefault:"15s"`
	ProbeJitter   float64       `env:"OFFLINEAGENT_PROBE_JITTER" envDefault:"0.2"`
	ProbeTimeout  time.Duration `env:"OFFLINEAGENT_PROBE_TIMEOUT" envDefault:"5s"`

	FetchTimeout time.Duration `env:"OFFLINEAGENT_FETCH_TIMEOUT" envDefault:"15s"`
	MaxBodyBytes int64         `env:"OFFLINEAGENT_MAX_BODY_BYTES" envDefault:"10485760"`

	PushFeedURL   string `env:"OFFLINEAGENT_PUSH_FEED_URL"`
	PushFeedToken string `env:"OFFLINEAGENT_PUSH_FEED_TOKEN"`

	JWTSecret       string        `env:"OFFLINEAGENT_JWT_SECRET"`
	RateLimitMax    int           `env:"OFFLINEAGENT_RATE_LIMIT_MAX"`
	RateLimitWindow time.Duration `env:"OFFLINEAGENT_RATE_LIMIT_WINDOW" envDefault:"1m"`
	AllowedOrigins  []string      `env:"OFFLINEAGENT_ALLOWED_ORIGINS" envSeparator:","`

	LogLevel     string `env:"OFFLINEAGENT_LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"OFFLINEAGENT_LOG_FORMAT" envDefault:"json"`
	OtelEndpoint string `env:"OFFLINEAGENT_OTEL_ENDPOINT"`

	ShutdownTimeout time.Duration `env:"OFFLINEAGENT_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// loadConfig reads an optional dotenv file, then the environment. Values
// already set in the environment win over the file.
func loadConfig() (config, error) {
	envFile := strings.TrimSpace(os.Getenv("OFFLINEAGENT_ENV_FILE"))
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return config{}, fmt.Errorf("load %s: %w", envFile, err)
	}
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// storageDSNs resolves the cache and queue DSNs. Explicit DSNs override the
// profile defaults.
func (c config) storageDSNs() (cacheDSN, queueDSN string, err error) {
	profileCache, profileQueue, err := storageProfileDefaults(c.BackendProfile, c.DataDir, c.ProductionDSN)
	if err != nil {
		return "", "", err
	}
	cacheDSN = firstNonEmpty(c.CacheDSN, profileCache, "memory://")
	queueDSN = firstNonEmpty(c.QueueDSN, profileQueue, "memory://")
	return cacheDSN, queueDSN, nil
}

func storageProfileDefaults(profile, dataDir, productionDSN string) (cacheDSN, queueDSN string, err error) {
	profile = strings.ToLower(strings.TrimSpace(profile))
	dataDir = strings.TrimSpace(dataDir)
	if dataDir == "" {
		dataDir = ".offlineagent"
	}
	switch profile {
	case "", "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "durable-local", "local-durable":
		return "sqlite://" + filepath.Join(dataDir, "cache.db"),
			"file://" + filepath.Join(dataDir, "queue.json"),
			nil
	case "production", "prod":
		productionDSN = strings.TrimSpace(productionDSN)
		if productionDSN == "" {
			return "", "", fmt.Errorf("OFFLINEAGENT_PRODUCTION_DSN is required when OFFLINEAGENT_BACKEND_PROFILE=%s", profile)
		}
		return "sqlite://" + filepath.Join(dataDir, "cache.db"), productionDSN, nil
	default:
		return "", "", fmt.Errorf("unsupported OFFLINEAGENT_BACKEND_PROFILE: %s", profile)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
