package microservice

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
)

// APIKeyLength is the length of a remote API key.
const APIKeyLength = 72

// Backend names accepted for ItemBackend and StatusBackend.
const (
	BackendMemory    = "memory"
	BackendSQLite    = "sqlite"
	BackendRedis     = "redis"
	BackendFirestore = "firestore"
)

// Config is read from GUILDMIRROR_* environment variables.
type Config struct {
	LogLevel string `env:"GUILDMIRROR_LOG_LEVEL" envDefault:"info"`
	HTTPPort string `env:"GUILDMIRROR_HTTP_PORT" envDefault:":8080"`

	APIKey   string   `env:"GUILDMIRROR_API_KEY"`
	BaseURL  string   `env:"GUILDMIRROR_BASE_URL" envDefault:"https://api.guildwars2.com/v2"`
	GuildIDs []string `env:"GUILDMIRROR_GUILD_IDS" envSeparator:","`

	RateLimitBurst  float64 `env:"GUILDMIRROR_RATE_LIMIT_BURST" envDefault:"300"`
	RateLimitPerSec float64 `env:"GUILDMIRROR_RATE_LIMIT_PER_SEC" envDefault:"5"`

	DatabasePath string        `env:"GUILDMIRROR_DATABASE_PATH" envDefault:"guildmirror.db"`
	BusyTimeout  time.Duration `env:"GUILDMIRROR_BUSY_TIMEOUT" envDefault:"5s"`

	StaleAfter      time.Duration `env:"GUILDMIRROR_STALE_AFTER" envDefault:"5m"`
	RefreshTimeout  time.Duration `env:"GUILDMIRROR_REFRESH_TIMEOUT" envDefault:"2m"`
	RefreshInterval time.Duration `env:"GUILDMIRROR_REFRESH_INTERVAL" envDefault:"0s"`

	ItemBackend   string `env:"GUILDMIRROR_ITEM_BACKEND" envDefault:"sqlite"`
	ItemCacheSize int    `env:"GUILDMIRROR_ITEM_CACHE_SIZE" envDefault:"1024"`
	StatusBackend string `env:"GUILDMIRROR_STATUS_BACKEND" envDefault:"memory"`

	RedisAddr     string        `env:"GUILDMIRROR_REDIS_ADDR"`
	RedisPassword string        `env:"GUILDMIRROR_REDIS_PASSWORD"`
	RedisDB       int           `env:"GUILDMIRROR_REDIS_DB" envDefault:"0"`
	RedisTTL      time.Duration `env:"GUILDMIRROR_REDIS_TTL" envDefault:"0s"`

	ProjectID          string `env:"GUILDMIRROR_PROJECT_ID"`
	ItemsCollection    string `env:"GUILDMIRROR_FIRESTORE_ITEMS_COLLECTION" envDefault:"items"`
	StatusCollection   string `env:"GUILDMIRROR_FIRESTORE_STATUS_COLLECTION" envDefault:"refresh_status"`
	ArchiveBucket      string `env:"GUILDMIRROR_ARCHIVE_BUCKET"`
	ArchivePrefix      string `env:"GUILDMIRROR_ARCHIVE_PREFIX" envDefault:"guild-logs"`
	ArchiveBatchSize   int    `env:"GUILDMIRROR_ARCHIVE_BATCH_SIZE" envDefault:"500"`
	LedgerDataset      string `env:"GUILDMIRROR_LEDGER_DATASET"`
	LedgerTable        string `env:"GUILDMIRROR_LEDGER_TABLE" envDefault:"guild_ledger"`
	CredentialsFile    string `env:"GUILDMIRROR_CREDENTIALS_FILE"`
	EventsTopic        string `env:"GUILDMIRROR_EVENTS_TOPIC"`
	EventsOnlyWithLogs bool   `env:"GUILDMIRROR_EVENTS_ONLY_WITH_LOGS" envDefault:"false"`

	ArchiveFlushInterval time.Duration `env:"GUILDMIRROR_ARCHIVE_FLUSH_INTERVAL" envDefault:"1m"`
	RefreshSubscription  string        `env:"GUILDMIRROR_REFRESH_SUBSCRIPTION"`

	LotteryEnabled bool     `env:"GUILDMIRROR_LOTTERY_ENABLED" envDefault:"false"`
	OfficerRanks   []string `env:"GUILDMIRROR_OFFICER_RANKS" envSeparator:","`
}

// LoadConfig parses the environment and validates the result.
func LoadConfig() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if len(c.APIKey) != APIKeyLength {
		errs = append(errs, fmt.Errorf("GUILDMIRROR_API_KEY must be %d characters, got %d", APIKeyLength, len(c.APIKey)))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("GUILDMIRROR_DATABASE_PATH is required"))
	}
	if c.RateLimitBurst < 1 || c.RateLimitPerSec <= 0 {
		errs = append(errs, errors.New("rate limit burst must be >= 1 and rate > 0"))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("GUILDMIRROR_LOG_LEVEL: %w", err))
	}
	if !slices.Contains([]string{BackendMemory, BackendSQLite, BackendRedis, BackendFirestore}, c.ItemBackend) {
		errs = append(errs, fmt.Errorf("unknown item backend %q", c.ItemBackend))
	}
	if !slices.Contains([]string{BackendMemory, BackendRedis, BackendFirestore}, c.StatusBackend) {
		errs = append(errs, fmt.Errorf("unknown status backend %q", c.StatusBackend))
	}
	if c.uses(BackendRedis) && c.RedisAddr == "" {
		errs = append(errs, errors.New("GUILDMIRROR_REDIS_ADDR is required for the redis backend"))
	}
	if (c.uses(BackendFirestore) || c.ArchiveBucket != "" || c.EventsTopic != "" || c.LedgerDataset != "" || c.RefreshSubscription != "") && c.ProjectID == "" {
		errs = append(errs, errors.New("GUILDMIRROR_PROJECT_ID is required for Google Cloud backends"))
	}
	return errors.Join(errs...)
}

func (c *Config) uses(backend string) bool {
	return c.ItemBackend == backend || c.StatusBackend == backend
}
