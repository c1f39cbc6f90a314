package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// --- Telegram ---
	BotToken             string  `envconfig:"BOT_TOKEN" required:"true"`
	PaymentProviderToken string  `envconfig:"PAYMENT_PROVIDER_TOKEN" default:""`
	AdminIDsRaw          string  `envconfig:"ADMIN_IDS" default:""`
	AdminIDs             []int64 `ignored:"true"`

	// --- Database ---
	PostgresDSN string `envconfig:"POSTGRES_DSN" default:""`
	DBHost      string `envconfig:"POSTGRES_HOST" default:"localhost"`
	DBPort      int    `envconfig:"POSTGRES_PORT" default:"5432"`
	DBUser      string `envconfig:"POSTGRES_USER" default:"analyzer_bot"`
	DBPassword  string `envconfig:"POSTGRES_PASSWORD" default:""`
	DBName      string `envconfig:"POSTGRES_DB" default:"analyzer_bot"`
	DBSSLMode   string `envconfig:"POSTGRES_SSLMODE" default:"disable"`

	// --- Redis ---
	RedisHost     string `envconfig:"REDIS_HOST" default:"localhost"`
	RedisPort     string `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisPrefix   string `envconfig:"REDIS_PREFIX" default:"analyzer_bot"`

	// --- Coin economy ---
	InitialFreeCoins int64 `envconfig:"INITIAL_FREE_COINS" default:"10"`
	CoinsExpiryDays  int   `envconfig:"COINS_EXPIRY_DAYS" default:"30"`

	// --- Application ---
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

func (c *Config) DatabaseDSN() string {
	if strings.TrimSpace(c.PostgresDSN) != "" {
		return strings.TrimSpace(c.PostgresDSN)
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.BotToken) == "" {
		return fmt.Errorf("BOT_TOKEN is required")
	}
	if c.InitialFreeCoins < 0 {
		return fmt.Errorf("INITIAL_FREE_COINS must be >= 0")
	}
	if c.CoinsExpiryDays <= 0 {
		return fmt.Errorf("COINS_EXPIRY_DAYS must be > 0")
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	ids, err := parseInt64CSV(cfg.AdminIDsRaw)
	if err != nil {
		return nil, fmt.Errorf("ADMIN_IDS parse: %w", err)
	}
	cfg.AdminIDs = ids

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseInt64CSV(s string) ([]int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad int64 %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}
