package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

const defaultAddr = "0.0.0.0:8080"

// Config is loaded from DISCOUNTS_-prefixed environment variables, flags and
// YAML files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (DISCOUNTS_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	// DefaultTimezone applies to stores without a timezone of their own.
	// Empty means such stores cannot use day or hour windows.
	DefaultTimezone string `default:"" usage:"IANA timezone for stores without one" flag:"default-timezone"`
	Redis           RedisConfig
	Sweeper         SweeperConfig
	Pricing         PricingConfig
	RateLimit       RateLimitConfig
	Graceful        GracefulConfig
}

// RedisConfig enables the catalog cache when Addr is set.
type RedisConfig struct {
	Addr     string        `default:"" usage:"Redis address, empty disables the catalog cache"`
	Password string        `default:"" usage:"Redis password"`
	DB       int           `default:"0" usage:"Redis database"`
	TTL      time.Duration `default:"5m" usage:"Catalog cache TTL"`
}

// SweeperConfig controls the in-process lifecycle sweeper.
type SweeperConfig struct {
	Enabled  bool          `default:"true" usage:"Run the activation sweeper in the API process"`
	Interval time.Duration `default:"1m" usage:"Sweep interval"`
}

// PricingConfig tunes checkout.
type PricingConfig struct {
	MaxRedeemAttempts int `default:"3" usage:"Re-pricing attempts when a code runs out during checkout" flag:"max-redeem-attempts"`
}

// RateLimitConfig controls the per store and client limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads and validates the configuration.
func LoadConfig() (*Config, error) {
	return loadConfig(aconfig.Config{
		EnvPrefix: "DISCOUNTS",
		Files:     []string{"config.yaml", "/etc/discounts/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
}

func loadConfig(ac aconfig.Config) (*Config, error) {
	var cfg Config
	if err := aconfig.LoaderFor(&cfg, ac).Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set DISCOUNTS_DATABASE_URL or DATABASE_URL")
	}
	if c.DefaultTimezone != "" {
		if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
			return errors.Wrapf(err, "default timezone %q", c.DefaultTimezone)
		}
	}
	if c.Sweeper.Enabled && c.Sweeper.Interval <= 0 {
		return errors.Errorf("sweeper interval must be positive, got %s", c.Sweeper.Interval)
	}
	if c.RateLimit.Max <= 0 || c.RateLimit.Window <= 0 {
		return errors.New("rate limit max and window must be positive")
	}
	return nil
}

// Location returns the fallback store timezone, or nil when unset.
func (c *Config) Location() *time.Location {
	if c.DefaultTimezone == "" {
		return nil
	}
	loc, _ := time.LoadLocation(c.DefaultTimezone)
	return loc
}

// applyPlatformDefaults honours the DATABASE_URL and PORT variables set by
// hosting platforms.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}
