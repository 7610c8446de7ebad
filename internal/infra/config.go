package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"course_cart/internal/domain"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultUserAgent is sent by every outbound HTTP collaborator.
	DefaultUserAgent = "course-cart/1.0 (+https://github.com/course-cart)"

	DefaultCartKey = "course_cart.entries"
)

// Config holds every setting of the storefront cart service.
// LoadConfig applies defaults, then environment overrides, then validation.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Storage struct {
		Driver  string `yaml:"driver"` // "sqlite" or "memory"
		Path    string `yaml:"path"`
		CartKey string `yaml:"cart_key"`
	} `yaml:"storage"`

	Catalog struct {
		URL             string `yaml:"url"`
		PollIntervalSec int    `yaml:"poll_interval_sec"`
		TimeoutSec      int    `yaml:"timeout_sec"`
	} `yaml:"catalog"`

	Currency struct {
		Base          string                 `yaml:"base"`
		GeoURL        string                 `yaml:"geo_url"`
		GeoTimeoutMS  int                    `yaml:"geo_timeout_ms"`
		RatesURL      string                 `yaml:"rates_url"`
		RatesTTLSec   int                    `yaml:"rates_ttl_sec"`
		RetryAttempts int                    `yaml:"retry_attempts"`
		Fallback      domain.CurrencyProfile `yaml:"fallback"`
	} `yaml:"currency"`

	Thumbnails struct {
		Dir    string `yaml:"dir"`
		Width  int    `yaml:"width"`
		Height int    `yaml:"height"`
	} `yaml:"thumbnails"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the YAML configuration at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
		}
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig parses raw YAML into a validated Config.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "course-cart"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.CartKey == "" {
		c.Storage.CartKey = DefaultCartKey
	}
	if c.Catalog.PollIntervalSec == 0 {
		c.Catalog.PollIntervalSec = 300
	}
	if c.Catalog.TimeoutSec == 0 {
		c.Catalog.TimeoutSec = 10
	}
	if c.Currency.Base == "" {
		c.Currency.Base = "USD"
	}
	if c.Currency.GeoTimeoutMS == 0 {
		c.Currency.GeoTimeoutMS = 3000
	}
	if c.Currency.RatesTTLSec == 0 {
		c.Currency.RatesTTLSec = 3600
	}
	if c.Currency.RetryAttempts == 0 {
		c.Currency.RetryAttempts = 3
	}
	if c.Currency.Fallback.CurrencyCode == "" {
		c.Currency.Fallback = domain.CurrencyProfile{
			CountryCode:    "PE",
			CurrencyCode:   "PEN",
			CurrencySymbol: "S/",
			CurrencyName:   "Sol peruano",
		}
	}
	if c.Thumbnails.Width == 0 {
		c.Thumbnails.Width = 320
	}
	if c.Thumbnails.Height == 0 {
		c.Thumbnails.Height = 180
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "memory":
	default:
		return &domain.ConfigError{Field: "storage.driver", Err: fmt.Errorf("unsupported driver %q", c.Storage.Driver)}
	}

	if !isHTTPURL(c.Catalog.URL) {
		return &domain.ConfigError{Field: "catalog.url", Err: fmt.Errorf("invalid URL %q", c.Catalog.URL)}
	}
	if c.Catalog.PollIntervalSec < 0 {
		return &domain.ConfigError{Field: "catalog.poll_interval_sec", Err: errors.New("must not be negative")}
	}

	if len(c.Currency.Base) != 3 {
		return &domain.ConfigError{Field: "currency.base", Err: fmt.Errorf("not an ISO 4217 code: %q", c.Currency.Base)}
	}
	if !strings.EqualFold(c.Currency.Base, RatesBase) {
		return &domain.ConfigError{Field: "currency.base", Err: fmt.Errorf("rate table is quoted in %s, got %q", RatesBase, c.Currency.Base)}
	}
	if c.Currency.GeoURL != "" && !isHTTPURL(c.Currency.GeoURL) {
		return &domain.ConfigError{Field: "currency.geo_url", Err: fmt.Errorf("invalid URL %q", c.Currency.GeoURL)}
	}
	if c.Currency.RatesURL != "" && !isHTTPURL(c.Currency.RatesURL) {
		return &domain.ConfigError{Field: "currency.rates_url", Err: fmt.Errorf("invalid URL %q", c.Currency.RatesURL)}
	}
	if len(c.Currency.Fallback.CurrencyCode) != 3 {
		return &domain.ConfigError{Field: "currency.fallback.currency_code", Err: fmt.Errorf("not an ISO 4217 code: %q", c.Currency.Fallback.CurrencyCode)}
	}

	return nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// overrideWithEnv lets deployment settings win over the file.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("COURSECART_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("COURSECART_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("COURSECART_CATALOG_URL"); v != "" {
		cfg.Catalog.URL = v
	}
	if v := os.Getenv("COURSECART_RATES_URL"); v != "" {
		cfg.Currency.RatesURL = v
	}
	if v := os.Getenv("COURSECART_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
