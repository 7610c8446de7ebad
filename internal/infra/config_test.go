package infra

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"course_cart/internal/domain"
)

const sampleConfig = `
app:
  name: course-cart
catalog:
  url: https://api.example.com/courses
currency:
  base: USD
  geo_url: https://ipapi.co/json/
  fallback:
    country_code: MX
    currency_code: MXN
    currency_symbol: $
    currency_name: Peso mexicano
logging:
  level: debug
`

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}

	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Expected sqlite driver default, got %q", cfg.Storage.Driver)
	}
	if cfg.Storage.CartKey != DefaultCartKey {
		t.Errorf("Expected default cart key, got %q", cfg.Storage.CartKey)
	}
	if cfg.Currency.GeoTimeoutMS != 3000 {
		t.Errorf("Expected 3000ms geo timeout, got %d", cfg.Currency.GeoTimeoutMS)
	}
	if cfg.Currency.Fallback.CurrencyCode != "MXN" || cfg.Currency.Fallback.CountryCode != "MX" {
		t.Errorf("Configured fallback market should be kept, got %+v", cfg.Currency.Fallback)
	}
}

func TestParseConfig_DefaultFallbackMarket(t *testing.T) {
	cfg, err := ParseConfig([]byte("catalog:\n  url: http://localhost:9000/courses\n"))
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	if cfg.Currency.Fallback.CurrencyCode != "PEN" || cfg.Currency.Fallback.CountryCode != "PE" {
		t.Errorf("Expected PE/PEN fallback, got %+v", cfg.Currency.Fallback)
	}
}

func TestParseConfig_Validation(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{"missing catalog url", "app:\n  name: x\n", "catalog.url"},
		{"bad driver", "catalog:\n  url: http://c\nstorage:\n  driver: redis\n", "storage.driver"},
		{"bad base", "catalog:\n  url: http://c\ncurrency:\n  base: DOLLAR\n", "currency.base"},
		{"base without rates", "catalog:\n  url: http://c\ncurrency:\n  base: EUR\n", "currency.base"},
		{"bad geo url", "catalog:\n  url: http://c\ncurrency:\n  geo_url: ftp://x\n", "currency.geo_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			var cfgErr *domain.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Expected ConfigError, got %v", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("Expected field %q, got %q", tt.field, cfgErr.Field)
			}
		})
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("COURSECART_CATALOG_URL", "http://override/courses")
	t.Setenv("COURSECART_ADDR", ":9999")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Catalog.URL != "http://override/courses" {
		t.Errorf("Expected env override, got %q", cfg.Catalog.URL)
	}
	if cfg.Server.Addr != ":9999" {
		t.Errorf("Expected :9999, got %q", cfg.Server.Addr)
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, domain.ErrConfigNotFound) {
		t.Errorf("Expected ErrConfigNotFound, got %v", err)
	}
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		retry int
		want  string
	}{
		{0, "1s"}, {1, "2s"}, {2, "4s"}, {5, "32s"}, {6, "1m0s"}, {20, "1m0s"}, {-1, "1s"},
	}
	for _, tt := range tests {
		if got := CalculateBackoff(tt.retry).String(); got != tt.want {
			t.Errorf("CalculateBackoff(%d) = %s, want %s", tt.retry, got, tt.want)
		}
	}
}
