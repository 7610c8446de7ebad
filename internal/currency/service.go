package currency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"course_cart/internal/domain"
	"course_cart/internal/infra"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

const (
	defaultGeoTimeout     = 3 * time.Second
	defaultConvertTimeout = 10 * time.Second
)

// DefaultFallback is the market used when geo detection fails and no
// fallback is configured.
var DefaultFallback = domain.CurrencyProfile{
	CountryCode:    "PE",
	CurrencyCode:   "PEN",
	CurrencySymbol: "S/",
	CurrencyName:   "Sol peruano",
}

// Option configures a Service.
type Option func(*Service)

// WithBase sets the base (catalog) currency. Default USD.
func WithBase(code string) Option {
	return func(s *Service) {
		if code != "" {
			s.base = strings.ToUpper(code)
		}
	}
}

// WithFallback sets the profile used when detection fails.
func WithFallback(p domain.CurrencyProfile) Option {
	return func(s *Service) {
		if p.CurrencyCode != "" {
			s.fallback = p
		}
	}
}

// WithGeoTimeout bounds a single geo lookup.
func WithGeoTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.geoTimeout = d
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *infra.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service resolves the session's currency profile and converts base prices.
// Every failure degrades to a defined fallback; nothing here is fatal.
type Service struct {
	geo        domain.GeoDetector
	rates      domain.RateConverter
	base       string
	fallback   domain.CurrencyProfile
	geoTimeout time.Duration
	metrics    *infra.Metrics

	group singleflight.Group

	mu        sync.RWMutex
	profile   *domain.CurrencyProfile
	detectErr error
}

// NewService creates a Service. geo and rates may be nil, in which case
// detection always falls back and conversion is always unavailable.
func NewService(geo domain.GeoDetector, rates domain.RateConverter, opts ...Option) *Service {
	s := &Service{
		geo:        geo,
		rates:      rates,
		base:       "USD",
		fallback:   DefaultFallback,
		geoTimeout: defaultGeoTimeout,
		metrics:    infra.NewMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Base returns the base currency code.
func (s *Service) Base() string {
	return s.base
}

// DetectProfile returns the session's currency profile, detecting it on
// first use. Detection failures yield the fallback profile (see Degraded).
// The only error is ctx's, when the caller stops waiting; the detection
// itself keeps running and is memoized for later callers.
func (s *Service) DetectProfile(ctx context.Context) (domain.CurrencyProfile, error) {
	if p, ok := s.Profile(); ok {
		return p, nil
	}

	ch := s.group.DoChan("profile", func() (interface{}, error) {
		if p, ok := s.Profile(); ok {
			return p, nil
		}
		detectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.geoTimeout)
		defer cancel()
		return s.detect(detectCtx), nil
	})

	select {
	case res := <-ch:
		return res.Val.(domain.CurrencyProfile), nil
	case <-ctx.Done():
		return domain.CurrencyProfile{}, ctx.Err()
	}
}

func (s *Service) detect(ctx context.Context) domain.CurrencyProfile {
	var (
		info domain.GeoInfo
		err  = errors.New("no geo detector configured")
	)
	if s.geo != nil {
		info, err = s.geo.DetectCountry(ctx)
	}

	profile := s.fallback
	if err == nil && !ValidCode(info.Currency) {
		err = fmt.Errorf("unknown currency %q", info.Currency)
	}

	if err != nil {
		err = fmt.Errorf("%w: %w", domain.ErrGeoDetectionFailed, err)
		s.metrics.RecordGeoFallback()
		slog.Warn("Currency detection failed, using fallback market",
			slog.String("fallback", profile.CurrencyCode),
			slog.Any("error", err),
		)
	} else {
		profile = profileFromGeo(info)
		slog.Info("Currency profile detected",
			slog.String("country", profile.CountryCode),
			slog.String("currency", profile.CurrencyCode),
		)
	}

	s.mu.Lock()
	s.profile = &profile
	s.detectErr = err
	s.mu.Unlock()
	return profile
}

func profileFromGeo(info domain.GeoInfo) domain.CurrencyProfile {
	code := strings.ToUpper(info.Currency)
	p := domain.CurrencyProfile{
		CountryCode:    strings.ToUpper(info.CountryCode),
		CurrencyCode:   code,
		CurrencySymbol: info.Symbol,
		CurrencyName:   info.Name,
	}
	if p.CurrencySymbol == "" {
		p.CurrencySymbol = Symbol(code)
	}
	if p.CurrencyName == "" {
		p.CurrencyName = code
	}
	return p
}

// Profile returns the memoized profile, if detection has completed.
func (s *Service) Profile() (domain.CurrencyProfile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile == nil {
		return domain.CurrencyProfile{}, false
	}
	return *s.profile, true
}

// Degraded reports whether the memoized profile is the fallback.
func (s *Service) Degraded() bool {
	return s.DetectionError() != nil
}

// DetectionError returns why detection fell back, wrapping ErrGeoDetectionFailed.
func (s *Service) DetectionError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.detectErr
}

// Convert prices amount from src into tgt. src == tgt is an identity
// conversion without any network call. Only the base currency can be
// converted; any other source yields ErrConversionUnavailable. Concurrent
// identical requests share one upstream call.
func (s *Service) Convert(ctx context.Context, amount decimal.Decimal, src, tgt string) (domain.ConversionResult, error) {
	src = strings.ToUpper(strings.TrimSpace(src))
	tgt = strings.ToUpper(strings.TrimSpace(tgt))

	if !ValidCode(src) || !ValidCode(tgt) {
		return domain.ConversionResult{}, fmt.Errorf("%w: invalid currency pair %s/%s", domain.ErrConversionUnavailable, src, tgt)
	}

	if src == tgt {
		return domain.ConversionResult{
			SourceAmount:   amount,
			SourceCurrency: src,
			TargetAmount:   amount,
			TargetCurrency: tgt,
			Rate:           decimal.NewFromInt(1),
			AsOf:           time.Now(),
		}, nil
	}

	if src != s.base || s.rates == nil {
		s.metrics.RecordConversionFailure()
		return domain.ConversionResult{}, fmt.Errorf("%w: no rate from %s", domain.ErrConversionUnavailable, src)
	}

	key := amount.String() + "|" + src + "|" + tgt
	ch := s.group.DoChan(key, func() (interface{}, error) {
		convCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultConvertTimeout)
		defer cancel()
		return s.rates.Convert(convCtx, amount, tgt)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			s.metrics.RecordConversionFailure()
			if errors.Is(res.Err, domain.ErrConversionUnavailable) {
				return domain.ConversionResult{}, res.Err
			}
			return domain.ConversionResult{}, fmt.Errorf("%w: %w", domain.ErrConversionUnavailable, res.Err)
		}
		conv := res.Val.(domain.ConversionResult)
		if !strings.EqualFold(conv.SourceCurrency, src) {
			s.metrics.RecordConversionFailure()
			return domain.ConversionResult{}, fmt.Errorf("%w: rates quoted in %s, not %s", domain.ErrConversionUnavailable, conv.SourceCurrency, src)
		}
		return conv, nil
	case <-ctx.Done():
		return domain.ConversionResult{}, ctx.Err()
	}
}
