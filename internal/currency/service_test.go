package currency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"course_cart/internal/domain"
	"course_cart/internal/infra"

	"github.com/shopspring/decimal"
)

type fakeGeo struct {
	calls atomic.Int32
	delay time.Duration
	info  domain.GeoInfo
	err   error
}

func (f *fakeGeo) DetectCountry(ctx context.Context) (domain.GeoInfo, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return domain.GeoInfo{}, ctx.Err()
		}
	}
	return f.info, f.err
}

type fakeRates struct {
	calls atomic.Int32
	gate  chan struct{}
	rate  decimal.Decimal
	err   error
}

func (f *fakeRates) Convert(ctx context.Context, amountUSD decimal.Decimal, target string) (domain.ConversionResult, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return domain.ConversionResult{}, f.err
	}
	return domain.ConversionResult{
		SourceAmount:   amountUSD,
		SourceCurrency: "USD",
		TargetAmount:   amountUSD.Mul(f.rate),
		TargetCurrency: target,
		Rate:           f.rate,
		AsOf:           time.Now(),
	}, nil
}

func TestDetectProfile_Success(t *testing.T) {
	geo := &fakeGeo{info: domain.GeoInfo{CountryCode: "br", Currency: "brl", Name: "Real brasileño"}}
	s := NewService(geo, nil)

	p, err := s.DetectProfile(context.Background())
	if err != nil {
		t.Fatalf("DetectProfile failed: %v", err)
	}
	if p.CountryCode != "BR" || p.CurrencyCode != "BRL" || p.CurrencySymbol != "R$" {
		t.Errorf("Unexpected profile: %+v", p)
	}
	if s.Degraded() {
		t.Error("Successful detection must not be degraded")
	}
}

func TestDetectProfile_Fallback(t *testing.T) {
	tests := []struct {
		name string
		geo  domain.GeoDetector
	}{
		{"detector error", &fakeGeo{err: errors.New("network down")}},
		{"unknown currency", &fakeGeo{info: domain.GeoInfo{CountryCode: "XX", Currency: "???"}}},
		{"no detector", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := infra.NewMetrics()
			s := NewService(tt.geo, nil, WithMetrics(m))

			p, err := s.DetectProfile(context.Background())
			if err != nil {
				t.Fatalf("DetectProfile should not fail, got %v", err)
			}
			if p != DefaultFallback {
				t.Errorf("Expected PEN fallback, got %+v", p)
			}
			if !errors.Is(s.DetectionError(), domain.ErrGeoDetectionFailed) {
				t.Errorf("Expected ErrGeoDetectionFailed, got %v", s.DetectionError())
			}
			if m.Snapshot().GeoFallbacks != 1 {
				t.Errorf("Expected 1 geo fallback, got %d", m.Snapshot().GeoFallbacks)
			}
		})
	}
}

func TestDetectProfile_ConfiguredFallback(t *testing.T) {
	mx := domain.CurrencyProfile{CountryCode: "MX", CurrencyCode: "MXN", CurrencySymbol: "$", CurrencyName: "Peso mexicano"}
	s := NewService(&fakeGeo{err: errors.New("down")}, nil, WithFallback(mx))

	p, _ := s.DetectProfile(context.Background())
	if p != mx {
		t.Errorf("Expected configured fallback, got %+v", p)
	}
}

func TestDetectProfile_Timeout(t *testing.T) {
	geo := &fakeGeo{delay: time.Second, info: domain.GeoInfo{CountryCode: "BR", Currency: "BRL"}}
	s := NewService(geo, nil, WithGeoTimeout(20*time.Millisecond))

	start := time.Now()
	p, err := s.DetectProfile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Geo lookup should be bounded by the timeout")
	}
	if p.CurrencyCode != "PEN" || !s.Degraded() {
		t.Errorf("Timed out lookup should fall back, got %+v", p)
	}
}

func TestDetectProfile_MemoizedOnce(t *testing.T) {
	geo := &fakeGeo{delay: 20 * time.Millisecond, info: domain.GeoInfo{CountryCode: "US", Currency: "USD"}}
	s := NewService(geo, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.DetectProfile(context.Background()); err != nil {
				t.Errorf("DetectProfile failed: %v", err)
			}
		}()
	}
	wg.Wait()
	_, _ = s.DetectProfile(context.Background())

	if n := geo.calls.Load(); n != 1 {
		t.Errorf("Expected exactly 1 geo lookup, got %d", n)
	}
}

func TestDetectProfile_CallerCancelDoesNotPoisonMemo(t *testing.T) {
	geo := &fakeGeo{delay: 50 * time.Millisecond, info: domain.GeoInfo{CountryCode: "BR", Currency: "BRL"}}
	s := NewService(geo, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if _, err := s.DetectProfile(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected caller deadline, got %v", err)
	}

	p, err := s.DetectProfile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if p.CurrencyCode != "BRL" || s.Degraded() {
		t.Errorf("Detection should complete despite the first caller leaving, got %+v", p)
	}
}

func TestConvert_IdentityWithoutNetwork(t *testing.T) {
	rates := &fakeRates{err: errors.New("must not be called")}
	s := NewService(nil, rates)

	res, err := s.Convert(context.Background(), decimal.NewFromInt(80), "usd", "USD")
	if err != nil {
		t.Fatalf("Identity conversion failed: %v", err)
	}
	if !res.TargetAmount.Equal(decimal.NewFromInt(80)) || !res.Rate.Equal(decimal.NewFromInt(1)) {
		t.Errorf("Unexpected identity result: %+v", res)
	}
	if rates.calls.Load() != 0 {
		t.Error("Identity conversion must not call the rate collaborator")
	}
}

func TestConvert_BaseToLocal(t *testing.T) {
	s := NewService(nil, &fakeRates{rate: decimal.RequireFromString("3.75")})

	res, err := s.Convert(context.Background(), decimal.NewFromInt(100), "USD", "PEN")
	if err != nil {
		t.Fatal(err)
	}
	if !res.TargetAmount.Equal(decimal.NewFromInt(375)) || res.TargetCurrency != "PEN" {
		t.Errorf("Unexpected conversion: %+v", res)
	}
}

func TestConvert_Unavailable(t *testing.T) {
	tests := []struct {
		name     string
		rates    domain.RateConverter
		src, tgt string
	}{
		{"collaborator error", &fakeRates{err: errors.New("503")}, "USD", "PEN"},
		{"non-base source", &fakeRates{rate: decimal.NewFromInt(1)}, "EUR", "PEN"},
		{"no collaborator", nil, "USD", "PEN"},
		{"invalid code", &fakeRates{rate: decimal.NewFromInt(1)}, "USD", "P3N"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewService(nil, tt.rates)
			_, err := s.Convert(context.Background(), decimal.NewFromInt(10), tt.src, tt.tgt)
			if !errors.Is(err, domain.ErrConversionUnavailable) {
				t.Errorf("Expected ErrConversionUnavailable, got %v", err)
			}
		})
	}
}

func TestConvert_BaseMismatchWithRates(t *testing.T) {
	rates := &fakeRates{rate: decimal.RequireFromString("3.5")}
	s := NewService(nil, rates, WithBase("EUR"))

	res, err := s.Convert(context.Background(), decimal.NewFromInt(100), "EUR", "PEN")
	if !errors.Is(err, domain.ErrConversionUnavailable) {
		t.Fatalf("Expected ErrConversionUnavailable for EUR priced at USD rates, got %v (%+v)", err, res)
	}
	if !res.TargetAmount.IsZero() {
		t.Errorf("No amount should leak on mismatch, got %s", res.TargetAmount)
	}
}

func TestConvert_DedupsInFlight(t *testing.T) {
	rates := &fakeRates{gate: make(chan struct{}), rate: decimal.NewFromInt(2)}
	s := NewService(nil, rates)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Convert(context.Background(), decimal.NewFromInt(10), "USD", "BRL")
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for rates.calls.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(rates.gate)
	wg.Wait()

	if n := rates.calls.Load(); n != 1 {
		t.Errorf("Expected 1 upstream conversion, got %d", n)
	}
}
