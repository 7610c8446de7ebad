package service

import (
	"context"
	"log/slog"
	"strings"

	"course_cart/internal/currency"
	"course_cart/internal/domain"

	"github.com/shopspring/decimal"
)

// DisplayState says whether a PriceDisplay can be rendered as a price.
type DisplayState string

const (
	StateLoading DisplayState = "loading"
	StateReady   DisplayState = "ready"
)

// PriceDisplay is what a price slot renders. While loading, Primary is nil
// and nothing should be shown as a price.
type PriceDisplay struct {
	State         DisplayState  `json:"state"`
	Primary       *domain.Money `json:"primary,omitempty"`
	Secondary     *domain.Money `json:"secondary,omitempty"`
	Approximate   bool          `json:"approximate"`
	PrimaryText   string        `json:"primaryText,omitempty"`
	SecondaryText string        `json:"secondaryText,omitempty"`
}

// CurrencyResolver is the subset of currency.Service the composer needs.
type CurrencyResolver interface {
	DetectProfile(ctx context.Context) (domain.CurrencyProfile, error)
	Convert(ctx context.Context, amount decimal.Decimal, src, tgt string) (domain.ConversionResult, error)
}

// resolution is everything known about the viewer's currency at one instant.
type resolution struct {
	profileLoading    bool
	conversionLoading bool
	profile           domain.CurrencyProfile
	conversion        *domain.ConversionResult
}

// composeDisplay applies the fixed fallback order:
// loading, same currency, converted, alternative price, source only.
func composeDisplay(base domain.Money, alt *domain.Money, r resolution) PriceDisplay {
	if r.profileLoading || r.conversionLoading {
		return PriceDisplay{State: StateLoading}
	}

	if strings.EqualFold(r.profile.CurrencyCode, base.Currency) {
		return single(base)
	}

	if r.conversion != nil {
		converted := domain.Money{Amount: r.conversion.TargetAmount, Currency: r.conversion.TargetCurrency}
		d := pair(converted, base)
		d.Approximate = true
		d.SecondaryText = "≈ " + d.SecondaryText
		return d
	}

	if alt != nil {
		return pair(*alt, base)
	}

	return single(base)
}

func single(m domain.Money) PriceDisplay {
	return PriceDisplay{
		State:       StateReady,
		Primary:     &m,
		PrimaryText: currency.FormatAmount(m.Amount, m.Currency),
	}
}

func pair(primary, secondary domain.Money) PriceDisplay {
	return PriceDisplay{
		State:         StateReady,
		Primary:       &primary,
		Secondary:     &secondary,
		PrimaryText:   currency.FormatAmount(primary.Amount, primary.Currency),
		SecondaryText: currency.FormatAmount(secondary.Amount, secondary.Currency),
	}
}

// PriceComposer turns a canonical price into what the viewer sees.
// It is independent of cart state.
type PriceComposer struct {
	resolver CurrencyResolver
}

// NewPriceComposer creates a PriceComposer.
func NewPriceComposer(resolver CurrencyResolver) *PriceComposer {
	return &PriceComposer{resolver: resolver}
}

// Compose waits for the profile and, when needed, the conversion, then
// returns a ready display. The only errors are ctx's.
func (c *PriceComposer) Compose(ctx context.Context, base domain.Money, alt *domain.Money) (PriceDisplay, error) {
	profile, err := c.resolver.DetectProfile(ctx)
	if err != nil {
		return PriceDisplay{}, err
	}

	r := resolution{profile: profile}
	if !strings.EqualFold(profile.CurrencyCode, base.Currency) {
		conv, err := c.resolver.Convert(ctx, base.Amount, base.Currency, profile.CurrencyCode)
		switch {
		case err == nil:
			r.conversion = &conv
		case ctx.Err() != nil:
			return PriceDisplay{}, ctx.Err()
		default:
			slog.Debug("Price conversion unavailable, falling back",
				slog.String("from", base.Currency),
				slog.String("to", profile.CurrencyCode),
				slog.Any("error", err),
			)
		}
	}

	return composeDisplay(base, alt, r), nil
}

// Watch returns the loading display immediately and calls onUpdate once with
// the resolved display. Nothing is delivered if ctx ends first.
func (c *PriceComposer) Watch(ctx context.Context, base domain.Money, alt *domain.Money, onUpdate func(PriceDisplay)) PriceDisplay {
	go func() {
		d, err := c.Compose(ctx, base, alt)
		if err != nil || ctx.Err() != nil {
			return
		}
		onUpdate(d)
	}()
	return composeDisplay(base, alt, resolution{profileLoading: true})
}
