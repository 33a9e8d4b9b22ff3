package math

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Asset precision table. Assets not listed here but accepted by configuration
// fall back to DefaultAssetDecimals.
var defaultAssetDecimals = map[string]int32{
	"BTC":  8,
	"ETH":  6,
	"USDT": 2,
	"USDC": 2,
}

const (
	DefaultAssetDecimals int32 = 6
	FiatDecimals         int32 = 2
)

var ErrNonPositiveRate = errors.New("rate must be positive")

// RoundingMode selects the direction applied when an amount is cut to its
// asset precision.
type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown                         // toward zero
	RoundUp                           // away from zero
)

func (m RoundingMode) String() string {
	switch m {
	case RoundDown:
		return "down"
	case RoundUp:
		return "up"
	default:
		return "half_even"
	}
}

// Precision resolves decimal places per asset code.
type Precision struct {
	assets map[string]int32
}

// NewPrecision builds a table from the defaults plus overrides.
func NewPrecision(overrides map[string]int32) *Precision {
	assets := make(map[string]int32, len(defaultAssetDecimals)+len(overrides))
	for k, v := range defaultAssetDecimals {
		assets[k] = v
	}
	for k, v := range overrides {
		assets[strings.ToUpper(k)] = v
	}
	return &Precision{assets: assets}
}

// AssetDecimals returns the number of decimal places used for asset amounts.
func (p *Precision) AssetDecimals(asset string) int32 {
	if p != nil {
		if d, ok := p.assets[strings.ToUpper(asset)]; ok {
			return d
		}
	}
	if d, ok := defaultAssetDecimals[strings.ToUpper(asset)]; ok {
		return d
	}
	return DefaultAssetDecimals
}

// Round cuts d to places decimals in the given direction.
func Round(d decimal.Decimal, places int32, mode RoundingMode) decimal.Decimal {
	switch mode {
	case RoundDown:
		return d.RoundDown(places)
	case RoundUp:
		return d.RoundUp(places)
	default:
		return d.RoundBank(places)
	}
}

// CryptoForFiat computes amountFiat / rate cut to places decimals.
// The quotient is taken with QuoRem so the truncation is exact; an
// intermediate rounded division could otherwise push a value across the
// boundary before it is cut.
func CryptoForFiat(amountFiat, rate decimal.Decimal, places int32, mode RoundingMode) (decimal.Decimal, error) {
	if !rate.IsPositive() {
		return decimal.Zero, ErrNonPositiveRate
	}
	q, r := amountFiat.QuoRem(rate, places)
	if r.IsZero() {
		return q, nil
	}
	switch mode {
	case RoundDown:
		return q, nil
	case RoundUp:
		return q.Add(decimal.New(1, -places)), nil
	default:
		return amountFiat.DivRound(rate, places+8).RoundBank(places), nil
	}
}

// FiatForCrypto computes amountCrypto * rate cut to fiat precision.
func FiatForCrypto(amountCrypto, rate decimal.Decimal, mode RoundingMode) (decimal.Decimal, error) {
	if !rate.IsPositive() {
		return decimal.Zero, ErrNonPositiveRate
	}
	return Round(amountCrypto.Mul(rate), FiatDecimals, mode), nil
}

// HasAtMostDecimals reports whether d fits in places decimals without loss.
func HasAtMostDecimals(d decimal.Decimal, places int32) bool {
	return d.Equal(d.Truncate(places))
}
