package match

import (
	"P2PDesk/internal/apperr"
	fpmath "P2PDesk/internal/math"
	"strings"

	"github.com/shopspring/decimal"
)

// Catalog is the set of tradable assets and fiat currencies, with the
// precision used for each asset.
type Catalog struct {
	assets    map[string]struct{}
	fiats     map[string]struct{}
	precision *fpmath.Precision
}

func NewCatalog(assets, fiats []string, precision *fpmath.Precision) *Catalog {
	c := &Catalog{
		assets:    make(map[string]struct{}, len(assets)),
		fiats:     make(map[string]struct{}, len(fiats)),
		precision: precision,
	}
	for _, a := range assets {
		c.assets[strings.ToUpper(a)] = struct{}{}
	}
	for _, f := range fiats {
		c.fiats[strings.ToUpper(f)] = struct{}{}
	}
	return c
}

// CheckAsset rejects assets outside the catalog.
func (c *Catalog) CheckAsset(asset string) *apperr.Error {
	if asset == "" {
		return apperr.New(apperr.CodeInvalidRequest, "asset is required")
	}
	if _, ok := c.assets[strings.ToUpper(asset)]; !ok {
		return apperr.Newf(apperr.CodeUnsupportedAsset, "asset %q is not supported", asset)
	}
	return nil
}

// CheckFiat rejects malformed or unlisted currency codes. An empty list
// accepts any three-letter code.
func (c *Catalog) CheckFiat(fiat string) *apperr.Error {
	if len(fiat) != 3 {
		return apperr.Newf(apperr.CodeUnsupportedFiat, "fiat %q is not a three-letter currency code", fiat)
	}
	for _, r := range fiat {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return apperr.Newf(apperr.CodeUnsupportedFiat, "fiat %q is not a three-letter currency code", fiat)
		}
	}
	if len(c.fiats) == 0 {
		return nil
	}
	if _, ok := c.fiats[strings.ToUpper(fiat)]; !ok {
		return apperr.Newf(apperr.CodeUnsupportedFiat, "fiat %q is not supported", fiat)
	}
	return nil
}

// CheckFiatAmount requires a positive amount with at most two decimals.
func (c *Catalog) CheckFiatAmount(amount decimal.Decimal) *apperr.Error {
	if !amount.IsPositive() {
		return apperr.New(apperr.CodeInvalidAmount, "fiat amount must be positive")
	}
	if !fpmath.HasAtMostDecimals(amount, fpmath.FiatDecimals) {
		return apperr.Newf(apperr.CodeInvalidAmount, "fiat amount %s has more than %d decimals", amount, fpmath.FiatDecimals)
	}
	return nil
}

// CheckCryptoAmount requires a positive amount within the asset's precision.
func (c *Catalog) CheckCryptoAmount(asset string, amount decimal.Decimal) *apperr.Error {
	if !amount.IsPositive() {
		return apperr.New(apperr.CodeInvalidAmount, "crypto amount must be positive")
	}
	places := c.Decimals(asset)
	if !fpmath.HasAtMostDecimals(amount, places) {
		return apperr.Newf(apperr.CodeInvalidAmount, "%s amount %s has more than %d decimals", asset, amount, places)
	}
	return nil
}

func (c *Catalog) Decimals(asset string) int32 {
	return c.precision.AssetDecimals(asset)
}
