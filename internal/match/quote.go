package match

import (
	"P2PDesk/internal/observability"
	"P2PDesk/internal/offer"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Quote is an immutable price/amount commitment against one offer.
// A new amount always produces a new Quote.
type Quote struct {
	ID           string          `json:"quote_id"`
	OfferID      string          `json:"offer_id"`
	Side         offer.Side      `json:"side"`
	Asset        string          `json:"asset"`
	Fiat         string          `json:"fiat"`
	Rate         decimal.Decimal `json:"rate"`
	AmountFiat   decimal.Decimal `json:"amount_fiat"`
	AmountCrypto decimal.Decimal `json:"amount_crypto"`
	IssuedAt     time.Time       `json:"issued_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

func (q Quote) Expired(now time.Time) bool {
	return !now.Before(q.ExpiresAt)
}

// QuoteCache keeps issued quotes until they expire. Quotes are never
// persisted.
type QuoteCache struct {
	mu      sync.RWMutex
	quotes  map[string]Quote
	metrics *observability.Metrics
}

func NewQuoteCache(metrics *observability.Metrics) *QuoteCache {
	return &QuoteCache{
		quotes:  make(map[string]Quote),
		metrics: metrics,
	}
}

func (c *QuoteCache) Put(q Quote) {
	c.mu.Lock()
	c.quotes[q.ID] = q
	n := len(c.quotes)
	c.mu.Unlock()
	c.setSize(n)
}

// Get returns the quote if it exists and has not expired at now.
func (c *QuoteCache) Get(id string, now time.Time) (Quote, bool) {
	c.mu.RLock()
	q, ok := c.quotes[id]
	c.mu.RUnlock()
	if !ok || q.Expired(now) {
		return Quote{}, false
	}
	return q, true
}

// Sweep drops expired quotes and returns how many were removed.
func (c *QuoteCache) Sweep(now time.Time) int {
	c.mu.Lock()
	removed := 0
	for id, q := range c.quotes {
		if q.Expired(now) {
			delete(c.quotes, id)
			removed++
		}
	}
	n := len(c.quotes)
	c.mu.Unlock()
	c.setSize(n)
	return removed
}

func (c *QuoteCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.quotes)
}

// Run sweeps on every tick until ctx is cancelled.
func (c *QuoteCache) Run(ctx context.Context, interval time.Duration, logger zerolog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if n := c.Sweep(now); n > 0 {
				logger.Debug().Int("removed", n).Msg("swept expired quotes")
			}
		}
	}
}

func (c *QuoteCache) setSize(n int) {
	if c.metrics != nil {
		c.metrics.QuoteCacheSize.Set(float64(n))
	}
}
