package reputation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrProfileNotFound is returned when no profile exists for a seller.
	// Callers must surface it; a default rating is never synthesized.
	ErrProfileNotFound = errors.New("seller profile not found")
	ErrInvalidProfile  = errors.New("invalid seller profile")
)

type Badge struct {
	Key      string `json:"key"`
	Label    string `json:"label"`
	Priority int    `json:"priority"`
}

// Stats30d are rolling 30-day aggregates. Durations are in seconds.
type Stats30d struct {
	TradesTotal    int     `json:"trades_total"`
	CompletionRate float64 `json:"completion_rate"`
	AvgReleaseTime int64   `json:"avg_release_time"`
	AvgPaymentTime int64   `json:"avg_payment_time"`
}

// Profile is the per-seller reputation aggregate. Offers only hold the
// seller id; profiles are joined at read time.
type Profile struct {
	SellerID       string   `json:"seller_id"`
	Rating         float64  `json:"rating"`
	TotalTrades    int      `json:"total_trades"`
	CompletionRate float64  `json:"completion_rate"`
	Verified       bool     `json:"verified"`
	Badges         []Badge  `json:"badges"`
	Stats30d       Stats30d `json:"stats_30d"`
}

func (p Profile) Validate() error {
	switch {
	case p.SellerID == "":
		return fmt.Errorf("%w: seller_id is required", ErrInvalidProfile)
	case p.Rating < 0 || p.Rating > 5:
		return fmt.Errorf("%w: rating %.2f outside [0,5]", ErrInvalidProfile, p.Rating)
	case p.CompletionRate < 0 || p.CompletionRate > 100:
		return fmt.Errorf("%w: completion_rate %.2f outside [0,100]", ErrInvalidProfile, p.CompletionRate)
	case p.TotalTrades < 0:
		return fmt.Errorf("%w: total_trades is negative", ErrInvalidProfile)
	}
	return nil
}

// SortBadges orders badges by priority, highest first, keeping input order
// for equal priorities.
func (p *Profile) SortBadges() {
	sort.SliceStable(p.Badges, func(i, j int) bool {
		return p.Badges[i].Priority > p.Badges[j].Priority
	})
}

func (p Profile) clone() Profile {
	c := p
	c.Badges = append([]Badge(nil), p.Badges...)
	return c
}

// Loader fetches a profile from the source of truth.
type Loader interface {
	LoadProfile(ctx context.Context, sellerID string) (Profile, error)
}

// Writer persists a profile pushed by the reputation subsystem.
type Writer interface {
	UpsertProfile(ctx context.Context, p Profile) error
}

// MemoryLoader is an in-process Loader and Writer for the memory backend
// and tests.
type MemoryLoader struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

func NewMemoryLoader() *MemoryLoader {
	return &MemoryLoader{profiles: make(map[string]Profile)}
}

func (l *MemoryLoader) LoadProfile(_ context.Context, sellerID string) (Profile, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.profiles[sellerID]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrProfileNotFound, sellerID)
	}
	return p.clone(), nil
}

func (l *MemoryLoader) UpsertProfile(_ context.Context, p Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.SortBadges()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.profiles[p.SellerID] = p.clone()
	return nil
}
