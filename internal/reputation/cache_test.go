package reputation_test

import (
	"P2PDesk/internal/reputation"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingLoader struct {
	inner *reputation.MemoryLoader
	calls atomic.Int64
	delay time.Duration
	err   error
}

func (l *countingLoader) LoadProfile(ctx context.Context, id string) (reputation.Profile, error) {
	l.calls.Add(1)
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	if l.err != nil {
		return reputation.Profile{}, l.err
	}
	return l.inner.LoadProfile(ctx, id)
}

func newTestLoader(t *testing.T, profiles ...reputation.Profile) *countingLoader {
	t.Helper()
	ml := reputation.NewMemoryLoader()
	for _, p := range profiles {
		if err := ml.UpsertProfile(context.Background(), p); err != nil {
			t.Fatalf("seed profile %s: %v", p.SellerID, err)
		}
	}
	return &countingLoader{inner: ml}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCache_ReadThroughAndTTL(t *testing.T) {
	loader := newTestLoader(t, reputation.Profile{SellerID: "s1", Rating: 4.8, CompletionRate: 97})
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := reputation.NewCache(loader, time.Minute, 10, reputation.WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, err := c.Get(ctx, "s1")
		if err != nil {
			t.Fatal(err)
		}
		if p.Rating != 4.8 {
			t.Fatalf("rating: got %v, want 4.8", p.Rating)
		}
	}
	if got := loader.calls.Load(); got != 1 {
		t.Fatalf("loads within ttl: got %d, want 1", got)
	}

	clock.Advance(time.Minute)
	if _, err := c.Get(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if got := loader.calls.Load(); got != 2 {
		t.Fatalf("loads after ttl: got %d, want 2", got)
	}
}

func TestCache_MissingProfileIsAnError(t *testing.T) {
	c := reputation.NewCache(newTestLoader(t), time.Minute, 10)
	_, err := c.Get(context.Background(), "ghost")
	if !errors.Is(err, reputation.ErrProfileNotFound) {
		t.Fatalf("got %v, want ErrProfileNotFound", err)
	}

	got, err := c.GetMany(context.Background(), []string{"ghost"})
	if err != nil {
		t.Fatalf("GetMany should skip missing profiles: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("GetMany returned %d profiles, want 0", len(got))
	}
}

func TestCache_LoaderErrorPropagates(t *testing.T) {
	loader := newTestLoader(t)
	loader.err = errors.New("connection refused")
	c := reputation.NewCache(loader, time.Minute, 10)

	if _, err := c.GetMany(context.Background(), []string{"s1"}); err == nil {
		t.Fatal("infrastructure error must not be swallowed")
	}
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	loader := newTestLoader(t,
		reputation.Profile{SellerID: "a"},
		reputation.Profile{SellerID: "b"},
		reputation.Profile{SellerID: "c"},
	)
	c := reputation.NewCache(loader, time.Hour, 2)
	ctx := context.Background()

	_, _ = c.Get(ctx, "a")
	_, _ = c.Get(ctx, "b")
	_, _ = c.Get(ctx, "a") // a is now most recent
	_, _ = c.Get(ctx, "c") // evicts b

	if c.Len() != 2 {
		t.Fatalf("len: got %d, want 2", c.Len())
	}
	before := loader.calls.Load()
	_, _ = c.Get(ctx, "a")
	if loader.calls.Load() != before {
		t.Error("a should still be cached")
	}
	_, _ = c.Get(ctx, "b")
	if loader.calls.Load() != before+1 {
		t.Error("b should have been evicted")
	}
}

func TestCache_InvalidateForcesReload(t *testing.T) {
	loader := newTestLoader(t, reputation.Profile{SellerID: "s1", Rating: 4})
	c := reputation.NewCache(loader, time.Hour, 10)
	ctx := context.Background()

	_, _ = c.Get(ctx, "s1")
	_ = loader.inner.UpsertProfile(ctx, reputation.Profile{SellerID: "s1", Rating: 2})
	c.Invalidate("s1")

	p, _ := c.Get(ctx, "s1")
	if p.Rating != 2 {
		t.Fatalf("rating after invalidate: got %v, want 2", p.Rating)
	}
}

func TestCache_CoalescesConcurrentMisses(t *testing.T) {
	loader := newTestLoader(t, reputation.Profile{SellerID: "s1"})
	loader.delay = 20 * time.Millisecond
	c := reputation.NewCache(loader, time.Hour, 10)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Get(context.Background(), "s1"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if got := loader.calls.Load(); got != 1 {
		t.Errorf("loads: got %d, want 1", got)
	}
}

func TestProfile_ValidateAndBadgeOrder(t *testing.T) {
	if err := (reputation.Profile{SellerID: "s", Rating: 5.1}).Validate(); !errors.Is(err, reputation.ErrInvalidProfile) {
		t.Errorf("rating above 5 accepted: %v", err)
	}
	if err := (reputation.Profile{SellerID: "s", CompletionRate: 101}).Validate(); !errors.Is(err, reputation.ErrInvalidProfile) {
		t.Errorf("completion above 100 accepted: %v", err)
	}

	p := reputation.Profile{SellerID: "s", Badges: []reputation.Badge{
		{Key: "fast", Priority: 1}, {Key: "pro", Priority: 5}, {Key: "new", Priority: 1},
	}}
	p.SortBadges()
	if p.Badges[0].Key != "pro" || p.Badges[1].Key != "fast" || p.Badges[2].Key != "new" {
		t.Errorf("badge order: got %+v", p.Badges)
	}
}
