package core

import (
	"P2PDesk/internal/apperr"
	"P2PDesk/internal/observability"
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Scope namespaces idempotency keys per operation.
type Scope string

const (
	ScopeMatch       Scope = "match"
	ScopeTradeCreate Scope = "trade.create"
)

type RecordStatus string

const (
	RecordPending   RecordStatus = "pending"
	RecordCompleted RecordStatus = "completed"
)

// Record is the stored outcome of one idempotent operation.
type Record struct {
	Scope       Scope
	Key         string
	Fingerprint string
	Status      RecordStatus
	ResultID    string
	Payload     []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time

	// Replayed is set on records served from a previous execution.
	Replayed bool
}

func (r Record) compositeKey() string {
	return compositeKey(r.Scope, r.Key)
}

func compositeKey(scope Scope, key string) string {
	return fmt.Sprintf("%s:%s", scope, key)
}

// ErrClaimHeld is returned by IdempotencyStore.Complete and Release when the
// pending claim no longer exists.
var ErrClaimHeld = errors.New("idempotency claim not held")

// IdempotencyStore is the durable tier.
type IdempotencyStore interface {
	// Claim inserts rec as pending unless an unexpired record already exists
	// for its scope and key, in which case that record is returned with
	// claimed=false.
	Claim(ctx context.Context, rec Record) (existing Record, claimed bool, err error)

	// Complete stores the result on a pending claim.
	Complete(ctx context.Context, rec Record) error

	// Release drops a pending claim so the key can be retried.
	Release(ctx context.Context, scope Scope, key string) error

	// Purge deletes records that expired before the given time.
	Purge(ctx context.Context, before time.Time) (int64, error)

	// Recent returns completed records created at or after since, newest
	// first, for warming the LRU on start.
	Recent(ctx context.Context, since time.Time, limit int) ([]Record, error)
}

// Operation runs the guarded work and returns the id of what it produced
// plus a payload to replay to duplicates.
type Operation func(ctx context.Context) (resultID string, payload []byte, err error)

// Fingerprint hashes the canonical JSON form of a request. Two requests
// with the same key must carry the same fingerprint.
func Fingerprint(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// IdempotencyGuard implements two-tier deduplication: completed records are
// served from an in-memory LRU, then from the durable store. In-process
// duplicates that arrive while the first call is running are coalesced.
type IdempotencyGuard struct {
	lru       *IdempotencyLRU
	store     IdempotencyStore
	group     singleflight.Group
	retention time.Duration
	lease     time.Duration
	timeout   time.Duration

	// completeAttempts bounds how often a finished result is written back.
	completeAttempts int
	completeBackoff  time.Duration
	sleep            func(ctx context.Context, d time.Duration) error

	now     func() time.Time
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewIdempotencyGuard(
	store IdempotencyStore,
	capacity int,
	retention time.Duration,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *IdempotencyGuard {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &IdempotencyGuard{
		lru:       NewIdempotencyLRU(capacity),
		store:     store,
		retention: retention,
		lease:     time.Minute,
		timeout:   2 * time.Second,

		completeAttempts: 4,
		completeBackoff:  100 * time.Millisecond,
		sleep:            sleepCtx,

		now:     time.Now,
		logger:  logger,
		metrics: metrics,
	}
}

// SetClock overrides time.Now, for tests.
func (g *IdempotencyGuard) SetClock(now func() time.Time) {
	g.now = now
}

// SetCompleteRetry overrides the write-back retry policy.
func (g *IdempotencyGuard) SetCompleteRetry(attempts int, backoff time.Duration) {
	if attempts > 0 {
		g.completeAttempts = attempts
	}
	g.completeBackoff = backoff
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute runs op at most once per (scope, key) within the retention window.
// A repeat with the same fingerprint replays the stored record; a repeat
// with a different fingerprint is IDEMPOTENCY_KEY_REUSED. A failed op
// leaves nothing behind so the client may retry with the same key.
func (g *IdempotencyGuard) Execute(ctx context.Context, scope Scope, key, fingerprint string, op Operation) (Record, error) {
	if key == "" {
		return Record{}, apperr.New(apperr.CodeInvalidRequest, "idempotency key is required")
	}
	composite := compositeKey(scope, key)

	// Tier 1: LRU (hot path)
	if rec, ok := g.lru.Get(composite, g.now()); ok {
		return g.replay(rec, fingerprint, "lru")
	}

	v, err, _ := g.group.Do(composite+"\x00"+fingerprint, func() (any, error) {
		return g.execute(ctx, scope, key, fingerprint, op)
	})
	if err != nil {
		return Record{}, err
	}
	return v.(Record), nil
}

func (g *IdempotencyGuard) execute(ctx context.Context, scope Scope, key, fingerprint string, op Operation) (Record, error) {
	now := g.now()
	if rec, ok := g.lru.Get(compositeKey(scope, key), now); ok {
		return g.replay(rec, fingerprint, "lru")
	}

	// Tier 2: durable claim (cold path). A pending claim only lives for the
	// lease, so a process that dies mid-operation does not block the key.
	claim := Record{
		Scope:       scope,
		Key:         key,
		Fingerprint: fingerprint,
		Status:      RecordPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.lease),
	}
	start := time.Now()
	claimCtx, cancel := context.WithTimeout(ctx, g.timeout)
	existing, claimed, err := g.store.Claim(claimCtx, claim)
	cancel()
	if g.metrics != nil {
		g.metrics.DedupTier2Duration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		// Exactly-once cannot be promised without the durable tier.
		g.record(scope, "store_error")
		g.logger.Error().Err(err).Str("scope", string(scope)).Str("key", key).Msg("idempotency claim failed")
		var aerr *apperr.Error
		if errors.As(err, &aerr) {
			return Record{}, aerr
		}
		return Record{}, apperr.Wrap(apperr.CodeStoreUnavailable, "idempotency store unavailable", err)
	}

	if !claimed {
		if existing.Status == RecordPending {
			if existing.Fingerprint != fingerprint {
				g.record(scope, "key_reused")
				return Record{}, apperr.New(apperr.CodeIdempotencyKeyReused, "idempotency key was used for a different request")
			}
			g.record(scope, "in_progress")
			return Record{}, apperr.New(apperr.CodeIdempotencyPending, "a request with this idempotency key is still running")
		}
		g.addToLRU(existing)
		return g.replay(existing, fingerprint, "store")
	}

	resultID, payload, opErr := op(ctx)
	if opErr != nil {
		// Release even if the caller went away; a stuck claim would block
		// retries until the lease expires.
		relCtx, relCancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		if err := g.store.Release(relCtx, scope, key); err != nil {
			g.logger.Error().Err(err).Str("scope", string(scope)).Str("key", key).Msg("idempotency release failed")
		}
		relCancel()
		g.record(scope, "failed")
		return Record{}, opErr
	}

	done := claim
	done.Status = RecordCompleted
	done.ResultID = resultID
	done.Payload = payload
	done.ExpiresAt = g.now().Add(g.retention)
	if err := g.complete(context.WithoutCancel(ctx), done); err != nil {
		// The operation already happened. The LRU still dedups in-process;
		// other processes see a pending claim until the lease runs out.
		g.record(scope, "complete_failed")
		g.logger.Error().Err(err).Str("scope", string(scope)).Str("key", key).Msg("idempotency complete failed")
	}

	g.addToLRU(done)
	g.record(scope, "executed")
	return done, nil
}

// complete writes the result back, retrying with doubling backoff. A lost
// claim is not retried.
func (g *IdempotencyGuard) complete(ctx context.Context, done Record) error {
	backoff := g.completeBackoff
	var err error
	for attempt := 0; attempt < g.completeAttempts; attempt++ {
		if attempt > 0 {
			g.logger.Warn().
				Err(err).
				Str("scope", string(done.Scope)).
				Str("key", done.Key).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("idempotency complete retry")
			if serr := g.sleep(ctx, backoff); serr != nil {
				return err
			}
			backoff *= 2
		}
		compCtx, cancel := context.WithTimeout(ctx, g.timeout)
		err = g.store.Complete(compCtx, done)
		cancel()
		if err == nil || errors.Is(err, ErrClaimHeld) {
			return err
		}
	}
	return err
}

func (g *IdempotencyGuard) replay(rec Record, fingerprint, tier string) (Record, error) {
	if rec.Fingerprint != fingerprint {
		g.record(rec.Scope, "key_reused")
		return Record{}, apperr.New(apperr.CodeIdempotencyKeyReused, "idempotency key was used for a different request")
	}
	g.record(rec.Scope, "replayed_"+tier)
	rec.Replayed = true
	return rec, nil
}

// Purge deletes expired records from both tiers.
func (g *IdempotencyGuard) Purge(ctx context.Context) (int64, error) {
	now := g.now()
	g.lru.DropExpired(now)
	n, err := g.store.Purge(ctx, now)
	if err != nil {
		return 0, err
	}
	if g.metrics != nil {
		g.metrics.IdempotencyPurged.Add(float64(n))
	}
	g.updateLRUMetrics()
	return n, nil
}

// RunPurge purges on every tick. Blocks until ctx is cancelled.
func (g *IdempotencyGuard) RunPurge(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := g.Purge(ctx)
			if err != nil {
				g.logger.Error().Err(err).Msg("idempotency purge failed")
				continue
			}
			if n > 0 {
				g.logger.Info().Int64("purged", n).Msg("idempotency records purged")
			}
		}
	}
}

// Warm loads recently completed records into the LRU so a restart does not
// send every retry to the durable tier.
func (g *IdempotencyGuard) Warm(ctx context.Context) (int, error) {
	recs, err := g.store.Recent(ctx, g.now().Add(-g.retention), g.lru.Capacity())
	if err != nil {
		return 0, err
	}
	g.lru.Warm(recs)
	g.updateLRUMetrics()
	return len(recs), nil
}

func (g *IdempotencyGuard) record(scope Scope, outcome string) {
	if g.metrics != nil {
		g.metrics.IdempotencyOutcomes.WithLabelValues(string(scope), outcome).Inc()
	}
}

func (g *IdempotencyGuard) addToLRU(rec Record) {
	before := g.lru.Evictions()
	g.lru.Add(rec)
	if g.metrics != nil {
		if n := g.lru.Evictions() - before; n > 0 {
			g.metrics.DedupLRUEvictions.Add(float64(n))
		}
	}
	g.updateLRUMetrics()
}

func (g *IdempotencyGuard) updateLRUMetrics() {
	if g.metrics != nil {
		g.metrics.DedupLRUSize.Set(float64(g.lru.Size()))
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU of completed records, safe for concurrent use.
type IdempotencyLRU struct {
	mu       sync.Mutex
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 100_000
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

// Get returns an unexpired record and promotes it.
func (lru *IdempotencyLRU) Get(key string, now time.Time) (Record, bool) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	elem, exists := lru.cache[key]
	if !exists {
		return Record{}, false
	}
	rec := elem.Value.(Record)
	if !now.Before(rec.ExpiresAt) {
		lru.lruList.Remove(elem)
		delete(lru.cache, key)
		return Record{}, false
	}
	lru.lruList.MoveToFront(elem)
	return rec, true
}

// Add inserts or replaces a record.
func (lru *IdempotencyLRU) Add(rec Record) {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	lru.add(rec)
}

func (lru *IdempotencyLRU) add(rec Record) {
	key := rec.compositeKey()
	if elem, exists := lru.cache[key]; exists {
		elem.Value = rec
		lru.lruList.MoveToFront(elem)
		return
	}
	lru.cache[key] = lru.lruList.PushFront(rec)
	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(Record).compositeKey())
		lru.evictions++
	}
}

// Warm loads records oldest first so the newest end up most recently used.
func (lru *IdempotencyLRU) Warm(recs []Record) {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Status == RecordCompleted {
			lru.add(recs[i])
		}
	}
}

// DropExpired removes records whose retention has passed.
func (lru *IdempotencyLRU) DropExpired(now time.Time) int {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	n := 0
	for key, elem := range lru.cache {
		if !now.Before(elem.Value.(Record).ExpiresAt) {
			lru.lruList.Remove(elem)
			delete(lru.cache, key)
			n++
		}
	}
	return n
}

func (lru *IdempotencyLRU) Size() int {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.lruList.Len()
}

func (lru *IdempotencyLRU) Capacity() int {
	return lru.capacity
}

func (lru *IdempotencyLRU) Evictions() int64 {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.evictions
}
