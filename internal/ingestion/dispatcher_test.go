package ingestion_test

import (
	"P2PDesk/internal/event"
	"P2PDesk/internal/ingestion"
	"P2PDesk/internal/offer"
	"P2PDesk/internal/reputation"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type settled struct {
	acks, naks, terms int
}

func (s *settled) wire(raw ingestion.RawEvent) ingestion.RawEvent {
	raw.AckFunc = func() { s.acks++ }
	raw.NakFunc = func() { s.naks++ }
	raw.TermFunc = func() { s.terms++ }
	return raw
}

type recordingInvalidator struct {
	ids []string
}

func (r *recordingInvalidator) Invalidate(id string) { r.ids = append(r.ids, id) }

func newDispatcher(t *testing.T) (*ingestion.Dispatcher, *offer.MemoryStore, *reputation.MemoryLoader, *recordingInvalidator) {
	t.Helper()
	offers := offer.NewMemoryStore()
	profiles := reputation.NewMemoryLoader()
	inv := &recordingInvalidator{}
	return ingestion.NewDispatcher(offers, profiles, inv, zerolog.Nop(), nil), offers, profiles, inv
}

func TestDispatcher_OfferUpsertAndStaleSkip(t *testing.T) {
	d, offers, _, _ := newDispatcher(t)
	ctx := context.Background()
	var s settled

	d.Handle(ctx, s.wire(rawFromJSON(t, ingestion.KindOfferUpsert, "p2p.offers.upsert.o1", offerPayload())))
	if s.acks != 1 {
		t.Fatalf("acks: got %d, want 1", s.acks)
	}
	o, err := offers.Get(ctx, "o1")
	if err != nil {
		t.Fatalf("offer not stored: %v", err)
	}
	created := o.CreatedAt

	newer := offerPayload()
	newer["price_per_unit"] = "31000"
	newer["updated_at_us"] = int64(1700000000000000 + 60_000_000)
	d.Handle(ctx, s.wire(rawFromJSON(t, ingestion.KindOfferUpsert, "p2p.offers.upsert.o1", newer)))

	older := offerPayload()
	older["price_per_unit"] = "29000"
	older["updated_at_us"] = int64(1700000000000000 + 30_000_000)
	d.Handle(ctx, s.wire(rawFromJSON(t, ingestion.KindOfferUpsert, "p2p.offers.upsert.o1", older)))

	if s.acks != 3 {
		t.Fatalf("acks: got %d, want 3", s.acks)
	}
	o, _ = offers.Get(ctx, "o1")
	if !o.Price.Equal(decimal.NewFromInt(31000)) {
		t.Errorf("price: got %s, want 31000 (stale update must be skipped)", o.Price)
	}
	if !o.CreatedAt.Equal(created) {
		t.Errorf("created_at changed: %v -> %v", created, o.CreatedAt)
	}
}

func TestDispatcher_MalformedIsTerminated(t *testing.T) {
	d, _, _, _ := newDispatcher(t)
	var s settled
	d.Handle(context.Background(), s.wire(ingestion.RawEvent{
		Subject: "p2p.offers.upsert.o1",
		Kind:    ingestion.KindOfferUpsert,
		Data:    []byte("{not json"),
	}))
	if s.terms != 1 || s.acks != 0 || s.naks != 0 {
		t.Errorf("settlement: %+v, want one term", s)
	}
}

func TestDispatcher_OfferDeleteIsIdempotent(t *testing.T) {
	d, offers, _, _ := newDispatcher(t)
	ctx := context.Background()
	var s settled

	d.Handle(ctx, s.wire(rawFromJSON(t, ingestion.KindOfferUpsert, "p2p.offers.upsert.o1", offerPayload())))
	for i := 0; i < 2; i++ {
		d.Handle(ctx, s.wire(ingestion.RawEvent{Subject: "p2p.offers.delete.o1", Kind: ingestion.KindOfferDelete}))
	}
	if s.acks != 3 {
		t.Errorf("acks: got %d, want 3", s.acks)
	}
	if _, err := offers.Get(ctx, "o1"); !errors.Is(err, offer.ErrNotFound) {
		t.Errorf("expected offer removed, got %v", err)
	}
}

func TestDispatcher_ProfileUpdateInvalidatesCache(t *testing.T) {
	d, _, profiles, inv := newDispatcher(t)
	ctx := context.Background()
	var s settled

	payload := map[string]interface{}{"seller_id": "s1", "rating": 4.5, "completion_rate": 90}
	d.Handle(ctx, s.wire(rawFromJSON(t, ingestion.KindProfileUpdate, "p2p.reputation.profile.s1", payload)))
	d.Handle(ctx, s.wire(ingestion.RawEvent{Subject: "p2p.reputation.invalidate.s2", Kind: ingestion.KindProfileInvalidate}))

	if s.acks != 2 {
		t.Fatalf("acks: got %d, want 2", s.acks)
	}
	p, err := profiles.LoadProfile(ctx, "s1")
	if err != nil {
		t.Fatalf("profile not stored: %v", err)
	}
	if p.Rating != 4.5 {
		t.Errorf("rating: got %v, want 4.5", p.Rating)
	}
	if len(inv.ids) != 2 || inv.ids[0] != "s1" || inv.ids[1] != "s2" {
		t.Errorf("invalidations: got %v, want [s1 s2]", inv.ids)
	}
}

type failingOffers struct {
	offer.Store
}

func (failingOffers) Get(context.Context, string) (offer.Offer, error) {
	return offer.Offer{}, errors.New("connection refused")
}

func TestDispatcher_StoreFailureIsRedelivered(t *testing.T) {
	d := ingestion.NewDispatcher(failingOffers{}, reputation.NewMemoryLoader(), &recordingInvalidator{}, zerolog.Nop(), nil)
	var s settled
	d.Handle(context.Background(), s.wire(rawFromJSON(t, ingestion.KindOfferUpsert, "p2p.offers.upsert.o1", offerPayload())))
	if s.naks != 1 {
		t.Errorf("naks: got %d, want 1", s.naks)
	}
}

func TestDispatcher_RunDrainsUntilClosed(t *testing.T) {
	d, offers, _, _ := newDispatcher(t)
	ch := make(chan ingestion.RawEvent, 1)
	ch <- rawFromJSON(t, ingestion.KindOfferUpsert, "p2p.offers.upsert.o1", offerPayload())
	close(ch)

	if err := d.Run(context.Background(), ch); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := offers.Get(context.Background(), "o1"); err != nil {
		t.Errorf("offer not applied: %v", err)
	}
}

// ============================================================================
// Outbound publisher
// ============================================================================

type fakeJetStream struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakeJetStream) Publish(_ context.Context, subject string, payload []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, payload)
	return &jetstream.PubAck{Stream: ingestion.StreamTradeEvents}, nil
}

func TestOutboundPublisher_PublishesEnvelopes(t *testing.T) {
	js := &fakeJetStream{}
	ch := make(chan event.TradeEvent, 2)
	pub := ingestion.NewOutboundPublisher(js, ch, zerolog.Nop(), nil)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ch <- event.TradeEvent{Type: event.EventTypeTradeCreated, TradeID: "t1", Status: "pending_payment", OccurredAt: at}
	ch <- event.TradeEvent{Type: event.EventTypeTradeMarkedPaid, TradeID: "t1", Status: "buyer_marked_paid", OccurredAt: at}
	close(ch)

	if err := pub.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{"p2p.trades.events.created", "p2p.trades.events.marked_paid"}
	if len(js.subjects) != 2 || js.subjects[0] != want[0] || js.subjects[1] != want[1] {
		t.Fatalf("subjects: got %v, want %v", js.subjects, want)
	}

	var env event.Envelope
	if err := json.Unmarshal(js.payloads[0], &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.IdempotencyKey != "t1:pending_payment" {
		t.Errorf("idempotency key: got %s", env.IdempotencyKey)
	}
	if env.EventType != event.EventTypeTradeCreated {
		t.Errorf("event type: got %s", env.EventType)
	}
}

func TestOutboundPublisher_FailureIsNotFatal(t *testing.T) {
	js := &fakeJetStream{err: errors.New("nats: timeout")}
	ch := make(chan event.TradeEvent, 1)
	ch <- event.TradeEvent{Type: event.EventTypeTradeReleased, TradeID: "t1", Status: "released"}
	close(ch)

	if err := ingestion.NewOutboundPublisher(js, ch, zerolog.Nop(), nil).Run(context.Background()); err != nil {
		t.Fatalf("run should survive publish failures, got %v", err)
	}
}

func TestSink_DropsWhenFull(t *testing.T) {
	ch := make(chan event.TradeEvent, 1)
	sink := ingestion.Sink(ch, nil)
	sink.Emit(event.TradeEvent{TradeID: "t1"})
	sink.Emit(event.TradeEvent{TradeID: "t2"})
	if len(ch) != 1 {
		t.Errorf("channel length: got %d, want 1", len(ch))
	}
}
