package ingestion_test

import (
	"P2PDesk/internal/ingestion"
	"P2PDesk/internal/offer"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func rawFromJSON(t *testing.T, kind ingestion.Kind, subject string, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   subject,
		Kind:      kind,
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
		TermFunc:  func() {},
	}
}

func offerPayload() map[string]interface{} {
	return map[string]interface{}{
		"offer_id":         "o1",
		"seller_id":        "s1",
		"side":             "sell",
		"asset":            "btc",
		"fiat":             "gbp",
		"price_per_unit":   "30000",
		"available_amount": "1.0",
		"min_limit_fiat":   "50",
		"max_limit_fiat":   "5000",
		"payment_methods":  []string{"bank_transfer"},
		"seller_tier":      "Gold",
		"status":           "active",
		"kyc_required":     true,
		"updated_at_us":    int64(1700000000000000),
	}
}

func TestParseOfferUpsert(t *testing.T) {
	raw := rawFromJSON(t, ingestion.KindOfferUpsert, "p2p.offers.upsert.o1", offerPayload())
	msg, err := ingestion.ParseRawEvent(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	up, ok := msg.(*ingestion.OfferUpsert)
	if !ok {
		t.Fatalf("expected *ingestion.OfferUpsert, got %T", msg)
	}
	o := up.Offer
	if o.Side != offer.SideSell {
		t.Errorf("side: got %s, want SELL", o.Side)
	}
	if o.Asset != "BTC" || o.Fiat != "GBP" {
		t.Errorf("codes: got %s/%s, want BTC/GBP", o.Asset, o.Fiat)
	}
	if o.Price.String() != "30000" {
		t.Errorf("price: got %s, want 30000", o.Price)
	}
	if o.SellerTier != offer.TierGold {
		t.Errorf("tier: got %q, want gold", o.SellerTier)
	}
	if !o.KYCRequired {
		t.Error("kyc_required: got false, want true")
	}
	if !o.CreatedAt.Equal(o.UpdatedAt) {
		t.Errorf("created_at should default to updated_at, got %v vs %v", o.CreatedAt, o.UpdatedAt)
	}
	if msg.Kind() != ingestion.KindOfferUpsert {
		t.Errorf("kind: got %v", msg.Kind())
	}
}

func TestParseOfferUpsert_Invalid(t *testing.T) {
	cases := map[string]func(p map[string]interface{}){
		"bad side":          func(p map[string]interface{}) { p["side"] = "hold" },
		"missing timestamp": func(p map[string]interface{}) { delete(p, "updated_at_us") },
		"inverted limits":   func(p map[string]interface{}) { p["min_limit_fiat"] = "6000" },
		"no methods":        func(p map[string]interface{}) { p["payment_methods"] = []string{} },
		"bad price":         func(p map[string]interface{}) { p["price_per_unit"] = "abc" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := offerPayload()
			mutate(p)
			_, err := ingestion.ParseRawEvent(rawFromJSON(t, ingestion.KindOfferUpsert, "p2p.offers.upsert.o1", p))
			if err == nil {
				t.Fatal("expected error")
			}
		})
	}

	p := offerPayload()
	p["min_limit_fiat"] = "6000"
	_, err := ingestion.ParseRawEvent(rawFromJSON(t, ingestion.KindOfferUpsert, "p2p.offers.upsert.o1", p))
	if !errors.Is(err, offer.ErrInvalid) {
		t.Errorf("expected offer.ErrInvalid, got %v", err)
	}
}

func TestParseOfferDelete_IDFromSubject(t *testing.T) {
	raw := ingestion.RawEvent{Subject: "p2p.offers.delete.o42", Kind: ingestion.KindOfferDelete}
	msg, err := ingestion.ParseRawEvent(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	del := msg.(*ingestion.OfferDelete)
	if del.OfferID != "o42" {
		t.Errorf("offer_id: got %s, want o42", del.OfferID)
	}

	_, err = ingestion.ParseRawEvent(ingestion.RawEvent{Subject: "p2p.offers.delete.>", Kind: ingestion.KindOfferDelete})
	if err == nil {
		t.Error("expected error for wildcard subject without payload")
	}
}

func TestParseProfileUpdate(t *testing.T) {
	payload := map[string]interface{}{
		"seller_id":       "s1",
		"rating":          4.8,
		"total_trades":    320,
		"completion_rate": 97.5,
		"verified":        true,
		"badges": []map[string]interface{}{
			{"key": "fast", "label": "Fast releaser", "priority": 2},
		},
	}
	msg, err := ingestion.ParseRawEvent(rawFromJSON(t, ingestion.KindProfileUpdate, "p2p.reputation.profile.s1", payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	p := msg.(*ingestion.ProfileUpdate).Profile
	if p.SellerID != "s1" || p.TotalTrades != 320 || len(p.Badges) != 1 {
		t.Errorf("unexpected profile: %+v", p)
	}

	payload["rating"] = 7.0
	if _, err := ingestion.ParseRawEvent(rawFromJSON(t, ingestion.KindProfileUpdate, "p2p.reputation.profile.s1", payload)); err == nil {
		t.Error("expected error for rating above 5")
	}
}

func TestParseProfileInvalidate(t *testing.T) {
	msg, err := ingestion.ParseRawEvent(ingestion.RawEvent{Subject: "p2p.reputation.invalidate.s9", Kind: ingestion.KindProfileInvalidate})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got := msg.(*ingestion.ProfileInvalidate).SellerID; got != "s9" {
		t.Errorf("seller_id: got %s, want s9", got)
	}
}

func TestParseRawEvent_UnknownKind(t *testing.T) {
	if _, err := ingestion.ParseRawEvent(ingestion.RawEvent{Kind: "Bogus"}); err == nil {
		t.Error("expected error for unknown kind")
	}
}
