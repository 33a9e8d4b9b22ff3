package ingestion

import (
	"P2PDesk/internal/offer"
	"P2PDesk/internal/reputation"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Message is a decoded inbound message.
type Message interface {
	Kind() Kind
}

type OfferUpsert struct {
	Offer offer.Offer
}

func (OfferUpsert) Kind() Kind { return KindOfferUpsert }

type OfferDelete struct {
	OfferID  string
	SellerID string
	At       time.Time
}

func (OfferDelete) Kind() Kind { return KindOfferDelete }

type ProfileUpdate struct {
	Profile reputation.Profile
}

func (ProfileUpdate) Kind() Kind { return KindProfileUpdate }

type ProfileInvalidate struct {
	SellerID string
}

func (ProfileInvalidate) Kind() Kind { return KindProfileInvalidate }

// ParseRawEvent decodes raw according to its Kind. An error means the
// payload can never be applied and should not be redelivered.
func ParseRawEvent(raw RawEvent) (Message, error) {
	switch raw.Kind {
	case KindOfferUpsert:
		return parseOfferUpsert(raw.Data)
	case KindOfferDelete:
		return parseOfferDelete(raw.Data, raw.Subject)
	case KindProfileUpdate:
		return parseProfileUpdate(raw.Data)
	case KindProfileInvalidate:
		return parseProfileInvalidate(raw.Data, raw.Subject)
	default:
		return nil, fmt.Errorf("unknown message kind: %q", raw.Kind)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Money fields
// accept JSON strings or numbers; strings are preferred to keep precision.

type offerJSON struct {
	OfferID         string          `json:"offer_id"`
	SellerID        string          `json:"seller_id"`
	Side            string          `json:"side"`
	Asset           string          `json:"asset"`
	Fiat            string          `json:"fiat"`
	PricePerUnit    decimal.Decimal `json:"price_per_unit"`
	AvailableAmount decimal.Decimal `json:"available_amount"`
	MinLimitFiat    decimal.Decimal `json:"min_limit_fiat"`
	MaxLimitFiat    decimal.Decimal `json:"max_limit_fiat"`
	PaymentMethods  []string        `json:"payment_methods"`
	SellerTier      string          `json:"seller_tier"`
	IsBoosted       bool            `json:"is_boosted"`
	BoostedUntilUs  int64           `json:"boosted_until_us"`
	Status          string          `json:"status"`
	Region          string          `json:"region"`
	KYCRequired     bool            `json:"kyc_required"`
	CreatedAtUs     int64           `json:"created_at_us"`
	UpdatedAtUs     int64           `json:"updated_at_us"`
}

func parseOfferUpsert(data []byte) (*OfferUpsert, error) {
	var j offerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OfferUpsert: %w", err)
	}

	side, err := offer.ParseSide(j.Side)
	if err != nil {
		return nil, fmt.Errorf("parse side: %w", err)
	}
	if j.UpdatedAtUs <= 0 {
		return nil, fmt.Errorf("parse OfferUpsert: updated_at_us is required")
	}

	status := offer.Status(strings.ToLower(j.Status))
	if status == "" {
		status = offer.StatusActive
	}

	o := offer.Offer{
		ID:             j.OfferID,
		SellerID:       j.SellerID,
		Side:           side,
		Asset:          strings.ToUpper(j.Asset),
		Fiat:           strings.ToUpper(j.Fiat),
		Price:          j.PricePerUnit,
		Available:      j.AvailableAmount,
		MinLimitFiat:   j.MinLimitFiat,
		MaxLimitFiat:   j.MaxLimitFiat,
		PaymentMethods: j.PaymentMethods,
		SellerTier:     offer.Tier(strings.ToLower(j.SellerTier)),
		IsBoosted:      j.IsBoosted,
		Status:         status,
		Region:         j.Region,
		KYCRequired:    j.KYCRequired,
		UpdatedAt:      time.UnixMicro(j.UpdatedAtUs).UTC(),
	}
	if j.BoostedUntilUs > 0 {
		until := time.UnixMicro(j.BoostedUntilUs).UTC()
		o.BoostedUntil = &until
	}
	if j.CreatedAtUs > 0 {
		o.CreatedAt = time.UnixMicro(j.CreatedAtUs).UTC()
	} else {
		o.CreatedAt = o.UpdatedAt
	}

	if err := o.Validate(); err != nil {
		return nil, err
	}
	return &OfferUpsert{Offer: o}, nil
}

type offerDeleteJSON struct {
	OfferID     string `json:"offer_id"`
	SellerID    string `json:"seller_id"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseOfferDelete(data []byte, subject string) (*OfferDelete, error) {
	var j offerDeleteJSON
	if len(data) > 0 {
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("parse OfferDelete: %w", err)
		}
	}
	if j.OfferID == "" {
		j.OfferID = lastToken(subject)
	}
	if j.OfferID == "" {
		return nil, fmt.Errorf("parse OfferDelete: offer_id is required")
	}
	d := &OfferDelete{OfferID: j.OfferID, SellerID: j.SellerID}
	if j.TimestampUs > 0 {
		d.At = time.UnixMicro(j.TimestampUs).UTC()
	}
	return d, nil
}

type profileJSON struct {
	SellerID       string             `json:"seller_id"`
	Rating         float64            `json:"rating"`
	TotalTrades    int                `json:"total_trades"`
	CompletionRate float64            `json:"completion_rate"`
	Verified       bool               `json:"verified"`
	Badges         []reputation.Badge `json:"badges"`
}

func parseProfileUpdate(data []byte) (*ProfileUpdate, error) {
	var j profileJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ProfileUpdate: %w", err)
	}
	p := reputation.Profile{
		SellerID:       j.SellerID,
		Rating:         j.Rating,
		TotalTrades:    j.TotalTrades,
		CompletionRate: j.CompletionRate,
		Verified:       j.Verified,
		Badges:         j.Badges,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &ProfileUpdate{Profile: p}, nil
}

func parseProfileInvalidate(data []byte, subject string) (*ProfileInvalidate, error) {
	var j struct {
		SellerID string `json:"seller_id"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("parse ProfileInvalidate: %w", err)
		}
	}
	if j.SellerID == "" {
		j.SellerID = lastToken(subject)
	}
	if j.SellerID == "" {
		return nil, fmt.Errorf("parse ProfileInvalidate: seller_id is required")
	}
	return &ProfileInvalidate{SellerID: j.SellerID}, nil
}

// lastToken returns the final dot-separated token of a subject, or "" for
// a wildcard or empty subject.
func lastToken(subject string) string {
	i := strings.LastIndexByte(subject, '.')
	tok := subject[i+1:]
	if tok == ">" || tok == "*" || i < 0 {
		return ""
	}
	return tok
}
