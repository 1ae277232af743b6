// Package display converts persisted market records into the view models
// the Predik front end renders, and derives the legacy numeric display id
// from the backend's canonical market key.
package display

import (
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/predik/market-gateway/internal/model"
)

// displayIDRange bounds hash-derived display ids. Display ids exist only
// for legacy routes and list keys; mutations always use the canonical id.
const displayIDRange = 1000

// Outcome labels for binary markets. Multiple-choice markets use the
// option record id as the outcome.
const (
	OutcomeYes = "yes"
	OutcomeNo  = "no"
)

var half = decimal.NewFromFloat(0.5)

// Option is one multiple-choice outcome as displayed.
type Option struct {
	ID     string          `json:"id"`
	Text   string          `json:"text"`
	Price  decimal.Decimal `json:"price"`
	Color  string          `json:"color"`
	Shares decimal.Decimal `json:"shares"`
}

// Market is the in-memory view model: a tagged union over binary and
// multiple-choice variants, selected by Kind. It carries both the derived
// numeric id (routing/display only) and the canonical id (all mutations).
type Market struct {
	ID           int             `json:"id"`
	CanonicalID  string          `json:"uuid"`
	Title        string          `json:"title"`
	Category     string          `json:"category"`
	Description  string          `json:"description"`
	Volume       decimal.Decimal `json:"volume"`
	Participants int             `json:"participants"`
	EndDate      time.Time       `json:"endDate"`
	CreatedAt    time.Time       `json:"createdAt"`
	Status       model.Status    `json:"status"`
	Kind         model.Kind      `json:"type"`

	// Binary variant.
	YesPrice decimal.Decimal `json:"yesPrice,omitempty"`
	NoPrice  decimal.Decimal `json:"noPrice,omitempty"`

	// Multiple-choice variant, in source order.
	Options []Option `json:"options,omitempty"`
}

// DisplayID derives the legacy numeric id from a canonical market key.
//
// Keys of the form "market-<N>" map to N, and all-digit keys parse
// directly. Anything else (UUIDs, arbitrary strings) hashes to a stable
// integer in [0, 1000) — stable so the same market keeps the same route
// across renders. Callers must never use the result for mutations.
func DisplayID(canonical string) int {
	parts := strings.Split(canonical, "-")
	if len(parts) >= 2 && parts[0] == "market" {
		if n, err := strconv.Atoi(parts[1]); err == nil && n >= 0 {
			return n
		}
		return hashID(canonical)
	}
	if isDigits(canonical) {
		if n, err := strconv.Atoi(canonical); err == nil {
			return n
		}
	}
	return hashID(canonical)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func hashID(s string) int {
	h := fnv.New32a()
	h.Write([]byte(s))
	return int(h.Sum32() % displayIDRange)
}

// Convert builds a display market from a persisted record. It never fails:
// a binary record without a pool defaults both prices to 0.5, a multiple
// record without options yields an empty option list, and a missing
// created date falls back to the conversion time. Degrading rather than
// erroring keeps one malformed row from sinking a whole listing.
func Convert(rec model.MarketRecord) Market {
	m := Market{
		ID:           DisplayID(rec.ID),
		CanonicalID:  rec.ID,
		Title:        rec.Title,
		Category:     rec.Category,
		Description:  rec.Description,
		Volume:       rec.TotalVolume,
		Participants: rec.ParticipantCount,
		EndDate:      rec.EndDate,
		CreatedAt:    rec.CreatedAt,
		Status:       rec.Status,
		Kind:         rec.Kind,
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	if rec.Kind == model.KindMultiple {
		m.Options = make([]Option, 0, len(rec.Options))
		for _, opt := range rec.Options {
			m.Options = append(m.Options, Option{
				ID:     opt.ID,
				Text:   opt.Label,
				Price:  opt.CurrentPrice,
				Color:  opt.Color,
				Shares: opt.ShareCount,
			})
		}
		return m
	}

	// Binary (also the fallback for unknown kinds).
	m.Kind = model.KindBinary
	if rec.Pool != nil {
		m.YesPrice = rec.Pool.YesPrice
		m.NoPrice = rec.Pool.NoPrice
	} else {
		m.YesPrice = half
		m.NoPrice = half
	}
	return m
}

// ConvertAll converts a list of records, preserving order.
func ConvertAll(recs []model.MarketRecord) []Market {
	markets := make([]Market, 0, len(recs))
	for _, rec := range recs {
		markets = append(markets, Convert(rec))
	}
	return markets
}

// OutcomePrice returns the current price of an outcome: "yes"/"no" for
// binary markets, an option id for multiple-choice ones. The second
// return is false when the outcome does not exist on this market.
func (m Market) OutcomePrice(outcome string) (decimal.Decimal, bool) {
	if m.Kind == model.KindBinary {
		switch outcome {
		case OutcomeYes:
			return m.YesPrice, true
		case OutcomeNo:
			return m.NoPrice, true
		}
		return decimal.Zero, false
	}
	for _, opt := range m.Options {
		if opt.ID == outcome {
			return opt.Price, true
		}
	}
	return decimal.Zero, false
}

// OutcomeLabel returns the human-readable label for an outcome.
func (m Market) OutcomeLabel(outcome string) string {
	if m.Kind == model.KindBinary {
		return outcome
	}
	for _, opt := range m.Options {
		if opt.ID == outcome {
			return opt.Text
		}
	}
	return outcome
}
