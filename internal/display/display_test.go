package display_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/predik/market-gateway/internal/display"
	"github.com/predik/market-gateway/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestDisplayID_MarketPrefix(t *testing.T) {
	assert.Equal(t, 42, display.DisplayID("market-42"))
	assert.Equal(t, 1, display.DisplayID("market-1"))
	assert.Equal(t, 7, display.DisplayID("market-7-extra"))
}

func TestDisplayID_PureNumeric(t *testing.T) {
	assert.Equal(t, 123, display.DisplayID("123"))
	assert.Equal(t, 0, display.DisplayID("0"))
}

func TestDisplayID_FallbackIsStable(t *testing.T) {
	ids := []string{
		"market-abc", // prefix matches but the suffix does not parse
		"550e8400-e29b-41d4-a716-446655440000",
		"some-opaque-key",
		"",
	}
	for _, id := range ids {
		first := display.DisplayID(id)
		assert.GreaterOrEqual(t, first, 0, "id %q", id)
		assert.Less(t, first, 1000, "id %q", id)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, display.DisplayID(id), "id %q must be stable", id)
		}
	}
}

func TestDisplayID_DistinctKeysKeepDistinctRoutes(t *testing.T) {
	// Not a collision guarantee, just a sanity check that the hash is not
	// degenerate for typical UUID inputs.
	a := display.DisplayID("550e8400-e29b-41d4-a716-446655440000")
	b := display.DisplayID("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	assert.NotEqual(t, a, b)
}

func TestConvert_BinaryWithPool(t *testing.T) {
	rec := model.MarketRecord{
		ID:               "market-42",
		Title:            "¿Ganará el candidato X?",
		Description:      "Elecciones 2026",
		Category:         "Política",
		Kind:             model.KindBinary,
		Status:           model.StatusActive,
		EndDate:          time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC),
		CreatedAt:        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		TotalVolume:      d(1500),
		ParticipantCount: 37,
		Pool:             &model.BinaryPool{YesPrice: d(0.62), NoPrice: d(0.38)},
	}

	m := display.Convert(rec)

	assert.Equal(t, 42, m.ID)
	assert.Equal(t, "market-42", m.CanonicalID, "canonical id must pass through verbatim")
	assert.Equal(t, model.KindBinary, m.Kind)
	assert.True(t, m.YesPrice.Equal(d(0.62)))
	assert.True(t, m.NoPrice.Equal(d(0.38)))
	assert.Equal(t, rec.CreatedAt, m.CreatedAt)
	assert.Equal(t, 37, m.Participants)
}

func TestConvert_BinaryWithoutPoolDefaultsToHalf(t *testing.T) {
	rec := model.MarketRecord{
		ID:     "550e8400-e29b-41d4-a716-446655440000",
		Title:  "Sin pool",
		Kind:   model.KindBinary,
		Status: model.StatusActive,
	}

	m := display.Convert(rec)

	assert.True(t, m.YesPrice.Equal(d(0.5)), "yes price defaults to 0.5, got %s", m.YesPrice)
	assert.True(t, m.NoPrice.Equal(d(0.5)), "no price defaults to 0.5, got %s", m.NoPrice)
}

func TestConvert_MissingCreatedAtDefaultsToNow(t *testing.T) {
	before := time.Now().UTC()
	m := display.Convert(model.MarketRecord{ID: "market-1", Kind: model.KindBinary})
	after := time.Now().UTC()

	assert.False(t, m.CreatedAt.Before(before))
	assert.False(t, m.CreatedAt.After(after))
}

func TestConvert_MultiplePreservesOptionOrderAndPrices(t *testing.T) {
	rec := model.MarketRecord{
		ID:     "market-9",
		Kind:   model.KindMultiple,
		Status: model.StatusActive,
		Options: []model.OptionRecord{
			{ID: "a", Label: "Opción A", CurrentPrice: d(0.3), Color: "#ff0000"},
			{ID: "b", Label: "Opción B", CurrentPrice: d(0.7), Color: "#00ff00"},
		},
	}

	m := display.Convert(rec)

	require.Len(t, m.Options, 2)
	assert.Equal(t, "a", m.Options[0].ID)
	assert.Equal(t, "Opción A", m.Options[0].Text)
	assert.True(t, m.Options[0].Price.Equal(d(0.3)))
	assert.Equal(t, "b", m.Options[1].ID)
	assert.True(t, m.Options[1].Price.Equal(d(0.7)))
	assert.Equal(t, "#00ff00", m.Options[1].Color)
}

func TestConvert_MultipleWithoutOptionsYieldsEmptyList(t *testing.T) {
	m := display.Convert(model.MarketRecord{ID: "market-3", Kind: model.KindMultiple})
	assert.NotNil(t, m.Options)
	assert.Empty(t, m.Options)
}

func TestOutcomePrice(t *testing.T) {
	binary := display.Convert(model.MarketRecord{
		ID:   "market-1",
		Kind: model.KindBinary,
		Pool: &model.BinaryPool{YesPrice: d(0.42), NoPrice: d(0.58)},
	})

	p, ok := binary.OutcomePrice(display.OutcomeYes)
	require.True(t, ok)
	assert.True(t, p.Equal(d(0.42)))

	_, ok = binary.OutcomePrice("maybe")
	assert.False(t, ok)

	multi := display.Convert(model.MarketRecord{
		ID:   "market-2",
		Kind: model.KindMultiple,
		Options: []model.OptionRecord{
			{ID: "opt-1", Label: "Primera", CurrentPrice: d(0.25)},
		},
	})

	p, ok = multi.OutcomePrice("opt-1")
	require.True(t, ok)
	assert.True(t, p.Equal(d(0.25)))

	_, ok = multi.OutcomePrice("opt-404")
	assert.False(t, ok)
}
