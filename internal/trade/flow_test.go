package trade_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/predik/market-gateway/internal/backend"
	"github.com/predik/market-gateway/internal/display"
	"github.com/predik/market-gateway/internal/model"
	"github.com/predik/market-gateway/internal/trade"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func binaryMarket(t *testing.T, mem *backend.MemoryBackend) display.Market {
	t.Helper()
	rec := model.MarketRecord{
		ID:     "market-7",
		Title:  "¿Subirá el dólar esta semana?",
		Kind:   model.KindBinary,
		Status: model.StatusActive,
		Pool:   &model.BinaryPool{YesPrice: d(0.42), NoPrice: d(0.58)},
	}
	mem.SeedMarket(rec)
	return display.Convert(rec)
}

func optionMarket(t *testing.T, mem *backend.MemoryBackend) display.Market {
	t.Helper()
	rec := model.MarketRecord{
		ID:     "market-8",
		Title:  "¿Quién gana la liga?",
		Kind:   model.KindMultiple,
		Status: model.StatusActive,
		Options: []model.OptionRecord{
			{ID: "opt-river", Label: "River", CurrentPrice: d(0.55)},
			{ID: "opt-boca", Label: "Boca", CurrentPrice: d(0.45)},
		},
	}
	mem.SeedMarket(rec)
	return display.Convert(rec)
}

func seedTrader(t *testing.T, mem *backend.MemoryBackend, userID string) {
	t.Helper()
	_, err := mem.CreateProfile(context.Background(), backend.NewProfile{
		UserID:   userID,
		FullName: "Ana López",
		Username: "analpez",
	})
	require.NoError(t, err)
}

func TestFlow_StartsComposingWithDefaults(t *testing.T) {
	mem := backend.NewMemoryBackend()
	f := trade.NewFlow(mem, binaryMarket(t, mem), func() string { return "user-ana" })

	assert.Equal(t, trade.StateComposing, f.State())
	assert.Equal(t, int64(trade.DefaultShares), f.Shares())
	assert.Equal(t, display.OutcomeYes, f.Outcome())
}

func TestFlow_MultipleDefaultsToFirstOption(t *testing.T) {
	mem := backend.NewMemoryBackend()
	f := trade.NewFlow(mem, optionMarket(t, mem), func() string { return "user-ana" })
	assert.Equal(t, "opt-river", f.Outcome())
}

func TestFlow_TotalCostIsExactDecimal(t *testing.T) {
	mem := backend.NewMemoryBackend()
	f := trade.NewFlow(mem, binaryMarket(t, mem), func() string { return "user-ana" })

	f.SetShares(17)
	assert.Equal(t, "7.14", f.TotalCost().String(), "0.42 x 17 must be exactly 7.14")

	require.NoError(t, f.SelectOutcome(display.OutcomeNo))
	assert.Equal(t, "9.86", f.TotalCost().String())
}

func TestFlow_SharesClampToOne(t *testing.T) {
	mem := backend.NewMemoryBackend()
	f := trade.NewFlow(mem, binaryMarket(t, mem), func() string { return "user-ana" })

	f.SetShares(-5)
	assert.Equal(t, int64(1), f.Shares())

	f.DecrementShares()
	assert.Equal(t, int64(1), f.Shares())

	f.IncrementShares()
	assert.Equal(t, int64(2), f.Shares())
}

func TestFlow_SelectUnknownOutcomeFails(t *testing.T) {
	mem := backend.NewMemoryBackend()
	f := trade.NewFlow(mem, binaryMarket(t, mem), func() string { return "user-ana" })
	assert.Error(t, f.SelectOutcome("maybe"))
	assert.Equal(t, display.OutcomeYes, f.Outcome(), "selection unchanged after a bad outcome")
}

func TestFlow_UnauthenticatedSubmitNeverHitsBackend(t *testing.T) {
	mem := backend.NewMemoryBackend()
	f := trade.NewFlow(mem, binaryMarket(t, mem), func() string { return "" })

	require.NoError(t, f.Confirm())
	require.NoError(t, f.Submit(context.Background()))

	assert.Equal(t, trade.StateFailed, f.State())
	assert.Equal(t, trade.ErrSignInRequired, f.Err())
	assert.Zero(t, mem.TradeCalls(), "no execution call may leave the client when signed out")
}

func TestFlow_SuccessfulBinarySubmit(t *testing.T) {
	mem := backend.NewMemoryBackend()
	m := binaryMarket(t, mem)
	seedTrader(t, mem, "user-ana")
	f := trade.NewFlow(mem, m, func() string { return "user-ana" })

	f.SetShares(17)
	require.NoError(t, f.Confirm())
	require.NoError(t, f.Submit(context.Background()))

	assert.Equal(t, trade.StateSucceeded, f.State())
	assert.Equal(t, int64(trade.DefaultShares), f.Shares(), "share count resets after success")

	res := f.Result()
	require.NotNil(t, res)
	assert.True(t, res.PricePerShare.Equal(d(0.42)))

	profile, err := mem.GetProfile(context.Background(), "user-ana")
	require.NoError(t, err)
	assert.Equal(t, "992.86", profile.Balance.String(), "1000 - 7.14 spent")
}

func TestFlow_SuccessfulOptionSubmit(t *testing.T) {
	mem := backend.NewMemoryBackend()
	m := optionMarket(t, mem)
	seedTrader(t, mem, "user-ana")
	f := trade.NewFlow(mem, m, func() string { return "user-ana" })

	require.NoError(t, f.SelectOutcome("opt-boca"))
	require.NoError(t, f.Confirm())
	require.NoError(t, f.Submit(context.Background()))

	assert.Equal(t, trade.StateSucceeded, f.State())
	positions, err := mem.GetPositions(context.Background(), "user-ana", "")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "opt-boca", positions[0].OptionID)
}

func TestFlow_RefreshersRunBeforeSuccessIsFinal(t *testing.T) {
	mem := backend.NewMemoryBackend()
	m := binaryMarket(t, mem)
	seedTrader(t, mem, "user-ana")
	f := trade.NewFlow(mem, m, func() string { return "user-ana" })

	var seen []trade.State
	f.OnSuccess(func() { seen = append(seen, f.State()) })
	f.OnSuccess(func() { seen = append(seen, f.State()) })

	require.NoError(t, f.Confirm())
	require.NoError(t, f.Submit(context.Background()))

	require.Len(t, seen, 2)
	assert.Equal(t, trade.StateSubmitting, seen[0], "refetch fires before the flow settles")
	assert.Equal(t, trade.StateSubmitting, seen[1])
	assert.Equal(t, trade.StateSucceeded, f.State())
}

func TestFlow_RejectionKeepsMessageAndInputs(t *testing.T) {
	mem := backend.NewMemoryBackend()
	m := binaryMarket(t, mem)
	seedTrader(t, mem, "user-ana")
	f := trade.NewFlow(mem, m, func() string { return "user-ana" })

	// 10000 shares at 0.42 cost 4200 Prediks against a 1000 balance.
	f.SetShares(10000)
	require.NoError(t, f.Confirm())
	require.NoError(t, f.Submit(context.Background()), "a rejection is not a transport error")

	assert.Equal(t, trade.StateFailed, f.State())
	assert.Equal(t, "insufficient balance", f.Err(), "rejection reason passes through verbatim")
	assert.Equal(t, int64(10000), f.Shares(), "inputs survive a failure for retry")
	assert.Equal(t, display.OutcomeYes, f.Outcome())
}

func TestFlow_TransportFailureShowsGenericMessage(t *testing.T) {
	mem := backend.NewMemoryBackend()
	m := binaryMarket(t, mem)
	seedTrader(t, mem, "user-ana")
	mem.SetForcedError(errors.New("dial tcp 10.0.0.9:5432: connect: connection refused"))
	f := trade.NewFlow(mem, m, func() string { return "user-ana" })

	require.NoError(t, f.Confirm())
	err := f.Submit(context.Background())
	require.Error(t, err)

	assert.Equal(t, trade.StateFailed, f.State())
	assert.Equal(t, trade.ErrConnectivity, f.Err(), "raw transport errors never reach the user")
}

func TestFlow_RetryAfterFailure(t *testing.T) {
	mem := backend.NewMemoryBackend()
	m := binaryMarket(t, mem)
	seedTrader(t, mem, "user-ana")
	f := trade.NewFlow(mem, m, func() string { return "user-ana" })

	f.SetShares(10000)
	require.NoError(t, f.Confirm())
	require.NoError(t, f.Submit(context.Background()))
	require.Equal(t, trade.StateFailed, f.State())

	// Editing the composition re-arms the flow.
	f.SetShares(17)
	require.NoError(t, f.Confirm())
	require.NoError(t, f.Submit(context.Background()))
	assert.Equal(t, trade.StateSucceeded, f.State())
}

func TestFlow_SingleSubmissionInFlight(t *testing.T) {
	mem := backend.NewMemoryBackend()
	m := binaryMarket(t, mem)
	seedTrader(t, mem, "user-ana")

	slow := &gatedBackend{Backend: mem, entered: make(chan struct{}), release: make(chan struct{})}
	f := trade.NewFlow(slow, m, func() string { return "user-ana" })

	require.NoError(t, f.Confirm())
	done := make(chan error, 1)
	go func() { done <- f.Submit(context.Background()) }()

	<-slow.entered
	assert.Equal(t, trade.StateSubmitting, f.State())
	assert.Error(t, f.Submit(context.Background()), "second submit rejected while one is in flight")

	close(slow.release)
	require.NoError(t, <-done)
	assert.Equal(t, trade.StateSucceeded, f.State())
}

func TestFlow_ConfirmRequiresComposing(t *testing.T) {
	mem := backend.NewMemoryBackend()
	f := trade.NewFlow(mem, binaryMarket(t, mem), func() string { return "user-ana" })

	require.NoError(t, f.Confirm())
	assert.Error(t, f.Confirm())

	f.Cancel()
	assert.Equal(t, trade.StateComposing, f.State())
	require.NoError(t, f.Confirm())
}

// gatedBackend blocks binary executions until released, so tests can
// observe the flow mid-submission.
type gatedBackend struct {
	backend.Backend
	entered chan struct{}
	release chan struct{}
}

func (g *gatedBackend) ExecuteBinaryTrade(ctx context.Context, marketID, userID, tradeType string, amount decimal.Decimal) (*model.TradeResult, error) {
	close(g.entered)
	<-g.release
	return g.Backend.ExecuteBinaryTrade(ctx, marketID, userID, tradeType, amount)
}
