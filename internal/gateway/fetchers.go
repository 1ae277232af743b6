package gateway

import (
	"context"
	"errors"

	"github.com/predik/market-gateway/internal/backend"
	"github.com/predik/market-gateway/internal/display"
	"github.com/predik/market-gateway/internal/fetch"
	"github.com/predik/market-gateway/internal/model"
)

// NewFetchers builds the snapshot fetchers the service serves from. The
// profile fetcher maps a missing row to an empty result: a signed-in
// identity whose profile has not been provisioned yet is not a failure,
// and the snapshot must not sit in an error state waiting for one.
func NewFetchers(be backend.Backend) Fetchers {
	markets := fetch.New("markets", false, func(ctx context.Context, _ string) ([]display.Market, error) {
		recs, err := be.GetActiveMarkets(ctx)
		return display.ConvertAll(recs), err
	})
	profile := fetch.New("profile", true, func(ctx context.Context, uid string) (*model.Profile, error) {
		p, err := be.GetProfile(ctx, uid)
		if errors.Is(err, backend.ErrNotFound) {
			return nil, nil
		}
		return p, err
	})
	positions := fetch.New("positions", true, func(ctx context.Context, uid string) ([]model.Position, error) {
		return be.GetPositions(ctx, uid, "")
	})
	trades := fetch.New("trades", true, func(ctx context.Context, uid string) ([]model.TradeRecord, error) {
		return be.GetTrades(ctx, uid, 50)
	})
	return Fetchers{
		Markets:   markets,
		Profile:   profile,
		Positions: positions,
		Trades:    trades,
	}
}
