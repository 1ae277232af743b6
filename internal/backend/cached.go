package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/predik/market-gateway/internal/model"
)

// CachedBackend wraps a primary Backend with a Redis read-through cache
// for the hot read paths (market listing, market details, profiles,
// positions). Mutations go to the primary and invalidate the affected
// keys; the next read re-populates.
type CachedBackend struct {
	primary Backend
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedBackend creates a cached wrapper around a primary backend.
func NewCachedBackend(primary Backend, rdb *redis.Client, ttl time.Duration) *CachedBackend {
	return &CachedBackend{primary: primary, rdb: rdb, ttl: ttl}
}

// --- Read-through ---

func (c *CachedBackend) GetActiveMarkets(ctx context.Context) ([]model.MarketRecord, error) {
	if data, err := c.rdb.Get(ctx, activeMarketsKey).Bytes(); err == nil {
		var recs []model.MarketRecord
		if json.Unmarshal(data, &recs) == nil {
			return recs, nil
		}
	}

	recs, err := c.primary.GetActiveMarkets(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(recs); err == nil {
		c.rdb.Set(ctx, activeMarketsKey, data, c.ttl)
	}
	return recs, nil
}

func (c *CachedBackend) GetMarketDetails(ctx context.Context, marketID string) (*model.MarketRecord, error) {
	if data, err := c.rdb.Get(ctx, marketKey(marketID)).Bytes(); err == nil {
		var rec model.MarketRecord
		if json.Unmarshal(data, &rec) == nil {
			return &rec, nil
		}
	}

	rec, err := c.primary.GetMarketDetails(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(rec); err == nil {
		c.rdb.Set(ctx, marketKey(marketID), data, c.ttl)
	}
	return rec, nil
}

func (c *CachedBackend) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	if data, err := c.rdb.Get(ctx, profileKey(userID)).Bytes(); err == nil {
		var p model.Profile
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := c.primary.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(p); err == nil {
		c.rdb.Set(ctx, profileKey(userID), data, c.ttl)
	}
	return p, nil
}

func (c *CachedBackend) GetPositions(ctx context.Context, userID, marketID string) ([]model.Position, error) {
	// Only the unfiltered listing is cached; per-market lookups are rare.
	if marketID == "" {
		if data, err := c.rdb.Get(ctx, positionsKey(userID)).Bytes(); err == nil {
			var positions []model.Position
			if json.Unmarshal(data, &positions) == nil {
				return positions, nil
			}
		}
	}

	positions, err := c.primary.GetPositions(ctx, userID, marketID)
	if err != nil {
		return nil, err
	}
	if marketID == "" {
		if data, err := json.Marshal(positions); err == nil {
			c.rdb.Set(ctx, positionsKey(userID), data, c.ttl)
		}
	}
	return positions, nil
}

// --- Mutations: write to primary, invalidate ---

func (c *CachedBackend) CreateProfile(ctx context.Context, np NewProfile) (*model.Profile, error) {
	p, err := c.primary.CreateProfile(ctx, np)
	if err != nil {
		return nil, err
	}
	c.rdb.Del(ctx, profileKey(np.UserID))
	return p, nil
}

func (c *CachedBackend) ExecuteBinaryTrade(ctx context.Context, marketID, userID, tradeType string, amount decimal.Decimal) (*model.TradeResult, error) {
	res, err := c.primary.ExecuteBinaryTrade(ctx, marketID, userID, tradeType, amount)
	if err != nil {
		return nil, err
	}
	c.invalidateTrade(ctx, marketID, userID)
	return res, nil
}

func (c *CachedBackend) ExecuteOptionTrade(ctx context.Context, marketID, userID, optionID, direction string, amount decimal.Decimal) (*model.TradeResult, error) {
	res, err := c.primary.ExecuteOptionTrade(ctx, marketID, userID, optionID, direction, amount)
	if err != nil {
		return nil, err
	}
	c.invalidateTrade(ctx, marketID, userID)
	return res, nil
}

func (c *CachedBackend) ResolveMarket(ctx context.Context, marketID, adminID, outcome string) error {
	if err := c.primary.ResolveMarket(ctx, marketID, adminID, outcome); err != nil {
		return err
	}
	c.rdb.Del(ctx, marketKey(marketID), activeMarketsKey)
	return nil
}

func (c *CachedBackend) AddComment(ctx context.Context, marketID, userID, body string) (*model.Comment, error) {
	return c.primary.AddComment(ctx, marketID, userID, body)
}

// --- Passthrough (not cached) ---

func (c *CachedBackend) GetTrades(ctx context.Context, userID string, limit int) ([]model.TradeRecord, error) {
	return c.primary.GetTrades(ctx, userID, limit)
}

func (c *CachedBackend) GetPriceHistory(ctx context.Context, marketID, optionID string, hours int) ([]model.PricePoint, error) {
	return c.primary.GetPriceHistory(ctx, marketID, optionID, hours)
}

func (c *CachedBackend) GetComments(ctx context.Context, marketID string) ([]model.Comment, error) {
	return c.primary.GetComments(ctx, marketID)
}

// invalidateTrade drops every key a trade execution makes stale: the
// market's prices, the listing, and the trader's profile and positions.
func (c *CachedBackend) invalidateTrade(ctx context.Context, marketID, userID string) {
	c.rdb.Del(ctx,
		marketKey(marketID),
		activeMarketsKey,
		profileKey(userID),
		positionsKey(userID),
	)
}

const activeMarketsKey = "markets:active"

func marketKey(id string) string    { return fmt.Sprintf("market:%s", id) }
func profileKey(id string) string   { return fmt.Sprintf("profile:%s", id) }
func positionsKey(id string) string { return fmt.Sprintf("positions:%s", id) }
