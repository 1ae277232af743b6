package backend

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/predik/market-gateway/internal/model"
)

// StartingBalance is the demo balance granted to freshly provisioned
// profiles, in Prediks.
var StartingBalance = decimal.NewFromInt(1000)

// MemoryBackend implements Backend with in-memory maps. Used for tests
// and local development. Trades fill at the quoted price and do not move
// it — the real price curve belongs to the hosted procedures and is not
// simulated here.
type MemoryBackend struct {
	mu       sync.RWMutex
	profiles map[string]*model.Profile
	markets  map[string]*model.MarketRecord
	order    []string                   // market ids, newest first
	position map[string]*model.Position // keyed user|market|outcome
	trades   []model.TradeRecord
	comments map[string][]model.Comment
	history  map[string][]model.PricePoint

	tradeCalls int
	forcedErr  error
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		profiles: make(map[string]*model.Profile),
		markets:  make(map[string]*model.MarketRecord),
		position: make(map[string]*model.Position),
		comments: make(map[string][]model.Comment),
		history:  make(map[string][]model.PricePoint),
	}
}

// SeedMarket inserts a market row directly, bypassing any procedure.
func (b *MemoryBackend) SeedMarket(rec model.MarketRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := rec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if _, ok := b.markets[cp.ID]; !ok {
		b.order = append([]string{cp.ID}, b.order...)
	}
	b.markets[cp.ID] = &cp
}

// SeedProfile inserts a profile row directly, bypassing provisioning.
func (b *MemoryBackend) SeedProfile(p model.Profile) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := p
	b.profiles[cp.ID] = &cp
}

// SeedHistory inserts price samples directly.
func (b *MemoryBackend) SeedHistory(points ...model.PricePoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range points {
		b.history[p.MarketID] = append(b.history[p.MarketID], p)
	}
}

// SetForcedError makes every subsequent call fail with err, simulating a
// connectivity outage. Pass nil to clear.
func (b *MemoryBackend) SetForcedError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forcedErr = err
}

// TradeCalls reports how many trade procedures have been invoked,
// including rejected ones.
func (b *MemoryBackend) TradeCalls() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tradeCalls
}

func (b *MemoryBackend) GetProfile(_ context.Context, userID string) (*model.Profile, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.forcedErr != nil {
		return nil, b.forcedErr
	}
	p, ok := b.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (b *MemoryBackend) CreateProfile(_ context.Context, np NewProfile) (*model.Profile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.forcedErr != nil {
		return nil, b.forcedErr
	}
	if _, ok := b.profiles[np.UserID]; ok {
		return nil, ErrAlreadyExists
	}
	p := &model.Profile{
		ID:           np.UserID,
		FullName:     np.FullName,
		Username:     np.Username,
		AvatarURL:    np.AvatarURL,
		AuthProvider: np.AuthProvider,
		Balance:      StartingBalance,
	}
	b.profiles[np.UserID] = p
	cp := *p
	return &cp, nil
}

func (b *MemoryBackend) GetActiveMarkets(_ context.Context) ([]model.MarketRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.forcedErr != nil {
		return nil, b.forcedErr
	}
	recs := make([]model.MarketRecord, 0, len(b.order))
	for _, id := range b.order {
		m := b.markets[id]
		if m.Status == model.StatusActive {
			recs = append(recs, *m)
		}
	}
	return recs, nil
}

func (b *MemoryBackend) GetMarketDetails(_ context.Context, marketID string) (*model.MarketRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.forcedErr != nil {
		return nil, b.forcedErr
	}
	m, ok := b.markets[marketID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (b *MemoryBackend) ExecuteBinaryTrade(_ context.Context, marketID, userID, tradeType string, amount decimal.Decimal) (*model.TradeResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tradeCalls++
	if b.forcedErr != nil {
		return nil, b.forcedErr
	}

	direction, outcome, ok := splitTradeType(tradeType)
	if !ok {
		return nil, &RejectionError{Message: "invalid trade type: " + tradeType}
	}
	m, ok := b.markets[marketID]
	if !ok || m.Kind != model.KindBinary {
		return nil, &RejectionError{Message: "market not found"}
	}

	price := decimal.NewFromFloat(0.5)
	if m.Pool != nil {
		if outcome == "yes" {
			price = m.Pool.YesPrice
		} else {
			price = m.Pool.NoPrice
		}
	}
	return b.fillLocked(m, userID, outcome, "", direction, price, amount)
}

func (b *MemoryBackend) ExecuteOptionTrade(_ context.Context, marketID, userID, optionID, direction string, amount decimal.Decimal) (*model.TradeResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tradeCalls++
	if b.forcedErr != nil {
		return nil, b.forcedErr
	}

	m, ok := b.markets[marketID]
	if !ok || m.Kind != model.KindMultiple {
		return nil, &RejectionError{Message: "market not found"}
	}
	var price decimal.Decimal
	found := false
	for _, opt := range m.Options {
		if opt.ID == optionID {
			price = opt.CurrentPrice
			found = true
			break
		}
	}
	if !found {
		return nil, &RejectionError{Message: "option not found"}
	}
	return b.fillLocked(m, userID, "option", optionID, direction, price, amount)
}

// fillLocked applies a fill at the quoted price: balance and position
// bookkeeping only, no price movement. Caller holds b.mu.
func (b *MemoryBackend) fillLocked(m *model.MarketRecord, userID, outcome, optionID, direction string, price, amount decimal.Decimal) (*model.TradeResult, error) {
	if m.Status != model.StatusActive {
		return nil, &RejectionError{Message: "market is not open for trading"}
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, &RejectionError{Message: "amount must be positive"}
	}
	p, ok := b.profiles[userID]
	if !ok {
		return nil, &RejectionError{Message: "user profile not found"}
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return nil, &RejectionError{Message: "market has no quotable price"}
	}

	shares := amount.Div(price)
	key := userID + "|" + m.ID + "|" + outcome + optionID

	switch direction {
	case DirectionBuy:
		if p.Balance.LessThan(amount) {
			return nil, &RejectionError{Message: "insufficient balance"}
		}
		p.Balance = p.Balance.Sub(amount)

		pos, ok := b.position[key]
		if !ok {
			pos = &model.Position{
				ID:            uuid.New().String(),
				UserID:        userID,
				MarketID:      m.ID,
				OptionID:      optionID,
				PositionType:  outcome,
				MarketTitle:   m.Title,
				MarketStatus:  m.Status,
				MarketEndDate: m.EndDate,
			}
			b.position[key] = pos
			p.MarketsTraded++
		}
		pos.SharesOwned = pos.SharesOwned.Add(shares)
		pos.TotalInvested = pos.TotalInvested.Add(amount)
		pos.AveragePrice = pos.TotalInvested.Div(pos.SharesOwned)
		pos.CurrentValue = pos.SharesOwned.Mul(price)
		pos.UnrealizedPnL = pos.CurrentValue.Sub(pos.TotalInvested)

	case DirectionSell:
		pos, ok := b.position[key]
		if !ok || pos.SharesOwned.LessThan(shares) {
			return nil, &RejectionError{Message: "insufficient shares"}
		}
		pos.SharesOwned = pos.SharesOwned.Sub(shares)
		pos.TotalInvested = pos.TotalInvested.Sub(amount)
		pos.CurrentValue = pos.SharesOwned.Mul(price)
		pos.UnrealizedPnL = pos.CurrentValue.Sub(pos.TotalInvested)
		p.Balance = p.Balance.Add(amount)

	default:
		return nil, &RejectionError{Message: "invalid trade direction: " + direction}
	}

	p.TotalVolume = p.TotalVolume.Add(amount)
	m.TotalVolume = m.TotalVolume.Add(amount)

	tradeType := direction + "_" + outcome
	entry := model.TradeRecord{
		ID:            uuid.New().String(),
		UserID:        userID,
		MarketID:      m.ID,
		OptionID:      optionID,
		TradeType:     tradeType,
		Shares:        shares,
		PricePerShare: price,
		Amount:        amount,
		CreatedAt:     time.Now().UTC(),
		MarketTitle:   m.Title,
	}
	b.trades = append(b.trades, entry)

	return &model.TradeResult{
		TradeID:       entry.ID,
		SharesBought:  shares,
		PricePerShare: price,
	}, nil
}

func (b *MemoryBackend) ResolveMarket(_ context.Context, marketID, adminID, outcome string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.forcedErr != nil {
		return b.forcedErr
	}
	admin, ok := b.profiles[adminID]
	if !ok || !admin.IsAdmin {
		return &RejectionError{Message: "only admins can resolve markets"}
	}
	m, ok := b.markets[marketID]
	if !ok {
		return &RejectionError{Message: "market not found"}
	}
	if m.Status != model.StatusActive && m.Status != model.StatusClosed {
		return &RejectionError{Message: "market already resolved"}
	}
	if outcome != "yes" && outcome != "no" {
		return &RejectionError{Message: "outcome must be yes or no"}
	}
	m.Status = model.StatusResolved
	return nil
}

func (b *MemoryBackend) GetPositions(_ context.Context, userID, marketID string) ([]model.Position, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.forcedErr != nil {
		return nil, b.forcedErr
	}
	var out []model.Position
	for _, pos := range b.position {
		if pos.UserID != userID {
			continue
		}
		if marketID != "" && pos.MarketID != marketID {
			continue
		}
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return out, nil
}

func (b *MemoryBackend) GetTrades(_ context.Context, userID string, limit int) ([]model.TradeRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.forcedErr != nil {
		return nil, b.forcedErr
	}
	var out []model.TradeRecord
	for i := len(b.trades) - 1; i >= 0; i-- {
		if b.trades[i].UserID == userID {
			out = append(out, b.trades[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (b *MemoryBackend) GetPriceHistory(_ context.Context, marketID, optionID string, hours int) ([]model.PricePoint, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.forcedErr != nil {
		return nil, b.forcedErr
	}
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	var out []model.PricePoint
	for _, p := range b.history[marketID] {
		if p.OptionID == optionID && !p.At.Before(cutoff) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (b *MemoryBackend) GetComments(_ context.Context, marketID string) ([]model.Comment, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.forcedErr != nil {
		return nil, b.forcedErr
	}
	out := make([]model.Comment, len(b.comments[marketID]))
	copy(out, b.comments[marketID])
	return out, nil
}

func (b *MemoryBackend) AddComment(_ context.Context, marketID, userID, body string) (*model.Comment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.forcedErr != nil {
		return nil, b.forcedErr
	}
	if _, ok := b.markets[marketID]; !ok {
		return nil, ErrNotFound
	}
	c := model.Comment{
		ID:        uuid.New().String(),
		MarketID:  marketID,
		UserID:    userID,
		Body:      strings.TrimSpace(body),
		CreatedAt: time.Now().UTC(),
	}
	if p, ok := b.profiles[userID]; ok {
		c.Username = p.Username
		c.AvatarURL = p.AvatarURL
	}
	b.comments[marketID] = append(b.comments[marketID], c)
	cp := c
	return &cp, nil
}

// splitTradeType parses "buy_yes"-style tags into direction and outcome.
func splitTradeType(t string) (direction, outcome string, ok bool) {
	direction, outcome, found := strings.Cut(t, "_")
	if !found {
		return "", "", false
	}
	if direction != DirectionBuy && direction != DirectionSell {
		return "", "", false
	}
	if outcome != "yes" && outcome != "no" {
		return "", "", false
	}
	return direction, outcome, true
}
