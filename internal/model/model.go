// Package model defines the persisted row types returned by the Predik
// backend. All monetary values and prices use shopspring/decimal — never
// float64 for money.
//
// Every entity here is owned by the backend; the gateway holds transient,
// re-derivable copies only.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind distinguishes binary (yes/no) markets from multiple-choice markets.
type Kind string

const (
	KindBinary   Kind = "binary"
	KindMultiple Kind = "multiple"
)

// Status is a market's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusClosed    Status = "closed"
	StatusResolved  Status = "resolved"
	StatusCancelled Status = "cancelled"
)

// BinaryPool is the pricing sub-record embedded in binary markets.
// Prices are in [0,1]; the backend keeps yes+no ≈ 1 but the gateway
// never enforces that.
type BinaryPool struct {
	YesPrice decimal.Decimal `json:"yes_price" db:"yes_price"`
	NoPrice  decimal.Decimal `json:"no_price" db:"no_price"`
}

// OptionRecord is one outcome of a multiple-choice market.
type OptionRecord struct {
	ID           string          `json:"id" db:"id"`
	MarketID     string          `json:"market_id" db:"market_id"`
	Label        string          `json:"option_text" db:"option_text"`
	CurrentPrice decimal.Decimal `json:"current_price" db:"current_price"`
	PoolAmount   decimal.Decimal `json:"pool_amount" db:"pool_amount"`
	ShareCount   decimal.Decimal `json:"share_count" db:"share_count"`
	Color        string          `json:"option_color" db:"option_color"`
	Winning      bool            `json:"is_winning,omitempty" db:"is_winning"`
}

// MarketRecord is a market row as persisted, with its nested pricing
// sub-records. The ID is the backend's canonical, opaque key — every
// mutation call must use it verbatim.
type MarketRecord struct {
	ID               string          `json:"id" db:"id"`
	Title            string          `json:"title" db:"title"`
	Description      string          `json:"description" db:"description"`
	Category         string          `json:"category" db:"category"`
	Kind             Kind            `json:"type" db:"type"`
	Status           Status          `json:"status" db:"status"`
	EndDate          time.Time       `json:"end_date" db:"end_date"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	TotalVolume      decimal.Decimal `json:"total_volume" db:"total_volume"`
	ParticipantCount int             `json:"participant_count" db:"participant_count"`
	Pool             *BinaryPool     `json:"binary_market_pool,omitempty"`
	Options          []OptionRecord  `json:"options,omitempty"`
}

// Profile is a user's trading profile, keyed 1:1 by the auth identity id.
// Balance is in Prediks, the fictional in-app currency.
type Profile struct {
	ID              string          `json:"id" db:"id"`
	FullName        string          `json:"full_name" db:"full_name"`
	Username        string          `json:"username" db:"username"`
	AvatarURL       string          `json:"avatar_url" db:"avatar_url"`
	AuthProvider    string          `json:"auth_provider" db:"auth_provider"`
	Balance         decimal.Decimal `json:"balance" db:"balance"`
	TotalVolume     decimal.Decimal `json:"total_volume" db:"total_volume"`
	MarketsTraded   int             `json:"markets_traded" db:"markets_traded"`
	MarketsWon      int             `json:"markets_won" db:"markets_won"`
	TotalProfitLoss decimal.Decimal `json:"total_profit_loss" db:"total_profit_loss"`
	WinRate         decimal.Decimal `json:"win_rate" db:"win_rate"`
	IsAdmin         bool            `json:"is_admin" db:"is_admin"`
}

// Position is a user's holding in one market outcome, written only by the
// backend trade procedures. Market title/status are denormalized snapshots
// for display.
type Position struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	MarketID      string          `json:"market_id" db:"market_id"`
	OptionID      string          `json:"option_id,omitempty" db:"option_id"`
	PositionType  string          `json:"position_type" db:"position_type"` // "yes", "no", or "option"
	SharesOwned   decimal.Decimal `json:"shares_owned" db:"shares_owned"`
	AveragePrice  decimal.Decimal `json:"average_price" db:"average_price"`
	TotalInvested decimal.Decimal `json:"total_invested" db:"total_invested"`
	CurrentValue  decimal.Decimal `json:"current_value" db:"current_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl" db:"unrealized_pnl"`
	MarketTitle   string          `json:"market_title" db:"market_title"`
	MarketStatus  Status          `json:"market_status" db:"market_status"`
	MarketEndDate time.Time       `json:"market_end_date" db:"market_end_date"`
	OptionLabel   string          `json:"option_text,omitempty" db:"option_text"`
}

// TradeRecord is an immutable, append-only trade entry written by the
// backend execution procedures.
type TradeRecord struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	MarketID      string          `json:"market_id" db:"market_id"`
	OptionID      string          `json:"option_id,omitempty" db:"option_id"`
	TradeType     string          `json:"trade_type" db:"trade_type"` // e.g. "buy_yes", "sell_no", "buy_option"
	Shares        decimal.Decimal `json:"shares" db:"shares"`
	PricePerShare decimal.Decimal `json:"price_per_share" db:"price_per_share"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	MarketTitle   string          `json:"market_title" db:"market_title"`
}

// TradeResult is the payload returned by the backend trade procedures.
type TradeResult struct {
	TradeID       string          `json:"trade_id"`
	SharesBought  decimal.Decimal `json:"shares_bought"`
	PricePerShare decimal.Decimal `json:"price_per_share"`
}

// PricePoint is one sample of a market's (or option's) price history.
type PricePoint struct {
	MarketID string          `json:"market_id" db:"market_id"`
	OptionID string          `json:"option_id,omitempty" db:"option_id"`
	Price    decimal.Decimal `json:"price" db:"price"`
	At       time.Time       `json:"recorded_at" db:"recorded_at"`
}

// Comment is a market comment joined with the commenter's public profile.
type Comment struct {
	ID        string    `json:"id" db:"id"`
	MarketID  string    `json:"market_id" db:"market_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Body      string    `json:"content" db:"content"`
	Username  string    `json:"username" db:"username"`
	AvatarURL string    `json:"avatar_url" db:"avatar_url"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
