// Package backend defines the gateway's boundary with the hosted Predik
// backend. Row reads are plain queries; every mutation that touches money
// (trade execution, profile creation, resolution) is a stored procedure
// invoked by name — the pricing, share-issuance and payout math lives
// behind those procedures and is never reimplemented here.
//
// Implementations: PostgresBackend (hosted database), MemoryBackend
// (tests and local development), CachedBackend (Redis read-through).
package backend

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/predik/market-gateway/internal/model"
)

// ErrNotFound reports an absent row. Absence is not a failure: callers
// handle it with create-or-empty-state logic and never log it as an error.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists reports a creation race where the row already exists.
// Profile provisioning treats this as success.
var ErrAlreadyExists = errors.New("already exists")

// RejectionError carries a business-rule refusal from a backend procedure
// (insufficient balance, closed market, ...). The message is surfaced to
// the user verbatim.
type RejectionError struct {
	Message string
}

func (e *RejectionError) Error() string { return e.Message }

// IsRejection reports whether err is a backend business-rule refusal, and
// returns its verbatim message.
func IsRejection(err error) (string, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Message, true
	}
	return "", false
}

// NewProfile is the argument set of the create_user_profile procedure.
type NewProfile struct {
	UserID       string
	FullName     string
	Username     string
	AvatarURL    string
	AuthProvider string
}

// TradeDirection tags whether a trade opens or unwinds a holding.
const (
	DirectionBuy  = "buy"
	DirectionSell = "sell"
)

// Backend is the persistence/RPC boundary. All calls are non-blocking
// requests against the hosted service; consistency of balances and share
// counts is entirely the backend's responsibility.
type Backend interface {
	// GetProfile returns the profile for an auth identity, or ErrNotFound.
	GetProfile(ctx context.Context, userID string) (*model.Profile, error)

	// CreateProfile invokes the create_user_profile procedure. A
	// concurrent duplicate surfaces as ErrAlreadyExists.
	CreateProfile(ctx context.Context, p NewProfile) (*model.Profile, error)

	// GetActiveMarkets returns active markets with their nested pool or
	// option rows, newest first.
	GetActiveMarkets(ctx context.Context) ([]model.MarketRecord, error)

	// GetMarketDetails returns one market by canonical id, or ErrNotFound.
	GetMarketDetails(ctx context.Context, marketID string) (*model.MarketRecord, error)

	// ExecuteBinaryTrade invokes the execute_binary_trade procedure.
	// tradeType is "buy_yes", "buy_no", "sell_yes" or "sell_no"; amount is
	// in Prediks. Business-rule refusals return *RejectionError.
	ExecuteBinaryTrade(ctx context.Context, marketID, userID, tradeType string, amount decimal.Decimal) (*model.TradeResult, error)

	// ExecuteOptionTrade invokes the execute_option_trade procedure for
	// multiple-choice markets.
	ExecuteOptionTrade(ctx context.Context, marketID, userID, optionID, direction string, amount decimal.Decimal) (*model.TradeResult, error)

	// ResolveMarket invokes the resolve_binary_market procedure. The
	// backend enforces that adminID belongs to an admin profile.
	ResolveMarket(ctx context.Context, marketID, adminID, outcome string) error

	// GetPositions returns a user's positions, optionally filtered to one
	// market (empty marketID = all).
	GetPositions(ctx context.Context, userID, marketID string) ([]model.Position, error)

	// GetTrades returns a user's most recent trades, newest first.
	GetTrades(ctx context.Context, userID string, limit int) ([]model.TradeRecord, error)

	// GetPriceHistory returns price samples for the last N hours, for the
	// market as a whole or one option (empty optionID = market).
	GetPriceHistory(ctx context.Context, marketID, optionID string, hours int) ([]model.PricePoint, error)

	// GetComments returns a market's comments with commenter profiles,
	// oldest first.
	GetComments(ctx context.Context, marketID string) ([]model.Comment, error)

	// AddComment persists a comment and returns it joined with the
	// author's profile.
	AddComment(ctx context.Context, marketID, userID, body string) (*model.Comment, error)
}
