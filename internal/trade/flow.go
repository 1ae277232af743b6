// Package trade implements the client-side trade submission flow: compose
// a position (outcome, direction, share count), confirm it, and submit it
// to the backend execution procedure for the market's kind. The flow never
// prices anything itself — it quotes the current market price and lets the
// backend's procedures own every Predik that moves.
package trade

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/predik/market-gateway/internal/backend"
	"github.com/predik/market-gateway/internal/display"
	"github.com/predik/market-gateway/internal/metrics"
	"github.com/predik/market-gateway/internal/model"
)

// State is the flow's current phase.
type State int

const (
	StateIdle State = iota
	StateComposing
	StateConfirming
	StateSubmitting
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateComposing:
		return "composing"
	case StateConfirming:
		return "confirming"
	case StateSubmitting:
		return "submitting"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// DefaultShares is the composer's initial share count.
const DefaultShares = 10

// ErrSignInRequired is the blocking message shown when an unauthenticated
// user tries to submit; no backend call is made in that case.
const ErrSignInRequired = "sign in to place a trade"

// ErrConnectivity is the generic message for transport-level failures.
const ErrConnectivity = "connection error, please try again"

// Flow is one trade submission's state machine. At most one submission
// may be in flight per flow; the composed inputs survive a failure so the
// user can retry without re-entering them.
type Flow struct {
	mu      sync.Mutex
	backend backend.Backend
	market  display.Market
	userID  func() string // resolved at submit time

	state     State
	outcome   string // "yes"/"no" or option id
	direction string
	shares    int64
	errMsg    string
	result    *model.TradeResult
	onSuccess []func()
}

// NewFlow starts composing a trade against a market. The identity is
// resolved at submission time through userID, so a sign-out between
// composing and submitting is caught.
func NewFlow(b backend.Backend, market display.Market, userID func() string) *Flow {
	outcome := display.OutcomeYes
	if market.Kind == model.KindMultiple {
		outcome = ""
		if len(market.Options) > 0 {
			outcome = market.Options[0].ID
		}
	}
	return &Flow{
		backend:   b,
		market:    market,
		userID:    userID,
		state:     StateComposing,
		outcome:   outcome,
		direction: backend.DirectionBuy,
		shares:    DefaultShares,
	}
}

// OnSuccess registers a callback invoked after a successful submission,
// before the flow settles in Succeeded. Wire the profile/positions
// refetch here: the local state never assumes it reflects the true
// post-trade balance.
func (f *Flow) OnSuccess(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSuccess = append(f.onSuccess, fn)
}

// SelectOutcome picks the outcome being traded: "yes"/"no" for binary
// markets, an option id for multiple-choice ones.
func (f *Flow) SelectOutcome(outcome string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.market.OutcomePrice(outcome); !ok {
		return fmt.Errorf("market %s has no outcome %q", f.market.CanonicalID, outcome)
	}
	f.outcome = outcome
	f.composeLocked()
	return nil
}

// SetDirection sets buy or sell.
func (f *Flow) SetDirection(direction string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if direction != backend.DirectionBuy && direction != backend.DirectionSell {
		return fmt.Errorf("invalid trade direction %q", direction)
	}
	f.direction = direction
	f.composeLocked()
	return nil
}

// SetShares sets the share count, clamped to a minimum of 1.
func (f *Flow) SetShares(n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n < 1 {
		n = 1
	}
	f.shares = n
	f.composeLocked()
}

// IncrementShares adds one share.
func (f *Flow) IncrementShares() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shares++
	f.composeLocked()
}

// DecrementShares removes one share, clamping at 1.
func (f *Flow) DecrementShares() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shares > 1 {
		f.shares--
	}
	f.composeLocked()
}

// composeLocked returns a settled flow to Composing so inputs can be
// edited for a retry. Submitting is never interrupted.
func (f *Flow) composeLocked() {
	if f.state != StateSubmitting {
		f.state = StateComposing
	}
}

// Shares returns the composed share count.
func (f *Flow) Shares() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shares
}

// Outcome returns the selected outcome.
func (f *Flow) Outcome() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outcome
}

// TotalCost is shares × current price of the selected outcome, in
// Prediks. Derived, read-only.
func (f *Flow) TotalCost() decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totalCostLocked()
}

func (f *Flow) totalCostLocked() decimal.Decimal {
	price, ok := f.market.OutcomePrice(f.outcome)
	if !ok {
		return decimal.Zero
	}
	return price.Mul(decimal.NewFromInt(f.shares))
}

// Confirm opens the confirmation step.
func (f *Flow) Confirm() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateComposing {
		return fmt.Errorf("cannot confirm from state %s", f.state)
	}
	if f.outcome == "" {
		return fmt.Errorf("no outcome selected")
	}
	f.state = StateConfirming
	return nil
}

// Cancel abandons the confirmation and returns to composing.
func (f *Flow) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StateConfirming {
		f.state = StateComposing
	}
}

// State returns the current phase.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Err returns the failure message after a Failed transition: the
// backend's rejection verbatim, or a generic connectivity message.
func (f *Flow) Err() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errMsg
}

// Result returns the backend's execution result after Succeeded.
func (f *Flow) Result() *model.TradeResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result
}

// Submit executes the confirmed trade. It requires an authenticated
// identity — without one it fails locked client-side and never calls the
// backend. The mutation is keyed by the market's canonical id, never the
// numeric display id.
func (f *Flow) Submit(ctx context.Context) error {
	f.mu.Lock()
	if f.state == StateSubmitting {
		f.mu.Unlock()
		return fmt.Errorf("a submission is already in flight")
	}
	if f.state != StateConfirming {
		f.mu.Unlock()
		return fmt.Errorf("cannot submit from state %s", f.state)
	}

	uid := f.userID()
	if uid == "" {
		f.state = StateFailed
		f.errMsg = ErrSignInRequired
		f.mu.Unlock()
		metrics.TradesTotal.WithLabelValues(string(f.market.Kind), "unauthenticated").Inc()
		return nil
	}

	f.state = StateSubmitting
	f.errMsg = ""
	marketID := f.market.CanonicalID
	kind := f.market.Kind
	outcome := f.outcome
	direction := f.direction
	amount := f.totalCostLocked()
	f.mu.Unlock()

	start := time.Now()
	var result *model.TradeResult
	var err error
	if kind == model.KindBinary {
		result, err = f.backend.ExecuteBinaryTrade(ctx, marketID, uid, direction+"_"+outcome, amount)
	} else {
		result, err = f.backend.ExecuteOptionTrade(ctx, marketID, uid, outcome, direction, amount)
	}
	metrics.TradeLatency.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())

	if err != nil {
		f.mu.Lock()
		f.state = StateFailed
		if msg, ok := backend.IsRejection(err); ok {
			f.errMsg = msg
			f.mu.Unlock()
			metrics.TradesTotal.WithLabelValues(string(kind), "rejected").Inc()
			return nil
		}
		f.errMsg = ErrConnectivity
		f.mu.Unlock()
		metrics.TradesTotal.WithLabelValues(string(kind), "failed").Inc()
		return err
	}

	// Refresh dependents before the success is considered final; the
	// post-trade balance and positions must be re-read, never assumed.
	f.mu.Lock()
	callbacks := make([]func(), len(f.onSuccess))
	copy(callbacks, f.onSuccess)
	f.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}

	f.mu.Lock()
	f.result = result
	f.shares = DefaultShares
	f.state = StateSucceeded
	f.mu.Unlock()
	metrics.TradesTotal.WithLabelValues(string(kind), "succeeded").Inc()
	return nil
}
