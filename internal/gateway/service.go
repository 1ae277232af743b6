// Package gateway provides the HTTP surface of the market gateway:
// market listings served from fetcher snapshots, trade submission, market
// resolution, comments, and the session endpoints the web client drives.
//
// All monetary values use shopspring/decimal — never float64 for money.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/predik/market-gateway/internal/authn"
	"github.com/predik/market-gateway/internal/backend"
	"github.com/predik/market-gateway/internal/display"
	"github.com/predik/market-gateway/internal/fetch"
	"github.com/predik/market-gateway/internal/model"
	"github.com/predik/market-gateway/internal/trade"
)

// Fetchers bundles the snapshot sources the service reads from. Markets
// is shared by everyone; the rest are scoped to the signed-in identity.
type Fetchers struct {
	Markets   *fetch.Fetcher[[]display.Market]
	Profile   *fetch.Fetcher[*model.Profile]
	Positions *fetch.Fetcher[[]model.Position]
	Trades    *fetch.Fetcher[[]model.TradeRecord]
}

// Service handles gateway operations. Trade submissions are limited to
// one in flight per user; pricing and settlement stay behind the backend
// execution procedures.
type Service struct {
	backend  backend.Backend
	auth     *authn.Synchronizer
	fetchers Fetchers
	wsHub    *WSHub // optional WebSocket hub for real-time broadcasts

	mu       sync.Mutex
	inFlight map[string]struct{} // user ids with a submission running
}

// NewService creates a new gateway service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(b backend.Backend, auth *authn.Synchronizer, f Fetchers, hub *WSHub) *Service {
	return &Service{
		backend:  b,
		auth:     auth,
		fetchers: f,
		wsHub:    hub,
		inFlight: make(map[string]struct{}),
	}
}

// Routes registers the gateway's handlers on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/markets", s.ListMarkets)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Get("/markets/{marketID}/history", s.GetMarketHistory)
	r.Post("/markets/{marketID}/resolve", s.ResolveMarket)
	r.Get("/markets/{marketID}/comments", s.ListComments)
	r.Post("/markets/{marketID}/comments", s.AddComment)
	r.Post("/trade", s.SubmitTrade)
	r.Get("/me/profile", s.MyProfile)
	r.Get("/me/positions", s.MyPositions)
	r.Get("/me/trades", s.MyTrades)
	r.Get("/auth/login", s.Login)
	r.Post("/auth/logout", s.Logout)
	r.Get("/auth/session", s.SessionInfo)
}

// --- Request/Response types ---

// TradeSubmission is the JSON body for POST /trade. MarketID is the
// canonical id; Outcome is "yes"/"no" or an option id.
type TradeSubmission struct {
	MarketID  string `json:"market_id"`
	Outcome   string `json:"outcome"`
	Direction string `json:"direction"`
	Shares    int64  `json:"shares"`
}

// TradeReceipt is the JSON body returned from a successful POST /trade.
type TradeReceipt struct {
	TradeID       string `json:"trade_id"`
	MarketID      string `json:"market_id"`
	Outcome       string `json:"outcome"`
	SharesBought  string `json:"shares_bought"`
	PricePerShare string `json:"price_per_share"`
	TotalCost     string `json:"total_cost"`
}

// MarketDetail pairs a market with its discussion thread.
type MarketDetail struct {
	Market   display.Market  `json:"market"`
	Comments []model.Comment `json:"comments"`
}

// --- HTTP Handlers ---

// ListMarkets handles GET /api/v1/markets
// Serves the latest fetcher snapshot: {data, loading, error}, optionally
// filtered by ?category=<name>. A fetch error keeps the last good data.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	snap := s.fetchers.Markets.State()
	if snap.Data == nil {
		snap.Data = []display.Market{}
	}

	if category := r.URL.Query().Get("category"); category != "" {
		filtered := make([]display.Market, 0, len(snap.Data))
		for _, m := range snap.Data {
			if m.Category == category {
				filtered = append(filtered, m)
			}
		}
		snap.Data = filtered
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	rec, err := s.backend.GetMarketDetails(r.Context(), marketID)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			writeError(w, "market not found", http.StatusNotFound)
			return
		}
		writeError(w, fetch.ErrGenericFailure, http.StatusBadGateway)
		return
	}

	comments, err := s.backend.GetComments(r.Context(), marketID)
	if err != nil {
		comments = []model.Comment{}
	}
	if comments == nil {
		comments = []model.Comment{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(MarketDetail{
		Market:   display.Convert(*rec),
		Comments: comments,
	})
}

// GetMarketHistory handles GET /api/v1/markets/{marketID}/history
// Optional ?option_id=<id> and ?hours=<n> (default 24).
func (s *Service) GetMarketHistory(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	optionID := r.URL.Query().Get("option_id")

	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, "hours must be a positive integer", http.StatusBadRequest)
			return
		}
		hours = n
	}

	points, err := s.backend.GetPriceHistory(r.Context(), marketID, optionID, hours)
	if err != nil {
		writeError(w, "failed to get market history", http.StatusBadGateway)
		return
	}
	if points == nil {
		points = []model.PricePoint{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(points)
}

// SubmitTrade handles POST /api/v1/trade
// Drives a full submission flow: compose, confirm, execute against the
// backend procedure, refresh dependent snapshots, broadcast new prices.
func (s *Service) SubmitTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeSubmission
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.MarketID == "" {
		writeError(w, "market_id is required", http.StatusBadRequest)
		return
	}

	uid := s.auth.UserID()
	if uid != "" {
		s.mu.Lock()
		if _, busy := s.inFlight[uid]; busy {
			s.mu.Unlock()
			writeError(w, "a trade is already in progress", http.StatusConflict)
			return
		}
		s.inFlight[uid] = struct{}{}
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, uid)
			s.mu.Unlock()
		}()
	}

	ctx := r.Context()
	rec, err := s.backend.GetMarketDetails(ctx, req.MarketID)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			writeError(w, "market not found", http.StatusNotFound)
			return
		}
		writeError(w, fetch.ErrGenericFailure, http.StatusBadGateway)
		return
	}

	flow := trade.NewFlow(s.backend, display.Convert(*rec), s.auth.UserID)
	if req.Outcome != "" {
		if err := flow.SelectOutcome(req.Outcome); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.Direction != "" {
		if err := flow.SetDirection(req.Direction); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.Shares != 0 {
		flow.SetShares(req.Shares)
	}
	totalCost := flow.TotalCost()

	flow.OnSuccess(func() {
		s.fetchers.Profile.Refetch()
		s.fetchers.Positions.Refetch()
		s.fetchers.Trades.Refetch()
		s.fetchers.Markets.Refetch()
	})

	if err := flow.Confirm(); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	submitErr := flow.Submit(ctx)

	switch flow.State() {
	case trade.StateSucceeded:
		res := flow.Result()
		slog.Info("trade executed",
			"trade_id", res.TradeID,
			"user", uid,
			"market", req.MarketID,
			"outcome", flow.Outcome(),
			"cost", totalCost.String(),
			"fill_price", res.PricePerShare.String(),
		)
		s.broadcastMarket(r, req.MarketID)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(TradeReceipt{
			TradeID:       res.TradeID,
			MarketID:      req.MarketID,
			Outcome:       flow.Outcome(),
			SharesBought:  res.SharesBought.String(),
			PricePerShare: res.PricePerShare.String(),
			TotalCost:     totalCost.String(),
		})

	case trade.StateFailed:
		msg := flow.Err()
		switch {
		case msg == trade.ErrSignInRequired:
			writeError(w, msg, http.StatusUnauthorized)
		case submitErr != nil:
			writeError(w, msg, http.StatusBadGateway)
		default:
			// Backend rejection, reason passed through verbatim.
			writeError(w, msg, http.StatusConflict)
		}

	default:
		writeError(w, "trade did not complete", http.StatusInternalServerError)
	}
}

// broadcastMarket pushes the market's post-trade prices to WebSocket
// clients. Best effort: a failed re-read only skips the broadcast.
func (s *Service) broadcastMarket(r *http.Request, marketID string) {
	if s.wsHub == nil {
		return
	}
	rec, err := s.backend.GetMarketDetails(r.Context(), marketID)
	if err != nil {
		return
	}
	m := display.Convert(*rec)

	msg := WSMessage{
		Type:      "trade_executed",
		MarketID:  m.CanonicalID,
		DisplayID: m.ID,
		Kind:      string(m.Kind),
	}
	if m.Kind == model.KindBinary {
		msg.YesPrice = m.YesPrice.String()
		msg.NoPrice = m.NoPrice.String()
	} else {
		for _, opt := range m.Options {
			msg.Options = append(msg.Options, OptionPrice{OptionID: opt.ID, Price: opt.Price.String()})
		}
	}
	s.wsHub.Broadcast(msg)
}

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve
// Admin only. The winning outcome and all payouts are settled by the
// backend procedure.
func (s *Service) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	uid := s.auth.UserID()
	if uid == "" {
		writeError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	profile, err := s.auth.Profile(r.Context())
	if err != nil || profile == nil || !profile.IsAdmin {
		writeError(w, "admin access required", http.StatusForbidden)
		return
	}

	var req struct {
		Outcome string `json:"outcome"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Outcome == "" {
		writeError(w, "outcome is required", http.StatusBadRequest)
		return
	}

	marketID := chi.URLParam(r, "marketID")
	if err := s.backend.ResolveMarket(r.Context(), marketID, uid, req.Outcome); err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			writeError(w, "market not found", http.StatusNotFound)
			return
		}
		if msg, ok := backend.IsRejection(err); ok {
			writeError(w, msg, http.StatusConflict)
			return
		}
		writeError(w, fetch.ErrGenericFailure, http.StatusBadGateway)
		return
	}

	slog.Info("market resolved", "market", marketID, "outcome", req.Outcome, "admin", uid)
	s.fetchers.Markets.Refetch()
	w.WriteHeader(http.StatusNoContent)
}

// ListComments handles GET /api/v1/markets/{marketID}/comments
func (s *Service) ListComments(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	comments, err := s.backend.GetComments(r.Context(), marketID)
	if err != nil {
		writeError(w, "failed to load comments", http.StatusBadGateway)
		return
	}
	if comments == nil {
		comments = []model.Comment{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(comments)
}

// AddComment handles POST /api/v1/markets/{marketID}/comments
func (s *Service) AddComment(w http.ResponseWriter, r *http.Request) {
	uid := s.auth.UserID()
	if uid == "" {
		writeError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	var req struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Body == "" {
		writeError(w, "body is required", http.StatusBadRequest)
		return
	}

	marketID := chi.URLParam(r, "marketID")
	comment, err := s.backend.AddComment(r.Context(), marketID, uid, req.Body)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			writeError(w, "market not found", http.StatusNotFound)
			return
		}
		writeError(w, fetch.ErrGenericFailure, http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(comment)
}

// MyProfile handles GET /api/v1/me/profile
func (s *Service) MyProfile(w http.ResponseWriter, _ *http.Request) {
	writeSnapshot(w, s.fetchers.Profile.State())
}

// MyPositions handles GET /api/v1/me/positions
func (s *Service) MyPositions(w http.ResponseWriter, _ *http.Request) {
	snap := s.fetchers.Positions.State()
	if snap.Data == nil {
		snap.Data = []model.Position{}
	}
	writeSnapshot(w, snap)
}

// MyTrades handles GET /api/v1/me/trades
func (s *Service) MyTrades(w http.ResponseWriter, _ *http.Request) {
	snap := s.fetchers.Trades.State()
	if snap.Data == nil {
		snap.Data = []model.TradeRecord{}
	}
	writeSnapshot(w, snap)
}

// Login handles GET /api/v1/auth/login?provider=google|twitter
// Returns the OAuth authorization URL the client should redirect to.
func (s *Service) Login(w http.ResponseWriter, r *http.Request) {
	provider := r.URL.Query().Get("provider")
	if provider == "" {
		provider = "google"
	}
	url := s.auth.AuthorizeURL(provider)
	if url == "" {
		writeError(w, "sign-in is not configured", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"url": url})
}

// Logout handles POST /api/v1/auth/logout
// Local state clears immediately; the identity backend is told after.
func (s *Service) Logout(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.SignOut(r.Context()); err != nil {
		slog.Warn("remote sign-out failed", "err", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// SessionInfo handles GET /api/v1/auth/session
func (s *Service) SessionInfo(w http.ResponseWriter, _ *http.Request) {
	resp := struct {
		User    *authn.User `json:"user"`
		Loading bool        `json:"loading"`
	}{
		User:    s.auth.User(),
		Loading: s.auth.Loading(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func writeSnapshot[T any](w http.ResponseWriter, snap fetch.State[T]) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
