package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/predik/market-gateway/internal/model"
)

// PostgresBackend implements Backend against the hosted Predik database.
// Numeric columns are selected as ::TEXT and parsed into decimals for
// exact precision. Mutations are stored-procedure calls returning a JSON
// envelope {success, error|message, ...}.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend creates a PostgreSQL-backed Backend.
func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

// procResult is the JSON envelope every backend procedure returns.
type procResult struct {
	Success       bool            `json:"success"`
	Error         string          `json:"error"`
	Message       string          `json:"message"`
	TradeID       string          `json:"trade_id"`
	SharesBought  decimal.Decimal `json:"shares_bought"`
	PricePerShare decimal.Decimal `json:"price_per_share"`
}

// callProc invokes a stored procedure returning a JSON envelope and maps
// the envelope onto the error taxonomy: success → nil, "already exists"
// → ErrAlreadyExists, anything else → RejectionError with the backend's
// verbatim message.
func (b *PostgresBackend) callProc(ctx context.Context, call string, args ...any) (*procResult, error) {
	var raw []byte
	if err := b.pool.QueryRow(ctx, call, args...).Scan(&raw); err != nil {
		return nil, fmt.Errorf("call %s: %w", call, err)
	}
	var res procResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode result of %s: %w", call, err)
	}
	if res.Success {
		return &res, nil
	}
	msg := res.Error
	if msg == "" {
		msg = res.Message
	}
	if strings.Contains(strings.ToLower(msg), "already exists") {
		return &res, ErrAlreadyExists
	}
	return &res, &RejectionError{Message: msg}
}

func (b *PostgresBackend) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	var p model.Profile
	var balance, volume, pnl, winRate string

	err := b.pool.QueryRow(ctx,
		`SELECT id, full_name, COALESCE(username, ''), COALESCE(avatar_url, ''),
		        COALESCE(auth_provider, ''),
		        balance::TEXT, total_volume::TEXT,
		        markets_traded, markets_won,
		        total_profit_loss::TEXT, win_rate::TEXT, is_admin
		 FROM users_profile WHERE id = $1`, userID).
		Scan(&p.ID, &p.FullName, &p.Username, &p.AvatarURL, &p.AuthProvider,
			&balance, &volume, &p.MarketsTraded, &p.MarketsWon,
			&pnl, &winRate, &p.IsAdmin)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", userID, err)
	}

	p.Balance, _ = decimal.NewFromString(balance)
	p.TotalVolume, _ = decimal.NewFromString(volume)
	p.TotalProfitLoss, _ = decimal.NewFromString(pnl)
	p.WinRate, _ = decimal.NewFromString(winRate)

	return &p, nil
}

func (b *PostgresBackend) CreateProfile(ctx context.Context, np NewProfile) (*model.Profile, error) {
	_, err := b.callProc(ctx,
		`SELECT create_user_profile($1, $2, $3, $4, $5)`,
		np.UserID, np.FullName, np.Username, nullable(np.AvatarURL), np.AuthProvider)
	if err != nil {
		return nil, err
	}
	return b.GetProfile(ctx, np.UserID)
}

func (b *PostgresBackend) GetActiveMarkets(ctx context.Context) ([]model.MarketRecord, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT m.id, m.title, m.description, m.category, m.type, m.status,
		        m.end_date, m.created_at,
		        m.total_volume::TEXT, m.participant_count,
		        p.yes_price::TEXT, p.no_price::TEXT
		 FROM markets m
		 LEFT JOIN binary_market_pools p ON p.market_id = m.id
		 WHERE m.status = 'active'
		 ORDER BY m.created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs, err := scanMarkets(rows)
	if err != nil {
		return nil, err
	}
	if err := b.attachOptions(ctx, recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (b *PostgresBackend) GetMarketDetails(ctx context.Context, marketID string) (*model.MarketRecord, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT m.id, m.title, m.description, m.category, m.type, m.status,
		        m.end_date, m.created_at,
		        m.total_volume::TEXT, m.participant_count,
		        p.yes_price::TEXT, p.no_price::TEXT
		 FROM markets m
		 LEFT JOIN binary_market_pools p ON p.market_id = m.id
		 WHERE m.id = $1`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs, err := scanMarkets(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	if err := b.attachOptions(ctx, recs); err != nil {
		return nil, err
	}
	return &recs[0], nil
}

// attachOptions loads option rows for the multiple-choice markets in recs,
// preserving the backend's display order.
func (b *PostgresBackend) attachOptions(ctx context.Context, recs []model.MarketRecord) error {
	byID := make(map[string]*model.MarketRecord)
	var ids []string
	for i := range recs {
		if recs[i].Kind == model.KindMultiple {
			byID[recs[i].ID] = &recs[i]
			ids = append(ids, recs[i].ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	rows, err := b.pool.Query(ctx,
		`SELECT id, market_id, option_text,
		        current_price::TEXT, pool_amount::TEXT, share_count::TEXT,
		        COALESCE(option_color, ''), COALESCE(is_winning, FALSE)
		 FROM market_options
		 WHERE market_id = ANY($1)
		 ORDER BY market_id, display_order`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var opt model.OptionRecord
		var price, pool, shares string
		if err := rows.Scan(&opt.ID, &opt.MarketID, &opt.Label,
			&price, &pool, &shares, &opt.Color, &opt.Winning); err != nil {
			return err
		}
		opt.CurrentPrice, _ = decimal.NewFromString(price)
		opt.PoolAmount, _ = decimal.NewFromString(pool)
		opt.ShareCount, _ = decimal.NewFromString(shares)
		if rec, ok := byID[opt.MarketID]; ok {
			rec.Options = append(rec.Options, opt)
		}
	}
	return rows.Err()
}

func (b *PostgresBackend) ExecuteBinaryTrade(ctx context.Context, marketID, userID, tradeType string, amount decimal.Decimal) (*model.TradeResult, error) {
	res, err := b.callProc(ctx,
		`SELECT execute_binary_trade($1, $2, $3, $4::NUMERIC)`,
		marketID, userID, tradeType, amount.String())
	if err != nil {
		return nil, err
	}
	return &model.TradeResult{
		TradeID:       res.TradeID,
		SharesBought:  res.SharesBought,
		PricePerShare: res.PricePerShare,
	}, nil
}

func (b *PostgresBackend) ExecuteOptionTrade(ctx context.Context, marketID, userID, optionID, direction string, amount decimal.Decimal) (*model.TradeResult, error) {
	res, err := b.callProc(ctx,
		`SELECT execute_option_trade($1, $2, $3, $4, $5::NUMERIC)`,
		marketID, userID, optionID, direction, amount.String())
	if err != nil {
		return nil, err
	}
	return &model.TradeResult{
		TradeID:       res.TradeID,
		SharesBought:  res.SharesBought,
		PricePerShare: res.PricePerShare,
	}, nil
}

func (b *PostgresBackend) ResolveMarket(ctx context.Context, marketID, adminID, outcome string) error {
	_, err := b.callProc(ctx,
		`SELECT resolve_binary_market($1, $2, $3)`,
		marketID, adminID, outcome)
	return err
}

func (b *PostgresBackend) GetPositions(ctx context.Context, userID, marketID string) ([]model.Position, error) {
	query := `SELECT up.id, up.user_id, up.market_id, COALESCE(up.option_id, ''),
	                 up.position_type,
	                 up.shares_owned::TEXT, up.average_price::TEXT,
	                 up.total_invested::TEXT, up.current_value::TEXT,
	                 up.unrealized_pnl::TEXT,
	                 m.title, m.status, m.end_date,
	                 COALESCE(o.option_text, '')
	          FROM user_positions up
	          JOIN markets m ON m.id = up.market_id
	          LEFT JOIN market_options o ON o.id = up.option_id
	          WHERE up.user_id = $1`
	args := []any{userID}
	if marketID != "" {
		query += ` AND up.market_id = $2`
		args = append(args, marketID)
	}

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var shares, avg, invested, value, pnl string
		if err := rows.Scan(&p.ID, &p.UserID, &p.MarketID, &p.OptionID,
			&p.PositionType, &shares, &avg, &invested, &value, &pnl,
			&p.MarketTitle, &p.MarketStatus, &p.MarketEndDate,
			&p.OptionLabel); err != nil {
			return nil, err
		}
		p.SharesOwned, _ = decimal.NewFromString(shares)
		p.AveragePrice, _ = decimal.NewFromString(avg)
		p.TotalInvested, _ = decimal.NewFromString(invested)
		p.CurrentValue, _ = decimal.NewFromString(value)
		p.UnrealizedPnL, _ = decimal.NewFromString(pnl)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (b *PostgresBackend) GetTrades(ctx context.Context, userID string, limit int) ([]model.TradeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := b.pool.Query(ctx,
		`SELECT t.id, t.user_id, t.market_id, COALESCE(t.option_id, ''),
		        t.trade_type,
		        t.shares::TEXT, t.price_per_share::TEXT, t.amount::TEXT,
		        t.created_at, m.title
		 FROM trades t
		 JOIN markets m ON m.id = t.market_id
		 WHERE t.user_id = $1
		 ORDER BY t.created_at DESC
		 LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.TradeRecord
	for rows.Next() {
		var t model.TradeRecord
		var shares, price, amount string
		if err := rows.Scan(&t.ID, &t.UserID, &t.MarketID, &t.OptionID,
			&t.TradeType, &shares, &price, &amount,
			&t.CreatedAt, &t.MarketTitle); err != nil {
			return nil, err
		}
		t.Shares, _ = decimal.NewFromString(shares)
		t.PricePerShare, _ = decimal.NewFromString(price)
		t.Amount, _ = decimal.NewFromString(amount)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (b *PostgresBackend) GetPriceHistory(ctx context.Context, marketID, optionID string, hours int) ([]model.PricePoint, error) {
	if hours <= 0 {
		hours = 24
	}
	rows, err := b.pool.Query(ctx,
		`SELECT market_id, COALESCE(option_id, ''), price::TEXT, recorded_at
		 FROM market_price_history
		 WHERE market_id = $1
		   AND COALESCE(option_id, '') = $2
		   AND recorded_at >= NOW() - ($3 || ' hours')::INTERVAL
		 ORDER BY recorded_at`, marketID, optionID, hours)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []model.PricePoint
	for rows.Next() {
		var p model.PricePoint
		var price string
		if err := rows.Scan(&p.MarketID, &p.OptionID, &price, &p.At); err != nil {
			return nil, err
		}
		p.Price, _ = decimal.NewFromString(price)
		points = append(points, p)
	}
	return points, rows.Err()
}

func (b *PostgresBackend) GetComments(ctx context.Context, marketID string) ([]model.Comment, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT c.id, c.market_id, c.user_id, c.content, c.created_at,
		        COALESCE(u.username, ''), COALESCE(u.avatar_url, '')
		 FROM market_comments c
		 LEFT JOIN users_profile u ON u.id = c.user_id
		 WHERE c.market_id = $1
		 ORDER BY c.created_at`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var comments []model.Comment
	for rows.Next() {
		var c model.Comment
		if err := rows.Scan(&c.ID, &c.MarketID, &c.UserID, &c.Body,
			&c.CreatedAt, &c.Username, &c.AvatarURL); err != nil {
			return nil, err
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

func (b *PostgresBackend) AddComment(ctx context.Context, marketID, userID, body string) (*model.Comment, error) {
	var c model.Comment
	err := b.pool.QueryRow(ctx,
		`WITH inserted AS (
		     INSERT INTO market_comments (market_id, user_id, content)
		     VALUES ($1, $2, $3)
		     RETURNING id, market_id, user_id, content, created_at
		 )
		 SELECT i.id, i.market_id, i.user_id, i.content, i.created_at,
		        COALESCE(u.username, ''), COALESCE(u.avatar_url, '')
		 FROM inserted i
		 LEFT JOIN users_profile u ON u.id = i.user_id`,
		marketID, userID, strings.TrimSpace(body)).
		Scan(&c.ID, &c.MarketID, &c.UserID, &c.Body, &c.CreatedAt,
			&c.Username, &c.AvatarURL)
	if err != nil {
		return nil, fmt.Errorf("add comment: %w", err)
	}
	return &c, nil
}

// scanMarkets reads joined market+pool rows. NULL pool prices mean the
// market has no binary pool row (or is multiple-choice).
func scanMarkets(rows pgx.Rows) ([]model.MarketRecord, error) {
	var recs []model.MarketRecord
	for rows.Next() {
		var m model.MarketRecord
		var volume string
		var yes, no *string
		if err := rows.Scan(&m.ID, &m.Title, &m.Description, &m.Category,
			&m.Kind, &m.Status, &m.EndDate, &m.CreatedAt,
			&volume, &m.ParticipantCount, &yes, &no); err != nil {
			return nil, err
		}
		m.TotalVolume, _ = decimal.NewFromString(volume)
		if yes != nil && no != nil {
			pool := &model.BinaryPool{}
			pool.YesPrice, _ = decimal.NewFromString(*yes)
			pool.NoPrice, _ = decimal.NewFromString(*no)
			m.Pool = pool
		}
		recs = append(recs, m)
	}
	return recs, rows.Err()
}

// nullable maps empty strings onto SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
