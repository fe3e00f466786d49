package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bot-execution-core/internal/broker"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// Trade status values in bot_trades
const (
	TradeStatusOpen = "open"
)

// TradeRepository is the persistent log of every trade a bot places
type TradeRepository struct {
	q      Querier
	logger zerolog.Logger
}

func NewTradeRepository(q Querier, logger zerolog.Logger) *TradeRepository {
	return &TradeRepository{q: q, logger: logger.With().Str("component", "trade_log").Logger()}
}

// LogOpen records a placed trade
func (r *TradeRepository) LogOpen(ctx context.Context, userID, botID string, p *broker.Proposal, placement *broker.Placement) error {
	query := `
		INSERT INTO bot_trades (user_id, bot_id, contract_id, symbol, direction, stake, payout, entry_price, status, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (bot_id, contract_id) DO NOTHING
	`
	_, err := r.q.Exec(ctx, query,
		userID, botID, placement.ContractID, p.Symbol, p.Direction, p.Stake, p.Payout,
		placement.EntryPrice, TradeStatusOpen, placement.PlacedAt,
	)
	if err != nil {
		return fmt.Errorf("log open trade %s: %w", placement.ContractID, err)
	}
	return nil
}

// UpdateOnSettlement stores the result of a settled contract
func (r *TradeRepository) UpdateOnSettlement(ctx context.Context, userID, botID string, s broker.Settlement) error {
	query := `
		UPDATE bot_trades
		SET exit_price = $4, profit_loss = $5, balance_after = $6, status = $7, settled_at = $8
		WHERE user_id = $1 AND bot_id = $2 AND contract_id = $3
	`
	tag, err := r.q.Exec(ctx, query,
		userID, botID, s.ContractID, s.ExitPrice, s.ProfitLoss, s.BalanceAfter, s.Status, s.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("update settled trade %s: %w", s.ContractID, err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Warn().Str("contract_id", s.ContractID).Str("bot_id", botID).Msg("Settlement for unknown trade")
	}
	return nil
}

// TradeLimits are per-user ceilings set by the platform. Zero disables a limit.
type TradeLimits struct {
	UserID         string
	MaxStake       float64
	MaxDailyTrades int
	Enabled        bool
}

// TradeLimitRepository answers whether a user may open another trade
type TradeLimitRepository struct {
	q   Querier
	now func() time.Time
}

func NewTradeLimitRepository(q Querier) *TradeLimitRepository {
	return &TradeLimitRepository{q: q, now: time.Now}
}

// GetLimits returns nil when the user has no row
func (r *TradeLimitRepository) GetLimits(ctx context.Context, userID string) (*TradeLimits, error) {
	query := `SELECT user_id, max_stake, max_daily_trades, enabled FROM user_trade_limits WHERE user_id = $1`
	l := &TradeLimits{}
	err := r.q.QueryRow(ctx, query, userID).Scan(&l.UserID, &l.MaxStake, &l.MaxDailyTrades, &l.Enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trade limits for %s: %w", userID, err)
	}
	return l, nil
}

// CountTradesToday counts trades opened by the user since UTC midnight
func (r *TradeLimitRepository) CountTradesToday(ctx context.Context, userID string) (int, error) {
	now := r.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var n int
	err := r.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM bot_trades WHERE user_id = $1 AND opened_at >= $2`,
		userID, midnight,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count trades for %s: %w", userID, err)
	}
	return n, nil
}

// CanExecuteTrade returns false with a reason when a limit would be exceeded.
// Users without limits are allowed.
func (r *TradeLimitRepository) CanExecuteTrade(ctx context.Context, userID string, stake float64) (bool, string, error) {
	limits, err := r.GetLimits(ctx, userID)
	if err != nil {
		return false, "", err
	}
	if limits == nil || !limits.Enabled {
		return true, "", nil
	}

	if limits.MaxStake > 0 && stake > limits.MaxStake {
		return false, fmt.Sprintf("stake %.2f exceeds user maximum %.2f", stake, limits.MaxStake), nil
	}

	if limits.MaxDailyTrades > 0 {
		n, err := r.CountTradesToday(ctx, userID)
		if err != nil {
			return false, "", err
		}
		if n >= limits.MaxDailyTrades {
			return false, fmt.Sprintf("daily trade limit reached (%d/%d)", n, limits.MaxDailyTrades), nil
		}
	}

	return true, "", nil
}
