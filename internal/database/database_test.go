package database

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"bot-execution-core/internal/broker"
	"bot-execution-core/internal/risk"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRow scans a fixed set of values
type fakeRow struct {
	values []interface{}
	err    error
}

func (r fakeRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case *float64:
			*p = r.values[i].(float64)
		case *int:
			*p = r.values[i].(int)
		case *bool:
			*p = r.values[i].(bool)
		}
	}
	return nil
}

type execCall struct {
	sql  string
	args []interface{}
}

// fakeQuerier routes QueryRow by table name
type fakeQuerier struct {
	execs        []execCall
	execErr      error
	rowsAffected int64
	limits       *fakeRow
	count        *fakeRow
}

func (f *fakeQuerier) Exec(_ context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql, args})
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	return pgconn.NewCommandTag("UPDATE " + strconv.FormatInt(f.rowsAffected, 10)), nil
}

func (f *fakeQuerier) QueryRow(_ context.Context, sql string, _ ...interface{}) pgx.Row {
	if strings.Contains(sql, "user_trade_limits") {
		if f.limits == nil {
			return fakeRow{err: pgx.ErrNoRows}
		}
		return *f.limits
	}
	if f.count == nil {
		return fakeRow{values: []interface{}{0}}
	}
	return *f.count
}

func TestRunMigrations(t *testing.T) {
	q := &fakeQuerier{}
	require.NoError(t, runMigrations(context.Background(), q, zerolog.Nop()))
	assert.Len(t, q.execs, len(migrations))

	q = &fakeQuerier{execErr: errors.New("permission denied")}
	err := runMigrations(context.Background(), q, zerolog.Nop())
	assert.ErrorContains(t, err, "migration 0 failed")
}

func TestTradeRepositoryLogsLifecycle(t *testing.T) {
	q := &fakeQuerier{rowsAffected: 1}
	repo := NewTradeRepository(q, zerolog.Nop())
	ctx := context.Background()
	placedAt := time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC)

	err := repo.LogOpen(ctx, "u1", "b1",
		&broker.Proposal{Symbol: "EURUSD", Direction: broker.DirectionBuy, Stake: 10, Payout: 8.5},
		&broker.Placement{ContractID: "c-1", EntryPrice: 1.085, PlacedAt: placedAt},
	)
	require.NoError(t, err)
	require.Len(t, q.execs, 1)
	assert.Contains(t, q.execs[0].sql, "INSERT INTO bot_trades")
	assert.Equal(t, []interface{}{"u1", "b1", "c-1", "EURUSD", "BUY", 10.0, 8.5, 1.085, TradeStatusOpen, placedAt}, q.execs[0].args)

	err = repo.UpdateOnSettlement(ctx, "u1", "b1", broker.Settlement{
		ContractID: "c-1", Status: broker.StatusWon, ProfitLoss: 8.5, ExitPrice: 1.09, BalanceAfter: 1008.5,
	})
	require.NoError(t, err)
	require.Len(t, q.execs, 2)
	assert.Contains(t, q.execs[1].sql, "UPDATE bot_trades")
	assert.Equal(t, "c-1", q.execs[1].args[2])
	assert.Equal(t, broker.StatusWon, q.execs[1].args[6])
}

func TestTradeRepositoryWrapsErrors(t *testing.T) {
	dbErr := errors.New("connection refused")
	repo := NewTradeRepository(&fakeQuerier{execErr: dbErr}, zerolog.Nop())

	err := repo.UpdateOnSettlement(context.Background(), "u1", "b1", broker.Settlement{ContractID: "c-9"})
	assert.ErrorIs(t, err, dbErr)
	assert.Contains(t, err.Error(), "c-9")
}

func TestCanExecuteTrade(t *testing.T) {
	tests := []struct {
		name    string
		limits  *fakeRow
		count   *fakeRow
		stake   float64
		allowed bool
		reason  string
	}{
		{name: "no limits row", stake: 1000, allowed: true},
		{
			name:    "disabled limits",
			limits:  &fakeRow{values: []interface{}{"u1", 5.0, 1, false}},
			stake:   100,
			allowed: true,
		},
		{
			name:   "stake above maximum",
			limits: &fakeRow{values: []interface{}{"u1", 50.0, 0, true}},
			stake:  75,
			reason: "exceeds user maximum",
		},
		{
			name:    "under daily ceiling",
			limits:  &fakeRow{values: []interface{}{"u1", 0.0, 10, true}},
			count:   &fakeRow{values: []interface{}{9}},
			stake:   5,
			allowed: true,
		},
		{
			name:   "daily ceiling reached",
			limits: &fakeRow{values: []interface{}{"u1", 0.0, 10, true}},
			count:  &fakeRow{values: []interface{}{10}},
			stake:  5,
			reason: "daily trade limit reached (10/10)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := NewTradeLimitRepository(&fakeQuerier{limits: tt.limits, count: tt.count})
			ok, reason, err := repo.CanExecuteTrade(context.Background(), "u1", tt.stake)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, ok)
			if tt.reason != "" {
				assert.Contains(t, reason, tt.reason)
			}
		})
	}
}

func TestCanExecuteTradeQueryError(t *testing.T) {
	boom := errors.New("timeout")
	repo := NewTradeLimitRepository(&fakeQuerier{limits: &fakeRow{err: boom}})
	ok, _, err := repo.CanExecuteTrade(context.Background(), "u1", 1)
	assert.False(t, ok)
	assert.ErrorIs(t, err, boom)
}

func TestRedisMetricsStoreRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	store := NewRedisMetricsStore(ctx, client, zerolog.Nop())
	require.True(t, store.IsRedisAvailable())

	got, err := store.Load(ctx, "u1", "b1")
	require.NoError(t, err)
	assert.Nil(t, got)

	m := risk.Metrics{Day: "2024-03-06", TradeCountToday: 3, ProfitLossToday: -12.5, StartBalance: 1000, ConsecutiveLosses: 2}
	require.NoError(t, store.Save(ctx, "u1", "b1", m))
	assert.True(t, mr.Exists("risk:metrics:u1:b1"))
	assert.Equal(t, MetricsTTL, mr.TTL("risk:metrics:u1:b1"))

	got, err = store.Load(ctx, "u1", "b1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, m.TradeCountToday, got.TradeCountToday)
	assert.Equal(t, m.ProfitLossToday, got.ProfitLossToday)
	assert.Equal(t, m.ConsecutiveLosses, got.ConsecutiveLosses)

	require.NoError(t, store.Delete(ctx, "u1", "b1"))
	assert.False(t, mr.Exists("risk:metrics:u1:b1"))
}

func TestRedisMetricsStoreFallsBackToMemory(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 50 * time.Millisecond})
	defer client.Close()
	ctx := context.Background()

	store := NewRedisMetricsStore(ctx, client, zerolog.Nop())
	mr.Close()

	m := risk.Metrics{Day: "2024-03-06", TradeCountToday: 1}
	require.NoError(t, store.Save(ctx, "u1", "b1", m))
	assert.False(t, store.IsRedisAvailable())

	got, err := store.Load(ctx, "u1", "b1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.TradeCountToday)
}

func TestRedisMetricsStoreMemoryOnly(t *testing.T) {
	ctx := context.Background()
	store := NewRedisMetricsStore(ctx, nil, zerolog.Nop())

	require.NoError(t, store.Save(ctx, "u1", "b1", risk.Metrics{TradeCountToday: 4}))
	got, err := store.Load(ctx, "u1", "b1")
	require.NoError(t, err)
	assert.Equal(t, 4, got.TradeCountToday)

	require.NoError(t, store.Delete(ctx, "u1", "b1"))
	got, _ = store.Load(ctx, "u1", "b1")
	assert.Nil(t, got)
}

func TestRiskManagerRestoresFromRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	now := time.Date(2024, 3, 6, 15, 0, 0, 0, time.UTC)
	store := NewRedisMetricsStore(ctx, client, zerolog.Nop())

	first := risk.NewManagerWithClock(risk.Limits{MaxTradesPerDay: 5}, zerolog.Nop(), func() time.Time { return now })
	first.SetStore(store)
	first.Init("b1", "u1", 1000)
	for _, bal := range []float64{990, 980} {
		first.RecordPlacement("b1", "u1")
		first.RecordTradeResult("b1", "u1", -10, bal)
	}
	require.NoError(t, first.Snapshot(ctx, "b1", "u1"))

	second := risk.NewManagerWithClock(risk.Limits{MaxTradesPerDay: 5}, zerolog.Nop(), func() time.Time { return now })
	second.SetStore(store)
	ok, err := second.Restore(ctx, "b1", "u1")
	require.NoError(t, err)
	require.True(t, ok)

	m, _ := second.GetMetrics("b1", "u1")
	assert.Equal(t, 2, m.TradeCountToday)
	assert.Equal(t, 2, m.ConsecutiveLosses)
	assert.InDelta(t, -20, m.ProfitLossToday, 1e-9)
}
