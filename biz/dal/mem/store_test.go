package mem

import (
	"context"
	"errors"
	"testing"

	"github.com/gogogo1024/cex-trade-core/biz/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func limitOrder(id string, seq uint64, side model.Side, price, amount string) *model.Order {
	return &model.Order{
		OrderID: id, Seq: seq, UserID: "u-" + id, Symbol: "BTC/USDT", Kind: model.MarketSpot,
		Side: side, Status: model.OrderStatusOpen, Type: model.OrderTypeLimit, TimeInForce: model.TimeInForceGTC,
		Price: d(price), Amount: d(amount), Filled: decimal.Zero,
	}
}

func ids(orders []model.Order) []string {
	res := make([]string, 0, len(orders))
	for _, o := range orders {
		res = append(res, o.OrderID)
	}
	return res
}

func TestOpenOrdersPriceTimePriority(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.CreateOrder(ctx, limitOrder("b1", 1, model.SideBuy, "100", "1")))
	require.NoError(t, s.CreateOrder(ctx, limitOrder("b2", 2, model.SideBuy, "101", "1")))
	require.NoError(t, s.CreateOrder(ctx, limitOrder("b3", 3, model.SideBuy, "100", "1")))
	require.NoError(t, s.CreateOrder(ctx, limitOrder("a1", 4, model.SideSell, "105", "1")))
	require.NoError(t, s.CreateOrder(ctx, limitOrder("a2", 5, model.SideSell, "103", "1")))
	require.NoError(t, s.CreateOrder(ctx, limitOrder("a3", 6, model.SideSell, "103", "1")))

	bids, err := s.OpenOrders(ctx, "BTC/USDT", model.MarketSpot, model.SideBuy, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"b2", "b1", "b3"}, ids(bids))

	asks, err := s.OpenOrders(ctx, "BTC/USDT", model.MarketSpot, model.SideSell, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a2", "a3"}, ids(asks))

	all, err := s.ListOpenOrders(ctx, "BTC/USDT", model.MarketSpot)
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

func TestLockUnlockBalance(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.AdjustBalance(ctx, "alice", "USDT", d("100"), model.ReasonDeposit, ""))

	res := &model.Reservation{ReservationID: "r1", OrderID: "o1", UserID: "alice", Asset: "USDT", Amount: d("60")}
	require.NoError(t, s.LockBalance(ctx, res))
	assert.True(t, res.Remaining.Equal(d("60")))

	b, _ := s.GetBalance(ctx, "alice", "USDT")
	assert.True(t, b.Available.Equal(d("40")))
	assert.True(t, b.Frozen.Equal(d("60")))

	err := s.LockBalance(ctx, &model.Reservation{ReservationID: "r2", UserID: "alice", Asset: "USDT", Amount: d("41")})
	var be *model.BalanceError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "alice", be.UserID)
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)

	released, err := s.UnlockBalance(ctx, "r1", d("10"))
	require.NoError(t, err)
	assert.True(t, released.Equal(d("10")))
	released, err = s.UnlockBalance(ctx, "r1", decimal.Zero)
	require.NoError(t, err)
	assert.True(t, released.Equal(d("50")))

	_, err = s.UnlockBalance(ctx, "r1", decimal.Zero)
	assert.ErrorIs(t, err, model.ErrReservationReleased)

	b, _ = s.GetBalance(ctx, "alice", "USDT")
	assert.True(t, b.Available.Equal(d("100")))
	assert.True(t, b.Frozen.IsZero())
}

func TestAdjustBalanceRejectsNegative(t *testing.T) {
	s := NewStore()
	err := s.AdjustBalance(context.Background(), "bob", "BTC", d("-1"), model.ReasonTrade, "")
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)
	assert.Empty(t, s.Journal())
}

func TestCancelOrderReleasesReservation(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.AdjustBalance(ctx, "u-b1", "USDT", d("100"), model.ReasonDeposit, ""))
	o := limitOrder("b1", 1, model.SideBuy, "50", "2")
	o.ReservationID = "r-b1"
	require.NoError(t, s.LockBalance(ctx, &model.Reservation{ReservationID: "r-b1", OrderID: "b1", UserID: "u-b1", Asset: "USDT", Amount: d("100")}))
	require.NoError(t, s.CreateOrder(ctx, o))

	cancelled, err := s.CancelOrder(ctx, "b1", model.OrderStatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, cancelled.Status)

	b, _ := s.GetBalance(ctx, "u-b1", "USDT")
	assert.True(t, b.Available.Equal(d("100")))

	bids, _ := s.OpenOrders(ctx, "BTC/USDT", model.MarketSpot, model.SideBuy, 0)
	assert.Empty(t, bids)

	_, err = s.CancelOrder(ctx, "b1", model.OrderStatusCancelled)
	assert.ErrorIs(t, err, model.ErrAlreadyTerminal)
	_, err = s.CancelOrder(ctx, "missing", model.OrderStatusCancelled)
	assert.ErrorIs(t, err, model.ErrOrderNotFound)
}

func seedTrade(t *testing.T, s *Store) {
	ctx := context.Background()
	require.NoError(t, s.AdjustBalance(ctx, "buyer", "USDT", d("100"), model.ReasonDeposit, ""))
	require.NoError(t, s.AdjustBalance(ctx, "seller", "BTC", d("1"), model.ReasonDeposit, ""))
	buy := limitOrder("buy", 1, model.SideBuy, "100", "1")
	buy.UserID, buy.ReservationID = "buyer", "r-buy"
	sell := limitOrder("sell", 2, model.SideSell, "100", "1")
	sell.UserID, sell.ReservationID = "seller", "r-sell"
	require.NoError(t, s.LockBalance(ctx, &model.Reservation{ReservationID: "r-buy", OrderID: "buy", UserID: "buyer", Asset: "USDT", Amount: d("100")}))
	require.NoError(t, s.LockBalance(ctx, &model.Reservation{ReservationID: "r-sell", OrderID: "sell", UserID: "seller", Asset: "BTC", Amount: d("1")}))
	require.NoError(t, s.CreateOrder(ctx, buy))
	require.NoError(t, s.CreateOrder(ctx, sell))
}

func tradeEffects() *model.TradeEffects {
	return &model.TradeEffects{
		Trade: model.Trade{TradeID: "t1", Symbol: "BTC/USDT", Kind: model.MarketSpot, Price: d("100"), Amount: d("1")},
		Fills: []model.OrderFill{
			{OrderID: "buy", Version: 0, Filled: d("1"), Status: model.OrderStatusFilled},
			{OrderID: "sell", Version: 0, Filled: d("1"), Status: model.OrderStatusFilled},
		},
		Reservations: []model.ReservationUse{
			{ReservationID: "r-buy", Consume: d("100"), ReleaseRest: true},
			{ReservationID: "r-sell", Consume: d("1"), ReleaseRest: true},
		},
		Balances: []model.BalanceDelta{
			{UserID: "buyer", Asset: "BTC", Delta: d("1"), Reason: model.ReasonTrade},
			{UserID: "seller", Asset: "USDT", Delta: d("100"), Reason: model.ReasonTrade},
		},
	}
}

func TestApplyTradeCommits(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedTrade(t, s)
	require.NoError(t, s.ApplyTrade(ctx, tradeEffects()))

	buyerBTC, _ := s.GetBalance(ctx, "buyer", "BTC")
	buyerUSDT, _ := s.GetBalance(ctx, "buyer", "USDT")
	sellerUSDT, _ := s.GetBalance(ctx, "seller", "USDT")
	assert.True(t, buyerBTC.Available.Equal(d("1")))
	assert.True(t, buyerUSDT.Total().IsZero())
	assert.True(t, sellerUSDT.Available.Equal(d("100")))

	o, _ := s.GetOrder(ctx, "buy")
	assert.Equal(t, model.OrderStatusFilled, o.Status)
	assert.Equal(t, int64(1), o.Version)

	bids, _ := s.OpenOrders(ctx, "BTC/USDT", model.MarketSpot, model.SideBuy, 0)
	assert.Empty(t, bids)

	trades, _ := s.ListTrades(ctx, "BTC/USDT", model.MarketSpot, 10)
	require.Len(t, trades, 1)
	assert.Equal(t, "t1", trades[0].TradeID)
}

func TestApplyTradeConflictLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedTrade(t, s)
	fx := tradeEffects()
	fx.Fills[1].Version = 7

	err := s.ApplyTrade(ctx, fx)
	assert.ErrorIs(t, err, model.ErrConflict)

	b, _ := s.GetBalance(ctx, "buyer", "USDT")
	assert.True(t, b.Frozen.Equal(d("100")))
	o, _ := s.GetOrder(ctx, "buy")
	assert.Equal(t, model.OrderStatusOpen, o.Status)
	trades, _ := s.ListTrades(ctx, "", "", 0)
	assert.Empty(t, trades)
}

func TestApplyTradeShortfall(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedTrade(t, s)
	fx := tradeEffects()
	fx.Balances = append(fx.Balances, model.BalanceDelta{UserID: "buyer", Asset: "USDT", Delta: d("-5"), Reason: model.ReasonFee})

	err := s.ApplyTrade(ctx, fx)
	var be *model.BalanceError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "buyer", be.UserID)

	o, _ := s.GetOrder(ctx, "sell")
	assert.Equal(t, int64(0), o.Version)
}

func TestApplyTradePositionVersion(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	pos := model.Position{UserID: "alice", Symbol: "BTC/USDT", Kind: model.MarketPerpetual, Side: model.PositionLong, Size: d("1")}
	fx := &model.TradeEffects{Trade: model.Trade{TradeID: "t1"}, Positions: []model.PositionChange{{Position: pos, Created: true}}}
	require.NoError(t, s.ApplyTrade(ctx, fx))

	got, err := s.GetPosition(ctx, "alice", "BTC/USDT", model.MarketPerpetual)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(1), got.Version)

	assert.ErrorIs(t, s.ApplyTrade(ctx, fx), model.ErrConflict)

	missing, err := s.GetPosition(ctx, "bob", "BTC/USDT", model.MarketPerpetual)
	require.NoError(t, err)
	assert.Nil(t, missing)
}
