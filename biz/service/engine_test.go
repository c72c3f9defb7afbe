package service

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogogo1024/cex-trade-core/biz/dal/mem"
	"github.com/gogogo1024/cex-trade-core/biz/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

const (
	btc = "BTC/USDT"
	eth = "ETH/USDT"
)

func btcSpot() model.TradingPair {
	return model.TradingPair{
		Symbol: btc, Kind: model.MarketSpot, Base: "BTC", Quote: "USDT",
		MinOrderSize: d("0.001"), MaxOrderSize: d("100"), PricePrecision: 2, QtyPrecision: 6,
		MakerFeeRate: decimal.Zero, TakerFeeRate: decimal.Zero, Active: true,
	}
}

func ethSpot() model.TradingPair {
	return model.TradingPair{
		Symbol: eth, Kind: model.MarketSpot, Base: "ETH", Quote: "USDT",
		MinOrderSize: d("0.1"), MaxOrderSize: d("100"), PricePrecision: 2, QtyPrecision: 1,
		MakerFeeRate: d("0.001"), TakerFeeRate: d("0.002"), Active: true,
	}
}

func btcPerp() model.TradingPair {
	return model.TradingPair{
		Symbol: btc, Kind: model.MarketPerpetual, Base: "BTC", Quote: "USDT",
		MinOrderSize: d("0.001"), MaxOrderSize: d("100"), PricePrecision: 2, QtyPrecision: 6,
		MakerFeeRate: decimal.Zero, TakerFeeRate: decimal.Zero,
		MinLeverage: d("1"), MaxLeverage: d("100"), Active: true,
	}
}

type testEnv struct {
	store  *mem.Store
	marks  *MarkBoard
	engine *MatchEngine
	svc    *OrderService
}

func newTestEnv(t *testing.T, pairs ...model.TradingPair) *testEnv {
	t.Helper()
	ctx := context.Background()
	store := mem.NewStore()
	registry := NewRegistry(store)
	require.NoError(t, SeedPairs(ctx, store, registry, pairs))
	var seq atomic.Uint64
	marks := NewMarkBoard()
	eng := NewMatchEngine(store, registry, marks, func() (uint64, error) { return seq.Add(1), nil }, EngineConfig{NodeID: "test"})
	t.Cleanup(eng.Close)
	return &testEnv{store: store, marks: marks, engine: eng, svc: NewOrderService(store, eng, marks)}
}

func (e *testEnv) deposit(t *testing.T, user, asset, amount string) {
	t.Helper()
	require.NoError(t, e.svc.Deposit(context.Background(), user, asset, d(amount)))
}

func (e *testEnv) place(t *testing.T, req *OrderRequest) *PlaceResult {
	t.Helper()
	res, err := e.svc.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	return res
}

func (e *testEnv) balance(t *testing.T, user, asset string) *model.Balance {
	t.Helper()
	b, err := e.store.GetBalance(context.Background(), user, asset)
	require.NoError(t, err)
	return b
}

func (e *testEnv) order(t *testing.T, id string) *model.Order {
	t.Helper()
	o, err := e.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o
}

func spotLimit(user string, side model.Side, price, amount string) *OrderRequest {
	return &OrderRequest{
		UserID: user, Symbol: btc, Kind: model.MarketSpot, Side: side,
		Type: model.OrderTypeLimit, Price: d(price), Amount: d(amount),
	}
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, d(want).Equal(got), "want %s, got %s %v", want, got, msgAndArgs)
}

// assertLedger 每个用户每个币种冻结等于活跃冻结记录之和，且各币种总量（含持仓保证金）守恒
func (e *testEnv) assertLedger(t *testing.T, users []string, totals map[string]string) {
	t.Helper()
	ctx := context.Background()
	sum := make(map[string]decimal.Decimal)
	for _, u := range append(users, model.FeeAccount) {
		orders, err := e.store.ListUserOrders(ctx, u, "", "")
		require.NoError(t, err)
		frozen := make(map[string]decimal.Decimal)
		for _, o := range orders {
			assert.False(t, o.Filled.GreaterThan(o.Amount), "order %s over-filled", o.OrderID)
			if o.ReservationID == "" {
				continue
			}
			r, err := e.store.GetReservation(ctx, o.ReservationID)
			require.NoError(t, err)
			if r.Status != model.ReservationActive {
				continue
			}
			assert.False(t, o.Status.Terminal(), "terminal order %s keeps reservation", o.OrderID)
			frozen[r.Asset] = frozen[r.Asset].Add(r.Remaining)
		}
		balances, err := e.store.ListBalances(ctx, u)
		require.NoError(t, err)
		for _, b := range balances {
			assert.False(t, b.Available.IsNegative(), "%s %s available negative", u, b.Asset)
			assert.True(t, b.Frozen.Equal(frozen[b.Asset]), "%s %s frozen %s, reservations %s", u, b.Asset, b.Frozen, frozen[b.Asset])
			sum[b.Asset] = sum[b.Asset].Add(b.Total())
		}
		// 持仓占用的保证金计入保证金币种
		positions, err := e.store.ListPositions(ctx, u)
		require.NoError(t, err)
		for _, p := range positions {
			pair, err := e.store.GetPair(ctx, p.Symbol, p.Kind)
			require.NoError(t, err)
			sum[pair.MarginAsset()] = sum[pair.MarginAsset()].Add(p.Margin)
		}
	}
	for asset, total := range totals {
		assertDecimal(t, total, sum[asset], "total %s", asset)
	}
}

func TestSpotFullFill(t *testing.T) {
	env := newTestEnv(t, btcSpot())
	env.deposit(t, "alice", "USDT", "100000")
	env.deposit(t, "bob", "BTC", "2")

	buy := env.place(t, spotLimit("alice", model.SideBuy, "50000", "1.0"))
	assert.Equal(t, model.OrderStatusOpen, buy.Order.Status)
	assert.Empty(t, buy.Trades)

	sell := env.place(t, spotLimit("bob", model.SideSell, "50000", "1.0"))
	require.Len(t, sell.Trades, 1)
	tr := sell.Trades[0]
	assertDecimal(t, "50000", tr.Price)
	assertDecimal(t, "1", tr.Amount)
	assert.Equal(t, buy.Order.OrderID, tr.BuyOrderID)
	assert.Equal(t, sell.Order.OrderID, tr.SellOrderID)
	assert.Equal(t, model.SideSell, tr.TakerSide)
	assert.False(t, tr.SelfTrade)

	assert.Equal(t, model.OrderStatusFilled, sell.Order.Status)
	assert.Equal(t, model.OrderStatusFilled, env.order(t, buy.Order.OrderID).Status)

	alice := env.balance(t, "alice", "USDT")
	assertDecimal(t, "50000", alice.Available)
	assertDecimal(t, "0", alice.Frozen)
	assertDecimal(t, "1", env.balance(t, "alice", "BTC").Available)
	assertDecimal(t, "1", env.balance(t, "bob", "BTC").Available)
	assertDecimal(t, "50000", env.balance(t, "bob", "USDT").Available)
	env.assertLedger(t, []string{"alice", "bob"}, map[string]string{"USDT": "100000", "BTC": "2"})
}

func TestRestingPriceHonored(t *testing.T) {
	env := newTestEnv(t, btcSpot())
	env.deposit(t, "alice", "USDT", "100000")
	env.deposit(t, "bob", "BTC", "1")

	buy := env.place(t, spotLimit("alice", model.SideBuy, "50000", "2.0"))
	sell := env.place(t, spotLimit("bob", model.SideSell, "49000", "0.5"))

	require.Len(t, sell.Trades, 1)
	assertDecimal(t, "50000", sell.Trades[0].Price)
	assertDecimal(t, "0.5", sell.Trades[0].Amount)
	assert.Equal(t, model.OrderStatusFilled, sell.Order.Status)

	resting := env.order(t, buy.Order.OrderID)
	assert.Equal(t, model.OrderStatusPartial, resting.Status)
	assertDecimal(t, "0.5", resting.Filled)
	assertDecimal(t, "1.5", resting.Remaining())

	assertDecimal(t, "75000", env.balance(t, "alice", "USDT").Frozen)
	assertDecimal(t, "25000", env.balance(t, "bob", "USDT").Available)

	book, err := env.svc.GetOrderBook(context.Background(), btc, model.MarketSpot, 10)
	require.NoError(t, err)
	require.Len(t, book.Bids, 1)
	assertDecimal(t, "50000", book.Bids[0].Price)
	assertDecimal(t, "1.5", book.Bids[0].Amount)
	assert.Equal(t, 1, book.Bids[0].Count)
	assert.Empty(t, book.Asks)
	env.assertLedger(t, []string{"alice", "bob"}, map[string]string{"USDT": "100000", "BTC": "1"})
}

func TestPriceTimePriorityAcrossLevels(t *testing.T) {
	env := newTestEnv(t, btcSpot())
	for _, u := range []string{"s1", "s2", "s3"} {
		env.deposit(t, u, "BTC", "1")
	}
	env.deposit(t, "alice", "USDT", "1000000")

	s1 := env.place(t, spotLimit("s1", model.SideSell, "50100", "1"))
	s2 := env.place(t, spotLimit("s2", model.SideSell, "50000", "1"))
	s3 := env.place(t, spotLimit("s3", model.SideSell, "50000", "1"))

	res := env.place(t, spotLimit("alice", model.SideBuy, "50100", "2.5"))
	require.Len(t, res.Trades, 3)
	assert.Equal(t, s2.Order.OrderID, res.Trades[0].SellOrderID)
	assert.Equal(t, s3.Order.OrderID, res.Trades[1].SellOrderID)
	assert.Equal(t, s1.Order.OrderID, res.Trades[2].SellOrderID)
	assertDecimal(t, "50000", res.Trades[0].Price)
	assertDecimal(t, "50100", res.Trades[2].Price)
	assertDecimal(t, "0.5", res.Trades[2].Amount)
	assert.Equal(t, model.OrderStatusFilled, res.Order.Status)
	assert.Equal(t, model.OrderStatusPartial, env.order(t, s1.Order.OrderID).Status)

	// 吃单价格上限 50100，实际成交更便宜，成交后多冻结的部分退回
	alice := env.balance(t, "alice", "USDT")
	assertDecimal(t, "0", alice.Frozen)
	assertDecimal(t, "874950", alice.Available)
}

func TestNoCrossNoTrade(t *testing.T) {
	env := newTestEnv(t, btcSpot())
	env.deposit(t, "alice", "USDT", "100000")
	env.deposit(t, "bob", "BTC", "1")

	env.place(t, spotLimit("alice", model.SideBuy, "49999", "1"))
	res := env.place(t, spotLimit("bob", model.SideSell, "50000", "1"))
	assert.Empty(t, res.Trades)
	assert.Equal(t, model.OrderStatusOpen, res.Order.Status)

	book, err := env.svc.GetOrderBook(context.Background(), btc, model.MarketSpot, 0)
	require.NoError(t, err)
	require.Len(t, book.Bids, 1)
	require.Len(t, book.Asks, 1)
	assert.True(t, book.Bids[0].Price.LessThan(book.Asks[0].Price))
}

func TestCancelSemantics(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, btcSpot())
	env.deposit(t, "alice", "USDT", "100000")
	env.deposit(t, "bob", "BTC", "1")

	buy := env.place(t, spotLimit("alice", model.SideBuy, "50000", "2"))
	env.place(t, spotLimit("bob", model.SideSell, "50000", "0.5"))

	_, err := env.svc.CancelOrder(ctx, "bob", buy.Order.OrderID)
	assert.ErrorIs(t, err, model.ErrOrderNotFound)

	cancelled, err := env.svc.CancelOrder(ctx, "alice", buy.Order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, cancelled.Status)
	assertDecimal(t, "0.5", cancelled.Filled)

	alice := env.balance(t, "alice", "USDT")
	assertDecimal(t, "75000", alice.Available)
	assertDecimal(t, "0", alice.Frozen)

	_, err = env.svc.CancelOrder(ctx, "alice", buy.Order.OrderID)
	assert.ErrorIs(t, err, model.ErrAlreadyTerminal)

	book, err := env.svc.GetOrderBook(ctx, btc, model.MarketSpot, 0)
	require.NoError(t, err)
	assert.Empty(t, book.Bids)
	env.assertLedger(t, []string{"alice", "bob"}, map[string]string{"USDT": "100000", "BTC": "1"})
}

func TestCancelFilledOrder(t *testing.T) {
	env := newTestEnv(t, btcSpot())
	env.deposit(t, "alice", "USDT", "100000")
	env.deposit(t, "bob", "BTC", "1")

	buy := env.place(t, spotLimit("alice", model.SideBuy, "50000", "1"))
	env.place(t, spotLimit("bob", model.SideSell, "50000", "1"))

	_, err := env.svc.CancelOrder(context.Background(), "alice", buy.Order.OrderID)
	assert.ErrorIs(t, err, model.ErrAlreadyTerminal)
}

func TestInsufficientFundsLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, btcSpot())
	env.deposit(t, "alice", "USDT", "100")

	_, err := env.svc.PlaceOrder(ctx, spotLimit("alice", model.SideBuy, "50000", "1"))
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)

	orders, err := env.svc.GetUserOrders(ctx, "alice", "", "")
	require.NoError(t, err)
	assert.Empty(t, orders)
	b := env.balance(t, "alice", "USDT")
	assertDecimal(t, "100", b.Available)
	assertDecimal(t, "0", b.Frozen)
}

func TestAdmissionErrorsBeforeReservation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, btcSpot())
	env.deposit(t, "alice", "USDT", "100000")

	_, err := env.svc.PlaceOrder(ctx, spotLimit("alice", model.SideBuy, "50000", "0.0001"))
	assert.ErrorIs(t, err, model.ErrSizeOutOfBounds)
	_, err = env.svc.PlaceOrder(ctx, &OrderRequest{UserID: "alice", Symbol: "XRP/USDT", Kind: model.MarketSpot,
		Side: model.SideBuy, Type: model.OrderTypeLimit, Price: d("1"), Amount: d("1")})
	assert.ErrorIs(t, err, model.ErrInvalidPair)

	assertDecimal(t, "0", env.balance(t, "alice", "USDT").Frozen)
}

func TestFillOrKill(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, btcSpot())
	env.deposit(t, "alice", "USDT", "100000")
	env.deposit(t, "bob", "BTC", "1")

	ask := env.place(t, spotLimit("bob", model.SideSell, "50000", "0.5"))

	req := spotLimit("alice", model.SideBuy, "50000", "1")
	req.TimeInForce = model.TimeInForceFOK
	res, err := env.svc.PlaceOrder(ctx, req)
	assert.ErrorIs(t, err, model.ErrFOKUnfillable)
	require.NotNil(t, res)
	assert.Equal(t, model.OrderStatusRejected, res.Order.Status)
	assert.Empty(t, res.Trades)
	assertDecimal(t, "0", env.balance(t, "alice", "USDT").Frozen)
	assertDecimal(t, "0.5", env.order(t, ask.Order.OrderID).Remaining())

	req = spotLimit("alice", model.SideBuy, "50000", "0.5")
	req.TimeInForce = model.TimeInForceFOK
	res = env.place(t, req)
	assert.Equal(t, model.OrderStatusFilled, res.Order.Status)
	require.Len(t, res.Trades, 1)
}

func TestImmediateOrCancel(t *testing.T) {
	env := newTestEnv(t, btcSpot())
	env.deposit(t, "alice", "USDT", "100000")
	env.deposit(t, "bob", "BTC", "1")

	env.place(t, spotLimit("bob", model.SideSell, "50000", "0.5"))
	req := spotLimit("alice", model.SideBuy, "50100", "1")
	req.TimeInForce = model.TimeInForceIOC
	res := env.place(t, req)

	require.Len(t, res.Trades, 1)
	assert.Equal(t, model.OrderStatusCancelled, res.Order.Status)
	assertDecimal(t, "0.5", res.Order.Filled)
	alice := env.balance(t, "alice", "USDT")
	assertDecimal(t, "0", alice.Frozen)
	assertDecimal(t, "75000", alice.Available)
}

func TestMarketBuyNeedsMarkPrice(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, btcSpot())
	env.deposit(t, "alice", "USDT", "100000")
	env.deposit(t, "bob", "BTC", "1")
	env.place(t, spotLimit("bob", model.SideSell, "50000", "1"))

	req := &OrderRequest{UserID: "alice", Symbol: btc, Kind: model.MarketSpot, Side: model.SideBuy,
		Type: model.OrderTypeMarket, Amount: d("0.5")}
	_, err := env.svc.PlaceOrder(ctx, req)
	assert.ErrorIs(t, err, model.ErrNoMarkPrice)

	require.NoError(t, env.svc.SetMarkPrice(ctx, btc, model.MarketSpot, d("50000")))
	req = &OrderRequest{UserID: "alice", Symbol: btc, Kind: model.MarketSpot, Side: model.SideBuy,
		Type: model.OrderTypeMarket, Amount: d("0.5")}
	res := env.place(t, req)
	require.Len(t, res.Trades, 1)
	assertDecimal(t, "50000", res.Trades[0].Price)
	assert.Equal(t, model.TimeInForceIOC, res.Order.TimeInForce)
	assert.Equal(t, model.OrderStatusFilled, res.Order.Status)
}

func TestMarketSellRemainderCancelled(t *testing.T) {
	env := newTestEnv(t, btcSpot())
	env.deposit(t, "alice", "USDT", "100000")
	env.deposit(t, "bob", "BTC", "1")
	env.place(t, spotLimit("alice", model.SideBuy, "50000", "0.25"))

	res := env.place(t, &OrderRequest{UserID: "bob", Symbol: btc, Kind: model.MarketSpot, Side: model.SideSell,
		Type: model.OrderTypeMarket, Amount: d("1")})
	require.Len(t, res.Trades, 1)
	assert.Equal(t, model.OrderStatusCancelled, res.Order.Status)
	assertDecimal(t, "0.25", res.Order.Filled)
	bob := env.balance(t, "bob", "BTC")
	assertDecimal(t, "0.75", bob.Available)
	assertDecimal(t, "0", bob.Frozen)

	book, err := env.svc.GetOrderBook(context.Background(), btc, model.MarketSpot, 0)
	require.NoError(t, err)
	assert.Empty(t, book.Asks)
}

func TestSelfTradeFlagged(t *testing.T) {
	env := newTestEnv(t, btcSpot())
	env.deposit(t, "alice", "USDT", "100000")
	env.deposit(t, "alice", "BTC", "1")

	env.place(t, spotLimit("alice", model.SideBuy, "50000", "1"))
	res := env.place(t, spotLimit("alice", model.SideSell, "50000", "1"))
	require.Len(t, res.Trades, 1)
	assert.True(t, res.Trades[0].SelfTrade)
	env.assertLedger(t, []string{"alice"}, map[string]string{"USDT": "100000", "BTC": "1"})
}

func TestMakerWithoutFundsIsCancelled(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, btcSpot())
	env.deposit(t, "alice", "USDT", "100000")
	env.deposit(t, "bob", "BTC", "1")

	ask := env.place(t, spotLimit("bob", model.SideSell, "50000", "1"))
	// 绕过撮合把卖单的冻结释放并提走
	_, err := env.store.UnlockBalance(ctx, ask.Order.ReservationID, decimal.Zero)
	require.NoError(t, err)
	require.NoError(t, env.store.AdjustBalance(ctx, "bob", "BTC", d("-1"), "withdraw", ""))

	res := env.place(t, spotLimit("alice", model.SideBuy, "50000", "1"))
	assert.Empty(t, res.Trades)
	assert.Equal(t, model.OrderStatusOpen, res.Order.Status)
	assert.Equal(t, model.OrderStatusCancelled, env.order(t, ask.Order.OrderID).Status)
	assertDecimal(t, "50000", env.balance(t, "alice", "USDT").Frozen)
}

func TestFeesGoToCollector(t *testing.T) {
	env := newTestEnv(t, ethSpot())
	env.deposit(t, "alice", "USDT", "10000")
	env.deposit(t, "bob", "ETH", "10")

	buy := env.place(t, &OrderRequest{UserID: "alice", Symbol: eth, Kind: model.MarketSpot, Side: model.SideBuy,
		Type: model.OrderTypeLimit, Price: d("2000"), Amount: d("1")})
	// 冻结按较高费率：2000 * 1 * 1.002
	assertDecimal(t, "2004", env.balance(t, "alice", "USDT").Frozen)

	res := env.place(t, &OrderRequest{UserID: "bob", Symbol: eth, Kind: model.MarketSpot, Side: model.SideSell,
		Type: model.OrderTypeLimit, Price: d("2000"), Amount: d("1")})
	require.Len(t, res.Trades, 1)
	assertDecimal(t, "4", res.Trades[0].Fee)
	assertDecimal(t, "2", res.Trades[0].MakerFee)
	assert.Equal(t, buy.Order.OrderID, res.Trades[0].MakerOrderID)

	alice := env.balance(t, "alice", "USDT")
	assertDecimal(t, "7998", alice.Available)
	assertDecimal(t, "0", alice.Frozen)
	assertDecimal(t, "1996", env.balance(t, "bob", "USDT").Available)
	assertDecimal(t, "6", env.balance(t, model.FeeAccount, "USDT").Available)
	env.assertLedger(t, []string{"alice", "bob"}, map[string]string{"USDT": "10000", "ETH": "10"})
}

func TestRandomFlowConservesBalances(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, ethSpot())
	users := []string{"u0", "u1", "u2", "u3"}
	for _, u := range users {
		env.deposit(t, u, "USDT", "1000000")
		env.deposit(t, u, "ETH", "1000")
	}
	rnd := rand.New(rand.NewSource(42))
	var placed []string
	for i := 0; i < 300; i++ {
		if len(placed) > 0 && rnd.Intn(5) == 0 {
			id := placed[rnd.Intn(len(placed))]
			o := env.order(t, id)
			_, err := env.svc.CancelOrder(ctx, o.UserID, id)
			if err != nil {
				assert.ErrorIs(t, err, model.ErrAlreadyTerminal)
			}
			continue
		}
		side := model.SideBuy
		if rnd.Intn(2) == 0 {
			side = model.SideSell
		}
		req := &OrderRequest{
			UserID: users[rnd.Intn(len(users))], Symbol: eth, Kind: model.MarketSpot, Side: side,
			Type:   model.OrderTypeLimit,
			Price:  decimal.NewFromInt(int64(1990 + rnd.Intn(21))),
			Amount: decimal.New(int64(1+rnd.Intn(30)), -1),
		}
		res := env.place(t, req)
		placed = append(placed, res.Order.OrderID)
		for _, tr := range res.Trades {
			buy, sell := env.order(t, tr.BuyOrderID), env.order(t, tr.SellOrderID)
			assert.True(t, buy.Price.GreaterThanOrEqual(sell.Price), "trade %s crosses %s < %s", tr.TradeID, buy.Price, sell.Price)
		}
	}
	env.assertLedger(t, users, map[string]string{"USDT": "4000000", "ETH": "4000"})

	book, err := env.svc.GetOrderBook(ctx, eth, model.MarketSpot, 0)
	require.NoError(t, err)
	if len(book.Bids) > 0 && len(book.Asks) > 0 {
		assert.True(t, book.Bids[0].Price.LessThan(book.Asks[0].Price), "book is crossed")
	}
}

func TestConcurrentOrdersAcrossPairs(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, btcSpot(), ethSpot())
	users := []string{"u0", "u1", "u2", "u3", "u4", "u5"}
	for _, u := range users {
		env.deposit(t, u, "USDT", "10000000")
		env.deposit(t, u, "BTC", "100")
		env.deposit(t, u, "ETH", "100")
	}

	var wg sync.WaitGroup
	for w := 0; w < 12; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < 40; i++ {
				symbol, price := btc, int64(50000+rnd.Intn(10))
				if w%2 == 1 {
					symbol, price = eth, int64(2000+rnd.Intn(10))
				}
				side := model.SideBuy
				if rnd.Intn(2) == 0 {
					side = model.SideSell
				}
				_, err := env.svc.PlaceOrder(ctx, &OrderRequest{
					UserID: users[rnd.Intn(len(users))], Symbol: symbol, Kind: model.MarketSpot, Side: side,
					Type: model.OrderTypeLimit, Price: decimal.NewFromInt(price), Amount: d("0.5"),
				})
				if err != nil {
					t.Errorf("place order: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	env.assertLedger(t, users, map[string]string{"USDT": "60000000", "BTC": "600", "ETH": "600"})
	for _, symbol := range []string{btc, eth} {
		trades, err := env.svc.ListTrades(ctx, symbol, model.MarketSpot, 1000)
		require.NoError(t, err)
		for _, tr := range trades {
			buy, sell := env.order(t, tr.BuyOrderID), env.order(t, tr.SellOrderID)
			assert.True(t, buy.Price.GreaterThanOrEqual(sell.Price))
		}
	}
}

func TestCancelRacingMatch(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		env := newTestEnv(t, btcSpot())
		env.deposit(t, "alice", "USDT", "100000")
		env.deposit(t, "bob", "BTC", "1")
		ask := env.place(t, spotLimit("bob", model.SideSell, "50000", "1"))

		var wg sync.WaitGroup
		var cancelErr error
		var res *PlaceResult
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancelErr = env.svc.CancelOrder(ctx, "bob", ask.Order.OrderID)
		}()
		go func() {
			defer wg.Done()
			res, _ = env.svc.PlaceOrder(ctx, spotLimit("alice", model.SideBuy, "50000", "1"))
		}()
		wg.Wait()

		require.NotNil(t, res)
		if cancelErr == nil {
			assert.Empty(t, res.Trades)
			assert.Equal(t, model.OrderStatusCancelled, env.order(t, ask.Order.OrderID).Status)
		} else {
			assert.ErrorIs(t, cancelErr, model.ErrAlreadyTerminal)
			assert.Len(t, res.Trades, 1)
			assert.Equal(t, model.OrderStatusFilled, env.order(t, ask.Order.OrderID).Status)
		}
		env.assertLedger(t, []string{"alice", "bob"}, map[string]string{"USDT": "100000", "BTC": "1"})
	}
}

func TestCancelledContextHasNoEffect(t *testing.T) {
	env := newTestEnv(t, btcSpot())
	env.deposit(t, "alice", "USDT", "100000")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := env.svc.PlaceOrder(ctx, spotLimit("alice", model.SideBuy, "50000", "1"))
	assert.True(t, errors.Is(err, context.Canceled))

	orders, err := env.svc.GetUserOrders(context.Background(), "alice", "", "")
	require.NoError(t, err)
	assert.Empty(t, orders)
	assertDecimal(t, "0", env.balance(t, "alice", "USDT").Frozen)
}

func TestEngineClosed(t *testing.T) {
	env := newTestEnv(t, btcSpot())
	env.deposit(t, "alice", "USDT", "100000")
	env.engine.Close()
	_, err := env.svc.PlaceOrder(context.Background(), spotLimit("alice", model.SideBuy, "50000", "1"))
	assert.ErrorIs(t, err, model.ErrEngineClosed)
}

func TestFullQueueDoesNotBlockOtherPairs(t *testing.T) {
	ctx := context.Background()
	eng := NewMatchEngine(mem.NewStore(), nil, nil, nil, EngineConfig{NodeID: "test", QueueSize: 1})
	gate := make(chan struct{})
	t.Cleanup(func() {
		close(gate)
		eng.Close()
	})
	noop := func(context.Context) error { return nil }
	spot := model.PairKey{Symbol: btc, Kind: model.MarketSpot}

	started := make(chan struct{})
	go eng.submit(ctx, spot, "block", func(context.Context) error {
		close(started)
		<-gate
		return nil
	})
	<-started
	// 一个占满队列，一个阻塞在入队
	go eng.submit(ctx, spot, "queued", noop)
	require.Eventually(t, func() bool {
		eng.mu.RLock()
		defer eng.mu.RUnlock()
		return len(eng.orderQueues[spot]) == 1
	}, time.Second, time.Millisecond)
	go eng.submit(ctx, spot, "waiting", noop)
	time.Sleep(20 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		done <- eng.submit(ctx, model.PairKey{Symbol: eth, Kind: model.MarketSpot}, "other", noop)
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("order for another pair blocked by a full queue")
	}
}

// stuckMakerStore 卖方资金不足且其挂单无法撤销
type stuckMakerStore struct {
	*mem.Store
	maker string
}

func (s *stuckMakerStore) ApplyTrade(_ context.Context, _ *model.TradeEffects) error {
	return &model.BalanceError{UserID: "bob", Asset: "BTC"}
}

func (s *stuckMakerStore) CancelOrder(ctx context.Context, orderID string, status model.OrderStatus) (*model.Order, error) {
	if orderID == s.maker {
		return nil, errors.New("store unavailable")
	}
	return s.Store.CancelOrder(ctx, orderID, status)
}

func TestMakerCancelFailuresAreBounded(t *testing.T) {
	ctx := context.Background()
	inner := mem.NewStore()
	store := &stuckMakerStore{Store: inner}
	registry := NewRegistry(store)
	require.NoError(t, SeedPairs(ctx, inner, registry, []model.TradingPair{btcSpot()}))
	var seq atomic.Uint64
	marks := NewMarkBoard()
	eng := NewMatchEngine(store, registry, marks, func() (uint64, error) { return seq.Add(1), nil }, EngineConfig{NodeID: "test", ConflictRetries: 2})
	t.Cleanup(eng.Close)
	svc := NewOrderService(store, eng, marks)
	require.NoError(t, svc.Deposit(ctx, "alice", "USDT", d("100000")))
	require.NoError(t, svc.Deposit(ctx, "bob", "BTC", d("1")))

	sell, err := svc.PlaceOrder(ctx, spotLimit("bob", model.SideSell, "50000", "1"))
	require.NoError(t, err)
	store.maker = sell.Order.OrderID

	done := make(chan error, 1)
	go func() {
		_, err := svc.PlaceOrder(ctx, spotLimit("alice", model.SideBuy, "50000", "1"))
		done <- err
	}()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), sell.Order.OrderID)
	case <-time.After(2 * time.Second):
		t.Fatal("matching kept retrying a maker that cannot be cancelled")
	}
}

type recordingSink struct {
	mu     sync.Mutex
	trades []model.Trade
	books  []*model.OrderBook
}

func (r *recordingSink) PublishTrades(_ context.Context, trades []model.Trade) {
	r.mu.Lock()
	r.trades = append(r.trades, trades...)
	r.mu.Unlock()
}

func (r *recordingSink) PublishBook(_ context.Context, book *model.OrderBook) {
	r.mu.Lock()
	r.books = append(r.books, book)
	r.mu.Unlock()
}

func TestSinksSeeCommittedState(t *testing.T) {
	env := newTestEnv(t, btcSpot())
	sink := &recordingSink{}
	env.engine.AddTradeSink(sink)
	env.engine.AddBookSink(sink)
	env.deposit(t, "alice", "USDT", "100000")
	env.deposit(t, "bob", "BTC", "1")

	env.place(t, spotLimit("alice", model.SideBuy, "50000", "1"))
	res := env.place(t, spotLimit("bob", model.SideSell, "50000", "0.4"))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.trades, 1)
	assert.Equal(t, res.Trades[0].TradeID, sink.trades[0].TradeID)
	trades, err := env.svc.ListTrades(context.Background(), btc, model.MarketSpot, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)

	require.Len(t, sink.books, 2)
	assert.Less(t, sink.books[0].Sequence, sink.books[1].Sequence)
	require.Len(t, sink.books[1].Bids, 1)
	assertDecimal(t, "0.6", sink.books[1].Bids[0].Amount)
}
