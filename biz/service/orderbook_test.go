package service

import (
	"context"
	"math/rand"
	"strconv"
	"testing"

	"github.com/gogogo1024/cex-trade-core/biz/dal/mem"
	"github.com/gogogo1024/cex-trade-core/biz/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bookOrder(id string, side model.Side, price, amount, filled string) model.Order {
	return model.Order{
		OrderID: id, Symbol: btc, Kind: model.MarketSpot, Side: side, Type: model.OrderTypeLimit,
		Status: model.FillStatus(d(amount), d(filled)), Price: d(price), Amount: d(amount), Filled: d(filled),
	}
}

func TestAggregate(t *testing.T) {
	orders := []model.Order{
		bookOrder("1", model.SideBuy, "100", "1", "0"),
		bookOrder("2", model.SideBuy, "100.0", "2", "0.5"),
		bookOrder("3", model.SideBuy, "101", "1", "0"),
		bookOrder("4", model.SideBuy, "99", "1", "1"),
		bookOrder("5", model.SideSell, "103", "1", "0"),
		bookOrder("6", model.SideSell, "102", "3", "0"),
		bookOrder("7", model.SideSell, "102", "1", "0"),
	}

	bids := Aggregate(orders, model.SideBuy)
	require.Len(t, bids, 2)
	assertDecimal(t, "101", bids[0].Price)
	assertDecimal(t, "100", bids[1].Price)
	assertDecimal(t, "2.5", bids[1].Amount)
	assert.Equal(t, 2, bids[1].Count)

	asks := Aggregate(orders, model.SideSell)
	require.Len(t, asks, 2)
	assertDecimal(t, "102", asks[0].Price)
	assertDecimal(t, "4", asks[0].Amount)
	assert.Equal(t, 2, asks[0].Count)
	assertDecimal(t, "103", asks[1].Price)
}

func TestAggregateOrderIndependent(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	var orders []model.Order
	for i := 0; i < 200; i++ {
		side := model.SideBuy
		if i%2 == 0 {
			side = model.SideSell
		}
		orders = append(orders, model.Order{
			OrderID: strconv.Itoa(i), Side: side, Type: model.OrderTypeLimit, Status: model.OrderStatusOpen,
			Price:  d("100").Add(decimal.New(int64(rnd.Intn(10))*5, -1)),
			Amount: decimal.New(int64(1+rnd.Intn(20)), -2), Filled: decimal.Zero,
		})
	}
	wantBids := Aggregate(orders, model.SideBuy)
	wantAsks := Aggregate(orders, model.SideSell)

	for i := 0; i < 10; i++ {
		shuffled := append([]model.Order(nil), orders...)
		rnd.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		assertLevelsEqual(t, wantBids, Aggregate(shuffled, model.SideBuy))
		assertLevelsEqual(t, wantAsks, Aggregate(shuffled, model.SideSell))
	}
	// 重复聚合结果不变
	assertLevelsEqual(t, wantBids, Aggregate(orders, model.SideBuy))
}

func TestAggregateNormalizesPrice(t *testing.T) {
	a := model.Order{OrderID: "a", Side: model.SideBuy, Type: model.OrderTypeLimit, Status: model.OrderStatusOpen,
		Price: d("50000"), Amount: d("1"), Filled: decimal.Zero}
	b := model.Order{OrderID: "b", Side: model.SideBuy, Type: model.OrderTypeLimit, Status: model.OrderStatusOpen,
		Price: d("50000.00"), Amount: d("2"), Filled: decimal.Zero}

	for _, orders := range [][]model.Order{{a, b}, {b, a}} {
		levels := Aggregate(orders, model.SideBuy)
		require.Len(t, levels, 1)
		assert.Equal(t, "50000", levels[0].Price.String())
		assert.Equal(t, int32(0), levels[0].Price.Exponent())
		assert.Equal(t, 2, levels[0].Count)
		assertDecimal(t, "3", levels[0].Amount)
	}
}

func assertLevelsEqual(t *testing.T, want, got []model.OrderBookLevel) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, want[i].Price.Equal(got[i].Price))
		assert.True(t, want[i].Amount.Equal(got[i].Amount))
		assert.Equal(t, want[i].Count, got[i].Count)
	}
}

func TestSnapshotSequenceMonotonic(t *testing.T) {
	ctx := context.Background()
	store := mem.NewStore()
	o := bookOrder("1", model.SideBuy, "100", "1", "0")
	o.Seq = 1
	require.NoError(t, store.CreateOrder(ctx, &o))

	var seq BookSequencer
	k := model.PairKey{Symbol: btc, Kind: model.MarketSpot}
	first, err := Snapshot(ctx, store, &seq, k, 10)
	require.NoError(t, err)
	second, err := Snapshot(ctx, store, &seq, k, 10)
	require.NoError(t, err)
	assert.Less(t, first.Sequence, second.Sequence)
	require.Len(t, second.Bids, 1)
	assert.Empty(t, second.Asks)

	other, err := Snapshot(ctx, store, &seq, model.PairKey{Symbol: eth, Kind: model.MarketSpot}, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), other.Sequence)
}

func TestTruncateBook(t *testing.T) {
	b := &model.OrderBook{
		Bids: []model.OrderBookLevel{{Price: d("3")}, {Price: d("2")}, {Price: d("1")}},
		Asks: []model.OrderBookLevel{{Price: d("4")}},
	}
	got := truncateBook(b, 2)
	assert.Len(t, got.Bids, 2)
	assert.Len(t, got.Asks, 1)
	assert.Len(t, b.Bids, 3)
	assert.Len(t, truncateBook(b, 0).Bids, 3)
}
