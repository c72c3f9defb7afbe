package service

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogogo1024/cex-trade-core/biz/model"
	"github.com/shopspring/decimal"
)

// Aggregate 按价格聚合某一侧挂单；买盘价格降序，卖盘升序，结果与输入顺序无关
func Aggregate(orders []model.Order, side model.Side) []model.OrderBookLevel {
	type acc struct {
		price  decimal.Decimal
		amount decimal.Decimal
		count  int
	}
	levels := make(map[string]*acc)
	for i := range orders {
		o := &orders[i]
		if o.Side != side || o.Status.Terminal() {
			continue
		}
		rem := o.Remaining()
		if !rem.IsPositive() {
			continue
		}
		// 同一价格可能有不同的小数位表示，统一成规范字符串
		key := o.Price.String()
		a, ok := levels[key]
		if !ok {
			a = &acc{price: decimal.RequireFromString(key), amount: decimal.Zero}
			levels[key] = a
		}
		a.amount = a.amount.Add(rem)
		a.count++
	}
	res := make([]model.OrderBookLevel, 0, len(levels))
	for _, a := range levels {
		res = append(res, model.OrderBookLevel{Price: a.price, Amount: a.amount, Count: a.count})
	}
	sort.Slice(res, func(i, j int) bool {
		if side == model.SideBuy {
			return res[i].Price.GreaterThan(res[j].Price)
		}
		return res[i].Price.LessThan(res[j].Price)
	})
	return res
}

// BookSequencer 每个交易对一个单调递增的快照序号
type BookSequencer struct {
	seqs sync.Map // model.PairKey -> *atomic.Uint64
}

func (s *BookSequencer) Next(k model.PairKey) uint64 {
	v, _ := s.seqs.LoadOrStore(k, new(atomic.Uint64))
	return v.(*atomic.Uint64).Add(1)
}

// Snapshot 从存储的一致快照聚合订单簿，depth <= 0 表示不截断
func Snapshot(ctx context.Context, store Store, seq *BookSequencer, k model.PairKey, depth int) (*model.OrderBook, error) {
	orders, err := store.ListOpenOrders(ctx, k.Symbol, k.Kind)
	if err != nil {
		return nil, err
	}
	bids := Aggregate(orders, model.SideBuy)
	asks := Aggregate(orders, model.SideSell)
	if depth > 0 {
		if len(bids) > depth {
			bids = bids[:depth]
		}
		if len(asks) > depth {
			asks = asks[:depth]
		}
	}
	return &model.OrderBook{
		Symbol:    k.Symbol,
		Kind:      k.Kind,
		Bids:      bids,
		Asks:      asks,
		Sequence:  seq.Next(k),
		Timestamp: time.Now().UnixMilli(),
	}, nil
}
