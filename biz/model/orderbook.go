package model

import (
	"github.com/shopspring/decimal"
)

// OrderBookLevel 一个价位的聚合深度
type OrderBookLevel struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
	Count  int             `json:"count"`
}

// OrderBook 由挂单派生，不落库；Sequence 单调递增，用于判断快照是否过期
type OrderBook struct {
	Symbol    string           `json:"symbol"`
	Kind      MarketKind       `json:"kind"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
	Sequence  uint64           `json:"sequence"`
	Timestamp int64            `json:"timestamp"`
}

func (b *OrderBook) Key() PairKey {
	return PairKey{Symbol: b.Symbol, Kind: b.Kind}
}
