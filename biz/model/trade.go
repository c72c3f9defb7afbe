package model

import (
	"github.com/shopspring/decimal"
)

// Trade 成交模型（GORM），每次撮合只生成一次，之后不再修改
type Trade struct {
	TradeID      string          `gorm:"primaryKey;column:trade_id" json:"trade_id"`
	Symbol       string          `gorm:"column:symbol;index:idx_trades_pair,priority:1" json:"symbol"`
	Kind         MarketKind      `gorm:"column:kind;index:idx_trades_pair,priority:2" json:"kind"`
	BuyOrderID   string          `gorm:"column:buy_order_id" json:"buy_order_id"`
	SellOrderID  string          `gorm:"column:sell_order_id" json:"sell_order_id"`
	TakerOrderID string          `gorm:"column:taker_order_id" json:"taker_order_id"`
	MakerOrderID string          `gorm:"column:maker_order_id" json:"maker_order_id"`
	BuyerID      string          `gorm:"column:buyer_id" json:"buyer_id"`
	SellerID     string          `gorm:"column:seller_id" json:"seller_id"`
	Price        decimal.Decimal `gorm:"column:price;type:numeric(36,18)" json:"price"`
	Amount       decimal.Decimal `gorm:"column:amount;type:numeric(36,18)" json:"amount"`
	TakerSide    Side            `gorm:"column:taker_side" json:"taker_side"`
	Fee          decimal.Decimal `gorm:"column:fee;type:numeric(36,18)" json:"fee"`
	MakerFee     decimal.Decimal `gorm:"column:maker_fee;type:numeric(36,18)" json:"maker_fee"`
	FeeAsset     string          `gorm:"column:fee_asset" json:"fee_asset"`
	Leverage     decimal.Decimal `gorm:"column:leverage;type:numeric(12,4)" json:"leverage,omitempty"`
	Liquidation  bool            `gorm:"column:liquidation" json:"liquidation,omitempty"`
	SelfTrade    bool            `gorm:"column:self_trade" json:"self_trade,omitempty"`
	EngineID     string          `gorm:"column:engine_id" json:"engine_id"`
	Timestamp    int64           `gorm:"column:timestamp;index:idx_trades_pair,priority:3" json:"timestamp"`
}

func (Trade) TableName() string {
	return "trades"
}

func (t *Trade) Key() PairKey {
	return PairKey{Symbol: t.Symbol, Kind: t.Kind}
}

// Notional 成交额
func (t *Trade) Notional() decimal.Decimal {
	return t.Price.Mul(t.Amount)
}
