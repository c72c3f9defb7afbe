package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MarketKind 市场类型
type MarketKind string

const (
	MarketSpot      MarketKind = "spot"
	MarketPerpetual MarketKind = "perpetual"
	MarketFutures   MarketKind = "futures"
	MarketOptions   MarketKind = "options"
)

// IsDerivative 是否为保证金类市场（永续/交割/期权）
func (k MarketKind) IsDerivative() bool {
	return k == MarketPerpetual || k == MarketFutures || k == MarketOptions
}

func (k MarketKind) Valid() bool {
	return k == MarketSpot || k.IsDerivative()
}

// PairKey 交易对 + 市场类型，撮合分片的最小单位
type PairKey struct {
	Symbol string
	Kind   MarketKind
}

func (k PairKey) String() string {
	return fmt.Sprintf("%s:%s", k.Symbol, k.Kind)
}

// TradingPair 交易对配置，交易时段内不可变，只由管理后台修改
type TradingPair struct {
	Symbol         string          `gorm:"primaryKey;column:symbol" json:"symbol"`
	Kind           MarketKind      `gorm:"primaryKey;column:kind" json:"kind"`
	Base           string          `gorm:"column:base;not null" json:"base"`
	Quote          string          `gorm:"column:quote;not null" json:"quote"`
	MinOrderSize   decimal.Decimal `gorm:"column:min_order_size;type:numeric(36,18)" json:"min_order_size"`
	MaxOrderSize   decimal.Decimal `gorm:"column:max_order_size;type:numeric(36,18)" json:"max_order_size"`
	PricePrecision int32           `gorm:"column:price_precision" json:"price_precision"`
	QtyPrecision   int32           `gorm:"column:qty_precision" json:"qty_precision"`
	MakerFeeRate   decimal.Decimal `gorm:"column:maker_fee_rate;type:numeric(12,8)" json:"maker_fee_rate"`
	TakerFeeRate   decimal.Decimal `gorm:"column:taker_fee_rate;type:numeric(12,8)" json:"taker_fee_rate"`
	MinLeverage    decimal.Decimal `gorm:"column:min_leverage;type:numeric(12,4)" json:"min_leverage"`
	MaxLeverage    decimal.Decimal `gorm:"column:max_leverage;type:numeric(12,4)" json:"max_leverage"`
	Active         bool            `gorm:"column:active" json:"active"`
}

func (TradingPair) TableName() string {
	return "trading_pairs"
}

func (p *TradingPair) Key() PairKey {
	return PairKey{Symbol: p.Symbol, Kind: p.Kind}
}

// MarginAsset 保证金及手续费币种，现货与衍生品都以计价币收取手续费
func (p *TradingPair) MarginAsset() string {
	return p.Quote
}

// MaxFeeRate 下单时还不知道是 maker 还是 taker，冻结按较高费率计算
func (p *TradingPair) MaxFeeRate() decimal.Decimal {
	return decimal.Max(p.MakerFeeRate, p.TakerFeeRate)
}
