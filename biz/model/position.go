package model

import (
	"github.com/shopspring/decimal"
)

type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// PositionSideOf 买单开多，卖单开空
func PositionSideOf(s Side) PositionSide {
	if s == SideBuy {
		return PositionLong
	}
	return PositionShort
}

// CloseSide 平仓方向
func (s PositionSide) CloseSide() Side {
	if s == PositionLong {
		return SideSell
	}
	return SideBuy
}

// Position 用户在某个衍生品交易对上的持仓
type Position struct {
	UserID           string          `gorm:"primaryKey;column:user_id" json:"user_id"`
	Symbol           string          `gorm:"primaryKey;column:symbol" json:"symbol"`
	Kind             MarketKind      `gorm:"primaryKey;column:kind" json:"kind"`
	Side             PositionSide    `gorm:"column:side" json:"side"`
	Size             decimal.Decimal `gorm:"column:size;type:numeric(36,18)" json:"size"`
	EntryPrice       decimal.Decimal `gorm:"column:entry_price;type:numeric(36,18)" json:"entry_price"`
	MarkPrice        decimal.Decimal `gorm:"column:mark_price;type:numeric(36,18)" json:"mark_price"`
	UnrealizedPnL    decimal.Decimal `gorm:"column:unrealized_pnl;type:numeric(36,18)" json:"unrealized_pnl"`
	RealizedPnL      decimal.Decimal `gorm:"column:realized_pnl;type:numeric(36,18)" json:"realized_pnl"`
	Margin           decimal.Decimal `gorm:"column:margin;type:numeric(36,18)" json:"margin"`
	Leverage         decimal.Decimal `gorm:"column:leverage;type:numeric(12,4)" json:"leverage"`
	MarginMode       MarginMode      `gorm:"column:margin_mode" json:"margin_mode"`
	LiquidationPrice decimal.Decimal `gorm:"column:liquidation_price;type:numeric(36,18)" json:"liquidation_price"`
	Version          int64           `gorm:"column:version" json:"-"`
	UpdatedAt        int64           `gorm:"column:updated_at;autoUpdateTime:false" json:"updated_at"`
}

func (Position) TableName() string {
	return "positions"
}

func (p *Position) Key() PairKey {
	return PairKey{Symbol: p.Symbol, Kind: p.Kind}
}

func (p *Position) Open() bool {
	return p.Size.IsPositive()
}

// Notional 按开仓均价计算的名义价值
func (p *Position) Notional() decimal.Decimal {
	return p.EntryPrice.Mul(p.Size)
}
