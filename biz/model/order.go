package model

import (
	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderStatus 订单状态
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// Terminal 终态订单不再参与撮合，也不能撤销
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

type OrderType string

const (
	OrderTypeLimit     OrderType = "limit"
	OrderTypeMarket    OrderType = "market"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

type MarginMode string

const (
	MarginIsolated MarginMode = "isolated"
	MarginCross    MarginMode = "cross"
)

// MarketTerms 按市场类型区分的下单参数，只有 SpotTerms 和 DerivativeTerms 两种
type MarketTerms interface {
	MarketKind() MarketKind
	sealed()
}

// SpotTerms 现货单没有额外参数
type SpotTerms struct{}

func (SpotTerms) MarketKind() MarketKind { return MarketSpot }
func (SpotTerms) sealed()                {}

// DerivativeTerms 衍生品单的杠杆、保证金模式与只减仓标记
type DerivativeTerms struct {
	Market     MarketKind      `gorm:"-" json:"-"`
	Leverage   decimal.Decimal `gorm:"column:leverage;type:numeric(12,4);default:0" json:"leverage"`
	MarginMode MarginMode      `gorm:"column:margin_mode;default:''" json:"margin_mode"`
	ReduceOnly bool            `gorm:"column:reduce_only;default:false" json:"reduce_only"`
}

func (t DerivativeTerms) MarketKind() MarketKind { return t.Market }
func (DerivativeTerms) sealed()                  {}

// Order 订单模型（GORM），只由撮合/撤单路径修改
type Order struct {
	OrderID       string           `gorm:"primaryKey;column:order_id" json:"order_id"`
	Seq           uint64           `gorm:"column:seq;index" json:"seq"`
	UserID        string           `gorm:"column:user_id;index" json:"user_id"`
	Symbol        string           `gorm:"column:symbol;index:idx_orders_book,priority:1" json:"symbol"`
	Kind          MarketKind       `gorm:"column:kind;index:idx_orders_book,priority:2" json:"kind"`
	Side          Side             `gorm:"column:side;index:idx_orders_book,priority:3" json:"side"`
	Status        OrderStatus      `gorm:"column:status;index:idx_orders_book,priority:4" json:"status"`
	Type          OrderType        `gorm:"column:type" json:"type"`
	TimeInForce   TimeInForce      `gorm:"column:time_in_force" json:"time_in_force"`
	Price         decimal.Decimal  `gorm:"column:price;type:numeric(36,18)" json:"price"`
	Amount        decimal.Decimal  `gorm:"column:amount;type:numeric(36,18)" json:"amount"`
	Filled        decimal.Decimal  `gorm:"column:filled;type:numeric(36,18)" json:"filled"`
	ReservationID string           `gorm:"column:reservation_id" json:"reservation_id,omitempty"`
	ReservePrice  decimal.Decimal  `gorm:"column:reserve_price;type:numeric(36,18)" json:"-"`
	Derivative    *DerivativeTerms `gorm:"embedded" json:"derivative,omitempty"`
	Liquidation   bool             `gorm:"column:liquidation" json:"liquidation,omitempty"`
	Version       int64            `gorm:"column:version" json:"version"`
	CreatedAt     int64            `gorm:"column:created_at;autoCreateTime:false" json:"created_at"`
	UpdatedAt     int64            `gorm:"column:updated_at;autoUpdateTime:false" json:"updated_at"`
}

func (Order) TableName() string {
	return "orders"
}

func (o *Order) Key() PairKey {
	return PairKey{Symbol: o.Symbol, Kind: o.Kind}
}

// Remaining 未成交数量
func (o *Order) Remaining() decimal.Decimal {
	r := o.Amount.Sub(o.Filled)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// Terms 还原下单时的市场参数
func (o *Order) Terms() MarketTerms {
	if o.Derivative == nil {
		return SpotTerms{}
	}
	t := *o.Derivative
	t.Market = o.Kind
	return t
}

func (o *Order) ReduceOnly() bool {
	return o.Derivative != nil && o.Derivative.ReduceOnly
}

// FillStatus 按已成交数量推导状态
func FillStatus(amount, filled decimal.Decimal) OrderStatus {
	switch {
	case filled.GreaterThanOrEqual(amount):
		return OrderStatusFilled
	case filled.IsPositive():
		return OrderStatusPartial
	default:
		return OrderStatusOpen
	}
}

// Crosses 两个订单价格是否可成交，市价单总是可成交
func Crosses(buy, sell *Order) bool {
	if buy.Type == OrderTypeMarket || sell.Type == OrderTypeMarket {
		return true
	}
	return buy.Price.GreaterThanOrEqual(sell.Price)
}

// Earlier 价格时间优先：Seq 更小的订单先到
func Earlier(a, b *Order) *Order {
	if a.Seq <= b.Seq {
		return a
	}
	return b
}
