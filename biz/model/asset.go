package model

import (
	"github.com/shopspring/decimal"
)

// FeeAccount 手续费归集账户
const FeeAccount = "fee_collector"

// Balance 用户余额，总额 = Available + Frozen
type Balance struct {
	UserID    string          `gorm:"primaryKey;column:user_id" json:"user_id"`
	Asset     string          `gorm:"primaryKey;column:asset" json:"asset"`
	Available decimal.Decimal `gorm:"column:available;type:numeric(36,18)" json:"available"`
	Frozen    decimal.Decimal `gorm:"column:frozen;type:numeric(36,18)" json:"frozen"`
	Version   int64           `gorm:"column:version" json:"-"`
	UpdatedAt int64           `gorm:"column:updated_at;autoUpdateTime:false" json:"updated_at"`
}

func (Balance) TableName() string {
	return "balances"
}

func (b *Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Frozen)
}

type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "active"
	ReservationReleased ReservationStatus = "released"
)

// Reservation 针对某个订单的冻结，成交时扣减，撤单或完全成交时释放剩余部分
type Reservation struct {
	ReservationID string            `gorm:"primaryKey;column:reservation_id" json:"reservation_id"`
	OrderID       string            `gorm:"column:order_id;index" json:"order_id"`
	UserID        string            `gorm:"column:user_id;index" json:"user_id"`
	Asset         string            `gorm:"column:asset" json:"asset"`
	Amount        decimal.Decimal   `gorm:"column:amount;type:numeric(36,18)" json:"amount"`
	Remaining     decimal.Decimal   `gorm:"column:remaining;type:numeric(36,18)" json:"remaining"`
	Status        ReservationStatus `gorm:"column:status" json:"status"`
	CreatedAt     int64             `gorm:"column:created_at;autoCreateTime:false" json:"created_at"`
}

func (Reservation) TableName() string {
	return "reservations"
}

// LedgerEntry 余额变动流水
type LedgerEntry struct {
	ID        uint            `gorm:"primaryKey" json:"-"`
	UserID    string          `gorm:"column:user_id;index" json:"user_id"`
	Asset     string          `gorm:"column:asset" json:"asset"`
	Delta     decimal.Decimal `gorm:"column:delta;type:numeric(36,18)" json:"delta"`
	Reason    string          `gorm:"column:reason" json:"reason"`
	TradeID   string          `gorm:"column:trade_id;index" json:"trade_id,omitempty"`
	CreatedAt int64           `gorm:"column:created_at;autoCreateTime:false" json:"created_at"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entries"
}

const (
	ReasonDeposit     = "deposit"
	ReasonTrade       = "trade"
	ReasonFee         = "fee"
	ReasonMargin      = "margin"
	ReasonRealizedPnL = "realized_pnl"
	ReasonRelease     = "release"
)
