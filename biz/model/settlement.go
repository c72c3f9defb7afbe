package model

import (
	"github.com/shopspring/decimal"
)

// OrderFill 订单成交后的新状态，Version 为读取时的版本号
type OrderFill struct {
	OrderID string
	Version int64
	Filled  decimal.Decimal
	Status  OrderStatus
}

// ReservationUse 一笔成交对冻结的影响：Consume 离开用户余额，Release 退回可用，ReleaseRest 释放全部剩余
type ReservationUse struct {
	ReservationID string
	Consume       decimal.Decimal
	Release       decimal.Decimal
	ReleaseRest   bool
}

// BalanceDelta 可用余额变动，负数为扣款
type BalanceDelta struct {
	UserID string
	Asset  string
	Delta  decimal.Decimal
	Reason string
}

// PositionChange 持仓写入，Version 为读取时的版本号，新建持仓为 0
type PositionChange struct {
	Position Position
	Version  int64
	Created  bool
}

// TradeEffects 一次成交的全部账务影响，存储层必须整体提交或整体回滚
type TradeEffects struct {
	Trade        Trade
	Fills        []OrderFill
	Reservations []ReservationUse
	Balances     []BalanceDelta
	Positions    []PositionChange
}
