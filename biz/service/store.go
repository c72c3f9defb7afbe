package service

import (
	"context"

	"github.com/gogogo1024/cex-trade-core/biz/model"
	"github.com/shopspring/decimal"
)

// Store 撮合核心依赖的持久层，每个方法都是一个原子单元（成功或整体失败）
type Store interface {
	GetPair(ctx context.Context, symbol string, kind model.MarketKind) (*model.TradingPair, error)
	ListPairs(ctx context.Context) ([]model.TradingPair, error)

	GetBalance(ctx context.Context, userID, asset string) (*model.Balance, error)
	ListBalances(ctx context.Context, userID string) ([]model.Balance, error)
	// LockBalance 检查可用余额并转入冻结，同时创建冻结记录
	LockBalance(ctx context.Context, res *model.Reservation) error
	// UnlockBalance 释放冻结，amount 为零表示释放全部剩余，返回实际释放数量
	UnlockBalance(ctx context.Context, reservationID string, amount decimal.Decimal) (decimal.Decimal, error)
	AdjustBalance(ctx context.Context, userID, asset string, delta decimal.Decimal, reason, tradeID string) error
	GetReservation(ctx context.Context, reservationID string) (*model.Reservation, error)

	CreateOrder(ctx context.Context, order *model.Order) error
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)
	// OpenOrders 按价格时间优先返回某一侧的挂单，limit <= 0 表示不限
	OpenOrders(ctx context.Context, symbol string, kind model.MarketKind, side model.Side, limit int) ([]model.Order, error)
	// ListOpenOrders 某交易对两侧挂单的一致性快照
	ListOpenOrders(ctx context.Context, symbol string, kind model.MarketKind) ([]model.Order, error)
	ListUserOrders(ctx context.Context, userID, symbol string, kind model.MarketKind) ([]model.Order, error)
	// CancelOrder 非终态订单置为 status 并释放剩余冻结，终态返回 ErrAlreadyTerminal
	CancelOrder(ctx context.Context, orderID string, status model.OrderStatus) (*model.Order, error)

	// ApplyTrade 成交记录与全部账务影响一起提交，版本不一致返回 ErrConflict
	ApplyTrade(ctx context.Context, fx *model.TradeEffects) error
	ListTrades(ctx context.Context, symbol string, kind model.MarketKind, limit int) ([]model.Trade, error)

	GetPosition(ctx context.Context, userID, symbol string, kind model.MarketKind) (*model.Position, error)
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)
	ListOpenPositions(ctx context.Context) ([]model.Position, error)
	// UpdateMark 只更新标记价格与未实现盈亏，不触碰持仓数量
	UpdateMark(ctx context.Context, userID, symbol string, kind model.MarketKind, mark, unrealized decimal.Decimal) error
}

// MarkPriceSource 外部行情提供的标记价格
type MarkPriceSource interface {
	MarkPrice(ctx context.Context, symbol string, kind model.MarketKind) (decimal.Decimal, error)
}

// TradeSink 成交落账之后的下游（Kafka、缓存、推送）
type TradeSink interface {
	PublishTrades(ctx context.Context, trades []model.Trade)
}

// BookSink 订单簿变化之后的下游
type BookSink interface {
	PublishBook(ctx context.Context, book *model.OrderBook)
}
