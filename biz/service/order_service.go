package service

import (
	"context"
	"fmt"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/gogogo1024/cex-trade-core/biz/model"
	"github.com/shopspring/decimal"
)

const (
	defaultDepth      = 20
	defaultTradeLimit = 100
)

// PairSeeder 交易对写入方，只有管理路径使用
type PairSeeder interface {
	SavePair(ctx context.Context, pair *model.TradingPair) error
}

// OrderService 对外接口的聚合层，只做编排，数据修改都经过撮合引擎
type OrderService struct {
	store  Store
	engine *MatchEngine
	marks  MarkPriceSetter
}

func NewOrderService(store Store, engine *MatchEngine, marks MarkPriceSetter) *OrderService {
	return &OrderService{store: store, engine: engine, marks: marks}
}

func (s *OrderService) PlaceOrder(ctx context.Context, req *OrderRequest) (*PlaceResult, error) {
	// 强平标记只能由监控设置
	req.Liquidation = false
	return s.engine.PlaceOrder(ctx, req)
}

func (s *OrderService) CancelOrder(ctx context.Context, userID, orderID string) (*model.Order, error) {
	if orderID == "" {
		return nil, fmt.Errorf("%w: missing order id", model.ErrInvalidOrder)
	}
	return s.engine.CancelOrder(ctx, userID, orderID)
}

// GetOrder userID 为空时不校验归属
func (s *OrderService) GetOrder(ctx context.Context, userID, orderID string) (*model.Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if userID != "" && o.UserID != userID {
		return nil, fmt.Errorf("%w: %s", model.ErrOrderNotFound, orderID)
	}
	return o, nil
}

func (s *OrderService) GetOrderBook(ctx context.Context, symbol string, kind model.MarketKind, depth int) (*model.OrderBook, error) {
	if depth <= 0 {
		depth = defaultDepth
	}
	return s.engine.GetOrderBook(ctx, symbol, kind, depth)
}

func (s *OrderService) GetUserOrders(ctx context.Context, userID, symbol string, kind model.MarketKind) ([]model.Order, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user", model.ErrInvalidOrder)
	}
	return s.store.ListUserOrders(ctx, userID, symbol, kind)
}

func (s *OrderService) GetUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user", model.ErrInvalidOrder)
	}
	return s.store.ListPositions(ctx, userID)
}

func (s *OrderService) GetUserBalances(ctx context.Context, userID string) ([]model.Balance, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user", model.ErrInvalidOrder)
	}
	return s.store.ListBalances(ctx, userID)
}

func (s *OrderService) ListTrades(ctx context.Context, symbol string, kind model.MarketKind, limit int) ([]model.Trade, error) {
	if limit <= 0 || limit > 1000 {
		limit = defaultTradeLimit
	}
	return s.store.ListTrades(ctx, symbol, kind, limit)
}

// Deposit 管理端入金
func (s *OrderService) Deposit(ctx context.Context, userID, asset string, amount decimal.Decimal) error {
	if userID == "" || asset == "" {
		return fmt.Errorf("%w: missing user or asset", model.ErrInvalidOrder)
	}
	if err := s.engine.Ledger().Deposit(ctx, userID, asset, amount, model.ReasonDeposit); err != nil {
		return err
	}
	hlog.Infof("入金成功, user=%s, asset=%s, amount=%s", userID, asset, amount)
	return nil
}

// SetMarkPrice 管理端写入标记价格，交易对必须存在
func (s *OrderService) SetMarkPrice(ctx context.Context, symbol string, kind model.MarketKind, price decimal.Decimal) error {
	if _, err := s.engine.registry.Lookup(ctx, symbol, kind); err != nil {
		return err
	}
	if !price.IsPositive() {
		return fmt.Errorf("%w: mark price must be positive", model.ErrInvalidOrder)
	}
	if s.marks == nil {
		return fmt.Errorf("%w: no mark price store", model.ErrNoMarkPrice)
	}
	return s.marks.SetMarkPrice(ctx, symbol, kind, price)
}

// SeedPairs 启动时把配置中的交易对写入存储并清除注册表缓存
func SeedPairs(ctx context.Context, seeder PairSeeder, registry *Registry, pairs []model.TradingPair) error {
	for i := range pairs {
		p := &pairs[i]
		if err := seeder.SavePair(ctx, p); err != nil {
			return fmt.Errorf("save pair %s: %w", p.Key(), err)
		}
		registry.Invalidate(p.Key())
		hlog.Infof("交易对已加载, pair=%s, base=%s, quote=%s", p.Key(), p.Base, p.Quote)
	}
	return nil
}
