package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/gogogo1024/cex-trade-core/biz/model"
	"github.com/shopspring/decimal"
)

// OrderPlacer 强平单与用户订单走同一撮合入口
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req *OrderRequest) (*PlaceResult, error)
}

// LiquidationMonitor 定期刷新持仓标记价格，触及强平价时提交只减仓市价单
type LiquidationMonitor struct {
	store    Store
	marks    MarkPriceSource
	placer   OrderPlacer
	mmr      decimal.Decimal
	interval time.Duration
	running  sync.Mutex
}

func NewLiquidationMonitor(store Store, marks MarkPriceSource, placer OrderPlacer, mmr decimal.Decimal, interval time.Duration) *LiquidationMonitor {
	if !mmr.IsPositive() {
		mmr = DefaultMaintenanceMarginRate
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &LiquidationMonitor{store: store, marks: marks, placer: placer, mmr: mmr, interval: interval}
}

// Run 阻塞直到 ctx 结束；上一轮未结束时跳过本轮
func (m *LiquidationMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	hlog.Infof("强平监控启动, interval=%s, mmr=%s", m.interval, m.mmr)
	for {
		select {
		case <-ctx.Done():
			hlog.Infof("强平监控退出")
			return
		case <-ticker.C:
			go func() {
				if !m.running.TryLock() {
					hlog.Debugf("上一轮强平检查未结束, 跳过")
					return
				}
				defer m.running.Unlock()
				if _, err := m.Check(ctx); err != nil && !errors.Is(err, context.Canceled) {
					hlog.Errorf("强平检查失败: %v", err)
				}
			}()
		}
	}
}

// Check 执行一轮检查，返回提交的强平单数量
func (m *LiquidationMonitor) Check(ctx context.Context) (int, error) {
	positions, err := m.store.ListOpenPositions(ctx)
	if err != nil {
		return 0, err
	}
	marks := make(map[model.PairKey]decimal.Decimal)
	submitted := 0
	for i := range positions {
		p := &positions[i]
		k := p.Key()
		mark, ok := marks[k]
		if !ok {
			mark, err = m.marks.MarkPrice(ctx, p.Symbol, p.Kind)
			if err != nil {
				hlog.Warnf("获取标记价格失败, pair=%s, err=%v", k, err)
				continue
			}
			marks[k] = mark
		}
		if err := m.store.UpdateMark(ctx, p.UserID, p.Symbol, p.Kind, mark, UnrealizedPnL(p, mark)); err != nil {
			hlog.Warnf("更新标记价格失败, user=%s, pair=%s, err=%v", p.UserID, k, err)
		}
		p.LiquidationPrice = LiquidationPrice(p, m.mmr)
		if !ShouldLiquidate(p, mark) {
			continue
		}
		if err := m.liquidate(ctx, p, mark); err != nil {
			hlog.Errorf("强平下单失败, user=%s, pair=%s, size=%s, err=%v", p.UserID, k, p.Size, err)
			continue
		}
		submitted++
	}
	return submitted, nil
}

func (m *LiquidationMonitor) liquidate(ctx context.Context, p *model.Position, mark decimal.Decimal) error {
	hlog.Warnf("触发强平, user=%s, pair=%s, side=%s, size=%s, entry=%s, liq=%s, mark=%s",
		p.UserID, p.Key(), p.Side, p.Size, p.EntryPrice, p.LiquidationPrice, mark)
	req := &OrderRequest{
		UserID:      p.UserID,
		Symbol:      p.Symbol,
		Kind:        p.Kind,
		Side:        p.Side.CloseSide(),
		Type:        model.OrderTypeMarket,
		TimeInForce: model.TimeInForceIOC,
		Amount:      p.Size,
		Terms: model.DerivativeTerms{
			Market:     p.Kind,
			Leverage:   p.Leverage,
			MarginMode: p.MarginMode,
			ReduceOnly: true,
		},
		Liquidation: true,
	}
	res, err := m.placer.PlaceOrder(ctx, req)
	if err != nil {
		return err
	}
	liquidationsTotal.WithLabelValues(p.Key().String()).Inc()
	hlog.Infof("强平单已提交, order_id=%s, status=%s, filled=%s", res.Order.OrderID, res.Order.Status, res.Order.Filled)
	return nil
}

// MarkBoard 进程内标记价格表，未接入 Redis 时由管理接口写入
type MarkBoard struct {
	prices sync.Map // model.PairKey -> decimal.Decimal
}

func NewMarkBoard() *MarkBoard {
	return &MarkBoard{}
}

func (b *MarkBoard) MarkPrice(_ context.Context, symbol string, kind model.MarketKind) (decimal.Decimal, error) {
	v, ok := b.prices.Load(model.PairKey{Symbol: symbol, Kind: kind})
	if !ok {
		return decimal.Zero, model.ErrNoMarkPrice
	}
	return v.(decimal.Decimal), nil
}

func (b *MarkBoard) SetMarkPrice(_ context.Context, symbol string, kind model.MarketKind, price decimal.Decimal) error {
	if !price.IsPositive() {
		return model.ErrNoMarkPrice
	}
	b.prices.Store(model.PairKey{Symbol: symbol, Kind: kind}, price)
	return nil
}

// MarkPriceSetter 标记价格写入方（Redis 或 MarkBoard）
type MarkPriceSetter interface {
	MarkPriceSource
	SetMarkPrice(ctx context.Context, symbol string, kind model.MarketKind, price decimal.Decimal) error
}
