// Package onchain 轮询链上订单簿，撮合数量完全相同的买卖单
package onchain

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Order 链上订单；AmountA 为基础币数量，AmountB 为计价币数量
type Order struct {
	ID      string
	Maker   string
	IsBuy   bool
	AmountA *big.Int
	AmountB *big.Int
}

// Price 每单位基础币的计价币数量
func (o *Order) Price() *big.Rat {
	if o.AmountA == nil || o.AmountA.Sign() == 0 {
		return new(big.Rat)
	}
	return new(big.Rat).SetFrac(o.AmountB, o.AmountA)
}

// Ledger 链上订单簿
type Ledger interface {
	GetOpenOrders(ctx context.Context, tokenA, tokenB string) ([]Order, error)
	// ExecuteTrade 返回时交易已确认，或 ctx 到期
	ExecuteTrade(ctx context.Context, buyID, sellID string) error
	CancelOrder(ctx context.Context, id string) error
}

type Config struct {
	TokenA         string
	TokenB         string
	Interval       time.Duration
	ConfirmTimeout time.Duration
}

// Cycle 定时撮合；上一轮未结束时新的定时触发直接跳过
type Cycle struct {
	ledger  Ledger
	cfg     Config
	logger  *zap.Logger
	running sync.Mutex
}

func NewCycle(ledger Ledger, cfg Config, logger *zap.Logger) *Cycle {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cycle{ledger: ledger, cfg: cfg, logger: logger}
}

// Run 立即执行一轮，之后按间隔执行，直到 ctx 取消
func (c *Cycle) Run(ctx context.Context) {
	c.tick(ctx)
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("onchain cycle stopped")
			return
		case <-ticker.C:
			go c.tick(ctx)
		}
	}
}

func (c *Cycle) tick(ctx context.Context) {
	if !c.running.TryLock() {
		cycleSkipped.Inc()
		c.logger.Debug("previous cycle still running, skip")
		return
	}
	defer c.running.Unlock()
	if _, err := c.match(ctx); err != nil {
		c.logger.Error("onchain cycle failed", zap.Error(err))
	}
}

// RunOnce 执行一轮撮合，返回成功的成交数
func (c *Cycle) RunOnce(ctx context.Context) (int, error) {
	c.running.Lock()
	defer c.running.Unlock()
	return c.match(ctx)
}

func (c *Cycle) match(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { cycleDuration.Observe(time.Since(start).Seconds()) }()

	orders, err := c.ledger.GetOpenOrders(ctx, c.cfg.TokenA, c.cfg.TokenB)
	if err != nil {
		return 0, err
	}
	buys, sells := partition(orders)

	// 本轮内已处理的订单，每轮重新创建
	processed := make(map[string]struct{})
	matched := 0
	for i := range buys {
		buy := &buys[i]
		if _, ok := processed[buy.ID]; ok {
			continue
		}
		for j := range sells {
			sell := &sells[j]
			if _, ok := processed[sell.ID]; ok {
				continue
			}
			if !sameAmounts(buy, sell) {
				continue
			}
			if ctx.Err() != nil {
				return matched, ctx.Err()
			}
			processed[buy.ID] = struct{}{}
			processed[sell.ID] = struct{}{}
			if err := c.execute(ctx, buy, sell); err != nil {
				delete(processed, buy.ID)
				delete(processed, sell.ID)
				matchFailures.Inc()
				c.logger.Warn("execute trade failed",
					zap.String("buy", buy.ID), zap.String("sell", sell.ID), zap.Error(err))
			} else {
				matched++
				matchesTotal.Inc()
				c.logger.Info("trade executed",
					zap.String("buy", buy.ID), zap.String("sell", sell.ID),
					zap.String("amount_a", buy.AmountA.String()), zap.String("amount_b", buy.AmountB.String()))
			}
			// 同一轮内失败的买单不再重试
			break
		}
	}
	return matched, nil
}

func (c *Cycle) execute(ctx context.Context, buy, sell *Order) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()
	return c.ledger.ExecuteTrade(ctx, buy.ID, sell.ID)
}

// partition 买单按价格从高到低，卖单从低到高，同价保持链上顺序
func partition(orders []Order) (buys, sells []Order) {
	for _, o := range orders {
		if o.AmountA == nil || o.AmountB == nil || o.AmountA.Sign() <= 0 {
			continue
		}
		if o.IsBuy {
			buys = append(buys, o)
		} else {
			sells = append(sells, o)
		}
	}
	sort.SliceStable(buys, func(i, j int) bool { return buys[i].Price().Cmp(buys[j].Price()) > 0 })
	sort.SliceStable(sells, func(i, j int) bool { return sells[i].Price().Cmp(sells[j].Price()) < 0 })
	return buys, sells
}

func sameAmounts(a, b *Order) bool {
	return a.AmountA.Cmp(b.AmountA) == 0 && a.AmountB.Cmp(b.AmountB) == 0
}
