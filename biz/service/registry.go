package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/gogogo1024/cex-trade-core/biz/model"
	"github.com/shopspring/decimal"
)

// OrderRequest 下单请求，Terms 必须与 Kind 对应
type OrderRequest struct {
	UserID      string
	Symbol      string
	Kind        model.MarketKind
	Side        model.Side
	Type        model.OrderType
	TimeInForce model.TimeInForce
	Price       decimal.Decimal
	Amount      decimal.Decimal
	Terms       model.MarketTerms
	// Liquidation 只由强平监控设置
	Liquidation bool
}

// Registry 交易对配置的只读缓存，交易时段内配置不变
type Registry struct {
	store Store
	mu    sync.RWMutex
	cache map[model.PairKey]model.TradingPair
}

func NewRegistry(store Store) *Registry {
	return &Registry{store: store, cache: make(map[model.PairKey]model.TradingPair)}
}

func (r *Registry) Lookup(ctx context.Context, symbol string, kind model.MarketKind) (*model.TradingPair, error) {
	k := model.PairKey{Symbol: symbol, Kind: kind}
	r.mu.RLock()
	p, ok := r.cache[k]
	r.mu.RUnlock()
	if ok {
		return &p, nil
	}
	pair, err := r.store.GetPair(ctx, symbol, kind)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[k] = *pair
	r.mu.Unlock()
	return pair, nil
}

// Invalidate 管理端修改交易对后清除缓存
func (r *Registry) Invalidate(k model.PairKey) {
	r.mu.Lock()
	delete(r.cache, k)
	r.mu.Unlock()
}

func precise(v decimal.Decimal, places int32) bool {
	return v.Equal(v.Truncate(places))
}

// Validate 准入校验，在任何冻结之前执行，会补全默认的 TimeInForce 和 Terms
func (r *Registry) Validate(ctx context.Context, req *OrderRequest) (*model.TradingPair, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: missing user", model.ErrInvalidOrder)
	}
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown market kind %q", model.ErrInvalidPair, req.Kind)
	}
	if !req.Side.Valid() {
		return nil, fmt.Errorf("%w: unknown side %q", model.ErrInvalidOrder, req.Side)
	}
	switch req.Type {
	case model.OrderTypeLimit, model.OrderTypeMarket:
	case model.OrderTypeStop, model.OrderTypeStopLimit:
		return nil, fmt.Errorf("%w: order type %s not supported", model.ErrInvalidOrder, req.Type)
	default:
		return nil, fmt.Errorf("%w: unknown order type %q", model.ErrInvalidOrder, req.Type)
	}
	switch req.TimeInForce {
	case "":
		req.TimeInForce = model.TimeInForceGTC
		if req.Type == model.OrderTypeMarket {
			req.TimeInForce = model.TimeInForceIOC
		}
	case model.TimeInForceGTC, model.TimeInForceIOC, model.TimeInForceFOK:
	default:
		return nil, fmt.Errorf("%w: unknown time in force %q", model.ErrInvalidOrder, req.TimeInForce)
	}

	pair, err := r.Lookup(ctx, req.Symbol, req.Kind)
	if err != nil {
		return nil, err
	}
	if !pair.Active {
		return nil, fmt.Errorf("%w: %s is not active", model.ErrInvalidPair, pair.Key())
	}

	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", model.ErrSizeOutOfBounds)
	}
	// 强平单按持仓数量下单，不受最小下单量约束
	if !req.Liquidation && req.Amount.LessThan(pair.MinOrderSize) {
		return nil, fmt.Errorf("%w: %s < min %s", model.ErrSizeOutOfBounds, req.Amount, pair.MinOrderSize)
	}
	if pair.MaxOrderSize.IsPositive() && req.Amount.GreaterThan(pair.MaxOrderSize) && !req.Liquidation {
		return nil, fmt.Errorf("%w: %s > max %s", model.ErrSizeOutOfBounds, req.Amount, pair.MaxOrderSize)
	}
	if !precise(req.Amount, pair.QtyPrecision) {
		return nil, fmt.Errorf("%w: amount %s exceeds %d decimals", model.ErrInvalidOrder, req.Amount, pair.QtyPrecision)
	}
	if req.Type == model.OrderTypeLimit {
		if !req.Price.IsPositive() {
			return nil, fmt.Errorf("%w: limit price must be positive", model.ErrInvalidOrder)
		}
		if !precise(req.Price, pair.PricePrecision) {
			return nil, fmt.Errorf("%w: price %s exceeds %d decimals", model.ErrInvalidOrder, req.Price, pair.PricePrecision)
		}
	} else {
		req.Price = decimal.Zero
	}

	if req.Terms == nil && req.Kind == model.MarketSpot {
		req.Terms = model.SpotTerms{}
	}
	if req.Terms == nil || req.Terms.MarketKind() != req.Kind {
		return nil, fmt.Errorf("%w: order terms do not match %s market", model.ErrInvalidOrder, req.Kind)
	}
	if t, ok := req.Terms.(model.DerivativeTerms); ok {
		if !req.Kind.IsDerivative() {
			return nil, fmt.Errorf("%w: derivative terms on %s market", model.ErrInvalidOrder, req.Kind)
		}
		if t.MarginMode == "" {
			t.MarginMode = model.MarginIsolated
		}
		if t.MarginMode != model.MarginIsolated && t.MarginMode != model.MarginCross {
			return nil, fmt.Errorf("%w: unknown margin mode %q", model.ErrInvalidOrder, t.MarginMode)
		}
		// 只减仓单不占用保证金，杠杆只做记录
		if !t.ReduceOnly {
			minLev := pair.MinLeverage
			if !minLev.IsPositive() {
				minLev = decimal.NewFromInt(1)
			}
			if t.Leverage.LessThan(minLev) || (pair.MaxLeverage.IsPositive() && t.Leverage.GreaterThan(pair.MaxLeverage)) {
				return nil, fmt.Errorf("%w: %s not in [%s, %s]", model.ErrInvalidLeverage, t.Leverage, minLev, pair.MaxLeverage)
			}
		}
		req.Terms = t
	}
	return pair, nil
}
