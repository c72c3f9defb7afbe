package service

import (
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/gogogo1024/cex-trade-core/biz/model"
	"github.com/shopspring/decimal"
)

// DefaultMaintenanceMarginRate 0.5%
var DefaultMaintenanceMarginRate = decimal.RequireFromString("0.005")

// LiquidationPrice 多仓 entry - maint/size，空仓 entry + maint/size，maint = entry*size*mmr
func LiquidationPrice(p *model.Position, mmr decimal.Decimal) decimal.Decimal {
	if !p.Size.IsPositive() {
		return decimal.Zero
	}
	maint := p.EntryPrice.Mul(p.Size).Mul(mmr)
	offset := maint.Div(p.Size)
	if p.Side == model.PositionLong {
		return p.EntryPrice.Sub(offset)
	}
	return p.EntryPrice.Add(offset)
}

// ShouldLiquidate 标记价格触及强平价
func ShouldLiquidate(p *model.Position, mark decimal.Decimal) bool {
	if !p.Open() || !mark.IsPositive() {
		return false
	}
	if p.Side == model.PositionLong {
		return mark.LessThanOrEqual(p.LiquidationPrice)
	}
	return mark.GreaterThanOrEqual(p.LiquidationPrice)
}

func UnrealizedPnL(p *model.Position, mark decimal.Decimal) decimal.Decimal {
	diff := mark.Sub(p.EntryPrice)
	if p.Side == model.PositionShort {
		diff = diff.Neg()
	}
	return diff.Mul(p.Size)
}

// positionFill 一侧成交对持仓的影响
type positionFill struct {
	margin decimal.Decimal // 新开仓占用的保证金
	payout decimal.Decimal // 平仓退回的保证金加已实现盈亏，不小于零
}

// applyFill 先平反向仓位，剩余数量开仓或加仓；反手即平到零后按成交价反向开仓
func applyFill(p *model.Position, order *model.Order, price, amount, mmr decimal.Decimal) positionFill {
	var res positionFill
	side := model.PositionSideOf(order.Side)

	closeQty := decimal.Zero
	if p.Open() && p.Side != side {
		closeQty = decimal.Min(amount, p.Size)
	}
	if closeQty.IsPositive() {
		released := p.Margin.Mul(closeQty).Div(p.Size)
		pnl := price.Sub(p.EntryPrice).Mul(closeQty)
		if p.Side == model.PositionShort {
			pnl = pnl.Neg()
		}
		payout := released.Add(pnl)
		if payout.IsNegative() {
			hlog.Warnf("穿仓, user=%s, pair=%s, bad_debt=%s", p.UserID, p.Key(), payout.Neg())
			payout = decimal.Zero
		}
		p.Size = p.Size.Sub(closeQty)
		p.Margin = p.Margin.Sub(released)
		p.RealizedPnL = p.RealizedPnL.Add(pnl)
		if !p.Size.IsPositive() {
			p.Size = decimal.Zero
			p.Margin = decimal.Zero
			p.UnrealizedPnL = decimal.Zero
		}
		res.payout = payout
	}

	openQty := amount.Sub(closeQty)
	if openQty.IsPositive() && order.Derivative != nil {
		lev := order.Derivative.Leverage
		margin := decimal.Zero
		if lev.IsPositive() {
			margin = openQty.Mul(price).Div(lev)
		}
		if p.Open() {
			size := p.Size.Add(openQty)
			p.EntryPrice = p.EntryPrice.Mul(p.Size).Add(price.Mul(openQty)).Div(size)
			p.Size = size
			p.Margin = p.Margin.Add(margin)
		} else {
			p.Side = side
			p.EntryPrice = price
			p.Size = openQty
			p.Margin = margin
			p.MarginMode = order.Derivative.MarginMode
		}
		if p.Margin.IsPositive() {
			p.Leverage = p.EntryPrice.Mul(p.Size).Div(p.Margin)
		} else {
			p.Leverage = lev
		}
		res.margin = margin
	}
	if p.MarkPrice.IsZero() {
		p.MarkPrice = price
	}
	p.LiquidationPrice = LiquidationPrice(p, mmr)
	return res
}
