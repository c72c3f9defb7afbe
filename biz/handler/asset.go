package handler

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
)

type DepositRequest struct {
	UserID string `json:"user_id" vd:"len($)>0"`
	Asset  string `json:"asset" vd:"len($)>0"`
	Amount string `json:"amount" vd:"len($)>0"`
}

type MarkPriceRequest struct {
	Symbol string `json:"symbol" vd:"len($)>0"`
	Kind   string `json:"kind"`
	Price  string `json:"price" vd:"len($)>0"`
}

// ListBalances 查询用户各币种余额
func ListBalances(ctx context.Context, c *app.RequestContext) {
	balances, err := orderService.GetUserBalances(ctx, c.Query("user_id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(consts.StatusOK, balances)
}

// ListPositions 查询用户持仓
func ListPositions(ctx context.Context, c *app.RequestContext) {
	positions, err := orderService.GetUserPositions(ctx, c.Query("user_id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(consts.StatusOK, positions)
}

// Deposit 管理端入金
func Deposit(ctx context.Context, c *app.RequestContext) {
	var req DepositRequest
	if err := c.BindAndValidate(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	amount, err := parseDecimal(req.Amount)
	if err != nil || !amount.IsPositive() {
		badRequest(c, "invalid amount")
		return
	}
	if err := orderService.Deposit(ctx, req.UserID, req.Asset, amount); err != nil {
		fail(c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]interface{}{"user_id": req.UserID, "asset": req.Asset, "amount": amount})
}

// SetMarkPrice 管理端写入标记价格
func SetMarkPrice(ctx context.Context, c *app.RequestContext) {
	var req MarkPriceRequest
	if err := c.BindAndValidate(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	price, err := parseDecimal(req.Price)
	if err != nil {
		badRequest(c, "invalid price")
		return
	}
	kind := parseKind(req.Kind)
	if err := orderService.SetMarkPrice(ctx, req.Symbol, kind, price); err != nil {
		fail(c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]interface{}{"symbol": req.Symbol, "kind": kind, "price": price})
}
