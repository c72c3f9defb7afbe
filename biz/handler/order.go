package handler

import (
	"context"
	"errors"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/gogogo1024/cex-trade-core/biz/model"
	"github.com/gogogo1024/cex-trade-core/biz/service"
)

type SubmitOrderRequest struct {
	UserID      string `json:"user_id" vd:"len($)>0"`
	Symbol      string `json:"symbol" vd:"len($)>0"`
	Kind        string `json:"kind"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	TimeInForce string `json:"time_in_force"`
	Price       string `json:"price"`
	Amount      string `json:"amount"`
	Leverage    string `json:"leverage"`
	MarginMode  string `json:"margin_mode"`
	ReduceOnly  bool   `json:"reduce_only"`
}

type CancelOrderRequest struct {
	UserID  string `json:"user_id" vd:"len($)>0"`
	OrderID string `json:"order_id" vd:"len($)>0"`
}

// toOrderRequest 衍生品参数出现在现货单上时保留下来，由准入校验拒绝
func (r *SubmitOrderRequest) toOrderRequest() (*service.OrderRequest, error) {
	price, err := parseDecimal(r.Price)
	if err != nil {
		return nil, errors.New("invalid price")
	}
	amount, err := parseDecimal(r.Amount)
	if err != nil {
		return nil, errors.New("invalid amount")
	}
	req := &service.OrderRequest{
		UserID:      r.UserID,
		Symbol:      r.Symbol,
		Kind:        parseKind(r.Kind),
		Side:        model.Side(r.Side),
		Type:        model.OrderType(r.Type),
		TimeInForce: model.TimeInForce(r.TimeInForce),
		Price:       price,
		Amount:      amount,
		Terms:       model.SpotTerms{},
	}
	if req.Type == "" {
		req.Type = model.OrderTypeLimit
	}
	if req.Kind.IsDerivative() || r.Leverage != "" || r.ReduceOnly {
		lev, err := parseDecimal(r.Leverage)
		if err != nil {
			return nil, errors.New("invalid leverage")
		}
		req.Terms = model.DerivativeTerms{
			Market:     req.Kind,
			Leverage:   lev,
			MarginMode: model.MarginMode(r.MarginMode),
			ReduceOnly: r.ReduceOnly,
		}
	}
	return req, nil
}

// SubmitOrder 下单，同步返回撮合结果
func SubmitOrder(ctx context.Context, c *app.RequestContext) {
	var body SubmitOrderRequest
	if err := c.BindAndValidate(&body); err != nil {
		badRequest(c, err.Error())
		return
	}
	req, err := body.toOrderRequest()
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	res, err := orderService.PlaceOrder(ctx, req)
	if err != nil {
		// FOK 被拒时订单已落库，一并返回
		if res != nil {
			c.JSON(errorStatus(err), map[string]interface{}{"error": err.Error(), "order": res.Order})
			return
		}
		fail(c, err)
		return
	}
	c.JSON(consts.StatusOK, res)
}

// CancelOrder 撤单
func CancelOrder(ctx context.Context, c *app.RequestContext) {
	var req CancelOrderRequest
	if err := c.BindAndValidate(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	order, err := orderService.CancelOrder(ctx, req.UserID, req.OrderID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(consts.StatusOK, order)
}

// GetOrder 查询单个订单，只能查自己的
func GetOrder(ctx context.Context, c *app.RequestContext) {
	userID := c.Query("user_id")
	if userID == "" {
		badRequest(c, "user_id is required")
		return
	}
	order, err := orderService.GetOrder(ctx, userID, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(consts.StatusOK, order)
}

// ListOrders 查询用户订单，symbol/kind 可选
func ListOrders(ctx context.Context, c *app.RequestContext) {
	var kind model.MarketKind
	if k := c.Query("kind"); k != "" {
		kind = model.MarketKind(k)
	}
	orders, err := orderService.GetUserOrders(ctx, c.Query("user_id"), c.Query("symbol"), kind)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(consts.StatusOK, orders)
}
