package handler

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
)

// GetDepth 获取深度（订单簿快照）
func GetDepth(ctx context.Context, c *app.RequestContext) {
	symbol := c.Query("symbol")
	if symbol == "" {
		badRequest(c, "symbol参数不能为空")
		return
	}
	book, err := orderService.GetOrderBook(ctx, symbol, parseKind(c.Query("kind")), parseLimit(c.Query("depth"), 0))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(consts.StatusOK, book)
}

// ListTrades 查询最近成交，按时间倒序
func ListTrades(ctx context.Context, c *app.RequestContext) {
	symbol := c.Query("symbol")
	if symbol == "" {
		badRequest(c, "symbol参数不能为空")
		return
	}
	trades, err := orderService.ListTrades(ctx, symbol, parseKind(c.Query("kind")), parseLimit(c.Query("limit"), 0))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(consts.StatusOK, trades)
}
