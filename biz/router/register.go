package router

import (
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/adaptor"
	"github.com/gogogo1024/cex-trade-core/biz/handler"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Register 注册 REST 路由与指标接口，WebSocket 路由由 server 包挂载
// orderMW 只作用于下单接口，如交易对路由
func Register(h *server.Hertz, orderMW ...app.HandlerFunc) {
	h.GET("/metrics", adaptor.HertzHandler(promhttp.Handler()))

	v1 := h.Group("/api/v1")
	v1.POST("/order", append(orderMW, handler.SubmitOrder)...)
	v1.POST("/order/cancel", handler.CancelOrder)
	v1.GET("/order/:id", handler.GetOrder)
	v1.GET("/orders", handler.ListOrders)
	v1.GET("/depth", handler.GetDepth)
	v1.GET("/trades", handler.ListTrades)
	v1.GET("/balances", handler.ListBalances)
	v1.GET("/positions", handler.ListPositions)

	admin := v1.Group("/admin")
	admin.POST("/deposit", handler.Deposit)
	admin.POST("/mark", handler.SetMarkPrice)
}
