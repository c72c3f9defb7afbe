package handler

import (
	"errors"
	"strconv"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/gogogo1024/cex-trade-core/biz/model"
	"github.com/gogogo1024/cex-trade-core/biz/service"
	"github.com/shopspring/decimal"
)

var orderService *service.OrderService

// Init 注入下单服务，需在注册路由前调用
func Init(svc *service.OrderService) {
	orderService = svc
}

// errorStatus 业务错误到 HTTP 状态码
func errorStatus(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidPair),
		errors.Is(err, model.ErrSizeOutOfBounds),
		errors.Is(err, model.ErrInvalidOrder),
		errors.Is(err, model.ErrInvalidLeverage),
		errors.Is(err, model.ErrReduceOnly):
		return consts.StatusBadRequest
	case errors.Is(err, model.ErrOrderNotFound):
		return consts.StatusNotFound
	case errors.Is(err, model.ErrAlreadyTerminal):
		return consts.StatusConflict
	case errors.Is(err, model.ErrInsufficientFunds),
		errors.Is(err, model.ErrInsufficientMargin),
		errors.Is(err, model.ErrFOKUnfillable),
		errors.Is(err, model.ErrNoMarkPrice):
		return consts.StatusUnprocessableEntity
	case errors.Is(err, model.ErrEngineClosed):
		return consts.StatusServiceUnavailable
	default:
		return consts.StatusInternalServerError
	}
}

func fail(c *app.RequestContext, err error) {
	status := errorStatus(err)
	if status == consts.StatusInternalServerError {
		hlog.Errorf("请求处理失败, path=%s, err=%v", c.Path(), err)
	}
	c.JSON(status, map[string]interface{}{"error": err.Error()})
}

func badRequest(c *app.RequestContext, msg string) {
	c.JSON(consts.StatusBadRequest, map[string]interface{}{"error": msg})
}

// parseDecimal 空字符串视为零
func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// parseKind 缺省为现货
func parseKind(s string) model.MarketKind {
	if s == "" {
		return model.MarketSpot
	}
	return model.MarketKind(s)
}

func parseLimit(s string, def int) int {
	if s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 {
			return l
		}
	}
	return def
}
