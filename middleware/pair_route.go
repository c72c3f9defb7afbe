package middleware

import (
	"context"
	"encoding/json"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/gogogo1024/cex-trade-core/biz/model"
)

// OwnerLookup 查找负责某交易对的节点地址
type OwnerLookup interface {
	Owner(k model.PairKey) (string, bool)
}

type pairPeek struct {
	Symbol string `json:"symbol"`
	Kind   string `json:"kind"`
}

// PairRouteMiddleware 下单请求只在负责该交易对的节点处理
// served 为空时本节点负责全部交易对；其他节点负责的交易对 307 重定向过去，找不到负责节点返回 503
func PairRouteMiddleware(served []model.PairKey, owners OwnerLookup) app.HandlerFunc {
	local := make(map[model.PairKey]struct{}, len(served))
	for _, k := range served {
		local[k] = struct{}{}
	}
	return func(ctx context.Context, c *app.RequestContext) {
		if len(local) == 0 {
			c.Next(ctx)
			return
		}
		var req pairPeek
		if err := json.Unmarshal(c.Request.Body(), &req); err != nil || req.Symbol == "" {
			// 交给 handler 返回参数错误
			c.Next(ctx)
			return
		}
		k := model.PairKey{Symbol: req.Symbol, Kind: model.MarketKind(req.Kind)}
		if k.Kind == "" {
			k.Kind = model.MarketSpot
		}
		if _, ok := local[k]; ok {
			c.Next(ctx)
			return
		}
		if owners != nil {
			if addr, ok := owners.Owner(k); ok {
				hlog.Debugf("[PairRoute] redirect order for pair=%s to %s", k, addr)
				c.Redirect(consts.StatusTemporaryRedirect, []byte("http://"+addr+string(c.Path())))
				c.Abort()
				return
			}
		}
		hlog.Warnf("[PairRoute] no match engine serves pair=%s", k)
		c.AbortWithStatusJSON(consts.StatusServiceUnavailable, map[string]interface{}{
			"error": "pair not served by this node: " + k.String(),
		})
	}
}
