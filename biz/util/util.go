package util

import (
	"fmt"
	"strings"

	"github.com/gogogo1024/cex-trade-core/biz/model"
	"github.com/gogogo1024/cex-trade-core/conf"
	"github.com/shopspring/decimal"
)

// ParsePairs 工具函数，解析逗号分隔的交易对字符串
func ParsePairs(s string) []string {
	var res []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			res = append(res, p)
		}
	}
	return res
}

// ParsePairKey 解析 symbol:kind，省略 kind 时按现货处理
func ParsePairKey(s string) (model.PairKey, error) {
	s = strings.TrimSpace(s)
	k := model.PairKey{Symbol: s, Kind: model.MarketSpot}
	if i := strings.LastIndex(s, ":"); i >= 0 {
		k.Symbol, k.Kind = s[:i], model.MarketKind(s[i+1:])
	}
	if k.Symbol == "" || !k.Kind.Valid() {
		return model.PairKey{}, fmt.Errorf("%w: %q", model.ErrInvalidPair, s)
	}
	return k, nil
}

// ParsePairKeys 解析本节点负责的交易对列表，如 match_pairs 配置
func ParsePairKeys(s string) ([]model.PairKey, error) {
	var keys []model.PairKey
	for _, p := range ParsePairs(s) {
		k, err := ParsePairKey(p)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// TradingPairs 把配置中的交易对转换为模型，空字符串的数值按零处理
func TradingPairs(pairs []conf.Pair) ([]model.TradingPair, error) {
	res := make([]model.TradingPair, 0, len(pairs))
	for _, p := range pairs {
		tp := model.TradingPair{
			Symbol:         p.Symbol,
			Kind:           model.MarketKind(p.Kind),
			Base:           p.Base,
			Quote:          p.Quote,
			PricePrecision: p.PricePrecision,
			QtyPrecision:   p.QtyPrecision,
			Active:         true,
		}
		fields := []struct {
			name string
			raw  string
			dst  *decimal.Decimal
		}{
			{"min_order_size", p.MinOrderSize, &tp.MinOrderSize},
			{"max_order_size", p.MaxOrderSize, &tp.MaxOrderSize},
			{"maker_fee_rate", p.MakerFeeRate, &tp.MakerFeeRate},
			{"taker_fee_rate", p.TakerFeeRate, &tp.TakerFeeRate},
			{"min_leverage", p.MinLeverage, &tp.MinLeverage},
			{"max_leverage", p.MaxLeverage, &tp.MaxLeverage},
		}
		for _, f := range fields {
			if f.raw == "" {
				*f.dst = decimal.Zero
				continue
			}
			v, err := decimal.NewFromString(f.raw)
			if err != nil {
				return nil, fmt.Errorf("pair %s:%s %s: %w", p.Symbol, p.Kind, f.name, err)
			}
			*f.dst = v
		}
		res = append(res, tp)
	}
	return res, nil
}
