package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/gogogo1024/cex-trade-core/biz/model"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const (
	bookTTL        = 5 * time.Second
	maxCachedTrade = 1000
)

func BookKey(k model.PairKey) string {
	return "orderbook:" + k.String()
}

func TradesKey(k model.PairKey) string {
	return "trades:" + k.String()
}

// MarkKey 外部行情程序写入的标记价格
func MarkKey(symbol string, kind model.MarketKind) string {
	return fmt.Sprintf("mark:%s:%s", symbol, kind)
}

// Cache 订单簿快照与最近成交缓存，同时作为标记价格来源
type Cache struct {
	client redis.UniversalClient
}

func NewCache(client redis.UniversalClient) *Cache {
	return &Cache{client: client}
}

// PublishBook 缓存订单簿快照，过期时间 5 秒
func (c *Cache) PublishBook(ctx context.Context, book *model.OrderBook) {
	val, err := json.Marshal(book)
	if err != nil {
		hlog.Errorf("订单簿序列化失败: %v", err)
		return
	}
	if err := c.client.Set(ctx, BookKey(book.Key()), val, bookTTL).Err(); err != nil {
		hlog.Errorf("Redis Set 失败: %v", err)
	}
}

// PublishTrades 成交写入 List 头部，只保留最新 1000 条
func (c *Cache) PublishTrades(ctx context.Context, trades []model.Trade) {
	if len(trades) == 0 {
		return
	}
	pipe := c.client.Pipeline()
	keys := make(map[string]struct{})
	for i := range trades {
		val, err := json.Marshal(&trades[i])
		if err != nil {
			hlog.Errorf("成交序列化失败: %v", err)
			continue
		}
		key := TradesKey(trades[i].Key())
		keys[key] = struct{}{}
		pipe.LPush(ctx, key, val)
	}
	for key := range keys {
		pipe.LTrim(ctx, key, 0, maxCachedTrade-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		hlog.Errorf("Redis 成交缓存失败: %v", err)
	}
}

func (c *Cache) MarkPrice(ctx context.Context, symbol string, kind model.MarketKind) (decimal.Decimal, error) {
	val, err := c.client.Get(ctx, MarkKey(symbol, kind)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, fmt.Errorf("%w: %s:%s", model.ErrNoMarkPrice, symbol, kind)
	}
	if err != nil {
		return decimal.Zero, err
	}
	mark, err := decimal.NewFromString(val)
	if err != nil || !mark.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: bad value %q for %s:%s", model.ErrNoMarkPrice, val, symbol, kind)
	}
	return mark, nil
}

// SetMarkPrice 测试与运维脚本写入标记价格
func (c *Cache) SetMarkPrice(ctx context.Context, symbol string, kind model.MarketKind, mark decimal.Decimal) error {
	return c.client.Set(ctx, MarkKey(symbol, kind), mark.String(), 0).Err()
}
