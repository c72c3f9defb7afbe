package redis

import (
	"context"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/gogogo1024/cex-trade-core/conf"
	"github.com/redis/go-redis/v9"
)

var Client *redis.Client

// Init 连接 Redis，行情缓存与标记价格都走这个客户端
func Init() {
	c := conf.GetConf().Redis
	Client = redis.NewClient(&redis.Options{
		Addr:         c.Address,
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     c.PoolSize,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := Client.Ping(ctx).Err(); err != nil {
		panic(err)
	}
	hlog.Infof("Redis 初始化完成, addr=%s, db=%d", c.Address, c.DB)
}
