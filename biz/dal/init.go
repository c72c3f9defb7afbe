package dal

import (
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/gogogo1024/cex-trade-core/biz/dal/kafka"
	"github.com/gogogo1024/cex-trade-core/biz/dal/mem"
	"github.com/gogogo1024/cex-trade-core/biz/dal/pg"
	"github.com/gogogo1024/cex-trade-core/biz/dal/redis"
	"github.com/gogogo1024/cex-trade-core/biz/service"
	"github.com/gogogo1024/cex-trade-core/conf"
)

const storagePostgres = "postgres"

// Store 撮合存储，启动时还要写入交易对配置
type Store interface {
	service.Store
	service.PairSeeder
}

// Init 按配置初始化外部依赖，失败直接 panic
func Init() {
	c := conf.GetConf()
	if c.MatchEngine.Storage == storagePostgres {
		pg.Init()
	}
	if c.Redis.Enabled {
		redis.Init()
	}
	if c.Kafka.Enabled {
		kafka.Init()
	}
}

// NewStore storage 为 postgres 时使用 Postgres，否则使用内存存储
func NewStore() Store {
	if conf.GetConf().MatchEngine.Storage == storagePostgres {
		hlog.Infof("撮合存储: postgres")
		return pg.NewStore(pg.GetPool(), pg.GormDB)
	}
	hlog.Warnf("撮合存储: memory，重启后数据丢失")
	return mem.NewStore()
}

// Close 关闭外部连接
func Close() {
	c := conf.GetConf()
	if c.Kafka.Enabled {
		kafka.CloseAllWriters()
	}
	if c.Redis.Enabled && redis.Client != nil {
		if err := redis.Client.Close(); err != nil {
			hlog.Warnf("关闭 Redis 失败: %v", err)
		}
	}
	if pg.PostgresClient != nil {
		pg.PostgresClient.Close()
	}
}
