package pg

import (
	"context"
	"fmt"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/gogogo1024/cex-trade-core/biz/model"
	"github.com/gogogo1024/cex-trade-core/conf"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var PostgresClient *pgxpool.Pool
var GormDB *gorm.DB

// Init 建立连接池，GORM 与热路径查询共用同一个 pgxpool
func Init() {
	pgConf := conf.GetConf().Postgres
	poolConf, err := pgxpool.ParseConfig(pgConf.DSN)
	if err != nil {
		panic(fmt.Sprintf("invalid postgres dsn: %v", err))
	}
	if pgConf.MaxConns > 0 {
		poolConf.MaxConns = pgConf.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), poolConf)
	if err != nil {
		panic(fmt.Sprintf("failed to connect to postgres: %v", err))
	}
	if err := pool.Ping(context.Background()); err != nil {
		panic(fmt.Sprintf("failed to ping postgres: %v", err))
	}
	PostgresClient = pool

	if err := InitGorm(pool); err != nil {
		panic(fmt.Sprintf("failed to init gorm: %v", err))
	}
	// 自动迁移表结构
	if err := AutoMigrate(); err != nil {
		panic(fmt.Sprintf("failed to auto migrate: %v", err))
	}
	hlog.Infof("Postgres 初始化完成, max_conns=%d", poolConf.MaxConns)
}

func InitGorm(pool *pgxpool.Pool) error {
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: stdlib.OpenDBFromPool(pool)}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return err
	}
	GormDB = db
	return nil
}

func AutoMigrate() error {
	if GormDB == nil {
		return gorm.ErrInvalidDB
	}
	return GormDB.AutoMigrate(
		&model.TradingPair{},
		&model.Order{},
		&model.Trade{},
		&model.Balance{},
		&model.Reservation{},
		&model.LedgerEntry{},
		&model.Position{},
	)
}

func GetPool() *pgxpool.Pool {
	if PostgresClient == nil {
		panic("PostgresClient未初始化，请先调用 pg.Init()")
	}
	return PostgresClient
}
