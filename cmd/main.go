package main

import (
	"context"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/gogogo1024/cex-trade-core/biz/dal"
	"github.com/gogogo1024/cex-trade-core/biz/dal/chain"
	"github.com/gogogo1024/cex-trade-core/biz/dal/kafka"
	"github.com/gogogo1024/cex-trade-core/biz/dal/redis"
	"github.com/gogogo1024/cex-trade-core/biz/engine"
	"github.com/gogogo1024/cex-trade-core/biz/handler"
	"github.com/gogogo1024/cex-trade-core/biz/model"
	"github.com/gogogo1024/cex-trade-core/biz/onchain"
	"github.com/gogogo1024/cex-trade-core/biz/router"
	"github.com/gogogo1024/cex-trade-core/biz/service"
	bizutil "github.com/gogogo1024/cex-trade-core/biz/util"
	"github.com/gogogo1024/cex-trade-core/conf"
	"github.com/gogogo1024/cex-trade-core/gateway"
	"github.com/gogogo1024/cex-trade-core/middleware"
	ws "github.com/gogogo1024/cex-trade-core/server"
	"github.com/gogogo1024/cex-trade-core/util"
	"github.com/hertz-contrib/cors"
	"github.com/hertz-contrib/gzip"
	"github.com/hertz-contrib/logger/accesslog"
	"github.com/hertz-contrib/pprof"
	"github.com/joho/godotenv"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	broadcastPoolSize = 1024
	pushBufferSize    = 4096
)

func main() {
	_ = godotenv.Load()
	c := conf.GetConf()

	logWriter := initLog(c.Hertz)
	zapLogger := newZapLogger(logWriter)

	dal.Init()
	store := dal.NewStore()
	registry := service.NewRegistry(store)
	pairs, err := bizutil.TradingPairs(c.Pairs)
	if err != nil {
		hlog.Fatalf("交易对配置错误: %v", err)
	}
	if err := service.SeedPairs(context.Background(), store, registry, pairs); err != nil {
		hlog.Fatalf("写入交易对失败: %v", err)
	}

	var marks service.MarkPriceSetter = service.NewMarkBoard()
	var cache *redis.Cache
	if c.Redis.Enabled {
		cache = redis.NewCache(redis.Client)
		marks = cache
	}

	nextID, err := util.NewIDGenerator(c.MatchEngine.MachineID)
	if err != nil {
		hlog.Fatalf("订单号生成器初始化失败: %v", err)
	}
	if err := engine.InitBroadcastPool(broadcastPoolSize); err != nil {
		hlog.Fatalf("推送协程池初始化失败: %v", err)
	}

	mmr := decimalOr(c.MatchEngine.MaintenanceMarginRate, service.DefaultMaintenanceMarginRate)
	eng := service.NewMatchEngine(store, registry, marks, nextID, service.EngineConfig{
		NodeID:                c.MatchEngine.NodeID,
		MatchWindow:           c.MatchEngine.MatchWindow,
		QueueSize:             c.MatchEngine.QueueSize,
		ConflictRetries:       c.MatchEngine.ConflictRetries,
		DepthLimit:            c.MatchEngine.DepthLimit,
		Slippage:              decimalOr(c.MatchEngine.MarketSlippage, decimal.Zero),
		FeeAccount:            c.MatchEngine.FeeAccount,
		MaintenanceMarginRate: mmr,
	})
	svc := service.NewOrderService(store, eng, marks)
	handler.Init(svc)

	hub := ws.NewHub(pushBufferSize, droppedSink(c.Kafka))
	hub.SetSnapshot(func(ctx context.Context, k model.PairKey) (*model.OrderBook, error) {
		return svc.GetOrderBook(ctx, k.Symbol, k.Kind, 0)
	})
	eng.AddBookSink(hub)
	eng.AddTradeSink(hub)
	if cache != nil {
		eng.AddBookSink(cache)
		eng.AddTradeSink(cache)
	}
	var stream *kafka.TradeStream
	if c.Kafka.Enabled {
		stream = kafka.NewTradeStream(kafka.GetWriter(c.Kafka.TradeTopic), 0)
		eng.AddTradeSink(stream)
	}

	ctx, cancel := context.WithCancel(context.Background())
	monitor := service.NewLiquidationMonitor(store, marks, eng, mmr, conf.Duration(c.MatchEngine.LiquidationInterval, time.Second))
	go monitor.Run(ctx)

	var closeLedger func()
	if c.Onchain.Enabled {
		if closeLedger, err = startOnchain(ctx, c.Onchain, zapLogger); err != nil {
			hlog.Fatalf("链上撮合启动失败: %v", err)
		}
	}

	h := server.Default(
		server.WithHostPorts(c.Hertz.Address),
		server.WithExitWaitTime(conf.Duration(c.Hertz.ShutdownTimeout, 5*time.Second)),
	)
	h.NoHijackConnPool = true
	registerMiddleware(h, c.Hertz)

	served, err := bizutil.ParsePairKeys(c.MatchEngine.MatchPairs)
	if err != nil {
		hlog.Fatalf("match_pairs 配置错误: %v", err)
	}
	var owners middleware.OwnerLookup
	deregister := func() {}
	if c.Registry.Enabled {
		var helper *service.ConsulHelper
		helper, deregister = registerNode(c, served, pairs)
		ownerCache := gateway.NewPairOwnerCache(c.MatchEngine.NodeID)
		go ownerCache.Watch(ctx, helper.Health(), service.MatchEngineService)
		owners = ownerCache
	}
	router.Register(h, middleware.PairRouteMiddleware(served, owners))
	h.GET("/ws", hub.ServeWS)

	h.OnShutdown = append(h.OnShutdown, func(_ context.Context) {
		deregister()
		cancel()
		eng.Close()
		hub.Close()
		if stream != nil {
			stream.Close()
		}
		if closeLedger != nil {
			closeLedger()
		}
		engine.ReleaseBroadcastPool()
		dal.Close()
		_ = zapLogger.Sync()
		_ = logWriter.Sync()
	})

	h.Spin()
}

// initLog hlog 输出到按大小切分的日志文件
func initLog(c conf.Hertz) *zapcore.BufferedWriteSyncer {
	hlog.SetLevel(conf.LogLevel())
	asyncWriter := &zapcore.BufferedWriteSyncer{
		WS: zapcore.AddSync(&lumberjack.Logger{
			Filename:   c.LogFileName,
			MaxSize:    c.LogMaxSize,
			MaxBackups: c.LogMaxBackups,
			MaxAge:     c.LogMaxAge,
		}),
		FlushInterval: time.Minute,
	}
	hlog.SetOutput(asyncWriter)
	return asyncWriter
}

// newZapLogger 链上撮合使用的结构化日志，与 hlog 共用同一文件
func newZapLogger(out zapcore.WriteSyncer) *zap.Logger {
	level := zapcore.InfoLevel
	if conf.LogLevel() <= hlog.LevelDebug {
		level = zapcore.DebugLevel
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), out, level)
	return zap.New(core, zap.AddCaller())
}

func registerMiddleware(h *server.Hertz, c conf.Hertz) {
	if c.EnablePprof {
		pprof.Register(h)
	}
	if c.EnableGzip {
		h.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/ws", "/metrics"})))
	}
	if c.EnableAccessLog {
		h.Use(accesslog.New())
	}
	h.Use(cors.Default())
}

// droppedSink 推送缓冲区满时把消息转存 Kafka，未启用 Kafka 时只记日志
func droppedSink(c conf.Kafka) engine.Broadcaster {
	if !c.Enabled || c.DroppedTopic == "" {
		return nil
	}
	w := kafka.GetWriter(c.DroppedTopic)
	return func(channel string, msg []byte) {
		go func() {
			if err := w.WriteMessages(context.Background(), kafkago.Message{Key: []byte(channel), Value: msg}); err != nil {
				hlog.Warnf("丢弃消息写入 Kafka 失败, channel=%s, err=%v", channel, err)
			}
		}()
	}
}

func startOnchain(ctx context.Context, c conf.Onchain, logger *zap.Logger) (func(), error) {
	ledger, err := chain.Dial(ctx, chain.Config{
		RPCURL:     c.RPCURL,
		ChainID:    c.ChainID,
		Contract:   c.Contract,
		PrivateKey: c.PrivateKey,
	}, logger)
	if err != nil {
		return nil, err
	}
	cycle := onchain.NewCycle(ledger, onchain.Config{
		TokenA:         c.TokenA,
		TokenB:         c.TokenB,
		Interval:       conf.Duration(c.Interval, 15*time.Second),
		ConfirmTimeout: conf.Duration(c.ConfirmTimeout, 60*time.Second),
	}, logger)
	go cycle.Run(ctx)
	return ledger.Close, nil
}

// registerNode 注册到 Consul，标签为本节点负责的交易对，served 为空时负责全部交易对
func registerNode(c *conf.Config, served []model.PairKey, pairs []model.TradingPair) (*service.ConsulHelper, func()) {
	tags := served
	if len(tags) == 0 {
		for i := range pairs {
			tags = append(tags, pairs[i].Key())
		}
	}
	helper, err := service.NewConsulHelperWithAddrs(c.Registry.RegistryAddress, c.Registry.Username, c.Registry.Password)
	if err != nil {
		hlog.Fatalf("连接 Consul 失败: %v", err)
	}
	host := bizutil.AdvertiseIP()
	if err := helper.RegisterMatchEngine(c.MatchEngine.NodeID, host, c.MatchEngine.MatchPort, tags); err != nil {
		hlog.Fatalf("Consul 注册撮合引擎失败: %v", err)
	}
	hlog.Infof("撮合节点已注册, node=%s, addr=%s:%d, pairs=%v", c.MatchEngine.NodeID, host, c.MatchEngine.MatchPort, tags)
	return helper, func() {
		if err := helper.DeregisterMatchEngine(c.MatchEngine.NodeID); err != nil {
			hlog.Warnf("Consul 注销失败: %v", err)
		}
	}
}

func decimalOr(s string, def decimal.Decimal) decimal.Decimal {
	if s == "" {
		return def
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		hlog.Warnf("非法数值配置 %q，使用默认值 %s", s, def)
		return def
	}
	return v
}
