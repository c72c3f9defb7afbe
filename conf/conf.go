package conf

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/kr/pretty"
	"gopkg.in/validator.v2"
	"gopkg.in/yaml.v2"
)

var (
	conf *Config
	once sync.Once
)

type Config struct {
	Env         string
	Hertz       Hertz       `yaml:"hertz"`
	Redis       Redis       `yaml:"redis"`
	Postgres    Postgres    `yaml:"postgres"`
	Kafka       Kafka       `yaml:"kafka"`
	MatchEngine MatchEngine `yaml:"match_engine"`
	Registry    Registry    `yaml:"registry"`
	Onchain     Onchain     `yaml:"onchain"`
	Pairs       []Pair      `yaml:"pairs"`
}

type Redis struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	Username string `yaml:"username"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type Postgres struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

// Kafka dropped_topic 接收推送缓冲区满时丢弃的消息
type Kafka struct {
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers"`
	TradeTopic   string   `yaml:"trade_topic"`
	DroppedTopic string   `yaml:"dropped_topic"`
}

type Registry struct {
	Enabled         bool     `yaml:"enabled"`
	RegistryAddress []string `yaml:"registry_address"`
	Username        string   `yaml:"username"`
	Password        string   `yaml:"password"`
}

// MatchEngine 撮合节点配置，storage 为 memory 或 postgres
type MatchEngine struct {
	NodeID                string `yaml:"node_id" validate:"nonzero"`
	MachineID             uint16 `yaml:"machine_id"`
	MatchPairs            string `yaml:"match_pairs"`
	MatchPort             int    `yaml:"match_port"`
	Storage               string `yaml:"storage" validate:"regexp=^(memory|postgres)?$"`
	MatchWindow           int    `yaml:"match_window"`
	QueueSize             int    `yaml:"queue_size"`
	MaintenanceMarginRate string `yaml:"maintenance_margin_rate"`
	MarketSlippage        string `yaml:"market_slippage"`
	LiquidationInterval   string `yaml:"liquidation_interval"`
	DepthLimit            int    `yaml:"depth_limit"`
	ConflictRetries       int    `yaml:"conflict_retries"`
	FeeAccount            string `yaml:"fee_account"`
}

// Onchain 链上撮合周期配置，私钥优先读取环境变量 ONCHAIN_PRIVATE_KEY
type Onchain struct {
	Enabled        bool   `yaml:"enabled"`
	RPCURL         string `yaml:"rpc_url"`
	ChainID        int64  `yaml:"chain_id"`
	Contract       string `yaml:"contract"`
	PrivateKey     string `yaml:"private_key"`
	TokenA         string `yaml:"token_a"`
	TokenB         string `yaml:"token_b"`
	Interval       string `yaml:"interval"`
	ConfirmTimeout string `yaml:"confirm_timeout"`
}

// Pair 启动时写入存储的交易对
type Pair struct {
	Symbol         string `yaml:"symbol" validate:"nonzero"`
	Kind           string `yaml:"kind" validate:"regexp=^(spot|perpetual|futures|options)$"`
	Base           string `yaml:"base" validate:"nonzero"`
	Quote          string `yaml:"quote" validate:"nonzero"`
	MinOrderSize   string `yaml:"min_order_size"`
	MaxOrderSize   string `yaml:"max_order_size"`
	PricePrecision int32  `yaml:"price_precision"`
	QtyPrecision   int32  `yaml:"qty_precision"`
	MakerFeeRate   string `yaml:"maker_fee_rate"`
	TakerFeeRate   string `yaml:"taker_fee_rate"`
	MinLeverage    string `yaml:"min_leverage"`
	MaxLeverage    string `yaml:"max_leverage"`
}

type Hertz struct {
	Service         string `yaml:"service"`
	Address         string `yaml:"address"`
	EnablePprof     bool   `yaml:"enable_pprof"`
	EnableGzip      bool   `yaml:"enable_gzip"`
	EnableAccessLog bool   `yaml:"enable_access_log"`
	LogLevel        string `yaml:"log_level"`
	LogFileName     string `yaml:"log_file_name"`
	LogMaxSize      int    `yaml:"log_max_size"`
	LogMaxBackups   int    `yaml:"log_max_backups"`
	LogMaxAge       int    `yaml:"log_max_age"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// GetConf gets configuration instance
func GetConf() *Config {
	once.Do(initConf)
	return conf
}

func initConf() {
	prefix := "conf"
	confFileRelPath := filepath.Join(prefix, filepath.Join(GetEnv(), "conf.yaml"))
	c, err := Load(confFileRelPath)
	if err != nil {
		hlog.Errorf("load config error - %v", err)
		panic(err)
	}
	conf = c
	pretty.Printf("%+v\n", conf)
}

// Load 读取并校验指定路径的配置文件
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := new(Config)
	if err := yaml.Unmarshal(content, c); err != nil {
		return nil, err
	}
	if err := validator.Validate(c); err != nil {
		return nil, err
	}
	c.Env = GetEnv()
	if key := os.Getenv("ONCHAIN_PRIVATE_KEY"); key != "" {
		c.Onchain.PrivateKey = key
	}
	return c, nil
}

func GetEnv() string {
	e := os.Getenv("GO_ENV")
	if len(e) == 0 {
		return "test"
	}
	return e
}

// Duration 解析时长配置，为空或非法时返回默认值
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	v, err := time.ParseDuration(s)
	if err != nil || v <= 0 {
		hlog.Warnf("非法时长配置 %q，使用默认值 %s", s, def)
		return def
	}
	return v
}

func LogLevel() hlog.Level {
	level := GetConf().Hertz.LogLevel
	switch level {
	case "trace":
		return hlog.LevelTrace
	case "debug":
		return hlog.LevelDebug
	case "info":
		return hlog.LevelInfo
	case "notice":
		return hlog.LevelNotice
	case "warn":
		return hlog.LevelWarn
	case "error":
		return hlog.LevelError
	case "fatal":
		return hlog.LevelFatal
	default:
		return hlog.LevelInfo
	}
}
