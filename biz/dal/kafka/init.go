package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/gogogo1024/cex-trade-core/conf"
	"github.com/segmentio/kafka-go"
)

var (
	writers sync.Map // map[string]*kafka.Writer
)

// GetWriter 获取指定 topic 的 kafka.Writer，自动复用
func GetWriter(topic string) *kafka.Writer {
	val, ok := writers.Load(topic)
	if ok {
		return val.(*kafka.Writer)
	}
	brokers := conf.GetConf().Kafka.Brokers
	if len(brokers) == 0 {
		panic("Kafka brokers not configured")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	actual, loaded := writers.LoadOrStore(topic, writer)
	if loaded {
		_ = writer.Close()
	}
	return actual.(*kafka.Writer)
}

// Ping 依次尝试 broker，任一可连即可
func Ping(ctx context.Context, brokers []string) error {
	if len(brokers) == 0 {
		return fmt.Errorf("kafka brokers not configured")
	}
	var lastErr error
	for _, b := range brokers {
		conn, err := kafka.DialContext(ctx, "tcp", b)
		if err != nil {
			lastErr = err
			continue
		}
		_ = conn.Close()
		return nil
	}
	return fmt.Errorf("dial kafka: %w", lastErr)
}

// CloseAllWriters 关闭所有 writer
func CloseAllWriters() {
	writers.Range(func(key, value interface{}) bool {
		if w, ok := value.(*kafka.Writer); ok {
			if err := w.Close(); err != nil {
				hlog.Warnf("关闭 Kafka writer 失败, topic=%v, err=%v", key, err)
			}
		}
		return true
	})
}

// Init 初始化 Kafka，包含连接测试和成交 topic 的 writer
func Init() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := Ping(ctx, conf.GetConf().Kafka.Brokers); err != nil {
		panic(err)
	}
	GetWriter(conf.GetConf().Kafka.TradeTopic)
	hlog.Infof("Kafka 初始化完成, brokers=%v", conf.GetConf().Kafka.Brokers)
}
