package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/gogogo1024/cex-trade-core/biz/model"
	"github.com/segmentio/kafka-go"
)

const (
	batchSize     = 100
	flushInterval = 10 * time.Millisecond
)

// MessageWriter kafka.Writer 的最小子集
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// TradeStream 已落账成交的批量写入，按交易对做分区 key
type TradeStream struct {
	writer MessageWriter
	ch     chan model.Trade
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func NewTradeStream(writer MessageWriter, buffer int) *TradeStream {
	if buffer <= 0 {
		buffer = 10000
	}
	s := &TradeStream{
		writer: writer,
		ch:     make(chan model.Trade, buffer),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// PublishTrades 只入队不阻塞撮合，队列满时丢弃并告警
func (s *TradeStream) PublishTrades(_ context.Context, trades []model.Trade) {
	for _, t := range trades {
		select {
		case <-s.done:
			return
		default:
		}
		select {
		case s.ch <- t:
		default:
			hlog.Errorf("[TradeKafkaBatch] 队列已满，丢弃成交 trade_id=%s", t.TradeID)
		}
	}
}

func (s *TradeStream) run() {
	defer s.wg.Done()
	batch := make([]kafka.Message, 0, batchSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case t := <-s.ch:
			batch = s.append(batch, t)
			if len(batch) >= batchSize {
				batch = s.flush(batch)
			}
		case <-ticker.C:
			batch = s.flush(batch)
		case <-s.done:
			// 收到关闭信号，写完剩余数据再退出
			for {
				select {
				case t := <-s.ch:
					batch = s.append(batch, t)
				default:
					s.flush(batch)
					return
				}
			}
		}
	}
}

func (s *TradeStream) append(batch []kafka.Message, t model.Trade) []kafka.Message {
	val, err := json.Marshal(&t)
	if err != nil {
		hlog.Errorf("[TradeKafkaBatch] 成交序列化失败: %v", err)
		return batch
	}
	return append(batch, kafka.Message{Key: []byte(t.Key().String()), Value: val})
}

func (s *TradeStream) flush(batch []kafka.Message) []kafka.Message {
	if len(batch) == 0 {
		return batch
	}
	if err := s.writer.WriteMessages(context.Background(), batch...); err != nil {
		hlog.Errorf("[TradeKafkaBatch] 写入Kafka失败, 消息数量=%d, err=%v", len(batch), err)
	} else {
		hlog.Debugf("[TradeKafkaBatch] 写入Kafka成功, 消息数量=%d", len(batch))
	}
	return batch[:0]
}

// Close 停止接收并刷出剩余成交
func (s *TradeStream) Close() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}
