package server

import (
	"bytes"
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/gogogo1024/cex-trade-core/biz/engine"
	"github.com/gogogo1024/cex-trade-core/biz/model"
	"github.com/gogogo1024/cex-trade-core/biz/util"
	"github.com/hertz-contrib/websocket"
)

const (
	shardNum      = 32
	writeRetries  = 3
	writeDeadline = 5 * time.Second
)

var upgrader = websocket.HertzUpgrader{
	CheckOrigin: func(ctx *app.RequestContext) bool {
		return true // 允许所有跨域 WebSocket 连接
	},
}

// wsConn websocket.Conn 的最小子集
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// client 同一连接的写操作串行化
type client struct {
	conn wsConn
	mu   sync.Mutex
}

func (c *client) write(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.conn.(interface{ SetWriteDeadline(time.Time) error }); ok {
		_ = d.SetWriteDeadline(time.Now().Add(writeDeadline))
	}
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

type channelShard struct {
	mu     sync.RWMutex
	subs   map[string]map[*client]struct{}
	msgBuf map[string]chan []byte // 每个频道的消息缓冲区
}

// SnapshotFunc 订阅时下发当前深度
type SnapshotFunc func(ctx context.Context, k model.PairKey) (*model.OrderBook, error)

// Hub 按 symbol:kind 频道推送深度与成交，挂在撮合引擎的 BookSink/TradeSink 上
type Hub struct {
	shards   [shardNum]*channelShard
	bufSize  int
	onDrop   engine.Broadcaster
	snapshot SnapshotFunc
	closed   chan struct{}
	once     sync.Once
}

// NewHub onDrop 接收缓冲区满时被丢弃的消息，可为空
func NewHub(bufSize int, onDrop engine.Broadcaster) *Hub {
	if bufSize <= 0 {
		bufSize = 4096
	}
	h := &Hub{bufSize: bufSize, onDrop: onDrop, closed: make(chan struct{})}
	for i := range h.shards {
		h.shards[i] = &channelShard{
			subs:   make(map[string]map[*client]struct{}),
			msgBuf: make(map[string]chan []byte),
		}
	}
	return h
}

func (h *Hub) SetSnapshot(fn SnapshotFunc) {
	h.snapshot = fn
}

func (h *Hub) shard(channel string) *channelShard {
	f := fnv.New32a()
	_, _ = f.Write([]byte(channel))
	return h.shards[f.Sum32()%shardNum]
}

// 启动频道消息分发 goroutine，调用方持有 shard 写锁
func (h *Hub) ensureDispatcher(shard *channelShard, channel string) {
	if _, ok := shard.msgBuf[channel]; ok {
		return
	}
	select {
	case <-h.closed:
		return
	default:
	}
	buf := make(chan []byte, h.bufSize)
	shard.msgBuf[channel] = buf
	go h.dispatch(shard, channel, buf)
}

func (h *Hub) dispatch(shard *channelShard, channel string, buf chan []byte) {
	for msg := range buf {
		shard.mu.RLock()
		clients := make([]*client, 0, len(shard.subs[channel]))
		for c := range shard.subs[channel] {
			clients = append(clients, c)
		}
		shard.mu.RUnlock()

		var wg sync.WaitGroup
		for _, c := range clients {
			c := c
			wg.Add(1)
			send := func() {
				defer wg.Done()
				h.deliver(c, msg)
			}
			if engine.BroadcastPool == nil {
				send()
				continue
			}
			if err := engine.BroadcastPool.Submit(send); err != nil {
				hlog.Warnf("[WS] 推送任务提交失败, channel=%s, err=%v", channel, err)
				wg.Done()
			}
		}
		// 同一频道的消息按顺序送达
		wg.Wait()
	}
}

func (h *Hub) deliver(c *client, msg []byte) {
	var err error
	for i := 0; i < writeRetries; i++ {
		if err = c.write(msg); err == nil {
			return
		}
		hlog.Debugf("[WS] broadcast error: %v, retry %d", err, i+1)
	}
	hlog.Warnf("[WS] 连接写入失败，移除订阅, err=%v", err)
	h.removeClient(c)
	_ = c.conn.Close()
}

// Broadcast 投递到频道，没有订阅者时直接丢弃
func (h *Hub) Broadcast(channel string, msg []byte) {
	select {
	case <-h.closed:
		return
	default:
	}
	shard := h.shard(channel)
	shard.mu.RLock()
	if len(shard.subs[channel]) == 0 {
		shard.mu.RUnlock()
		return
	}
	buf, ok := shard.msgBuf[channel]
	if !ok {
		shard.mu.RUnlock()
		return
	}
	select {
	case buf <- msg:
	default:
		hlog.Warnf("[WS] channel %s buffer full, drop message", channel)
		if h.onDrop != nil {
			h.onDrop(channel, msg)
		}
	}
	shard.mu.RUnlock()
}

func (h *Hub) subscribe(c *client, channel string) {
	shard := h.shard(channel)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if shard.subs[channel] == nil {
		shard.subs[channel] = make(map[*client]struct{})
	}
	shard.subs[channel][c] = struct{}{}
	h.ensureDispatcher(shard, channel)
}

func (h *Hub) unsubscribe(c *client, channel string) {
	shard := h.shard(channel)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if conns, ok := shard.subs[channel]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(shard.subs, channel)
		}
	}
}

// 清理连接所有频道订阅
func (h *Hub) removeClient(c *client) {
	for _, shard := range h.shards {
		shard.mu.Lock()
		for ch, conns := range shard.subs {
			if _, ok := conns[c]; ok {
				delete(conns, c)
				if len(conns) == 0 {
					delete(shard.subs, ch)
				}
			}
		}
		shard.mu.Unlock()
	}
}

// Subscribers 频道当前订阅数
func (h *Hub) Subscribers(channel string) int {
	shard := h.shard(channel)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	return len(shard.subs[channel])
}

type pushMessage struct {
	Type    string      `json:"type"`
	Channel string      `json:"channel"`
	Data    interface{} `json:"data"`
}

func encode(v interface{}) ([]byte, error) {
	buf := engine.BufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer engine.BufferPool.Put(buf)
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		return nil, err
	}
	msg := make([]byte, buf.Len())
	copy(msg, buf.Bytes())
	return msg, nil
}

func (h *Hub) push(channel, typ string, data interface{}) {
	msg, err := encode(pushMessage{Type: typ, Channel: channel, Data: data})
	if err != nil {
		hlog.Errorf("[WS] 消息编码失败, channel=%s, err=%v", channel, err)
		return
	}
	h.Broadcast(channel, msg)
}

// PublishBook 深度推送
func (h *Hub) PublishBook(_ context.Context, book *model.OrderBook) {
	h.push(book.Key().String(), "depth_update", book)
}

// PublishTrades 成交推送，按交易对分组
func (h *Hub) PublishTrades(_ context.Context, trades []model.Trade) {
	groups := make(map[model.PairKey][]model.Trade)
	var order []model.PairKey
	for _, t := range trades {
		k := t.Key()
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], t)
	}
	for _, k := range order {
		h.push(k.String(), "match_result", groups[k])
	}
}

// Close 停止所有分发 goroutine
func (h *Hub) Close() {
	h.once.Do(func() {
		close(h.closed)
		for _, shard := range h.shards {
			shard.mu.Lock()
			for ch, buf := range shard.msgBuf {
				close(buf)
				delete(shard.msgBuf, ch)
			}
			shard.mu.Unlock()
		}
	})
}

// Message 客户端指令，channel 形如 BTC/USDT:spot
type Message struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

type ack struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Error   string `json:"error,omitempty"`
}

// handle 处理一条客户端指令，返回给该连接的应答
func (h *Hub) handle(ctx context.Context, c *client, raw []byte) ack {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return ack{Type: "error", Error: "invalid message"}
	}
	k, err := util.ParsePairKey(m.Channel)
	if err != nil {
		return ack{Type: "error", Channel: m.Channel, Error: err.Error()}
	}
	channel := k.String()
	switch m.Action {
	case "subscribe":
		h.subscribe(c, channel)
		if h.snapshot != nil {
			if book, err := h.snapshot(ctx, k); err == nil {
				if msg, err := encode(pushMessage{Type: "depth_update", Channel: channel, Data: book}); err == nil {
					_ = c.write(msg)
				}
			}
		}
		return ack{Type: "subscription_ack", Channel: channel}
	case "unsubscribe":
		h.unsubscribe(c, channel)
		return ack{Type: "unsubscription_ack", Channel: channel}
	default:
		return ack{Type: "error", Channel: channel, Error: "unknown action"}
	}
}

// ServeWS /ws 入口，升级连接后循环读取订阅指令
func (h *Hub) ServeWS(ctx context.Context, c *app.RequestContext) {
	err := upgrader.Upgrade(c, func(conn *websocket.Conn) {
		cl := &client{conn: conn}
		hlog.Debugf("[WS] connection upgraded: %v", conn.RemoteAddr())
		defer func() {
			h.removeClient(cl)
			_ = conn.Close()
			hlog.Debugf("[WS] connection closed: %v", conn.RemoteAddr())
		}()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				hlog.Debugf("[WS] read error: %v", err)
				return
			}
			msg, err := encode(h.handle(ctx, cl, raw))
			if err != nil {
				continue
			}
			if err := cl.write(msg); err != nil {
				hlog.Debugf("[WS] ack error: %v", err)
				return
			}
		}
	})
	if err != nil {
		hlog.Warnf("[WS] upgrade error: %v", err)
	}
}
