package engine

import (
	"bytes"
	"sync"

	"github.com/panjf2000/ants/v2"
)

// BufferPool 推送消息编码复用的缓冲区
var BufferPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

// BroadcastPool 成交与深度推送的协程池，未初始化时调用方同步执行
var BroadcastPool *ants.Pool

func InitBroadcastPool(size int) error {
	pool, err := ants.NewPool(size, ants.WithNonblocking(false))
	if err != nil {
		return err
	}
	BroadcastPool = pool
	return nil
}

// ReleaseBroadcastPool 关闭时等待推送任务结束
func ReleaseBroadcastPool() {
	if BroadcastPool != nil {
		BroadcastPool.Release()
		BroadcastPool = nil
	}
}

// Broadcaster 按频道投递一条已编码的消息
type Broadcaster func(channel string, msg []byte)
