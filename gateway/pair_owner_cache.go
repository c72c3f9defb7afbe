package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/gogogo1024/cex-trade-core/biz/model"
	"github.com/gogogo1024/cex-trade-core/biz/util"
	"github.com/hashicorp/consul/api"
)

const watchWaitTime = 5 * time.Minute

var retryInterval = 5 * time.Second

// HealthService api.Health 的最小子集
type HealthService interface {
	Service(service, tag string, passingOnly bool, q *api.QueryOptions) ([]*api.ServiceEntry, *api.QueryMeta, error)
}

// PairOwnerCache 交易对到撮合节点地址的本地缓存，由 Consul 服务标签推导
type PairOwnerCache struct {
	lock   sync.RWMutex
	owners map[model.PairKey]string
	self   string
}

// NewPairOwnerCache self 为本节点 ID，不会出现在缓存中
func NewPairOwnerCache(self string) *PairOwnerCache {
	return &PairOwnerCache{owners: make(map[model.PairKey]string), self: self}
}

// Update 用健康节点列表重建缓存，同一交易对多个节点时取 ID 最小的
func (c *PairOwnerCache) Update(entries []*api.ServiceEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Service.ID < entries[j].Service.ID })
	owners := make(map[model.PairKey]string)
	for _, e := range entries {
		if e.Service == nil || e.Service.ID == c.self {
			continue
		}
		host := e.Service.Address
		if host == "" && e.Node != nil {
			host = e.Node.Address
		}
		addr := fmt.Sprintf("%s:%d", host, e.Service.Port)
		for _, tag := range e.Service.Tags {
			k, err := util.ParsePairKey(tag)
			if err != nil {
				continue
			}
			if _, ok := owners[k]; !ok {
				owners[k] = addr
			}
		}
	}
	c.lock.Lock()
	c.owners = owners
	c.lock.Unlock()
}

// Owner 查找负责该交易对的节点地址
func (c *PairOwnerCache) Owner(k model.PairKey) (string, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	addr, ok := c.owners[k]
	return addr, ok
}

// Watch 持续监听撮合节点变更并刷新本地缓存
func (c *PairOwnerCache) Watch(ctx context.Context, health HealthService, service string) {
	var lastIndex uint64
	for {
		if ctx.Err() != nil {
			return
		}
		q := (&api.QueryOptions{WaitIndex: lastIndex, WaitTime: watchWaitTime}).WithContext(ctx)
		entries, meta, err := health.Service(service, "", true, q)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			hlog.Warnf("撮合节点列表拉取失败: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryInterval):
			}
			continue
		}
		if meta.LastIndex == lastIndex {
			continue
		}
		lastIndex = meta.LastIndex
		c.Update(entries)
		hlog.Infof("交易对路由表已刷新, index=%d, nodes=%d", lastIndex, len(entries))
	}
}
