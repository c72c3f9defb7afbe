package service

import (
	"fmt"

	"github.com/gogogo1024/cex-trade-core/biz/model"
	"github.com/hashicorp/consul/api"
)

// MatchEngineService 撮合节点在 Consul 中的服务名
const MatchEngineService = "match_engine"

// ConsulHelper 封装 Consul 注册与发现
// 使用前请确保 Consul agent 已启动
type ConsulHelper struct {
	client *api.Client
}

// NewConsulHelperWithAddrs 支持多个 Consul 地址高可用，返回第一个可用的
func NewConsulHelperWithAddrs(addrs []string, username, password string) (*ConsulHelper, error) {
	var lastErr error
	for _, addr := range addrs {
		cli, err := api.NewClient(consulConfig(addr, username, password))
		if err != nil {
			lastErr = err
			continue
		}
		if _, err := cli.Agent().Self(); err != nil {
			lastErr = err
			continue
		}
		return &ConsulHelper{client: cli}, nil
	}
	return nil, fmt.Errorf("all consul addresses failed: %v", lastErr)
}

func consulConfig(addr, username, password string) *api.Config {
	cfg := api.DefaultConfig()
	cfg.Address = addr
	if username != "" {
		cfg.HttpAuth = &api.HttpBasicAuth{Username: username, Password: password}
	}
	return cfg
}

// PairTags 节点负责的交易对作为服务标签，格式 symbol:kind
func PairTags(pairs []model.PairKey) []string {
	tags := make([]string, 0, len(pairs))
	for _, k := range pairs {
		tags = append(tags, k.String())
	}
	return tags
}

// RegisterMatchEngine 注册撮合引擎节点，健康检查走 HTTP 端口
func (c *ConsulHelper) RegisterMatchEngine(nodeID, host string, port int, pairs []model.PairKey) error {
	reg := &api.AgentServiceRegistration{
		ID:      nodeID,
		Name:    MatchEngineService,
		Address: host,
		Port:    port,
		Tags:    PairTags(pairs),
		Check: &api.AgentServiceCheck{
			TCP:                            fmt.Sprintf("%s:%d", host, port),
			Interval:                       "10s",
			Timeout:                        "2s",
			DeregisterCriticalServiceAfter: "1m",
		},
	}
	return c.client.Agent().ServiceRegister(reg)
}

func (c *ConsulHelper) DeregisterMatchEngine(nodeID string) error {
	return c.client.Agent().ServiceDeregister(nodeID)
}

// Health 供网关监听撮合节点变化
func (c *ConsulHelper) Health() *api.Health {
	return c.client.Health()
}
