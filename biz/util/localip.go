package util

import (
	"net"
	"os"
)

var advertiseEnvKeys = []string{"ADVERTISE_IP", "POD_IP", "HOST_IP"}

// AdvertiseIP 节点对外注册的地址，环境变量优先，否则取第一个非回环 IPv4
func AdvertiseIP() string {
	for _, key := range advertiseEnvKeys {
		if ip := os.Getenv(key); ip != "" {
			return ip
		}
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return ipnet.IP.String()
		}
	}
	return "127.0.0.1"
}
