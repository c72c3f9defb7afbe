package util

import (
	"fmt"
	"time"

	"github.com/sony/sonyflake"
)

// idEpoch 订单号起始时间，修改会导致与历史订单号冲突
var idEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// NewIDGenerator 基于 sonyflake 的订单号生成器，machineID 为 0 时按本机私有 IP 推导
func NewIDGenerator(machineID uint16) (func() (uint64, error), error) {
	st := sonyflake.Settings{StartTime: idEpoch}
	if machineID != 0 {
		st.MachineID = func() (uint16, error) { return machineID, nil }
	}
	sf, err := sonyflake.New(st)
	if err != nil {
		return nil, fmt.Errorf("init sonyflake: %w", err)
	}
	return sf.NextID, nil
}
