package classifier

import (
	"encoding/json"
	"fmt"

	"trustchain-custody/internal/models"
)

// Thresholds 遥测阈值（来自配置，按部署校准）
type Thresholds struct {
	TempLow      float64
	TempHigh     float64
	HumidityLow  float64
	HumidityHigh float64
}

// FaultVector 单条读数的故障向量
// 同一维度的 high/low 互斥；温度与湿度两个维度相互独立
type FaultVector struct {
	TemperatureHigh bool `json:"temperature_high"`
	TemperatureLow  bool `json:"temperature_low"`
	HumidityHigh    bool `json:"humidity_high"`
	HumidityLow     bool `json:"humidity_low"`
}

// Any 是否存在任一故障
func (v FaultVector) Any() bool {
	return v.TemperatureHigh || v.TemperatureLow || v.HumidityHigh || v.HumidityLow
}

// Describe 生成人可读的故障描述（用于告警）
func (v FaultVector) Describe(r *models.Reading) []string {
	var descs []string
	if v.TemperatureHigh && r.Temperature != nil {
		descs = append(descs, fmt.Sprintf("Temperature exceeded safe limit: %.1f°C", *r.Temperature))
	}
	if v.TemperatureLow && r.Temperature != nil {
		descs = append(descs, fmt.Sprintf("Temperature below safe limit: %.1f°C", *r.Temperature))
	}
	if v.HumidityHigh && r.Humidity != nil {
		descs = append(descs, fmt.Sprintf("Humidity exceeded safe limit: %.1f%%", *r.Humidity))
	}
	if v.HumidityLow && r.Humidity != nil {
		descs = append(descs, fmt.Sprintf("Humidity below safe limit: %.1f%%", *r.Humidity))
	}
	return descs
}

// JSON 故障向量的 JSONB 快照（落库时附在 iot_logs 上）
func (v FaultVector) JSON() string {
	data, _ := json.Marshal(v)
	return string(data)
}

// Classify 按阈值对读数分类，返回故障向量
// 纯函数，无状态无副作用，可并发调用；字段缺失视为该维度无故障
func Classify(t Thresholds, r *models.Reading) FaultVector {
	var v FaultVector

	if r.Temperature != nil {
		v.TemperatureHigh = *r.Temperature > t.TempHigh
		v.TemperatureLow = *r.Temperature < t.TempLow
	}
	if r.Humidity != nil {
		v.HumidityHigh = *r.Humidity > t.HumidityHigh
		v.HumidityLow = *r.Humidity < t.HumidityLow
	}

	return v
}
