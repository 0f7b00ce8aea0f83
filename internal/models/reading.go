package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// GPSFix GPS 定位点
type GPSFix struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Reading 单条设备读数（解码一帧得到一条，处理后即丢弃）
// 字段均可能缺失：现场设备在 RFID 读不到或 GPS 未定位时会省略对应字段
type Reading struct {
	RFIDTag     string   `json:"rfid_tag,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
	GPS         *GPSFix  `json:"gps,omitempty"`

	// ObservedAt 解析时打上的观测时间（设备帧不带时间戳）
	ObservedAt time.Time `json:"-"`
}

// HasTag 读数是否带有非空 RFID 标签
func (r *Reading) HasTag() bool {
	return strings.TrimSpace(r.RFIDTag) != ""
}

// ParseReading 解析一个 JSON 帧为 Reading
// 帧内容非法时返回错误，调用方按解码错误处理（丢弃该帧，流水线继续）
func ParseReading(chunk string) (*Reading, error) {
	var reading Reading
	if err := json.Unmarshal([]byte(chunk), &reading); err != nil {
		return nil, fmt.Errorf("failed to parse reading frame: %w", err)
	}
	reading.ObservedAt = time.Now().UTC()
	return &reading, nil
}
