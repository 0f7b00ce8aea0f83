package models

import (
	"time"
)

// 告警类型（issue_type）
const (
	IssueRFIDError      = "RFID_ERROR"      // 标签缺失或未映射
	IssueBatchError     = "BATCH_ERROR"     // 映射指向的批次不存在
	IssueCustodyError   = "CUSTODY_ERROR"   // 监管流转违反规则
	IssueTransitError   = "TRANSIT_ERROR"   // 批次无运输单，无法上账本打点
	IssueTelemetryFault = "TELEMETRY_FAULT" // 温湿度越限
	IssueLedgerError    = "LEDGER_ERROR"    // 账本写入重试耗尽
	IssueEventError     = "EVENT_ERROR"     // 账本回流事件类型未知
)

// 告警级别
const (
	SeverityHigh   = "High"
	SeverityMedium = "Medium"
	SeverityLow    = "Low"
)

// Alert 告警记录（对应 alerts 表）
// 由本服务创建；处置（resolved 置位）归运营侧工作流所有
type Alert struct {
	ID          string    `json:"id" db:"id"`
	BatchID     string    `json:"batch_id" db:"batch_id"`
	IssueType   string    `json:"issue_type" db:"issue_type"`
	Severity    string    `json:"severity" db:"severity"`
	Description string    `json:"description" db:"description"`
	DetectedAt  time.Time `json:"detected_at" db:"detected_at"`
	Resolved    bool      `json:"resolved" db:"resolved"`
}
