package models

import (
	"time"
)

// 角色常量（与 custody_rules 表中的 from_role/to_role 对应）
const (
	RoleManufacturer = "Manufacturer"
	RoleDistributor  = "Distributor"
	RolePharmacy     = "Pharmacy"
	RolePatient      = "Patient"
)

// TxRefPending 监管链事件已入库、账本写入尚未完成时的占位 tx_ref
const TxRefPending = "pending"

// Batch 药品批次（只读引用，元数据归存储侧所有）
type Batch struct {
	ID          string    `json:"id" db:"id"`
	BatchNumber string    `json:"batch_number" db:"batch_number"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// RFIDMapping RFID 标签到批次的映射（对应 rfid_mapping 表）
type RFIDMapping struct {
	ID      int64  `json:"id" db:"id"`
	RFIDTag string `json:"rfid_tag" db:"rfid_tag"`
	BatchID string `json:"batch_id" db:"batch_id"`
	Active  bool   `json:"active" db:"active"`
}

// TransitMapping 批次到账本运输单的映射（对应 transit_mapping 表）
type TransitMapping struct {
	ID        int64  `json:"id" db:"id"`
	BatchID   string `json:"batch_id" db:"batch_id"`
	TransitID int64  `json:"transit_id" db:"transit_id"`
}

// Party 注册参与方（对应 parties 表）
type Party struct {
	ID            string `json:"id" db:"id"`
	Name          string `json:"name" db:"name"`
	Role          string `json:"role" db:"role"`
	WalletAddress string `json:"wallet_address" db:"wallet_address"`
}

// CustodyRule 允许的角色流转规则（对应 custody_rules 表）
type CustodyRule struct {
	ID       int64  `json:"id" db:"id"`
	FromRole string `json:"from_role" db:"from_role"`
	ToRole   string `json:"to_role" db:"to_role"`
}

// CustodyEvent 监管链事件（对应 custody_events 表，仅追加、写入后不可变）
// 排序键为 Timestamp，Seq（自增主键）作并列时的次序
type CustodyEvent struct {
	ID        string    `json:"id" db:"id"`
	Seq       int64     `json:"seq" db:"seq"`
	BatchID   string    `json:"batch_id" db:"batch_id"`
	FromRole  *string   `json:"from_role,omitempty" db:"from_role"`
	ToRole    string    `json:"to_role" db:"to_role"`
	FromParty *string   `json:"from_party,omitempty" db:"from_party"`
	ToParty   *string   `json:"to_party,omitempty" db:"to_party"`
	RFIDTag   *string   `json:"rfid_tag,omitempty" db:"rfid_tag"`
	TxRef     string    `json:"tx_ref" db:"tx_ref"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// Holder 返回该事件确立的监管方
func (e *CustodyEvent) Holder() CustodyHolder {
	holder := CustodyHolder{Role: e.ToRole}
	if e.ToParty != nil {
		holder.PartyID = *e.ToParty
	}
	return holder
}

// CustodyHolder 批次当前监管方（由最近一条 CustodyEvent 的 to_* 字段推导，不单独存储）
type CustodyHolder struct {
	Role    string `json:"role"`
	PartyID string `json:"party_id,omitempty"`
}

// IoTLog 读数落库记录（对应 iot_logs 表）
type IoTLog struct {
	ID          int64     `json:"id" db:"id"`
	BatchID     string    `json:"batch_id" db:"batch_id"`
	RFIDTag     string    `json:"rfid_tag" db:"rfid_tag"`
	Temperature *float64  `json:"temperature,omitempty" db:"temperature"`
	Humidity    *float64  `json:"humidity,omitempty" db:"humidity"`
	GPSLat      *float64  `json:"gps_lat,omitempty" db:"gps_lat"`
	GPSLon      *float64  `json:"gps_lon,omitempty" db:"gps_lon"`
	Faults      string    `json:"faults" db:"faults"` // JSONB 故障向量快照
	LoggedAt    time.Time `json:"logged_at" db:"logged_at"`
}
