package models

import "time"

// Device 统一设备视图中的单个设备
// 由 Reconciler 独占维护，对外只暴露副本
type Device struct {
	ID       string     `json:"device_id"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`

	FillPct *int `json:"fill_pct,omitempty"` // 0..100
	BinFull bool `json:"bin_full"`
	Flooded bool `json:"flooded"`

	Lat *float64 `json:"lat,omitempty"`
	Lon *float64 `json:"lon,omitempty"`

	// 历史日志，最新在前，容量受限
	Logs []LogEntry `json:"logs,omitempty"`

	// 自由元数据，按键last-writer-wins
	Meta map[string]string `json:"meta,omitempty"`

	// 仅在总线上出现、注册库中尚无记录的设备
	Unregistered bool `json:"unregistered,omitempty"`
}

// LogEntry 单条设备日志
// TS 是设备上报的时间戳（可能缺失或不可信），Arrival 是本地接收时间，
// 跨设备排序一律以 Arrival 为准
type LogEntry struct {
	TS      *time.Time     `json:"ts,omitempty"`
	Arrival time.Time      `json:"arrival"`
	Payload map[string]any `json:"payload,omitempty"`
}

// PresenceRecord 每设备的在线影子状态，仅由 Presence Tracker 修改
type PresenceRecord struct {
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}
