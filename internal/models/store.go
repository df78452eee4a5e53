package models

// StoreDevice 注册库中 devices/{id} 文档的字段
// 写入采用部分合并语义，读取是整棵子树快照
type StoreDevice struct {
	Online      *bool                    `json:"online,omitempty"`
	LastSeen    *int64                   `json:"last_seen,omitempty"` // epoch 毫秒
	FillPct     *int                     `json:"fill_pct,omitempty"`
	BinFull     *bool                    `json:"bin_full,omitempty"`
	Flooded     *bool                    `json:"flooded,omitempty"`
	Lat         *float64                 `json:"lat,omitempty"`
	Lon         *float64                 `json:"lon,omitempty"`
	Meta        map[string]string        `json:"meta,omitempty"`
	Logs        map[string]StoreLogEntry `json:"logs,omitempty"`
	Deleted     bool                     `json:"deleted,omitempty"` // 删除墓碑标记
	LastRefresh *int64                   `json:"last_refresh,omitempty"`
}

// StoreLogEntry 注册库中嵌套的日志条目（键为推送 ID）
type StoreLogEntry struct {
	TS      *int64         `json:"ts,omitempty"` // 设备时间戳，量级启发式解析
	Payload map[string]any `json:"payload,omitempty"`
}

// StoreSnapshot devices 子树的完整快照，设备 ID → 文档
type StoreSnapshot map[string]StoreDevice
