package aggregator

import "wisefido-bin-monitor/internal/models"

// LogRing 每设备的有界日志环形缓冲，最新在前
// 条目只增不改，超出容量时淘汰最旧的
type LogRing struct {
	capacity int
	entries  []models.LogEntry
}

// NewLogRing 创建环形缓冲
func NewLogRing(capacity int) *LogRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &LogRing{
		capacity: capacity,
		entries:  make([]models.LogEntry, 0, capacity),
	}
}

// Push 追加一条日志（作为最新条目）
func (r *LogRing) Push(entry models.LogEntry) {
	if len(r.entries) < r.capacity {
		r.entries = append(r.entries, models.LogEntry{})
	}
	copy(r.entries[1:], r.entries)
	r.entries[0] = entry
}

// Entries 当前全部条目的副本，最新在前
func (r *LogRing) Entries() []models.LogEntry {
	out := make([]models.LogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len 当前条目数
func (r *LogRing) Len() int {
	return len(r.entries)
}

// Capacity 容量上限
func (r *LogRing) Capacity() int {
	return r.capacity
}
