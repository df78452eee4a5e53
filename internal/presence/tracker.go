package presence

import (
	"time"

	"wisefido-bin-monitor/internal/models"

	"go.uber.org/zap"
)

// Tracker 设备在线状态跟踪器
// 状态机: Unknown → Online → Offline → Online → …
// 只在事件循环线程内被调用，不做内部加锁；
// 对外只暴露记录副本
type Tracker struct {
	cutoff  time.Duration
	records map[string]models.PresenceRecord
	logger  *zap.Logger
}

// NewTracker 创建跟踪器
// cutoff: 超过该时长无消息则判定离线
func NewTracker(cutoff time.Duration, logger *zap.Logger) *Tracker {
	return &Tracker{
		cutoff:  cutoff,
		records: make(map[string]models.PresenceRecord),
		logger:  logger,
	}
}

// Touch 收到归属该设备的消息，置为在线并刷新 lastSeen
// 返回 online 标志是否发生翻转
func (t *Tracker) Touch(id string, now time.Time) bool {
	rec, exists := t.records[id]
	flipped := !exists || !rec.Online
	t.records[id] = models.PresenceRecord{Online: true, LastSeen: now}

	if flipped {
		t.logger.Debug("Device came online",
			zap.String("device_id", id),
		)
	}
	return flipped
}

// Sweep 周期扫描：当前在线且超过 cutoff 无消息的设备转为离线
// 返回本次扫描中翻转的设备 ID（一次扫描的全部翻转合并上报，
// 避免下游重复重算）
func (t *Tracker) Sweep(now time.Time) []string {
	var flipped []string
	for id, rec := range t.records {
		if rec.Online && now.Sub(rec.LastSeen) > t.cutoff {
			rec.Online = false
			t.records[id] = rec
			flipped = append(flipped, id)
		}
	}

	if len(flipped) > 0 {
		t.logger.Info("Devices went offline",
			zap.Strings("device_ids", flipped),
			zap.Duration("cutoff", t.cutoff),
		)
	}
	return flipped
}

// Snapshot 当前全部在线记录的副本
func (t *Tracker) Snapshot() map[string]models.PresenceRecord {
	snap := make(map[string]models.PresenceRecord, len(t.records))
	for id, rec := range t.records {
		snap[id] = rec
	}
	return snap
}

// Get 单个设备的记录
func (t *Tracker) Get(id string) (models.PresenceRecord, bool) {
	rec, ok := t.records[id]
	return rec, ok
}

// Remove 删除设备的在线记录（设备被显式删除时）
func (t *Tracker) Remove(id string) {
	delete(t.records, id)
}

// Cutoff 离线判定阈值
func (t *Tracker) Cutoff() time.Duration {
	return t.cutoff
}
