package aggregator

import (
	"sort"
	"time"

	"wisefido-bin-monitor/internal/config"
	"wisefido-bin-monitor/internal/models"
	"wisefido-bin-monitor/internal/normalizer"

	"go.uber.org/zap"
)

// tsKeys 日志条目中设备时间戳的候选键名
var tsKeys = []string{"ts", "timestamp", "time"}

// liveState 单设备的总线侧实时状态（live 覆盖层）
type liveState struct {
	ring      *LogRing
	fillPct   *int
	binFull   *bool
	flooded   *bool
	lat       *float64
	lon       *float64
	meta      map[string]string
	lastMsgAt time.Time

	// 设备发布过 retained 消息的主题，删除时需要逐个清除
	retainedTopics map[string]struct{}
}

// Reconciler 双源合并引擎
// 注册库快照构成 base 层，总线实时状态构成 live 覆盖层，
// 两层在读取时合并，统一设备视图由本引擎独占维护。
// 所有修改都发生在事件循环线程内
type Reconciler struct {
	config *config.Config
	logger *zap.Logger

	base map[string]models.Device
	// 曾经出现在任一注册库快照中的设备（粘性），用于区分
	// "从未注册" 和 "已从注册库移除"
	wasInStore map[string]bool
	live       map[string]*liveState
}

// NewReconciler 创建合并引擎
func NewReconciler(cfg *config.Config, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		config:     cfg,
		logger:     logger,
		base:       make(map[string]models.Device),
		wasInStore: make(map[string]bool),
		live:       make(map[string]*liveState),
	}
}

// ApplySnapshot 用注册库的完整子树快照重建 base 层
// 带墓碑标记的文档视为不存在
func (r *Reconciler) ApplySnapshot(snap models.StoreSnapshot) {
	base := make(map[string]models.Device, len(snap))
	for id, doc := range snap {
		r.wasInStore[id] = true
		if doc.Deleted {
			continue
		}
		base[id] = r.baseDevice(id, doc)
	}
	r.base = base

	r.logger.Debug("Applied store snapshot",
		zap.Int("devices", len(base)),
	)
}

// baseDevice 注册库文档 → base 层设备记录（字段原样采用）
func (r *Reconciler) baseDevice(id string, doc models.StoreDevice) models.Device {
	dev := models.Device{
		ID:      id,
		FillPct: doc.FillPct,
		Lat:     doc.Lat,
		Lon:     doc.Lon,
	}
	if doc.Online != nil {
		dev.Online = *doc.Online
	}
	if doc.LastSeen != nil {
		t := time.UnixMilli(*doc.LastSeen)
		dev.LastSeen = &t
	}
	if doc.BinFull != nil {
		dev.BinFull = *doc.BinFull
	}
	if doc.Flooded != nil {
		dev.Flooded = *doc.Flooded
	}
	if len(doc.Meta) > 0 {
		dev.Meta = make(map[string]string, len(doc.Meta))
		for k, v := range doc.Meta {
			dev.Meta[k] = v
		}
	}
	dev.Logs = storeLogs(doc.Logs, r.config.Logs.RingCapacity)
	return dev
}

// storeLogs 注册库嵌套日志 → 最新在前的有序切片，截断到缓冲容量
// 设备时间戳按量级启发式解析，解析不了的排在最后
func storeLogs(logs map[string]models.StoreLogEntry, capacity int) []models.LogEntry {
	if len(logs) == 0 {
		return nil
	}

	type keyed struct {
		key   string
		entry models.LogEntry
	}
	entries := make([]keyed, 0, len(logs))
	for key, le := range logs {
		entry := models.LogEntry{Payload: le.Payload}
		if le.TS != nil {
			entry.TS = normalizer.ParseDeviceTimestamp(float64(*le.TS))
		}
		entries = append(entries, keyed{key: key, entry: entry})
	}

	sort.Slice(entries, func(i, j int) bool {
		ti, tj := entries[i].entry.TS, entries[j].entry.TS
		switch {
		case ti != nil && tj != nil:
			return ti.After(*tj)
		case ti != nil:
			return true
		case tj != nil:
			return false
		default:
			// 推送键大致单调递增，作为最后的排序依据
			return entries[i].key > entries[j].key
		}
	})

	if len(entries) > capacity {
		entries = entries[:capacity]
	}
	out := make([]models.LogEntry, len(entries))
	for i, e := range entries {
		out[i] = e.entry
	}
	return out
}

// ApplyTelemetry 将一条规范化消息写入 live 覆盖层
func (r *Reconciler) ApplyTelemetry(msg *normalizer.Message) {
	ls, ok := r.live[msg.DeviceID]
	if !ok {
		ls = &liveState{
			ring:           NewLogRing(r.config.Logs.RingCapacity),
			retainedTopics: make(map[string]struct{}),
		}
		r.live[msg.DeviceID] = ls
	}
	ls.lastMsgAt = msg.Arrival

	if msg.Retained {
		ls.retainedTopics[msg.Topic] = struct{}{}
	}

	// 注册库元数据消息只合并 meta，不进日志
	if msg.Meta != nil {
		if ls.meta == nil {
			ls.meta = make(map[string]string, len(msg.Meta))
		}
		for k, v := range msg.Meta {
			ls.meta[k] = v
		}
		return
	}

	if msg.FillPct != nil {
		ls.fillPct = msg.FillPct
	}
	if msg.BinFull != nil {
		ls.binFull = msg.BinFull
	}
	if msg.Flooded != nil {
		ls.flooded = msg.Flooded
	}
	if msg.Lat != nil {
		ls.lat = msg.Lat
	}
	if msg.Lon != nil {
		ls.lon = msg.Lon
	}

	entry := models.LogEntry{
		Arrival: msg.Arrival,
		Payload: msg.Payload,
	}
	for _, key := range tsKeys {
		if v, ok := msg.Payload[key]; ok {
			entry.TS = normalizer.ParseDeviceTimestamp(v)
			break
		}
	}
	ls.ring.Push(entry)
}

// ApplyBackfill 按需回填的历史日志合入设备的日志环
// 条目按给定顺序逐条压入（调用方保证最旧在前），只补历史，
// 不改写遥测字段、不影响在线状态
func (r *Reconciler) ApplyBackfill(deviceID string, entries []models.LogEntry) {
	if len(entries) == 0 {
		return
	}
	ls, ok := r.live[deviceID]
	if !ok {
		ls = &liveState{
			ring:           NewLogRing(r.config.Logs.RingCapacity),
			retainedTopics: make(map[string]struct{}),
		}
		r.live[deviceID] = ls
	}
	for _, entry := range entries {
		ls.ring.Push(entry)
	}
}

// RetainedTopics 设备发布过 retained 状态的主题列表
func (r *Reconciler) RetainedTopics(id string) []string {
	ls, ok := r.live[id]
	if !ok {
		return nil
	}
	topics := make([]string, 0, len(ls.retainedTopics))
	for topic := range ls.retainedTopics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// LiveLogs 设备 live 层的日志条目（最新在前）
func (r *Reconciler) LiveLogs(id string) []models.LogEntry {
	ls, ok := r.live[id]
	if !ok {
		return nil
	}
	return ls.ring.Entries()
}

// Forget 删除命令的本地步骤：从 base 和 live 两层移除设备
// base 的移除只是本地预判，下一个快照仍包含该设备时会重新出现，
// 这是可接受的最终一致窗口
func (r *Reconciler) Forget(id string) {
	delete(r.base, id)
	delete(r.live, id)
	delete(r.wasInStore, id)
}

// BuildView 合并两层，产出统一设备视图
// base 层字段原样采用，live 层覆盖 online/lastSeen/遥测字段，
// 总线日志优先于注册库日志（时延更低）
func (r *Reconciler) BuildView(pres map[string]models.PresenceRecord, now time.Time) map[string]models.Device {
	view := make(map[string]models.Device, len(r.base)+len(r.live))

	for id, dev := range r.base {
		d := cloneDevice(dev)
		r.overlay(&d, pres)
		view[id] = d
	}

	for id, ls := range r.live {
		if _, inBase := view[id]; inBase {
			continue
		}
		if r.wasInStore[id] {
			// 已从注册库移除：仅在仍有新鲜实时活动时保留，
			// 避免快照传播延迟造成的视图抖动
			if now.Sub(ls.lastMsgAt) > r.config.Presence.Cutoff {
				continue
			}
		}
		d := models.Device{
			ID:           id,
			Unregistered: !r.wasInStore[id],
		}
		r.overlay(&d, pres)
		view[id] = d
	}

	return view
}

// overlay 将 live 层与在线影子状态叠加到设备记录上
func (r *Reconciler) overlay(dev *models.Device, pres map[string]models.PresenceRecord) {
	// 在线标志以影子状态为准；没有影子状态时保留注册库的值，
	// 注册库报告的 offline 不会在没有新消息的情况下被翻回 online
	if rec, ok := pres[dev.ID]; ok {
		dev.Online = rec.Online
		t := rec.LastSeen
		dev.LastSeen = &t
	}

	if ls, ok := r.live[dev.ID]; ok {
		if ls.fillPct != nil {
			dev.FillPct = ls.fillPct
		}
		if ls.binFull != nil {
			dev.BinFull = *ls.binFull
		}
		if ls.flooded != nil {
			dev.Flooded = *ls.flooded
		}
		if ls.lat != nil {
			dev.Lat = ls.lat
		}
		if ls.lon != nil {
			dev.Lon = ls.lon
		}
		if len(ls.meta) > 0 {
			if dev.Meta == nil {
				dev.Meta = make(map[string]string, len(ls.meta))
			}
			for k, v := range ls.meta {
				dev.Meta[k] = v
			}
		}
		dev.Logs = mergeLogs(ls.ring.Entries(), dev.Logs, r.config.Logs.RingCapacity)
	}

	// bin_full 在 fill 值存在时一律由阈值推导
	if dev.FillPct != nil {
		dev.BinFull = *dev.FillPct >= r.config.Alert.FullThreshold
	}
}

// mergeLogs 总线日志在前、注册库日志在后，截断到容量
func mergeLogs(live, store []models.LogEntry, capacity int) []models.LogEntry {
	merged := make([]models.LogEntry, 0, len(live)+len(store))
	merged = append(merged, live...)
	merged = append(merged, store...)
	if len(merged) > capacity {
		merged = merged[:capacity]
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}

// cloneDevice 深拷贝 base 层记录，避免视图持有内部状态的引用
func cloneDevice(dev models.Device) models.Device {
	d := dev
	if dev.Meta != nil {
		d.Meta = make(map[string]string, len(dev.Meta))
		for k, v := range dev.Meta {
			d.Meta[k] = v
		}
	}
	if dev.Logs != nil {
		d.Logs = make([]models.LogEntry, len(dev.Logs))
		copy(d.Logs, dev.Logs)
	}
	return d
}
