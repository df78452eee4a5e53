package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"wisefido-bin-monitor/internal/aggregator"
	"wisefido-bin-monitor/internal/alert"
	"wisefido-bin-monitor/internal/config"
	"wisefido-bin-monitor/internal/consumer"
	"wisefido-bin-monitor/internal/metrics"
	"wisefido-bin-monitor/internal/models"
	mqttcommon "wisefido-bin-monitor/internal/mqtt"
	"wisefido-bin-monitor/internal/normalizer"
	"wisefido-bin-monitor/internal/presence"
	"wisefido-bin-monitor/internal/store"

	"go.uber.org/zap"
)

// Bus 监控服务需要的总线能力
type Bus interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	IsConnected() bool
}

// 事件循环的事件类型：总线消息、注册库快照、扫描定时、本地移除。
// 所有事件排队后由单个 goroutine 按到达顺序逐一处理，
// 统一视图的全部修改都发生在该 goroutine 内
type telemetryEvent struct{ msg *normalizer.Message }
type snapshotEvent struct{ snap models.StoreSnapshot }
type sweepEvent struct{ now time.Time }
type forgetEvent struct{ deviceID string }
type backfillEvent struct {
	deviceID string
	entries  []models.LogEntry
}

// Health 服务健康状态
type Health struct {
	BusConnected      bool       `json:"bus_connected"`
	StoreLastSnapshot *time.Time `json:"store_last_snapshot,omitempty"`
}

// Monitor 设备监控服务
// 聚合总线遥测与注册库快照，维护统一设备视图，
// 派生指标并分发报警；对外暴露命令面和只读快照
type Monitor struct {
	config     *config.Config
	logger     *zap.Logger
	bus        Bus
	store      store.Store
	consumer   *consumer.MQTTConsumer
	tracker    *presence.Tracker
	reconciler *aggregator.Reconciler
	dispatcher *alert.Dispatcher
	metrics    *metrics.Metrics

	events chan any
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// 事件循环之外可读的快照状态
	mu             sync.RWMutex
	view           map[string]models.Device
	totals         metrics.Totals
	retainedTopics map[string][]string
	lastSnapshot   *time.Time
}

// NewMonitor 创建监控服务
func NewMonitor(
	cfg *config.Config,
	bus Bus,
	st store.Store,
	dispatcher *alert.Dispatcher,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Monitor {
	mon := &Monitor{
		config:         cfg,
		logger:         logger,
		bus:            bus,
		store:          st,
		tracker:        presence.NewTracker(cfg.Presence.Cutoff, logger),
		reconciler:     aggregator.NewReconciler(cfg, logger),
		dispatcher:     dispatcher,
		metrics:        m,
		events:         make(chan any, 256),
		view:           make(map[string]models.Device),
		retainedTopics: make(map[string][]string),
	}

	norm := normalizer.New(cfg.Telemetry.TopicPrefix, cfg.Telemetry.RegistryTopic, logger)
	mon.consumer = consumer.NewMQTTConsumer(cfg, bus, norm, m, mon.enqueueTelemetry, logger)

	return mon
}

// Start 启动监控服务
func (m *Monitor) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)
	m.runCtx = ctx

	if err := m.consumer.Start(); err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}

	// 注册库快照订阅
	snapshots := m.store.Watch(ctx, m.config.Store.PollInterval)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for snap := range snapshots {
			m.enqueue(ctx, snapshotEvent{snap: snap})
		}
	}()

	// 在线状态扫描：单个周期任务，不做每设备定时器
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.Presence.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				m.enqueue(ctx, sweepEvent{now: now})
			}
		}
	}()

	// 提示音循环
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.dispatcher.RunAudibleLoop(ctx)
	}()

	// 事件循环
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx)
	}()

	m.logger.Info("Monitor started",
		zap.String("topic_prefix", m.config.Telemetry.TopicPrefix),
		zap.Duration("sweep_interval", m.config.Presence.SweepInterval),
		zap.Duration("presence_cutoff", m.config.Presence.Cutoff),
	)
	return nil
}

// Stop 停止监控服务
func (m *Monitor) Stop() error {
	if m.cancel != nil {
		m.cancel()
	}
	if err := m.consumer.Stop(); err != nil {
		m.logger.Error("Failed to stop consumer", zap.Error(err))
	}
	m.wg.Wait()

	m.logger.Info("Monitor stopped")
	return nil
}

// enqueueTelemetry 消费者回调：规范化消息进入事件队列
func (m *Monitor) enqueueTelemetry(msg *normalizer.Message) {
	m.events <- telemetryEvent{msg: msg}
}

func (m *Monitor) enqueue(ctx context.Context, ev any) {
	select {
	case m.events <- ev:
	case <-ctx.Done():
	}
}

// run 事件循环：按到达顺序逐一处理，无跨源重排
func (m *Monitor) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

func (m *Monitor) handle(ev any) {
	switch e := ev.(type) {
	case telemetryEvent:
		// retained 消息是 broker 在订阅时的历史回放
		// （MQTT 3.1.1：实时转发给已有订阅时 RETAIN 置 0），
		// 只合并状态，不作为设备当前在线的证据
		if !e.msg.Retained {
			m.tracker.Touch(e.msg.DeviceID, e.msg.Arrival)
		}
		m.reconciler.ApplyTelemetry(e.msg)
		m.rebuild(e.msg.Arrival)

	case snapshotEvent:
		m.reconciler.ApplySnapshot(e.snap)
		now := time.Now()
		m.mu.Lock()
		m.lastSnapshot = &now
		m.mu.Unlock()
		m.rebuild(now)

	case sweepEvent:
		// 一次扫描的全部翻转合并为一次重算
		if flipped := m.tracker.Sweep(e.now); len(flipped) > 0 {
			m.rebuild(e.now)
		}

	case forgetEvent:
		m.tracker.Remove(e.deviceID)
		m.reconciler.Forget(e.deviceID)
		m.rebuild(time.Now())

	case backfillEvent:
		m.reconciler.ApplyBackfill(e.deviceID, e.entries)
		m.rebuild(time.Now())
	}
}

// rebuild 事件处理后重建统一视图、重算指标、评估报警
// 只在事件循环 goroutine 内调用
func (m *Monitor) rebuild(now time.Time) {
	view := m.reconciler.BuildView(m.tracker.Snapshot(), now)
	totals := metrics.Derive(view)
	m.metrics.SetTotals(totals)

	retained := make(map[string][]string, len(view))
	for id := range view {
		if topics := m.reconciler.RetainedTopics(id); len(topics) > 0 {
			retained[id] = topics
		}
	}

	m.mu.Lock()
	m.view = view
	m.totals = totals
	m.retainedTopics = retained
	m.mu.Unlock()

	for _, ev := range m.dispatcher.Evaluate(view, now) {
		m.metrics.IncAlert(string(ev.Kind))
	}
}

// Devices 统一设备视图的只读快照，按设备 ID 排序
func (m *Monitor) Devices() []models.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Device, 0, len(m.view))
	for _, dev := range m.view {
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Device 单个设备的只读快照
func (m *Monitor) Device(id string) (models.Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dev, ok := m.view[id]
	return dev, ok
}

// Totals 当前派生指标
func (m *Monitor) Totals() metrics.Totals {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totals
}

// Health 当前健康状态
func (m *Monitor) Health() Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Health{
		BusConnected:      m.bus.IsConnected(),
		StoreLastSnapshot: m.lastSnapshot,
	}
}

// Alerts 未确认报警列表
func (m *Monitor) Alerts() []alert.Event {
	return m.dispatcher.Active()
}

// DismissAlert 确认单个报警
func (m *Monitor) DismissAlert(alertID string) bool {
	return m.dispatcher.Dismiss(alertID)
}

// DismissAllAlerts 确认全部报警
func (m *Monitor) DismissAllAlerts() {
	m.dispatcher.DismissAll()
}

// SetMuted 设置静音偏好（持久化）
func (m *Monitor) SetMuted(ctx context.Context, muted bool) error {
	return m.dispatcher.SetMuted(ctx, muted)
}

// Muted 当前静音状态
func (m *Monitor) Muted() bool {
	return m.dispatcher.Muted()
}

// VerifyNotifier 验证OS级通知通道（配置与可达性）
func (m *Monitor) VerifyNotifier(ctx context.Context) error {
	return m.dispatcher.VerifyNotifier(ctx)
}

// DeleteResult 删除命令的分步结果
// 三步按序尝试、各自可重试；(a) 成功而 (b) 失败时设备可能经由
// retained 重放短暂重现，这是可接受的最终一致窗口
type DeleteResult struct {
	StoreTombstoned bool `json:"store_tombstoned"`
	BusCleared      bool `json:"bus_cleared"`
	LiveRemoved     bool `json:"live_removed"`
}

// Delete 删除设备
// (a) 注册库写墓碑 (b) 清除总线上的 retained 状态并发布删除标记
// (c) 从本地移除。每步幂等，重复调用无害
func (m *Monitor) Delete(ctx context.Context, deviceID string) (DeleteResult, error) {
	var res DeleteResult

	// (a) 注册库墓碑
	if err := m.store.Tombstone(ctx, deviceID); err != nil {
		return res, fmt.Errorf("store tombstone failed: %w", err)
	}
	res.StoreTombstoned = true

	// (b) 清除该设备已知的 retained 主题（空载荷 + retained 覆盖），
	// 并发布 retained 删除标记让其它会话收敛
	m.mu.RLock()
	topics := append([]string{}, m.retainedTopics[deviceID]...)
	m.mu.RUnlock()
	topics = appendUnique(topics, m.registryTopicFor(deviceID, "meta"))

	qos := m.config.MQTT.QoS
	for _, topic := range topics {
		if err := m.bus.Publish(topic, qos, true, []byte{}); err != nil {
			return res, fmt.Errorf("bus clear failed on %s: %w", topic, err)
		}
	}
	marker, _ := json.Marshal(map[string]any{
		"deleted":    true,
		"deleted_at": time.Now().UnixMilli(),
	})
	if err := m.bus.Publish(m.registryTopicFor(deviceID, "tombstone"), qos, true, marker); err != nil {
		return res, fmt.Errorf("bus tombstone failed: %w", err)
	}
	res.BusCleared = true

	// (c) 本地移除：挂到服务生命周期上，请求取消不丢事件
	m.enqueue(m.runCtx, forgetEvent{deviceID: deviceID})
	res.LiveRemoved = true

	m.logger.Info("Device deleted",
		zap.String("device_id", deviceID),
		zap.Int("cleared_topics", len(topics)),
	)
	return res, nil
}

// Refresh 尽力而为的 touch：刷新注册库文档的时间戳字段
func (m *Monitor) Refresh(ctx context.Context, deviceID string) error {
	err := m.store.Merge(ctx, deviceID, map[string]any{
		"last_refresh": time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("refresh failed: %w", err)
	}
	return nil
}

// registryTopicFor 注册库主题模式（registry/+/meta）→ 具体设备主题
func (m *Monitor) registryTopicFor(deviceID, leaf string) string {
	prefix := m.config.Telemetry.RegistryTopic
	if i := strings.Index(prefix, "/"); i > 0 {
		prefix = prefix[:i]
	}
	return fmt.Sprintf("%s/%s/%s", prefix, deviceID, leaf)
}

func appendUnique(topics []string, topic string) []string {
	for _, t := range topics {
		if t == topic {
			return topics
		}
	}
	return append(topics, topic)
}
