package alert

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"wisefido-bin-monitor/internal/config"
	"wisefido-bin-monitor/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind 报警类型
type Kind string

const (
	KindBinFull Kind = "bin_full" // 垃圾桶满溢
	KindFlood   Kind = "flood"    // 检测到浸水
	KindTest    Kind = "test"     // 通知通道验证
)

// ErrNotifierDisabled OS级通知通道未配置
var ErrNotifierDisabled = errors.New("notification channel not configured")

// Event 单个报警事件（派生数据，不持久化）
type Event struct {
	ID              string    `json:"alert_id"`
	Kind            Kind      `json:"kind"`
	DeviceID        string    `json:"device_id"`
	FirstDetectedAt time.Time `json:"first_detected_at"`
}

// Dispatcher 报警分发器
// 检测统一视图中的报警状态，按 (类型, 设备) 去重，
// 扇出到可视 / 提示音 / OS通知三个通道。
// 状态显式注入而不是包级全局，多个实例（测试场景）互不干扰
type Dispatcher struct {
	config   *config.Config
	kv       KVStore
	notifier Notifier
	beeper   Beeper
	logger   *zap.Logger

	mu sync.Mutex
	// (类型, 设备) → 上次触发时间，去重窗口判定
	lastFired map[string]time.Time
	// 未确认的报警，最新在前；条件消失不会撤回已展示的报警
	active []Event
	muted  bool
}

// NewDispatcher 创建分发器，启动时从 KV 恢复静音偏好
// notifier 和 beeper 允许为 nil（对应通道禁用）
func NewDispatcher(
	cfg *config.Config,
	kv KVStore,
	notifier Notifier,
	beeper Beeper,
	logger *zap.Logger,
) *Dispatcher {
	d := &Dispatcher{
		config:    cfg,
		kv:        kv,
		notifier:  notifier,
		beeper:    beeper,
		logger:    logger,
		lastFired: make(map[string]time.Time),
	}

	if kv != nil {
		val, err := kv.Get(context.Background(), cfg.Alert.MuteKey)
		switch {
		case err == nil:
			d.muted = val == "true"
		case !errors.Is(err, ErrCacheMiss):
			logger.Warn("Failed to load mute preference", zap.Error(err))
		}
	}

	return d
}

// Evaluate 对统一视图做一轮报警检测，返回本轮新触发的事件
// 同一 (类型, 设备) 在去重窗口内至多触发一次；
// 窗口过后同一条件再次出现会产生新的、可单独确认的事件
func (d *Dispatcher) Evaluate(view map[string]models.Device, now time.Time) []Event {
	ids := make([]string, 0, len(view))
	for id := range view {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	d.mu.Lock()
	var fired []Event
	for _, id := range ids {
		dev := view[id]
		if dev.BinFull {
			if ev, ok := d.raise(KindBinFull, id, now); ok {
				fired = append(fired, ev)
			}
		}
		if dev.Flooded {
			if ev, ok := d.raise(KindFlood, id, now); ok {
				fired = append(fired, ev)
			}
		}
	}
	d.mu.Unlock()

	// 可视通道（active 列表）是权威通道，OS通知失败只降级不影响结果。
	// 通知投递涉及网络往返，异步发出，调用方（事件循环）不等待
	for _, ev := range fired {
		d.logger.Info("Alert raised",
			zap.String("alert_id", ev.ID),
			zap.String("kind", string(ev.Kind)),
			zap.String("device_id", ev.DeviceID),
		)
		if d.notifier != nil {
			go func(ev Event) {
				if err := d.notifier.Notify(context.Background(), ev); err != nil {
					d.logger.Debug("OS notification degraded", zap.Error(err))
				}
			}(ev)
		}
	}

	return fired
}

// raise 去重窗口判定，通过则生成事件并加入未确认列表
// 调用方持锁
func (d *Dispatcher) raise(kind Kind, deviceID string, now time.Time) (Event, bool) {
	key := fmt.Sprintf("%s|%s", kind, deviceID)
	if last, ok := d.lastFired[key]; ok && now.Sub(last) < d.config.Alert.DebounceWindow {
		return Event{}, false
	}
	d.lastFired[key] = now

	ev := Event{
		ID:              uuid.NewString(),
		Kind:            kind,
		DeviceID:        deviceID,
		FirstDetectedAt: now,
	}
	d.active = append([]Event{ev}, d.active...)
	return ev, true
}

// Active 当前未确认的报警副本，最新在前
func (d *Dispatcher) Active() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Event, len(d.active))
	copy(out, d.active)
	return out
}

// Dismiss 确认单个报警
func (d *Dispatcher) Dismiss(alertID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, ev := range d.active {
		if ev.ID == alertID {
			d.active = append(d.active[:i], d.active[i+1:]...)
			return true
		}
	}
	return false
}

// DismissAll 确认全部报警
func (d *Dispatcher) DismissAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = nil
}

// SetMuted 设置静音偏好并持久化
// 静音只抑制提示音，不影响可视报警；持久化失败时内存状态仍然生效
func (d *Dispatcher) SetMuted(ctx context.Context, muted bool) error {
	d.mu.Lock()
	d.muted = muted
	d.mu.Unlock()

	if d.kv == nil {
		return nil
	}
	val := "false"
	if muted {
		val = "true"
	}
	if err := d.kv.Set(ctx, d.config.Alert.MuteKey, val, 0); err != nil {
		return fmt.Errorf("failed to persist mute preference: %w", err)
	}
	return nil
}

// VerifyNotifier 验证OS级通知通道
// 未配置返回 ErrNotifierDisabled；已配置则同步投递一条测试通知，
// 投递结果即通道可达性。只由命令面调用，不在事件循环内
func (d *Dispatcher) VerifyNotifier(ctx context.Context) error {
	if d.notifier == nil {
		return ErrNotifierDisabled
	}
	ev := Event{
		ID:              uuid.NewString(),
		Kind:            KindTest,
		FirstDetectedAt: time.Now(),
	}
	if err := d.notifier.Notify(ctx, ev); err != nil {
		return fmt.Errorf("notification channel unreachable: %w", err)
	}
	return nil
}

// Muted 当前静音状态
func (d *Dispatcher) Muted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.muted
}

// RunAudibleLoop 提示音循环：存在未确认报警且未静音时，
// 按固定间隔重复提示音，直到全部确认或静音。
// 提示音失败静默降级
func (d *Dispatcher) RunAudibleLoop(ctx context.Context) {
	if d.beeper == nil {
		return
	}
	ticker := time.NewTicker(d.config.Alert.AudibleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.mu.Lock()
			shouldBeep := len(d.active) > 0 && !d.muted
			d.mu.Unlock()
			if shouldBeep {
				if err := d.beeper.Beep(); err != nil {
					d.logger.Debug("Audible cue degraded", zap.Error(err))
				}
			}
		}
	}
}
